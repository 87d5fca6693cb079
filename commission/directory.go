package commission

import "context"

// =============================================================================
// COLLABORATORS - consumed at their interface boundary only
// =============================================================================

// PaymentSource is the Payment Intake side: which payments exist and
// which still need commission.
type PaymentSource interface {
	// Payment returns the payment or a NotFoundError.
	Payment(ctx context.Context, id PaymentID) (*Payment, error)
	// PaymentsBetween returns payments paid within [from, to], by date.
	PaymentsBetween(ctx context.Context, from, to Date) ([]Payment, error)
	// UncalculatedPayments returns payments whose commission has not been
	// booked yet.
	UncalculatedPayments(ctx context.Context) ([]Payment, error)
}

// ClientDirectory resolves lead source, seller/coach and splits.
type ClientDirectory interface {
	// Client returns the client or a NotFoundError.
	Client(ctx context.Context, id ClientID) (*Client, error)
	// Splits returns the client's split rows in display order; empty when
	// the client has no explicit splits.
	Splits(ctx context.Context, id ClientID) ([]CommissionSplit, error)
}

// EarnerDirectory resolves per-earner commission overrides.
type EarnerDirectory interface {
	// Earner returns the earner or a NotFoundError.
	Earner(ctx context.Context, id EarnerID) (*Earner, error)
}

// NotificationSink delivers earner notifications. Delivery guarantees are
// the sink's own responsibility; the engine does not retry.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }
