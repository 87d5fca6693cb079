/*
reversal.go - Reversal Engine

PURPOSE:
  Unwinds commission when a payment is refunded or a dispute is lost.
  Every reversal is recorded as a chargeback Adjustment linked to the
  entry and payment; still-pending entries are voided on full refunds.

EVENTS:
  refund issued          -> ApplyRefund(cumulative refunded amount)
  dispute created        -> annotate status only, no ledger mutation
  dispute closed, won    -> restore status only, no ledger mutation
  dispute closed, lost   -> full refund of the disputed amount

ALGORITHM (refund R of gross G, per active entry e):
  isFull   = R >= G
  target   = isFull ? e.commission : round(R/G * e.commission)
  reversal = target - already reversed for (payment, earner)
  adjustment(-reversal), and if isFull and e is pending and unlocked: void e

IDEMPOTENCY:
  Processors redeliver events. The per-payment compensation counter holds
  the cumulative refund already turned into adjustments; a delivery whose
  cumulative amount does not exceed it is a no-op. Larger amounts reverse
  only the delta, because targets are cumulative.

DOUBLE-COUNT GUARD:
  When an entry is voided its commission never reaches a payout, so the
  adjustments correcting it are marked absorbed and never netted into a
  run. An entry whose earlier adjustments already left through a locked
  run is not voided; the adjustment path carries the correction instead.

SEE ALSO:
  - payroll.go: runs net open adjustments into payouts
  - service.go: per-payment lock around these calls
*/
package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DisputeOutcome is how a closed dispute ended.
type DisputeOutcome string

const (
	DisputeWon  DisputeOutcome = "won"
	DisputeLost DisputeOutcome = "lost"
)

// ReversalResult summarizes one refund application.
type ReversalResult struct {
	PaymentID   PaymentID
	Duplicate   bool // nothing beyond the already compensated amount
	FullRefund  bool
	Compensated decimal.Decimal // counter value after this call
	Adjustments []Adjustment
	Voided      []LedgerEntry
}

// Total returns the signed sum of the adjustments created.
func (r ReversalResult) Total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Adjustments {
		total = total.Add(a.Amount)
	}
	return total
}

// =============================================================================
// ENGINE
// =============================================================================

type ReversalEngine struct {
	Store    TxStore
	Notifier NotificationSink
	Clock    Clock
	Logger   *zap.Logger
}

func NewReversalEngine(store TxStore, notifier NotificationSink, logger *zap.Logger) *ReversalEngine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReversalEngine{Store: store, Notifier: notifier, Logger: logger}
}

// ApplyRefund compensates commission for the cumulative refunded amount.
func (r *ReversalEngine) ApplyRefund(ctx context.Context, id PaymentID, cumulative decimal.Decimal) (*ReversalResult, error) {
	return r.refund(ctx, id, cumulative, false)
}

func (r *ReversalEngine) refund(ctx context.Context, id PaymentID, cumulative decimal.Decimal, closingDispute bool) (*ReversalResult, error) {
	if !cumulative.IsPositive() {
		return nil, fmt.Errorf("refund of %s on payment %s: %w", cumulative, id, ErrInvalidAmount)
	}

	result := &ReversalResult{PaymentID: id}
	err := r.Store.WithTx(ctx, func(st Store) error {
		*result = ReversalResult{PaymentID: id}
		return r.applyRefund(ctx, st, id, cumulative, closingDispute, result)
	})
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		r.Logger.Info("refund already compensated",
			zap.String("payment_id", string(id)),
			zap.String("compensated", result.Compensated.StringFixed(MoneyPlaces)),
		)
		return result, nil
	}

	r.Logger.Info("refund compensated",
		zap.String("payment_id", string(id)),
		zap.Bool("full_refund", result.FullRefund),
		zap.Int("adjustments", len(result.Adjustments)),
		zap.Int("voided", len(result.Voided)),
		zap.String("total", result.Total().StringFixed(MoneyPlaces)),
	)
	r.notify(ctx, id, result.Adjustments)
	return result, nil
}

func (r *ReversalEngine) applyRefund(ctx context.Context, st Store, id PaymentID, cumulative decimal.Decimal, closingDispute bool, result *ReversalResult) error {
	payment, err := st.Payment(ctx, id)
	if err != nil {
		return err
	}
	if closingDispute && payment.Status != PaymentDisputed {
		return &InvalidStateTransitionError{Object: "payment", ID: string(id), From: string(payment.Status), Action: "close_dispute"}
	}
	if !payment.Gross.IsPositive() {
		return fmt.Errorf("payment %s has non-positive gross %s: %w", id, payment.Gross, ErrInvalidAmount)
	}

	refunded := decimal.Min(cumulative, payment.Gross)
	compensated, err := st.Compensation(ctx, id)
	if err != nil {
		return fmt.Errorf("load compensation: %w", err)
	}

	now := r.Clock.now()
	isFull := refunded.GreaterThanOrEqual(payment.Gross)
	result.FullRefund = isFull

	if refunded.LessThanOrEqual(compensated) && !closingDispute {
		result.Duplicate = true
		result.Compensated = compensated
		return nil
	}

	all, err := st.EntriesForPayment(ctx, id)
	if err != nil {
		return err
	}
	active := activeOnly(all)

	// Without entries there is nothing to compensate yet; the counter stays
	// put so a later calculation can catch up on the refund.
	if len(active) > 0 && refunded.GreaterThan(compensated) {
		if err := reverseEntries(ctx, st, payment, active, refunded, isFull, now, result); err != nil {
			return err
		}
		if err := st.SetCompensation(ctx, id, refunded); err != nil {
			return fmt.Errorf("save compensation: %w", err)
		}
		result.Compensated = refunded
	} else {
		result.Compensated = compensated
	}

	payment.RefundedAmount = decimal.Max(payment.RefundedAmount, refunded)
	if closingDispute {
		payment.DisputeAmount = decimal.Zero
		payment.StatusBeforeDispute = ""
	}
	switch {
	case isFull:
		payment.Status = PaymentRefunded
	case payment.Status != PaymentDisputed || closingDispute:
		payment.Status = PaymentPartiallyRefunded
	}
	payment.UpdatedAt = now
	return st.SavePayment(ctx, *payment)
}

// reverseEntries charges back each active entry up to its target for the
// refunded level. Absorbed chargebacks went away with their entry and do not
// count as already reversed.
func reverseEntries(
	ctx context.Context,
	st Store,
	payment *Payment,
	active []LedgerEntry,
	refunded decimal.Decimal,
	isFull bool,
	now time.Time,
	result *ReversalResult,
) error {
	prior, err := st.AdjustmentsForPayment(ctx, payment.ID)
	if err != nil {
		return err
	}

	reversed := make(map[EarnerID]decimal.Decimal)
	for _, adj := range prior {
		if adj.Type != AdjustmentChargeback || adj.State == AdjustmentAbsorbed {
			continue
		}
		reversed[adj.EarnerID] = reversed[adj.EarnerID].Add(adj.Amount.Neg())
	}

	touched := make(map[RunID]bool)
	var created []Adjustment

	for _, e := range active {
		target := e.Commission
		if !isFull {
			target = RoundMoney(e.Commission.Mul(refunded).Div(payment.Gross))
		}
		reversal := target.Sub(reversed[e.EarnerID])

		voidable := false
		if isFull && e.Status == EntryPending {
			voidable, err = canVoid(ctx, st, e, prior)
			if err != nil {
				return err
			}
		}

		var adj *Adjustment
		if reversal.IsPositive() {
			adj = &Adjustment{
				ID:        AdjustmentID(uuid.NewString()),
				EarnerID:  e.EarnerID,
				PaymentID: payment.ID,
				EntryID:   e.ID,
				Amount:    reversal.Neg(),
				Type:      AdjustmentChargeback,
				Reason:    refundReason(refunded, payment.Gross, isFull),
				State:     AdjustmentOpen,
				CreatedAt: now,
			}
		}

		if voidable {
			touched[e.RunID] = true
			e.Status = EntryVoid
			e.VoidedAt = &now
			e.RunID = ""
			if err := st.UpdateEntry(ctx, e); err != nil {
				return fmt.Errorf("void entry %s: %w", e.ID, err)
			}
			result.Voided = append(result.Voided, e)

			if adj != nil {
				adj.State = AdjustmentAbsorbed
			}
			for _, p := range prior {
				if p.EarnerID != e.EarnerID || p.State != AdjustmentOpen {
					continue
				}
				touched[p.RunID] = true
				p.State = AdjustmentAbsorbed
				p.RunID = ""
				if err := st.UpdateAdjustment(ctx, p); err != nil {
					return err
				}
			}
		}

		if adj != nil {
			created = append(created, *adj)
		}
	}

	if len(created) > 0 {
		if err := st.InsertAdjustments(ctx, created); err != nil {
			return fmt.Errorf("insert adjustments: %w", err)
		}
	}
	result.Adjustments = created
	return refreshDrafts(ctx, st, touched, now)
}

// rebaseCompensation applies the payment's refunded level to a freshly
// booked entry set and moves the counter to that level. Open chargebacks of
// any set the caller voided must already be absorbed.
func rebaseCompensation(ctx context.Context, st Store, id PaymentID, booked []LedgerEntry, now time.Time) (*ReversalResult, error) {
	result := &ReversalResult{PaymentID: id}

	payment, err := st.Payment(ctx, id)
	if err != nil {
		return nil, err
	}
	compensated, err := st.Compensation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load compensation: %w", err)
	}
	result.Compensated = compensated

	refunded := decimal.Min(decimal.Max(payment.RefundedAmount, compensated), payment.Gross)
	if len(booked) == 0 || !refunded.IsPositive() || !payment.Gross.IsPositive() {
		return result, nil
	}

	isFull := refunded.GreaterThanOrEqual(payment.Gross)
	result.FullRefund = isFull
	if err := reverseEntries(ctx, st, payment, booked, refunded, isFull, now, result); err != nil {
		return nil, fmt.Errorf("compensate refund of %s: %w", refunded.StringFixed(MoneyPlaces), err)
	}
	if err := st.SetCompensation(ctx, id, refunded); err != nil {
		return nil, fmt.Errorf("save compensation: %w", err)
	}
	result.Compensated = refunded

	if isFull && payment.Status != PaymentRefunded {
		payment.Status = PaymentRefunded
		payment.UpdatedAt = now
		if err := st.SavePayment(ctx, *payment); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// canVoid reports whether a pending entry may still be voided: it is not in
// a locked run and none of its earlier corrections left through one.
func canVoid(ctx context.Context, st Store, e LedgerEntry, prior []Adjustment) (bool, error) {
	if e.RunID != "" {
		run, err := st.Run(ctx, e.RunID)
		if err != nil {
			return false, err
		}
		if run.Status.Locked() {
			return false, nil
		}
	}
	for _, p := range prior {
		if p.EarnerID != e.EarnerID {
			continue
		}
		if p.State == AdjustmentSettled {
			return false, nil
		}
		if p.RunID != "" {
			run, err := st.Run(ctx, p.RunID)
			if err != nil {
				return false, err
			}
			if run.Status.Locked() {
				return false, nil
			}
		}
	}
	return true, nil
}

func refundReason(refunded, gross decimal.Decimal, isFull bool) string {
	if isFull {
		return fmt.Sprintf("full refund of %s", gross.StringFixed(MoneyPlaces))
	}
	return fmt.Sprintf("partial refund of %s of %s", refunded.StringFixed(MoneyPlaces), gross.StringFixed(MoneyPlaces))
}

// notify sends one notification per affected earner with the signed total.
// Sink failures are logged; the ledger is already committed.
func (r *ReversalEngine) notify(ctx context.Context, id PaymentID, adjs []Adjustment) {
	totals := make(map[EarnerID]decimal.Decimal)
	var order []EarnerID
	for _, a := range adjs {
		if _, ok := totals[a.EarnerID]; !ok {
			order = append(order, a.EarnerID)
		}
		totals[a.EarnerID] = totals[a.EarnerID].Add(a.Amount)
	}

	for _, earner := range order {
		amount := totals[earner]
		n := Notification{
			EarnerID: earner,
			Message:  fmt.Sprintf("Commission on payment %s was reversed by %s", id, amount.Neg().StringFixed(MoneyPlaces)),
			Amount:   amount,
		}
		if err := r.Notifier.Notify(ctx, n); err != nil {
			r.Logger.Warn("notification failed",
				zap.String("payment_id", string(id)),
				zap.String("earner_id", string(earner)),
				zap.Error(err),
			)
		}
	}
}

// =============================================================================
// DISPUTES
// =============================================================================

// ApplyDisputeCreated marks the payment disputed. No ledger mutation.
func (r *ReversalEngine) ApplyDisputeCreated(ctx context.Context, id PaymentID, amount decimal.Decimal) (*Payment, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("dispute of %s on payment %s: %w", amount, id, ErrInvalidAmount)
	}

	var out *Payment
	err := r.Store.WithTx(ctx, func(st Store) error {
		p, err := st.Payment(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == PaymentRefunded {
			return &InvalidStateTransitionError{Object: "payment", ID: string(id), From: string(p.Status), Action: "dispute"}
		}
		if p.Status != PaymentDisputed {
			p.StatusBeforeDispute = p.Status
		}
		if amount.IsZero() {
			amount = p.Gross.Sub(p.RefundedAmount)
		}
		p.Status = PaymentDisputed
		p.DisputeAmount = amount
		p.UpdatedAt = r.Clock.now()
		if err := st.SavePayment(ctx, *p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.Logger.Info("dispute opened", zap.String("payment_id", string(id)),
		zap.String("amount", out.DisputeAmount.StringFixed(MoneyPlaces)))
	return out, nil
}

// ApplyDisputeClosed resolves a dispute. Won restores the prior status;
// lost is a full refund of the disputed amount.
func (r *ReversalEngine) ApplyDisputeClosed(ctx context.Context, id PaymentID, outcome DisputeOutcome) (*ReversalResult, error) {
	switch outcome {
	case DisputeWon, DisputeLost:
	default:
		return nil, fmt.Errorf("unknown dispute outcome %q: %w", outcome, ErrInvalidStateTransition)
	}

	payment, err := r.Store.Payment(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != PaymentDisputed {
		return nil, &InvalidStateTransitionError{Object: "payment", ID: string(id), From: string(payment.Status), Action: "close_dispute"}
	}

	if outcome == DisputeLost {
		disputed := payment.DisputeAmount
		if !disputed.IsPositive() {
			disputed = payment.Gross
		}
		cumulative := decimal.Min(payment.Gross, payment.RefundedAmount.Add(disputed))
		return r.refund(ctx, id, cumulative, true)
	}

	err = r.Store.WithTx(ctx, func(st Store) error {
		p, err := st.Payment(ctx, id)
		if err != nil {
			return err
		}
		restored := p.StatusBeforeDispute
		if !restored.Valid() || restored == PaymentDisputed {
			restored = PaymentSucceeded
		}
		p.Status = restored
		p.StatusBeforeDispute = ""
		p.DisputeAmount = decimal.Zero
		p.UpdatedAt = r.Clock.now()
		return st.SavePayment(ctx, *p)
	})
	if err != nil {
		return nil, err
	}
	r.Logger.Info("dispute won", zap.String("payment_id", string(id)))
	return &ReversalResult{PaymentID: id}, nil
}
