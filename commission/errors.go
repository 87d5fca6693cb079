/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is / errors.As; the HTTP layer maps them
  to status codes.

ERROR CATEGORIES:
  1. Lookup errors - unresolved payment/client/run ids (NotFoundError)
  2. Calculation errors - no earner, invalid split configuration
  3. State errors - forbidden entry/run/payment transitions
  4. Store errors - uniqueness collisions on (payment, earner)

NOT AN ERROR:
  A payment whose basis is <= 0 produces an explicit skipped outcome
  (OutcomeSkipped with ReasonZeroBasis), never an error.

SEE ALSO:
  - service.go: Outcome and BatchReport
  - api/handlers.go: HTTP status mapping
*/
package commission

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a payment, client, earner, or run id
	// cannot be resolved.
	ErrNotFound = errors.New("not found")

	// ErrNoEarner is returned when a client has neither a seller nor an
	// assigned coach and no explicit splits.
	ErrNoEarner = errors.New("client has no commission earner")

	// ErrInvalidStateTransition is returned when a requested transition is
	// forbidden by the current entry, run, or payment status.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrPersistenceConflict is returned when the (payment, earner)
	// uniqueness constraint is violated. Retryable under the payment lock.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrInvalidSplit is returned when a client's splits cannot be applied
	// (sum above 100%, negative percentage, duplicated earner).
	ErrInvalidSplit = errors.New("invalid commission split")

	// ErrInvalidAmount is returned for negative or otherwise unusable amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names what could not be resolved.
type NotFoundError struct {
	Kind string // "payment", "client", "earner", "run"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidStateTransitionError describes a rejected transition.
type InvalidStateTransitionError struct {
	Object string // "ledger_entry", "payroll_run", "payment"
	ID     string
	From   string
	Action string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: cannot %s %s %s in status %q",
		e.Action, e.Object, e.ID, e.From)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// SplitError describes why a split configuration was rejected.
type SplitError struct {
	ClientID ClientID
	Reason   string
}

func (e *SplitError) Error() string {
	return fmt.Sprintf("invalid commission split for client %s: %s", e.ClientID, e.Reason)
}

func (e *SplitError) Unwrap() error { return ErrInvalidSplit }

// ConflictError carries the colliding (payment, earner) pair.
type ConflictError struct {
	PaymentID PaymentID
	EarnerID  EarnerID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("persistence conflict: active entry already exists for payment %s earner %s",
		e.PaymentID, e.EarnerID)
}

func (e *ConflictError) Unwrap() error { return ErrPersistenceConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceConflict)
}

// IsClientError returns true if the error is due to invalid input or
// configuration rather than an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNoEarner) ||
		errors.Is(err, ErrInvalidSplit) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidStateTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
