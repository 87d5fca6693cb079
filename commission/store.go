/*
store.go - Persistence interface for the commission ledger

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:   Payments, ledger entries, payroll runs, adjustments, and the
           per-payment refund compensation counter
  TxStore: Store plus WithTx for atomic multi-row mutations

NO DELETES:
  Ledger entries are never deleted. Recalculation and full refunds move
  entries to void; history stays queryable.

ATOMICITY:
  Every multi-row mutation (void + reinsert, run transition + bulk entry
  update, reversal + compensation counter) runs inside WithTx. If fn
  returns an error, nothing it wrote is visible afterwards.

UNIQUENESS:
  At most one non-void entry per (payment, earner). Implementations must
  reject a second one with a ConflictError (ErrPersistenceConflict).

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql
  - commission/store/memory.go: In-memory for testing

SEE ALSO:
  - directory.go: read-only collaborator interfaces
  - ledger.go, payroll.go, reversal.go: users of WithTx
*/
package commission

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Payment returns the payment or a NotFoundError.
	Payment(ctx context.Context, id PaymentID) (*Payment, error)
	SavePayment(ctx context.Context, p Payment) error

	// InsertEntries persists new entries. Fails with ConflictError if an
	// active entry already exists for any (payment, earner) pair.
	InsertEntries(ctx context.Context, entries []LedgerEntry) error
	// UpdateEntry persists status, run membership and timestamps.
	UpdateEntry(ctx context.Context, e LedgerEntry) error
	// EntriesForPayment returns every entry ever written for the payment,
	// void ones included, ordered by calculation then creation.
	EntriesForPayment(ctx context.Context, id PaymentID) ([]LedgerEntry, error)
	EntriesForEarner(ctx context.Context, id EarnerID) ([]LedgerEntry, error)
	EntriesForRun(ctx context.Context, id RunID) ([]LedgerEntry, error)
	// PendingEntriesForPeriod returns pending entries whose payout period
	// starts on periodStart.
	PendingEntriesForPeriod(ctx context.Context, periodStart Date) ([]LedgerEntry, error)
	// UnbatchedPeriods returns the distinct payout period starts that have
	// pending entries outside any run, ascending.
	UnbatchedPeriods(ctx context.Context) ([]Date, error)

	// SaveRun inserts or replaces a run.
	SaveRun(ctx context.Context, run PayrollRun) error
	// Run returns the run or a NotFoundError.
	Run(ctx context.Context, id RunID) (*PayrollRun, error)
	// LiveRunForPeriod returns the non-void run for a period, or nil.
	LiveRunForPeriod(ctx context.Context, periodStart Date) (*PayrollRun, error)
	ListRuns(ctx context.Context) ([]PayrollRun, error)

	InsertAdjustments(ctx context.Context, adjs []Adjustment) error
	UpdateAdjustment(ctx context.Context, a Adjustment) error
	AdjustmentsForPayment(ctx context.Context, id PaymentID) ([]Adjustment, error)
	AdjustmentsForEarner(ctx context.Context, id EarnerID) ([]Adjustment, error)
	AdjustmentsForRun(ctx context.Context, id RunID) ([]Adjustment, error)
	// OpenAdjustments returns every adjustment in state open, oldest first.
	OpenAdjustments(ctx context.Context) ([]Adjustment, error)

	// Compensation returns the cumulative refund amount already turned into
	// adjustments for the payment (zero if none).
	Compensation(ctx context.Context, id PaymentID) (decimal.Decimal, error)
	SetCompensation(ctx context.Context, id PaymentID, amount decimal.Decimal) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
