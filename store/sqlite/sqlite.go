/*
Package sqlite provides a SQLite-backed implementation of the commission
storage interfaces.

PURPOSE:
  Implements commission.TxStore plus the directory collaborators
  (PaymentSource, ClientDirectory, EarnerDirectory) on SQLite. The same
  schema ports to PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  commission.TxStore:         Payments, entries, runs, adjustments, counter
  commission.PaymentSource:   Payment intake queries
  commission.ClientDirectory: Clients and commission splits
  commission.EarnerDirectory: Earners and their rate overrides

NO DELETES:
  Ledger entries, runs and adjustments are never deleted. Status columns
  move to void; history stays queryable.

KEY TABLES:
  payments:            Processor payments with refund/dispute bookkeeping
  clients, earners:    Directory records
  commission_splits:   Explicit per-client split rows
  ledger_entries:      One row per (payment, earner, calculation)
  payroll_runs:        One live run per pay period
  adjustments:         Signed chargeback corrections
  refund_compensation: Per-payment cumulative compensated refund

INDEXES:
  - idx_entries_active_pair: at most one non-void entry per (payment, earner)
  - idx_runs_live_period:    at most one non-void run per period
  - idx_entries_period:      run assembly (hot path)

CONCURRENCY:
  The pool is capped at one connection. SQLite serializes writers anyway,
  and ":memory:" databases are per-connection.

USAGE:
  st, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  svc := commission.NewService(commission.Dependencies{Store: st, ...}, cfg)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - commission/store.go: Interface definitions
  - commission/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	conn
	db *sql.DB
}

var (
	_ commission.TxStore         = (*Store)(nil)
	_ commission.PaymentSource   = (*Store)(nil)
	_ commission.ClientDirectory = (*Store)(nil)
	_ commission.EarnerDirectory = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := newWithDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func newWithDB(db *sql.DB) *Store {
	return &Store{conn: conn{q: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		gross TEXT NOT NULL,
		fee TEXT NOT NULL,
		net TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'succeeded',
		commission_calculated INTEGER NOT NULL DEFAULT 0,
		refunded_amount TEXT NOT NULL DEFAULT '0',
		dispute_amount TEXT NOT NULL DEFAULT '0',
		status_before_dispute TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_paid_at
		ON payments(paid_at);
	CREATE INDEX IF NOT EXISTS idx_payments_uncalculated
		ON payments(commission_calculated) WHERE commission_calculated = 0;

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		lead_source TEXT NOT NULL,
		sold_by TEXT,
		assigned_coach TEXT
	);

	CREATE TABLE IF NOT EXISTS earners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		config_json TEXT
	);

	CREATE TABLE IF NOT EXISTS commission_splits (
		client_id TEXT NOT NULL,
		earner_id TEXT NOT NULL,
		role TEXT NOT NULL,
		percentage TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (client_id, earner_id)
	);

	-- Ledger entries (never deleted; void instead)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		earner_id TEXT NOT NULL,
		gross TEXT NOT NULL,
		basis TEXT NOT NULL,
		commission TEXT NOT NULL,
		calculation_basis_json TEXT NOT NULL,
		payout_period_start TEXT NOT NULL,
		status TEXT NOT NULL,
		calculation INTEGER NOT NULL,
		run_id TEXT,
		created_at TEXT NOT NULL,
		voided_at TEXT,
		paid_at TEXT
	);

	-- CRITICAL: one active entry per (payment, earner)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_active_pair
		ON ledger_entries(payment_id, earner_id) WHERE status <> 'void';

	CREATE INDEX IF NOT EXISTS idx_entries_payment
		ON ledger_entries(payment_id, calculation);
	CREATE INDEX IF NOT EXISTS idx_entries_earner
		ON ledger_entries(earner_id);
	CREATE INDEX IF NOT EXISTS idx_entries_run
		ON ledger_entries(run_id) WHERE run_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_period
		ON ledger_entries(payout_period_start, status);

	CREATE TABLE IF NOT EXISTS payroll_runs (
		id TEXT PRIMARY KEY,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		payout_date TEXT NOT NULL,
		status TEXT NOT NULL,
		total_commission TEXT NOT NULL,
		total_adjustments TEXT NOT NULL,
		net_payout TEXT NOT NULL,
		transaction_count INTEGER NOT NULL,
		entry_ids_json TEXT NOT NULL,
		adjustment_ids_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		approved_at TEXT,
		paid_at TEXT,
		voided_at TEXT
	);

	-- CRITICAL: one live run per period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_live_period
		ON payroll_runs(period_start) WHERE status <> 'void';

	CREATE TABLE IF NOT EXISTS adjustments (
		id TEXT PRIMARY KEY,
		earner_id TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		reason TEXT,
		state TEXT NOT NULL,
		run_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_payment
		ON adjustments(payment_id);
	CREATE INDEX IF NOT EXISTS idx_adjustments_earner
		ON adjustments(earner_id);
	CREATE INDEX IF NOT EXISTS idx_adjustments_open
		ON adjustments(state) WHERE state = 'open';

	CREATE TABLE IF NOT EXISTS refund_compensation (
		payment_id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (commission.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store commission.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// conn implements commission.Store on top of a queryer. Store uses the
// pool; WithTx hands fn a conn bound to the transaction.
type conn struct {
	q queryer
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, client_id, gross, fee, net, paid_at, status, commission_calculated,
	refunded_amount, dispute_amount, status_before_dispute, created_at, updated_at`

func (c *conn) Payment(ctx context.Context, id commission.PaymentID) (*commission.Payment, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = ?", id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commission.NotFound("payment", string(id))
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *conn) SavePayment(ctx context.Context, p commission.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			gross = excluded.gross,
			fee = excluded.fee,
			net = excluded.net,
			paid_at = excluded.paid_at,
			status = excluded.status,
			commission_calculated = excluded.commission_calculated,
			refunded_amount = excluded.refunded_amount,
			dispute_amount = excluded.dispute_amount,
			status_before_dispute = excluded.status_before_dispute,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	_, err := c.q.ExecContext(ctx, query,
		p.ID, p.ClientID, p.Gross, p.Fee, p.Net, p.PaidAt.String(), p.Status,
		p.CommissionCalculated, p.RefundedAmount, p.DisputeAmount,
		nullString(string(p.StatusBeforeDispute)),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

// PaymentsBetween returns payments paid within [from, to].
func (c *conn) PaymentsBetween(ctx context.Context, from, to commission.Date) ([]commission.Payment, error) {
	return c.queryPayments(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE paid_at >= ? AND paid_at <= ? ORDER BY paid_at, created_at",
		from.String(), to.String())
}

func (c *conn) UncalculatedPayments(ctx context.Context) ([]commission.Payment, error) {
	return c.queryPayments(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE commission_calculated = 0 ORDER BY paid_at, created_at")
}

func (c *conn) queryPayments(ctx context.Context, query string, args ...any) ([]commission.Payment, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	payments := []commission.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(row scanner) (commission.Payment, error) {
	var (
		p                   commission.Payment
		paidAt              string
		statusBeforeDispute sql.NullString
		createdAt           string
		updatedAt           string
	)
	err := row.Scan(
		&p.ID, &p.ClientID, &p.Gross, &p.Fee, &p.Net, &paidAt, &p.Status,
		&p.CommissionCalculated, &p.RefundedAmount, &p.DisputeAmount,
		&statusBeforeDispute, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}
	if p.PaidAt, err = commission.ParseDate(paidAt); err != nil {
		return p, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	p.StatusBeforeDispute = commission.PaymentStatus(statusBeforeDispute.String)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

const entryColumns = `id, payment_id, earner_id, gross, basis, commission, calculation_basis_json,
	payout_period_start, status, calculation, run_id, created_at, voided_at, paid_at`

func (c *conn) InsertEntries(ctx context.Context, entries []commission.LedgerEntry) error {
	query := `INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, e := range entries {
		basis, err := commission.EncodeBasis(e.CalculationBasis)
		if err != nil {
			return err
		}
		_, err = c.q.ExecContext(ctx, query,
			e.ID, e.PaymentID, e.EarnerID, e.Gross, e.Basis, e.Commission, string(basis),
			e.PayoutPeriodStart.String(), e.Status, e.Calculation, nullString(string(e.RunID)),
			formatTime(e.CreatedAt), nullTime(e.VoidedAt), nullDate(e.PaidAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &commission.ConflictError{PaymentID: e.PaymentID, EarnerID: e.EarnerID}
			}
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}
	}
	return nil
}

func (c *conn) UpdateEntry(ctx context.Context, e commission.LedgerEntry) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = ?, run_id = ?, voided_at = ?, paid_at = ?
		WHERE id = ?`,
		e.Status, nullString(string(e.RunID)), nullTime(e.VoidedAt), nullDate(e.PaidAt), e.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &commission.ConflictError{PaymentID: e.PaymentID, EarnerID: e.EarnerID}
		}
		return fmt.Errorf("failed to update ledger entry: %w", err)
	}
	return requireRow(res, "ledger_entry", string(e.ID))
}

func (c *conn) EntriesForPayment(ctx context.Context, id commission.PaymentID) ([]commission.LedgerEntry, error) {
	return c.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE payment_id = ? ORDER BY calculation, rowid", id)
}

func (c *conn) EntriesForEarner(ctx context.Context, id commission.EarnerID) ([]commission.LedgerEntry, error) {
	return c.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE earner_id = ? ORDER BY rowid", id)
}

func (c *conn) EntriesForRun(ctx context.Context, id commission.RunID) ([]commission.LedgerEntry, error) {
	return c.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE run_id = ? ORDER BY rowid", id)
}

func (c *conn) PendingEntriesForPeriod(ctx context.Context, start commission.Date) ([]commission.LedgerEntry, error) {
	return c.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE payout_period_start = ? AND status = 'pending' ORDER BY rowid",
		start.String())
}

func (c *conn) UnbatchedPeriods(ctx context.Context) ([]commission.Date, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT DISTINCT payout_period_start FROM ledger_entries
		WHERE status = 'pending' AND run_id IS NULL
		ORDER BY payout_period_start`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unbatched periods: %w", err)
	}
	defer rows.Close()

	periods := []commission.Date{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		d, err := commission.ParseDate(s)
		if err != nil {
			return nil, err
		}
		periods = append(periods, d)
	}
	return periods, rows.Err()
}

func (c *conn) queryEntries(ctx context.Context, query string, args ...any) ([]commission.LedgerEntry, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []commission.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row scanner) (commission.LedgerEntry, error) {
	var (
		e         commission.LedgerEntry
		basisJSON string
		period    string
		runID     sql.NullString
		createdAt string
		voidedAt  sql.NullString
		paidAt    sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.PaymentID, &e.EarnerID, &e.Gross, &e.Basis, &e.Commission, &basisJSON,
		&period, &e.Status, &e.Calculation, &runID, &createdAt, &voidedAt, &paidAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	if e.CalculationBasis, err = commission.DecodeBasis([]byte(basisJSON)); err != nil {
		return e, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	if e.PayoutPeriodStart, err = commission.ParseDate(period); err != nil {
		return e, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	e.RunID = commission.RunID(runID.String)
	e.CreatedAt = parseTime(createdAt)
	e.VoidedAt = parseNullTime(voidedAt)
	e.PaidAt = parseNullDate(paidAt)
	return e, nil
}

// =============================================================================
// PAYROLL RUNS
// =============================================================================

const runColumns = `id, period_start, period_end, payout_date, status, total_commission,
	total_adjustments, net_payout, transaction_count, entry_ids_json, adjustment_ids_json,
	created_at, updated_at, approved_at, paid_at, voided_at`

func (c *conn) SaveRun(ctx context.Context, r commission.PayrollRun) error {
	entryIDs, err := json.Marshal(nonNil(r.EntryIDs))
	if err != nil {
		return err
	}
	adjIDs, err := json.Marshal(nonNil(r.AdjustmentIDs))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payroll_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_commission = excluded.total_commission,
			total_adjustments = excluded.total_adjustments,
			net_payout = excluded.net_payout,
			transaction_count = excluded.transaction_count,
			entry_ids_json = excluded.entry_ids_json,
			adjustment_ids_json = excluded.adjustment_ids_json,
			updated_at = excluded.updated_at,
			approved_at = excluded.approved_at,
			paid_at = excluded.paid_at,
			voided_at = excluded.voided_at
	`
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = r.CreatedAt
	}
	_, err = c.q.ExecContext(ctx, query,
		r.ID, r.PeriodStart.String(), r.PeriodEnd.String(), r.PayoutDate.String(), r.Status,
		r.TotalCommission, r.TotalAdjustments, r.NetPayout, r.TransactionCount,
		string(entryIDs), string(adjIDs),
		formatTime(r.CreatedAt), formatTime(updated),
		nullTime(r.ApprovedAt), nullTime(r.PaidAt), nullTime(r.VoidedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("live run already exists for period %s: %w", r.PeriodStart, commission.ErrPersistenceConflict)
		}
		return fmt.Errorf("failed to save payroll run: %w", err)
	}
	return nil
}

func (c *conn) Run(ctx context.Context, id commission.RunID) (*commission.PayrollRun, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+runColumns+" FROM payroll_runs WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commission.NotFound("payroll_run", string(id))
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *conn) LiveRunForPeriod(ctx context.Context, start commission.Date) (*commission.PayrollRun, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM payroll_runs WHERE period_start = ? AND status <> 'void'", start.String())
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *conn) ListRuns(ctx context.Context) ([]commission.PayrollRun, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+runColumns+" FROM payroll_runs ORDER BY period_start DESC, created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query payroll runs: %w", err)
	}
	defer rows.Close()

	runs := []commission.PayrollRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (commission.PayrollRun, error) {
	var (
		r                          commission.PayrollRun
		start, end, payout         string
		entryIDs, adjIDs           string
		createdAt, updatedAt       string
		approvedAt, paidAt, voided sql.NullString
	)
	err := row.Scan(
		&r.ID, &start, &end, &payout, &r.Status, &r.TotalCommission,
		&r.TotalAdjustments, &r.NetPayout, &r.TransactionCount, &entryIDs, &adjIDs,
		&createdAt, &updatedAt, &approvedAt, &paidAt, &voided,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan payroll run: %w", err)
	}

	if r.PeriodStart, err = commission.ParseDate(start); err != nil {
		return r, err
	}
	if r.PeriodEnd, err = commission.ParseDate(end); err != nil {
		return r, err
	}
	if r.PayoutDate, err = commission.ParseDate(payout); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(entryIDs), &r.EntryIDs); err != nil {
		return r, fmt.Errorf("run %s entry ids: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(adjIDs), &r.AdjustmentIDs); err != nil {
		return r, fmt.Errorf("run %s adjustment ids: %w", r.ID, err)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.ApprovedAt = parseNullTime(approvedAt)
	r.PaidAt = parseNullTime(paidAt)
	r.VoidedAt = parseNullTime(voided)
	return r, nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

const adjustmentColumns = `id, earner_id, payment_id, entry_id, amount, type, reason, state, run_id, created_at`

func (c *conn) InsertAdjustments(ctx context.Context, adjs []commission.Adjustment) error {
	query := `INSERT INTO adjustments (` + adjustmentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, a := range adjs {
		_, err := c.q.ExecContext(ctx, query,
			a.ID, a.EarnerID, a.PaymentID, a.EntryID, a.Amount, a.Type, a.Reason, a.State,
			nullString(string(a.RunID)), formatTime(a.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("adjustment %s: %w", a.ID, commission.ErrPersistenceConflict)
			}
			return fmt.Errorf("failed to insert adjustment: %w", err)
		}
	}
	return nil
}

func (c *conn) UpdateAdjustment(ctx context.Context, a commission.Adjustment) error {
	res, err := c.q.ExecContext(ctx,
		"UPDATE adjustments SET state = ?, run_id = ? WHERE id = ?",
		a.State, nullString(string(a.RunID)), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update adjustment: %w", err)
	}
	return requireRow(res, "adjustment", string(a.ID))
}

func (c *conn) AdjustmentsForPayment(ctx context.Context, id commission.PaymentID) ([]commission.Adjustment, error) {
	return c.queryAdjustments(ctx,
		"SELECT "+adjustmentColumns+" FROM adjustments WHERE payment_id = ? ORDER BY rowid", id)
}

func (c *conn) AdjustmentsForEarner(ctx context.Context, id commission.EarnerID) ([]commission.Adjustment, error) {
	return c.queryAdjustments(ctx,
		"SELECT "+adjustmentColumns+" FROM adjustments WHERE earner_id = ? ORDER BY rowid", id)
}

func (c *conn) AdjustmentsForRun(ctx context.Context, id commission.RunID) ([]commission.Adjustment, error) {
	return c.queryAdjustments(ctx,
		"SELECT "+adjustmentColumns+" FROM adjustments WHERE run_id = ? ORDER BY rowid", id)
}

func (c *conn) OpenAdjustments(ctx context.Context) ([]commission.Adjustment, error) {
	return c.queryAdjustments(ctx,
		"SELECT "+adjustmentColumns+" FROM adjustments WHERE state = 'open' ORDER BY created_at, rowid")
}

func (c *conn) queryAdjustments(ctx context.Context, query string, args ...any) ([]commission.Adjustment, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	adjs := []commission.Adjustment{}
	for rows.Next() {
		var (
			a         commission.Adjustment
			reason    sql.NullString
			runID     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.EarnerID, &a.PaymentID, &a.EntryID, &a.Amount, &a.Type,
			&reason, &a.State, &runID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		a.Reason = reason.String
		a.RunID = commission.RunID(runID.String)
		a.CreatedAt = parseTime(createdAt)
		adjs = append(adjs, a)
	}
	return adjs, rows.Err()
}

// =============================================================================
// REFUND COMPENSATION
// =============================================================================

func (c *conn) Compensation(ctx context.Context, id commission.PaymentID) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := c.q.QueryRowContext(ctx,
		"SELECT amount FROM refund_compensation WHERE payment_id = ?", id,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load compensation: %w", err)
	}
	return amount, nil
}

func (c *conn) SetCompensation(ctx context.Context, id commission.PaymentID, amount decimal.Decimal) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO refund_compensation (payment_id, amount, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(payment_id) DO UPDATE SET
			amount = excluded.amount,
			updated_at = excluded.updated_at`,
		id, amount, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to save compensation: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullDate(d *commission.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDate(s sql.NullString) *commission.Date {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := commission.ParseDate(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return commission.NotFound(kind, id)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
