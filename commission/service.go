/*
service.go - Operation surface

PURPOSE:
  Composes the Rate Resolver, Split Calculator, Ledger Writer, Period
  Resolver, Run Aggregator and Reversal Engine behind the operations an
  operator surface or scheduler calls.

OPERATIONS:
  Calculate(paymentID)            processed | skipped | failed
  Recalculate(paymentID)          explicit void-and-reinsert
  RecalculatePeriod(start, end)   batch, continues past failures
  CalculateUncalculated()         batch scan of not-yet-booked payments
  AssemblePeriod(date)            create/refresh the period's draft run
  AssembleDue(asOf)               batch assemble of ended periods
  TransitionRun(runID, action)    approve | pay | void
  ApplyRefund(paymentID, R)       cumulative refunded amount
  ApplyDisputeCreated / ApplyDisputeClosed
  EarnerStatement(earnerID)       pending, paid, adjustments, net owed

CONCURRENCY:
  Each call is a synchronous unit of work. Calls touching one payment are
  serialized by a per-payment lock; run transitions by a per-run lock and
  assembly by a per-period lock. Store transactions make every multi-row
  mutation atomic.

ERRORS:
  Single-item operations return the error with no partial state. Batch
  operations record {processed, skipped, failed} and the first N errors.

SEE ALSO:
  - errors.go: error taxonomy
  - api/handlers.go: HTTP bindings for these operations
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// RESULTS
// =============================================================================

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Skip reasons.
const (
	ReasonZeroBasis         = "zero_basis"
	ReasonAlreadyCalculated = "already_calculated"
	ReasonPaymentRefunded   = "payment_refunded"
)

type CalculationResult struct {
	PaymentID PaymentID
	Outcome   Outcome
	Reason    string
	Entries   []LedgerEntry
	Voided    []LedgerEntry
	Warnings  []Warning
	// Adjustments are chargebacks booked against Entries for a refund
	// already recorded on the payment.
	Adjustments []Adjustment
}

// Total returns the sum of the booked entries' commission.
func (r CalculationResult) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range r.Entries {
		total = total.Add(e.Commission)
	}
	return total
}

// BatchReport is the operator-facing summary of a batch operation. Errors
// holds at most the configured number of messages; Failed counts them all.
type BatchReport struct {
	Processed int
	Skipped   int
	Failed    int
	Errors    []string

	maxErrors int
}

func newBatchReport(maxErrors int) BatchReport {
	if maxErrors <= 0 {
		maxErrors = 10
	}
	return BatchReport{Errors: []string{}, maxErrors: maxErrors}
}

func (r *BatchReport) fail(err error) {
	r.Failed++
	if len(r.Errors) < r.maxErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

func (r *BatchReport) record(res CalculationResult, err error) {
	switch {
	case err != nil:
		r.fail(fmt.Errorf("payment %s: %w", res.PaymentID, err))
	case res.Outcome == OutcomeSkipped:
		r.Skipped++
	default:
		r.Processed++
	}
}

// EarnerStatement is an earner's running position.
type EarnerStatement struct {
	EarnerID           EarnerID
	PendingCommission  decimal.Decimal
	PaidCommission     decimal.Decimal
	OpenAdjustments    decimal.Decimal
	SettledAdjustments decimal.Decimal
	NetOwed            decimal.Decimal // pending commission + open adjustments
	Entries            []LedgerEntry
	Adjustments        []Adjustment
}

// =============================================================================
// CONFIGURATION & DEPENDENCIES
// =============================================================================

type Config struct {
	Rates   RateDefaults
	Periods PeriodConfig

	// MaxReportedErrors caps BatchReport.Errors.
	MaxReportedErrors int

	// ConflictRetries is how many times a persistence conflict is retried.
	ConflictRetries uint
	RetryInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Rates:             DefaultRates(),
		Periods:           DefaultPeriodConfig(),
		MaxReportedErrors: 10,
		ConflictRetries:   3,
		RetryInterval:     50 * time.Millisecond,
	}
}

type Dependencies struct {
	Store    TxStore
	Payments PaymentSource
	Clients  ClientDirectory
	Earners  EarnerDirectory
	Notifier NotificationSink
	Logger   *zap.Logger
	Clock    Clock
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Rates     *RateResolver
	Splits    *SplitCalculator
	Periods   *PeriodResolver
	Ledger    *LedgerWriter
	Runs      *RunAggregator
	Reversals *ReversalEngine

	store    TxStore
	payments PaymentSource
	clients  ClientDirectory
	earners  EarnerDirectory
	logger   *zap.Logger
	clock    Clock
	locks    *KeyedMutex
	cfg      Config
}

func NewService(deps Dependencies, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rates := NewRateResolver(cfg.Rates)
	periods := NewPeriodResolver(cfg.Periods)

	ledger := NewLedgerWriter(deps.Store, periods)
	ledger.Clock = deps.Clock

	runs := NewRunAggregator(deps.Store, periods, logger.Named("payroll"))
	runs.Clock = deps.Clock

	reversals := NewReversalEngine(deps.Store, deps.Notifier, logger.Named("reversal"))
	reversals.Clock = deps.Clock

	return &Service{
		Rates:     rates,
		Splits:    NewSplitCalculator(rates),
		Periods:   periods,
		Ledger:    ledger,
		Runs:      runs,
		Reversals: reversals,
		store:     deps.Store,
		payments:  deps.Payments,
		clients:   deps.Clients,
		earners:   deps.Earners,
		logger:    logger,
		clock:     deps.Clock,
		locks:     NewKeyedMutex(),
		cfg:       cfg,
	}
}

// =============================================================================
// CALCULATION
// =============================================================================

// Calculate books commission for a payment exactly once.
func (s *Service) Calculate(ctx context.Context, id PaymentID) (CalculationResult, error) {
	unlock := s.locks.Lock(paymentKey(id))
	defer unlock()

	res := CalculationResult{PaymentID: id}
	payment, err := s.store.Payment(ctx, id)
	if err != nil {
		return s.failed(res, err)
	}
	if payment.CommissionCalculated {
		return s.skipped(res, ReasonAlreadyCalculated), nil
	}
	if payment.Status == PaymentRefunded {
		return s.skipped(res, ReasonPaymentRefunded), nil
	}

	split, err := s.split(ctx, *payment)
	if err != nil {
		return s.failed(res, err)
	}
	res.Warnings = split.Warnings

	booking, err := retryConflicts(ctx, s, id, func() (Booking, error) {
		return s.Ledger.Write(ctx, *payment, split)
	})
	if err != nil {
		return s.failed(res, err)
	}
	s.booked(ctx, &res, booking)

	if split.Skipped {
		return s.skipped(res, ReasonZeroBasis), nil
	}

	res.Outcome = OutcomeProcessed
	s.logger.Info("commission calculated",
		zap.String("payment_id", string(id)),
		zap.Int("entries", len(res.Entries)),
		zap.Int("adjustments", len(res.Adjustments)),
		zap.String("total", res.Total().StringFixed(MoneyPlaces)),
	)
	return res, nil
}

// Recalculate voids the payment's active pending entries and books a fresh
// set. Rejected with InvalidStateTransitionError once any entry is paid, in
// an approved/paid run, or charged back through one.
func (s *Service) Recalculate(ctx context.Context, id PaymentID) (CalculationResult, error) {
	unlock := s.locks.Lock(paymentKey(id))
	defer unlock()

	res := CalculationResult{PaymentID: id}
	payment, err := s.store.Payment(ctx, id)
	if err != nil {
		return s.failed(res, err)
	}
	if payment.Status == PaymentRefunded {
		return s.skipped(res, ReasonPaymentRefunded), nil
	}

	split, err := s.split(ctx, *payment)
	if err != nil {
		return s.failed(res, err)
	}
	res.Warnings = split.Warnings

	booking, err := retryConflicts(ctx, s, id, func() (Booking, error) {
		return s.Ledger.Replace(ctx, *payment, split)
	})
	if err != nil {
		return s.failed(res, err)
	}
	s.booked(ctx, &res, booking)

	if split.Skipped {
		return s.skipped(res, ReasonZeroBasis), nil
	}

	res.Outcome = OutcomeProcessed
	s.logger.Info("commission recalculated",
		zap.String("payment_id", string(id)),
		zap.Int("entries", len(res.Entries)),
		zap.Int("voided", len(res.Voided)),
		zap.Int("adjustments", len(res.Adjustments)),
		zap.String("total", res.Total().StringFixed(MoneyPlaces)),
	)
	return res, nil
}

// booked copies a committed booking into res and notifies the earners its
// refund catch-up charged back.
func (s *Service) booked(ctx context.Context, res *CalculationResult, b Booking) {
	res.Entries, res.Voided = b.Written, b.Voided
	res.Adjustments = b.Adjustments()
	if len(res.Adjustments) > 0 {
		s.Reversals.notify(ctx, res.PaymentID, res.Adjustments)
	}
}

// RecalculatePeriod recalculates every payment paid within [start, end].
func (s *Service) RecalculatePeriod(ctx context.Context, start, end Date) BatchReport {
	report := newBatchReport(s.cfg.MaxReportedErrors)
	if end.Before(start) {
		report.fail(fmt.Errorf("period end %s before start %s: %w", end, start, ErrInvalidAmount))
		return report
	}

	payments, err := s.payments.PaymentsBetween(ctx, start, end)
	if err != nil {
		report.fail(fmt.Errorf("list payments: %w", err))
		return report
	}
	for _, p := range payments {
		report.record(s.Recalculate(ctx, p.ID))
	}

	s.logBatch("period recalculated", report, zap.String("start", start.String()), zap.String("end", end.String()))
	return report
}

// CalculateUncalculated books commission for every payment not yet booked.
func (s *Service) CalculateUncalculated(ctx context.Context) BatchReport {
	report := newBatchReport(s.cfg.MaxReportedErrors)

	payments, err := s.payments.UncalculatedPayments(ctx)
	if err != nil {
		report.fail(fmt.Errorf("list uncalculated payments: %w", err))
		return report
	}
	for _, p := range payments {
		report.record(s.Calculate(ctx, p.ID))
	}

	s.logBatch("uncalculated payments scanned", report)
	return report
}

// split gathers client, splits and primary earner and runs the calculator.
func (s *Service) split(ctx context.Context, payment Payment) (SplitResult, error) {
	client, err := s.clients.Client(ctx, payment.ClientID)
	if err != nil {
		return SplitResult{}, fmt.Errorf("resolve client: %w", err)
	}
	splits, err := s.clients.Splits(ctx, client.ID)
	if err != nil {
		return SplitResult{}, fmt.Errorf("load splits: %w", err)
	}

	in := SplitInput{
		Payment:    payment,
		ClientID:   client.ID,
		Splits:     splits,
		LeadSource: client.LeadSource,
	}
	if len(splits) == 0 {
		if primary, ok := client.PrimaryEarner(); ok {
			in.PrimaryID = primary
			earner, err := s.earners.Earner(ctx, primary)
			switch {
			case err == nil:
				in.Primary = earner
			case IsNotFound(err):
				// No directory record means no overrides.
			default:
				return SplitResult{}, fmt.Errorf("resolve earner: %w", err)
			}
		}
	}

	result, err := s.Splits.Calculate(in)
	if err != nil {
		return result, err
	}
	for _, w := range result.Warnings {
		if w == WarnSplitsUnderAllocated {
			s.logger.Warn("splits allocate less than 100%; remainder left unallocated",
				zap.String("payment_id", string(payment.ID)),
				zap.String("client_id", string(client.ID)),
				zap.String("split_total", result.SplitTotal.String()),
			)
		}
	}
	return result, nil
}

// retryConflicts retries op while it fails with a persistence conflict.
// The caller already holds the payment lock.
func retryConflicts[T any](ctx context.Context, s *Service, id PaymentID, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval

	return backoff.Retry(ctx, func() (T, error) {
		out, err := op()
		if err == nil {
			return out, nil
		}
		if !IsRetryable(err) {
			return out, backoff.Permanent(err)
		}
		s.logger.Warn("persistence conflict, retrying",
			zap.String("payment_id", string(id)), zap.Error(err))
		return out, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.cfg.ConflictRetries+1))
}

func (s *Service) failed(res CalculationResult, err error) (CalculationResult, error) {
	res.Outcome = OutcomeFailed
	res.Reason = err.Error()
	s.logger.Warn("commission calculation failed",
		zap.String("payment_id", string(res.PaymentID)), zap.Error(err))
	return res, err
}

func (s *Service) skipped(res CalculationResult, reason string) CalculationResult {
	res.Outcome = OutcomeSkipped
	res.Reason = reason
	s.logger.Info("commission calculation skipped",
		zap.String("payment_id", string(res.PaymentID)), zap.String("reason", reason))
	return res
}

func (s *Service) logBatch(msg string, r BatchReport, fields ...zap.Field) {
	fields = append(fields,
		zap.Int("processed", r.Processed),
		zap.Int("skipped", r.Skipped),
		zap.Int("failed", r.Failed),
	)
	if r.Failed > 0 {
		s.logger.Warn(msg, append(fields, zap.Strings("errors", r.Errors))...)
		return
	}
	s.logger.Info(msg, fields...)
}

// =============================================================================
// PAYROLL
// =============================================================================

// AssemblePeriod creates or refreshes the draft run for date's period.
func (s *Service) AssemblePeriod(ctx context.Context, date Date) (*PayrollRun, error) {
	unlock := s.locks.Lock(periodKey(s.Periods.PeriodStart(date)))
	defer unlock()
	return s.Runs.Assemble(ctx, date)
}

// AssembleDue assembles every period with unbatched pending entries that
// ended before asOf.
func (s *Service) AssembleDue(ctx context.Context, asOf Date) BatchReport {
	report := newBatchReport(s.cfg.MaxReportedErrors)

	starts, err := s.store.UnbatchedPeriods(ctx)
	if err != nil {
		report.fail(fmt.Errorf("list unbatched periods: %w", err))
		return report
	}
	for _, start := range starts {
		period := s.Periods.PeriodFor(start)
		if !period.End.Before(asOf) {
			report.Skipped++
			continue
		}
		if _, err := s.AssemblePeriod(ctx, period.Start); err != nil {
			report.fail(fmt.Errorf("period %s: %w", period.Start, err))
			continue
		}
		report.Processed++
	}

	s.logBatch("due periods assembled", report, zap.String("as_of", asOf.String()))
	return report
}

// TransitionRun applies approve, pay or void to a run.
func (s *Service) TransitionRun(ctx context.Context, id RunID, action RunAction) (*PayrollRun, error) {
	unlock := s.locks.Lock(runKey(id))
	defer unlock()

	run, err := s.Runs.Transition(ctx, id, action)
	if err != nil {
		var ist *InvalidStateTransitionError
		if errors.As(err, &ist) {
			s.logger.Warn("run transition rejected", zap.String("run_id", string(id)),
				zap.String("action", string(action)), zap.String("from", ist.From))
		}
		return nil, err
	}
	return run, nil
}

func (s *Service) Run(ctx context.Context, id RunID) (*PayrollRun, error) {
	return s.store.Run(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context) ([]PayrollRun, error) {
	return s.store.ListRuns(ctx)
}

// =============================================================================
// REVERSALS
// =============================================================================

func (s *Service) ApplyRefund(ctx context.Context, id PaymentID, cumulative decimal.Decimal) (*ReversalResult, error) {
	unlock := s.locks.Lock(paymentKey(id))
	defer unlock()
	return s.Reversals.ApplyRefund(ctx, id, cumulative)
}

func (s *Service) ApplyDisputeCreated(ctx context.Context, id PaymentID, amount decimal.Decimal) (*Payment, error) {
	unlock := s.locks.Lock(paymentKey(id))
	defer unlock()
	return s.Reversals.ApplyDisputeCreated(ctx, id, amount)
}

func (s *Service) ApplyDisputeClosed(ctx context.Context, id PaymentID, outcome DisputeOutcome) (*ReversalResult, error) {
	unlock := s.locks.Lock(paymentKey(id))
	defer unlock()
	return s.Reversals.ApplyDisputeClosed(ctx, id, outcome)
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Payment(ctx context.Context, id PaymentID) (*Payment, error) {
	return s.store.Payment(ctx, id)
}

func (s *Service) Client(ctx context.Context, id ClientID) (*Client, error) {
	return s.clients.Client(ctx, id)
}

func (s *Service) Entries(ctx context.Context, id PaymentID) ([]LedgerEntry, error) {
	if _, err := s.store.Payment(ctx, id); err != nil {
		return nil, err
	}
	return s.store.EntriesForPayment(ctx, id)
}

func (s *Service) Adjustments(ctx context.Context, id PaymentID) ([]Adjustment, error) {
	return s.store.AdjustmentsForPayment(ctx, id)
}

func (s *Service) EarnerStatement(ctx context.Context, id EarnerID) (*EarnerStatement, error) {
	if _, err := s.earners.Earner(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.store.EntriesForEarner(ctx, id)
	if err != nil {
		return nil, err
	}
	adjs, err := s.store.AdjustmentsForEarner(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &EarnerStatement{
		EarnerID:           id,
		PendingCommission:  decimal.Zero,
		PaidCommission:     decimal.Zero,
		OpenAdjustments:    decimal.Zero,
		SettledAdjustments: decimal.Zero,
		Entries:            entries,
		Adjustments:        adjs,
	}
	for _, e := range entries {
		switch e.Status {
		case EntryPending:
			st.PendingCommission = st.PendingCommission.Add(e.Commission)
		case EntryPaid:
			st.PaidCommission = st.PaidCommission.Add(e.Commission)
		}
	}
	for _, a := range adjs {
		switch a.State {
		case AdjustmentOpen:
			st.OpenAdjustments = st.OpenAdjustments.Add(a.Amount)
		case AdjustmentSettled:
			st.SettledAdjustments = st.SettledAdjustments.Add(a.Amount)
		}
	}
	st.NetOwed = st.PendingCommission.Add(st.OpenAdjustments)
	return st, nil
}
