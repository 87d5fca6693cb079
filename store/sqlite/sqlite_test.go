/*
sqlite_test.go - Tests for the SQLite store

Tests for:
- Round trips for payments, entries, runs, adjustments, compensation
- Partial unique indexes (active pair, live run per period)
- Split replacement and transaction rollback
- Error mapping through go-sqlmock
- A full calculate / assemble / refund cycle over SQLite
*/
package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/notify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, money(want).Equal(got), "want %s, got %s", want, got)
}

var (
	jan1  = commission.NewDate(2024, time.January, 1)
	jan10 = commission.NewDate(2024, time.January, 10)
)

func testEntry(id, payment, earner string, status commission.EntryStatus) commission.LedgerEntry {
	return commission.LedgerEntry{
		ID:         commission.EntryID(id),
		PaymentID:  commission.PaymentID(payment),
		EarnerID:   commission.EarnerID(earner),
		Gross:      money("1000.00"),
		Basis:      money("970.00"),
		Commission: money("485.00"),
		CalculationBasis: commission.StandardBasis{
			LeadSource:  commission.LeadCompanyDriven,
			AppliedRate: money("0.50"),
			RateSource:  commission.RateGlobal,
		},
		PayoutPeriodStart: jan1,
		Status:            status,
		Calculation:       1,
		CreatedAt:         time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPayment_RoundTrip(t *testing.T) {
	// GIVEN: A saved payment
	// WHEN: Loading it back and then upserting a refund
	// THEN: Every field survives and the upsert replaces mutable columns

	ctx := context.Background()
	st := newTestStore(t)

	p := commission.Payment{
		ID:       "pay-1",
		ClientID: "client-1",
		Gross:    money("1000.00"),
		Fee:      money("30.00"),
		Net:      money("970.00"),
		PaidAt:   jan10,
		Status:   commission.PaymentSucceeded,
	}
	require.NoError(t, st.SavePayment(ctx, p))

	got, err := st.Payment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, commission.ClientID("client-1"), got.ClientID)
	assertDecimal(t, "1000.00", got.Gross)
	assertDecimal(t, "30.00", got.Fee)
	assertDecimal(t, "970.00", got.Net)
	assert.Equal(t, jan10, got.PaidAt)
	assert.Equal(t, commission.PaymentSucceeded, got.Status)
	assert.False(t, got.CommissionCalculated)
	assert.Empty(t, got.StatusBeforeDispute)
	assert.False(t, got.CreatedAt.IsZero())

	got.Status = commission.PaymentPartiallyRefunded
	got.RefundedAmount = money("250.00")
	got.CommissionCalculated = true
	require.NoError(t, st.SavePayment(ctx, *got))

	again, err := st.Payment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, commission.PaymentPartiallyRefunded, again.Status)
	assertDecimal(t, "250.00", again.RefundedAmount)
	assert.True(t, again.CommissionCalculated)
}

func TestPayment_Unknown_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Payment(context.Background(), "nope")

	assert.True(t, commission.IsNotFound(err))
}

func TestPayment_Queries(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	for i, day := range []int{5, 10, 20} {
		require.NoError(t, st.SavePayment(ctx, commission.Payment{
			ID:                   commission.PaymentID([]string{"a", "b", "c"}[i]),
			ClientID:             "client-1",
			Gross:                money("100"),
			Fee:                  decimal.Zero,
			Net:                  money("100"),
			PaidAt:               commission.NewDate(2024, time.January, day),
			Status:               commission.PaymentSucceeded,
			CommissionCalculated: day == 10,
		}))
	}

	between, err := st.PaymentsBetween(ctx, jan1, commission.NewDate(2024, time.January, 14))
	require.NoError(t, err)
	require.Len(t, between, 2)
	assert.Equal(t, commission.PaymentID("a"), between[0].ID)
	assert.Equal(t, commission.PaymentID("b"), between[1].ID)

	pending, err := st.UncalculatedPayments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, commission.PaymentID("a"), pending[0].ID)
	assert.Equal(t, commission.PaymentID("c"), pending[1].ID)
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func TestEntries_RoundTripWithBasis(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	split := testEntry("e-2", "pay-1", "coach-b", commission.EntryPending)
	split.CalculationBasis = commission.SplitBasis{Role: "setter", Percentage: money("40")}
	require.NoError(t, st.InsertEntries(ctx, []commission.LedgerEntry{
		testEntry("e-1", "pay-1", "coach-a", commission.EntryPending),
		split,
	}))

	entries, err := st.EntriesForPayment(ctx, "pay-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	std, ok := entries[0].CalculationBasis.(commission.StandardBasis)
	require.True(t, ok, "basis type %T", entries[0].CalculationBasis)
	assert.Equal(t, commission.LeadCompanyDriven, std.LeadSource)
	assertDecimal(t, "0.50", std.AppliedRate)
	assert.Equal(t, commission.RateGlobal, std.RateSource)
	assertDecimal(t, "485.00", entries[0].Commission)
	assert.Equal(t, jan1, entries[0].PayoutPeriodStart)
	assert.Nil(t, entries[0].VoidedAt)
	assert.Nil(t, entries[0].PaidAt)

	sp, ok := entries[1].CalculationBasis.(commission.SplitBasis)
	require.True(t, ok, "basis type %T", entries[1].CalculationBasis)
	assert.Equal(t, "setter", sp.Role)
	assertDecimal(t, "40", sp.Percentage)

	byEarner, err := st.EntriesForEarner(ctx, "coach-b")
	require.NoError(t, err)
	assert.Len(t, byEarner, 1)
}

func TestEntries_ActivePairConflict(t *testing.T) {
	// GIVEN: An active entry for (pay-1, coach-a)
	// WHEN: Inserting another active entry for the same pair
	// THEN: ConflictError; once the first is void the insert succeeds

	ctx := context.Background()
	st := newTestStore(t)
	first := testEntry("e-1", "pay-1", "coach-a", commission.EntryPending)
	require.NoError(t, st.InsertEntries(ctx, []commission.LedgerEntry{first}))

	second := testEntry("e-2", "pay-1", "coach-a", commission.EntryPending)
	second.Calculation = 2
	err := st.InsertEntries(ctx, []commission.LedgerEntry{second})

	var conflict *commission.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, commission.PaymentID("pay-1"), conflict.PaymentID)
	assert.True(t, commission.IsRetryable(err))

	voidedAt := time.Date(2024, time.January, 11, 0, 0, 0, 0, time.UTC)
	first.Status = commission.EntryVoid
	first.VoidedAt = &voidedAt
	require.NoError(t, st.UpdateEntry(ctx, first))
	assert.NoError(t, st.InsertEntries(ctx, []commission.LedgerEntry{second}))
}

func TestEntries_UpdateUnknown_NotFound(t *testing.T) {
	st := newTestStore(t)

	err := st.UpdateEntry(context.Background(), testEntry("ghost", "pay-1", "coach-a", commission.EntryPaid))

	assert.True(t, commission.IsNotFound(err))
}

func TestEntries_PeriodQueries(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	jan15 := jan1.AddDays(14)

	later := testEntry("e-3", "pay-3", "coach-a", commission.EntryPending)
	later.PayoutPeriodStart = jan15
	batched := testEntry("e-2", "pay-2", "coach-a", commission.EntryPending)
	batched.RunID = "r-1"
	require.NoError(t, st.InsertEntries(ctx, []commission.LedgerEntry{
		later,
		testEntry("e-1", "pay-1", "coach-a", commission.EntryPending),
		batched,
		testEntry("e-4", "pay-4", "coach-a", commission.EntryVoid),
	}))

	pending, err := st.PendingEntriesForPeriod(ctx, jan1)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	periods, err := st.UnbatchedPeriods(ctx)
	require.NoError(t, err)
	assert.Equal(t, []commission.Date{jan1, jan15}, periods)

	inRun, err := st.EntriesForRun(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, inRun, 1)
	assert.Equal(t, commission.EntryID("e-2"), inRun[0].ID)
}

// =============================================================================
// PAYROLL RUNS
// =============================================================================

func TestRun_RoundTripAndLivePeriod(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	created := time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC)

	run := commission.PayrollRun{
		ID:               "r-1",
		PeriodStart:      jan1,
		PeriodEnd:        jan1.AddDays(13),
		PayoutDate:       jan1.AddDays(18),
		Status:           commission.RunDraft,
		TotalCommission:  money("485.00"),
		TotalAdjustments: money("-100.00"),
		NetPayout:        money("385.00"),
		TransactionCount: 1,
		EntryIDs:         []commission.EntryID{"e-1"},
		CreatedAt:        created,
	}
	require.NoError(t, st.SaveRun(ctx, run))

	got, err := st.Run(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-19", got.PayoutDate.String())
	assertDecimal(t, "385.00", got.NetPayout)
	assert.Equal(t, []commission.EntryID{"e-1"}, got.EntryIDs)
	assert.Empty(t, got.AdjustmentIDs)
	assert.Equal(t, created, got.CreatedAt)
	assert.Nil(t, got.ApprovedAt)

	err = st.SaveRun(ctx, commission.PayrollRun{ID: "r-2", PeriodStart: jan1, Status: commission.RunDraft, CreatedAt: created})
	assert.ErrorIs(t, err, commission.ErrPersistenceConflict)

	voided := created.Add(time.Hour)
	run.Status = commission.RunVoid
	run.VoidedAt = &voided
	require.NoError(t, st.SaveRun(ctx, run))

	live, err := st.LiveRunForPeriod(ctx, jan1)
	require.NoError(t, err)
	assert.Nil(t, live)

	runs, err := st.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].VoidedAt)
	assert.Equal(t, voided, *runs[0].VoidedAt)
}

func TestRun_Unknown_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Run(context.Background(), "ghost")

	assert.True(t, commission.IsNotFound(err))
}

// =============================================================================
// ADJUSTMENTS & COMPENSATION
// =============================================================================

func TestAdjustments_OpenAndSettled(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	adj := commission.Adjustment{
		ID:        "adj-1",
		EarnerID:  "coach-a",
		PaymentID: "pay-1",
		EntryID:   "e-1",
		Amount:    money("-242.50"),
		Type:      commission.AdjustmentChargeback,
		Reason:    "refund",
		State:     commission.AdjustmentOpen,
		CreatedAt: time.Date(2024, time.January, 12, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.InsertAdjustments(ctx, []commission.Adjustment{adj}))

	open, err := st.OpenAdjustments(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assertDecimal(t, "-242.50", open[0].Amount)
	assert.Equal(t, "refund", open[0].Reason)

	adj.State = commission.AdjustmentSettled
	adj.RunID = "r-1"
	require.NoError(t, st.UpdateAdjustment(ctx, adj))

	open, err = st.OpenAdjustments(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	inRun, err := st.AdjustmentsForRun(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, inRun, 1)
	assert.Equal(t, commission.AdjustmentSettled, inRun[0].State)

	err = st.InsertAdjustments(ctx, []commission.Adjustment{adj})
	assert.ErrorIs(t, err, commission.ErrPersistenceConflict)
}

func TestCompensation_DefaultsToZeroAndUpserts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	amount, err := st.Compensation(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, amount.IsZero())

	require.NoError(t, st.SetCompensation(ctx, "pay-1", money("200.00")))
	require.NoError(t, st.SetCompensation(ctx, "pay-1", money("800.00")))

	amount, err = st.Compensation(ctx, "pay-1")
	require.NoError(t, err)
	assertDecimal(t, "800.00", amount)
}

// =============================================================================
// DIRECTORY
// =============================================================================

func TestDirectory_ClientEarnerAndSplits(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	coach := commission.EarnerID("coach-a")
	rate := money("0.60")

	require.NoError(t, st.SaveEarner(ctx, commission.Earner{
		ID: coach, Name: "Coach A",
		Config: &commission.CommissionConfig{CompanyLeadRate: &rate},
	}))
	require.NoError(t, st.SaveClient(ctx, commission.Client{
		ID: "client-1", Name: "Client One", LeadSource: commission.LeadCompanyDriven, AssignedCoach: &coach,
	}))

	c, err := st.Client(ctx, "client-1")
	require.NoError(t, err)
	assert.Nil(t, c.SoldBy)
	require.NotNil(t, c.AssignedCoach)
	assert.Equal(t, coach, *c.AssignedCoach)

	e, err := st.Earner(ctx, coach)
	require.NoError(t, err)
	require.NotNil(t, e.Config)
	require.NotNil(t, e.Config.CompanyLeadRate)
	assertDecimal(t, "0.60", *e.Config.CompanyLeadRate)
	assert.Nil(t, e.Config.SelfGenRate)

	require.NoError(t, st.ReplaceSplits(ctx, "client-1", []commission.CommissionSplit{
		{EarnerID: "coach-b", Role: "setter", Percentage: money("40")},
		{EarnerID: "coach-a", Role: "closer", Percentage: money("60")},
	}))
	splits, err := st.Splits(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, splits, 2)
	assert.Equal(t, commission.EarnerID("coach-b"), splits[0].EarnerID, "insertion order kept")
	assert.Equal(t, commission.ClientID("client-1"), splits[1].ClientID)

	require.NoError(t, st.ReplaceSplits(ctx, "client-1", nil))
	splits, err = st.Splits(ctx, "client-1")
	require.NoError(t, err)
	assert.Empty(t, splits)
}

func TestDirectory_DuplicateSplitEarner_KeepsPreviousRows(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.ReplaceSplits(ctx, "client-1", []commission.CommissionSplit{
		{EarnerID: "coach-a", Role: "closer", Percentage: money("100")},
	}))

	err := st.ReplaceSplits(ctx, "client-1", []commission.CommissionSplit{
		{EarnerID: "coach-b", Role: "closer", Percentage: money("50")},
		{EarnerID: "coach-b", Role: "setter", Percentage: money("50")},
	})

	assert.ErrorIs(t, err, commission.ErrInvalidSplit)
	splits, err := st.Splits(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, splits, 1)
	assert.Equal(t, commission.EarnerID("coach-a"), splits[0].EarnerID)
}

func TestDirectory_NotFound(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Client(ctx, "nope")
	assert.True(t, commission.IsNotFound(err))
	_, err = st.Earner(ctx, "nope")
	assert.True(t, commission.IsNotFound(err))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx commission.Store) error {
		require.NoError(t, tx.InsertEntries(ctx, []commission.LedgerEntry{testEntry("e-1", "pay-1", "coach-a", commission.EntryPending)}))
		require.NoError(t, tx.SetCompensation(ctx, "pay-1", money("10")))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	entries, err := st.EntriesForPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	amount, err := st.Compensation(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, amount.IsZero())
}

func TestWithTx_Mock_RollbackOnExecFailure(t *testing.T) {
	// GIVEN: A driver that fails the compensation write
	// WHEN: Running it inside WithTx
	// THEN: The error surfaces and the transaction is rolled back, not committed

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := newWithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO refund_compensation").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = st.WithTx(context.Background(), func(tx commission.Store) error {
		return tx.SetCompensation(context.Background(), "pay-1", money("10"))
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save compensation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEntries_Mock_UniqueViolationIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := newWithDB(db)

	mock.ExpectExec("INSERT INTO ledger_entries").WillReturnError(sqlite3.Error{
		Code:         sqlite3.ErrConstraint,
		ExtendedCode: sqlite3.ErrConstraintUnique,
	})

	err = st.InsertEntries(context.Background(), []commission.LedgerEntry{testEntry("e-1", "pay-1", "coach-a", commission.EntryPending)})

	var conflict *commission.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, commission.EarnerID("coach-a"), conflict.EarnerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompensation_Mock_ScanFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := newWithDB(db)

	mock.ExpectQuery("SELECT amount FROM refund_compensation").WillReturnError(errors.New("connection reset"))

	_, err = st.Compensation(context.Background(), "pay-1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load compensation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// END TO END
// =============================================================================

func TestService_OverSQLite(t *testing.T) {
	// GIVEN: Scenario 1 stored in SQLite
	// WHEN: Calculating, assembling, refunding half, then paying the run
	// THEN: 485.00 booked, -242.50 netted, adjustment settled

	ctx := context.Background()
	st := newTestStore(t)
	coach := commission.EarnerID("coach-a")
	require.NoError(t, st.SaveEarner(ctx, commission.Earner{ID: coach, Name: "Coach A"}))
	require.NoError(t, st.SaveClient(ctx, commission.Client{
		ID: "client-1", Name: "Client One", LeadSource: commission.LeadCompanyDriven, AssignedCoach: &coach,
	}))
	require.NoError(t, st.SavePayment(ctx, commission.Payment{
		ID: "pay-1", ClientID: "client-1",
		Gross: money("1000.00"), Fee: money("30.00"), Net: money("970.00"),
		PaidAt: jan10, Status: commission.PaymentSucceeded,
	}))

	notes := &notify.Recorder{}
	svc := commission.NewService(commission.Dependencies{
		Store: st, Payments: st, Clients: st, Earners: st,
		Notifier: notes,
		Clock:    func() time.Time { return time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC) },
	}, commission.DefaultConfig())

	res, err := svc.Calculate(ctx, "pay-1")
	require.NoError(t, err)
	assertDecimal(t, "485.00", res.Total())

	_, err = svc.ApplyRefund(ctx, "pay-1", money("500.00"))
	require.NoError(t, err)

	run, err := svc.AssemblePeriod(ctx, jan10)
	require.NoError(t, err)
	assertDecimal(t, "485.00", run.TotalCommission)
	assertDecimal(t, "-242.50", run.TotalAdjustments)
	assertDecimal(t, "242.50", run.NetPayout)

	_, err = svc.TransitionRun(ctx, run.ID, commission.ActionApprove)
	require.NoError(t, err)
	paid, err := svc.TransitionRun(ctx, run.ID, commission.ActionPay)
	require.NoError(t, err)
	assert.Equal(t, commission.RunPaid, paid.Status)

	adjs, err := st.AdjustmentsForPayment(ctx, "pay-1")
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, commission.AdjustmentSettled, adjs[0].State)

	p, err := st.Payment(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, p.CommissionCalculated)
	assert.Equal(t, commission.PaymentPartiallyRefunded, p.Status)
}
