package commission_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
	"github.com/warp/commission-engine/notify"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fixture wires a Service over the in-memory store with a settable clock.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
	notes *notify.Recorder
	svc   *commission.Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithConfig(t, commission.DefaultConfig())
}

func newFixtureWithConfig(t *testing.T, cfg commission.Config) *fixture {
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemory(),
		notes: &notify.Recorder{},
		now:   time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC),
	}
	cfg.RetryInterval = time.Millisecond
	f.svc = commission.NewService(commission.Dependencies{
		Store:    f.store,
		Payments: f.store,
		Clients:  f.store,
		Earners:  f.store,
		Notifier: f.notes,
		Clock:    func() time.Time { return f.now },
	}, cfg)
	return f
}

func jan(day int) commission.Date {
	return commission.NewDate(2024, time.January, day)
}

func earnerID(s string) *commission.EarnerID {
	id := commission.EarnerID(s)
	return &id
}

func (f *fixture) earner(id string, cfg *commission.CommissionConfig) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveEarner(f.ctx, commission.Earner{ID: commission.EarnerID(id), Name: id, Config: cfg}))
}

func (f *fixture) client(id string, source commission.LeadSource, soldBy, coach string) {
	f.t.Helper()
	c := commission.Client{ID: commission.ClientID(id), Name: id, LeadSource: source}
	if soldBy != "" {
		c.SoldBy = earnerID(soldBy)
	}
	if coach != "" {
		c.AssignedCoach = earnerID(coach)
	}
	require.NoError(f.t, f.store.SaveClient(f.ctx, c))
}

func (f *fixture) splits(client string, rows ...commission.CommissionSplit) {
	f.t.Helper()
	for i := range rows {
		rows[i].ClientID = commission.ClientID(client)
	}
	require.NoError(f.t, f.store.ReplaceSplits(f.ctx, commission.ClientID(client), rows))
}

func (f *fixture) payment(id, client, gross, fee string, paidAt commission.Date) commission.PaymentID {
	f.t.Helper()
	g, fe := dec(gross), dec(fee)
	require.NoError(f.t, f.store.SavePayment(f.ctx, commission.Payment{
		ID:       commission.PaymentID(id),
		ClientID: commission.ClientID(client),
		Gross:    g,
		Fee:      fe,
		Net:      g.Sub(fe),
		PaidAt:   paidAt,
		Status:   commission.PaymentSucceeded,
	}))
	return commission.PaymentID(id)
}

// companyLead seeds scenario 1: $1000 gross, $30 fee, company-driven lead
// with coach-a as the assigned coach.
func (f *fixture) companyLead() commission.PaymentID {
	f.earner("coach-a", nil)
	f.client("client-1", commission.LeadCompanyDriven, "", "coach-a")
	return f.payment("pay-1", "client-1", "1000.00", "30.00", jan(10))
}

// splitTeam seeds scenario 3: $2000 gross, $60 fee, CoachA 60% / CoachB 40%.
func (f *fixture) splitTeam() commission.PaymentID {
	f.earner("coach-a", nil)
	f.earner("coach-b", nil)
	f.client("client-3", commission.LeadSelfGenerated, "coach-a", "")
	f.splits("client-3",
		commission.CommissionSplit{EarnerID: "coach-a", Role: "closer", Percentage: dec("60")},
		commission.CommissionSplit{EarnerID: "coach-b", Role: "setter", Percentage: dec("40")},
	)
	return f.payment("pay-3", "client-3", "2000.00", "60.00", jan(10))
}

func (f *fixture) calculate(id commission.PaymentID) commission.CalculationResult {
	f.t.Helper()
	res, err := f.svc.Calculate(f.ctx, id)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) active(id commission.PaymentID) []commission.LedgerEntry {
	f.t.Helper()
	entries, err := f.svc.Ledger.ActiveEntries(f.ctx, id)
	require.NoError(f.t, err)
	return entries
}

func (f *fixture) allEntries(id commission.PaymentID) []commission.LedgerEntry {
	f.t.Helper()
	entries, err := f.svc.Entries(f.ctx, id)
	require.NoError(f.t, err)
	return entries
}

func (f *fixture) adjustments(id commission.PaymentID) []commission.Adjustment {
	f.t.Helper()
	adjs, err := f.svc.Adjustments(f.ctx, id)
	require.NoError(f.t, err)
	return adjs
}

func (f *fixture) loadPayment(id commission.PaymentID) *commission.Payment {
	f.t.Helper()
	p, err := f.svc.Payment(f.ctx, id)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) assemble(date commission.Date) *commission.PayrollRun {
	f.t.Helper()
	run, err := f.svc.AssemblePeriod(f.ctx, date)
	require.NoError(f.t, err)
	return run
}

func (f *fixture) transition(id commission.RunID, action commission.RunAction) *commission.PayrollRun {
	f.t.Helper()
	run, err := f.svc.TransitionRun(f.ctx, id, action)
	require.NoError(f.t, err)
	return run
}

func byEarner(entries []commission.LedgerEntry) map[commission.EarnerID]commission.LedgerEntry {
	out := make(map[commission.EarnerID]commission.LedgerEntry, len(entries))
	for _, e := range entries {
		out[e.EarnerID] = e
	}
	return out
}

func adjustmentsByEarner(adjs []commission.Adjustment) map[commission.EarnerID][]commission.Adjustment {
	out := make(map[commission.EarnerID][]commission.Adjustment)
	for _, a := range adjs {
		out[a.EarnerID] = append(out[a.EarnerID], a)
	}
	return out
}
