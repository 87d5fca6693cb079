package api

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

func seedUncalculated(t *testing.T, s *testServer) {
	t.Helper()
	ctx := context.Background()
	coach := commission.EarnerID("coach-a")
	require.NoError(t, s.store.SaveEarner(ctx, commission.Earner{ID: coach, Name: "Coach A"}))
	require.NoError(t, s.store.SaveClient(ctx, commission.Client{
		ID: "client-1", Name: "Client One", LeadSource: commission.LeadCompanyDriven, AssignedCoach: &coach,
	}))
	require.NoError(t, s.store.SavePayment(ctx, commission.Payment{
		ID: "pay-1", ClientID: "client-1",
		Gross: decimal.NewFromInt(1000), Fee: decimal.NewFromInt(30), Net: decimal.NewFromInt(970),
		PaidAt: commission.NewDate(2024, time.January, 10), Status: commission.PaymentSucceeded,
	}))
}

func TestScheduler_RunNow_CalculatesAndAssemblesDue(t *testing.T) {
	// GIVEN: An uncalculated payment in the Jan 1-14 period
	// WHEN: A pass runs on Jan 20
	// THEN: The payment is booked and the ended period gets a draft run

	s := newTestServer(t, RouterOptions{})
	seedUncalculated(t, s)
	sched := NewScheduler(s.svc, nil)
	sched.Clock = func() time.Time { return time.Date(2024, time.January, 20, 6, 0, 0, 0, time.UTC) }

	calculated, assembled := sched.RunNow(context.Background())

	assert.Equal(t, 1, calculated.Processed)
	assert.Equal(t, 1, assembled.Processed)
	runs, err := s.svc.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, commission.RunDraft, runs[0].Status)
	assert.True(t, runs[0].NetPayout.Equal(decimal.RequireFromString("485")))
}

func TestScheduler_RunNow_OpenPeriodNotAssembled(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	seedUncalculated(t, s)
	sched := NewScheduler(s.svc, nil)
	sched.Clock = fixedClock

	calculated, assembled := sched.RunNow(context.Background())

	assert.Equal(t, 1, calculated.Processed)
	assert.Equal(t, 0, assembled.Processed)
	assert.Equal(t, 1, assembled.Skipped)
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	seedUncalculated(t, s)
	sched := NewScheduler(s.svc, nil)
	sched.CheckInterval = time.Hour

	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	p, err := s.svc.Payment(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.True(t, p.CommissionCalculated, "first pass runs immediately on start")
}

func TestScheduler_Disabled_DoesNothing(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	seedUncalculated(t, s)
	sched := NewScheduler(s.svc, nil)
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	p, err := s.svc.Payment(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.False(t, p.CommissionCalculated)
}
