/*
payroll.go - Payroll Run Aggregator

PURPOSE:
  Batches pending ledger entries (and open adjustments) into one run per
  pay period and drives the run through its approval pipeline.

STATE MACHINE:
  ┌───────┐  approve  ┌──────────┐   pay   ┌──────┐
  │ draft │ ────────▶ │ approved │ ──────▶ │ paid │
  └───────┘           └──────────┘         └──────┘
      │ void               │ void
      ▼                    ▼
  ┌──────────────────────────┐
  │           void           │  entries return to pending, unattached
  └──────────────────────────┘

  Any other (status, action) pair fails with InvalidStateTransitionError
  and mutates nothing.

SNAPSHOT:
  A draft holds every pending entry whose payout period matches, plus
  every open adjustment created on/before the period end that is not in
  another run. Re-assembling an existing draft refreshes membership and
  totals in place; it never creates a second run for the period.

LOCKING:
  Once approved, the run's entries are immutable: recalculation of their
  payments is rejected and full refunds no longer void them.

SEE ALSO:
  - period.go: period boundaries and payout date
  - ledger.go: re-snapshots drafts after recalculation
  - reversal.go: re-snapshots drafts after voiding entries
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

// =============================================================================
// TRANSITIONS
// =============================================================================

var runTransitions = map[RunStatus]map[RunAction]RunStatus{
	RunDraft:    {ActionApprove: RunApproved, ActionVoid: RunVoid},
	RunApproved: {ActionPay: RunPaid, ActionVoid: RunVoid},
}

// NextRunStatus returns the status reached by applying action, or false
// if the transition is forbidden.
func NextRunStatus(from RunStatus, action RunAction) (RunStatus, bool) {
	next, ok := runTransitions[from][action]
	return next, ok
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type RunAggregator struct {
	Store   TxStore
	Periods *PeriodResolver
	Clock   Clock
	Logger  *zap.Logger
}

func NewRunAggregator(store TxStore, periods *PeriodResolver, logger *zap.Logger) *RunAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunAggregator{Store: store, Periods: periods, Logger: logger}
}

// Assemble creates or refreshes the draft for the period containing date.
func (a *RunAggregator) Assemble(ctx context.Context, date Date) (*PayrollRun, error) {
	period := a.Periods.PeriodFor(date)

	var out *PayrollRun
	err := a.Store.WithTx(ctx, func(st Store) error {
		run, err := st.LiveRunForPeriod(ctx, period.Start)
		if err != nil {
			return fmt.Errorf("load run for period %s: %w", period.Start, err)
		}

		now := a.Clock.now()
		if run == nil {
			run = &PayrollRun{
				ID:          RunID(uuid.NewString()),
				PeriodStart: period.Start,
				PeriodEnd:   period.End,
				PayoutDate:  period.PayoutDate,
				Status:      RunDraft,
				CreatedAt:   now,
			}
		} else if run.Status != RunDraft {
			return &InvalidStateTransitionError{
				Object: "payroll_run", ID: string(run.ID), From: string(run.Status), Action: "assemble",
			}
		}

		if err := snapshotDraft(ctx, st, run, now); err != nil {
			return err
		}
		out = run
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.Logger.Info("payroll run assembled",
		zap.String("run_id", string(out.ID)),
		zap.String("period_start", out.PeriodStart.String()),
		zap.Int("transactions", out.TransactionCount),
		zap.String("net_payout", out.NetPayout.StringFixed(MoneyPlaces)),
	)
	return out, nil
}

// Transition applies action to the run atomically.
func (a *RunAggregator) Transition(ctx context.Context, id RunID, action RunAction) (*PayrollRun, error) {
	var out *PayrollRun
	err := a.Store.WithTx(ctx, func(st Store) error {
		run, err := st.Run(ctx, id)
		if err != nil {
			return err
		}

		next, ok := NextRunStatus(run.Status, action)
		if !ok {
			return &InvalidStateTransitionError{
				Object: "payroll_run", ID: string(run.ID), From: string(run.Status), Action: string(action),
			}
		}

		now := a.Clock.now()
		switch action {
		case ActionApprove:
			run.ApprovedAt = &now
		case ActionPay:
			if err := payRun(ctx, st, run); err != nil {
				return err
			}
			run.PaidAt = &now
		case ActionVoid:
			if err := releaseRun(ctx, st, run); err != nil {
				return err
			}
			run.VoidedAt = &now
		}

		run.Status = next
		run.UpdatedAt = now
		if err := st.SaveRun(ctx, *run); err != nil {
			return fmt.Errorf("save run %s: %w", run.ID, err)
		}
		out = run
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.Logger.Info("payroll run transitioned",
		zap.String("run_id", string(out.ID)),
		zap.String("action", string(action)),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

// =============================================================================
// HELPERS - run inside an open transaction
// =============================================================================

func payRun(ctx context.Context, st Store, run *PayrollRun) error {
	entries, err := st.EntriesForRun(ctx, run.ID)
	if err != nil {
		return err
	}
	payout := run.PayoutDate
	for _, e := range entries {
		if e.Status != EntryPending {
			return &InvalidStateTransitionError{
				Object: "ledger_entry", ID: string(e.ID), From: string(e.Status), Action: "pay",
			}
		}
		e.Status = EntryPaid
		e.PaidAt = &payout
		if err := st.UpdateEntry(ctx, e); err != nil {
			return err
		}
	}

	adjs, err := st.AdjustmentsForRun(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, adj := range adjs {
		if adj.State != AdjustmentOpen {
			continue
		}
		adj.State = AdjustmentSettled
		if err := st.UpdateAdjustment(ctx, adj); err != nil {
			return err
		}
	}
	return nil
}

func releaseRun(ctx context.Context, st Store, run *PayrollRun) error {
	entries, err := st.EntriesForRun(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		e.RunID = ""
		if err := st.UpdateEntry(ctx, e); err != nil {
			return err
		}
	}

	adjs, err := st.AdjustmentsForRun(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, adj := range adjs {
		adj.RunID = ""
		if err := st.UpdateAdjustment(ctx, adj); err != nil {
			return err
		}
	}
	return nil
}

// snapshotDraft recomputes a draft's membership and totals and saves it.
func snapshotDraft(ctx context.Context, st Store, run *PayrollRun, now time.Time) error {
	pending, err := st.PendingEntriesForPeriod(ctx, run.PeriodStart)
	if err != nil {
		return fmt.Errorf("load pending entries: %w", err)
	}
	attached, err := st.EntriesForRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load run entries: %w", err)
	}

	members := make(map[EntryID]bool, len(pending))
	for _, e := range pending {
		if e.RunID == "" || e.RunID == run.ID {
			members[e.ID] = true
		}
	}
	for _, e := range attached {
		if members[e.ID] {
			continue
		}
		e.RunID = ""
		if err := st.UpdateEntry(ctx, e); err != nil {
			return err
		}
	}

	entryIDs := make([]EntryID, 0, len(members))
	totalCommission := decimal.Zero
	for _, e := range pending {
		if !members[e.ID] {
			continue
		}
		if e.RunID != run.ID {
			e.RunID = run.ID
			if err := st.UpdateEntry(ctx, e); err != nil {
				return err
			}
		}
		entryIDs = append(entryIDs, e.ID)
		totalCommission = totalCommission.Add(e.Commission)
	}

	open, err := st.OpenAdjustments(ctx)
	if err != nil {
		return fmt.Errorf("load open adjustments: %w", err)
	}
	attachedAdj, err := st.AdjustmentsForRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load run adjustments: %w", err)
	}

	adjMembers := make(map[AdjustmentID]bool, len(open))
	for _, adj := range open {
		if adj.RunID != "" && adj.RunID != run.ID {
			continue
		}
		if DateOf(adj.CreatedAt).After(run.PeriodEnd) {
			continue
		}
		adjMembers[adj.ID] = true
	}
	for _, adj := range attachedAdj {
		if adjMembers[adj.ID] {
			continue
		}
		adj.RunID = ""
		if err := st.UpdateAdjustment(ctx, adj); err != nil {
			return err
		}
	}

	adjIDs := make([]AdjustmentID, 0, len(adjMembers))
	totalAdjustments := decimal.Zero
	for _, adj := range open {
		if !adjMembers[adj.ID] {
			continue
		}
		if adj.RunID != run.ID {
			adj.RunID = run.ID
			if err := st.UpdateAdjustment(ctx, adj); err != nil {
				return err
			}
		}
		adjIDs = append(adjIDs, adj.ID)
		totalAdjustments = totalAdjustments.Add(adj.Amount)
	}

	run.EntryIDs = entryIDs
	run.AdjustmentIDs = adjIDs
	run.TotalCommission = totalCommission
	run.TotalAdjustments = totalAdjustments
	run.NetPayout = totalCommission.Add(totalAdjustments)
	run.TransactionCount = len(entryIDs)
	run.UpdatedAt = now
	return st.SaveRun(ctx, *run)
}

// refreshDrafts re-snapshots every listed run that is still a draft.
func refreshDrafts(ctx context.Context, st Store, ids map[RunID]bool, now time.Time) error {
	for id := range ids {
		if id == "" {
			continue
		}
		run, err := st.Run(ctx, id)
		if err != nil {
			return err
		}
		if run.Status != RunDraft {
			continue
		}
		if err := snapshotDraft(ctx, st, run, now); err != nil {
			return err
		}
	}
	return nil
}

// bucketFor picks the payout period start for an entry paid on date. A
// period whose run is already approved or paid is closed; late entries
// roll into the next open period.
func bucketFor(ctx context.Context, st Store, periods *PeriodResolver, date Date) (PayPeriod, *PayrollRun, error) {
	period := periods.PeriodFor(date)
	for {
		run, err := st.LiveRunForPeriod(ctx, period.Start)
		if err != nil {
			return PayPeriod{}, nil, err
		}
		if run == nil || !run.Status.Locked() {
			return period, run, nil
		}
		period = periods.Next(period)
	}
}
