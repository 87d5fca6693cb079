/*
ledger.go - Ledger Writer

PURPOSE:
  Books the Split Calculator's lines for one payment as ledger entries,
  one per earner, keyed by (payment, earner).

CRITICAL INVARIANTS:
  1. ONE ACTIVE SET: at most one non-void entry per (payment, earner) and
     at most one active calculation per payment.
  2. REPLACE, NEVER ACCUMULATE: recalculation voids every pending entry of
     the payment and inserts the fresh set in the same transaction.
  3. LOCKED RUNS WIN: if any active entry is paid or belongs to an
     approved/paid run, or a chargeback against it has been settled,
     recalculation fails with InvalidStateTransitionError and nothing is
     written.
  4. REFUNDS FOLLOW THE ACTIVE SET: open chargebacks of a voided set are
     absorbed and the fresh set is charged back to the payment's refunded
     level in the same transaction, so chargebacks never exceed the
     commission an earner still holds.

RECALCULATION FLOW:
  ┌─────────────┐   ┌───────────────┐   ┌──────────────┐   ┌──────────────┐
  │ load active │──▶│ reject locked │──▶│ void pending │──▶│ insert fresh │
  └─────────────┘   └───────────────┘   │ absorb open  │   └──────────────┘
                                        └──────────────┘          │
                        re-snapshot drafts ◀── charge back refund ◀┘

SEE ALSO:
  - split.go: produces SplitResult
  - payroll.go: draft snapshots, period bucketing
  - reversal.go: rebaseCompensation
  - service.go: per-payment lock and conflict retry around these calls
*/
package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER WRITER
// =============================================================================

type LedgerWriter struct {
	Store   TxStore
	Periods *PeriodResolver
	Clock   Clock
}

func NewLedgerWriter(store TxStore, periods *PeriodResolver) *LedgerWriter {
	return &LedgerWriter{Store: store, Periods: periods}
}

// Booking is what one Write or Replace committed.
type Booking struct {
	Written []LedgerEntry
	Voided  []LedgerEntry
	// Absorbed holds the open chargebacks of the voided set.
	Absorbed []Adjustment
	// Compensation is the refund catch-up against the written set; nil when
	// the payment carries no refund.
	Compensation *ReversalResult
}

// Adjustments returns the chargebacks created by the catch-up.
func (b Booking) Adjustments() []Adjustment {
	if b.Compensation == nil {
		return nil
	}
	return b.Compensation.Adjustments
}

// Write books a payment's first calculation and flags the payment as
// calculated. A skipped result books nothing but still sets the flag. A
// refund recorded before booking is compensated in the same transaction.
func (w *LedgerWriter) Write(ctx context.Context, payment Payment, result SplitResult) (Booking, error) {
	var b Booking
	err := w.Store.WithTx(ctx, func(st Store) error {
		b = Booking{}
		existing, err := st.EntriesForPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.IsActive() {
				return &ConflictError{PaymentID: payment.ID, EarnerID: e.EarnerID}
			}
		}

		now := w.Clock.now()
		b.Written, err = w.insert(ctx, st, payment, result, nextCalculation(existing), now)
		if err != nil {
			return err
		}
		if err := markCalculated(ctx, st, payment.ID, now); err != nil {
			return err
		}
		touched := make(map[RunID]bool)
		for _, e := range b.Written {
			touched[e.RunID] = true
		}
		if err := w.compensate(ctx, st, payment.ID, &b, now); err != nil {
			return err
		}
		return refreshDrafts(ctx, st, touched, now)
	})
	if err != nil {
		return Booking{}, err
	}
	return b, nil
}

// Replace is an explicit recalculation: void the active pending set, absorb
// its open chargebacks and insert result's lines, then charge the new set
// back to the payment's refunded level, atomically.
func (w *LedgerWriter) Replace(ctx context.Context, payment Payment, result SplitResult) (Booking, error) {
	var b Booking
	err := w.Store.WithTx(ctx, func(st Store) error {
		b = Booking{}
		existing, err := st.EntriesForPayment(ctx, payment.ID)
		if err != nil {
			return err
		}

		touched := make(map[RunID]bool)
		var active []LedgerEntry
		activeIDs := make(map[EntryID]bool)
		for _, e := range existing {
			if !e.IsActive() {
				continue
			}
			if e.Status == EntryPaid {
				return &InvalidStateTransitionError{
					Object: "ledger_entry", ID: string(e.ID), From: string(e.Status), Action: "recalculate",
				}
			}
			if e.RunID != "" {
				run, err := st.Run(ctx, e.RunID)
				if err != nil {
					return err
				}
				if run.Status.Locked() {
					return &InvalidStateTransitionError{
						Object: "payroll_run", ID: string(run.ID), From: string(run.Status), Action: "recalculate",
					}
				}
				touched[run.ID] = true
			}
			active = append(active, e)
			activeIDs[e.ID] = true
		}

		prior, err := st.AdjustmentsForPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		var open []Adjustment
		for _, a := range prior {
			if !activeIDs[a.EntryID] || a.State == AdjustmentAbsorbed {
				continue
			}
			locked := a.State == AdjustmentSettled
			if !locked && a.RunID != "" {
				run, err := st.Run(ctx, a.RunID)
				if err != nil {
					return err
				}
				locked = run.Status.Locked()
			}
			if locked {
				return &InvalidStateTransitionError{
					Object: "adjustment", ID: string(a.ID), From: string(a.State), Action: "recalculate",
				}
			}
			open = append(open, a)
		}

		now := w.Clock.now()
		for _, e := range active {
			e.Status = EntryVoid
			e.VoidedAt = &now
			e.RunID = ""
			if err := st.UpdateEntry(ctx, e); err != nil {
				return fmt.Errorf("void entry %s: %w", e.ID, err)
			}
			b.Voided = append(b.Voided, e)
		}
		for _, a := range open {
			touched[a.RunID] = true
			a.State = AdjustmentAbsorbed
			a.RunID = ""
			if err := st.UpdateAdjustment(ctx, a); err != nil {
				return fmt.Errorf("absorb adjustment %s: %w", a.ID, err)
			}
			b.Absorbed = append(b.Absorbed, a)
		}

		b.Written, err = w.insert(ctx, st, payment, result, nextCalculation(existing), now)
		if err != nil {
			return err
		}
		for _, e := range b.Written {
			touched[e.RunID] = true
		}
		if err := markCalculated(ctx, st, payment.ID, now); err != nil {
			return err
		}
		if err := w.compensate(ctx, st, payment.ID, &b, now); err != nil {
			return err
		}
		return refreshDrafts(ctx, st, touched, now)
	})
	if err != nil {
		return Booking{}, err
	}
	return b, nil
}

// compensate runs the refund catch-up against b.Written. Entries voided by a
// full catch-up move from Written to Voided.
func (w *LedgerWriter) compensate(ctx context.Context, st Store, id PaymentID, b *Booking, now time.Time) error {
	comp, err := rebaseCompensation(ctx, st, id, b.Written, now)
	if err != nil {
		return err
	}
	if len(comp.Adjustments) > 0 || len(comp.Voided) > 0 {
		b.Compensation = comp
	}
	if len(comp.Voided) == 0 {
		return nil
	}
	gone := make(map[EntryID]bool, len(comp.Voided))
	for _, e := range comp.Voided {
		gone[e.ID] = true
	}
	kept := b.Written[:0]
	for _, e := range b.Written {
		if !gone[e.ID] {
			kept = append(kept, e)
		}
	}
	b.Written = kept
	b.Voided = append(b.Voided, comp.Voided...)
	return nil
}

// ActiveEntries returns the payment's non-void entries.
func (w *LedgerWriter) ActiveEntries(ctx context.Context, id PaymentID) ([]LedgerEntry, error) {
	all, err := w.Store.EntriesForPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	return activeOnly(all), nil
}

// insert builds and persists entries for result. Entries whose period already
// has a draft run are attached to it; the caller re-snapshots that draft.
func (w *LedgerWriter) insert(ctx context.Context, st Store, payment Payment, result SplitResult, calc int, now time.Time) ([]LedgerEntry, error) {
	if result.Skipped || len(result.Lines) == 0 {
		return nil, nil
	}

	period, run, err := bucketFor(ctx, st, w.Periods, payment.PaidAt)
	if err != nil {
		return nil, fmt.Errorf("resolve payout period: %w", err)
	}
	var draftID RunID
	if run != nil && run.Status == RunDraft {
		draftID = run.ID
	}

	entries := make([]LedgerEntry, 0, len(result.Lines))
	for _, line := range result.Lines {
		entries = append(entries, LedgerEntry{
			ID:                EntryID(uuid.NewString()),
			PaymentID:         payment.ID,
			EarnerID:          line.EarnerID,
			Gross:             result.Gross,
			Basis:             result.Basis,
			Commission:        line.Commission,
			CalculationBasis:  line.Basis,
			PayoutPeriodStart: period.Start,
			Status:            EntryPending,
			Calculation:       calc,
			RunID:             draftID,
			CreatedAt:         now,
		})
	}
	if err := st.InsertEntries(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func markCalculated(ctx context.Context, st Store, id PaymentID, now time.Time) error {
	p, err := st.Payment(ctx, id)
	if err != nil {
		return err
	}
	p.CommissionCalculated = true
	p.UpdatedAt = now
	return st.SavePayment(ctx, *p)
}

func nextCalculation(existing []LedgerEntry) int {
	max := 0
	for _, e := range existing {
		if e.Calculation > max {
			max = e.Calculation
		}
	}
	return max + 1
}

func activeOnly(entries []LedgerEntry) []LedgerEntry {
	out := make([]LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsActive() {
			out = append(out, e)
		}
	}
	return out
}
