// Package store provides an in-memory commission.TxStore with the directory
// collaborators bolted on, for tests and local runs.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements commission.TxStore, commission.PaymentSource,
// commission.ClientDirectory and commission.EarnerDirectory.
type Memory struct {
	mu   sync.RWMutex
	data *memData
}

func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

var (
	_ commission.TxStore         = (*Memory)(nil)
	_ commission.PaymentSource   = (*Memory)(nil)
	_ commission.ClientDirectory = (*Memory)(nil)
	_ commission.EarnerDirectory = (*Memory)(nil)
)

// WithTx runs fn against a private copy of the data and swaps it in only if
// fn succeeds. Writers are serialized for the duration of fn.
func (m *Memory) WithTx(_ context.Context, fn func(commission.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := m.data.clone()
	if err := fn(view); err != nil {
		return err
	}
	m.data = view
	return nil
}

// =============================================================================
// DIRECTORY - seeding helpers
// =============================================================================

func (m *Memory) SaveClient(_ context.Context, c commission.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.clients[c.ID] = c
	return nil
}

func (m *Memory) SaveEarner(_ context.Context, e commission.Earner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.earners[e.ID] = e
	return nil
}

// ReplaceSplits sets the client's split rows; an empty slice removes them.
func (m *Memory) ReplaceSplits(_ context.Context, id commission.ClientID, splits []commission.CommissionSplit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(splits) == 0 {
		delete(m.data.splits, id)
		return nil
	}
	m.data.splits[id] = append([]commission.CommissionSplit(nil), splits...)
	return nil
}

func (m *Memory) Client(_ context.Context, id commission.ClientID) (*commission.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.data.clients[id]
	if !ok {
		return nil, commission.NotFound("client", string(id))
	}
	return &c, nil
}

func (m *Memory) Splits(_ context.Context, id commission.ClientID) ([]commission.CommissionSplit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]commission.CommissionSplit{}, m.data.splits[id]...), nil
}

func (m *Memory) Earner(_ context.Context, id commission.EarnerID) (*commission.Earner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data.earners[id]
	if !ok {
		return nil, commission.NotFound("earner", string(id))
	}
	return &e, nil
}

func (m *Memory) PaymentsBetween(_ context.Context, from, to commission.Date) ([]commission.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.filterPayments(func(p commission.Payment) bool {
		return p.PaidAt.AfterOrEqual(from) && p.PaidAt.BeforeOrEqual(to)
	}), nil
}

func (m *Memory) UncalculatedPayments(_ context.Context) ([]commission.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.filterPayments(func(p commission.Payment) bool {
		return !p.CommissionCalculated
	}), nil
}

// =============================================================================
// STORE - locking wrappers around memData
// =============================================================================

func (m *Memory) Payment(ctx context.Context, id commission.PaymentID) (*commission.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Payment(ctx, id)
}

func (m *Memory) SavePayment(ctx context.Context, p commission.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SavePayment(ctx, p)
}

func (m *Memory) InsertEntries(ctx context.Context, entries []commission.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertEntries(ctx, entries)
}

func (m *Memory) UpdateEntry(ctx context.Context, e commission.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateEntry(ctx, e)
}

func (m *Memory) EntriesForPayment(ctx context.Context, id commission.PaymentID) ([]commission.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.EntriesForPayment(ctx, id)
}

func (m *Memory) EntriesForEarner(ctx context.Context, id commission.EarnerID) ([]commission.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.EntriesForEarner(ctx, id)
}

func (m *Memory) EntriesForRun(ctx context.Context, id commission.RunID) ([]commission.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.EntriesForRun(ctx, id)
}

func (m *Memory) PendingEntriesForPeriod(ctx context.Context, start commission.Date) ([]commission.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.PendingEntriesForPeriod(ctx, start)
}

func (m *Memory) UnbatchedPeriods(ctx context.Context) ([]commission.Date, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.UnbatchedPeriods(ctx)
}

func (m *Memory) SaveRun(ctx context.Context, run commission.PayrollRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveRun(ctx, run)
}

func (m *Memory) Run(ctx context.Context, id commission.RunID) (*commission.PayrollRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Run(ctx, id)
}

func (m *Memory) LiveRunForPeriod(ctx context.Context, start commission.Date) (*commission.PayrollRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LiveRunForPeriod(ctx, start)
}

func (m *Memory) ListRuns(ctx context.Context) ([]commission.PayrollRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListRuns(ctx)
}

func (m *Memory) InsertAdjustments(ctx context.Context, adjs []commission.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertAdjustments(ctx, adjs)
}

func (m *Memory) UpdateAdjustment(ctx context.Context, a commission.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateAdjustment(ctx, a)
}

func (m *Memory) AdjustmentsForPayment(ctx context.Context, id commission.PaymentID) ([]commission.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.AdjustmentsForPayment(ctx, id)
}

func (m *Memory) AdjustmentsForEarner(ctx context.Context, id commission.EarnerID) ([]commission.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.AdjustmentsForEarner(ctx, id)
}

func (m *Memory) AdjustmentsForRun(ctx context.Context, id commission.RunID) ([]commission.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.AdjustmentsForRun(ctx, id)
}

func (m *Memory) OpenAdjustments(ctx context.Context) ([]commission.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.OpenAdjustments(ctx)
}

func (m *Memory) Compensation(ctx context.Context, id commission.PaymentID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Compensation(ctx, id)
}

func (m *Memory) SetCompensation(ctx context.Context, id commission.PaymentID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SetCompensation(ctx, id, amount)
}

// =============================================================================
// MEMDATA - unlocked state, also the transactional view
// =============================================================================

type memData struct {
	payments     map[commission.PaymentID]commission.Payment
	paymentOrder []commission.PaymentID
	clients      map[commission.ClientID]commission.Client
	earners      map[commission.EarnerID]commission.Earner
	splits       map[commission.ClientID][]commission.CommissionSplit

	entries    map[commission.EntryID]commission.LedgerEntry
	entryOrder []commission.EntryID

	runs     map[commission.RunID]commission.PayrollRun
	runOrder []commission.RunID

	adjustments map[commission.AdjustmentID]commission.Adjustment
	adjOrder    []commission.AdjustmentID

	compensation map[commission.PaymentID]decimal.Decimal
}

func newMemData() *memData {
	return &memData{
		payments:     make(map[commission.PaymentID]commission.Payment),
		clients:      make(map[commission.ClientID]commission.Client),
		earners:      make(map[commission.EarnerID]commission.Earner),
		splits:       make(map[commission.ClientID][]commission.CommissionSplit),
		entries:      make(map[commission.EntryID]commission.LedgerEntry),
		runs:         make(map[commission.RunID]commission.PayrollRun),
		adjustments:  make(map[commission.AdjustmentID]commission.Adjustment),
		compensation: make(map[commission.PaymentID]decimal.Decimal),
	}
}

// clone copies every map and order slice. Stored values are never mutated
// in place, so value copies are enough.
func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.clients {
		c.clients[k] = v
	}
	for k, v := range d.earners {
		c.earners[k] = v
	}
	for k, v := range d.splits {
		c.splits[k] = v
	}
	for k, v := range d.entries {
		c.entries[k] = v
	}
	for k, v := range d.runs {
		c.runs[k] = v
	}
	for k, v := range d.adjustments {
		c.adjustments[k] = v
	}
	for k, v := range d.compensation {
		c.compensation[k] = v
	}
	c.paymentOrder = append([]commission.PaymentID(nil), d.paymentOrder...)
	c.entryOrder = append([]commission.EntryID(nil), d.entryOrder...)
	c.runOrder = append([]commission.RunID(nil), d.runOrder...)
	c.adjOrder = append([]commission.AdjustmentID(nil), d.adjOrder...)
	return c
}

func (d *memData) filterPayments(keep func(commission.Payment) bool) []commission.Payment {
	var out []commission.Payment
	for _, id := range d.paymentOrder {
		if p := d.payments[id]; keep(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaidAt.Before(out[j].PaidAt) })
	return out
}

func (d *memData) Payment(_ context.Context, id commission.PaymentID) (*commission.Payment, error) {
	p, ok := d.payments[id]
	if !ok {
		return nil, commission.NotFound("payment", string(id))
	}
	return &p, nil
}

func (d *memData) SavePayment(_ context.Context, p commission.Payment) error {
	if _, ok := d.payments[p.ID]; !ok {
		d.paymentOrder = append(d.paymentOrder, p.ID)
	}
	d.payments[p.ID] = p
	return nil
}

func (d *memData) InsertEntries(_ context.Context, entries []commission.LedgerEntry) error {
	type pair struct {
		payment commission.PaymentID
		earner  commission.EarnerID
	}
	active := make(map[pair]bool)
	for _, e := range d.entries {
		if e.IsActive() {
			active[pair{e.PaymentID, e.EarnerID}] = true
		}
	}
	for _, e := range entries {
		k := pair{e.PaymentID, e.EarnerID}
		if e.IsActive() && active[k] {
			return &commission.ConflictError{PaymentID: e.PaymentID, EarnerID: e.EarnerID}
		}
		if e.IsActive() {
			active[k] = true
		}
	}

	for _, e := range entries {
		d.entries[e.ID] = e
		d.entryOrder = append(d.entryOrder, e.ID)
	}
	return nil
}

func (d *memData) UpdateEntry(_ context.Context, e commission.LedgerEntry) error {
	if _, ok := d.entries[e.ID]; !ok {
		return commission.NotFound("ledger_entry", string(e.ID))
	}
	d.entries[e.ID] = e
	return nil
}

func (d *memData) filterEntries(keep func(commission.LedgerEntry) bool) []commission.LedgerEntry {
	out := []commission.LedgerEntry{}
	for _, id := range d.entryOrder {
		if e := d.entries[id]; keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (d *memData) EntriesForPayment(_ context.Context, id commission.PaymentID) ([]commission.LedgerEntry, error) {
	out := d.filterEntries(func(e commission.LedgerEntry) bool { return e.PaymentID == id })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Calculation < out[j].Calculation })
	return out, nil
}

func (d *memData) EntriesForEarner(_ context.Context, id commission.EarnerID) ([]commission.LedgerEntry, error) {
	return d.filterEntries(func(e commission.LedgerEntry) bool { return e.EarnerID == id }), nil
}

func (d *memData) EntriesForRun(_ context.Context, id commission.RunID) ([]commission.LedgerEntry, error) {
	return d.filterEntries(func(e commission.LedgerEntry) bool { return e.RunID == id }), nil
}

func (d *memData) PendingEntriesForPeriod(_ context.Context, start commission.Date) ([]commission.LedgerEntry, error) {
	return d.filterEntries(func(e commission.LedgerEntry) bool {
		return e.Status == commission.EntryPending && e.PayoutPeriodStart.Equal(start)
	}), nil
}

func (d *memData) UnbatchedPeriods(_ context.Context) ([]commission.Date, error) {
	seen := make(map[string]bool)
	out := []commission.Date{}
	for _, id := range d.entryOrder {
		e := d.entries[id]
		if e.Status != commission.EntryPending || e.RunID != "" {
			continue
		}
		if k := e.PayoutPeriodStart.String(); !seen[k] {
			seen[k] = true
			out = append(out, e.PayoutPeriodStart)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (d *memData) SaveRun(_ context.Context, run commission.PayrollRun) error {
	if run.Status != commission.RunVoid {
		for _, id := range d.runOrder {
			other := d.runs[id]
			if other.ID != run.ID && other.Status != commission.RunVoid && other.PeriodStart.Equal(run.PeriodStart) {
				return commission.ErrPersistenceConflict
			}
		}
	}
	if _, ok := d.runs[run.ID]; !ok {
		d.runOrder = append(d.runOrder, run.ID)
	}
	run.EntryIDs = append([]commission.EntryID(nil), run.EntryIDs...)
	run.AdjustmentIDs = append([]commission.AdjustmentID(nil), run.AdjustmentIDs...)
	d.runs[run.ID] = run
	return nil
}

func (d *memData) Run(_ context.Context, id commission.RunID) (*commission.PayrollRun, error) {
	r, ok := d.runs[id]
	if !ok {
		return nil, commission.NotFound("payroll_run", string(id))
	}
	return &r, nil
}

func (d *memData) LiveRunForPeriod(_ context.Context, start commission.Date) (*commission.PayrollRun, error) {
	for _, id := range d.runOrder {
		r := d.runs[id]
		if r.Status != commission.RunVoid && r.PeriodStart.Equal(start) {
			return &r, nil
		}
	}
	return nil, nil
}

func (d *memData) ListRuns(_ context.Context) ([]commission.PayrollRun, error) {
	out := make([]commission.PayrollRun, 0, len(d.runOrder))
	for _, id := range d.runOrder {
		out = append(out, d.runs[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	return out, nil
}

func (d *memData) InsertAdjustments(_ context.Context, adjs []commission.Adjustment) error {
	for _, a := range adjs {
		if _, ok := d.adjustments[a.ID]; ok {
			return commission.ErrPersistenceConflict
		}
	}
	for _, a := range adjs {
		d.adjustments[a.ID] = a
		d.adjOrder = append(d.adjOrder, a.ID)
	}
	return nil
}

func (d *memData) UpdateAdjustment(_ context.Context, a commission.Adjustment) error {
	if _, ok := d.adjustments[a.ID]; !ok {
		return commission.NotFound("adjustment", string(a.ID))
	}
	d.adjustments[a.ID] = a
	return nil
}

func (d *memData) filterAdjustments(keep func(commission.Adjustment) bool) []commission.Adjustment {
	out := []commission.Adjustment{}
	for _, id := range d.adjOrder {
		if a := d.adjustments[id]; keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (d *memData) AdjustmentsForPayment(_ context.Context, id commission.PaymentID) ([]commission.Adjustment, error) {
	return d.filterAdjustments(func(a commission.Adjustment) bool { return a.PaymentID == id }), nil
}

func (d *memData) AdjustmentsForEarner(_ context.Context, id commission.EarnerID) ([]commission.Adjustment, error) {
	return d.filterAdjustments(func(a commission.Adjustment) bool { return a.EarnerID == id }), nil
}

func (d *memData) AdjustmentsForRun(_ context.Context, id commission.RunID) ([]commission.Adjustment, error) {
	return d.filterAdjustments(func(a commission.Adjustment) bool { return a.RunID == id }), nil
}

func (d *memData) OpenAdjustments(_ context.Context) ([]commission.Adjustment, error) {
	return d.filterAdjustments(func(a commission.Adjustment) bool { return a.State == commission.AdjustmentOpen }), nil
}

func (d *memData) Compensation(_ context.Context, id commission.PaymentID) (decimal.Decimal, error) {
	if v, ok := d.compensation[id]; ok {
		return v, nil
	}
	return decimal.Zero, nil
}

func (d *memData) SetCompensation(_ context.Context, id commission.PaymentID, amount decimal.Decimal) error {
	d.compensation[id] = amount
	return nil
}
