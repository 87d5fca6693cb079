/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the directories and payment
	intake with realistic data. Each scenario creates earners, a client,
	optional splits and payments, then books commission for them.

AVAILABLE SCENARIOS:

	company-lead:  One coach, company-driven lead, global company rate
	split-team:    Closer + setter sharing a client 60/40
	refund-cycle:  Self-generated sale, partial then full refund

HOW SCENARIOS WORK:
 1. Upsert earners and the client
 2. Replace the client's splits (possibly with none)
 3. Record payments that do not exist yet
 4. Calculate commission, then replay any refund events

Loading a scenario twice is harmless: calculation skips payments that are
already booked and refunds are cumulative.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "split-team"}

SEE ALSO:
  - handlers.go: Directory interface
  - commission/service.go: Calculate, ApplyRefund
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "company-lead",
		Name:        "Company Lead",
		Description: "Coach assigned to a company-driven client, paid at the global company rate",
	},
	{
		ID:          "split-team",
		Name:        "Split Team",
		Description: "Closer and setter share a self-generated client 60/40",
	},
	{
		ID:          "refund-cycle",
		Name:        "Refund Cycle",
		Description: "Self-generated sale that is partially and then fully refunded",
	},
}

type scenarioLoader func(ctx context.Context, h *Handler) error

var scenarioLoaders = map[string]scenarioLoader{
	"company-lead": loadCompanyLeadScenario,
	"split-team":   loadSplitTeamScenario,
	"refund-cycle": loadRefundCycleScenario,
}

// ScenarioLoadResponse reports what a scenario load booked.
type ScenarioLoadResponse struct {
	Scenario ScenarioDTO  `json:"scenario"`
	Payments []PaymentDTO `json:"payments"`
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := load(ctx, h); err != nil {
		writeDomainError(w, "Failed to load scenario", err)
		return
	}

	resp := ScenarioLoadResponse{Payments: []PaymentDTO{}}
	for _, s := range scenarios {
		if s.ID == req.ScenarioID {
			resp.Scenario = s
		}
	}
	for _, id := range scenarioPayments[req.ScenarioID] {
		p, err := h.Service.Payment(ctx, id)
		if err != nil {
			writeDomainError(w, "Failed to load scenario payment", err)
			return
		}
		resp.Payments = append(resp.Payments, toPaymentDTO(*p))
	}

	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LOADERS
// =============================================================================

var scenarioPayments = map[string][]commission.PaymentID{
	"company-lead": {"demo-pay-cl-1", "demo-pay-cl-2"},
	"split-team":   {"demo-pay-st-1"},
	"refund-cycle": {"demo-pay-rc-1"},
}

func loadCompanyLeadScenario(ctx context.Context, h *Handler) error {
	coach := commission.EarnerID("demo-coach-ada")
	if err := h.Directory.SaveEarner(ctx, commission.Earner{ID: coach, Name: "Ada Coach"}); err != nil {
		return err
	}
	client := commission.Client{
		ID:            "demo-client-acme",
		Name:          "Acme Fitness",
		LeadSource:    commission.LeadCompanyDriven,
		AssignedCoach: &coach,
	}
	if err := h.setupClient(ctx, client, nil); err != nil {
		return err
	}

	today := h.today()
	if err := h.recordPayment(ctx, "demo-pay-cl-1", client.ID, "1000.00", "30.00", today.AddDays(-14)); err != nil {
		return err
	}
	if err := h.recordPayment(ctx, "demo-pay-cl-2", client.ID, "500.00", "15.00", today); err != nil {
		return err
	}
	return h.calculateAll(ctx, "demo-pay-cl-1", "demo-pay-cl-2")
}

func loadSplitTeamScenario(ctx context.Context, h *Handler) error {
	closer := commission.EarnerID("demo-closer-bo")
	setter := commission.EarnerID("demo-setter-cy")
	overrideRate := decimal.RequireFromString("0.25")

	if err := h.Directory.SaveEarner(ctx, commission.Earner{
		ID:     closer,
		Name:   "Bo Closer",
		Config: &commission.CommissionConfig{SelfGenRate: &overrideRate},
	}); err != nil {
		return err
	}
	if err := h.Directory.SaveEarner(ctx, commission.Earner{ID: setter, Name: "Cy Setter"}); err != nil {
		return err
	}

	client := commission.Client{
		ID:         "demo-client-globex",
		Name:       "Globex Wellness",
		LeadSource: commission.LeadSelfGenerated,
		SoldBy:     &closer,
	}
	splits := []commission.CommissionSplit{
		{ClientID: client.ID, EarnerID: closer, Role: "closer", Percentage: decimal.NewFromInt(60)},
		{ClientID: client.ID, EarnerID: setter, Role: "setter", Percentage: decimal.NewFromInt(40)},
	}
	if err := h.setupClient(ctx, client, splits); err != nil {
		return err
	}

	if err := h.recordPayment(ctx, "demo-pay-st-1", client.ID, "2000.00", "60.00", h.today()); err != nil {
		return err
	}
	return h.calculateAll(ctx, "demo-pay-st-1")
}

func loadRefundCycleScenario(ctx context.Context, h *Handler) error {
	seller := commission.EarnerID("demo-seller-dee")
	if err := h.Directory.SaveEarner(ctx, commission.Earner{ID: seller, Name: "Dee Seller"}); err != nil {
		return err
	}
	client := commission.Client{
		ID:         "demo-client-initech",
		Name:       "Initech Studio",
		LeadSource: commission.LeadSelfGenerated,
		SoldBy:     &seller,
	}
	if err := h.setupClient(ctx, client, nil); err != nil {
		return err
	}

	const id = commission.PaymentID("demo-pay-rc-1")
	if err := h.recordPayment(ctx, id, client.ID, "800.00", "24.00", h.today().AddDays(-7)); err != nil {
		return err
	}
	if err := h.calculateAll(ctx, id); err != nil {
		return err
	}
	for _, refunded := range []string{"200.00", "800.00"} {
		if _, err := h.Service.ApplyRefund(ctx, id, decimal.RequireFromString(refunded)); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) setupClient(ctx context.Context, c commission.Client, splits []commission.CommissionSplit) error {
	if err := h.Directory.SaveClient(ctx, c); err != nil {
		return fmt.Errorf("save client %s: %w", c.ID, err)
	}
	if err := h.Directory.ReplaceSplits(ctx, c.ID, splits); err != nil {
		return fmt.Errorf("replace splits for %s: %w", c.ID, err)
	}
	return nil
}

// recordPayment saves the payment unless it already exists.
func (h *Handler) recordPayment(ctx context.Context, id commission.PaymentID, client commission.ClientID, gross, fee string, paidAt commission.Date) error {
	if _, err := h.Service.Payment(ctx, id); err == nil {
		return nil
	} else if !commission.IsNotFound(err) {
		return err
	}

	now := h.Clock().UTC()
	g, f := decimal.RequireFromString(gross), decimal.RequireFromString(fee)
	return h.Directory.SavePayment(ctx, commission.Payment{
		ID:        id,
		ClientID:  client,
		Gross:     g,
		Fee:       f,
		Net:       g.Sub(f),
		PaidAt:    paidAt,
		Status:    commission.PaymentSucceeded,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (h *Handler) calculateAll(ctx context.Context, ids ...commission.PaymentID) error {
	for _, id := range ids {
		if _, err := h.Service.Calculate(ctx, id); err != nil {
			return fmt.Errorf("calculate %s: %w", id, err)
		}
	}
	return nil
}
