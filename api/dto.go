/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  commission domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Requests accept amounts as JSON numbers or strings. Responses always
  render amounts as fixed two-decimal strings ("12.50").

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreatePaymentRequest struct {
	ID       string           `json:"id"`
	ClientID string           `json:"client_id"`
	Gross    decimal.Decimal  `json:"gross"`
	Fee      decimal.Decimal  `json:"fee"`
	Net      *decimal.Decimal `json:"net,omitempty"` // defaults to gross - fee
	PaidAt   string           `json:"paid_at"`
	Status   string           `json:"status,omitempty"`
	// RefundedAmount is required for partially_refunded, between zero and
	// gross exclusive. refunded implies gross.
	RefundedAmount *decimal.Decimal `json:"refunded_amount,omitempty"`
}

type CreateClientRequest struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	LeadSource    string  `json:"lead_source"`
	SoldBy        *string `json:"sold_by,omitempty"`
	AssignedCoach *string `json:"assigned_coach,omitempty"`
}

type SplitRequest struct {
	EarnerID   string          `json:"earner_id"`
	Role       string          `json:"role"`
	Percentage decimal.Decimal `json:"percentage"`
}

type ReplaceSplitsRequest struct {
	Splits []SplitRequest `json:"splits"`
}

type CreateEarnerRequest struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	CompanyLeadRate *decimal.Decimal `json:"company_lead_rate,omitempty"`
	SelfGenRate     *decimal.Decimal `json:"self_gen_rate,omitempty"`
}

// RefundRequest carries the processor's cumulative refunded amount.
type RefundRequest struct {
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
}

type DisputeRequest struct {
	Amount decimal.Decimal `json:"amount"` // zero means the unrefunded remainder
}

type CloseDisputeRequest struct {
	Outcome string `json:"outcome"` // won | lost
}

type RecalculatePeriodRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type AssembleRunRequest struct {
	Date string `json:"date"` // any date inside the period; defaults to today
}

type AssembleDueRequest struct {
	AsOf string `json:"as_of,omitempty"` // defaults to today
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type PaymentDTO struct {
	ID                   string `json:"id"`
	ClientID             string `json:"client_id"`
	Gross                string `json:"gross"`
	Fee                  string `json:"fee"`
	Net                  string `json:"net"`
	PaidAt               string `json:"paid_at"`
	Status               string `json:"status"`
	CommissionCalculated bool   `json:"commission_calculated"`
	RefundedAmount       string `json:"refunded_amount"`
	DisputeAmount        string `json:"dispute_amount,omitempty"`
	CreatedAt            string `json:"created_at,omitempty"`
	UpdatedAt            string `json:"updated_at,omitempty"`
}

type ClientDTO struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	LeadSource    string  `json:"lead_source"`
	SoldBy        *string `json:"sold_by,omitempty"`
	AssignedCoach *string `json:"assigned_coach,omitempty"`
}

type SplitDTO struct {
	EarnerID   string `json:"earner_id"`
	Role       string `json:"role"`
	Percentage string `json:"percentage"`
}

type SplitsResponse struct {
	ClientID string     `json:"client_id"`
	Splits   []SplitDTO `json:"splits"`
	Total    string     `json:"total_percentage"`
	Warnings []string   `json:"warnings"`
}

type EarnerDTO struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	CompanyLeadRate *string `json:"company_lead_rate,omitempty"`
	SelfGenRate     *string `json:"self_gen_rate,omitempty"`
}

type LedgerEntryDTO struct {
	ID                string          `json:"id"`
	PaymentID         string          `json:"payment_id"`
	EarnerID          string          `json:"earner_id"`
	Gross             string          `json:"gross"`
	Basis             string          `json:"basis"`
	Commission        string          `json:"commission"`
	CalculationBasis  json.RawMessage `json:"calculation_basis"`
	PayoutPeriodStart string          `json:"payout_period_start"`
	Status            string          `json:"status"`
	Calculation       int             `json:"calculation"`
	RunID             string          `json:"run_id,omitempty"`
	CreatedAt         string          `json:"created_at"`
	VoidedAt          string          `json:"voided_at,omitempty"`
	PaidAt            string          `json:"paid_at,omitempty"`
}

type AdjustmentDTO struct {
	ID        string `json:"id"`
	EarnerID  string `json:"earner_id"`
	PaymentID string `json:"payment_id"`
	EntryID   string `json:"entry_id"`
	Amount    string `json:"amount"`
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	State     string `json:"state"`
	RunID     string `json:"run_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CalculationResponse struct {
	PaymentID string           `json:"payment_id"`
	Outcome   string           `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
	Entries   []LedgerEntryDTO `json:"entries"`
	Voided    []LedgerEntryDTO `json:"voided,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
	Total     string           `json:"total"`

	Adjustments []AdjustmentDTO `json:"adjustments,omitempty"`
}

type EntriesResponse struct {
	PaymentID   string           `json:"payment_id"`
	Entries     []LedgerEntryDTO `json:"entries"`
	Adjustments []AdjustmentDTO  `json:"adjustments"`
}

type ReversalResponse struct {
	PaymentID   string           `json:"payment_id"`
	Duplicate   bool             `json:"duplicate"`
	FullRefund  bool             `json:"full_refund"`
	Compensated string           `json:"compensated"`
	Adjustments []AdjustmentDTO  `json:"adjustments"`
	Voided      []LedgerEntryDTO `json:"voided"`
	Total       string           `json:"total"`
}

type PayrollRunDTO struct {
	ID               string   `json:"id"`
	PeriodStart      string   `json:"period_start"`
	PeriodEnd        string   `json:"period_end"`
	PayoutDate       string   `json:"payout_date"`
	Status           string   `json:"status"`
	TotalCommission  string   `json:"total_commission"`
	TotalAdjustments string   `json:"total_adjustments"`
	NetPayout        string   `json:"net_payout"`
	TransactionCount int      `json:"transaction_count"`
	EntryIDs         []string `json:"entry_ids"`
	AdjustmentIDs    []string `json:"adjustment_ids"`
	CreatedAt        string   `json:"created_at"`
	ApprovedAt       string   `json:"approved_at,omitempty"`
	PaidAt           string   `json:"paid_at,omitempty"`
	VoidedAt         string   `json:"voided_at,omitempty"`
}

type BatchReportDTO struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

type StatementDTO struct {
	EarnerID           string           `json:"earner_id"`
	PendingCommission  string           `json:"pending_commission"`
	PaidCommission     string           `json:"paid_commission"`
	OpenAdjustments    string           `json:"open_adjustments"`
	SettledAdjustments string           `json:"settled_adjustments"`
	NetOwed            string           `json:"net_owed"`
	Entries            []LedgerEntryDTO `json:"entries"`
	Adjustments        []AdjustmentDTO  `json:"adjustments"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(commission.MoneyPlaces)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func optTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return timestamp(*t)
}

func toPaymentDTO(p commission.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:                   string(p.ID),
		ClientID:             string(p.ClientID),
		Gross:                money(p.Gross),
		Fee:                  money(p.Fee),
		Net:                  money(p.Net),
		PaidAt:               p.PaidAt.String(),
		Status:               string(p.Status),
		CommissionCalculated: p.CommissionCalculated,
		RefundedAmount:       money(p.RefundedAmount),
		CreatedAt:            timestamp(p.CreatedAt),
		UpdatedAt:            timestamp(p.UpdatedAt),
	}
	if p.DisputeAmount.IsPositive() {
		dto.DisputeAmount = money(p.DisputeAmount)
	}
	return dto
}

func toClientDTO(c commission.Client) ClientDTO {
	return ClientDTO{
		ID:            string(c.ID),
		Name:          c.Name,
		LeadSource:    string(c.LeadSource),
		SoldBy:        earnerString(c.SoldBy),
		AssignedCoach: earnerString(c.AssignedCoach),
	}
}

func toEarnerDTO(e commission.Earner) EarnerDTO {
	dto := EarnerDTO{ID: string(e.ID), Name: e.Name}
	if e.Config != nil {
		dto.CompanyLeadRate = decimalString(e.Config.CompanyLeadRate)
		dto.SelfGenRate = decimalString(e.Config.SelfGenRate)
	}
	return dto
}

func toEntryDTOs(entries []commission.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		basis, _ := commission.EncodeBasis(e.CalculationBasis)
		dto := LedgerEntryDTO{
			ID:                string(e.ID),
			PaymentID:         string(e.PaymentID),
			EarnerID:          string(e.EarnerID),
			Gross:             money(e.Gross),
			Basis:             money(e.Basis),
			Commission:        money(e.Commission),
			CalculationBasis:  basis,
			PayoutPeriodStart: e.PayoutPeriodStart.String(),
			Status:            string(e.Status),
			Calculation:       e.Calculation,
			RunID:             string(e.RunID),
			CreatedAt:         timestamp(e.CreatedAt),
			VoidedAt:          optTimestamp(e.VoidedAt),
		}
		if e.PaidAt != nil {
			dto.PaidAt = e.PaidAt.String()
		}
		dtos = append(dtos, dto)
	}
	return dtos
}

func toAdjustmentDTOs(adjs []commission.Adjustment) []AdjustmentDTO {
	dtos := make([]AdjustmentDTO, 0, len(adjs))
	for _, a := range adjs {
		dtos = append(dtos, AdjustmentDTO{
			ID:        string(a.ID),
			EarnerID:  string(a.EarnerID),
			PaymentID: string(a.PaymentID),
			EntryID:   string(a.EntryID),
			Amount:    money(a.Amount),
			Type:      string(a.Type),
			Reason:    a.Reason,
			State:     string(a.State),
			RunID:     string(a.RunID),
			CreatedAt: timestamp(a.CreatedAt),
		})
	}
	return dtos
}

func toCalculationResponse(res commission.CalculationResult) CalculationResponse {
	warnings := make([]string, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		warnings = append(warnings, string(w))
	}
	return CalculationResponse{
		PaymentID: string(res.PaymentID),
		Outcome:   string(res.Outcome),
		Reason:    res.Reason,
		Entries:   toEntryDTOs(res.Entries),
		Voided:    toEntryDTOs(res.Voided),
		Warnings:  warnings,
		Total:     money(res.Total()),

		Adjustments: toAdjustmentDTOs(res.Adjustments),
	}
}

func toReversalResponse(res *commission.ReversalResult) ReversalResponse {
	return ReversalResponse{
		PaymentID:   string(res.PaymentID),
		Duplicate:   res.Duplicate,
		FullRefund:  res.FullRefund,
		Compensated: money(res.Compensated),
		Adjustments: toAdjustmentDTOs(res.Adjustments),
		Voided:      toEntryDTOs(res.Voided),
		Total:       money(res.Total()),
	}
}

func toRunDTO(r commission.PayrollRun) PayrollRunDTO {
	entryIDs := make([]string, 0, len(r.EntryIDs))
	for _, id := range r.EntryIDs {
		entryIDs = append(entryIDs, string(id))
	}
	adjIDs := make([]string, 0, len(r.AdjustmentIDs))
	for _, id := range r.AdjustmentIDs {
		adjIDs = append(adjIDs, string(id))
	}
	return PayrollRunDTO{
		ID:               string(r.ID),
		PeriodStart:      r.PeriodStart.String(),
		PeriodEnd:        r.PeriodEnd.String(),
		PayoutDate:       r.PayoutDate.String(),
		Status:           string(r.Status),
		TotalCommission:  money(r.TotalCommission),
		TotalAdjustments: money(r.TotalAdjustments),
		NetPayout:        money(r.NetPayout),
		TransactionCount: r.TransactionCount,
		EntryIDs:         entryIDs,
		AdjustmentIDs:    adjIDs,
		CreatedAt:        timestamp(r.CreatedAt),
		ApprovedAt:       optTimestamp(r.ApprovedAt),
		PaidAt:           optTimestamp(r.PaidAt),
		VoidedAt:         optTimestamp(r.VoidedAt),
	}
}

func toBatchReportDTO(r commission.BatchReport) BatchReportDTO {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	return BatchReportDTO{Processed: r.Processed, Skipped: r.Skipped, Failed: r.Failed, Errors: errs}
}

func toStatementDTO(s *commission.EarnerStatement) StatementDTO {
	return StatementDTO{
		EarnerID:           string(s.EarnerID),
		PendingCommission:  money(s.PendingCommission),
		PaidCommission:     money(s.PaidCommission),
		OpenAdjustments:    money(s.OpenAdjustments),
		SettledAdjustments: money(s.SettledAdjustments),
		NetOwed:            money(s.NetOwed),
		Entries:            toEntryDTOs(s.Entries),
		Adjustments:        toAdjustmentDTOs(s.Adjustments),
	}
}

func earnerString(id *commission.EarnerID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
