/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission Service via REST API. Handles HTTP request and
  response, JSON serialization, and delegates to the domain operations.

ENDPOINTS:
  Payments:
    POST   /api/payments                         Intake a payment
    GET    /api/payments/{id}                    Get payment
    POST   /api/payments/{id}/calculate          Book commission once
    POST   /api/payments/{id}/recalculate        Void and rebook
    GET    /api/payments/{id}/entries            Entries + adjustments
    POST   /api/payments/{id}/refunds            Cumulative refund event
    POST   /api/payments/{id}/disputes           Dispute opened
    POST   /api/payments/{id}/disputes/close     Dispute closed (won|lost)

  Directory:
    POST   /api/clients                          Create/replace client
    POST   /api/clients/{id}/splits              Replace split rows
    POST   /api/earners                          Create/replace earner
    GET    /api/earners/{id}/statement           Earner position

  Batch & payroll:
    POST   /api/recalculate                      Recalculate a date range
    POST   /api/calculate                        Calculate every uncalculated payment
    POST   /api/runs                             Assemble the period's draft
    POST   /api/runs/due                         Assemble every ended period
    GET    /api/runs                             List runs
    GET    /api/runs/{id}                        Get run
    POST   /api/runs/{id}/{action}               approve | pay | void

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input
  - 404: Payment, client, earner or run not found
  - 409: Invalid state transition, persistence conflict
  - 422: No earner, invalid split, invalid amount
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Directory is the write side of the payment intake and the client/earner
// directories. Implemented by sqlite.Store and store.Memory.
type Directory interface {
	SavePayment(ctx context.Context, p commission.Payment) error
	SaveClient(ctx context.Context, c commission.Client) error
	SaveEarner(ctx context.Context, e commission.Earner) error
	ReplaceSplits(ctx context.Context, id commission.ClientID, splits []commission.CommissionSplit) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *commission.Service
	Directory Directory
	Logger    *zap.Logger
	Clock     func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(svc *commission.Service, dir Directory, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Service: svc, Directory: dir, Logger: log, Clock: time.Now}
}

func (h *Handler) today() commission.Date {
	return commission.DateOf(h.Clock())
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment records a payment reported by the processor.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.ID == "" || req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "id and client_id are required", nil)
		return
	}
	paidAt, err := commission.ParseDate(req.PaidAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paid_at (YYYY-MM-DD)", err)
		return
	}
	if req.Gross.IsNegative() || req.Fee.IsNegative() {
		writeError(w, http.StatusUnprocessableEntity, "gross and fee must not be negative", commission.ErrInvalidAmount)
		return
	}

	status := commission.PaymentSucceeded
	if req.Status != "" {
		status = commission.PaymentStatus(req.Status)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown payment status %q", req.Status))
			return
		}
	}
	refunded, err := intakeRefund(status, req.Gross, req.RefundedAmount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid refunded_amount", err)
		return
	}
	net := req.Gross.Sub(req.Fee)
	if req.Net != nil {
		net = *req.Net
	}

	ctx := r.Context()
	if existing, err := h.Service.Payment(ctx, commission.PaymentID(req.ID)); err == nil {
		writeJSON(w, http.StatusOK, toPaymentDTO(*existing))
		return
	} else if !commission.IsNotFound(err) {
		writeDomainError(w, "Failed to load payment", err)
		return
	}

	now := h.Clock().UTC()
	p := commission.Payment{
		ID:        commission.PaymentID(req.ID),
		ClientID:  commission.ClientID(req.ClientID),
		Gross:     req.Gross,
		Fee:       req.Fee,
		Net:       net,
		PaidAt:    paidAt,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,

		RefundedAmount: refunded,
	}
	if err := h.Directory.SavePayment(ctx, p); err != nil {
		writeDomainError(w, "Failed to save payment", err)
		return
	}

	logger.FromContext(ctx).Info("payment recorded", zap.String("payment_id", req.ID))
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

// intakeRefund is the cumulative refunded amount implied by an intake.
func intakeRefund(status commission.PaymentStatus, gross decimal.Decimal, given *decimal.Decimal) (decimal.Decimal, error) {
	switch status {
	case commission.PaymentRefunded:
		return gross, nil
	case commission.PaymentPartiallyRefunded:
		if given == nil {
			return decimal.Zero, fmt.Errorf("refunded_amount is required for status %s: %w", status, commission.ErrInvalidAmount)
		}
		if !given.IsPositive() || given.GreaterThanOrEqual(gross) {
			return decimal.Zero, fmt.Errorf("refunded_amount %s must be above zero and below gross %s: %w",
				given, gross, commission.ErrInvalidAmount)
		}
		return *given, nil
	default:
		if given != nil && !given.IsZero() {
			return decimal.Zero, fmt.Errorf("refunded_amount is only accepted with a refund status: %w", commission.ErrInvalidAmount)
		}
		return decimal.Zero, nil
	}
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Payment(r.Context(), paymentID(r))
	if err != nil {
		writeDomainError(w, "Failed to load payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

func (h *Handler) CalculatePayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Calculate(r.Context(), paymentID(r))
	if err != nil {
		writeDomainError(w, "Commission calculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationResponse(res))
}

func (h *Handler) RecalculatePayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Recalculate(r.Context(), paymentID(r))
	if err != nil {
		writeDomainError(w, "Commission recalculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationResponse(res))
}

func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := paymentID(r)

	entries, err := h.Service.Entries(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to load entries", err)
		return
	}
	adjs, err := h.Service.Adjustments(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to load adjustments", err)
		return
	}
	writeJSON(w, http.StatusOK, EntriesResponse{
		PaymentID:   string(id),
		Entries:     toEntryDTOs(entries),
		Adjustments: toAdjustmentDTOs(adjs),
	})
}

// ApplyRefund handles a refund event. The body carries the cumulative
// refunded amount, so redelivered events are harmless.
func (h *Handler) ApplyRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	res, err := h.Service.ApplyRefund(r.Context(), paymentID(r), req.RefundedAmount)
	if err != nil {
		writeDomainError(w, "Refund failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReversalResponse(res))
}

func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	p, err := h.Service.ApplyDisputeCreated(r.Context(), paymentID(r), req.Amount)
	if err != nil {
		writeDomainError(w, "Dispute failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

func (h *Handler) CloseDispute(w http.ResponseWriter, r *http.Request) {
	var req CloseDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	outcome := commission.DisputeOutcome(strings.ToLower(req.Outcome))
	if outcome != commission.DisputeWon && outcome != commission.DisputeLost {
		writeError(w, http.StatusBadRequest, "outcome must be won or lost", nil)
		return
	}
	res, err := h.Service.ApplyDisputeClosed(r.Context(), paymentID(r), outcome)
	if err != nil {
		writeDomainError(w, "Dispute close failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReversalResponse(res))
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	source := commission.LeadSource(req.LeadSource)
	if source == "" {
		source = commission.LeadCompanyDriven
	}
	c := commission.Client{
		ID:            commission.ClientID(req.ID),
		Name:          req.Name,
		LeadSource:    source,
		SoldBy:        earnerPtr(req.SoldBy),
		AssignedCoach: earnerPtr(req.AssignedCoach),
	}
	if err := h.Directory.SaveClient(r.Context(), c); err != nil {
		writeDomainError(w, "Failed to save client", err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientDTO(c))
}

// ReplaceSplits swaps the client's split rows after validating them.
func (h *Handler) ReplaceSplits(w http.ResponseWriter, r *http.Request) {
	var req ReplaceSplitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	ctx := r.Context()
	clientID := commission.ClientID(chi.URLParam(r, "id"))
	if _, err := h.Service.Client(ctx, clientID); err != nil {
		writeDomainError(w, "Failed to load client", err)
		return
	}

	splits := make([]commission.CommissionSplit, 0, len(req.Splits))
	for _, s := range req.Splits {
		splits = append(splits, commission.CommissionSplit{
			ClientID:   clientID,
			EarnerID:   commission.EarnerID(s.EarnerID),
			Role:       s.Role,
			Percentage: s.Percentage,
		})
	}
	total, err := commission.ValidateSplits(clientID, splits)
	if err != nil {
		writeDomainError(w, "Invalid splits", err)
		return
	}
	if err := h.Directory.ReplaceSplits(ctx, clientID, splits); err != nil {
		writeDomainError(w, "Failed to save splits", err)
		return
	}

	resp := SplitsResponse{
		ClientID: string(clientID),
		Splits:   make([]SplitDTO, 0, len(splits)),
		Total:    total.String(),
		Warnings: []string{},
	}
	for _, s := range splits {
		resp.Splits = append(resp.Splits, SplitDTO{EarnerID: string(s.EarnerID), Role: s.Role, Percentage: s.Percentage.String()})
	}
	if len(splits) > 0 && total.LessThan(decimal.NewFromInt(100)) {
		resp.Warnings = append(resp.Warnings, string(commission.WarnSplitsUnderAllocated))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CreateEarner(w http.ResponseWriter, r *http.Request) {
	var req CreateEarnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	e := commission.Earner{ID: commission.EarnerID(req.ID), Name: req.Name}
	if req.CompanyLeadRate != nil || req.SelfGenRate != nil {
		e.Config = &commission.CommissionConfig{
			CompanyLeadRate: req.CompanyLeadRate,
			SelfGenRate:     req.SelfGenRate,
		}
	}
	if err := h.Directory.SaveEarner(r.Context(), e); err != nil {
		writeDomainError(w, "Failed to save earner", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEarnerDTO(e))
}

func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.EarnerStatement(r.Context(), commission.EarnerID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to build statement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// =============================================================================
// BATCH & PAYROLL HANDLERS
// =============================================================================

func (h *Handler) RecalculatePeriod(w http.ResponseWriter, r *http.Request) {
	var req RecalculatePeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	start, err := commission.ParseDate(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start (YYYY-MM-DD)", err)
		return
	}
	end, err := commission.ParseDate(req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end (YYYY-MM-DD)", err)
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end must not be before start", nil)
		return
	}
	writeJSON(w, http.StatusOK, toBatchReportDTO(h.Service.RecalculatePeriod(r.Context(), start, end)))
}

func (h *Handler) CalculateUncalculated(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toBatchReportDTO(h.Service.CalculateUncalculated(r.Context())))
}

func (h *Handler) AssembleRun(w http.ResponseWriter, r *http.Request) {
	var req AssembleRunRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	date, ok := h.dateOrToday(w, req.Date, "date")
	if !ok {
		return
	}
	run, err := h.Service.AssemblePeriod(r.Context(), date)
	if err != nil {
		writeDomainError(w, "Run assembly failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

func (h *Handler) AssembleDue(w http.ResponseWriter, r *http.Request) {
	var req AssembleDueRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	asOf, ok := h.dateOrToday(w, req.AsOf, "as_of")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toBatchReportDTO(h.Service.AssembleDue(r.Context(), asOf)))
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Service.ListRuns(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list runs", err)
		return
	}
	dtos := make([]PayrollRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Service.Run(r.Context(), commission.RunID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to load run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

func (h *Handler) TransitionRun(w http.ResponseWriter, r *http.Request) {
	action := commission.RunAction(chi.URLParam(r, "action"))
	switch action {
	case commission.ActionApprove, commission.ActionPay, commission.ActionVoid:
	default:
		writeError(w, http.StatusNotFound, "Unknown run action", fmt.Errorf("action %q", action))
		return
	}
	run, err := h.Service.TransitionRun(r.Context(), commission.RunID(chi.URLParam(r, "id")), action)
	if err != nil {
		writeDomainError(w, "Run transition failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// =============================================================================
// HELPERS
// =============================================================================

func paymentID(r *http.Request) commission.PaymentID {
	return commission.PaymentID(chi.URLParam(r, "id"))
}

func earnerPtr(s *string) *commission.EarnerID {
	if s == nil || *s == "" {
		return nil
	}
	id := commission.EarnerID(*s)
	return &id
}

// decodeOptional decodes r's body into v, treating an empty body as {}.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) dateOrToday(w http.ResponseWriter, s, field string) (commission.Date, bool) {
	if s == "" {
		return h.today(), true
	}
	d, err := commission.ParseDate(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s (YYYY-MM-DD)", field), err)
		return commission.Date{}, false
	}
	return d, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the commission error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case commission.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, commission.ErrInvalidStateTransition),
		errors.Is(err, commission.ErrPersistenceConflict):
		return http.StatusConflict
	case errors.Is(err, commission.ErrNoEarner),
		errors.Is(err, commission.ErrInvalidSplit),
		errors.Is(err, commission.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
