/*
Package commission provides the commission booking engine.

PURPOSE:
  Turns a captured payment into owed-commission ledger entries, batches
  entries into payroll runs through an approval pipeline, and unwinds
  commission when a payment is refunded or lost in a dispute.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal, rounded to cents at every booking boundary
  - Payment: a captured charge supplied by Payment Intake
  - LedgerEntry: one computed commission for one (payment, earner) pair
  - PayrollRun: a stateful batch of entries scheduled for one payout
  - Adjustment: a signed correction to an earner's payout total
  - CalculationBasis: how an entry's commission was derived (tagged union)

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64
  2. Type Safety: distinct ID types for payments, earners, entries, runs
  3. Auditability: entries are voided, never deleted; corrections are adjustments
  4. Idempotency: recalculation replaces, refunds compensate only the delta

SEE ALSO:
  - rate.go: Rate Resolver
  - split.go: Split Calculator
  - ledger.go: Ledger Writer
  - period.go: Payroll Period Resolver
  - payroll.go: Payroll Run Aggregator
  - reversal.go: Reversal Engine
  - service.go: Operation surface
*/
package commission

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places money is booked at.
const MoneyPlaces = 2

var (
	hundred = decimal.NewFromInt(100)
	cent    = decimal.New(1, -MoneyPlaces)
)

// RoundMoney rounds half away from zero to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PaymentID string
type ClientID string
type EarnerID string
type EntryID string
type RunID string
type AdjustmentID string

// =============================================================================
// LEAD SOURCE
// =============================================================================

// LeadSource classifies how a client was acquired. Anything other than
// LeadCompanyDriven is treated as self-generated.
type LeadSource string

const (
	LeadCompanyDriven LeadSource = "company_driven"
	LeadSelfGenerated LeadSource = "self_generated"
)

func (l LeadSource) IsCompanyDriven() bool { return l == LeadCompanyDriven }

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentStatus string

const (
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentDisputed          PaymentStatus = "disputed"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentSucceeded, PaymentRefunded, PaymentPartiallyRefunded, PaymentDisputed:
		return true
	}
	return false
}

type Payment struct {
	ID       PaymentID
	ClientID ClientID
	Gross    decimal.Decimal
	Fee      decimal.Decimal
	Net      decimal.Decimal
	PaidAt   Date
	Status   PaymentStatus

	// Set once commission has been booked (or explicitly skipped).
	CommissionCalculated bool

	// Cumulative amount refunded, as last reported by the processor.
	RefundedAmount decimal.Decimal

	// Dispute bookkeeping. StatusBeforeDispute is restored when a dispute is won.
	DisputeAmount       decimal.Decimal
	StatusBeforeDispute PaymentStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Basis is the amount commission is computed against: gross minus fee.
func (p Payment) Basis() decimal.Decimal {
	return p.Gross.Sub(p.Fee)
}

// =============================================================================
// EARNERS, CLIENTS, SPLITS
// =============================================================================

// CommissionConfig holds per-earner rate overrides. A nil field means
// "use the global default".
type CommissionConfig struct {
	CompanyLeadRate *decimal.Decimal `json:"company_lead_rate,omitempty"`
	SelfGenRate     *decimal.Decimal `json:"self_gen_rate,omitempty"`
}

type Earner struct {
	ID     EarnerID
	Name   string
	Config *CommissionConfig
}

type Client struct {
	ID            ClientID
	Name          string
	LeadSource    LeadSource
	SoldBy        *EarnerID
	AssignedCoach *EarnerID
}

// PrimaryEarner returns the seller, falling back to the assigned coach.
func (c Client) PrimaryEarner() (EarnerID, bool) {
	if c.SoldBy != nil && *c.SoldBy != "" {
		return *c.SoldBy, true
	}
	if c.AssignedCoach != nil && *c.AssignedCoach != "" {
		return *c.AssignedCoach, true
	}
	return "", false
}

// CommissionSplit divides a client's commission among several earners.
// Percentage is expressed on a 0-100 scale.
type CommissionSplit struct {
	ClientID   ClientID
	EarnerID   EarnerID
	Role       string
	Percentage decimal.Decimal
}

// =============================================================================
// CALCULATION BASIS - tagged union
// =============================================================================

type BasisKind string

const (
	BasisStandard BasisKind = "standard"
	BasisSplit    BasisKind = "split"
)

type RateSource string

const (
	RateOverride RateSource = "override"
	RateGlobal   RateSource = "global"
)

// CalculationBasis records how a commission amount was derived.
// Implemented only by StandardBasis and SplitBasis.
type CalculationBasis interface {
	Kind() BasisKind
	isCalculationBasis()
}

// StandardBasis is used when the primary earner's resolved rate applies.
type StandardBasis struct {
	LeadSource  LeadSource      `json:"lead_source"`
	AppliedRate decimal.Decimal `json:"applied_rate"`
	RateSource  RateSource      `json:"rate_source"`
}

// SplitBasis is used when an explicit client split applies.
type SplitBasis struct {
	Role       string          `json:"role"`
	Percentage decimal.Decimal `json:"split_pct"`
}

func (StandardBasis) Kind() BasisKind   { return BasisStandard }
func (SplitBasis) Kind() BasisKind      { return BasisSplit }
func (StandardBasis) isCalculationBasis() {}
func (SplitBasis) isCalculationBasis()    {}

type basisEnvelope struct {
	Kind     BasisKind      `json:"kind"`
	Standard *StandardBasis `json:"standard,omitempty"`
	Split    *SplitBasis    `json:"split,omitempty"`
}

// EncodeBasis serializes a CalculationBasis as {"kind": ..., "<kind>": {...}}.
func EncodeBasis(b CalculationBasis) ([]byte, error) {
	env := basisEnvelope{}
	switch v := b.(type) {
	case StandardBasis:
		env.Kind, env.Standard = BasisStandard, &v
	case SplitBasis:
		env.Kind, env.Split = BasisSplit, &v
	case nil:
		return nil, fmt.Errorf("encode basis: nil basis")
	default:
		return nil, fmt.Errorf("encode basis: unknown type %T", b)
	}
	return json.Marshal(env)
}

// DecodeBasis is the inverse of EncodeBasis.
func DecodeBasis(data []byte) (CalculationBasis, error) {
	var env basisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode basis: %w", err)
	}
	switch env.Kind {
	case BasisStandard:
		if env.Standard == nil {
			return nil, fmt.Errorf("decode basis: missing standard payload")
		}
		return *env.Standard, nil
	case BasisSplit:
		if env.Split == nil {
			return nil, fmt.Errorf("decode basis: missing split payload")
		}
		return *env.Split, nil
	default:
		return nil, fmt.Errorf("decode basis: unknown kind %q", env.Kind)
	}
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryPaid    EntryStatus = "paid"
	EntryVoid    EntryStatus = "void"
)

type LedgerEntry struct {
	ID                EntryID
	PaymentID         PaymentID
	EarnerID          EarnerID
	Gross             decimal.Decimal
	Basis             decimal.Decimal
	Commission        decimal.Decimal
	CalculationBasis  CalculationBasis
	PayoutPeriodStart Date
	Status            EntryStatus

	// Calculation is the per-payment generation; each recalculation increments it.
	Calculation int

	// RunID is set while the entry belongs to a live payroll run.
	RunID RunID

	CreatedAt time.Time
	VoidedAt  *time.Time
	PaidAt    *Date
}

func (e LedgerEntry) IsActive() bool { return e.Status != EntryVoid }

// =============================================================================
// PAYROLL RUN
// =============================================================================

type RunStatus string

const (
	RunDraft    RunStatus = "draft"
	RunApproved RunStatus = "approved"
	RunPaid     RunStatus = "paid"
	RunVoid     RunStatus = "void"
)

// Locked reports whether the run's entry set is frozen.
func (s RunStatus) Locked() bool { return s == RunApproved || s == RunPaid }

type RunAction string

const (
	ActionApprove RunAction = "approve"
	ActionPay     RunAction = "pay"
	ActionVoid    RunAction = "void"
)

type PayrollRun struct {
	ID          RunID
	PeriodStart Date
	PeriodEnd   Date
	PayoutDate  Date
	Status      RunStatus

	TotalCommission  decimal.Decimal
	TotalAdjustments decimal.Decimal
	NetPayout        decimal.Decimal
	TransactionCount int

	EntryIDs      []EntryID
	AdjustmentIDs []AdjustmentID

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ApprovedAt *time.Time
	PaidAt     *time.Time
	VoidedAt   *time.Time
}

// =============================================================================
// ADJUSTMENT
// =============================================================================

type AdjustmentType string

const (
	AdjustmentChargeback AdjustmentType = "chargeback"
	AdjustmentOther      AdjustmentType = "other"
)

// AdjustmentState tracks whether an adjustment still has to flow into a payout.
type AdjustmentState string

const (
	// AdjustmentOpen will be netted into the earner's next payroll run.
	AdjustmentOpen AdjustmentState = "open"
	// AdjustmentAbsorbed was neutralized by voiding the entry it corrects.
	AdjustmentAbsorbed AdjustmentState = "absorbed"
	// AdjustmentSettled was netted into a paid run.
	AdjustmentSettled AdjustmentState = "settled"
)

type Adjustment struct {
	ID        AdjustmentID
	EarnerID  EarnerID
	PaymentID PaymentID
	EntryID   EntryID
	Amount    decimal.Decimal // negative reduces the earner's payout
	Type      AdjustmentType
	Reason    string
	State     AdjustmentState
	RunID     RunID
	CreatedAt time.Time
}

// =============================================================================
// NOTIFICATION
// =============================================================================

type Notification struct {
	EarnerID EarnerID
	Message  string
	Amount   decimal.Decimal
}
