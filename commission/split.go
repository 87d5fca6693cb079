/*
split.go - Split Calculator

PURPOSE:
  Decides who earns what on a payment. Produces an ordered list of
  (earner, commission, basis metadata) lines that the Ledger Writer books.

TWO BRANCHES:
  1. Explicit splits exist for the client: they are authoritative.
     commission = basis * pct / 100 for every row, in row order.
     No remainder entry is created for the primary earner, even when the
     splits sum to less than 100% (this is surfaced as a warning).
  2. No splits: the primary earner (seller, else assigned coach) earns
     basis * rate, where rate comes from the Rate Resolver.

GUARANTEES:
  - basis <= 0 yields Skipped with no lines
  - without splits, total < basis (rates are < 1; rounding is capped one
    cent below basis)
  - with splits summing to <= 100%, total <= basis

SEE ALSO:
  - rate.go: Rate Resolver
  - ledger.go: turns lines into ledger entries
*/
package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

type SplitInput struct {
	Payment    Payment
	ClientID   ClientID
	Splits     []CommissionSplit
	PrimaryID  EarnerID // empty when the client has neither seller nor coach
	Primary    *Earner  // may be nil; the Rate Resolver falls back to globals
	LeadSource LeadSource
}

type SplitLine struct {
	EarnerID   EarnerID
	Commission decimal.Decimal
	Basis      CalculationBasis
}

// Warning is a non-fatal observation about a calculation.
type Warning string

const (
	// WarnSplitsUnderAllocated means the client's splits sum to less than
	// 100% and the remainder was left unallocated.
	WarnSplitsUnderAllocated Warning = "splits_under_allocated"
)

type SplitResult struct {
	Gross    decimal.Decimal
	Basis    decimal.Decimal
	Lines    []SplitLine
	Skipped  bool
	Warnings []Warning

	// SplitTotal is the sum of split percentages (zero without splits).
	SplitTotal decimal.Decimal
}

// Total returns the sum of all line commissions.
func (r SplitResult) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range r.Lines {
		total = total.Add(l.Commission)
	}
	return total
}

// =============================================================================
// CALCULATOR
// =============================================================================

type SplitCalculator struct {
	Rates *RateResolver
}

func NewSplitCalculator(rates *RateResolver) *SplitCalculator {
	return &SplitCalculator{Rates: rates}
}

func (c *SplitCalculator) Calculate(in SplitInput) (SplitResult, error) {
	basis := in.Payment.Basis()
	result := SplitResult{Gross: in.Payment.Gross, Basis: basis, SplitTotal: decimal.Zero}

	if !basis.IsPositive() {
		result.Skipped = true
		return result, nil
	}

	if len(in.Splits) > 0 {
		return c.fromSplits(in, result)
	}

	if in.PrimaryID == "" {
		return result, fmt.Errorf("client %s: %w", in.ClientID, ErrNoEarner)
	}

	rate := c.Rates.Resolve(in.Primary, in.LeadSource)
	result.Lines = []SplitLine{{
		EarnerID:   in.PrimaryID,
		Commission: rateCommission(basis, rate.Rate),
		Basis: StandardBasis{
			LeadSource:  in.LeadSource,
			AppliedRate: rate.Rate,
			RateSource:  rate.Source,
		},
	}}
	return result, nil
}

// rateCommission is basis * rate rounded to cents, held to at most one cent
// below basis.
func rateCommission(basis, rate decimal.Decimal) decimal.Decimal {
	commission := RoundMoney(basis.Mul(rate))
	ceiling := basis.Sub(cent)
	if commission.GreaterThan(ceiling) {
		commission = decimal.Max(ceiling, decimal.Zero)
	}
	return commission
}

func (c *SplitCalculator) fromSplits(in SplitInput, result SplitResult) (SplitResult, error) {
	total, err := ValidateSplits(in.ClientID, in.Splits)
	if err != nil {
		return result, err
	}

	result.SplitTotal = total
	if total.LessThan(hundred) {
		result.Warnings = append(result.Warnings, WarnSplitsUnderAllocated)
	}

	result.Lines = make([]SplitLine, 0, len(in.Splits))
	for _, s := range in.Splits {
		result.Lines = append(result.Lines, SplitLine{
			EarnerID:   s.EarnerID,
			Commission: RoundMoney(result.Basis.Mul(s.Percentage).Div(hundred)),
			Basis:      SplitBasis{Role: s.Role, Percentage: s.Percentage},
		})
	}
	return result, nil
}

// ValidateSplits checks a client's split rows and returns their percentage
// sum. Rows must name an earner, be non-negative, be unique per earner and
// sum to at most 100.
func ValidateSplits(client ClientID, splits []CommissionSplit) (decimal.Decimal, error) {
	seen := make(map[EarnerID]bool, len(splits))
	total := decimal.Zero

	for _, s := range splits {
		if s.EarnerID == "" {
			return total, &SplitError{ClientID: client, Reason: "split row without earner"}
		}
		if s.Percentage.IsNegative() {
			return total, &SplitError{ClientID: client,
				Reason: fmt.Sprintf("negative percentage %s for earner %s", s.Percentage, s.EarnerID)}
		}
		if seen[s.EarnerID] {
			return total, &SplitError{ClientID: client,
				Reason: fmt.Sprintf("earner %s appears in more than one split", s.EarnerID)}
		}
		seen[s.EarnerID] = true
		total = total.Add(s.Percentage)
	}

	if total.GreaterThan(hundred) {
		return total, &SplitError{ClientID: client, Reason: fmt.Sprintf("splits sum to %s%%", total)}
	}
	return total, nil
}
