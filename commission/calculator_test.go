package commission_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func payment(gross, fee string) commission.Payment {
	return commission.Payment{
		ID:       "pay-1",
		ClientID: "client-1",
		Gross:    dec(gross),
		Fee:      dec(fee),
		PaidAt:   commission.NewDate(2024, time.January, 10),
		Status:   commission.PaymentSucceeded,
	}
}

func newCalculator() *commission.SplitCalculator {
	return commission.NewSplitCalculator(commission.NewRateResolver(commission.DefaultRates()))
}

// =============================================================================
// RATE RESOLVER
// =============================================================================

func TestRateResolver_NoEarner_UsesGlobalByLeadSource(t *testing.T) {
	// GIVEN: Default globals of 50% company-driven and 70% self-generated
	// WHEN: Resolving without an earner record
	// THEN: The global rate for the lead source applies

	r := commission.NewRateResolver(commission.DefaultRates())

	company := r.Resolve(nil, commission.LeadCompanyDriven)
	assertMoney(t, "0.50", company.Rate)
	assert.Equal(t, commission.RateGlobal, company.Source)

	self := r.Resolve(nil, commission.LeadSelfGenerated)
	assertMoney(t, "0.70", self.Rate)
	assert.Equal(t, commission.RateGlobal, self.Source)
}

func TestRateResolver_UnknownLeadSource_TreatedAsSelfGenerated(t *testing.T) {
	r := commission.NewRateResolver(commission.DefaultRates())

	got := r.Resolve(nil, commission.LeadSource("referral"))

	assertMoney(t, "0.70", got.Rate)
}

func TestRateResolver_Override_WinsForMatchingSourceOnly(t *testing.T) {
	// GIVEN: Earner overrides only the company-driven rate
	// WHEN: Resolving both lead sources
	// THEN: Company-driven uses the override, self-generated falls back

	r := commission.NewRateResolver(commission.DefaultRates())
	earner := &commission.Earner{
		ID:     "e-1",
		Config: &commission.CommissionConfig{CompanyLeadRate: decPtr("0.35")},
	}

	company := r.Resolve(earner, commission.LeadCompanyDriven)
	assertMoney(t, "0.35", company.Rate)
	assert.Equal(t, commission.RateOverride, company.Source)

	self := r.Resolve(earner, commission.LeadSelfGenerated)
	assertMoney(t, "0.70", self.Rate)
	assert.Equal(t, commission.RateGlobal, self.Source)
}

func TestRateResolver_OutOfRangeOverride_FallsBackToGlobal(t *testing.T) {
	r := commission.NewRateResolver(commission.DefaultRates())

	for _, bad := range []string{"1", "1.5", "-0.1"} {
		earner := &commission.Earner{
			ID:     "e-1",
			Config: &commission.CommissionConfig{SelfGenRate: decPtr(bad)},
		}
		got := r.Resolve(earner, commission.LeadSelfGenerated)
		assertMoney(t, "0.70", got.Rate, "override %s", bad)
		assert.Equal(t, commission.RateGlobal, got.Source, "override %s", bad)
	}
}

func TestRateResolver_ZeroOverride_IsHonored(t *testing.T) {
	r := commission.NewRateResolver(commission.DefaultRates())
	earner := &commission.Earner{
		ID:     "e-1",
		Config: &commission.CommissionConfig{SelfGenRate: decPtr("0")},
	}

	got := r.Resolve(earner, commission.LeadSelfGenerated)

	assert.True(t, got.Rate.IsZero())
	assert.Equal(t, commission.RateOverride, got.Source)
}

// =============================================================================
// SPLIT CALCULATOR
// =============================================================================

func TestSplitCalculator_PrimaryEarner_GrossMinusFeeTimesRate(t *testing.T) {
	// GIVEN: $100 gross, $3 fee, company-driven lead
	// WHEN: Calculating without splits
	// THEN: One line of 97 * 0.50 = 48.50 with a standard basis

	res, err := newCalculator().Calculate(commission.SplitInput{
		Payment:    payment("100.00", "3.00"),
		ClientID:   "client-1",
		PrimaryID:  "coach-1",
		LeadSource: commission.LeadCompanyDriven,
	})
	require.NoError(t, err)

	require.Len(t, res.Lines, 1)
	line := res.Lines[0]
	assert.Equal(t, commission.EarnerID("coach-1"), line.EarnerID)
	assertMoney(t, "48.50", line.Commission)
	assertMoney(t, "97", res.Basis)

	basis, ok := line.Basis.(commission.StandardBasis)
	require.True(t, ok, "expected StandardBasis, got %T", line.Basis)
	assertMoney(t, "0.50", basis.AppliedRate)
	assert.Equal(t, commission.RateGlobal, basis.RateSource)
	assert.Equal(t, commission.LeadCompanyDriven, basis.LeadSource)
}

func TestSplitCalculator_RoundsHalfAwayFromZero(t *testing.T) {
	// 33.35 * 0.70 = 23.345 -> 23.35
	res, err := newCalculator().Calculate(commission.SplitInput{
		Payment:    payment("33.35", "0"),
		PrimaryID:  "seller-1",
		LeadSource: commission.LeadSelfGenerated,
	})
	require.NoError(t, err)

	require.Len(t, res.Lines, 1)
	assertMoney(t, "23.35", res.Lines[0].Commission)
}

func TestSplitCalculator_RoundingHeldBelowBasis(t *testing.T) {
	// 0.01 * 0.50 = 0.005 rounds to 0.01, the whole basis; booked as 0.00.
	// 0.03 * 0.50 = 0.015 -> 0.02 is already below basis and kept.
	for gross, want := range map[string]string{"0.01": "0.00", "0.03": "0.02", "0.02": "0.01"} {
		res, err := newCalculator().Calculate(commission.SplitInput{
			Payment:    payment(gross, "0"),
			PrimaryID:  "seller-1",
			LeadSource: commission.LeadCompanyDriven,
		})
		require.NoError(t, err)
		require.Len(t, res.Lines, 1)
		assertMoney(t, want, res.Lines[0].Commission, "gross %s", gross)
	}
}

func TestSplitCalculator_ZeroOrNegativeBasis_Skipped(t *testing.T) {
	for _, tc := range []struct{ gross, fee string }{
		{"0", "0"},
		{"5.00", "5.00"},
		{"5.00", "7.00"},
	} {
		res, err := newCalculator().Calculate(commission.SplitInput{
			Payment:    payment(tc.gross, tc.fee),
			PrimaryID:  "seller-1",
			LeadSource: commission.LeadSelfGenerated,
		})
		require.NoError(t, err)
		assert.True(t, res.Skipped, "gross %s fee %s", tc.gross, tc.fee)
		assert.Empty(t, res.Lines)
	}
}

func TestSplitCalculator_NoEarner_Fails(t *testing.T) {
	_, err := newCalculator().Calculate(commission.SplitInput{
		Payment:    payment("100.00", "0"),
		ClientID:   "client-1",
		LeadSource: commission.LeadCompanyDriven,
	})

	assert.ErrorIs(t, err, commission.ErrNoEarner)
}

func TestSplitCalculator_ExplicitSplits_AuthoritativeInRowOrder(t *testing.T) {
	// GIVEN: 60/40 splits on a $200 basis
	// WHEN: Calculating
	// THEN: 120.00 and 80.00 in row order, primary earner ignored

	splits := []commission.CommissionSplit{
		{ClientID: "client-1", EarnerID: "closer", Role: "closer", Percentage: dec("60")},
		{ClientID: "client-1", EarnerID: "setter", Role: "setter", Percentage: dec("40")},
	}
	res, err := newCalculator().Calculate(commission.SplitInput{
		Payment:    payment("200.00", "0"),
		ClientID:   "client-1",
		Splits:     splits,
		PrimaryID:  "someone-else",
		LeadSource: commission.LeadSelfGenerated,
	})
	require.NoError(t, err)

	require.Len(t, res.Lines, 2)
	assert.Equal(t, commission.EarnerID("closer"), res.Lines[0].EarnerID)
	assertMoney(t, "120.00", res.Lines[0].Commission)
	assert.Equal(t, commission.EarnerID("setter"), res.Lines[1].EarnerID)
	assertMoney(t, "80.00", res.Lines[1].Commission)
	assert.Empty(t, res.Warnings)

	basis, ok := res.Lines[0].Basis.(commission.SplitBasis)
	require.True(t, ok)
	assert.Equal(t, "closer", basis.Role)
	assertMoney(t, "60", basis.Percentage)
}

func TestSplitCalculator_UnderAllocatedSplits_WarnWithoutRemainder(t *testing.T) {
	splits := []commission.CommissionSplit{
		{ClientID: "client-1", EarnerID: "closer", Percentage: dec("50")},
		{ClientID: "client-1", EarnerID: "setter", Percentage: dec("30")},
	}
	res, err := newCalculator().Calculate(commission.SplitInput{
		Payment:   payment("100.00", "0"),
		ClientID:  "client-1",
		Splits:    splits,
		PrimaryID: "closer",
	})
	require.NoError(t, err)

	require.Len(t, res.Lines, 2, "no remainder line for the primary earner")
	assertMoney(t, "80.00", res.Total())
	assertMoney(t, "80", res.SplitTotal)
	assert.Equal(t, []commission.Warning{commission.WarnSplitsUnderAllocated}, res.Warnings)
}

func TestSplitCalculator_InvalidSplits_Rejected(t *testing.T) {
	cases := map[string][]commission.CommissionSplit{
		"over 100": {
			{EarnerID: "a", Percentage: dec("70")},
			{EarnerID: "b", Percentage: dec("40")},
		},
		"negative": {
			{EarnerID: "a", Percentage: dec("-10")},
		},
		"duplicate earner": {
			{EarnerID: "a", Percentage: dec("30")},
			{EarnerID: "a", Percentage: dec("30")},
		},
		"missing earner": {
			{EarnerID: "", Percentage: dec("30")},
		},
	}

	for name, splits := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newCalculator().Calculate(commission.SplitInput{
				Payment:  payment("100.00", "0"),
				ClientID: "client-1",
				Splits:   splits,
			})
			assert.ErrorIs(t, err, commission.ErrInvalidSplit)

			var splitErr *commission.SplitError
			require.ErrorAs(t, err, &splitErr)
			assert.Equal(t, commission.ClientID("client-1"), splitErr.ClientID)
		})
	}
}

func TestSplitCalculator_TotalNeverExceedsBasis(t *testing.T) {
	calc := newCalculator()
	for _, gross := range []string{"0.01", "0.99", "1.00", "19.99", "1234.57", "99999.99"} {
		for _, source := range []commission.LeadSource{commission.LeadCompanyDriven, commission.LeadSelfGenerated} {
			res, err := calc.Calculate(commission.SplitInput{
				Payment:    payment(gross, "0"),
				PrimaryID:  "e-1",
				LeadSource: source,
			})
			require.NoError(t, err)
			assert.True(t, res.Total().LessThan(res.Basis), "gross %s source %s", gross, source)
		}
	}
}

// =============================================================================
// PERIOD RESOLVER
// =============================================================================

func TestPeriodResolver_DateInsideFirstPeriod(t *testing.T) {
	// GIVEN: 14-day cycle anchored Monday 2024-01-01, paid Fridays
	// WHEN: Resolving 2024-01-10
	// THEN: [01-01, 01-14], paid on the first Friday on/after 01-14

	r := commission.NewPeriodResolver(commission.DefaultPeriodConfig())
	p := r.PeriodFor(commission.NewDate(2024, time.January, 10))

	assert.Equal(t, "2024-01-01", p.Start.String())
	assert.Equal(t, "2024-01-14", p.End.String())
	assert.Equal(t, "2024-01-19", p.PayoutDate.String())
	assert.Equal(t, time.Friday, p.PayoutDate.Weekday())
}

func TestPeriodResolver_Boundaries(t *testing.T) {
	r := commission.NewPeriodResolver(commission.DefaultPeriodConfig())

	assert.Equal(t, "2024-01-01", r.PeriodStart(commission.NewDate(2024, time.January, 1)).String())
	assert.Equal(t, "2024-01-01", r.PeriodStart(commission.NewDate(2024, time.January, 14)).String())
	assert.Equal(t, "2024-01-15", r.PeriodStart(commission.NewDate(2024, time.January, 15)).String())
}

func TestPeriodResolver_DatesBeforeAnchor_FloorToEarlierPeriods(t *testing.T) {
	r := commission.NewPeriodResolver(commission.DefaultPeriodConfig())

	p := r.PeriodFor(commission.NewDate(2023, time.December, 31))

	assert.Equal(t, "2023-12-18", p.Start.String())
	assert.Equal(t, "2023-12-31", p.End.String())
}

func TestPeriodResolver_PayoutOnPeriodEndWeekday(t *testing.T) {
	// End date already on the payout weekday pays the same day.
	r := commission.NewPeriodResolver(commission.PeriodConfig{
		AnchorDate:    commission.NewDate(2024, time.January, 1),
		LengthDays:    5, // Mon..Fri
		PayoutWeekday: time.Friday,
	})

	p := r.PeriodFor(commission.NewDate(2024, time.January, 3))

	assert.Equal(t, "2024-01-05", p.End.String())
	assert.Equal(t, "2024-01-05", p.PayoutDate.String())
}

func TestPeriodResolver_NextAndPrevious_AreContiguous(t *testing.T) {
	r := commission.NewPeriodResolver(commission.DefaultPeriodConfig())
	p := r.PeriodFor(commission.NewDate(2024, time.March, 20))

	next := r.Next(p)
	prev := r.Previous(p)

	assert.Equal(t, p.End.AddDays(1), next.Start)
	assert.Equal(t, p.Start.AddDays(-1), prev.End)
	assert.True(t, p.Contains(commission.NewDate(2024, time.March, 20)))
	assert.False(t, next.Contains(commission.NewDate(2024, time.March, 20)))
}

// =============================================================================
// CALCULATION BASIS ENCODING
// =============================================================================

func TestCalculationBasis_EncodeDecode(t *testing.T) {
	for _, b := range []commission.CalculationBasis{
		commission.StandardBasis{LeadSource: commission.LeadSelfGenerated, AppliedRate: dec("0.7"), RateSource: commission.RateGlobal},
		commission.SplitBasis{Role: "setter", Percentage: dec("40")},
	} {
		data, err := commission.EncodeBasis(b)
		require.NoError(t, err)

		got, err := commission.DecodeBasis(data)
		require.NoError(t, err)
		assert.Equal(t, b.Kind(), got.Kind())
	}

	_, err := commission.DecodeBasis([]byte(`{"kind":"mystery"}`))
	assert.Error(t, err)
}
