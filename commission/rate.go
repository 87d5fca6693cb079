package commission

import "github.com/shopspring/decimal"

// =============================================================================
// RATE RESOLVER
// =============================================================================

// RateDefaults are the global commission rates. They are injected from
// configuration; nothing in this package hard-codes them.
type RateDefaults struct {
	CompanyLeadRate decimal.Decimal
	SelfGenRate     decimal.Decimal
}

// DefaultRates returns 50% for company-driven leads and 70% for
// self-generated ones.
func DefaultRates() RateDefaults {
	return RateDefaults{
		CompanyLeadRate: decimal.RequireFromString("0.50"),
		SelfGenRate:     decimal.RequireFromString("0.70"),
	}
}

// ResolvedRate is the rate applied to one earner's basis.
type ResolvedRate struct {
	Rate   decimal.Decimal
	Source RateSource
}

// RateResolver picks an earner's rate for a lead source. It is pure and
// never fails: a missing earner, missing config, or unusable override
// falls back to the global default.
type RateResolver struct {
	Defaults RateDefaults
}

func NewRateResolver(defaults RateDefaults) *RateResolver {
	return &RateResolver{Defaults: defaults}
}

func (r *RateResolver) Resolve(earner *Earner, source LeadSource) ResolvedRate {
	global := r.Defaults.SelfGenRate
	if source.IsCompanyDriven() {
		global = r.Defaults.CompanyLeadRate
	}

	if earner == nil || earner.Config == nil {
		return ResolvedRate{Rate: global, Source: RateGlobal}
	}

	override := earner.Config.SelfGenRate
	if source.IsCompanyDriven() {
		override = earner.Config.CompanyLeadRate
	}
	if override == nil || !validRate(*override) {
		return ResolvedRate{Rate: global, Source: RateGlobal}
	}
	return ResolvedRate{Rate: *override, Source: RateOverride}
}

// validRate accepts [0, 1). A rate of 1 would hand the whole basis to the
// earner, which the calculator guarantees never happens without splits.
func validRate(r decimal.Decimal) bool {
	return !r.IsNegative() && r.LessThan(decimal.NewFromInt(1))
}
