package commission

import "time"

// =============================================================================
// PAY PERIOD - Fixed-length payout window
// =============================================================================

// PayPeriod is one payout window [Start, End] and the day it is paid.
type PayPeriod struct {
	Start      Date
	End        Date
	PayoutDate Date
}

// Contains returns true if the date is within [Start, End].
func (p PayPeriod) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

func (p PayPeriod) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// PeriodConfig anchors the recurring payroll calendar.
type PeriodConfig struct {
	// AnchorDate is the first day of some period; every other period is a
	// whole number of LengthDays away from it.
	AnchorDate Date

	LengthDays int

	// PayoutWeekday is paid on the first such weekday on/after period end.
	PayoutWeekday time.Weekday
}

// DefaultPeriodConfig is a 14-day cycle anchored on Monday 2024-01-01,
// paid on Fridays.
func DefaultPeriodConfig() PeriodConfig {
	return PeriodConfig{
		AnchorDate:    NewDate(2024, time.January, 1),
		LengthDays:    14,
		PayoutWeekday: time.Friday,
	}
}

// =============================================================================
// PERIOD RESOLVER - date -> period, no hidden state
// =============================================================================

type PeriodResolver struct {
	Config PeriodConfig
}

func NewPeriodResolver(cfg PeriodConfig) *PeriodResolver {
	if cfg.LengthDays <= 0 {
		cfg.LengthDays = 14
	}
	return &PeriodResolver{Config: cfg}
}

// PeriodFor returns the period containing the given date. Dates before the
// anchor resolve to earlier periods (floor division).
func (r *PeriodResolver) PeriodFor(date Date) PayPeriod {
	length := r.Config.LengthDays
	offset := DaysBetween(r.Config.AnchorDate, date)

	n := offset / length
	if offset%length != 0 && offset < 0 {
		n--
	}

	start := r.Config.AnchorDate.AddDays(n * length)
	end := start.AddDays(length - 1)
	return PayPeriod{Start: start, End: end, PayoutDate: r.payoutAfter(end)}
}

// PeriodStart is shorthand for PeriodFor(date).Start.
func (r *PeriodResolver) PeriodStart(date Date) Date {
	return r.PeriodFor(date).Start
}

// Next returns the period following p.
func (r *PeriodResolver) Next(p PayPeriod) PayPeriod {
	return r.PeriodFor(p.End.AddDays(1))
}

// Previous returns the period before p.
func (r *PeriodResolver) Previous(p PayPeriod) PayPeriod {
	return r.PeriodFor(p.Start.AddDays(-1))
}

func (r *PeriodResolver) payoutAfter(end Date) Date {
	diff := (int(r.Config.PayoutWeekday) - int(end.Weekday()) + 7) % 7
	return end.AddDays(diff)
}
