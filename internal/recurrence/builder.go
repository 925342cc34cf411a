package recurrence

import "time"

// PeriodBuilder picks the unit for Every(n).
type PeriodBuilder struct {
	n int
}

// Every starts a rule that repeats every n units:
//
//	recurrence.Every(2).Days().For(6).Months().ExcludingWeekends()
func Every(n int) PeriodBuilder {
	return PeriodBuilder{n: n}
}

func (b PeriodBuilder) rule(f Frequency) *Rule {
	return &Rule{Period: Period{Frequency: f, Quantity: b.n}}
}

func (b PeriodBuilder) Seconds() *Rule { return b.rule(Seconds) }
func (b PeriodBuilder) Minutes() *Rule { return b.rule(Minutes) }
func (b PeriodBuilder) Hours() *Rule   { return b.rule(Hours) }
func (b PeriodBuilder) Days() *Rule    { return b.rule(Days) }
func (b PeriodBuilder) Weeks() *Rule   { return b.rule(Weeks) }
func (b PeriodBuilder) Months() *Rule  { return b.rule(Months) }
func (b PeriodBuilder) Years() *Rule   { return b.rule(Years) }

// EndBuilder picks the unit for Rule.For(n).
type EndBuilder struct {
	rule *Rule
	n    int
}

// For bounds the series to n units past its start.
func (r *Rule) For(n int) EndBuilder {
	return EndBuilder{rule: r, n: n}
}

func (b EndBuilder) end(f Frequency) *Rule {
	b.rule.End = &Period{Frequency: f, Quantity: b.n}
	return b.rule
}

func (b EndBuilder) Seconds() *Rule { return b.end(Seconds) }
func (b EndBuilder) Minutes() *Rule { return b.end(Minutes) }
func (b EndBuilder) Hours() *Rule   { return b.end(Hours) }
func (b EndBuilder) Days() *Rule    { return b.end(Days) }
func (b EndBuilder) Weeks() *Rule   { return b.end(Weeks) }
func (b EndBuilder) Months() *Rule  { return b.end(Months) }
func (b EndBuilder) Years() *Rule   { return b.end(Years) }

// ExcludingWeekends drops Saturday and Sunday occurrences.
func (r *Rule) ExcludingWeekends() *Rule {
	r.ExcludeWeekends = true
	return r
}

// IncludingWeekends keeps Saturday and Sunday occurrences (the default).
func (r *Rule) IncludingWeekends() *Rule {
	r.ExcludeWeekends = false
	return r
}

// StartingAt anchors the series at t instead of the evaluation time.
func (r *Rule) StartingAt(t time.Time) *Rule {
	r.Start = t
	return r
}
