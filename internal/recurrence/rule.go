// Package recurrence computes occurrence timestamps for repeating jobs.
package recurrence

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidPeriod      = errors.New("invalid recurrence period")
	ErrUnboundedSeries    = errors.New("unbounded series: rule has no end period")
	ErrSeriesExhausted    = errors.New("series has no further occurrences")
	ErrTooManyOccurrences = errors.New("series exceeds occurrence limit")
)

// MaxOccurrences caps how many timestamps AllOccurrences will materialize.
const MaxOccurrences = 100_000

// horizon bounds NextOccurrence for rules without an end period.
var horizon = Period{Frequency: Years, Quantity: 100}

// Rule describes a repeating series: every Period starting at Start, for End.
//
// A zero Start means "now" at evaluation time. Until is an absolute cap that
// Advance pins on the first generation so a bounded series stays bounded
// once its start moves forward.
type Rule struct {
	Period          Period     `json:"period"`
	End             *Period    `json:"end,omitempty"`
	Start           time.Time  `json:"start"`
	ExcludeWeekends bool       `json:"exclude_weekends"`
	Until           *time.Time `json:"until,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	if r.End != nil {
		end := *r.End
		out.End = &end
	}
	if r.Until != nil {
		until := *r.Until
		out.Until = &until
	}
	return &out
}

// Validate checks the period and, when present, the end period.
func (r *Rule) Validate() error {
	if err := r.Period.Validate(); err != nil {
		return err
	}
	if r.End != nil {
		if err := r.End.Validate(); err != nil {
			return errors.Wrap(err, "end period")
		}
	}
	return nil
}

// Bounded reports whether the series has an end period.
func (r *Rule) Bounded() bool {
	return r.End != nil
}

func (r *Rule) start() time.Time {
	if !r.Start.IsZero() {
		return r.Start
	}
	return time.Now()
}

// boundary is the exclusive upper limit of the series starting at start.
func (r *Rule) boundary(start time.Time, end Period) time.Time {
	b := end.AddTo(start, 1)
	if r.Until != nil && r.Until.Before(b) {
		b = *r.Until
	}
	return b
}

func (r *Rule) skip(t time.Time) bool {
	if !r.ExcludeWeekends {
		return false
	}
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// NextOccurrence returns the first occurrence strictly after the start.
// Without an end period the search is bounded by a 100 year horizon.
func (r *Rule) NextOccurrence() (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	end := horizon
	if r.End != nil {
		end = *r.End
	}
	start := r.start()
	limit := r.boundary(start, end)
	for i := 1; ; i++ {
		t := r.Period.AddTo(start, i)
		if !t.Before(limit) {
			return time.Time{}, ErrSeriesExhausted
		}
		if !r.skip(t) {
			return t, nil
		}
	}
}

// FirstOccurrence returns the start itself, or the next occurrence when the
// start is a skipped weekend.
func (r *Rule) FirstOccurrence() (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	start := r.start()
	if !r.skip(start) {
		return start, nil
	}
	return r.NextOccurrence()
}

// LastOccurrence returns the final occurrence of a bounded series.
func (r *Rule) LastOccurrence() (time.Time, error) {
	all, err := r.AllOccurrences()
	if err != nil {
		return time.Time{}, err
	}
	if len(all) == 0 {
		return time.Time{}, ErrSeriesExhausted
	}
	return all[len(all)-1], nil
}

// AllOccurrences enumerates every occurrence of a bounded series, start
// included. The result is served from a shared LRU when possible.
func (r *Rule) AllOccurrences() ([]time.Time, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.End == nil {
		return nil, ErrUnboundedSeries
	}
	start := r.start()
	key := newCacheKey(r, start)
	if cached, ok := occurrences.get(key); ok {
		return cached, nil
	}

	limit := r.boundary(start, *r.End)
	var out []time.Time
	for i := 0; ; i++ {
		t := r.Period.AddTo(start, i)
		if !t.Before(limit) {
			break
		}
		if r.skip(t) {
			continue
		}
		if len(out) == MaxOccurrences {
			return nil, errors.Wrapf(ErrTooManyOccurrences, "more than %d occurrences for every %s", MaxOccurrences, r.Period)
		}
		out = append(out, t)
	}
	occurrences.add(key, out)
	return append([]time.Time(nil), out...), nil
}

// Advance returns the next occurrence and the rule the next job in the
// series should carry: a copy whose Start is that occurrence. r is not
// modified.
func (r *Rule) Advance() (time.Time, *Rule, error) {
	out := r.Clone()
	out.Start = r.start()
	next, err := out.NextOccurrence()
	if err != nil {
		return time.Time{}, nil, err
	}
	if out.End != nil && out.Until == nil {
		until := out.End.AddTo(out.Start, 1)
		out.Until = &until
	}
	out.Start = next
	return next, out, nil
}
