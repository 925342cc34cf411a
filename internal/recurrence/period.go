package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Frequency is the calendar unit a Period counts in.
type Frequency int

const (
	Seconds Frequency = iota + 1
	Minutes
	Hours
	Days
	Weeks
	Months
	Years
)

var frequencyNames = map[Frequency]string{
	Seconds: "seconds",
	Minutes: "minutes",
	Hours:   "hours",
	Days:    "days",
	Weeks:   "weeks",
	Months:  "months",
	Years:   "years",
}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("frequency(%d)", int(f))
}

// Valid reports whether f is one of the known units.
func (f Frequency) Valid() bool {
	_, ok := frequencyNames[f]
	return ok
}

// ParseFrequency accepts singular or plural unit names ("day", "Days").
func ParseFrequency(s string) (Frequency, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return 0, errors.Wrap(ErrInvalidPeriod, "empty frequency")
	}
	if !strings.HasSuffix(name, "s") {
		name += "s"
	}
	for f, n := range frequencyNames {
		if n == name {
			return f, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidPeriod, "unknown frequency %q", s)
}

// Period is a quantity of a frequency unit, e.g. "2 days".
type Period struct {
	Frequency Frequency `json:"frequency"`
	Quantity  int       `json:"quantity"`
}

// Validate rejects unknown units and non-positive quantities.
func (p Period) Validate() error {
	if !p.Frequency.Valid() {
		return errors.Wrapf(ErrInvalidPeriod, "unknown frequency %d", int(p.Frequency))
	}
	if p.Quantity <= 0 {
		return errors.Wrapf(ErrInvalidPeriod, "quantity must be positive, got %d", p.Quantity)
	}
	return nil
}

// AddTo returns t advanced by n periods. Sub-day units use exact durations,
// day and larger units use calendar arithmetic.
func (p Period) AddTo(t time.Time, n int) time.Time {
	q := p.Quantity * n
	switch p.Frequency {
	case Seconds:
		return t.Add(time.Duration(q) * time.Second)
	case Minutes:
		return t.Add(time.Duration(q) * time.Minute)
	case Hours:
		return t.Add(time.Duration(q) * time.Hour)
	case Days:
		return t.AddDate(0, 0, q)
	case Weeks:
		return t.AddDate(0, 0, 7*q)
	case Months:
		return t.AddDate(0, q, 0)
	case Years:
		return t.AddDate(q, 0, 0)
	default:
		return t
	}
}

func (p Period) String() string {
	return fmt.Sprintf("%d %s", p.Quantity, p.Frequency)
}
