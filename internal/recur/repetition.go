package recur

import (
	"errors"
	"time"
)

// Repetition is a fixed-interval sub-repetition nested within each
// recurrence: the recurrence itself (repeat 0) followed by Count further
// triggers spaced Interval apart.
type Repetition struct {
	Interval time.Duration
	Count    int
}

func (r Repetition) IsZero() bool { return r.Count <= 0 || r.Interval <= 0 }

// Total is the span from the recurrence to its last repetition.
func (r Repetition) Total() time.Duration {
	if r.IsZero() {
		return 0
	}
	return time.Duration(r.Count) * r.Interval
}

// Validate checks the repetition fits inside a recurrence whose shortest
// gap is period. A zero period (single occurrence) imposes no bound.
func (r Repetition) Validate(period time.Duration, dateOnly bool) error {
	if r.IsZero() {
		return nil
	}
	if dateOnly && r.Interval%(24*time.Hour) != 0 {
		return errors.New("repetition: date-only alarms repeat in whole days")
	}
	if period > 0 && r.Total() >= period {
		return errors.New("repetition: longer than the recurrence interval")
	}
	return nil
}

// At returns repeat n of base. Date-only repetitions step in calendar days.
func (r Repetition) At(base DateTime, n int) DateTime {
	if n <= 0 || r.IsZero() {
		return base
	}
	if base.DateOnly {
		return base.AddDays(n * int(r.Interval/(24*time.Hour)))
	}
	return DateTime{Time: base.Time.Add(time.Duration(n) * r.Interval)}
}

// NextCount returns the smallest repeat number n in 1..Count whose
// effective time is strictly after the reference time, or 0 if none.
func (r Repetition) NextCount(base DateTime, after time.Time, c *Context) int {
	if r.IsZero() {
		return 0
	}
	n := 1
	if elapsed := after.Sub(base.Effective(c)); elapsed > 0 {
		n = int(elapsed/r.Interval) + 1
	}
	// The estimate can be off by one around DST changes for date-only
	// repetitions.
	for n > 1 && r.At(base, n-1).Effective(c).After(after) {
		n--
	}
	for n <= r.Count && !r.At(base, n).Effective(c).After(after) {
		n++
	}
	if n > r.Count {
		return 0
	}
	return n
}

// PrevCount returns the largest repeat number n in 1..Count whose
// effective time is strictly before the reference time, or 0 if none.
func (r Repetition) PrevCount(base DateTime, before time.Time, c *Context) int {
	if r.IsZero() {
		return 0
	}
	elapsed := before.Sub(base.Effective(c))
	if elapsed <= 0 {
		return 0
	}
	n := int(elapsed / r.Interval)
	if n > r.Count {
		n = r.Count
	}
	for n < r.Count && r.At(base, n+1).Effective(c).Before(before) {
		n++
	}
	for n > 0 && !r.At(base, n).Effective(c).Before(before) {
		n--
	}
	return n
}
