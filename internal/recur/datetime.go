package recur

import (
	"errors"
	"time"

	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// DateTime is an alarm time that is either a full timestamp or a date
// without a time of day. Date-only values are stored as midnight of the
// date in their own location and compared at the context's start-of-day.
type DateTime struct {
	Time     time.Time
	DateOnly bool
}

// At returns a timed DateTime.
func At(t time.Time) DateTime {
	return DateTime{Time: t}
}

// OnDate returns a date-only DateTime for the given calendar day.
func OnDate(year int, month time.Month, day int, loc *time.Location) DateTime {
	if loc == nil {
		loc = time.Local
	}
	return DateTime{Time: time.Date(year, month, day, 0, 0, 0, 0, loc), DateOnly: true}
}

// DateOf truncates t to a date-only value in t's location.
func DateOf(t time.Time) DateTime {
	return OnDate(t.Year(), t.Month(), t.Day(), t.Location())
}

func (d DateTime) IsZero() bool { return d.Time.IsZero() }

// Effective returns the instant at which d triggers under c.
func (d DateTime) Effective(c *Context) time.Time {
	if !d.DateOnly || d.Time.IsZero() {
		return d.Time
	}
	sod := c.StartOfDay
	loc := c.location()
	return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(),
		int(sod/time.Hour), int(sod%time.Hour/time.Minute), 0, 0, loc)
}

// AddDays shifts d by n calendar days, keeping the wall-clock time.
func (d DateTime) AddDays(n int) DateTime {
	return DateTime{Time: d.Time.AddDate(0, 0, n), DateOnly: d.DateOnly}
}

// Equal reports whether both values denote the same trigger.
func (d DateTime) Equal(o DateTime) bool {
	return d.DateOnly == o.DateOnly && d.Time.Equal(o.Time)
}

func (d DateTime) String() string {
	if d.Time.IsZero() {
		return "-"
	}
	if d.DateOnly {
		return d.Time.Format(dateLayout)
	}
	return d.Time.Format(time.RFC3339)
}

// ParseDateTime accepts "2006-01-02" (date-only) or RFC 3339 text.
func ParseDateTime(s string, loc *time.Location) (DateTime, error) {
	if s == "" {
		return DateTime{}, errors.New("empty date/time")
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return DateTime{Time: t, DateOnly: true}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		if t2, err2 := time.ParseInLocation("2006-01-02T15:04", s, loc); err2 == nil {
			return At(t2), nil
		}
		return DateTime{}, err
	}
	return At(t), nil
}

func (d DateTime) MarshalYAML() (any, error) {
	if d.Time.IsZero() {
		return "", nil
	}
	if d.DateOnly {
		return d.Time.Format(dateLayout), nil
	}
	return d.Time.Format(time.RFC3339Nano), nil
}

func (d *DateTime) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = DateTime{}
		return nil
	}
	if t, err := time.ParseInLocation(dateLayout, s, time.Local); err == nil {
		*d = DateTime{Time: t, DateOnly: true}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*d = At(t)
	return nil
}

// WallClockPassed reports whether the local wall-clock reading of at is
// not later than that of now. Across a daylight-saving fold an instant
// that is still in the future can carry a wall-clock time that has
// already gone by.
func WallClockPassed(at, now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	return !naive(at.In(loc)).After(naive(now.In(loc)))
}

func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
