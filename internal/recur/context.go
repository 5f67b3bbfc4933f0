package recur

import (
	"sync/atomic"
	"time"

	"alarmd/internal/clock"
)

// Context carries the scheduling preferences every occurrence calculation
// depends on: zone, start-of-day for date-only alarms, working time,
// holidays and the clock. A Context is never mutated after construction;
// preference changes install a new one through Settings.
type Context struct {
	Location   *time.Location
	StartOfDay time.Duration

	WorkDays  []time.Weekday
	WorkStart time.Duration
	WorkEnd   time.Duration

	// Holidays maps "2006-01-02" to a holiday name.
	Holidays map[string]string

	Clock clock.Clock
}

// DefaultContext returns a Monday to Friday, 09:00-17:00 context in the
// local zone with a midnight start-of-day.
func DefaultContext() *Context {
	return &Context{
		Location:   time.Local,
		StartOfDay: 0,
		WorkDays:   []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		WorkStart:  9 * time.Hour,
		WorkEnd:    17 * time.Hour,
		Holidays:   map[string]string{},
		Clock:      clock.Real{},
	}
}

// Now returns the context's current time.
func (c *Context) Now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

func (c *Context) location() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// Loc returns the context's zone, defaulting to the local zone.
func (c *Context) Loc() *time.Location { return c.location() }

// IsWorkDay reports whether wd is a configured working day.
func (c *Context) IsWorkDay(wd time.Weekday) bool {
	for _, d := range c.WorkDays {
		if d == wd {
			return true
		}
	}
	return false
}

// HolidayName returns the name of the holiday falling on t's date in the
// context zone, if any.
func (c *Context) HolidayName(t time.Time) (string, bool) {
	if len(c.Holidays) == 0 {
		return "", false
	}
	name, ok := c.Holidays[t.In(c.location()).Format(dateLayout)]
	return name, ok
}

// Excluded reports whether an alarm at dt must not trigger because it
// falls outside working time (workTimeOnly) or on a holiday
// (excludeHolidays). Date-only alarms are only checked for the day.
func (c *Context) Excluded(dt DateTime, workTimeOnly, excludeHolidays bool) bool {
	if dt.IsZero() || (!workTimeOnly && !excludeHolidays) {
		return false
	}
	t := dt.Effective(c).In(c.location())
	if excludeHolidays {
		if _, ok := c.HolidayName(t); ok {
			return true
		}
	}
	if !workTimeOnly {
		return false
	}
	if !c.IsWorkDay(t.Weekday()) {
		return true
	}
	if dt.DateOnly {
		return false
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	tod := t.Sub(midnight)
	return tod < c.WorkStart || tod >= c.WorkEnd
}

// Settings holds the current Context and lets it be swapped atomically
// while the scheduler is running.
type Settings struct {
	cur atomic.Pointer[Context]
}

// NewSettings returns Settings holding c (DefaultContext when nil).
func NewSettings(c *Context) *Settings {
	if c == nil {
		c = DefaultContext()
	}
	s := &Settings{}
	s.cur.Store(c)
	return s
}

// Context returns the active context.
func (s *Settings) Context() *Context {
	return s.cur.Load()
}

// Replace installs c as the active context.
func (s *Settings) Replace(c *Context) {
	if c != nil {
		s.cur.Store(c)
	}
}
