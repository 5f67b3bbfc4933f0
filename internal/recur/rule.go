package recur

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Frequency is the recurrence period unit.
type Frequency int

const (
	Minutely Frequency = iota + 1
	Hourly
	Daily
	Weekly
	Monthly
	Yearly
)

func (f Frequency) String() string {
	switch f {
	case Minutely:
		return "minutely"
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Yearly:
		return "yearly"
	default:
		return "unknown"
	}
}

// RuleSpec describes a recurrence in user terms.
type RuleSpec struct {
	Freq     Frequency
	Interval int
	// Count limits the number of recurrences; Until limits their end
	// time. At most one should be set; neither means unlimited.
	Count     int
	Until     time.Time
	Weekdays  []time.Weekday
	MonthDays []int
	ExDates   []time.Time
}

// Rule is an immutable recurrence anchored at a start date/time. It is
// backed by an rrule.Set so exception dates are honoured.
type Rule struct {
	start   DateTime
	spec    RuleSpec
	rrule   *rrule.RRule
	set     *rrule.Set
	first   time.Time
	exdates []time.Time
}

// maxProbe bounds the probing loops used to align date-only occurrences
// with the start-of-day.
const maxProbe = 4

// NewRule builds a Rule from spec anchored at start.
func NewRule(start DateTime, spec RuleSpec) (*Rule, error) {
	if start.IsZero() {
		return nil, errors.New("recurrence: start is zero")
	}
	freq, err := toRRuleFreq(spec.Freq)
	if err != nil {
		return nil, err
	}
	opt := rrule.ROption{
		Freq:       freq,
		Dtstart:    start.Time,
		Interval:   spec.Interval,
		Count:      spec.Count,
		Until:      spec.Until,
		Bymonthday: spec.MonthDays,
	}
	for _, wd := range spec.Weekdays {
		opt.Byweekday = append(opt.Byweekday, toRRuleWeekday(wd))
	}
	return build(start, opt, spec.ExDates)
}

// ParseRule builds a Rule from RFC 5545 RRULE text such as
// "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=10".
func ParseRule(start DateTime, text string, exdates []time.Time) (*Rule, error) {
	if start.IsZero() {
		return nil, errors.New("recurrence: start is zero")
	}
	text = strings.TrimPrefix(strings.TrimSpace(text), "RRULE:")
	opt, err := rrule.StrToROption(text)
	if err != nil {
		return nil, fmt.Errorf("recurrence: parse %q: %w", text, err)
	}
	opt.Dtstart = start.Time
	return build(start, *opt, exdates)
}

func build(start DateTime, opt rrule.ROption, exdates []time.Time) (*Rule, error) {
	if start.DateOnly && (opt.Freq == rrule.MINUTELY || opt.Freq == rrule.HOURLY || opt.Freq == rrule.SECONDLY) {
		return nil, errors.New("recurrence: sub-daily frequency on a date-only alarm")
	}
	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("recurrence: %w", err)
	}
	set := &rrule.Set{}
	set.RRule(rr)

	r := &Rule{start: start, rrule: rr, set: set}
	for _, ex := range exdates {
		if start.DateOnly {
			ex = time.Date(ex.Year(), ex.Month(), ex.Day(), 0, 0, 0, 0, start.Time.Location())
		} else {
			ex = ex.In(start.Time.Location())
		}
		set.ExDate(ex)
		r.exdates = append(r.exdates, ex)
	}
	r.first = set.After(start.Time, true)
	r.spec = specFromOption(opt, r.exdates)
	return r, nil
}

// Start returns the anchor the rule was built with.
func (r *Rule) Start() DateTime { return r.start }

// Spec returns the rule's description.
func (r *Rule) Spec() RuleSpec { return r.spec }

// ExDates returns a copy of the exception dates.
func (r *Rule) ExDates() []time.Time {
	out := make([]time.Time, len(r.exdates))
	copy(out, r.exdates)
	return out
}

// String returns the RRULE value text (without DTSTART).
func (r *Rule) String() string {
	opt := r.rrule.OrigOptions
	return opt.RRuleString()
}

// First returns the first recurrence.
func (r *Rule) First() (DateTime, bool) {
	if r.first.IsZero() {
		return DateTime{}, false
	}
	return r.wrap(r.first), true
}

// Next returns the earliest recurrence whose effective time is strictly
// after the reference time.
func (r *Rule) Next(after time.Time, c *Context) (DateTime, bool) {
	if !r.start.DateOnly {
		t := r.set.After(after, false)
		if t.IsZero() {
			return DateTime{}, false
		}
		return r.wrap(t), true
	}
	loc := r.start.Time.Location()
	a := after.In(loc)
	probe := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	for i := 0; i < maxProbe; i++ {
		t := r.set.After(probe, false)
		if t.IsZero() {
			return DateTime{}, false
		}
		dt := r.wrap(t)
		if dt.Effective(c).After(after) {
			return dt, true
		}
		probe = t
	}
	return DateTime{}, false
}

// Prev returns the latest recurrence whose effective time is strictly
// before the reference time.
func (r *Rule) Prev(before time.Time, c *Context) (DateTime, bool) {
	if !r.start.DateOnly {
		t := r.set.Before(before, false)
		if t.IsZero() {
			return DateTime{}, false
		}
		return r.wrap(t), true
	}
	loc := r.start.Time.Location()
	b := before.In(loc)
	probe := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 2)
	for i := 0; i < maxProbe; i++ {
		t := r.set.Before(probe, false)
		if t.IsZero() {
			return DateTime{}, false
		}
		dt := r.wrap(t)
		if dt.Effective(c).Before(before) {
			return dt, true
		}
		probe = t
	}
	return DateTime{}, false
}

// Classify returns the occurrence type of a recurrence produced by Next,
// Prev or First.
func (r *Rule) Classify(dt DateTime) OccurType {
	switch {
	case dt.IsZero():
		return NoOccurrence
	case dt.Time.Equal(r.first):
		return FirstOrOnly
	case r.set.After(dt.Time, false).IsZero():
		return LastRecurrence
	case dt.DateOnly:
		return RecurDate
	default:
		return RecurDateTime
	}
}

// MinInterval returns the shortest gap between consecutive recurrences,
// sampled from the start of the rule. It is zero when the rule yields
// fewer than two recurrences.
func (r *Rule) MinInterval() time.Duration {
	if r.first.IsZero() {
		return 0
	}
	var shortest time.Duration
	t := r.first
	for i := 0; i < 16; i++ {
		n := r.set.After(t, false)
		if n.IsZero() {
			break
		}
		if gap := n.Sub(t); shortest == 0 || gap < shortest {
			shortest = gap
		}
		t = n
	}
	return shortest
}

func (r *Rule) wrap(t time.Time) DateTime {
	return DateTime{Time: t, DateOnly: r.start.DateOnly}
}

func toRRuleFreq(f Frequency) (rrule.Frequency, error) {
	switch f {
	case Minutely:
		return rrule.MINUTELY, nil
	case Hourly:
		return rrule.HOURLY, nil
	case Daily:
		return rrule.DAILY, nil
	case Weekly:
		return rrule.WEEKLY, nil
	case Monthly:
		return rrule.MONTHLY, nil
	case Yearly:
		return rrule.YEARLY, nil
	default:
		return 0, fmt.Errorf("recurrence: unsupported frequency %d", f)
	}
}

func fromRRuleFreq(f rrule.Frequency) Frequency {
	switch f {
	case rrule.MINUTELY:
		return Minutely
	case rrule.HOURLY:
		return Hourly
	case rrule.DAILY:
		return Daily
	case rrule.WEEKLY:
		return Weekly
	case rrule.MONTHLY:
		return Monthly
	case rrule.YEARLY:
		return Yearly
	default:
		return 0
	}
}

func toRRuleWeekday(wd time.Weekday) rrule.Weekday {
	switch wd {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}

func specFromOption(opt rrule.ROption, exdates []time.Time) RuleSpec {
	spec := RuleSpec{
		Freq:      fromRRuleFreq(opt.Freq),
		Interval:  opt.Interval,
		Count:     opt.Count,
		Until:     opt.Until,
		MonthDays: append([]int(nil), opt.Bymonthday...),
		ExDates:   append([]time.Time(nil), exdates...),
	}
	if spec.Interval == 0 {
		spec.Interval = 1
	}
	for _, wd := range opt.Byweekday {
		// rrule numbers weekdays from Monday = 0.
		spec.Weekdays = append(spec.Weekdays, time.Weekday((wd.Day()+1)%7))
	}
	return spec
}
