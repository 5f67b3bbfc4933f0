package event

import (
	"time"

	"alarmd/internal/recur"
)

// maxExclusionSkips bounds how many excluded occurrences SetNextOccurrence
// steps over before giving up.
const maxExclusionSkips = 1000

type occurrence struct {
	typ    recur.OccurType
	base   recur.DateTime
	repeat int
	at     recur.DateTime
}

// NextOccurrence returns the first trigger of the main alarm strictly
// after the reference time. Sub-repetitions are considered when
// includeRepeats is set.
func (e *Event) NextOccurrence(after time.Time, includeRepeats bool, c *recur.Context) (recur.OccurType, recur.DateTime) {
	o := e.nextOccurrence(after, includeRepeats, c)
	return o.typ, o.at
}

// PreviousOccurrence returns the last trigger of the main alarm strictly
// before the reference time.
func (e *Event) PreviousOccurrence(before time.Time, includeRepeats bool, c *recur.Context) (recur.OccurType, recur.DateTime) {
	if e.Recurrence == nil {
		if !e.Start.IsZero() && e.Start.Effective(c).Before(before) {
			return recur.FirstOrOnly, e.Start
		}
		return recur.NoOccurrence, recur.DateTime{}
	}
	prev, ok := e.Recurrence.Prev(before, c)
	if !ok {
		return recur.NoOccurrence, recur.DateTime{}
	}
	typ := e.Recurrence.Classify(prev)
	if includeRepeats {
		if n := e.Repetition.PrevCount(prev, before, c); n > 0 {
			return typ | recur.Repeat, e.Repetition.At(prev, n)
		}
	}
	return typ, prev
}

func (e *Event) nextOccurrence(after time.Time, includeRepeats bool, c *recur.Context) occurrence {
	if e.Recurrence == nil {
		if !e.Start.IsZero() && e.Start.Effective(c).After(after) {
			return occurrence{typ: recur.FirstOrOnly, base: e.Start, at: e.Start}
		}
		return occurrence{}
	}
	next, ok := e.Recurrence.Next(after, c)
	if includeRepeats && !e.Repetition.IsZero() {
		// A sub-repetition of the recurrence at or before the reference
		// time may come before the next recurrence.
		if prev, pok := e.Recurrence.Prev(after.Add(time.Nanosecond), c); pok {
			if n := e.Repetition.NextCount(prev, after, c); n > 0 {
				at := e.Repetition.At(prev, n)
				if !ok || at.Effective(c).Before(next.Effective(c)) {
					return occurrence{typ: e.Recurrence.Classify(prev) | recur.Repeat, base: prev, repeat: n, at: at}
				}
			}
		}
	}
	if !ok {
		return occurrence{}
	}
	return occurrence{typ: e.Recurrence.Classify(next), base: next, at: next}
}

// ExcludedByWorkTimeOrHoliday reports whether a trigger at dt is
// suppressed by the event's working-time or holiday restrictions under the
// current context.
func (e *Event) ExcludedByWorkTimeOrHoliday(dt recur.DateTime, c *recur.Context) bool {
	return c.Excluded(dt, e.WorkTimeOnly, e.ExcludeHolidays)
}

// SetNextOccurrence moves the main alarm to its first trigger after ref
// that is not excluded by working time or holidays. It returns
// NoOccurrence, leaving the event unchanged, if the main alarm has no
// further trigger.
//
// When the recurrence itself advances, any deferral is dropped, the
// reminder before is re-armed (unless once-only) and a reminder after is
// activated for the main trigger that has passed.
func (e *Event) SetNextOccurrence(ref time.Time, c *recur.Context) (recur.OccurType, recur.DateTime) {
	prevMain := e.MainTime()
	t := ref
	for i := 0; i < maxExclusionSkips; i++ {
		o := e.nextOccurrence(t, true, c)
		if o.typ == recur.NoOccurrence {
			return recur.NoOccurrence, recur.DateTime{}
		}
		if e.ExcludedByWorkTimeOrHoliday(o.at, c) {
			t = o.at.Effective(c)
			continue
		}
		advanced := !o.base.Equal(e.NextMain)
		e.NextMain = o.base
		e.MainRepeat = o.repeat
		e.MainExpired = false
		if advanced {
			e.DeferralTime = recur.DateTime{}
			e.DeferralReminder = false
			e.ReminderActive = e.ReminderMinutes > 0 && !e.ReminderOnceOnly
			if !prevMain.IsZero() && !prevMain.Effective(c).After(ref) {
				e.ActivateReminderAfter(prevMain)
			}
		}
		return o.typ, o.at
	}
	return recur.NoOccurrence, recur.DateTime{}
}
