package event

import (
	"sort"
	"time"

	"alarmd/internal/recur"
)

// AlarmType tags one alarm instance of an event.
type AlarmType int

const (
	MainAlarm AlarmType = iota
	ReminderAlarm
	DeferredAlarm
	DeferredReminderAlarm
	AtLoginAlarm
	DisplayingAlarm
)

func (t AlarmType) String() string {
	switch t {
	case MainAlarm:
		return "main"
	case ReminderAlarm:
		return "reminder"
	case DeferredAlarm:
		return "deferred"
	case DeferredReminderAlarm:
		return "deferred-reminder"
	case AtLoginAlarm:
		return "at-login"
	case DisplayingAlarm:
		return "displaying"
	default:
		return "unknown"
	}
}

// IsDeferral reports whether t is one of the deferral instances.
func (t AlarmType) IsDeferral() bool {
	return t == DeferredAlarm || t == DeferredReminderAlarm
}

// IsReminder reports whether t is a reminder or a deferred reminder.
func (t AlarmType) IsReminder() bool {
	return t == ReminderAlarm || t == DeferredReminderAlarm
}

// Alarm is one concrete trigger derived from an event.
type Alarm struct {
	Type AlarmType
	Time recur.DateTime
}

// Alarms returns the event's pending instances in evaluation order: main,
// reminder, deferral, then at-login and displaying. At-login instances are
// only included when asked for; their time is the event start and the
// caller substitutes the login time.
func (e *Event) Alarms(includeAtLogin bool) []Alarm {
	if e.Category == Displaying {
		if e.DisplayingAt.IsZero() {
			return nil
		}
		return []Alarm{{Type: DisplayingAlarm, Time: e.DisplayingAt}}
	}
	var out []Alarm
	if main, ok := e.mainAlarm(); ok {
		out = append(out, main)
	}
	if r, ok := e.reminderAlarm(); ok {
		out = append(out, r)
	}
	if !e.DeferralTime.IsZero() {
		t := DeferredAlarm
		if e.DeferralReminder {
			t = DeferredReminderAlarm
		}
		out = append(out, Alarm{Type: t, Time: e.DeferralTime})
	}
	if includeAtLogin && e.RepeatAtLogin {
		out = append(out, Alarm{Type: AtLoginAlarm, Time: e.Start})
	}
	return out
}

// Alarm returns the pending instance of type t.
func (e *Event) Alarm(t AlarmType) (Alarm, bool) {
	for _, a := range e.Alarms(true) {
		if a.Type == t {
			return a, true
		}
	}
	return Alarm{}, false
}

// AlarmCount is the number of pending instances, at-login included.
func (e *Event) AlarmCount() int { return len(e.Alarms(true)) }

func (e *Event) mainAlarm() (Alarm, bool) {
	if e.MainExpired || e.NextMain.IsZero() {
		return Alarm{}, false
	}
	return Alarm{Type: MainAlarm, Time: e.MainTime()}, true
}

func (e *Event) reminderAlarm() (Alarm, bool) {
	if !e.ReminderActive || e.ReminderMinutes == 0 {
		return Alarm{}, false
	}
	if e.ReminderMinutes > 0 {
		// A reminder before only precedes the recurrence itself, not its
		// sub-repetitions.
		if e.MainExpired || e.NextMain.IsZero() || e.MainRepeat > 0 {
			return Alarm{}, false
		}
		return Alarm{Type: ReminderAlarm, Time: offsetMinutes(e.NextMain, -e.ReminderMinutes)}, true
	}
	if e.ReminderAfterBase.IsZero() {
		return Alarm{}, false
	}
	return Alarm{Type: ReminderAlarm, Time: offsetMinutes(e.ReminderAfterBase, -e.ReminderMinutes)}, true
}

// offsetMinutes shifts dt by m minutes. Date-only values move in whole
// days.
func offsetMinutes(dt recur.DateTime, m int) recur.DateTime {
	if dt.DateOnly {
		return dt.AddDays(m / (24 * 60))
	}
	return recur.At(dt.Time.Add(time.Duration(m) * time.Minute))
}

// NextTrigger returns the earliest pending instance, excluding at-login
// ones which have no time of their own.
func (e *Event) NextTrigger(c *recur.Context) (Alarm, bool) {
	alarms := e.Alarms(false)
	if len(alarms) == 0 {
		return Alarm{}, false
	}
	sort.SliceStable(alarms, func(i, j int) bool {
		return alarms[i].Time.Effective(c).Before(alarms[j].Time.Effective(c))
	})
	return alarms[0], true
}

// RemoveExpiredAlarm drops the instance of type t after it has fired or
// lapsed.
func (e *Event) RemoveExpiredAlarm(t AlarmType) {
	switch t {
	case MainAlarm:
		e.MainExpired = true
		e.RepeatAtLogin = false
		if e.ReminderMinutes > 0 {
			e.ReminderActive = false
		}
	case ReminderAlarm:
		e.ReminderActive = false
		e.ReminderAfterBase = recur.DateTime{}
	case DeferredAlarm, DeferredReminderAlarm:
		e.DeferralTime = recur.DateTime{}
		e.DeferralReminder = false
	case AtLoginAlarm:
		e.RepeatAtLogin = false
	case DisplayingAlarm:
		e.DisplayingAt = recur.DateTime{}
	}
}

// ActivateReminderAfter arms a reminder configured to follow the main
// alarm, measured from mainTime.
func (e *Event) ActivateReminderAfter(mainTime recur.DateTime) {
	if e.ReminderMinutes >= 0 || mainTime.IsZero() {
		return
	}
	e.ReminderActive = true
	e.ReminderAfterBase = mainTime
}
