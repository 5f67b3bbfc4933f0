package engine

import (
	"time"

	"alarmd/internal/event"
	appLog "alarmd/internal/log"
	"alarmd/internal/recur"
)

// rescheduleResult is what happened to an event after an instance fired
// or was skipped.
type rescheduleResult int

const (
	// rescheduleFuture means the event's next trigger is in the future.
	rescheduleFuture rescheduleResult = iota
	// rescheduleDue means the event is already due again.
	rescheduleDue
	// rescheduleDeleted means the event has no instances left and was
	// removed from the calendar.
	rescheduleDeleted
)

func (r rescheduleResult) String() string {
	switch r {
	case rescheduleDue:
		return "due"
	case rescheduleDeleted:
		return "deleted"
	default:
		return "future"
	}
}

// rescheduleFired is the executor's hook, run once an instance executed
// with FlagReschedule has started.
func (e *Engine) rescheduleFired(ev *event.Event, alarm event.Alarm) {
	ev.SetArchive()
	e.rescheduleAlarm(ev, alarm, true, time.Time{})
}

// rescheduleAlarm consumes alarm and moves the event on. Reminder,
// deferred and displaying instances are removed; the main alarm moves to
// its next occurrence after ref (now when zero); an at-login instance
// stays. The calendar is written only when mayUpdate is set, except that
// an event with nothing left is always deleted.
func (e *Engine) rescheduleAlarm(ev *event.Event, alarm event.Alarm, mayUpdate bool, ref time.Time) rescheduleResult {
	c := e.ctx()
	now := e.clock.Now()

	switch alarm.Type {
	case event.AtLoginAlarm:
		// The first at-login trigger also starts a reminder after.
		if !ev.ReminderActive && ev.ReminderMinutes < 0 {
			ev.ActivateReminderAfter(recur.At(now))
		}
		ev.SetArchive()

	case event.ReminderAlarm, event.DeferredAlarm, event.DeferredReminderAlarm, event.DisplayingAlarm:
		ev.RemoveExpiredAlarm(alarm.Type)
		if ev.AlarmCount() == 0 {
			return e.deleteExhausted(ev)
		}

	case event.MainAlarm:
		last := ev.MainTime()
		if ev.MainRepeat > 0 {
			last = recur.DateTime{}
		}
		if ref.IsZero() {
			ref = now
		}
		typ, _ := ev.SetNextOccurrence(ref, c)
		if typ == recur.NoOccurrence {
			ev.ActivateReminderAfter(last)
			if e.cancelAlarm(ev, event.MainAlarm, mayUpdate) {
				return rescheduleDeleted
			}
			// Written by cancelAlarm when allowed.
			mayUpdate = false
			break
		}
		if !ev.DeferralTime.IsZero() && !ev.DeferralReminder {
			ev.CancelDefer()
		}
	}

	if mayUpdate {
		if err := e.cal.Update(ev); err != nil {
			appLog.Error("reschedule write failed", err, "id", ev.ID)
		}
	}
	res := rescheduleFuture
	if next, ok := ev.NextTrigger(c); ok && !next.Time.Effective(c).After(now) {
		res = rescheduleDue
	}
	e.metrics.Rescheduled(res.String())
	appLog.Debug("alarm rescheduled", "id", ev.ID, "type", alarm.Type, "result", res, "next", ev.MainTime())
	return res
}

// cancelAlarm removes one instance for good. When the main alarm goes and
// the event is flagged for archiving, a copy is archived first. An event
// with no instances left is deleted; otherwise it is written if mayUpdate
// is set. It reports whether the event was deleted.
func (e *Engine) cancelAlarm(ev *event.Event, t event.AlarmType, mayUpdate bool) bool {
	if t == event.MainAlarm {
		e.archiveFlagged(ev)
	}
	ev.RemoveExpiredAlarm(t)
	if ev.AlarmCount() == 0 {
		e.deleteExhausted(ev)
		return true
	}
	if mayUpdate {
		if err := e.cal.Update(ev); err != nil {
			appLog.Error("cancel write failed", err, "id", ev.ID)
		}
	}
	return false
}

// archiveFlagged archives a copy of ev if it has fired and archiving is
// enabled, and clears the flag so it is archived once.
func (e *Engine) archiveFlagged(ev *event.Event) {
	if !ev.Archive || ev.Category == event.Displaying || !e.archiving() {
		return
	}
	cp := ev.Clone()
	if err := e.cal.Archive(&cp); err != nil {
		appLog.Error("archive failed", err, "id", ev.ID)
	}
	ev.Archive = false
}

// deleteExhausted removes an event with no instances left. A deferred
// non-recurring alarm has already dropped its main instance, so the
// archive copy is taken here as well.
func (e *Engine) deleteExhausted(ev *event.Event) rescheduleResult {
	e.archiveFlagged(ev)
	if err := e.cal.Delete(ev, false); err != nil {
		appLog.Error("delete expired event failed", err, "id", ev.ID)
	}
	e.clearHandled(ev.ID)
	appLog.Info("alarm finished", "id", ev.ID)
	e.metrics.Rescheduled(rescheduleDeleted.String())
	return rescheduleDeleted
}
