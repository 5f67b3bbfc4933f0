package engine

import (
	"time"

	"alarmd/internal/action"
	"alarmd/internal/event"
	appLog "alarmd/internal/log"
	"alarmd/internal/recur"
)

func (e *Engine) handleEntry(entry *Entry) Result {
	ev, res := e.find(entry)
	if res != nil {
		return *res
	}
	r := e.handleEvent(&ev, entry.Kind == KindTrigger, false)
	r.EventID = ev.ID
	return r
}

// lateness is the verdict on a due instance of a late-cancel event.
type lateness int

const (
	onTime lateness = iota
	// tooLate means the instance is skipped and the event moves on.
	tooLate
	// expired means the final occurrence has lapsed; the event is done.
	expired
)

// handleEvent scans the event's instances in priority order and executes
// at most one that is due. Instances that are excluded by working time or
// holidays, or that are too late, are rescheduled or cancelled on the way;
// every such change restarts the scan. The calendar is written at most
// once per pass.
func (e *Engine) handleEvent(ev *event.Event, trigger, atLogin bool) Result {
	c := e.ctx()
	now := e.clock.Now()
	dirty := false

	var (
		toExec   event.Alarm
		selected bool
	)
	for pass := 0; ; pass++ {
		if pass >= maxRestarts {
			appLog.Warn("handle pass restarted too often", "id", ev.ID)
			break
		}
		restart := false
		selected = false
	scan:
		for _, alarm := range ev.Alarms(atLogin) {
			if alarm.Type == event.AtLoginAlarm {
				if selected {
					continue
				}
				alarm.Time = recur.At(now)
				toExec, selected = alarm, true
				continue
			}

			at := alarm.Time.Effective(c)
			if at.After(now) {
				// A timed alarm inside a repeated wall-clock hour is due
				// once the wall clock has passed it.
				if alarm.Time.DateOnly || !recur.WallClockPassed(at, now, c.Loc()) {
					continue
				}
			}

			if !alarm.Type.IsDeferral() && ev.ExcludedByWorkTimeOrHoliday(alarm.Time, c) {
				appLog.Debug("alarm excluded by work time or holiday", "id", ev.ID, "type", alarm.Type, "at", alarm.Time)
				dirty = true
				switch e.rescheduleAlarm(ev, alarm, false, at) {
				case rescheduleDeleted:
					return Result{Code: ResultOK}
				default:
					restart = true
				}
				break scan
			}

			if ev.LateCancel > 0 {
				switch e.lateness(ev, alarm, now, c) {
				case expired:
					appLog.Info("alarm expired too late", "id", ev.ID, "type", alarm.Type, "at", alarm.Time)
					e.metrics.LateCancelled()
					ev.SetArchive()
					dirty = true
					if e.cancelAlarm(ev, alarm.Type, false) {
						return Result{Code: ResultOK}
					}
					restart = true
				case tooLate:
					appLog.Info("alarm skipped as too late", "id", ev.ID, "type", alarm.Type, "at", alarm.Time)
					e.metrics.LateCancelled()
					dirty = true
					if e.rescheduleAlarm(ev, alarm, false, time.Time{}) == rescheduleDeleted {
						return Result{Code: ResultOK}
					}
					restart = true
				}
				if restart {
					break scan
				}
			}

			if !selected {
				toExec, selected = alarm, true
			}
		}
		if !restart {
			break
		}
	}

	if selected {
		st := e.exec.Execute(ev, toExec, action.FlagReschedule)
		e.metrics.Executed(toExec.Type.String(), st.String())
		return statusResult(st)
	}

	if trigger {
		alarms := ev.Alarms(false)
		if len(alarms) == 0 {
			return Result{Code: ResultNotFound, Err: ErrNotFound}
		}
		st := e.exec.Execute(ev, alarms[0], 0)
		e.metrics.Executed(alarms[0].Type.String(), st.String())
		if st == action.Blocked {
			return Result{Code: ResultBlocked}
		}
		if dirty {
			if err := e.cal.Update(ev); err != nil {
				return Result{Code: ResultFailed, Err: err}
			}
		}
		return statusResult(st)
	}

	if dirty {
		if err := e.cal.Update(ev); err != nil {
			return Result{Code: ResultFailed, Err: err}
		}
	}
	return Result{Code: ResultOK}
}

func statusResult(st action.Status) Result {
	switch st {
	case action.Blocked:
		return Result{Code: ResultBlocked}
	case action.Failed:
		return Result{Code: ResultFailed}
	default:
		return Result{Code: ResultOK}
	}
}

// lateness decides whether a due instance of a late-cancel event may
// still trigger. A timed alarm may be up to MaxLateness late; a date-only
// alarm until the end of the day LateCancel/1440 days after its date, and
// at least MaxLateness after its start-of-day. When the instance is too
// late, the most recent occurrence decides: if that is also too late and
// it was the final one, the event has expired.
func (e *Engine) lateness(ev *event.Event, alarm event.Alarm, now time.Time, c *recur.Context) lateness {
	if withinLateness(alarm.Time, ev.LateCancel, now, c) {
		return onTime
	}
	typ, prev := ev.PreviousOccurrence(now, true, c)
	if typ == recur.NoOccurrence {
		return tooLate
	}
	if withinLateness(prev, ev.LateCancel, now, c) {
		return onTime
	}
	return finalVerdict(ev, typ)
}

func withinLateness(dt recur.DateTime, lateCancel int, now time.Time, c *recur.Context) bool {
	limit := recur.MaxLateness(lateCancel)
	if now.Sub(dt.Effective(c)) <= limit {
		return true
	}
	if dt.DateOnly {
		maxDays := lateCancel / (24 * 60)
		return now.Before(dt.AddDays(maxDays + 1).Effective(c))
	}
	return false
}

func finalVerdict(ev *event.Event, typ recur.OccurType) lateness {
	if typ == recur.LastRecurrence || (typ == recur.FirstOrOnly && !ev.Recurs()) {
		return expired
	}
	return tooLate
}
