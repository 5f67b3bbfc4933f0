package engine

import (
	"sort"
	"time"

	"alarmd/internal/event"
	appLog "alarmd/internal/log"
	"alarmd/internal/recur"
)

// CheckNextDueAlarm queues a Handle for the earliest due alarm, or arms
// the wake timer for the earliest future one. While notifications are
// inhibited, user-visible alarms are not considered.
func (e *Engine) CheckNextDueAlarm() {
	c := e.ctx()
	now := e.clock.Now()
	inhibited := e.exec.Inhibited()

	e.mu.Lock()
	skip := make(map[string]bool, len(e.handledAt))
	e.mu.Unlock()
	skipped := false

	for {
		ev, alarm, ok := e.cal.EarliestAlarm(inhibited, skip)
		if !ok {
			if skipped {
				e.armWake(maxWake)
			} else {
				e.cancelWake()
			}
			return
		}
		at := alarm.Time.Effective(c)
		if at.After(now) && (alarm.Time.DateOnly || !recur.WallClockPassed(at, now, c.Loc())) {
			e.armWake(wakeDelay(at.Sub(now)))
			return
		}

		e.mu.Lock()
		prev, seen := e.handledAt[ev.ID]
		if seen && prev.Equal(alarm.Time) {
			e.mu.Unlock()
			// Already handled at this trigger and still due; retried on
			// the next wake.
			skip[ev.ID] = true
			skipped = true
			continue
		}
		e.handledAt[ev.ID] = alarm.Time
		e.mu.Unlock()

		appLog.Debug("alarm due", "id", ev.ID, "type", alarm.Type, "at", alarm.Time)
		e.Enqueue(&Entry{Kind: KindHandle, EventID: ev.ID, ResourceID: ev.ResourceID})
		return
	}
}

// wakeDelay is how long to sleep before an alarm due in d: capped at a
// minute and padded by a second.
func wakeDelay(d time.Duration) time.Duration {
	if d > maxWake {
		d = maxWake
	}
	if d < 0 {
		d = 0
	}
	return d + wakeSlack
}

func (e *Engine) armWake(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exited {
		return
	}
	if e.wakeTimer != nil {
		e.wakeTimer.Stop()
	}
	e.wakeAt = e.clock.Now().Add(d)
	e.wakeTimer = e.clock.AfterFunc(d, e.onWake)
	e.metrics.NextWake(d)
}

func (e *Engine) cancelWake() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wakeTimer != nil {
		e.wakeTimer.Stop()
		e.wakeTimer = nil
	}
	e.wakeAt = time.Time{}
	e.metrics.NextWake(0)
}

func (e *Engine) onWake() {
	e.mu.Lock()
	e.wakeTimer = nil
	e.wakeAt = time.Time{}
	e.handledAt = make(map[string]recur.DateTime)
	e.mu.Unlock()
	e.signal()
}

// WakeAt returns when the wake timer fires, or the zero time if none is
// armed.
func (e *Engine) WakeAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wakeAt
}

func (e *Engine) clearHandled(id string) {
	e.mu.Lock()
	delete(e.handledAt, id)
	e.mu.Unlock()
}

// ScheduledAlarm is one line of the scheduled alarm listing.
type ScheduledAlarm struct {
	EventID    string           `json:"id"`
	ResourceID int              `json:"resource"`
	Type       event.AlarmType  `json:"-"`
	TypeName   string           `json:"type"`
	At         recur.DateTime   `json:"-"`
	Trigger    time.Time        `json:"trigger"`
	DateOnly   bool             `json:"date_only,omitempty"`
	Action     event.ActionKind `json:"-"`
	ActionName string           `json:"action"`
	Summary    string           `json:"summary"`
	Recurs     bool             `json:"recurs,omitempty"`
	Enabled    bool             `json:"enabled"`
}

// ScheduledAlarmList returns the next trigger of every active event,
// earliest first. It only reads the calendar and is safe to call from any
// goroutine.
func (e *Engine) ScheduledAlarmList() []ScheduledAlarm {
	c := e.ctx()
	events := e.cal.Events()
	out := make([]ScheduledAlarm, 0, len(events))
	for i := range events {
		ev := &events[i]
		a, ok := ev.NextTrigger(c)
		if !ok {
			continue
		}
		out = append(out, ScheduledAlarm{
			EventID:    ev.ID,
			ResourceID: ev.ResourceID,
			Type:       a.Type,
			TypeName:   a.Type.String(),
			At:         a.Time,
			Trigger:    a.Time.Effective(c),
			DateOnly:   a.Time.DateOnly,
			Action:     ev.Action,
			ActionName: ev.Action.String(),
			Summary:    ev.Summary(),
			Recurs:     ev.Recurs(),
			Enabled:    ev.Enabled,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Trigger.Equal(out[j].Trigger) {
			return out[i].Trigger.Before(out[j].Trigger)
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}
