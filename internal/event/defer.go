package event

import (
	"fmt"

	"alarmd/internal/recur"
)

// DeferLimit names what currently bounds a deferral.
type DeferLimit int

const (
	LimitNone DeferLimit = iota
	LimitMain
	LimitRecurrence
	LimitRepetition
	LimitReminder
)

func (l DeferLimit) String() string {
	switch l {
	case LimitNone:
		return "none"
	case LimitMain:
		return "main alarm"
	case LimitRecurrence:
		return "next recurrence"
	case LimitRepetition:
		return "next repetition"
	case LimitReminder:
		return "next reminder"
	default:
		return "unknown"
	}
}

// DeferralLimit returns the latest time an alarm of the event may be
// deferred to, and what imposes it. LimitNone means unbounded.
func (e *Event) DeferralLimit(c *recur.Context) (recur.DateTime, DeferLimit) {
	now := c.Now()
	if e.Recurrence != nil {
		typ, next := e.NextOccurrence(now, true, c)
		switch {
		case typ == recur.NoOccurrence:
			return recur.DateTime{}, LimitNone
		case typ.IsRepeat():
			return next, LimitRepetition
		}
		if e.ReminderMinutes > 0 {
			remind := offsetMinutes(next, -e.ReminderMinutes)
			if now.Before(remind.Effective(c)) {
				return remind, LimitReminder
			}
		}
		return next, LimitRecurrence
	}
	if e.ReminderMinutes != 0 && !e.MainExpired && now.Before(e.MainTime().Effective(c)) {
		return e.MainTime(), LimitMain
	}
	return recur.DateTime{}, LimitNone
}

// Defer postpones the due alarm to dt. A reminder deferral replaces the
// reminder; a plain deferral replaces the main alarm of a non-recurring
// event. With adjustRecurrence a recurring event's main alarm is first
// moved past now so the deferred trigger is not repeated by it.
func (e *Event) Defer(dt recur.DateTime, reminder, adjustRecurrence bool, c *recur.Context) error {
	if dt.IsZero() {
		return fmt.Errorf("%w: zero deferral time", ErrInvalid)
	}
	if e.DeferralTime.Equal(dt) && e.DeferralReminder == reminder {
		return nil
	}
	if limit, cause := e.DeferralLimit(c); cause != LimitNone && dt.Effective(c).After(limit.Effective(c)) {
		return fmt.Errorf("%w: %s is after the %s at %s", ErrDeferralLimit, dt, cause, limit)
	}
	if reminder {
		e.ReminderActive = false
		e.ReminderAfterBase = recur.DateTime{}
	} else if e.Recurrence == nil {
		e.MainExpired = true
	} else if adjustRecurrence {
		now := c.Now()
		if !e.MainTime().Effective(c).After(now) {
			if typ, _ := e.SetNextOccurrence(now, c); typ == recur.NoOccurrence {
				e.MainExpired = true
			}
		}
	}
	e.DeferralTime = dt
	e.DeferralReminder = reminder
	return nil
}

// CancelDefer removes a pending deferral.
func (e *Event) CancelDefer() {
	e.DeferralTime = recur.DateTime{}
	e.DeferralReminder = false
}
