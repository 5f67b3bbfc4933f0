package web

import (
	"fmt"
	"time"

	"alarmd/internal/event"
	"alarmd/internal/ics"
	"alarmd/internal/recur"
)

// AlarmRequest describes a new alarm. It is the body of POST /api/alarms
// and is also filled from flags by the command line.
type AlarmRequest struct {
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Text     string `json:"text"`
	// Start is "2006-01-02" for a date-only alarm or RFC 3339 text.
	Start string `json:"start"`
	// Recurrence is RRULE text, e.g. "FREQ=DAILY;COUNT=5".
	Recurrence string `json:"recurrence,omitempty"`
	// RepeatInterval is a Go ("10m") or ISO 8601 ("PT10M") duration.
	RepeatInterval string `json:"repeat_interval,omitempty"`
	RepeatCount    int    `json:"repeat_count,omitempty"`

	LateCancel      int  `json:"late_cancel,omitempty"`
	ReminderMinutes int  `json:"reminder_minutes,omitempty"`
	ReminderOnce    bool `json:"reminder_once_only,omitempty"`
	WorkTimeOnly    bool `json:"work_time_only,omitempty"`
	ExcludeHolidays bool `json:"exclude_holidays,omitempty"`
	RepeatAtLogin   bool `json:"repeat_at_login,omitempty"`
	Disabled        bool `json:"disabled,omitempty"`

	PreAction         string `json:"pre_action,omitempty"`
	PostAction        string `json:"post_action,omitempty"`
	CancelOnPreActErr bool   `json:"cancel_on_pre_action_error,omitempty"`

	EmailTo      []string `json:"email_to,omitempty"`
	EmailSubject string   `json:"email_subject,omitempty"`
}

// Event builds the event the request describes, interpreting times
// without an offset in loc. The event is validated.
func (r AlarmRequest) Event(loc *time.Location) (event.Event, error) {
	kind, err := event.ParseActionKind(r.Action)
	if err != nil {
		return event.Event{}, err
	}
	start, err := recur.ParseDateTime(r.Start, loc)
	if err != nil {
		return event.Event{}, fmt.Errorf("start: %w", err)
	}
	ev := event.Event{
		Action:            kind,
		Text:              r.Text,
		Start:             start,
		LateCancel:        r.LateCancel,
		ReminderMinutes:   r.ReminderMinutes,
		ReminderOnceOnly:  r.ReminderOnce,
		WorkTimeOnly:      r.WorkTimeOnly,
		ExcludeHolidays:   r.ExcludeHolidays,
		RepeatAtLogin:     r.RepeatAtLogin,
		Enabled:           !r.Disabled,
		PreAction:         r.PreAction,
		PostAction:        r.PostAction,
		CancelOnPreActErr: r.CancelOnPreActErr,
	}
	if kind == event.Email {
		ev.Email = event.EmailPayload{To: r.EmailTo, Subject: r.EmailSubject}
	}
	if r.Recurrence != "" {
		rule, err := recur.ParseRule(start, r.Recurrence, nil)
		if err != nil {
			return event.Event{}, err
		}
		ev.Recurrence = rule
	}
	if r.RepeatCount > 0 {
		interval, err := parseInterval(r.RepeatInterval)
		if err != nil {
			return event.Event{}, err
		}
		ev.Repetition = recur.Repetition{Interval: interval, Count: r.RepeatCount}
	}
	ev.ResetSchedule()
	if err := ev.Validate(); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

func parseInterval(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	d, err := ics.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("repeat interval %q: %w", s, err)
	}
	return d, nil
}
