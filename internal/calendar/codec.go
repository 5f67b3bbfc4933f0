package calendar

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"alarmd/internal/event"
	"alarmd/internal/recur"
)

// record is the on-disk form of an event.
type record struct {
	ID       string `yaml:"id"`
	Category string `yaml:"category,omitempty"`
	TZ       string `yaml:"tz,omitempty"`

	Action            string             `yaml:"action"`
	Text              string             `yaml:"text,omitempty"`
	Email             event.EmailPayload `yaml:"email,omitempty"`
	Audio             event.AudioPayload `yaml:"audio,omitempty"`
	PreAction         string             `yaml:"pre_action,omitempty"`
	PostAction        string             `yaml:"post_action,omitempty"`
	CancelOnPreActErr bool               `yaml:"cancel_on_pre_action_error,omitempty"`
	CommandError      string             `yaml:"command_error,omitempty"`

	Start         recur.DateTime `yaml:"start"`
	RRule         string         `yaml:"rrule,omitempty"`
	ExDates       []time.Time    `yaml:"exdates,omitempty"`
	RepeatMinutes int            `yaml:"repeat_minutes,omitempty"`
	RepeatCount   int            `yaml:"repeat_count,omitempty"`

	LateCancel      int  `yaml:"late_cancel,omitempty"`
	WorkTimeOnly    bool `yaml:"work_time_only,omitempty"`
	ExcludeHolidays bool `yaml:"exclude_holidays,omitempty"`
	Enabled         bool `yaml:"enabled"`
	RepeatAtLogin   bool `yaml:"repeat_at_login,omitempty"`

	ReminderMinutes   int            `yaml:"reminder_minutes,omitempty"`
	ReminderOnceOnly  bool           `yaml:"reminder_once_only,omitempty"`
	ReminderActive    bool           `yaml:"reminder_active,omitempty"`
	ReminderAfterBase recur.DateTime `yaml:"reminder_after_base,omitempty"`

	DeferralTime        recur.DateTime `yaml:"deferral,omitempty"`
	DeferralReminder    bool           `yaml:"deferral_reminder,omitempty"`
	DeferDefaultMinutes int            `yaml:"defer_default_minutes,omitempty"`

	Archive     bool           `yaml:"archive,omitempty"`
	NextMain    recur.DateTime `yaml:"next_main,omitempty"`
	MainRepeat  int            `yaml:"main_repeat,omitempty"`
	MainExpired bool           `yaml:"main_expired,omitempty"`

	DisplayingAt   recur.DateTime `yaml:"displaying_at,omitempty"`
	DisplayingType string         `yaml:"displaying_type,omitempty"`

	CreatedAt  time.Time `yaml:"created_at,omitempty"`
	ArchivedAt time.Time `yaml:"archived_at,omitempty"`
	Revision   int       `yaml:"revision,omitempty"`
}

func encodeEvent(ev *event.Event) ([]byte, error) {
	r := record{
		ID:                  ev.ID,
		Category:            ev.Category.String(),
		TZ:                  ev.Start.Time.Location().String(),
		Action:              ev.Action.String(),
		Text:                ev.Text,
		Email:               ev.Email,
		Audio:               ev.Audio,
		PreAction:           ev.PreAction,
		PostAction:          ev.PostAction,
		CancelOnPreActErr:   ev.CancelOnPreActErr,
		Start:               ev.Start,
		LateCancel:          ev.LateCancel,
		WorkTimeOnly:        ev.WorkTimeOnly,
		ExcludeHolidays:     ev.ExcludeHolidays,
		Enabled:             ev.Enabled,
		RepeatAtLogin:       ev.RepeatAtLogin,
		ReminderMinutes:     ev.ReminderMinutes,
		ReminderOnceOnly:    ev.ReminderOnceOnly,
		ReminderActive:      ev.ReminderActive,
		ReminderAfterBase:   ev.ReminderAfterBase,
		DeferralTime:        ev.DeferralTime,
		DeferralReminder:    ev.DeferralReminder,
		DeferDefaultMinutes: ev.DeferDefaultMinutes,
		Archive:             ev.Archive,
		NextMain:            ev.NextMain,
		MainRepeat:          ev.MainRepeat,
		MainExpired:         ev.MainExpired,
		DisplayingAt:        ev.DisplayingAt,
		CreatedAt:           ev.CreatedAt,
		ArchivedAt:          ev.ArchivedAt,
		Revision:            ev.Revision,
	}
	if ev.CommandError != event.CmdErrNone {
		r.CommandError = ev.CommandError.String()
	}
	if ev.Category == event.Displaying {
		r.DisplayingType = ev.DisplayingType.String()
	}
	if ev.Recurrence != nil {
		r.RRule = ev.Recurrence.String()
		r.ExDates = ev.Recurrence.ExDates()
	}
	if !ev.Repetition.IsZero() {
		r.RepeatMinutes = int(ev.Repetition.Interval / time.Minute)
		r.RepeatCount = ev.Repetition.Count
	}
	return yaml.Marshal(&r)
}

func decodeEvent(b []byte) (event.Event, error) {
	var r record
	if err := yaml.Unmarshal(b, &r); err != nil {
		return event.Event{}, err
	}
	loc := time.Local
	if r.TZ != "" {
		if l, err := time.LoadLocation(r.TZ); err == nil {
			loc = l
		}
	}
	kind, err := event.ParseActionKind(r.Action)
	if err != nil {
		return event.Event{}, err
	}
	ev := event.Event{
		ID:                  r.ID,
		Category:            parseCategory(r.Category),
		Action:              kind,
		Text:                r.Text,
		Email:               r.Email,
		Audio:               r.Audio,
		PreAction:           r.PreAction,
		PostAction:          r.PostAction,
		CancelOnPreActErr:   r.CancelOnPreActErr,
		CommandError:        parseCmdErr(r.CommandError),
		Start:               inLocation(r.Start, loc),
		LateCancel:          r.LateCancel,
		WorkTimeOnly:        r.WorkTimeOnly,
		ExcludeHolidays:     r.ExcludeHolidays,
		Enabled:             r.Enabled,
		RepeatAtLogin:       r.RepeatAtLogin,
		ReminderMinutes:     r.ReminderMinutes,
		ReminderOnceOnly:    r.ReminderOnceOnly,
		ReminderActive:      r.ReminderActive,
		ReminderAfterBase:   inLocation(r.ReminderAfterBase, loc),
		DeferralTime:        inLocation(r.DeferralTime, loc),
		DeferralReminder:    r.DeferralReminder,
		DeferDefaultMinutes: r.DeferDefaultMinutes,
		Archive:             r.Archive,
		NextMain:            inLocation(r.NextMain, loc),
		MainRepeat:          r.MainRepeat,
		MainExpired:         r.MainExpired,
		DisplayingAt:        inLocation(r.DisplayingAt, loc),
		DisplayingType:      parseAlarmType(r.DisplayingType),
		CreatedAt:           r.CreatedAt,
		ArchivedAt:          r.ArchivedAt,
		Revision:            r.Revision,
		Repetition: recur.Repetition{
			Interval: time.Duration(r.RepeatMinutes) * time.Minute,
			Count:    r.RepeatCount,
		},
	}
	if r.RRule != "" {
		rule, err := recur.ParseRule(ev.Start, r.RRule, r.ExDates)
		if err != nil {
			return event.Event{}, fmt.Errorf("event %s: %w", r.ID, err)
		}
		ev.Recurrence = rule
	}
	return ev, nil
}

// inLocation moves a decoded value into the event's zone. Date-only
// values keep their calendar date.
func inLocation(dt recur.DateTime, loc *time.Location) recur.DateTime {
	if dt.IsZero() {
		return dt
	}
	if dt.DateOnly {
		return recur.OnDate(dt.Time.Year(), dt.Time.Month(), dt.Time.Day(), loc)
	}
	return recur.At(dt.Time.In(loc))
}

func parseCategory(s string) event.Category {
	switch s {
	case "archived":
		return event.Archived
	case "template":
		return event.Template
	case "displaying":
		return event.Displaying
	default:
		return event.Active
	}
}

func parseCmdErr(s string) event.CmdErr {
	for _, k := range []event.CmdErr{event.CmdErrMain, event.CmdErrPre, event.CmdErrPost, event.CmdErrPrePost} {
		if k.String() == s {
			return k
		}
	}
	return event.CmdErrNone
}

func parseAlarmType(s string) event.AlarmType {
	for t := event.MainAlarm; t <= event.DisplayingAlarm; t++ {
		if t.String() == s {
			return t
		}
	}
	return event.MainAlarm
}
