// Package event holds the in-memory alarm definition (Event) and the
// alarm instances derived from it, together with the state transitions
// the scheduler applies when an instance fires, expires or is deferred.
//
// Events have value semantics: callers fetch a copy from the calendar,
// mutate it and write it back. The recurrence rule is immutable and shared
// between copies.
package event

import (
	"errors"
	"fmt"
	"time"

	"alarmd/internal/recur"
)

// Category is the store an event belongs to.
type Category int

const (
	Active Category = iota
	Archived
	Template
	Displaying
)

func (c Category) String() string {
	switch c {
	case Active:
		return "active"
	case Archived:
		return "archived"
	case Template:
		return "template"
	case Displaying:
		return "displaying"
	default:
		return "unknown"
	}
}

// ActionKind selects what the alarm does when it fires.
type ActionKind int

const (
	Message ActionKind = iota
	File
	Command
	Email
	Audio
)

func (k ActionKind) String() string {
	switch k {
	case Message:
		return "message"
	case File:
		return "file"
	case Command:
		return "command"
	case Email:
		return "email"
	case Audio:
		return "audio"
	default:
		return "unknown"
	}
}

// ParseActionKind is the inverse of ActionKind.String.
func ParseActionKind(s string) (ActionKind, error) {
	switch s {
	case "", "message", "MESSAGE", "DISPLAY":
		return Message, nil
	case "file", "FILE":
		return File, nil
	case "command", "COMMAND":
		return Command, nil
	case "email", "EMAIL":
		return Email, nil
	case "audio", "AUDIO":
		return Audio, nil
	default:
		return Message, fmt.Errorf("unknown action kind %q", s)
	}
}

// IsDisplay reports whether the action presents something to the user and
// is therefore held while notifications are inhibited.
func (k ActionKind) IsDisplay() bool {
	return k == Message || k == File || k == Audio
}

// CmdErr records which command of an event last failed.
type CmdErr int

const (
	CmdErrNone CmdErr = iota
	CmdErrMain
	CmdErrPre
	CmdErrPost
	CmdErrPrePost
)

func (e CmdErr) String() string {
	switch e {
	case CmdErrNone:
		return "none"
	case CmdErrMain:
		return "main"
	case CmdErrPre:
		return "pre"
	case CmdErrPost:
		return "post"
	case CmdErrPrePost:
		return "pre+post"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid event")
	// ErrDeferralLimit is returned when a deferral is later than the
	// event currently allows.
	ErrDeferralLimit = errors.New("deferral beyond limit")
)

// EmailPayload carries the fields of an email alarm.
type EmailPayload struct {
	From        string   `yaml:"from,omitempty"`
	To          []string `yaml:"to,omitempty"`
	Subject     string   `yaml:"subject,omitempty"`
	Attachments []string `yaml:"attachments,omitempty"`
	BCC         bool     `yaml:"bcc,omitempty"`
}

// AudioPayload carries the fields of an audio alarm.
type AudioPayload struct {
	Volume float64 `yaml:"volume,omitempty"`
	Repeat bool    `yaml:"repeat,omitempty"`
}

// Event is one alarm definition.
type Event struct {
	ID         string
	ResourceID int
	Category   Category

	// Text is the message text, file path, command line, email body or
	// audio file depending on Action.
	Action ActionKind
	Text   string
	Email  EmailPayload
	Audio  AudioPayload

	PreAction         string
	PostAction        string
	CancelOnPreActErr bool
	CommandError      CmdErr

	Start      recur.DateTime
	Recurrence *recur.Rule
	Repetition recur.Repetition

	// LateCancel is the number of minutes after which a missed alarm is
	// dropped; 0 means it fires however late it is.
	LateCancel      int
	WorkTimeOnly    bool
	ExcludeHolidays bool
	Enabled         bool
	RepeatAtLogin   bool

	// ReminderMinutes > 0 reminds before each main trigger, < 0 after it.
	ReminderMinutes   int
	ReminderOnceOnly  bool
	ReminderActive    bool
	ReminderAfterBase recur.DateTime

	DeferralTime        recur.DateTime
	DeferralReminder    bool
	DeferDefaultMinutes int

	// Archive is set once the event has fired (or been late-cancelled), so
	// that it is kept in the archive when it expires.
	Archive bool

	// NextMain is the current recurrence; MainRepeat the sub-repetition
	// of it that is pending. MainExpired is set once the main alarm has no
	// further triggers while other instances remain.
	NextMain    recur.DateTime
	MainRepeat  int
	MainExpired bool

	// DisplayingAt is the trigger of the instance that was on screen when
	// a Displaying copy was saved.
	DisplayingAt   recur.DateTime
	DisplayingType AlarmType

	CreatedAt  time.Time
	ArchivedAt time.Time
	Revision   int
}

// Clone returns a deep copy of e. The recurrence rule is shared: it is
// immutable.
func (e Event) Clone() Event {
	c := e
	c.Email.To = append([]string(nil), e.Email.To...)
	c.Email.Attachments = append([]string(nil), e.Email.Attachments...)
	return c
}

// Recurs reports whether the event has a recurrence rule.
func (e *Event) Recurs() bool { return e.Recurrence != nil }

// Summary is a short single-line description for listings.
func (e *Event) Summary() string {
	s := e.Text
	if e.Action == Email && e.Email.Subject != "" {
		s = e.Email.Subject
	}
	const maxLen = 60
	if r := []rune(s); len(r) > maxLen {
		s = string(r[:maxLen-1]) + "…"
	}
	return s
}

// MainTime is the pending trigger of the main alarm: the current
// recurrence shifted by the pending sub-repetition.
func (e *Event) MainTime() recur.DateTime {
	if e.MainRepeat > 0 {
		return e.Repetition.At(e.NextMain, e.MainRepeat)
	}
	return e.NextMain
}

// ResetSchedule points the main alarm at the first occurrence and
// re-arms the reminder. It is used when an event is created or replaced
// by an edit.
func (e *Event) ResetSchedule() {
	e.MainRepeat = 0
	e.MainExpired = false
	e.NextMain = e.Start
	if e.Recurrence != nil {
		first, ok := e.Recurrence.First()
		if !ok {
			e.MainExpired = true
		}
		e.NextMain = first
	}
	e.ReminderActive = e.ReminderMinutes > 0
	e.ReminderAfterBase = recur.DateTime{}
}

// SetArchive marks the event to be archived when it expires.
func (e *Event) SetArchive() { e.Archive = true }

// SetCommandError records a failed command, merging pre and post action
// failures.
func (e *Event) SetCommandError(kind CmdErr) {
	switch {
	case kind == CmdErrNone:
		e.CommandError = CmdErrNone
	case (kind == CmdErrPre && e.CommandError == CmdErrPost) || (kind == CmdErrPost && e.CommandError == CmdErrPre):
		e.CommandError = CmdErrPrePost
	default:
		e.CommandError = kind
	}
}

// Validate checks the event is internally consistent.
func (e *Event) Validate() error {
	if e.Start.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrInvalid)
	}
	switch e.Action {
	case Message, File, Command, Audio:
		if e.Text == "" {
			return fmt.Errorf("%w: %s alarm needs text", ErrInvalid, e.Action)
		}
	case Email:
		if len(e.Email.To) == 0 {
			return fmt.Errorf("%w: email alarm needs a recipient", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown action %d", ErrInvalid, e.Action)
	}
	if e.LateCancel < 0 {
		return fmt.Errorf("%w: negative late-cancel", ErrInvalid)
	}
	if !e.Repetition.IsZero() {
		if e.Recurrence == nil {
			return fmt.Errorf("%w: sub-repetition requires a recurrence", ErrInvalid)
		}
		if err := e.Repetition.Validate(e.Recurrence.MinInterval(), e.Start.DateOnly); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if e.Start.DateOnly && e.ReminderMinutes%(24*60) != 0 {
		return fmt.Errorf("%w: date-only reminder must be whole days", ErrInvalid)
	}
	if e.Recurrence != nil && e.Recurrence.Start().DateOnly != e.Start.DateOnly {
		return fmt.Errorf("%w: recurrence and start disagree on date-only", ErrInvalid)
	}
	return nil
}
