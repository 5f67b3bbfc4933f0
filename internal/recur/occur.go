package recur

import "time"

// OccurType classifies the result of an occurrence search.
type OccurType int

const (
	NoOccurrence OccurType = iota
	// FirstOrOnly is the first occurrence of a recurrence, or the single
	// trigger of a non-recurring alarm.
	FirstOrOnly
	// RecurDate is a date-only recurrence after the first.
	RecurDate
	// RecurDateTime is a timed recurrence after the first.
	RecurDateTime
	// LastRecurrence is the final recurrence.
	LastRecurrence

	// Repeat is OR'ed onto the base type when the result is a
	// sub-repetition of that recurrence.
	Repeat OccurType = 0x10
)

// Base strips the Repeat flag.
func (o OccurType) Base() OccurType { return o &^ Repeat }

// IsRepeat reports whether o denotes a sub-repetition.
func (o OccurType) IsRepeat() bool { return o&Repeat != 0 }

func (o OccurType) String() string {
	s := "none"
	switch o.Base() {
	case FirstOrOnly:
		s = "first"
	case RecurDate:
		s = "recur-date"
	case RecurDateTime:
		s = "recur-datetime"
	case LastRecurrence:
		s = "last"
	}
	if o.IsRepeat() {
		s += "+repeat"
	}
	return s
}

// LateLeeway is how late a timed alarm may be before late-cancel applies.
const LateLeeway = 5 * time.Second

// MaxLateness returns how late a timed alarm with the given late-cancel
// setting (minutes) may trigger: L minutes plus the leeway.
func MaxLateness(lateCancelMinutes int) time.Duration {
	if lateCancelMinutes < 0 {
		lateCancelMinutes = 0
	}
	return LateLeeway + time.Duration(lateCancelMinutes)*time.Minute
}
