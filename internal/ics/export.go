package ics

import (
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"alarmd/internal/event"
)

// Export renders events as an iCalendar document that ParseAlarms reads
// back.
func Export(events []event.Event, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId("-//alarmd//alarmd//EN")
	cal.SetMethod(ical.MethodPublish)

	for i := range events {
		ev := &events[i]
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(now)
		if ev.Action == event.Email {
			ve.SetSummary(ev.Email.Subject)
			ve.SetDescription(ev.Text)
			for _, to := range ev.Email.To {
				ve.AddProperty(ical.ComponentPropertyAttendee, "mailto:"+to)
			}
		} else {
			ve.SetSummary(ev.Text)
		}
		if ev.Start.DateOnly {
			ve.SetAllDayStartAt(ev.Start.Time)
		} else {
			ve.SetStartAt(ev.Start.Time)
		}
		if ev.Recurrence != nil {
			ve.AddRrule(ev.Recurrence.String())
			if ex := ev.Recurrence.ExDates(); len(ex) > 0 {
				vals := make([]string, 0, len(ex))
				for _, t := range ex {
					if ev.Start.DateOnly {
						vals = append(vals, t.Format("20060102"))
					} else {
						vals = append(vals, t.UTC().Format("20060102T150405Z"))
					}
				}
				ve.AddProperty(ical.ComponentPropertyExdate, strings.Join(vals, ","))
			}
		}
		if !ev.Repetition.IsZero() {
			ve.SetProperty(propRepeat, FormatDuration(ev.Repetition.Interval)+","+strconv.Itoa(ev.Repetition.Count))
		}
		ve.SetProperty(propAction, ev.Action.String())
		if ev.LateCancel > 0 {
			ve.SetProperty(propLateCancel, strconv.Itoa(ev.LateCancel))
		}
		if flags := exportFlags(ev); flags != "" {
			ve.SetProperty(propFlags, flags)
		}
		if ev.ReminderMinutes != 0 {
			va := ve.AddAlarm()
			va.SetAction(ical.ActionDisplay)
			va.SetTrigger(FormatDuration(-time.Duration(ev.ReminderMinutes) * time.Minute))
		}
	}
	return cal.Serialize()
}

func exportFlags(ev *event.Event) string {
	var flags []string
	if ev.WorkTimeOnly {
		flags = append(flags, "WORKTIME")
	}
	if ev.ExcludeHolidays {
		flags = append(flags, "HOLIDAYS")
	}
	if ev.RepeatAtLogin {
		flags = append(flags, "LOGIN")
	}
	if ev.Archive {
		flags = append(flags, "ARCHIVE")
	}
	if !ev.Enabled {
		flags = append(flags, "DISABLED")
	}
	if ev.ReminderOnceOnly {
		flags = append(flags, "REMINDER-ONCE")
	}
	return strings.Join(flags, ",")
}
