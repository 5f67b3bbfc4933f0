// Package ics imports alarms and holidays from iCalendar data and exports
// alarms back to it.
//
// Alarm properties that RFC 5545 has no field for are carried in
// X-ALARMD-* properties on the VEVENT:
//
//	X-ALARMD-ACTION:      message | file | command | email | audio
//	X-ALARMD-LATE-CANCEL: minutes
//	X-ALARMD-FLAGS:       comma list of WORKTIME, HOLIDAYS, LOGIN, ARCHIVE,
//	                      DISABLED, REMINDER-ONCE
//	X-ALARMD-REPEAT:      <ISO 8601 duration>,<count>  (sub-repetition)
//
// A VALARM TRIGGER before the start becomes a reminder before the alarm,
// one after it a reminder after.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"alarmd/internal/event"
	appLog "alarmd/internal/log"
	"alarmd/internal/recur"
)

const (
	propAction     = ical.ComponentProperty("X-ALARMD-ACTION")
	propLateCancel = ical.ComponentProperty("X-ALARMD-LATE-CANCEL")
	propFlags      = ical.ComponentProperty("X-ALARMD-FLAGS")
	propRepeat     = ical.ComponentProperty("X-ALARMD-REPEAT")
)

// ParseAlarms converts the VEVENTs of body into events. Floating and
// date-only times are interpreted in loc. Events that cannot be converted
// are logged and skipped.
func ParseAlarms(src Source, body []byte, loc *time.Location) ([]event.Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "source", src.Name)
		return nil, err
	}

	out := make([]event.Event, 0)
	for _, ve := range cal.Events() {
		ev, skip, perr := parseVEvent(ve, loc)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr, "source", src.Name)
			continue
		}
		if skip {
			continue
		}
		out = append(out, ev)
	}
	appLog.Info("ics parse completed", "source", src.Name, "alarms", len(out))
	return out, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (event.Event, bool, error) {
	ev := event.Event{Enabled: true}

	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		return ev, false, errors.New("missing UID")
	}
	ev.ID = uid
	if ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")) != nil {
		appLog.Debug("ics recurrence override ignored", "uid", uid)
		return ev, true, nil
	}
	if strings.EqualFold(propValue(ve, ical.ComponentPropertyStatus), "CANCELLED") {
		return ev, true, nil
	}

	start, err := startOf(ve, loc)
	if err != nil {
		return ev, false, fmt.Errorf("%s: %w", uid, err)
	}
	ev.Start = start

	kind, err := event.ParseActionKind(strings.ToLower(propValue(ve, propAction)))
	if err != nil {
		return ev, false, fmt.Errorf("%s: %w", uid, err)
	}
	ev.Action = kind
	summary := propValue(ve, ical.ComponentPropertySummary)
	desc := propValue(ve, ical.ComponentPropertyDescription)
	ev.Text = summary
	if kind == event.Email {
		ev.Email.Subject = summary
		ev.Text = desc
		for _, p := range ve.GetProperties(ical.ComponentPropertyAttendee) {
			if addr := strings.TrimPrefix(strings.TrimPrefix(p.Value, "mailto:"), "MAILTO:"); addr != "" {
				ev.Email.To = append(ev.Email.To, addr)
			}
		}
	}

	if v := propValue(ve, propLateCancel); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return ev, false, fmt.Errorf("%s: bad late-cancel %q", uid, v)
		}
		ev.LateCancel = n
	}
	for _, flag := range strings.Split(propValue(ve, propFlags), ",") {
		switch strings.ToUpper(strings.TrimSpace(flag)) {
		case "WORKTIME":
			ev.WorkTimeOnly = true
		case "HOLIDAYS":
			ev.ExcludeHolidays = true
		case "LOGIN":
			ev.RepeatAtLogin = true
		case "ARCHIVE":
			ev.Archive = true
		case "DISABLED":
			ev.Enabled = false
		case "REMINDER-ONCE":
			ev.ReminderOnceOnly = true
		}
	}

	if rr := propValue(ve, ical.ComponentPropertyRrule); rr != "" {
		rule, err := recur.ParseRule(start, rr, exDates(ve, loc))
		if err != nil {
			return ev, false, fmt.Errorf("%s: %w", uid, err)
		}
		ev.Recurrence = rule
	}
	if v := propValue(ve, propRepeat); v != "" {
		rep, err := parseRepeat(v)
		if err != nil {
			return ev, false, fmt.Errorf("%s: %w", uid, err)
		}
		ev.Repetition = rep
	}

	for _, comp := range ve.Components {
		va, ok := comp.(*ical.VAlarm)
		if !ok {
			continue
		}
		trig := va.GetProperty(ical.ComponentPropertyTrigger)
		if trig == nil {
			continue
		}
		d, err := ParseDuration(trig.Value)
		if err != nil || d == 0 {
			continue
		}
		ev.ReminderMinutes = -int(d / time.Minute)
		break
	}
	return ev, false, nil
}

func propValue(ve *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ve.GetProperty(p); prop != nil {
		return prop.Value
	}
	return ""
}

// startOf reads DTSTART. A VALUE=DATE or bare date value is an all-day,
// date-only alarm.
func startOf(ve *ical.VEvent, loc *time.Location) (recur.DateTime, error) {
	prop := ve.GetProperty(ical.ComponentPropertyDtStart)
	if prop == nil || prop.Value == "" {
		return recur.DateTime{}, errors.New("missing DTSTART")
	}
	allDay := !strings.Contains(prop.Value, "T")
	if vs, ok := prop.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		allDay = true
	}
	if allDay {
		t, err := time.ParseInLocation("20060102", strings.TrimSpace(prop.Value), loc)
		if err != nil {
			return recur.DateTime{}, err
		}
		return recur.DateTime{Time: t, DateOnly: true}, nil
	}
	if tz, ok := prop.ICalParameters["TZID"]; ok && len(tz) > 0 {
		t, err := ve.GetStartAt()
		if err != nil {
			return recur.DateTime{}, err
		}
		return recur.At(t), nil
	}
	t, err := parseICSTime(prop.Value, loc)
	if err != nil {
		return recur.DateTime{}, err
	}
	return recur.At(t), nil
}

func exDates(ve *ical.VEvent, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, loc); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

func parseRepeat(v string) (recur.Repetition, error) {
	dur, count, ok := strings.Cut(v, ",")
	if !ok {
		return recur.Repetition{}, fmt.Errorf("bad repeat %q", v)
	}
	d, err := ParseDuration(dur)
	if err != nil {
		return recur.Repetition{}, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n < 0 || d <= 0 {
		return recur.Repetition{}, fmt.Errorf("bad repeat %q", v)
	}
	return recur.Repetition{Interval: d, Count: n}, nil
}

// parseICSTime parses the basic DATE, DATE-TIME and UTC DATE-TIME forms.
// Floating values are placed in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
