package ics

import (
	"bytes"
	"errors"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "alarmd/internal/log"
)

// maxHolidaySpan bounds multi-day holiday events.
const maxHolidaySpan = 31

// ParseHolidays reads the all-day VEVENTs of a holiday calendar into a
// map from "2006-01-02" to holiday name. DTEND is exclusive.
func ParseHolidays(body []byte, loc *time.Location) (map[string]string, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, ve := range cal.Events() {
		start, err := startOf(ve, loc)
		if err != nil {
			continue
		}
		if !start.DateOnly {
			appLog.Debug("holiday with time of day ignored", "uid", propValue(ve, ical.ComponentPropertyUniqueId))
			continue
		}
		name := propValue(ve, ical.ComponentPropertySummary)
		days := 1
		if end := propValue(ve, ical.ComponentPropertyDtEnd); end != "" {
			if t, err := parseICSTime(end, loc); err == nil {
				n := int(t.Sub(start.Time).Hours()/24 + 0.5)
				if n > 1 && n <= maxHolidaySpan {
					days = n
				}
			}
		}
		for i := 0; i < days; i++ {
			out[start.Time.AddDate(0, 0, i).Format("2006-01-02")] = name
		}
	}
	return out, nil
}
