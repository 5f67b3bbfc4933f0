package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/event"
	"alarmd/internal/recur"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"DTSTART:20260302T090000Z\r\n" +
	"SUMMARY:Stand-up\r\n" +
	"RRULE:FREQ=WEEKLY;BYDAY=MO,WE,FR\r\n" +
	"EXDATE:20260304T090000Z\r\n" +
	"X-ALARMD-LATE-CANCEL:10\r\n" +
	"X-ALARMD-FLAGS:WORKTIME,ARCHIVE\r\n" +
	"X-ALARMD-REPEAT:PT5M,2\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT15M\r\n" +
	"END:VALARM\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:report\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20260310\r\n" +
	"SUMMARY:Monthly report\r\n" +
	"DESCRIPTION:Please send the report.\r\n" +
	"ATTENDEE:mailto:boss@example.com\r\n" +
	"X-ALARMD-ACTION:EMAIL\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:gone\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"DTSTART:20260302T100000Z\r\n" +
	"STATUS:CANCELLED\r\n" +
	"SUMMARY:Cancelled\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:broken\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"SUMMARY:No start\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func findEvent(t *testing.T, events []event.Event, id string) event.Event {
	t.Helper()
	for _, ev := range events {
		if ev.ID == id {
			return ev
		}
	}
	t.Fatalf("event %q not found", id)
	return event.Event{}
}

func TestParseAlarms(t *testing.T) {
	events, err := ParseAlarms(Source{Name: "test"}, []byte(sampleICS), time.UTC)
	require.NoError(t, err)
	require.Len(t, events, 2)

	standup := findEvent(t, events, "standup")
	assert.Equal(t, event.Message, standup.Action)
	assert.Equal(t, "Stand-up", standup.Text)
	assert.True(t, standup.Start.Time.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, 10, standup.LateCancel)
	assert.True(t, standup.WorkTimeOnly)
	assert.True(t, standup.Archive)
	assert.True(t, standup.Enabled)
	assert.Equal(t, 15, standup.ReminderMinutes)
	assert.Equal(t, recur.Repetition{Interval: 5 * time.Minute, Count: 2}, standup.Repetition)
	require.NotNil(t, standup.Recurrence)
	assert.Equal(t, recur.Weekly, standup.Recurrence.Spec().Freq)
	require.Len(t, standup.Recurrence.ExDates(), 1)

	report := findEvent(t, events, "report")
	assert.Equal(t, event.Email, report.Action)
	assert.True(t, report.Start.DateOnly)
	assert.Equal(t, "Monthly report", report.Email.Subject)
	assert.Equal(t, "Please send the report.", report.Text)
	assert.Equal(t, []string{"boss@example.com"}, report.Email.To)
}

func TestParseAlarmsEmptyBody(t *testing.T) {
	_, err := ParseAlarms(Source{Name: "empty"}, nil, time.UTC)
	assert.Error(t, err)
}

func TestExportRoundTrip(t *testing.T) {
	start := recur.At(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	rule, err := recur.ParseRule(start, "FREQ=DAILY;COUNT=5", nil)
	require.NoError(t, err)
	in := []event.Event{{
		ID:              "daily",
		Action:          event.Command,
		Text:            "backup.sh",
		Start:           start,
		Recurrence:      rule,
		LateCancel:      3,
		ExcludeHolidays: true,
		Enabled:         true,
		ReminderMinutes: -10,
	}}

	body := Export(in, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.Contains(t, body, "X-ALARMD-ACTION:command")

	out, err := ParseAlarms(Source{Name: "roundtrip"}, []byte(body), time.UTC)
	require.NoError(t, err)
	require.Len(t, out, 1)
	got := out[0]
	assert.Equal(t, "daily", got.ID)
	assert.Equal(t, event.Command, got.Action)
	assert.Equal(t, "backup.sh", got.Text)
	assert.True(t, got.Start.Time.Equal(start.Time))
	assert.Equal(t, 3, got.LateCancel)
	assert.True(t, got.ExcludeHolidays)
	assert.Equal(t, -10, got.ReminderMinutes)
	require.NotNil(t, got.Recurrence)
	assert.Equal(t, 5, got.Recurrence.Spec().Count)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{in: "PT15M", want: 15 * time.Minute},
		{in: "-PT15M", want: -15 * time.Minute},
		{in: "+P1D", want: 24 * time.Hour},
		{in: "P1W", want: 7 * 24 * time.Hour},
		{in: "P1DT2H30M10S", want: 26*time.Hour + 30*time.Minute + 10*time.Second},
		{in: "PT", err: true},
		{in: "15M", err: true},
		{in: "P1Y", err: true},
		{in: "PT5", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "-PT15M", FormatDuration(-15*time.Minute))
	assert.Equal(t, "P1DT2H", FormatDuration(26*time.Hour))
	assert.Equal(t, "P2D", FormatDuration(48*time.Hour))
	assert.Equal(t, "PT0S", FormatDuration(0))
	for _, d := range []time.Duration{time.Minute, -90 * time.Minute, 50 * time.Hour} {
		back, err := ParseDuration(FormatDuration(d))
		require.NoError(t, err)
		assert.Equal(t, d, back)
	}
}

func TestParseHolidays(t *testing.T) {
	body := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:h1\r\nDTSTAMP:20260101T000000Z\r\nDTSTART;VALUE=DATE:20261224\r\nDTEND;VALUE=DATE:20261227\r\nSUMMARY:Christmas\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:h2\r\nDTSTAMP:20260101T000000Z\r\nDTSTART;VALUE=DATE:20260101\r\nSUMMARY:New Year\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	days, err := ParseHolidays([]byte(body), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"2026-12-24": "Christmas",
		"2026-12-25": "Christmas",
		"2026-12-26": "Christmas",
		"2026-01-01": "New Year",
	}, days)
}

func TestFetchLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarms.ics")
	require.NoError(t, os.WriteFile(path, []byte(sampleICS), 0o600))

	res, err := NewFetcher(t.TempDir()).Fetch(context.Background(), Source{Name: "local", URL: path})
	require.NoError(t, err)
	assert.Equal(t, sampleICS, string(res.Body))
	assert.False(t, res.FromCache)
}

func TestFetchUsesConditionalRequests(t *testing.T) {
	var hits atomic.Int32
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if down.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{Name: "remote", URL: srv.URL + "/cal.ics?token=secret"}

	first, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)

	down.Store(true)
	third, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.EqualValues(t, 3, hits.Load())
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://example.com/private/cal.ics?token=abc")
	assert.Equal(t, "https://example.com/...(redacted)", got)
	assert.False(t, strings.Contains(redactURL("not a url"), "not"))
}
