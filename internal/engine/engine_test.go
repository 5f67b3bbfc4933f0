package engine

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/action"
	"alarmd/internal/calendar"
	"alarmd/internal/clock"
	"alarmd/internal/event"
	appLog "alarmd/internal/log"
	"alarmd/internal/recur"
)

var (
	_ Calendar = (*calendar.Store)(nil)
	_ Executor = (*action.Adapter)(nil)
)

// t0 is a Monday.
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type execCall struct {
	id    string
	typ   event.AlarmType
	flags action.Flags
}

type fakeExec struct {
	hooks     action.Hooks
	inhibited bool
	status    action.Status
	calls     []execCall
	onExecute func()
}

func (f *fakeExec) Execute(ev *event.Event, a event.Alarm, flags action.Flags) action.Status {
	if f.inhibited && ev.Action.IsDisplay() {
		return action.Blocked
	}
	f.calls = append(f.calls, execCall{id: ev.ID, typ: a.Type, flags: flags})
	if f.onExecute != nil {
		f.onExecute()
	}
	if flags&action.FlagReschedule != 0 && f.hooks.RescheduleFired != nil {
		f.hooks.RescheduleFired(ev, a)
	}
	return f.status
}

func (f *fakeExec) Inhibited() bool { return f.inhibited }
func (f *fakeExec) SetInhibited(v bool) { f.inhibited = v }
func (f *fakeExec) Bind(h action.Hooks) { f.hooks = h }

type harness struct {
	clk     *clock.Fake
	store   *calendar.Store
	archive *calendar.MemoryBackend
	exec    *fakeExec
	eng     *Engine
	exits   []int
	fatals  []error
}

type harnessOpt func(*Options)

func newHarness(t *testing.T, now time.Time, events []event.Event, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{clk: clock.NewFake(now), exec: &fakeExec{}, archive: &calendar.MemoryBackend{}}
	c := recur.DefaultContext()
	c.Location = time.UTC
	c.Clock = h.clk
	settings := recur.NewSettings(c)

	h.store = calendar.NewStore(settings)
	h.store.AddResource("alarms", calendar.KindActive, &calendar.MemoryBackend{Initial: events})
	h.store.AddResource("archive", calendar.KindArchived, h.archive)
	h.store.MarkResourcesKnown()
	require.NoError(t, h.store.Populate(context.Background()))

	o := Options{
		Calendar:        h.store,
		Executor:        h.exec,
		Settings:        settings,
		ArchiveKeepDays: -1,
		OnExit:          func(code int) { h.exits = append(h.exits, code) },
		OnFatal:         func(err error) { h.fatals = append(h.fatals, err) },
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.eng = New(o)
	h.store.OnPopulated(h.eng.ResourcePopulated)
	h.eng.Start()
	h.eng.drain()
	return h
}

func withContext(fn func(c *recur.Context)) harnessOpt {
	return func(o *Options) {
		c := *o.Settings.Context()
		fn(&c)
		o.Settings.Replace(&c)
	}
}

func msg(id string, at time.Time) event.Event {
	return event.Event{ID: id, Action: event.Message, Text: id, Start: recur.At(at), Enabled: true}
}

func daily(t *testing.T, id string, at time.Time, rule string) event.Event {
	t.Helper()
	ev := msg(id, at)
	r, err := recur.ParseRule(ev.Start, rule, nil)
	require.NoError(t, err)
	ev.Recurrence = r
	return ev
}

func (h *harness) find(t *testing.T, id string) event.Event {
	t.Helper()
	ev, err := h.store.Find(id, 0, false)
	require.NoError(t, err)
	return ev
}

func (h *harness) calledTypes() []event.AlarmType {
	out := make([]event.AlarmType, 0, len(h.exec.calls))
	for _, c := range h.exec.calls {
		out = append(out, c.typ)
	}
	return out
}

func TestNonRecurringAlarmFiresAndIsArchived(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("once", t0)})

	assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.calledTypes())
	assert.Equal(t, action.FlagReschedule, h.exec.calls[0].flags)
	_, err := h.store.Find("once", 0, false)
	assert.ErrorIs(t, err, calendar.ErrNotFound)

	archived := h.store.ArchivedEvents()
	require.Len(t, archived, 1)
	assert.Equal(t, "once", archived[0].ID)
	assert.True(t, h.eng.WakeAt().IsZero())
}

func TestExpiredAlarmNotArchivedWhenArchivingDisabled(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("once", t0)}, func(o *Options) { o.ArchiveKeepDays = 0 })
	assert.Len(t, h.exec.calls, 1)
	assert.Empty(t, h.store.ArchivedEvents())
}

func TestDailyAlarmFiresOnceAndMovesToNextDay(t *testing.T) {
	h := newHarness(t, t0.Add(30*time.Minute), []event.Event{daily(t, "daily", t0, "FREQ=DAILY")})

	assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.calledTypes())
	ev := h.find(t, "daily")
	assert.Equal(t, event.Active, ev.Category)
	assert.True(t, ev.MainTime().Time.Equal(t0.AddDate(0, 0, 1)))
	assert.Equal(t, 1, ev.Revision)
	assert.Equal(t, t0.Add(30*time.Minute+maxWake+wakeSlack), h.eng.WakeAt())
}

func TestWorkTimeAlarmSkipsWeekendWithoutFiring(t *testing.T) {
	sat := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)
	ev := daily(t, "work", sat, "FREQ=DAILY")
	ev.WorkTimeOnly = true
	h := newHarness(t, sat, []event.Event{ev})

	assert.Empty(t, h.exec.calls)
	got := h.find(t, "work")
	assert.True(t, got.MainTime().Time.Equal(time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)))
}

func TestDeferralBeyondLimitIsRejected(t *testing.T) {
	h := newHarness(t, t0.Add(-time.Hour), []event.Event{daily(t, "d", t0, "FREQ=DAILY")})
	before := h.find(t, "d")

	var res Result
	h.eng.Enqueue(&Entry{Kind: KindDefer, EventID: "d", DeferTo: recur.At(t0.Add(2 * time.Hour)), Reply: func(r Result) { res = r }})
	h.eng.drain()

	assert.Equal(t, ResultFailed, res.Code)
	assert.ErrorIs(t, res.Err, event.ErrDeferralLimit)
	after := h.find(t, "d")
	assert.Equal(t, before.Alarms(true), after.Alarms(true))
	assert.Equal(t, before.Revision, after.Revision)
}

func TestDeferralWithinLimit(t *testing.T) {
	h := newHarness(t, t0.Add(-time.Hour), []event.Event{daily(t, "d", t0, "FREQ=DAILY")})

	var res Result
	h.eng.Enqueue(&Entry{Kind: KindDefer, EventID: "d", DeferTo: recur.At(t0.Add(-30 * time.Minute)), Reply: func(r Result) { res = r }})
	h.eng.drain()
	require.Equal(t, ResultOK, res.Code)

	ev := h.find(t, "d")
	a, ok := ev.NextTrigger(recur.DefaultContext())
	require.True(t, ok)
	assert.Equal(t, event.DeferredAlarm, a.Type)
	assert.Equal(t, t0.Add(-time.Hour+maxWake+wakeSlack), h.eng.WakeAt())

	h.clk.Set(t0.Add(-30*time.Minute + time.Second))
	h.eng.drain()
	assert.Equal(t, []event.AlarmType{event.DeferredAlarm}, h.calledTypes())
	got := h.find(t, "d")
	assert.True(t, got.DeferralTime.IsZero())
	assert.True(t, got.MainTime().Time.Equal(t0))
}

func TestDeferredOneOffAlarmIsArchived(t *testing.T) {
	tests := []struct {
		name       string
		lateCancel int
		fireAt     time.Time
		calls      []event.AlarmType
	}{
		{"fires", 0, t0.Add(time.Hour + time.Second), []event.AlarmType{event.DeferredAlarm}},
		{"expires late", 1, t0.Add(time.Hour + 2*time.Minute), []event.AlarmType{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := msg("once", t0)
			ev.LateCancel = tt.lateCancel
			h := newHarness(t, t0.Add(-time.Hour), []event.Event{ev})

			var res Result
			h.eng.Enqueue(&Entry{Kind: KindDefer, EventID: "once", DeferTo: recur.At(t0.Add(time.Hour)), Reply: func(r Result) { res = r }})
			h.eng.drain()
			require.Equal(t, ResultOK, res.Code)

			h.clk.Set(tt.fireAt)
			h.eng.drain()
			assert.Equal(t, tt.calls, h.calledTypes())
			_, err := h.store.Find("once", 0, false)
			assert.ErrorIs(t, err, calendar.ErrNotFound)
			archived := h.store.ArchivedEvents()
			require.Len(t, archived, 1)
			assert.Equal(t, "once", archived[0].ID)
		})
	}
}

func TestUnknownResourceIDDoesNotBlockQueue(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("later", t0.Add(time.Hour))})

	var res Result
	h.eng.Enqueue(&Entry{Kind: KindHandle, EventID: "later", ResourceID: 99, Reply: func(r Result) { res = r }})
	h.eng.Enqueue(&Entry{Kind: KindCancel, EventID: "later"})
	h.eng.drain()

	assert.Equal(t, ResultNotFound, res.Code)
	assert.Zero(t, h.eng.QueueLen())
	_, err := h.store.Find("later", 0, false)
	assert.ErrorIs(t, err, calendar.ErrNotFound)
}

func TestDuplicateHandleIsDropped(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("later", t0.Add(time.Hour))})

	rid, err := h.store.ResolveResource("alarms")
	require.NoError(t, err)

	assert.True(t, h.eng.EnqueueHandle("later", 0))
	assert.False(t, h.eng.EnqueueHandle("later", 0))
	assert.False(t, h.eng.EnqueueHandle("later", rid), "default resource and its id are the same")
	assert.False(t, h.eng.Enqueue(&Entry{Kind: KindHandle, EventID: "later", ResourceName: "alarms"}))
	assert.Equal(t, 1, h.eng.QueueLen())
	assert.True(t, h.eng.EnqueueTrigger("later", 0))
	assert.Equal(t, 2, h.eng.QueueLen())

	h.eng.drain()
	assert.Zero(t, h.eng.QueueLen())
}

func TestPopulationTimeoutIsFatalOnce(t *testing.T) {
	clk := clock.NewFake(t0)
	c := recur.DefaultContext()
	c.Clock = clk
	settings := recur.NewSettings(c)
	store := calendar.NewStore(settings)
	store.AddResource("alarms", calendar.KindActive, &calendar.MemoryBackend{})
	store.MarkResourcesKnown()

	exec := &fakeExec{}
	var fatals []error
	var exits []int
	eng := New(Options{
		Calendar: store, Executor: exec, Settings: settings, PopulateTimeout: 10 * time.Second,
		OnFatal: func(err error) { fatals = append(fatals, err) },
		OnExit:  func(code int) { exits = append(exits, code) },
	})
	eng.Start()
	var res Result
	eng.Enqueue(&Entry{Kind: KindHandle, EventID: "x", Reply: func(r Result) { res = r }})
	eng.drain()
	assert.Equal(t, 2, eng.QueueLen(), "blocked behind the unpopulated resource")
	assert.Empty(t, fatals)

	clk.Advance(10 * time.Second)
	eng.drain()
	assert.Zero(t, eng.QueueLen())
	require.Len(t, fatals, 1)
	assert.ErrorIs(t, fatals[0], ErrFatalStartup)
	assert.Equal(t, []int{1}, exits)
	assert.Equal(t, ResultFailed, res.Code)
	assert.ErrorIs(t, res.Err, ErrResourceNotReady)

	assert.False(t, eng.EnqueueHandle("x", 0))
	clk.Advance(time.Minute)
	eng.drain()
	assert.Len(t, fatals, 1)
	assert.Empty(t, exec.calls)
}

func TestQueueResumesWhenResourcePopulates(t *testing.T) {
	clk := clock.NewFake(t0)
	c := recur.DefaultContext()
	c.Location = time.UTC
	c.Clock = clk
	settings := recur.NewSettings(c)
	store := calendar.NewStore(settings)
	id := store.AddResource("alarms", calendar.KindActive, &calendar.MemoryBackend{Initial: []event.Event{msg("a", t0)}})
	store.MarkResourcesKnown()

	exec := &fakeExec{}
	eng := New(Options{Calendar: store, Executor: exec, Settings: settings})
	store.OnPopulated(eng.ResourcePopulated)
	eng.Start()
	eng.drain()
	assert.Empty(t, exec.calls)

	require.NoError(t, store.PopulateResource(context.Background(), id))
	eng.drain()
	require.Len(t, exec.calls, 1)
	assert.Equal(t, "a", exec.calls[0].id)
}

func TestLateCancelBoundary(t *testing.T) {
	late := func(id string) event.Event {
		ev := msg(id, t0)
		ev.LateCancel = 2
		return ev
	}

	h := newHarness(t, t0.Add(65*time.Second), []event.Event{late("ontime")})
	assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.calledTypes())

	h = newHarness(t, t0.Add(125*time.Second), []event.Event{late("edge")})
	assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.calledTypes())

	h = newHarness(t, t0.Add(126*time.Second), []event.Event{late("late")})
	assert.Empty(t, h.exec.calls)
	_, err := h.store.Find("late", 0, false)
	assert.ErrorIs(t, err, calendar.ErrNotFound)
	assert.Len(t, h.store.ArchivedEvents(), 1, "expired late alarms are archived")
}

func TestOneMinuteLateCancelAllowsAMinute(t *testing.T) {
	tests := []struct {
		name  string
		after time.Duration
		fires bool
	}{
		{"thirty seconds", 30 * time.Second, true},
		{"a minute and leeway", 65 * time.Second, true},
		{"past the leeway", 66 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := msg("l1", t0)
			ev.LateCancel = 1
			h := newHarness(t, t0.Add(tt.after), []event.Event{ev})
			if tt.fires {
				assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.calledTypes())
			} else {
				assert.Empty(t, h.exec.calls)
			}
		})
	}
}

func TestLateDateOnlyAlarm(t *testing.T) {
	tests := []struct {
		name       string
		lateCancel int
		now        time.Time
		fires      bool
	}{
		{"same day", 1, t0.Add(8 * time.Hour), true},
		{"next day", 1, t0.AddDate(0, 0, 1), false},
		{"within a day of lateness", 1500, t0.AddDate(0, 0, 1), true},
		{"past a day of lateness", 1500, t0.AddDate(0, 0, 2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := msg("d", t0)
			ev.Start = recur.DateOf(t0)
			ev.LateCancel = tt.lateCancel
			h := newHarness(t, tt.now, []event.Event{ev})
			if tt.fires {
				assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.calledTypes())
			} else {
				assert.Empty(t, h.exec.calls)
			}
		})
	}
}

func TestRepeatedWallClockHour(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("zoneinfo unavailable")
	}
	// 2026-10-25 02:45 CEST; 02:00-03:00 is repeated an hour later as CET.
	now := time.Date(2026, 10, 25, 0, 45, 0, 0, time.UTC)
	tests := []struct {
		name  string
		at    time.Time
		fires bool
	}{
		{"02:30 CEST already passed", time.Date(2026, 10, 25, 0, 30, 0, 0, time.UTC), true},
		{"02:30 CET in the repeated hour", time.Date(2026, 10, 25, 1, 30, 0, 0, time.UTC), true},
		{"02:50 CET not reached on the wall clock", time.Date(2026, 10, 25, 1, 50, 0, 0, time.UTC), false},
		{"03:10 CET", time.Date(2026, 10, 25, 2, 10, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, now, []event.Event{msg("fold", tt.at)},
				withContext(func(c *recur.Context) { c.Location = berlin }))
			if tt.fires {
				assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.calledTypes())
			} else {
				assert.Empty(t, h.exec.calls)
				assert.False(t, h.eng.WakeAt().IsZero())
			}
		})
	}
}

func TestSubRepetitionStepsThenRecurs(t *testing.T) {
	ev := daily(t, "rep", t0, "FREQ=DAILY")
	ev.Repetition = recur.Repetition{Interval: 10 * time.Minute, Count: 2}
	h := newHarness(t, t0, []event.Event{ev})

	steps := []struct {
		now    time.Time
		repeat int
		next   time.Time
	}{
		{t0, 1, t0.Add(10 * time.Minute)},
		{t0.Add(10*time.Minute + time.Second), 2, t0.Add(20 * time.Minute)},
		{t0.Add(20*time.Minute + time.Second), 0, t0.AddDate(0, 0, 1)},
	}
	for i, st := range steps {
		if i > 0 {
			h.clk.Set(st.now)
			h.eng.drain()
		}
		require.Len(t, h.exec.calls, i+1, "step %d", i)
		got := h.find(t, "rep")
		assert.Equal(t, st.repeat, got.MainRepeat, "step %d", i)
		assert.True(t, got.MainTime().Time.Equal(st.next), "step %d: next %v", i, got.MainTime())
	}
	assert.True(t, h.find(t, "rep").NextMain.Time.Equal(t0.AddDate(0, 0, 1)))
}

func TestHolidayExclusion(t *testing.T) {
	tests := []struct {
		name     string
		exclude  bool
		holidays map[string]string
		fires    bool
		next     time.Time
	}{
		{"excluded on a holiday", true, map[string]string{"2026-03-02": "Test Day"}, false, t0.AddDate(0, 0, 1)},
		{"excluded through consecutive holidays", true, map[string]string{"2026-03-02": "A", "2026-03-03": "B"}, false, t0.AddDate(0, 0, 2)},
		{"holiday without the flag", false, map[string]string{"2026-03-02": "Test Day"}, true, t0.AddDate(0, 0, 1)},
		{"flag on an ordinary day", true, map[string]string{"2026-03-05": "Later"}, true, t0.AddDate(0, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := daily(t, "hol", t0, "FREQ=DAILY")
			ev.ExcludeHolidays = tt.exclude
			h := newHarness(t, t0, []event.Event{ev},
				withContext(func(c *recur.Context) { c.Holidays = tt.holidays }))
			if tt.fires {
				assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.calledTypes())
			} else {
				assert.Empty(t, h.exec.calls)
			}
			got := h.find(t, "hol")
			assert.True(t, got.MainTime().Time.Equal(tt.next))
		})
	}
}

func TestLateRecurringAlarmIsSkippedToNextOccurrence(t *testing.T) {
	ev := daily(t, "r", t0, "FREQ=DAILY")
	ev.LateCancel = 1
	h := newHarness(t, t0.Add(2*time.Minute), []event.Event{ev})

	assert.Empty(t, h.exec.calls)
	got := h.find(t, "r")
	assert.True(t, got.MainTime().Time.Equal(t0.AddDate(0, 0, 1)))
}

func TestLateFinalRecurrenceExpires(t *testing.T) {
	ev := daily(t, "r", t0, "FREQ=DAILY;COUNT=2")
	ev.LateCancel = 1
	h := newHarness(t, t0.AddDate(0, 0, 3), []event.Event{ev})

	assert.Empty(t, h.exec.calls)
	_, err := h.store.Find("r", 0, false)
	assert.ErrorIs(t, err, calendar.ErrNotFound)
}

func TestInhibitedDisplayIsBlockedAndRetried(t *testing.T) {
	h := newHarness(t, t0.Add(-time.Minute), []event.Event{msg("m", t0)})
	h.exec.inhibited = true
	h.clk.Set(t0)

	var res Result
	h.eng.Enqueue(&Entry{Kind: KindHandle, EventID: "m", Reply: func(r Result) { res = r }})
	h.eng.drain()
	assert.Equal(t, ResultBlocked, res.Code)
	assert.Empty(t, h.exec.calls)
	ev := h.find(t, "m")
	assert.True(t, ev.MainTime().Time.Equal(t0))
	assert.Zero(t, ev.Revision)

	h.eng.SetNotificationsInhibited(false)
	h.eng.drain()
	assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.calledTypes())
}

func TestInhibitedCommandsStillRun(t *testing.T) {
	cmd := msg("cmd", t0)
	cmd.Action = event.Command
	h := newHarness(t, t0.Add(-time.Minute), []event.Event{cmd, msg("m", t0)})
	h.eng.SetNotificationsInhibited(true)
	h.clk.Set(t0)
	h.eng.drain()
	assert.Empty(t, h.exec.calls, "wake not reached yet")

	h.clk.Advance(time.Second)
	h.eng.drain()
	require.Len(t, h.exec.calls, 1)
	assert.Equal(t, "cmd", h.exec.calls[0].id)
	h.find(t, "m")
}

func TestForcedTriggerExecutesWithoutRescheduling(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("future", t0.Add(time.Hour))})

	var res Result
	h.eng.Enqueue(&Entry{Kind: KindTrigger, EventID: "future", Reply: func(r Result) { res = r }})
	h.eng.drain()

	assert.Equal(t, ResultOK, res.Code)
	require.Len(t, h.exec.calls, 1)
	assert.Equal(t, action.Flags(0), h.exec.calls[0].flags)
	ev := h.find(t, "future")
	assert.True(t, ev.MainTime().Time.Equal(t0.Add(time.Hour)))
}

func TestHandleMissingEventReportsNotFound(t *testing.T) {
	h := newHarness(t, t0, nil)
	var res Result
	h.eng.Enqueue(&Entry{Kind: KindHandle, EventID: "nope", Reply: func(r Result) { res = r }})
	h.eng.drain()
	assert.Equal(t, ResultNotFound, res.Code)
	assert.ErrorIs(t, res.Err, ErrNotFound)
}

func TestWakeTimerDurations(t *testing.T) {
	assert.Equal(t, 31*time.Second, wakeDelay(30*time.Second))
	assert.Equal(t, 61*time.Second, wakeDelay(10*time.Minute))
	assert.Equal(t, time.Second, wakeDelay(-time.Second))

	h := newHarness(t, t0, []event.Event{msg("soon", t0.Add(30*time.Second))})
	assert.Equal(t, t0.Add(31*time.Second), h.eng.WakeAt())
	assert.Empty(t, h.exec.calls)

	h.clk.Advance(31 * time.Second)
	h.eng.drain()
	assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.calledTypes())
}

func TestLongSleepIsCappedAtAMinute(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("later", t0.Add(3*time.Hour))})
	assert.Equal(t, t0.Add(61*time.Second), h.eng.WakeAt())

	h.clk.Advance(61 * time.Second)
	h.eng.drain()
	assert.Equal(t, t0.Add(122*time.Second), h.eng.WakeAt())
}

func TestNestedProcessQueueIsNoop(t *testing.T) {
	h := newHarness(t, t0.Add(-time.Minute), []event.Event{msg("a", t0), msg("b", t0)})
	var nested []int
	h.exec.onExecute = func() {
		before := len(h.exec.calls)
		h.eng.ProcessQueue()
		nested = append(nested, len(h.exec.calls)-before)
	}
	h.clk.Set(t0)
	h.eng.EnqueueHandle("a", 0)
	h.eng.EnqueueHandle("b", 0)
	h.eng.drain()

	assert.Equal(t, []int{0, 0}, nested)
	assert.Len(t, h.exec.calls, 2)
}

func TestExitAfterProcessing(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("later", t0.Add(time.Hour))})
	h.eng.Enqueue(&Entry{Kind: KindTrigger, EventID: "later", ExitAfterProcessing: true})
	h.eng.EnqueueHandle("later", 0)
	h.eng.drain()
	assert.Equal(t, []int{0}, h.exits)
	assert.True(t, h.eng.Exited())
	assert.Len(t, h.exec.calls, 1)

	h = newHarness(t, t0, nil)
	h.eng.Enqueue(&Entry{Kind: KindTrigger, EventID: "missing", ExitAfterProcessing: true})
	h.eng.drain()
	assert.Equal(t, []int{1}, h.exits)
}

func TestExitOnError(t *testing.T) {
	h := newHarness(t, t0, nil)
	h.eng.Enqueue(&Entry{Kind: KindCancel, EventID: "missing", ExitOnError: true})
	h.eng.drain()
	assert.Equal(t, []int{1}, h.exits)
}

func TestResourceNameResolution(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("later", t0.Add(time.Hour))})
	var res Result
	h.eng.Enqueue(&Entry{Kind: KindCancel, EventID: "later", ResourceName: "alarms", Reply: func(r Result) { res = r }})
	h.eng.drain()
	assert.Equal(t, ResultOK, res.Code)

	h.eng.Enqueue(&Entry{Kind: KindCancel, EventID: "later", ResourceName: "bogus", Reply: func(r Result) { res = r }})
	h.eng.drain()
	assert.Equal(t, ResultNotFound, res.Code)
	assert.ErrorIs(t, res.Err, calendar.ErrResourceNotFound)
}

type fakeEditor struct {
	got  event.Event
	done func(*event.Event, bool)
}

func (f *fakeEditor) Edit(ev event.Event, done func(*event.Event, bool)) {
	f.got = ev
	f.done = done
}

func TestEditThroughEditor(t *testing.T) {
	ed := &fakeEditor{}
	h := newHarness(t, t0, []event.Event{msg("e", t0.Add(time.Hour))}, func(o *Options) { o.Editor = ed })

	h.eng.EnqueueEdit("e", 0, nil)
	h.eng.drain()
	require.NotNil(t, ed.done)
	assert.Equal(t, "e", ed.got.ID)
	assert.Equal(t, 1, h.eng.editPending)

	updated := ed.got
	updated.Text = "edited"
	updated.Start = recur.At(t0.Add(2 * time.Hour))
	ed.done(&updated, true)
	h.eng.drain()

	assert.Zero(t, h.eng.editPending)
	ev := h.find(t, "e")
	assert.Equal(t, "edited", ev.Text)
	assert.True(t, ev.MainTime().Time.Equal(t0.Add(2*time.Hour)))
	assert.Equal(t, t0.Add(61*time.Second), h.eng.WakeAt())
}

func TestEditCancelledLeavesEvent(t *testing.T) {
	ed := &fakeEditor{}
	h := newHarness(t, t0, []event.Event{msg("e", t0.Add(time.Hour))}, func(o *Options) { o.Editor = ed })
	h.eng.EnqueueEdit("e", 0, nil)
	h.eng.drain()
	ed.done(nil, false)
	h.eng.drain()
	assert.Zero(t, h.eng.editPending)
	assert.Equal(t, "e", h.find(t, "e").Text)
}

func TestDirectEditReplacesEvent(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("e", t0.Add(time.Hour))})
	repl := msg("ignored", t0.Add(3*time.Hour))
	repl.Text = "new text"

	var res Result
	h.eng.Enqueue(&Entry{Kind: KindEdit, EventID: "e", Event: &repl, Reply: func(r Result) { res = r }})
	h.eng.drain()
	require.Equal(t, ResultOK, res.Code)
	ev := h.find(t, "e")
	assert.Equal(t, "new text", ev.Text)
	assert.True(t, ev.MainTime().Time.Equal(t0.Add(3*time.Hour)))
}

func TestCommandDoneRecordsError(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("c", t0.Add(time.Hour))})

	h.exec.hooks.CommandDone("c", 0, event.CmdErrPre, true)
	h.eng.drain()
	assert.Equal(t, event.CmdErrPre, h.find(t, "c").CommandError)

	h.exec.hooks.CommandDone("c", 0, event.CmdErrPost, true)
	h.eng.drain()
	assert.Equal(t, event.CmdErrPrePost, h.find(t, "c").CommandError)

	h.exec.hooks.CommandDone("gone", 0, event.CmdErrMain, true)
	h.eng.drain()
	assert.Zero(t, h.eng.QueueLen())
}

func TestCommandSuccessClearsError(t *testing.T) {
	ev := msg("c", t0.Add(time.Hour))
	ev.CommandError = event.CmdErrMain
	h := newHarness(t, t0, []event.Event{ev})
	h.exec.hooks.CommandDone("c", 0, event.CmdErrMain, false)
	h.eng.drain()
	assert.Equal(t, event.CmdErrNone, h.find(t, "c").CommandError)
}

func TestNewEventIsScheduled(t *testing.T) {
	h := newHarness(t, t0, nil)
	var res Result
	h.eng.Enqueue(&Entry{Kind: KindNew, Event: &event.Event{Action: event.Message, Text: "hi", Start: recur.At(t0.Add(20 * time.Second)), Enabled: true},
		Reply: func(r Result) { res = r }})
	h.eng.drain()
	require.Equal(t, ResultOK, res.Code)
	require.NotEmpty(t, res.EventID)
	assert.Equal(t, t0.Add(21*time.Second), h.eng.WakeAt())
}

func TestNewRecurringEventStartsAtNextOccurrence(t *testing.T) {
	h := newHarness(t, t0, nil)
	ev := daily(t, "", t0.Add(-48*time.Hour+time.Hour), "FREQ=DAILY")
	ev.Text = "recurring"
	assert.True(t, h.eng.EnqueueNewEvent(ev))
	h.eng.drain()

	list := h.eng.ScheduledAlarmList()
	require.Len(t, list, 1)
	assert.Equal(t, t0.Add(time.Hour), list[0].Trigger)
	assert.Empty(t, h.exec.calls)
}

func TestScheduledAlarmListIsSortedAndReadOnly(t *testing.T) {
	h := newHarness(t, t0, []event.Event{msg("b", t0.Add(2*time.Hour)), msg("a", t0.Add(time.Hour))})
	list := h.eng.ScheduledAlarmList()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].EventID)
	assert.Equal(t, "main", list[0].TypeName)
	assert.Equal(t, "b", list[1].EventID)

	var res Result
	h.eng.EnqueueList(func(r Result) { res = r })
	h.eng.drain()
	assert.Equal(t, list, res.Alarms)
	assert.Zero(t, h.find(t, "a").Revision)
}

func TestAtLoginAlarmFiresAtStartup(t *testing.T) {
	ev := msg("login", t0.Add(time.Hour))
	ev.RepeatAtLogin = true
	h := newHarness(t, t0, []event.Event{ev})

	assert.Equal(t, []event.AlarmType{event.AtLoginAlarm}, h.calledTypes())
	got := h.find(t, "login")
	assert.True(t, got.RepeatAtLogin)
	assert.True(t, got.Archive)

	h = newHarness(t, t0, []event.Event{ev}, func(o *Options) { o.SkipLogin = true })
	assert.Empty(t, h.exec.calls)
}

func TestAtLoginYieldsToDueMain(t *testing.T) {
	tests := []struct {
		name  string
		main  time.Time
		calls []event.AlarmType
	}{
		{"main due", t0, []event.AlarmType{event.MainAlarm}},
		{"main overdue", t0.Add(-5 * time.Minute), []event.AlarmType{event.MainAlarm}},
		{"main in the future", t0.Add(time.Hour), []event.AlarmType{event.AtLoginAlarm}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := daily(t, "login", tt.main, "FREQ=DAILY")
			ev.RepeatAtLogin = true
			h := newHarness(t, t0, []event.Event{ev})
			assert.Equal(t, tt.calls, h.calledTypes())
			assert.True(t, h.find(t, "login").RepeatAtLogin)
		})
	}
}

func TestReminderFiresBeforeMain(t *testing.T) {
	ev := msg("r", t0)
	ev.ReminderMinutes = 10
	h := newHarness(t, t0.Add(-10*time.Minute), []event.Event{ev})
	assert.Equal(t, []event.AlarmType{event.ReminderAlarm}, h.calledTypes())
	assert.False(t, h.find(t, "r").ReminderActive)

	h.clk.Set(t0)
	h.clk.Advance(time.Second)
	h.eng.drain()
	assert.Equal(t, []event.AlarmType{event.ReminderAlarm, event.MainAlarm}, h.calledTypes())
}

func TestArchivePurge(t *testing.T) {
	old := msg("old", t0.AddDate(0, 0, -10))
	old.Category = event.Archived
	old.ArchivedAt = t0.AddDate(0, 0, -5)
	recent := msg("recent", t0.AddDate(0, 0, -1))
	recent.Category = event.Archived
	recent.ArchivedAt = t0.Add(-time.Hour)

	clk := clock.NewFake(t0)
	c := recur.DefaultContext()
	c.Clock = clk
	settings := recur.NewSettings(c)
	store := calendar.NewStore(settings)
	store.AddResource("alarms", calendar.KindActive, &calendar.MemoryBackend{})
	store.AddResource("archive", calendar.KindArchived, &calendar.MemoryBackend{Initial: []event.Event{old, recent}})
	store.MarkResourcesKnown()
	require.NoError(t, store.Populate(context.Background()))

	eng := New(Options{Calendar: store, Executor: &fakeExec{}, Settings: settings, ArchiveKeepDays: 2})
	eng.Start()
	eng.drain()

	archived := store.ArchivedEvents()
	require.Len(t, archived, 1)
	assert.Equal(t, "recent", archived[0].ID)
}

func TestPurgeSchedulerRejectsBadSchedule(t *testing.T) {
	h := newHarness(t, t0, nil)
	_, err := NewPurgeScheduler(h.eng, "not a schedule", time.UTC)
	assert.Error(t, err)

	p, err := NewPurgeScheduler(h.eng, "", time.UTC)
	require.NoError(t, err)
	p.Start()
	p.Stop()
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, t0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
