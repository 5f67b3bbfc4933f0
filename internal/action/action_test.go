package action

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/event"
	"alarmd/internal/recur"
)

type recordDisplay struct {
	mu    sync.Mutex
	shown []string
	err   error
}

func (r *recordDisplay) Display(_ context.Context, ev *event.Event, _ event.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, ev.ID)
	return r.err
}

type recordRunner struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]bool
}

func (r *recordRunner) Run(_ context.Context, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, command)
	if r.fail[command] {
		return errors.New("exit status 1")
	}
	return nil
}

func (r *recordRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type doneCall struct {
	id     string
	kind   event.CmdErr
	failed bool
}

type harness struct {
	adapter     *Adapter
	display     *recordDisplay
	runner      *recordRunner
	mu          sync.Mutex
	rescheduled []event.AlarmType
	done        []doneCall
}

func newHarness() *harness {
	h := &harness{display: &recordDisplay{}, runner: &recordRunner{fail: map[string]bool{}}}
	h.adapter = New(Options{Displayer: h.display, Runner: h.runner})
	h.adapter.Bind(Hooks{
		RescheduleFired: func(_ *event.Event, a event.Alarm) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.rescheduled = append(h.rescheduled, a.Type)
		},
		CommandDone: func(id string, _ int, kind event.CmdErr, failed bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.done = append(h.done, doneCall{id: id, kind: kind, failed: failed})
		},
	})
	return h
}

func message(id string) *event.Event {
	return &event.Event{ID: id, Action: event.Message, Text: "hi", Enabled: true,
		Start: recur.At(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))}
}

var mainAlarm = event.Alarm{Type: event.MainAlarm}

func TestExecuteDisplaysAndReschedules(t *testing.T) {
	h := newHarness()
	ev := message("a")
	assert.Equal(t, Started, h.adapter.Execute(ev, mainAlarm, FlagReschedule))
	assert.Equal(t, []string{"a"}, h.display.shown)
	assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.rescheduled)
}

func TestExecuteWithoutRescheduleFlag(t *testing.T) {
	h := newHarness()
	assert.Equal(t, Started, h.adapter.Execute(message("a"), mainAlarm, 0))
	assert.Empty(t, h.rescheduled)
}

func TestExecuteBlockedWhenInhibited(t *testing.T) {
	h := newHarness()
	h.adapter.SetInhibited(true)
	assert.True(t, h.adapter.Inhibited())
	assert.Equal(t, Blocked, h.adapter.Execute(message("a"), mainAlarm, FlagReschedule))
	assert.Empty(t, h.display.shown)
	assert.Empty(t, h.rescheduled)

	// Commands are not user-visible and still run.
	cmd := message("c")
	cmd.Action = event.Command
	cmd.Text = "true"
	assert.Equal(t, Started, h.adapter.Execute(cmd, mainAlarm, FlagReschedule))
	h.adapter.Wait()
	assert.Equal(t, []string{"true"}, h.runner.commands())
}

func TestExecuteDisabled(t *testing.T) {
	h := newHarness()
	ev := message("a")
	ev.Enabled = false
	assert.Equal(t, Disabled, h.adapter.Execute(ev, mainAlarm, FlagReschedule))
	assert.Empty(t, h.display.shown)
	assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.rescheduled)
}

func TestCommandCompletionIsReported(t *testing.T) {
	h := newHarness()
	h.runner.fail["false"] = true
	ev := message("c")
	ev.Action = event.Command
	ev.Text = "false"

	assert.Equal(t, Started, h.adapter.Execute(ev, mainAlarm, FlagReschedule))
	h.adapter.Wait()
	require.Len(t, h.done, 1)
	assert.Equal(t, doneCall{id: "c", kind: event.CmdErrMain, failed: true}, h.done[0])
}

func TestPreActionFailureCancels(t *testing.T) {
	h := newHarness()
	h.runner.fail["pre"] = true
	ev := message("a")
	ev.PreAction = "pre"
	ev.CancelOnPreActErr = true

	assert.Equal(t, Failed, h.adapter.Execute(ev, mainAlarm, FlagReschedule))
	assert.Empty(t, h.display.shown)
	assert.Equal(t, event.CmdErrPre, ev.CommandError)
	assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.rescheduled)
}

func TestPreActionFailureWithoutCancelStillDisplays(t *testing.T) {
	h := newHarness()
	h.runner.fail["pre"] = true
	ev := message("a")
	ev.PreAction = "pre"
	ev.PostAction = "post"

	assert.Equal(t, Started, h.adapter.Execute(ev, mainAlarm, FlagReschedule))
	h.adapter.Wait()
	assert.Equal(t, []string{"a"}, h.display.shown)
	assert.Equal(t, []string{"pre", "post"}, h.runner.commands())
	assert.Equal(t, event.CmdErrPre, ev.CommandError)
	require.Len(t, h.done, 1)
	assert.Equal(t, event.CmdErrPost, h.done[0].kind)
	assert.False(t, h.done[0].failed)
}

func TestReminderSkipsPreAndPostActions(t *testing.T) {
	h := newHarness()
	ev := message("a")
	ev.PreAction = "pre"
	ev.PostAction = "post"
	assert.Equal(t, Started, h.adapter.Execute(ev, event.Alarm{Type: event.ReminderAlarm}, 0))
	h.adapter.Wait()
	assert.Empty(t, h.runner.commands())
}

func TestEmailIsQueued(t *testing.T) {
	h := newHarness()
	ev := message("m")
	ev.Action = event.Email
	ev.Email.To = []string{"a@example.com"}
	assert.Equal(t, Queued, h.adapter.Execute(ev, mainAlarm, FlagReschedule))
	h.adapter.Wait()
	assert.Equal(t, []event.AlarmType{event.MainAlarm}, h.rescheduled)
}

func TestDisplayFailure(t *testing.T) {
	h := newHarness()
	h.display.err = errors.New("no display")
	assert.Equal(t, Failed, h.adapter.Execute(message("a"), mainAlarm, FlagReschedule))
	assert.Len(t, h.rescheduled, 1)
}

func TestConsoleDisplayer(t *testing.T) {
	var buf bytes.Buffer
	d := ConsoleDisplayer{Out: &buf}
	require.NoError(t, d.Display(context.Background(), message("a"), event.Alarm{Type: event.ReminderAlarm}))
	assert.Contains(t, buf.String(), "Reminder")
	assert.Contains(t, buf.String(), "hi")
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "blocked", Blocked.String())
	assert.Equal(t, "disabled", Disabled.String())
}
