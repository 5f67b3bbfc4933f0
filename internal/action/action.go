// Package action executes a due alarm instance by handing it to the
// presentation collaborators (display, command, email, audio).
package action

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"alarmd/internal/event"
	appLog "alarmd/internal/log"
)

// Status is the outcome of Execute.
type Status int

const (
	// Started means the action is running or has been presented.
	Started Status = iota
	// Queued means the action was accepted for asynchronous delivery.
	Queued
	// Blocked means a user-visible action was held because notifications
	// are inhibited. Nothing was changed.
	Blocked
	Failed
	// Disabled means the event is disabled; the instance was consumed
	// without performing the action.
	Disabled
)

func (s Status) String() string {
	switch s {
	case Started:
		return "started"
	case Queued:
		return "queued"
	case Blocked:
		return "blocked"
	case Failed:
		return "failed"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Flags modify Execute.
type Flags uint

const (
	// FlagReschedule advances the event once the action has started.
	FlagReschedule Flags = 1 << iota
	// FlagNoPreAction skips the event's pre-action command.
	FlagNoPreAction
)

// Displayer presents message and file alarms. Display returns once the
// alarm has been shown.
type Displayer interface {
	Display(ctx context.Context, ev *event.Event, alarm event.Alarm) error
}

// Mailer delivers email alarms.
type Mailer interface {
	Send(ctx context.Context, ev *event.Event) error
}

// Player plays audio alarms.
type Player interface {
	Play(ctx context.Context, ev *event.Event) error
}

// Runner runs a shell command line to completion.
type Runner interface {
	Run(ctx context.Context, command string) error
}

// Hooks connect the adapter back to the scheduler. RescheduleFired is
// called synchronously from Execute; CommandDone is called from the
// goroutine that ran the command.
type Hooks struct {
	RescheduleFired func(ev *event.Event, alarm event.Alarm)
	CommandDone     func(eventID string, resourceID int, kind event.CmdErr, failed bool)
}

// Options configures an Adapter. Nil collaborators fall back to the
// logging implementations in this package.
type Options struct {
	Displayer Displayer
	Mailer    Mailer
	Player    Player
	Runner    Runner

	// PreActionTimeout bounds the synchronous pre-action command.
	PreActionTimeout time.Duration
	// CommandTimeout bounds asynchronous commands and post-actions.
	CommandTimeout time.Duration
}

// Adapter dispatches alarm instances to the collaborators.
type Adapter struct {
	display Displayer
	mail    Mailer
	play    Player
	run     Runner
	opts    Options

	inhibited atomic.Bool

	mu    sync.Mutex
	hooks Hooks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an Adapter.
func New(opts Options) *Adapter {
	if opts.PreActionTimeout <= 0 {
		opts.PreActionTimeout = 30 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Minute
	}
	a := &Adapter{
		display: opts.Displayer,
		mail:    opts.Mailer,
		play:    opts.Player,
		run:     opts.Runner,
		opts:    opts,
	}
	if a.display == nil {
		a.display = LogDisplayer{}
	}
	if a.mail == nil {
		a.mail = LogMailer{}
	}
	if a.play == nil {
		a.play = LogPlayer{}
	}
	if a.run == nil {
		a.run = ShellRunner{}
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

// Bind installs the scheduler hooks.
func (a *Adapter) Bind(h Hooks) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = h
}

func (a *Adapter) getHooks() Hooks {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hooks
}

// Inhibited reports whether user-visible notifications are held.
func (a *Adapter) Inhibited() bool { return a.inhibited.Load() }

// SetInhibited holds or releases user-visible notifications.
func (a *Adapter) SetInhibited(v bool) { a.inhibited.Store(v) }

// Close cancels running commands and waits for them to finish.
func (a *Adapter) Close() {
	a.cancel()
	a.wg.Wait()
}

// Wait blocks until all asynchronous actions have completed.
func (a *Adapter) Wait() { a.wg.Wait() }

// Execute performs the action of ev for the given instance. With
// FlagReschedule the event is advanced through the RescheduleFired hook
// once the action has been started; a Blocked result leaves it untouched.
func (a *Adapter) Execute(ev *event.Event, alarm event.Alarm, flags Flags) Status {
	hooks := a.getHooks()
	reschedule := func() {
		if flags&FlagReschedule != 0 && hooks.RescheduleFired != nil {
			hooks.RescheduleFired(ev, alarm)
		}
	}

	if !ev.Enabled {
		appLog.Info("alarm disabled, skipping", "id", ev.ID, "alarm", alarm.Type)
		reschedule()
		return Disabled
	}
	if ev.Action.IsDisplay() && a.Inhibited() {
		appLog.Info("notifications inhibited, holding alarm", "id", ev.ID, "alarm", alarm.Type)
		return Blocked
	}

	switch ev.Action {
	case event.Command:
		a.async(ev, ev.Text, event.CmdErrMain, hooks)
		reschedule()
		return Started

	case event.Email:
		a.wg.Add(1)
		mailEv := ev.Clone()
		go func() {
			defer a.wg.Done()
			ctx, cancel := context.WithTimeout(a.ctx, a.opts.CommandTimeout)
			defer cancel()
			if err := a.mail.Send(ctx, &mailEv); err != nil {
				appLog.Error("email alarm failed", err, "id", mailEv.ID, "to", mailEv.Email.To)
			}
		}()
		reschedule()
		return Queued
	}

	if ev.PreAction != "" && flags&FlagNoPreAction == 0 && !alarm.Type.IsReminder() {
		ctx, cancel := context.WithTimeout(a.ctx, a.opts.PreActionTimeout)
		err := a.run.Run(ctx, ev.PreAction)
		cancel()
		if err != nil {
			appLog.Error("pre-action failed", err, "id", ev.ID, "command", ev.PreAction)
			ev.SetCommandError(event.CmdErrPre)
			if ev.CancelOnPreActErr {
				reschedule()
				return Failed
			}
		}
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.opts.CommandTimeout)
	var err error
	if ev.Action == event.Audio {
		err = a.play.Play(ctx, ev)
	} else {
		err = a.display.Display(ctx, ev, alarm)
	}
	cancel()
	if err != nil {
		appLog.Error("alarm presentation failed", err, "id", ev.ID, "action", ev.Action)
		reschedule()
		return Failed
	}
	if ev.PostAction != "" && !alarm.Type.IsReminder() {
		a.async(ev, ev.PostAction, event.CmdErrPost, hooks)
	}
	reschedule()
	return Started
}

// async runs command in the background and reports its outcome through
// the CommandDone hook.
func (a *Adapter) async(ev *event.Event, command string, kind event.CmdErr, hooks Hooks) {
	id, resource := ev.ID, ev.ResourceID
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, a.opts.CommandTimeout)
		defer cancel()
		err := a.run.Run(ctx, command)
		if err != nil {
			appLog.Error("alarm command failed", err, "id", id, "command", command)
		} else {
			appLog.Debug("alarm command finished", "id", id)
		}
		if hooks.CommandDone != nil {
			hooks.CommandDone(id, resource, kind, err != nil)
		}
	}()
}
