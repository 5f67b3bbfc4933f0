// Package engine is the alarm scheduler. It owns the action queue, decides
// when each alarm is due, hands due instances to an executor and moves
// every event on to its next trigger afterwards.
//
// All queue processing happens on one goroutine (Run). Other goroutines
// talk to the engine only through the Enqueue methods, which are safe for
// concurrent use.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"alarmd/internal/action"
	"alarmd/internal/clock"
	"alarmd/internal/event"
	appLog "alarmd/internal/log"
	"alarmd/internal/metrics"
	"alarmd/internal/recur"
)

var (
	ErrNotFound         = errors.New("alarm not found")
	ErrResourceNotReady = errors.New("calendar resources not populated")
	ErrFatalStartup     = errors.New("calendar resources failed to populate in time")
)

const (
	// DefaultPopulateTimeout bounds how long queued work waits for
	// resources to load.
	DefaultPopulateTimeout = 30 * time.Second
	// maxWake caps the wake timer so clock adjustments are noticed.
	maxWake = time.Minute
	// wakeSlack is added to every wake so the alarm is due when it fires.
	wakeSlack = time.Second
	// maxRestarts bounds how often one handle pass rescans an event.
	maxRestarts = 16
)

// Calendar is the event store the engine schedules from.
type Calendar interface {
	Find(id string, resourceID int, byUID bool) (event.Event, error)
	EarliestAlarm(excludeDisplay bool, skip map[string]bool) (event.Event, event.Alarm, bool)
	Events() []event.Event
	Add(ev *event.Event) error
	Update(ev *event.Event) error
	Delete(ev *event.Event, archive bool) error
	Archive(ev *event.Event) error
	PurgeArchived(cutoff time.Time) (int, error)
	ResolveResource(name string) (int, error)
	ResourcesKnown() bool
	AllResourcesPopulated() bool
	ResourcePopulated(id int) bool
}

// Executor performs alarm actions.
type Executor interface {
	Execute(ev *event.Event, alarm event.Alarm, flags action.Flags) action.Status
	Inhibited() bool
	SetInhibited(v bool)
	Bind(h action.Hooks)
}

// Editor edits an event outside the engine, for example in a user dialog.
// done must be called exactly once, from any goroutine.
type Editor interface {
	Edit(ev event.Event, done func(updated *event.Event, ok bool))
}

// Options configure an Engine.
type Options struct {
	Calendar Calendar
	Executor Executor
	Settings *recur.Settings
	Editor   Editor
	Metrics  *metrics.Metrics

	// PopulateTimeout defaults to DefaultPopulateTimeout.
	PopulateTimeout time.Duration
	// ArchiveKeepDays: -1 keeps archived events forever, 0 disables
	// archiving, N>0 purges them N days after archiving.
	ArchiveKeepDays int
	// SkipLogin suppresses the start-up at-login pass, for one-shot
	// command invocations.
	SkipLogin bool

	// OnFatal is called once if resources fail to populate in time.
	OnFatal func(err error)
	// OnExit is called once when an entry asks the process to exit.
	OnExit func(code int)
}

// Engine is the alarm scheduler.
type Engine struct {
	cal      Calendar
	exec     Executor
	settings *recur.Settings
	clock    clock.Clock
	editor   Editor
	metrics  *metrics.Metrics
	opts     Options

	work chan struct{}

	mu            sync.Mutex
	queue         []*Entry
	pendingWork   bool
	processing    bool
	started       bool
	exited        bool
	timedOut      bool
	fatalReported bool
	loginDone     bool
	editPending   int
	purgePending  bool
	populateTimer clock.Timer
	wakeTimer     clock.Timer
	wakeAt        time.Time
	// handledAt remembers the trigger time for which a Handle was last
	// queued automatically, so a due alarm that could not be consumed is
	// not re-queued until the next wake.
	handledAt map[string]recur.DateTime
}

// New returns an Engine. Calendar, Executor and Settings are required.
func New(opts Options) *Engine {
	if opts.PopulateTimeout <= 0 {
		opts.PopulateTimeout = DefaultPopulateTimeout
	}
	if opts.Settings == nil {
		opts.Settings = recur.NewSettings(nil)
	}
	c := opts.Settings.Context().Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Engine{
		cal:       opts.Calendar,
		exec:      opts.Executor,
		settings:  opts.Settings,
		clock:     c,
		editor:    opts.Editor,
		metrics:   opts.Metrics,
		opts:      opts,
		work:      make(chan struct{}, 1),
		handledAt: make(map[string]recur.DateTime),
	}
}

// Start binds the executor hooks, arms the population timeout and queues
// the start-up work. Run calls it; tests that drive the engine directly
// call it themselves.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.populateTimer = e.clock.AfterFunc(e.opts.PopulateTimeout, e.populateTimedOut)
	e.mu.Unlock()

	e.exec.Bind(action.Hooks{
		RescheduleFired: e.rescheduleFired,
		CommandDone:     e.commandDone,
	})
	if !e.opts.SkipLogin {
		e.Enqueue(&Entry{Kind: KindLogin})
	} else {
		e.mu.Lock()
		e.loginDone = true
		e.mu.Unlock()
	}
	e.RequestPurge()
}

// Run processes the queue until ctx is done or an entry asks the process
// to exit.
func (e *Engine) Run(ctx context.Context) error {
	e.Start()
	e.signal()
	defer e.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.work:
			e.drain()
			if e.Exited() {
				return nil
			}
		}
	}
}

// ResourcePopulated is the calendar's population hook.
func (e *Engine) ResourcePopulated(id int) {
	appLog.Debug("resource ready", "resource", id)
	if e.cal.AllResourcesPopulated() {
		e.mu.Lock()
		if e.populateTimer != nil {
			e.populateTimer.Stop()
		}
		e.mu.Unlock()
	}
	e.signal()
}

// SetNotificationsInhibited holds back user-visible alarms while v is
// true. Lifting the inhibition re-checks for due alarms.
func (e *Engine) SetNotificationsInhibited(v bool) {
	if e.exec.Inhibited() == v {
		return
	}
	e.exec.SetInhibited(v)
	appLog.Info("notifications inhibited changed", "inhibited", v)
	if !v {
		e.mu.Lock()
		e.handledAt = make(map[string]recur.DateTime)
		e.mu.Unlock()
		e.signal()
	}
}

// RequestPurge schedules archive purging after the queue next drains.
func (e *Engine) RequestPurge() {
	e.mu.Lock()
	e.purgePending = true
	e.mu.Unlock()
	e.signal()
}

// Exited reports whether an entry has asked the process to exit.
func (e *Engine) Exited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exited
}

// QueueLen returns the number of waiting entries.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) signal() {
	e.mu.Lock()
	e.pendingWork = true
	e.mu.Unlock()
	select {
	case e.work <- struct{}{}:
	default:
	}
}

// step runs one queue pass if work is pending.
func (e *Engine) step() bool {
	e.mu.Lock()
	if !e.pendingWork || e.exited {
		e.mu.Unlock()
		return false
	}
	e.pendingWork = false
	e.mu.Unlock()
	e.ProcessQueue()
	return true
}

func (e *Engine) drain() {
	for e.step() {
	}
}

func (e *Engine) ctx() *recur.Context { return e.settings.Context() }

func (e *Engine) archiving() bool { return e.opts.ArchiveKeepDays != 0 }

func (e *Engine) exit(code int) {
	e.mu.Lock()
	if e.exited {
		e.mu.Unlock()
		return
	}
	e.exited = true
	e.mu.Unlock()
	appLog.Info("exit requested", "code", code)
	e.stopTimers()
	if e.opts.OnExit != nil {
		e.opts.OnExit(code)
	}
}

func (e *Engine) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.populateTimer != nil {
		e.populateTimer.Stop()
	}
	if e.wakeTimer != nil {
		e.wakeTimer.Stop()
		e.wakeTimer = nil
	}
	e.wakeAt = time.Time{}
}

func (e *Engine) populateTimedOut() {
	if e.cal.AllResourcesPopulated() {
		return
	}
	e.mu.Lock()
	e.timedOut = true
	e.mu.Unlock()
	appLog.Warn("resource population timed out", "timeout", e.opts.PopulateTimeout)
	e.signal()
}

// fatal reports a start-up failure once and exits with status 1.
func (e *Engine) fatal(err error) {
	e.mu.Lock()
	first := !e.fatalReported
	e.fatalReported = true
	e.mu.Unlock()
	if !first {
		return
	}
	appLog.Error("fatal scheduler error", err)
	if e.opts.OnFatal != nil {
		e.opts.OnFatal(err)
	}
	e.exit(1)
}
