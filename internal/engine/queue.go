package engine

import (
	"errors"
	"fmt"

	"alarmd/internal/calendar"
	"alarmd/internal/event"
	appLog "alarmd/internal/log"
	"alarmd/internal/recur"
)

// Kind is the operation a queue entry requests.
type Kind int

const (
	// KindHandle executes whichever alarm instances of the event are due.
	KindHandle Kind = iota
	// KindTrigger executes the event now, even if nothing is due.
	KindTrigger
	// KindCancel deletes the event.
	KindCancel
	// KindEdit replaces the event, through the Editor when one is set.
	KindEdit
	// KindList reports the scheduled alarms.
	KindList
	// KindNew adds Entry.Event to the calendar.
	KindNew
	// KindCommandDone records the outcome of an asynchronous command.
	KindCommandDone
	// KindDefer defers the event's alarm.
	KindDefer
	// KindLogin runs the at-login pass over all events.
	KindLogin
)

func (k Kind) String() string {
	switch k {
	case KindHandle:
		return "handle"
	case KindTrigger:
		return "trigger"
	case KindCancel:
		return "cancel"
	case KindEdit:
		return "edit"
	case KindList:
		return "list"
	case KindNew:
		return "new"
	case KindCommandDone:
		return "command-done"
	case KindDefer:
		return "defer"
	case KindLogin:
		return "login"
	default:
		return "unknown"
	}
}

// Code is the outcome of a queue entry.
type Code int

const (
	ResultOK Code = iota
	// ResultNotFound means the event does not exist or its id is ambiguous.
	ResultNotFound
	// ResultBlocked means the alarm was held because notifications are
	// inhibited; the caller may retry later.
	ResultBlocked
	ResultFailed
)

func (c Code) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultNotFound:
		return "not-found"
	case ResultBlocked:
		return "blocked"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is reported to Entry.Reply once the entry is processed.
type Result struct {
	Code    Code
	Err     error
	EventID string
	Alarms  []ScheduledAlarm
}

// Entry is one queued request.
type Entry struct {
	Kind Kind

	EventID string
	// ResourceID selects the resource; 0 means the default active
	// resource. ResourceName, when set, is resolved to an id first.
	ResourceID     int
	ResourceName   string
	FindByUniqueID bool

	// Event is the payload of KindNew and KindEdit.
	Event *event.Event

	ExitAfterProcessing bool
	ExitOnError         bool
	FromCommandLine     bool

	CommandKind   event.CmdErr
	CommandFailed bool

	DeferTo          recur.DateTime
	DeferReminder    bool
	AdjustRecurrence bool

	editDone bool
	editOK   bool

	// Reply, if set, receives the result on the engine goroutine; it must
	// not block.
	Reply func(Result)
}

// Enqueue appends entry to the queue and wakes the engine. A Handle for an
// event that already has a Handle queued is dropped and reported as OK.
func (e *Engine) Enqueue(entry *Entry) bool {
	e.mu.Lock()
	if e.exited {
		e.mu.Unlock()
		reply(entry, Result{Code: ResultFailed, Err: errors.New("scheduler stopped")})
		return false
	}
	if entry.Kind == KindHandle {
		for _, q := range e.queue {
			// Resource 0 and the resolved default id name the same
			// resource; dedup on the event id alone.
			if q.Kind == KindHandle && q.EventID == entry.EventID {
				e.mu.Unlock()
				appLog.Debug("duplicate handle dropped", "id", entry.EventID)
				reply(entry, Result{Code: ResultOK, EventID: entry.EventID})
				return false
			}
		}
	}
	e.queue = append(e.queue, entry)
	depth := len(e.queue)
	e.mu.Unlock()
	e.metrics.QueueDepth(depth)
	e.signal()
	return true
}

func (e *Engine) EnqueueHandle(id string, resourceID int) bool {
	return e.Enqueue(&Entry{Kind: KindHandle, EventID: id, ResourceID: resourceID})
}

func (e *Engine) EnqueueTrigger(id string, resourceID int) bool {
	return e.Enqueue(&Entry{Kind: KindTrigger, EventID: id, ResourceID: resourceID})
}

func (e *Engine) EnqueueCancel(id string, resourceID int) bool {
	return e.Enqueue(&Entry{Kind: KindCancel, EventID: id, ResourceID: resourceID})
}

func (e *Engine) EnqueueNewEvent(ev event.Event) bool {
	return e.Enqueue(&Entry{Kind: KindNew, ResourceID: ev.ResourceID, Event: &ev})
}

// EnqueueEdit replaces event id with updated, or hands it to the Editor
// when updated is nil.
func (e *Engine) EnqueueEdit(id string, resourceID int, updated *event.Event) bool {
	return e.Enqueue(&Entry{Kind: KindEdit, EventID: id, ResourceID: resourceID, Event: updated})
}

func (e *Engine) EnqueueList(reply func(Result)) bool {
	return e.Enqueue(&Entry{Kind: KindList, Reply: reply})
}

func (e *Engine) EnqueueDefer(id string, resourceID int, to recur.DateTime, reminder, adjustRecurrence bool) bool {
	return e.Enqueue(&Entry{
		Kind: KindDefer, EventID: id, ResourceID: resourceID,
		DeferTo: to, DeferReminder: reminder, AdjustRecurrence: adjustRecurrence,
	})
}

func reply(entry *Entry, res Result) {
	if entry.Reply != nil {
		entry.Reply(res)
	}
}

// ProcessQueue drains the queue in order. A nested call while a pass is
// running returns at once. Processing stops at the first entry whose
// resource has not loaded yet; once the queue is empty the archive purge
// runs if requested and the next due alarm is looked for.
func (e *Engine) ProcessQueue() {
	e.mu.Lock()
	if e.processing || e.exited {
		e.mu.Unlock()
		return
	}
	e.processing = true
	e.mu.Unlock()
	start := e.clock.Now()
	defer func() {
		e.mu.Lock()
		e.processing = false
		depth := len(e.queue)
		e.mu.Unlock()
		e.metrics.QueueDepth(depth)
		e.metrics.PassDuration(e.clock.Now().Sub(start))
	}()

	for {
		e.mu.Lock()
		if e.exited || len(e.queue) == 0 {
			e.mu.Unlock()
			break
		}
		entry := e.queue[0]
		timedOut := e.timedOut
		e.mu.Unlock()

		if !e.ready(entry) {
			if timedOut {
				e.discardQueue()
				e.fatal(ErrFatalStartup)
			}
			return
		}

		res := e.dispatch(entry)

		e.mu.Lock()
		if len(e.queue) > 0 && e.queue[0] == entry {
			e.queue = e.queue[1:]
		}
		e.mu.Unlock()

		e.metrics.Processed(entry.Kind.String(), res.Code.String())
		if res.Err != nil && res.Code != ResultOK {
			if entry.FromCommandLine {
				appLog.Error("command line request failed", res.Err, "kind", entry.Kind, "id", entry.EventID, "result", res.Code)
			} else {
				appLog.Warn("queue entry failed", "kind", entry.Kind, "id", entry.EventID, "result", res.Code, "err", res.Err)
			}
		}
		reply(entry, res)

		if entry.ExitAfterProcessing {
			code := 0
			if res.Code == ResultNotFound || res.Code == ResultFailed {
				code = 1
			}
			e.exit(code)
			return
		}
		if entry.ExitOnError && (res.Code == ResultNotFound || res.Code == ResultFailed) {
			e.exit(1)
			return
		}
	}

	e.mu.Lock()
	purge := e.purgePending && e.loginDone
	if purge {
		e.purgePending = false
	}
	editing := e.editPending > 0
	e.mu.Unlock()
	if purge {
		e.purgeArchive()
	}
	if !editing {
		e.CheckNextDueAlarm()
	}
}

// ready resolves the entry's resource name and reports whether the
// resource it needs has loaded.
func (e *Engine) ready(entry *Entry) bool {
	if entry.ResourceName != "" {
		if !e.cal.ResourcesKnown() {
			return false
		}
		id, err := e.cal.ResolveResource(entry.ResourceName)
		if err != nil {
			// Unknown names fail in dispatch.
			return true
		}
		entry.ResourceID = id
		entry.ResourceName = ""
	}
	switch {
	case entry.Kind == KindLogin || entry.Kind == KindList:
		return e.cal.AllResourcesPopulated()
	case entry.FindByUniqueID && entry.ResourceID == 0:
		return e.cal.AllResourcesPopulated()
	default:
		// Once everything has loaded, an unknown id fails in dispatch.
		return e.cal.ResourcePopulated(entry.ResourceID) || e.cal.AllResourcesPopulated()
	}
}

func (e *Engine) discardQueue() {
	e.mu.Lock()
	dropped := e.queue
	e.queue = nil
	e.mu.Unlock()
	appLog.Warn("discarding queued work", "entries", len(dropped))
	for _, entry := range dropped {
		reply(entry, Result{Code: ResultFailed, Err: ErrResourceNotReady})
	}
}

func (e *Engine) dispatch(entry *Entry) Result {
	if entry.ResourceName != "" {
		return Result{Code: ResultNotFound, Err: fmt.Errorf("%w: %q", calendar.ErrResourceNotFound, entry.ResourceName)}
	}
	switch entry.Kind {
	case KindHandle, KindTrigger:
		return e.handleEntry(entry)
	case KindCancel:
		return e.cancelEntry(entry)
	case KindEdit:
		return e.editEntry(entry)
	case KindList:
		return Result{Code: ResultOK, Alarms: e.ScheduledAlarmList()}
	case KindNew:
		return e.newEntry(entry)
	case KindCommandDone:
		return e.commandDoneEntry(entry)
	case KindDefer:
		return e.deferEntry(entry)
	case KindLogin:
		return e.loginEntry()
	default:
		return Result{Code: ResultFailed, Err: fmt.Errorf("unknown entry kind %d", entry.Kind)}
	}
}

// find looks the entry's event up, mapping store errors to results.
func (e *Engine) find(entry *Entry) (event.Event, *Result) {
	ev, err := e.cal.Find(entry.EventID, entry.ResourceID, entry.FindByUniqueID)
	if err != nil {
		if errors.Is(err, calendar.ErrNotFound) || errors.Is(err, calendar.ErrAmbiguous) ||
			errors.Is(err, calendar.ErrResourceNotFound) {
			return event.Event{}, &Result{Code: ResultNotFound, Err: fmt.Errorf("%w: %v", ErrNotFound, err), EventID: entry.EventID}
		}
		return event.Event{}, &Result{Code: ResultFailed, Err: err, EventID: entry.EventID}
	}
	return ev, nil
}

func (e *Engine) newEntry(entry *Entry) Result {
	if entry.Event == nil {
		return Result{Code: ResultFailed, Err: errors.New("new entry without event")}
	}
	ev := entry.Event.Clone()
	ev.ResourceID = entry.ResourceID
	if err := e.cal.Add(&ev); err != nil {
		return Result{Code: ResultFailed, Err: err}
	}
	// A new recurring alarm whose start has passed begins at its next
	// occurrence.
	c := e.ctx()
	now := e.clock.Now()
	if ev.Recurs() && !ev.MainTime().IsZero() && ev.MainTime().Effective(c).Before(now) {
		if typ, _ := ev.SetNextOccurrence(now, c); typ != recur.NoOccurrence {
			if err := e.cal.Update(&ev); err != nil {
				return Result{Code: ResultFailed, Err: err, EventID: ev.ID}
			}
		}
	}
	appLog.Info("alarm added", "id", ev.ID, "summary", ev.Summary())
	return Result{Code: ResultOK, EventID: ev.ID}
}

func (e *Engine) cancelEntry(entry *Entry) Result {
	ev, res := e.find(entry)
	if res != nil {
		return *res
	}
	if err := e.cal.Delete(&ev, ev.Archive && e.archiving()); err != nil {
		return Result{Code: ResultFailed, Err: err, EventID: ev.ID}
	}
	appLog.Info("alarm cancelled", "id", ev.ID)
	return Result{Code: ResultOK, EventID: ev.ID}
}

// editEntry hands the event to the Editor and re-queues itself as
// completed when the Editor is done. Without an Editor, or once the edit
// has completed, Entry.Event replaces the stored event.
func (e *Engine) editEntry(entry *Entry) Result {
	if entry.editDone {
		e.mu.Lock()
		if e.editPending > 0 {
			e.editPending--
		}
		e.mu.Unlock()
		if !entry.editOK {
			return Result{Code: ResultOK, EventID: entry.EventID}
		}
	}
	ev, res := e.find(entry)
	if res != nil {
		return *res
	}
	if entry.Event == nil {
		if e.editor == nil {
			return Result{Code: ResultFailed, Err: errors.New("no editor configured"), EventID: ev.ID}
		}
		e.mu.Lock()
		e.editPending++
		e.mu.Unlock()
		id, resource := ev.ID, ev.ResourceID
		e.editor.Edit(ev, func(updated *event.Event, ok bool) {
			e.Enqueue(&Entry{Kind: KindEdit, EventID: id, ResourceID: resource, Event: updated, editDone: true, editOK: ok && updated != nil})
		})
		return Result{Code: ResultOK, EventID: ev.ID}
	}

	updated := entry.Event.Clone()
	updated.ID = ev.ID
	updated.ResourceID = ev.ResourceID
	updated.CreatedAt = ev.CreatedAt
	updated.Revision = ev.Revision
	updated.ResetSchedule()
	if err := updated.Validate(); err != nil {
		return Result{Code: ResultFailed, Err: err, EventID: ev.ID}
	}
	c := e.ctx()
	now := e.clock.Now()
	if updated.Recurs() && updated.MainTime().Effective(c).Before(now) {
		updated.SetNextOccurrence(now, c)
	}
	if err := e.cal.Update(&updated); err != nil {
		return Result{Code: ResultFailed, Err: err, EventID: ev.ID}
	}
	e.clearHandled(ev.ID)
	appLog.Info("alarm edited", "id", ev.ID)
	return Result{Code: ResultOK, EventID: ev.ID}
}

func (e *Engine) commandDoneEntry(entry *Entry) Result {
	ev, res := e.find(entry)
	if res != nil {
		// The event may have been deleted while its command ran.
		return Result{Code: ResultOK, EventID: entry.EventID}
	}
	before := ev.CommandError
	switch {
	case entry.CommandFailed:
		ev.SetCommandError(entry.CommandKind)
	case ev.CommandError == entry.CommandKind:
		ev.SetCommandError(event.CmdErrNone)
	}
	if ev.CommandError == before {
		return Result{Code: ResultOK, EventID: ev.ID}
	}
	if err := e.cal.Update(&ev); err != nil {
		return Result{Code: ResultFailed, Err: err, EventID: ev.ID}
	}
	return Result{Code: ResultOK, EventID: ev.ID}
}

func (e *Engine) deferEntry(entry *Entry) Result {
	ev, res := e.find(entry)
	if res != nil {
		return *res
	}
	if err := ev.Defer(entry.DeferTo, entry.DeferReminder, entry.AdjustRecurrence, e.ctx()); err != nil {
		return Result{Code: ResultFailed, Err: err, EventID: ev.ID}
	}
	if err := e.cal.Update(&ev); err != nil {
		return Result{Code: ResultFailed, Err: err, EventID: ev.ID}
	}
	e.clearHandled(ev.ID)
	appLog.Info("alarm deferred", "id", ev.ID, "until", ev.DeferralTime)
	return Result{Code: ResultOK, EventID: ev.ID}
}

func (e *Engine) loginEntry() Result {
	for _, ev := range e.cal.Events() {
		if !ev.RepeatAtLogin {
			continue
		}
		ev := ev
		e.handleEvent(&ev, false, true)
	}
	e.mu.Lock()
	e.loginDone = true
	e.mu.Unlock()
	return Result{Code: ResultOK}
}

func (e *Engine) commandDone(eventID string, resourceID int, kind event.CmdErr, failed bool) {
	e.Enqueue(&Entry{Kind: KindCommandDone, EventID: eventID, ResourceID: resourceID, CommandKind: kind, CommandFailed: failed})
}
