// Package calendar holds alarm events grouped into resources, each loaded
// from and written back to a Backend.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"alarmd/internal/event"
	appLog "alarmd/internal/log"
	"alarmd/internal/recur"
)

var (
	ErrNotFound         = errors.New("event not found")
	ErrAmbiguous        = errors.New("event id matches several resources")
	ErrResourceNotFound = errors.New("resource not found")
	ErrNotPopulated     = errors.New("resource not populated")
)

// Kind is what a resource holds.
type Kind int

const (
	KindActive Kind = iota
	KindArchived
	KindDisplaying
)

func (k Kind) String() string {
	switch k {
	case KindActive:
		return "active"
	case KindArchived:
		return "archived"
	case KindDisplaying:
		return "displaying"
	default:
		return "unknown"
	}
}

// ResourceInfo describes a resource for listings.
type ResourceInfo struct {
	ID        int
	Name      string
	Kind      Kind
	Populated bool
	Events    int
}

type resource struct {
	id        int
	name      string
	kind      Kind
	backend   Backend
	populated bool
	events    map[string]*event.Event
}

// Store is a thread-safe in-memory calendar over a set of resources. The
// scheduler reads and writes it from its own goroutine; the HTTP API and
// population goroutines read it concurrently.
type Store struct {
	settings *recur.Settings

	mu          sync.RWMutex
	resources   map[int]*resource
	order       []int
	nextID      int
	known       bool
	onPopulated func(id int)
}

// NewStore returns an empty Store. No resource is considered known until
// MarkResourcesKnown is called.
func NewStore(settings *recur.Settings) *Store {
	if settings == nil {
		settings = recur.NewSettings(nil)
	}
	return &Store{settings: settings, resources: make(map[int]*resource), nextID: 1}
}

// AddResource registers a resource and returns its numeric id.
func (s *Store) AddResource(name string, kind Kind, b Backend) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.resources[id] = &resource{id: id, name: name, kind: kind, backend: b, events: make(map[string]*event.Event)}
	s.order = append(s.order, id)
	return id
}

// MarkResourcesKnown records that every configured resource has been
// registered, so names can be resolved.
func (s *Store) MarkResourcesKnown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = true
}

// OnPopulated installs a callback run after each resource finishes
// loading.
func (s *Store) OnPopulated(fn func(id int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPopulated = fn
}

// Populate loads every resource concurrently. A resource whose backend
// fails stays unpopulated; the others still load.
func (s *Store) Populate(ctx context.Context) error {
	s.mu.RLock()
	ids := append([]int(nil), s.order...)
	s.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return s.PopulateResource(ctx, id)
		})
	}
	return g.Wait()
}

// PopulateResource loads one resource from its backend.
func (s *Store) PopulateResource(ctx context.Context, id int) error {
	s.mu.RLock()
	r, ok := s.resources[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrResourceNotFound, id)
	}
	events, err := r.backend.Load(ctx)
	if err != nil {
		appLog.Error("resource load failed", err, "resource", r.name)
		return fmt.Errorf("load %s: %w", r.name, err)
	}

	s.mu.Lock()
	for i := range events {
		ev := events[i]
		ev.ResourceID = id
		if ev.NextMain.IsZero() && !ev.MainExpired && r.kind == KindActive {
			ev.ResetSchedule()
		}
		if err := ev.Validate(); err != nil {
			appLog.Warn("invalid event skipped", "resource", r.name, "id", ev.ID, "err", err)
			continue
		}
		r.events[ev.ID] = &ev
	}
	r.populated = true
	hook := s.onPopulated
	s.mu.Unlock()

	appLog.Info("resource populated", "resource", r.name, "kind", r.kind, "events", len(events))
	if hook != nil {
		hook(id)
	}
	return nil
}

// ResourcesKnown reports whether resource names can be resolved yet.
func (s *Store) ResourcesKnown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known
}

// ResolveResource maps a resource name to its id.
func (s *Store) ResolveResource(name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if s.resources[id].name == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrResourceNotFound, name)
}

// AllResourcesPopulated reports whether every resource has loaded.
func (s *Store) AllResourcesPopulated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.known {
		return false
	}
	for _, r := range s.resources {
		if !r.populated {
			return false
		}
	}
	return true
}

// ResourcePopulated reports whether resource id has loaded. Id 0 means
// the default active resource.
func (s *Store) ResourcePopulated(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.resourceLocked(id, KindActive)
	return r != nil && r.populated
}

// Resources describes every resource in registration order.
func (s *Store) Resources() []ResourceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceInfo, 0, len(s.order))
	for _, id := range s.order {
		r := s.resources[id]
		out = append(out, ResourceInfo{ID: id, Name: r.name, Kind: r.kind, Populated: r.populated, Events: len(r.events)})
	}
	return out
}

// resourceLocked returns resource id, or for id 0 the first resource of
// the given kind.
func (s *Store) resourceLocked(id int, kind Kind) *resource {
	if id != 0 {
		return s.resources[id]
	}
	for _, rid := range s.order {
		if r := s.resources[rid]; r.kind == kind {
			return r
		}
	}
	return nil
}

// Find returns a copy of the event. With byUID the id is looked up in
// every active resource and must be unique; otherwise only in resource
// (or the default active resource when resource is 0).
func (s *Store) Find(id string, resourceID int, byUID bool) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byUID && resourceID == 0 {
		var found *event.Event
		for _, rid := range s.order {
			r := s.resources[rid]
			if r.kind != KindActive {
				continue
			}
			if ev, ok := r.events[id]; ok {
				if found != nil {
					return event.Event{}, fmt.Errorf("%w: %s", ErrAmbiguous, id)
				}
				found = ev
			}
		}
		if found == nil {
			return event.Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return found.Clone(), nil
	}
	r := s.resourceLocked(resourceID, KindActive)
	if r == nil {
		return event.Event{}, fmt.Errorf("%w: %d", ErrResourceNotFound, resourceID)
	}
	ev, ok := r.events[id]
	if !ok {
		return event.Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ev.Clone(), nil
}

// EarliestAlarm returns the active event with the earliest pending
// trigger. With excludeDisplay, events whose action is user-visible are
// skipped. skip lists event ids not to consider.
func (s *Store) EarliestAlarm(excludeDisplay bool, skip map[string]bool) (event.Event, event.Alarm, bool) {
	c := s.settings.Context()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best      *event.Event
		bestAlarm event.Alarm
		bestAt    time.Time
	)
	for _, rid := range s.order {
		r := s.resources[rid]
		if r.kind != KindActive || !r.populated {
			continue
		}
		for _, ev := range r.events {
			if skip[ev.ID] || (excludeDisplay && ev.Action.IsDisplay()) {
				continue
			}
			a, ok := ev.NextTrigger(c)
			if !ok {
				continue
			}
			at := a.Time.Effective(c)
			if best == nil || at.Before(bestAt) || (at.Equal(bestAt) && ev.ID < best.ID) {
				best, bestAlarm, bestAt = ev, a, at
			}
		}
	}
	if best == nil {
		return event.Event{}, event.Alarm{}, false
	}
	return best.Clone(), bestAlarm, true
}

// Events returns copies of all events in active resources, ordered by id.
func (s *Store) Events() []event.Event {
	return s.eventsOfKind(KindActive)
}

// ArchivedEvents returns copies of all archived events.
func (s *Store) ArchivedEvents() []event.Event {
	return s.eventsOfKind(KindArchived)
}

func (s *Store) eventsOfKind(kind Kind) []event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]event.Event, 0)
	for _, rid := range s.order {
		r := s.resources[rid]
		if r.kind != kind {
			continue
		}
		for _, ev := range r.events {
			out = append(out, ev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Add stores a new active event, assigning an id if it has none.
func (s *Store) Add(ev *event.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.NextMain.IsZero() && !ev.MainExpired {
		ev.ResetSchedule()
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resourceLocked(ev.ResourceID, KindActive)
	if r == nil {
		return fmt.Errorf("%w: %d", ErrResourceNotFound, ev.ResourceID)
	}
	if !r.populated {
		return fmt.Errorf("%w: %s", ErrNotPopulated, r.name)
	}
	if _, dup := r.events[ev.ID]; dup {
		return fmt.Errorf("event %s already exists in %s", ev.ID, r.name)
	}
	ev.ResourceID = r.id
	ev.Category = event.Active
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.settings.Context().Now()
	}
	if err := r.backend.Save(ev); err != nil {
		return fmt.Errorf("save %s: %w", ev.ID, err)
	}
	stored := ev.Clone()
	r.events[ev.ID] = &stored
	return nil
}

// Update replaces the stored copy of ev.
func (s *Store) Update(ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resourceLocked(ev.ResourceID, KindActive)
	if r == nil {
		return fmt.Errorf("%w: %d", ErrResourceNotFound, ev.ResourceID)
	}
	if _, ok := r.events[ev.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ev.ID)
	}
	ev.Revision++
	if err := r.backend.Save(ev); err != nil {
		ev.Revision--
		return fmt.Errorf("save %s: %w", ev.ID, err)
	}
	stored := ev.Clone()
	r.events[ev.ID] = &stored
	return nil
}

// Delete removes ev from its resource, first copying it to the archive
// when archive is set.
func (s *Store) Delete(ev *event.Event, archive bool) error {
	if archive {
		if err := s.Archive(ev); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resourceLocked(ev.ResourceID, KindActive)
	if r == nil {
		return fmt.Errorf("%w: %d", ErrResourceNotFound, ev.ResourceID)
	}
	if _, ok := r.events[ev.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ev.ID)
	}
	if err := r.backend.Remove(ev.ID); err != nil {
		return fmt.Errorf("remove %s: %w", ev.ID, err)
	}
	delete(r.events, ev.ID)
	return nil
}

// Archive stores a copy of ev in the archive resource. It is a no-op when
// no archive resource is configured.
func (s *Store) Archive(ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resourceLocked(0, KindArchived)
	if r == nil {
		appLog.Debug("no archive resource, not archiving", "id", ev.ID)
		return nil
	}
	cp := ev.Clone()
	cp.Category = event.Archived
	cp.ResourceID = r.id
	cp.ArchivedAt = s.settings.Context().Now()
	cp.Archive = false
	if err := r.backend.Save(&cp); err != nil {
		return fmt.Errorf("archive %s: %w", ev.ID, err)
	}
	r.events[cp.ID] = &cp
	return nil
}

// PurgeArchived removes archived events archived before cutoff and
// returns how many were removed.
func (s *Store) PurgeArchived(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	var errs []error
	for _, rid := range s.order {
		r := s.resources[rid]
		if r.kind != KindArchived {
			continue
		}
		for id, ev := range r.events {
			if ev.ArchivedAt.IsZero() || !ev.ArchivedAt.Before(cutoff) {
				continue
			}
			if err := r.backend.Remove(id); err != nil {
				errs = append(errs, err)
				continue
			}
			delete(r.events, id)
			n++
		}
	}
	return n, errors.Join(errs...)
}
