package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/peterbourgon/diskv/v3"

	"alarmd/internal/event"
	"alarmd/internal/ics"
	appLog "alarmd/internal/log"
)

// Backend persists the events of one resource.
type Backend interface {
	Load(ctx context.Context) ([]event.Event, error)
	Save(ev *event.Event) error
	Remove(id string) error
}

// MemoryBackend keeps nothing; it is used for tests and scratch resources.
type MemoryBackend struct {
	mu      sync.Mutex
	Initial []event.Event
	saved   map[string]event.Event
}

func (m *MemoryBackend) Load(context.Context) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.Event, 0, len(m.Initial))
	for _, ev := range m.Initial {
		out = append(out, ev.Clone())
	}
	return out, nil
}

func (m *MemoryBackend) Save(ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]event.Event)
	}
	m.saved[ev.ID] = ev.Clone()
	return nil
}

func (m *MemoryBackend) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, id)
	return nil
}

// Saved returns the last written copy of id.
func (m *MemoryBackend) Saved(id string) (event.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.saved[id]
	return ev, ok
}

// DiskBackend stores one YAML file per event in a diskv store.
type DiskBackend struct {
	d *diskv.Diskv
}

const diskExt = ".yaml"

// NewDiskBackend opens a disk store rooted at dir.
func NewDiskBackend(dir string) *DiskBackend {
	return &DiskBackend{d: diskv.New(diskv.Options{
		BasePath:          dir,
		AdvancedTransform: keyToPath,
		InverseTransform:  pathToKey,
		CacheSizeMax:      1024 * 1024,
	})}
}

// keyToPath fans events out over subdirectories named after the first two
// characters of the id.
func keyToPath(key string) *diskv.PathKey {
	var path []string
	if len(key) > 2 {
		path = []string{key[:2]}
	}
	return &diskv.PathKey{Path: path, FileName: key + diskExt}
}

func pathToKey(pk *diskv.PathKey) string {
	return strings.TrimSuffix(pk.FileName, diskExt)
}

func (b *DiskBackend) Load(ctx context.Context) ([]event.Event, error) {
	out := make([]event.Event, 0)
	for key := range b.d.Keys(ctx.Done()) {
		raw, err := b.d.Read(key)
		if err != nil {
			appLog.Error("calendar read failed", err, "key", key)
			continue
		}
		ev, err := decodeEvent(raw)
		if err != nil {
			appLog.Error("calendar decode failed", err, "key", key)
			continue
		}
		out = append(out, ev)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *DiskBackend) Save(ev *event.Event) error {
	if err := validKey(ev.ID); err != nil {
		return err
	}
	raw, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return b.d.Write(ev.ID, raw)
}

func (b *DiskBackend) Remove(id string) error {
	if err := validKey(id); err != nil {
		return err
	}
	if !b.d.Has(id) {
		return nil
	}
	return b.d.Erase(id)
}

func validKey(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid event id %q", id)
	}
	return nil
}

// ICSBackend loads a resource from an ICS feed. Changes are kept in memory
// only; the feed is never written.
type ICSBackend struct {
	fetcher *ics.Fetcher
	src     ics.Source
	loc     *time.Location
}

// NewICSBackend returns a backend reading src through fetcher.
func NewICSBackend(fetcher *ics.Fetcher, src ics.Source, loc *time.Location) *ICSBackend {
	return &ICSBackend{fetcher: fetcher, src: src, loc: loc}
}

func (b *ICSBackend) Load(ctx context.Context) ([]event.Event, error) {
	if b.fetcher == nil {
		return nil, errors.New("ics backend has no fetcher")
	}
	res, err := b.fetcher.Fetch(ctx, b.src)
	if err != nil {
		return nil, err
	}
	return ics.ParseAlarms(b.src, res.Body, b.loc)
}

func (b *ICSBackend) Save(*event.Event) error { return nil }

func (b *ICSBackend) Remove(string) error { return nil }
