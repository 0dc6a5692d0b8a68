package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"smartcal/internal/model"
)

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	events map[string]model.Event
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		events: make(map[string]model.Event),
		now:    time.Now,
	}
}

func (m *Memory) Get(_ context.Context, id string) (model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return model.Event{}, ErrNotFound
	}
	return ev, nil
}

func (m *Memory) FindByRemoteID(_ context.Context, remoteID string) (model.Event, error) {
	if remoteID == "" {
		return model.Event{}, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.RemoteID == remoteID {
			return ev, nil
		}
	}
	return model.Event{}, ErrNotFound
}

func (m *Memory) Put(_ context.Context, ev model.Event, opts ...PutOption) (model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *model.Event
	if cur, ok := m.events[ev.ID]; ok && ev.ID != "" {
		current = &cur
	}
	out, err := prepare(ev, current, collectOptions(opts), m.now())
	if err != nil {
		return model.Event{}, err
	}
	m.events[out.ID] = out
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.events, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, from, to time.Time) ([]model.Event, error) {
	m.mu.RLock()
	out := make([]model.Event, 0)
	for _, ev := range m.events {
		if ev.Deleted || !ev.Overlaps(from, to) {
			continue
		}
		out = append(out, ev)
	}
	m.mu.RUnlock()
	sortByStart(out)
	return out, nil
}

func (m *Memory) Snapshot(_ context.Context) ([]model.Event, error) {
	m.mu.RLock()
	out := make([]model.Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	m.mu.RUnlock()
	sortByStart(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortByStart(evs []model.Event) {
	slices.SortStableFunc(evs, func(a, b model.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
