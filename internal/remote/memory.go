package remote

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"smartcal/internal/model"
)

// Memory is an in-process calendar used as the remote side in tests.
type Memory struct {
	mu     sync.Mutex
	events map[string]model.RemoteEvent
	now    func() time.Time

	// failures are returned, one per call, before any real work.
	failures []error
}

func NewMemory() *Memory {
	return &Memory{
		events: make(map[string]model.RemoteEvent),
		now:    time.Now,
	}
}

// SetClock replaces the revision clock.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// FailNext queues errs; each subsequent call consumes one.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

func (m *Memory) takeFailure() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

// stamp returns a revision time strictly after prev.
func (m *Memory) stamp(prev time.Time) time.Time {
	t := m.now().UTC().Truncate(time.Microsecond)
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func (m *Memory) ListEvents(_ context.Context, from, to time.Time) ([]model.RemoteEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	out := make([]model.RemoteEvent, 0, len(m.events))
	for _, ev := range m.events {
		if ev.Start.Before(to) && from.Before(ev.End) {
			out = append(out, ev)
		}
	}
	slices.SortFunc(out, func(a, b model.RemoteEvent) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) Create(_ context.Context, ev model.RemoteEvent) (model.RemoteEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return model.RemoteEvent{}, err
	}
	ev.ID = uuid.NewString()
	ev.Updated = m.stamp(time.Time{})
	m.events[ev.ID] = ev
	return ev, nil
}

func (m *Memory) Update(_ context.Context, ev model.RemoteEvent) (model.RemoteEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return model.RemoteEvent{}, err
	}
	cur, ok := m.events[ev.ID]
	if !ok {
		return model.RemoteEvent{}, classify("update", 404, fmt.Errorf("event %s", ev.ID))
	}
	ev.Updated = m.stamp(cur.Updated)
	m.events[ev.ID] = ev
	return ev, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	delete(m.events, id)
	return nil
}

// Put stores ev as if it had been edited on the remote side. An empty ID
// gets a fresh one.
func (m *Memory) Put(ev model.RemoteEvent) model.RemoteEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Updated = m.stamp(m.events[ev.ID].Updated)
	m.events[ev.ID] = ev
	return ev
}

// Get returns the stored event.
func (m *Memory) Get(id string) (model.RemoteEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	return ev, ok
}

// Len reports how many events are stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
