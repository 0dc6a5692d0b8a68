// Package store holds the local event collection. The reconciler and the
// orchestrator depend only on the Store interface; Memory backs tests and
// ephemeral runs, SQLite backs the service.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"smartcal/internal/model"
)

var (
	ErrNotFound = errors.New("event not found")
	// ErrStale is returned by a conditional Put when the stored revision no
	// longer matches the one the caller read.
	ErrStale = errors.New("event modified concurrently")
	// ErrStoreIO wraps persistence failures.
	ErrStoreIO = errors.New("store io error")
)

// Store is a keyed, change-tracking collection of events.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, id string) (model.Event, error)
	FindByRemoteID(ctx context.Context, remoteID string) (model.Event, error)
	// Put inserts or replaces an event and bumps its revision stamp.
	// An empty ID allocates a new one.
	Put(ctx context.Context, ev model.Event, opts ...PutOption) (model.Event, error)
	// Delete purges an event permanently. Missing IDs are not an error.
	Delete(ctx context.Context, id string) error
	// List returns live (non-tombstoned) events overlapping [from, to),
	// ordered by start.
	List(ctx context.Context, from, to time.Time) ([]model.Event, error)
	// Snapshot returns a point-in-time copy of every event, tombstones
	// included.
	Snapshot(ctx context.Context) ([]model.Event, error)
	Close() error
}

type putOptions struct {
	synced        bool
	stampOnly     bool
	remoteUpdated time.Time
	checkRev      bool
	rev           time.Time
}

// PutOption tunes a single Put call.
type PutOption func(*putOptions)

// MarkSynced records the write as sync bookkeeping: SyncedAt is set to the
// new revision so the event is not considered dirty afterwards.
func MarkSynced(remoteUpdated time.Time) PutOption {
	return func(o *putOptions) {
		o.synced = true
		o.remoteUpdated = remoteUpdated
	}
}

// RecordRemoteStamp stores a newer remote revision without changing
// whether the event is dirty: a clean event stays clean and a dirty one
// keeps its pending local edit.
func RecordRemoteStamp(remoteUpdated time.Time) PutOption {
	return func(o *putOptions) {
		o.stampOnly = true
		o.remoteUpdated = remoteUpdated
	}
}

// IfRevision makes Put fail with ErrStale unless the stored UpdatedAt equals
// rev. A zero rev requires that the event does not exist yet.
func IfRevision(rev time.Time) PutOption {
	return func(o *putOptions) {
		o.checkRev = true
		o.rev = rev
	}
}

func collectOptions(opts []PutOption) putOptions {
	var o putOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// prepare validates ev against the stored copy (if any) and fills in the
// identity and revision fields.
func prepare(ev model.Event, current *model.Event, o putOptions, now time.Time) (model.Event, error) {
	if o.checkRev {
		switch {
		case current == nil && !o.rev.IsZero():
			return model.Event{}, ErrNotFound
		case current != nil && !current.UpdatedAt.Equal(o.rev):
			return model.Event{}, ErrStale
		}
	}
	if err := ev.Validate(); err != nil {
		return model.Event{}, err
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	var prev time.Time
	if current != nil {
		ev.CreatedAt = current.CreatedAt
		prev = current.UpdatedAt
	} else if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = nextStamp(prev, now)

	switch {
	case o.synced:
		ev.SyncedAt = ev.UpdatedAt
		ev.RemoteUpdatedAt = o.remoteUpdated
	case o.stampOnly:
		ev.RemoteUpdatedAt = o.remoteUpdated
		if current != nil && !current.Dirty() {
			ev.SyncedAt = ev.UpdatedAt
		}
	}
	if !ev.Deleted {
		ev.DeleteOrigin = ""
	}
	return ev, nil
}

// nextStamp returns a revision strictly greater than prev.
func nextStamp(prev, now time.Time) time.Time {
	now = now.Round(0).Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
