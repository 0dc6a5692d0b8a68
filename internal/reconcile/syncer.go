package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appLog "smartcal/internal/log"
	"smartcal/internal/remote"
	"smartcal/internal/store"
)

var (
	ErrNoConflict = errors.New("no pending conflict for event")
	// ErrStaleConflict means the local event changed after the conflict
	// was detected; a new sync run will re-evaluate it.
	ErrStaleConflict = errors.New("conflict is stale")
	// ErrSyncBusy means a run holds the calendar; the change goes out with
	// the next cycle.
	ErrSyncBusy = errors.New("sync run in progress")
)

// Syncer runs reconciliation against one store and one remote calendar.
// Runs are serialized by runMu, which is held across remote I/O. stateMu
// only guards the run bookkeeping and is never held across a remote call.
type Syncer struct {
	store     store.Store
	remote    remote.Client
	applier   *Applier
	daysAhead int

	runMu sync.Mutex

	stateMu sync.Mutex
	now     func() time.Time
	pending map[string]Conflict
	lastRun time.Time
	lastErr error
}

func NewSyncer(s store.Store, rc remote.Client, daysAhead int, opts ...ApplierOption) *Syncer {
	if daysAhead <= 0 {
		daysAhead = 30
	}
	return &Syncer{
		store:     s,
		remote:    rc,
		applier:   NewApplier(s, rc, opts...),
		daysAhead: daysAhead,
		now:       time.Now,
		pending:   make(map[string]Conflict),
	}
}

// SetClock replaces time.Now for window computation.
func (s *Syncer) SetClock(now func() time.Time) {
	s.stateMu.Lock()
	s.now = now
	s.stateMu.Unlock()
}

func (s *Syncer) clock() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.now()
}

// window is [now - 1 day, now + daysAhead days].
func (s *Syncer) window() Window {
	now := s.clock()
	return Window{From: now.AddDate(0, 0, -1), To: now.AddDate(0, 0, s.daysAhead)}
}

// Plan computes the State for the current store and remote without
// applying it.
func (s *Syncer) Plan(ctx context.Context) (State, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.plan(ctx)
}

func (s *Syncer) plan(ctx context.Context) (State, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return State{}, fmt.Errorf("snapshot: %w", err)
	}
	w := s.window()
	remoteEvents, err := s.remote.ListEvents(ctx, w.From, w.To)
	if err != nil {
		if remote.IsFatal(err) {
			return State{}, fmt.Errorf("%w: %w", ErrAborted, err)
		}
		return State{}, fmt.Errorf("list remote events: %w", err)
	}
	return Reconcile(snap, remoteEvents, w), nil
}

// Run snapshots the store, lists the remote window, reconciles and
// applies. Pending conflicts from the run replace the previous set.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	st, err := s.plan(ctx)
	if err != nil {
		s.stateMu.Lock()
		s.lastErr = err
		s.stateMu.Unlock()
		appLog.Error("sync plan failed", err)
		return Result{}, err
	}

	res, err := s.applier.Apply(ctx, st)

	s.stateMu.Lock()
	s.lastRun = s.now()
	s.lastErr = err
	clear(s.pending)
	for _, c := range res.Pending {
		s.pending[c.Local.ID] = c
	}
	s.stateMu.Unlock()

	if err != nil {
		appLog.Error("sync run aborted", err, "pushed", res.Pushed, "pulled", res.Pulled, "deleted", res.Deleted)
		return res, err
	}
	appLog.Info("sync run done",
		"pushed", res.Pushed,
		"pulled", res.Pulled,
		"deleted", res.Deleted,
		"resolved", res.Resolved,
		"auto_resolved", len(res.AutoResolved),
		"pending", len(res.Pending),
		"failures", len(res.Failures),
		"elapsed", time.Since(start),
	)
	return res, nil
}

// Pending returns the conflicts left by the last run.
func (s *Syncer) Pending() []Conflict {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	out := make([]Conflict, 0, len(s.pending))
	for _, c := range s.pending {
		out = append(out, c)
	}
	sortConflicts(out)
	return out
}

// Resolve settles the pending conflict for a local event.
func (s *Syncer) Resolve(ctx context.Context, eventID string, how Resolution) error {
	if how != KeepLocal && how != KeepRemote {
		return fmt.Errorf("unsupported resolution %q", how)
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.stateMu.Lock()
	c, ok := s.pending[eventID]
	s.stateMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConflict, eventID)
	}

	err := s.applier.Resolve(ctx, c, how)
	if err != nil && !errors.Is(err, errSkipped) {
		return err
	}
	s.stateMu.Lock()
	delete(s.pending, eventID)
	s.stateMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStaleConflict, eventID)
	}
	appLog.Info("conflict resolved", "id", eventID, "resolution", string(how))
	return nil
}

// LastRun reports when the last run finished and how.
func (s *Syncer) LastRun() (time.Time, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastRun, s.lastErr
}

// PushOne pushes a single dirty event outside of a full run. It is a no-op
// for events that are clean or tombstoned. When a run is in flight the push
// is left to the next cycle and ErrSyncBusy is returned.
func (s *Syncer) PushOne(ctx context.Context, eventID string) error {
	if !s.runMu.TryLock() {
		appLog.Debug("sync run in progress; push deferred", "id", eventID)
		return ErrSyncBusy
	}
	defer s.runMu.Unlock()

	ev, err := s.store.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Deleted || !ev.Dirty() {
		return nil
	}
	err = s.applier.push(ctx, ev)
	if errors.Is(err, errSkipped) {
		return nil
	}
	if err != nil {
		return err
	}
	appLog.Debug("event pushed", "id", eventID)
	return nil
}
