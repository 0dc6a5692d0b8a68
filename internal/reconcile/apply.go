package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "smartcal/internal/log"
	"smartcal/internal/model"
	"smartcal/internal/remote"
	"smartcal/internal/store"
)

// ErrAborted wraps the fatal remote error that stopped a run.
var ErrAborted = errors.New("sync aborted")

// errSkipped marks an item left for the next cycle because the local copy
// changed while the run was in flight.
var errSkipped = errors.New("skipped: local event changed during sync")

const (
	DefaultMaxRetries = 3
	DefaultBackoff    = 100 * time.Millisecond
)

// Failure is one item that could not be applied.
type Failure struct {
	EventID  string `json:"event_id,omitempty"`
	RemoteID string `json:"remote_id,omitempty"`
	Op       string `json:"op"`
	Err      error  `json:"-"`
	Message  string `json:"error"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %s", f.Op, cmp.Or(f.EventID, f.RemoteID), f.Message)
}

// Result counts what a run changed.
type Result struct {
	Pushed   int        `json:"pushed"`
	Pulled   int        `json:"pulled"`
	Deleted  int        `json:"deleted"`
	Resolved int        `json:"resolved"`
	Skipped  int        `json:"skipped"`
	Pending  []Conflict `json:"conflicts"`
	// AutoResolved lists conflicts settled by last-writer-wins, with the
	// side that was kept.
	AutoResolved []Conflict `json:"auto_resolved"`
	Failures     []Failure  `json:"failures"`
}

// Applier executes a State against a store and a remote calendar.
type Applier struct {
	store      store.Store
	remote     remote.Client
	maxRetries int
	backoff    time.Duration
}

type ApplierOption func(*Applier)

// WithRetry sets how often a transient remote failure is retried and the
// base delay; attempt n waits n*backoff.
func WithRetry(maxRetries int, backoff time.Duration) ApplierOption {
	return func(a *Applier) {
		if maxRetries >= 0 {
			a.maxRetries = maxRetries
		}
		if backoff >= 0 {
			a.backoff = backoff
		}
	}
}

func NewApplier(s store.Store, rc remote.Client, opts ...ApplierOption) *Applier {
	a := &Applier{
		store:      s,
		remote:     rc,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply runs pushes, then pulls, then deletions, then resolved conflicts.
// Remote stamp bookkeeping runs after the pulls.
// Item failures are collected in the Result. A fatal remote error or a
// cancelled ctx stops the run and is returned along with the partial
// Result.
func (a *Applier) Apply(ctx context.Context, st State) (Result, error) {
	var res Result

	// step runs one item. It reports whether the item was applied; a
	// non-nil error stops the run.
	step := func(op string, local *model.Event, remoteID string, fn func() error) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		err := fn()
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, errSkipped):
			res.Skipped++
			appLog.Info("sync item skipped", "op", op, "id", idOf(local), "remote_id", remoteID)
			return false, nil
		case remote.IsFatal(err):
			return false, fmt.Errorf("%w: %w", ErrAborted, err)
		case ctx.Err() != nil:
			return false, ctx.Err()
		}
		f := Failure{EventID: idOf(local), RemoteID: remoteID, Op: op, Err: err, Message: err.Error()}
		res.Failures = append(res.Failures, f)
		appLog.Error("sync item failed", err, "op", op, "id", f.EventID, "remote_id", remoteID)
		return false, nil
	}

	for _, p := range st.ToPush {
		ok, err := step("push", &p.Local, p.Local.RemoteID, func() error { return a.pushItem(ctx, p) })
		if err != nil {
			return res, err
		}
		if ok {
			res.Pushed++
		}
	}
	for _, p := range st.ToPull {
		ok, err := step("pull", p.Local, p.Remote.ID, func() error { return a.pull(ctx, p) })
		if err != nil {
			return res, err
		}
		if ok {
			res.Pulled++
		}
	}
	for _, sp := range st.ToStamp {
		if _, err := step("stamp", &sp.Local, sp.Remote.ID, func() error { return a.stamp(ctx, sp) }); err != nil {
			return res, err
		}
	}
	for _, d := range st.ToDeleteLocal {
		ok, err := step(d.Kind.String(), &d.Local, d.Local.RemoteID, func() error { return a.delete(ctx, d) })
		if err != nil {
			return res, err
		}
		if ok {
			res.Deleted++
		}
	}
	for _, c := range st.Conflicts {
		if c.Resolution == Pending {
			res.Pending = append(res.Pending, c)
			continue
		}
		ok, err := step("resolve", &c.Local, c.Remote.ID, func() error { return a.Resolve(ctx, c, c.Resolution) })
		if err != nil {
			return res, err
		}
		if ok {
			res.Resolved++
			res.AutoResolved = append(res.AutoResolved, c)
			if c.Resolution == KeepRemote {
				appLog.Warn("local edit replaced by newer remote copy", "id", c.Local.ID, "remote_id", c.Remote.ID, "local_title", c.Local.Title)
			}
		}
	}
	return res, nil
}

func idOf(e *model.Event) string {
	if e == nil {
		return ""
	}
	return e.ID
}

// Resolve settles one conflict. KeepLocal pushes the local copy over the
// remote one; KeepRemote pulls the remote copy over the local one.
func (a *Applier) Resolve(ctx context.Context, c Conflict, how Resolution) error {
	switch how {
	case KeepLocal:
		return a.push(ctx, c.Local)
	case KeepRemote:
		l := c.Local
		return a.pull(ctx, Pull{Remote: c.Remote, Local: &l})
	}
	return fmt.Errorf("unsupported resolution %q", how)
}

func (a *Applier) pushItem(ctx context.Context, p Push) error {
	if p.Recreate {
		l := p.Local
		gone := l.RemoteID
		l.RemoteID = ""
		return a.create(ctx, l, gone)
	}
	return a.push(ctx, p.Local)
}

func (a *Applier) push(ctx context.Context, l model.Event) error {
	if !l.Linked() {
		return a.create(ctx, l, "")
	}
	var updated model.RemoteEvent
	err := a.retry(ctx, "update", func() error {
		var err error
		updated, err = a.remote.Update(ctx, l.ToRemote())
		return err
	})
	if errors.Is(err, remote.ErrNotFound) {
		gone := l.RemoteID
		l.RemoteID = ""
		return a.create(ctx, l, gone)
	}
	if err != nil {
		return err
	}
	_, err = a.store.Put(ctx, l, store.MarkSynced(updated.Updated), store.IfRevision(l.UpdatedAt))
	return storeOutcome(err)
}

// create pushes a new event and records the remote ID before returning, so
// a repeated Apply never creates it twice. The stored copy must still carry
// linkedTo (empty for never-pushed events) and the snapshot revision;
// otherwise the item is skipped and the next plan decides.
func (a *Applier) create(ctx context.Context, l model.Event, linkedTo string) error {
	cur, err := a.store.Get(ctx, l.ID)
	if err != nil {
		return storeOutcome(err)
	}
	if cur.RemoteID != linkedTo || !cur.UpdatedAt.Equal(l.UpdatedAt) {
		return errSkipped
	}

	var created model.RemoteEvent
	err = a.retry(ctx, "create", func() error {
		var err error
		created, err = a.remote.Create(ctx, l.ToRemote())
		return err
	})
	if err != nil {
		return err
	}

	l.RemoteID = created.ID
	_, err = a.store.Put(ctx, l, store.MarkSynced(created.Updated), store.IfRevision(l.UpdatedAt))
	if !errors.Is(err, store.ErrStale) {
		return storeOutcome(err)
	}

	// The event was edited meanwhile. Link it anyway and leave it dirty so
	// the edit goes out with the next run.
	for range 3 {
		cur, gerr := a.store.Get(ctx, l.ID)
		if gerr != nil {
			return gerr
		}
		cur.RemoteID = created.ID
		cur.RemoteUpdatedAt = created.Updated
		_, err = a.store.Put(ctx, cur, store.IfRevision(cur.UpdatedAt))
		if !errors.Is(err, store.ErrStale) {
			return err
		}
	}
	return err
}

func (a *Applier) pull(ctx context.Context, p Pull) error {
	r := p.Remote
	if p.Local == nil {
		if _, err := a.store.FindByRemoteID(ctx, r.ID); err == nil {
			return errSkipped
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		ev := model.Event{RemoteID: r.ID, Source: model.SourceRemoteImport}
		fromRemote(&ev, r)
		_, err := a.store.Put(ctx, ev, store.MarkSynced(r.Updated), store.IfRevision(time.Time{}))
		return storeOutcome(err)
	}

	ev := *p.Local
	fromRemote(&ev, r)
	ev.RemoteID = r.ID
	ev.Deleted = false
	_, err := a.store.Put(ctx, ev, store.MarkSynced(r.Updated), store.IfRevision(p.Local.UpdatedAt))
	return storeOutcome(err)
}

// stamp records a newer remote revision for a pair whose content already
// agrees, leaving the local dirty state as it was.
func (a *Applier) stamp(ctx context.Context, sp Stamp) error {
	_, err := a.store.Put(ctx, sp.Local, store.RecordRemoteStamp(sp.Remote.Updated), store.IfRevision(sp.Local.UpdatedAt))
	return storeOutcome(err)
}

func fromRemote(ev *model.Event, r model.RemoteEvent) {
	ev.Title = strings.TrimSpace(r.Title)
	ev.Description = r.Description
	ev.Location = r.Location
	ev.Start = r.Start
	ev.End = r.End
	if r.Timezone != "" {
		ev.Timezone = r.Timezone
	} else if ev.Timezone == "" {
		ev.Timezone = "UTC"
	}
}

func (a *Applier) delete(ctx context.Context, d Deletion) error {
	l := d.Local
	switch d.Kind {
	case Tombstone:
		l.Deleted = true
		l.DeleteOrigin = model.DeletedRemotely
		_, err := a.store.Put(ctx, l, store.MarkSynced(l.RemoteUpdatedAt), store.IfRevision(l.UpdatedAt))
		return storeOutcome(err)
	case RemoteThenPurge:
		if err := a.retry(ctx, "delete", func() error { return a.remote.Delete(ctx, l.RemoteID) }); err != nil {
			return err
		}
		return a.purge(ctx, l)
	default:
		return a.purge(ctx, l)
	}
}

// purge removes the tombstone unless it changed since the snapshot.
func (a *Applier) purge(ctx context.Context, l model.Event) error {
	cur, err := a.store.Get(ctx, l.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !cur.UpdatedAt.Equal(l.UpdatedAt) || !cur.Deleted {
		return errSkipped
	}
	return a.store.Delete(ctx, l.ID)
}

func storeOutcome(err error) error {
	if errors.Is(err, store.ErrStale) || errors.Is(err, store.ErrNotFound) {
		return errSkipped
	}
	return err
}

// retry runs fn until it succeeds, fails with a non-transient error or the
// attempts are used up. Attempt n sleeps n*backoff first.
func (a *Applier) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			appLog.Warn("remote call retry", "op", op, "attempt", attempt+1, "error", err.Error())
			t := time.NewTimer(time.Duration(attempt) * a.backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		err = fn()
		if err == nil || !remote.IsTransient(err) {
			return err
		}
	}
	return err
}
