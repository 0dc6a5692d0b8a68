// Package reconcile plans and applies two-way synchronization between the
// local store and the remote calendar.
//
// Reconcile is pure: it compares a store snapshot with a remote listing and
// returns a State. Applier executes a State with per-item isolation, and
// Syncer wires both to a store and a remote client for one run at a time.
package reconcile

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"smartcal/internal/model"
)

// Window bounds the remote listing. Remote absence is only meaningful for
// local events inside it.
type Window struct {
	From, To time.Time
}

func (w Window) Contains(e model.Event) bool {
	return e.Overlaps(w.From, w.To)
}

// Push sends a local event to the remote calendar. Unlinked events are
// created, linked ones updated. Recreate replaces a remote copy that
// vanished; Local.RemoteID still names the lost copy.
type Push struct {
	Local    model.Event
	Recreate bool
}

func (p Push) Create() bool { return p.Recreate || !p.Local.Linked() }

// Pull writes a remote event into the store. Local is nil for events never
// seen before.
type Pull struct {
	Remote model.RemoteEvent
	Local  *model.Event
}

// Stamp records a newer remote revision for a pair whose content already
// agrees, such as a remote edit that was reverted.
type Stamp struct {
	Local  model.Event
	Remote model.RemoteEvent
}

type DeleteKind int

const (
	// Tombstone soft-deletes a local event whose remote copy disappeared.
	Tombstone DeleteKind = iota
	// Purge removes a local tombstone permanently.
	Purge
	// RemoteThenPurge deletes the remote copy first, then purges.
	RemoteThenPurge
)

func (k DeleteKind) String() string {
	switch k {
	case Tombstone:
		return "tombstone"
	case Purge:
		return "purge"
	case RemoteThenPurge:
		return "delete-remote"
	}
	return "unknown"
}

type Deletion struct {
	Local model.Event
	Kind  DeleteKind
}

// Resolution says how a conflict is settled.
type Resolution string

const (
	// Pending conflicts wait for an explicit decision.
	Pending    Resolution = "pending"
	KeepLocal  Resolution = "keep-local"
	KeepRemote Resolution = "keep-remote"
)

// Conflict is a matched pair where both sides changed since the last sync.
type Conflict struct {
	Local      model.Event       `json:"local"`
	Remote     model.RemoteEvent `json:"remote"`
	Resolution Resolution        `json:"resolution"`
}

// State is the plan computed by Reconcile.
type State struct {
	ToPush        []Push
	ToPull        []Pull
	ToStamp       []Stamp
	ToDeleteLocal []Deletion
	Conflicts     []Conflict
}

func (s State) Empty() bool {
	return len(s.ToPush) == 0 && len(s.ToPull) == 0 && len(s.ToStamp) == 0 &&
		len(s.ToDeleteLocal) == 0 && len(s.Conflicts) == 0
}

// Pending returns the conflicts awaiting a decision.
func (s State) Pending() []Conflict {
	var out []Conflict
	for _, c := range s.Conflicts {
		if c.Resolution == Pending {
			out = append(out, c)
		}
	}
	return out
}

// Reconcile computes the actions that bring local and remote into
// agreement. local is a full store snapshot (tombstones included) and
// remote is the listing for window.
func Reconcile(local []model.Event, remote []model.RemoteEvent, window Window) State {
	remoteByID := make(map[string]model.RemoteEvent, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = r
	}
	matched := make(map[string]bool, len(remote))

	var st State
	for _, l := range local {
		if !l.Linked() {
			if l.Deleted {
				st.ToDeleteLocal = append(st.ToDeleteLocal, Deletion{Local: l, Kind: Purge})
			} else {
				st.ToPush = append(st.ToPush, Push{Local: l})
			}
			continue
		}

		r, ok := remoteByID[l.RemoteID]
		if !ok {
			planRemoteAbsent(&st, l, window)
			continue
		}
		matched[r.ID] = true

		if l.Deleted {
			if l.DeleteOrigin == model.DeletedRemotely {
				// The remote copy is back: revive.
				ll := l
				st.ToPull = append(st.ToPull, Pull{Remote: r, Local: &ll})
			} else {
				st.ToDeleteLocal = append(st.ToDeleteLocal, Deletion{Local: l, Kind: RemoteThenPurge})
			}
			continue
		}

		if r.Matches(l) {
			if r.Updated.After(l.RemoteUpdatedAt) {
				st.ToStamp = append(st.ToStamp, Stamp{Local: l, Remote: r})
			}
			continue
		}
		planDivergent(&st, l, r)
	}

	for _, r := range remote {
		if !matched[r.ID] {
			st.ToPull = append(st.ToPull, Pull{Remote: r})
		}
	}

	sortState(&st)
	return st
}

func planRemoteAbsent(st *State, l model.Event, window Window) {
	switch {
	case l.Deleted && l.DeleteOrigin == model.DeletedLocally:
		// Remote delete is idempotent, so this also covers events outside
		// the listed window.
		st.ToDeleteLocal = append(st.ToDeleteLocal, Deletion{Local: l, Kind: RemoteThenPurge})
	case l.Deleted:
		st.ToDeleteLocal = append(st.ToDeleteLocal, Deletion{Local: l, Kind: Purge})
	case !window.Contains(l):
		// Not listed because it is out of range, not because it is gone.
	case l.Dirty():
		// Edited locally after the remote copy vanished: recreate it
		// rather than drop the edit.
		st.ToPush = append(st.ToPush, Push{Local: l, Recreate: true})
	default:
		st.ToDeleteLocal = append(st.ToDeleteLocal, Deletion{Local: l, Kind: Tombstone})
	}
}

func planDivergent(st *State, l model.Event, r model.RemoteEvent) {
	localDirty := l.Dirty()
	remoteChanged := r.Updated.After(l.RemoteUpdatedAt)

	switch {
	case localDirty && remoteChanged:
		res := lastWriter(l, r)
		if l.Source.IsUser() {
			res = Pending
		}
		st.Conflicts = append(st.Conflicts, Conflict{Local: l, Remote: r, Resolution: res})
	case remoteChanged:
		ll := l
		st.ToPull = append(st.ToPull, Pull{Remote: r, Local: &ll})
	case localDirty:
		st.ToPush = append(st.ToPush, Push{Local: l})
	default:
		if lastWriter(l, r) == KeepRemote {
			ll := l
			st.ToPull = append(st.ToPull, Pull{Remote: r, Local: &ll})
		} else {
			st.ToPush = append(st.ToPush, Push{Local: l})
		}
	}
}

// lastWriter prefers the side with the later revision stamp; ties go to
// the local copy.
func lastWriter(l model.Event, r model.RemoteEvent) Resolution {
	if r.Updated.After(l.UpdatedAt) {
		return KeepRemote
	}
	return KeepLocal
}

func sortState(st *State) {
	slices.SortFunc(st.ToPush, func(a, b Push) int { return byStartID(a.Local.Start, b.Local.Start, a.Local.ID, b.Local.ID) })
	slices.SortFunc(st.ToPull, func(a, b Pull) int { return byStartID(a.Remote.Start, b.Remote.Start, a.Remote.ID, b.Remote.ID) })
	slices.SortFunc(st.ToStamp, func(a, b Stamp) int { return byStartID(a.Local.Start, b.Local.Start, a.Local.ID, b.Local.ID) })
	slices.SortFunc(st.ToDeleteLocal, func(a, b Deletion) int {
		return byStartID(a.Local.Start, b.Local.Start, a.Local.ID, b.Local.ID)
	})
	sortConflicts(st.Conflicts)
}

func sortConflicts(cs []Conflict) {
	slices.SortFunc(cs, func(a, b Conflict) int {
		return byStartID(a.Local.Start, b.Local.Start, a.Local.ID, b.Local.ID)
	})
}

func byStartID(as, bs time.Time, aid, bid string) int {
	return cmp.Or(as.Compare(bs), strings.Compare(aid, bid))
}
