// Package calendar ties the parser, the conflict detector, the local store
// and the reconciler into the operations exposed by the CLI and the HTTP
// API.
package calendar

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"smartcal/internal/config"
	"smartcal/internal/conflict"
	"smartcal/internal/ics"
	appLog "smartcal/internal/log"
	"smartcal/internal/model"
	"smartcal/internal/parser"
	"smartcal/internal/reconcile"
	"smartcal/internal/store"
)

var (
	// ErrConflict is returned by AddEvent and UpdateEvent when the policy
	// rejects conflicting events. The report is still returned.
	ErrConflict = errors.New("event conflicts with existing events")
	// ErrSyncDisabled is returned when no remote calendar is configured.
	ErrSyncDisabled = errors.New("remote sync is not configured")
)

// Parser turns a prompt into an intent.
type Parser interface {
	Parse(ctx context.Context, raw, defaultTZ string) (model.ParsedIntent, error)
	Status() parser.Status
}

// Syncer is the reconciler surface the service drives.
type Syncer interface {
	Run(ctx context.Context) (reconcile.Result, error)
	PushOne(ctx context.Context, eventID string) error
	Pending() []reconcile.Conflict
	Resolve(ctx context.Context, eventID string, how reconcile.Resolution) error
	LastRun() (time.Time, error)
}

type Service struct {
	policy  config.Policy
	store   store.Store
	parser  Parser
	syncer  Syncer
	fetcher *ics.Fetcher
	now     func() time.Time
	started time.Time

	// writeMu serializes conflict check + write so two adds cannot both
	// pass the check against the same state.
	writeMu sync.Mutex
}

type Option func(*Service)

// WithSyncer enables Sync, ResolveConflict and push-on-add.
func WithSyncer(sy Syncer) Option {
	return func(s *Service) { s.syncer = sy }
}

func WithFetcher(f *ics.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(policy config.Policy, st store.Store, p Parser, opts ...Option) *Service {
	if policy.Location == nil {
		policy.Location = time.UTC
		policy.Timezone = "UTC"
	}
	s := &Service{
		policy: policy,
		store:  st,
		parser: p,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.fetcher == nil {
		s.fetcher = ics.NewFetcher(0)
	}
	s.started = s.now()
	return s
}

func (s *Service) Policy() config.Policy { return s.policy }

// EventResult is returned by AddEvent and UpdateEvent.
type EventResult struct {
	Event      model.Event          `json:"event"`
	Conflicts  model.ConflictReport `json:"conflicts"`
	Strategy   string               `json:"strategy,omitempty"`
	Confidence model.Confidence     `json:"confidence,omitempty"`
	Pushed     bool                 `json:"pushed"`
}

// AddEvent parses prompt, checks it against stored events and saves it.
// tz overrides the configured zone for this prompt.
func (s *Service) AddEvent(ctx context.Context, prompt, tz string) (EventResult, error) {
	intent, err := s.parser.Parse(ctx, prompt, cmp.Or(strings.TrimSpace(tz), s.policy.Timezone))
	if err != nil {
		return EventResult{}, err
	}

	ev := model.Event{
		Title:       intent.Title,
		Description: intent.Description,
		Location:    intent.Location,
		Start:       intent.Start,
		End:         intent.End,
		Timezone:    intent.Timezone,
		Source:      intent.Source(),
	}
	if err := ev.Validate(); err != nil {
		return EventResult{}, err
	}

	res := EventResult{Strategy: intent.Strategy, Confidence: intent.Confidence}
	saved, report, err := s.checkAndPut(ctx, ev, nil)
	res.Conflicts = report
	if err != nil {
		return res, err
	}
	res.Event = saved
	appLog.Info("event added",
		"id", saved.ID,
		"title", saved.Title,
		"start", saved.Start.Format(time.RFC3339),
		"strategy", intent.Strategy,
		"conflicts", len(report.ConflictingEvents),
	)

	if s.policy.PushOnAdd && s.syncer != nil {
		err := s.syncer.PushOne(ctx, saved.ID)
		switch {
		case errors.Is(err, reconcile.ErrSyncBusy):
			appLog.Info("sync in progress; event queued for next run", "id", saved.ID)
		case err != nil:
			appLog.Warn("push on add failed; next sync will retry", "id", saved.ID, "error", err.Error())
		default:
			if cur, err := s.store.Get(ctx, saved.ID); err == nil {
				res.Event = cur
				res.Pushed = cur.Linked()
			}
		}
	}
	return res, nil
}

// checkAndPut runs the conflict check against the current store and
// writes ev unless the policy rejects it. prev is the revision ev was read
// at, nil for inserts.
func (s *Service) checkAndPut(ctx context.Context, ev model.Event, prev *time.Time) (model.Event, model.ConflictReport, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	from, to := conflict.Window(ev, s.policy.GapMinutes)
	existing, err := s.store.List(ctx, from, to)
	if err != nil {
		return model.Event{}, model.ConflictReport{}, err
	}
	report := conflict.Check(ev, existing, s.policy.GapMinutes)
	if report.HasConflict && s.policy.RejectConflicts {
		return model.Event{}, report, fmt.Errorf("%w: %d overlapping event(s) within %d minutes",
			ErrConflict, len(report.ConflictingEvents), report.GapMinutesApplied)
	}

	var opts []store.PutOption
	if prev != nil {
		opts = append(opts, store.IfRevision(*prev))
	}
	saved, err := s.store.Put(ctx, ev, opts...)
	if err != nil {
		return model.Event{}, report, err
	}
	return saved, report, nil
}

// ListEvents returns live events overlapping [from, to) ordered by start.
func (s *Service) ListEvents(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: start %s is not before end %s", model.ErrValidation,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return s.store.List(ctx, from, to)
}

// GetEvent returns a live event.
func (s *Service) GetEvent(ctx context.Context, id string) (model.Event, error) {
	ev, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Event{}, err
	}
	if ev.Deleted {
		return model.Event{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return ev, nil
}

// EventPatch carries the fields to change; nil fields are kept.
type EventPatch struct {
	Title       *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
	Timezone    *string
}

// UpdateEvent applies patch to a live event. Moving only the start keeps
// the duration. The write fails with store.ErrStale if the event changed
// since it was read.
func (s *Service) UpdateEvent(ctx context.Context, id string, patch EventPatch) (EventResult, error) {
	cur, err := s.GetEvent(ctx, id)
	if err != nil {
		return EventResult{}, err
	}

	ev := cur
	if patch.Title != nil {
		ev.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		ev.Description = *patch.Description
	}
	if patch.Location != nil {
		ev.Location = *patch.Location
	}
	if patch.Start != nil {
		d := ev.End.Sub(ev.Start)
		ev.Start = *patch.Start
		if patch.End == nil {
			ev.End = ev.Start.Add(d)
		}
	}
	if patch.End != nil {
		ev.End = *patch.End
	}
	if patch.Timezone != nil {
		loc, err := time.LoadLocation(*patch.Timezone)
		if err != nil {
			return EventResult{}, fmt.Errorf("%w: unknown timezone %q", model.ErrValidation, *patch.Timezone)
		}
		ev.Timezone = loc.String()
		ev.Start, ev.End = ev.Start.In(loc), ev.End.In(loc)
	}
	if err := ev.Validate(); err != nil {
		return EventResult{}, err
	}

	saved, report, err := s.checkAndPut(ctx, ev, &cur.UpdatedAt)
	if err != nil {
		return EventResult{Conflicts: report}, err
	}
	appLog.Info("event updated", "id", id, "title", saved.Title)
	return EventResult{Event: saved, Conflicts: report}, nil
}

// DeleteEvent tombstones an event; the next sync removes it remotely and
// purges it. Deleting a tombstoned event is a no-op.
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Deleted {
		return nil
	}
	ev := cur
	ev.Deleted = true
	ev.DeleteOrigin = model.DeletedLocally
	if _, err := s.store.Put(ctx, ev, store.IfRevision(cur.UpdatedAt)); err != nil {
		return err
	}
	appLog.Info("event deleted", "id", id)
	return nil
}

// Sync runs one reconciliation.
func (s *Service) Sync(ctx context.Context) (reconcile.Result, error) {
	if s.syncer == nil {
		return reconcile.Result{}, ErrSyncDisabled
	}
	return s.syncer.Run(ctx)
}

func (s *Service) PendingConflicts() []reconcile.Conflict {
	if s.syncer == nil {
		return []reconcile.Conflict{}
	}
	return s.syncer.Pending()
}

// ResolveConflict settles a pending conflict. keep is "local" or "remote".
func (s *Service) ResolveConflict(ctx context.Context, id, keep string) error {
	if s.syncer == nil {
		return ErrSyncDisabled
	}
	var how reconcile.Resolution
	switch strings.ToLower(strings.TrimSpace(keep)) {
	case "local", string(reconcile.KeepLocal):
		how = reconcile.KeepLocal
	case "remote", string(reconcile.KeepRemote):
		how = reconcile.KeepRemote
	default:
		return fmt.Errorf("%w: keep must be \"local\" or \"remote\", got %q", model.ErrValidation, keep)
	}
	return s.syncer.Resolve(ctx, id, how)
}

func (s *Service) ParserStatus() parser.Status {
	return s.parser.Status()
}

// Health is the readiness report.
type Health struct {
	Status           string    `json:"status"`
	Database         string    `json:"database"`
	Timezone         string    `json:"timezone"`
	Parser           string    `json:"parser"`
	SyncEnabled      bool      `json:"sync_enabled"`
	LastSync         time.Time `json:"last_sync,omitzero"`
	LastSyncError    string    `json:"last_sync_error,omitempty"`
	PendingConflicts int       `json:"pending_conflicts"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports "ok", or "degraded" when the store cannot be reached.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:        "ok",
		Database:      "ok",
		Timezone:      s.policy.Timezone,
		Parser:        s.parser.Status().Active,
		SyncEnabled:   s.syncer != nil,
		UptimeSeconds: int64(s.now().Sub(s.started).Seconds()),
	}
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			h.Status, h.Database = "degraded", err.Error()
		}
	}
	if s.syncer != nil {
		last, err := s.syncer.LastRun()
		h.LastSync = last
		if err != nil {
			h.LastSyncError = err.Error()
		}
		h.PendingConflicts = len(s.syncer.Pending())
	}
	return h
}

// ExportICS writes every live event as an iCalendar feed.
func (s *Service) ExportICS(ctx context.Context, w io.Writer) error {
	all, err := s.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	live := slices.DeleteFunc(all, func(e model.Event) bool { return e.Deleted })
	slices.SortFunc(live, func(a, b model.Event) int {
		return cmp.Or(a.Start.Compare(b.Start), strings.Compare(a.ID, b.ID))
	})
	return ics.Encode(w, live, "smartcal", s.policy.Timezone)
}

// ImportResult counts what an iCalendar import did.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// ImportICS adds the events of an iCalendar payload. Events exported by
// this service whose ID still exists and events identical to a stored
// live event are skipped.
func (s *Service) ImportICS(ctx context.Context, r io.Reader) (ImportResult, error) {
	items, err := ics.Decode(r, s.policy.Location)
	if err != nil {
		return ImportResult{}, fmt.Errorf("%w: %w", model.ErrValidation, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var res ImportResult
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dup, err := s.isDuplicate(ctx, it)
		if err != nil {
			return res, err
		}
		if dup {
			res.Skipped++
			continue
		}
		ev := model.Event{
			Title:       it.Title,
			Description: it.Description,
			Location:    it.Location,
			Start:       it.Start,
			End:         it.End,
			Timezone:    cmp.Or(it.Timezone, s.policy.Timezone),
			Source:      model.SourceICSImport,
		}
		if err := ev.Validate(); err != nil {
			appLog.Warn("ics event skipped", "uid", it.UID, "error", err.Error())
			res.Skipped++
			continue
		}
		if _, err := s.store.Put(ctx, ev); err != nil {
			return res, err
		}
		res.Imported++
	}
	appLog.Info("ics import done", "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

func (s *Service) isDuplicate(ctx context.Context, it ics.Imported) (bool, error) {
	if it.LocalID != "" {
		_, err := s.store.Get(ctx, it.LocalID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}
	existing, err := s.store.List(ctx, it.Start, it.End)
	if err != nil {
		return false, err
	}
	for _, e := range existing {
		if e.Title == it.Title && e.Start.Equal(it.Start) && e.End.Equal(it.End) {
			return true, nil
		}
	}
	return false, nil
}

// ImportURL fetches an iCalendar feed and imports it.
func (s *Service) ImportURL(ctx context.Context, url string) (ImportResult, error) {
	body, _, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return ImportResult{}, err
	}
	return s.ImportICS(ctx, bytes.NewReader(body))
}
