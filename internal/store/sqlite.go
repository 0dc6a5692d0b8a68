package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	appLog "smartcal/internal/log"
	"smartcal/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id                 TEXT PRIMARY KEY,
    remote_id          TEXT NOT NULL DEFAULT '',
    title              TEXT NOT NULL,
    description        TEXT NOT NULL DEFAULT '',
    location           TEXT NOT NULL DEFAULT '',
    start_ns           INTEGER NOT NULL,
    end_ns             INTEGER NOT NULL,
    timezone           TEXT NOT NULL,
    source             TEXT NOT NULL,
    created_ns         INTEGER NOT NULL,
    updated_ns         INTEGER NOT NULL,
    synced_ns          INTEGER NOT NULL DEFAULT 0,
    remote_updated_ns  INTEGER NOT NULL DEFAULT 0,
    is_deleted         INTEGER NOT NULL DEFAULT 0,
    delete_origin      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_range ON events(start_ns, end_ns);
CREATE INDEX IF NOT EXISTS idx_events_remote ON events(remote_id);
`

const selectColumns = `id, remote_id, title, description, location, start_ns, end_ns, timezone,
	source, created_ns, updated_ns, synced_ns, remote_updated_ns, is_deleted, delete_origin`

// SQLite is a Store persisted in a single SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %w", ErrStoreIO, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrStoreIO, err)
	}
	// A single connection serializes writers and keeps read-modify-write
	// sequences inside one transaction atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %w", ErrStoreIO, err)
	}

	appLog.Info("sqlite store opened", "path", path)
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStoreIO, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM events WHERE id = ?`, id)
	return scanOne(row)
}

func (s *SQLite) FindByRemoteID(ctx context.Context, remoteID string) (model.Event, error) {
	if remoteID == "" {
		return model.Event{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM events WHERE remote_id = ? LIMIT 1`, remoteID)
	return scanOne(row)
}

func (s *SQLite) Put(ctx context.Context, ev model.Event, opts ...PutOption) (model.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: begin transaction: %w", ErrStoreIO, err)
	}
	defer tx.Rollback()

	var current *model.Event
	if ev.ID != "" {
		cur, err := scanOne(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM events WHERE id = ?`, ev.ID))
		switch {
		case err == nil:
			current = &cur
		case !errors.Is(err, ErrNotFound):
			return model.Event{}, err
		}
	}

	out, err := prepare(ev, current, collectOptions(opts), s.now())
	if err != nil {
		return model.Event{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, remote_id, title, description, location, start_ns, end_ns, timezone,
			source, created_ns, updated_ns, synced_ns, remote_updated_ns, is_deleted, delete_origin)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_id = excluded.remote_id,
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			start_ns = excluded.start_ns,
			end_ns = excluded.end_ns,
			timezone = excluded.timezone,
			source = excluded.source,
			updated_ns = excluded.updated_ns,
			synced_ns = excluded.synced_ns,
			remote_updated_ns = excluded.remote_updated_ns,
			is_deleted = excluded.is_deleted,
			delete_origin = excluded.delete_origin`,
		out.ID, out.RemoteID, out.Title, out.Description, out.Location,
		toNS(out.Start), toNS(out.End), out.Timezone, string(out.Source),
		toNS(out.CreatedAt), toNS(out.UpdatedAt), toNS(out.SyncedAt), toNS(out.RemoteUpdatedAt),
		boolToInt(out.Deleted), string(out.DeleteOrigin),
	)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: upsert event %s: %w", ErrStoreIO, out.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Event{}, fmt.Errorf("%w: commit: %w", ErrStoreIO, err)
	}
	return normalizeZone(out), nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete event %s: %w", ErrStoreIO, id, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM events
		WHERE is_deleted = 0 AND start_ns < ? AND end_ns > ?
		ORDER BY start_ns ASC, id ASC`, toNS(to), toNS(from))
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %w", ErrStoreIO, err)
	}
	return scanAll(rows)
}

func (s *SQLite) Snapshot(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM events ORDER BY start_ns ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %w", ErrStoreIO, err)
	}
	return scanAll(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row rowScanner) (model.Event, error) {
	var (
		ev                                     model.Event
		source, origin                         string
		startNS, endNS, createdNS, updatedNS   int64
		syncedNS, remoteUpdatedNS, deletedFlag int64
	)
	err := row.Scan(&ev.ID, &ev.RemoteID, &ev.Title, &ev.Description, &ev.Location,
		&startNS, &endNS, &ev.Timezone, &source, &createdNS, &updatedNS,
		&syncedNS, &remoteUpdatedNS, &deletedFlag, &origin)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: scan event: %w", ErrStoreIO, err)
	}
	ev.Source = model.Source(source)
	ev.DeleteOrigin = model.DeleteOrigin(origin)
	ev.Start = fromNS(startNS)
	ev.End = fromNS(endNS)
	ev.CreatedAt = fromNS(createdNS)
	ev.UpdatedAt = fromNS(updatedNS)
	ev.SyncedAt = fromNS(syncedNS)
	ev.RemoteUpdatedAt = fromNS(remoteUpdatedNS)
	ev.Deleted = deletedFlag != 0
	return normalizeZone(ev), nil
}

func scanAll(rows *sql.Rows) ([]model.Event, error) {
	defer rows.Close()
	out := make([]model.Event, 0)
	for rows.Next() {
		ev, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %w", ErrStoreIO, err)
	}
	return out, nil
}

// normalizeZone presents start/end in the event's own timezone.
func normalizeZone(ev model.Event) model.Event {
	if ev.Timezone == "" {
		return ev
	}
	loc, err := time.LoadLocation(ev.Timezone)
	if err != nil {
		return ev
	}
	ev.Start = ev.Start.In(loc)
	ev.End = ev.End.In(loc)
	return ev
}

func toNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNS(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
