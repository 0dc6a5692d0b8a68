package model

import (
	"fmt"
	"strings"
	"time"
)

// Source records where an Event's data came from. It is used as a
// tie-break input when reconciling divergent local and remote edits.
type Source string

const (
	SourceUserLLM      Source = "user-llm"
	SourceUserFallback Source = "user-fallback"
	SourceRemoteImport Source = "remote-import"
	SourceICSImport    Source = "ics-import"
)

// IsUser reports whether the event was authored locally by a user prompt.
func (s Source) IsUser() bool {
	return s == SourceUserLLM || s == SourceUserFallback
}

// DeleteOrigin records which side caused a tombstone.
type DeleteOrigin string

const (
	DeletedLocally  DeleteOrigin = "local"
	DeletedRemotely DeleteOrigin = "remote"
)

// Event is the canonical calendar event shared by the local store, the
// conflict detector and the reconciler.
type Event struct {
	// ID is the local identifier. It never changes once assigned.
	ID string `json:"id"`
	// RemoteID is assigned by the remote calendar on first successful push.
	RemoteID string `json:"remote_id,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Timezone string    `json:"timezone"`

	Source Source `json:"source"`

	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the revision stamp. The store bumps it on every mutation.
	UpdatedAt time.Time `json:"updated_at"`

	// SyncedAt is the UpdatedAt value recorded at the last successful sync.
	// Zero means the event has never been synced.
	SyncedAt time.Time `json:"synced_at,omitzero"`
	// RemoteUpdatedAt is the remote revision observed at the last sync.
	RemoteUpdatedAt time.Time `json:"remote_updated_at,omitzero"`

	Deleted      bool         `json:"deleted,omitempty"`
	DeleteOrigin DeleteOrigin `json:"delete_origin,omitempty"`
}

// Dirty reports whether the event was mutated after its last sync.
func (e Event) Dirty() bool {
	return e.UpdatedAt.After(e.SyncedAt)
}

// Linked reports whether the event has been pushed to the remote calendar.
func (e Event) Linked() bool {
	return e.RemoteID != ""
}

// Overlaps reports whether [Start, End) intersects [from, to).
func (e Event) Overlaps(from, to time.Time) bool {
	return e.Start.Before(to) && from.Before(e.End)
}

// SameContent compares the user-visible scheduling fields.
func (e Event) SameContent(title string, start, end time.Time, tz string) bool {
	return e.Title == title &&
		e.Start.Equal(start) &&
		e.End.Equal(end) &&
		e.Timezone == tz
}

// Validate enforces the Event invariants that do not depend on the store.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: title is empty", ErrValidation)
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrValidation)
	}
	if !e.Start.Before(e.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrValidation,
			e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
	}
	return nil
}

// RemoteEvent is the remote calendar's view of an event.
type RemoteEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Timezone    string    `json:"timezone"`
	// Updated is the remote revision time.
	Updated time.Time `json:"updated"`
}

// Matches reports whether the local event and the remote copy carry the
// same scheduling content.
func (r RemoteEvent) Matches(e Event) bool {
	return e.SameContent(r.Title, r.Start, r.End, r.Timezone)
}

// ToRemote builds the payload pushed to the remote calendar.
func (e Event) ToRemote() RemoteEvent {
	return RemoteEvent{
		ID:          e.RemoteID,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start,
		End:         e.End,
		Timezone:    e.Timezone,
	}
}

// Confidence tags which parsing strategy produced an intent.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// ParsedIntent is the ephemeral output of the parser.
type ParsedIntent struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Timezone    string     `json:"timezone"`
	Confidence  Confidence `json:"confidence"`
	Strategy    string     `json:"strategy"`
	RawPrompt   string     `json:"raw_prompt"`
}

// Source maps the parse confidence to event provenance.
func (p ParsedIntent) Source() Source {
	if p.Confidence == ConfidenceHigh {
		return SourceUserLLM
	}
	return SourceUserFallback
}

// ConflictReport lists existing events that violate the gap policy
// against a candidate.
type ConflictReport struct {
	HasConflict       bool    `json:"has_conflict"`
	ConflictingEvents []Event `json:"conflicting_events"`
	GapMinutesApplied int     `json:"gap_minutes_applied"`
}
