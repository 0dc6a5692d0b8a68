// Package remote is the contract with the external calendar service plus
// two implementations: a JSON-over-HTTP client and an in-memory calendar
// for tests.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smartcal/internal/model"
)

// Client is the capability the reconciler needs from a remote calendar.
type Client interface {
	// ListEvents returns remote events overlapping [from, to).
	ListEvents(ctx context.Context, from, to time.Time) ([]model.RemoteEvent, error)
	// Create inserts ev and returns the stored copy with its assigned ID.
	Create(ctx context.Context, ev model.RemoteEvent) (model.RemoteEvent, error)
	// Update overwrites the remote event ev.ID.
	Update(ctx context.Context, ev model.RemoteEvent) (model.RemoteEvent, error)
	// Delete removes the remote event. Deleting a missing event succeeds.
	Delete(ctx context.Context, id string) error
}

// Error is a classified remote failure.
type Error struct {
	Op     string
	Status int
	Err    error

	transient bool
	fatal     bool
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient errors may succeed on retry (timeouts, rate limits, 5xx).
func (e *Error) Transient() bool { return e.transient }

// Fatal errors invalidate the whole run (bad credentials, missing calendar).
func (e *Error) Fatal() bool { return e.fatal }

// ErrNotFound is wrapped by Update when the remote event no longer exists.
var ErrNotFound = errors.New("remote event not found")

func IsTransient(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Transient()
}

func IsFatal(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Fatal()
}

// NewError builds an Error classified by an HTTP status code.
func NewError(op string, status int, err error) *Error {
	return classify(op, status, err)
}

// classify maps a non-2xx HTTP status to an Error.
func classify(op string, status int, err error) *Error {
	e := &Error{Op: op, Status: status, Err: err}
	switch {
	case status == 401 || status == 403:
		e.fatal = true
	case status == 404 && op == "list":
		// Calendar itself is gone.
		e.fatal = true
	case status == 404:
		e.Err = fmt.Errorf("%w: %w", ErrNotFound, err)
	case status == 408 || status == 429 || status >= 500:
		e.transient = true
	}
	return e
}
