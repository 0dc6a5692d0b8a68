// Package parser turns free text into a model.ParsedIntent. A Hybrid
// dispatches to a model-backed Strategy when one is available and falls
// back to the deterministic Rules strategy otherwise.
package parser

import (
	"context"
	"time"
	"unicode"

	"smartcal/internal/model"
)

// Request carries the prompt together with the date context it is
// interpreted against.
type Request struct {
	Text string
	// Now is the reference instant for relative dates.
	Now time.Time
	// Location is the default zone for naive times.
	Location *time.Location
}

// Strategy is one way of parsing a prompt.
type Strategy interface {
	Name() string
	// Available is the availability check consulted before Parse.
	Available() (bool, string)
	Parse(ctx context.Context, req Request) (model.ParsedIntent, error)
}

const defaultDuration = time.Hour

// wellFormed reports whether text carries at least one letter or digit.
func wellFormed(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
