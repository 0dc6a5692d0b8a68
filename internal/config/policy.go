package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Policy is the immutable subset of the configuration that the parser,
// the conflict detector, the reconciler and the orchestrator consume.
type Policy struct {
	Timezone        string
	Location        *time.Location
	GapMinutes      int
	SyncDaysAhead   int
	DefaultHour     int
	RejectConflicts bool
	PushOnAdd       bool
}

// Policy derives the Policy value. The config must already be valid.
func (c *Config) Policy() (Policy, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return Policy{}, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return Policy{
		Timezone:        loc.String(),
		Location:        loc,
		GapMinutes:      max(c.ConflictGapMinutes, 0),
		SyncDaysAhead:   c.SyncDaysAhead,
		DefaultHour:     c.DefaultHour,
		RejectConflicts: c.RejectConflicts,
		PushOnAdd:       c.PushOnAdd,
	}, nil
}

// DefaultPolicy is the Policy of DefaultConfig.
func DefaultPolicy() Policy {
	p, _ := DefaultConfig().Policy()
	return p
}

// Credentials are secrets read from the environment rather than the YAML
// file.
type Credentials struct {
	HuggingFaceToken string
	CalendarToken    string
}

const (
	EnvHuggingFaceToken = "HUGGINGFACE_API_TOKEN"
	EnvCalendarToken    = "CALENDAR_API_TOKEN"
)

// LoadCredentials reads tokens from the environment after loading envFile
// (a .env file) if it exists. Variables already set in the environment win.
func LoadCredentials(envFile string) (Credentials, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return Credentials{
		HuggingFaceToken: os.Getenv(EnvHuggingFaceToken),
		CalendarToken:    os.Getenv(EnvCalendarToken),
	}, nil
}
