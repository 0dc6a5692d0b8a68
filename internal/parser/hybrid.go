package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	appLog "smartcal/internal/log"
	"smartcal/internal/model"
)

// DefaultModelTimeout bounds a single model attempt so a slow backend
// degrades to the rules instead of blocking the request.
const DefaultModelTimeout = 20 * time.Second

// Hybrid tries the primary strategy first and falls back on any failure.
// The fallback must be total for well-formed prompts.
type Hybrid struct {
	primary  Strategy
	fallback Strategy
	timeout  time.Duration
	now      func() time.Time

	primaryHits  atomic.Int64
	fallbackHits atomic.Int64
}

type Option func(*Hybrid)

// WithTimeout overrides DefaultModelTimeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Hybrid) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithClock replaces time.Now as the reference instant.
func WithClock(now func() time.Time) Option {
	return func(h *Hybrid) { h.now = now }
}

// NewHybrid wires a primary strategy (may be nil) with a fallback.
func NewHybrid(primary, fallback Strategy, opts ...Option) *Hybrid {
	if fallback == nil {
		fallback = NewRules(9)
	}
	h := &Hybrid{
		primary:  primary,
		fallback: fallback,
		timeout:  DefaultModelTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Parse interprets raw against defaultTZ (UTC when empty). It returns
// model.ErrValidation for an unknown zone and model.ErrParse for a prompt
// without content; every other prompt yields an intent.
func (h *Hybrid) Parse(ctx context.Context, raw, defaultTZ string) (model.ParsedIntent, error) {
	tz := strings.TrimSpace(defaultTZ)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return model.ParsedIntent{}, fmt.Errorf("%w: unknown timezone %q", model.ErrValidation, defaultTZ)
	}
	if !wellFormed(raw) {
		return model.ParsedIntent{}, fmt.Errorf("%w: prompt has no content", model.ErrParse)
	}

	req := Request{Text: raw, Now: h.now(), Location: loc}

	if h.primary != nil {
		if ok, reason := h.primary.Available(); ok {
			intent, err := h.tryPrimary(ctx, req)
			if err == nil {
				h.primaryHits.Add(1)
				return intent, nil
			}
			if ctx.Err() != nil {
				return model.ParsedIntent{}, ctx.Err()
			}
			appLog.Warn("model parse failed, using rules", "strategy", h.primary.Name(), "error", err.Error())
		} else {
			appLog.Debug("model strategy unavailable", "reason", reason)
		}
	}

	intent, err := h.fallback.Parse(ctx, req)
	if err != nil {
		return model.ParsedIntent{}, err
	}
	h.fallbackHits.Add(1)
	return intent, nil
}

func (h *Hybrid) tryPrimary(ctx context.Context, req Request) (model.ParsedIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	intent, err := h.primary.Parse(ctx, req)
	if err != nil {
		return model.ParsedIntent{}, err
	}
	// Model output is untrusted; the event invariants are re-checked here.
	if strings.TrimSpace(intent.Title) == "" || !intent.End.After(intent.Start) {
		return model.ParsedIntent{}, errors.Join(ErrInvalidDraft, errors.New("intent failed validation"))
	}
	return intent, nil
}

// Status describes which strategy will serve the next request.
type Status struct {
	Active         string `json:"active_strategy"`
	ModelAvailable bool   `json:"model_available"`
	Reason         string `json:"reason"`
	ModelParses    int64  `json:"model_parses"`
	FallbackParses int64  `json:"fallback_parses"`
}

func (h *Hybrid) Status() Status {
	st := Status{
		Active:         h.fallback.Name(),
		Reason:         "no model strategy configured",
		ModelParses:    h.primaryHits.Load(),
		FallbackParses: h.fallbackHits.Load(),
	}
	if h.primary != nil {
		st.ModelAvailable, st.Reason = h.primary.Available()
		if st.ModelAvailable {
			st.Active = h.primary.Name()
		}
	}
	return st
}
