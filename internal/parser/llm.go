package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"smartcal/internal/llm"
	"smartcal/internal/model"
)

// ErrInvalidDraft is returned when the model answered with something that
// does not describe a valid event.
var ErrInvalidDraft = errors.New("invalid model draft")

const promptTemplate = `You are a calendar assistant. Parse the following natural language request into a structured event.

Current date and time: %s
User timezone: %s

Request: %q

Respond ONLY with valid JSON in this exact format:
{"title": "Event title", "start_datetime": "YYYY-MM-DDTHH:MM:SS", "end_datetime": "YYYY-MM-DDTHH:MM:SS", "timezone": "IANA zone or empty string", "description": "optional details", "location": "optional place"}

Rules:
1. If no end time is specified, leave end_datetime empty
2. If no date is specified, assume today
3. If time is specified without AM/PM, use 24-hour format context
4. Only set timezone when the request names one explicitly
5. Leave description and location empty unless the request mentions them
6. Respond with ONLY the JSON object, no other text

JSON:
`

// Model asks an LLM backend for a structured draft.
type Model struct {
	client llm.Client
}

func NewModel(client llm.Client) *Model {
	return &Model{client: client}
}

func (m *Model) Name() string { return "llm" }

func (m *Model) Available() (bool, string) {
	if m.client == nil {
		return false, "no model backend configured"
	}
	return m.client.Available()
}

// draft is the JSON shape the prompt asks the model for.
type draft struct {
	Title    string `json:"title"`
	Start    string `json:"start_datetime"`
	End      string `json:"end_datetime"`
	Timezone    string `json:"timezone"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

func (m *Model) Parse(ctx context.Context, req Request) (model.ParsedIntent, error) {
	if m.client == nil {
		return model.ParsedIntent{}, llm.ErrUnavailable
	}
	loc := req.Location
	if loc == nil {
		loc = time.UTC
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	prompt := fmt.Sprintf(promptTemplate, now.In(loc).Format("2006-01-02 15:04:05 MST (Monday)"), loc.String(), req.Text)
	out, err := m.client.Complete(ctx, prompt)
	if err != nil {
		return model.ParsedIntent{}, err
	}

	raw, ok := extractJSON(out)
	if !ok {
		return model.ParsedIntent{}, fmt.Errorf("%w: no JSON object in response", ErrInvalidDraft)
	}
	var d draft
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return model.ParsedIntent{}, fmt.Errorf("%w: %w", ErrInvalidDraft, err)
	}
	return d.intent(req.Text, loc, m.Name())
}

// intent validates the draft and normalizes it into the requested zone,
// or the zone the draft names explicitly.
func (d draft) intent(rawPrompt string, defaultLoc *time.Location, strategy string) (model.ParsedIntent, error) {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return model.ParsedIntent{}, fmt.Errorf("%w: empty title", ErrInvalidDraft)
	}

	loc := defaultLoc
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return model.ParsedIntent{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidDraft, tz)
		}
		loc = l
	}

	start, err := parseDraftTime(d.Start, loc)
	if err != nil {
		return model.ParsedIntent{}, fmt.Errorf("%w: start: %w", ErrInvalidDraft, err)
	}
	end := start.Add(defaultDuration)
	if strings.TrimSpace(d.End) != "" {
		end, err = parseDraftTime(d.End, loc)
		if err != nil {
			return model.ParsedIntent{}, fmt.Errorf("%w: end: %w", ErrInvalidDraft, err)
		}
		if !end.After(start) {
			return model.ParsedIntent{}, fmt.Errorf("%w: end is not after start", ErrInvalidDraft)
		}
	}

	return model.ParsedIntent{
		Title:       title,
		Description: strings.TrimSpace(d.Description),
		Location:    strings.TrimSpace(d.Location),
		Start:       start.In(loc),
		End:         end.In(loc),
		Timezone:    loc.String(),
		Confidence:  model.ConfidenceHigh,
		Strategy:    strategy,
		RawPrompt:   rawPrompt,
	}, nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseDraftTime accepts RFC 3339 instants or naive ISO date-times, which
// are read in loc.
func parseDraftTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("missing value")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", s)
}

// extractJSON returns the outermost {...} span of a model response.
func extractJSON(s string) (string, bool) {
	i := strings.Index(s, "{")
	j := strings.LastIndex(s, "}")
	if i < 0 || j <= i {
		return "", false
	}
	candidate := s[i : j+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}
