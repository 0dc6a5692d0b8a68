package parser

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartcal/internal/llm"
	appLog "smartcal/internal/log"
	"smartcal/internal/model"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	m.Run()
}

// Monday 2026-10-19 10:00 UTC.
var refNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return refNow }

func utcAt(day, hour, min int) time.Time {
	return time.Date(2026, 10, day, hour, min, 0, 0, time.UTC)
}

type fakeLLM struct {
	available bool
	reply     string
	err       error
	calls     int
	lastInput string
}

func (f *fakeLLM) Available() (bool, string) {
	if !f.available {
		return false, "token not set"
	}
	return true, "fake"
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.calls++
	f.lastInput = prompt
	return f.reply, f.err
}

func TestRules_Grammar(t *testing.T) {
	rules := NewRules(9)
	tests := []struct {
		prompt string
		title  string
		start  time.Time
		end    time.Time
	}{
		{"Meeting tomorrow at 2 PM", "Meeting", utcAt(20, 14, 0), utcAt(20, 15, 0)},
		{"Lunch with Sarah on Friday at noon", "Lunch with Sarah", utcAt(23, 12, 0), utcAt(23, 13, 0)},
		{"Dentist next Tuesday 3pm", "Dentist", utcAt(27, 15, 0), utcAt(27, 16, 0)},
		{"Team sync from 10am to 11:30am", "Team sync", utcAt(19, 10, 0), utcAt(19, 11, 30)},
		{"Call 2-3pm", "Call", utcAt(19, 14, 0), utcAt(19, 15, 0)},
		{"Workshop tomorrow at 9am for 2 hours", "Workshop", utcAt(20, 9, 0), utcAt(20, 11, 0)},
		{"Sprint review on 2026-10-30 at 16:00 for 45 minutes", "Sprint review", utcAt(30, 16, 0), utcAt(30, 16, 45)},
		{"Gym", "Gym", utcAt(19, 9, 0), utcAt(19, 10, 0)},
		{"dinner tonight", "Dinner", utcAt(19, 20, 0), utcAt(19, 21, 0)},
		{"Coffee at 3", "Coffee", utcAt(19, 15, 0), utcAt(19, 16, 0)},
		{"Schedule a meeting with the team tomorrow afternoon", "Meeting with the team", utcAt(20, 14, 0), utcAt(20, 15, 0)},
		{"Party 10pm to midnight", "Party", utcAt(19, 22, 0), utcAt(20, 0, 0)},
		{"Anniversary dinner at 7pm", "Anniversary dinner", utcAt(19, 19, 0), utcAt(19, 20, 0)},
		{"Review in 3 days at 10:00", "Review", utcAt(22, 10, 0), utcAt(22, 11, 0)},
		{"Standup on Monday at 9:15am", "Standup", utcAt(19, 9, 15), utcAt(19, 10, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			got, err := rules.Parse(context.Background(), Request{Text: tt.prompt, Now: refNow, Location: time.UTC})
			require.NoError(t, err)
			assert.Equal(t, tt.title, got.Title)
			assert.True(t, tt.start.Equal(got.Start), "start: want %s got %s", tt.start, got.Start)
			assert.True(t, tt.end.Equal(got.End), "end: want %s got %s", tt.end, got.End)
			assert.Equal(t, model.ConfidenceLow, got.Confidence)
			assert.Equal(t, "rules", got.Strategy)
			assert.Equal(t, tt.prompt, got.RawPrompt)
		})
	}
}

func TestRules_ExplicitZone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	got, err := NewRules(9).Parse(context.Background(), Request{
		Text:     "Standup at 09:30 in Europe/Berlin",
		Now:      refNow,
		Location: time.UTC,
	})
	require.NoError(t, err)
	assert.Equal(t, "Standup", got.Title)
	assert.Equal(t, "Europe/Berlin", got.Timezone)
	assert.True(t, time.Date(2026, 10, 19, 9, 30, 0, 0, berlin).Equal(got.Start))
}

func TestRules_DefaultLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 10:00 UTC is 19:00 in Tokyo, still the 19th.
	got, err := NewRules(9).Parse(context.Background(), Request{Text: "Meeting tomorrow at 2 PM", Now: refNow, Location: tokyo})
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", got.Timezone)
	assert.True(t, time.Date(2026, 10, 20, 14, 0, 0, 0, tokyo).Equal(got.Start))
}

func TestRules_IsTotal(t *testing.T) {
	prompts := []string{
		"x",
		"12:00",
		"tomorrow",
		"at at at",
		"next friday",
		"for 2 hours",
		"add to my calendar",
		"3pm-2pm",
		"Réunion d'équipe demain",
		"会议 at 5pm",
		"a really long title that keeps going and going and going and going and going and going and going and going on forever",
		"meeting 25:99",
		"on 2026-13-45",
		"on 2026-02-31",
		"workshop for 99999999999 hours",
		"nap for 0 minutes",
	}
	rules := NewRules(9)
	for _, p := range prompts {
		t.Run(p, func(t *testing.T) {
			got, err := rules.Parse(context.Background(), Request{Text: p, Now: refNow, Location: time.UTC})
			require.NoError(t, err)
			assert.NotEmpty(t, got.Title)
			assert.LessOrEqual(t, len([]rune(got.Title)), maxTitleRunes)
			assert.True(t, got.End.After(got.Start), "end %s not after start %s", got.End, got.Start)
		})
	}
}

func TestRules_ClampsOutOfRangeValues(t *testing.T) {
	rules := NewRules(9)
	ctx := context.Background()

	got, err := rules.Parse(ctx, Request{Text: "Audit on 2026-02-31 at 10am", Now: refNow, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC), got.Start)

	got, err = rules.Parse(ctx, Request{Text: "Leap check on 2028-02-30", Now: refNow, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, 29, got.Start.Day())
	assert.Equal(t, time.February, got.Start.Month())

	got, err = rules.Parse(ctx, Request{Text: "Hackathon tomorrow at 9am for 99999999999 hours", Now: refNow, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, maxDuration, got.End.Sub(got.Start))

	got, err = rules.Parse(ctx, Request{Text: "Retreat tomorrow for 200 hours", Now: refNow, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, maxDuration, got.End.Sub(got.Start))
}

func TestRules_RejectsEmptyPrompt(t *testing.T) {
	for _, p := range []string{"", "   ", "!!! ???"} {
		_, err := NewRules(9).Parse(context.Background(), Request{Text: p, Now: refNow})
		assert.ErrorIs(t, err, model.ErrParse, "prompt %q", p)
	}
}

func TestRules_DefaultHour(t *testing.T) {
	got, err := NewRules(11).Parse(context.Background(), Request{Text: "Gym", Now: refNow, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, 11, got.Start.Hour())

	// Out of range falls back to 9.
	assert.Equal(t, 9, NewRules(42).defaultHour)
}

func TestWeekdayOffset(t *testing.T) {
	assert.Equal(t, 0, weekdayOffset(time.Monday, time.Monday))
	assert.Equal(t, 4, weekdayOffset(time.Monday, time.Friday))
	assert.Equal(t, 6, weekdayOffset(time.Tuesday, time.Monday))
}

func TestModel_ParsesDraft(t *testing.T) {
	f := &fakeLLM{available: true, reply: `Sure! {"title": "Design review", "start_datetime": "2026-10-21T15:00:00", "end_datetime": "2026-10-21T16:30:00", "timezone": ""} hope this helps`}
	m := NewModel(f)

	got, err := m.Parse(context.Background(), Request{Text: "design review wed 3pm", Now: refNow, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, "Design review", got.Title)
	assert.True(t, utcAt(21, 15, 0).Equal(got.Start))
	assert.True(t, utcAt(21, 16, 30).Equal(got.End))
	assert.Equal(t, model.ConfidenceHigh, got.Confidence)
	assert.Equal(t, "llm", got.Strategy)
	assert.Contains(t, f.lastInput, "design review wed 3pm")
	assert.Contains(t, f.lastInput, "2026-10-19")
}

func TestModel_KeepsDescriptionAndLocation(t *testing.T) {
	f := &fakeLLM{available: true, reply: `{"title": "Lunch with Sarah", "start_datetime": "2026-10-23T12:00:00", "end_datetime": "", "timezone": "", "description": " catch up on Q4 plans ", "location": "Cafe Luna"}`}
	got, err := NewModel(f).Parse(context.Background(), Request{Text: "lunch with sarah at cafe luna friday noon to catch up on Q4 plans", Now: refNow, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, "catch up on Q4 plans", got.Description)
	assert.Equal(t, "Cafe Luna", got.Location)
	assert.Contains(t, f.lastInput, `"location"`)
}

func TestModel_DraftDefaults(t *testing.T) {
	f := &fakeLLM{available: true, reply: `{"title": "Call", "start_datetime": "2026-10-20T08:00:00Z"}`}
	got, err := NewModel(f).Parse(context.Background(), Request{Text: "call", Now: refNow, Location: time.UTC})
	require.NoError(t, err)
	assert.True(t, utcAt(20, 8, 0).Equal(got.Start))
	assert.Equal(t, time.Hour, got.End.Sub(got.Start))
}

func TestModel_RejectsInvalidDrafts(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"no json", "I cannot help with that"},
		{"empty title", `{"title": " ", "start_datetime": "2026-10-20T08:00:00"}`},
		{"bad start", `{"title": "x", "start_datetime": "tomorrow-ish"}`},
		{"end before start", `{"title": "x", "start_datetime": "2026-10-20T08:00:00", "end_datetime": "2026-10-20T07:00:00"}`},
		{"unknown zone", `{"title": "x", "start_datetime": "2026-10-20T08:00:00", "timezone": "Mars/Olympus"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewModel(&fakeLLM{available: true, reply: tt.reply}).Parse(context.Background(), Request{Text: "x", Now: refNow})
			assert.ErrorIs(t, err, ErrInvalidDraft)
		})
	}
}

func TestModel_NilClient(t *testing.T) {
	m := NewModel(nil)
	ok, _ := m.Available()
	assert.False(t, ok)
	_, err := m.Parse(context.Background(), Request{Text: "x"})
	assert.ErrorIs(t, err, llm.ErrUnavailable)
}

func TestHybrid_FallsBackToRules(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeLLM
	}{
		{"unavailable", &fakeLLM{available: false}},
		{"backend error", &fakeLLM{available: true, err: llm.ErrUnavailable}},
		{"no result", &fakeLLM{available: true, err: llm.ErrNoResult}},
		{"garbage", &fakeLLM{available: true, reply: "lorem ipsum"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHybrid(NewModel(tt.llm), NewRules(9), WithClock(fixedClock))
			got, err := h.Parse(context.Background(), "Meeting tomorrow at 2 PM", "UTC")
			require.NoError(t, err)
			assert.Equal(t, "Meeting", got.Title)
			assert.True(t, utcAt(20, 14, 0).Equal(got.Start))
			assert.True(t, utcAt(20, 15, 0).Equal(got.End))
			assert.Equal(t, model.ConfidenceLow, got.Confidence)
			assert.Equal(t, model.SourceUserFallback, got.Source())
			assert.EqualValues(t, 1, h.Status().FallbackParses)
		})
	}
}

func TestHybrid_UsesModelWhenAvailable(t *testing.T) {
	f := &fakeLLM{available: true, reply: `{"title": "Meeting", "start_datetime": "2026-10-20T14:00:00", "end_datetime": "2026-10-20T15:00:00"}`}
	h := NewHybrid(NewModel(f), NewRules(9), WithClock(fixedClock))

	got, err := h.Parse(context.Background(), "Meeting tomorrow at 2 PM", "")
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceHigh, got.Confidence)
	assert.Equal(t, model.SourceUserLLM, got.Source())
	assert.Equal(t, "UTC", got.Timezone)
	assert.Equal(t, 1, f.calls)

	st := h.Status()
	assert.Equal(t, "llm", st.Active)
	assert.True(t, st.ModelAvailable)
	assert.EqualValues(t, 1, st.ModelParses)
}

func TestHybrid_ModelTimeout(t *testing.T) {
	slow := &blockingStrategy{}
	h := NewHybrid(slow, NewRules(9), WithClock(fixedClock), WithTimeout(20*time.Millisecond))

	got, err := h.Parse(context.Background(), "Gym", "UTC")
	require.NoError(t, err)
	assert.Equal(t, "rules", got.Strategy)
}

type blockingStrategy struct{}

func (blockingStrategy) Name() string              { return "slow" }
func (blockingStrategy) Available() (bool, string) { return true, "" }
func (blockingStrategy) Parse(ctx context.Context, _ Request) (model.ParsedIntent, error) {
	<-ctx.Done()
	return model.ParsedIntent{}, ctx.Err()
}

func TestHybrid_InputErrors(t *testing.T) {
	h := NewHybrid(nil, NewRules(9), WithClock(fixedClock))

	_, err := h.Parse(context.Background(), "Meeting", "Not/AZone")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = h.Parse(context.Background(), "  ", "UTC")
	assert.ErrorIs(t, err, model.ErrParse)
}

func TestHybrid_CallerCancellation(t *testing.T) {
	h := NewHybrid(blockingStrategy{}, NewRules(9), WithClock(fixedClock))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Parse(ctx, "Gym", "UTC")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestHybrid_StatusWithoutModel(t *testing.T) {
	st := NewHybrid(nil, nil).Status()
	assert.Equal(t, "rules", st.Active)
	assert.False(t, st.ModelAvailable)
}
