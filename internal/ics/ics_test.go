package ics

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "smartcal/internal/log"
	"smartcal/internal/model"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	m.Run()
}

func TestEncodeDecode(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	start := time.Date(2026, 10, 20, 14, 0, 0, 0, berlin)

	events := []model.Event{
		{ID: "e1", Title: "Design review", Description: "Room 4", Location: "HQ", Start: start, End: start.Add(90 * time.Minute), Timezone: "Europe/Berlin"},
		{ID: "e2", Title: "Gone", Start: start, End: start.Add(time.Hour), Timezone: "UTC", Deleted: true},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, events, "Work", "Europe/Berlin"))
	out := buf.String()
	assert.Contains(t, out, "BEGIN:VCALENDAR")
	assert.Contains(t, out, "X-WR-CALNAME:Work")
	assert.Contains(t, out, "UID:e1@smartcal")
	assert.Contains(t, out, "DTSTART:20261020T120000Z")
	assert.NotContains(t, out, "Gone")

	got, err := Decode(strings.NewReader(out), time.UTC)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].LocalID)
	assert.Equal(t, "Design review", got[0].Title)
	assert.Equal(t, "Room 4", got[0].Description)
	assert.Equal(t, "HQ", got[0].Location)
	assert.Equal(t, "Europe/Berlin", got[0].Timezone)
	assert.True(t, start.Equal(got[0].Start))
	assert.True(t, start.Add(90*time.Minute).Equal(got[0].End))
}

const foreignFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:tz@example.com\r\n" +
	"DTSTAMP:20261001T000000Z\r\n" +
	"DTSTART;TZID=America/New_York:20261021T090000\r\n" +
	"DTEND;TZID=America/New_York:20261021T100000\r\n" +
	"SUMMARY:Standup\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:floating@example.com\r\n" +
	"DTSTAMP:20261001T000000Z\r\n" +
	"DTSTART:20261022T150000\r\n" +
	"SUMMARY:Floating\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:allday@example.com\r\n" +
	"DTSTAMP:20261001T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20261023\r\n" +
	"SUMMARY:Holiday\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:untitled@example.com\r\n" +
	"DTSTAMP:20261001T000000Z\r\n" +
	"DTSTART:20261024T150000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestDecodeForeignFeed(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	got, err := Decode(strings.NewReader(foreignFeed), tokyo)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "Standup", got[0].Title)
	assert.Equal(t, "America/New_York", got[0].Timezone)
	assert.True(t, time.Date(2026, 10, 21, 9, 0, 0, 0, ny).Equal(got[0].Start))
	assert.Empty(t, got[0].LocalID)

	assert.Equal(t, "Asia/Tokyo", got[1].Timezone)
	assert.True(t, time.Date(2026, 10, 22, 15, 0, 0, 0, tokyo).Equal(got[1].Start))
	assert.Equal(t, time.Hour, got[1].End.Sub(got[1].Start))

	assert.True(t, got[2].AllDay)
	assert.True(t, time.Date(2026, 10, 23, 0, 0, 0, 0, tokyo).Equal(got[2].Start))
	assert.True(t, time.Date(2026, 10, 24, 0, 0, 0, 0, tokyo).Equal(got[2].End))
}

func TestDecodeRejectsTruncatedCalendar(t *testing.T) {
	_, err := Decode(strings.NewReader("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n"), time.UTC)
	assert.Error(t, err)
}

func TestFetcher_CachesWithETag(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = io.WriteString(w, foreignFeed)
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	body, cached, err := f.Fetch(context.Background(), srv.URL+"/feed.ics?token=secret")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, foreignFeed, string(body))

	body, cached, err = f.Fetch(context.Background(), srv.URL+"/feed.ics?token=secret")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, foreignFeed, string(body))
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetcher_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	_, _, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "403")

	_, _, err = f.Fetch(context.Background(), "file:///etc/passwd")
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://cal.example.com/...(redacted)", redactURL("https://cal.example.com/private/abc.ics?token=x"))
	assert.Equal(t, "ics://...(redacted)", redactURL("::::"))
}
