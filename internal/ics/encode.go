// Package ics converts events to and from iCalendar (RFC 5545) so the
// calendar can be exported to, or seeded from, other tools.
package ics

import (
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"smartcal/internal/model"
)

const uidDomain = "@smartcal"

// Encode writes events as one VCALENDAR. Tombstoned events are skipped.
// Times are written in UTC; the event zone travels in X-WR-TIMEZONE for the
// calendar and X-SMARTCAL-TZ per event.
func Encode(w io.Writer, events []model.Event, name, timezone string) error {
	cal := ical.NewCalendarFor("smartcal")
	cal.SetMethod(ical.MethodPublish)
	if name != "" {
		cal.SetXWRCalName(name)
	}
	if timezone != "" {
		cal.SetXWRTimezone(timezone)
	}

	stamp := time.Now()
	for _, ev := range events {
		if ev.Deleted {
			continue
		}
		ve := cal.AddEvent(ev.ID + uidDomain)
		ve.SetDtStampTime(stamp)
		if !ev.CreatedAt.IsZero() {
			ve.SetCreatedTime(ev.CreatedAt)
		}
		if !ev.UpdatedAt.IsZero() {
			ve.SetModifiedAt(ev.UpdatedAt)
		}
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.Timezone != "" {
			ve.SetProperty(propTimezone, ev.Timezone)
		}
	}
	return cal.SerializeTo(w)
}

// propTimezone carries the IANA zone an event was scheduled in.
const propTimezone ical.ComponentProperty = "X-SMARTCAL-TZ"

// localID strips the export suffix from a UID produced by Encode.
func localID(uid string) (string, bool) {
	return strings.CutSuffix(uid, uidDomain)
}
