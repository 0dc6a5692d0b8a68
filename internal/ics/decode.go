package ics

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "smartcal/internal/log"
)

// Imported is one VEVENT read from an iCalendar payload.
type Imported struct {
	UID         string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Timezone    string
	AllDay      bool
	// LocalID is set when the UID was produced by Encode.
	LocalID string
}

// Decode reads every VEVENT in r. Floating times and all-day dates are
// read in defaultLoc. Recurring events are imported as their first
// occurrence only. Malformed events are logged and skipped.
func Decode(r io.Reader, defaultLoc *time.Location) ([]Imported, error) {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	out := make([]Imported, 0)
	for _, ve := range cal.Events() {
		ev, err := decodeEvent(ve, defaultLoc)
		if err != nil {
			appLog.Warn("ics vevent skipped", "uid", ve.Id(), "error", err.Error())
			continue
		}
		out = append(out, ev)
	}
	appLog.Info("ics decode completed", "event_count", len(out))
	return out, nil
}

func decodeEvent(ve *ical.VEvent, defaultLoc *time.Location) (Imported, error) {
	var out Imported
	out.UID = ve.Id()
	if id, ok := localID(out.UID); ok {
		out.LocalID = id
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = strings.TrimSpace(p.Value)
	}
	if out.Title == "" {
		return out, errors.New("missing SUMMARY")
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if ve.GetProperty(ical.ComponentPropertyRrule) != nil {
		appLog.Debug("ics recurrence ignored", "uid", out.UID)
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, errors.New("missing DTSTART")
	}
	start, zone, allDay, err := propTime(startProp, ve.GetStartAt, defaultLoc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start, out.AllDay = start, allDay

	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
		end, _, _, err := propTime(endProp, ve.GetEndAt, defaultLoc)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = end
	}
	if !out.End.After(out.Start) {
		if allDay {
			out.End = out.Start.AddDate(0, 0, 1)
		} else {
			out.End = out.Start.Add(time.Hour)
		}
	}

	out.Timezone = zone
	if p := ve.GetProperty(propTimezone); p != nil {
		if loc, err := time.LoadLocation(p.Value); err == nil {
			out.Timezone = loc.String()
			out.Start, out.End = out.Start.In(loc), out.End.In(loc)
		}
	}
	return out, nil
}

// propTime resolves a DTSTART/DTEND property. Values with TZID or a UTC
// suffix go through the library; floating values and dates are read in
// defaultLoc rather than the host zone.
func propTime(prop *ical.IANAProperty, libGet func() (time.Time, error), defaultLoc *time.Location) (time.Time, string, bool, error) {
	val := strings.TrimSpace(prop.Value)
	allDay := !strings.Contains(val, "T")
	if vs, ok := prop.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		allDay = true
	}

	if tzs, ok := prop.ICalParameters["TZID"]; ok && len(tzs) > 0 && !allDay {
		t, err := libGet()
		if err != nil {
			return time.Time{}, "", false, err
		}
		return t, t.Location().String(), false, nil
	}
	if strings.HasSuffix(val, "Z") {
		t, err := libGet()
		if err != nil {
			return time.Time{}, "", false, err
		}
		return t.UTC(), "UTC", allDay, nil
	}

	layout := "20060102T150405"
	if allDay {
		layout = "20060102"
	}
	t, err := time.ParseInLocation(layout, val, defaultLoc)
	if err != nil {
		return time.Time{}, "", false, err
	}
	return t, defaultLoc.String(), allDay, nil
}
