// Package conflict evaluates a candidate event against existing events
// under a minimum-gap policy.
package conflict

import (
	"slices"
	"strings"
	"time"

	"smartcal/internal/model"
)

// Check returns every live event in existing whose gap-padded interval
// overlaps the candidate's padded interval. Both intervals are widened by
// gapMinutes on each side; with gapMinutes == 0 back-to-back events do not
// conflict. The candidate itself (same ID) and tombstones are skipped.
//
// Check is a report only; callers decide whether to reject or warn.
func Check(candidate model.Event, existing []model.Event, gapMinutes int) model.ConflictReport {
	if gapMinutes < 0 {
		gapMinutes = 0
	}
	report := model.ConflictReport{
		ConflictingEvents: make([]model.Event, 0),
		GapMinutesApplied: gapMinutes,
	}
	gap := time.Duration(gapMinutes) * time.Minute

	for _, ev := range existing {
		if ev.Deleted {
			continue
		}
		if candidate.ID != "" && ev.ID == candidate.ID {
			continue
		}
		if Overlaps(candidate, ev, gap) {
			report.ConflictingEvents = append(report.ConflictingEvents, ev)
		}
	}

	slices.SortStableFunc(report.ConflictingEvents, func(a, b model.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	report.HasConflict = len(report.ConflictingEvents) > 0
	return report
}

// Overlaps applies the padded half-open interval test. It is symmetric in
// a and b.
func Overlaps(a, b model.Event, gap time.Duration) bool {
	aStart, aEnd := a.Start.Add(-gap), a.End.Add(gap)
	bStart, bEnd := b.Start.Add(-gap), b.End.Add(gap)
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Window returns the range a store must be queried with so that every event
// able to conflict with candidate under gapMinutes is included.
func Window(candidate model.Event, gapMinutes int) (time.Time, time.Time) {
	pad := 2 * time.Duration(max(gapMinutes, 0)) * time.Minute
	return candidate.Start.Add(-pad), candidate.End.Add(pad)
}
