package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"tripsync/internal/availability"
	"tripsync/internal/model"
)

// ExportOptions tweaks Export.
type ExportOptions struct {
	// GroupID namespaces event UIDs so re-imports replace older copies.
	GroupID string
	// Now stamps DTSTAMP; zero means time.Now.
	Now time.Time
}

// Export renders intervals as a VCALENDAR with one all-day, transparent
// event per interval. The best interval is marked in its summary.
func Export(name string, intervals []model.GroupAvailabilityInterval, opts ExportOptions) string {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//tripsync//availability//EN")
	if name != "" {
		cal.SetName(name)
		cal.SetXWRCalName(name)
	}

	best, hasBest := availability.Best(intervals)
	for _, iv := range intervals {
		uid := fmt.Sprintf("%s-%s@tripsync", iv.From, iv.To)
		if opts.GroupID != "" {
			uid = opts.GroupID + "-" + uid
		}
		ev := cal.AddEvent(uid)
		ev.SetDtStampTime(now)
		ev.SetAllDayStartAt(iv.From.Time())
		ev.SetAllDayEndAt(iv.To.AddDays(1).Time())
		ev.SetProperty(ical.ComponentProperty("TRANSP"), "TRANSPARENT")

		summary := fmt.Sprintf("%d/%d available", iv.AvailableCount, iv.TotalMembers)
		if hasBest && iv.From.Equal(best.From) && iv.To.Equal(best.To) {
			summary = "Best: " + summary
		}
		ev.SetSummary(summary)
		ev.SetDescription(fmt.Sprintf("%d of %d members are free from %s to %s.", iv.AvailableCount, iv.TotalMembers, iv.From, iv.To))
	}
	return cal.Serialize()
}
