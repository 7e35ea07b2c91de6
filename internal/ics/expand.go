package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "tripsync/internal/log"
	"tripsync/internal/model"
)

// maxOccurrencesPerEvent caps recurrence expansion of a single event.
const maxOccurrencesPerEvent = 5000

// expand returns the day ranges of every occurrence of ev that may touch
// window. Ranges are not clipped.
func expand(ev event, window model.DateRange) []model.DateRange {
	if ev.RRule == "" {
		return []model.DateRange{span(ev.Start, ev.End, ev.AllDay)}
	}

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Warn("ics: bad RRULE, using first occurrence only", "uid", ev.UID, "rrule", ev.RRule, "err", err)
		return []model.DateRange{span(ev.Start, ev.End, ev.AllDay)}
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// An occurrence starting before the window can still reach into it, so
	// widen the lower bound by the event's duration.
	loc := ev.Start.Location()
	dur := ev.End.Sub(ev.Start)
	ws := window.Start.Time()
	we := window.End.AddDays(1).Time()
	lo := time.Date(ws.Year(), ws.Month(), ws.Day(), 0, 0, 0, 0, loc).Add(-dur).AddDate(0, 0, -1)
	hi := time.Date(we.Year(), we.Month(), we.Day(), 0, 0, 0, 0, loc)

	starts := set.Between(lo, hi, true)
	if len(starts) > maxOccurrencesPerEvent {
		appLog.Warn("ics: occurrences truncated", "uid", ev.UID, "cap", maxOccurrencesPerEvent)
		starts = starts[:maxOccurrencesPerEvent]
	}

	out := make([]model.DateRange, 0, len(starts))
	for _, s := range starts {
		out = append(out, span(s, s.Add(dur), ev.AllDay))
	}
	return out
}
