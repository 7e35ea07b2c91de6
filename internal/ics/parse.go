// Package ics converts between availability and iCalendar: it imports busy
// or free blocks from calendar feeds as date ranges and exports group
// overlap intervals as all-day events.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "tripsync/internal/log"
	"tripsync/internal/model"
)

var ErrEmptyCalendar = errors.New("ics: empty calendar body")

// event is the part of a VEVENT that matters for day coverage.
type event struct {
	UID     string
	Start   time.Time
	End     time.Time
	AllDay  bool
	RRule   string
	ExDates []time.Time
}

// ParseRanges reads a calendar and returns the inclusive day ranges its
// events cover inside window, merged and sorted. Recurring events are
// expanded; cancelled events are skipped. Timed events cover every day
// they touch in their own time zone.
func ParseRanges(body []byte, window model.DateRange) ([]model.DateRange, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyCalendar
	}
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("ics: window: %w", err)
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics: parse: %w", err)
	}

	var ranges []model.DateRange
	skipped := 0
	for _, ve := range cal.Events() {
		ev, err := readEvent(ve)
		if err != nil {
			skipped++
			appLog.Debug("ics event skipped", "uid", ve.Id(), "err", err)
			continue
		}
		for _, r := range expand(ev, window) {
			if clipped, ok := clip(r, window); ok {
				ranges = append(ranges, clipped)
			}
		}
	}
	if skipped > 0 {
		appLog.Warn("ics events skipped", "count", skipped)
	}
	return mergeRanges(ranges), nil
}

func readEvent(ve *ical.VEvent) (event, error) {
	ev := event{UID: ve.Id()}

	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		return ev, errors.New("cancelled")
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return ev, errors.New("missing DTSTART")
	}
	start, allDay, err := propTime(startProp)
	if err != nil {
		return ev, fmt.Errorf("DTSTART: %w", err)
	}
	ev.Start = start
	ev.AllDay = allDay

	switch endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case endProp != nil:
		end, _, err := propTime(endProp)
		if err != nil {
			return ev, fmt.Errorf("DTEND: %w", err)
		}
		ev.End = end
	case allDay:
		ev.End = start.AddDate(0, 0, 1)
	default:
		ev.End = start
	}
	if ev.End.Before(ev.Start) {
		return ev, errors.New("DTEND before DTSTART")
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.RRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		loc := paramLocation(p.ICalParameters, ev.Start.Location())
		for _, part := range strings.Split(p.Value, ",") {
			if t, _, err := parseICSTime(strings.TrimSpace(part), loc); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}
	return ev, nil
}

// propTime parses a DTSTART/DTEND-style property, honouring VALUE=DATE and
// TZID. Floating times are read as UTC wall clock.
func propTime(p *ical.IANAProperty) (time.Time, bool, error) {
	loc := paramLocation(p.ICalParameters, time.UTC)
	t, dateOnly, err := parseICSTime(p.Value, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		dateOnly = true
	}
	return t, dateOnly, nil
}

func paramLocation(params map[string][]string, fallback *time.Location) *time.Location {
	tzs := params["TZID"]
	if len(tzs) == 0 || tzs[0] == "" {
		return fallback
	}
	loc, err := time.LoadLocation(tzs[0])
	if err != nil {
		appLog.Debug("unknown TZID, using fallback", "tzid", tzs[0])
		return fallback
	}
	return loc
}

// parseICSTime parses DATE, local DATE-TIME and UTC DATE-TIME values.
func parseICSTime(v string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, false, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	case strings.Contains(v, "T"):
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102", v, loc)
		return t, true, err
	}
}

// span converts one occurrence into the inclusive days it touches. DTEND
// is exclusive for both all-day and timed events.
func span(start, end time.Time, allDay bool) model.DateRange {
	first := model.DateOf(start)
	if allDay {
		last := model.DateOf(end).AddDays(-1)
		if last.Before(first) {
			last = first
		}
		return model.DateRange{Start: first, End: last}
	}
	if !end.After(start) {
		return model.DateRange{Start: first, End: first}
	}
	return model.DateRange{Start: first, End: model.DateOf(end.Add(-time.Nanosecond))}
}

func clip(r, window model.DateRange) (model.DateRange, bool) {
	// two ranges overlap iff one holds the other's first day
	if !window.Contains(r.Start) && !r.Contains(window.Start) {
		return model.DateRange{}, false
	}
	if r.Start.Before(window.Start) {
		r.Start = window.Start
	}
	if r.End.After(window.End) {
		r.End = window.End
	}
	return r, true
}

// mergeRanges unions overlapping and adjacent ranges.
func mergeRanges(in []model.DateRange) []model.DateRange {
	out := make([]model.DateRange, 0, len(in))
	if len(in) == 0 {
		return out
	}
	sorted := append([]model.DateRange(nil), in...)
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].Start.Compare(sorted[j].Start); c != 0 {
			return c < 0
		}
		return sorted[i].End.Before(sorted[j].End)
	})
	cur := sorted[0]
	for _, r := range sorted[1:] {
		if !r.Start.After(cur.End.AddDays(1)) {
			if r.End.After(cur.End) {
				cur.End = r.End
			}
			continue
		}
		out = append(out, cur)
		cur = r
	}
	return append(out, cur)
}
