// Package availability computes group overlap intervals from member
// availability entries. Everything here is pure: no I/O, no clocks, and the
// same input always yields the same output.
package availability

import (
	"errors"
	"fmt"
	"sort"

	"tripsync/internal/model"
)

var (
	ErrInvalidRange   = errors.New("invalid date range")
	ErrMissingActor   = errors.New("entry has no actor")
	ErrInvalidMembers = errors.New("member count must not be negative")
)

// ValidationError reports the entry that made an aggregation impossible.
type ValidationError struct {
	EntryID string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.EntryID == "" {
		return "availability: " + e.Err.Error()
	}
	return fmt.Sprintf("availability: entry %s: %v", e.EntryID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// event is a sweep boundary: delta members become active on day.
type event struct {
	day   model.Date
	delta int
}

// ComputeOverlapIntervals returns the maximal runs of days on which at least
// one member is available, each with the number of distinct actors
// available on those days. Intervals are sorted by From; adjacent runs with
// the same count are merged, runs separated by an uncovered day are not.
//
// Overlapping or touching entries of one actor count once. TotalMembers on
// the result is never below the number of distinct actors seen.
func ComputeOverlapIntervals(entries []model.AvailabilityEntry, totalMembers int) ([]model.GroupAvailabilityInterval, error) {
	if totalMembers < 0 {
		return nil, &ValidationError{Err: ErrInvalidMembers}
	}

	byActor, order, err := rangesByActor(entries)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return []model.GroupAvailabilityInterval{}, nil
	}
	if len(order) > totalMembers {
		totalMembers = len(order)
	}

	events := make([]event, 0, 2*len(entries))
	for _, actor := range order {
		for _, r := range unionRanges(byActor[actor]) {
			events = append(events,
				event{day: r.Start, delta: +1},
				event{day: r.End.AddDays(1), delta: -1},
			)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].day.Before(events[j].day)
	})

	var out []model.GroupAvailabilityInterval
	active := 0
	for i := 0; i < len(events); {
		day := events[i].day
		for i < len(events) && events[i].day.Equal(day) {
			active += events[i].delta
			i++
		}
		if active == 0 || i == len(events) {
			continue
		}
		next := events[i].day
		out = appendInterval(out, model.GroupAvailabilityInterval{
			From:           day,
			To:             next.AddDays(-1),
			AvailableCount: active,
			TotalMembers:   totalMembers,
		})
	}

	return out, nil
}

// appendInterval adds iv, folding it into the previous interval when both
// touch and share a count.
func appendInterval(out []model.GroupAvailabilityInterval, iv model.GroupAvailabilityInterval) []model.GroupAvailabilityInterval {
	if n := len(out); n > 0 {
		last := &out[n-1]
		if last.AvailableCount == iv.AvailableCount && last.To.AddDays(1).Equal(iv.From) {
			last.To = iv.To
			return out
		}
	}
	return append(out, iv)
}

// rangesByActor validates entries and groups their ranges by actor. order
// lists actors by first appearance so the sweep input is deterministic.
func rangesByActor(entries []model.AvailabilityEntry) (map[string][]model.DateRange, []string, error) {
	byActor := make(map[string][]model.DateRange)
	var order []string
	for _, e := range entries {
		if e.ActorID == "" {
			return nil, nil, &ValidationError{EntryID: e.ID, Err: ErrMissingActor}
		}
		r := e.Range()
		if err := r.Validate(); err != nil {
			return nil, nil, &ValidationError{EntryID: e.ID, Err: fmt.Errorf("%w: %v", ErrInvalidRange, err)}
		}
		if _, seen := byActor[e.ActorID]; !seen {
			order = append(order, e.ActorID)
		}
		byActor[e.ActorID] = append(byActor[e.ActorID], r)
	}
	return byActor, order, nil
}

// unionRanges merges overlapping and abutting ranges.
func unionRanges(ranges []model.DateRange) []model.DateRange {
	sorted := make([]model.DateRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := sorted[:0]
	for _, r := range sorted {
		if n := len(merged); n > 0 && !r.Start.After(merged[n-1].End.AddDays(1)) {
			if r.End.After(merged[n-1].End) {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
