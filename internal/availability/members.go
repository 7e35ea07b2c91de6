package availability

import (
	"sort"

	"tripsync/internal/model"
)

// MemberListings attaches entries to their member records.
//
// Members keep their input order, each with entries sorted by start date
// (and ID for equal starts). Members without entries get an empty list.
// Entries whose actor has no member record produce a synthesized "member"
// record, appended in order of first appearance.
func MemberListings(members []model.GroupMember, entries []model.AvailabilityEntry) []model.MemberAvailability {
	out := make([]model.MemberAvailability, 0, len(members))
	index := make(map[string]int, len(members))
	for _, m := range members {
		index[m.ActorID] = len(out)
		out = append(out, model.MemberAvailability{
			GroupMember:    m,
			Availabilities: []model.AvailabilityEntry{},
		})
	}

	for _, e := range entries {
		i, ok := index[e.ActorID]
		if !ok {
			i = len(out)
			index[e.ActorID] = i
			out = append(out, model.MemberAvailability{
				GroupMember: model.GroupMember{
					MemberID:    model.MemberIDFor(e.ActorID, e.UserID),
					ActorID:     e.ActorID,
					UserID:      e.UserID,
					DisplayName: e.DisplayName,
					Role:        model.RoleMember,
				},
				Availabilities: []model.AvailabilityEntry{},
			})
		}
		out[i].Availabilities = append(out[i].Availabilities, e)
	}

	for i := range out {
		SortEntries(out[i].Availabilities)
	}
	return out
}

// SortEntries orders entries by start date, then ID, in place.
func SortEntries(entries []model.AvailabilityEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if c := entries[i].StartDate.Compare(entries[j].StartDate); c != 0 {
			return c < 0
		}
		return entries[i].ID < entries[j].ID
	})
}

// Entries flattens member listings back into a single entry list. Entries
// that arrived without an actor id inherit their member's.
func Entries(members []model.MemberAvailability) []model.AvailabilityEntry {
	var out []model.AvailabilityEntry
	for _, m := range members {
		for _, e := range m.Availabilities {
			if e.ActorID == "" {
				e.ActorID = m.ActorID
				e.UserID = m.UserID
			}
			out = append(out, e)
		}
	}
	return out
}
