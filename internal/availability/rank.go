package availability

import (
	"sort"

	"tripsync/internal/model"
)

// better reports whether a ranks ahead of b: more members first, then the
// earlier start.
func better(a, b model.GroupAvailabilityInterval) bool {
	if a.AvailableCount != b.AvailableCount {
		return a.AvailableCount > b.AvailableCount
	}
	return a.From.Before(b.From)
}

// Best returns the interval with the highest AvailableCount, earliest From
// on ties. ok is false when intervals is empty.
func Best(intervals []model.GroupAvailabilityInterval) (best model.GroupAvailabilityInterval, ok bool) {
	for i, iv := range intervals {
		if i == 0 || better(iv, best) {
			best = iv
		}
	}
	return best, len(intervals) > 0
}

// Rank returns a copy of intervals ordered best first.
func Rank(intervals []model.GroupAvailabilityInterval) []model.GroupAvailabilityInterval {
	out := make([]model.GroupAvailabilityInterval, len(intervals))
	copy(out, intervals)
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}
