package store

import (
	"context"
	"fmt"

	"tripsync/internal/availability"
	appLog "tripsync/internal/log"
	"tripsync/internal/model"
)

// snapshot is a saved cache entry, including whether it existed at all.
type snapshot[E any] struct {
	entry   Entry[E]
	present bool
}

func take[E any](t table[E], key string, clone func([]E) []E) snapshot[E] {
	sl, ok := t[key]
	if !ok {
		return snapshot[E]{}
	}
	e := sl.entry
	e.Data = clone(e.Data)
	return snapshot[E]{entry: e, present: true}
}

// restore puts the entry back exactly as it was, emptying it when it did
// not exist. The slot itself stays so fetches in flight for the key still
// land in the table. Request bookkeeping on the slot is left alone.
func (snap snapshot[E]) restore(t table[E], key string) {
	if !snap.present {
		if sl, ok := t[key]; ok {
			sl.entry = Entry[E]{}
		}
		return
	}
	t.get(key).entry = snap.entry
}

// groupSnapshot covers every cache an optimistic mutation touches.
type groupSnapshot struct {
	members snapshot[model.MemberAvailability]
	self    snapshot[model.AvailabilityEntry]
}

func (s *Store) snapshotGroupLocked(groupID string) groupSnapshot {
	return groupSnapshot{
		members: take(s.members, groupID, cloneMembers),
		self:    take(s.self, groupID, cloneEntries),
	}
}

func (s *Store) restoreGroupLocked(groupID string, snap groupSnapshot) {
	snap.members.restore(s.members, groupID)
	snap.self.restore(s.self, groupID)
}

// AddAvailability applies a pending entry to the member and self caches,
// submits it, and either swaps in the saved entry or rolls both caches back
// to their state before the call.
func (s *Store) AddAvailability(ctx context.Context, groupID string, r model.DateRange) (model.AvailabilityEntry, error) {
	if err := r.Validate(); err != nil {
		return model.AvailabilityEntry{}, fmt.Errorf("store: add availability: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.AvailabilityEntry{}, ErrClosed
	}
	id := s.identity
	epoch := s.epoch
	pending := model.AvailabilityEntry{
		ID:          s.newID(),
		GroupID:     groupID,
		StartDate:   r.Start,
		EndDate:     r.End,
		ActorID:     id.ActorID,
		UserID:      id.UserIDPtr(),
		DisplayName: id.DisplayName,
		Status:      model.Pending,
	}
	snap := s.snapshotGroupLocked(groupID)

	members := s.members.get(groupID)
	members.entry.Data = withEntry(members.entry.Data, id, pending)
	self := s.self.get(groupID)
	self.entry.Data = appendSorted(self.entry.Data, pending)
	s.mu.Unlock()
	s.notify()

	saved, err := s.remote.CreateAvailability(ctx, id, groupID, r)
	if err == nil {
		saved.GroupID = groupID
		saved.Status = model.Confirmed
	}

	s.mu.Lock()
	if s.epoch != epoch {
		shown := s.showsGroupLocked(groupID)
		s.mu.Unlock()
		if err != nil {
			return model.AvailabilityEntry{}, err
		}
		if shown {
			s.refreshGroup(groupID)
		}
		return saved, nil
	}
	if err != nil {
		s.restoreGroupLocked(groupID, snap)
		s.mu.Unlock()
		s.notify()
		appLog.Warn("optimistic add rolled back", "group_id", groupID, "range", r.Start.String()+".."+r.End.String(), "err", err)
		return model.AvailabilityEntry{}, err
	}

	if sl, ok := s.members[groupID]; ok {
		sl.entry.Data = confirmInMembers(sl.entry.Data, pending.ID, saved)
	}
	if sl, ok := s.self[groupID]; ok {
		sl.entry.Data = confirmIn(sl.entry.Data, pending.ID, saved)
	}
	s.mu.Unlock()
	s.notify()

	s.refreshGroup(groupID)
	return saved, nil
}

// DeleteAvailability removes an entry from the member and self caches,
// submits the delete, and rolls both caches back if it fails.
func (s *Store) DeleteAvailability(ctx context.Context, groupID, availabilityID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.isPendingLocked(groupID, availabilityID) {
		s.mu.Unlock()
		return ErrPendingEntry
	}
	id := s.identity
	epoch := s.epoch
	snap := s.snapshotGroupLocked(groupID)

	if sl, ok := s.members[groupID]; ok {
		sl.entry.Data = withoutInMembers(sl.entry.Data, availabilityID)
	}
	if sl, ok := s.self[groupID]; ok {
		sl.entry.Data = without(sl.entry.Data, availabilityID)
	}
	s.mu.Unlock()
	s.notify()

	err := s.remote.DeleteAvailability(ctx, id, availabilityID)

	s.mu.Lock()
	if s.epoch != epoch {
		shown := s.showsGroupLocked(groupID)
		s.mu.Unlock()
		if err == nil && shown {
			s.refreshGroup(groupID)
		}
		return err
	}
	if err != nil {
		s.restoreGroupLocked(groupID, snap)
		s.mu.Unlock()
		s.notify()
		appLog.Warn("optimistic delete rolled back", "group_id", groupID, "availability_id", availabilityID, "err", err)
		return err
	}
	s.mu.Unlock()

	s.refreshGroup(groupID)
	return nil
}

// showsGroupLocked reports whether the current identity has the group's
// summary or members cached. A mutation that finished under a previous
// identity only refreshes groups the current one already shows.
func (s *Store) showsGroupLocked(groupID string) bool {
	_, summary := s.summaries[groupID]
	_, members := s.members[groupID]
	return summary || members
}

func (s *Store) isPendingLocked(groupID, availabilityID string) bool {
	if sl, ok := s.self[groupID]; ok {
		for _, e := range sl.entry.Data {
			if e.IsPending(availabilityID) {
				return true
			}
		}
	}
	if sl, ok := s.members[groupID]; ok {
		for _, m := range sl.entry.Data {
			for _, e := range m.Availabilities {
				if e.IsPending(availabilityID) {
					return true
				}
			}
		}
	}
	return false
}

// ProvisionalSummary recomputes the group's intervals from the member
// cache, pending entries included.
func (s *Store) ProvisionalSummary(groupID string) ([]model.GroupAvailabilityInterval, error) {
	s.mu.Lock()
	sl, ok := s.members[groupID]
	if !ok || !sl.entry.HasData() {
		s.mu.Unlock()
		return nil, ErrNotCached
	}
	members := cloneMembers(sl.entry.Data)
	s.mu.Unlock()

	return availability.ComputeOverlapIntervals(availability.Entries(members), len(members))
}

// The helpers below never modify their input; they return new slices so a
// snapshot taken earlier stays intact.

func appendSorted(list []model.AvailabilityEntry, e model.AvailabilityEntry) []model.AvailabilityEntry {
	out := make([]model.AvailabilityEntry, 0, len(list)+1)
	out = append(out, list...)
	out = append(out, e)
	availability.SortEntries(out)
	return out
}

func withEntry(members []model.MemberAvailability, id model.Identity, e model.AvailabilityEntry) []model.MemberAvailability {
	out := make([]model.MemberAvailability, 0, len(members)+1)
	found := false
	for _, m := range members {
		if !found && m.ActorID == id.ActorID {
			m.Availabilities = appendSorted(m.Availabilities, e)
			found = true
		}
		out = append(out, m)
	}
	if !found {
		out = append(out, model.MemberAvailability{
			GroupMember: model.GroupMember{
				MemberID:    model.MemberIDFor(id.ActorID, id.UserIDPtr()),
				ActorID:     id.ActorID,
				UserID:      id.UserIDPtr(),
				DisplayName: id.DisplayName,
				Role:        model.RoleMember,
			},
			Availabilities: []model.AvailabilityEntry{e},
		})
	}
	return out
}

func confirmIn(list []model.AvailabilityEntry, pendingID string, saved model.AvailabilityEntry) []model.AvailabilityEntry {
	if list == nil {
		return nil
	}
	out := make([]model.AvailabilityEntry, len(list))
	for i, e := range list {
		if e.IsPending(pendingID) {
			e = saved
		}
		out[i] = e
	}
	availability.SortEntries(out)
	return out
}

func confirmInMembers(members []model.MemberAvailability, pendingID string, saved model.AvailabilityEntry) []model.MemberAvailability {
	if members == nil {
		return nil
	}
	out := make([]model.MemberAvailability, len(members))
	for i, m := range members {
		m.Availabilities = confirmIn(m.Availabilities, pendingID, saved)
		out[i] = m
	}
	return out
}

func without(list []model.AvailabilityEntry, id string) []model.AvailabilityEntry {
	if list == nil {
		return nil
	}
	out := make([]model.AvailabilityEntry, 0, len(list))
	for _, e := range list {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

func withoutInMembers(members []model.MemberAvailability, id string) []model.MemberAvailability {
	if members == nil {
		return nil
	}
	out := make([]model.MemberAvailability, len(members))
	for i, m := range members {
		m.Availabilities = without(m.Availabilities, id)
		out[i] = m
	}
	return out
}
