package store

import (
	"context"
	"time"

	appLog "tripsync/internal/log"
	"tripsync/internal/model"
)

// resource describes one cacheable kind for fetch.
type resource[E any] struct {
	kind   string
	key    string
	window time.Duration
	table  func(*Store) table[E]
	call   func(ctx context.Context, id model.Identity) ([]E, error)
	clone  func([]E) []E
}

// fetch runs the staleness, loading and ordering rules shared by every
// cached resource and returns a copy of the resulting data.
//
// Responses are discarded without touching the cache when the identity
// changed, the store was closed, ctx was cancelled, or a newer response for
// the same key was already applied.
func fetch[E any](ctx context.Context, s *Store, res resource[E], opts FetchOptions) ([]E, error) {
	s.mu.Lock()
	t := res.table(s)
	if s.closed {
		data := readEntry(t, res.key, res.clone).Data
		s.mu.Unlock()
		return data, nil
	}
	sl := t.get(res.key)
	if !opts.Force && sl.entry.Fresh(s.now(), res.window) {
		data := res.clone(sl.entry.Data)
		s.mu.Unlock()
		return data, nil
	}
	sl.issued++
	seq := sl.issued
	epoch := s.epoch
	id := s.identity
	changed := false
	if !opts.Background && !sl.entry.HasData() && !sl.entry.Loading {
		sl.entry.Loading = true
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}

	data, err := res.call(ctx, id)

	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		if opts.Background {
			return nil, nil
		}
		return nil, ErrIdentityChanged
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if seq == sl.issued && sl.entry.Loading {
			sl.entry.Loading = false
			s.mu.Unlock()
			s.notify()
		} else {
			s.mu.Unlock()
		}
		appLog.Debug("dropped response for cancelled request", "resource", res.kind, "key", res.key)
		if opts.Background {
			return nil, nil
		}
		return nil, ctxErr
	}
	if seq < sl.applied {
		cached := res.clone(sl.entry.Data)
		s.mu.Unlock()
		appLog.Debug("discarded out-of-order response", "resource", res.kind, "key", res.key, "seq", seq, "applied", sl.applied)
		return cached, nil
	}

	sl.applied = seq
	if seq == sl.issued {
		sl.entry.Loading = false
	}
	if err != nil {
		sl.entry.Err = err
	} else {
		if data == nil {
			data = []E{}
		}
		sl.entry.Data = data
		sl.entry.Err = nil
		sl.entry.LastFetched = s.now()
	}
	cached := res.clone(sl.entry.Data)
	s.mu.Unlock()
	s.notify()

	if err != nil {
		if opts.Background {
			appLog.Warn("background refresh failed", "resource", res.kind, "key", res.key, "err", err)
			return cached, nil
		}
		return cached, err
	}
	return cached, nil
}

// FetchGroups refreshes the caller's group list.
func (s *Store) FetchGroups(ctx context.Context, opts FetchOptions) ([]model.GroupMembership, error) {
	return fetch(ctx, s, resource[model.GroupMembership]{
		kind:   "groups",
		key:    groupsKey,
		window: s.groupsStaleWindow,
		table:  func(s *Store) table[model.GroupMembership] { return s.groups },
		call:   s.remote.ListGroups,
		clone:  cloneSlice[model.GroupMembership],
	}, opts)
}

// FetchSummary refreshes the server-computed overlap intervals of a group.
func (s *Store) FetchSummary(ctx context.Context, groupID string, opts FetchOptions) ([]model.GroupAvailabilityInterval, error) {
	return fetch(ctx, s, resource[model.GroupAvailabilityInterval]{
		kind:   "summary",
		key:    groupID,
		window: s.staleWindow,
		table:  func(s *Store) table[model.GroupAvailabilityInterval] { return s.summaries },
		call: func(ctx context.Context, id model.Identity) ([]model.GroupAvailabilityInterval, error) {
			return s.remote.FetchGroupSummary(ctx, id, groupID)
		},
		clone: cloneSlice[model.GroupAvailabilityInterval],
	}, opts)
}

// FetchMembers refreshes every member's entries for a group.
func (s *Store) FetchMembers(ctx context.Context, groupID string, opts FetchOptions) ([]model.MemberAvailability, error) {
	return fetch(ctx, s, resource[model.MemberAvailability]{
		kind:   "members",
		key:    groupID,
		window: s.staleWindow,
		table:  func(s *Store) table[model.MemberAvailability] { return s.members },
		call: func(ctx context.Context, id model.Identity) ([]model.MemberAvailability, error) {
			return s.remote.FetchMemberAvailabilities(ctx, id, groupID)
		},
		clone: cloneMembers,
	}, opts)
}

// FetchSelf refreshes the caller's own entries for a group.
func (s *Store) FetchSelf(ctx context.Context, groupID string, opts FetchOptions) ([]model.AvailabilityEntry, error) {
	return fetch(ctx, s, resource[model.AvailabilityEntry]{
		kind:   "self",
		key:    groupID,
		window: s.staleWindow,
		table:  func(s *Store) table[model.AvailabilityEntry] { return s.self },
		call: func(ctx context.Context, id model.Identity) ([]model.AvailabilityEntry, error) {
			return s.remote.FetchSelfAvailabilities(ctx, id, groupID)
		},
		clone: cloneEntries,
	}, opts)
}

// refreshGroup forces a background refresh of the summary and member
// caches. The server aggregation replaces any provisional local state.
func (s *Store) refreshGroup(groupID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		opts := FetchOptions{Force: true, Background: true}
		_, _ = s.FetchSummary(s.ctx, groupID, opts)
		_, _ = s.FetchMembers(s.ctx, groupID, opts)
	}()
}
