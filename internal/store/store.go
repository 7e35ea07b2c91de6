// Package store is the client-side cache of group data: per-group summary,
// member and self availability entries plus the caller's group list. It
// applies staleness and loading rules to fetches, performs optimistic adds
// and deletes with whole-entry rollback, and notifies subscribers after each
// state change. A Store is safe for concurrent use.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "tripsync/internal/log"
	"tripsync/internal/model"
)

const (
	DefaultStaleWindow       = 15 * time.Second
	DefaultGroupsStaleWindow = 15 * time.Second
)

var (
	ErrClosed       = errors.New("store: closed")
	ErrNotCached    = errors.New("store: no cached data")
	ErrPendingEntry = errors.New("store: entry is not saved yet")
	// ErrIdentityChanged is returned to a foreground caller whose request
	// was issued under an identity that has since been replaced.
	ErrIdentityChanged = errors.New("store: identity changed during request")
)

// Remote is the subset of the backend gateway the store depends on.
type Remote interface {
	ListGroups(ctx context.Context, id model.Identity) ([]model.GroupMembership, error)
	FetchGroupSummary(ctx context.Context, id model.Identity, groupID string) ([]model.GroupAvailabilityInterval, error)
	FetchMemberAvailabilities(ctx context.Context, id model.Identity, groupID string) ([]model.MemberAvailability, error)
	FetchSelfAvailabilities(ctx context.Context, id model.Identity, groupID string) ([]model.AvailabilityEntry, error)
	CreateAvailability(ctx context.Context, id model.Identity, groupID string, r model.DateRange) (model.AvailabilityEntry, error)
	DeleteAvailability(ctx context.Context, id model.Identity, availabilityID string) error
	CreateGroup(ctx context.Context, id model.Identity, name string) (model.GroupMembership, error)
	JoinGroup(ctx context.Context, id model.Identity, groupID string) (model.GroupMembership, error)
}

// Entry is one cached resource. Data is nil until the first successful
// fetch (or optimistic write).
type Entry[E any] struct {
	Data        []E
	Loading     bool
	Err         error
	LastFetched time.Time
}

// HasData reports whether the entry holds data.
func (e Entry[E]) HasData() bool { return e.Data != nil }

// Fresh reports whether the entry was fetched successfully less than
// window ago. A recorded error always makes an entry stale.
func (e Entry[E]) Fresh(now time.Time, window time.Duration) bool {
	if e.LastFetched.IsZero() || e.Err != nil {
		return false
	}
	return now.Sub(e.LastFetched) < window
}

// FetchOptions controls a single fetch.
type FetchOptions struct {
	// Force skips the freshness check.
	Force bool
	// Background fetches never toggle Loading and only record errors.
	Background bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithStaleWindow sets the freshness window of the per-group caches.
func WithStaleWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleWindow = d
		}
	}
}

// WithGroupsStaleWindow sets the freshness window of the group list.
func WithGroupsStaleWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.groupsStaleWindow = d
		}
	}
}

// WithIDGenerator replaces the placeholder id generator used for pending
// entries.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// slot is a cached entry plus the request bookkeeping that keeps late
// responses from overwriting newer data.
type slot[E any] struct {
	entry   Entry[E]
	issued  uint64
	applied uint64
}

type table[E any] map[string]*slot[E]

func (t table[E]) get(key string) *slot[E] {
	sl, ok := t[key]
	if !ok {
		sl = &slot[E]{}
		t[key] = sl
	}
	return sl
}

type subscriber struct {
	id int
	fn func()
}

// Store is the cache. Construct it with New and dispose of it with Close.
type Store struct {
	remote Remote

	now               func() time.Time
	staleWindow       time.Duration
	groupsStaleWindow time.Duration
	newID             func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	identity  model.Identity
	epoch     uint64
	closed    bool
	groups    table[model.GroupMembership]
	summaries table[model.GroupAvailabilityInterval]
	members   table[model.MemberAvailability]
	self      table[model.AvailabilityEntry]

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int
}

const groupsKey = ""

// New creates a Store acting as identity.
func New(remote Remote, identity model.Identity, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		remote:            remote,
		now:               time.Now,
		staleWindow:       DefaultStaleWindow,
		groupsStaleWindow: DefaultGroupsStaleWindow,
		newID:             uuid.NewString,
		ctx:               ctx,
		cancel:            cancel,
		identity:          identity,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clearLocked()
	return s
}

func (s *Store) clearLocked() {
	s.groups = table[model.GroupMembership]{}
	s.summaries = table[model.GroupAvailabilityInterval]{}
	s.members = table[model.MemberAvailability]{}
	s.self = table[model.AvailabilityEntry]{}
}

// Context is cancelled by Close. Scheduled refreshes run on it.
func (s *Store) Context() context.Context { return s.ctx }

// Identity returns the identity the store currently acts as.
func (s *Store) Identity() model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// ResetForIdentity switches the acting identity and drops every cached
// entry. Responses to requests issued before the switch are discarded.
func (s *Store) ResetForIdentity(id model.Identity) {
	s.mu.Lock()
	prev := s.identity
	s.identity = id
	s.epoch++
	s.clearLocked()
	s.mu.Unlock()

	appLog.Info("store reset for identity", "from", prev.Key(), "to", id.Key())
	s.notify()
}

// SetDisplayName renames the acting identity in place. The identity key is
// unchanged, so caches survive; the caller's own cached entries and member
// row pick up the new name.
func (s *Store) SetDisplayName(name string) {
	s.mu.Lock()
	if name == "" || name == s.identity.DisplayName {
		s.mu.Unlock()
		return
	}
	s.identity.DisplayName = name
	actorID := s.identity.ActorID
	for _, sl := range s.members {
		sl.entry.Data = renamedMembers(sl.entry.Data, actorID, name)
	}
	for _, sl := range s.self {
		sl.entry.Data = renamedEntries(sl.entry.Data, actorID, name)
	}
	s.mu.Unlock()
	s.notify()
}

// Close cancels background work and waits for it to finish. Fetches and
// mutations after Close do nothing.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Wait blocks until background refreshes started so far have finished.
func (s *Store) Wait() { s.wg.Wait() }

// Subscribe registers fn to run after every state change. The returned
// function unregisters it.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// notify must be called without s.mu held.
func (s *Store) notify() {
	s.subMu.Lock()
	subs := append([]subscriber(nil), s.subs...)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.fn()
	}
}

// Groups returns a copy of the group list entry.
func (s *Store) Groups() Entry[model.GroupMembership] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readEntry(s.groups, groupsKey, cloneSlice[model.GroupMembership])
}

// Summary returns a copy of the group's summary entry.
func (s *Store) Summary(groupID string) Entry[model.GroupAvailabilityInterval] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readEntry(s.summaries, groupID, cloneSlice[model.GroupAvailabilityInterval])
}

// Members returns a copy of the group's member availabilities entry.
func (s *Store) Members(groupID string) Entry[model.MemberAvailability] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readEntry(s.members, groupID, cloneMembers)
}

// Self returns a copy of the caller's own entries in the group.
func (s *Store) Self(groupID string) Entry[model.AvailabilityEntry] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readEntry(s.self, groupID, cloneEntries)
}

func readEntry[E any](t table[E], key string, clone func([]E) []E) Entry[E] {
	sl, ok := t[key]
	if !ok {
		return Entry[E]{}
	}
	e := sl.entry
	e.Data = clone(e.Data)
	return e
}

// upsertGroupLocked inserts or replaces a row of the group list.
func (s *Store) upsertGroupLocked(g model.GroupMembership) {
	sl := s.groups.get(groupsKey)
	next := make([]model.GroupMembership, 0, len(sl.entry.Data)+1)
	replaced := false
	for _, cur := range sl.entry.Data {
		if cur.GroupID == g.GroupID {
			next = append(next, g)
			replaced = true
			continue
		}
		next = append(next, cur)
	}
	if !replaced {
		next = append(next, g)
	}
	sl.entry.Data = next
}

// CreateGroup creates a group owned by the caller and adds it to the group
// list.
func (s *Store) CreateGroup(ctx context.Context, name string) (model.GroupMembership, error) {
	return s.groupCall(ctx, func(ctx context.Context, id model.Identity) (model.GroupMembership, error) {
		return s.remote.CreateGroup(ctx, id, name)
	})
}

// JoinGroup joins a group by id and adds it to the group list.
func (s *Store) JoinGroup(ctx context.Context, groupID string) (model.GroupMembership, error) {
	return s.groupCall(ctx, func(ctx context.Context, id model.Identity) (model.GroupMembership, error) {
		return s.remote.JoinGroup(ctx, id, groupID)
	})
}

// groupCall runs a membership change and records the result in the group
// list unless the identity changed meanwhile.
func (s *Store) groupCall(ctx context.Context, call func(context.Context, model.Identity) (model.GroupMembership, error)) (model.GroupMembership, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.GroupMembership{}, ErrClosed
	}
	id := s.identity
	epoch := s.epoch
	s.mu.Unlock()

	g, err := call(ctx, id)
	if err != nil {
		return model.GroupMembership{}, err
	}

	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		return g, nil
	}
	s.upsertGroupLocked(g)
	s.mu.Unlock()
	s.notify()
	return g, nil
}

// RemoveGroup drops a group from the list along with its cached entries.
func (s *Store) RemoveGroup(groupID string) {
	s.mu.Lock()
	if sl, ok := s.groups[groupsKey]; ok && sl.entry.Data != nil {
		next := make([]model.GroupMembership, 0, len(sl.entry.Data))
		for _, cur := range sl.entry.Data {
			if cur.GroupID != groupID {
				next = append(next, cur)
			}
		}
		sl.entry.Data = next
	}
	delete(s.summaries, groupID)
	delete(s.members, groupID)
	delete(s.self, groupID)
	s.mu.Unlock()
	s.notify()
}

func renamedEntries(list []model.AvailabilityEntry, actorID, name string) []model.AvailabilityEntry {
	if list == nil {
		return nil
	}
	out := make([]model.AvailabilityEntry, len(list))
	for i, e := range list {
		if e.ActorID == actorID {
			e.DisplayName = name
		}
		out[i] = e
	}
	return out
}

func renamedMembers(members []model.MemberAvailability, actorID, name string) []model.MemberAvailability {
	if members == nil {
		return nil
	}
	out := make([]model.MemberAvailability, len(members))
	for i, m := range members {
		if m.ActorID == actorID {
			m.DisplayName = name
		}
		m.Availabilities = renamedEntries(m.Availabilities, actorID, name)
		out[i] = m
	}
	return out
}

func cloneSlice[E any](in []E) []E {
	if in == nil {
		return nil
	}
	out := make([]E, len(in))
	copy(out, in)
	return out
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneEntries(in []model.AvailabilityEntry) []model.AvailabilityEntry {
	out := cloneSlice(in)
	for i := range out {
		out[i].UserID = cloneString(out[i].UserID)
	}
	return out
}

func cloneMembers(in []model.MemberAvailability) []model.MemberAvailability {
	out := cloneSlice(in)
	for i := range out {
		out[i].UserID = cloneString(out[i].UserID)
		out[i].Availabilities = cloneEntries(out[i].Availabilities)
	}
	return out
}
