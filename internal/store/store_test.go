package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"tripsync/internal/model"
)

var (
	ana = model.Identity{Kind: model.KindActor, ActorID: "A", DisplayName: "Ana"}
	ben = model.Identity{Kind: model.KindUser, ActorID: "B", UserID: "user-b", DisplayName: "Ben", AccessToken: "t"}
)

func d(s string) model.Date { return model.MustParseDate(s) }

func rng(from, to string) model.DateRange { return model.DateRange{Start: d(from), End: d(to)} }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dur)
	c.mu.Unlock()
}

// fakeRemote counts calls and serves canned data. Hooks, when set, replace
// the canned behavior.
type fakeRemote struct {
	mu    sync.Mutex
	calls map[string]int

	groups  []model.GroupMembership
	summary []model.GroupAvailabilityInterval
	members []model.MemberAvailability
	self    []model.AvailabilityEntry

	err       error
	createErr error
	deleteErr error
	nextID    int

	onSummary func(ctx context.Context) ([]model.GroupAvailabilityInterval, error)
	onMembers func(ctx context.Context) ([]model.MemberAvailability, error)
	onCreate  func(ctx context.Context) (model.AvailabilityEntry, error)
	onDelete  func(ctx context.Context) error
}

func newRemote() *fakeRemote {
	return &fakeRemote{calls: map[string]int{}}
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.err
}

func (f *fakeRemote) ListGroups(ctx context.Context, id model.Identity) ([]model.GroupMembership, error) {
	if err := f.hit("groups"); err != nil {
		return nil, err
	}
	return cloneSlice(f.groups), nil
}

func (f *fakeRemote) FetchGroupSummary(ctx context.Context, id model.Identity, groupID string) ([]model.GroupAvailabilityInterval, error) {
	if err := f.hit("summary"); err != nil {
		return nil, err
	}
	if f.onSummary != nil {
		return f.onSummary(ctx)
	}
	return cloneSlice(f.summary), nil
}

func (f *fakeRemote) FetchMemberAvailabilities(ctx context.Context, id model.Identity, groupID string) ([]model.MemberAvailability, error) {
	if err := f.hit("members"); err != nil {
		return nil, err
	}
	if f.onMembers != nil {
		return f.onMembers(ctx)
	}
	return cloneMembers(f.members), nil
}

func (f *fakeRemote) FetchSelfAvailabilities(ctx context.Context, id model.Identity, groupID string) ([]model.AvailabilityEntry, error) {
	if err := f.hit("self"); err != nil {
		return nil, err
	}
	return cloneEntries(f.self), nil
}

func (f *fakeRemote) CreateAvailability(ctx context.Context, id model.Identity, groupID string, r model.DateRange) (model.AvailabilityEntry, error) {
	f.hit("create")
	if f.onCreate != nil {
		return f.onCreate(ctx)
	}
	if f.createErr != nil {
		return model.AvailabilityEntry{}, f.createErr
	}
	f.mu.Lock()
	f.nextID++
	n := f.nextID
	f.mu.Unlock()
	return model.AvailabilityEntry{
		ID: fmt.Sprintf("srv-%d", n), GroupID: groupID, StartDate: r.Start, EndDate: r.End,
		ActorID: id.ActorID, UserID: id.UserIDPtr(), DisplayName: id.DisplayName,
	}, nil
}

func (f *fakeRemote) DeleteAvailability(ctx context.Context, id model.Identity, availabilityID string) error {
	f.hit("delete")
	if f.onDelete != nil {
		return f.onDelete(ctx)
	}
	return f.deleteErr
}

func (f *fakeRemote) CreateGroup(ctx context.Context, id model.Identity, name string) (model.GroupMembership, error) {
	if err := f.hit("create group"); err != nil {
		return model.GroupMembership{}, err
	}
	return model.GroupMembership{GroupID: "g-" + name, Name: name, Role: model.RoleOwner}, nil
}

func (f *fakeRemote) JoinGroup(ctx context.Context, id model.Identity, groupID string) (model.GroupMembership, error) {
	if err := f.hit("join group"); err != nil {
		return model.GroupMembership{}, err
	}
	return model.GroupMembership{GroupID: groupID, Name: "Joined", Role: model.RoleMember}, nil
}

func newStore(t *testing.T, remote Remote, clock *fakeClock, opts ...Option) *Store {
	t.Helper()
	n := 0
	opts = append([]Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("tmp-%d", n) }),
	}, opts...)
	s := New(remote, ana, opts...)
	t.Cleanup(s.Close)
	return s
}

func seededMembers() []model.MemberAvailability {
	return []model.MemberAvailability{
		{
			GroupMember: model.GroupMember{MemberID: "m-a", ActorID: "A", DisplayName: "Ana", Role: model.RoleOwner},
			Availabilities: []model.AvailabilityEntry{
				{ID: "e1", GroupID: "g1", StartDate: d("2025-07-01"), EndDate: d("2025-07-03"), ActorID: "A", DisplayName: "Ana"},
			},
		},
		{
			GroupMember: model.GroupMember{MemberID: "m-b", ActorID: "B", DisplayName: "Ben", Role: model.RoleMember},
			Availabilities: []model.AvailabilityEntry{
				{ID: "e2", GroupID: "g1", StartDate: d("2025-07-02"), EndDate: d("2025-07-05"), ActorID: "B", DisplayName: "Ben"},
			},
		},
	}
}

func TestFreshFetchSkipsNetwork(t *testing.T) {
	clock := newClock()
	remote := newRemote()
	remote.summary = []model.GroupAvailabilityInterval{{From: d("2025-07-01"), To: d("2025-07-02"), AvailableCount: 1, TotalMembers: 2}}
	s := newStore(t, remote, clock)
	ctx := context.Background()

	if _, err := s.FetchSummary(ctx, "g1", FetchOptions{}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Second)
	got, err := s.FetchSummary(ctx, "g1", FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n := remote.count("summary"); n != 1 {
		t.Errorf("fresh fetch hit the network: %d calls", n)
	}
	if !reflect.DeepEqual(got, remote.summary) {
		t.Errorf("cached data not returned: %+v", got)
	}

	if _, err := s.FetchSummary(ctx, "g1", FetchOptions{Force: true}); err != nil {
		t.Fatal(err)
	}
	if n := remote.count("summary"); n != 2 {
		t.Errorf("forced fetch should hit the network, calls=%d", n)
	}

	clock.Advance(DefaultStaleWindow)
	if _, err := s.FetchSummary(ctx, "g1", FetchOptions{}); err != nil {
		t.Fatal(err)
	}
	if n := remote.count("summary"); n != 3 {
		t.Errorf("stale fetch should hit the network, calls=%d", n)
	}
}

func TestRecordedErrorDisqualifiesFreshness(t *testing.T) {
	clock := newClock()
	remote := newRemote()
	remote.summary = []model.GroupAvailabilityInterval{{From: d("2025-07-01"), To: d("2025-07-01"), AvailableCount: 1, TotalMembers: 1}}
	s := newStore(t, remote, clock)
	ctx := context.Background()

	if _, err := s.FetchSummary(ctx, "g1", FetchOptions{}); err != nil {
		t.Fatal(err)
	}
	fetchedAt := s.Summary("g1").LastFetched

	remote.err = errors.New("boom")
	if _, err := s.FetchSummary(ctx, "g1", FetchOptions{Force: true}); err == nil {
		t.Fatal("foreground fetch should return the error")
	}
	e := s.Summary("g1")
	if e.Err == nil || !e.HasData() || !e.LastFetched.Equal(fetchedAt) {
		t.Fatalf("failure must keep data and timestamp: %+v", e)
	}

	remote.err = nil
	clock.Advance(10 * time.Second)
	if _, err := s.FetchSummary(ctx, "g1", FetchOptions{}); err != nil {
		t.Fatal(err)
	}
	if n := remote.count("summary"); n != 3 {
		t.Errorf("an entry with an error is never fresh, calls=%d", n)
	}
	if e := s.Summary("g1"); e.Err != nil || !e.LastFetched.Equal(clock.Now()) {
		t.Errorf("success should clear the error and advance the timestamp: %+v", e)
	}
}

func TestBackgroundErrorsAreRecordedNotReturned(t *testing.T) {
	remote := newRemote()
	remote.err = errors.New("offline")
	s := newStore(t, remote, newClock())

	got, err := s.FetchGroups(context.Background(), FetchOptions{Force: true, Background: true})
	if err != nil {
		t.Fatalf("background fetch returned %v", err)
	}
	if got != nil {
		t.Errorf("no data expected, got %+v", got)
	}
	if e := s.Groups(); e.Err == nil {
		t.Error("error not recorded")
	}
}

func TestLoadingFlag(t *testing.T) {
	remote := newRemote()
	s := newStore(t, remote, newClock())

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	remote.onSummary = func(ctx context.Context) ([]model.GroupAvailabilityInterval, error) {
		started <- struct{}{}
		<-release
		return []model.GroupAvailabilityInterval{}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.FetchSummary(context.Background(), "g1", FetchOptions{})
	}()
	<-started
	if !s.Summary("g1").Loading {
		t.Error("foreground fetch on an empty entry should set Loading")
	}
	release <- struct{}{}
	<-done
	if s.Summary("g1").Loading {
		t.Error("Loading not cleared")
	}

	go func() {
		defer close(release)
		<-started
		if s.Summary("g1").Loading {
			t.Error("fetch over existing data must not set Loading")
		}
		release <- struct{}{}
	}()
	if _, err := s.FetchSummary(context.Background(), "g1", FetchOptions{Force: true}); err != nil {
		t.Fatal(err)
	}
}

func TestBackgroundFetchNeverSetsLoading(t *testing.T) {
	remote := newRemote()
	s := newStore(t, remote, newClock())

	var sawLoading bool
	remote.onSummary = func(ctx context.Context) ([]model.GroupAvailabilityInterval, error) {
		sawLoading = s.Summary("g1").Loading
		return nil, nil
	}
	if _, err := s.FetchSummary(context.Background(), "g1", FetchOptions{Force: true, Background: true}); err != nil {
		t.Fatal(err)
	}
	if sawLoading {
		t.Error("background fetch set Loading")
	}
	if e := s.Summary("g1"); e.Data == nil {
		t.Error("nil response should be stored as an empty list")
	}
}

func TestCancelledResponseIsDropped(t *testing.T) {
	remote := newRemote()
	s := newStore(t, remote, newClock())

	ctx, cancel := context.WithCancel(context.Background())
	remote.onSummary = func(context.Context) ([]model.GroupAvailabilityInterval, error) {
		cancel()
		return []model.GroupAvailabilityInterval{{From: d("2025-07-01"), To: d("2025-07-01"), AvailableCount: 1, TotalMembers: 1}}, nil
	}
	_, err := s.FetchSummary(ctx, "g1", FetchOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	e := s.Summary("g1")
	if e.HasData() || e.Loading || !e.LastFetched.IsZero() {
		t.Errorf("cancelled response touched the cache: %+v", e)
	}
}

func TestOutOfOrderResponseIsDiscarded(t *testing.T) {
	remote := newRemote()
	s := newStore(t, remote, newClock())

	old := []model.GroupAvailabilityInterval{{From: d("2025-07-01"), To: d("2025-07-01"), AvailableCount: 1, TotalMembers: 3}}
	fresh := []model.GroupAvailabilityInterval{{From: d("2025-07-01"), To: d("2025-07-01"), AvailableCount: 3, TotalMembers: 3}}

	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})
	var calls int
	var mu sync.Mutex
	remote.onSummary = func(context.Context) ([]model.GroupAvailabilityInterval, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(slowStarted)
			<-releaseSlow
			return old, nil
		}
		return fresh, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.FetchSummary(context.Background(), "g1", FetchOptions{Force: true})
	}()
	<-slowStarted
	if _, err := s.FetchSummary(context.Background(), "g1", FetchOptions{Force: true, Background: true}); err != nil {
		t.Fatal(err)
	}
	close(releaseSlow)
	<-done

	if got := s.Summary("g1").Data; !reflect.DeepEqual(got, fresh) {
		t.Errorf("late response overwrote newer data: %+v", got)
	}
}

func TestOptimisticAddRollback(t *testing.T) {
	remote := newRemote()
	remote.members = seededMembers()
	remote.self = []model.AvailabilityEntry{remote.members[0].Availabilities[0]}
	s := newStore(t, remote, newClock())
	ctx := context.Background()

	if _, err := s.FetchMembers(ctx, "g1", FetchOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FetchSelf(ctx, "g1", FetchOptions{}); err != nil {
		t.Fatal(err)
	}
	beforeMembers := s.Members("g1")
	beforeSelf := s.Self("g1")

	var during []model.AvailabilityEntry
	remote.onCreate = func(context.Context) (model.AvailabilityEntry, error) {
		during = s.Self("g1").Data
		return model.AvailabilityEntry{}, errors.New("network down")
	}

	_, err := s.AddAvailability(ctx, "g1", rng("2025-08-01", "2025-08-02"))
	if err == nil || err.Error() != "network down" {
		t.Fatalf("err = %v", err)
	}
	if len(during) != 2 || during[1].Status != model.Pending || during[1].ID != "tmp-1" {
		t.Errorf("optimistic entry not visible during the call: %+v", during)
	}
	if after := s.Members("g1"); !reflect.DeepEqual(after, beforeMembers) {
		t.Errorf("members not restored:\nbefore %+v\nafter  %+v", beforeMembers, after)
	}
	if after := s.Self("g1"); !reflect.DeepEqual(after, beforeSelf) {
		t.Errorf("self not restored:\nbefore %+v\nafter  %+v", beforeSelf, after)
	}
}

func TestOptimisticAddRollbackOnEmptyCache(t *testing.T) {
	remote := newRemote()
	remote.createErr = errors.New("nope")
	s := newStore(t, remote, newClock())

	if _, err := s.AddAvailability(context.Background(), "g1", rng("2025-08-01", "2025-08-02")); err == nil {
		t.Fatal("expected error")
	}
	if e := s.Members("g1"); !reflect.DeepEqual(e, Entry[model.MemberAvailability]{}) {
		t.Errorf("absent members entry should stay absent: %+v", e)
	}
	if e := s.Self("g1"); !reflect.DeepEqual(e, Entry[model.AvailabilityEntry]{}) {
		t.Errorf("absent self entry should stay absent: %+v", e)
	}
}

func TestFetchDuringFailedAddOnEmptyCacheLands(t *testing.T) {
	remote := newRemote()
	s := newStore(t, remote, newClock())
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	remote.onMembers = func(context.Context) ([]model.MemberAvailability, error) {
		close(started)
		<-release
		return seededMembers(), nil
	}
	fetched := make(chan error, 1)
	remote.onCreate = func(context.Context) (model.AvailabilityEntry, error) {
		go func() {
			_, err := s.FetchMembers(ctx, "g1", FetchOptions{Force: true})
			fetched <- err
		}()
		<-started
		return model.AvailabilityEntry{}, errors.New("network down")
	}

	if _, err := s.AddAvailability(ctx, "g1", rng("2025-08-01", "2025-08-02")); err == nil {
		t.Fatal("expected error")
	}
	close(release)
	if err := <-fetched; err != nil {
		t.Fatalf("fetch: %v", err)
	}

	got := s.Members("g1")
	if len(got.Data) != 2 || got.Data[0].Availabilities[0].ID != "e1" || got.LastFetched.IsZero() {
		t.Errorf("fetch result lost after rollback: %+v", got)
	}
}

func TestOptimisticAddConfirms(t *testing.T) {
	remote := newRemote()
	s := newStore(t, remote, newClock())
	s.ResetForIdentity(ben)

	saved, err := s.AddAvailability(context.Background(), "g1", rng("2025-08-01", "2025-08-02"))
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "srv-1" || saved.Status != model.Confirmed {
		t.Errorf("saved: %+v", saved)
	}
	self := s.Self("g1").Data
	if len(self) != 1 || self[0].ID != "srv-1" || self[0].Status != model.Confirmed {
		t.Errorf("self after confirm: %+v", self)
	}

	s.Wait()
	if remote.count("summary") != 1 || remote.count("members") != 1 {
		t.Errorf("expected background refresh of summary and members, calls=%v", remote.calls)
	}
	if remote.count("self") != 0 {
		t.Errorf("self should not be refreshed, calls=%d", remote.count("self"))
	}
}

func TestOptimisticAddCreatesCallerMember(t *testing.T) {
	remote := newRemote()
	remote.members = seededMembers()[1:]
	s := newStore(t, remote, newClock())
	ctx := context.Background()
	if _, err := s.FetchMembers(ctx, "g1", FetchOptions{}); err != nil {
		t.Fatal(err)
	}

	var during []model.MemberAvailability
	remote.onCreate = func(context.Context) (model.AvailabilityEntry, error) {
		during = s.Members("g1").Data
		return model.AvailabilityEntry{}, errors.New("fail")
	}
	_, _ = s.AddAvailability(ctx, "g1", rng("2025-08-01", "2025-08-02"))

	if len(during) != 2 {
		t.Fatalf("caller member not created: %+v", during)
	}
	me := during[1]
	if me.ActorID != "A" || me.MemberID != "A:anon" || me.Role != model.RoleMember || len(me.Availabilities) != 1 {
		t.Errorf("synthesized member: %+v", me)
	}
}

func TestAddRejectsInvertedRange(t *testing.T) {
	remote := newRemote()
	s := newStore(t, remote, newClock())
	_, err := s.AddAvailability(context.Background(), "g1", rng("2025-08-03", "2025-08-01"))
	if !errors.Is(err, model.ErrInvertedRange) {
		t.Fatalf("err = %v", err)
	}
	if remote.count("create") != 0 {
		t.Error("invalid range reached the network")
	}
}

func TestOptimisticDelete(t *testing.T) {
	remote := newRemote()
	remote.members = seededMembers()
	remote.self = []model.AvailabilityEntry{remote.members[0].Availabilities[0]}
	s := newStore(t, remote, newClock())
	ctx := context.Background()
	_, _ = s.FetchMembers(ctx, "g1", FetchOptions{})
	_, _ = s.FetchSelf(ctx, "g1", FetchOptions{})
	beforeMembers := s.Members("g1")
	beforeSelf := s.Self("g1")

	remote.deleteErr = errors.New("forbidden")
	if err := s.DeleteAvailability(ctx, "g1", "e1"); err == nil {
		t.Fatal("expected error")
	}
	if !reflect.DeepEqual(s.Members("g1"), beforeMembers) || !reflect.DeepEqual(s.Self("g1"), beforeSelf) {
		t.Error("failed delete not rolled back")
	}

	remote.deleteErr = nil
	if err := s.DeleteAvailability(ctx, "g1", "e1"); err != nil {
		t.Fatal(err)
	}
	if self := s.Self("g1").Data; len(self) != 0 {
		t.Errorf("self still holds the entry: %+v", self)
	}
	s.Wait()
	if remote.count("summary") != 1 {
		t.Errorf("summary not refreshed after delete")
	}
}

func TestDeletePendingEntryRejected(t *testing.T) {
	remote := newRemote()
	s := newStore(t, remote, newClock())

	release := make(chan struct{})
	remote.onCreate = func(context.Context) (model.AvailabilityEntry, error) {
		<-release
		return model.AvailabilityEntry{}, errors.New("cancelled by test")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.AddAvailability(context.Background(), "g1", rng("2025-08-01", "2025-08-01"))
	}()
	for s.Self("g1").Data == nil {
		time.Sleep(time.Millisecond)
	}
	if err := s.DeleteAvailability(context.Background(), "g1", "tmp-1"); !errors.Is(err, ErrPendingEntry) {
		t.Errorf("err = %v", err)
	}
	close(release)
	<-done
}

func TestResetForIdentityClearsEverything(t *testing.T) {
	remote := newRemote()
	remote.groups = []model.GroupMembership{{GroupID: "g1", Name: "Trip"}}
	remote.members = seededMembers()
	s := newStore(t, remote, newClock())
	ctx := context.Background()
	_, _ = s.FetchGroups(ctx, FetchOptions{})
	_, _ = s.FetchMembers(ctx, "g1", FetchOptions{})

	s.ResetForIdentity(ben)
	if s.Groups().HasData() || s.Members("g1").HasData() {
		t.Error("cache survived identity reset")
	}
	if s.Identity().ActorID != "B" {
		t.Errorf("identity not switched: %+v", s.Identity())
	}
}

func TestResponseFromPreviousIdentityDiscarded(t *testing.T) {
	ctx := context.Background()
	confirmed := model.AvailabilityEntry{ID: "srv-1", StartDate: d("2025-08-01"), EndDate: d("2025-08-02"), ActorID: "A", DisplayName: "Ana"}

	t.Run("fetch", func(t *testing.T) {
		remote := newRemote()
		s := newStore(t, remote, newClock())

		remote.onSummary = func(context.Context) ([]model.GroupAvailabilityInterval, error) {
			s.ResetForIdentity(ben)
			return []model.GroupAvailabilityInterval{{From: d("2025-07-01"), To: d("2025-07-01"), AvailableCount: 1, TotalMembers: 1}}, nil
		}
		_, err := s.FetchSummary(ctx, "g1", FetchOptions{})
		if !errors.Is(err, ErrIdentityChanged) {
			t.Fatalf("err = %v", err)
		}
		if s.Summary("g1").HasData() {
			t.Error("previous identity's data leaked into the new session")
		}
	})

	t.Run("add to a group the new identity never loaded", func(t *testing.T) {
		remote := newRemote()
		remote.members = seededMembers()
		s := newStore(t, remote, newClock())

		remote.onCreate = func(context.Context) (model.AvailabilityEntry, error) {
			s.ResetForIdentity(ben)
			return confirmed, nil
		}
		saved, err := s.AddAvailability(ctx, "g1", rng("2025-08-01", "2025-08-02"))
		if err != nil || saved.ID != "srv-1" || saved.GroupID != "g1" || saved.Status != model.Confirmed {
			t.Fatalf("add: %+v %v", saved, err)
		}
		s.Wait()
		if s.Members("g1").HasData() || s.Self("g1").HasData() {
			t.Error("pending entry leaked into the new session")
		}
		if n := remote.count("members") + remote.count("summary"); n != 0 {
			t.Errorf("refreshed a group the new identity never loaded: %d calls", n)
		}
	})

	t.Run("add to a group the new identity shows", func(t *testing.T) {
		remote := newRemote()
		remote.members = seededMembers()
		s := newStore(t, remote, newClock())

		remote.onCreate = func(context.Context) (model.AvailabilityEntry, error) {
			s.ResetForIdentity(ben)
			if _, err := s.FetchMembers(ctx, "g1", FetchOptions{}); err != nil {
				t.Errorf("fetch as new identity: %v", err)
			}
			return confirmed, nil
		}
		if _, err := s.AddAvailability(ctx, "g1", rng("2025-08-01", "2025-08-02")); err != nil {
			t.Fatal(err)
		}
		s.Wait()
		if remote.count("members") != 2 || remote.count("summary") != 1 {
			t.Errorf("expected a reconciling refresh, got members=%d summary=%d", remote.count("members"), remote.count("summary"))
		}
		for _, m := range s.Members("g1").Data {
			for _, e := range m.Availabilities {
				if e.Status == model.Pending {
					t.Errorf("pending entry in the new session: %+v", e)
				}
			}
		}
	})

	t.Run("failed delete", func(t *testing.T) {
		remote := newRemote()
		remote.members = seededMembers()
		s := newStore(t, remote, newClock())
		if _, err := s.FetchMembers(ctx, "g1", FetchOptions{}); err != nil {
			t.Fatal(err)
		}

		remote.onDelete = func(context.Context) error {
			s.ResetForIdentity(ben)
			return errors.New("gone")
		}
		if err := s.DeleteAvailability(ctx, "g1", "e1"); err == nil || err.Error() != "gone" {
			t.Fatalf("err = %v", err)
		}
		s.Wait()
		if s.Members("g1").HasData() {
			t.Error("rollback wrote the previous identity's entries into the new session")
		}
	})
}

func TestProvisionalSummaryIncludesPending(t *testing.T) {
	remote := newRemote()
	remote.members = seededMembers()
	s := newStore(t, remote, newClock())
	ctx := context.Background()

	if _, err := s.ProvisionalSummary("g1"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("err = %v", err)
	}
	_, _ = s.FetchMembers(ctx, "g1", FetchOptions{})

	var during []model.GroupAvailabilityInterval
	remote.onCreate = func(context.Context) (model.AvailabilityEntry, error) {
		during, _ = s.ProvisionalSummary("g1")
		return model.AvailabilityEntry{}, errors.New("fail")
	}
	_, _ = s.AddAvailability(ctx, "g1", rng("2025-07-04", "2025-07-05"))

	want := []model.GroupAvailabilityInterval{
		{From: d("2025-07-01"), To: d("2025-07-01"), AvailableCount: 1, TotalMembers: 2},
		{From: d("2025-07-02"), To: d("2025-07-05"), AvailableCount: 2, TotalMembers: 2},
	}
	if !reflect.DeepEqual(during, want) {
		t.Errorf("provisional summary:\n got %+v\nwant %+v", during, want)
	}
}

func TestGroupListMutations(t *testing.T) {
	remote := newRemote()
	remote.groups = []model.GroupMembership{{GroupID: "g1", Name: "Trip"}}
	s := newStore(t, remote, newClock())
	ctx := context.Background()
	_, _ = s.FetchGroups(ctx, FetchOptions{})
	_, _ = s.JoinGroup(ctx, "g2")
	_, _ = s.JoinGroup(ctx, "g1")

	groups := s.Groups().Data
	if len(groups) != 2 || groups[0].GroupID != "g1" || groups[0].Name != "Joined" {
		t.Fatalf("groups: %+v", groups)
	}
	s.RemoveGroup("g1")
	if groups := s.Groups().Data; len(groups) != 1 || groups[0].GroupID != "g2" {
		t.Errorf("after remove: %+v", groups)
	}
}

func TestCreateAndJoinGroupUpdateList(t *testing.T) {
	remote := newRemote()
	remote.groups = []model.GroupMembership{{GroupID: "g1", Name: "Trip"}}
	s := newStore(t, remote, newClock())
	ctx := context.Background()
	if _, err := s.FetchGroups(ctx, FetchOptions{}); err != nil {
		t.Fatal(err)
	}

	created, err := s.CreateGroup(ctx, "Ski")
	if err != nil || created.Role != model.RoleOwner {
		t.Fatalf("create: %+v %v", created, err)
	}
	if _, err := s.JoinGroup(ctx, "g9"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.JoinGroup(ctx, "g9"); err != nil {
		t.Fatal(err)
	}

	groups := s.Groups().Data
	if len(groups) != 3 || groups[1].GroupID != "g-Ski" || groups[2].GroupID != "g9" {
		t.Errorf("groups: %+v", groups)
	}

	remote.err = errors.New("offline")
	if _, err := s.CreateGroup(ctx, "Beach"); err == nil {
		t.Error("expected error")
	}
	if len(s.Groups().Data) != 3 {
		t.Error("failed create changed the group list")
	}
}

func TestSetDisplayNameKeepsCaches(t *testing.T) {
	remote := newRemote()
	remote.members = seededMembers()
	remote.self = []model.AvailabilityEntry{remote.members[0].Availabilities[0]}
	s := newStore(t, remote, newClock())
	ctx := context.Background()
	_, _ = s.FetchMembers(ctx, "g1", FetchOptions{})
	_, _ = s.FetchSelf(ctx, "g1", FetchOptions{})

	s.SetDisplayName("Anabel")
	if s.Identity().DisplayName != "Anabel" || s.Identity().Key() != ana.Key() {
		t.Errorf("identity: %+v", s.Identity())
	}
	members := s.Members("g1").Data
	if members[0].DisplayName != "Anabel" || members[0].Availabilities[0].DisplayName != "Anabel" {
		t.Errorf("own member row not renamed: %+v", members[0])
	}
	if members[1].DisplayName != "Ben" {
		t.Errorf("other member renamed: %+v", members[1])
	}
	if self := s.Self("g1").Data; self[0].DisplayName != "Anabel" {
		t.Errorf("self: %+v", self)
	}
	if remote.count("members") != 1 {
		t.Error("rename should not refetch")
	}
}

func TestSubscribe(t *testing.T) {
	s := newStore(t, newRemote(), newClock())
	var n int
	unsubscribe := s.Subscribe(func() { n++ })
	_, _ = s.JoinGroup(context.Background(), "g1")
	if n != 1 {
		t.Errorf("notifications: %d", n)
	}
	unsubscribe()
	unsubscribe()
	_, _ = s.JoinGroup(context.Background(), "g2")
	if n != 1 {
		t.Errorf("notified after unsubscribe: %d", n)
	}
}

func TestReadersReturnCopies(t *testing.T) {
	remote := newRemote()
	remote.members = seededMembers()
	s := newStore(t, remote, newClock())
	_, _ = s.FetchMembers(context.Background(), "g1", FetchOptions{})

	got := s.Members("g1")
	got.Data[0].Availabilities[0].ID = "mutated"
	if s.Members("g1").Data[0].Availabilities[0].ID != "e1" {
		t.Error("reader exposed internal state")
	}
}

func TestClosedStore(t *testing.T) {
	remote := newRemote()
	s := newStore(t, remote, newClock())
	s.Close()

	if _, err := s.FetchGroups(context.Background(), FetchOptions{Force: true}); err != nil {
		t.Errorf("fetch after close: %v", err)
	}
	if remote.count("groups") != 0 {
		t.Error("closed store hit the network")
	}
	if _, err := s.AddAvailability(context.Background(), "g1", rng("2025-08-01", "2025-08-01")); !errors.Is(err, ErrClosed) {
		t.Errorf("add after close: %v", err)
	}
}
