package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tripsync/internal/model"
	"tripsync/internal/store"
)

type call struct {
	Resource string
	GroupID  string
	Opts     store.FetchOptions
	Ctx      context.Context
}

type fakeSource struct {
	ctx context.Context
	err error

	mu    sync.Mutex
	calls []call
}

func (f *fakeSource) record(resource, groupID string, ctx context.Context, opts store.FetchOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Resource: resource, GroupID: groupID, Opts: opts, Ctx: ctx})
	return f.err
}

func (f *fakeSource) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeSource) Context() context.Context { return f.ctx }

func (f *fakeSource) FetchGroups(ctx context.Context, opts store.FetchOptions) ([]model.GroupMembership, error) {
	return nil, f.record("groups", "", ctx, opts)
}

func (f *fakeSource) FetchSummary(ctx context.Context, groupID string, opts store.FetchOptions) ([]model.GroupAvailabilityInterval, error) {
	return nil, f.record("summary", groupID, ctx, opts)
}

func (f *fakeSource) FetchMembers(ctx context.Context, groupID string, opts store.FetchOptions) ([]model.MemberAvailability, error) {
	return nil, f.record("members", groupID, ctx, opts)
}

func (f *fakeSource) FetchSelf(ctx context.Context, groupID string, opts store.FetchOptions) ([]model.AvailabilityEntry, error) {
	return nil, f.record("self", groupID, ctx, opts)
}

// fakeScheduler records registrations and fires them on demand.
type fakeScheduler struct {
	mu     sync.Mutex
	next   int
	jobs   map[int]fakeJob
	failAt time.Duration
}

type fakeJob struct {
	interval time.Duration
	fn       func()
}

func newScheduler() *fakeScheduler { return &fakeScheduler{jobs: map[int]fakeJob{}} }

func (s *fakeScheduler) Every(interval time.Duration, fn func()) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt != 0 && interval == s.failAt {
		return nil, errors.New("schedule refused")
	}
	id := s.next
	s.next++
	s.jobs[id] = fakeJob{interval: interval, fn: fn}
	return func() {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
	}, nil
}

func (s *fakeScheduler) active() map[time.Duration]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[time.Duration]int{}
	for _, j := range s.jobs {
		out[j.interval]++
	}
	return out
}

func (s *fakeScheduler) fireAll() {
	s.mu.Lock()
	var fns []func()
	for _, j := range s.jobs {
		fns = append(fns, j.fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func TestWatchGroupLoadsThenPolls(t *testing.T) {
	storeCtx := context.Background()
	src := &fakeSource{ctx: storeCtx}
	sched := newScheduler()
	p := New(src, sched, Intervals{})

	v, err := p.WatchGroup(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	initial := src.snapshot()
	if len(initial) != 3 {
		t.Fatalf("initial load calls: %+v", initial)
	}
	for _, c := range initial {
		if c.GroupID != "g1" || c.Opts.Force || c.Opts.Background {
			t.Errorf("initial load should be a plain foreground fetch: %+v", c)
		}
	}

	want := map[time.Duration]int{8 * time.Second: 1, 10 * time.Second: 2}
	if got := sched.active(); len(got) != len(want) || got[8*time.Second] != 1 || got[10*time.Second] != 2 {
		t.Errorf("timers: %v", got)
	}

	sched.fireAll()
	polls := src.snapshot()[3:]
	if len(polls) != 3 {
		t.Fatalf("poll calls: %+v", polls)
	}
	for _, c := range polls {
		if !c.Opts.Force || !c.Opts.Background {
			t.Errorf("poll should force a background refresh: %+v", c)
		}
		if c.Ctx != storeCtx {
			t.Errorf("poll should run on the store context")
		}
	}
}

func TestWatchGroupsInterval(t *testing.T) {
	src := &fakeSource{ctx: context.Background()}
	sched := newScheduler()
	p := New(src, sched, Intervals{Groups: 30 * time.Second})

	v, err := p.WatchGroups(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := sched.active(); got[30*time.Second] != 1 || len(got) != 1 {
		t.Errorf("timers: %v", got)
	}
	v.Close()
	if got := sched.active(); len(got) != 0 {
		t.Errorf("timers survived Close: %v", got)
	}
}

func TestSetGroupRetargets(t *testing.T) {
	src := &fakeSource{ctx: context.Background()}
	sched := newScheduler()
	p := New(src, sched, Intervals{})

	v, _ := p.WatchGroup(context.Background(), "g1")
	defer v.Close()
	firstCtx := src.snapshot()[0].Ctx

	if err := v.SetGroup("g2"); err != nil {
		t.Fatal(err)
	}
	if firstCtx.Err() == nil {
		t.Error("previous group's view context should be cancelled")
	}
	if v.GroupID() != "g2" {
		t.Errorf("group id %q", v.GroupID())
	}
	if n := len(sched.active()); n != 2 {
		t.Errorf("expected timers for one group only, got %v", sched.active())
	}

	before := len(src.snapshot())
	sched.fireAll()
	for _, c := range src.snapshot()[before:] {
		if c.GroupID != "g2" {
			t.Errorf("poll for stale group: %+v", c)
		}
	}

	calls := len(src.snapshot())
	if err := v.SetGroup("g2"); err != nil {
		t.Fatal(err)
	}
	if len(src.snapshot()) != calls {
		t.Error("setting the same group should be a no-op")
	}
}

func TestCloseCancelsViewContext(t *testing.T) {
	src := &fakeSource{ctx: context.Background()}
	sched := newScheduler()
	p := New(src, sched, Intervals{})

	v, _ := p.WatchGroup(context.Background(), "g1")
	viewCtx := src.snapshot()[0].Ctx
	v.Close()
	v.Close()
	if viewCtx.Err() == nil {
		t.Error("view context not cancelled")
	}
	if len(sched.active()) != 0 {
		t.Error("timers left behind")
	}
	if err := v.SetGroup("g2"); err != nil || len(sched.active()) != 0 {
		t.Error("closed view should ignore SetGroup")
	}
}

func TestMountAfterCloseInstallsNothing(t *testing.T) {
	src := &fakeSource{ctx: context.Background()}
	sched := newScheduler()
	p := New(src, sched, Intervals{})

	v, _ := p.WatchGroup(context.Background(), "g1")
	v.Close()
	calls := len(src.snapshot())

	// SetGroup can pass its closed check just before Close runs
	if err := v.mount("g2", p.groupJobs("g2")); err != nil {
		t.Fatal(err)
	}
	if len(sched.active()) != 0 {
		t.Errorf("timers installed on a closed view: %v", sched.active())
	}
	if len(src.snapshot()) != calls {
		t.Error("closed view loaded data")
	}
	if v.GroupID() != "g1" {
		t.Errorf("closed view retargeted to %q", v.GroupID())
	}
}

func TestGroupViewMountsOnSetGroup(t *testing.T) {
	src := &fakeSource{ctx: context.Background()}
	sched := newScheduler()
	p := New(src, sched, Intervals{})

	v := p.GroupView(context.Background())
	defer v.Close()
	if len(src.snapshot()) != 0 || len(sched.active()) != 0 {
		t.Fatal("an unmounted view should not load or poll")
	}
	if err := v.SetGroup("g1"); err != nil {
		t.Fatal(err)
	}
	if len(src.snapshot()) != 3 || len(sched.active()) != 2 {
		t.Errorf("calls %d timers %v", len(src.snapshot()), sched.active())
	}
}

func TestInitialLoadErrorKeepsView(t *testing.T) {
	src := &fakeSource{ctx: context.Background(), err: errors.New("offline")}
	sched := newScheduler()
	p := New(src, sched, Intervals{})

	v, err := p.WatchGroup(context.Background(), "g1")
	if err == nil {
		t.Fatal("expected initial load error")
	}
	defer v.Close()
	if len(sched.active()) == 0 {
		t.Error("polling should start even when the first load fails")
	}
}

func TestScheduleFailureTearsDown(t *testing.T) {
	src := &fakeSource{ctx: context.Background()}
	sched := newScheduler()
	sched.failAt = 10 * time.Second
	p := New(src, sched, Intervals{})

	v, err := p.WatchGroup(context.Background(), "g1")
	if err == nil {
		t.Fatal("expected schedule error")
	}
	defer v.Close()
	if len(sched.active()) != 0 {
		t.Errorf("partial timers left: %v", sched.active())
	}
}

func TestCronSchedulerRejectsSubSecond(t *testing.T) {
	s := NewCronScheduler()
	defer s.Stop()
	if _, err := s.Every(500*time.Millisecond, func() {}); err == nil {
		t.Error("expected error")
	}
}

func TestCronSchedulerRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real tick")
	}
	s := NewCronScheduler()
	defer s.Stop()

	var n atomic.Int32
	fired := make(chan struct{}, 1)
	cancel, err := s.Every(time.Second, func() {
		if n.Add(1) == 1 {
			fired <- struct{}{}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
}
