package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	appLog "tripsync/internal/log"
	"tripsync/internal/model"
	"tripsync/internal/store"
)

// Source is the part of the cache store the poller drives.
type Source interface {
	Context() context.Context
	FetchGroups(ctx context.Context, opts store.FetchOptions) ([]model.GroupMembership, error)
	FetchSummary(ctx context.Context, groupID string, opts store.FetchOptions) ([]model.GroupAvailabilityInterval, error)
	FetchMembers(ctx context.Context, groupID string, opts store.FetchOptions) ([]model.MemberAvailability, error)
	FetchSelf(ctx context.Context, groupID string, opts store.FetchOptions) ([]model.AvailabilityEntry, error)
}

// Intervals between forced refreshes, per resource.
type Intervals struct {
	Groups  time.Duration
	Summary time.Duration
	Members time.Duration
	Self    time.Duration
}

// DefaultIntervals returns the standard polling cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		Groups:  12 * time.Second,
		Summary: 8 * time.Second,
		Members: 10 * time.Second,
		Self:    10 * time.Second,
	}
}

// Poller creates views bound to a Source and a Scheduler.
type Poller struct {
	src   Source
	sched Scheduler
	iv    Intervals
}

// New returns a Poller. Zero intervals fall back to DefaultIntervals.
func New(src Source, sched Scheduler, iv Intervals) *Poller {
	def := DefaultIntervals()
	if iv.Groups <= 0 {
		iv.Groups = def.Groups
	}
	if iv.Summary <= 0 {
		iv.Summary = def.Summary
	}
	if iv.Members <= 0 {
		iv.Members = def.Members
	}
	if iv.Self <= 0 {
		iv.Self = def.Self
	}
	return &Poller{src: src, sched: sched, iv: iv}
}

// job is one periodic refresh.
type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context, opts store.FetchOptions) error
}

func (p *Poller) groupsJobs() []job {
	return []job{{
		name:     "groups",
		interval: p.iv.Groups,
		run: func(ctx context.Context, opts store.FetchOptions) error {
			_, err := p.src.FetchGroups(ctx, opts)
			return err
		},
	}}
}

func (p *Poller) groupJobs(groupID string) []job {
	return []job{
		{
			name:     "summary",
			interval: p.iv.Summary,
			run: func(ctx context.Context, opts store.FetchOptions) error {
				_, err := p.src.FetchSummary(ctx, groupID, opts)
				return err
			},
		},
		{
			name:     "members",
			interval: p.iv.Members,
			run: func(ctx context.Context, opts store.FetchOptions) error {
				_, err := p.src.FetchMembers(ctx, groupID, opts)
				return err
			},
		},
		{
			name:     "self",
			interval: p.iv.Self,
			run: func(ctx context.Context, opts store.FetchOptions) error {
				_, err := p.src.FetchSelf(ctx, groupID, opts)
				return err
			},
		},
	}
}

// View is a mounted consumer. While open, its resources are loaded once
// and then refreshed on their intervals.
type View struct {
	p      *Poller
	parent context.Context

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	groupID string
	timers  []func()
	gen     uint64
	closed  bool
}

// WatchGroups mounts a view of the caller's group list. The returned error
// is from the initial load; the view is usable either way.
func (p *Poller) WatchGroups(ctx context.Context) (*View, error) {
	v := &View{p: p, parent: ctx}
	return v, v.mount("", p.groupsJobs())
}

// WatchGroup mounts a view of one group's summary, members and self
// entries.
func (p *Poller) WatchGroup(ctx context.Context, groupID string) (*View, error) {
	v := p.GroupView(ctx)
	return v, v.mount(groupID, p.groupJobs(groupID))
}

// GroupView returns a group view that follows nothing yet. SetGroup mounts
// it.
func (p *Poller) GroupView(ctx context.Context) *View {
	return &View{p: p, parent: ctx}
}

// GroupID returns the group the view currently follows.
func (v *View) GroupID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.groupID
}

// SetGroup retargets a group view. Timers for the previous group are torn
// down and its in-flight foreground reads are dropped.
func (v *View) SetGroup(groupID string) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	same := v.groupID == groupID
	v.mu.Unlock()
	if same {
		return nil
	}
	return v.mount(groupID, v.p.groupJobs(groupID))
}

// Close tears down the view's timers and cancels its context.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	v.gen++
	v.stopLocked()
}

func (v *View) stopLocked() {
	for _, cancel := range v.timers {
		cancel()
	}
	v.timers = nil
	if v.cancel != nil {
		v.cancel()
	}
}

// mount replaces whatever the view was following with jobs: an initial
// load on the view context, then scheduled background refreshes on the
// source's own context.
func (v *View) mount(groupID string, jobs []job) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.stopLocked()
	v.gen++
	gen := v.gen
	v.groupID = groupID
	v.ctx, v.cancel = context.WithCancel(v.parent)
	ctx := v.ctx
	v.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		if err := j.run(ctx, store.FetchOptions{}); err != nil {
			errs = append(errs, err)
		}
	}

	var timers []func()
	var schedErr error
	v.mu.Lock()
	if v.gen == gen && !v.closed {
		for _, j := range jobs {
			j := j
			cancel, err := v.p.sched.Every(j.interval, func() {
				src := v.p.src
				if err := j.run(src.Context(), store.FetchOptions{Force: true, Background: true}); err != nil {
					appLog.Debug("poll failed", "resource", j.name, "group_id", groupID, "err", err)
				}
			})
			if err != nil {
				schedErr = err
				break
			}
			timers = append(timers, cancel)
		}
		v.timers = timers
		if schedErr != nil {
			v.stopLocked()
		}
	}
	v.mu.Unlock()

	if schedErr != nil {
		return schedErr
	}
	return errors.Join(errs...)
}
