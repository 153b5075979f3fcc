// Package poll runs the per-target polling loop: it decides when each
// tracked account is due, bounds how many platform fetches run at once,
// and hands every batch of new items to the delivery queue.
package poll

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"xnotifyd/internal/eventbus"
	"xnotifyd/internal/platform"
	"xnotifyd/internal/store"
	"xnotifyd/pkg/logx"
)

// Source is the platform surface the scheduler polls. *platform.Client
// satisfies it.
type Source interface {
	GetBadgeCount(ctx context.Context, auth platform.Auth) (platform.BadgeCount, error)
	GetNotifications(ctx context.Context, auth platform.Auth) ([]platform.Item, error)
}

// Waker is nudged whenever new delivery events are enqueued.
type Waker interface {
	Wake()
}

// Config tunes the scheduler.
type Config struct {
	// Interval is the default poll interval for targets without a
	// schedule override.
	Interval time.Duration

	// MaxConcurrent bounds in-flight polls across all targets.
	MaxConcurrent int
}

// TargetStatus is a point-in-time view of one tracked target for /status.
type TargetStatus struct {
	ID                  string    `json:"id"`
	Handle              string    `json:"handle"`
	Cursor              string    `json:"cursor,omitempty"`
	InFlight            bool      `json:"in_flight"`
	NextPollAt          time.Time `json:"next_poll_at"`
	LastPolledAt        time.Time `json:"last_polled_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

type targetState struct {
	target   store.Target
	schedule Schedule
	next     time.Time
	inflight bool
	failures int
	lastErr  string
}

// Scheduler owns the poll loop. Add and Remove are safe to call from the
// control API while the loop runs.
type Scheduler struct {
	cfg    Config
	store  *store.Store
	source Source
	waker  Waker
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	targets map[string]*targetState
	kick    chan struct{}
	done    sync.WaitGroup

	rng *rand.Rand

	// now is swappable in tests.
	now func() time.Time
}

func NewScheduler(cfg Config, st *store.Store, src Source, waker Waker, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 50
	}
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		source:  src,
		waker:   waker,
		bus:     bus,
		log:     log.With(logx.String("component", "poll")),
		targets: make(map[string]*targetState),
		kick:    make(chan struct{}, 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// Load seeds the scheduler from persisted targets. Targets that survived a
// restart keep their stored next-poll time when it is still in the future.
func (s *Scheduler) Load(ctx context.Context) error {
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range targets {
		st := s.newState(t, now)
		if t.NextPollAt.After(now) {
			st.next = t.NextPollAt
		}
		s.targets[t.ID] = st
	}
	s.log.Info("targets loaded", logx.Int("count", len(targets)))
	return nil
}

// Add registers a target with the running loop. The first poll happens on
// the next tick rather than a full interval out.
//
// Re-registering a known target refreshes its credentials and schedule in
// place; the in-flight gate and failure counter survive, so a poll already
// running for it is never raced by a second one.
func (s *Scheduler) Add(t store.Target) {
	now := s.now()
	s.mu.Lock()
	if cur, ok := s.targets[t.ID]; ok {
		fresh := s.newState(t, now)
		cur.target = t
		cur.schedule = fresh.schedule
	} else {
		st := s.newState(t, now)
		st.next = now
		s.targets[t.ID] = st
	}
	s.mu.Unlock()
	s.nudge()
}

// Remove drops a target from the loop. An in-flight poll for it finishes
// but its results for unknown targets are discarded by the store's foreign
// keys.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.targets, id)
	s.mu.Unlock()
}

func (s *Scheduler) newState(t store.Target, now time.Time) *targetState {
	sched := FixedInterval(s.cfg.Interval)
	if t.Schedule != "" {
		parsed, err := ParseSchedule(t.Schedule)
		if err != nil {
			s.log.Warn("bad schedule override, using default interval",
				logx.String("handle", t.Handle), logx.Err(err))
		} else {
			sched = parsed
		}
	}
	return &targetState{
		target:   t,
		schedule: sched,
		next:     sched.Next(now, s.jitter),
	}
}

// jitter assumes mu is held; rng is only touched under it.
func (s *Scheduler) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int63n(int64(max)))
}

// Run drives the loop until ctx is cancelled, then waits for in-flight
// polls to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	slots := make(chan struct{}, s.cfg.MaxConcurrent)
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		due, wait := s.collectDue()
		for _, st := range due {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				s.done.Wait()
				return ctx.Err()
			}
			s.done.Add(1)
			go func(t store.Target) {
				defer s.done.Done()
				defer func() { <-slots }()
				s.pollOne(ctx, t)
			}(st)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.done.Wait()
			return ctx.Err()
		case <-s.kick:
		case <-timer.C:
		}
	}
}

// collectDue marks due targets in-flight and returns their snapshots plus
// how long until the earliest pending one.
func (s *Scheduler) collectDue() ([]store.Target, time.Duration) {
	now := s.now()
	wait := time.Second

	s.mu.Lock()
	defer s.mu.Unlock()
	var due []store.Target
	for _, st := range s.targets {
		if st.inflight {
			continue
		}
		if !st.next.After(now) {
			st.inflight = true
			due = append(due, st.target)
			continue
		}
		if d := st.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return due, wait
}

// finishPoll settles a target's state after a poll attempt and schedules
// the next one.
func (s *Scheduler) finishPoll(t store.Target, cursor string, pollErr error, deferBy time.Duration) {
	now := s.now()

	s.mu.Lock()
	st, ok := s.targets[t.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.inflight = false
	st.next = st.schedule.Next(now, s.jitter)
	if deferBy > 0 && now.Add(deferBy).After(st.next) {
		st.next = now.Add(deferBy)
	}
	if pollErr != nil {
		st.failures++
		st.lastErr = pollErr.Error()
	} else {
		st.failures = 0
		st.lastErr = ""
		if cursor != "" {
			st.target.Cursor = cursor
		}
	}
	st.target.LastPolledAt = now
	next := st.next
	s.mu.Unlock()

	if err := s.store.TouchPoll(context.Background(), t.ID, now, next); err != nil {
		s.log.Warn("persist poll time", logx.String("handle", t.Handle), logx.Err(err))
	}
	s.nudge()
}

func (s *Scheduler) nudge() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Snapshot reports per-target poll state for the control API.
func (s *Scheduler) Snapshot() []TargetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TargetStatus, 0, len(s.targets))
	for _, st := range s.targets {
		out = append(out, TargetStatus{
			ID:                  st.target.ID,
			Handle:              st.target.Handle,
			Cursor:              st.target.Cursor,
			InFlight:            st.inflight,
			NextPollAt:          st.next,
			LastPolledAt:        st.target.LastPolledAt,
			ConsecutiveFailures: st.failures,
			LastError:           st.lastErr,
		})
	}
	return out
}
