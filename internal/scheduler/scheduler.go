// Package scheduler fires per-resource checks on their cron intervals and
// keeps the resource set in sync with the registry.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/metrics"
	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// State is the lifecycle state of a resource slot.
type State int

// Slot states.
const (
	StateIdle State = iota
	StateDue
	StateRunning
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDue:
		return "due"
	case StateRunning:
		return "running"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Enqueuer accepts due resources without blocking.
type Enqueuer interface {
	TryEnqueue(item monitor.QueueItem) error
}

// Config controls scheduler timing.
type Config struct {
	Tick   time.Duration
	Reload time.Duration
}

type slot struct {
	resource monitor.Resource
	schedule cron.Schedule
	next     time.Time
	state    State
	// inflight is the state a Removed slot returns to if it reappears.
	inflight State
}

func (sl *slot) restore() {
	if sl.state == StateRemoved {
		sl.state = sl.inflight
	}
}

// Scheduler tracks one slot per enabled resource.
type Scheduler struct {
	registry monitor.Registry
	queue    Enqueuer
	clock    monitor.Clock
	cfg      Config
	logger   *zap.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// New constructs a Scheduler.
func New(registry monitor.Registry, queue Enqueuer, clock monitor.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Reload <= 0 {
		cfg.Reload = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry: registry,
		queue:    queue,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		slots:    make(map[string]*slot),
	}
}

// Run refreshes and ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial resource refresh failed", zap.Error(err))
	}

	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()
	reload := time.NewTicker(s.cfg.Reload)
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reload.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("resource refresh failed, keeping previous set", zap.Error(err))
			}
		case <-tick.C:
			s.Tick()
		}
	}
}

// Refresh rebuilds the slot map from the registry. On error the current map
// is left untouched.
func (s *Scheduler) Refresh(ctx context.Context) error {
	resources, err := s.registry.ListEnabledResources(ctx)
	if err != nil {
		metrics.ObserveRegistryRefreshError()
		return err
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(resources))
	for _, res := range resources {
		sl, exists := s.slots[res.ID]
		if exists && sl.resource.Interval == res.Interval {
			sl.resource = res
			sl.restore()
			seen[res.ID] = struct{}{}
			continue
		}
		sched, err := ParseInterval(res.Interval)
		if err != nil {
			s.logger.Warn("skipping resource with invalid interval",
				zap.String("resource_id", res.ID),
				zap.String("interval", res.Interval),
				zap.Error(err),
			)
			continue
		}
		seen[res.ID] = struct{}{}
		if exists {
			sl.resource = res
			sl.schedule = sched
			sl.next = NextAtOrAfter(sched, now)
			sl.restore()
			continue
		}
		s.slots[res.ID] = &slot{
			resource: res,
			schedule: sched,
			next:     NextAtOrAfter(sched, now),
			state:    StateIdle,
		}
		s.logger.Debug("resource scheduled", zap.String("resource_id", res.ID), zap.String("interval", res.Interval))
	}

	for id, sl := range s.slots {
		if _, ok := seen[id]; ok {
			continue
		}
		if sl.state == StateRunning || sl.state == StateDue {
			sl.inflight = sl.state
			sl.state = StateRemoved
			continue
		}
		delete(s.slots, id)
		s.logger.Debug("resource unscheduled", zap.String("resource_id", id))
	}
	metrics.SetScheduledResources(s.countLocked())
	return nil
}

// Tick evaluates every slot once and enqueues the due ones. It returns the
// enqueued resource IDs.
func (s *Scheduler) Tick() []string {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var fired []string
	for _, id := range ids {
		sl := s.slots[id]
		if sl.state == StateRemoved || !sl.resource.Active(now) || sl.next.After(now) {
			continue
		}
		sl.next = sl.schedule.Next(now)
		if sl.state != StateIdle {
			metrics.ObserveSkippedTick()
			s.logger.Info("previous run still in progress, skipping tick",
				zap.String("resource_id", id),
				zap.String("state", sl.state.String()),
			)
			continue
		}
		if err := s.queue.TryEnqueue(monitor.QueueItem{ResourceID: id, DueAt: now}); err != nil {
			metrics.ObserveSkippedTick()
			s.logger.Warn("failed to enqueue due resource", zap.String("resource_id", id), zap.Error(err))
			continue
		}
		sl.state = StateDue
		fired = append(fired, id)
	}
	return fired
}

// Started marks a dequeued resource as running.
func (s *Scheduler) Started(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[resourceID]
	if !ok {
		return
	}
	switch {
	case sl.state == StateDue:
		sl.state = StateRunning
	case sl.state == StateRemoved && sl.inflight == StateDue:
		sl.inflight = StateRunning
	}
}

// Complete returns a slot to idle, or drops it when it was removed while
// the run was in flight.
func (s *Scheduler) Complete(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[resourceID]
	if !ok {
		return
	}
	if sl.state == StateRemoved {
		delete(s.slots, resourceID)
		metrics.SetScheduledResources(s.countLocked())
		return
	}
	sl.state = StateIdle
}

// State returns the slot state and whether the resource is tracked.
func (s *Scheduler) State(resourceID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[resourceID]
	if !ok {
		return 0, false
	}
	return sl.state, true
}

// NextFire returns the next activation time for a tracked resource.
func (s *Scheduler) NextFire(resourceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[resourceID]
	if !ok {
		return time.Time{}, false
	}
	return sl.next, true
}

// Len returns the number of tracked slots, including removed ones still running.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Scheduler) countLocked() int {
	n := 0
	for _, sl := range s.slots {
		if sl.state != StateRemoved {
			n++
		}
	}
	return n
}
