package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"uptime/internal/clock"
	"uptime/internal/config"
	"uptime/internal/domain"
	"uptime/internal/engine"
)

var (
	// ErrInFlight reports that a check for the monitor is already running.
	ErrInFlight = errors.New("check already in flight")
	// ErrMonitorPaused reports manual check request for paused monitor.
	ErrMonitorPaused = errors.New("monitor is paused")
	// ErrUnitSkipped is wrapped by runners that drop a unit without a result.
	ErrUnitSkipped = errors.New("check unit skipped")
)

// Source lists monitors the scheduler should track.
type Source interface {
	ListActiveMonitors(ctx context.Context) ([]domain.Monitor, error)
	GetMonitor(ctx context.Context, monitorID string) (domain.Monitor, error)
}

// Runner executes one check unit for one monitor.
type Runner interface {
	RunCheck(ctx context.Context, monitor domain.Monitor) (domain.CheckResult, error)
}

// RunnerFunc adapts plain function to Runner.
type RunnerFunc func(ctx context.Context, monitor domain.Monitor) (domain.CheckResult, error)

// RunCheck calls f.
func (f RunnerFunc) RunCheck(ctx context.Context, monitor domain.Monitor) (domain.CheckResult, error) {
	return f(ctx, monitor)
}

// Leaser grants exclusive per-monitor execution across replicas.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

// Observer receives scheduler pool snapshots after every tick.
type Observer interface {
	ObserveScheduler(tracked, inFlight, backlog int)
}

type entry struct {
	monitor  domain.Monitor
	nextDue  time.Time
	inFlight bool
	removed  bool
}

// Scheduler keeps the due-set of active monitors and feeds a bounded worker pool.
// Params: tick/pool config, monitor source, and check runner.
// Returns: long-running scheduling loop.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry

	cfg      config.SchedulerConfig
	source   Source
	runner   Runner
	leaser   Leaser
	leaseTTL time.Duration
	observer Observer
	clock    clock.Clock
	logger   *slog.Logger
	jitter   func(max time.Duration) time.Duration

	jobs      chan string
	refreshCh chan struct{}
}

// Option customizes scheduler construction.
type Option func(*Scheduler)

// WithClock overrides scheduler clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithLogger sets scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLeaser enables distributed per-monitor lease.
func WithLeaser(leaser Leaser, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.leaser = leaser
		s.leaseTTL = ttl
	}
}

// WithObserver registers pool snapshot observer.
func WithObserver(observer Observer) Option {
	return func(s *Scheduler) {
		s.observer = observer
	}
}

// WithJitter overrides reschedule jitter source; fn receives exclusive upper bound.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.jitter = fn
		}
	}
}

// New creates scheduler with empty due-set.
// Params: scheduler config, monitor source, runner, and options.
// Returns: scheduler ready for Run.
func New(cfg config.SchedulerConfig, source Source, runner Runner, opts ...Option) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TickMS <= 0 {
		cfg.TickMS = 1000
	}
	if cfg.RefreshSec <= 0 {
		cfg.RefreshSec = 10
	}
	s := &Scheduler{
		entries:   make(map[string]*entry),
		cfg:       cfg,
		source:    source,
		runner:    runner,
		clock:     clock.RealClock{},
		logger:    slog.Default(),
		jitter:    uniformJitter,
		jobs:      make(chan string, cfg.Workers),
		refreshCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Run loads monitors, starts workers, and ticks until ctx is cancelled.
// Params: root context.
// Returns: nil after cancellation and worker drain.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial monitor refresh failed", "error", err.Error())
	}

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}

	ticker := time.NewTicker(time.Duration(s.cfg.TickMS) * time.Millisecond)
	defer ticker.Stop()
	refreshTicker := time.NewTicker(time.Duration(s.cfg.RefreshSec) * time.Second)
	defer refreshTicker.Stop()

	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "tick_ms", s.cfg.TickMS)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.dispatchDue()
		case <-refreshTicker.C:
			s.refreshLogged(ctx)
		case <-s.refreshCh:
			s.refreshLogged(ctx)
		}
	}
}

// RequestRefresh asks the running loop to reload monitors without blocking.
func (s *Scheduler) RequestRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) refreshLogged(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("monitor refresh failed", "error", err.Error())
	}
}

// Refresh re-reads active monitors and reconciles the due-set.
// New monitors are due immediately plus jitter; removed ones are dropped after any running unit.
// Params: context for store read.
// Returns: store error; due-set is untouched on failure.
func (s *Scheduler) Refresh(ctx context.Context) error {
	monitors, err := s.source.ListActiveMonitors(ctx)
	if err != nil {
		return fmt.Errorf("list active monitors: %w", err)
	}

	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(monitors))
	added := 0
	for _, monitor := range monitors {
		seen[monitor.ID] = struct{}{}
		if current, ok := s.entries[monitor.ID]; ok {
			current.monitor = monitor
			current.removed = false
			continue
		}
		s.entries[monitor.ID] = &entry{
			monitor: monitor,
			nextDue: now.Add(s.jitterFor(monitor)),
		}
		added++
	}
	removed := 0
	for id, current := range s.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		removed++
		if current.inFlight {
			current.removed = true
			continue
		}
		delete(s.entries, id)
	}
	if added > 0 || removed > 0 {
		s.logger.Info("monitor set refreshed", "tracked", len(s.entries), "added", added, "removed", removed)
	}
	return nil
}

// RunNow runs one check immediately outside the schedule and waits for it.
// Params: context and monitor ID.
// Returns: check result, or ErrInFlight/ErrMonitorPaused/store.ErrNotFound/run error.
func (s *Scheduler) RunNow(ctx context.Context, monitorID string) (domain.CheckResult, error) {
	monitor, err := s.source.GetMonitor(ctx, monitorID)
	if err != nil {
		return domain.CheckResult{}, err
	}
	if monitor.Paused {
		return domain.CheckResult{}, ErrMonitorPaused
	}

	s.mu.Lock()
	current, ok := s.entries[monitorID]
	if ok && current.inFlight {
		s.mu.Unlock()
		return domain.CheckResult{}, ErrInFlight
	}
	if !ok {
		current = &entry{}
		s.entries[monitorID] = current
	}
	current.monitor = monitor
	current.removed = false
	current.inFlight = true
	s.mu.Unlock()

	result, err := s.runUnit(ctx, monitor)
	s.complete(monitorID)
	return result, err
}

// Len returns number of tracked monitors.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextDue returns next scheduled time of monitor.
func (s *Scheduler) NextDue(monitorID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[monitorID]
	if !ok {
		return time.Time{}, false
	}
	return current.nextDue, true
}

// dispatchDue submits due monitors in nextDue order until the pool queue is full.
func (s *Scheduler) dispatchDue() {
	now := s.clock.Now()
	s.mu.Lock()
	due := make([]*entry, 0)
	inFlight := 0
	for _, current := range s.entries {
		if current.inFlight {
			inFlight++
			continue
		}
		if current.removed || current.monitor.Paused || current.nextDue.After(now) {
			continue
		}
		due = append(due, current)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].nextDue.Equal(due[j].nextDue) {
			return due[i].monitor.ID < due[j].monitor.ID
		}
		return due[i].nextDue.Before(due[j].nextDue)
	})

	submitted := 0
submit:
	for _, current := range due {
		select {
		case s.jobs <- current.monitor.ID:
			current.inFlight = true
			submitted++
		default:
			break submit
		}
	}
	tracked := len(s.entries)
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.ObserveScheduler(tracked, inFlight+submitted, len(due)-submitted)
	}
	if backlog := len(due) - submitted; backlog > 0 {
		s.logger.Debug("worker pool saturated", "backlog", backlog)
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case monitorID := <-s.jobs:
			s.mu.Lock()
			current, ok := s.entries[monitorID]
			var monitor domain.Monitor
			if ok {
				monitor = current.monitor
			}
			s.mu.Unlock()
			if !ok {
				continue
			}
			_, err := s.runUnit(ctx, monitor)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, ErrInFlight), errors.Is(err, ErrUnitSkipped):
				s.logger.Debug("check unit skipped", "monitor_id", monitorID, "reason", err.Error())
			default:
				s.logger.Warn("check unit failed", "monitor_id", monitorID, "error", err.Error())
			}
			s.complete(monitorID)
		}
	}
}

// runUnit acquires optional lease and calls runner under recover.
func (s *Scheduler) runUnit(ctx context.Context, monitor domain.Monitor) (result domain.CheckResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("check unit panicked", "monitor_id", monitor.ID, "panic", fmt.Sprint(recovered), "stack", string(debug.Stack()))
			err = fmt.Errorf("check unit panicked: %v", recovered)
		}
	}()

	if s.leaser != nil {
		release, acquired, leaseErr := s.leaser.Acquire(ctx, engine.LeaseKey(monitor.ID), s.leaseTTL)
		if leaseErr != nil {
			return domain.CheckResult{}, fmt.Errorf("acquire lease: %w", leaseErr)
		}
		if !acquired {
			s.logger.Debug("monitor lease held elsewhere", "monitor_id", monitor.ID)
			return domain.CheckResult{}, ErrInFlight
		}
		defer release()
	}
	return s.runner.RunCheck(ctx, monitor)
}

// complete clears in-flight flag and schedules next run, or drops removed entry.
func (s *Scheduler) complete(monitorID string) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[monitorID]
	if !ok {
		return
	}
	if current.removed {
		delete(s.entries, monitorID)
		return
	}
	current.inFlight = false
	current.nextDue = now.Add(current.monitor.Interval() + s.jitterFor(current.monitor))
}

func (s *Scheduler) jitterFor(monitor domain.Monitor) time.Duration {
	if s.cfg.Jitter() <= 0 {
		return 0
	}
	return s.jitter(monitor.Interval() * time.Duration(s.cfg.Jitter()) / 100)
}
