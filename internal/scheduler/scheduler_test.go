package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"uptime/internal/clock"
	"uptime/internal/config"
	"uptime/internal/domain"
	"uptime/internal/store"
)

var schedulerStart = time.Date(2026, time.April, 2, 12, 0, 0, 0, time.UTC)

type countingRunner struct {
	mu    sync.Mutex
	calls map[string]int
	block chan struct{}
	panic string
}

func newCountingRunner() *countingRunner {
	return &countingRunner{calls: make(map[string]int)}
}

func (r *countingRunner) RunCheck(_ context.Context, monitor domain.Monitor) (domain.CheckResult, error) {
	r.mu.Lock()
	r.calls[monitor.ID]++
	block := r.block
	r.mu.Unlock()
	if monitor.ID == r.panic {
		panic("probe exploded")
	}
	if block != nil {
		<-block
	}
	return domain.CheckResult{MonitorID: monitor.ID, Status: domain.CheckStatusUp, IsUp: true}, nil
}

func (r *countingRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func testMonitor(id string) domain.Monitor {
	return domain.Monitor{
		ID:                     id,
		OwnerID:                "owner-1",
		URL:                    "https://" + id + ".example.com",
		IntervalSec:            60,
		TimeoutSec:             5,
		MaxConsecutiveFailures: 3,
	}
}

func noJitter(time.Duration) time.Duration { return 0 }

func percent(value int) *int { return &value }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startScheduler(t *testing.T, s *Scheduler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("scheduler did not stop")
		}
	}
}

func TestSchedulerRunsDueMonitorsOncePerInterval(t *testing.T) {
	t.Parallel()

	monitors := store.NewMemoryStore()
	monitors.PutMonitor(testMonitor("a"))
	monitors.PutMonitor(testMonitor("b"))
	clk := clock.NewManual(schedulerStart)
	runner := newCountingRunner()
	s := New(config.SchedulerConfig{TickMS: 10, Workers: 2, JitterPercent: percent(5), RefreshSec: 60}, monitors, runner,
		WithClock(clk), WithJitter(noJitter))
	stop := startScheduler(t, s)
	defer stop()

	waitFor(t, time.Second, func() bool { return runner.count("a") == 1 && runner.count("b") == 1 }, "first run of both monitors")
	time.Sleep(50 * time.Millisecond)
	if runner.count("a") != 1 || runner.count("b") != 1 {
		t.Fatalf("monitors ran before interval elapsed: a=%d b=%d", runner.count("a"), runner.count("b"))
	}
	next, ok := s.NextDue("a")
	if !ok || !next.Equal(schedulerStart.Add(time.Minute)) {
		t.Fatalf("next due=%v ok=%v", next, ok)
	}

	clk.Advance(time.Minute)
	waitFor(t, time.Second, func() bool { return runner.count("a") == 2 && runner.count("b") == 2 }, "second run after interval")
}

func TestSchedulerJitterWithinBound(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bounds []time.Duration
	)
	monitors := store.NewMemoryStore()
	monitors.PutMonitor(testMonitor("a"))
	s := New(config.SchedulerConfig{Workers: 1, JitterPercent: percent(10)}, monitors, newCountingRunner(),
		WithClock(clock.NewManual(schedulerStart)),
		WithJitter(func(max time.Duration) time.Duration {
			mu.Lock()
			bounds = append(bounds, max)
			mu.Unlock()
			return max - time.Second
		}))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	next, _ := s.NextDue("a")
	if !next.Equal(schedulerStart.Add(5 * time.Second)) {
		t.Fatalf("new monitor must be due immediately plus jitter, got %v", next)
	}
	if len(bounds) != 1 || bounds[0] != 6*time.Second {
		t.Fatalf("jitter bound=%v", bounds)
	}
	if got := uniformJitter(0); got != 0 {
		t.Fatalf("zero bound jitter=%v", got)
	}
	for i := 0; i < 100; i++ {
		if got := uniformJitter(time.Second); got < 0 || got >= time.Second {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}

func TestSchedulerSaturatedPoolKeepsMonitorsDue(t *testing.T) {
	t.Parallel()

	monitors := store.NewMemoryStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		monitors.PutMonitor(testMonitor(id))
	}
	runner := newCountingRunner()
	runner.block = make(chan struct{})
	s := New(config.SchedulerConfig{TickMS: 10, Workers: 1, RefreshSec: 60}, monitors, runner,
		WithClock(clock.NewManual(schedulerStart)), WithJitter(noJitter))
	stop := startScheduler(t, s)
	defer stop()

	waitFor(t, time.Second, func() bool { return runner.count("a") == 1 }, "first unit started")
	time.Sleep(30 * time.Millisecond)
	if runner.count("d") != 0 {
		t.Fatalf("saturated pool must not start extra units")
	}
	close(runner.block)
	waitFor(t, time.Second, func() bool {
		return runner.count("b") == 1 && runner.count("c") == 1 && runner.count("d") == 1
	}, "overdue monitors submitted on later ticks")
}

func TestSchedulerKeepsOneUnitInFlightPastDueTime(t *testing.T) {
	t.Parallel()

	monitors := store.NewMemoryStore()
	monitors.PutMonitor(testMonitor("a"))
	clk := clock.NewManual(schedulerStart)
	runner := newCountingRunner()
	runner.block = make(chan struct{})
	s := New(config.SchedulerConfig{TickMS: 10, Workers: 4, RefreshSec: 60}, monitors, runner,
		WithClock(clk), WithJitter(noJitter))
	stop := startScheduler(t, s)
	defer stop()

	waitFor(t, time.Second, func() bool { return runner.count("a") == 1 }, "first unit started")
	clk.Advance(2 * time.Minute)
	time.Sleep(80 * time.Millisecond)
	if got := runner.count("a"); got != 1 {
		t.Fatalf("overdue monitor submitted while its unit was in flight: runs=%d", got)
	}

	close(runner.block)
	waitFor(t, time.Second, func() bool {
		next, ok := s.NextDue("a")
		return ok && next.After(schedulerStart.Add(2*time.Minute))
	}, "unit completed and rescheduled")
	clk.Advance(2 * time.Minute)
	waitFor(t, time.Second, func() bool { return runner.count("a") == 2 }, "next unit after completion")
}

func TestSchedulerRecoversPanickingUnit(t *testing.T) {
	t.Parallel()

	monitors := store.NewMemoryStore()
	monitors.PutMonitor(testMonitor("boom"))
	monitors.PutMonitor(testMonitor("ok"))
	clk := clock.NewManual(schedulerStart)
	runner := newCountingRunner()
	runner.panic = "boom"
	s := New(config.SchedulerConfig{TickMS: 10, Workers: 1, RefreshSec: 60}, monitors, runner,
		WithClock(clk), WithJitter(noJitter))
	stop := startScheduler(t, s)
	defer stop()

	waitFor(t, time.Second, func() bool { return runner.count("boom") == 1 && runner.count("ok") == 1 }, "both units ran")
	clk.Advance(time.Minute)
	waitFor(t, time.Second, func() bool { return runner.count("boom") == 2 && runner.count("ok") == 2 }, "panicking monitor rescheduled")
}

func TestSchedulerRefreshDropsRemovedAndPaused(t *testing.T) {
	t.Parallel()

	monitors := store.NewMemoryStore()
	monitors.PutMonitor(testMonitor("a"))
	monitors.PutMonitor(testMonitor("b"))
	s := New(config.SchedulerConfig{Workers: 1}, monitors, newCountingRunner(), WithClock(clock.NewManual(schedulerStart)))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("tracked=%d", s.Len())
	}

	paused := testMonitor("b")
	paused.Paused = true
	monitors.PutMonitor(paused)
	monitors.DeleteMonitor("a")
	monitors.PutMonitor(testMonitor("c"))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("tracked=%d", s.Len())
	}
	if _, ok := s.NextDue("c"); !ok {
		t.Fatalf("new monitor must be tracked")
	}
}

func TestSchedulerRemovedInFlightEntryDiscardedOnCompletion(t *testing.T) {
	t.Parallel()

	monitors := store.NewMemoryStore()
	monitors.PutMonitor(testMonitor("a"))
	runner := newCountingRunner()
	runner.block = make(chan struct{})
	s := New(config.SchedulerConfig{TickMS: 10, Workers: 1, RefreshSec: 60}, monitors, runner,
		WithClock(clock.NewManual(schedulerStart)), WithJitter(noJitter))
	stop := startScheduler(t, s)
	defer stop()

	waitFor(t, time.Second, func() bool { return runner.count("a") == 1 }, "unit started")
	monitors.DeleteMonitor("a")
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("in-flight entry must stay until completion, tracked=%d", s.Len())
	}
	close(runner.block)
	waitFor(t, time.Second, func() bool { return s.Len() == 0 }, "removed entry discarded")
}

func TestRunNow(t *testing.T) {
	t.Parallel()

	monitors := store.NewMemoryStore()
	monitors.PutMonitor(testMonitor("a"))
	paused := testMonitor("p")
	paused.Paused = true
	monitors.PutMonitor(paused)
	clk := clock.NewManual(schedulerStart)
	runner := newCountingRunner()
	s := New(config.SchedulerConfig{Workers: 1}, monitors, runner, WithClock(clk), WithJitter(noJitter))

	result, err := s.RunNow(context.Background(), "a")
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if result.MonitorID != "a" || runner.count("a") != 1 {
		t.Fatalf("unexpected result %+v calls=%d", result, runner.count("a"))
	}
	next, ok := s.NextDue("a")
	if !ok || !next.Equal(schedulerStart.Add(time.Minute)) {
		t.Fatalf("manual run must reschedule, next=%v ok=%v", next, ok)
	}

	if _, err := s.RunNow(context.Background(), "p"); !errors.Is(err, ErrMonitorPaused) {
		t.Fatalf("expected ErrMonitorPaused, got %v", err)
	}
	if _, err := s.RunNow(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	runner.mu.Lock()
	runner.block = make(chan struct{})
	runner.mu.Unlock()
	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "a")
		done <- err
	}()
	waitFor(t, time.Second, func() bool { return runner.count("a") == 2 }, "blocking run started")
	if _, err := s.RunNow(context.Background(), "a"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	close(runner.block)
	if err := <-done; err != nil {
		t.Fatalf("blocking run: %v", err)
	}
}

type fakeLeaser struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func (l *fakeLeaser) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.released = append(l.released, key)
	}, true, nil
}

func TestRunNowHonorsLease(t *testing.T) {
	t.Parallel()

	monitors := store.NewMemoryStore()
	monitors.PutMonitor(testMonitor("a"))
	monitors.PutMonitor(testMonitor("b"))
	leaser := &fakeLeaser{held: map[string]bool{"lease/a": true}}
	runner := newCountingRunner()
	s := New(config.SchedulerConfig{Workers: 1}, monitors, runner, WithLeaser(leaser, time.Minute))

	if _, err := s.RunNow(context.Background(), "a"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("lease held elsewhere must report in flight, got %v", err)
	}
	if runner.count("a") != 0 {
		t.Fatalf("runner must not be called without lease")
	}
	if _, err := s.RunNow(context.Background(), "b"); err != nil {
		t.Fatalf("run now: %v", err)
	}
	if len(leaser.released) != 1 || leaser.released[0] != "lease/b" {
		t.Fatalf("lease must be released after unit, got %v", leaser.released)
	}
}
