package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"uptime/internal/clock"
	"uptime/internal/config"
	"uptime/internal/store"

	"github.com/robfig/cron/v3"
)

// Observer receives prune counts.
type Observer interface {
	ObservePruned(removed int64)
}

// Pruner deletes check results older than the retention window on a cron schedule.
// Params: result store, retention settings, clock, and logger.
// Returns: lifecycle handle with Start/Stop and on-demand PruneOnce.
type Pruner struct {
	results  store.CheckResultStore
	window   time.Duration
	schedule cron.Schedule
	expr     string
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	cron    *cron.Cron
	running context.CancelFunc
}

// New parses prune schedule and builds pruner.
// Params: result store, store config, clock, logger, and optional observer.
// Returns: pruner or schedule parse error.
func New(results store.CheckResultStore, cfg config.StoreConfig, clk clock.Clock, logger *slog.Logger, observer Observer) (*Pruner, error) {
	schedule, err := cron.ParseStandard(cfg.PruneSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse prune schedule %q: %w", cfg.PruneSchedule, err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		results:  results,
		window:   time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		schedule: schedule,
		expr:     cfg.PruneSchedule,
		clock:    clk,
		logger:   logger,
		observer: observer,
	}, nil
}

// Start registers prune job on a fresh cron runner.
// Params: parent context; cancelling it aborts a running prune.
// Returns: none.
func (p *Pruner) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	runner := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	runner.Schedule(p.schedule, cron.FuncJob(func() {
		if _, err := p.PruneOnce(runCtx); err != nil && runCtx.Err() == nil {
			p.logger.Error("check result prune failed", "error", err.Error())
		}
	}))
	runner.Start()
	p.cron = runner
	p.running = cancel
	p.logger.Info("retention pruner started", "schedule", p.expr, "retention", p.window.String())
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	runner, cancel := p.cron, p.running
	p.cron, p.running = nil, nil
	p.mu.Unlock()
	if runner == nil {
		return
	}
	cancel()
	<-runner.Stop().Done()
}

// Next reports next scheduled run after the given instant.
func (p *Pruner) Next(after time.Time) time.Time {
	return p.schedule.Next(after)
}

// PruneOnce removes check results checked before now minus retention window.
// Params: context.
// Returns: removed row count or store error.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := p.clock.Now().Add(-p.window)
	removed, err := p.results.PruneCheckResults(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune check results before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if p.observer != nil {
		p.observer.ObservePruned(removed)
	}
	if removed > 0 {
		p.logger.Info("check results pruned", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
	return removed, nil
}
