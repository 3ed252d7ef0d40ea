package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"uptime/internal/check"
	"uptime/internal/clock"
	"uptime/internal/domain"
	"uptime/internal/engine"
	"uptime/internal/incident"
	"uptime/internal/notify"
	"uptime/internal/notifyqueue"
	"uptime/internal/scheduler"
	"uptime/internal/store"
)

// ErrCheckDiscarded reports a probe whose monitor was removed or paused while it ran.
var ErrCheckDiscarded = fmt.Errorf("check result discarded: %w", scheduler.ErrUnitSkipped)

// Prober runs one HTTP probe.
type Prober interface {
	Probe(ctx context.Context, monitor domain.Monitor) domain.ProbeOutcome
}

// Observer receives per-check pipeline signals.
type Observer interface {
	ObserveCheck(result domain.CheckResult)
	ObserveTransition(transition domain.Transition)
	ObserveDecision(decision domain.Decision)
	ObserveStoreFailure(operation string)
}

type noopObserver struct{}

func (noopObserver) ObserveCheck(domain.CheckResult) {}
func (noopObserver) ObserveTransition(domain.Transition) {}
func (noopObserver) ObserveDecision(domain.Decision) {}
func (noopObserver) ObserveStoreFailure(string) {}

// ManagerDeps carries pipeline stages for one check unit.
type ManagerDeps struct {
	Store      store.Store
	Prober     Prober
	Evaluator  *check.Evaluator
	Tracker    *incident.Tracker
	Engine     *engine.Engine
	Dispatcher *notify.Dispatcher
	Observer   Observer
	Logger     *slog.Logger
	Clock      clock.Clock
}

// Manager runs the probe → evaluate → persist → incident → rules → notify pipeline.
// Params: store, pipeline stages, observer, logger, and clock.
// Returns: scheduler runner plus control helpers.
type Manager struct {
	mu         sync.RWMutex
	dispatcher *notify.Dispatcher

	store     store.Store
	prober    Prober
	evaluator *check.Evaluator
	tracker   *incident.Tracker
	engine    *engine.Engine
	observer  Observer
	logger    *slog.Logger
	clock     clock.Clock
}

// NewManager creates check pipeline manager.
// Params: pipeline dependencies; nil observer, logger, and clock fall back to no-op defaults.
// Returns: initialized manager.
func NewManager(deps ManagerDeps) *Manager {
	manager := &Manager{
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		prober:     deps.Prober,
		evaluator:  deps.Evaluator,
		tracker:    deps.Tracker,
		engine:     deps.Engine,
		observer:   deps.Observer,
		logger:     deps.Logger,
		clock:      deps.Clock,
	}
	if manager.observer == nil {
		manager.observer = noopObserver{}
	}
	if manager.logger == nil {
		manager.logger = slog.Default()
	}
	if manager.clock == nil {
		manager.clock = clock.RealClock{}
	}
	return manager
}

// RunCheck executes one unit of work for a monitor.
// Params: context and scheduled monitor snapshot.
// Returns: persisted check result; ErrCheckDiscarded when the monitor vanished mid-probe
// or the context ended before the probe returned,
// EvaluationError for malformed monitors, or wrapped store error (cycle dropped).
func (m *Manager) RunCheck(ctx context.Context, monitor domain.Monitor) (domain.CheckResult, error) {
	if err := monitor.Validate(); err != nil {
		return domain.CheckResult{}, err
	}

	outcome := m.prober.Probe(ctx, monitor)
	if err := ctx.Err(); err != nil {
		// An interrupted request says nothing about the target.
		return domain.CheckResult{}, fmt.Errorf("%w: %w", ErrCheckDiscarded, err)
	}

	current, err := m.store.GetMonitor(ctx, monitor.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.CheckResult{}, ErrCheckDiscarded
	case err != nil:
		m.observer.ObserveStoreFailure("get_monitor")
		return domain.CheckResult{}, fmt.Errorf("reload monitor %s: %w", monitor.ID, err)
	case current.Paused:
		return domain.CheckResult{}, ErrCheckDiscarded
	}

	at := m.clock.Now()
	evaluation, err := m.evaluator.Evaluate(current, outcome, at)
	if err != nil {
		return domain.CheckResult{}, err
	}
	result := evaluation.Result

	if err := m.store.AppendCheckResult(ctx, result); err != nil {
		m.observer.ObserveStoreFailure("append_check_result")
		return result, fmt.Errorf("append check result: %w", err)
	}
	state := store.CheckState{LastCheckedAt: at, ConsecutiveFailures: evaluation.Failures, CertExpiresAt: result.CertExpiresAt}
	if state.CertExpiresAt == nil {
		state.CertExpiresAt = current.CertExpiresAt
	}
	if err := m.store.UpdateCheckState(ctx, current.ID, state); err != nil {
		m.observer.ObserveStoreFailure("update_check_state")
		return result, fmt.Errorf("update check state: %w", err)
	}
	current.ConsecutiveFailures = evaluation.Failures
	current.LastCheckedAt = &at
	current.CertExpiresAt = state.CertExpiresAt
	m.observer.ObserveCheck(result)

	transition, err := m.tracker.Observe(ctx, current, result, evaluation.Failures)
	if err != nil {
		m.observer.ObserveStoreFailure("incident")
		return result, fmt.Errorf("track incident: %w", err)
	}
	m.observer.ObserveTransition(transition)
	m.logTransition(current, transition)

	decisions, ruleErr := m.engine.Evaluate(ctx, engine.Event{Monitor: current, Result: result, Transition: transition})
	dispatchErr := m.dispatch(ctx, decisions)
	if ruleErr != nil {
		if !errors.Is(ruleErr, engine.ErrLimiter) {
			m.observer.ObserveStoreFailure("rules")
			return result, errors.Join(fmt.Errorf("evaluate rules: %w", ruleErr), dispatchErr)
		}
		m.logger.Warn("rule cooldown check failed open", "monitor_id", current.ID, "error", ruleErr.Error())
	}
	return result, dispatchErr
}

// dispatch sends every decision independently; history write failures are joined.
func (m *Manager) dispatch(ctx context.Context, decisions []domain.Decision) error {
	if len(decisions) == 0 {
		return nil
	}
	dispatcher := m.dispatcherSnapshot()
	var errs []error
	for _, decision := range decisions {
		m.observer.ObserveDecision(decision)
		history, err := dispatcher.Dispatch(ctx, decision)
		if err != nil {
			m.observer.ObserveStoreFailure("append_history")
			m.logger.Warn("alert dispatch failed", "rule_id", decision.Rule.ID, "monitor_id", decision.Monitor.ID, "error", err.Error())
			errs = append(errs, fmt.Errorf("dispatch rule %s: %w", decision.Rule.ID, err))
			continue
		}
		m.logger.Info("alert dispatched",
			"rule_id", decision.Rule.ID,
			"monitor_id", decision.Monitor.ID,
			"kind", string(decision.Kind),
			"severity", string(decision.Severity),
			"history_id", history.ID,
			"channels_notified", len(history.ChannelsNotified),
		)
	}
	return errors.Join(errs...)
}

func (m *Manager) logTransition(monitor domain.Monitor, transition domain.Transition) {
	if transition.Incident == nil {
		return
	}
	switch transition.Kind {
	case domain.TransitionOpened:
		m.logger.Warn("incident opened", "monitor_id", monitor.ID, "incident_id", transition.Incident.ID, "severity", string(transition.Incident.Severity))
	case domain.TransitionResolved:
		m.logger.Info("incident resolved", "monitor_id", monitor.ID, "incident_id", transition.Incident.ID)
	}
}

// TestChannel sends a test notification through the current dispatcher.
func (m *Manager) TestChannel(ctx context.Context, channelID string) (domain.DeliveryOutcome, error) {
	return m.dispatcherSnapshot().SendTest(ctx, channelID)
}

// ProcessQueuedNotification delivers one job consumed from the notify queue.
func (m *Manager) ProcessQueuedNotification(ctx context.Context, job notifyqueue.Job) error {
	return m.dispatcherSnapshot().Deliver(ctx, job)
}

// SetDispatcher swaps dispatcher after config reload.
func (m *Manager) SetDispatcher(dispatcher *notify.Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = dispatcher
}

func (m *Manager) dispatcherSnapshot() *notify.Dispatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dispatcher
}
