package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"uptime/internal/clock"
	"uptime/internal/config"
	"uptime/internal/domain"
	"uptime/internal/store"
)

// ErrLimiter marks cooldown backend failures; the affected rule still fires.
var ErrLimiter = errors.New("cooldown limiter unavailable")

// Event is one completed check with its incident transition.
// Params: monitor snapshot, persisted result, and tracker output.
// Returns: input for rule evaluation.
type Event struct {
	Monitor    domain.Monitor
	Result     domain.CheckResult
	Transition domain.Transition
}

// Limiter rate-limits repeated firings of one rule for one monitor.
// Params: cooldown key, cooldown window, and evaluation instant.
// Returns: true when firing is allowed and the window was claimed.
type Limiter interface {
	Allow(ctx context.Context, key string, cooldown time.Duration, at time.Time) (bool, error)
}

// Engine evaluates alert rules against check events into firing decisions.
// Params: rule/history stores, cooldown limiter, and default cooldown.
// Returns: independent decision per matching rule.
type Engine struct {
	rules           store.RuleStore
	history         store.HistoryStore
	limiter         Limiter
	defaultCooldown time.Duration
	clock           clock.Clock
}

// New constructs alert rule engine.
// Params: rule store, history store, limiter (nil uses in-memory), rules config, and clock.
// Returns: initialized engine instance.
func New(rules store.RuleStore, history store.HistoryStore, limiter Limiter, cfg config.RulesConfig, clk clock.Clock) *Engine {
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		rules:           rules,
		history:         history,
		limiter:         limiter,
		defaultCooldown: time.Duration(cfg.CooldownSec) * time.Second,
		clock:           clk,
	}
}

// Evaluate gathers enabled rules of monitor owner and decides which fire.
// Params: context and check event.
// Returns: decisions in rule-type order; limiter errors are joined but do not block firing.
func (e *Engine) Evaluate(ctx context.Context, event Event) ([]domain.Decision, error) {
	at := event.Result.CheckedAt
	if at.IsZero() {
		at = e.clock.Now()
	}

	decisions := make([]domain.Decision, 0)
	var softErrs []error
	for _, ruleType := range domain.RuleTypes() {
		if ruleType == domain.RuleTypeDowntime && !isIncidentEdge(event.Transition) {
			continue
		}
		rules, err := e.rules.ListEnabledRulesForOwner(ctx, event.Monitor.OwnerID, event.Monitor.ID, ruleType)
		if err != nil {
			return decisions, fmt.Errorf("list %s rules: %w", ruleType, err)
		}
		if len(rules) == 0 {
			continue
		}

		if ruleType == domain.RuleTypeDowntime {
			downtime, err := e.evaluateDowntime(ctx, rules, event, at)
			if err != nil {
				return decisions, err
			}
			decisions = append(decisions, downtime...)
			continue
		}

		for _, rule := range rules {
			if !rule.Enabled || !rule.AppliesTo(event.Monitor) {
				continue
			}
			match, ok := MatchRule(rule, event, at)
			if !ok {
				continue
			}
			allowed, err := e.limiter.Allow(ctx, CooldownKey(rule.ID, event.Monitor.ID), e.cooldownFor(rule), at)
			if err != nil {
				softErrs = append(softErrs, fmt.Errorf("cooldown %s: %w: %w", rule.ID, ErrLimiter, err))
				allowed = true
			}
			if !allowed {
				continue
			}
			decisions = append(decisions, domain.Decision{
				Kind:     domain.DecisionFire,
				Rule:     rule,
				Monitor:  event.Monitor,
				Result:   event.Result,
				Incident: event.Transition.Incident,
				Severity: rule.Severity,
				Message:  match.Message,
				Metadata: match.Metadata,
				At:       at,
			})
		}
	}
	return decisions, errors.Join(softErrs...)
}

// evaluateDowntime fires on incident open and emits resolve decisions for rules that fired.
func (e *Engine) evaluateDowntime(ctx context.Context, rules []domain.AlertRule, event Event, at time.Time) ([]domain.Decision, error) {
	incident := event.Transition.Incident
	out := make([]domain.Decision, 0, len(rules))

	switch event.Transition.Kind {
	case domain.TransitionOpened:
		for _, rule := range rules {
			if !rule.Enabled || !rule.AppliesTo(event.Monitor) {
				continue
			}
			out = append(out, domain.Decision{
				Kind:     domain.DecisionFire,
				Rule:     rule,
				Monitor:  event.Monitor,
				Result:   event.Result,
				Incident: incident,
				Severity: domain.MaxSeverity(rule.Severity, incident.Severity),
				Message:  incident.Message,
				Metadata: incidentMetadata(*incident, at),
				At:       at,
			})
		}
	case domain.TransitionResolved:
		rows, err := e.history.ListHistoryForIncident(ctx, incident.ID)
		if err != nil {
			return nil, fmt.Errorf("list incident history: %w", err)
		}
		fired := make(map[string]domain.Severity, len(rows))
		for _, row := range rows {
			if row.Status == domain.HistoryTriggered {
				fired[row.RuleID] = row.Severity
			}
		}
		for _, rule := range rules {
			severity, ok := fired[rule.ID]
			if !ok {
				continue
			}
			condition, _ := rule.Condition.(domain.DowntimeCondition)
			if !condition.ResolveNotifications() {
				continue
			}
			out = append(out, domain.Decision{
				Kind:     domain.DecisionResolve,
				Rule:     rule,
				Monitor:  event.Monitor,
				Result:   event.Result,
				Incident: incident,
				Severity: severity,
				Message:  fmt.Sprintf("%s recovered after %s", monitorLabel(event.Monitor), incident.Duration(at).Round(time.Second)),
				Metadata: incidentMetadata(*incident, at),
				At:       at,
			})
		}
	}
	return out, nil
}

func (e *Engine) cooldownFor(rule domain.AlertRule) time.Duration {
	if rule.CooldownSec > 0 {
		return time.Duration(rule.CooldownSec) * time.Second
	}
	return e.defaultCooldown
}

func isIncidentEdge(transition domain.Transition) bool {
	if transition.Incident == nil {
		return false
	}
	return transition.Kind == domain.TransitionOpened || transition.Kind == domain.TransitionResolved
}

func incidentMetadata(incident domain.Incident, at time.Time) map[string]string {
	metadata := map[string]string{
		"incident_id":       incident.ID,
		"incident_severity": string(incident.Severity),
		"opened_at":         incident.OpenedAt.UTC().Format(time.RFC3339),
		"down_checks":       fmt.Sprintf("%d", incident.DownChecks),
	}
	if incident.ResolvedAt != nil {
		metadata["resolved_at"] = incident.ResolvedAt.UTC().Format(time.RFC3339)
		metadata["duration"] = incident.Duration(at).Round(time.Second).String()
	}
	if incident.LastError != "" {
		metadata["last_error"] = incident.LastError
	}
	return metadata
}

func monitorLabel(monitor domain.Monitor) string {
	if monitor.Name != "" {
		return monitor.Name
	}
	return monitor.URL
}
