package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"uptime/internal/clock"
	"uptime/internal/domain"
	"uptime/internal/store"

	"github.com/google/uuid"
)

// Policy configures incident hysteresis.
// Params: number of consecutive healthy checks required to resolve (minimum 1).
// Returns: tracker policy.
type Policy struct {
	ResolveAfter int
}

// Tracker is the per-monitor incident state machine (healthy / incident open).
// Params: incident store, policy, clock, and ID generator.
// Returns: transitions consumed by alert rule engine.
type Tracker struct {
	incidents store.IncidentStore
	policy    Policy
	clock     clock.Clock
	newID     func() string
}

// Option customizes tracker construction.
type Option func(*Tracker)

// WithIDGenerator overrides incident ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(t *Tracker) {
		if newID != nil {
			t.newID = newID
		}
	}
}

// NewTracker creates incident tracker.
// Params: incident store, policy, clock, and options.
// Returns: tracker ready for Observe calls.
func NewTracker(incidents store.IncidentStore, policy Policy, clk clock.Clock, opts ...Option) *Tracker {
	if policy.ResolveAfter < 1 {
		policy.ResolveAfter = 1
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	tracker := &Tracker{
		incidents: incidents,
		policy:    policy,
		clock:     clk,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(tracker)
	}
	return tracker
}

// Observe applies one classified check result to the monitor incident state.
// Params: context, monitor, persisted check result, and updated consecutive failure count.
// Returns: transition kind with incident snapshot or store error.
func (t *Tracker) Observe(ctx context.Context, monitor domain.Monitor, result domain.CheckResult, failures int) (domain.Transition, error) {
	at := result.CheckedAt
	if at.IsZero() {
		at = t.clock.Now()
	}

	open, err := t.incidents.GetOpenIncident(ctx, monitor.ID)
	hasOpen := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.Transition{Kind: domain.TransitionNone}, fmt.Errorf("load open incident: %w", err)
	}

	if result.Status.Healthy() {
		if !hasOpen {
			return domain.Transition{Kind: domain.TransitionNone}, nil
		}
		return t.recover(ctx, open, at)
	}

	if hasOpen {
		return t.extend(ctx, open, result, at)
	}
	if failures < monitor.MaxConsecutiveFailures {
		return domain.Transition{Kind: domain.TransitionNone}, nil
	}

	incident := domain.Incident{
		ID:             t.newID(),
		MonitorID:      monitor.ID,
		OwnerID:        monitor.OwnerID,
		State:          domain.IncidentOpen,
		Severity:       SeverityFor(result),
		OpenedAt:       at,
		UpdatedAt:      at,
		FailuresAtOpen: failures,
		Message:        Describe(monitor, result),
		LastError:      failureText(result),
		DownChecks:     failures,
	}
	if err := t.incidents.OpenIncident(ctx, incident); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return domain.Transition{Kind: domain.TransitionNone}, fmt.Errorf("open incident: %w", err)
		}
		// Another writer opened it first; continue on the stored record.
		existing, getErr := t.incidents.GetOpenIncident(ctx, monitor.ID)
		if getErr != nil {
			return domain.Transition{Kind: domain.TransitionNone}, fmt.Errorf("reload conflicting incident: %w", getErr)
		}
		return t.extend(ctx, existing, result, at)
	}
	return domain.Transition{Kind: domain.TransitionOpened, Incident: &incident}, nil
}

func (t *Tracker) extend(ctx context.Context, open domain.Incident, result domain.CheckResult, at time.Time) (domain.Transition, error) {
	open.DownChecks++
	open.HealthyStreak = 0
	open.UpdatedAt = at
	open.LastError = failureText(result)
	open.Severity = domain.MaxSeverity(open.Severity, SeverityFor(result))
	if err := t.incidents.UpdateIncident(ctx, open); err != nil {
		return domain.Transition{Kind: domain.TransitionNone}, fmt.Errorf("update incident: %w", err)
	}
	return domain.Transition{Kind: domain.TransitionUpdated, Incident: &open}, nil
}

func (t *Tracker) recover(ctx context.Context, open domain.Incident, at time.Time) (domain.Transition, error) {
	open.HealthyStreak++
	open.UpdatedAt = at
	if open.HealthyStreak < t.policy.ResolveAfter {
		if err := t.incidents.UpdateIncident(ctx, open); err != nil {
			return domain.Transition{Kind: domain.TransitionNone}, fmt.Errorf("update incident: %w", err)
		}
		return domain.Transition{Kind: domain.TransitionUpdated, Incident: &open}, nil
	}
	resolvedAt := at
	open.State = domain.IncidentResolved
	open.ResolvedAt = &resolvedAt
	if err := t.incidents.ResolveIncident(ctx, open); err != nil {
		return domain.Transition{Kind: domain.TransitionNone}, fmt.Errorf("resolve incident: %w", err)
	}
	return domain.Transition{Kind: domain.TransitionResolved, Incident: &open}, nil
}

// SeverityFor maps one failing check to incident severity.
// Params: classified check result.
// Returns: critical for unreachable hosts, high for timeouts and 5xx, medium otherwise.
func SeverityFor(result domain.CheckResult) domain.Severity {
	switch result.ErrorKind {
	case domain.ErrorKindDNS, domain.ErrorKindConnect:
		return domain.SeverityCritical
	case domain.ErrorKindTimeout, domain.ErrorKindTLS, domain.ErrorKindTransport:
		return domain.SeverityHigh
	}
	if result.Error != "" && !result.HasResponse() {
		return domain.SeverityHigh
	}
	if result.StatusCode >= 500 {
		return domain.SeverityHigh
	}
	return domain.SeverityMedium
}

// Describe renders human-readable incident message.
func Describe(monitor domain.Monitor, result domain.CheckResult) string {
	name := monitor.Name
	if name == "" {
		name = monitor.URL
	}
	return fmt.Sprintf("%s is down: %s", name, failureText(result))
}

func failureText(result domain.CheckResult) string {
	if result.Error != "" {
		return result.Error
	}
	if result.HasResponse() {
		return fmt.Sprintf("HTTP %d", result.StatusCode)
	}
	return string(result.Status)
}
