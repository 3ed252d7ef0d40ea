package store

import (
	"context"
	"errors"
	"time"

	"uptime/internal/domain"
)

var (
	// ErrNotFound indicates absent monitor, incident, channel, or rule.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates concurrent write lost a uniqueness or revision check.
	ErrConflict = errors.New("conflict")
)

// CheckState is evaluator-owned monitor state written after every check.
type CheckState struct {
	LastCheckedAt       time.Time
	ConsecutiveFailures int
	CertExpiresAt       *time.Time
}

// MonitorStore reads monitor definitions and persists check state.
type MonitorStore interface {
	ListActiveMonitors(ctx context.Context) ([]domain.Monitor, error)
	GetMonitor(ctx context.Context, monitorID string) (domain.Monitor, error)
	UpdateCheckState(ctx context.Context, monitorID string, state CheckState) error
}

// CheckResultStore appends and prunes check history.
type CheckResultStore interface {
	AppendCheckResult(ctx context.Context, result domain.CheckResult) error
	PruneCheckResults(ctx context.Context, before time.Time) (int64, error)
}

// IncidentStore persists incidents with at most one open incident per monitor.
// Params: OpenIncident returns ErrConflict when monitor already has an open incident.
// Returns: backend persistence behavior.
type IncidentStore interface {
	OpenIncident(ctx context.Context, incident domain.Incident) error
	UpdateIncident(ctx context.Context, incident domain.Incident) error
	ResolveIncident(ctx context.Context, incident domain.Incident) error
	GetOpenIncident(ctx context.Context, monitorID string) (domain.Incident, error)
}

// RuleStore lists decoded enabled rules scoped to owner and monitor.
type RuleStore interface {
	ListEnabledRulesForOwner(ctx context.Context, ownerID, monitorID string, ruleType domain.RuleType) ([]domain.AlertRule, error)
}

// ChannelStore resolves channels and records test outcomes.
type ChannelStore interface {
	GetChannel(ctx context.Context, channelID string) (domain.NotificationChannel, error)
	RecordChannelTest(ctx context.Context, channelID string, at time.Time, testErr error) error
}

// HistoryStore appends alert history rows.
type HistoryStore interface {
	AppendHistory(ctx context.Context, history domain.AlertHistory) error
	ListHistoryForIncident(ctx context.Context, incidentID string) ([]domain.AlertHistory, error)
}

// Store aggregates all persistence interfaces used by the service.
type Store interface {
	MonitorStore
	CheckResultStore
	IncidentStore
	RuleStore
	ChannelStore
	HistoryStore
	Close() error
}

// Seeder accepts catalog documents loaded from file.
type Seeder interface {
	ApplyCatalog(ctx context.Context, catalog Catalog) error
}

type layered struct {
	Store
	incidents IncidentStore
	closer    func() error
}

// WithIncidents overrides incident persistence of base store.
// Params: base store, incident backend, and optional close hook for incident backend.
// Returns: store delegating incident calls to the override.
func WithIncidents(base Store, incidents IncidentStore, closer func() error) Store {
	if incidents == nil {
		return base
	}
	return &layered{Store: base, incidents: incidents, closer: closer}
}

func (l *layered) OpenIncident(ctx context.Context, incident domain.Incident) error {
	return l.incidents.OpenIncident(ctx, incident)
}

func (l *layered) UpdateIncident(ctx context.Context, incident domain.Incident) error {
	return l.incidents.UpdateIncident(ctx, incident)
}

func (l *layered) ResolveIncident(ctx context.Context, incident domain.Incident) error {
	return l.incidents.ResolveIncident(ctx, incident)
}

func (l *layered) GetOpenIncident(ctx context.Context, monitorID string) (domain.Incident, error) {
	return l.incidents.GetOpenIncident(ctx, monitorID)
}

// ApplyCatalog forwards catalog to base store when it accepts seeding.
func (l *layered) ApplyCatalog(ctx context.Context, catalog Catalog) error {
	seeder, ok := l.Store.(Seeder)
	if !ok {
		return nil
	}
	return seeder.ApplyCatalog(ctx, catalog)
}

func (l *layered) Close() error {
	var errs []error
	if l.closer != nil {
		errs = append(errs, l.closer())
	}
	errs = append(errs, l.Store.Close())
	return errors.Join(errs...)
}
