package domain

import (
	"fmt"
	"strings"
	"time"
)

// Severity ranks firing importance.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity normalizes severity token.
// Params: raw severity string.
// Returns: severity or error for unknown values.
func ParseSeverity(raw string) (Severity, error) {
	severity := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := severityRank[severity]; !ok {
		return "", fmt.Errorf("unsupported severity %q", raw)
	}
	return severity, nil
}

// Rank returns ordering weight (0 for unknown).
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// IncidentState is persisted incident lifecycle state.
type IncidentState string

const (
	// IncidentOpen marks an ongoing outage span.
	IncidentOpen IncidentState = "open"
	// IncidentResolved marks a closed outage span.
	IncidentResolved IncidentState = "resolved"
)

// Incident is a continuous span during which a monitor is unhealthy.
// Params: monitor reference, timestamps, severity, and counters maintained by the tracker.
// Returns: persisted incident record.
type Incident struct {
	ID             string        `json:"id"`
	MonitorID      string        `json:"monitor_id"`
	OwnerID        string        `json:"owner_id"`
	State          IncidentState `json:"state"`
	Severity       Severity      `json:"severity"`
	OpenedAt       time.Time     `json:"opened_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	FailuresAtOpen int           `json:"failures_at_open"`
	Message        string        `json:"message"`
	LastError      string        `json:"last_error,omitempty"`
	DownChecks     int           `json:"down_checks"`
	HealthyStreak  int           `json:"healthy_streak"`
}

// Duration returns outage length up to resolve time or at.
func (i Incident) Duration(at time.Time) time.Duration {
	end := at
	if i.ResolvedAt != nil {
		end = *i.ResolvedAt
	}
	if end.Before(i.OpenedAt) {
		return 0
	}
	return end.Sub(i.OpenedAt)
}
