package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"uptime/internal/domain"
)

const contractCatalog = `
monitors:
  - id: mon-1
    owner_id: owner-1
    name: API
    url: https://api.example.com/health
    interval_sec: 30
    max_latency_ms: 1000
  - id: mon-2
    owner_id: owner-1
    url: https://paused.example.com
    paused: true
rules:
  - id: rule-down
    owner_id: owner-1
    type: downtime
    severity: high
    channels: [ch-hook]
  - id: rule-latency
    owner_id: owner-1
    monitor_id: mon-1
    type: latency
    conditions:
      threshold_ms: 1500
    channels: [ch-hook]
  - id: rule-other
    owner_id: owner-1
    monitor_id: mon-2
    type: latency
    conditions:
      threshold_ms: 10
  - id: rule-off
    owner_id: owner-1
    type: latency
    enabled: false
    conditions:
      threshold_ms: 10
channels:
  - id: ch-hook
    owner_id: owner-1
    name: ops hook
    type: webhook
    config:
      url: https://hooks.example.com/a
      secret: s3cr3t
    quiet_hours:
      enabled: true
      start: "22:00"
      end: "07:00"
      timezone: UTC
`

type seededStore interface {
	Store
	Seeder
}

func runStoreContract(t *testing.T, s seededStore) {
	t.Helper()
	ctx := context.Background()

	catalog, err := ParseCatalog([]byte(contractCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	if err := s.ApplyCatalog(ctx, catalog); err != nil {
		t.Fatalf("apply catalog: %v", err)
	}

	active, err := s.ListActiveMonitors(ctx)
	if err != nil {
		t.Fatalf("list monitors: %v", err)
	}
	if len(active) != 1 || active[0].ID != "mon-1" {
		t.Fatalf("expected only mon-1 active, got %+v", active)
	}
	if active[0].IntervalSec != 30 || active[0].MaxLatencyMS != 1000 || active[0].Method != "GET" {
		t.Fatalf("unexpected monitor fields: %+v", active[0])
	}
	paused, err := s.GetMonitor(ctx, "mon-2")
	if err != nil || !paused.Paused {
		t.Fatalf("expected paused mon-2, got %+v err=%v", paused, err)
	}
	if _, err := s.GetMonitor(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	checkedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	certAt := checkedAt.Add(30 * 24 * time.Hour)
	if err := s.UpdateCheckState(ctx, "mon-1", CheckState{LastCheckedAt: checkedAt, ConsecutiveFailures: 2, CertExpiresAt: &certAt}); err != nil {
		t.Fatalf("update check state: %v", err)
	}
	if err := s.UpdateCheckState(ctx, "mon-1", CheckState{LastCheckedAt: checkedAt.Add(time.Minute), ConsecutiveFailures: 3}); err != nil {
		t.Fatalf("update check state without cert: %v", err)
	}
	monitor, err := s.GetMonitor(ctx, "mon-1")
	if err != nil {
		t.Fatalf("get monitor: %v", err)
	}
	if monitor.ConsecutiveFailures != 3 || monitor.LastCheckedAt == nil || !monitor.LastCheckedAt.Equal(checkedAt.Add(time.Minute)) {
		t.Fatalf("unexpected check state: %+v", monitor)
	}
	if monitor.CertExpiresAt == nil || !monitor.CertExpiresAt.Equal(certAt) {
		t.Fatalf("expected cert expiry to survive update without cert, got %v", monitor.CertExpiresAt)
	}
	if err := s.UpdateCheckState(ctx, "missing", CheckState{LastCheckedAt: checkedAt}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing monitor, got %v", err)
	}

	// Re-applying the catalog keeps evaluator-owned state.
	if err := s.ApplyCatalog(ctx, catalog); err != nil {
		t.Fatalf("reapply catalog: %v", err)
	}
	monitor, _ = s.GetMonitor(ctx, "mon-1")
	if monitor.ConsecutiveFailures != 3 {
		t.Fatalf("check state lost on catalog reapply: %+v", monitor)
	}

	for idx, at := range []time.Time{checkedAt.Add(-48 * time.Hour), checkedAt} {
		result := domain.CheckResult{
			ID:         []string{"res-old", "res-new"}[idx],
			MonitorID:  "mon-1",
			StatusCode: 503,
			LatencyMS:  120,
			Status:     domain.CheckStatusDown,
			CheckedAt:  at,
		}
		if err := s.AppendCheckResult(ctx, result); err != nil {
			t.Fatalf("append result: %v", err)
		}
	}
	removed, err := s.PruneCheckResults(ctx, checkedAt.Add(-24*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("expected one pruned result, got %d err=%v", removed, err)
	}

	rules, err := s.ListEnabledRulesForOwner(ctx, "owner-1", "mon-1", domain.RuleTypeLatency)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "rule-latency" {
		t.Fatalf("expected rule-latency only, got %+v", rules)
	}
	latency, ok := rules[0].Condition.(domain.LatencyCondition)
	if !ok || latency.ThresholdMS != 1500 {
		t.Fatalf("expected decoded latency condition, got %#v", rules[0].Condition)
	}
	rules, err = s.ListEnabledRulesForOwner(ctx, "owner-2", "mon-1", domain.RuleTypeDowntime)
	if err != nil || len(rules) != 0 {
		t.Fatalf("expected no rules for other owner, got %+v err=%v", rules, err)
	}

	channel, err := s.GetChannel(ctx, "ch-hook")
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	hook, ok := channel.Settings.(domain.WebhookConfig)
	if !ok || hook.Secret != "s3cr3t" || !channel.Enabled {
		t.Fatalf("unexpected channel: %+v", channel)
	}
	if channel.QuietHours == nil || channel.QuietHours.Start != "22:00" {
		t.Fatalf("expected quiet hours, got %+v", channel.QuietHours)
	}
	if err := s.RecordChannelTest(ctx, "ch-hook", checkedAt, errors.New("HTTP 500")); err != nil {
		t.Fatalf("record channel test: %v", err)
	}
	channel, _ = s.GetChannel(ctx, "ch-hook")
	if channel.LastTestOK == nil || *channel.LastTestOK || channel.LastTestError != "HTTP 500" {
		t.Fatalf("unexpected test outcome: %+v", channel)
	}
	if _, err := s.GetChannel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	incident := domain.Incident{
		ID:             "inc-1",
		MonitorID:      "mon-1",
		OwnerID:        "owner-1",
		State:          domain.IncidentOpen,
		Severity:       domain.SeverityHigh,
		OpenedAt:       checkedAt,
		UpdatedAt:      checkedAt,
		FailuresAtOpen: 3,
		Message:        "down",
		DownChecks:     3,
	}
	if err := s.OpenIncident(ctx, incident); err != nil {
		t.Fatalf("open incident: %v", err)
	}
	second := incident
	second.ID = "inc-2"
	if err := s.OpenIncident(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second open incident, got %v", err)
	}
	incident.Severity = domain.SeverityCritical
	incident.DownChecks = 4
	incident.UpdatedAt = checkedAt.Add(time.Minute)
	if err := s.UpdateIncident(ctx, incident); err != nil {
		t.Fatalf("update incident: %v", err)
	}
	open, err := s.GetOpenIncident(ctx, "mon-1")
	if err != nil || open.Severity != domain.SeverityCritical || open.DownChecks != 4 {
		t.Fatalf("unexpected open incident: %+v err=%v", open, err)
	}

	history := domain.AlertHistory{
		ID:               "hist-1",
		RuleID:           "rule-down",
		MonitorID:        "mon-1",
		OwnerID:          "owner-1",
		IncidentID:       "inc-1",
		Status:           domain.HistoryTriggered,
		Severity:         domain.SeverityHigh,
		Message:          "down",
		ChannelsNotified: []string{"ch-hook"},
		Deliveries:       []domain.DeliveryOutcome{{ChannelID: "ch-hook", Status: domain.DeliverySent}},
		TriggeredAt:      checkedAt,
	}
	if err := s.AppendHistory(ctx, history); err != nil {
		t.Fatalf("append history: %v", err)
	}
	rows, err := s.ListHistoryForIncident(ctx, "inc-1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one history row, got %+v err=%v", rows, err)
	}
	if rows[0].Status != domain.HistoryTriggered || len(rows[0].ChannelsNotified) != 1 || rows[0].Deliveries[0].Status != domain.DeliverySent {
		t.Fatalf("unexpected history row: %+v", rows[0])
	}

	resolvedAt := checkedAt.Add(5 * time.Minute)
	incident.State = domain.IncidentResolved
	incident.ResolvedAt = &resolvedAt
	if err := s.ResolveIncident(ctx, incident); err != nil {
		t.Fatalf("resolve incident: %v", err)
	}
	if _, err := s.GetOpenIncident(ctx, "mon-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no open incident after resolve, got %v", err)
	}
	if err := s.OpenIncident(ctx, second); err != nil {
		t.Fatalf("open after resolve: %v", err)
	}
}
