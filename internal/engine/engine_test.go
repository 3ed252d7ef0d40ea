package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"uptime/internal/clock"
	"uptime/internal/config"
	"uptime/internal/domain"
	"uptime/internal/store"
)

const engineCatalog = `
monitors:
  - id: m1
    owner_id: o1
    name: API
    url: https://api.example.com
    max_latency_ms: 2000
rules:
  - id: down
    owner_id: o1
    type: downtime
    severity: medium
    channels: [c1]
  - id: down-quiet
    owner_id: o1
    type: downtime
    severity: low
    conditions: {notify_on_resolve: false}
  - id: slow
    owner_id: o1
    monitor_id: m1
    type: latency
    severity: low
    conditions: {threshold_ms: 1000}
  - id: slow-other
    owner_id: o1
    monitor_id: m2
    type: latency
    conditions: {threshold_ms: 10}
  - id: codes
    owner_id: o1
    type: status_code
    severity: high
    cooldown_sec: 60
    conditions:
      codes: [404]
      ranges: [{from: 500, to: 599}]
  - id: cert
    owner_id: o1
    type: ssl_expiry
    conditions: {days_before: 14}
  - id: foreign
    owner_id: o2
    type: latency
    conditions: {threshold_ms: 1}
`

func newEngineFixture(t *testing.T) (*Engine, *store.MemoryStore, domain.Monitor) {
	t.Helper()
	catalog, err := store.ParseCatalog([]byte(engineCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	memory := store.NewMemoryStore()
	if err := memory.ApplyCatalog(context.Background(), catalog); err != nil {
		t.Fatalf("apply catalog: %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(memory, memory, nil, config.RulesConfig{CooldownSec: 300}, clock.NewManual(at))
	return e, memory, catalog.Monitors[0]
}

func ruleIDs(decisions []domain.Decision) []string {
	out := make([]string, 0, len(decisions))
	for _, decision := range decisions {
		out = append(out, decision.Rule.ID)
	}
	return out
}

func TestLatencyRuleIndependentOfMonitorThreshold(t *testing.T) {
	t.Parallel()

	e, _, monitor := newEngineFixture(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result := domain.CheckResult{ID: "r1", MonitorID: "m1", StatusCode: 200, LatencyMS: 1500, IsUp: true, Status: domain.CheckStatusUp, CheckedAt: at}

	decisions, err := e.Evaluate(context.Background(), Event{Monitor: monitor, Result: result, Transition: domain.Transition{Kind: domain.TransitionNone}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Rule.ID != "slow" {
		t.Fatalf("expected only latency rule to fire, got %v", ruleIDs(decisions))
	}
	decision := decisions[0]
	if decision.Kind != domain.DecisionFire || decision.Severity != domain.SeverityLow || decision.Metadata["latency_ms"] != "1500" {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	fast := result
	fast.LatencyMS = 900
	fast.CheckedAt = at.Add(time.Hour)
	decisions, _ = e.Evaluate(context.Background(), Event{Monitor: monitor, Result: fast})
	if len(decisions) != 0 {
		t.Fatalf("fast response must not fire, got %v", ruleIDs(decisions))
	}
}

func TestCooldownSuppressesRepeatFiring(t *testing.T) {
	t.Parallel()

	e, _, monitor := newEngineFixture(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	notFound := domain.CheckResult{MonitorID: "m1", StatusCode: 404, LatencyMS: 20, Status: domain.CheckStatusUp, CheckedAt: at}

	first, _ := e.Evaluate(context.Background(), Event{Monitor: monitor, Result: notFound})
	if len(first) != 1 || first[0].Rule.ID != "codes" {
		t.Fatalf("expected status rule to fire, got %v", ruleIDs(first))
	}
	notFound.CheckedAt = at.Add(30 * time.Second)
	second, _ := e.Evaluate(context.Background(), Event{Monitor: monitor, Result: notFound})
	if len(second) != 0 {
		t.Fatalf("expected cooldown to suppress, got %v", ruleIDs(second))
	}
	notFound.CheckedAt = at.Add(61 * time.Second)
	third, _ := e.Evaluate(context.Background(), Event{Monitor: monitor, Result: notFound})
	if len(third) != 1 {
		t.Fatalf("expected firing after rule cooldown, got %v", ruleIDs(third))
	}
}

func TestDowntimeFiresOnOpenAndResolvesFromHistory(t *testing.T) {
	t.Parallel()

	e, memory, monitor := newEngineFixture(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	incident := domain.Incident{ID: "inc-1", MonitorID: "m1", OwnerID: "o1", State: domain.IncidentOpen, Severity: domain.SeverityCritical, OpenedAt: at, UpdatedAt: at, Message: "API is down: dns", DownChecks: 3}
	down := domain.CheckResult{MonitorID: "m1", Status: domain.CheckStatusDown, Error: "dns", ErrorKind: domain.ErrorKindDNS, CheckedAt: at}

	decisions, err := e.Evaluate(ctx, Event{Monitor: monitor, Result: down, Transition: domain.Transition{Kind: domain.TransitionOpened, Incident: &incident}})
	if err != nil {
		t.Fatalf("evaluate open: %v", err)
	}
	if got := ruleIDs(decisions); len(got) != 2 || got[0] != "down" || got[1] != "down-quiet" {
		t.Fatalf("expected both downtime rules, got %v", got)
	}
	if decisions[0].Severity != domain.SeverityCritical || decisions[0].Message != incident.Message {
		t.Fatalf("downtime decision must carry incident severity and message: %+v", decisions[0])
	}

	decisions, _ = e.Evaluate(ctx, Event{Monitor: monitor, Result: down, Transition: domain.Transition{Kind: domain.TransitionUpdated, Incident: &incident}})
	if len(decisions) != 0 {
		t.Fatalf("update must not refire downtime rules, got %v", ruleIDs(decisions))
	}

	for _, ruleID := range []string{"down", "down-quiet"} {
		row := domain.AlertHistory{ID: "h-" + ruleID, RuleID: ruleID, IncidentID: "inc-1", Status: domain.HistoryTriggered, Severity: domain.SeverityCritical, TriggeredAt: at}
		if err := memory.AppendHistory(ctx, row); err != nil {
			t.Fatalf("append history: %v", err)
		}
	}

	resolvedAt := at.Add(4 * time.Minute)
	incident.State = domain.IncidentResolved
	incident.ResolvedAt = &resolvedAt
	up := domain.CheckResult{MonitorID: "m1", StatusCode: 200, LatencyMS: 50, Status: domain.CheckStatusUp, CheckedAt: resolvedAt}
	decisions, err = e.Evaluate(ctx, Event{Monitor: monitor, Result: up, Transition: domain.Transition{Kind: domain.TransitionResolved, Incident: &incident}})
	if err != nil {
		t.Fatalf("evaluate resolve: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Kind != domain.DecisionResolve || decisions[0].Rule.ID != "down" {
		t.Fatalf("expected resolve for rule down only, got %+v", decisions)
	}
	if decisions[0].Message != "API recovered after 4m0s" || decisions[0].Severity != domain.SeverityCritical {
		t.Fatalf("unexpected resolve decision: %+v", decisions[0])
	}
}

func TestSSLExpiryUsesResultThenMonitor(t *testing.T) {
	t.Parallel()

	e, _, monitor := newEngineFixture(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	soon := at.Add(10 * 24 * time.Hour)
	result := domain.CheckResult{MonitorID: "m1", StatusCode: 200, Status: domain.CheckStatusUp, CertExpiresAt: &soon, CheckedAt: at}

	decisions, _ := e.Evaluate(context.Background(), Event{Monitor: monitor, Result: result})
	if len(decisions) != 1 || decisions[0].Rule.ID != "cert" || decisions[0].Metadata["days_left"] != "10" {
		t.Fatalf("expected ssl expiry firing, got %+v", decisions)
	}

	later := at.Add(400 * time.Hour)
	monitor.CertExpiresAt = &soon
	result.CertExpiresAt = nil
	result.CheckedAt = later
	decisions, _ = e.Evaluate(context.Background(), Event{Monitor: monitor, Result: result})
	if len(decisions) != 1 || decisions[0].Rule.ID != "cert" {
		t.Fatalf("expected monitor cert expiry fallback, got %v", ruleIDs(decisions))
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Duration, time.Time) (bool, error) {
	return false, errors.New("redis down")
}

func TestLimiterErrorFailsOpen(t *testing.T) {
	t.Parallel()

	_, memory, monitor := newEngineFixture(t)
	e := New(memory, memory, failingLimiter{}, config.RulesConfig{}, nil)
	result := domain.CheckResult{MonitorID: "m1", StatusCode: 503, Status: domain.CheckStatusDown, CheckedAt: time.Now()}

	decisions, err := e.Evaluate(context.Background(), Event{Monitor: monitor, Result: result})
	if !errors.Is(err, ErrLimiter) {
		t.Fatalf("expected joined limiter error, got %v", err)
	}
	if len(decisions) != 1 || decisions[0].Rule.ID != "codes" {
		t.Fatalf("limiter failure must not drop firing, got %v", ruleIDs(decisions))
	}
}

func TestMemoryLimiter(t *testing.T) {
	t.Parallel()

	limiter := NewMemoryLimiter()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if ok, _ := limiter.Allow(context.Background(), "k", time.Minute, at); !ok {
		t.Fatalf("first call must be allowed")
	}
	if ok, _ := limiter.Allow(context.Background(), "k", time.Minute, at.Add(59*time.Second)); ok {
		t.Fatalf("call inside cooldown must be denied")
	}
	if ok, _ := limiter.Allow(context.Background(), "k", time.Minute, at.Add(time.Minute)); !ok {
		t.Fatalf("call after cooldown must be allowed")
	}
	if ok, _ := limiter.Allow(context.Background(), "other", 0, at); !ok {
		t.Fatalf("zero cooldown must always allow")
	}
}
