package e2e

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"uptime/internal/domain"
)

func TestServiceSingleModeDetectsDowntime(t *testing.T) {
	env := newE2EEnv(t, "")
	service := newServiceFromConfig(t, env.configPath)
	cancel, done := runService(t, service)
	defer cancel()

	waitReady(t, env.baseURL())

	// New monitors are due immediately; api fails once and opens an incident.
	waitFor(t, 8*time.Second, func() bool { return env.hooks.has(domain.NotificationFiring) })

	// The scheduled unit for web may still be in flight (409); retry until it completes.
	var (
		code int
		body map[string]any
	)
	waitFor(t, 3*time.Second, func() bool {
		code, body = postJSON(t, env.baseURL()+"/api/v1/monitors/web/check")
		return code != http.StatusConflict
	})
	if code != http.StatusOK || body["ok"] != true {
		t.Fatalf("check now: code=%d body=%v", code, body)
	}
	result, _ := body["result"].(map[string]any)
	if result["status"] != string(domain.CheckStatusUp) {
		t.Fatalf("web monitor result=%v", result)
	}

	code, body = postJSON(t, env.baseURL()+"/api/v1/channels/ops-hook/test")
	if code != http.StatusOK || body["ok"] != true {
		t.Fatalf("test channel: code=%d body=%v", code, body)
	}
	waitFor(t, 3*time.Second, func() bool { return env.hooks.has(domain.NotificationTest) })

	if code, _ := postJSON(t, env.baseURL()+"/api/v1/monitors/nope/check"); code != http.StatusNotFound {
		t.Fatalf("unknown monitor code=%d", code)
	}

	response, err := http.Get(env.baseURL() + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	raw, _ := io.ReadAll(response.Body)
	_ = response.Body.Close()
	for _, want := range []string{`uptime_incident_transitions_total{kind="opened"}`, `uptime_notification_deliveries_total{channel_type="webhook",status="sent"}`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("metrics missing %s", want)
		}
	}

	cancel()
	waitServiceStop(t, done)
}
