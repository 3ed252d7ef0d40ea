package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"uptime/internal/config"
	"uptime/internal/domain"
	"uptime/internal/notify"
	"uptime/internal/scheduler"
	"uptime/internal/store"
)

type fakeController struct {
	mu        sync.Mutex
	checked   []string
	tested    []string
	refreshes atomic.Int32
}

func (c *fakeController) CheckNow(_ context.Context, monitorID string) (domain.CheckResult, error) {
	c.mu.Lock()
	c.checked = append(c.checked, monitorID)
	c.mu.Unlock()
	switch monitorID {
	case "missing":
		return domain.CheckResult{}, fmt.Errorf("get monitor: %w", store.ErrNotFound)
	case "busy":
		return domain.CheckResult{}, scheduler.ErrInFlight
	case "broken":
		return domain.CheckResult{}, fmt.Errorf("append check result: connection reset")
	}
	return domain.CheckResult{MonitorID: monitorID, Status: domain.CheckStatusUp, StatusCode: 200, IsUp: true}, nil
}

func (c *fakeController) TestChannel(_ context.Context, channelID string) (domain.DeliveryOutcome, error) {
	c.mu.Lock()
	c.tested = append(c.tested, channelID)
	c.mu.Unlock()
	switch channelID {
	case "off":
		return domain.DeliveryOutcome{}, notify.ErrChannelDisabled
	case "down":
		return domain.DeliveryOutcome{ChannelID: channelID, Status: domain.DeliveryFailed, Error: "status=502"}, nil
	}
	return domain.DeliveryOutcome{ChannelID: channelID, ChannelType: domain.ChannelWebhook, Status: domain.DeliverySent}, nil
}

func (c *fakeController) Refresh() {
	c.refreshes.Add(1)
}

func testHTTPConfig() config.HTTPConfig {
	return config.HTTPConfig{
		HealthPath:   "/healthz",
		ReadyPath:    "/readyz",
		MetricsPath:  "/metrics",
		APIPrefix:    "/api/v1",
		MaxBodyBytes: 256,
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) (int, Reply) {
	t.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	var reply Reply
	if strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(recorder.Body.Bytes(), &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
	}
	return recorder.Code, reply
}

func TestHealthReadyAndMetrics(t *testing.T) {
	t.Parallel()

	var ready atomic.Bool
	metrics := http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte("uptime_checks_total 1\n"))
	})
	router := NewRouter(testHTTPConfig(), RouterDeps{Ready: ready.Load, Metrics: metrics})

	if code, _ := doRequest(t, router, http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Fatalf("health=%d", code)
	}
	if code, _ := doRequest(t, router, http.MethodGet, "/readyz", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("ready before start=%d", code)
	}
	ready.Store(true)
	if code, _ := doRequest(t, router, http.MethodGet, "/readyz", ""); code != http.StatusOK {
		t.Fatalf("ready after start=%d", code)
	}

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(recorder.Body.String(), "uptime_checks_total") {
		t.Fatalf("metrics body=%q", recorder.Body.String())
	}
	if code, _ := doRequest(t, router, http.MethodPost, "/api/v1/refresh", ""); code != http.StatusNotFound {
		t.Fatalf("control routes must be absent without controller, got %d", code)
	}
}

func TestCheckNowRoutes(t *testing.T) {
	t.Parallel()

	controller := &fakeController{}
	router := NewRouter(testHTTPConfig(), RouterDeps{Controller: controller})

	code, reply := doRequest(t, router, http.MethodPost, "/api/v1/monitors/m1/check", "")
	if code != http.StatusOK || !reply.OK || reply.Result == nil || reply.Result.MonitorID != "m1" {
		t.Fatalf("check ok: code=%d reply=%+v", code, reply)
	}

	cases := map[string]int{
		"missing": http.StatusNotFound,
		"busy":    http.StatusConflict,
		"broken":  http.StatusInternalServerError,
	}
	for id, want := range cases {
		code, reply := doRequest(t, router, http.MethodPost, "/api/v1/monitors/"+id+"/check", "")
		if code != want || reply.OK || reply.Error == "" {
			t.Fatalf("check %s: code=%d want %d reply=%+v", id, code, want, reply)
		}
	}
	if code, _ := doRequest(t, router, http.MethodGet, "/api/v1/monitors/m1/check", ""); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET check=%d", code)
	}
}

func TestTestChannelRoutes(t *testing.T) {
	t.Parallel()

	controller := &fakeController{}
	router := NewRouter(testHTTPConfig(), RouterDeps{Controller: controller})

	code, reply := doRequest(t, router, http.MethodPost, "/api/v1/channels/ch-1/test", "")
	if code != http.StatusOK || !reply.OK || reply.Delivery.Status != domain.DeliverySent {
		t.Fatalf("test ok: code=%d reply=%+v", code, reply)
	}
	code, reply = doRequest(t, router, http.MethodPost, "/api/v1/channels/down/test", "")
	if code != http.StatusBadGateway || reply.OK || reply.Error != "status=502" {
		t.Fatalf("test failed delivery: code=%d reply=%+v", code, reply)
	}
	code, _ = doRequest(t, router, http.MethodPost, "/api/v1/channels/off/test", "")
	if code != http.StatusConflict {
		t.Fatalf("disabled channel code=%d", code)
	}
}

func TestCommandEndpoint(t *testing.T) {
	t.Parallel()

	controller := &fakeController{}
	router := NewRouter(testHTTPConfig(), RouterDeps{Controller: controller})

	code, _ := doRequest(t, router, http.MethodPost, "/api/v1/commands", `{"type":"refresh"}`)
	if code != http.StatusAccepted || controller.refreshes.Load() != 1 {
		t.Fatalf("refresh command: code=%d refreshes=%d", code, controller.refreshes.Load())
	}
	code, reply := doRequest(t, router, http.MethodPost, "/api/v1/commands", `{"type":"check_now","id":"m7"}`)
	if code != http.StatusOK || reply.Result.MonitorID != "m7" {
		t.Fatalf("check command: code=%d reply=%+v", code, reply)
	}
	if code, _ := doRequest(t, router, http.MethodPost, "/api/v1/commands", `{"type":"check_now"}`); code != http.StatusBadRequest {
		t.Fatalf("missing id code=%d", code)
	}
	if code, _ := doRequest(t, router, http.MethodPost, "/api/v1/commands", `{"type":"reboot"}`); code != http.StatusBadRequest {
		t.Fatalf("unknown type code=%d", code)
	}
	large := `{"type":"refresh","id":"` + strings.Repeat("x", 512) + `"}`
	if code, _ := doRequest(t, router, http.MethodPost, "/api/v1/commands", large); code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body code=%d", code)
	}
}
