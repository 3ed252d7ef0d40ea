package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"uptime/internal/app"
	"uptime/internal/clock"
	"uptime/internal/config"
	"uptime/internal/domain"
	"uptime/test/testutil"
)

// hookRecorder captures webhook notifications posted by the service.
type hookRecorder struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (r *hookRecorder) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	body, _ := io.ReadAll(request.Body)
	var notification domain.Notification
	if err := json.Unmarshal(body, &notification); err == nil {
		r.mu.Lock()
		r.items = append(r.items, notification)
		r.mu.Unlock()
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (r *hookRecorder) kinds() []domain.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.NotificationKind, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item.Kind)
	}
	return out
}

func (r *hookRecorder) has(kind domain.NotificationKind) bool {
	for _, got := range r.kinds() {
		if got == kind {
			return true
		}
	}
	return false
}

// e2eEnv holds fake target and webhook servers plus config path.
type e2eEnv struct {
	port       int
	target     *httptest.Server
	hooks      *hookRecorder
	hookServer *httptest.Server
	configPath string
}

// newE2EEnv starts target (/up, /down) and webhook servers and writes catalog plus config.
// Params: test handle and extra TOML appended after the base config.
// Returns: environment with cleanup registered on t.
func newE2EEnv(t *testing.T, extraTOML string) *e2eEnv {
	t.Helper()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	target := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path == "/down" {
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writer.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)
	hooks := &hookRecorder{}
	hookServer := httptest.NewServer(hooks)
	t.Cleanup(hookServer.Close)

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	writeFile(t, catalogPath, catalogYAML(target.URL, hookServer.URL))
	configPath := filepath.Join(dir, "config.toml")
	writeFile(t, configPath, baseConfigTOML(port, catalogPath)+extraTOML)

	return &e2eEnv{port: port, target: target, hooks: hooks, hookServer: hookServer, configPath: configPath}
}

func (e *e2eEnv) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", e.port)
}

func catalogYAML(targetURL, hookURL string) string {
	return fmt.Sprintf(`
monitors:
  - id: web
    owner_id: owner-1
    name: Web
    url: %[1]s/up
    interval_sec: 10
  - id: api
    owner_id: owner-1
    name: API
    url: %[1]s/down
    interval_sec: 10
    max_consecutive_failures: 1
rules:
  - id: api-down
    owner_id: owner-1
    monitor_id: api
    name: API down
    type: downtime
    severity: high
    channels: [ops-hook]
channels:
  - id: ops-hook
    owner_id: owner-1
    name: Ops hook
    type: webhook
    config:
      url: %[2]s/notify
`, targetURL, hookURL)
}

func baseConfigTOML(port int, catalogPath string) string {
	return fmt.Sprintf(`
[service]
name = "uptime-e2e"

[log.console]
enabled = true
level = "error"
format = "line"

[http]
enabled = true
listen = "127.0.0.1:%d"

[scheduler]
tick_ms = 50
workers = 4
jitter_percent = 0

[store]
driver = "memory"
catalog_file = %q

[notify.webhook]
enabled = true
timeout_sec = 2
`, port, catalogPath)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// newServiceFromConfig creates Service from file config path.
func newServiceFromConfig(t *testing.T, path string) *app.Service {
	t.Helper()

	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
func waitReady(t *testing.T, baseURL string) {
	t.Helper()
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
}

// waitServiceStop asserts service Run exits without error after cancellation.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func postJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	response, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer response.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(response.Body).Decode(&body)
	return response.StatusCode, body
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(raw)
}

func replaceOnce(body, old, replacement string) string {
	return strings.Replace(body, old, replacement, 1)
}
