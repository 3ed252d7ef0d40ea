package testutil

import (
	"bytes"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"uptime/internal/config"

	"github.com/nats-io/nats.go"
)

// FreePort reserves a local TCP port and returns it to the caller.
// Params: none.
// Returns: free port number or error.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// StartLocalNATSServer starts a JetStream-enabled nats-server named after the test.
// The test is skipped when nats-server is not installed.
// Params: test handle for lifecycle and failure reporting.
// Returns: server URL and stop callback.
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}

	var output lockedBuffer
	cmd := exec.Command("nats-server",
		"-js",
		"-a", "127.0.0.1",
		"-p", strconv.Itoa(port),
		"-sd", tb.TempDir(),
		"-n", serverName(tb.Name()),
	)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		tb.Skipf("nats-server is required for integration test: %v", err)
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			done := make(chan struct{})
			go func() {
				_, _ = cmd.Process.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = cmd.Process.Kill()
				<-done
			}
		})
	}

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	if err := waitNATS(url, 8*time.Second); err != nil {
		stop()
		tb.Fatalf("%v\nnats-server output:\n%s", err, output.String())
	}
	return url, stop
}

// NotifyQueueConfig returns an enabled notify queue bound to the test server.
// Stream and subject names carry the prefix so queues of parallel suites never collide.
// Params: server URL and name prefix.
// Returns: queue config with DLQ disabled.
func NotifyQueueConfig(url, prefix string) config.NotifyQueue {
	upper := strings.ToUpper(prefix)
	return config.NotifyQueue{
		Enabled:       true,
		URL:           []string{url},
		Stream:        upper + "_NOTIFY",
		Subject:       prefix + ".notify.jobs",
		ConsumerName:  prefix + "-notify-worker",
		DeliverGroup:  prefix + "-notify",
		DLQStream:     upper + "_NOTIFY_DLQ",
		DLQSubject:    prefix + ".notify.dlq",
		AckWaitSec:    2,
		NackDelayMS:   10,
		MaxDeliver:    3,
		MaxAckPending: 128,
	}
}

// waitNATS polls until a NATS endpoint accepts connections.
func waitNATS(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		nc, err := nats.Connect(url, nats.Name("uptime-testutil"))
		if err == nil {
			nc.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("nats did not become ready at %s", url)
}

// serverName turns a test name into a nats-server name.
func serverName(testName string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, testName)
	return "uptime-" + name
}

// lockedBuffer collects server output written from the exec copy goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
