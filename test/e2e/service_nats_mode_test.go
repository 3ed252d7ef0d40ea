package e2e

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"uptime/internal/domain"
	"uptime/test/testutil"

	"github.com/nats-io/nats.go"
)

func TestServiceNATSModeQueuesNotificationsAndServesCommands(t *testing.T) {
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	env := newE2EEnv(t, fmt.Sprintf(`
[nats]
url = [%q]
incident_bucket = "uptime_incidents_e2e"
allow_create_buckets = true
command_subject = "uptime.e2e.commands"

[notify.queue]
enabled = true
ack_wait_sec = 5
dlq = true
`, natsURL))
	// Mode lives in [service]; appended sections cannot reopen it.
	writeFile(t, env.configPath, replaceOnce(readFile(t, env.configPath), `name = "uptime-e2e"`, "name = \"uptime-e2e\"\nmode = \"nats\""))

	service := newServiceFromConfig(t, env.configPath)
	cancel, done := runService(t, service)
	defer cancel()
	waitReady(t, env.baseURL())

	waitFor(t, 10*time.Second, func() bool { return env.hooks.has(domain.NotificationFiring) })

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	var reply struct {
		OK     bool               `json:"ok"`
		Error  string             `json:"error"`
		Result domain.CheckResult `json:"result"`
	}
	waitFor(t, 5*time.Second, func() bool {
		message, err := nc.Request("uptime.e2e.commands", []byte(`{"type":"check_now","id":"web"}`), 10*time.Second)
		if err != nil {
			t.Fatalf("command request: %v", err)
		}
		reply.OK, reply.Error = false, ""
		if err := json.Unmarshal(message.Data, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		// Scheduled unit may still hold the in-flight slot.
		return reply.OK || !strings.Contains(reply.Error, "in flight")
	})
	if !reply.OK || reply.Result.Status != domain.CheckStatusUp {
		t.Fatalf("check_now reply=%+v", reply)
	}

	cancel()
	waitServiceStop(t, done)
}
