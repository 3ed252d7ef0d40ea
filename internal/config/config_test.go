package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

const (
	memoryStoreSection = `[store]
driver = "memory"
catalog_file = "catalog.yaml"`
	sqliteStoreSection = `[store]
driver = "sqlite"
dsn = "file:uptime.db"`
)

func TestLoadSnapshotDefaults(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, memoryStoreSection)

	if cfg.Service.Name != "uptime" || cfg.Service.Mode != ServiceModeSingle {
		t.Fatalf("unexpected service defaults: %+v", cfg.Service)
	}
	if cfg.Scheduler.TickMS != 1000 || cfg.Scheduler.Jitter() != 5 || cfg.Scheduler.RefreshSec != 10 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Workers != 2*runtime.GOMAXPROCS(0) {
		t.Fatalf("workers = %d, want 2*GOMAXPROCS", cfg.Scheduler.Workers)
	}
	if len(cfg.Probe.FailureStatus) != 1 || cfg.Probe.FailureStatus[0] != "5xx" {
		t.Fatalf("unexpected failure status default: %v", cfg.Probe.FailureStatus)
	}
	if cfg.Rules.CooldownSec != 300 || cfg.Rules.Limiter != LimiterMemory {
		t.Fatalf("unexpected rules defaults: %+v", cfg.Rules)
	}
	if cfg.Incident.ResolveAfter != 1 {
		t.Fatalf("resolve_after = %d, want 1", cfg.Incident.ResolveAfter)
	}
	if cfg.HTTP.APIPrefix != "/api/v1" || cfg.HTTP.MetricsPath != "/metrics" {
		t.Fatalf("unexpected http defaults: %+v", cfg.HTTP)
	}
	if cfg.Notify.Queue.Enabled || cfg.Notify.Queue.URL != nil {
		t.Fatalf("single mode must disable notify queue: %+v", cfg.Notify.Queue)
	}
	if cfg.Notify.Webhook.Retry.MaxAttempts != 3 || cfg.Notify.Webhook.Retry.Backoff != "exponential" {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Notify.Webhook.Retry)
	}
}

func TestLoadSnapshotNATSModeDerivesQueueURL(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(
		`[service]
mode = "nats"`,
		sqliteStoreSection,
		`[nats]
url = [" nats://a:4222 ", "", "nats://b:4222"]`,
		`[notify.queue]
enabled = true
dlq = true`,
	))
	if len(cfg.NATS.URL) != 2 || cfg.NATS.URL[0] != "nats://a:4222" {
		t.Fatalf("unexpected nats urls: %v", cfg.NATS.URL)
	}
	if len(cfg.Notify.Queue.URL) != 2 || !cfg.Notify.Queue.Enabled || !cfg.Notify.Queue.DLQ {
		t.Fatalf("unexpected queue config: %+v", cfg.Notify.Queue)
	}
	if cfg.NATS.IncidentBucket != "uptime_incidents" || cfg.NATS.CommandSubject != "uptime.commands" {
		t.Fatalf("unexpected nats defaults: %+v", cfg.NATS)
	}
}

func TestLoadSnapshotNotifyQueueNames(t *testing.T) {
	t.Parallel()

	defaults := mustLoadSnapshot(t, joinSections(`[service]
mode = "nats"`, sqliteStoreSection, `[notify.queue]
enabled = true`))
	queue := defaults.Notify.Queue
	if queue.Stream != "UPTIME_NOTIFY" || queue.Subject != "uptime.notify.jobs" || queue.ConsumerName != "uptime-notify-worker" ||
		queue.DeliverGroup != "uptime-notify" || queue.DLQStream != "UPTIME_NOTIFY_DLQ" || queue.DLQSubject != "uptime.notify.dlq" {
		t.Fatalf("unexpected queue name defaults: %+v", queue)
	}

	custom := mustLoadSnapshot(t, joinSections(`[service]
mode = "nats"`, sqliteStoreSection, `[notify.queue]
enabled = true
dlq = true
stream = " EU_NOTIFY "
subject = "eu.notify.jobs"
consumer_name = "eu-worker"
deliver_group = "eu"
dlq_stream = "EU_NOTIFY_DLQ"
dlq_subject = "eu.notify.dlq"`))
	queue = custom.Notify.Queue
	if queue.Stream != "EU_NOTIFY" || queue.Subject != "eu.notify.jobs" || queue.ConsumerName != "eu-worker" ||
		queue.DeliverGroup != "eu" || queue.DLQStream != "EU_NOTIFY_DLQ" || queue.DLQSubject != "eu.notify.dlq" {
		t.Fatalf("queue names not applied: %+v", queue)
	}

	tests := []struct {
		name    string
		section string
		wantErr string
	}{
		{name: "dotted stream", section: `stream = "EU.NOTIFY"`, wantErr: "notify.queue.stream"},
		{name: "wildcard consumer", section: `consumer_name = "eu>*"`, wantErr: "notify.queue.consumer_name"},
		{name: "shared stream", section: `stream = "SHARED"
dlq_stream = "SHARED"`, wantErr: "notify.queue.dlq_stream"},
		{name: "shared subject", section: `subject = "eu.notify"
dlq_subject = "eu.notify"`, wantErr: "notify.queue.dlq_subject"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := loadSnapshotErr(t, joinSections(`[service]
mode = "nats"`, sqliteStoreSection, "[notify.queue]\nenabled = true\n"+tt.section))
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSnapshotValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "memory needs catalog", content: `[store]
driver = "memory"`, wantErr: "store.catalog_file"},
		{name: "sql needs dsn", content: `[store]
driver = "postgres"`, wantErr: "store.dsn"},
		{name: "unknown driver", content: `[store]
driver = "mongo"
dsn = "x"`, wantErr: "store.driver"},
		{name: "bad mode", content: joinSections(`[service]
mode = "cluster"`, memoryStoreSection), wantErr: "service.mode"},
		{name: "redis limiter needs redis", content: joinSections(memoryStoreSection, `[rules]
limiter = "redis"`), wantErr: "rules.limiter=redis"},
		{name: "lease needs redis", content: joinSections(memoryStoreSection, `[scheduler]
lease_enabled = true`), wantErr: "scheduler.lease_enabled"},
		{name: "bad jitter", content: joinSections(memoryStoreSection, `[scheduler]
jitter_percent = 90`), wantErr: "scheduler.jitter_percent"},
		{name: "bad failure status", content: joinSections(memoryStoreSection, `[probe]
failure_status = ["9xx"]`), wantErr: "probe.failure_status[0]"},
		{name: "bad prune schedule", content: `[store]
driver = "memory"
catalog_file = "c.yaml"
prune_schedule = "every tuesday"`, wantErr: "store.prune_schedule"},
		{name: "telegram token", content: joinSections(memoryStoreSection, `[notify.telegram]
enabled = true`), wantErr: "notify.telegram.bot_token"},
		{name: "email host", content: joinSections(memoryStoreSection, `[notify.email]
enabled = true
from = "noreply@example.com"`), wantErr: "notify.email.host"},
		{name: "template name", content: joinSections(memoryStoreSection, `[[notify.slack.name-template]]
name = "weekly"
message = "x"`), wantErr: "notify.slack.name-template[0].name"},
		{name: "template syntax", content: joinSections(memoryStoreSection, `[[notify.webhook.name-template]]
name = "firing"
message = "{{ .Message "`), wantErr: "notify.webhook.name-template[0].message"},
		{name: "dlq needs queue", content: joinSections(`[service]
mode = "nats"`, sqliteStoreSection, `[notify.queue]
dlq = true`), wantErr: "notify.queue.dlq"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := loadSnapshotErr(t, tt.content)
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSnapshotTemplateHelpers(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(memoryStoreSection, `[[notify.telegram.name-template]]
name = "Firing"
message = "[{{ upper .Severity }}] {{ .MonitorName }} {{ fmtMillis .LatencyMS }} {{ fmtDuration .Duration }}"`))
	templates, err := ValidateNotifyTemplates(cfg.Notify)
	if err != nil {
		t.Fatalf("validate templates: %v", err)
	}
	if _, ok := templates[NotifyChannelTelegram][TemplateFiring]; !ok {
		t.Fatalf("expected normalized firing template, got %+v", templates[NotifyChannelTelegram])
	}
}

func TestLoadSnapshotExpandsEnvReferences(t *testing.T) {
	t.Setenv("UPTIME_TEST_DSN", "postgres://u:p@db/uptime")

	cfg := mustLoadSnapshot(t, `[store]
driver = "pgx"
dsn = "${UPTIME_TEST_DSN}"

[[notify.slack.name-template]]
name = "firing"
message = "{{ range $k, $v := .Metadata }}{{ $k }}={{ $v }} {{ end }}"`)
	if cfg.Store.DSN != "postgres://u:p@db/uptime" {
		t.Fatalf("dsn = %q", cfg.Store.DSN)
	}
	if !strings.Contains(cfg.Notify.Slack.NameTemplate[0].Message, "$k") {
		t.Fatalf("template variables must not be expanded: %q", cfg.Notify.Slack.NameTemplate[0].Message)
	}
}

func TestLoadSnapshotRejectsMissingEnv(t *testing.T) {
	t.Parallel()

	err := loadSnapshotErr(t, `[store]
driver = "pgx"
dsn = "${UPTIME_TEST_SURELY_UNSET_VARIABLE}"`)
	if !strings.Contains(err.Error(), "UPTIME_TEST_SURELY_UNSET_VARIABLE") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadSnapshotHonorsExplicitZeroJitter(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(memoryStoreSection, `[scheduler]
jitter_percent = 0`))
	if cfg.Scheduler.JitterPercent == nil || cfg.Scheduler.Jitter() != 0 {
		t.Fatalf("explicit jitter_percent=0 replaced by default: %v", cfg.Scheduler.JitterPercent)
	}

	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, "00-base.toml"), joinSections(memoryStoreSection, `[scheduler]
jitter_percent = 20`))
	writeConfigFile(t, filepath.Join(dir, "10-override.toml"), `[scheduler]
jitter_percent = 0`)
	merged, err := LoadSnapshot(ConfigSource{Dir: dir})
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if merged.Scheduler.Jitter() != 0 {
		t.Fatalf("later fragment jitter_percent=0 lost: %d", merged.Scheduler.Jitter())
	}
}

func TestLoadDirMergesFragments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, "00-base.toml"), joinSections(
		memoryStoreSection,
		`[notify.webhook]
enabled = true
timeout_sec = 3`,
		`[notify.slack]
enabled = true`,
	))
	writeConfigFile(t, filepath.Join(dir, "10-override.toml"), joinSections(
		`[scheduler]
workers = 7`,
		`[notify.slack]
enabled = false`,
	))
	writeConfigFile(t, filepath.Join(dir, "README.md"), "ignored")

	cfg, err := LoadSnapshot(ConfigSource{Dir: dir})
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if cfg.Scheduler.Workers != 7 {
		t.Fatalf("workers = %d, want 7", cfg.Scheduler.Workers)
	}
	if cfg.Store.CatalogFile != "catalog.yaml" {
		t.Fatalf("store section from base fragment lost: %+v", cfg.Store)
	}
	if !cfg.Notify.Webhook.Enabled || cfg.Notify.Webhook.TimeoutSec != 3 {
		t.Fatalf("webhook section lost: %+v", cfg.Notify.Webhook)
	}
	if cfg.Notify.Slack.Enabled {
		t.Fatalf("explicit false in later fragment must disable slack")
	}
}

func TestFromCLI(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatalf("expected error without source")
	}
	if _, err := FromCLI("a.toml", "dir"); err == nil {
		t.Fatalf("expected error with both sources")
	}
	src, err := FromCLI(" a.toml ", "")
	if err != nil || src.File != "a.toml" {
		t.Fatalf("unexpected source: %+v err=%v", src, err)
	}
}

func mustLoadSnapshot(t *testing.T, content string) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, content)
	cfg, err := LoadSnapshot(ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return cfg
}

func loadSnapshotErr(t *testing.T, content string) error {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, content)
	_, err := LoadSnapshot(ConfigSource{File: path})
	if err == nil {
		t.Fatalf("expected load error")
	}
	return err
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func joinSections(sections ...string) string {
	return strings.Join(sections, "\n\n")
}
