package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"uptime/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultMetricsPath        = "/metrics"
	defaultAPIPrefix          = "/api/v1"
	defaultReloadSeconds      = 5
	defaultTickMS             = 1000
	defaultJitterPercent      = 5
	defaultRefreshSec         = 10
	defaultLeaseTTLSec        = 60
	defaultProbeMaxBodyBytes  = 64 << 10
	defaultRuleCooldownSec    = 300
	defaultRetentionDays      = 30
	defaultPruneSchedule      = "@hourly"
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSIncidentBucket = "uptime_incidents"
	defaultNATSCommandSubject = "uptime.commands"
	defaultNATSCommandQueue   = "uptime-workers"
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 2048
	defaultNotifyStream       = "UPTIME_NOTIFY"
	defaultNotifySubject      = "uptime.notify.jobs"
	defaultNotifyConsumer     = "uptime-notify-worker"
	defaultNotifyGroup        = "uptime-notify"
	defaultNotifyDLQStream    = "UPTIME_NOTIFY_DLQ"
	defaultNotifyDLQSubject   = "uptime.notify.dlq"
	defaultRedisKeyPrefix     = "uptime:"
	defaultNotifyTimeoutSec   = 10

	// ServiceModeNATS shares incident state, commands, and notify queue over NATS.
	ServiceModeNATS = "nats"
	// ServiceModeSingle runs one process without NATS dependencies.
	ServiceModeSingle = "single"

	// StoreDriverMemory keeps catalog and state in process memory.
	StoreDriverMemory = "memory"
	// StoreDriverSQLite uses database/sql with mattn/go-sqlite3.
	StoreDriverSQLite = "sqlite"
	// StoreDriverPostgres uses database/sql with lib/pq.
	StoreDriverPostgres = "postgres"
	// StoreDriverPGX uses database/sql with pgx stdlib driver.
	StoreDriverPGX = "pgx"

	// LimiterMemory keeps rule cooldowns in process memory.
	LimiterMemory = "memory"
	// LimiterRedis shares rule cooldowns through Redis.
	LimiterRedis = "redis"

	// NotifyChannelEmail identifies SMTP transport.
	NotifyChannelEmail = "email"
	// NotifyChannelWebhook identifies customer webhook transport.
	NotifyChannelWebhook = "webhook"
	// NotifyChannelSMS identifies SMS gateway transport.
	NotifyChannelSMS = "sms"
	// NotifyChannelSlack identifies Slack incoming webhook transport.
	NotifyChannelSlack = "slack"
	// NotifyChannelTelegram identifies Telegram bot transport.
	NotifyChannelTelegram = "telegram"

	// TemplateFiring names template used for firing notifications.
	TemplateFiring = "firing"
	// TemplateResolved names template used for recovery notifications.
	TemplateResolved = "resolved"
	// TemplateTest names template used for test notifications.
	TemplateTest = "test"
)

var (
	notifyChannelOrder = []string{
		NotifyChannelEmail,
		NotifyChannelWebhook,
		NotifyChannelSMS,
		NotifyChannelSlack,
		NotifyChannelTelegram,
	}
	templateNames = map[string]struct{}{
		TemplateFiring:   {},
		TemplateResolved: {},
		TemplateTest:     {},
	}
	envReferencePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	HTTP      HTTPConfig      `toml:"http"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Probe     ProbeConfig     `toml:"probe"`
	Incident  IncidentConfig  `toml:"incident"`
	Rules     RulesConfig     `toml:"rules"`
	Store     StoreConfig     `toml:"store"`
	NATS      NATSConfig      `toml:"nats"`
	Redis     RedisConfig     `toml:"redis"`
	Notify    NotifyConfig    `toml:"notify"`
}

// ServiceConfig contains process-level settings.
// Params: name, mode, and reload settings.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name              string `toml:"name"`
	Mode              string `toml:"mode"`
	ReloadEnabled     bool   `toml:"reload_enabled"`
	ReloadIntervalSec int    `toml:"reload_interval_sec"`
}

// HTTPConfig configures the control/health HTTP server.
// Params: listen address, probe endpoints, metrics path, and API prefix.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	APIPrefix    string `toml:"api_prefix"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// SchedulerConfig controls tick, worker pool, and reschedule jitter.
// JitterPercent is a pointer so an explicit 0 survives defaults and directory merges.
type SchedulerConfig struct {
	TickMS        int  `toml:"tick_ms"`
	Workers       int  `toml:"workers"`
	JitterPercent *int `toml:"jitter_percent"`
	RefreshSec    int  `toml:"refresh_sec"`
	LeaseEnabled  bool `toml:"lease_enabled"`
	LeaseTTLSec   int  `toml:"lease_ttl_sec"`
}

// Jitter returns reschedule jitter percent; unset means none.
func (c SchedulerConfig) Jitter() int {
	if c.JitterPercent == nil {
		return 0
	}
	return *c.JitterPercent
}

// ProbeConfig controls HTTP probe client and default failure policy.
type ProbeConfig struct {
	UserAgent       string   `toml:"user_agent"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
	FollowRedirects bool     `toml:"follow_redirects"`
	MaxRedirects    int      `toml:"max_redirects"`
	TLSSkipVerify   bool     `toml:"tls_skip_verify"`
	FailureStatus   []string `toml:"failure_status"`
}

// IncidentConfig controls incident resolve policy.
type IncidentConfig struct {
	ResolveAfter int `toml:"resolve_after"`
}

// RulesConfig controls rule cooldown defaults and limiter backend.
type RulesConfig struct {
	CooldownSec int    `toml:"cooldown_sec"`
	Limiter     string `toml:"limiter"`
}

// StoreConfig selects persistence backend and catalog source.
// Params: driver, DSN, catalog file, and retention settings.
// Returns: store wiring options.
type StoreConfig struct {
	Driver        string `toml:"driver"`
	DSN           string `toml:"dsn"`
	CatalogFile   string `toml:"catalog_file"`
	WatchCatalog  bool   `toml:"watch_catalog"`
	RetentionDays int    `toml:"retention_days"`
	PruneSchedule string `toml:"prune_schedule"`
}

// NATSConfig contains shared NATS connection and fixed subject settings.
// Params: URL list plus bucket and command routing names.
// Returns: NATS options for incident store, command subscriber, and notify queue.
type NATSConfig struct {
	URL                []string `toml:"url"`
	IncidentBucket     string   `toml:"incident_bucket"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
	CommandSubject     string   `toml:"command_subject"`
	CommandQueue       string   `toml:"command_queue"`
}

// RedisConfig configures optional Redis coordinator.
type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// NotifyConfig defines outbound notification behavior.
// Params: async queue and per-transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	Queue    NotifyQueue      `toml:"queue"`
	Email    EmailNotifier    `toml:"email"`
	Webhook  WebhookNotifier  `toml:"webhook"`
	SMS      SMSNotifier      `toml:"sms"`
	Slack    SlackNotifier    `toml:"slack"`
	Telegram TelegramNotifier `toml:"telegram"`
}

// NotifyQueue defines asynchronous delivery queue settings.
// Params: enable flag, JetStream names, worker/ack policy, and DLQ toggle.
// Returns: async notify pipeline controls.
type NotifyQueue struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Stream        string   `toml:"stream"`
	Subject       string   `toml:"subject"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	DLQStream     string   `toml:"dlq_stream"`
	DLQSubject    string   `toml:"dlq_subject"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// NamedTemplateConfig describes one message template within one transport section.
// Params: template name (firing, resolved, test) and Go text/template body.
// Returns: template entry overriding built-in default.
type NamedTemplateConfig struct {
	Name    string `toml:"name"`
	Message string `toml:"message"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// EmailNotifier defines SMTP relay settings.
type EmailNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	Host         string                `toml:"host"`
	Port         int                   `toml:"port"`
	Username     string                `toml:"username"`
	Password     string                `toml:"password"`
	From         string                `toml:"from"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// WebhookNotifier defines customer webhook transport settings.
type WebhookNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	TimeoutSec   int                   `toml:"timeout_sec"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// SMSNotifier defines HTTP SMS gateway settings.
type SMSNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	URL          string                `toml:"url"`
	Token        string                `toml:"token"`
	From         string                `toml:"from"`
	TimeoutSec   int                   `toml:"timeout_sec"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// SlackNotifier defines Slack incoming webhook transport settings.
type SlackNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	TimeoutSec   int                   `toml:"timeout_sec"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// TelegramNotifier defines Telegram bot settings; chat comes from channel config.
type TelegramNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	BotToken     string                `toml:"bot_token"`
	APIBase      string                `toml:"api_base"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes and validates one in-memory TOML document.
// Params: TOML body.
// Returns: validated config or decode/validation error.
func Parse(body []byte) (Config, error) {
	cfg, _, err := decode("inline", body)
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${NAME} references with environment values.
// Bare $NAME is left intact so template variables survive.
// Params: raw config body.
// Returns: expanded body or error naming the first unset variable.
func ExpandEnv(body []byte) ([]byte, error) {
	var missing string
	out := envReferencePattern.ReplaceAllFunc(body, func(match []byte) []byte {
		name := string(envReferencePattern.FindSubmatch(match)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return []byte(value)
	})
	if missing != "" {
		return nil, fmt.Errorf("environment variable %s is not set", missing)
	}
	return out, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
// Params: sparse fields decoded from one TOML fragment.
// Returns: merge behavior hints for zero-value bool overrides.
type configMergeHints struct {
	Notify notifyMergeHints `toml:"notify"`
}

// notifyMergeHints tracks explicit bool fields in notify section.
type notifyMergeHints struct {
	Queue    queueMergeHints   `toml:"queue"`
	Email    channelMergeHints `toml:"email"`
	Webhook  channelMergeHints `toml:"webhook"`
	SMS      channelMergeHints `toml:"sms"`
	Slack    channelMergeHints `toml:"slack"`
	Telegram channelMergeHints `toml:"telegram"`
}

type queueMergeHints struct {
	Enabled *bool `toml:"enabled"`
	DLQ     *bool `toml:"dlq"`
}

type channelMergeHints struct {
	Enabled *bool `toml:"enabled"`
}

// decode expands env references and decodes one TOML body.
// Params: source label for errors and raw body.
// Returns: decoded config and merge hints.
func decode(label string, body []byte) (Config, configMergeHints, error) {
	expanded, err := ExpandEnv(body)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", label, err)
	}
	var cfg Config
	if err := toml.Unmarshal(expanded, &cfg); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", label, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(expanded, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", label, err)
	}
	return cfg, hints, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, _, err := decode(path, body)
	return cfg, err
}

// loadDir reads and merges TOML files from one directory in lexical order.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		body, err := os.ReadFile(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", file, err)
		}
		fragment, hints, err := decode(file, body)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination; non-empty sections replace, notify merges per transport.
// Params: destination config, next fragment, and bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	overlay(&dst.Service, src.Service)
	overlay(&dst.Log, src.Log)
	overlay(&dst.HTTP, src.HTTP)
	overlay(&dst.Scheduler, src.Scheduler)
	overlay(&dst.Probe, src.Probe)
	overlay(&dst.Incident, src.Incident)
	overlay(&dst.Rules, src.Rules)
	overlay(&dst.Store, src.Store)
	overlay(&dst.NATS, src.NATS)
	overlay(&dst.Redis, src.Redis)
	mergeNotifyConfig(&dst.Notify, src.Notify, hints.Notify)
}

// overlay replaces dst section with src when src carries any value.
func overlay[T any](dst *T, src T) {
	if !reflect.ValueOf(src).IsZero() {
		*dst = src
	}
}

// mergeNotifyConfig overlays notify fragment per transport preserving sibling sections.
// Params: destination notify config, fragment, and explicit-bool hints.
// Returns: merged notify configuration side-effect in dst.
func mergeNotifyConfig(dst *NotifyConfig, src NotifyConfig, hints notifyMergeHints) {
	overlay(&dst.Queue, src.Queue)
	applyBoolMerge(&dst.Queue.Enabled, src.Queue.Enabled, hints.Queue.Enabled)
	applyBoolMerge(&dst.Queue.DLQ, src.Queue.DLQ, hints.Queue.DLQ)

	overlay(&dst.Email, src.Email)
	applyBoolMerge(&dst.Email.Enabled, src.Email.Enabled, hints.Email.Enabled)
	overlay(&dst.Webhook, src.Webhook)
	applyBoolMerge(&dst.Webhook.Enabled, src.Webhook.Enabled, hints.Webhook.Enabled)
	overlay(&dst.SMS, src.SMS)
	applyBoolMerge(&dst.SMS.Enabled, src.SMS.Enabled, hints.SMS.Enabled)
	overlay(&dst.Slack, src.Slack)
	applyBoolMerge(&dst.Slack.Enabled, src.Slack.Enabled, hints.Slack.Enabled)
	overlay(&dst.Telegram, src.Telegram)
	applyBoolMerge(&dst.Telegram.Enabled, src.Telegram.Enabled, hints.Telegram.Enabled)
}

// applyBoolMerge merges bool with explicit-value awareness for directory overlays.
// Params: destination bool pointer, source decoded bool, and explicit source marker.
// Returns: merged bool side-effect in dst.
func applyBoolMerge(dst *bool, value bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
		return
	}
	if value {
		*dst = true
	}
}

// NormalizeServiceMode lowercases mode and falls back to single.
func NormalizeServiceMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return ServiceModeSingle
	}
	return mode
}

// applyDefaults fills omitted config fields with safe defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "uptime"
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.HTTP.APIPrefix) == "" {
		cfg.HTTP.APIPrefix = defaultAPIPrefix
	}
	cfg.HTTP.APIPrefix = "/" + strings.Trim(cfg.HTTP.APIPrefix, "/")
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = 1 << 20
	}

	if cfg.Scheduler.TickMS <= 0 {
		cfg.Scheduler.TickMS = defaultTickMS
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 2 * runtime.GOMAXPROCS(0)
	}
	if cfg.Scheduler.JitterPercent == nil {
		jitter := defaultJitterPercent
		cfg.Scheduler.JitterPercent = &jitter
	}
	if cfg.Scheduler.RefreshSec <= 0 {
		cfg.Scheduler.RefreshSec = defaultRefreshSec
	}
	if cfg.Scheduler.LeaseTTLSec <= 0 {
		cfg.Scheduler.LeaseTTLSec = defaultLeaseTTLSec
	}

	if cfg.Probe.MaxBodyBytes == 0 {
		cfg.Probe.MaxBodyBytes = defaultProbeMaxBodyBytes
	}
	if cfg.Probe.MaxRedirects <= 0 {
		cfg.Probe.MaxRedirects = 10
	}
	if len(cfg.Probe.FailureStatus) == 0 {
		cfg.Probe.FailureStatus = []string{"5xx"}
	}

	if cfg.Incident.ResolveAfter <= 0 {
		cfg.Incident.ResolveAfter = 1
	}

	if cfg.Rules.CooldownSec == 0 {
		cfg.Rules.CooldownSec = defaultRuleCooldownSec
	}
	cfg.Rules.Limiter = strings.ToLower(strings.TrimSpace(cfg.Rules.Limiter))
	if cfg.Rules.Limiter == "" {
		cfg.Rules.Limiter = LimiterMemory
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreDriverMemory
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = defaultRetentionDays
	}
	if strings.TrimSpace(cfg.Store.PruneSchedule) == "" {
		cfg.Store.PruneSchedule = defaultPruneSchedule
	}

	if strings.TrimSpace(cfg.Redis.KeyPrefix) == "" {
		cfg.Redis.KeyPrefix = defaultRedisKeyPrefix
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Notify.Queue.Enabled = false
		cfg.Notify.Queue.DLQ = false
		cfg.Notify.Queue.URL = nil
	} else {
		cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
		if len(cfg.NATS.URL) == 0 {
			cfg.NATS.URL = []string{defaultNATSURL}
		}
		if strings.TrimSpace(cfg.NATS.IncidentBucket) == "" {
			cfg.NATS.IncidentBucket = defaultNATSIncidentBucket
		}
		if strings.TrimSpace(cfg.NATS.CommandSubject) == "" {
			cfg.NATS.CommandSubject = defaultNATSCommandSubject
		}
		if strings.TrimSpace(cfg.NATS.CommandQueue) == "" {
			cfg.NATS.CommandQueue = defaultNATSCommandQueue
		}
		cfg.Notify.Queue.URL = append([]string(nil), cfg.NATS.URL...)
		fillNotifyQueueNames(&cfg.Notify.Queue)
		if cfg.Notify.Queue.AckWaitSec <= 0 {
			cfg.Notify.Queue.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Notify.Queue.NackDelayMS < 0 {
			cfg.Notify.Queue.NackDelayMS = 0
		}
		if cfg.Notify.Queue.NackDelayMS == 0 {
			cfg.Notify.Queue.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Notify.Queue.MaxDeliver == 0 {
			cfg.Notify.Queue.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Notify.Queue.MaxAckPending <= 0 {
			cfg.Notify.Queue.MaxAckPending = defaultNATSMaxAckPending
		}
	}

	if cfg.Notify.Email.Port == 0 {
		cfg.Notify.Email.Port = 587
	}
	fillNotifyRetryDefaults(&cfg.Notify.Email.Retry)
	if cfg.Notify.Webhook.TimeoutSec <= 0 {
		cfg.Notify.Webhook.TimeoutSec = defaultNotifyTimeoutSec
	}
	fillNotifyRetryDefaults(&cfg.Notify.Webhook.Retry)
	if cfg.Notify.SMS.TimeoutSec <= 0 {
		cfg.Notify.SMS.TimeoutSec = defaultNotifyTimeoutSec
	}
	fillNotifyRetryDefaults(&cfg.Notify.SMS.Retry)
	if cfg.Notify.Slack.TimeoutSec <= 0 {
		cfg.Notify.Slack.TimeoutSec = defaultNotifyTimeoutSec
	}
	fillNotifyRetryDefaults(&cfg.Notify.Slack.Retry)
	if cfg.Notify.Telegram.APIBase == "" {
		cfg.Notify.Telegram.APIBase = "https://api.telegram.org"
	}
	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
}

// fillNotifyRetryDefaults normalizes retry policy fields for one transport.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 10000
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first failing validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if mode != ServiceModeSingle && mode != ServiceModeNATS {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if cfg.Service.ReloadIntervalSec <= 0 {
		return errors.New("service.reload_interval_sec must be >0")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return errors.New("http.listen is required")
	}
	for field, path := range map[string]string{
		"http.health_path":  cfg.HTTP.HealthPath,
		"http.ready_path":   cfg.HTTP.ReadyPath,
		"http.metrics_path": cfg.HTTP.MetricsPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", field)
		}
	}

	if cfg.Scheduler.TickMS < 10 {
		return errors.New("scheduler.tick_ms must be >=10")
	}
	if cfg.Scheduler.Workers <= 0 {
		return errors.New("scheduler.workers must be >0")
	}
	if jitter := cfg.Scheduler.Jitter(); jitter < 0 || jitter > 50 {
		return errors.New("scheduler.jitter_percent must be within [0,50]")
	}
	if cfg.Scheduler.LeaseEnabled && !cfg.Redis.Enabled {
		return errors.New("scheduler.lease_enabled requires redis.enabled=true")
	}

	if cfg.Probe.MaxBodyBytes < 0 {
		return errors.New("probe.max_body_bytes must be >=0")
	}
	if err := validateStatusTokens("probe.failure_status", cfg.Probe.FailureStatus); err != nil {
		return err
	}
	if cfg.Incident.ResolveAfter < 1 {
		return errors.New("incident.resolve_after must be >=1")
	}
	if cfg.Rules.CooldownSec < 0 {
		return errors.New("rules.cooldown_sec must be >=0")
	}
	switch cfg.Rules.Limiter {
	case LimiterMemory:
	case LimiterRedis:
		if !cfg.Redis.Enabled {
			return errors.New("rules.limiter=redis requires redis.enabled=true")
		}
	default:
		return fmt.Errorf("rules.limiter has unsupported value %q", cfg.Rules.Limiter)
	}

	switch cfg.Store.Driver {
	case StoreDriverMemory:
		if strings.TrimSpace(cfg.Store.CatalogFile) == "" {
			return errors.New("store.catalog_file is required when store.driver=memory")
		}
	case StoreDriverSQLite, StoreDriverPostgres, StoreDriverPGX:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required when store.driver=%s", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver has unsupported value %q", cfg.Store.Driver)
	}
	if cfg.Store.WatchCatalog && strings.TrimSpace(cfg.Store.CatalogFile) == "" {
		return errors.New("store.watch_catalog requires store.catalog_file")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >=0")
	}
	if _, err := cron.ParseStandard(cfg.Store.PruneSchedule); err != nil {
		return fmt.Errorf("store.prune_schedule is invalid: %w", err)
	}

	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr is required when redis.enabled=true")
	}

	if mode == ServiceModeNATS {
		if len(cfg.NATS.URL) == 0 {
			return errors.New("nats.url is required")
		}
		for i, url := range cfg.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("nats.url[%d] is empty", i)
			}
		}
	}
	if cfg.Notify.Queue.Enabled {
		if cfg.Notify.Queue.AckWaitSec <= 0 {
			return errors.New("notify.queue.ack_wait_sec must be >0 when notify.queue.enabled=true")
		}
		if cfg.Notify.Queue.NackDelayMS < 0 {
			return errors.New("notify.queue.nack_delay_ms must be >=0")
		}
		if cfg.Notify.Queue.MaxDeliver == 0 || cfg.Notify.Queue.MaxDeliver < -1 {
			return errors.New("notify.queue.max_deliver must be -1 or >0")
		}
		if cfg.Notify.Queue.MaxAckPending <= 0 {
			return errors.New("notify.queue.max_ack_pending must be >0 when notify.queue.enabled=true")
		}
		if err := validateNotifyQueueNames(cfg.Notify.Queue); err != nil {
			return err
		}
	}
	if cfg.Notify.Queue.DLQ && !cfg.Notify.Queue.Enabled {
		return errors.New("notify.queue.dlq requires notify.queue.enabled=true")
	}

	if cfg.Notify.Email.Enabled {
		if strings.TrimSpace(cfg.Notify.Email.Host) == "" {
			return errors.New("notify.email.host is required when notify.email.enabled=true")
		}
		if strings.TrimSpace(cfg.Notify.Email.From) == "" {
			return errors.New("notify.email.from is required when notify.email.enabled=true")
		}
		if cfg.Notify.Email.Port <= 0 || cfg.Notify.Email.Port > 65535 {
			return errors.New("notify.email.port must be within [1,65535]")
		}
	}
	if cfg.Notify.SMS.Enabled && strings.TrimSpace(cfg.Notify.SMS.URL) == "" {
		return errors.New("notify.sms.url is required when notify.sms.enabled=true")
	}
	if cfg.Notify.Telegram.Enabled && strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
		return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
	}
	for _, channel := range notifyChannelOrder {
		if err := validateNotifyRetry("notify."+channel+".retry", RetryFor(cfg.Notify, channel)); err != nil {
			return err
		}
	}
	if _, err := ValidateNotifyTemplates(cfg.Notify); err != nil {
		return err
	}
	return nil
}

// validateLogSink validates one sink configuration.
// Params: sink path prefix, sink config, and whether path is required.
// Returns: validation error for unsupported level/format or missing path.
func validateLogSink(prefix string, sink LogSinkConfig, needsPath bool) error {
	if !sink.Enabled {
		return nil
	}
	switch strings.ToLower(sink.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", prefix, sink.Level)
	}
	switch strings.ToLower(sink.Format) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", prefix, sink.Format)
	}
	if needsPath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when %s.enabled=true", prefix, prefix)
	}
	return nil
}

// validateNotifyRetry validates retry policy shape.
func validateNotifyRetry(prefix string, retry NotifyRetry) error {
	switch retry.Backoff {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("%s.backoff has unsupported value %q", prefix, retry.Backoff)
	}
	if retry.MaxMS < retry.InitialMS {
		return fmt.Errorf("%s.max_ms must be >= initial_ms", prefix)
	}
	return nil
}

// validateStatusTokens checks status policy tokens like 503, 400-499, and 5xx.
func validateStatusTokens(field string, tokens []string) error {
	for i, raw := range tokens {
		token := strings.ToLower(strings.TrimSpace(raw))
		if token == "" {
			return fmt.Errorf("%s[%d] is empty", field, i)
		}
		if len(token) == 3 && strings.HasSuffix(token, "xx") {
			if token[0] < '1' || token[0] > '5' {
				return fmt.Errorf("%s[%d] has invalid status class %q", field, i, raw)
			}
			continue
		}
		for _, r := range token {
			if (r < '0' || r > '9') && r != '-' {
				return fmt.Errorf("%s[%d] has invalid status token %q", field, i, raw)
			}
		}
	}
	return nil
}

// RetryFor returns retry policy of one transport.
// Params: notify config and transport name.
// Returns: retry policy or zero value for unknown transport.
func RetryFor(cfg NotifyConfig, channel string) NotifyRetry {
	switch channel {
	case NotifyChannelEmail:
		return cfg.Email.Retry
	case NotifyChannelWebhook:
		return cfg.Webhook.Retry
	case NotifyChannelSMS:
		return cfg.SMS.Retry
	case NotifyChannelSlack:
		return cfg.Slack.Retry
	case NotifyChannelTelegram:
		return cfg.Telegram.Retry
	default:
		return NotifyRetry{}
	}
}

// TemplatesFor returns configured templates of one transport.
func TemplatesFor(cfg NotifyConfig, channel string) []NamedTemplateConfig {
	switch channel {
	case NotifyChannelEmail:
		return cfg.Email.NameTemplate
	case NotifyChannelWebhook:
		return cfg.Webhook.NameTemplate
	case NotifyChannelSMS:
		return cfg.SMS.NameTemplate
	case NotifyChannelSlack:
		return cfg.Slack.NameTemplate
	case NotifyChannelTelegram:
		return cfg.Telegram.NameTemplate
	default:
		return nil
	}
}

// ValidateNotifyTemplates parses transport templates and returns lookup by transport and name.
// Params: notify section from config snapshot.
// Returns: normalized template map by transport and template name.
func ValidateNotifyTemplates(notifyCfg NotifyConfig) (map[string]map[string]NamedTemplateConfig, error) {
	index := make(map[string]map[string]NamedTemplateConfig, len(notifyChannelOrder))
	for _, channel := range notifyChannelOrder {
		index[channel] = make(map[string]NamedTemplateConfig)
		for i, item := range TemplatesFor(notifyCfg, channel) {
			prefix := fmt.Sprintf("notify.%s.name-template[%d]", channel, i)
			name := strings.ToLower(strings.TrimSpace(item.Name))
			if _, ok := templateNames[name]; !ok {
				return nil, fmt.Errorf("%s.name must be one of firing, resolved, test", prefix)
			}
			if _, exists := index[channel][name]; exists {
				return nil, fmt.Errorf("%s.name duplicates %q", prefix, name)
			}
			if strings.TrimSpace(item.Message) == "" {
				return nil, fmt.Errorf("%s.message is required", prefix)
			}
			if _, err := templatefmt.ParseNotificationTemplate(name, item.Message); err != nil {
				return nil, fmt.Errorf("%s.message: %w", prefix, err)
			}
			index[channel][name] = NamedTemplateConfig{Name: name, Message: item.Message}
		}
	}
	return index, nil
}

// fillNotifyQueueNames trims queue names and fills the missing ones.
func fillNotifyQueueNames(queue *NotifyQueue) {
	fill := func(value *string, fallback string) {
		*value = strings.TrimSpace(*value)
		if *value == "" {
			*value = fallback
		}
	}
	fill(&queue.Stream, defaultNotifyStream)
	fill(&queue.Subject, defaultNotifySubject)
	fill(&queue.ConsumerName, defaultNotifyConsumer)
	fill(&queue.DeliverGroup, defaultNotifyGroup)
	fill(&queue.DLQStream, defaultNotifyDLQStream)
	fill(&queue.DLQSubject, defaultNotifyDLQSubject)
}

// validateNotifyQueueNames checks JetStream naming rules for the notify queue.
// Params: queue config after defaults.
// Returns: first naming violation.
func validateNotifyQueueNames(queue NotifyQueue) error {
	names := []struct {
		key, value string
	}{
		{"notify.queue.stream", queue.Stream},
		{"notify.queue.consumer_name", queue.ConsumerName},
		{"notify.queue.deliver_group", queue.DeliverGroup},
		{"notify.queue.dlq_stream", queue.DLQStream},
	}
	for _, name := range names {
		if name.value == "" {
			return fmt.Errorf("%s is required when notify.queue.enabled=true", name.key)
		}
		// Stream and consumer names become subject tokens inside JetStream.
		if strings.ContainsAny(name.value, ".*> \t") {
			return fmt.Errorf("%s %q must not contain '.', '*', '>' or whitespace", name.key, name.value)
		}
	}
	for _, subject := range []struct {
		key, value string
	}{
		{"notify.queue.subject", queue.Subject},
		{"notify.queue.dlq_subject", queue.DLQSubject},
	} {
		if subject.value == "" || strings.ContainsAny(subject.value, " \t") {
			return fmt.Errorf("%s %q must be a non-empty subject without whitespace", subject.key, subject.value)
		}
	}
	if queue.Stream == queue.DLQStream {
		return errors.New("notify.queue.dlq_stream must differ from notify.queue.stream")
	}
	if queue.Subject == queue.DLQSubject {
		return errors.New("notify.queue.dlq_subject must differ from notify.queue.subject")
	}
	return nil
}

// normalizeNATSURLs trims spaces and drops empty URLs.
// Params: raw URL list from config.
// Returns: normalized URL list.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		out = append(out, url)
	}
	return out
}
