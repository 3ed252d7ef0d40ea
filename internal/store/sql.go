package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"uptime/internal/config"
	"uptime/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS monitors (
	id                       TEXT PRIMARY KEY,
	owner_id                 TEXT NOT NULL,
	name                     TEXT NOT NULL DEFAULT '',
	url                      TEXT NOT NULL,
	method                   TEXT NOT NULL DEFAULT 'GET',
	headers                  TEXT NOT NULL DEFAULT '{}',
	body                     TEXT NOT NULL DEFAULT '',
	timeout_sec              INTEGER NOT NULL,
	interval_sec             INTEGER NOT NULL,
	max_latency_ms           BIGINT NOT NULL DEFAULT 0,
	max_consecutive_failures INTEGER NOT NULL DEFAULT 3,
	failure_status           TEXT NOT NULL DEFAULT '[]',
	paused                   BOOLEAN NOT NULL DEFAULT FALSE,
	last_checked_at          BIGINT,
	consecutive_failures     INTEGER NOT NULL DEFAULT 0,
	cert_expires_at          BIGINT
);
CREATE TABLE IF NOT EXISTS check_results (
	id               TEXT PRIMARY KEY,
	monitor_id       TEXT NOT NULL,
	status_code      INTEGER NOT NULL,
	latency_ms       BIGINT NOT NULL,
	is_up            BOOLEAN NOT NULL,
	status           TEXT NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	error_kind       TEXT NOT NULL DEFAULT '',
	response_headers TEXT NOT NULL DEFAULT '{}',
	cert_expires_at  BIGINT,
	checked_at       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_check_results_monitor ON check_results(monitor_id, checked_at);
CREATE INDEX IF NOT EXISTS idx_check_results_checked ON check_results(checked_at);
CREATE TABLE IF NOT EXISTS incidents (
	id               TEXT PRIMARY KEY,
	monitor_id       TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	state            TEXT NOT NULL,
	severity         TEXT NOT NULL,
	opened_at        BIGINT NOT NULL,
	updated_at       BIGINT NOT NULL,
	resolved_at      BIGINT,
	failures_at_open INTEGER NOT NULL,
	message          TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	down_checks      INTEGER NOT NULL DEFAULT 0,
	healthy_streak   INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open ON incidents(monitor_id) WHERE state = 'open';
CREATE TABLE IF NOT EXISTS alert_rules (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	monitor_id   TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	enabled      BOOLEAN NOT NULL DEFAULT TRUE,
	conditions   TEXT NOT NULL DEFAULT '{}',
	channel_ids  TEXT NOT NULL DEFAULT '[]',
	cooldown_sec INTEGER NOT NULL DEFAULT 0,
	position     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alert_rules_owner ON alert_rules(owner_id, type);
CREATE TABLE IF NOT EXISTS channels (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL,
	enabled         BOOLEAN NOT NULL DEFAULT TRUE,
	is_default      BOOLEAN NOT NULL DEFAULT FALSE,
	config          TEXT NOT NULL,
	quiet_hours     TEXT NOT NULL DEFAULT '',
	last_test_at    BIGINT,
	last_test_ok    BOOLEAN,
	last_test_error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS alert_history (
	id                TEXT PRIMARY KEY,
	rule_id           TEXT NOT NULL,
	monitor_id        TEXT NOT NULL,
	owner_id          TEXT NOT NULL,
	incident_id       TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	severity          TEXT NOT NULL,
	message           TEXT NOT NULL,
	channels_notified TEXT NOT NULL DEFAULT '[]',
	deliveries        TEXT NOT NULL DEFAULT '[]',
	metadata          TEXT NOT NULL DEFAULT '{}',
	triggered_at      BIGINT NOT NULL,
	acknowledged_at   BIGINT,
	resolved_at       BIGINT
);
CREATE INDEX IF NOT EXISTS idx_alert_history_incident ON alert_history(incident_id);
`

// SQLStore persists catalog, results, incidents, and history through database/sql.
// Params: opened DB handle, driver name for placeholder style, and logger for skipped rows.
// Returns: store implementation for sqlite, postgres, and pgx drivers.
type SQLStore struct {
	db       *sql.DB
	dollar   bool
	logger   *slog.Logger
	position int
}

// OpenSQLStore opens database, verifies connectivity, and bootstraps schema.
// Params: context, driver (sqlite|postgres|pgx), DSN, and logger.
// Returns: ready store or open/migrate error.
func OpenSQLStore(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var driverName string
	switch driver {
	case config.StoreDriverSQLite:
		driverName = "sqlite3"
	case config.StoreDriverPostgres:
		driverName = "postgres"
	case config.StoreDriverPGX:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == config.StoreDriverSQLite {
		// One writer avoids SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	store := &SQLStore{db: db, dollar: driver != config.StoreDriverSQLite, logger: logger}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, statement := range strings.Split(schema, ";") {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders into $N for postgres drivers.
func (s *SQLStore) rebind(query string) string {
	if !s.dollar {
		return query
	}
	var out strings.Builder
	out.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Ping checks database reachability for readiness.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes DB handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ApplyCatalog upserts catalog definitions without touching check state.
// Params: context and validated catalog.
// Returns: first write error.
func (s *SQLStore) ApplyCatalog(ctx context.Context, catalog Catalog) error {
	for _, monitor := range catalog.Monitors {
		if err := s.UpsertMonitor(ctx, monitor); err != nil {
			return err
		}
	}
	for _, rule := range catalog.Rules {
		if err := s.UpsertRule(ctx, rule); err != nil {
			return err
		}
	}
	for _, channel := range catalog.Channels {
		if err := s.UpsertChannel(ctx, channel); err != nil {
			return err
		}
	}
	return nil
}

// UpsertMonitor inserts or updates monitor definition.
func (s *SQLStore) UpsertMonitor(ctx context.Context, monitor domain.Monitor) error {
	headers, err := encodeJSON(monitor.Headers, "{}")
	if err != nil {
		return err
	}
	failureStatus, err := encodeJSON(monitor.FailureStatus, "[]")
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
INSERT INTO monitors (id, owner_id, name, url, method, headers, body, timeout_sec, interval_sec,
	max_latency_ms, max_consecutive_failures, failure_status, paused, cert_expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	owner_id = excluded.owner_id, name = excluded.name, url = excluded.url, method = excluded.method,
	headers = excluded.headers, body = excluded.body, timeout_sec = excluded.timeout_sec,
	interval_sec = excluded.interval_sec, max_latency_ms = excluded.max_latency_ms,
	max_consecutive_failures = excluded.max_consecutive_failures,
	failure_status = excluded.failure_status, paused = excluded.paused`,
		monitor.ID, monitor.OwnerID, monitor.Name, monitor.URL, monitor.RequestMethod(), headers, monitor.Body,
		monitor.TimeoutSec, monitor.IntervalSec, monitor.MaxLatencyMS, monitor.MaxConsecutiveFailures,
		failureStatus, monitor.Paused, unixMillisPtr(monitor.CertExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert monitor %q: %w", monitor.ID, err)
	}
	return nil
}

// UpsertRule inserts or updates rule definition keeping catalog order.
func (s *SQLStore) UpsertRule(ctx context.Context, rule domain.AlertRule) error {
	channelIDs, err := encodeJSON(rule.ChannelIDs, "[]")
	if err != nil {
		return err
	}
	conditions := string(rule.Conditions)
	if strings.TrimSpace(conditions) == "" {
		conditions = "{}"
	}
	s.position++
	_, err = s.exec(ctx, `
INSERT INTO alert_rules (id, owner_id, monitor_id, name, type, severity, enabled, conditions, channel_ids, cooldown_sec, position)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	owner_id = excluded.owner_id, monitor_id = excluded.monitor_id, name = excluded.name,
	type = excluded.type, severity = excluded.severity, enabled = excluded.enabled,
	conditions = excluded.conditions, channel_ids = excluded.channel_ids,
	cooldown_sec = excluded.cooldown_sec, position = excluded.position`,
		rule.ID, rule.OwnerID, rule.MonitorID, rule.Name, string(rule.Type), string(rule.Severity), rule.Enabled,
		conditions, channelIDs, rule.CooldownSec, s.position)
	if err != nil {
		return fmt.Errorf("upsert rule %q: %w", rule.ID, err)
	}
	return nil
}

// UpsertChannel inserts or updates channel definition without touching test outcome.
func (s *SQLStore) UpsertChannel(ctx context.Context, channel domain.NotificationChannel) error {
	quietHours := ""
	if channel.QuietHours != nil {
		encoded, err := json.Marshal(channel.QuietHours)
		if err != nil {
			return fmt.Errorf("encode quiet hours: %w", err)
		}
		quietHours = string(encoded)
	}
	_, err := s.exec(ctx, `
INSERT INTO channels (id, owner_id, name, type, enabled, is_default, config, quiet_hours)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	owner_id = excluded.owner_id, name = excluded.name, type = excluded.type, enabled = excluded.enabled,
	is_default = excluded.is_default, config = excluded.config, quiet_hours = excluded.quiet_hours`,
		channel.ID, channel.OwnerID, channel.Name, string(channel.Type), channel.Enabled, channel.IsDefault,
		string(channel.Config), quietHours)
	if err != nil {
		return fmt.Errorf("upsert channel %q: %w", channel.ID, err)
	}
	return nil
}

const monitorColumns = `id, owner_id, name, url, method, headers, body, timeout_sec, interval_sec, max_latency_ms,
	max_consecutive_failures, failure_status, paused, last_checked_at, consecutive_failures, cert_expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row rowScanner) (domain.Monitor, error) {
	var monitor domain.Monitor
	var headers, failureStatus string
	var lastChecked, certExpires sql.NullInt64
	if err := row.Scan(&monitor.ID, &monitor.OwnerID, &monitor.Name, &monitor.URL, &monitor.Method, &headers,
		&monitor.Body, &monitor.TimeoutSec, &monitor.IntervalSec, &monitor.MaxLatencyMS,
		&monitor.MaxConsecutiveFailures, &failureStatus, &monitor.Paused, &lastChecked,
		&monitor.ConsecutiveFailures, &certExpires); err != nil {
		return domain.Monitor{}, err
	}
	if err := decodeJSON(headers, &monitor.Headers); err != nil {
		return domain.Monitor{}, fmt.Errorf("monitor %q headers: %w", monitor.ID, err)
	}
	if err := decodeJSON(failureStatus, &monitor.FailureStatus); err != nil {
		return domain.Monitor{}, fmt.Errorf("monitor %q failure_status: %w", monitor.ID, err)
	}
	monitor.LastCheckedAt = timeFromMillis(lastChecked)
	monitor.CertExpiresAt = timeFromMillis(certExpires)
	return monitor, nil
}

// ListActiveMonitors returns unpaused monitors ordered by ID.
func (s *SQLStore) ListActiveMonitors(ctx context.Context) ([]domain.Monitor, error) {
	rows, err := s.query(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE paused = ? ORDER BY id`, false)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Monitor, 0)
	for rows.Next() {
		monitor, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		out = append(out, monitor)
	}
	return out, rows.Err()
}

// GetMonitor returns monitor by ID.
func (s *SQLStore) GetMonitor(ctx context.Context, monitorID string) (domain.Monitor, error) {
	monitor, err := scanMonitor(s.queryRow(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = ?`, monitorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Monitor{}, ErrNotFound
		}
		return domain.Monitor{}, fmt.Errorf("get monitor: %w", err)
	}
	return monitor, nil
}

// UpdateCheckState stores counter, last check time, and latest certificate expiry.
func (s *SQLStore) UpdateCheckState(ctx context.Context, monitorID string, state CheckState) error {
	res, err := s.exec(ctx, `
UPDATE monitors SET last_checked_at = ?, consecutive_failures = ?, cert_expires_at = COALESCE(?, cert_expires_at)
WHERE id = ?`, state.LastCheckedAt.UnixMilli(), state.ConsecutiveFailures, unixMillisPtr(state.CertExpiresAt), monitorID)
	if err != nil {
		return fmt.Errorf("update check state: %w", err)
	}
	return expectRow(res)
}

// AppendCheckResult inserts immutable check result.
func (s *SQLStore) AppendCheckResult(ctx context.Context, result domain.CheckResult) error {
	headers, err := encodeJSON(result.ResponseHeaders, "{}")
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
INSERT INTO check_results (id, monitor_id, status_code, latency_ms, is_up, status, error, error_kind, response_headers, cert_expires_at, checked_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.MonitorID, result.StatusCode, result.LatencyMS, result.IsUp, string(result.Status),
		result.Error, string(result.ErrorKind), headers, unixMillisPtr(result.CertExpiresAt), result.CheckedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append check result: %w", err)
	}
	return nil
}

// PruneCheckResults deletes results checked before cutoff.
func (s *SQLStore) PruneCheckResults(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM check_results WHERE checked_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune check results: %w", err)
	}
	return res.RowsAffected()
}

// CountCheckResults returns stored result count of monitor.
func (s *SQLStore) CountCheckResults(ctx context.Context, monitorID string) (int, error) {
	var count int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM check_results WHERE monitor_id = ?`, monitorID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count check results: %w", err)
	}
	return count, nil
}

// OpenIncident inserts open incident; unique open index maps to ErrConflict.
func (s *SQLStore) OpenIncident(ctx context.Context, incident domain.Incident) error {
	_, err := s.exec(ctx, `
INSERT INTO incidents (id, monitor_id, owner_id, state, severity, opened_at, updated_at, resolved_at,
	failures_at_open, message, last_error, down_checks, healthy_streak)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.ID, incident.MonitorID, incident.OwnerID, string(incident.State), string(incident.Severity),
		incident.OpenedAt.UnixMilli(), incident.UpdatedAt.UnixMilli(), unixMillisPtr(incident.ResolvedAt),
		incident.FailuresAtOpen, incident.Message, incident.LastError, incident.DownChecks, incident.HealthyStreak)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("open incident: %w", err)
	}
	return nil
}

// UpdateIncident replaces mutable incident fields.
func (s *SQLStore) UpdateIncident(ctx context.Context, incident domain.Incident) error {
	res, err := s.exec(ctx, `
UPDATE incidents SET state = ?, severity = ?, updated_at = ?, resolved_at = ?, message = ?, last_error = ?,
	down_checks = ?, healthy_streak = ?
WHERE id = ?`,
		string(incident.State), string(incident.Severity), incident.UpdatedAt.UnixMilli(),
		unixMillisPtr(incident.ResolvedAt), incident.Message, incident.LastError, incident.DownChecks,
		incident.HealthyStreak, incident.ID)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	return expectRow(res)
}

// ResolveIncident stores resolved state; the partial unique index releases the open slot.
func (s *SQLStore) ResolveIncident(ctx context.Context, incident domain.Incident) error {
	return s.UpdateIncident(ctx, incident)
}

// GetOpenIncident returns open incident of monitor or ErrNotFound.
func (s *SQLStore) GetOpenIncident(ctx context.Context, monitorID string) (domain.Incident, error) {
	var incident domain.Incident
	var state, severity string
	var openedAt, updatedAt int64
	var resolvedAt sql.NullInt64
	err := s.queryRow(ctx, `
SELECT id, monitor_id, owner_id, state, severity, opened_at, updated_at, resolved_at, failures_at_open,
	message, last_error, down_checks, healthy_streak
FROM incidents WHERE monitor_id = ? AND state = ?`, monitorID, string(domain.IncidentOpen)).Scan(
		&incident.ID, &incident.MonitorID, &incident.OwnerID, &state, &severity, &openedAt, &updatedAt,
		&resolvedAt, &incident.FailuresAtOpen, &incident.Message, &incident.LastError, &incident.DownChecks,
		&incident.HealthyStreak)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Incident{}, ErrNotFound
		}
		return domain.Incident{}, fmt.Errorf("get open incident: %w", err)
	}
	incident.State = domain.IncidentState(state)
	incident.Severity = domain.Severity(severity)
	incident.OpenedAt = time.UnixMilli(openedAt).UTC()
	incident.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	incident.ResolvedAt = timeFromMillis(resolvedAt)
	return incident, nil
}

// ListEnabledRulesForOwner returns decoded enabled rules; undecodable rows are logged and skipped.
func (s *SQLStore) ListEnabledRulesForOwner(ctx context.Context, ownerID, monitorID string, ruleType domain.RuleType) ([]domain.AlertRule, error) {
	rows, err := s.query(ctx, `
SELECT id, owner_id, monitor_id, name, type, severity, enabled, conditions, channel_ids, cooldown_sec
FROM alert_rules
WHERE enabled = ? AND owner_id = ? AND type = ? AND (monitor_id = '' OR monitor_id = ?)
ORDER BY position, id`, true, ownerID, string(ruleType), monitorID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	out := make([]domain.AlertRule, 0)
	for rows.Next() {
		var rule domain.AlertRule
		var kind, severity, conditions, channelIDs string
		if err := rows.Scan(&rule.ID, &rule.OwnerID, &rule.MonitorID, &rule.Name, &kind, &severity, &rule.Enabled,
			&conditions, &channelIDs, &rule.CooldownSec); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.Type = domain.RuleType(kind)
		rule.Severity = domain.Severity(severity)
		rule.Conditions = json.RawMessage(conditions)
		if err := decodeJSON(channelIDs, &rule.ChannelIDs); err != nil {
			s.logger.Warn("skip rule with invalid channel_ids", "rule_id", rule.ID, "error", err.Error())
			continue
		}
		if err := rule.Decode(); err != nil {
			s.logger.Warn("skip rule with invalid conditions", "rule_id", rule.ID, "error", err.Error())
			continue
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// GetChannel returns decoded channel by ID.
func (s *SQLStore) GetChannel(ctx context.Context, channelID string) (domain.NotificationChannel, error) {
	var channel domain.NotificationChannel
	var kind, configRaw, quietHours string
	var lastTestAt sql.NullInt64
	var lastTestOK sql.NullBool
	err := s.queryRow(ctx, `
SELECT id, owner_id, name, type, enabled, is_default, config, quiet_hours, last_test_at, last_test_ok, last_test_error
FROM channels WHERE id = ?`, channelID).Scan(&channel.ID, &channel.OwnerID, &channel.Name, &kind,
		&channel.Enabled, &channel.IsDefault, &configRaw, &quietHours, &lastTestAt, &lastTestOK, &channel.LastTestError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotificationChannel{}, ErrNotFound
		}
		return domain.NotificationChannel{}, fmt.Errorf("get channel: %w", err)
	}
	channel.Type = domain.ChannelType(kind)
	channel.Config = json.RawMessage(configRaw)
	if strings.TrimSpace(quietHours) != "" {
		channel.QuietHours = &domain.QuietHours{}
		if err := json.Unmarshal([]byte(quietHours), channel.QuietHours); err != nil {
			return domain.NotificationChannel{}, fmt.Errorf("channel %q quiet_hours: %w", channel.ID, err)
		}
	}
	channel.LastTestAt = timeFromMillis(lastTestAt)
	if lastTestOK.Valid {
		ok := lastTestOK.Bool
		channel.LastTestOK = &ok
	}
	if err := channel.Decode(); err != nil {
		return domain.NotificationChannel{}, err
	}
	return channel, nil
}

// RecordChannelTest stores last test outcome.
func (s *SQLStore) RecordChannelTest(ctx context.Context, channelID string, at time.Time, testErr error) error {
	errText := ""
	if testErr != nil {
		errText = testErr.Error()
	}
	res, err := s.exec(ctx, `UPDATE channels SET last_test_at = ?, last_test_ok = ?, last_test_error = ? WHERE id = ?`,
		at.UnixMilli(), testErr == nil, errText, channelID)
	if err != nil {
		return fmt.Errorf("record channel test: %w", err)
	}
	return expectRow(res)
}

// AppendHistory inserts alert history row.
func (s *SQLStore) AppendHistory(ctx context.Context, history domain.AlertHistory) error {
	channels, err := encodeJSON(history.ChannelsNotified, "[]")
	if err != nil {
		return err
	}
	deliveries, err := encodeJSON(history.Deliveries, "[]")
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(history.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
INSERT INTO alert_history (id, rule_id, monitor_id, owner_id, incident_id, status, severity, message,
	channels_notified, deliveries, metadata, triggered_at, acknowledged_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		history.ID, history.RuleID, history.MonitorID, history.OwnerID, history.IncidentID, string(history.Status),
		string(history.Severity), history.Message, channels, deliveries, metadata, history.TriggeredAt.UnixMilli(),
		unixMillisPtr(history.AcknowledgedAt), unixMillisPtr(history.ResolvedAt))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistoryForIncident returns history rows of incident ordered by trigger time.
func (s *SQLStore) ListHistoryForIncident(ctx context.Context, incidentID string) ([]domain.AlertHistory, error) {
	rows, err := s.query(ctx, `
SELECT id, rule_id, monitor_id, owner_id, incident_id, status, severity, message, channels_notified,
	deliveries, metadata, triggered_at, acknowledged_at, resolved_at
FROM alert_history WHERE incident_id = ? ORDER BY triggered_at, id`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	out := make([]domain.AlertHistory, 0)
	for rows.Next() {
		var history domain.AlertHistory
		var status, severity, channels, deliveries, metadata string
		var triggeredAt int64
		var acknowledgedAt, resolvedAt sql.NullInt64
		if err := rows.Scan(&history.ID, &history.RuleID, &history.MonitorID, &history.OwnerID, &history.IncidentID,
			&status, &severity, &history.Message, &channels, &deliveries, &metadata, &triggeredAt,
			&acknowledgedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		history.Status = domain.HistoryStatus(status)
		history.Severity = domain.Severity(severity)
		if err := decodeJSON(channels, &history.ChannelsNotified); err != nil {
			return nil, fmt.Errorf("history %q channels: %w", history.ID, err)
		}
		if err := decodeJSON(deliveries, &history.Deliveries); err != nil {
			return nil, fmt.Errorf("history %q deliveries: %w", history.ID, err)
		}
		if err := decodeJSON(metadata, &history.Metadata); err != nil {
			return nil, fmt.Errorf("history %q metadata: %w", history.ID, err)
		}
		history.TriggeredAt = time.UnixMilli(triggeredAt).UTC()
		history.AcknowledgedAt = timeFromMillis(acknowledgedAt)
		history.ResolvedAt = timeFromMillis(resolvedAt)
		out = append(out, history)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func expectRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeJSON(value any, empty string) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	if string(encoded) == "null" {
		return empty, nil
	}
	return string(encoded), nil
}

func decodeJSON(raw string, target any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}

func unixMillisPtr(at *time.Time) any {
	if at == nil {
		return nil
	}
	return at.UnixMilli()
}

func timeFromMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	at := time.UnixMilli(value.Int64).UTC()
	return &at
}
