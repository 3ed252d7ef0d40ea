package domain

import "time"

// DecisionKind distinguishes firing from resolution decisions.
type DecisionKind string

const (
	// DecisionFire opens a triggered history row and notifies channels.
	DecisionFire DecisionKind = "fire"
	// DecisionResolve appends a resolved history row and sends recovery notice.
	DecisionResolve DecisionKind = "resolve"
)

// Decision is one rule evaluation outcome handed to the dispatcher.
// Params: rule, monitor, triggering check, optional incident, severity, and message.
// Returns: dispatch request for one rule.
type Decision struct {
	Kind     DecisionKind
	Rule     AlertRule
	Monitor  Monitor
	Result   CheckResult
	Incident *Incident
	Severity Severity
	Message  string
	Metadata map[string]string
	At       time.Time
}

// HistoryStatus is alert history row status.
type HistoryStatus string

const (
	HistoryTriggered    HistoryStatus = "triggered"
	HistoryAcknowledged HistoryStatus = "acknowledged"
	HistoryResolved     HistoryStatus = "resolved"
)

// DeliveryStatus is per-channel outcome of one dispatch.
type DeliveryStatus string

const (
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryQueued     DeliveryStatus = "queued"
	DeliverySuppressed DeliveryStatus = "suppressed"
	DeliveryDisabled   DeliveryStatus = "disabled"
	DeliveryMissing    DeliveryStatus = "missing"
)

// Attempted reports whether transport was invoked or scheduled for the channel.
func (s DeliveryStatus) Attempted() bool {
	return s == DeliverySent || s == DeliveryFailed || s == DeliveryQueued
}

// DeliveryOutcome records one channel result within a dispatch.
type DeliveryOutcome struct {
	ChannelID   string         `json:"channel_id"`
	ChannelType ChannelType    `json:"channel_type,omitempty"`
	Status      DeliveryStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	ExternalRef string         `json:"external_ref,omitempty"`
}

// AlertHistory is immutable audit record of one firing or resolution.
// Params: rule/monitor/incident references, channel outcomes, and timestamps.
// Returns: row appended by dispatcher.
type AlertHistory struct {
	ID               string            `json:"id"`
	RuleID           string            `json:"rule_id"`
	MonitorID        string            `json:"monitor_id"`
	OwnerID          string            `json:"owner_id"`
	IncidentID       string            `json:"incident_id,omitempty"`
	Status           HistoryStatus     `json:"status"`
	Severity         Severity          `json:"severity"`
	Message          string            `json:"message"`
	ChannelsNotified []string          `json:"channels_notified"`
	Deliveries       []DeliveryOutcome `json:"deliveries"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	TriggeredAt      time.Time         `json:"triggered_at"`
	AcknowledgedAt   *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
}

// NotificationKind selects template set for one outbound message.
type NotificationKind string

const (
	NotificationFiring   NotificationKind = "firing"
	NotificationResolved NotificationKind = "resolved"
	NotificationTest     NotificationKind = "test"
)

// Notification is template context and transport payload for one channel.
// Params: decision fields flattened for templates plus rendered subject/text.
// Returns: one outbound message.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	HistoryID   string           `json:"history_id,omitempty"`
	ChannelID   string           `json:"channel_id"`
	ChannelName string           `json:"channel_name,omitempty"`
	RuleID      string           `json:"rule_id,omitempty"`
	RuleName    string           `json:"rule_name,omitempty"`
	RuleType    RuleType         `json:"rule_type,omitempty"`
	MonitorID   string           `json:"monitor_id,omitempty"`
	MonitorName string           `json:"monitor_name,omitempty"`
	MonitorURL  string           `json:"monitor_url,omitempty"`
	IncidentID  string           `json:"incident_id,omitempty"`
	Severity    Severity         `json:"severity"`
	Message     string           `json:"message"`
	StatusCode  int              `json:"status_code,omitempty"`
	LatencyMS   int64            `json:"latency_ms,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`

	Subject string `json:"subject,omitempty"`
	Text    string `json:"text"`
}
