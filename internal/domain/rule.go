package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RuleType selects condition shape and evaluation function of an alert rule.
type RuleType string

const (
	RuleTypeDowntime   RuleType = "downtime"
	RuleTypeLatency    RuleType = "latency"
	RuleTypeStatusCode RuleType = "status_code"
	RuleTypeSSLExpiry  RuleType = "ssl_expiry"
)

// RuleTypes lists rule types in evaluation order.
func RuleTypes() []RuleType {
	return []RuleType{RuleTypeDowntime, RuleTypeLatency, RuleTypeStatusCode, RuleTypeSSLExpiry}
}

// ParseRuleType normalizes rule type token.
// Params: raw type string.
// Returns: rule type or error for unknown values.
func ParseRuleType(raw string) (RuleType, error) {
	ruleType := RuleType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range RuleTypes() {
		if ruleType == known {
			return ruleType, nil
		}
	}
	return "", fmt.Errorf("unsupported rule type %q", raw)
}

// AlertRule is a user-defined condition over check and incident events.
// Params: owner scope, optional monitor scope, typed conditions, and ordered channel references.
// Returns: rule consumed by the alert rule engine.
type AlertRule struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	MonitorID   string          `json:"monitor_id,omitempty"`
	Name        string          `json:"name"`
	Type        RuleType        `json:"type"`
	Severity    Severity        `json:"severity"`
	Enabled     bool            `json:"enabled"`
	Conditions  json.RawMessage `json:"conditions,omitempty"`
	ChannelIDs  []string        `json:"channel_ids"`
	CooldownSec int             `json:"cooldown_sec,omitempty"`

	Condition Condition `json:"-"`
}

// AppliesTo reports whether rule scope covers the monitor.
func (r AlertRule) AppliesTo(monitor Monitor) bool {
	if r.OwnerID != monitor.OwnerID {
		return false
	}
	return r.MonitorID == "" || r.MonitorID == monitor.ID
}

// Decode parses raw conditions into the typed variant for the rule type.
// Params: none.
// Returns: rule mutated in place or decode error.
func (r *AlertRule) Decode() error {
	ruleType, err := ParseRuleType(string(r.Type))
	if err != nil {
		return err
	}
	r.Type = ruleType
	severity, err := ParseSeverity(string(r.Severity))
	if err != nil {
		return err
	}
	r.Severity = severity
	condition, err := DecodeCondition(ruleType, r.Conditions)
	if err != nil {
		return fmt.Errorf("rule %q conditions: %w", r.ID, err)
	}
	r.Condition = condition
	return nil
}

// Condition is the tagged union of typed rule conditions.
type Condition interface {
	RuleType() RuleType
	validate() error
}

// DowntimeCondition fires on incident open.
type DowntimeCondition struct {
	NotifyOnResolve *bool `json:"notify_on_resolve,omitempty"`
}

// RuleType returns downtime tag.
func (DowntimeCondition) RuleType() RuleType { return RuleTypeDowntime }

func (DowntimeCondition) validate() error { return nil }

// ResolveNotifications reports whether incident close emits resolved rows.
func (c DowntimeCondition) ResolveNotifications() bool {
	return c.NotifyOnResolve == nil || *c.NotifyOnResolve
}

// LatencyCondition fires when measured latency exceeds the rule threshold.
type LatencyCondition struct {
	ThresholdMS int64 `json:"threshold_ms"`
}

// RuleType returns latency tag.
func (LatencyCondition) RuleType() RuleType { return RuleTypeLatency }

func (c LatencyCondition) validate() error {
	if c.ThresholdMS <= 0 {
		return errors.New("threshold_ms must be >0")
	}
	return nil
}

// StatusRange is an inclusive HTTP status range.
type StatusRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// StatusCodeCondition fires when response code is in set or range.
type StatusCodeCondition struct {
	Codes  []int         `json:"codes,omitempty"`
	Ranges []StatusRange `json:"ranges,omitempty"`
}

// RuleType returns status_code tag.
func (StatusCodeCondition) RuleType() RuleType { return RuleTypeStatusCode }

func (c StatusCodeCondition) validate() error {
	if len(c.Codes) == 0 && len(c.Ranges) == 0 {
		return errors.New("codes or ranges is required")
	}
	for _, code := range c.Codes {
		if code < 100 || code > 599 {
			return fmt.Errorf("status code %d is out of range", code)
		}
	}
	for _, r := range c.Ranges {
		if r.From < 100 || r.To > 599 || r.From > r.To {
			return fmt.Errorf("status range %d-%d is invalid", r.From, r.To)
		}
	}
	return nil
}

// Matches reports whether status code is selected by condition.
func (c StatusCodeCondition) Matches(code int) bool {
	if code <= 0 {
		return false
	}
	for _, candidate := range c.Codes {
		if candidate == code {
			return true
		}
	}
	for _, r := range c.Ranges {
		if code >= r.From && code <= r.To {
			return true
		}
	}
	return false
}

// SSLExpiryCondition fires when certificate expires within DaysBefore days.
type SSLExpiryCondition struct {
	DaysBefore int `json:"days_before"`
}

// RuleType returns ssl_expiry tag.
func (SSLExpiryCondition) RuleType() RuleType { return RuleTypeSSLExpiry }

func (c SSLExpiryCondition) validate() error {
	if c.DaysBefore <= 0 {
		return errors.New("days_before must be >0")
	}
	return nil
}

// DecodeCondition decodes raw JSON conditions into typed variant.
// Params: rule type tag and raw JSON object (empty allowed for downtime).
// Returns: typed condition or strict decode/validation error.
func DecodeCondition(ruleType RuleType, raw json.RawMessage) (Condition, error) {
	var condition Condition
	switch ruleType {
	case RuleTypeDowntime:
		condition = &DowntimeCondition{}
	case RuleTypeLatency:
		condition = &LatencyCondition{}
	case RuleTypeStatusCode:
		condition = &StatusCodeCondition{}
	case RuleTypeSSLExpiry:
		condition = &SSLExpiryCondition{}
	default:
		return nil, fmt.Errorf("unsupported rule type %q", ruleType)
	}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(condition); err != nil {
			return nil, fmt.Errorf("decode %s conditions: %w", ruleType, err)
		}
	}
	if err := condition.validate(); err != nil {
		return nil, fmt.Errorf("%s conditions: %w", ruleType, err)
	}
	return derefCondition(condition), nil
}

// derefCondition converts decode targets into value variants.
func derefCondition(condition Condition) Condition {
	switch typed := condition.(type) {
	case *DowntimeCondition:
		return *typed
	case *LatencyCondition:
		return *typed
	case *StatusCodeCondition:
		return *typed
	case *SSLExpiryCondition:
		return *typed
	default:
		return condition
	}
}
