package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// MinIntervalSec is the shortest allowed check interval.
	MinIntervalSec = 10
	// MaxIntervalSec is the longest allowed check interval.
	MaxIntervalSec = 3600
	// MinTimeoutSec is the shortest allowed probe timeout.
	MinTimeoutSec = 1
	// MaxTimeoutSec is the longest allowed probe timeout.
	MaxTimeoutSec = 30
)

// Monitor is one user-configured HTTP endpoint probed on a schedule.
// Params: target request shape, thresholds, and check-state fields owned by the evaluator.
// Returns: monitor definition consumed by scheduler, probe, and evaluator.
type Monitor struct {
	ID                     string            `json:"id" yaml:"id"`
	OwnerID                string            `json:"owner_id" yaml:"owner_id"`
	Name                   string            `json:"name" yaml:"name"`
	URL                    string            `json:"url" yaml:"url"`
	Method                 string            `json:"method,omitempty" yaml:"method"`
	Headers                map[string]string `json:"headers,omitempty" yaml:"headers"`
	Body                   string            `json:"body,omitempty" yaml:"body"`
	TimeoutSec             int               `json:"timeout_sec" yaml:"timeout_sec"`
	IntervalSec            int               `json:"interval_sec" yaml:"interval_sec"`
	MaxLatencyMS           int64             `json:"max_latency_ms" yaml:"max_latency_ms"`
	MaxConsecutiveFailures int               `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	FailureStatus          []string          `json:"failure_status,omitempty" yaml:"failure_status"`
	Paused                 bool              `json:"paused" yaml:"paused"`

	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty" yaml:"-"`
	ConsecutiveFailures int        `json:"consecutive_failures" yaml:"-"`
	CertExpiresAt       *time.Time `json:"cert_expires_at,omitempty" yaml:"cert_expires_at"`
}

// Interval returns the check interval as duration.
func (m Monitor) Interval() time.Duration {
	return time.Duration(m.IntervalSec) * time.Second
}

// Timeout returns the probe timeout as duration.
func (m Monitor) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}

// RequestMethod returns normalized HTTP method with GET fallback.
func (m Monitor) RequestMethod() string {
	method := strings.ToUpper(strings.TrimSpace(m.Method))
	if method == "" {
		return "GET"
	}
	return method
}

// ApplyDefaults fills omitted thresholds with catalog defaults.
// Params: none.
// Returns: monitor mutated in place.
func (m *Monitor) ApplyDefaults() {
	if m.TimeoutSec == 0 {
		m.TimeoutSec = 10
	}
	if m.IntervalSec == 0 {
		m.IntervalSec = 60
	}
	if m.MaxConsecutiveFailures == 0 {
		m.MaxConsecutiveFailures = 3
	}
	m.Method = m.RequestMethod()
}

// Validate checks monitor configuration against scheduling invariants.
// Params: none.
// Returns: EvaluationError describing the first violation.
func (m Monitor) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return &EvaluationError{MonitorID: m.ID, Reason: "id is required"}
	}
	if strings.TrimSpace(m.URL) == "" {
		return &EvaluationError{MonitorID: m.ID, Reason: "url is required"}
	}
	parsed, err := url.Parse(m.URL)
	if err != nil {
		return &EvaluationError{MonitorID: m.ID, Reason: fmt.Sprintf("url is invalid: %v", err)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &EvaluationError{MonitorID: m.ID, Reason: fmt.Sprintf("url scheme %q is not http(s)", parsed.Scheme)}
	}
	if parsed.Host == "" {
		return &EvaluationError{MonitorID: m.ID, Reason: "url host is empty"}
	}
	if m.IntervalSec < MinIntervalSec || m.IntervalSec > MaxIntervalSec {
		return &EvaluationError{MonitorID: m.ID, Reason: fmt.Sprintf("interval_sec=%d outside [%d,%d]", m.IntervalSec, MinIntervalSec, MaxIntervalSec)}
	}
	if m.TimeoutSec < MinTimeoutSec || m.TimeoutSec > MaxTimeoutSec {
		return &EvaluationError{MonitorID: m.ID, Reason: fmt.Sprintf("timeout_sec=%d outside [%d,%d]", m.TimeoutSec, MinTimeoutSec, MaxTimeoutSec)}
	}
	if m.MaxConsecutiveFailures < 1 {
		return &EvaluationError{MonitorID: m.ID, Reason: "max_consecutive_failures must be >=1"}
	}
	if m.MaxLatencyMS < 0 {
		return &EvaluationError{MonitorID: m.ID, Reason: "max_latency_ms must be >=0"}
	}
	return nil
}

// EvaluationError reports malformed monitor configuration.
// Params: monitor identifier and violation reason.
// Returns: error that skips the monitor for one cycle.
type EvaluationError struct {
	MonitorID string
	Reason    string
}

// Error formats evaluation error.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("monitor %q: %s", e.MonitorID, e.Reason)
}
