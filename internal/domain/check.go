package domain

import "time"

// CheckStatus is qualitative classification of one probe.
type CheckStatus string

const (
	// CheckStatusUp marks healthy response within latency threshold.
	CheckStatusUp CheckStatus = "up"
	// CheckStatusDown marks transport failure or failing status code.
	CheckStatusDown CheckStatus = "down"
	// CheckStatusSlow marks healthy response above latency threshold.
	CheckStatusSlow CheckStatus = "slow"
)

// Healthy reports whether status counts as healthy for incident tracking.
func (s CheckStatus) Healthy() bool {
	return s == CheckStatusUp || s == CheckStatusSlow
}

// ErrorKind categorizes probe transport failures.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindDNS       ErrorKind = "dns"
	ErrorKindConnect   ErrorKind = "connect"
	ErrorKindTLS       ErrorKind = "tls"
	ErrorKindTransport ErrorKind = "transport"
)

// ProbeOutcome is raw result of one probe call.
// Params: response metadata or transport error with measured latency.
// Returns: input for check evaluator.
type ProbeOutcome struct {
	StatusCode      int
	LatencyMS       int64
	ResponseHeaders map[string]string
	CertExpiresAt   *time.Time
	Err             error
	ErrorKind       ErrorKind
	StartedAt       time.Time
}

// Failed reports whether probe ended without response.
func (o ProbeOutcome) Failed() bool {
	return o.Err != nil
}

// CheckResult is immutable record of one completed probe.
// Params: classification, response metadata, and owning monitor reference.
// Returns: history row persisted by check result store.
type CheckResult struct {
	ID              string            `json:"id"`
	MonitorID       string            `json:"monitor_id"`
	StatusCode      int               `json:"status_code,omitempty"`
	LatencyMS       int64             `json:"latency_ms"`
	IsUp            bool              `json:"is_up"`
	Status          CheckStatus       `json:"status"`
	Error           string            `json:"error,omitempty"`
	ErrorKind       ErrorKind         `json:"error_kind,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	CertExpiresAt   *time.Time        `json:"cert_expires_at,omitempty"`
	CheckedAt       time.Time         `json:"checked_at"`
}

// HasResponse reports whether the probe received an HTTP response.
func (r CheckResult) HasResponse() bool {
	return r.StatusCode > 0
}
