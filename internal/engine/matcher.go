package engine

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"uptime/internal/domain"
)

// Match describes why a non-downtime rule fired.
type Match struct {
	Message  string
	Metadata map[string]string
}

// MatchRule evaluates one typed rule condition against one check event.
// Params: decoded rule, check event, and evaluation instant.
// Returns: firing details and true when the condition holds.
func MatchRule(rule domain.AlertRule, event Event, at time.Time) (Match, bool) {
	switch condition := rule.Condition.(type) {
	case domain.LatencyCondition:
		return matchLatency(condition, event)
	case domain.StatusCodeCondition:
		return matchStatusCode(condition, event)
	case domain.SSLExpiryCondition:
		return matchSSLExpiry(condition, event, at)
	default:
		return Match{}, false
	}
}

// matchLatency fires on any response slower than the rule threshold, independent of monitor MaxLatencyMS.
func matchLatency(condition domain.LatencyCondition, event Event) (Match, bool) {
	result := event.Result
	if !result.HasResponse() || result.LatencyMS <= condition.ThresholdMS {
		return Match{}, false
	}
	return Match{
		Message: fmt.Sprintf("%s responded in %dms (threshold %dms)", monitorLabel(event.Monitor), result.LatencyMS, condition.ThresholdMS),
		Metadata: map[string]string{
			"latency_ms":   strconv.FormatInt(result.LatencyMS, 10),
			"threshold_ms": strconv.FormatInt(condition.ThresholdMS, 10),
			"status":       string(result.Status),
		},
	}, true
}

func matchStatusCode(condition domain.StatusCodeCondition, event Event) (Match, bool) {
	code := event.Result.StatusCode
	if !condition.Matches(code) {
		return Match{}, false
	}
	return Match{
		Message: fmt.Sprintf("%s returned HTTP %d", monitorLabel(event.Monitor), code),
		Metadata: map[string]string{
			"status_code": strconv.Itoa(code),
			"status":      string(event.Result.Status),
		},
	}, true
}

// matchSSLExpiry prefers certificate from this check and falls back to last known expiry.
func matchSSLExpiry(condition domain.SSLExpiryCondition, event Event, at time.Time) (Match, bool) {
	expiresAt := event.Result.CertExpiresAt
	if expiresAt == nil {
		expiresAt = event.Monitor.CertExpiresAt
	}
	if expiresAt == nil {
		return Match{}, false
	}
	remaining := expiresAt.Sub(at)
	if remaining > time.Duration(condition.DaysBefore)*24*time.Hour {
		return Match{}, false
	}
	days := int(math.Floor(remaining.Hours() / 24))
	message := fmt.Sprintf("%s certificate expires in %d days (%s)", monitorLabel(event.Monitor), days, expiresAt.UTC().Format("2006-01-02"))
	if remaining <= 0 {
		message = fmt.Sprintf("%s certificate expired on %s", monitorLabel(event.Monitor), expiresAt.UTC().Format("2006-01-02"))
	}
	return Match{
		Message: message,
		Metadata: map[string]string{
			"cert_expires_at": expiresAt.UTC().Format(time.RFC3339),
			"days_left":       strconv.Itoa(days),
			"days_before":     strconv.Itoa(condition.DaysBefore),
		},
	}, true
}
