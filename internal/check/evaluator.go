package check

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"uptime/internal/domain"
)

// DefaultFailureStatus is status policy used when none is configured.
var DefaultFailureStatus = []string{"5xx"}

type statusSpan struct {
	from int
	to   int
}

// StatusPolicy selects HTTP status codes classified as down.
type StatusPolicy struct {
	spans []statusSpan
}

// ParseStatusPolicy parses status tokens such as "503", "400-499", and "5xx".
// Params: raw tokens.
// Returns: policy or error naming the bad token.
func ParseStatusPolicy(tokens []string) (StatusPolicy, error) {
	policy := StatusPolicy{spans: make([]statusSpan, 0, len(tokens))}
	for _, raw := range tokens {
		token := strings.ToLower(strings.TrimSpace(raw))
		if token == "" {
			continue
		}
		span, err := parseStatusToken(token)
		if err != nil {
			return StatusPolicy{}, fmt.Errorf("status token %q: %w", raw, err)
		}
		policy.spans = append(policy.spans, span)
	}
	return policy, nil
}

func parseStatusToken(token string) (statusSpan, error) {
	if len(token) == 3 && strings.HasSuffix(token, "xx") {
		class, err := strconv.Atoi(token[:1])
		if err != nil || class < 1 || class > 5 {
			return statusSpan{}, fmt.Errorf("invalid status class")
		}
		return statusSpan{from: class * 100, to: class*100 + 99}, nil
	}
	if from, to, ok := strings.Cut(token, "-"); ok {
		start, err := parseCode(from)
		if err != nil {
			return statusSpan{}, err
		}
		end, err := parseCode(to)
		if err != nil {
			return statusSpan{}, err
		}
		if start > end {
			return statusSpan{}, fmt.Errorf("range start is after end")
		}
		return statusSpan{from: start, to: end}, nil
	}
	code, err := parseCode(token)
	if err != nil {
		return statusSpan{}, err
	}
	return statusSpan{from: code, to: code}, nil
}

func parseCode(raw string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid status code")
	}
	if code < 100 || code > 599 {
		return 0, fmt.Errorf("status code %d is out of range", code)
	}
	return code, nil
}

// Fails reports whether status code is classified as down.
func (p StatusPolicy) Fails(code int) bool {
	for _, span := range p.spans {
		if code >= span.from && code <= span.to {
			return true
		}
	}
	return false
}

// Evaluation is evaluator output for one probe.
type Evaluation struct {
	Result   domain.CheckResult
	Failures int
}

// Evaluator classifies probe outcomes.
type Evaluator struct {
	policy StatusPolicy
	newID  func() string
}

// NewEvaluator creates evaluator with default status policy.
// Params: default failure policy and ID generator (nil keeps IDs empty).
// Returns: evaluator.
func NewEvaluator(policy StatusPolicy, newID func() string) *Evaluator {
	return &Evaluator{policy: policy, newID: newID}
}

// Evaluate classifies outcome and computes next consecutive-failure counter.
// Params: monitor with prior counter, raw outcome, and check time.
// Returns: check result and new counter; EvaluationError for malformed monitor override.
func (e *Evaluator) Evaluate(monitor domain.Monitor, outcome domain.ProbeOutcome, at time.Time) (Evaluation, error) {
	policy := e.policy
	if len(monitor.FailureStatus) > 0 {
		override, err := ParseStatusPolicy(monitor.FailureStatus)
		if err != nil {
			return Evaluation{}, &domain.EvaluationError{MonitorID: monitor.ID, Reason: fmt.Sprintf("failure_status: %v", err)}
		}
		policy = override
	}

	result := domain.CheckResult{
		MonitorID:       monitor.ID,
		StatusCode:      outcome.StatusCode,
		LatencyMS:       outcome.LatencyMS,
		ResponseHeaders: outcome.ResponseHeaders,
		CertExpiresAt:   outcome.CertExpiresAt,
		CheckedAt:       at.UTC(),
	}
	if e.newID != nil {
		result.ID = e.newID()
	}

	switch {
	case outcome.Failed():
		result.Status = domain.CheckStatusDown
		result.Error = outcome.Err.Error()
		result.ErrorKind = outcome.ErrorKind
		if result.ErrorKind == domain.ErrorKindNone {
			result.ErrorKind = domain.ErrorKindTransport
		}
		result.StatusCode = 0
	case policy.Fails(outcome.StatusCode):
		result.Status = domain.CheckStatusDown
		result.Error = fmt.Sprintf("unexpected status %d", outcome.StatusCode)
	case monitor.MaxLatencyMS > 0 && outcome.LatencyMS > monitor.MaxLatencyMS:
		result.Status = domain.CheckStatusSlow
	default:
		result.Status = domain.CheckStatusUp
	}
	result.IsUp = result.Status.Healthy()

	failures := 0
	if result.Status == domain.CheckStatusDown {
		failures = monitor.ConsecutiveFailures + 1
	}
	return Evaluation{Result: result, Failures: failures}, nil
}
