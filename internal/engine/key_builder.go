package engine

import "strings"

// CooldownKey builds deterministic limiter key for one rule and monitor.
// Params: rule ID and monitor ID.
// Returns: key in "cooldown/<rule>/<monitor>" namespace.
func CooldownKey(ruleID, monitorID string) string {
	ruleToken := sanitize(ruleID)
	monitorToken := sanitize(monitorID)
	var builder strings.Builder
	builder.Grow(len("cooldown/") + len(ruleToken) + len(monitorToken) + 1)
	builder.WriteString("cooldown/")
	builder.WriteString(ruleToken)
	builder.WriteByte('/')
	builder.WriteString(monitorToken)
	return builder.String()
}

// LeaseKey builds scheduler lease key for one monitor.
func LeaseKey(monitorID string) string {
	return "lease/" + sanitize(monitorID)
}

// sanitize converts key path fragments into stable key-safe tokens.
// Params: raw value with possible separators.
// Returns: sanitized string with unsupported chars replaced by underscore.
func sanitize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
