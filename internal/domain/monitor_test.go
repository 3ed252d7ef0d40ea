package domain

import (
	"errors"
	"testing"
)

func TestMonitorDefaultsAndValidate(t *testing.T) {
	t.Parallel()

	monitor := Monitor{ID: "m1", URL: "https://example.com/health", Method: "head"}
	monitor.ApplyDefaults()
	if monitor.TimeoutSec != 10 || monitor.IntervalSec != 60 || monitor.MaxConsecutiveFailures != 3 || monitor.Method != "HEAD" {
		t.Fatalf("unexpected defaults: %+v", monitor)
	}
	if err := monitor.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMonitorValidateReturnsEvaluationError(t *testing.T) {
	t.Parallel()

	base := Monitor{ID: "m1", URL: "https://example.com", TimeoutSec: 5, IntervalSec: 30, MaxConsecutiveFailures: 1}
	mutations := []func(*Monitor){
		func(m *Monitor) { m.URL = "ftp://example.com" },
		func(m *Monitor) { m.URL = "https://" },
		func(m *Monitor) { m.IntervalSec = 5 },
		func(m *Monitor) { m.IntervalSec = 7200 },
		func(m *Monitor) { m.TimeoutSec = 31 },
		func(m *Monitor) { m.MaxConsecutiveFailures = 0 },
		func(m *Monitor) { m.MaxLatencyMS = -1 },
	}
	for i, mutate := range mutations {
		monitor := base
		mutate(&monitor)
		err := monitor.Validate()
		var evalErr *EvaluationError
		if !errors.As(err, &evalErr) {
			t.Fatalf("case %d: expected EvaluationError, got %v", i, err)
		}
		if evalErr.MonitorID != "m1" {
			t.Fatalf("case %d: monitor id = %q", i, evalErr.MonitorID)
		}
	}
}
