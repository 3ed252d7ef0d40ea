package engine

import "testing"

func TestCooldownKeyIsSanitized(t *testing.T) {
	t.Parallel()

	if got := CooldownKey("Rule 1", "mon/a"); got != "cooldown/rule_1/mon_a" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := CooldownKey("", " "); got != "cooldown/_/_" {
		t.Fatalf("unexpected empty key %q", got)
	}
	if got := LeaseKey("API.prod"); got != "lease/api.prod" {
		t.Fatalf("unexpected lease key %q", got)
	}
}
