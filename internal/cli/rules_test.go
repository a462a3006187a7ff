package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zoobzio/pulsez"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRulesPrintRoundTrips(t *testing.T) {
	out, err := run(t, "rules", "print")
	if err != nil {
		t.Fatalf("rules print: %v", err)
	}
	rules, err := pulsez.LoadRules(strings.NewReader(out))
	if err != nil {
		t.Fatalf("printed rules do not load: %v", err)
	}
	if len(rules) != len(pulsez.DefaultRules()) {
		t.Errorf("got %d rules, want %d", len(rules), len(pulsez.DefaultRules()))
	}
}

func TestRulesValidate(t *testing.T) {
	good := writeFile(t, "good.yaml", `rules:
  - name: checkout_errors
    metric: error_rate
    mode: absolute_threshold
    threshold: 0.02
    severity: critical
    cooldown: 10m
`)
	out, err := run(t, "rules", "validate", good)
	if err != nil {
		t.Fatalf("validate good file: %v", err)
	}
	if !strings.Contains(out, "1 rules ok") {
		t.Errorf("unexpected output %q", out)
	}

	bad := writeFile(t, "bad.yaml", `rules:
  - name: broken
    metric: error_rate
    mode: sideways
    severity: critical
`)
	if _, err := run(t, "rules", "validate", bad); err == nil {
		t.Error("expected an unknown mode to fail validation")
	}

	if _, err := run(t, "rules", "validate", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected a missing file to fail")
	}
}

func TestLoadRulesDefaultsWithoutFile(t *testing.T) {
	rules, err := loadRules("")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != len(pulsez.DefaultRules()) {
		t.Errorf("got %d rules, want the defaults", len(rules))
	}
}
