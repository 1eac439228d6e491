package main

import (
	"strings"
	"testing"
)

func TestRun_StopsAfterDuration(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  interval: 20ms
sim:
  enabled: true
  seed: 7
  interval: 10ms
  negotiate_chance: 1
feed:
  seed: 7
journal:
  disabled: true
log:
  level: error
  format: json
`)
	out, err := runCmd(t, "run", "-c", path, "--duration", "300ms")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "mercado running with 6 agents") {
		t.Errorf("expected default demo agents, got: %s", out)
	}
	if !strings.Contains(out, "Stopped after") {
		t.Errorf("expected final stats, got: %s", out)
	}
	if !strings.Contains(out, "Driver: ") {
		t.Errorf("expected driver stats, got: %s", out)
	}
}

func TestRun_NoSimRegistersConfiguredAgents(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  interval: 20ms
sim:
  enabled: true
agents:
  - id: c1
    role: consumer
  - id: f1
    role: firm
  - id: r1
    role: other
log:
  level: error
`)
	out, err := runCmd(t, "run", "-c", path, "--no-sim", "--duration", "100ms")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "mercado running with 3 agents") {
		t.Errorf("unexpected output: %s", out)
	}
	if strings.Contains(out, "Driver: ") {
		t.Errorf("driver should not run with --no-sim: %s", out)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "journal:\n  driver: oracle\n")
	if _, err := runCmd(t, "run", "-c", path, "--duration", "10ms"); err == nil {
		t.Fatal("expected config error")
	}
}
