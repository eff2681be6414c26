package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Bus.DedupCapacity != 10_000 {
		t.Errorf("dedup capacity = %d", cfg.Bus.DedupCapacity)
	}
	if cfg.Bus.MaxQueuePerAgent != 500 || cfg.Bus.MaxHighPriorityPerAgent != 1000 {
		t.Errorf("queue bounds = %d/%d", cfg.Bus.MaxQueuePerAgent, cfg.Bus.MaxHighPriorityPerAgent)
	}
	if cfg.Decision.TimeoutTicks == nil || *cfg.Decision.TimeoutTicks != 300 {
		t.Errorf("timeout ticks = %v", cfg.Decision.TimeoutTicks)
	}
	if cfg.Decision.OrphanGracePeriodTicks != 30 {
		t.Errorf("orphan grace = %d", cfg.Decision.OrphanGracePeriodTicks)
	}
	if cfg.Checkpoints.MaxPerAgent != 3 {
		t.Errorf("checkpoints = %d", cfg.Checkpoints.MaxPerAgent)
	}
	if cfg.Trust.InitialScore != 50 {
		t.Errorf("initial score = %d", cfg.Trust.InitialScore)
	}
	if cfg.Agents.IdleTimeoutTicks != 500 {
		t.Errorf("idle timeout = %d", cfg.Agents.IdleTimeoutTicks)
	}
	if cfg.WS.HeartbeatMs != 30_000 {
		t.Errorf("heartbeat = %d", cfg.WS.HeartbeatMs)
	}
	if cfg.Tick.Mode != "interval" || cfg.Tick.IntervalMs != 1000 {
		t.Errorf("tick = %s/%d", cfg.Tick.Mode, cfg.Tick.IntervalMs)
	}
}

func TestLoadOverridesAndDerivedDefault(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
bus:
  max_queue_per_agent: 10
decision:
  timeout_ticks: 50
tick:
  mode: manual
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Bus.MaxQueuePerAgent != 10 {
		t.Errorf("queue = %d", cfg.Bus.MaxQueuePerAgent)
	}
	// The high-priority cap derives from the configured queue bound.
	if cfg.Bus.MaxHighPriorityPerAgent != 20 {
		t.Errorf("high priority cap = %d, want 2x", cfg.Bus.MaxHighPriorityPerAgent)
	}
	if *cfg.Decision.TimeoutTicks != 50 {
		t.Errorf("timeout = %d", *cfg.Decision.TimeoutTicks)
	}
	if cfg.Tick.Mode != "manual" {
		t.Errorf("mode = %s", cfg.Tick.Mode)
	}
}

func TestZeroTimeoutDisables(t *testing.T) {
	path := writeConfig(t, "decision:\n  timeout_ticks: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Decision.TimeoutTicks == nil || *cfg.Decision.TimeoutTicks != 0 {
		t.Errorf("timeout = %v, want explicit 0", cfg.Decision.TimeoutTicks)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("CONDUCTOR_DB", "/tmp/conductor-test.db")
	path := writeConfig(t, "knowledge:\n  path: ${CONDUCTOR_DB}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Knowledge.Path != "/tmp/conductor-test.db" {
		t.Errorf("path = %q", cfg.Knowledge.Path)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad tick mode", "tick:\n  mode: sidereal\n"},
		{"score out of range", "trust:\n  initial_score: 200\n"},
		{"negative timeout", "decision:\n  timeout_ticks: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
