package config

import (
	"os"
	"path/filepath"
	"testing"

	"custodian/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	// Missing file yields pure defaults.
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8420" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Queue.WorkerCount != 2 {
		t.Errorf("worker_count = %d", cfg.Queue.WorkerCount)
	}
	if cfg.Sweeper.AssignedGraceSec != model.AssignedGraceSeconds {
		t.Errorf("assigned_grace_sec = %d", cfg.Sweeper.AssignedGraceSec)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
queue:
  worker_count: 5
dispatch:
  poll_limit: 3
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Queue.WorkerCount != 5 {
		t.Errorf("worker_count = %d", cfg.Queue.WorkerCount)
	}
	if cfg.Dispatch.PollLimit != 3 {
		t.Errorf("poll_limit = %d", cfg.Dispatch.PollLimit)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	// Unset sections still get defaults.
	if cfg.Scheduler.TickSec != 30 {
		t.Errorf("scheduler tick = %d", cfg.Scheduler.TickSec)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("malformed yaml should fail")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n")
	t.Setenv("CUSTODIAN_ADDR", ":7777")
	t.Setenv("CUSTODIAN_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("env override lost: addr = %q", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env override lost: level = %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadLevel(t *testing.T) {
	var cfg model.Config
	ApplyDefaults(&cfg)
	cfg.Logging.Level = "verbose"
	if err := Validate(cfg); err == nil {
		t.Error("unknown log level should fail validation")
	}
}
