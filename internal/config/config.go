// Package config loads the custodian.yaml configuration: YAML file, defaults,
// environment overrides, validation, and a watcher for hot log-level changes.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"custodian/internal/model"
)

// DefaultFileName is looked up in the data directory when no explicit path is
// given.
const DefaultFileName = "custodian.yaml"

// Load reads the config file at path, applies .env overrides from the process
// environment, fills defaults, and validates. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (model.Config, error) {
	var cfg model.Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return model.Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	// .env next to the config file is optional and never overrides variables
	// already set in the environment.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides maps CUSTODIAN_* environment variables onto config
// fields. The env wins over the file.
func applyEnvOverrides(cfg *model.Config) {
	if v := os.Getenv("CUSTODIAN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CUSTODIAN_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CUSTODIAN_DATA_DIR"); v != "" {
		cfg.Daemon.DataDir = v
	}
	if v := os.Getenv("CUSTODIAN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CUSTODIAN_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.WorkerCount = n
		}
	}
}

// ApplyDefaults fills zero-valued fields in place.
func ApplyDefaults(cfg *model.Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8420"
	}
	if cfg.Daemon.DataDir == "" {
		cfg.Daemon.DataDir = defaultDataDir()
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = cfg.Daemon.DataDir + "/custodian.db"
	}
	if cfg.Cache.TTLSec <= 0 {
		cfg.Cache.TTLSec = 300
	}
	if cfg.Queue.WorkerCount <= 0 {
		cfg.Queue.WorkerCount = 2
	}
	if cfg.Queue.ClaimIntervalSec <= 0 {
		cfg.Queue.ClaimIntervalSec = 1
	}
	if cfg.Queue.DefaultMaxAttempts <= 0 {
		cfg.Queue.DefaultMaxAttempts = 3
	}
	if cfg.Dispatch.DefaultTimeoutSec <= 0 {
		cfg.Dispatch.DefaultTimeoutSec = model.DefaultTaskTimeoutSeconds
	}
	if cfg.Dispatch.DefaultMaxAttempts <= 0 {
		cfg.Dispatch.DefaultMaxAttempts = model.DefaultTaskMaxAttempts
	}
	if cfg.Dispatch.PollLimit <= 0 {
		cfg.Dispatch.PollLimit = 10
	}
	if cfg.Scheduler.TickSec <= 0 {
		cfg.Scheduler.TickSec = 30
	}
	if cfg.Sweeper.TickSec <= 0 {
		cfg.Sweeper.TickSec = 30
	}
	if cfg.Sweeper.AssignedGraceSec <= 0 {
		cfg.Sweeper.AssignedGraceSec = model.AssignedGraceSeconds
	}
	if cfg.Janitor.TickSec <= 0 {
		cfg.Janitor.TickSec = 3600
	}
	if cfg.Janitor.RetentionDays <= 0 {
		cfg.Janitor.RetentionDays = 30
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = 30
	}
	if cfg.Audit.MaxSizeBytes <= 0 {
		cfg.Audit.MaxSizeBytes = 100 * 1024 * 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg model.Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", cfg.Logging.Level)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./custodian-data"
	}
	return home + "/.custodian"
}
