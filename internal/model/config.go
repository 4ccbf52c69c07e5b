// Package model defines the data structures for Custodian's configuration,
// queue jobs, agent tasks, and backup schedules.
package model

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Queue     QueueConfig     `yaml:"queue"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // listen address, e.g. ":8420"
}

type StorageConfig struct {
	Path string `yaml:"path"` // sqlite database path
}

type CacheConfig struct {
	TTLSec int `yaml:"ttl_sec"` // progress projection lifetime
}

type QueueConfig struct {
	WorkerCount        int `yaml:"worker_count"`
	ClaimIntervalSec   int `yaml:"claim_interval_sec"`
	DefaultMaxAttempts int `yaml:"default_max_attempts"`
}

type DispatchConfig struct {
	DefaultTimeoutSec  int `yaml:"default_timeout_sec"`
	DefaultMaxAttempts int `yaml:"default_max_attempts"`
	PollLimit          int `yaml:"poll_limit"` // max tasks returned per agent poll
}

type SchedulerConfig struct {
	TickSec int `yaml:"tick_sec"`
}

type SweeperConfig struct {
	TickSec          int `yaml:"tick_sec"`
	AssignedGraceSec int `yaml:"assigned_grace_sec"`
}

type JanitorConfig struct {
	TickSec       int `yaml:"tick_sec"`
	RetentionDays int `yaml:"retention_days"` // terminal rows older than this are pruned
}

type DaemonConfig struct {
	DataDir            string `yaml:"data_dir"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type AuditConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
