package model

import (
	"strings"
	"sync/atomic"
)

// LogLevel orders log severities for the leveled log helpers.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel maps a config string to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LevelVar is a LogLevel shared across components, swappable at runtime by
// the config watcher.
type LevelVar struct {
	v atomic.Int32
}

// NewLevelVar creates a LevelVar at the given level.
func NewLevelVar(l LogLevel) *LevelVar {
	var lv LevelVar
	lv.Set(l)
	return &lv
}

// Level returns the current level.
func (lv *LevelVar) Level() LogLevel {
	return LogLevel(lv.v.Load())
}

// Set swaps the level.
func (lv *LevelVar) Set(l LogLevel) {
	lv.v.Store(int32(l))
}

// String returns the upper-case label used in log lines.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}
