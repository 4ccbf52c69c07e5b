package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"custodian/internal/model"
	"custodian/internal/storage"
)

// Janitor prunes terminal jobs and tasks past the retention window. Jobs go
// first; the task foreign key is ON DELETE SET NULL, so orphaned terminal
// tasks are swept by the same pass.
type Janitor struct {
	jobs      *storage.JobStore
	tasks     *storage.TaskStore
	tick      time.Duration
	retention time.Duration
	logger    *log.Logger
	level     *model.LevelVar
}

// NewJanitor creates the janitor loop.
func NewJanitor(jobs *storage.JobStore, tasks *storage.TaskStore, cfg model.JanitorConfig, logger *log.Logger, level *model.LevelVar) *Janitor {
	tick := time.Duration(cfg.TickSec) * time.Second
	if tick <= 0 {
		tick = time.Hour
	}
	days := cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	return &Janitor{
		jobs:      jobs,
		tasks:     tasks,
		tick:      tick,
		retention: time.Duration(days) * 24 * time.Hour,
		logger:    logger,
		level:     level,
	}
}

// Run ticks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.Prune(ctx)
		}
	}
}

// Prune deletes terminal rows older than the retention window.
func (j *Janitor) Prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.retention)

	jobs, err := j.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		j.log(model.LogLevelError, "prune_jobs_failed error=%v", err)
	}
	tasks, err := j.tasks.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		j.log(model.LogLevelError, "prune_tasks_failed error=%v", err)
	}
	if jobs > 0 || tasks > 0 {
		j.log(model.LogLevelInfo, "pruned jobs=%d tasks=%d cutoff=%s", jobs, tasks, cutoff.Format(time.RFC3339))
	}
}

func (j *Janitor) log(level model.LogLevel, format string, args ...any) {
	if j.logger == nil || level < j.level.Level() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	j.logger.Printf("%s %s janitor: %s", time.Now().Format(time.RFC3339), level, msg)
}
