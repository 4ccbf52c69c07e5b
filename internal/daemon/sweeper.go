package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"custodian/internal/dispatch"
	"custodian/internal/model"
	"custodian/internal/queue"
	"custodian/internal/storage"
)

// Sweeper reclaims abandoned tasks and settles fan-out jobs. Everything it
// does is idempotent: each reclamation and each settlement is a conditional
// update, so overlapping sweeps (or an agent reporting mid-sweep) are safe.
type Sweeper struct {
	tasks      *storage.TaskStore
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	schedules  *storage.ScheduleStore
	scheduler  *Scheduler

	tick   time.Duration
	grace  time.Duration
	logger *log.Logger
	level  *model.LevelVar
}

// NewSweeper creates the sweeper loop.
func NewSweeper(tasks *storage.TaskStore, q *queue.Queue, d *dispatch.Dispatcher, schedules *storage.ScheduleStore, scheduler *Scheduler, cfg model.SweeperConfig, logger *log.Logger, level *model.LevelVar) *Sweeper {
	tick := time.Duration(cfg.TickSec) * time.Second
	if tick <= 0 {
		tick = 30 * time.Second
	}
	grace := time.Duration(cfg.AssignedGraceSec) * time.Second
	if grace <= 0 {
		grace = model.AssignedGraceSeconds * time.Second
	}
	return &Sweeper{
		tasks:      tasks,
		queue:      q,
		dispatcher: d,
		schedules:  schedules,
		scheduler:  scheduler,
		tick:       tick,
		grace:      grace,
		logger:     logger,
		level:      level,
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: reset stale assignments, force-fail timed-out runs,
// and settle jobs whose tasks have all finished.
func (s *Sweeper) Sweep(ctx context.Context) {
	if n, err := s.dispatcher.ReclaimStaleAssigned(ctx, s.grace); err != nil {
		s.log(model.LogLevelError, "reclaim_assigned_failed error=%v", err)
	} else if n > 0 {
		s.log(model.LogLevelInfo, "reclaimed_assigned count=%d", n)
	}

	if n, err := s.dispatcher.ReclaimTimedOut(ctx); err != nil {
		s.log(model.LogLevelError, "reclaim_timeout_failed error=%v", err)
	} else if n > 0 {
		s.log(model.LogLevelInfo, "reclaimed_timed_out count=%d", n)
	}

	s.settleJobs(ctx)
}

// settleJobs propagates the aggregate task outcome to each running job whose
// fan-out has fully finished: any failed task fails the job; otherwise any
// cancelled task cancels it; otherwise it completes.
func (s *Sweeper) settleJobs(ctx context.Context) {
	ids, err := s.tasks.ListSettledJobIDs(ctx)
	if err != nil {
		s.log(model.LogLevelError, "list_settled_failed error=%v", err)
		return
	}

	for _, jobID := range ids {
		if err := s.settleJob(ctx, jobID); err != nil {
			s.log(model.LogLevelError, "settle_failed job=%s error=%v", jobID, err)
		}
	}
}

func (s *Sweeper) settleJob(ctx context.Context, jobID string) error {
	tasks, err := s.tasks.ListByJob(ctx, jobID)
	if err != nil {
		return err
	}

	var completed, failed, cancelled int
	for _, t := range tasks {
		switch t.Status {
		case model.TaskStatusCompleted:
			completed++
		case model.TaskStatusFailed:
			failed++
		case model.TaskStatusCancelled:
			cancelled++
		default:
			// Raced with a requeue; leave the job for a later sweep.
			return nil
		}
	}

	switch {
	case failed > 0:
		errMsg := fmt.Sprintf("%d/%d tasks failed", failed, len(tasks))
		if err := s.queue.Fail(ctx, jobID, errMsg); err != nil {
			return err
		}
		s.log(model.LogLevelWarn, "job_settled job=%s outcome=failed tasks=%d failed=%d", jobID, len(tasks), failed)
		s.maybeRetrySchedule(ctx, jobID)
		return nil
	case cancelled > 0:
		if err := s.queue.Cancel(ctx, jobID); err != nil {
			return err
		}
		s.log(model.LogLevelInfo, "job_settled job=%s outcome=cancelled tasks=%d cancelled=%d", jobID, len(tasks), cancelled)
		return nil
	default:
		summary, err := json.Marshal(map[string]int{"tasks": len(tasks), "completed": completed})
		if err != nil {
			return err
		}
		result := string(summary)
		if err := s.queue.Complete(ctx, jobID, &result); err != nil {
			return err
		}
		s.log(model.LogLevelInfo, "job_settled job=%s outcome=completed tasks=%d", jobID, len(tasks))
		return nil
	}
}

// maybeRetrySchedule feeds a failed scheduled backup_run into the schedule's
// retry policy.
func (s *Sweeper) maybeRetrySchedule(ctx context.Context, jobID string) {
	if s.scheduler == nil {
		return
	}
	job, err := s.queue.Get(ctx, jobID)
	if err != nil || job.Type != model.JobTypeBackupRun || len(job.Payload) == 0 {
		return
	}
	var p BackupRunPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.ScheduleID == "" {
		return
	}
	sched, err := s.schedules.Get(ctx, p.ScheduleID)
	if err != nil {
		return
	}
	s.scheduler.ScheduleRetry(sched, p.RetryAttempt)
}

func (s *Sweeper) log(level model.LogLevel, format string, args ...any) {
	if s.logger == nil || level < s.level.Level() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s sweeper: %s", time.Now().Format(time.RFC3339), level, msg)
}
