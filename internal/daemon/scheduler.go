package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"custodian/internal/events"
	"custodian/internal/model"
	"custodian/internal/queue"
	"custodian/internal/schedule"
	"custodian/internal/storage"
)

// BackupRunPayload is the payload of every backup_run job. Scheduler-created
// jobs carry their schedule binding so failures can feed the schedule's retry
// policy; producer-created jobs usually carry only agents and a task payload.
type BackupRunPayload struct {
	ScheduleID   string          `json:"schedule_id,omitempty"`
	BackupJob    string          `json:"backup_job,omitempty"`
	Agents       []string        `json:"agents"`
	TaskPayload  json.RawMessage `json:"task_payload,omitempty"`
	RetryAttempt int             `json:"retry_attempt,omitempty"`
}

// Scheduler fires due schedules by pushing backup_run jobs. next_run_at is a
// derived cache owned exclusively by this loop; firing and recomputing happen
// on the same goroutine, so no conditional update is needed here.
type Scheduler struct {
	schedules *storage.ScheduleStore
	queue     *queue.Queue
	bus       *events.Bus
	tick      time.Duration
	logger    *log.Logger
	level     *model.LevelVar

	mu          sync.Mutex
	retryTimers []*time.Timer
	ctx         context.Context
}

// NewScheduler creates the scheduler loop.
func NewScheduler(schedules *storage.ScheduleStore, q *queue.Queue, bus *events.Bus, cfg model.SchedulerConfig, logger *log.Logger, level *model.LevelVar) *Scheduler {
	tick := time.Duration(cfg.TickSec) * time.Second
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		schedules: schedules,
		queue:     q,
		bus:       bus,
		tick:      tick,
		logger:    logger,
		level:     level,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.stopRetryTimers()

	// Derive next_run_at for schedules that never had one before sleeping.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every enabled schedule once: derive a missing next_run_at,
// fire due ones, advance gated ones.
func (s *Scheduler) Tick(ctx context.Context) {
	scheds, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		s.log(model.LogLevelError, "schedule_list_failed error=%v", err)
		return
	}

	now := time.Now().UTC()
	for _, sched := range scheds {
		if err := s.process(ctx, sched, now); err != nil {
			s.log(model.LogLevelError, "schedule_process_failed schedule=%s error=%v", sched.ID, err)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, sched *model.BackupSchedule, now time.Time) error {
	if sched.Type == model.ScheduleManual {
		return nil
	}

	if sched.NextRunAt == nil {
		next, ok := schedule.NextEligible(sched, now)
		if !ok {
			return nil
		}
		s.log(model.LogLevelDebug, "schedule_armed schedule=%s next_run=%s", sched.ID, next.UTC().Format(time.RFC3339))
		return s.schedules.SetNextRun(ctx, sched.ID, &next)
	}

	if sched.NextRunAt.After(now) {
		return nil
	}

	// Due. The persisted instant was eligible when derived, but windows and
	// blackouts may have changed since; re-check before firing.
	if !schedule.ShouldFireNow(sched, now) {
		next, ok := schedule.NextEligible(sched, now)
		if !ok {
			return s.schedules.SetNextRun(ctx, sched.ID, nil)
		}
		s.log(model.LogLevelDebug, "schedule_gated schedule=%s advanced_to=%s", sched.ID, next.UTC().Format(time.RFC3339))
		return s.schedules.SetNextRun(ctx, sched.ID, &next)
	}

	if _, err := s.fire(ctx, sched, 0, "scheduler"); err != nil {
		return err
	}

	var next *time.Time
	if n, ok := schedule.NextEligible(sched, now); ok {
		next = &n
	}
	return s.schedules.RecordRun(ctx, sched.ID, now, next)
}

// fire pushes the backup_run job for a schedule.
func (s *Scheduler) fire(ctx context.Context, sched *model.BackupSchedule, retryAttempt int, createdBy string) (*model.Job, error) {
	payload, err := json.Marshal(BackupRunPayload{
		ScheduleID:   sched.ID,
		BackupJob:    sched.JobID,
		Agents:       sched.Agents,
		RetryAttempt: retryAttempt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal backup_run payload: %w", err)
	}

	job, err := s.queue.Push(ctx, queue.PushRequest{
		Type:      model.JobTypeBackupRun,
		Payload:   payload,
		CreatedBy: createdBy,
	})
	if err != nil {
		return nil, fmt.Errorf("push backup_run: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(events.EventScheduleFired, map[string]interface{}{
			"schedule_id":   sched.ID,
			"job_id":        job.ID,
			"backup_job":    sched.JobID,
			"retry_attempt": retryAttempt,
		})
	}
	s.log(model.LogLevelInfo, "schedule_fired schedule=%s job=%s retry_attempt=%d", sched.ID, job.ID, retryAttempt)
	return job, nil
}

// RunNow fires a schedule immediately, bypassing next_run_at, windows, and
// blackouts. Used by the manual run endpoint; also the only way manual-type
// schedules ever fire.
func (s *Scheduler) RunNow(ctx context.Context, scheduleID string) (*model.Job, error) {
	sched, err := s.schedules.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	job, err := s.fire(ctx, sched, 0, "manual")
	if err != nil {
		return nil, err
	}
	if err := s.schedules.RecordRun(ctx, sched.ID, time.Now().UTC(), sched.NextRunAt); err != nil {
		s.log(model.LogLevelWarn, "record_run_failed schedule=%s error=%v", sched.ID, err)
	}
	return job, nil
}

// ScheduleRetry arms a delayed re-fire after a failed scheduled run, while the
// schedule's retry budget lasts. The timer is in-process and best-effort; a
// restart loses it and the next regular occurrence takes over.
func (s *Scheduler) ScheduleRetry(sched *model.BackupSchedule, failedAttempt int) {
	if !sched.RetryOnFailure || failedAttempt >= sched.MaxRetries {
		return
	}
	delay := time.Duration(sched.RetryDelayMinutes) * time.Minute
	if delay <= 0 {
		delay = time.Minute
	}
	attempt := failedAttempt + 1
	s.log(model.LogLevelInfo, "schedule_retry_armed schedule=%s attempt=%d delay=%s", sched.ID, attempt, delay)

	s.mu.Lock()
	ctx := s.ctx
	timer := time.AfterFunc(delay, func() {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		fresh, err := s.schedules.Get(context.Background(), sched.ID)
		if err != nil || !fresh.Enabled {
			return
		}
		if _, err := s.fire(context.Background(), fresh, attempt, "scheduler_retry"); err != nil {
			s.log(model.LogLevelError, "schedule_retry_failed schedule=%s error=%v", sched.ID, err)
		}
	})
	s.retryTimers = append(s.retryTimers, timer)
	s.mu.Unlock()
}

func (s *Scheduler) stopRetryTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.retryTimers {
		t.Stop()
	}
	s.retryTimers = nil
}

func (s *Scheduler) log(level model.LogLevel, format string, args ...any) {
	if s.logger == nil || level < s.level.Level() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), level, msg)
}
