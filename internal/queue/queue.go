// Package queue implements the durable job queue: push, claim, progress,
// terminal transitions and a low-latency progress projection cache. The jobs
// table is authoritative; the cache only shortens the read path for pollers.
package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"custodian/internal/events"
	"custodian/internal/model"
	"custodian/internal/storage"
)

// DefaultCacheTTL bounds how long a progress projection may serve reads
// without a refresh from the store.
const DefaultCacheTTL = 5 * time.Minute

// Queue is the job queue service.
type Queue struct {
	jobs   *storage.JobStore
	cache  *gocache.Cache
	bus    *events.Bus
	logger *log.Logger
	level  *model.LevelVar

	defaultMaxAttempts int
}

// New creates a Queue on the given store. bus may be nil when no subscriber
// cares about lifecycle events (tests).
func New(jobs *storage.JobStore, cfg model.QueueConfig, cacheTTL time.Duration, bus *events.Bus, logger *log.Logger, level *model.LevelVar) *Queue {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	maxAttempts := cfg.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Queue{
		jobs:               jobs,
		cache:              gocache.New(cacheTTL, cacheTTL*2),
		bus:                bus,
		logger:             logger,
		level:              level,
		defaultMaxAttempts: maxAttempts,
	}
}

// PushRequest carries the producer-supplied fields of a new job.
type PushRequest struct {
	Queue       string `json:"queue"`
	Type        string `json:"type"`
	Payload     []byte `json:"payload"`
	MaxAttempts int    `json:"max_attempts"`
	CreatedBy   string `json:"created_by"`
}

// Push appends a new pending job and returns it. Every push creates a new job;
// there is no deduplication at this layer.
func (q *Queue) Push(ctx context.Context, req PushRequest) (*model.Job, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("push job: type is required")
	}
	queueName := req.Queue
	if queueName == "" {
		queueName = model.DefaultQueue
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.defaultMaxAttempts
	}

	id, err := model.GenerateID(model.IDTypeJob)
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	j := &model.Job{
		ID:          id,
		Queue:       queueName,
		Type:        req.Type,
		Payload:     req.Payload,
		Status:      model.JobStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   req.CreatedBy,
	}
	if err := q.jobs.Insert(ctx, j); err != nil {
		return nil, err
	}

	q.cacheJob(j)
	q.publish(events.EventJobPushed, j)
	q.log(model.LogLevelInfo, "job_pushed id=%s queue=%s type=%s", j.ID, j.Queue, j.Type)
	return j, nil
}

// Claim atomically takes the oldest pending job from the named queue. Returns
// nil when the queue is empty.
func (q *Queue) Claim(ctx context.Context, queueName string) (*model.Job, error) {
	j, err := q.jobs.Claim(ctx, queueName, time.Now().UTC())
	if err != nil || j == nil {
		return j, err
	}

	q.cacheJob(j)
	q.publish(events.EventJobClaimed, j)
	q.log(model.LogLevelDebug, "job_claimed id=%s queue=%s", j.ID, j.Queue)
	return j, nil
}

// UpdateProgress records advisory progress and appends a log fragment on a
// running job. Progress is clamped to [0,99]; 100 is reserved for Complete.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress int, fragment string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	if err := q.jobs.AppendProgress(ctx, id, progress, fragment); err != nil {
		return err
	}
	q.refresh(ctx, id)
	return nil
}

// Complete transitions a running job to completed with its write-once result.
func (q *Queue) Complete(ctx context.Context, id string, result *string) error {
	if err := q.jobs.Complete(ctx, id, result, time.Now().UTC()); err != nil {
		return err
	}
	j := q.refresh(ctx, id)
	q.publish(events.EventJobCompleted, j)
	q.log(model.LogLevelInfo, "job_completed id=%s", id)
	return nil
}

// Fail transitions a running job to failed.
func (q *Queue) Fail(ctx context.Context, id string, errMsg string) error {
	if err := q.jobs.Fail(ctx, id, errMsg, time.Now().UTC()); err != nil {
		return err
	}
	j := q.refresh(ctx, id)
	q.publish(events.EventJobFailed, j)
	q.log(model.LogLevelWarn, "job_failed id=%s error=%q", id, errMsg)
	return nil
}

// Cancel transitions a pending or running job to cancelled. Cancellation of a
// running job is a bookkeeping transition; any in-flight work is expected to
// observe it cooperatively.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := q.jobs.Cancel(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	j := q.refresh(ctx, id)
	q.publish(events.EventJobCancelled, j)
	q.log(model.LogLevelInfo, "job_cancelled id=%s", id)
	return nil
}

// Retry returns a failed job with remaining attempt budget to pending.
// Surfaces ErrInvalidTransition / ErrRetryExhausted otherwise.
func (q *Queue) Retry(ctx context.Context, id string) error {
	if err := q.jobs.Retry(ctx, id); err != nil {
		return err
	}
	j := q.refresh(ctx, id)
	q.publish(events.EventJobRetried, j)
	q.log(model.LogLevelInfo, "job_retried id=%s", id)
	return nil
}

// Get returns the authoritative job row.
func (q *Queue) Get(ctx context.Context, id string) (*model.Job, error) {
	return q.jobs.Get(ctx, id)
}

// GetProgressInfo returns the progress projection, serving from cache when
// fresh and falling back to the store on a miss.
func (q *Queue) GetProgressInfo(ctx context.Context, id string) (*model.ProgressInfo, error) {
	if v, ok := q.cache.Get(id); ok {
		if info, ok := v.(*model.ProgressInfo); ok {
			return info, nil
		}
	}

	j, err := q.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.cacheJob(j), nil
}

// Stats returns job counts grouped by status.
func (q *Queue) Stats(ctx context.Context) (map[model.JobStatus]int, error) {
	return q.jobs.Stats(ctx)
}

// cacheJob writes the job's progress projection through to the cache.
func (q *Queue) cacheJob(j *model.Job) *model.ProgressInfo {
	info := &model.ProgressInfo{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		UpdatedAt:   time.Now().UTC(),
	}
	q.cache.Set(j.ID, info, gocache.DefaultExpiration)
	return info
}

// refresh re-reads the job after a mutation and updates the cache. A read
// failure here only degrades the cache, never the mutation.
func (q *Queue) refresh(ctx context.Context, id string) *model.Job {
	j, err := q.jobs.Get(ctx, id)
	if err != nil {
		q.cache.Delete(id)
		q.log(model.LogLevelWarn, "cache_refresh_failed id=%s error=%v", id, err)
		return nil
	}
	q.cacheJob(j)
	return j
}

func (q *Queue) publish(eventType events.EventType, j *model.Job) {
	if q.bus == nil || j == nil {
		return
	}
	q.bus.Publish(eventType, map[string]interface{}{
		"job_id": j.ID,
		"queue":  j.Queue,
		"type":   j.Type,
		"status": string(j.Status),
	})
}

func (q *Queue) log(level model.LogLevel, format string, args ...any) {
	if q.logger == nil || level < q.level.Level() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	q.logger.Printf("%s %s queue: %s", time.Now().Format(time.RFC3339), level, msg)
}
