// Package dispatch hands tasks to pull-only backup agents. Agents never
// receive pushes: they poll for pending work, claim it with a conditional
// update, and report state transitions back. The dispatcher owns the retry
// policy and the reclamation of abandoned tasks.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"custodian/internal/events"
	"custodian/internal/model"
	"custodian/internal/storage"
)

// Dispatcher is the agent task distribution service.
type Dispatcher struct {
	tasks  *storage.TaskStore
	bus    *events.Bus
	logger *log.Logger
	level  *model.LevelVar

	defaultTimeoutSec  int
	defaultMaxAttempts int
	pollLimit          int
}

// New creates a Dispatcher on the given store. bus may be nil in tests.
func New(tasks *storage.TaskStore, cfg model.DispatchConfig, bus *events.Bus, logger *log.Logger, level *model.LevelVar) *Dispatcher {
	timeoutSec := cfg.DefaultTimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = model.DefaultTaskTimeoutSeconds
	}
	maxAttempts := cfg.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultTaskMaxAttempts
	}
	pollLimit := cfg.PollLimit
	if pollLimit <= 0 {
		pollLimit = 10
	}
	return &Dispatcher{
		tasks:              tasks,
		bus:                bus,
		logger:             logger,
		level:              level,
		defaultTimeoutSec:  timeoutSec,
		defaultMaxAttempts: maxAttempts,
		pollLimit:          pollLimit,
	}
}

// CreateRequest carries the caller-supplied fields of a new task.
type CreateRequest struct {
	AgentID        string          `json:"agent_id"`
	JobID          *string         `json:"job_id,omitempty"`
	Type           string          `json:"type"`
	Priority       model.Priority  `json:"priority"`
	Payload        []byte          `json:"payload,omitempty"`
	MaxAttempts    int             `json:"max_attempts"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	CreatedBy      string          `json:"created_by,omitempty"`
}

// Create persists a new pending task addressed to one agent.
func (d *Dispatcher) Create(ctx context.Context, req CreateRequest) (*model.AgentTask, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("create task: agent_id is required")
	}
	if req.Type == "" {
		return nil, fmt.Errorf("create task: type is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	if err := model.ValidatePriority(priority); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.defaultMaxAttempts
	}
	timeoutSec := req.TimeoutSeconds
	if timeoutSec <= 0 {
		timeoutSec = d.defaultTimeoutSec
	}

	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}
	t := &model.AgentTask{
		ID:             id,
		AgentID:        req.AgentID,
		JobID:          req.JobID,
		Type:           req.Type,
		Priority:       priority,
		Payload:        req.Payload,
		Status:         model.TaskStatusPending,
		MaxAttempts:    maxAttempts,
		TimeoutSeconds: timeoutSec,
		CreatedAt:      time.Now().UTC(),
		CreatedBy:      req.CreatedBy,
	}
	if err := d.tasks.Insert(ctx, t); err != nil {
		return nil, err
	}

	d.publish(events.EventTaskCreated, t)
	d.log(model.LogLevelInfo, "task_created id=%s agent=%s type=%s priority=%s", t.ID, t.AgentID, t.Type, t.Priority)
	return t, nil
}

// ListPending returns the agent's claimable tasks, highest priority rank
// first, oldest first within a rank. Tasks whose retry gate has not passed are
// invisible.
func (d *Dispatcher) ListPending(ctx context.Context, agentID string, limit int) ([]*model.AgentTask, error) {
	if limit <= 0 || limit > d.pollLimit {
		limit = d.pollLimit
	}
	return d.tasks.ListPending(ctx, agentID, limit, time.Now().UTC())
}

// Assign claims a pending task for its agent. A false result means another
// actor won the race; the caller must treat the task as unavailable.
func (d *Dispatcher) Assign(ctx context.Context, id string) (bool, error) {
	ok, err := d.tasks.Assign(ctx, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !ok {
		d.log(model.LogLevelDebug, "assign_conflict task=%s", id)
		return false, nil
	}
	d.publishID(events.EventTaskAssigned, id)
	d.log(model.LogLevelInfo, "task_assigned id=%s", id)
	return true, nil
}

// Start acknowledges that the agent began executing an assigned task.
func (d *Dispatcher) Start(ctx context.Context, id string) error {
	if err := d.tasks.Start(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	d.publishID(events.EventTaskStarted, id)
	d.log(model.LogLevelDebug, "task_started id=%s", id)
	return nil
}

// ReportProgress records advisory progress on a running task. Clamped to
// [0,99]; 100 is reserved for Complete.
func (d *Dispatcher) ReportProgress(ctx context.Context, id string, progress int, message *string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	return d.tasks.UpdateProgress(ctx, id, progress, message)
}

// Complete transitions a running task to completed.
func (d *Dispatcher) Complete(ctx context.Context, id string, result *string, exitCode *int) error {
	if err := d.tasks.Complete(ctx, id, result, exitCode, time.Now().UTC()); err != nil {
		return err
	}
	d.publishID(events.EventTaskCompleted, id)
	d.log(model.LogLevelInfo, "task_completed id=%s", id)
	return nil
}

// Fail records a failed attempt and applies the retry policy: while budget
// remains the task returns to pending behind a linear backoff gate; once the
// budget is spent failed is terminal. Reports whether the task was requeued.
func (d *Dispatcher) Fail(ctx context.Context, id string, errMsg string, exitCode *int) (requeued bool, err error) {
	now := time.Now().UTC()
	attempts, maxAttempts, err := d.tasks.MarkFailed(ctx, id, errMsg, exitCode, now)
	if err != nil {
		return false, err
	}

	if attempts >= maxAttempts {
		d.publishID(events.EventTaskFailed, id)
		d.log(model.LogLevelWarn, "task_failed_terminal id=%s attempts=%d/%d error=%q", id, attempts, maxAttempts, errMsg)
		return false, nil
	}

	retryAfter := now.Add(model.RetryBackoff(attempts))
	ok, err := d.tasks.Requeue(ctx, id, retryAfter)
	if err != nil {
		return false, err
	}
	if !ok {
		// Lost a race against a concurrent transition; the other actor owns
		// the task's fate now.
		d.log(model.LogLevelDebug, "requeue_conflict task=%s", id)
		return false, nil
	}
	d.publishID(events.EventTaskRequeued, id)
	d.log(model.LogLevelInfo, "task_requeued id=%s attempts=%d/%d retry_after=%s", id, attempts, maxAttempts, retryAfter.Format(time.RFC3339))
	return true, nil
}

// Cancel transitions a pending or assigned task to cancelled. Running tasks
// cannot be cancelled here; the agent owns them until a terminal report or a
// sweeper timeout.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	if err := d.tasks.Cancel(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	d.publishID(events.EventTaskCancelled, id)
	d.log(model.LogLevelInfo, "task_cancelled id=%s", id)
	return nil
}

// Get returns the task row.
func (d *Dispatcher) Get(ctx context.Context, id string) (*model.AgentTask, error) {
	return d.tasks.Get(ctx, id)
}

// ListByJob returns all tasks fanned out for a job.
func (d *Dispatcher) ListByJob(ctx context.Context, jobID string) ([]*model.AgentTask, error) {
	return d.tasks.ListByJob(ctx, jobID)
}

// ReclaimStaleAssigned returns tasks stuck in assigned past the grace period
// to pending. The agent most likely never saw the claim response.
func (d *Dispatcher) ReclaimStaleAssigned(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-grace)
	ids, err := d.tasks.ResetStaleAssigned(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		d.publishID(events.EventTaskReclaimed, id)
		d.log(model.LogLevelWarn, "task_reclaimed id=%s reason=assigned_grace_expired", id)
	}
	return len(ids), nil
}

// ReclaimTimedOut force-fails running tasks whose execution exceeded their
// timeout, through the same retry path as an agent-reported failure. The list
// read is advisory; each force-fail is itself a conditional update, so a task
// that reports in between is left alone.
func (d *Dispatcher) ReclaimTimedOut(ctx context.Context) (int, error) {
	running, err := d.tasks.ListRunning(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	reclaimed := 0
	for _, t := range running {
		if t.StartedAt == nil {
			continue
		}
		deadline := t.StartedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}
		errMsg := fmt.Sprintf("timed out after %ds", t.TimeoutSeconds)
		if _, err := d.Fail(ctx, t.ID, errMsg, nil); err != nil {
			d.log(model.LogLevelError, "reclaim_timeout_failed task=%s error=%v", t.ID, err)
			continue
		}
		d.log(model.LogLevelWarn, "task_reclaimed id=%s reason=timeout", t.ID)
		reclaimed++
	}
	return reclaimed, nil
}

func (d *Dispatcher) publish(eventType events.EventType, t *model.AgentTask) {
	if d.bus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id":  t.ID,
		"agent_id": t.AgentID,
		"type":     t.Type,
	}
	if t.JobID != nil {
		data["job_id"] = *t.JobID
	}
	d.bus.Publish(eventType, data)
}

func (d *Dispatcher) publishID(eventType events.EventType, id string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventType, map[string]interface{}{"task_id": id})
}

func (d *Dispatcher) log(level model.LogLevel, format string, args ...any) {
	if d.logger == nil || level < d.level.Level() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s dispatch: %s", time.Now().Format(time.RFC3339), level, msg)
}
