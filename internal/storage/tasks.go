package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"custodian/internal/model"
)

// TaskStore is the data access layer for agent tasks. Every status mutation is
// a conditional update; the Assign guard is the dispatcher's sole concurrency
// primitive.
type TaskStore struct {
	db *DB
}

// NewTaskStore creates a TaskStore on db.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskColumns = `id, agent_id, job_id, type, priority, payload, status,
	progress, progress_message, result, exit_code, error, attempts, max_attempts,
	retry_after, timeout_seconds, created_at, assigned_at, started_at, completed_at, created_by`

func scanTask(row interface{ Scan(...any) error }) (*model.AgentTask, error) {
	var (
		t                                 model.AgentTask
		jobID, payload, progressMsg       sql.NullString
		result, taskErr                   sql.NullString
		exitCode                          sql.NullInt64
		retryAfter, assignedAt, startedAt sql.NullString
		completedAt                       sql.NullString
		createdAt                         string
	)
	err := row.Scan(&t.ID, &t.AgentID, &jobID, &t.Type, &t.Priority, &payload, &t.Status,
		&t.Progress, &progressMsg, &result, &exitCode, &taskErr, &t.Attempts, &t.MaxAttempts,
		&retryAfter, &t.TimeoutSeconds, &createdAt, &assignedAt, &startedAt, &completedAt, &t.CreatedBy)
	if err != nil {
		return nil, err
	}

	t.JobID = strPtr(jobID)
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	t.ProgressMessage = strPtr(progressMsg)
	t.Result = strPtr(result)
	t.ExitCode = intPtr(exitCode)
	t.Error = strPtr(taskErr)
	if t.RetryAfter, err = parseTimePtr(retryAfter); err != nil {
		return nil, fmt.Errorf("parse retry_after: %w", err)
	}
	if t.AssignedAt, err = parseTimePtr(assignedAt); err != nil {
		return nil, fmt.Errorf("parse assigned_at: %w", err)
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &t, nil
}

// Insert persists a new pending task. The priority rank is materialized so
// the poll ordering is an integer comparison in SQL.
func (s *TaskStore) Insert(ctx context.Context, t *model.AgentTask) error {
	var payload sql.NullString
	if len(t.Payload) > 0 {
		payload = sql.NullString{String: string(t.Payload), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tasks (id, agent_id, job_id, type, priority, priority_rank, payload,
			status, progress, progress_message, result, exit_code, error, attempts, max_attempts,
			retry_after, timeout_seconds, created_at, assigned_at, started_at, completed_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, nullStr(t.JobID), t.Type, t.Priority, model.PriorityRank(t.Priority), payload,
		t.Status, t.Progress, nullStr(t.ProgressMessage), nullStr(t.Result), nullInt(t.ExitCode),
		nullStr(t.Error), t.Attempts, t.MaxAttempts,
		fmtTimePtr(t.RetryAfter), t.TimeoutSeconds,
		fmtTime(t.CreatedAt), fmtTimePtr(t.AssignedAt), fmtTimePtr(t.StartedAt),
		fmtTimePtr(t.CompletedAt), t.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*model.AgentTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListPending returns up to limit pending tasks for an agent whose retry gate
// has passed, ordered by priority rank then creation time. This ordering is
// the only fairness guarantee agents get.
func (s *TaskStore) ListPending(ctx context.Context, agentID string, limit int, now time.Time) ([]*model.AgentTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM agent_tasks
		WHERE agent_id = ? AND status = ?
			AND (retry_after IS NULL OR retry_after <= ?)
		ORDER BY priority_rank ASC, created_at ASC, id ASC
		LIMIT ?`,
		agentID, model.TaskStatusPending, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Assign is the atomic claim: pending → assigned, guarded on current status.
// A false result means another actor took the task; the caller must not
// proceed.
func (s *TaskStore) Assign(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks SET status = ?, assigned_at = ?
		WHERE id = ? AND status = ?`,
		model.TaskStatusAssigned, fmtTime(now),
		id, model.TaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("assign task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

// Start transitions assigned → running.
func (s *TaskStore) Start(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		model.TaskStatusRunning, fmtTime(now),
		id, model.TaskStatusAssigned)
	if err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	return s.checkAffected(ctx, res, id, string(model.TaskStatusAssigned))
}

// UpdateProgress records advisory progress on a running task.
func (s *TaskStore) UpdateProgress(ctx context.Context, id string, progress int, message *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks SET progress = ?, progress_message = ?
		WHERE id = ? AND status = ?`,
		progress, nullStr(message), id, model.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	return s.checkAffected(ctx, res, id, string(model.TaskStatusRunning))
}

// Complete transitions running → completed with the final result.
func (s *TaskStore) Complete(ctx context.Context, id string, result *string, exitCode *int, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks SET status = ?, progress = 100, result = ?, exit_code = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		model.TaskStatusCompleted, nullStr(result), nullInt(exitCode), fmtTime(now),
		id, model.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return s.checkAffected(ctx, res, id, string(model.TaskStatusRunning))
}

// MarkFailed transitions running → failed and increments attempts, returning
// the updated counters so the dispatcher can apply the retry policy. The
// requeue decision happens in a second conditional update (Requeue) so each
// step stays a single-statement CAS.
func (s *TaskStore) MarkFailed(ctx context.Context, id string, errMsg string, exitCode *int, now time.Time) (attempts, maxAttempts int, err error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE agent_tasks SET status = ?, attempts = attempts + 1,
			error = ?, exit_code = ?, completed_at = ?
		WHERE id = ? AND status = ?
		RETURNING attempts, max_attempts`,
		model.TaskStatusFailed, errMsg, nullInt(exitCode), fmtTime(now),
		id, model.TaskStatusRunning)

	err = row.Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, s.classify(ctx, id, string(model.TaskStatusRunning))
	}
	if err != nil {
		return 0, 0, fmt.Errorf("mark task failed: %w", err)
	}
	return attempts, maxAttempts, nil
}

// Requeue returns a freshly failed task to pending with its retry gate set.
// assigned_at/started_at are left stale on purpose; they are overwritten on
// the next assignment.
func (s *TaskStore) Requeue(ctx context.Context, id string, retryAfter time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks SET status = ?, retry_after = ?, completed_at = NULL, progress = 0
		WHERE id = ? AND status = ?`,
		model.TaskStatusPending, fmtTime(retryAfter),
		id, model.TaskStatusFailed)
	if err != nil {
		return false, fmt.Errorf("requeue task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

// Cancel transitions a pending or assigned task to cancelled.
func (s *TaskStore) Cancel(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		model.TaskStatusCancelled, fmtTime(now),
		id, model.TaskStatusPending, model.TaskStatusAssigned)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return s.classify(ctx, id, "pending or assigned")
	}
	return nil
}

// ResetStaleAssigned returns assigned tasks whose claim is older than cutoff
// back to pending and reports their ids. The agent most likely never received
// the HTTP response confirming the assignment.
func (s *TaskStore) ResetStaleAssigned(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE agent_tasks SET status = ?, assigned_at = NULL
		WHERE status = ? AND assigned_at IS NOT NULL AND assigned_at <= ?
		RETURNING id`,
		model.TaskStatusPending, model.TaskStatusAssigned, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("reset stale assigned: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reset id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRunning returns all running tasks. The sweeper filters expired ones in
// application code; the subsequent force-fail is itself a conditional update,
// so the read is only an optimization, never a correctness dependency.
func (s *TaskStore) ListRunning(ctx context.Context) ([]*model.AgentTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM agent_tasks WHERE status = ?`,
		model.TaskStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListByJob returns all tasks linked to a job, oldest first.
func (s *TaskStore) ListByJob(ctx context.Context, jobID string) ([]*model.AgentTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM agent_tasks
		WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by job: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListSettledJobIDs returns ids of running jobs whose linked tasks have all
// reached a terminal state. The sweeper propagates the aggregate outcome to
// these jobs.
func (s *TaskStore) ListSettledJobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id FROM jobs j
		WHERE j.status = ?
			AND EXISTS (SELECT 1 FROM agent_tasks t WHERE t.job_id = j.id)
			AND NOT EXISTS (
				SELECT 1 FROM agent_tasks t
				WHERE t.job_id = j.id AND t.status IN (?, ?, ?)
			)`,
		model.JobStatusRunning,
		model.TaskStatusPending, model.TaskStatusAssigned, model.TaskStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list settled job ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTerminalBefore prunes terminal tasks completed before cutoff.
func (s *TaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled,
		fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete terminal tasks: %w", err)
	}
	return res.RowsAffected()
}

func collectTasks(rows *sql.Rows) ([]*model.AgentTask, error) {
	var tasks []*model.AgentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *TaskStore) checkAffected(ctx context.Context, res sql.Result, id, want string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	return s.classify(ctx, id, want)
}

func (s *TaskStore) classify(ctx context.Context, id, want string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is %s, want %s: %w", id, t.Status, want, ErrInvalidTransition)
}
