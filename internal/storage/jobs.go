package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"custodian/internal/model"
)

// JobStore is the data access layer for queue jobs.
type JobStore struct {
	db *DB
}

// NewJobStore creates a JobStore on db.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, queue, type, payload, status, progress, attempts, max_attempts,
	log, result, error, started_at, completed_at, created_at, created_by`

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var (
		j                      model.Job
		payload, result, jErr  sql.NullString
		startedAt, completedAt sql.NullString
		createdAt              string
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Type, &payload, &j.Status, &j.Progress,
		&j.Attempts, &j.MaxAttempts, &j.Log, &result, &jErr,
		&startedAt, &completedAt, &createdAt, &j.CreatedBy)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	j.Result = strPtr(result)
	j.Error = strPtr(jErr)
	if j.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if j.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &j, nil
}

// Insert persists a new pending job.
func (s *JobStore) Insert(ctx context.Context, j *model.Job) error {
	var payload sql.NullString
	if len(j.Payload) > 0 {
		payload = sql.NullString{String: string(j.Payload), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, type, payload, status, progress, attempts, max_attempts,
			log, result, error, started_at, completed_at, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Queue, j.Type, payload, j.Status, j.Progress, j.Attempts, j.MaxAttempts,
		j.Log, nullStr(j.Result), nullStr(j.Error),
		fmtTimePtr(j.StartedAt), fmtTimePtr(j.CompletedAt), fmtTime(j.CreatedAt), j.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Claim atomically transitions the oldest pending job in queue to running and
// returns it. Returns nil with no error when the queue is empty. The inner
// select and the status guard run as one statement, so concurrent workers
// never claim the same job.
func (s *JobStore) Claim(ctx context.Context, queue string, now time.Time) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ? AND status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		) AND status = ?
		RETURNING `+jobColumns,
		model.JobStatusRunning, fmtTime(now),
		queue, model.JobStatusPending, model.JobStatusPending)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// AppendProgress sets progress and appends a log fragment on a running job.
func (s *JobStore) AppendProgress(ctx context.Context, id string, progress int, fragment string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, log = log || ?
		WHERE id = ? AND status = ?`,
		progress, fragment, id, model.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return s.checkAffected(ctx, res, id, model.JobStatusRunning)
}

// Complete transitions a running job to completed with its write-once result.
func (s *JobStore) Complete(ctx context.Context, id string, result *string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = 100, result = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		model.JobStatusCompleted, nullStr(result), fmtTime(now),
		id, model.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return s.checkAffected(ctx, res, id, model.JobStatusRunning)
}

// Fail transitions a running job to failed.
func (s *JobStore) Fail(ctx context.Context, id string, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		model.JobStatusFailed, errMsg, fmtTime(now),
		id, model.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return s.checkAffected(ctx, res, id, model.JobStatusRunning)
}

// Cancel transitions a pending or running job to cancelled.
func (s *JobStore) Cancel(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		model.JobStatusCancelled, fmtTime(now),
		id, model.JobStatusPending, model.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return s.classify(ctx, id, "pending or running")
	}
	return nil
}

// Retry resets a failed job with remaining attempt budget back to pending.
// Attempts count executions and are incremented by Claim, so the gate here is
// attempts already spent versus the budget. The previous run's terminal tasks
// are detached from the job in the same transaction, so the next run's
// settlement aggregates only its own fan-out.
func (s *JobStore) Retry(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?,
			error = NULL, started_at = NULL, completed_at = NULL, progress = 0
		WHERE id = ? AND status = ? AND attempts < max_attempts`,
		model.JobStatusPending, id, model.JobStatusFailed)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE agent_tasks SET job_id = NULL
			WHERE job_id = ? AND status IN (?, ?, ?)`,
			id, model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled)
		if err != nil {
			return fmt.Errorf("detach tasks of retried job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		return nil
	}

	// Release the transaction before classifying: on ":memory:" databases the
	// pool is pinned to a single connection and a held tx would starve Get.
	tx.Rollback()

	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != model.JobStatusFailed {
		return fmt.Errorf("job %s is %s: %w", id, j.Status, ErrInvalidTransition)
	}
	return fmt.Errorf("job %s attempts %d/%d: %w", id, j.Attempts, j.MaxAttempts, ErrRetryExhausted)
}

// Stats returns job counts by status.
func (s *JobStore) Stats(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[model.JobStatus]int)
	for rows.Next() {
		var status model.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// DeleteTerminalBefore prunes terminal jobs completed before cutoff.
func (s *JobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled,
		fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// checkAffected maps a zero-row conditional update to a typed failure.
func (s *JobStore) checkAffected(ctx context.Context, res sql.Result, id string, want model.JobStatus) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	return s.classify(ctx, id, string(want))
}

func (s *JobStore) classify(ctx context.Context, id, want string) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, want %s: %w", id, j.Status, want, ErrInvalidTransition)
}
