package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custodian/internal/model"
)

// ScheduleStore is the data access layer for backup schedules. The scheduler
// loop is the only writer of the derived next_run_at field.
type ScheduleStore struct {
	db *DB
}

// NewScheduleStore creates a ScheduleStore on db.
func NewScheduleStore(db *DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

const scheduleColumns = `id, job_id, type, time, timezone, weekdays, monthdays,
	interval_hours, cron_expression, window_start, window_end, max_runtime,
	blackout_periods, agents, retry_on_failure, max_retries, retry_delay_minutes,
	enabled, next_run_at, last_run_at, created_at`

func scanSchedule(row interface{ Scan(...any) error }) (*model.BackupSchedule, error) {
	var (
		s                       model.BackupSchedule
		windowStart, windowEnd  sql.NullString
		blackouts, agents       string
		nextRunAt, lastRunAt    sql.NullString
		retryOnFailure, enabled int
		createdAt               string
	)
	err := row.Scan(&s.ID, &s.JobID, &s.Type, &s.Time, &s.Timezone, &s.Weekdays, &s.Monthdays,
		&s.IntervalHours, &s.CronExpression, &windowStart, &windowEnd, &s.MaxRuntime,
		&blackouts, &agents, &retryOnFailure, &s.MaxRetries, &s.RetryDelayMinutes,
		&enabled, &nextRunAt, &lastRunAt, &createdAt)
	if err != nil {
		return nil, err
	}

	s.WindowStart = strPtr(windowStart)
	s.WindowEnd = strPtr(windowEnd)
	if err := json.Unmarshal([]byte(blackouts), &s.BlackoutPeriods); err != nil {
		return nil, fmt.Errorf("parse blackout_periods: %w", err)
	}
	if err := json.Unmarshal([]byte(agents), &s.Agents); err != nil {
		return nil, fmt.Errorf("parse agents: %w", err)
	}
	s.RetryOnFailure = retryOnFailure != 0
	s.Enabled = enabled != 0
	if s.NextRunAt, err = parseTimePtr(nextRunAt); err != nil {
		return nil, fmt.Errorf("parse next_run_at: %w", err)
	}
	if s.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return nil, fmt.Errorf("parse last_run_at: %w", err)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &s, nil
}

// Insert persists a new schedule.
func (s *ScheduleStore) Insert(ctx context.Context, sched *model.BackupSchedule) error {
	blackouts, err := json.Marshal(sched.BlackoutPeriods)
	if err != nil {
		return fmt.Errorf("marshal blackout_periods: %w", err)
	}
	if sched.BlackoutPeriods == nil {
		blackouts = []byte("[]")
	}
	agents, err := json.Marshal(sched.Agents)
	if err != nil {
		return fmt.Errorf("marshal agents: %w", err)
	}
	if sched.Agents == nil {
		agents = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backup_schedules (id, job_id, type, time, timezone, weekdays, monthdays,
			interval_hours, cron_expression, window_start, window_end, max_runtime,
			blackout_periods, agents, retry_on_failure, max_retries, retry_delay_minutes,
			enabled, next_run_at, last_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.JobID, sched.Type, sched.Time, sched.Timezone,
		sched.Weekdays, sched.Monthdays, sched.IntervalHours, sched.CronExpression,
		nullStr(sched.WindowStart), nullStr(sched.WindowEnd), sched.MaxRuntime,
		string(blackouts), string(agents),
		boolInt(sched.RetryOnFailure), sched.MaxRetries, sched.RetryDelayMinutes,
		boolInt(sched.Enabled), fmtTimePtr(sched.NextRunAt), fmtTimePtr(sched.LastRunAt),
		fmtTime(sched.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// Get retrieves a schedule by id.
func (s *ScheduleStore) Get(ctx context.Context, id string) (*model.BackupSchedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM backup_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

// List returns all schedules, oldest first.
func (s *ScheduleStore) List(ctx context.Context) ([]*model.BackupSchedule, error) {
	return s.list(ctx, `SELECT `+scheduleColumns+` FROM backup_schedules ORDER BY created_at ASC, id ASC`)
}

// ListEnabled returns all enabled schedules, oldest first.
func (s *ScheduleStore) ListEnabled(ctx context.Context) ([]*model.BackupSchedule, error) {
	return s.list(ctx, `SELECT `+scheduleColumns+` FROM backup_schedules WHERE enabled = 1 ORDER BY created_at ASC, id ASC`)
}

func (s *ScheduleStore) list(ctx context.Context, query string) ([]*model.BackupSchedule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var scheds []*model.BackupSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// SetNextRun persists the derived next-run instant. Nil clears it (manual
// schedules, or no further occurrence).
func (s *ScheduleStore) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_schedules SET next_run_at = ? WHERE id = ?`,
		fmtTimePtr(next), id)
	if err != nil {
		return fmt.Errorf("set next run: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordRun stamps last_run_at and the recomputed next_run_at after a fire.
func (s *ScheduleStore) RecordRun(ctx context.Context, id string, lastRun time.Time, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		fmtTime(lastRun), fmtTimePtr(next), id)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetEnabled flips the enabled flag.
func (s *ScheduleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_schedules SET enabled = ? WHERE id = ?`,
		boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
