package model

import (
	"encoding/json"
	"time"
)

// Job is a unit of asynchronous work tracked by the job queue, independent of
// which agent (if any) ends up executing it.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`

	// Log is append-only streamed output; Result is the write-once final
	// result. They are deliberately separate fields so a progress write can
	// never be mistaken for a final result.
	Log    string  `json:"log,omitempty"`
	Result *string `json:"result,omitempty"`
	Error  *string `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by,omitempty"`
}

// DefaultQueue is the queue jobs land in when the producer does not name one.
const DefaultQueue = "default"

// JobTypeBackupRun is pushed by the scheduler loop for each due schedule.
const JobTypeBackupRun = "backup_run"

// ProgressInfo is the low-latency projection of a job written to the cache on
// every mutation. Advisory only; the jobs row is authoritative.
type ProgressInfo struct {
	JobID       string     `json:"job_id"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
