package model

import (
	"encoding/json"
	"time"
)

// AgentTask is a unit of work addressed to exactly one agent, optionally
// created to fulfill a queue Job (JobID non-nil). A task in assigned or
// running is owned by the agent until it reports a terminal state or the
// sweeper reclaims it after timeout.
type AgentTask struct {
	ID       string          `json:"id"`
	AgentID  string          `json:"agent_id"`
	JobID    *string         `json:"job_id,omitempty"`
	Type     string          `json:"type"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Status   TaskStatus      `json:"status"`

	Progress        int     `json:"progress"`
	ProgressMessage *string `json:"progress_message,omitempty"`
	Result          *string `json:"result,omitempty"`
	ExitCode        *int    `json:"exit_code,omitempty"`
	Error           *string `json:"error,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// RetryAfter gates re-eligibility after a failed attempt. A pending task
	// with RetryAfter in the future is invisible to the agent's poll.
	RetryAfter     *time.Time `json:"retry_after,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
}

// TaskTypeBackup is the task type fanned out to agents for a backup_run job.
const TaskTypeBackup = "backup"

const (
	// DefaultTaskTimeoutSeconds bounds how long a running task may go
	// without reaching a terminal state before the sweeper force-fails it.
	DefaultTaskTimeoutSeconds = 3600

	// DefaultTaskMaxAttempts is the per-task retry budget when the creator
	// does not set one.
	DefaultTaskMaxAttempts = 3

	// AssignedGraceSeconds is how long a task may sit in assigned without the
	// agent starting it. Past the grace period the sweeper assumes the agent
	// never received the assignment response and resets the task to pending.
	AssignedGraceSeconds = 60
)

// RetryBackoff computes the requeue delay after the given number of completed
// attempts: linear 300s per attempt, capped at 1800s.
func RetryBackoff(attempts int) time.Duration {
	const (
		step    = 300 * time.Second
		ceiling = 1800 * time.Second
	)
	d := time.Duration(attempts) * step
	if d > ceiling {
		return ceiling
	}
	return d
}
