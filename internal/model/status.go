package model

import "fmt"

// JobStatus is the lifecycle state of a queue Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// TaskStatus is the lifecycle state of an AgentTask.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

var terminalJobStatuses = map[JobStatus]bool{
	JobStatusCompleted: true,
	JobStatusFailed:    true,
	JobStatusCancelled: true,
}

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskStatusCompleted: true,
	TaskStatusFailed:    true,
	TaskStatusCancelled: true,
}

// Job transitions: pending → running → terminal. cancel is allowed from
// pending and running; retry (failed → pending) is validated separately
// because it also requires remaining attempt budget.
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusRunning:   true,
		JobStatusCancelled: true,
	},
	JobStatusRunning: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	},
	JobStatusFailed: {
		JobStatusPending: true, // retry
	},
}

// Task transitions: pending → assigned → running → terminal.
// failed → pending is the dispatcher's retry-requeue path; assigned → pending
// is the sweeper reclaiming a claim the agent never acted on.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusAssigned:  true,
		TaskStatusCancelled: true,
	},
	TaskStatusAssigned: {
		TaskStatusRunning:   true,
		TaskStatusPending:   true,
		TaskStatusCancelled: true,
	},
	TaskStatusRunning: {
		TaskStatusCompleted: true,
		TaskStatusFailed:    true,
		TaskStatusCancelled: true,
	},
	TaskStatusFailed: {
		TaskStatusPending: true, // retry requeue while budget remains
	},
}

// IsJobTerminal reports whether s is a terminal job status.
func IsJobTerminal(s JobStatus) bool {
	return terminalJobStatuses[s]
}

// IsTaskTerminal reports whether s is a terminal task status.
func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

// ValidateJobTransition returns an error if from → to is not a legal job transition.
func ValidateJobTransition(from, to JobStatus) error {
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from job status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition: %q → %q", from, to)
	}
	return nil
}

// ValidateTaskTransition returns an error if from → to is not a legal task transition.
func ValidateTaskTransition(from, to TaskStatus) error {
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
