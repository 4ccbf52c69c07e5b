package model

import "fmt"

// Priority orders pending AgentTasks within one agent's queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorityRanks maps each priority to its numeric rank. Lower rank is served
// first. The rank is persisted alongside the priority string so ordering is a
// plain integer comparison in SQL, never string ordering.
var priorityRanks = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// PriorityRank returns the numeric rank for p. Unknown priorities rank as normal.
func PriorityRank(p Priority) int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return priorityRanks[PriorityNormal]
}

// ValidatePriority returns an error if p is not a known priority.
func ValidatePriority(p Priority) error {
	if _, ok := priorityRanks[p]; !ok {
		return fmt.Errorf("unknown priority %q", p)
	}
	return nil
}
