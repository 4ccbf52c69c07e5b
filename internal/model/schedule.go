package model

import (
	"fmt"
	"time"
)

// ScheduleType selects which recurrence shape of a BackupSchedule is active.
type ScheduleType string

const (
	ScheduleManual   ScheduleType = "manual"
	ScheduleInterval ScheduleType = "interval"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
	ScheduleCron     ScheduleType = "cron"
)

var validScheduleTypes = map[ScheduleType]bool{
	ScheduleManual:   true,
	ScheduleInterval: true,
	ScheduleDaily:    true,
	ScheduleWeekly:   true,
	ScheduleMonthly:  true,
	ScheduleCron:     true,
}

// ValidateScheduleType returns an error if t is not a known schedule type.
func ValidateScheduleType(t ScheduleType) error {
	if !validScheduleTypes[t] {
		return fmt.Errorf("unknown schedule type %q", t)
	}
	return nil
}

// BlackoutPeriod is a range during which a schedule must never fire.
// Start/End are either RFC3339 instants (absolute range) or "HH:MM:SS"
// clock times (daily recurring band, may wrap midnight).
type BlackoutPeriod struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// BackupSchedule is a declarative recurrence bound 1:1 to a domain backup job.
// Exactly one recurrence shape is meaningful, selected by Type. Next-run
// computation is a pure function of (schedule, now); NextRunAt is a derived
// cache written only by the scheduler loop.
type BackupSchedule struct {
	ID    string       `json:"id"`
	JobID string       `json:"job_id"`
	Type  ScheduleType `json:"type"`

	// Time is the "HH:MM:SS" fire time for daily/weekly/monthly shapes,
	// interpreted in Timezone (IANA name, empty means UTC).
	Time     string `json:"time,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Weekdays is a 7-bit mask, bit 0 = Monday (weekly shape).
	Weekdays int `json:"weekdays,omitempty"`
	// Monthdays is a 31-bit mask, bit 0 = day 1 (monthly shape).
	Monthdays int `json:"monthdays,omitempty"`

	IntervalHours  int    `json:"interval_hours,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"`

	// WindowStart/WindowEnd restrict execution to a daily time band
	// ("HH:MM:SS", may wrap midnight). Nil means no restriction.
	WindowStart *string `json:"window_start,omitempty"`
	WindowEnd   *string `json:"window_end,omitempty"`

	MaxRuntime      int              `json:"max_runtime,omitempty"` // seconds
	BlackoutPeriods []BlackoutPeriod `json:"blackout_periods,omitempty"`

	// Agents lists the fleet agents a fired schedule fans tasks out to.
	Agents []string `json:"agents,omitempty"`

	RetryOnFailure    bool `json:"retry_on_failure"`
	MaxRetries        int  `json:"max_retries"`
	RetryDelayMinutes int  `json:"retry_delay_minutes"`

	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// WeekdayBit converts a time.Weekday to the schedule bitmask bit number,
// ISO 8601 numbering minus one: Monday = 0 … Sunday = 6.
func WeekdayBit(d time.Weekday) int {
	if d == time.Sunday {
		return 6
	}
	return int(d) - 1
}

// WeekdaySet reports whether the weekday d is set in mask.
func WeekdaySet(mask int, d time.Weekday) bool {
	return mask&(1<<WeekdayBit(d)) != 0
}

// MonthdaySet reports whether the day of month (1-based) is set in mask.
// Bit 0 = day 1.
func MonthdaySet(mask int, day int) bool {
	if day < 1 || day > 31 {
		return false
	}
	return mask&(1<<(day-1)) != 0
}

// Location resolves the schedule's timezone, falling back to UTC on empty or
// invalid names rather than failing the whole scheduler tick.
func (s *BackupSchedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
