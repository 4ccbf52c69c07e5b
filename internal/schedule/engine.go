// Package schedule computes when a backup schedule is next due. NextRun and
// ShouldFireNow are pure functions of (schedule, instant); all state lives in
// the caller's store.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"custodian/internal/model"
)

// NextRun returns the next instant strictly after `after` at which the
// schedule is due. The second return is false when the schedule never fires
// on its own (manual type, or an unparsable shape).
//
// Monthly policy: when a configured day does not exist in a month (e.g. the
// 31st in February), the run is clamped to the last day of that month rather
// than rolled forward.
func NextRun(s *model.BackupSchedule, after time.Time) (time.Time, bool) {
	loc := s.Location()
	after = after.In(loc)

	switch s.Type {
	case model.ScheduleManual:
		return time.Time{}, false

	case model.ScheduleInterval:
		if s.IntervalHours <= 0 {
			return time.Time{}, false
		}
		// Interval schedules run off the last-completion bookkeeping, not a
		// wall-clock grid: a pre-computed future next_run_at wins.
		if s.NextRunAt != nil && s.NextRunAt.After(after) {
			return s.NextRunAt.In(loc), true
		}
		return after.Add(time.Duration(s.IntervalHours) * time.Hour), true

	case model.ScheduleDaily:
		h, m, sec, err := parseClock(s.Time)
		if err != nil {
			return time.Time{}, false
		}
		candidate := time.Date(after.Year(), after.Month(), after.Day(), h, m, sec, 0, loc)
		if !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, true

	case model.ScheduleWeekly:
		if s.Weekdays == 0 {
			return time.Time{}, false
		}
		h, m, sec, err := parseClock(s.Time)
		if err != nil {
			return time.Time{}, false
		}
		// Scan forward day by day; today only counts if the time has not
		// passed yet.
		for i := 0; i <= 7; i++ {
			day := after.AddDate(0, 0, i)
			if !model.WeekdaySet(s.Weekdays, day.Weekday()) {
				continue
			}
			candidate := time.Date(day.Year(), day.Month(), day.Day(), h, m, sec, 0, loc)
			if candidate.After(after) {
				return candidate, true
			}
		}
		return time.Time{}, false

	case model.ScheduleMonthly:
		if s.Monthdays == 0 {
			return time.Time{}, false
		}
		h, m, sec, err := parseClock(s.Time)
		if err != nil {
			return time.Time{}, false
		}
		for offset := 0; offset <= 12; offset++ {
			first := time.Date(after.Year(), after.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, offset, 0)
			last := daysInMonth(first.Year(), first.Month())
			for day := 1; day <= last; day++ {
				if !monthdayDue(s.Monthdays, day, last) {
					continue
				}
				candidate := time.Date(first.Year(), first.Month(), day, h, m, sec, 0, loc)
				if candidate.After(after) {
					return candidate, true
				}
			}
		}
		return time.Time{}, false

	case model.ScheduleCron:
		sched, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(after)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	}

	return time.Time{}, false
}

// daysInMonth returns the number of days in the given month. Day 0 of the
// following month normalizes to this month's last day.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// monthdayDue reports whether day is a due day of a month with lastDay days:
// either its mask bit is set, or it is the last day of the month and some set
// bit points past the month's end (clamp policy).
func monthdayDue(mask, day, lastDay int) bool {
	if model.MonthdaySet(mask, day) {
		return true
	}
	if day != lastDay {
		return false
	}
	for d := lastDay + 1; d <= 31; d++ {
		if model.MonthdaySet(mask, d) {
			return true
		}
	}
	return false
}

// ShouldFireNow gates an otherwise-due candidate: false when the instant
// falls outside the schedule's maintenance window or inside a blackout
// period. Callers getting false must re-derive the next candidate instead of
// treating the schedule as due.
func ShouldFireNow(s *model.BackupSchedule, candidate time.Time) bool {
	loc := s.Location()
	candidate = candidate.In(loc)

	if s.WindowStart != nil && s.WindowEnd != nil {
		if !inClockBand(candidate, *s.WindowStart, *s.WindowEnd) {
			return false
		}
	}

	for _, bp := range s.BlackoutPeriods {
		if inBlackout(candidate, bp) {
			return false
		}
	}
	return true
}

// NextEligible combines NextRun and ShouldFireNow: it advances past gated
// candidates until one may fire. Bounded so a schedule whose window and
// blackouts exclude everything cannot spin the scheduler.
func NextEligible(s *model.BackupSchedule, after time.Time) (time.Time, bool) {
	const maxProbes = 200

	cursor := after
	for i := 0; i < maxProbes; i++ {
		candidate, ok := NextRun(s, cursor)
		if !ok {
			return time.Time{}, false
		}
		if ShouldFireNow(s, candidate) {
			return candidate, true
		}
		// Probe again from the rejected candidate. Interval shapes would
		// re-derive the same gated instant forever, so nudge them forward.
		cursor = candidate
		if s.Type == model.ScheduleInterval {
			cursor = cursor.Add(time.Hour)
		}
	}
	return time.Time{}, false
}

// inBlackout tests a candidate against one blackout period. RFC3339 bounds
// describe an absolute range, "HH:MM:SS" bounds a daily recurring band.
func inBlackout(candidate time.Time, bp model.BlackoutPeriod) bool {
	start, errStart := time.Parse(time.RFC3339, bp.Start)
	end, errEnd := time.Parse(time.RFC3339, bp.End)
	if errStart == nil && errEnd == nil {
		return !candidate.Before(start) && !candidate.After(end)
	}
	return inClockBand(candidate, bp.Start, bp.End)
}

// inClockBand reports whether the candidate's clock time lies inside
// [start, end]. A band with start > end wraps midnight (e.g. 22:00–06:00).
func inClockBand(candidate time.Time, start, end string) bool {
	sh, sm, ss, err := parseClock(start)
	if err != nil {
		return false
	}
	eh, em, es, err := parseClock(end)
	if err != nil {
		return false
	}

	c := candidate.Hour()*3600 + candidate.Minute()*60 + candidate.Second()
	lo := sh*3600 + sm*60 + ss
	hi := eh*3600 + em*60 + es

	if lo <= hi {
		return c >= lo && c <= hi
	}
	return c >= lo || c <= hi // wraps midnight
}

func parseClock(s string) (h, m, sec int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		return 0, 0, 0, fmt.Errorf("parse clock time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, 0, 0, fmt.Errorf("clock time %q out of range", s)
	}
	return h, m, sec, nil
}
