package schedule

import (
	"testing"
	"time"

	"custodian/internal/model"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestNextRun_Manual(t *testing.T) {
	s := &model.BackupSchedule{Type: model.ScheduleManual}
	if _, ok := NextRun(s, time.Now()); ok {
		t.Error("manual schedules never fire on their own")
	}
}

func TestNextRun_Daily(t *testing.T) {
	s := &model.BackupSchedule{Type: model.ScheduleDaily, Time: "02:00:00"}

	// Before today's fire time → today.
	got, ok := NextRun(s, mustTime(t, "2024-01-01T01:00:00Z"))
	if !ok {
		t.Fatal("expected a next run")
	}
	if want := mustTime(t, "2024-01-01T02:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// After today's fire time → tomorrow.
	got, ok = NextRun(s, mustTime(t, "2024-01-01T03:00:00Z"))
	if !ok {
		t.Fatal("expected a next run")
	}
	if want := mustTime(t, "2024-01-02T02:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// Exactly at the fire time → strictly after, so tomorrow.
	got, _ = NextRun(s, mustTime(t, "2024-01-01T02:00:00Z"))
	if want := mustTime(t, "2024-01-02T02:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextRun_DailyTimezone(t *testing.T) {
	s := &model.BackupSchedule{
		Type:     model.ScheduleDaily,
		Time:     "02:00:00",
		Timezone: "Europe/Madrid",
	}

	// 2024-01-01 00:30 UTC = 01:30 in Madrid (CET), so today 02:00 CET = 01:00 UTC.
	got, ok := NextRun(s, mustTime(t, "2024-01-01T00:30:00Z"))
	if !ok {
		t.Fatal("expected a next run")
	}
	if want := mustTime(t, "2024-01-01T01:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v (UTC %v), want %v", got, got.UTC(), want)
	}
}

func TestNextRun_Weekly(t *testing.T) {
	// {Mon, Wed}, bit 0 = Monday.
	s := &model.BackupSchedule{
		Type:     model.ScheduleWeekly,
		Time:     "09:00:00",
		Weekdays: 0b0000101,
	}

	// 2024-01-02 is a Tuesday; 10:00 → next match is Wednesday 09:00.
	got, ok := NextRun(s, mustTime(t, "2024-01-02T10:00:00Z"))
	if !ok {
		t.Fatal("expected a next run")
	}
	if want := mustTime(t, "2024-01-03T09:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// Wednesday 10:00, time passed → do not return today again; next is Monday.
	got, _ = NextRun(s, mustTime(t, "2024-01-03T10:00:00Z"))
	if want := mustTime(t, "2024-01-08T09:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// Monday 08:00, time not yet passed → today.
	got, _ = NextRun(s, mustTime(t, "2024-01-08T08:00:00Z"))
	if want := mustTime(t, "2024-01-08T09:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextRun_WeeklyEmptyMask(t *testing.T) {
	s := &model.BackupSchedule{Type: model.ScheduleWeekly, Time: "09:00:00"}
	if _, ok := NextRun(s, time.Now()); ok {
		t.Error("empty weekday mask should never fire")
	}
}

func TestNextRun_Monthly(t *testing.T) {
	// Day 15, bit 14.
	s := &model.BackupSchedule{
		Type:      model.ScheduleMonthly,
		Time:      "03:00:00",
		Monthdays: 1 << 14,
	}

	got, ok := NextRun(s, mustTime(t, "2024-01-10T00:00:00Z"))
	if !ok {
		t.Fatal("expected a next run")
	}
	if want := mustTime(t, "2024-01-15T03:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// Past this month's occurrence → next month.
	got, _ = NextRun(s, mustTime(t, "2024-01-20T00:00:00Z"))
	if want := mustTime(t, "2024-02-15T03:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextRun_MonthlyClampsToLastDay(t *testing.T) {
	// Day 31 does not exist in February: policy is to clamp to the last day
	// of the month, not roll to March.
	s := &model.BackupSchedule{
		Type:      model.ScheduleMonthly,
		Time:      "03:00:00",
		Monthdays: 1 << 30, // day 31
	}

	got, ok := NextRun(s, mustTime(t, "2024-02-15T00:00:00Z"))
	if !ok {
		t.Fatal("expected a next run")
	}
	// 2024 is a leap year → Feb 29.
	if want := mustTime(t, "2024-02-29T03:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// Non-leap year → Feb 28.
	got, _ = NextRun(s, mustTime(t, "2023-02-15T00:00:00Z"))
	if want := mustTime(t, "2023-02-28T03:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextRun_Interval(t *testing.T) {
	s := &model.BackupSchedule{Type: model.ScheduleInterval, IntervalHours: 6}

	after := mustTime(t, "2024-01-01T00:00:00Z")
	got, ok := NextRun(s, after)
	if !ok {
		t.Fatal("expected a next run")
	}
	if want := mustTime(t, "2024-01-01T06:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// A future pre-computed next_run_at wins: interval runs off last
	// completion, not the wall clock.
	next := mustTime(t, "2024-01-01T09:30:00Z")
	s.NextRunAt = &next
	got, _ = NextRun(s, after)
	if !got.Equal(next) {
		t.Errorf("got %v, want bookkeeping value %v", got, next)
	}
}

func TestNextRun_Cron(t *testing.T) {
	s := &model.BackupSchedule{
		Type:           model.ScheduleCron,
		CronExpression: "30 4 * * 1", // 04:30 every Monday
	}

	got, ok := NextRun(s, mustTime(t, "2024-01-02T00:00:00Z")) // Tuesday
	if !ok {
		t.Fatal("expected a next run")
	}
	if want := mustTime(t, "2024-01-08T04:30:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextRun_CronInvalid(t *testing.T) {
	s := &model.BackupSchedule{Type: model.ScheduleCron, CronExpression: "not a cron"}
	if _, ok := NextRun(s, time.Now()); ok {
		t.Error("invalid cron expression should never fire")
	}
}

func TestShouldFireNow_Window(t *testing.T) {
	start, end := "22:00:00", "06:00:00"
	s := &model.BackupSchedule{
		Type:        model.ScheduleDaily,
		WindowStart: &start,
		WindowEnd:   &end,
	}

	// 10:00 is outside the wrapping 22:00–06:00 band.
	if ShouldFireNow(s, mustTime(t, "2024-01-01T10:00:00Z")) {
		t.Error("10:00 should be outside the window")
	}
	if !ShouldFireNow(s, mustTime(t, "2024-01-01T23:00:00Z")) {
		t.Error("23:00 should be inside the window")
	}
	if !ShouldFireNow(s, mustTime(t, "2024-01-01T05:00:00Z")) {
		t.Error("05:00 should be inside the window")
	}
}

func TestShouldFireNow_BlackoutAbsolute(t *testing.T) {
	s := &model.BackupSchedule{
		Type: model.ScheduleDaily,
		BlackoutPeriods: []model.BlackoutPeriod{
			{Start: "2024-01-01T00:00:00Z", End: "2024-01-02T00:00:00Z"},
		},
	}

	if ShouldFireNow(s, mustTime(t, "2024-01-01T12:00:00Z")) {
		t.Error("instant inside absolute blackout should not fire")
	}
	if !ShouldFireNow(s, mustTime(t, "2024-01-03T12:00:00Z")) {
		t.Error("instant outside blackout should fire")
	}
}

func TestShouldFireNow_BlackoutRecurring(t *testing.T) {
	s := &model.BackupSchedule{
		Type: model.ScheduleDaily,
		BlackoutPeriods: []model.BlackoutPeriod{
			{Start: "09:00:00", End: "17:00:00"}, // business hours, daily
		},
	}

	if ShouldFireNow(s, mustTime(t, "2024-06-10T12:00:00Z")) {
		t.Error("instant inside recurring blackout should not fire")
	}
	if !ShouldFireNow(s, mustTime(t, "2024-06-10T20:00:00Z")) {
		t.Error("instant outside recurring blackout should fire")
	}
}

func TestNextEligible_SkipsGatedCandidates(t *testing.T) {
	// Daily at 10:00 but the window only allows 22:00–06:00: nothing is ever
	// eligible, and the probe must terminate rather than spin.
	start, end := "22:00:00", "06:00:00"
	s := &model.BackupSchedule{
		Type:        model.ScheduleDaily,
		Time:        "10:00:00",
		WindowStart: &start,
		WindowEnd:   &end,
	}
	if _, ok := NextEligible(s, mustTime(t, "2024-01-01T00:00:00Z")); ok {
		t.Error("fully gated schedule should report no eligible run")
	}

	// Daily at 23:00 inside the window fires immediately.
	s.Time = "23:00:00"
	got, ok := NextEligible(s, mustTime(t, "2024-01-01T00:00:00Z"))
	if !ok {
		t.Fatal("expected an eligible run")
	}
	if want := mustTime(t, "2024-01-01T23:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// A blackout on specific days pushes the run past the blackout.
	s.Time = "23:00:00"
	s.BlackoutPeriods = []model.BlackoutPeriod{
		{Start: "2024-01-01T00:00:00Z", End: "2024-01-03T00:00:00Z"},
	}
	got, ok = NextEligible(s, mustTime(t, "2024-01-01T00:00:00Z"))
	if !ok {
		t.Fatal("expected an eligible run")
	}
	if want := mustTime(t, "2024-01-03T23:00:00Z"); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseClock(t *testing.T) {
	if _, _, _, err := parseClock("02:00:00"); err != nil {
		t.Errorf("valid clock time rejected: %v", err)
	}
	for _, bad := range []string{"", "25:00:00", "12:61:00", "12:00:61", "noon"} {
		if _, _, _, err := parseClock(bad); err == nil {
			t.Errorf("parseClock(%q) should fail", bad)
		}
	}
}
