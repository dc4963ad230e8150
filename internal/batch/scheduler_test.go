package batch

import (
	"testing"
	"time"

	"github.com/adpilot-hq/adpilot/internal/store"
)

func schedAccount(tz string, hour int, lastRun *time.Time) store.AdAccount {
	return store.AdAccount{
		ID:           "acct-1",
		Mode:         store.ModeSemiAuto,
		ScheduleHour: hour,
		Timezone:     tz,
		LastRunAt:    lastRun,
	}
}

func TestAccountDueBeforeScheduleHour(t *testing.T) {
	now := time.Date(2026, 8, 31, 5, 0, 0, 0, time.UTC)
	if accountDue(schedAccount("UTC", 6, nil), now) {
		t.Fatal("05:00 is before a 06:00 schedule")
	}
	if !accountDue(schedAccount("UTC", 6, nil), now.Add(time.Hour)) {
		t.Fatal("06:00 should be due with no prior run")
	}
}

func TestAccountDueHonorsTimezone(t *testing.T) {
	// 09:00 UTC is 05:00 in New York; a 6am local schedule is not due yet.
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	if accountDue(schedAccount("America/New_York", 6, nil), now) {
		t.Fatal("local morning has not reached the schedule hour")
	}
	if !accountDue(schedAccount("America/New_York", 6, nil), now.Add(2*time.Hour)) {
		t.Fatal("11:00 UTC is 07:00 local, past the schedule")
	}
}

func TestAccountDueOncePerLocalDay(t *testing.T) {
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	earlier := now.Add(-2 * time.Hour)
	if accountDue(schedAccount("UTC", 6, &earlier), now) {
		t.Fatal("already ran today; must not fire twice")
	}

	yesterday := now.Add(-24 * time.Hour)
	if !accountDue(schedAccount("UTC", 6, &yesterday), now) {
		t.Fatal("yesterday's run does not cover today")
	}
}

func TestAccountDueUnknownTimezoneFallsBackToUTC(t *testing.T) {
	now := time.Date(2026, 8, 31, 7, 0, 0, 0, time.UTC)
	if !accountDue(schedAccount("Mars/Olympus", 6, nil), now) {
		t.Fatal("unknown timezone should be evaluated in UTC")
	}
}

func TestNextRunUsesLocalSchedule(t *testing.T) {
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	next := NextRun(schedAccount("UTC", 6, nil), now)
	if next.Hour() != 6 {
		t.Fatalf("next run hour: %d", next.Hour())
	}
	if !next.After(now) {
		t.Fatalf("next run must be in the future: %v", next)
	}
}
