package data

import (
	"testing"
	"time"

	"github.com/freemoses/tpro/btime"
	"github.com/freemoses/tpro/calendar"
	"github.com/freemoses/tpro/config"
)

func TestParseClock(t *testing.T) {
	if got, err := parseClock("17:06"); err != nil || got != 170600 {
		t.Fatalf("17:06: got %d, err %v", got, err)
	}
	if got, err := parseClock("09:30"); err != nil || got != 93000 {
		t.Fatalf("09:30: got %d, err %v", got, err)
	}
	for _, bad := range []string{"", "1706", "25:00", "17:61", "a:b"} {
		if _, err := parseClock(bad); err == nil {
			t.Fatalf("parseClock(%q) should fail", bad)
		}
	}
}

func testRunner() *Runner {
	cal := calendar.New(calendar.MarketCN, []int{
		20260827, 20260828, 20260831, // Thu, Fri, Mon
	})
	return NewRunner(&Engine{Cal: cal}, &config.SyncConfig{TaskTime: "17:06", RepairWeekday: 6})
}

func TestTargetDate(t *testing.T) {
	r := testRunner()
	cutoff := 170600

	// trading day before the cutoff: previous trading day
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, btime.Loc)
	if got := r.targetDate(now, cutoff); got != 20260827 {
		t.Fatalf("before cutoff: got %d", got)
	}
	// trading day after the cutoff: today
	now = time.Date(2026, 8, 28, 17, 30, 0, 0, btime.Loc)
	if got := r.targetDate(now, cutoff); got != 20260828 {
		t.Fatalf("after cutoff: got %d", got)
	}
	// weekend: last trading day, regardless of clock
	now = time.Date(2026, 8, 29, 18, 0, 0, 0, btime.Loc)
	if got := r.targetDate(now, cutoff); got != 20260828 {
		t.Fatalf("weekend: got %d", got)
	}
}

func TestRepairDue(t *testing.T) {
	r := testRunner() // RepairWeekday 6 = Saturday
	sat, fri := 20260829, 20260828

	// Saturday, store caught up, not yet repaired today
	if !r.repairDue(sat, 20260828, 20260828, 0) {
		t.Fatal("repair must fire on the repair weekday once synced")
	}
	// already repaired today
	if r.repairDue(sat, 20260828, 20260828, sat) {
		t.Fatal("repair must run at most once per date")
	}
	// repaired last week, due again this Saturday
	if !r.repairDue(sat, 20260828, 20260828, 20260822) {
		t.Fatal("a past repaired date must not block this week")
	}
	// daily pass still pending
	if r.repairDue(sat, 20260827, 20260828, 0) {
		t.Fatal("repair must wait for the daily pass to catch up")
	}
	// wrong weekday
	if r.repairDue(fri, 20260828, 20260828, 0) {
		t.Fatal("repair must only fire on the configured weekday")
	}
}
