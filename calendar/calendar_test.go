package calendar

import (
	"reflect"
	"testing"
)

func testCal() *Calendar {
	// one holiday gap: 20260102 is skipped
	return New(MarketCN, []int{20251231, 20260105, 20260106, 20260107, 20260108, 20260109})
}

func TestIsTradingDay(t *testing.T) {
	c := testCal()
	if !c.IsTradingDay(20260105) {
		t.Fatal("20260105 should be a trading day")
	}
	if c.IsTradingDay(20260103) {
		t.Fatal("20260103 should not be a trading day")
	}
}

func TestPrevNextStrict(t *testing.T) {
	c := testCal()
	if got := c.PrevTradingDay(20260106, 1); got != 20260105 {
		t.Fatalf("prev of trading day must be strictly before: got %d", got)
	}
	if got := c.NextTradingDay(20260106, 1); got != 20260107 {
		t.Fatalf("next of trading day must be strictly after: got %d", got)
	}
	// non-trading input
	if got := c.PrevTradingDay(20260103, 1); got != 20251231 {
		t.Fatalf("prev across gap: got %d", got)
	}
	if got := c.NextTradingDay(20260103, 1); got != 20260105 {
		t.Fatalf("next across gap: got %d", got)
	}
}

func TestPrevNextSteps(t *testing.T) {
	c := testCal()
	if got := c.PrevTradingDay(20260108, 3); got != 20260105 {
		t.Fatalf("3 days back from 20260108: got %d", got)
	}
	if got := c.NextTradingDay(20251231, 2); got != 20260106 {
		t.Fatalf("2 days forward from 20251231: got %d", got)
	}
	// n crossing the holiday gap counts trading days only
	if got := c.PrevTradingDay(20260106, 2); got != 20251231 {
		t.Fatalf("2 days back across gap: got %d", got)
	}
	// n<1 coerces to 1
	if got := c.NextTradingDay(20260105, 0); got != 20260106 {
		t.Fatalf("n=0 must behave as n=1: got %d", got)
	}
}

func TestSaturation(t *testing.T) {
	c := testCal()
	if got := c.PrevTradingDay(19800101, 1); got != 20251231 {
		t.Fatalf("prev before calendar start must saturate to first day: got %d", got)
	}
	if got := c.NextTradingDay(20300101, 1); got != 20260109 {
		t.Fatalf("next past calendar end must saturate to last day: got %d", got)
	}
	if got := c.PrevTradingDay(20260106, 50); got != 20251231 {
		t.Fatalf("oversized n must saturate to first day: got %d", got)
	}
	if got := c.NextTradingDay(20260106, 50); got != 20260109 {
		t.Fatalf("oversized n must saturate to last day: got %d", got)
	}
}

func TestNeedsBoot(t *testing.T) {
	days := testCal().Days()
	if !needsBoot(nil, 20260101) {
		t.Fatal("empty calendar must bootstrap")
	}
	if !needsBoot(days, 20260110) {
		t.Fatal("today past the last stored day must refresh")
	}
	if needsBoot(days, 20260109) {
		t.Fatal("today equal to the last stored day must not refresh")
	}
	if needsBoot(days, 20260106) {
		t.Fatal("today inside the stored span must not refresh")
	}
}

func TestDaysBetween(t *testing.T) {
	c := testCal()
	got := c.DaysBetween(20260101, 20260107)
	want := []int{20260105, 20260106, 20260107}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DaysBetween: got %v, want %v", got, want)
	}
	if got := c.DaysBetween(20260110, 20260120); got != nil {
		t.Fatalf("empty span should be nil, got %v", got)
	}
}

func TestLastDays(t *testing.T) {
	c := testCal()
	got := c.LastDays(3, 20260107)
	want := []int{20260105, 20260106, 20260107}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("LastDays: got %v, want %v", got, want)
	}
	// asOf mid-gap counts back from the last trading day before it
	got = c.LastDays(2, 20260104)
	if len(got) != 1 || got[0] != 20251231 {
		t.Fatalf("LastDays across gap: got %v", got)
	}
	if got := c.LastDays(10, 20260109); len(got) != 6 {
		t.Fatalf("LastDays clipped at calendar start: got %v", got)
	}
}

func TestNewSortsInput(t *testing.T) {
	c := New(MarketCN, []int{20260107, 20260105, 20260106})
	if got := c.Days(); !reflect.DeepEqual(got, []int{20260105, 20260106, 20260107}) {
		t.Fatalf("days not sorted: %v", got)
	}
}
