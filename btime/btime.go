// Package btime centralizes date handling. Trading dates travel through the
// system as 8-digit ints (YYYYMMDD) and intraday times as 6-digit ints
// (HHMMSS), matching the upstream providers' wire format; timestamps stored
// in the bar tables are 13-digit unix milliseconds in exchange-local time.
package btime

import (
	"time"
)

// Loc is the exchange timezone. All date arithmetic happens in it.
var Loc = mustLoc("Asia/Shanghai")

func mustLoc(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// nowFunc is swapped in tests.
var nowFunc = time.Now

func Now() time.Time {
	return nowFunc().In(Loc)
}

// SetNowForTest overrides the clock; returns a restore func.
func SetNowForTest(t time.Time) func() {
	nowFunc = func() time.Time { return t }
	return func() { nowFunc = time.Now }
}

func TimeMS() int64 {
	return Now().UnixMilli()
}

// Today returns the current date as YYYYMMDD.
func Today() int {
	return DateOf(Now())
}

func DateOf(t time.Time) int {
	t = t.In(Loc)
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// ClockOf returns the time-of-day as HHMMSS.
func ClockOf(t time.Time) int {
	t = t.In(Loc)
	return t.Hour()*10000 + t.Minute()*100 + t.Second()
}

// ToTime converts a YYYYMMDD date to midnight exchange-local time.
func ToTime(date int) time.Time {
	return time.Date(date/10000, time.Month(date/100%100), date%100, 0, 0, 0, 0, Loc)
}

// ToDateTime converts YYYYMMDD + HHMMSS to exchange-local time.
func ToDateTime(date, clock int) time.Time {
	return time.Date(date/10000, time.Month(date/100%100), date%100,
		clock/10000, clock/100%100, clock%100, 0, Loc)
}

// ToMS converts YYYYMMDD + HHMMSS to unix milliseconds.
func ToMS(date, clock int) int64 {
	return ToDateTime(date, clock).UnixMilli()
}

// MSToDate converts a unix-millisecond stamp back to YYYYMMDD.
func MSToDate(ms int64) int {
	return DateOf(time.UnixMilli(ms))
}

// MSToClock converts a unix-millisecond stamp to HHMMSS.
func MSToClock(ms int64) int {
	return ClockOf(time.UnixMilli(ms))
}

// Weekday returns the ISO weekday (Mon=1..Sun=7) of a YYYYMMDD date.
func Weekday(date int) int {
	wd := int(ToTime(date).Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// DateStr renders YYYYMMDD as "2006-01-02", empty for the zero date.
func DateStr(date int) string {
	if date <= 0 {
		return ""
	}
	return ToTime(date).Format("2006-01-02")
}

// ParseDate parses "20060102" or "2006-01-02" into YYYYMMDD; 0 when invalid.
func ParseDate(s string) int {
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, Loc); err == nil {
			return DateOf(t)
		}
	}
	return 0
}
