package calendar

import (
	"sort"

	"go.uber.org/zap"

	"github.com/freemoses/tpro/btime"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/log"
	"github.com/freemoses/tpro/orm"
)

/*
Calendar holds the sorted trading days of one market as YYYYMMDD ints.
All lookups are binary searches; the whole calendar since 1990 is a few
thousand ints so it stays in memory for the process lifetime.
*/
type Calendar struct {
	Market string
	days   []int
}

// MarketCN is the only market currently synced.
const MarketCN = "CN"

func New(market string, days []int) *Calendar {
	sorted := make([]int, len(days))
	copy(sorted, days)
	sort.Ints(sorted)
	return &Calendar{Market: market, days: sorted}
}

/*
Load reads the calendar from the meta store, refreshing from upstream when the
stored days are missing or already exhausted (today is past the last stored
day). An empty calendar after refresh is fatal: every sync decision depends
on it.
从元数据库加载交易日历，日历缺失或已用尽时从上游拉取；刷新后仍为空视为致命错误。
*/
func Load(market string, boot func() ([]int, *errs.Error)) (*Calendar, *errs.Error) {
	days, err := orm.LoadCalendar(market)
	if err != nil {
		return nil, err
	}
	if needsBoot(days, btime.Today()) && boot != nil {
		fresh, err := boot()
		if err != nil {
			return nil, err
		}
		if len(fresh) > 0 {
			if err = orm.SaveCalendar(market, fresh); err != nil {
				return nil, err
			}
			if days, err = orm.LoadCalendar(market); err != nil {
				return nil, err
			}
			log.Info("calendar refreshed", zap.String("market", market), zap.Int("days", len(days)))
		}
	}
	if len(days) == 0 {
		return nil, errs.NewMsg(core.ErrNoCalendar, "no trading calendar for %s", market)
	}
	return New(market, days), nil
}

// needsBoot reports whether the stored days are empty or end before today.
func needsBoot(days []int, today int) bool {
	return len(days) == 0 || today > days[len(days)-1]
}

// Days returns the backing slice. Callers must not modify it.
func (c *Calendar) Days() []int {
	return c.days
}

func (c *Calendar) IsTradingDay(date int) bool {
	i := sort.SearchInts(c.days, date)
	return i < len(c.days) && c.days[i] == date
}

/*
PrevTradingDay returns the n-th trading day strictly before date, saturating
to the first known day when date precedes the calendar or n overshoots it.
*/
func (c *Calendar) PrevTradingDay(date, n int) int {
	if len(c.days) == 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	i := sort.SearchInts(c.days, date) - n
	if i < 0 {
		return c.days[0]
	}
	return c.days[i]
}

/*
NextTradingDay returns the n-th trading day strictly after date, saturating
to the last known day when date is at or past the calendar end or n
overshoots it.
*/
func (c *Calendar) NextTradingDay(date, n int) int {
	if len(c.days) == 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	i := sort.SearchInts(c.days, date+1) + n - 1
	if i >= len(c.days) {
		return c.days[len(c.days)-1]
	}
	return c.days[i]
}

// DaysBetween returns trading days in [start, stop], ascending.
func (c *Calendar) DaysBetween(start, stop int) []int {
	lo := sort.SearchInts(c.days, start)
	hi := sort.SearchInts(c.days, stop+1)
	if lo >= hi {
		return nil
	}
	res := make([]int, hi-lo)
	copy(res, c.days[lo:hi])
	return res
}

// LastDays returns the n trading days ending at the last one <= asOf.
func (c *Calendar) LastDays(n, asOf int) []int {
	hi := sort.SearchInts(c.days, asOf+1)
	lo := max(hi-n, 0)
	if lo >= hi {
		return nil
	}
	res := make([]int, hi-lo)
	copy(res, c.days[lo:hi])
	return res
}
