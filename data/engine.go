package data

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/freemoses/tpro/btime"
	"github.com/freemoses/tpro/calendar"
	"github.com/freemoses/tpro/catalog"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/data/money163"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/log"
	"github.com/freemoses/tpro/orm"
)

/*
Engine drives the incremental sync: for every instrument it derives the
cursor from the stored tail, fetches the gap from upstream, normalizes, and
appends. All writes are ascending-only; repair passes go through upserts.
*/
type Engine struct {
	Cal  *calendar.Calendar
	Cat  *catalog.Catalog
	Src  Source
	M163 *money163.Client
	Bus  *Bus

	store Store
	// day rows fetched during minute repair, keyed by symbol+date
	dayCache *ristretto.Cache
}

func NewEngine(cal *calendar.Calendar, cat *catalog.Catalog, src Source, m163 *money163.Client, bus *Bus) *Engine {
	cache, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 16,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	return &Engine{Cal: cal, Cat: cat, Src: src, M163: m163, Bus: bus, store: dbStore{}, dayCache: cache}
}

// symbolOf returns the upstream query symbol for an instrument.
func symbolOf(it *orm.Instrument) string {
	if it.Symbol != "" {
		return it.Symbol
	}
	return catalog.ToSymbol(it.InstID)
}

/*
cursorDate computes the first date to fetch: the trading day after the stored
tail, or the fallback when the store is empty. A tail on or past the last
known trading day yields 0: nothing newer can exist, re-fetching the tail day
would only collide with the rows already stored.
*/
func (e *Engine) cursorDate(last *orm.Bar, fallback int) int {
	if last == nil {
		return fallback
	}
	lastDate := btime.MSToDate(last.TS)
	next := e.Cal.NextTradingDay(lastDate, 1)
	if next <= lastDate {
		return 0
	}
	return next
}

/*
UpdateDayBar syncs daily bars of one instrument up to endDate inclusive.
Limit bands derive from preclose: ±10% default, ±5% under ST, ±20% on the
restricted board regardless of ST.
*/
func (e *Engine) UpdateDayBar(ctx context.Context, it *orm.Instrument, endDate int) *errs.Error {
	last, err := e.store.LastBar(ctx, core.DataDayBar, it.Sid)
	if err != nil {
		return err
	}
	start := e.cursorDate(last, it.ListDate)
	if start > endDate || start <= 0 {
		return nil
	}
	rows, err := e.Src.FetchDayBars(ctx, symbolOf(it), start, endDate)
	if err != nil {
		return err
	}
	rows = NormalizeDayRows(rows)
	if last != nil {
		rows = dropDayRowsBefore(rows, btime.MSToDate(last.TS))
	}
	if len(rows) == 0 {
		_, err = e.store.RetireIfEmpty(ctx, core.DataDayBar, it.Sid)
		return err
	}
	bars := make([]*orm.Bar, 0, len(rows))
	for _, r := range rows {
		rate := core.LimitRateDefault
		if it.Kind == core.KindStock {
			rate = e.Cat.LimitRate(it, r.Date)
		}
		bars = append(bars, &orm.Bar{
			TS:           btime.ToMS(r.Date, 0),
			Open:         r.Open,
			High:         r.High,
			Low:          r.Low,
			Close:        r.Close,
			Volume:       r.Volume,
			Turnover:     r.Turnover,
			LimitUp:      r.Preclose * (1 + rate),
			LimitDown:    r.Preclose * (1 - rate),
			OpenInterest: r.OpenInterest,
			Settlement:   r.Settlement,
		})
	}
	_, err = e.store.InsertBars(ctx, core.DataDayBar, it.Sid, bars)
	return err
}

/*
UpdateMinuteBar syncs minute bars day by day up to endDate. Non-trading and
suspended days are skipped without a fetch; pages holding zero closes get
forward-filled before the write so the store never holds a zero close the
engine could have repaired.
逐日更新分钟线；停牌及非交易日跳过，收盘价为0的行在入库前修复。
*/
func (e *Engine) UpdateMinuteBar(ctx context.Context, it *orm.Instrument, endDate int) *errs.Error {
	last, err := e.store.LastBar(ctx, core.DataMinuteBar, it.Sid)
	if err != nil {
		return err
	}
	start := e.cursorDate(last, max(core.MinMinuteDate, it.ListDate))
	symbol := symbolOf(it)
	for day := start; day <= endDate && day > 0; day = e.Cal.NextTradingDay(day, 1) {
		if err_ := ctx.Err(); err_ != nil {
			return errs.New(core.ErrRunTime, err_)
		}
		if !e.Cal.IsTradingDay(day) || e.Cat.IsSuspended(it.InstID, day) {
			next := e.Cal.NextTradingDay(day, 1)
			if next <= day {
				break
			}
			continue
		}
		rows, err := e.Src.FetchMinuteBars(ctx, symbol, day)
		if err != nil {
			return err
		}
		rows = NormalizeMinRows(rows)
		if hasZeroClose(rows) {
			if err = e.repairMinRows(ctx, symbol, day, rows); err != nil {
				return err
			}
		}
		bars := make([]*orm.Bar, 0, len(rows))
		for _, r := range rows {
			bars = append(bars, r.ToBar())
		}
		if _, err = e.store.InsertBars(ctx, core.DataMinuteBar, it.Sid, bars); err != nil {
			return err
		}
		next := e.Cal.NextTradingDay(day, 1)
		if next <= day {
			break
		}
	}
	_, err = e.store.RetireIfEmpty(ctx, core.DataMinuteBar, it.Sid)
	return err
}

func hasZeroClose(rows []*MinRow) bool {
	for _, r := range rows {
		if r.Close == 0 {
			return true
		}
	}
	return false
}

func dropDayRowsBefore(rows []*DayRow, lastDate int) []*DayRow {
	i := 0
	for i < len(rows) && rows[i].Date <= lastDate {
		i++
	}
	return rows[i:]
}

// dayRowOf fetches (and caches) the daily row of one symbol on one date.
func (e *Engine) dayRowOf(ctx context.Context, symbol string, date int) (*DayRow, *errs.Error) {
	key := fmt.Sprintf("%s/%d", symbol, date)
	if val, ok := e.dayCache.Get(key); ok {
		if row, ok := val.(*DayRow); ok {
			return row, nil
		}
	}
	rows, err := e.Src.FetchDayBars(ctx, symbol, date, date)
	if err != nil {
		return nil, err
	}
	rows = NormalizeDayRows(rows)
	if len(rows) == 0 {
		return nil, nil
	}
	e.dayCache.Set(key, rows[0], 1)
	return rows[0], nil
}

/*
repairMinRows forward-fills zero closes in place: the first zero row seeds
from the day's preclose, every later one from its predecessor's close. With
no daily row available the rows stay dirty for the next sweep.
*/
func (e *Engine) repairMinRows(ctx context.Context, symbol string, date int, rows []*MinRow) *errs.Error {
	if len(rows) == 0 {
		return nil
	}
	day, err := e.dayRowOf(ctx, symbol, date)
	if err != nil {
		return err
	}
	if day == nil {
		return nil
	}
	if rows[0].Close == 0 {
		rows[0].Open, rows[0].High, rows[0].Low, rows[0].Close =
			day.Preclose, day.Preclose, day.Preclose, day.Preclose
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Close == 0 {
			prev := rows[i-1].Close
			rows[i].Open, rows[i].High, rows[i].Low, rows[i].Close = prev, prev, prev, prev
		}
	}
	return nil
}

/*
UpdateDailyFactor syncs the indicator+adj-factor join for one stock. Dates
present only on one side are dropped: a factor row without its indicator (or
the reverse) is useless downstream.
*/
func (e *Engine) UpdateDailyFactor(ctx context.Context, it *orm.Instrument, endDate int) *errs.Error {
	if it.Kind != core.KindStock {
		return nil
	}
	lastFac, err := e.store.LastFactor(ctx, it.Sid)
	if err != nil {
		return err
	}
	var start int
	if lastFac != nil {
		start = e.Cal.NextTradingDay(btime.MSToDate(lastFac.TS), 1)
	} else {
		start = it.ListDate
	}
	if start > endDate || start <= 0 {
		return nil
	}
	symbol := symbolOf(it)
	indicators, err := e.Src.FetchDailyIndicator(ctx, symbol, start, endDate)
	if err != nil {
		return err
	}
	adjs, err := e.Src.FetchAdjFactor(ctx, symbol, start, endDate)
	if err != nil {
		return err
	}
	if len(indicators) == 0 || len(adjs) == 0 {
		_, err = e.store.RetireIfEmpty(ctx, core.DataFactor, it.Sid)
		return err
	}
	indicators = NormalizeFactorRows(indicators)
	adjs = NormalizeAdjRows(adjs)
	byDate := make(map[int]*FactorRow, len(indicators))
	for _, r := range indicators {
		byDate[r.Date] = r
	}
	lastDate := 0
	if lastFac != nil {
		lastDate = btime.MSToDate(lastFac.TS)
	}
	facs := make([]*orm.Factor, 0, len(adjs))
	for _, adj := range adjs {
		ind, ok := byDate[adj.Date]
		if !ok || adj.Date <= lastDate {
			continue
		}
		facs = append(facs, &orm.Factor{
			TS:           btime.ToMS(adj.Date, 0),
			Close:        ind.Close,
			TurnoverRate: ind.TurnoverRate,
			AdjFactor:    adj.Factor,
			PE:           ind.PE,
			PETTM:        ind.PETTM,
			PB:           ind.PB,
			PS:           ind.PS,
			PSTTM:        ind.PSTTM,
			TotalShare:   ind.TotalShare,
			FloatShare:   ind.FloatShare,
			TotalMV:      ind.TotalMV,
			FloatMV:      ind.FloatMV,
		})
	}
	sortFactors(facs)
	if _, err = e.store.InsertFactors(ctx, it.Sid, facs); err != nil {
		return err
	}
	_, err = e.store.RetireIfEmpty(ctx, core.DataFactor, it.Sid)
	return err
}

func sortFactors(facs []*orm.Factor) {
	for i := 1; i < len(facs); i++ {
		for j := i; j > 0 && facs[j].TS < facs[j-1].TS; j-- {
			facs[j], facs[j-1] = facs[j-1], facs[j]
		}
	}
}

func round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

/*
AdjustMinuteBar patches the 15:00 minute record of the last prevNDay trading
days from the 163 deal feed, for records whose volume stayed zero (the feed
the bars came from misses the closing auction). Best effort: a day that
cannot be patched is skipped, not failed.
用163成交明细修补最近N个交易日15:00分钟线的集合竞价数据。
*/
func (e *Engine) AdjustMinuteBar(ctx context.Context, it *orm.Instrument, endDate, prevNDay int) *errs.Error {
	if it.Kind != core.KindStock || e.M163 == nil {
		return nil
	}
	symbol := symbolOf(it)
	if !strings.HasSuffix(symbol, ".SH") && !strings.HasSuffix(symbol, ".SZ") {
		return nil
	}
	for _, day := range e.Cal.LastDays(prevNDay, endDate) {
		if err_ := ctx.Err(); err_ != nil {
			return errs.New(core.ErrRunTime, err_)
		}
		ts := btime.ToMS(day, core.EODMinuteTime)
		rec, err := e.store.GetBar(ctx, core.DataMinuteBar, it.Sid, ts)
		if err != nil {
			return err
		}
		if rec == nil || rec.Volume > 0 {
			continue
		}
		trade, err := e.M163.FetchLastTrade(ctx, symbol, day)
		if err != nil || trade == nil {
			continue
		}
		rec.Close = round2(trade.Price)
		rec.High = max(rec.High, rec.Close)
		rec.Low = min(rec.Low, rec.Close)
		rec.Volume = trade.Volume * 100
		rec.Turnover = round2(trade.Turnover)
		if _, err = e.store.UpsertBars(ctx, core.DataMinuteBar, it.Sid, []*orm.Bar{rec}); err != nil {
			return err
		}
	}
	return nil
}

/*
FixMinuteDB sweeps the whole minute store for zero closes and rebuilds the
affected days from fresh upstream pages. Slow, meant for the off-hours cron.
*/
func (e *Engine) FixMinuteDB(ctx context.Context) *errs.Error {
	sids, err := e.store.ListBarSids(ctx, core.DataMinuteBar)
	if err != nil {
		return err
	}
	e.message("", "minute store sweep started")
	for _, sid := range sids {
		if err_ := ctx.Err(); err_ != nil {
			return errs.New(core.ErrRunTime, err_)
		}
		it := e.Cat.BySid(sid)
		if it == nil {
			continue
		}
		symbol := symbolOf(it)
		if !strings.HasSuffix(symbol, ".SH") && !strings.HasSuffix(symbol, ".SZ") {
			continue
		}
		dates, err := e.store.ZeroCloseDates(ctx, sid)
		if err != nil {
			return err
		}
		if len(dates) == 0 {
			continue
		}
		log.Info("fixing minute bars", zap.String("symbol", symbol), zap.Int("days", len(dates)))
		for _, date := range dates {
			rows, err := e.Src.FetchMinuteBars(ctx, symbol, date)
			if err != nil {
				return err
			}
			rows = NormalizeMinRows(rows)
			if err = e.repairMinRows(ctx, symbol, date, rows); err != nil {
				return err
			}
			bars := make([]*orm.Bar, 0, len(rows))
			for _, r := range rows {
				bars = append(bars, r.ToBar())
			}
			if _, err = e.store.UpsertBars(ctx, core.DataMinuteBar, sid, bars); err != nil {
				return err
			}
		}
	}
	e.message("", "minute store sweep done")
	return nil
}

func (e *Engine) message(passID, msg string) {
	log.Info(msg)
	if e.Bus != nil {
		e.Bus.Message(passID, msg)
	}
}

func (e *Engine) progress(passID, label string, done, total int) {
	if e.Bus != nil {
		e.Bus.Progress(passID, label, done, total)
	}
}

func (e *Engine) finished(passID string) {
	if e.Bus != nil {
		e.Bus.Finished(passID)
	}
}

/*
RunPass syncs every eligible instrument up to endDate: stocks and indexes,
skipping delisted and inactive ones. One instrument failing logs and moves
on; the finished event fires regardless so observers never hang.
*/
func (e *Engine) RunPass(ctx context.Context, passID string, endDate int) *errs.Error {
	defer e.finished(passID)
	items := e.Cat.SortedByID(e.Cat.All(0, core.KindStock, core.KindIndex))
	total := len(items)
	e.message(passID, fmt.Sprintf("sync pass started for %d, %d instruments", endDate, total))
	var failed int
	for i, it := range items {
		if err_ := ctx.Err(); err_ != nil {
			return errs.New(core.ErrRunTime, err_)
		}
		label := fmt.Sprintf("%s - %s", it.InstID, it.Name)
		e.progress(passID, label, i+1, total)
		if it.DelistDate > 0 && it.DelistDate < endDate {
			continue
		}
		if it.Kind == core.KindStock && it.Status != core.StatusActive {
			continue
		}
		if it.Kind == core.KindIndex && catalog.IsIgnoredIndex(it.InstID) {
			continue
		}
		if err := e.syncOne(ctx, it, endDate); err != nil {
			failed++
			log.Warn("sync instrument failed", zap.String("inst", it.InstID), zap.String("err", err.Short()))
			e.message(passID, fmt.Sprintf("sync %s failed: %s", it.InstID, err.Short()))
			if err_ := ctx.Err(); err_ != nil {
				return errs.New(core.ErrRunTime, err_)
			}
		}
	}
	e.message(passID, fmt.Sprintf("sync pass done, %d failed", failed))
	return nil
}

func (e *Engine) syncOne(ctx context.Context, it *orm.Instrument, endDate int) *errs.Error {
	if err := e.UpdateDayBar(ctx, it, endDate); err != nil {
		return err
	}
	if err := e.UpdateMinuteBar(ctx, it, endDate); err != nil {
		return err
	}
	if it.Kind == core.KindStock {
		if err := e.UpdateDailyFactor(ctx, it, endDate); err != nil {
			return err
		}
		if err := e.AdjustMinuteBar(ctx, it, endDate, 1); err != nil {
			return err
		}
	}
	return nil
}

/*
WeeklyRepair runs the 163 patch over the last repairDays trading days for
every active stock.
*/
func (e *Engine) WeeklyRepair(ctx context.Context, passID string, endDate, repairDays int) *errs.Error {
	defer e.finished(passID)
	var items []*orm.Instrument
	for _, it := range e.Cat.All(0, core.KindStock) {
		if it.Status == core.StatusActive {
			items = append(items, it)
		}
	}
	items = e.Cat.SortedByID(items)
	total := len(items)
	e.message(passID, fmt.Sprintf("weekly minute repair started, %d instruments", total))
	for i, it := range items {
		if err_ := ctx.Err(); err_ != nil {
			return errs.New(core.ErrRunTime, err_)
		}
		e.progress(passID, fmt.Sprintf("%s - %s", it.InstID, it.Name), i+1, total)
		if err := e.AdjustMinuteBar(ctx, it, endDate, repairDays); err != nil {
			log.Warn("weekly repair failed", zap.String("inst", it.InstID), zap.String("err", err.Short()))
		}
	}
	e.message(passID, "weekly minute repair done")
	return nil
}
