package data

import (
	"context"
	"sort"

	"github.com/freemoses/tpro/btime"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/orm"
)

/*
DayRow is one raw daily record as the upstream returns it. Preclose rides
along so the limit bands can be derived; it is not stored.
*/
type DayRow struct {
	Date         int // YYYYMMDD
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Preclose     float64
	Volume       float64
	Turnover     float64
	OpenInterest float64
	Settlement   float64
}

// MinRow is one raw minute record. Time is HHMMSS of the bar close.
type MinRow struct {
	Date         int
	Time         int
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	Turnover     float64
	OpenInterest float64
}

// FactorRow is one daily indicator record, before the adj-factor join.
type FactorRow struct {
	Date         int
	Close        float64
	TurnoverRate float64
	PE           float64
	PETTM        float64
	PB           float64
	PS           float64
	PSTTM        float64
	TotalShare   float64
	FloatShare   float64
	TotalMV      float64
	FloatMV      float64
}

// AdjRow is one adjustment-factor record.
type AdjRow struct {
	Date   int
	Factor float64
}

/*
InstRow is one instrument as upstream lists it, keyed by the local symbol
alias. Catalog refresh translates the suffix and assigns sids when storing.
*/
type InstRow struct {
	Symbol     string
	Name       string
	Kind       string
	Market     string
	Board      string
	Status     string
	ListDate   int
	DelistDate int
}

/*
Source is an upstream market-data feed. Implementations authenticate on
Login and hand back raw rows; normalization and band math stay in the
engine so every feed behaves the same once past this boundary.

A feed distinguishes "nothing to return" (empty slice, nil error) from a
transport failure (*errs.Error with an ErrApi code); the engine skips on the
former and aborts the instrument on the latter.
*/
type Source interface {
	Name() string
	Login(ctx context.Context) *errs.Error
	FetchDayBars(ctx context.Context, symbol string, startDate, stopDate int) ([]*DayRow, *errs.Error)
	FetchMinuteBars(ctx context.Context, symbol string, tradeDate int) ([]*MinRow, *errs.Error)
	FetchDailyIndicator(ctx context.Context, symbol string, startDate, stopDate int) ([]*FactorRow, *errs.Error)
	FetchAdjFactor(ctx context.Context, symbol string, startDate, stopDate int) ([]*AdjRow, *errs.Error)
}

/*
NormalizeDayRows dedupes by trade date keeping the last occurrence, then
sorts ascending. Upstream snapshots occasionally repeat a date with a
corrected row appended; the correction wins.
按交易日去重（保留最后一条）并升序排序。
*/
func NormalizeDayRows(rows []*DayRow) []*DayRow {
	if len(rows) == 0 {
		return rows
	}
	byDate := make(map[int]*DayRow, len(rows))
	for _, r := range rows {
		byDate[r.Date] = r
	}
	res := make([]*DayRow, 0, len(byDate))
	for _, r := range byDate {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date < res[j].Date })
	return res
}

// NormalizeMinRows dedupes by (date, time) keeping the last, sorts ascending.
func NormalizeMinRows(rows []*MinRow) []*MinRow {
	if len(rows) == 0 {
		return rows
	}
	byKey := make(map[int64]*MinRow, len(rows))
	for _, r := range rows {
		byKey[int64(r.Date)*1000000+int64(r.Time)] = r
	}
	res := make([]*MinRow, 0, len(byKey))
	for _, r := range byKey {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Date != res[j].Date {
			return res[i].Date < res[j].Date
		}
		return res[i].Time < res[j].Time
	})
	return res
}

// NormalizeFactorRows dedupes by trade date keeping the last, sorts ascending.
func NormalizeFactorRows(rows []*FactorRow) []*FactorRow {
	if len(rows) == 0 {
		return rows
	}
	byDate := make(map[int]*FactorRow, len(rows))
	for _, r := range rows {
		byDate[r.Date] = r
	}
	res := make([]*FactorRow, 0, len(byDate))
	for _, r := range byDate {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date < res[j].Date })
	return res
}

// NormalizeAdjRows dedupes by trade date keeping the last, sorts ascending.
func NormalizeAdjRows(rows []*AdjRow) []*AdjRow {
	if len(rows) == 0 {
		return rows
	}
	byDate := make(map[int]*AdjRow, len(rows))
	for _, r := range rows {
		byDate[r.Date] = r
	}
	res := make([]*AdjRow, 0, len(byDate))
	for _, r := range byDate {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date < res[j].Date })
	return res
}

func (r *MinRow) ToBar() *orm.Bar {
	return &orm.Bar{
		TS:           btime.ToMS(r.Date, r.Time),
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Volume:       r.Volume,
		Turnover:     r.Turnover,
		OpenInterest: r.OpenInterest,
	}
}
