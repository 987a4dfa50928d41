package orm

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/freemoses/tpro/btime"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
)

/*
Bar is one OHLCV record in the bar store, daily or minute. TS is the unix
millisecond of the bar's trade moment in Asia/Shanghai. Daily-only columns
(limit bands, settlement) stay zero on minute rows.
*/
type Bar struct {
	TS           int64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	Turnover     float64
	LimitUp      float64
	LimitDown    float64
	OpenInterest float64
	Settlement   float64
}

// Factor is one daily indicator row joined with the adjustment factor.
type Factor struct {
	TS           int64
	Close        float64
	TurnoverRate float64
	AdjFactor    float64
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

const (
	barBatchSize = 1000

	dayCols = "sid,ts,open,high,low,close,volume,turnover,limit_up,limit_down,open_interest,settlement"
	minCols = "sid,ts,open,high,low,close,volume,turnover,open_interest"
	facCols = "sid,ts,close,turnover_rate,adj_factor,pe,pe_ttm,pb,ps,ps_ttm,total_share,float_share,total_mv,float_mv"
)

func barTable(kind string) (string, *errs.Error) {
	switch kind {
	case core.DataDayBar:
		return "bar_1d", nil
	case core.DataMinuteBar:
		return "bar_1m", nil
	case core.DataFactor:
		return "factor_1d", nil
	}
	return "", errs.NewMsg(core.ErrRunTime, "unknown data kind: %s", kind)
}

// mapToItems 将查询结果逐行扫描为对象切片
func mapToItems[T any](rows pgx.Rows, assign func(t *T) []any) ([]*T, error) {
	defer rows.Close()
	items := make([]*T, 0)
	for rows.Next() {
		item := new(T)
		if err := rows.Scan(assign(item)...); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanBar(kind string) func(b *Bar) []any {
	if kind == core.DataDayBar {
		return func(b *Bar) []any {
			return []any{&b.TS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
				&b.Turnover, &b.LimitUp, &b.LimitDown, &b.OpenInterest, &b.Settlement}
		}
	}
	return func(b *Bar) []any {
		return []any{&b.TS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
			&b.Turnover, &b.OpenInterest}
	}
}

func barSelCols(kind string) string {
	if kind == core.DataDayBar {
		return "ts,open,high,low,close,volume,turnover,limit_up,limit_down,open_interest,settlement"
	}
	return "ts,open,high,low,close,volume,turnover,open_interest"
}

/*
LastBar returns the newest stored bar for an instrument, nil when the store
has none. The sync cursor derives from this row's timestamp.
*/
func LastBar(ctx context.Context, kind string, sid int32) (*Bar, *errs.Error) {
	tbl, err := barTable(kind)
	if err != nil {
		return nil, err
	}
	sqlStr := fmt.Sprintf("select %s from %s where sid=$1 order by ts desc limit 1", barSelCols(kind), tbl)
	rows, err_ := pool.Query(ctx, sqlStr, sid)
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	items, err_ := mapToItems(rows, scanBar(kind))
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

/*
GetBars returns stored bars in [startMS, stopMS), ascending. stopMS<=0 means
no upper bound.
*/
func GetBars(ctx context.Context, kind string, sid int32, startMS, stopMS int64) ([]*Bar, *errs.Error) {
	tbl, err := barTable(kind)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	args := []any{sid, startMS}
	b.WriteString(fmt.Sprintf("select %s from %s where sid=$1 and ts>=$2", barSelCols(kind), tbl))
	if stopMS > 0 {
		b.WriteString(" and ts<$3")
		args = append(args, stopMS)
	}
	b.WriteString(" order by ts")
	rows, err_ := pool.Query(ctx, b.String(), args...)
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	items, err_ := mapToItems(rows, scanBar(kind))
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	return items, nil
}

func barVals(kind string, sid int32, b *Bar) []any {
	if kind == core.DataDayBar {
		return []any{sid, b.TS, b.Open, b.High, b.Low, b.Close, b.Volume,
			b.Turnover, b.LimitUp, b.LimitDown, b.OpenInterest, b.Settlement}
	}
	return []any{sid, b.TS, b.Open, b.High, b.Low, b.Close, b.Volume,
		b.Turnover, b.OpenInterest}
}

/*
InsertBars writes bars for one instrument. Rows must already be ascending and
strictly newer than the stored tail; a duplicate timestamp fails the whole
batch with ErrDbUniqueViolation rather than silently overwriting.
写入K线。要求已升序且严格晚于库中最新记录；时间戳重复时整批失败。
*/
func InsertBars(ctx context.Context, kind string, sid int32, bars []*Bar) (int64, *errs.Error) {
	if len(bars) == 0 {
		return 0, nil
	}
	tbl, err := barTable(kind)
	if err != nil {
		return 0, err
	}
	cols := minCols
	if kind == core.DataDayBar {
		cols = dayCols
	}
	var total int64
	for start := 0; start < len(bars); start += barBatchSize {
		end := min(start+barBatchSize, len(bars))
		chunk := bars[start:end]
		var b strings.Builder
		b.WriteString(fmt.Sprintf("insert into %s (%s) values ", tbl, cols))
		args := make([]any, 0, len(chunk)*12)
		for i, bar := range chunk {
			vals := barVals(kind, sid, bar)
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(")
			for j := range vals {
				if j > 0 {
					b.WriteString(",")
				}
				b.WriteString(fmt.Sprintf("$%d", len(args)+j+1))
			}
			b.WriteString(")")
			args = append(args, vals...)
		}
		ret, err_ := pool.Exec(ctx, b.String(), args...)
		if err_ != nil {
			return total, NewDbErr(core.ErrDbExecFail, err_)
		}
		total += ret.RowsAffected()
	}
	if err = expandBarRange(kind, sid, bars[0].TS, bars[len(bars)-1].TS); err != nil {
		return total, err
	}
	return total, nil
}

/*
UpsertBars writes bars replacing any stored row at the same timestamp. Used by
repair passes that patch historical records in place.
*/
func UpsertBars(ctx context.Context, kind string, sid int32, bars []*Bar) (int64, *errs.Error) {
	if len(bars) == 0 {
		return 0, nil
	}
	tbl, err := barTable(kind)
	if err != nil {
		return 0, err
	}
	cols := minCols
	if kind == core.DataDayBar {
		cols = dayCols
	}
	colList := strings.Split(cols, ",")
	var sets []string
	for _, c := range colList[2:] {
		sets = append(sets, fmt.Sprintf("%s=excluded.%s", c, c))
	}
	onConf := fmt.Sprintf(" on conflict (sid,ts) do update set %s", strings.Join(sets, ","))
	var total int64
	for start := 0; start < len(bars); start += barBatchSize {
		end := min(start+barBatchSize, len(bars))
		chunk := bars[start:end]
		var b strings.Builder
		b.WriteString(fmt.Sprintf("insert into %s (%s) values ", tbl, cols))
		args := make([]any, 0, len(chunk)*12)
		for i, bar := range chunk {
			vals := barVals(kind, sid, bar)
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(")
			for j := range vals {
				if j > 0 {
					b.WriteString(",")
				}
				b.WriteString(fmt.Sprintf("$%d", len(args)+j+1))
			}
			b.WriteString(")")
			args = append(args, vals...)
		}
		b.WriteString(onConf)
		ret, err_ := pool.Exec(ctx, b.String(), args...)
		if err_ != nil {
			return total, NewDbErr(core.ErrDbExecFail, err_)
		}
		total += ret.RowsAffected()
	}
	if err = expandBarRange(kind, sid, bars[0].TS, bars[len(bars)-1].TS); err != nil {
		return total, err
	}
	return total, nil
}

// GetBar returns the stored bar at an exact timestamp, nil when absent.
func GetBar(ctx context.Context, kind string, sid int32, ts int64) (*Bar, *errs.Error) {
	tbl, err := barTable(kind)
	if err != nil {
		return nil, err
	}
	sqlStr := fmt.Sprintf("select %s from %s where sid=$1 and ts=$2", barSelCols(kind), tbl)
	rows, err_ := pool.Query(ctx, sqlStr, sid, ts)
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	items, err_ := mapToItems(rows, scanBar(kind))
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// CountBars returns the stored row count for one instrument and kind.
func CountBars(ctx context.Context, kind string, sid int32) (int64, *errs.Error) {
	tbl, err := barTable(kind)
	if err != nil {
		return 0, err
	}
	var num int64
	row := pool.QueryRow(ctx, fmt.Sprintf("select count(1) from %s where sid=$1", tbl), sid)
	if err_ := row.Scan(&num); err_ != nil {
		return 0, NewDbErr(core.ErrDbReadFail, err_)
	}
	return num, nil
}

/*
RetireIfEmpty drops the range registration for an instrument whose store is
empty, so retired symbols stop appearing in status listings. Returns true when
the registration was removed.
*/
func RetireIfEmpty(ctx context.Context, kind string, sid int32) (bool, *errs.Error) {
	num, err := CountBars(ctx, kind, sid)
	if err != nil {
		return false, err
	}
	if num > 0 {
		return false, nil
	}
	metaLock.Lock()
	defer metaLock.Unlock()
	_, err_ := metaDB.Exec("delete from bar_ranges where sid=? and kind=?", sid, kind)
	if err_ != nil {
		return false, errs.New(core.ErrDbExecFail, err_)
	}
	return true, nil
}

/*
ZeroCloseDates returns the distinct trade dates holding minute bars with a
zero close for one instrument, ascending YYYYMMDD. Feed for the full repair
sweep.
*/
func ZeroCloseDates(ctx context.Context, sid int32) ([]int, *errs.Error) {
	rows, err_ := pool.Query(ctx, "select ts from bar_1m where sid=$1 and close=0 order by ts", sid)
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	stamps, err_ := mapToItems(rows, func(t *int64) []any { return []any{t} })
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	var dates []int
	last := 0
	for _, ts := range stamps {
		d := btime.MSToDate(*ts)
		if d != last {
			dates = append(dates, d)
			last = d
		}
	}
	return dates, nil
}

// ListBarSids returns the distinct instruments holding rows of a kind.
func ListBarSids(ctx context.Context, kind string) ([]int32, *errs.Error) {
	tbl, err := barTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err_ := pool.Query(ctx, fmt.Sprintf("select distinct sid from %s order by sid", tbl))
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	sids, err_ := mapToItems(rows, func(s *int32) []any { return []any{s} })
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	res := make([]int32, len(sids))
	for i, s := range sids {
		res[i] = *s
	}
	return res, nil
}
