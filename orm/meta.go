package orm

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
)

/*
Instrument is the meta-store row for one tradable symbol. Sid is the compact
integer key used in the bar tables; InstID is the upstream order-book id
(e.g. 000001.XSHE), Symbol the local alias (e.g. 000001.SZ).
*/
type Instrument struct {
	Sid        int32
	InstID     string
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
LoadInstruments returns all known instruments, optionally filtered by kind.
*/
func LoadInstruments(kinds ...string) ([]*Instrument, *errs.Error) {
	metaLock.Lock()
	defer metaLock.Unlock()
	sqlStr := "select sid,inst_id,symbol,name,kind,market,board,status,list_date,delist_date from instruments"
	var args []any
	if len(kinds) == 1 {
		sqlStr += " where kind=?"
		args = append(args, kinds[0])
	} else if len(kinds) > 1 {
		sqlStr += " where kind in (?" + strings.Repeat(",?", len(kinds)-1) + ")"
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	rows, err_ := metaDB.Query(sqlStr+" order by sid", args...)
	if err_ != nil {
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	defer rows.Close()
	var items []*Instrument
	for rows.Next() {
		it := &Instrument{}
		err_ = rows.Scan(&it.Sid, &it.InstID, &it.Symbol, &it.Name, &it.Kind, &it.Market,
			&it.Board, &it.Status, &it.ListDate, &it.DelistDate)
		if err_ != nil {
			return nil, errs.New(core.ErrDbReadFail, err_)
		}
		items = append(items, it)
	}
	if err_ = rows.Err(); err_ != nil {
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	return items, nil
}

/*
SaveInstruments upserts the instrument list fetched from upstream, keyed by
inst_id so an instrument keeps its sid across refreshes. Existing sids must
stay stable: the bar tables reference them.
按inst_id更新证券列表；sid在多次刷新间保持不变，K线表依赖它。
*/
func SaveInstruments(items []*Instrument) *errs.Error {
	metaLock.Lock()
	defer metaLock.Unlock()
	tx, err_ := metaDB.Begin()
	if err_ != nil {
		return errs.New(core.ErrDbExecFail, err_)
	}
	stmt, err_ := tx.Prepare(`insert into instruments
		(inst_id,symbol,name,kind,market,board,status,list_date,delist_date)
		values (?,?,?,?,?,?,?,?,?)
		on conflict(inst_id) do update set symbol=excluded.symbol, name=excluded.name,
		kind=excluded.kind, market=excluded.market, board=excluded.board,
		status=excluded.status, list_date=excluded.list_date, delist_date=excluded.delist_date`)
	if err_ != nil {
		_ = tx.Rollback()
		return errs.New(core.ErrDbExecFail, err_)
	}
	for _, it := range items {
		_, err_ = stmt.Exec(it.InstID, it.Symbol, it.Name, it.Kind, it.Market,
			it.Board, it.Status, it.ListDate, it.DelistDate)
		if err_ != nil {
			_ = tx.Rollback()
			return errs.New(core.ErrDbExecFail, err_)
		}
	}
	if err_ = tx.Commit(); err_ != nil {
		return errs.New(core.ErrDbExecFail, err_)
	}
	return nil
}

// DateRange is a half-open [Start, Stop) span of YYYYMMDD dates on an instrument.
type DateRange struct {
	InstID string
	Start  int
	Stop   int
}

const (
	TagST      = "st"
	TagSuspend = "susp"
)

// LoadInstDates returns all tagged ranges (ST flags or suspensions), grouped by inst_id.
func LoadInstDates(tag string) (map[string][]*DateRange, *errs.Error) {
	metaLock.Lock()
	defer metaLock.Unlock()
	rows, err_ := metaDB.Query("select inst_id,start_date,stop_date from inst_dates where tag=?", tag)
	if err_ != nil {
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	defer rows.Close()
	res := make(map[string][]*DateRange)
	for rows.Next() {
		r := &DateRange{}
		if err_ = rows.Scan(&r.InstID, &r.Start, &r.Stop); err_ != nil {
			return nil, errs.New(core.ErrDbReadFail, err_)
		}
		res[r.InstID] = append(res[r.InstID], r)
	}
	if err_ = rows.Err(); err_ != nil {
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	return res, nil
}

// SaveInstDates replaces all ranges of one tag with a fresh upstream snapshot.
func SaveInstDates(tag string, ranges []*DateRange) *errs.Error {
	metaLock.Lock()
	defer metaLock.Unlock()
	tx, err_ := metaDB.Begin()
	if err_ != nil {
		return errs.New(core.ErrDbExecFail, err_)
	}
	if _, err_ = tx.Exec("delete from inst_dates where tag=?", tag); err_ != nil {
		_ = tx.Rollback()
		return errs.New(core.ErrDbExecFail, err_)
	}
	stmt, err_ := tx.Prepare("insert into inst_dates (inst_id,tag,start_date,stop_date) values (?,?,?,?)")
	if err_ != nil {
		_ = tx.Rollback()
		return errs.New(core.ErrDbExecFail, err_)
	}
	for _, r := range ranges {
		if _, err_ = stmt.Exec(r.InstID, tag, r.Start, r.Stop); err_ != nil {
			_ = tx.Rollback()
			return errs.New(core.ErrDbExecFail, err_)
		}
	}
	if err_ = tx.Commit(); err_ != nil {
		return errs.New(core.ErrDbExecFail, err_)
	}
	return nil
}

// LoadCalendar returns all stored trading days of a market, ascending YYYYMMDD.
func LoadCalendar(market string) ([]int, *errs.Error) {
	metaLock.Lock()
	defer metaLock.Unlock()
	rows, err_ := metaDB.Query("select trade_date from calendars where market=? order by trade_date", market)
	if err_ != nil {
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	defer rows.Close()
	var dates []int
	for rows.Next() {
		var d int
		if err_ = rows.Scan(&d); err_ != nil {
			return nil, errs.New(core.ErrDbReadFail, err_)
		}
		dates = append(dates, d)
	}
	if err_ = rows.Err(); err_ != nil {
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	return dates, nil
}

// SaveCalendar stores trading days, ignoring days already present.
func SaveCalendar(market string, dates []int) *errs.Error {
	metaLock.Lock()
	defer metaLock.Unlock()
	tx, err_ := metaDB.Begin()
	if err_ != nil {
		return errs.New(core.ErrDbExecFail, err_)
	}
	stmt, err_ := tx.Prepare("insert or ignore into calendars (market,trade_date) values (?,?)")
	if err_ != nil {
		_ = tx.Rollback()
		return errs.New(core.ErrDbExecFail, err_)
	}
	for _, d := range dates {
		if _, err_ = stmt.Exec(market, d); err_ != nil {
			_ = tx.Rollback()
			return errs.New(core.ErrDbExecFail, err_)
		}
	}
	if err_ = tx.Commit(); err_ != nil {
		return errs.New(core.ErrDbExecFail, err_)
	}
	return nil
}

// GetMetaVal reads one value from the meta kv table, "" when missing.
func GetMetaVal(key string) (string, *errs.Error) {
	metaLock.Lock()
	defer metaLock.Unlock()
	var val string
	err_ := metaDB.QueryRow("select val from meta_kv where key=?", key).Scan(&val)
	if err_ != nil {
		if errors.Is(err_, sql.ErrNoRows) {
			return "", nil
		}
		return "", errs.New(core.ErrDbReadFail, err_)
	}
	return val, nil
}

func SetMetaVal(key, val string) *errs.Error {
	metaLock.Lock()
	defer metaLock.Unlock()
	_, err_ := metaDB.Exec("insert into meta_kv (key,val) values (?,?) on conflict(key) do update set val=excluded.val", key, val)
	if err_ != nil {
		return errs.New(core.ErrDbExecFail, err_)
	}
	return nil
}

const keyUpdatedDate = "sync_updated_date"

/*
LoadUpdatedDate returns the trade date of the last completed sync pass, 0 when
none has run. The runner gates on this so a day syncs at most once.
*/
func LoadUpdatedDate() (int, *errs.Error) {
	val, err := GetMetaVal(keyUpdatedDate)
	if err != nil || val == "" {
		return 0, err
	}
	num, err_ := strconv.Atoi(val)
	if err_ != nil {
		return 0, errs.New(core.ErrDbReadFail, err_)
	}
	return num, nil
}

func SaveUpdatedDate(date int) *errs.Error {
	return SetMetaVal(keyUpdatedDate, strconv.Itoa(date))
}

const keyRepairedDate = "sync_repaired_date"

// LoadRepairedDate returns the calendar date of the last weekly minute
// repair, 0 when none has run. Tracked apart from the sync cursor so the
// repair fires once per repair day regardless of how the daily gate lands.
func LoadRepairedDate() (int, *errs.Error) {
	val, err := GetMetaVal(keyRepairedDate)
	if err != nil || val == "" {
		return 0, err
	}
	num, err_ := strconv.Atoi(val)
	if err_ != nil {
		return 0, errs.New(core.ErrDbReadFail, err_)
	}
	return num, nil
}

func SaveRepairedDate(date int) *errs.Error {
	return SetMetaVal(keyRepairedDate, strconv.Itoa(date))
}

// BarRange is the registered [StartMS, StopMS] span stored for one sid+kind.
type BarRange struct {
	Sid     int32
	Kind    string
	StartMS int64
	StopMS  int64
}

func expandBarRange(kind string, sid int32, startMS, stopMS int64) *errs.Error {
	metaLock.Lock()
	defer metaLock.Unlock()
	_, err_ := metaDB.Exec(`insert into bar_ranges (sid,kind,start_ms,stop_ms) values (?,?,?,?)
		on conflict(sid,kind) do update set start_ms=min(start_ms,excluded.start_ms),
		stop_ms=max(stop_ms,excluded.stop_ms)`, sid, kind, startMS, stopMS)
	if err_ != nil {
		return errs.New(core.ErrDbExecFail, err_)
	}
	return nil
}

// LoadBarRanges returns all registered ranges for one kind, keyed by sid.
func LoadBarRanges(kind string) (map[int32]*BarRange, *errs.Error) {
	metaLock.Lock()
	defer metaLock.Unlock()
	rows, err_ := metaDB.Query("select sid,kind,start_ms,stop_ms from bar_ranges where kind=?", kind)
	if err_ != nil {
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	defer rows.Close()
	res := make(map[int32]*BarRange)
	for rows.Next() {
		r := &BarRange{}
		if err_ = rows.Scan(&r.Sid, &r.Kind, &r.StartMS, &r.StopMS); err_ != nil {
			return nil, errs.New(core.ErrDbReadFail, err_)
		}
		res[r.Sid] = r
	}
	if err_ = rows.Err(); err_ != nil {
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	return res, nil
}
