package data

import (
	"context"
	"fmt"
	"testing"

	"github.com/freemoses/tpro/btime"
	"github.com/freemoses/tpro/calendar"
	"github.com/freemoses/tpro/catalog"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/orm"
)

// fakeSource serves canned rows per symbol/date.
type fakeSource struct {
	dayRows    map[string][]*DayRow    // keyed by symbol
	minRows    map[int][]*MinRow       // keyed by trade date
	indRows    map[string][]*FactorRow // keyed by symbol
	adjRows    map[string][]*AdjRow    // keyed by symbol
	dayErrs    map[string]*errs.Error  // per-symbol day fetch failure
	fetches    int
	minFetches int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Login(ctx context.Context) *errs.Error { return nil }

func (f *fakeSource) FetchDayBars(ctx context.Context, symbol string, startDate, stopDate int) ([]*DayRow, *errs.Error) {
	f.fetches++
	if err := f.dayErrs[symbol]; err != nil {
		return nil, err
	}
	var res []*DayRow
	for _, r := range f.dayRows[symbol] {
		if r.Date >= startDate && r.Date <= stopDate {
			res = append(res, r)
		}
	}
	return res, nil
}

func (f *fakeSource) FetchMinuteBars(ctx context.Context, symbol string, tradeDate int) ([]*MinRow, *errs.Error) {
	f.minFetches++
	return f.minRows[tradeDate], nil
}

func (f *fakeSource) FetchDailyIndicator(ctx context.Context, symbol string, startDate, stopDate int) ([]*FactorRow, *errs.Error) {
	var res []*FactorRow
	for _, r := range f.indRows[symbol] {
		if r.Date >= startDate && r.Date <= stopDate {
			res = append(res, r)
		}
	}
	return res, nil
}

func (f *fakeSource) FetchAdjFactor(ctx context.Context, symbol string, startDate, stopDate int) ([]*AdjRow, *errs.Error) {
	var res []*AdjRow
	for _, r := range f.adjRows[symbol] {
		if r.Date >= startDate && r.Date <= stopDate {
			res = append(res, r)
		}
	}
	return res, nil
}

// fakeStore is an in-memory Store enforcing the same (sid,ts) uniqueness the
// real tables carry.
type fakeStore struct {
	bars    map[string][]*orm.Bar
	factors map[int32][]*orm.Factor
	retired map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bars:    map[string][]*orm.Bar{},
		factors: map[int32][]*orm.Factor{},
		retired: map[string]bool{},
	}
}

func barKey(kind string, sid int32) string { return fmt.Sprintf("%s/%d", kind, sid) }

func (s *fakeStore) LastBar(ctx context.Context, kind string, sid int32) (*orm.Bar, *errs.Error) {
	var last *orm.Bar
	for _, b := range s.bars[barKey(kind, sid)] {
		if last == nil || b.TS > last.TS {
			last = b
		}
	}
	return last, nil
}

func (s *fakeStore) GetBar(ctx context.Context, kind string, sid int32, ts int64) (*orm.Bar, *errs.Error) {
	for _, b := range s.bars[barKey(kind, sid)] {
		if b.TS == ts {
			return b, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) InsertBars(ctx context.Context, kind string, sid int32, bars []*orm.Bar) (int64, *errs.Error) {
	key := barKey(kind, sid)
	for _, b := range bars {
		for _, have := range s.bars[key] {
			if have.TS == b.TS {
				return 0, errs.NewMsg(core.ErrDbUniqueViolation, "duplicate bar %s ts %d", key, b.TS)
			}
		}
		s.bars[key] = append(s.bars[key], b)
	}
	return int64(len(bars)), nil
}

func (s *fakeStore) UpsertBars(ctx context.Context, kind string, sid int32, bars []*orm.Bar) (int64, *errs.Error) {
	key := barKey(kind, sid)
	for _, b := range bars {
		replaced := false
		for i, have := range s.bars[key] {
			if have.TS == b.TS {
				s.bars[key][i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			s.bars[key] = append(s.bars[key], b)
		}
	}
	return int64(len(bars)), nil
}

func (s *fakeStore) RetireIfEmpty(ctx context.Context, kind string, sid int32) (bool, *errs.Error) {
	key := barKey(kind, sid)
	if kind == core.DataFactor {
		if len(s.factors[sid]) == 0 {
			s.retired[key] = true
			return true, nil
		}
		return false, nil
	}
	if len(s.bars[key]) == 0 {
		s.retired[key] = true
		return true, nil
	}
	return false, nil
}

func (s *fakeStore) LastFactor(ctx context.Context, sid int32) (*orm.Factor, *errs.Error) {
	var last *orm.Factor
	for _, f := range s.factors[sid] {
		if last == nil || f.TS > last.TS {
			last = f
		}
	}
	return last, nil
}

func (s *fakeStore) InsertFactors(ctx context.Context, sid int32, facs []*orm.Factor) (int64, *errs.Error) {
	for _, f := range facs {
		for _, have := range s.factors[sid] {
			if have.TS == f.TS {
				return 0, errs.NewMsg(core.ErrDbUniqueViolation, "duplicate factor sid %d ts %d", sid, f.TS)
			}
		}
		s.factors[sid] = append(s.factors[sid], f)
	}
	return int64(len(facs)), nil
}

func (s *fakeStore) ZeroCloseDates(ctx context.Context, sid int32) ([]int, *errs.Error) {
	seen := map[int]bool{}
	var res []int
	for _, b := range s.bars[barKey(core.DataMinuteBar, sid)] {
		if b.Close == 0 {
			d := btime.MSToDate(b.TS)
			if !seen[d] {
				seen[d] = true
				res = append(res, d)
			}
		}
	}
	return res, nil
}

func (s *fakeStore) ListBarSids(ctx context.Context, kind string) ([]int32, *errs.Error) {
	var res []int32
	for sid := int32(1); sid < 100; sid++ {
		if len(s.bars[barKey(kind, sid)]) > 0 {
			res = append(res, sid)
		}
	}
	return res, nil
}

func testEngine(src Source) *Engine {
	cal := calendar.New(calendar.MarketCN, []int{
		20260105, 20260106, 20260107, 20260108, 20260109, 20260112,
	})
	return NewEngine(cal, nil, src, nil, NewBus())
}

func TestRepairMinRowsForwardFill(t *testing.T) {
	src := &fakeSource{dayRows: map[string][]*DayRow{
		"000001.SZ": {{Date: 20260105, Preclose: 99, Close: 105}},
	}}
	e := testEngine(src)
	rows := []*MinRow{
		{Date: 20260105, Time: 93100, Close: 0},
		{Date: 20260105, Time: 93200, Close: 0},
		{Date: 20260105, Time: 93300, Close: 100},
		{Date: 20260105, Time: 93400, Close: 0},
		{Date: 20260105, Time: 93500, Close: 105},
	}
	if err := e.repairMinRows(context.Background(), "000001.SZ", 20260105, rows); err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	want := []float64{99, 99, 100, 100, 105}
	for i, w := range want {
		if rows[i].Close != w {
			t.Fatalf("row %d: close %v, want %v", i, rows[i].Close, w)
		}
	}
	// repaired rows carry the fill across all four prices
	if rows[0].Open != 99 || rows[0].High != 99 || rows[0].Low != 99 {
		t.Fatalf("first fill must seed OHLC from preclose: %+v", rows[0])
	}
	if rows[2].Open == 100 {
		t.Fatal("clean rows must not be touched")
	}
}

func TestRepairMinRowsNoDailyRow(t *testing.T) {
	src := &fakeSource{dayRows: map[string][]*DayRow{}}
	e := testEngine(src)
	rows := []*MinRow{{Date: 20260105, Time: 93100, Close: 0}}
	if err := e.repairMinRows(context.Background(), "000001.SZ", 20260105, rows); err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if rows[0].Close != 0 {
		t.Fatal("without a daily row the bars must stay untouched")
	}
}

func TestDayRowCache(t *testing.T) {
	src := &fakeSource{dayRows: map[string][]*DayRow{
		"000001.SZ": {{Date: 20260105, Preclose: 99}},
	}}
	e := testEngine(src)
	ctx := context.Background()
	if _, err := e.dayRowOf(ctx, "000001.SZ", 20260105); err != nil {
		t.Fatal(err)
	}
	// ristretto admits asynchronously; wait for the entry
	e.dayCache.Wait()
	if _, err := e.dayRowOf(ctx, "000001.SZ", 20260105); err != nil {
		t.Fatal(err)
	}
	if src.fetches != 1 {
		t.Fatalf("second lookup should hit the cache, fetched %d times", src.fetches)
	}
}

func TestCursorDate(t *testing.T) {
	e := testEngine(&fakeSource{})
	if got := e.cursorDate(nil, 20200101); got != 20200101 {
		t.Fatalf("empty store must start at fallback: %d", got)
	}
	last := &orm.Bar{TS: btime.ToMS(20260106, 0)}
	if got := e.cursorDate(last, 0); got != 20260107 {
		t.Fatalf("cursor must be the next trading day after the tail: %d", got)
	}
	// tail on the last known day: nothing newer exists, cursor must vanish
	tail := &orm.Bar{TS: btime.ToMS(20260112, 0)}
	if got := e.cursorDate(tail, 0); got != 0 {
		t.Fatalf("tail at the calendar end must yield 0, got %d", got)
	}
}

func TestMinuteCursorStopsAtCalendarEnd(t *testing.T) {
	src := &fakeSource{}
	e := testEngine(src)
	fs := newFakeStore()
	e.store = fs
	it := &orm.Instrument{Sid: 1, InstID: "000001.XSHE", Symbol: "000001.SZ",
		Kind: core.KindStock, ListDate: 20200101}
	seed := &orm.Bar{TS: btime.ToMS(20260112, core.EODMinuteTime), Close: 10}
	if _, err := fs.InsertBars(context.Background(), core.DataMinuteBar, it.Sid, []*orm.Bar{seed}); err != nil {
		t.Fatal(err)
	}
	if err := e.UpdateMinuteBar(context.Background(), it, 20260112); err != nil {
		t.Fatalf("tail on the last known day must make the pass a no-op: %v", err)
	}
	if src.minFetches != 0 {
		t.Fatalf("stored tail already covers the calendar, yet fetched %d times", src.minFetches)
	}
	if n := len(fs.bars[barKey(core.DataMinuteBar, it.Sid)]); n != 1 {
		t.Fatalf("stored rows must stay untouched, got %d", n)
	}
}

func TestUpdateDailyFactorDedupesAdjRows(t *testing.T) {
	src := &fakeSource{
		indRows: map[string][]*FactorRow{"000001.SZ": {
			{Date: 20260105, Close: 10},
			{Date: 20260106, Close: 11},
		}},
		// upstream repeats 20260106 with a corrected row appended
		adjRows: map[string][]*AdjRow{"000001.SZ": {
			{Date: 20260105, Factor: 1.0},
			{Date: 20260106, Factor: 1.1},
			{Date: 20260106, Factor: 1.2},
		}},
	}
	e := testEngine(src)
	fs := newFakeStore()
	e.store = fs
	it := &orm.Instrument{Sid: 1, InstID: "000001.XSHE", Symbol: "000001.SZ",
		Kind: core.KindStock, ListDate: 20260105}
	if err := e.UpdateDailyFactor(context.Background(), it, 20260106); err != nil {
		t.Fatalf("factor sync failed: %v", err)
	}
	facs := fs.factors[it.Sid]
	if len(facs) != 2 {
		t.Fatalf("want 2 factor rows, got %d", len(facs))
	}
	if got := facs[1].AdjFactor; got != 1.2 {
		t.Fatalf("repeated date must keep the last factor: got %v", got)
	}
}

func TestRunPassPartialFailure(t *testing.T) {
	src := &fakeSource{
		dayRows: map[string][]*DayRow{
			"000002.SZ": {
				{Date: 20260105, Close: 10, Preclose: 9.8},
				{Date: 20260106, Close: 10.5, Preclose: 10},
			},
		},
		dayErrs: map[string]*errs.Error{
			"000001.SZ": errs.NewMsg(core.ErrApiReadFail, "read timeout"),
		},
	}
	e := testEngine(src)
	fs := newFakeStore()
	e.store = fs
	e.Cat = catalog.New([]*orm.Instrument{
		{Sid: 1, InstID: "000001.XSHE", Symbol: "000001.SZ", Kind: core.KindStock,
			Status: core.StatusActive, Board: core.BoardMain, ListDate: 20260105},
		{Sid: 2, InstID: "000002.XSHE", Symbol: "000002.SZ", Kind: core.KindStock,
			Status: core.StatusActive, Board: core.BoardMain, ListDate: 20260105},
	}, nil, nil)
	ch, cancel := e.Bus.Subscribe()
	defer cancel()
	if err := e.RunPass(context.Background(), "p1", 20260106); err != nil {
		t.Fatalf("one failing instrument must not abort the pass: %v", err)
	}
	if n := len(fs.bars[barKey(core.DataDayBar, 2)]); n != 2 {
		t.Fatalf("the healthy instrument must still sync, got %d day bars", n)
	}
	if n := len(fs.bars[barKey(core.DataDayBar, 1)]); n != 0 {
		t.Fatalf("the failing instrument must store nothing, got %d bars", n)
	}
	for {
		select {
		case evt := <-ch:
			if evt.Type == EvtFinished && evt.PassID == "p1" {
				return
			}
		default:
			t.Fatal("finished event missing despite the failure")
		}
	}
}

func TestRunPassSkipsRetired(t *testing.T) {
	src := &fakeSource{}
	e := testEngine(src)
	fs := newFakeStore()
	e.store = fs
	e.Cat = catalog.New([]*orm.Instrument{
		{Sid: 1, InstID: "000003.XSHE", Symbol: "000003.SZ", Kind: core.KindStock,
			Status: core.StatusActive, ListDate: 20200101, DelistDate: 20250101},
		{Sid: 2, InstID: "000902.XSHG", Kind: core.KindIndex, ListDate: 20200101},
	}, nil, nil)
	if err := e.RunPass(context.Background(), "p2", 20260106); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if src.fetches != 0 || src.minFetches != 0 {
		t.Fatalf("delisted and excluded instruments must not reach upstream: %d day, %d minute fetches",
			src.fetches, src.minFetches)
	}
}

func TestBusFanout(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()
	bus.Progress("p1", "000001.XSHE - 平安银行", 3, 10)
	bus.Finished("p1")
	evt := <-ch
	if evt.Type != EvtProgress || evt.Done != 3 || evt.Total != 10 {
		t.Fatalf("bad progress event: %+v", evt)
	}
	evt = <-ch
	if evt.Type != EvtFinished || evt.PassID != "p1" {
		t.Fatalf("bad finished event: %+v", evt)
	}
}

func TestBusUnsubscribeCloses(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
	// publishing after unsubscribe must not panic
	bus.Message("", "still running")
}
