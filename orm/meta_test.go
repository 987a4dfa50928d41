package orm

import (
	"path/filepath"
	"testing"
)

func openTestMeta(t *testing.T) {
	t.Helper()
	if err := openMeta(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("open meta: %v", err)
	}
	t.Cleanup(func() {
		metaLock.Lock()
		if metaDB != nil {
			_ = metaDB.Close()
			metaDB = nil
		}
		metaLock.Unlock()
	})
}

func TestInstrumentSidStability(t *testing.T) {
	openTestMeta(t)
	first := []*Instrument{
		{InstID: "000001.XSHE", Symbol: "000001.SZ", Name: "平安银行", Kind: "CS", Status: "Active", ListDate: 19910403},
		{InstID: "600000.XSHG", Symbol: "600000.SH", Name: "浦发银行", Kind: "CS", Status: "Active", ListDate: 19991110},
	}
	if err := SaveInstruments(first); err != nil {
		t.Fatalf("save: %v", err)
	}
	items, err := LoadInstruments()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("want 2, got %d", len(items))
	}
	sid := items[0].Sid

	// refresh with a renamed row: the sid must not move
	second := []*Instrument{
		{InstID: "000001.XSHE", Symbol: "000001.SZ", Name: "ST平安", Kind: "CS", Status: "Active", ListDate: 19910403},
	}
	if err := SaveInstruments(second); err != nil {
		t.Fatalf("resave: %v", err)
	}
	items, err = LoadInstruments()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("upsert must keep existing rows, got %d", len(items))
	}
	if items[0].Sid != sid {
		t.Fatalf("sid moved: %d -> %d", sid, items[0].Sid)
	}
	if items[0].Name != "ST平安" {
		t.Fatalf("name not refreshed: %s", items[0].Name)
	}
}

func TestLoadInstrumentsKindFilter(t *testing.T) {
	openTestMeta(t)
	err := SaveInstruments([]*Instrument{
		{InstID: "000001.XSHE", Kind: "CS"},
		{InstID: "000001.XSHG", Kind: "INDX"},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	items, err := LoadInstruments("INDX")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 1 || items[0].InstID != "000001.XSHG" {
		t.Fatalf("filter failed: %+v", items)
	}
}

func TestCalendarSaveLoad(t *testing.T) {
	openTestMeta(t)
	if err := SaveCalendar("CN", []int{20260106, 20260105}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// overlapping second save must not duplicate
	if err := SaveCalendar("CN", []int{20260106, 20260107}); err != nil {
		t.Fatalf("resave: %v", err)
	}
	days, err := LoadCalendar("CN")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(days) != 3 || days[0] != 20260105 || days[2] != 20260107 {
		t.Fatalf("got %v", days)
	}
}

func TestUpdatedDate(t *testing.T) {
	openTestMeta(t)
	got, err := LoadUpdatedDate()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != 0 {
		t.Fatalf("fresh store must report 0, got %d", got)
	}
	if err = SaveUpdatedDate(20260828); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, _ = LoadUpdatedDate(); got != 20260828 {
		t.Fatalf("got %d", got)
	}
}

func TestRepairedDate(t *testing.T) {
	openTestMeta(t)
	got, err := LoadRepairedDate()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != 0 {
		t.Fatalf("fresh store must report 0, got %d", got)
	}
	if err = SaveRepairedDate(20260829); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, _ = LoadRepairedDate(); got != 20260829 {
		t.Fatalf("got %d", got)
	}
	// the two cursors must not alias each other
	if upd, _ := LoadUpdatedDate(); upd != 0 {
		t.Fatalf("updated date must stay independent, got %d", upd)
	}
}

func TestInstDatesReplace(t *testing.T) {
	openTestMeta(t)
	err := SaveInstDates(TagST, []*DateRange{
		{InstID: "000001.XSHE", Start: 20250101, Stop: 20250601},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	// second save replaces the whole tag
	err = SaveInstDates(TagST, []*DateRange{
		{InstID: "000002.XSHE", Start: 20250301, Stop: 20250901},
	})
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	ranges, err := LoadInstDates(TagST)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ranges) != 1 {
		t.Fatalf("want 1 instrument, got %d", len(ranges))
	}
	if len(ranges["000002.XSHE"]) != 1 {
		t.Fatalf("want replaced range, got %v", ranges)
	}
}

func TestBarRangeExpand(t *testing.T) {
	openTestMeta(t)
	if err := expandBarRange("1d", 7, 1000, 2000); err != nil {
		t.Fatalf("expand: %v", err)
	}
	if err := expandBarRange("1d", 7, 500, 1500); err != nil {
		t.Fatalf("re-expand: %v", err)
	}
	ranges, err := LoadBarRanges("1d")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := ranges[7]
	if r == nil || r.StartMS != 500 || r.StopMS != 2000 {
		t.Fatalf("range must grow both ends: %+v", r)
	}
}

func TestGuiRecCrud(t *testing.T) {
	openTestMeta(t)
	rec := &GuiRec{Name: "ma-cross", Body: `{"fast":5,"slow":20}`}
	if err := SaveGuiRec(GuiStrategy, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("save must assign an id")
	}
	got, err := GetGuiRec(GuiStrategy, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Name != "ma-cross" {
		t.Fatalf("got %+v", got)
	}
	rec.Name = "ma-cross-v2"
	if err = SaveGuiRec(GuiStrategy, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	items, err := ListGuiRecs(GuiStrategy)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].Name != "ma-cross-v2" {
		t.Fatalf("update must not duplicate: %+v", items)
	}
	if err = DelGuiRec(GuiStrategy, rec.ID); err != nil {
		t.Fatalf("del: %v", err)
	}
	if got, _ = GetGuiRec(GuiStrategy, rec.ID); got != nil {
		t.Fatal("deleted record still readable")
	}
	if _, err = ListGuiRecs("nope"); err == nil {
		t.Fatal("unknown collection must error")
	}
}
