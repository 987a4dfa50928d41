package money163

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"
)

func sheetBytes(t *testing.T, rows [][]interface{}) []byte {
	t.Helper()
	book := excelize.NewFile()
	defer book.Close()
	sheet := book.GetSheetName(0)
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := book.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := book.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseLastTrade(t *testing.T) {
	raw := sheetBytes(t, [][]interface{}{
		{"成交时间", "成交价", "价格变动", "成交量（手）", "成交额（元）", "性质"},
		{"09:30:01", 10.10, 0.01, 12, 12120, "买盘"},
		{"14:59:58", 10.20, 0.02, 30, 30600, "卖盘"},
		{"15:00:00", 10.235, 0.03, 55, 56292.5, "买盘"},
	})
	trade, err := ParseLastTrade(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if trade == nil {
		t.Fatal("want a trade, got nil")
	}
	if trade.Price != 10.235 {
		t.Fatalf("price: got %v", trade.Price)
	}
	if trade.Volume != 55 {
		t.Fatalf("volume: got %v", trade.Volume)
	}
	if trade.Turnover != 56292.5 {
		t.Fatalf("turnover: got %v", trade.Turnover)
	}
}

func TestParseLastTradeEmptySheet(t *testing.T) {
	raw := sheetBytes(t, [][]interface{}{
		{"成交时间", "成交价", "价格变动", "成交量（手）", "成交额（元）", "性质"},
	})
	trade, err := ParseLastTrade(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if trade != nil {
		t.Fatalf("header-only sheet must yield nil, got %+v", trade)
	}
}

func TestParseLastTradeMissingColumns(t *testing.T) {
	raw := sheetBytes(t, [][]interface{}{
		{"时间", "别的"},
		{"09:30:01", "x"},
	})
	if _, err := ParseLastTrade(raw); err == nil {
		t.Fatal("sheet without deal columns must error")
	}
}

func TestFeedCode(t *testing.T) {
	cases := map[string]string{
		"600000.SH": "0600000",
		"000001.SZ": "1000001",
	}
	for symbol, want := range cases {
		got, err := feedCode(symbol)
		if err != nil {
			t.Fatalf("feedCode(%s): %v", symbol, err)
		}
		if got != want {
			t.Fatalf("feedCode(%s): got %s, want %s", symbol, got, want)
		}
	}
	if _, err := feedCode("IF2609.CFE"); err == nil {
		t.Fatal("futures have no 163 feed")
	}
	if _, err := feedCode("nodot"); err == nil {
		t.Fatal("symbol without suffix must error")
	}
}

func TestDealURL(t *testing.T) {
	url, err := dealURL("600000.SH", 20260828)
	if err != nil {
		t.Fatal(err)
	}
	want := "http://quotes.money.163.com/cjmx/2026/20260828/0600000.xls"
	if url != want {
		t.Fatalf("got %s, want %s", url, want)
	}
}
