package money163

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
)

/*
LastTrade is the final tick of one trading day as published in the 163.com
deal-detail sheet. Volume is in lots; the caller scales to shares.
*/
type LastTrade struct {
	Price    float64
	Volume   float64
	Turnover float64
}

// Client downloads and parses 163.com deal-detail spreadsheets.
type Client struct {
	http  *http.Client
	retry int
}

func New(retry int) *Client {
	if retry <= 0 {
		retry = 10
	}
	return &Client{
		http:  &http.Client{Timeout: 20 * time.Second},
		retry: retry,
	}
}

/*
feedCode maps a local symbol to the 163 quote code: Shanghai symbols carry a
leading 0, Shenzhen a leading 1 (600000.SH -> 0600000).
*/
func feedCode(symbol string) (string, *errs.Error) {
	i := strings.LastIndex(symbol, ".")
	if i < 0 {
		return "", errs.NewMsg(core.ErrInvalidSymbol, "bad symbol: %s", symbol)
	}
	code, sfx := symbol[:i], symbol[i+1:]
	switch sfx {
	case "SH":
		return "0" + code, nil
	case "SZ":
		return "1" + code, nil
	}
	return "", errs.NewMsg(core.ErrInvalidSymbol, "no 163 feed for suffix: %s", sfx)
}

func dealURL(symbol string, date int) (string, *errs.Error) {
	code, err := feedCode(symbol)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://quotes.money.163.com/cjmx/%d/%d/%s.xls", date/10000, date, code), nil
}

/*
FetchLastTrade returns the closing deal of one instrument on one day, or nil
when the sheet is missing or empty. The feed 404s for a while after close and
sometimes serves truncated sheets, hence the paced retry loop.
获取指定日期的最后一笔成交；表不存在或为空时返回nil。
*/
func (c *Client) FetchLastTrade(ctx context.Context, symbol string, date int) (*LastTrade, *errs.Error) {
	url, err := dealURL(symbol, date)
	if err != nil {
		return nil, err
	}
	for try := 0; try < c.retry; try++ {
		select {
		case <-ctx.Done():
			return nil, errs.New(core.ErrRunTime, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
		trade, err := c.fetchOnce(ctx, url)
		if err != nil || trade == nil {
			continue
		}
		return trade, nil
	}
	return nil, nil
}

func (c *Client) fetchOnce(ctx context.Context, url string) (*LastTrade, *errs.Error) {
	req, err_ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err_ != nil {
		return nil, errs.New(core.ErrApiConnFail, err_)
	}
	rsp, err_ := c.http.Do(req)
	if err_ != nil {
		return nil, errs.New(core.ErrApiConnFail, err_)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return nil, errs.NewMsg(core.ErrApiReadFail, "163 feed http %d", rsp.StatusCode)
	}
	raw, err_ := io.ReadAll(rsp.Body)
	if err_ != nil {
		return nil, errs.New(core.ErrApiReadFail, err_)
	}
	return ParseLastTrade(raw)
}

/*
ParseLastTrade pulls the last data row out of a deal-detail sheet. Header
columns are matched by name so column reshuffles upstream don't break it.
*/
func ParseLastTrade(raw []byte) (*LastTrade, *errs.Error) {
	book, err_ := excelize.OpenReader(bytes.NewReader(raw))
	if err_ != nil {
		return nil, errs.New(core.ErrApiReadFail, err_)
	}
	defer book.Close()
	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err_ := book.GetRows(sheets[0])
	if err_ != nil {
		return nil, errs.New(core.ErrApiReadFail, err_)
	}
	if len(rows) < 2 {
		return nil, nil
	}
	priceCol, volCol, amtCol := -1, -1, -1
	for i, name := range rows[0] {
		switch {
		case strings.Contains(name, "成交价"):
			priceCol = i
		case strings.Contains(name, "成交量"):
			volCol = i
		case strings.Contains(name, "成交额"):
			amtCol = i
		}
	}
	if priceCol < 0 || volCol < 0 || amtCol < 0 {
		return nil, errs.NewMsg(core.ErrApiReadFail, "163 sheet missing deal columns")
	}
	last := rows[len(rows)-1]
	cell := func(col int) float64 {
		if col >= len(last) {
			return 0
		}
		v, _ := strconv.ParseFloat(strings.ReplaceAll(last[col], ",", ""), 64)
		return v
	}
	trade := &LastTrade{Price: cell(priceCol), Volume: cell(volCol), Turnover: cell(amtCol)}
	if trade.Price == 0 {
		return nil, nil
	}
	return trade, nil
}
