package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/freemoses/tpro/config"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/data"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/utils"
)

const defaultServer = "http://api.tushare.pro"

/*
Client talks to the Tushare Pro HTTP endpoint. Every call is one POST with
the api name, token and params; the response is a column-name array plus row
tuples. Stateless besides the token, so Login only verifies the token works.
*/
type Client struct {
	server string
	token  string
	retry  int
	http   *http.Client
}

func New(cfg *config.TushareConfig, fetchRetry int) *Client {
	server := cfg.Server
	if server == "" {
		server = defaultServer
	}
	return &Client{
		server: server,
		token:  cfg.Token,
		retry:  fetchRetry,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) Name() string {
	return "tushare"
}

type apiReq struct {
	ApiName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields,omitempty"`
}

type apiRsp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// rowSet wraps one response page with column-name indexed access.
type rowSet struct {
	cols  map[string]int
	items [][]any
}

func (r *rowSet) str(row int, col string) string {
	i, ok := r.cols[col]
	if !ok || i >= len(r.items[row]) {
		return ""
	}
	if s, ok := r.items[row][i].(string); ok {
		return s
	}
	return ""
}

func (r *rowSet) num(row int, col string) float64 {
	i, ok := r.cols[col]
	if !ok || i >= len(r.items[row]) {
		return 0
	}
	switch v := r.items[row][i].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func (r *rowSet) date(row int, col string) int {
	s := r.str(row, col)
	if len(s) != 8 {
		return 0
	}
	d, _ := strconv.Atoi(s)
	return d
}

func (c *Client) query(ctx context.Context, apiName string, params map[string]string, fields string) (*rowSet, *errs.Error) {
	body, _ := json.Marshal(&apiReq{ApiName: apiName, Token: c.token, Params: params, Fields: fields})
	var rs *rowSet
	err := utils.Retry(ctx, c.retry, func() *errs.Error {
		req, err_ := http.NewRequestWithContext(ctx, http.MethodPost, c.server, bytes.NewReader(body))
		if err_ != nil {
			return errs.New(core.ErrApiConnFail, err_)
		}
		req.Header.Set("Content-Type", "application/json")
		rsp, err_ := c.http.Do(req)
		if err_ != nil {
			return errs.New(core.ErrApiConnFail, err_)
		}
		defer rsp.Body.Close()
		raw, err_ := io.ReadAll(rsp.Body)
		if err_ != nil {
			return errs.New(core.ErrApiReadFail, err_)
		}
		if rsp.StatusCode != http.StatusOK {
			return errs.NewMsg(core.ErrApiReadFail, "tushare %s http %d", apiName, rsp.StatusCode)
		}
		var res apiRsp
		if err_ = json.Unmarshal(raw, &res); err_ != nil {
			return errs.New(core.ErrApiReadFail, err_)
		}
		if res.Code != 0 {
			return errs.NewMsg(core.ErrApiReadFail, "tushare %s code %d: %s", apiName, res.Code, res.Msg)
		}
		cols := make(map[string]int)
		if res.Data != nil {
			for i, f := range res.Data.Fields {
				cols[f] = i
			}
			rs = &rowSet{cols: cols, items: res.Data.Items}
		} else {
			rs = &rowSet{cols: cols}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// Login verifies the token with a minimal trade_cal request.
func (c *Client) Login(ctx context.Context) *errs.Error {
	if c.token == "" {
		return errs.NewMsg(core.ErrBadConfig, "tushare token not set")
	}
	_, err := c.query(ctx, "trade_cal", map[string]string{
		"exchange": "SSE", "start_date": "20240101", "end_date": "20240110"}, "cal_date,is_open")
	return err
}

// TradeCal returns all SSE trading days ascending, for calendar bootstrap.
func (c *Client) TradeCal(ctx context.Context) ([]int, *errs.Error) {
	rs, err := c.query(ctx, "trade_cal", map[string]string{"exchange": "SSE"}, "cal_date,is_open")
	if err != nil {
		return nil, err
	}
	var days []int
	for i := range rs.items {
		if rs.num(i, "is_open") != 1 {
			continue
		}
		if d := rs.date(i, "cal_date"); d > 0 {
			days = append(days, d)
		}
	}
	sort.Ints(days)
	return days, nil
}

func (c *Client) FetchDayBars(ctx context.Context, symbol string, startDate, stopDate int) ([]*data.DayRow, *errs.Error) {
	rs, err := c.query(ctx, "daily", map[string]string{
		"ts_code":    symbol,
		"start_date": strconv.Itoa(startDate),
		"end_date":   strconv.Itoa(stopDate),
	}, "")
	if err != nil {
		return nil, err
	}
	rows := make([]*data.DayRow, 0, len(rs.items))
	for i := range rs.items {
		d := rs.date(i, "trade_date")
		if d == 0 {
			continue
		}
		rows = append(rows, &data.DayRow{
			Date:     d,
			Open:     rs.num(i, "open"),
			High:     rs.num(i, "high"),
			Low:      rs.num(i, "low"),
			Close:    rs.num(i, "close"),
			Preclose: rs.num(i, "pre_close"),
			// vol in lots, amount in thousand CNY
			Volume:   rs.num(i, "vol") * 100,
			Turnover: rs.num(i, "amount") * 1000,
		})
	}
	return rows, nil
}

func (c *Client) FetchMinuteBars(ctx context.Context, symbol string, tradeDate int) ([]*data.MinRow, *errs.Error) {
	day := btimeDateStr(tradeDate)
	rs, err := c.query(ctx, "stk_mins", map[string]string{
		"ts_code":    symbol,
		"freq":       "1min",
		"start_date": day + " 09:00:00",
		"end_date":   day + " 16:00:00",
	}, "")
	if err != nil {
		return nil, err
	}
	rows := make([]*data.MinRow, 0, len(rs.items))
	for i := range rs.items {
		dt := rs.str(i, "trade_time")
		date, clock := splitDateTime(dt)
		if date == 0 {
			continue
		}
		rows = append(rows, &data.MinRow{
			Date:     date,
			Time:     clock,
			Open:     rs.num(i, "open"),
			High:     rs.num(i, "high"),
			Low:      rs.num(i, "low"),
			Close:    rs.num(i, "close"),
			Volume:   rs.num(i, "vol"),
			Turnover: rs.num(i, "amount"),
		})
	}
	return rows, nil
}

func (c *Client) FetchDailyIndicator(ctx context.Context, symbol string, startDate, stopDate int) ([]*data.FactorRow, *errs.Error) {
	rs, err := c.query(ctx, "daily_basic", map[string]string{
		"ts_code":    symbol,
		"start_date": strconv.Itoa(startDate),
		"end_date":   strconv.Itoa(stopDate),
	}, "")
	if err != nil {
		return nil, err
	}
	rows := make([]*data.FactorRow, 0, len(rs.items))
	for i := range rs.items {
		d := rs.date(i, "trade_date")
		if d == 0 {
			continue
		}
		rows = append(rows, &data.FactorRow{
			Date:         d,
			Close:        rs.num(i, "close"),
			TurnoverRate: rs.num(i, "turnover_rate"),
			PE:           rs.num(i, "pe"),
			PETTM:        rs.num(i, "pe_ttm"),
			PB:           rs.num(i, "pb"),
			PS:           rs.num(i, "ps"),
			PSTTM:        rs.num(i, "ps_ttm"),
			TotalShare:   rs.num(i, "total_share"),
			FloatShare:   rs.num(i, "float_share"),
			TotalMV:      rs.num(i, "total_mv"),
			FloatMV:      rs.num(i, "circ_mv"),
		})
	}
	return rows, nil
}

func (c *Client) FetchAdjFactor(ctx context.Context, symbol string, startDate, stopDate int) ([]*data.AdjRow, *errs.Error) {
	rs, err := c.query(ctx, "adj_factor", map[string]string{
		"ts_code":    symbol,
		"start_date": strconv.Itoa(startDate),
		"end_date":   strconv.Itoa(stopDate),
	}, "")
	if err != nil {
		return nil, err
	}
	rows := make([]*data.AdjRow, 0, len(rs.items))
	for i := range rs.items {
		d := rs.date(i, "trade_date")
		if d == 0 {
			continue
		}
		rows = append(rows, &data.AdjRow{Date: d, Factor: rs.num(i, "adj_factor")})
	}
	return rows, nil
}

/*
NameChange returns the historical name spans of one stock. Spans still open
get stop 99999999 so range checks stay half-open.
*/
func (c *Client) NameChange(ctx context.Context, symbol string) ([]*data.NameSpan, *errs.Error) {
	rs, err := c.query(ctx, "namechange", map[string]string{"ts_code": symbol}, "name,start_date,end_date")
	if err != nil {
		return nil, err
	}
	var res []*data.NameSpan
	for i := range rs.items {
		stop := rs.date(i, "end_date")
		if stop == 0 {
			stop = 99999999
		}
		res = append(res, &data.NameSpan{
			Name:  rs.str(i, "name"),
			Start: rs.date(i, "start_date"),
			Stop:  stop,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Start < res[j].Start })
	return res, nil
}

// StockBasic returns the listed-stock universe for catalog refresh.
func (c *Client) StockBasic(ctx context.Context) ([]*data.InstRow, *errs.Error) {
	var all []*data.InstRow
	for _, status := range []string{"L", "D"} {
		rs, err := c.query(ctx, "stock_basic", map[string]string{
			"exchange": "", "list_status": status,
		}, "ts_code,symbol,name,exchange,market,list_status,list_date,delist_date")
		if err != nil {
			return nil, err
		}
		for i := range rs.items {
			board := core.BoardMain
			if rs.str(i, "market") == "科创板" {
				board = core.BoardKSH
			}
			st := core.StatusActive
			if rs.str(i, "list_status") == "D" {
				st = core.StatusDelisted
			}
			all = append(all, &data.InstRow{
				Symbol:     rs.str(i, "ts_code"),
				Name:       rs.str(i, "name"),
				Kind:       core.KindStock,
				Market:     rs.str(i, "exchange"),
				Board:      board,
				Status:     st,
				ListDate:   rs.date(i, "list_date"),
				DelistDate: rs.date(i, "delist_date"),
			})
		}
	}
	return all, nil
}

// IndexBasic returns the composite and scale indexes of both exchanges.
func (c *Client) IndexBasic(ctx context.Context) ([]*data.InstRow, *errs.Error) {
	var all []*data.InstRow
	for _, market := range []string{"SSE", "SZSE"} {
		for _, category := range []string{"综合指数", "规模指数"} {
			rs, err := c.query(ctx, "index_basic", map[string]string{
				"market": market, "category": category,
			}, "ts_code,name,market,category,list_date")
			if err != nil {
				return nil, err
			}
			for i := range rs.items {
				all = append(all, &data.InstRow{
					Symbol:   rs.str(i, "ts_code"),
					Name:     rs.str(i, "name"),
					Kind:     core.KindIndex,
					Market:   market,
					Status:   core.StatusActive,
					ListDate: rs.date(i, "list_date"),
				})
			}
		}
	}
	return all, nil
}

func btimeDateStr(date int) string {
	return fmt.Sprintf("%04d-%02d-%02d", date/10000, date/100%100, date%100)
}

// splitDateTime parses "2011-01-04 09:31:00" into (20110104, 93100).
func splitDateTime(s string) (int, int) {
	if len(s) < 19 {
		return 0, 0
	}
	y, _ := strconv.Atoi(s[:4])
	mo, _ := strconv.Atoi(s[5:7])
	d, _ := strconv.Atoi(s[8:10])
	h, _ := strconv.Atoi(s[11:13])
	mi, _ := strconv.Atoi(s[14:16])
	se, _ := strconv.Atoi(s[17:19])
	return y*10000 + mo*100 + d, h*10000 + mi*100 + se
}
