package quantos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/freemoses/tpro/config"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/data"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/utils"
)

/*
Client talks to a QuantOS data gateway. Login yields a session id that every
later query carries; on an auth rejection the call relogs in once and
retries, matching how the feed expires idle sessions.
*/
type Client struct {
	server string
	user   string
	token  string
	retry  int

	lock    deadlock.Mutex
	session string
	http    *http.Client
}

func New(cfg *config.QuantOSConfig, fetchRetry int) *Client {
	return &Client{
		server: cfg.Server,
		user:   cfg.User,
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
	return "quantos"
}

type apiRsp struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) post(ctx context.Context, path string, params map[string]any, out any) *errs.Error {
	body, _ := json.Marshal(params)
	req, err_ := http.NewRequestWithContext(ctx, http.MethodPost, c.server+path, bytes.NewReader(body))
	if err_ != nil {
		return errs.New(core.ErrApiConnFail, err_)
	}
	req.Header.Set("Content-Type", "application/json")
	c.lock.Lock()
	session := c.session
	c.lock.Unlock()
	if session != "" {
		req.Header.Set("Authorization", session)
	}
	rsp, err_ := c.http.Do(req)
	if err_ != nil {
		return errs.New(core.ErrApiConnFail, err_)
	}
	defer rsp.Body.Close()
	raw, err_ := io.ReadAll(rsp.Body)
	if err_ != nil {
		return errs.New(core.ErrApiReadFail, err_)
	}
	if rsp.StatusCode == http.StatusUnauthorized {
		return errs.NewMsg(core.ErrApiConnFail, "quantos session rejected")
	}
	if rsp.StatusCode != http.StatusOK {
		return errs.NewMsg(core.ErrApiReadFail, "quantos %s http %d", path, rsp.StatusCode)
	}
	var res apiRsp
	if err_ = json.Unmarshal(raw, &res); err_ != nil {
		return errs.New(core.ErrApiReadFail, err_)
	}
	if res.Code != 0 {
		return errs.NewMsg(core.ErrApiReadFail, "quantos %s code %d: %s", path, res.Code, res.Msg)
	}
	if out != nil && len(res.Data) > 0 {
		if err_ = json.Unmarshal(res.Data, out); err_ != nil {
			return errs.New(core.ErrApiReadFail, err_)
		}
	}
	return nil
}

/*
Login opens a session, retrying with linear backoff. Gateways drop login
bursts after restarts, so the backoff mirrors the attempt count.
*/
func (c *Client) Login(ctx context.Context) *errs.Error {
	if c.server == "" || c.user == "" || c.token == "" {
		return errs.NewMsg(core.ErrBadConfig, "quantos server/user/token not set")
	}
	return utils.Retry(ctx, 3, func() *errs.Error {
		var res struct {
			Session string `json:"session"`
		}
		err := c.post(ctx, "/auth/login", map[string]any{"username": c.user, "token": c.token}, &res)
		if err != nil {
			return err
		}
		if res.Session == "" {
			return errs.NewMsg(core.ErrApiConnFail, "quantos login returned empty session")
		}
		c.lock.Lock()
		c.session = res.Session
		c.lock.Unlock()
		return nil
	})
}

// queryAuth runs a query, relogging in once when the session has expired.
func (c *Client) queryAuth(ctx context.Context, path string, params map[string]any, out any) *errs.Error {
	err := c.post(ctx, path, params, out)
	if err != nil && err.Code == core.ErrApiConnFail {
		if err = c.Login(ctx); err != nil {
			return err
		}
		return c.post(ctx, path, params, out)
	}
	return err
}

type dayRsp struct {
	TradeDate int     `json:"trade_date"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Preclose  float64 `json:"preclose"`
	Volume    float64 `json:"volume"`
	Turnover  float64 `json:"turnover"`
	OI        float64 `json:"oi"`
	Settle    float64 `json:"settle"`
}

func (c *Client) FetchDayBars(ctx context.Context, symbol string, startDate, stopDate int) ([]*data.DayRow, *errs.Error) {
	var items []*dayRsp
	err := c.queryAuth(ctx, "/jsd/daily", map[string]any{
		"symbol":     symbol,
		"freq":       "1d",
		"start_date": startDate,
		"end_date":   stopDate,
	}, &items)
	if err != nil {
		return nil, err
	}
	rows := make([]*data.DayRow, 0, len(items))
	for _, it := range items {
		if it.TradeDate == 0 {
			continue
		}
		rows = append(rows, &data.DayRow{
			Date:         it.TradeDate,
			Open:         it.Open,
			High:         it.High,
			Low:          it.Low,
			Close:        it.Close,
			Preclose:     it.Preclose,
			Volume:       it.Volume,
			Turnover:     it.Turnover,
			OpenInterest: it.OI,
			Settlement:   it.Settle,
		})
	}
	return rows, nil
}

type minRsp struct {
	Date     int     `json:"date"`
	Time     int     `json:"time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Turnover float64 `json:"turnover"`
	OI       float64 `json:"oi"`
}

/*
FetchMinuteBars pulls one session of minute bars. The feed sometimes returns
a page holding zero closes mid-rebuild; retry a few times for a clean page,
otherwise hand back the dirty one and let the repair pass fill it.
分钟线偶尔返回收盘价为0的脏页，多试几次；仍脏则交给修复流程。
*/
func (c *Client) FetchMinuteBars(ctx context.Context, symbol string, tradeDate int) ([]*data.MinRow, *errs.Error) {
	var last []*data.MinRow
	for try := 0; try < c.retry; try++ {
		var items []*minRsp
		err := c.queryAuth(ctx, "/jsi/bar", map[string]any{
			"symbol":     symbol,
			"freq":       "1M",
			"trade_date": tradeDate,
			"start_time": 93000,
			"end_time":   160000,
		}, &items)
		if err != nil {
			return nil, err
		}
		rows := make([]*data.MinRow, 0, len(items))
		clean := true
		for _, it := range items {
			if it.Date == 0 {
				continue
			}
			if it.Close == 0 {
				clean = false
			}
			rows = append(rows, &data.MinRow{
				Date:         it.Date,
				Time:         it.Time,
				Open:         it.Open,
				High:         it.High,
				Low:          it.Low,
				Close:        it.Close,
				Volume:       it.Volume,
				Turnover:     it.Turnover,
				OpenInterest: it.OI,
			})
		}
		if len(rows) > 0 && clean {
			return rows, nil
		}
		last = rows
	}
	return last, nil
}

type indicatorRsp struct {
	TradeDate     int     `json:"trade_date"`
	Close         float64 `json:"close"`
	TurnoverRatio float64 `json:"turnover_ratio"`
	PE            float64 `json:"pe"`
	PETTM         float64 `json:"pe_ttm"`
	PB            float64 `json:"pb"`
	PS            float64 `json:"ps"`
	PSTTM         float64 `json:"ps_ttm"`
	TotalShare    float64 `json:"total_share"`
	FloatShare    float64 `json:"float_share"`
	TotalMV       float64 `json:"total_mv"`
	FloatMV       float64 `json:"float_mv"`
}

func (c *Client) FetchDailyIndicator(ctx context.Context, symbol string, startDate, stopDate int) ([]*data.FactorRow, *errs.Error) {
	var items []*indicatorRsp
	err := c.queryAuth(ctx, "/jset/query", map[string]any{
		"view":   "lb.secDailyIndicator",
		"fields": "trade_date,close,turnover_ratio,pe,pe_ttm,pb,ps,ps_ttm,total_share,float_share,total_mv,float_mv",
		"filter": fmt.Sprintf("symbol=%s&start_date=%d&end_date=%d", symbol, startDate, stopDate),
	}, &items)
	if err != nil {
		return nil, err
	}
	rows := make([]*data.FactorRow, 0, len(items))
	for _, it := range items {
		if it.TradeDate == 0 {
			continue
		}
		rows = append(rows, &data.FactorRow{
			Date:         it.TradeDate,
			Close:        it.Close,
			TurnoverRate: it.TurnoverRatio,
			PE:           it.PE,
			PETTM:        it.PETTM,
			PB:           it.PB,
			PS:           it.PS,
			PSTTM:        it.PSTTM,
			TotalShare:   it.TotalShare,
			FloatShare:   it.FloatShare,
			TotalMV:      it.TotalMV,
			FloatMV:      it.FloatMV,
		})
	}
	return rows, nil
}

type adjRsp struct {
	TradeDate    int     `json:"trade_date"`
	AdjustFactor float64 `json:"adjust_factor"`
}

func (c *Client) FetchAdjFactor(ctx context.Context, symbol string, startDate, stopDate int) ([]*data.AdjRow, *errs.Error) {
	var items []*adjRsp
	err := c.queryAuth(ctx, "/jset/query", map[string]any{
		"view":   "jy.secAdjFactor",
		"fields": "trade_date,adjust_factor",
		"filter": fmt.Sprintf("symbol=%s&start_date=%d&end_date=%d", symbol, startDate, stopDate),
	}, &items)
	if err != nil {
		return nil, err
	}
	rows := make([]*data.AdjRow, 0, len(items))
	for _, it := range items {
		if it.TradeDate == 0 {
			continue
		}
		rows = append(rows, &data.AdjRow{Date: it.TradeDate, Factor: it.AdjustFactor})
	}
	return rows, nil
}
