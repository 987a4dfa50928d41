package core

import (
	"github.com/freemoses/tpro/errs"
)

var (
	Version = "v0.2.1"

	RunEnv  string // prod / test 运行环境
	DataDir string // base dir for sqlite meta db and logs 数据目录
)

type PrgCB func(done int, total int)

const (
	DefaultDateFmt = "2006-01-02 15:04:05"
	DateFmt        = "2006-01-02"

	// MinMinuteDate is the earliest date with reliable minute data upstream.
	// Minute backfills never start before this day.
	// 上游分钟线数据最早可靠日期，分钟回补不早于该日。
	MinMinuteDate = 20110104

	// CalendarStartDate is the first calendar day requested when
	// bootstrapping the trading calendar.
	CalendarStartDate = 19901219

	// EODMinuteTime is the clock tag of the end-of-day minute bar (15:00).
	EODMinuteTime = 150000
)

// Instrument kinds, following the upstream bundle's type tags.
const (
	KindStock  = "CS"
	KindIndex  = "INDX"
	KindFuture = "Future"
	KindETF    = "ETF"
)

// Data kinds, one time-series table each.
const (
	DataDayBar    = "1d"
	DataMinuteBar = "1m"
	DataFactor    = "factor"
)

// Board types for equities. The restricted board carries a wider daily
// price-limit band.
const (
	BoardMain = "MainBoard"
	BoardKSH  = "KSH" // STAR market 科创板
)

// Instrument status values.
const (
	StatusActive   = "Active"
	StatusDelisted = "Delisted"
)

// Daily price-limit rates. Board type wins over ST when both apply.
// 日涨跌幅限制；科创板优先于ST判定。
const (
	LimitRateDefault = 0.10
	LimitRateST      = 0.05
	LimitRateKSH     = 0.20
)

// Error codes shared across packages.
var (
	ErrBadConfig         = errs.Register(-100, "BadConfig")
	ErrDbConnFail        = errs.Register(-110, "DbConnFail")
	ErrDbReadFail        = errs.Register(-111, "DbReadFail")
	ErrDbExecFail        = errs.Register(-112, "DbExecFail")
	ErrDbUniqueViolation = errs.Register(-113, "DbUniqueViolation")
	ErrApiConnFail       = errs.Register(-120, "ApiConnFail")
	ErrApiReadFail       = errs.Register(-121, "ApiReadFail")
	ErrNoData            = errs.Register(-122, "NoData")
	ErrInvalidSymbol     = errs.Register(-130, "InvalidSymbol")
	ErrNoCalendar        = errs.Register(-131, "NoCalendar")
	ErrRunTime           = errs.Register(-140, "RunTime")
)
