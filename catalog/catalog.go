package catalog

import (
	"sort"
	"strings"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/log"
	"github.com/freemoses/tpro/orm"
)

/*
Catalog is the in-memory view of the instrument universe: every lookup the
sync engine does per instrument per day (resolve, suspension, ST state) hits
maps built once per pass instead of the meta store.
*/
type Catalog struct {
	lock    deadlock.Mutex
	byID    map[string]*orm.Instrument
	bySym   map[string]*orm.Instrument
	bySid   map[int32]*orm.Instrument
	all     []*orm.Instrument
	stDays  map[string][]*orm.DateRange
	suspend map[string][]*orm.DateRange
}

// exchange suffix pairs: upstream order-book suffix -> local symbol suffix
var suffixMap = map[string]string{
	"XSHE":  "SZ",
	"XSHG":  "SH",
	"CFFEX": "CFE",
	"CZCE":  "CZC",
	"DCE":   "DCE",
	"SHFE":  "SHF",
	"SGEX":  "SGE",
}

var suffixRev = func() map[string]string {
	m := make(map[string]string)
	for k, v := range suffixMap {
		m[v] = k
	}
	return m
}()

/*
ToSymbol converts an upstream order-book id to the local alias
(000001.XSHE -> 000001.SZ). Unknown suffixes pass through unchanged.
*/
func ToSymbol(instID string) string {
	i := strings.LastIndex(instID, ".")
	if i < 0 {
		return instID
	}
	if sfx, ok := suffixMap[instID[i+1:]]; ok {
		return instID[:i+1] + sfx
	}
	return instID
}

// ToInstID is the inverse of ToSymbol (000001.SZ -> 000001.XSHE).
func ToInstID(symbol string) string {
	i := strings.LastIndex(symbol, ".")
	if i < 0 {
		return symbol
	}
	if sfx, ok := suffixRev[symbol[i+1:]]; ok {
		return symbol[:i+1] + sfx
	}
	return symbol
}

// New builds a catalog from already-loaded rows. st and susp map inst_id to
// the tagged date ranges; either may be nil.
func New(items []*orm.Instrument, st, susp map[string][]*orm.DateRange) *Catalog {
	c := &Catalog{
		byID:    make(map[string]*orm.Instrument, len(items)),
		bySym:   make(map[string]*orm.Instrument, len(items)),
		bySid:   make(map[int32]*orm.Instrument, len(items)),
		all:     items,
		stDays:  st,
		suspend: susp,
	}
	for _, it := range items {
		c.byID[it.InstID] = it
		c.bySid[it.Sid] = it
		if it.Symbol != "" {
			c.bySym[it.Symbol] = it
		}
	}
	return c
}

// Load builds the catalog from the meta store.
func Load() (*Catalog, *errs.Error) {
	items, err := orm.LoadInstruments()
	if err != nil {
		return nil, err
	}
	st, err := orm.LoadInstDates(orm.TagST)
	if err != nil {
		return nil, err
	}
	susp, err := orm.LoadInstDates(orm.TagSuspend)
	if err != nil {
		return nil, err
	}
	c := New(items, st, susp)
	log.Info("catalog loaded", zap.Int("instruments", len(items)))
	return c, nil
}

/*
Resolve finds an instrument by upstream id first, then by local alias.
Returns nil when neither matches.
*/
func (c *Catalog) Resolve(key string) *orm.Instrument {
	c.lock.Lock()
	defer c.lock.Unlock()
	if it, ok := c.byID[key]; ok {
		return it
	}
	return c.bySym[key]
}

// BySid finds an instrument by its storage key, nil when unknown.
func (c *Catalog) BySid(sid int32) *orm.Instrument {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.bySid[sid]
}

/*
All returns instruments of the given kinds, data-eligible as of a date:
listed on or before it, and not delisted before it. Empty kinds means every
kind.
*/
func (c *Catalog) All(asOf int, kinds ...string) []*orm.Instrument {
	c.lock.Lock()
	defer c.lock.Unlock()
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var res []*orm.Instrument
	for _, it := range c.all {
		if len(want) > 0 && !want[it.Kind] {
			continue
		}
		if asOf > 0 {
			if it.ListDate > asOf {
				continue
			}
			if it.DelistDate > 0 && it.DelistDate <= asOf {
				continue
			}
		}
		res = append(res, it)
	}
	return res
}

func inRanges(ranges []*orm.DateRange, date int) bool {
	for _, r := range ranges {
		if date >= r.Start && date < r.Stop {
			return true
		}
	}
	return false
}

// IsSuspended reports whether trading in an instrument was halted on a date.
func (c *Catalog) IsSuspended(instID string, date int) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return inRanges(c.suspend[instID], date)
}

/*
IsSpecialTreatment reports whether an instrument carried the ST flag on a
date. ST stocks move in a ±5% band instead of the default ±10%.
*/
func (c *Catalog) IsSpecialTreatment(instID string, date int) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return inRanges(c.stDays[instID], date)
}

/*
LimitRate returns the daily price band for a stock on a date. The restricted
board check wins over the ST flag: a KSH-board ST stock still moves ±20%.
涨跌幅限制：科创板优先于ST判断。
*/
func (c *Catalog) LimitRate(it *orm.Instrument, date int) float64 {
	if it.Board == core.BoardKSH {
		return core.LimitRateKSH
	}
	if c.IsSpecialTreatment(it.InstID, date) {
		return core.LimitRateST
	}
	return core.LimitRateDefault
}

// broad-market composites whose minute feeds upstream does not carry
var ignoreIndexes = map[string]bool{
	"000902.XSHG": true,
	"399903.XSHE": true,
}

// IsIgnoredIndex reports whether an index is excluded from minute sync.
func IsIgnoredIndex(instID string) bool {
	return ignoreIndexes[instID]
}

/*
SortedByID returns instruments in ascending inst_id order, the stable
iteration order of a sync pass.
*/
func (c *Catalog) SortedByID(items []*orm.Instrument) []*orm.Instrument {
	res := make([]*orm.Instrument, len(items))
	copy(res, items)
	sort.Slice(res, func(i, j int) bool { return res[i].InstID < res[j].InstID })
	return res
}
