package data

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/freemoses/tpro/catalog"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/log"
	"github.com/freemoses/tpro/orm"
)

// Lister enumerates the instrument universe upstream.
type Lister interface {
	StockBasic(ctx context.Context) ([]*InstRow, *errs.Error)
	IndexBasic(ctx context.Context) ([]*InstRow, *errs.Error)
}

/*
RefreshInstruments replaces the stored instrument universe with a fresh
upstream snapshot. Keys stay stable: rows upsert by order-book id, so sids
referenced from the bar tables never move.
*/
func RefreshInstruments(ctx context.Context, src Lister) *errs.Error {
	stocks, err := src.StockBasic(ctx)
	if err != nil {
		return err
	}
	indexes, err := src.IndexBasic(ctx)
	if err != nil {
		return err
	}
	rows := append(stocks, indexes...)
	items := make([]*orm.Instrument, 0, len(rows))
	for _, r := range rows {
		items = append(items, &orm.Instrument{
			InstID:     catalog.ToInstID(r.Symbol),
			Symbol:     r.Symbol,
			Name:       r.Name,
			Kind:       r.Kind,
			Market:     r.Market,
			Board:      r.Board,
			Status:     r.Status,
			ListDate:   r.ListDate,
			DelistDate: r.DelistDate,
		})
	}
	if err = orm.SaveInstruments(items); err != nil {
		return err
	}
	log.Info("instrument universe refreshed", zap.Int("stocks", len(stocks)),
		zap.Int("indexes", len(indexes)))
	return nil
}

// Namer exposes historical name spans, the upstream source of ST flags.
type Namer interface {
	NameChange(ctx context.Context, symbol string) ([]*NameSpan, *errs.Error)
}

// NameSpan is one historical-name period of a stock.
type NameSpan struct {
	Name  string
	Start int
	Stop  int
}

/*
RefreshSTDays rebuilds the ST date ranges from name-change history: any span
whose name carries "ST" marks the stock special-treatment for that period.
*/
func RefreshSTDays(ctx context.Context, src Namer, items []*orm.Instrument) *errs.Error {
	var ranges []*orm.DateRange
	for _, it := range items {
		spans, err := src.NameChange(ctx, it.Symbol)
		if err != nil {
			log.Warn("name history fetch failed", zap.String("inst", it.InstID), zap.String("err", err.Short()))
			continue
		}
		for _, sp := range spans {
			if !strings.Contains(sp.Name, "ST") {
				continue
			}
			ranges = append(ranges, &orm.DateRange{InstID: it.InstID, Start: sp.Start, Stop: sp.Stop})
		}
	}
	return orm.SaveInstDates(orm.TagST, ranges)
}
