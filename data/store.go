package data

import (
	"context"

	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/orm"
)

/*
Store is the slice of the bar store the engine reads and writes through.
The production implementation delegates to the orm package; tests swap in
an in-memory one.
*/
type Store interface {
	LastBar(ctx context.Context, kind string, sid int32) (*orm.Bar, *errs.Error)
	GetBar(ctx context.Context, kind string, sid int32, ts int64) (*orm.Bar, *errs.Error)
	InsertBars(ctx context.Context, kind string, sid int32, bars []*orm.Bar) (int64, *errs.Error)
	UpsertBars(ctx context.Context, kind string, sid int32, bars []*orm.Bar) (int64, *errs.Error)
	RetireIfEmpty(ctx context.Context, kind string, sid int32) (bool, *errs.Error)
	LastFactor(ctx context.Context, sid int32) (*orm.Factor, *errs.Error)
	InsertFactors(ctx context.Context, sid int32, facs []*orm.Factor) (int64, *errs.Error)
	ZeroCloseDates(ctx context.Context, sid int32) ([]int, *errs.Error)
	ListBarSids(ctx context.Context, kind string) ([]int32, *errs.Error)
}

type dbStore struct{}

func (dbStore) LastBar(ctx context.Context, kind string, sid int32) (*orm.Bar, *errs.Error) {
	return orm.LastBar(ctx, kind, sid)
}

func (dbStore) GetBar(ctx context.Context, kind string, sid int32, ts int64) (*orm.Bar, *errs.Error) {
	return orm.GetBar(ctx, kind, sid, ts)
}

func (dbStore) InsertBars(ctx context.Context, kind string, sid int32, bars []*orm.Bar) (int64, *errs.Error) {
	return orm.InsertBars(ctx, kind, sid, bars)
}

func (dbStore) UpsertBars(ctx context.Context, kind string, sid int32, bars []*orm.Bar) (int64, *errs.Error) {
	return orm.UpsertBars(ctx, kind, sid, bars)
}

func (dbStore) RetireIfEmpty(ctx context.Context, kind string, sid int32) (bool, *errs.Error) {
	return orm.RetireIfEmpty(ctx, kind, sid)
}

func (dbStore) LastFactor(ctx context.Context, sid int32) (*orm.Factor, *errs.Error) {
	return orm.LastFactor(ctx, sid)
}

func (dbStore) InsertFactors(ctx context.Context, sid int32, facs []*orm.Factor) (int64, *errs.Error) {
	return orm.InsertFactors(ctx, sid, facs)
}

func (dbStore) ZeroCloseDates(ctx context.Context, sid int32) ([]int, *errs.Error) {
	return orm.ZeroCloseDates(ctx, sid)
}

func (dbStore) ListBarSids(ctx context.Context, kind string) ([]int32, *errs.Error) {
	return orm.ListBarSids(ctx, kind)
}
