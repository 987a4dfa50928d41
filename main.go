package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"github.com/freemoses/tpro/btime"
	"github.com/freemoses/tpro/calendar"
	"github.com/freemoses/tpro/catalog"
	"github.com/freemoses/tpro/config"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/data"
	"github.com/freemoses/tpro/data/money163"
	"github.com/freemoses/tpro/data/quantos"
	"github.com/freemoses/tpro/data/tushare"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/log"
	"github.com/freemoses/tpro/orm"
	"github.com/freemoses/tpro/utils"
	"github.com/freemoses/tpro/web"
)

const usage = `tpro %s - market data platform

Usage:
  tpro run         start the sync daemon and web server
  tpro sync        run one sync pass and exit
  tpro backfill    refresh the instrument universe and bulk-download history
  tpro instruments list the instrument catalog
  tpro fixmin      sweep the minute store for zero-close rows and repair them
`

func main() {
	if len(os.Args) < 2 {
		fmt.Printf(usage, core.Version)
		os.Exit(1)
	}
	var err *errs.Error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "sync":
		err = cmdSync(os.Args[2:])
	case "backfill":
		err = cmdBackfill(os.Args[2:])
	case "instruments":
		err = cmdInstruments(os.Args[2:])
	case "fixmin":
		err = cmdFixMin(os.Args[2:])
	default:
		fmt.Printf(usage, core.Version)
		os.Exit(1)
	}
	log.Sync()
	if err != nil {
		log.Error("command failed", zap.String("cmd", os.Args[1]), zap.String("err", err.Short()))
		os.Exit(1)
	}
}

type env struct {
	cfg    *config.Config
	cal    *calendar.Calendar
	cat    *catalog.Catalog
	eng    *data.Engine
	runner *data.Runner
	bus    *data.Bus
	ts     *tushare.Client
}

// setup wires config, storage, calendar, catalog, feed and engine.
func setup(ctx context.Context, cfgPath string) (*env, *errs.Error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.LogLevel, cfg.LogFile)
	if err = orm.Setup(); err != nil {
		return nil, err
	}
	ts := tushare.New(&cfg.Tushare, cfg.Sync.FetchRetry)

	var boot func() ([]int, *errs.Error)
	if cfg.Tushare.Token != "" {
		boot = func() ([]int, *errs.Error) { return ts.TradeCal(ctx) }
	}
	cal, err := calendar.Load(calendar.MarketCN, boot)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load()
	if err != nil {
		return nil, err
	}

	var src data.Source
	switch cfg.Sync.Source {
	case "tushare":
		src = ts
	default:
		src = quantos.New(&cfg.QuantOS, cfg.Sync.FetchRetry)
	}
	if err = src.Login(ctx); err != nil {
		return nil, err
	}
	log.Info("upstream source ready", zap.String("source", src.Name()))

	bus := data.NewBus()
	eng := data.NewEngine(cal, cat, src, money163.New(0), bus)
	runner := data.NewRunner(eng, &cfg.Sync)
	return &env{cfg: cfg, cal: cal, cat: cat, eng: eng, runner: runner, bus: bus, ts: ts}, nil
}

func signalCtx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdRun(args []string) *errs.Error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yml", "config file path")
	_ = fs.Parse(args)
	ctx, cancel := signalCtx()
	defer cancel()
	e, err := setup(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer orm.Close()

	srv := web.NewServer(&e.cfg.Web, e.runner, e.cat, e.bus)
	errCh := make(chan *errs.Error, 2)
	go func() { errCh <- srv.Run(ctx) }()
	go func() { errCh <- e.runner.Run(ctx) }()
	select {
	case <-ctx.Done():
		return nil
	case err = <-errCh:
		cancel()
		return err
	}
}

func cmdSync(args []string) *errs.Error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yml", "config file path")
	date := fs.Int("date", 0, "sync up to this date (YYYYMMDD), default: latest published")
	_ = fs.Parse(args)
	ctx, cancel := signalCtx()
	defer cancel()
	e, err := setup(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer orm.Close()

	done := watchProgress(e.bus, "syncing")
	defer done()
	if *date > 0 {
		return e.eng.RunPass(ctx, "cli", *date)
	}
	synced, err := e.runner.SyncOnce(ctx)
	if err != nil {
		return err
	}
	log.Info("sync pass complete", zap.Int("date", synced))
	return nil
}

func cmdBackfill(args []string) *errs.Error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yml", "config file path")
	skipST := fs.Bool("skip-st-refresh", false, "skip rebuilding ST history (slow, one call per stock)")
	_ = fs.Parse(args)
	ctx, cancel := signalCtx()
	defer cancel()
	e, err := setup(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer orm.Close()

	if e.cfg.Tushare.Token == "" {
		return errs.NewMsg(core.ErrBadConfig, "backfill needs a tushare token for the instrument universe")
	}
	if err = data.RefreshInstruments(ctx, e.ts); err != nil {
		return err
	}
	if !*skipST {
		items, err := orm.LoadInstruments(core.KindStock)
		if err != nil {
			return err
		}
		if err = data.RefreshSTDays(ctx, e.ts, items); err != nil {
			return err
		}
	}
	// reload: refresh may have added instruments
	if e.cat, err = catalog.Load(); err != nil {
		return err
	}
	e.eng.Cat = e.cat

	done := watchProgress(e.bus, "backfilling")
	defer done()
	synced, err := e.runner.SyncOnce(ctx)
	if err != nil {
		return err
	}
	log.Info("backfill complete", zap.Int("date", synced))
	return nil
}

func cmdInstruments(args []string) *errs.Error {
	fs := flag.NewFlagSet("instruments", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yml", "config file path")
	kind := fs.String("kind", "", "filter by kind (CS, INDX, Future, ETF)")
	asOf := fs.Int("asof", 0, "only instruments tradable on this date (YYYYMMDD)")
	_ = fs.Parse(args)
	ctx, cancel := signalCtx()
	defer cancel()
	_ = ctx
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	log.Setup(cfg.LogLevel, cfg.LogFile)
	if err = orm.Setup(); err != nil {
		return err
	}
	defer orm.Close()
	cat, err := catalog.Load()
	if err != nil {
		return err
	}
	var kinds []string
	if *kind != "" {
		kinds = append(kinds, *kind)
	}
	items := cat.SortedByID(cat.All(*asOf, kinds...))
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("SID", "INST ID", "SYMBOL", "NAME", "KIND", "BOARD", "STATUS", "LISTED", "DELISTED")
	for _, it := range items {
		_ = table.Append(strconv.Itoa(int(it.Sid)), it.InstID, it.Symbol, it.Name,
			it.Kind, it.Board, it.Status, btime.DateStr(it.ListDate), btime.DateStr(it.DelistDate))
	}
	_ = table.Render()
	fmt.Printf("%d instruments\n", len(items))
	return nil
}

func cmdFixMin(args []string) *errs.Error {
	fs := flag.NewFlagSet("fixmin", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yml", "config file path")
	_ = fs.Parse(args)
	ctx, cancel := signalCtx()
	defer cancel()
	e, err := setup(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer orm.Close()
	return e.eng.FixMinuteDB(ctx)
}

/*
watchProgress drives a terminal progress bar from bus events until the
finished event lands. Returns a func that detaches the subscription.
*/
func watchProgress(bus *data.Bus, title string) func() {
	ch, cancel := bus.Subscribe()
	go func() {
		var bar *utils.PrgBar
		for evt := range ch {
			switch evt.Type {
			case data.EvtProgress:
				if bar == nil {
					bar = utils.NewPrgBar(evt.Total, title)
				}
				bar.Add(evt.Done - bar.Done())
			case data.EvtFinished:
				if bar != nil {
					bar.Close()
					bar = nil
				}
			}
		}
	}()
	return cancel
}
