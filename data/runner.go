package data

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/freemoses/tpro/btime"
	"github.com/freemoses/tpro/config"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/log"
	"github.com/freemoses/tpro/orm"
)

/*
Runner keeps the store current without supervision: it polls the clock,
kicks a sync pass once per trading day after the cutoff, runs the weekly
minute repair on the configured weekday, and schedules the full minute sweep
on a cron expression. Cancelling the context stops everything, mid-pass
included.
*/
type Runner struct {
	Eng *Engine
	Cfg *config.SyncConfig
}

func NewRunner(eng *Engine, cfg *config.SyncConfig) *Runner {
	return &Runner{Eng: eng, Cfg: cfg}
}

// parseClock turns "17:06" into 170600.
func parseClock(s string) (int, *errs.Error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, errs.NewMsg(core.ErrBadConfig, "bad task_time: %s", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, errs.NewMsg(core.ErrBadConfig, "bad task_time: %s", s)
	}
	return h*10000 + m*100, nil
}

/*
targetDate is the newest date whose data upstream has fully published: today
once past the cutoff on a trading day, otherwise the previous trading day.
*/
func (r *Runner) targetDate(now time.Time, cutoff int) int {
	today := btime.DateOf(now)
	if r.Eng.Cal.IsTradingDay(today) && btime.ClockOf(now) > cutoff {
		return today
	}
	return r.Eng.Cal.PrevTradingDay(today, 1)
}

/*
repairDue reports whether the weekly minute repair should run on today.
It fires on the configured weekday once the daily pass has caught up to
target, at most once per calendar date. Keeping its own gate means a target
already equal to updated (the usual Saturday state) still triggers it.
*/
func (r *Runner) repairDue(today, updated, target, repaired int) bool {
	return target > 0 && target == updated && today != repaired &&
		btime.Weekday(today) == r.Cfg.RepairWeekday
}

func (r *Runner) Run(ctx context.Context) *errs.Error {
	cutoff, err := parseClock(r.Cfg.TaskTime)
	if err != nil {
		return err
	}
	updated, err := orm.LoadUpdatedDate()
	if err != nil {
		return err
	}
	repaired, err := orm.LoadRepairedDate()
	if err != nil {
		return err
	}

	sched := cron.New(cron.WithSeconds())
	if r.Cfg.FixMinCron != "" {
		_, err_ := sched.AddFunc(r.Cfg.FixMinCron, func() {
			if err := r.Eng.FixMinuteDB(ctx); err != nil {
				log.Error("minute sweep failed", zap.String("err", err.Short()))
			}
		})
		if err_ != nil {
			return errs.New(core.ErrBadConfig, err_)
		}
	}
	sched.Start()
	defer sched.Stop()

	log.Info("runner started", zap.String("task_time", r.Cfg.TaskTime),
		zap.Int("last_updated", updated))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	count := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("runner stopped")
			return nil
		case <-ticker.C:
		}
		count++
		if count < 10 {
			continue
		}
		count = 0

		now := btime.Now()
		today := btime.DateOf(now)
		target := r.targetDate(now, cutoff)
		if target > 0 && target != updated {
			passID := uuid.NewString()
			log.Info("starting sync pass", zap.Int("date", target), zap.String("pass", passID))
			if err := r.Eng.RunPass(ctx, passID, target); err != nil {
				log.Error("sync pass aborted", zap.String("err", err.Short()))
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if err := orm.SaveUpdatedDate(target); err != nil {
				log.Error("persisting updated date failed", zap.String("err", err.Short()))
				continue
			}
			updated = target
		}
		if r.repairDue(today, updated, target, repaired) {
			repairID := uuid.NewString()
			if err := r.Eng.WeeklyRepair(ctx, repairID, target, r.Cfg.RepairDays); err != nil {
				log.Error("weekly repair aborted", zap.String("err", err.Short()))
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if err := orm.SaveRepairedDate(today); err != nil {
				log.Error("persisting repaired date failed", zap.String("err", err.Short()))
			} else {
				repaired = today
			}
		}
	}
}

/*
SyncOnce runs a single pass to the current target date, for the CLI. Returns
the synced date.
*/
func (r *Runner) SyncOnce(ctx context.Context) (int, *errs.Error) {
	cutoff, err := parseClock(r.Cfg.TaskTime)
	if err != nil {
		return 0, err
	}
	target := r.targetDate(btime.Now(), cutoff)
	if target <= 0 {
		return 0, errs.NewMsg(core.ErrNoCalendar, "no target trading date")
	}
	passID := uuid.NewString()
	if err = r.Eng.RunPass(ctx, passID, target); err != nil {
		return target, err
	}
	if err = orm.SaveUpdatedDate(target); err != nil {
		return target, err
	}
	return target, nil
}

// Status is the runner view the web surface serves.
type Status struct {
	Source      string `json:"source"`
	LastUpdated int    `json:"last_updated"`
	TargetDate  int    `json:"target_date"`
	TaskTime    string `json:"task_time"`
}

func (r *Runner) Status() (*Status, *errs.Error) {
	cutoff, err := parseClock(r.Cfg.TaskTime)
	if err != nil {
		return nil, err
	}
	updated, err := orm.LoadUpdatedDate()
	if err != nil {
		return nil, err
	}
	return &Status{
		Source:      r.Eng.Src.Name(),
		LastUpdated: updated,
		TargetDate:  r.targetDate(btime.Now(), cutoff),
		TaskTime:    r.Cfg.TaskTime,
	}, nil
}
