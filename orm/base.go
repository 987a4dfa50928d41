package orm

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/freemoses/tpro/config"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
	"github.com/freemoses/tpro/log"
)

//go:embed sql/bar_schema.sql
var ddlBars string

//go:embed sql/meta_schema.sql
var ddlMeta string

var (
	pool     *pgxpool.Pool
	metaDB   *sql.DB
	metaLock deadlock.Mutex
)

/*
Setup
Open the bar store (pg wire) and the sqlite meta store, creating schemas when
missing. Must succeed before the engine or the web surface start.
打开K线库与元数据库，缺表时建表；引擎和Web服务启动前必须成功。
*/
func Setup() *errs.Error {
	if pool != nil {
		pool.Close()
		pool = nil
	}
	var err *errs.Error
	pool, err = pgConnPool()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := execMultiSQL(ctx, pool, ddlBars); err != nil {
		return NewDbErr(core.ErrDbExecFail, err)
	}
	if err := openMeta(config.Data.MetaDbPath()); err != nil {
		return err
	}
	log.Info("connect db ok", zap.String("url", maskDBUrl(config.Data.Database.Url)),
		zap.Int("pool", config.Data.Database.MaxPoolSize))
	return nil
}

func Close() {
	if pool != nil {
		pool.Close()
		pool = nil
	}
	metaLock.Lock()
	if metaDB != nil {
		_ = metaDB.Close()
		metaDB = nil
	}
	metaLock.Unlock()
}

func pgConnPool() (*pgxpool.Pool, *errs.Error) {
	dbCfg := config.Data.Database
	poolCfg, err_ := pgxpool.ParseConfig(dbCfg.Url)
	if err_ != nil {
		return nil, errs.New(core.ErrBadConfig, err_)
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	poolCfg.MaxConns = int32(dbCfg.MaxPoolSize)
	connCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dbPool, err_ := pgxpool.NewWithConfig(connCtx, poolCfg)
	if err_ != nil {
		return nil, errs.New(core.ErrDbConnFail, err_)
	}
	pingCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err_ = dbPool.Ping(pingCtx); err_ != nil {
		dbPool.Close()
		return nil, errs.New(core.ErrDbConnFail, err_)
	}
	return dbPool, nil
}

func execMultiSQL(ctx context.Context, p *pgxpool.Pool, sqlText string) error {
	for _, st := range strings.Split(sqlText, ";") {
		s := strings.TrimSpace(st)
		if s == "" {
			continue
		}
		if _, err := p.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func openMeta(path string) *errs.Error {
	metaLock.Lock()
	defer metaLock.Unlock()
	if metaDB != nil {
		_ = metaDB.Close()
	}
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&cache=shared&mode=rwc", path)
	db, err_ := sql.Open("sqlite", connStr)
	if err_ != nil {
		return errs.New(core.ErrDbConnFail, err_)
	}
	// WAL allows one writer at a time; keep the writer pool at 1 so lock
	// contention stays inside sqlite's busy handler.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Second)
	for _, st := range strings.Split(ddlMeta, ";") {
		s := strings.TrimSpace(st)
		if s == "" {
			continue
		}
		if _, err_ = db.Exec(s); err_ != nil {
			_ = db.Close()
			return errs.New(core.ErrDbExecFail, err_)
		}
	}
	metaDB = db
	return nil
}

// Meta returns the sqlite meta handle. Only valid after Setup.
func Meta() *sql.DB {
	return metaDB
}

// Pool returns the bar-store pool. Only valid after Setup.
func Pool() *pgxpool.Pool {
	return pool
}

func NewDbErr(code int, err_ error) *errs.Error {
	var opErr *net.OpError
	var pgErr *pgconn.PgError
	if errors.As(err_, &opErr) {
		if strings.Contains(opErr.Err.Error(), "connection reset") {
			return errs.New(core.ErrDbConnFail, err_)
		}
	} else if errors.As(err_, &pgErr) {
		// 23505: unique_violation. A duplicate (sid, ts) insert means the
		// cursor computation went wrong upstream; keep it distinguishable.
		if pgErr.Code == "23505" {
			return errs.New(core.ErrDbUniqueViolation, err_)
		}
	}
	return errs.New(code, err_)
}

// IsUniqueViolation reports whether an error is a duplicate-timestamp write.
func IsUniqueViolation(err *errs.Error) bool {
	return err != nil && err.Code == core.ErrDbUniqueViolation
}

func maskDBUrl(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}
