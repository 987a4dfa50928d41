// Package config loads the typed application configuration. Every setting has
// a fully-qualified field; there is no search-anywhere key lookup.
package config

import (
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
)

type Config struct {
	Env      string `mapstructure:"env" validate:"omitempty,oneof=prod test"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFile  string `mapstructure:"log_file"`

	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	QuantOS  QuantOSConfig  `mapstructure:"quantos"`
	Tushare  TushareConfig  `mapstructure:"tushare"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Web      WebConfig      `mapstructure:"web"`
}

// DatabaseConfig points at the bar/factor time-series store (pg wire).
type DatabaseConfig struct {
	Url         string `mapstructure:"url" validate:"required"`
	MaxPoolSize int    `mapstructure:"max_pool_size" validate:"omitempty,min=1"`
}

type QuantOSConfig struct {
	Server string `mapstructure:"server"`
	User   string `mapstructure:"user"`
	Token  string `mapstructure:"token"`
}

type TushareConfig struct {
	Server string `mapstructure:"server"`
	Token  string `mapstructure:"token"`
}

type SyncConfig struct {
	// Source selects the upstream provider: quantos / tushare.
	Source string `mapstructure:"source" validate:"omitempty,oneof=quantos tushare"`
	// TaskTime is the daily cutoff (H:MM or HH:MM, exchange-local) after
	// which the daily pass may run. 任务定时，超过该时刻才执行当日更新。
	TaskTime string `mapstructure:"task_time" validate:"omitempty,datetime=15:04"`
	// RepairWeekday triggers the weekly minute repair
	// (ISO weekday, default 6 = Saturday).
	RepairWeekday int `mapstructure:"repair_weekday" validate:"omitempty,min=1,max=7"`
	// RepairDays is how many recent trading days the weekly repair rechecks.
	RepairDays int `mapstructure:"repair_days" validate:"omitempty,min=1,max=30"`
	// FetchRetry bounds retries of a single upstream fetch.
	FetchRetry int `mapstructure:"fetch_retry" validate:"omitempty,min=1,max=10"`
	// FixMinCron schedules the full minute-database sweep (with seconds field).
	FixMinCron string `mapstructure:"fixmin_cron"`
}

type WebConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
}

// Data is the loaded global configuration.
var Data *Config

func Load(path string) (*Config, *errs.Error) {
	raw, err_ := os.ReadFile(path)
	if err_ != nil {
		return nil, errs.New(core.ErrBadConfig, err_)
	}
	var tree map[string]interface{}
	if err_ = yaml.Unmarshal(raw, &tree); err_ != nil {
		return nil, errs.New(core.ErrBadConfig, err_)
	}
	cfg, err := Decode(tree)
	if err != nil {
		return nil, err
	}
	Data = cfg
	core.RunEnv = cfg.Env
	core.DataDir = cfg.DataDir
	return cfg, nil
}

// Decode builds a validated Config from an untyped tree, applying defaults.
func Decode(tree map[string]interface{}) (*Config, *errs.Error) {
	var cfg Config
	dec, err_ := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err_ != nil {
		return nil, errs.New(core.ErrBadConfig, err_)
	}
	if err_ = dec.Decode(tree); err_ != nil {
		return nil, errs.New(core.ErrBadConfig, err_)
	}
	applyDefaults(&cfg)
	if err_ = validator.New().Struct(&cfg); err_ != nil {
		return nil, errs.New(core.ErrBadConfig, err_)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "prod"
	}
	if cfg.DataDir == "" {
		home, _ := os.UserHomeDir()
		cfg.DataDir = filepath.Join(home, ".tpro")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Database.MaxPoolSize == 0 {
		cfg.Database.MaxPoolSize = 8
	}
	if cfg.Sync.Source == "" {
		cfg.Sync.Source = "quantos"
	}
	if cfg.Sync.TaskTime == "" {
		cfg.Sync.TaskTime = "17:06"
	}
	if cfg.Sync.RepairWeekday == 0 {
		cfg.Sync.RepairWeekday = 6
	}
	if cfg.Sync.RepairDays == 0 {
		cfg.Sync.RepairDays = 10
	}
	if cfg.Sync.FetchRetry == 0 {
		cfg.Sync.FetchRetry = 5
	}
	if cfg.Sync.FixMinCron == "" {
		cfg.Sync.FixMinCron = "0 30 3 * * 0"
	}
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = "127.0.0.1:8501"
	}
}

// MetaDbPath is where the sqlite meta database lives.
func (c *Config) MetaDbPath() string {
	return filepath.Join(c.DataDir, "tpro_meta.db")
}
