package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate when a setting is out of range.
var ErrInvalidConfig = errors.New("invalid config")

// DateLayout is the calendar-date layout used throughout the config file.
const DateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the rotation backtester.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Logging  Logging        `yaml:"logging"`
	Tushare  Tushare        `yaml:"tushare"`
	Gather   GatherConfig   `yaml:"gather"`
	Backtest BacktestConfig `yaml:"backtest"`
	SMACross SMACrossConfig `yaml:"sma_cross"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"` // optional; preferred over SQLite when set
	ResultFile  string `yaml:"result_file"`
	StatsFile   string `yaml:"stats_file"`
}

// Logging configures the application logger.
type Logging struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Dir      string `yaml:"dir"`
	Progress bool   `yaml:"progress"`
}

// Tushare holds credentials and limits for the tushare pro data API.
type Tushare struct {
	Token           string        `yaml:"token"`
	BaseURL         string        `yaml:"base_url"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	Timeout         time.Duration `yaml:"timeout"`
}

// GatherConfig controls data preparation.
type GatherConfig struct {
	CNDaily GatherJobConfig `yaml:"cn_daily"`
}

// GatherJobConfig holds parameters for a single data gathering job.
type GatherJobConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// BacktestConfig is the strategy and driver configuration.
type BacktestConfig struct {
	Strategy             string  `yaml:"strategy"`
	InitialCash          float64 `yaml:"initial_cash"`
	GroupNum             int     `yaml:"group_num"`
	Groups               []int   `yaml:"groups"` // cohorts to run; all of 1..group_num when empty
	BuyNum               int     `yaml:"buy_num"`
	RefreshRate          int     `yaml:"refresh_rate"`
	CommissionRate       float64 `yaml:"commission_rate"`
	MinCommission        float64 `yaml:"min_commission"`
	StartDate            string  `yaml:"start_date"`
	EndDate              string  `yaml:"end_date"`
	Trials               int     `yaml:"trials"`
	Workers              int     `yaml:"workers"`
	Seed                 uint64  `yaml:"seed"` // 0 seeds from the clock
	FillOnClose          *bool   `yaml:"fill_on_close"`
	MaxExitRetries       int     `yaml:"max_exit_retries"`
	ExitRetryBackoffDays int     `yaml:"exit_retry_backoff_days"`
}

// SMACrossConfig parameterises the single-instrument SMA crossover strategy.
type SMACrossConfig struct {
	Instrument  string  `yaml:"instrument"`
	ShortPeriod int     `yaml:"short_period"`
	LongPeriod  int     `yaml:"long_period"`
	InitialCash float64 `yaml:"initial_cash"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}

	if v := os.Getenv("RESULT_FILE"); v != "" {
		cfg.Storage.ResultFile = v
	}

	if v := os.Getenv("TUSHARE_TOKEN"); v != "" {
		cfg.Tushare.Token = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ApplyDefaults fills every unset field with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.ResultFile == "" {
		c.Storage.ResultFile = "log/result.txt"
	}
	if c.Storage.StatsFile == "" {
		c.Storage.StatsFile = "log/ret_sta.txt"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Tushare.BaseURL == "" {
		c.Tushare.BaseURL = "http://api.tushare.pro"
	}
	if c.Tushare.RateLimitPerMin == 0 {
		c.Tushare.RateLimitPerMin = 200
	}
	if c.Tushare.MaxAttempts == 0 {
		c.Tushare.MaxAttempts = 3
	}
	if c.Tushare.RetryDelay == 0 {
		c.Tushare.RetryDelay = time.Second
	}
	if c.Tushare.Timeout == 0 {
		c.Tushare.Timeout = 30 * time.Second
	}

	if c.Gather.CNDaily.MaxWorkers == 0 {
		c.Gather.CNDaily.MaxWorkers = 4
	}

	b := &c.Backtest
	if b.Strategy == "" {
		b.Strategy = "pe-rotation"
	}
	if b.InitialCash == 0 {
		b.InitialCash = 1_000_000
	}
	if b.GroupNum == 0 {
		b.GroupNum = 5
	}
	if b.BuyNum == 0 {
		b.BuyNum = 100
	}
	if b.RefreshRate == 0 {
		b.RefreshRate = 20
	}
	if b.CommissionRate == 0 {
		b.CommissionRate = 0.003
	}
	if b.StartDate == "" {
		b.StartDate = "2010-01-01"
	}
	if b.EndDate == "" {
		b.EndDate = "2014-12-31"
	}
	if b.Trials == 0 {
		b.Trials = 10
	}
	if b.Workers == 0 {
		b.Workers = 3
	}
	if b.FillOnClose == nil {
		fill := true
		b.FillOnClose = &fill
	}
	if b.MaxExitRetries == 0 {
		b.MaxExitRetries = 5
	}
	if b.ExitRetryBackoffDays == 0 {
		b.ExitRetryBackoffDays = 1
	}

	s := &c.SMACross
	if s.Instrument == "" {
		s.Instrument = "000001.SZ"
	}
	if s.ShortPeriod == 0 {
		s.ShortPeriod = 5
	}
	if s.LongPeriod == 0 {
		s.LongPeriod = 100
	}
	if s.InitialCash == 0 {
		s.InitialCash = 100_000
	}
}

// Validate checks cross-field constraints. It assumes ApplyDefaults ran.
func (c *Config) Validate() error {
	b := c.Backtest
	if b.InitialCash < 0 {
		return fmt.Errorf("%w: initial_cash %v is negative", ErrInvalidConfig, b.InitialCash)
	}
	if b.GroupNum < 1 {
		return fmt.Errorf("%w: group_num %d < 1", ErrInvalidConfig, b.GroupNum)
	}
	for _, g := range b.Groups {
		if g < 1 || g > b.GroupNum {
			return fmt.Errorf("%w: group %d outside [1, %d]", ErrInvalidConfig, g, b.GroupNum)
		}
	}
	if b.BuyNum < 1 {
		return fmt.Errorf("%w: buy_num %d < 1", ErrInvalidConfig, b.BuyNum)
	}
	if b.RefreshRate < 1 {
		return fmt.Errorf("%w: refresh_rate %d < 1", ErrInvalidConfig, b.RefreshRate)
	}
	if b.CommissionRate < 0 || b.MinCommission < 0 {
		return fmt.Errorf("%w: commission must not be negative", ErrInvalidConfig)
	}
	if b.Trials < 1 || b.Workers < 1 {
		return fmt.Errorf("%w: trials and workers must be positive", ErrInvalidConfig)
	}
	if b.MaxExitRetries < 0 || b.ExitRetryBackoffDays < 0 {
		return fmt.Errorf("%w: exit retry settings must not be negative", ErrInvalidConfig)
	}

	start, end, err := b.Window()
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("%w: end_date %s before start_date %s", ErrInvalidConfig, b.EndDate, b.StartDate)
	}

	if c.SMACross.ShortPeriod < 1 || c.SMACross.LongPeriod <= c.SMACross.ShortPeriod {
		return fmt.Errorf("%w: sma_cross periods must satisfy 0 < short < long", ErrInvalidConfig)
	}
	return nil
}

// Window parses the simulated date window.
func (b BacktestConfig) Window() (time.Time, time.Time, error) {
	start, err := time.Parse(DateLayout, b.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_date %q: %v", ErrInvalidConfig, b.StartDate, err)
	}
	end, err := time.Parse(DateLayout, b.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date %q: %v", ErrInvalidConfig, b.EndDate, err)
	}
	return start, end, nil
}

// Cohorts returns the cohorts to run, defaulting to every cohort.
func (b BacktestConfig) Cohorts() []int {
	if len(b.Groups) > 0 {
		return append([]int(nil), b.Groups...)
	}
	out := make([]int, b.GroupNum)
	for i := range out {
		out[i] = i + 1
	}
	return out
}
