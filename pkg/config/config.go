// Package config holds the daemon defaults and loads runtime configuration
// from an optional YAML file, a .env file and TINYTRAFFIC_* environment
// variables (in increasing order of precedence).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/logging"
	"github.com/nicktill/tinytraffic/pkg/retry"
)

// EnvPrefix prefixes every environment override, e.g. TINYTRAFFIC_SOURCE_ACCESS_ID.
const EnvPrefix = "TINYTRAFFIC"

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Source    SourceConfig    `mapstructure:"source"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Rollup    RollupConfig    `mapstructure:"rollup"`
	Detect    DetectConfig    `mapstructure:"detect"`
	Retention RetentionConfig `mapstructure:"retention"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"` // memory, badger or sqlite
	Path         string `mapstructure:"path"`    // badger directory
	DSN          string `mapstructure:"dsn"`     // sqlite file
	MaxMemoryMB  int64  `mapstructure:"max_memory_mb"`
	MaxStorageGB int64  `mapstructure:"max_storage_gb"`
}

// SourceConfig points at the upstream Voluum API.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AccessID       string        `mapstructure:"access_id"`
	AccessKey      string        `mapstructure:"access_key"`
	CampaignFilter string        `mapstructure:"campaign_filter"`
	PageSize       int           `mapstructure:"page_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type IngestConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	SafetyMargin    time.Duration `mapstructure:"safety_margin"`
	InitialLookback time.Duration `mapstructure:"initial_lookback"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
}

type RollupConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	SafetyMargin  time.Duration `mapstructure:"safety_margin"`
	LookbackHours int           `mapstructure:"lookback_hours"`
	Workers       int           `mapstructure:"workers"`
}

type DetectConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	BaselineWindow     time.Duration `mapstructure:"baseline_window"`
	ZThreshold         float64       `mapstructure:"z_threshold"`
	MinBaselineSamples int64         `mapstructure:"min_baseline_samples"`
	MinCurrentSamples  int64         `mapstructure:"min_current_samples"`
	DropFraction       float64       `mapstructure:"drop_fraction"`
	MinHistoryPoints   int           `mapstructure:"min_history_points"`
	Dimension          string        `mapstructure:"dimension"`
}

type RetentionConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Days      int           `mapstructure:"days"`
	BatchSize int           `mapstructure:"batch_size"`
}

type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// LeaseConfig selects where per-source sync leases live.
type LeaseConfig struct {
	Backend       string `mapstructure:"backend"` // local or redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Prefix        string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Policy converts the retry section.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries:   c.MaxRetries,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
	}
}

// Logging converts the log section.
func (c LogConfig) Logging() logging.Config {
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.read_timeout", DefaultReadTimeout)
	v.SetDefault("server.write_timeout", DefaultWriteTimeout)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("storage.backend", "badger")
	v.SetDefault("storage.path", "./data/tinytraffic")
	v.SetDefault("storage.dsn", "./data/tinytraffic.db")
	v.SetDefault("storage.max_memory_mb", DefaultMaxMemoryMB)
	v.SetDefault("storage.max_storage_gb", DefaultMaxStorageGB)

	v.SetDefault("source.base_url", "https://api.voluum.com")
	v.SetDefault("source.access_id", "")
	v.SetDefault("source.access_key", "")
	v.SetDefault("source.campaign_filter", "")
	v.SetDefault("source.page_size", 1000)
	v.SetDefault("source.timeout", 60*time.Second)

	v.SetDefault("ingest.interval", DefaultIngestInterval)
	v.SetDefault("ingest.safety_margin", 2*time.Minute)
	v.SetDefault("ingest.initial_lookback", 24*time.Hour)
	v.SetDefault("ingest.lease_ttl", 10*time.Minute)

	v.SetDefault("rollup.interval", DefaultRollupInterval)
	v.SetDefault("rollup.safety_margin", 5*time.Minute)
	v.SetDefault("rollup.lookback_hours", 6)
	v.SetDefault("rollup.workers", 4)

	v.SetDefault("detect.interval", DefaultDetectInterval)
	v.SetDefault("detect.baseline_window", 7*24*time.Hour)
	v.SetDefault("detect.z_threshold", 2.0)
	v.SetDefault("detect.min_baseline_samples", 100)
	v.SetDefault("detect.min_current_samples", 10)
	v.SetDefault("detect.drop_fraction", 0.5)
	v.SetDefault("detect.min_history_points", 3)
	v.SetDefault("detect.dimension", "")

	v.SetDefault("retention.interval", DefaultRetentionInterval)
	v.SetDefault("retention.days", 90)
	v.SetDefault("retention.batch_size", 500)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)

	v.SetDefault("lease.backend", "local")
	v.SetDefault("lease.redis_addr", "localhost:6379")
	v.SetDefault("lease.redis_password", "")
	v.SetDefault("lease.redis_db", 0)
	v.SetDefault("lease.prefix", "tinytraffic:lease:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
}

// Load reads configuration. When path is empty a tinytraffic.yaml in the
// working directory is used if present. A .env file in the working directory
// is loaded into the environment first; existing variables win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errs.Config("load .env", "%v", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Config("read config", "%s: %v", path, err)
		}
	} else {
		v.SetConfigName("tinytraffic")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errs.Config("read config", "%v", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Config("decode config", "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no task can run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Storage.Backend {
	case "memory", "badger", "sqlite":
	default:
		add("storage.backend %q is not one of memory, badger, sqlite", c.Storage.Backend)
	}
	switch c.Lease.Backend {
	case "local", "redis":
	default:
		add("lease.backend %q is not one of local, redis", c.Lease.Backend)
	}
	switch c.Detect.Dimension {
	case "", "country", "device":
	default:
		add("detect.dimension %q is not one of country, device", c.Detect.Dimension)
	}

	for name, d := range map[string]time.Duration{
		"ingest.interval":    c.Ingest.Interval,
		"rollup.interval":    c.Rollup.Interval,
		"detect.interval":    c.Detect.Interval,
		"retention.interval": c.Retention.Interval,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.Ingest.SafetyMargin < 0 || c.Rollup.SafetyMargin < 0 {
		add("safety margins must not be negative")
	}
	if c.Retention.Days <= 0 {
		add("retention.days must be positive, got %d", c.Retention.Days)
	}
	if c.Retention.BatchSize <= 0 {
		add("retention.batch_size must be positive")
	}
	if c.Detect.ZThreshold <= 0 {
		add("detect.z_threshold must be positive")
	}
	if c.Detect.DropFraction <= 0 || c.Detect.DropFraction > 1 {
		add("detect.drop_fraction must be in (0,1], got %v", c.Detect.DropFraction)
	}
	if c.Rollup.LookbackHours <= 0 || c.Rollup.Workers <= 0 {
		add("rollup.lookback_hours and rollup.workers must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries must not be negative")
	}

	if len(problems) > 0 {
		return errs.Config("validate config", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// HasSourceCredentials reports whether the Voluum credentials are set.
func (c *Config) HasSourceCredentials() bool {
	return c.Source.AccessID != "" && c.Source.AccessKey != ""
}
