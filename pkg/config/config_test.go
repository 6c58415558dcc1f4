package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytraffic/pkg/errs"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Ingest.SafetyMargin)
	assert.Equal(t, 24*time.Hour, cfg.Ingest.InitialLookback)
	assert.Equal(t, 6, cfg.Rollup.LookbackHours)
	assert.Equal(t, 168*time.Hour, cfg.Detect.BaselineWindow)
	assert.Equal(t, 2.0, cfg.Detect.ZThreshold)
	assert.Equal(t, int64(100), cfg.Detect.MinBaselineSamples)
	assert.Equal(t, 0.5, cfg.Detect.DropFraction)
	assert.Equal(t, 90, cfg.Retention.Days)
	assert.Equal(t, "local", cfg.Lease.Backend)
	assert.False(t, cfg.HasSourceCredentials())

	p := cfg.Retry.Policy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TINYTRAFFIC_SOURCE_ACCESS_ID", "id")
	t.Setenv("TINYTRAFFIC_SOURCE_ACCESS_KEY", "key")
	t.Setenv("TINYTRAFFIC_INGEST_INTERVAL", "90s")
	t.Setenv("TINYTRAFFIC_DETECT_Z_THRESHOLD", "3.5")
	t.Setenv("TINYTRAFFIC_STORAGE_BACKEND", "sqlite")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.HasSourceCredentials())
	assert.Equal(t, 90*time.Second, cfg.Ingest.Interval)
	assert.Equal(t, 3.5, cfg.Detect.ZThreshold)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinytraffic.yaml")
	yaml := `
storage:
  backend: memory
retention:
  days: 30
detect:
  dimension: country
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 30, cfg.Retention.Days)
	assert.Equal(t, "country", cfg.Detect.Dimension)
	assert.Equal(t, "console", cfg.Log.Logging().Format)
	// untouched keys keep their defaults
	assert.Equal(t, 500, cfg.Retention.BatchSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"negative retention": func(c *Config) { c.Retention.Days = -1 },
		"zero interval":      func(c *Config) { c.Detect.Interval = 0 },
		"fraction above one": func(c *Config) { c.Detect.DropFraction = 1.2 },
		"zero threshold":     func(c *Config) { c.Detect.ZThreshold = 0 },
		"unknown backend":    func(c *Config) { c.Storage.Backend = "postgres" },
		"unknown lease":      func(c *Config) { c.Lease.Backend = "etcd" },
		"unknown dimension":  func(c *Config) { c.Detect.Dimension = "os" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindConfig))
		})
	}
}
