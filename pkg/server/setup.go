// Package server wires the ingest, rollup, detection and retention components
// into a long running daemon: the periodic task loops and the HTTP API.
package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/anomaly"
	"github.com/nicktill/tinytraffic/pkg/config"
	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/export"
	"github.com/nicktill/tinytraffic/pkg/ingest"
	"github.com/nicktill/tinytraffic/pkg/lease"
	"github.com/nicktill/tinytraffic/pkg/metrics"
	"github.com/nicktill/tinytraffic/pkg/retention"
	"github.com/nicktill/tinytraffic/pkg/rollup"
	"github.com/nicktill/tinytraffic/pkg/server/monitor"
	"github.com/nicktill/tinytraffic/pkg/source"
	"github.com/nicktill/tinytraffic/pkg/source/voluum"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/storage/badger"
	"github.com/nicktill/tinytraffic/pkg/storage/memory"
	"github.com/nicktill/tinytraffic/pkg/storage/sqlite"
)

// OpenStore opens the configured storage backend.
func OpenStore(cfg config.StorageConfig, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("using in-memory storage, data is lost on exit")
		return memory.New(), nil
	case "badger":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err := badger.New(badger.Config{
			Path:        cfg.Path,
			MaxMemoryMB: cfg.MaxMemoryMB,
			Logger:      logger.Named("badger"),
		})
		if err != nil {
			return nil, err
		}
		logger.Info("badger storage opened", zap.String("path", cfg.Path), zap.Int64("max_memory_mb", cfg.MaxMemoryMB))
		return store, nil
	case "sqlite":
		if dir := DataDir(cfg); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		store, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite storage opened", zap.String("dsn", cfg.DSN))
		return store, nil
	}
	return nil, errs.Config("open store", "unknown backend %q", cfg.Backend)
}

// DataDir returns the directory whose disk usage the storage monitor reports.
func DataDir(cfg config.StorageConfig) string {
	switch cfg.Backend {
	case "badger":
		return cfg.Path
	case "sqlite":
		if cfg.DSN == "" || strings.HasPrefix(cfg.DSN, ":memory:") || strings.HasPrefix(cfg.DSN, "file:") {
			return ""
		}
		return filepath.Dir(cfg.DSN)
	}
	return ""
}

// OpenLocker returns the configured lease backend and a function releasing
// its resources.
func OpenLocker(ctx context.Context, cfg config.LeaseConfig, logger *zap.Logger) (lease.Locker, func() error, error) {
	switch cfg.Backend {
	case "local":
		return lease.NewLocal(), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, errs.Config("open lease", "redis %s unreachable: %v", cfg.RedisAddr, err)
		}
		logger.Info("redis leases enabled", zap.String("addr", cfg.RedisAddr), zap.String("prefix", cfg.Prefix))
		return lease.NewRedis(client, cfg.Prefix), client.Close, nil
	}
	return nil, nil, errs.Config("open lease", "unknown backend %q", cfg.Backend)
}

// OpenSource creates the upstream Voluum client.
func OpenSource(cfg config.SourceConfig) (source.Source, error) {
	return voluum.New(voluum.Config{
		BaseURL:        cfg.BaseURL,
		AccessID:       cfg.AccessID,
		AccessKey:      cfg.AccessKey,
		CampaignFilter: cfg.CampaignFilter,
		PageSize:       cfg.PageSize,
		Timeout:        cfg.Timeout,
	})
}

// Deps are the external resources a Server runs against.
type Deps struct {
	Config *config.Config
	Store  storage.Store
	Source source.Source
	Locker lease.Locker
	Logger *zap.Logger

	// Registry receives the service metrics and backs /metrics.
	// A fresh registry is created when nil.
	Registry *prometheus.Registry
}

// Server owns the components and exposes them through tasks and HTTP.
type Server struct {
	cfg    *config.Config
	store  storage.Store
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	ingestor   *ingest.Ingestor
	aggregator *rollup.Aggregator
	detector   *anomaly.Detector
	sweeper    *retention.Sweeper
	exporter   *export.Handler
	hub        *anomaly.Hub

	tasks   *monitor.TaskMonitor
	storage *monitor.StorageMonitor

	now func() time.Time
}

// New builds every component from d.
func New(d Deps) (*Server, error) {
	if d.Config == nil || d.Store == nil || d.Source == nil {
		return nil, errs.Config("server", "config, store and source are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := d.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	cfg := d.Config
	m := metrics.New(reg)
	policy := cfg.Retry.Policy()

	hub := anomaly.NewHub(logger)
	detector, err := anomaly.New(anomaly.Config{
		Store:              d.Store,
		Sink:               anomaly.MultiSink{anomaly.LogSink{Logger: logger.Named("alerts")}, hub},
		Metrics:            m,
		Logger:             logger.Named("anomaly"),
		BaselineWindow:     cfg.Detect.BaselineWindow,
		ZThreshold:         cfg.Detect.ZThreshold,
		MinBaselineSamples: cfg.Detect.MinBaselineSamples,
		MinCurrentSamples:  cfg.Detect.MinCurrentSamples,
		DropFraction:       cfg.Detect.DropFraction,
		MinHistoryPoints:   cfg.Detect.MinHistoryPoints,
		SafetyMargin:       cfg.Rollup.SafetyMargin,
		Dimension:          cfg.Detect.Dimension,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		store:    d.Store,
		logger:   logger,
		registry: reg,
		metrics:  m,
		ingestor: ingest.New(ingest.Config{
			Store:           d.Store,
			Source:          d.Source,
			Locker:          d.Locker,
			Metrics:         m,
			Logger:          logger.Named("ingest"),
			Retry:           policy,
			SafetyMargin:    cfg.Ingest.SafetyMargin,
			InitialLookback: cfg.Ingest.InitialLookback,
			LeaseTTL:        cfg.Ingest.LeaseTTL,
		}),
		aggregator: rollup.New(rollup.Config{
			Store:         d.Store,
			Metrics:       m,
			Logger:        logger.Named("rollup"),
			Retry:         policy,
			SafetyMargin:  cfg.Rollup.SafetyMargin,
			LookbackHours: cfg.Rollup.LookbackHours,
			Workers:       cfg.Rollup.Workers,
		}),
		detector: detector,
		sweeper: retention.New(retention.Config{
			Store:     d.Store,
			Metrics:   m,
			Logger:    logger.Named("retention"),
			Retry:     policy,
			BatchSize: cfg.Retention.BatchSize,
		}),
		exporter: export.NewHandler(d.Store, logger.Named("export")),
		hub:      hub,
		tasks:    monitor.NewTaskMonitor(),
		storage:  monitor.NewStorageMonitor(DataDir(cfg.Storage), cfg.Storage.MaxStorageGB<<30),
		now:      time.Now,
	}
	for _, t := range s.Tasks() {
		s.tasks.Register(t.Name, staleAfter(t))
	}
	return s, nil
}

// Ingestor exposes the ingestor for one-shot commands.
func (s *Server) Ingestor() *ingest.Ingestor { return s.ingestor }

// Aggregator exposes the rollup aggregator.
func (s *Server) Aggregator() *rollup.Aggregator { return s.aggregator }

// Detector exposes the anomaly detector.
func (s *Server) Detector() *anomaly.Detector { return s.detector }

// Sweeper exposes the retention sweeper.
func (s *Server) Sweeper() *retention.Sweeper { return s.sweeper }

// Monitor exposes the task health monitor.
func (s *Server) Monitor() *monitor.TaskMonitor { return s.tasks }
