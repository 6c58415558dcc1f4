// Package retention deletes raw events and hourly rows that fall behind the
// retention horizon.
//
// Deletes run in bounded batches, one store transaction each, so a sweep never
// holds a write lock long enough to stall ingestion or rollups.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/metrics"
	"github.com/nicktill/tinytraffic/pkg/retry"
	"github.com/nicktill/tinytraffic/pkg/storage"
)

// Defaults
const (
	DefaultDays      = 90
	DefaultBatchSize = 500
)

// Config configures a Sweeper.
type Config struct {
	Store     storage.Store
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Retry     retry.Policy
	BatchSize int
}

// Sweeper removes expired records.
type Sweeper struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	retry   retry.Policy
	batch   int
}

// New creates a Sweeper.
func New(cfg Config) *Sweeper {
	s := &Sweeper{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		retry:   cfg.Retry,
		batch:   cfg.BatchSize,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.batch <= 0 {
		s.batch = DefaultBatchSize
	}
	return s
}

// Result reports one sweep.
type Result struct {
	RetentionDays int                    `json:"retention_days"`
	Cutoff        time.Time              `json:"cutoff"`
	Deleted       map[storage.Entity]int `json:"deleted"`
	Batches       int                    `json:"batches"`
}

// Total returns the number of deleted records across entities.
func (r Result) Total() int {
	n := 0
	for _, d := range r.Deleted {
		n += d
	}
	return n
}

// Cutoff returns the retention boundary for days before now.
func Cutoff(now time.Time, days int) time.Time {
	return now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
}

// Cleanup deletes every record strictly older than now - days. Records exactly
// at the cutoff are kept. On error the counts deleted so far are returned.
func (s *Sweeper) Cleanup(ctx context.Context, days int, now time.Time) (Result, error) {
	if days <= 0 {
		return Result{}, errs.Config("cleanup", "retention days must be positive, got %d", days)
	}

	res := Result{
		RetentionDays: days,
		Cutoff:        Cutoff(now, days),
		Deleted:       make(map[storage.Entity]int, len(storage.AllEntities())),
	}
	for _, entity := range storage.AllEntities() {
		n, batches, err := s.sweep(ctx, entity, res.Cutoff)
		res.Deleted[entity] = n
		res.Batches += batches
		s.metrics.AddDeleted(string(entity), n)
		if err != nil {
			return res, fmt.Errorf("cleanup %s: %w", entity, err)
		}
	}

	s.logger.Info("retention sweep complete",
		zap.Int("days", days),
		zap.Time("cutoff", res.Cutoff),
		zap.Int("deleted", res.Total()),
		zap.Int("batches", res.Batches))
	return res, nil
}

func (s *Sweeper) sweep(ctx context.Context, entity storage.Entity, cutoff time.Time) (deleted, batches int, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return deleted, batches, err
		}

		var n int
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			var err error
			n, err = s.store.DeleteBefore(ctx, entity, cutoff, s.batch)
			if err != nil && errs.KindOf(err) == errs.KindUnknown && ctx.Err() == nil {
				return errs.Store("delete "+string(entity), err)
			}
			return err
		})
		if err != nil {
			return deleted, batches, err
		}
		deleted += n
		batches++

		if n < s.batch {
			if deleted > 0 {
				s.logger.Debug("entity swept",
					zap.String("entity", string(entity)),
					zap.Int("deleted", deleted),
					zap.Int("batches", batches))
			}
			return deleted, batches, nil
		}
	}
}
