package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/anomaly"
	"github.com/nicktill/tinytraffic/pkg/config"
	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/rollup"
	"github.com/nicktill/tinytraffic/pkg/server/monitor"
	"github.com/nicktill/tinytraffic/pkg/storage/badger"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// gcDiscardRatio rewrites a value log file once half of it is garbage.
const gcDiscardRatio = 0.5

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

func staleAfter(t Task) time.Duration {
	return 3*t.Interval + t.Timeout
}

// Tasks returns the periodic jobs: one sync per source, then rollup,
// detection, retention and, on badger, value log GC.
func (s *Server) Tasks() []Task {
	var tasks []Task
	for _, src := range traffic.AllSources() {
		src := src
		tasks = append(tasks, Task{
			Name:     "sync:" + string(src),
			Interval: s.cfg.Ingest.Interval,
			Timeout:  config.IngestTimeout,
			Run: func(ctx context.Context, now time.Time) error {
				if err := s.storage.Check(); err != nil {
					return errs.Store("sync "+string(src), err)
				}
				res := s.ingestor.Sync(ctx, src, now)
				if res.OK() {
					return nil
				}
				return res.Err
			},
		})
	}

	tasks = append(tasks,
		Task{
			Name:     "rollup",
			Interval: s.cfg.Rollup.Interval,
			Timeout:  config.RollupTimeout,
			Run:      s.runRollup,
		},
		Task{
			Name:     "detect",
			Interval: s.cfg.Detect.Interval,
			Timeout:  config.DetectTimeout,
			Run: func(ctx context.Context, now time.Time) error {
				_, err := s.detector.Run(ctx, now)
				if errors.Is(err, anomaly.ErrWindowOpen) {
					return nil
				}
				return err
			},
		},
		Task{
			Name:     "retention",
			Interval: s.cfg.Retention.Interval,
			Timeout:  config.RetentionTimeout,
			Run: func(ctx context.Context, now time.Time) error {
				_, err := s.sweeper.Cleanup(ctx, s.cfg.Retention.Days, now)
				return err
			},
		},
	)

	if db, ok := s.store.(*badger.Storage); ok {
		tasks = append(tasks, Task{
			Name:     "badger_gc",
			Interval: config.BadgerGCInterval,
			Timeout:  config.BadgerGCInterval,
			Run: func(context.Context, time.Time) error {
				err := db.RunGC(gcDiscardRatio)
				if errors.Is(err, badgerdb.ErrNoRewrite) {
					return nil
				}
				return err
			},
		})
	}
	return tasks
}

func (s *Server) runRollup(ctx context.Context, now time.Time) error {
	results, err := s.aggregator.RollupPending(ctx, now)
	if errors.Is(err, rollup.ErrNoWatermark) {
		s.logger.Debug("rollup waiting for the first sync of every source")
		return nil
	}
	if err != nil {
		return err
	}
	rows, succeeded, skipped, failed := rollup.Summarize(results)
	s.logger.Info("rollup cycle finished",
		zap.Int("rows", rows),
		zap.Int("succeeded", succeeded),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed))
	for _, r := range results {
		if r.Status == rollup.StatusFailed {
			return r.Err
		}
	}
	return nil
}

// RunTask executes t once, recording the outcome in the task monitor and
// the task metrics.
func (s *Server) RunTask(ctx context.Context, t Task) error {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	start := time.Now()
	err := t.Run(ctx, s.now())
	took := time.Since(start)

	if err == nil {
		s.tasks.RecordSuccess(t.Name, took)
		s.metrics.ObserveTask(t.Name, "success", took.Seconds())
		s.logger.Debug("task finished", zap.String("task", t.Name), zap.Duration("took", took))
		return nil
	}

	s.tasks.RecordFailure(t.Name, took, err)
	s.metrics.ObserveTask(t.Name, "failure", took.Seconds())
	streak := s.tasks.ConsecutiveErrors(t.Name)
	logger := s.logger.With(zap.String("task", t.Name), zap.Int("consecutive_errors", streak))
	if streak > monitor.MaxConsecutiveErrors {
		logger.Error("task keeps failing", zap.Error(err))
	} else {
		logger.Warn("task failed", zap.Error(err))
	}
	return fmt.Errorf("task %s: %w", t.Name, err)
}

// loop runs t immediately and then on every tick until ctx ends.
func (s *Server) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.logger.Info("task scheduled", zap.String("task", t.Name), zap.Duration("interval", t.Interval))
	_ = s.RunTask(ctx, t)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping task", zap.String("task", t.Name))
			return
		case <-ticker.C:
			_ = s.RunTask(ctx, t)
		}
	}
}

// Start launches the alert hub and every task loop. They stop when ctx ends;
// the returned WaitGroup completes once all of them have returned.
func (s *Server) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.hub.Run(ctx)
	}()

	for _, t := range s.Tasks() {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	return &wg
}
