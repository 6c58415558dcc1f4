package rollup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/metrics"
	"github.com/nicktill/tinytraffic/pkg/retry"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Defaults
const (
	DefaultSafetyMargin  = 5 * time.Minute
	DefaultLookbackHours = 6
	DefaultWorkers       = 4

	// MaxBackfillHours bounds a single backfill request.
	MaxBackfillHours = 24 * 366
)

// ErrBucketOpen is reported when an hour has not fully closed yet.
var ErrBucketOpen = errors.New("hour bucket is still open")

// ErrNoWatermark is reported while some source has never been synced.
var ErrNoWatermark = errors.New("no ingestion watermark yet")

// Status is the outcome of one hour's rollup.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result reports one hour's rollup.
type Result struct {
	Hour         time.Time `json:"hour"`
	Status       Status    `json:"status"`
	RowsUpserted int       `json:"rows_upserted"`
	Reason       string    `json:"reason,omitempty"`
	Error        string    `json:"error,omitempty"`

	Err error `json:"-"`
}

// Config configures an Aggregator.
type Config struct {
	Store   storage.Store
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Retry   retry.Policy

	SafetyMargin  time.Duration
	LookbackHours int
	Workers       int
}

// Aggregator rebuilds hourly rows from raw events.
type Aggregator struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	retry   retry.Policy

	margin   time.Duration
	lookback int
	workers  int
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	a := &Aggregator{
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		retry:    cfg.Retry,
		margin:   cfg.SafetyMargin,
		lookback: cfg.LookbackHours,
		workers:  cfg.Workers,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.margin <= 0 {
		a.margin = DefaultSafetyMargin
	}
	if a.lookback <= 0 {
		a.lookback = DefaultLookbackHours
	}
	if a.workers <= 0 {
		a.workers = DefaultWorkers
	}
	return a
}

// Watermark returns the minimum cursor position across all sources.
func (a *Aggregator) Watermark(ctx context.Context) (time.Time, error) {
	cursors, err := a.store.ListCursors(ctx)
	if err != nil {
		return time.Time{}, errs.Store("list cursors", err)
	}
	wm, ok := cursor.Watermark(cursors, traffic.AllSources())
	if !ok {
		return time.Time{}, ErrNoWatermark
	}
	return wm, nil
}

// Closed reports whether hour can be rolled up against watermark wm.
func (a *Aggregator) Closed(hour, wm time.Time) bool {
	return !hour.Add(time.Hour + a.margin).After(wm)
}

// Rollup recomputes every row of hour and replaces the stored ones.
// Open hours are skipped.
func (a *Aggregator) Rollup(ctx context.Context, hour time.Time) Result {
	hour = hour.UTC().Truncate(time.Hour)
	res := Result{Hour: hour}
	logger := a.logger.With(zap.Time("hour", hour))

	wm, err := a.Watermark(ctx)
	switch {
	case errors.Is(err, ErrNoWatermark):
		return skipped(res, ErrNoWatermark)
	case err != nil:
		return failed(res, err, logger)
	case !a.Closed(hour, wm):
		logger.Debug("hour still open", zap.Time("watermark", wm))
		return skipped(res, ErrBucketOpen)
	}
	return a.rollup(ctx, res, logger)
}

func (a *Aggregator) rollup(ctx context.Context, res Result, logger *zap.Logger) Result {
	var rows []traffic.HourlyStat
	err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
		var err error
		rows, err = a.compute(ctx, res.Hour)
		if err != nil {
			return err
		}
		if err := a.store.ReplaceHourlyStats(ctx, res.Hour, rows); err != nil {
			return wrapStore("replace hourly stats", err)
		}
		return nil
	})
	if err != nil {
		return failed(res, fmt.Errorf("rollup %s: %w", res.Hour.Format(time.RFC3339), err), logger)
	}

	res.Status = StatusSucceeded
	res.RowsUpserted = len(rows)
	a.metrics.AddRollupRows(len(rows))
	logger.Info("hour rolled up", zap.Int("rows", len(rows)))
	return res
}

func (a *Aggregator) compute(ctx context.Context, hour time.Time) ([]traffic.HourlyStat, error) {
	var raw [3][]traffic.Event
	for i, src := range traffic.AllSources() {
		events, err := a.store.QueryEvents(ctx, storage.EventQuery{
			Source: src,
			Start:  hour,
			End:    hour.Add(time.Hour),
		})
		if err != nil {
			return nil, wrapStore("query "+string(src), err)
		}
		raw[i] = events
	}
	return Compute(hour, raw[0], raw[1], raw[2]), nil
}

// RollupPending recomputes the closed hours in the trailing lookback window
// behind the watermark, newest first.
func (a *Aggregator) RollupPending(ctx context.Context, now time.Time) ([]Result, error) {
	wm, err := a.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	if now = now.UTC(); wm.After(now) {
		wm = now
	}

	last := wm.Add(-a.margin).Truncate(time.Hour).Add(-time.Hour)
	results := make([]Result, 0, a.lookback)
	for i := 0; i < a.lookback; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, a.Rollup(ctx, last.Add(-time.Duration(i)*time.Hour)))
	}
	return results, nil
}

// Backfill rolls up every hour in [start, end) using up to Workers goroutines.
// Hours are independent; one failing does not stop the others. Results are
// ordered by hour.
func (a *Aggregator) Backfill(ctx context.Context, start, end time.Time) ([]Result, error) {
	start = start.UTC().Truncate(time.Hour)
	end = end.UTC()
	if !end.After(start) {
		return nil, errs.Config("backfill", "end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	hours := int(end.Sub(start) / time.Hour)
	if end.Sub(start)%time.Hour != 0 {
		hours++
	}
	if hours > MaxBackfillHours {
		return nil, errs.Config("backfill", "range of %d hours exceeds %d", hours, MaxBackfillHours)
	}

	var (
		mu      sync.Mutex
		results = make([]Result, 0, hours)
	)
	g := new(errgroup.Group)
	g.SetLimit(a.workers)
	for i := 0; i < hours; i++ {
		hour := start.Add(time.Duration(i) * time.Hour)
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r := a.Rollup(ctx, hour)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Hour.Before(results[j].Hour) })
	a.logger.Info("backfill finished",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("hours", len(results)))
	return results, ctx.Err()
}

// Summarize folds per-hour results into totals.
func Summarize(results []Result) (rows, succeeded, skipped, failed int) {
	for _, r := range results {
		rows += r.RowsUpserted
		switch r.Status {
		case StatusSucceeded:
			succeeded++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}
	return rows, succeeded, skipped, failed
}

func skipped(res Result, reason error) Result {
	res.Status = StatusSkipped
	res.Reason = reason.Error()
	res.Err = reason
	return res
}

func failed(res Result, err error, logger *zap.Logger) Result {
	res.Status = StatusFailed
	res.Err = err
	res.Error = err.Error()
	logger.Error("rollup failed", zap.Error(err))
	return res
}

func wrapStore(op string, err error) error {
	if errs.KindOf(err) == errs.KindUnknown {
		return errs.Store(op, err)
	}
	return err
}
