package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/lease"
	"github.com/nicktill/tinytraffic/pkg/metrics"
	"github.com/nicktill/tinytraffic/pkg/retry"
	"github.com/nicktill/tinytraffic/pkg/source"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Status is the outcome of one sync.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Default lease duration for one sync.
const DefaultLeaseTTL = 10 * time.Minute

// Config configures an Ingestor
type Config struct {
	Store  storage.Store
	Source source.Source

	// Locker serialises syncs per source type. Defaults to an in-process locker.
	Locker lease.Locker

	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Retry   retry.Policy

	SafetyMargin    time.Duration
	InitialLookback time.Duration
	LeaseTTL        time.Duration
}

// Ingestor copies upstream events into the store and advances the source cursors.
type Ingestor struct {
	store   storage.Store
	src     source.Source
	locker  lease.Locker
	metrics *metrics.Metrics
	logger  *zap.Logger
	retry   retry.Policy

	margin   time.Duration
	lookback time.Duration
	leaseTTL time.Duration
}

// New creates an Ingestor. Zero durations fall back to the cursor defaults.
func New(cfg Config) *Ingestor {
	in := &Ingestor{
		store:    cfg.Store,
		src:      cfg.Source,
		locker:   cfg.Locker,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		retry:    cfg.Retry,
		margin:   cfg.SafetyMargin,
		lookback: cfg.InitialLookback,
		leaseTTL: cfg.LeaseTTL,
	}
	if in.locker == nil {
		in.locker = lease.NewLocal()
	}
	if in.logger == nil {
		in.logger = zap.NewNop()
	}
	if in.margin <= 0 {
		in.margin = cursor.DefaultSafetyMargin
	}
	if in.lookback <= 0 {
		in.lookback = cursor.DefaultInitialLookback
	}
	if in.leaseTTL <= 0 {
		in.leaseTTL = DefaultLeaseTTL
	}
	return in
}

// SyncResult reports what one sync did.
type SyncResult struct {
	RunID             string             `json:"run_id"`
	Source            traffic.SourceType `json:"source"`
	Status            Status             `json:"status"`
	RecordsFetched    int                `json:"records_fetched"`
	RecordsWritten    int                `json:"records_written"`
	Skipped           int                `json:"records_skipped"`
	PagesCommitted    int                `json:"pages_committed"`
	PagesFailed       int                `json:"pages_failed"`
	IntegrityWarnings int                `json:"integrity_warnings"`
	PreviousCursor    cursor.Cursor      `json:"previous_cursor"`
	NewCursor         cursor.Cursor      `json:"new_cursor"`
	Duration          time.Duration      `json:"duration_ns"`
	Error             string             `json:"error,omitempty"`

	Err error `json:"-"`
}

// OK reports whether the sync fully succeeded.
func (r SyncResult) OK() bool {
	return r.Status == StatusSucceeded
}

// Sync fetches every event of src after its cursor and commits them page by
// page. The cursor is written in the same commit as the last page; any failure
// before that leaves it where it was.
func (in *Ingestor) Sync(ctx context.Context, src traffic.SourceType, now time.Time) SyncResult {
	start := time.Now()
	res := SyncResult{
		RunID:  uuid.NewString(),
		Source: src,
	}
	logger := in.logger.With(zap.String("source", string(src)), zap.String("run_id", res.RunID))

	err := in.sync(ctx, src, now.UTC(), &res, logger)
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		res.Status = StatusSucceeded
	case errs.Is(err, errs.KindBusy):
		res.Status = StatusSkipped
	case res.PagesCommitted > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		if res.Status == StatusSkipped {
			logger.Info("sync skipped", zap.Error(err))
		} else {
			logger.Error("sync failed",
				zap.String("status", string(res.Status)),
				zap.Int("pages_committed", res.PagesCommitted),
				zap.Error(err))
		}
	} else {
		logger.Info("sync complete",
			zap.Int("fetched", res.RecordsFetched),
			zap.Int("written", res.RecordsWritten),
			zap.Int("skipped", res.Skipped),
			zap.Time("cursor", res.NewCursor.Position.Timestamp),
			zap.Duration("duration", res.Duration))
	}

	in.metrics.AddSync(string(src), "fetched", res.RecordsFetched)
	in.metrics.AddSync(string(src), "written", res.RecordsWritten)
	in.metrics.AddSync(string(src), "skipped", res.Skipped)
	in.metrics.AddIntegrityWarnings(res.IntegrityWarnings)
	if !res.NewCursor.Position.Timestamp.IsZero() {
		in.metrics.SetCursorLag(string(src), now.Sub(res.NewCursor.Position.Timestamp).Seconds())
	}
	return res
}

func (in *Ingestor) sync(ctx context.Context, src traffic.SourceType, now time.Time, res *SyncResult, logger *zap.Logger) error {
	if !src.Valid() {
		return errs.Config("sync", "unknown source %q", src)
	}

	release, err := in.locker.Acquire(ctx, "sync:"+string(src), in.leaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return errs.Busy("sync "+string(src), err)
		}
		return errs.Store("acquire lease", err)
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("failed to release lease", zap.Error(err))
		}
	}()

	prev, ok, err := in.store.GetCursor(ctx, src)
	if err != nil {
		return errs.Store("read cursor", err)
	}
	if !ok {
		prev = cursor.Initial(src, now, in.lookback)
		logger.Info("no cursor stored, starting from lookback",
			zap.Time("from", prev.Position.Timestamp))
	}
	res.PreviousCursor = prev
	res.NewCursor = prev

	var (
		observed highWater
		written  int64
		token    string
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := in.fetch(ctx, source.Request{
			Source:    src,
			After:     prev.Position,
			Until:     now,
			PageToken: token,
		}, logger)
		if err != nil {
			return err
		}
		res.RecordsFetched += len(page.Events)

		events, warnings, err := in.prepare(ctx, src, prev.Position, page.Events, res, logger)
		if err != nil {
			return err
		}
		for _, e := range events {
			observed.observe(cursor.Of(e))
		}

		var next *cursor.Cursor
		last := page.Next == ""
		if last {
			seen := observed.Position
			if !observed.set {
				seen = cursor.Position{Timestamp: now}
			}
			c := prev.Advance(seen, written+int64(len(events)), now, in.margin)
			next = &c
		}

		if err := in.commit(ctx, src, events, next, logger); err != nil {
			res.PagesFailed++
			return err
		}
		res.PagesCommitted++
		res.RecordsWritten += len(events)
		res.IntegrityWarnings += warnings
		written += int64(len(events))

		if last {
			res.NewCursor = *next
			return nil
		}
		token = page.Next
	}
}

func (in *Ingestor) fetch(ctx context.Context, req source.Request, logger *zap.Logger) (source.Page, error) {
	var page source.Page
	policy := in.retry
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		logger.Warn("fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		p, err := in.src.Fetch(ctx, req)
		if err != nil {
			if errs.KindOf(err) == errs.KindUnknown && ctx.Err() == nil {
				return errs.Fetch("fetch "+string(req.Source), err)
			}
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return source.Page{}, fmt.Errorf("fetch page: %w", err)
	}
	return page, nil
}

func (in *Ingestor) commit(ctx context.Context, src traffic.SourceType, events []traffic.Event, next *cursor.Cursor, logger *zap.Logger) error {
	policy := in.retry
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		logger.Warn("commit failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("events", len(events)),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		err := in.store.CommitPage(ctx, src, events, next)
		if err != nil && errs.KindOf(err) == errs.KindUnknown && ctx.Err() == nil {
			return errs.Store("commit page", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("commit page: %w", err)
	}
	return nil
}

// prepare validates, filters and deduplicates one fetched page. It returns the
// events to write and how many of them raised an integrity warning.
func (in *Ingestor) prepare(ctx context.Context, src traffic.SourceType, after cursor.Position, fetched []traffic.Event, res *SyncResult, logger *zap.Logger) ([]traffic.Event, int, error) {
	kept := make([]traffic.Event, 0, len(fetched))
	for _, e := range fetched {
		if e.Source == "" {
			e.Source = src
		}
		if e.Source != src {
			res.Skipped++
			logger.Warn("dropping event from another source",
				zap.String("click_id", e.ClickID),
				zap.String("event_source", string(e.Source)))
			continue
		}
		if err := e.Validate(); err != nil {
			res.Skipped++
			logger.Warn("dropping invalid event", zap.Error(err))
			continue
		}
		e = e.Normalize()
		// Older than the cursor: already covered by a previous sync.
		if !after.Admits(e.OccurredAt, e.Key()) {
			res.Skipped++
			continue
		}
		kept = append(kept, e)
	}
	kept = storage.Dedupe(kept)

	warnings := 0
	if src != traffic.Conversions {
		return kept, 0, nil
	}
	for _, e := range kept {
		known, err := in.store.HasClick(ctx, e.ClickID)
		if err != nil {
			return nil, 0, errs.Store("lookup click", err)
		}
		if known {
			continue
		}
		warnings++
		warn := errs.Integrity("ingest conversion", "conversion %s references unknown click %s", e.Key(), e.ClickID)
		logger.Warn("data integrity warning",
			zap.String("click_id", e.ClickID),
			zap.String("conversion_key", e.Key()),
			zap.Error(warn))
	}
	return kept, warnings, nil
}

// SyncAll syncs every source concurrently.
func (in *Ingestor) SyncAll(ctx context.Context, now time.Time) []SyncResult {
	sources := traffic.AllSources()
	results := make([]SyncResult, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src traffic.SourceType) {
			defer wg.Done()
			results[i] = in.Sync(ctx, src, now)
		}(i, src)
	}
	wg.Wait()
	return results
}

// highWater tracks the greatest event position seen during a sync.
type highWater struct {
	cursor.Position
	set bool
}

func (p *highWater) observe(q cursor.Position) {
	if !p.set || p.Position.Less(q) {
		p.Position = q
		p.set = true
	}
}
