// Package anomaly flags traffic segments whose last hour deviates from their
// recent history.
//
// Two rules run on every cycle:
//
//   - Conversion rate: the per-visit conversion rate of the last full hour is
//     compared with the hourly rates of the trailing baseline window. An alert
//     fires when |z| > threshold, where z = (current - mean) / stddev.
//   - Traffic drop: the last hour's visits are compared with the average of
//     the same hour of day across the baseline window.
//
// Nothing is persisted between cycles; every baseline is rebuilt from the
// hourly rollups, so re-running a cycle cannot drift. A cycle only runs once
// every source's cursor has passed the end of the current window plus the
// safety margin.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/metrics"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Defaults
const (
	DefaultBaselineWindow     = 7 * 24 * time.Hour
	DefaultZThreshold         = 2.0
	DefaultMinBaselineSamples = 100
	DefaultMinCurrentSamples  = 10
	DefaultDropFraction       = 0.5
	DefaultMinHistoryPoints   = 3
	DefaultSafetyMargin       = 5 * time.Minute
)

// ErrWindowOpen is returned while ingestion has not yet covered the current
// window. The cycle is skipped, not failed.
var ErrWindowOpen = errors.New("current window not fully ingested yet")

// Segment dimensions.
const (
	DimensionNone    = ""
	DimensionCountry = "country"
	DimensionDevice  = "device"
)

// Config configures a Detector. Zero values take the defaults.
type Config struct {
	Store   storage.Store
	Sink    Sink
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	BaselineWindow     time.Duration
	ZThreshold         float64
	MinBaselineSamples int64
	MinCurrentSamples  int64
	DropFraction       float64
	MinHistoryPoints   int

	// SafetyMargin is how far the ingestion watermark must be past the end
	// of the current window before it is evaluated.
	SafetyMargin time.Duration

	// Dimension adds campaign x dimension segments next to the campaign ones.
	Dimension string
}

// Detector evaluates the anomaly rules.
type Detector struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Detector.
func New(cfg Config) (*Detector, error) {
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = DefaultBaselineWindow
	}
	if cfg.ZThreshold == 0 {
		cfg.ZThreshold = DefaultZThreshold
	}
	if cfg.MinBaselineSamples == 0 {
		cfg.MinBaselineSamples = DefaultMinBaselineSamples
	}
	if cfg.MinCurrentSamples == 0 {
		cfg.MinCurrentSamples = DefaultMinCurrentSamples
	}
	if cfg.DropFraction == 0 {
		cfg.DropFraction = DefaultDropFraction
	}
	if cfg.MinHistoryPoints == 0 {
		cfg.MinHistoryPoints = DefaultMinHistoryPoints
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}

	if cfg.ZThreshold < 0 {
		return nil, errs.Config("anomaly", "z threshold must be positive, got %v", cfg.ZThreshold)
	}
	if cfg.DropFraction < 0 || cfg.DropFraction > 1 {
		return nil, errs.Config("anomaly", "drop fraction must be in (0,1], got %v", cfg.DropFraction)
	}
	switch cfg.Dimension {
	case DimensionNone, DimensionCountry, DimensionDevice:
	default:
		return nil, errs.Config("anomaly", "unknown dimension %q", cfg.Dimension)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg, logger: logger}, nil
}

// Windows returns the current window [H-1h, H) and the baseline window that
// precedes it, where H is now truncated to the hour.
func (d *Detector) Windows(now time.Time) (curStart, curEnd, baseStart time.Time) {
	curEnd = now.UTC().Truncate(time.Hour)
	curStart = curEnd.Add(-time.Hour)
	return curStart, curEnd, curStart.Add(-d.cfg.BaselineWindow)
}

// counts is the visit and conversion tally of one segment over some window.
type counts struct {
	visits      int64
	conversions int64
}

func (c counts) rate() float64 {
	if c.visits == 0 {
		return 0
	}
	return float64(c.conversions) / float64(c.visits)
}

// history is the hourly tally of one segment across the baseline window.
type history map[time.Time]*counts

// landed reports whether every source has been ingested up to end plus the
// safety margin.
func (d *Detector) landed(ctx context.Context, end time.Time) (time.Time, bool, error) {
	cursors, err := d.cfg.Store.ListCursors(ctx)
	if err != nil {
		return time.Time{}, false, errs.Store("list cursors", err)
	}
	wm, ok := cursor.Watermark(cursors, traffic.AllSources())
	if !ok {
		return time.Time{}, false, nil
	}
	return wm, !end.Add(d.cfg.SafetyMargin).After(wm), nil
}

// Detect evaluates both rules as of now. It does not emit the alerts.
// It returns ErrWindowOpen while the current window is still being ingested.
func (d *Detector) Detect(ctx context.Context, now time.Time) ([]Alert, error) {
	curStart, curEnd, baseStart := d.Windows(now)

	wm, ok, err := d.landed(ctx, curEnd)
	if err != nil {
		return nil, err
	}
	if !ok {
		d.logger.Debug("current window not ingested yet",
			zap.Time("window_end", curEnd),
			zap.Time("watermark", wm))
		return nil, ErrWindowOpen
	}

	current, err := d.currentCounts(ctx, curStart, curEnd)
	if err != nil {
		return nil, err
	}
	baseline, err := d.baselineCounts(ctx, baseStart, curStart)
	if err != nil {
		return nil, err
	}

	segments := make(map[Segment]struct{}, len(baseline))
	for s := range baseline {
		segments[s] = struct{}{}
	}
	ordered := make([]Segment, 0, len(segments))
	for s := range segments {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })

	detectedAt := now.UTC()
	var alerts []Alert
	for _, seg := range ordered {
		cur := current[seg]
		hist := baseline[seg]
		if a, ok := d.conversionRate(seg, cur, hist); ok {
			alerts = append(alerts, a)
		}
		if a, ok := d.trafficDrop(seg, cur, hist, curStart); ok {
			alerts = append(alerts, a)
		}
	}
	for i := range alerts {
		alerts[i].ID = uuid.NewString()
		alerts[i].WindowStart = curStart
		alerts[i].WindowEnd = curEnd
		alerts[i].DetectedAt = detectedAt
	}

	d.logger.Debug("anomaly detection finished",
		zap.Time("window_start", curStart),
		zap.Int("segments", len(ordered)),
		zap.Int("alerts", len(alerts)))
	return alerts, nil
}

// Run detects and hands the alerts to the configured sink.
func (d *Detector) Run(ctx context.Context, now time.Time) ([]Alert, error) {
	alerts, err := d.Detect(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		d.cfg.Metrics.IncAlert(string(a.Type), string(a.Direction))
	}
	if d.cfg.Sink != nil && len(alerts) > 0 {
		if err := d.cfg.Sink.Emit(ctx, alerts); err != nil {
			return alerts, fmt.Errorf("emit alerts: %w", err)
		}
	}
	return alerts, nil
}

func (d *Detector) conversionRate(seg Segment, cur counts, hist history) (Alert, bool) {
	var total int64
	samples := make([]float64, 0, len(hist))
	for _, c := range hist {
		total += c.visits
		if c.visits > 0 {
			samples = append(samples, c.rate())
		}
	}
	if total <= d.cfg.MinBaselineSamples || cur.visits <= d.cfg.MinCurrentSamples {
		return Alert{}, false
	}

	b := NewBaseline(samples)
	value := cur.rate()
	z, ok := ZScore(value, b)
	if !ok {
		return Alert{}, false
	}
	dir, ok := Classify(z, d.cfg.ZThreshold)
	if !ok {
		return Alert{}, false
	}

	return Alert{
		Type:      TypeConversionRate,
		Segment:   seg,
		Direction: dir,
		Severity:  severityFor(z, d.cfg.ZThreshold),
		Message: fmt.Sprintf("%s conversion rate %s: %.2f%% vs baseline %.2f%% (z=%.2f)",
			seg, dir, value*100, b.Mean*100, z),
		ZScore:   z,
		Current:  value,
		Baseline: b,
	}, true
}

func (d *Detector) trafficDrop(seg Segment, cur counts, hist history, curStart time.Time) (Alert, bool) {
	if len(hist) == 0 {
		return Alert{}, false
	}
	first := curStart
	for h := range hist {
		if h.Before(first) {
			first = h
		}
	}
	// Same hour of day on every day since the segment first appeared; days
	// without a rollup row had no visits.
	var samples []float64
	for slot := curStart.Add(-24 * time.Hour); !slot.Before(first); slot = slot.Add(-24 * time.Hour) {
		var visits int64
		if c, ok := hist[slot]; ok {
			visits = c.visits
		}
		samples = append(samples, float64(visits))
	}
	if len(samples) < d.cfg.MinHistoryPoints {
		return Alert{}, false
	}

	b := NewBaseline(samples)
	if b.Mean <= 0 {
		return Alert{}, false
	}
	ratio := float64(cur.visits) / b.Mean
	if ratio >= d.cfg.DropFraction {
		return Alert{}, false
	}

	severity := SeverityWarning
	if ratio < d.cfg.DropFraction/2 {
		severity = SeverityCritical
	}
	return Alert{
		Type:      TypeTrafficDrop,
		Segment:   seg,
		Direction: DirectionLow,
		Severity:  severity,
		Message: fmt.Sprintf("%s traffic drop: %d visits vs %.0f average at %02d:00 (%.0f%%)",
			seg, cur.visits, b.Mean, curStart.Hour(), ratio*100),
		Ratio:    round(ratio, 4),
		Current:  float64(cur.visits),
		Baseline: b,
	}, true
}

// currentCounts tallies raw visits and conversions in [start, end).
func (d *Detector) currentCounts(ctx context.Context, start, end time.Time) (map[Segment]counts, error) {
	out := make(map[Segment]counts)
	for _, src := range []traffic.SourceType{traffic.Visits, traffic.Conversions} {
		events, err := d.cfg.Store.QueryEvents(ctx, storage.EventQuery{Source: src, Start: start, End: end})
		if err != nil {
			return nil, errs.Store("query "+string(src), err)
		}
		for _, e := range events {
			for _, seg := range d.segments(e.Group()) {
				c := out[seg]
				if src == traffic.Visits {
					c.visits++
				} else {
					c.conversions++
				}
				out[seg] = c
			}
		}
	}
	return out, nil
}

// baselineCounts tallies hourly rollups in [start, end) per segment and hour.
func (d *Detector) baselineCounts(ctx context.Context, start, end time.Time) (map[Segment]history, error) {
	rows, err := d.cfg.Store.QueryHourlyStats(ctx, storage.StatsQuery{Start: start, End: end})
	if err != nil {
		return nil, errs.Store("query hourly stats", err)
	}

	out := make(map[Segment]history)
	for _, r := range rows {
		for _, seg := range d.segments(r.Group()) {
			h, ok := out[seg]
			if !ok {
				h = make(history)
				out[seg] = h
			}
			hour := r.Hour.UTC()
			c, ok := h[hour]
			if !ok {
				c = &counts{}
				h[hour] = c
			}
			c.visits += r.Visits
			c.conversions += r.Conversions
		}
	}
	return out, nil
}

// segments lists the segments a group contributes to.
func (d *Detector) segments(g traffic.Group) []Segment {
	segs := []Segment{{CampaignID: g.CampaignID}}
	switch d.cfg.Dimension {
	case DimensionCountry:
		segs = append(segs, Segment{CampaignID: g.CampaignID, Dimension: DimensionCountry, Value: g.CountryCode})
	case DimensionDevice:
		segs = append(segs, Segment{CampaignID: g.CampaignID, Dimension: DimensionDevice, Value: g.DeviceType})
	}
	return segs
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
