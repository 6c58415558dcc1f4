package anomaly

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/metrics"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/storage/memory"
	"github.com/nicktill/tinytraffic/pkg/storage/storagetest"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

var (
	now       = time.Date(2024, 1, 8, 11, 20, 0, 0, time.UTC)
	curStart  = time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)
	baseStart = curStart.Add(-DefaultBaselineWindow)
)

func TestZScore_Example(t *testing.T) {
	b := Baseline{Mean: 0.05, StdDev: 0.01}

	z, ok := ZScore(0.08, b)
	require.True(t, ok)
	assert.InDelta(t, 3.0, z, 1e-9)
	dir, alert := Classify(z, DefaultZThreshold)
	assert.True(t, alert)
	assert.Equal(t, DirectionHigh, dir)

	z, ok = ZScore(0.052, b)
	require.True(t, ok)
	assert.InDelta(t, 0.2, z, 1e-9)
	_, alert = Classify(z, DefaultZThreshold)
	assert.False(t, alert)
}

func TestZScore_ZeroStdDev(t *testing.T) {
	_, ok := ZScore(0.9, Baseline{Mean: 0.05})
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	dir, ok := Classify(-2.5, 2)
	assert.True(t, ok)
	assert.Equal(t, DirectionLow, dir)

	_, ok = Classify(2.0, 2)
	assert.False(t, ok, "the threshold itself does not alert")
}

func TestNewBaseline(t *testing.T) {
	b := NewBaseline([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, 5.0, b.Mean)
	assert.Equal(t, 2.0, b.StdDev)
	assert.Equal(t, 8, b.Samples)

	assert.Equal(t, Baseline{}, NewBaseline(nil))
}

// seedBaseline writes hourly rows for every hour in [from, from+hours).
func seedBaseline(t *testing.T, store storage.Store, from time.Time, hours int, rows func(i int, h time.Time) []traffic.HourlyStat) {
	t.Helper()
	for i := 0; i < hours; i++ {
		h := from.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.ReplaceHourlyStats(context.Background(), h, rows(i, h)))
	}
}

func row(h time.Time, campaign, country string, visits, conversions int64) traffic.HourlyStat {
	return traffic.HourlyStat{
		Hour: h, CampaignID: campaign, CountryCode: country, DeviceType: "mobile",
		Visits: visits, Conversions: conversions,
	}
}

// alternating gives 100 visits per hour with 4 or 6 conversions: mean 0.05, stddev 0.01.
func alternating(i int, h time.Time) []traffic.HourlyStat {
	conv := int64(4)
	if i%2 == 1 {
		conv = 6
	}
	return []traffic.HourlyStat{row(h, "C1", "US", 100, conv)}
}

// steady gives 100 visits and 5 conversions every hour.
func steady(_ int, h time.Time) []traffic.HourlyStat {
	return []traffic.HourlyStat{row(h, "C1", "US", 100, 5)}
}

func seedCurrent(t *testing.T, store storage.Store, campaign, country string, visits, conversions int) {
	t.Helper()
	var vs, cs []traffic.Event
	for i := 0; i < visits; i++ {
		id := fmt.Sprintf("%s-%s-%d", campaign, country, i)
		at := curStart.Add(time.Duration(i%60) * time.Minute)
		vs = append(vs, storagetest.Visit(id, at, campaign, country, "mobile", "0.01"))
		if i < conversions {
			cs = append(cs, storagetest.Conversion(id, at.Add(time.Second), campaign, country, "mobile", "1", "1"))
		}
	}
	require.NoError(t, store.CommitPage(context.Background(), traffic.Visits, vs, nil))
	require.NoError(t, store.CommitPage(context.Background(), traffic.Conversions, cs, nil))
}

// setCursors places every source's cursor at ts.
func setCursors(t *testing.T, store storage.Store, ts time.Time) {
	t.Helper()
	for _, src := range traffic.AllSources() {
		c := cursor.Cursor{Source: src, Position: cursor.Position{Timestamp: ts}}
		require.NoError(t, store.CommitPage(context.Background(), src, nil, &c))
	}
}

// newDetector builds a detector whose current window has been fully ingested.
func newDetector(t *testing.T, store storage.Store, cfg Config) *Detector {
	t.Helper()
	setCursors(t, store, now.Add(-2*time.Minute))
	cfg.Store = store
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func TestDetect_Windows(t *testing.T) {
	d := newDetector(t, memory.New(), Config{})
	start, end, base := d.Windows(now)
	assert.Equal(t, curStart, start)
	assert.Equal(t, curStart.Add(time.Hour), end)
	assert.Equal(t, baseStart, base)
}

func TestDetect_ConversionRateHigh(t *testing.T) {
	store := memory.New()
	seedBaseline(t, store, baseStart, 168, alternating)
	seedCurrent(t, store, "C1", "US", 100, 9)

	alerts, err := newDetector(t, store, Config{}).Detect(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, TypeConversionRate, a.Type)
	assert.Equal(t, Segment{CampaignID: "C1"}, a.Segment)
	assert.Equal(t, DirectionHigh, a.Direction)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.InDelta(t, 4.0, a.ZScore, 1e-6)
	assert.InDelta(t, 0.05, a.Baseline.Mean, 1e-9)
	assert.InDelta(t, 0.01, a.Baseline.StdDev, 1e-9)
	assert.Equal(t, 168, a.Baseline.Samples)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, curStart, a.WindowStart)
	assert.Equal(t, now, a.DetectedAt)
}

func TestDetect_ConversionRateLow(t *testing.T) {
	store := memory.New()
	seedBaseline(t, store, baseStart, 168, alternating)
	seedCurrent(t, store, "C1", "US", 250, 6)

	alerts, err := newDetector(t, store, Config{}).Detect(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, DirectionLow, alerts[0].Direction)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.InDelta(t, -2.6, alerts[0].ZScore, 1e-6)
}

func TestDetect_WithinBaseline(t *testing.T) {
	store := memory.New()
	seedBaseline(t, store, baseStart, 168, alternating)
	seedCurrent(t, store, "C1", "US", 500, 26)

	alerts, err := newDetector(t, store, Config{}).Detect(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDetect_SparseSegmentsIgnored(t *testing.T) {
	t.Run("baseline", func(t *testing.T) {
		store := memory.New()
		// 10 hours x 10 visits = 100 samples, not more than the minimum.
		seedBaseline(t, store, curStart.Add(-10*time.Hour), 10, func(i int, h time.Time) []traffic.HourlyStat {
			return []traffic.HourlyStat{row(h, "C1", "US", 10, int64(i%2))}
		})
		seedCurrent(t, store, "C1", "US", 100, 90)

		alerts, err := newDetector(t, store, Config{}).Detect(context.Background(), now)
		require.NoError(t, err)
		assert.Empty(t, alerts)
	})

	t.Run("current", func(t *testing.T) {
		store := memory.New()
		seedBaseline(t, store, baseStart, 168, alternating)
		seedCurrent(t, store, "C1", "US", 10, 9)

		d := newDetector(t, store, Config{MinHistoryPoints: 1000})
		alerts, err := d.Detect(context.Background(), now)
		require.NoError(t, err)
		assert.Empty(t, alerts)
	})
}

func TestDetect_ZeroStdDevNeverAlerts(t *testing.T) {
	store := memory.New()
	seedBaseline(t, store, baseStart, 168, steady)
	seedCurrent(t, store, "C1", "US", 100, 80)

	alerts, err := newDetector(t, store, Config{}).Detect(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDetect_TrafficDrop(t *testing.T) {
	cases := []struct {
		name     string
		visits   int
		alert    bool
		severity Severity
	}{
		{"normal", 100, false, ""},
		{"at fraction", 50, false, ""},
		{"drop", 30, true, SeverityWarning},
		{"severe drop", 10, true, SeverityCritical},
		{"no traffic", 0, true, SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			seedBaseline(t, store, baseStart, 168, steady)
			if tc.visits > 0 {
				seedCurrent(t, store, "C1", "US", tc.visits, tc.visits/20)
			}

			alerts, err := newDetector(t, store, Config{}).Detect(context.Background(), now)
			require.NoError(t, err)
			if !tc.alert {
				assert.Empty(t, alerts)
				return
			}
			require.Len(t, alerts, 1)
			a := alerts[0]
			assert.Equal(t, TypeTrafficDrop, a.Type)
			assert.Equal(t, DirectionLow, a.Direction)
			assert.Equal(t, tc.severity, a.Severity)
			assert.Equal(t, float64(tc.visits), a.Current)
			assert.Equal(t, 7, a.Baseline.Samples)
			assert.InDelta(t, float64(tc.visits)/100, a.Ratio, 1e-9)
		})
	}
}

func TestDetect_TrafficDropCountsQuietDays(t *testing.T) {
	store := memory.New()
	// 100 visits every hour, except the 10:00 slot on three of the seven days.
	seedBaseline(t, store, baseStart, 168, func(_ int, h time.Time) []traffic.HourlyStat {
		if h.Hour() == 10 {
			switch curStart.Sub(h) / (24 * time.Hour) {
			case 1, 3, 5:
				return nil
			}
		}
		return steady(0, h)
	})
	seedCurrent(t, store, "C1", "US", 40, 2)

	alerts, err := newDetector(t, store, Config{}).Detect(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, alerts, "40 visits is 70 percent of the 400/7 slot average")

	store = memory.New()
	seedBaseline(t, store, baseStart, 168, func(_ int, h time.Time) []traffic.HourlyStat {
		if h.Hour() == 10 && curStart.Sub(h) == 24*time.Hour {
			return nil
		}
		return steady(0, h)
	})
	seedCurrent(t, store, "C1", "US", 20, 1)

	alerts, err = newDetector(t, store, Config{}).Detect(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, TypeTrafficDrop, alerts[0].Type)
	assert.Equal(t, 7, alerts[0].Baseline.Samples)
	assert.InDelta(t, 600.0/7, alerts[0].Baseline.Mean, 1e-9)
}

func TestDetect_SkipsUntilIngested(t *testing.T) {
	store := memory.New()
	seedBaseline(t, store, baseStart, 168, steady)
	curEnd := curStart.Add(time.Hour)

	d, err := New(Config{Store: store})
	require.NoError(t, err)
	_, err = d.Detect(context.Background(), now)
	assert.ErrorIs(t, err, ErrWindowOpen, "no cursors yet")

	for _, tc := range []struct {
		name   string
		cursor time.Time
		open   bool
	}{
		{"stalled before the window", curStart.Add(-30 * time.Minute), true},
		{"inside the margin", curEnd.Add(4 * time.Minute), true},
		{"past the margin", curEnd.Add(DefaultSafetyMargin), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			setCursors(t, store, tc.cursor)
			alerts, err := d.Detect(context.Background(), now)
			if tc.open {
				assert.ErrorIs(t, err, ErrWindowOpen)
				assert.Nil(t, alerts)
				return
			}
			require.NoError(t, err)
			require.Len(t, alerts, 1, "no visits after a landed hour is a real drop")
			assert.Equal(t, TypeTrafficDrop, alerts[0].Type)
		})
	}

	// One lagging source holds the whole window back.
	c := cursor.Cursor{Source: traffic.Conversions, Position: cursor.Position{Timestamp: curStart}}
	require.NoError(t, store.CommitPage(context.Background(), traffic.Conversions, nil, &c))
	_, err = d.Detect(context.Background(), now)
	assert.ErrorIs(t, err, ErrWindowOpen)
}

func TestRun_OpenWindowEmitsNothing(t *testing.T) {
	store := memory.New()
	seedBaseline(t, store, baseStart, 168, steady)
	setCursors(t, store, curStart)

	emitted := 0
	d, err := New(Config{Store: store, Sink: SinkFunc(func(_ context.Context, alerts []Alert) error {
		emitted += len(alerts)
		return nil
	})})
	require.NoError(t, err)

	alerts, err := d.Run(context.Background(), now)
	assert.ErrorIs(t, err, ErrWindowOpen)
	assert.Nil(t, alerts)
	assert.Zero(t, emitted)
}

func TestDetect_TrafficDropNeedsHistory(t *testing.T) {
	store := memory.New()
	// Two days only: two samples for the 10:00 slot.
	seedBaseline(t, store, curStart.Add(-48*time.Hour), 48, steady)

	alerts, err := newDetector(t, store, Config{}).Detect(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDetect_CountryDimension(t *testing.T) {
	store := memory.New()
	seedBaseline(t, store, baseStart, 168, func(_ int, h time.Time) []traffic.HourlyStat {
		return []traffic.HourlyStat{
			row(h, "C1", "US", 100, 5),
			row(h, "C1", "DE", 100, 5),
		}
	})
	seedCurrent(t, store, "C1", "US", 100, 5)

	alerts, err := newDetector(t, store, Config{Dimension: DimensionCountry}).Detect(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, Segment{CampaignID: "C1", Dimension: DimensionCountry, Value: "DE"}, alerts[0].Segment)
	assert.Equal(t, TypeTrafficDrop, alerts[0].Type)
	assert.Equal(t, "campaign=C1 country=DE", alerts[0].Segment.String())
}

func TestDetect_Stateless(t *testing.T) {
	store := memory.New()
	seedBaseline(t, store, baseStart, 168, alternating)
	seedCurrent(t, store, "C1", "US", 100, 9)
	d := newDetector(t, store, Config{})

	first, err := d.Detect(context.Background(), now)
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	assert.Equal(t, first[0].ZScore, second[0].ZScore)
}

func TestRun_EmitsAndCounts(t *testing.T) {
	store := memory.New()
	seedBaseline(t, store, baseStart, 168, alternating)
	seedCurrent(t, store, "C1", "US", 100, 9)

	var got []Alert
	m := metrics.New(prometheus.NewRegistry())
	d := newDetector(t, store, Config{
		Metrics: m,
		Sink: SinkFunc(func(_ context.Context, alerts []Alert) error {
			got = append(got, alerts...)
			return nil
		}),
	})

	alerts, err := d.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, alerts, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Alerts.WithLabelValues("conversion_rate", "HIGH")))
}

func TestNew_InvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Dimension: "browser"},
		{DropFraction: 1.5},
		{ZThreshold: -1},
	} {
		_, err := New(cfg)
		assert.True(t, errs.Is(err, errs.KindConfig), "%+v", cfg)
	}
}
