package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Hour is the reference hour used by the suite.
var Hour = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

// Run exercises the behaviour every Store must provide. newStore must return
// an empty store; Run closes it.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CommitIsIdempotent", testCommitIsIdempotent},
		{"UpsertReplacesFields", testUpsertReplacesFields},
		{"CursorWrittenWithPage", testCursorWrittenWithPage},
		{"ConversionCompositeKey", testConversionCompositeKey},
		{"QueryEventsRange", testQueryEventsRange},
		{"HasClick", testHasClick},
		{"ReplaceHourlyStats", testReplaceHourlyStats},
		{"DeleteBeforeBoundary", testDeleteBeforeBoundary},
		{"DeleteBeforeBatches", testDeleteBeforeBatches},
		{"CancelledCommit", testCancelledCommit},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func page() []traffic.Event {
	return []traffic.Event{
		Visit("v1", Hour.Add(1*time.Minute), "C1", "US", "mobile", "0.010000"),
		Visit("v2", Hour.Add(2*time.Minute), "C1", "US", "desktop", "0.02"),
		Visit("v3", Hour.Add(3*time.Minute), "C2", "DE", "mobile", "0.123456"),
	}
}

func allVisits(t *testing.T, s storage.Store) []traffic.Event {
	t.Helper()
	got, err := s.QueryEvents(context.Background(), storage.EventQuery{Source: traffic.Visits})
	require.NoError(t, err)
	return got
}

func testCommitIsIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CommitPage(ctx, traffic.Visits, page(), nil))
	once := allVisits(t, s)

	require.NoError(t, s.CommitPage(ctx, traffic.Visits, page(), nil))
	twice := allVisits(t, s)

	require.Len(t, once, 3)
	require.Len(t, twice, 3)
	for i := range once {
		assert.Equal(t, once[i].ClickID, twice[i].ClickID)
		assert.True(t, once[i].OccurredAt.Equal(twice[i].OccurredAt))
		assert.True(t, once[i].Cost.Equal(twice[i].Cost), "cost %s != %s", once[i].Cost, twice[i].Cost)
		assert.JSONEq(t, string(once[i].Raw), string(twice[i].Raw))
	}
	assert.True(t, decimal.RequireFromString("0.123456").Equal(twice[2].Cost))
}

func testUpsertReplacesFields(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CommitPage(ctx, traffic.Visits, page(), nil))

	updated := Visit("v2", Hour.Add(2*time.Minute), "C1", "US", "desktop", "0.5")
	updated.City = "Austin"
	require.NoError(t, s.CommitPage(ctx, traffic.Visits, []traffic.Event{updated}, nil))

	got := allVisits(t, s)
	require.Len(t, got, 3)
	assert.Equal(t, "v2", got[1].ClickID)
	assert.Equal(t, "Austin", got[1].City)
	assert.True(t, decimal.RequireFromString("0.5").Equal(got[1].Cost))
}

func testCursorWrittenWithPage(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, ok, err := s.GetCursor(ctx, traffic.Visits)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CommitPage(ctx, traffic.Visits, page()[:1], nil))
	_, ok, err = s.GetCursor(ctx, traffic.Visits)
	require.NoError(t, err)
	assert.False(t, ok, "cursor must not be written without next")

	next := cursor.Cursor{
		Source:        traffic.Visits,
		Position:      cursor.Position{Timestamp: Hour.Add(3 * time.Minute), LastID: "v3"},
		RecordsSynced: 3,
		UpdatedAt:     Hour.Add(time.Hour),
	}
	require.NoError(t, s.CommitPage(ctx, traffic.Visits, page()[1:], &next))

	got, ok, err := s.GetCursor(ctx, traffic.Visits)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Position.Timestamp.Equal(next.Position.Timestamp))
	assert.Equal(t, "v3", got.Position.LastID)
	assert.Equal(t, int64(3), got.RecordsSynced)
	assert.True(t, got.UpdatedAt.Equal(next.UpdatedAt))

	empty := cursor.Cursor{Source: traffic.Clicks, Position: cursor.Position{Timestamp: Hour}}
	require.NoError(t, s.CommitPage(ctx, traffic.Clicks, nil, &empty))

	all, err := s.ListCursors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testConversionCompositeKey(t *testing.T, s storage.Store) {
	ctx := context.Background()
	convs := []traffic.Event{
		Conversion("c1", Hour.Add(5*time.Minute), "C1", "US", "mobile", "1.5", "1.2"),
		Conversion("c1", Hour.Add(6*time.Minute), "C1", "US", "mobile", "2", "1.6"),
	}
	require.NoError(t, s.CommitPage(ctx, traffic.Conversions, convs, nil))
	require.NoError(t, s.CommitPage(ctx, traffic.Conversions, convs[:1], nil))

	got, err := s.QueryEvents(ctx, storage.EventQuery{Source: traffic.Conversions})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, decimal.RequireFromString("1.5").Equal(got[0].Revenue))
	assert.True(t, decimal.RequireFromString("2").Equal(got[1].Revenue))
}

func testQueryEventsRange(t *testing.T, s storage.Store) {
	ctx := context.Background()
	events := append(page(), Visit("v4", Hour.Add(time.Hour), "C1", "US", "mobile", "0"))
	require.NoError(t, s.CommitPage(ctx, traffic.Visits, events, nil))

	got, err := s.QueryEvents(ctx, storage.EventQuery{Source: traffic.Visits, Start: Hour, End: Hour.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 3, "end is exclusive")
	assert.Equal(t, []string{"v1", "v2", "v3"}, clickIDs(got))

	got, err = s.QueryEvents(ctx, storage.EventQuery{Source: traffic.Visits, Start: Hour.Add(2 * time.Minute), CampaignID: "C1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"v2", "v4"}, clickIDs(got))

	got, err = s.QueryEvents(ctx, storage.EventQuery{Source: traffic.Visits, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, clickIDs(got))

	got, err = s.QueryEvents(ctx, storage.EventQuery{Source: traffic.Clicks})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testHasClick(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CommitPage(ctx, traffic.Visits, page()[:1], nil))
	require.NoError(t, s.CommitPage(ctx, traffic.Clicks, []traffic.Event{Click("k1", Hour, "C1", "US", "mobile")}, nil))
	require.NoError(t, s.CommitPage(ctx, traffic.Conversions, []traffic.Event{Conversion("orphan", Hour, "C1", "US", "mobile", "1", "1")}, nil))

	for id, want := range map[string]bool{"v1": true, "k1": true, "orphan": false, "nope": false} {
		got, err := s.HasClick(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}
}

func stat(hour time.Time, campaign, country string, visits int64, cost string) traffic.HourlyStat {
	return traffic.HourlyStat{
		Hour:        hour,
		CampaignID:  campaign,
		CountryCode: country,
		DeviceType:  "mobile",
		Visits:      visits,
		Cost:        decimal.RequireFromString(cost),
		Revenue:     decimal.Zero,
		Payout:      decimal.Zero,
		Profit:      decimal.RequireFromString(cost).Neg(),
		CTR:         decimal.RequireFromString("12.5"),
		CR:          decimal.RequireFromString("10"),
		EPC:         decimal.RequireFromString("0.1234"),
	}
}

func testReplaceHourlyStats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	next := Hour.Add(time.Hour)

	require.NoError(t, s.ReplaceHourlyStats(ctx, Hour, []traffic.HourlyStat{
		stat(Hour, "C1", "US", 10, "1"),
		stat(Hour, "C1", "DE", 5, "0.5"),
	}))
	require.NoError(t, s.ReplaceHourlyStats(ctx, next, []traffic.HourlyStat{stat(next, "C1", "US", 7, "0.7")}))

	// Recompute: DE group vanished, US changed.
	require.NoError(t, s.ReplaceHourlyStats(ctx, Hour, []traffic.HourlyStat{stat(Hour, "C1", "US", 12, "1.2")}))

	got, err := s.QueryHourlyStats(ctx, storage.StatsQuery{Start: Hour, End: next})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(stat(Hour, "C1", "US", 12, "1.2")), "got %+v", got[0])

	got, err = s.QueryHourlyStats(ctx, storage.StatsQuery{Start: Hour, End: next.Add(time.Hour), CampaignID: "C1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[1].Visits)

	require.NoError(t, s.ReplaceHourlyStats(ctx, next, nil))
	got, err = s.QueryHourlyStats(ctx, storage.StatsQuery{Start: next})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDeleteBeforeBoundary(t *testing.T, s storage.Store) {
	ctx := context.Background()
	cutoff := Hour.Add(2 * time.Minute)

	require.NoError(t, s.CommitPage(ctx, traffic.Visits, page(), nil))
	require.NoError(t, s.ReplaceHourlyStats(ctx, Hour, []traffic.HourlyStat{stat(Hour, "C1", "US", 1, "0")}))
	require.NoError(t, s.ReplaceHourlyStats(ctx, cutoff, []traffic.HourlyStat{stat(cutoff, "C1", "US", 1, "0")}))

	n, err := s.DeleteBefore(ctx, storage.EntityVisits, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"v2", "v3"}, clickIDs(allVisits(t, s)), "record at the cutoff is kept")

	n, err = s.DeleteBefore(ctx, storage.EntityHourlyStats, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := s.QueryHourlyStats(ctx, storage.StatsQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Hour.Equal(cutoff))

	ok, err := s.HasClick(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, ok, "deleted visit no longer resolves")
}

func testDeleteBeforeBatches(t *testing.T, s storage.Store) {
	ctx := context.Background()
	var events []traffic.Event
	for i := 0; i < 7; i++ {
		events = append(events, Click(string(rune('a'+i)), Hour.Add(time.Duration(i)*time.Second), "C1", "US", "mobile"))
	}
	require.NoError(t, s.CommitPage(ctx, traffic.Clicks, events, nil))

	cutoff := Hour.Add(time.Hour)
	var batches []int
	for {
		n, err := s.DeleteBefore(ctx, storage.EntityClicks, cutoff, 3)
		require.NoError(t, err)
		batches = append(batches, n)
		if n < 3 {
			break
		}
	}
	assert.Equal(t, []int{3, 3, 1}, batches)

	got, err := s.QueryEvents(ctx, storage.EventQuery{Source: traffic.Clicks})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.DeleteBefore(ctx, storage.Entity("sessions"), cutoff, 3)
	assert.Error(t, err)
}

func testCancelledCommit(t *testing.T, s storage.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	next := cursor.Cursor{Source: traffic.Visits, Position: cursor.Position{Timestamp: Hour}}
	err := s.CommitPage(ctx, traffic.Visits, page(), &next)
	require.Error(t, err)

	assert.Empty(t, allVisits(t, s))
	_, ok, err := s.GetCursor(context.Background(), traffic.Visits)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testStats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CommitPage(ctx, traffic.Visits, page(), nil))
	require.NoError(t, s.ReplaceHourlyStats(ctx, Hour, []traffic.HourlyStat{stat(Hour, "C1", "US", 1, "0")}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Events[traffic.Visits])
	assert.Equal(t, uint64(0), stats.Events[traffic.Clicks])
	assert.Equal(t, uint64(1), stats.HourlyStats)
	assert.True(t, stats.OldestEvent.Equal(Hour.Add(time.Minute)))
	assert.True(t, stats.NewestEvent.Equal(Hour.Add(3*time.Minute)))
}

func clickIDs(events []traffic.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ClickID
	}
	return out
}
