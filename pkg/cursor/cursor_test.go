package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nicktill/tinytraffic/pkg/traffic"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestAdvance(t *testing.T) {
	start := Cursor{Source: traffic.Visits, Position: Position{Timestamp: now.Add(-time.Hour), LastID: "a"}, RecordsSynced: 10}

	tests := []struct {
		name     string
		observed Position
		want     Position
	}{
		{
			name:     "moves to observed",
			observed: Position{Timestamp: now.Add(-30 * time.Minute), LastID: "z"},
			want:     Position{Timestamp: now.Add(-30 * time.Minute), LastID: "z"},
		},
		{
			name:     "clamped inside safety margin",
			observed: Position{Timestamp: now.Add(-30 * time.Second), LastID: "z"},
			want:     Position{Timestamp: now.Add(-DefaultSafetyMargin)},
		},
		{
			name:     "exactly at margin is kept",
			observed: Position{Timestamp: now.Add(-DefaultSafetyMargin), LastID: "q"},
			want:     Position{Timestamp: now.Add(-DefaultSafetyMargin), LastID: "q"},
		},
		{
			name:     "never moves backward",
			observed: Position{Timestamp: now.Add(-2 * time.Hour), LastID: "z"},
			want:     start.Position,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := start.Advance(tt.observed, 5, now, DefaultSafetyMargin)
			assert.True(t, next.Position.Timestamp.Equal(tt.want.Timestamp), "timestamp = %v, want %v", next.Position.Timestamp, tt.want.Timestamp)
			assert.Equal(t, tt.want.LastID, next.Position.LastID)
			assert.Equal(t, int64(15), next.RecordsSynced)
			assert.Equal(t, now, next.UpdatedAt)
		})
	}
}

func TestAdmits(t *testing.T) {
	p := Position{Timestamp: now, LastID: "m"}

	assert.False(t, p.Admits(now.Add(-time.Second), "z"))
	assert.False(t, p.Admits(now, "a"))
	assert.False(t, p.Admits(now, "m"))
	assert.True(t, p.Admits(now, "n"))
	assert.True(t, p.Admits(now.Add(time.Nanosecond), ""))

	clamped := Position{Timestamp: now}
	assert.True(t, clamped.Admits(now, "any"), "clamped cursor refetches its own timestamp")
}

func TestWatermark(t *testing.T) {
	cursors := []Cursor{
		{Source: traffic.Visits, Position: Position{Timestamp: now}},
		{Source: traffic.Clicks, Position: Position{Timestamp: now.Add(-time.Hour)}},
	}

	_, ok := Watermark(cursors, traffic.AllSources())
	assert.False(t, ok, "conversions cursor missing")

	cursors = append(cursors, Cursor{Source: traffic.Conversions, Position: Position{Timestamp: now.Add(-10 * time.Minute)}})
	wm, ok := Watermark(cursors, traffic.AllSources())
	assert.True(t, ok)
	assert.Equal(t, now.Add(-time.Hour), wm)
}

func TestInitial(t *testing.T) {
	c := Initial(traffic.Clicks, now, DefaultInitialLookback)
	assert.Equal(t, now.Add(-24*time.Hour), c.Position.Timestamp)
	assert.Zero(t, c.RecordsSynced)
}
