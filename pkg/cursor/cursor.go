// Package cursor tracks how far each source has been durably ingested.
//
// A cursor is only written together with the last page it covers, so after a
// crash or a failed commit the stored position is still the one from the last
// fully committed sync.
package cursor

import (
	"time"

	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Default guard values.
const (
	DefaultSafetyMargin    = 2 * time.Minute
	DefaultInitialLookback = 24 * time.Hour
)

// Position is a point in a source's event order.
type Position struct {
	Timestamp time.Time `json:"last_timestamp"`
	LastID    string    `json:"last_id,omitempty"`
}

// Less orders positions by timestamp then id.
func (p Position) Less(o Position) bool {
	if !p.Timestamp.Equal(o.Timestamp) {
		return p.Timestamp.Before(o.Timestamp)
	}
	return p.LastID < o.LastID
}

// Admits reports whether an event at (ts, key) lies strictly after p.
func (p Position) Admits(ts time.Time, key string) bool {
	return p.Less(Position{Timestamp: ts, LastID: key})
}

// Of returns the position of an event.
func Of(e traffic.Event) Position {
	return Position{Timestamp: e.OccurredAt.UTC(), LastID: e.Key()}
}

// Cursor is the stored watermark of one source.
type Cursor struct {
	Source        traffic.SourceType `json:"source"`
	Position      Position           `json:"position"`
	RecordsSynced int64              `json:"records_synced"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Initial is the cursor used before a source has ever been synced.
func Initial(src traffic.SourceType, now time.Time, lookback time.Duration) Cursor {
	return Cursor{
		Source:   src,
		Position: Position{Timestamp: now.UTC().Add(-lookback)},
	}
}

// Advance returns the cursor that follows c after a sync that observed up to
// observed and wrote written records.
//
// The new position is clamped to now-margin, in which case LastID is dropped so
// events sharing the clamped timestamp are fetched again. The position never
// moves backward.
func (c Cursor) Advance(observed Position, written int64, now time.Time, margin time.Duration) Cursor {
	next := observed
	limit := now.UTC().Add(-margin)
	if next.Timestamp.After(limit) {
		next = Position{Timestamp: limit}
	}
	if next.Less(c.Position) {
		next = c.Position
	}
	return Cursor{
		Source:        c.Source,
		Position:      next,
		RecordsSynced: c.RecordsSynced + written,
		UpdatedAt:     now.UTC(),
	}
}

// Watermark returns the minimum position timestamp across cursors.
// It reports false when any of the wanted sources has no cursor yet.
func Watermark(cursors []Cursor, sources []traffic.SourceType) (time.Time, bool) {
	bySource := make(map[traffic.SourceType]Cursor, len(cursors))
	for _, c := range cursors {
		bySource[c.Source] = c
	}

	var wm time.Time
	for i, src := range sources {
		c, ok := bySource[src]
		if !ok {
			return time.Time{}, false
		}
		if i == 0 || c.Position.Timestamp.Before(wm) {
			wm = c.Position.Timestamp
		}
	}
	return wm, len(sources) > 0
}
