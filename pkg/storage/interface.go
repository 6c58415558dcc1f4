package storage

import (
	"context"
	"time"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Store defines the interface for traffic storage backends.
// Implementations: memory (testing), badger (production), sqlite.
type Store interface {
	// GetCursor returns the stored cursor for src. ok is false if none exists.
	GetCursor(ctx context.Context, src traffic.SourceType) (c cursor.Cursor, ok bool, err error)

	// ListCursors returns all stored cursors.
	ListCursors(ctx context.Context) ([]cursor.Cursor, error)

	// CommitPage upserts events by natural key and, if next is non-nil,
	// writes the cursor in the same transaction.
	CommitPage(ctx context.Context, src traffic.SourceType, events []traffic.Event, next *cursor.Cursor) error

	// QueryEvents returns events in [Start, End) ordered by time.
	QueryEvents(ctx context.Context, q EventQuery) ([]traffic.Event, error)

	// HasClick reports whether a visit or click with clickID is stored.
	HasClick(ctx context.Context, clickID string) (bool, error)

	// ReplaceHourlyStats atomically replaces every row of hour with rows.
	ReplaceHourlyStats(ctx context.Context, hour time.Time, rows []traffic.HourlyStat) error

	// QueryHourlyStats returns rows whose hour is in [Start, End).
	QueryHourlyStats(ctx context.Context, q StatsQuery) ([]traffic.HourlyStat, error)

	// DeleteBefore removes at most limit records of entity strictly older than before.
	DeleteBefore(ctx context.Context, entity Entity, before time.Time, limit int) (int, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// EventQuery selects raw events of one source.
type EventQuery struct {
	Source traffic.SourceType
	Start  time.Time
	End    time.Time

	// Filter by campaign (optional)
	CampaignID string

	// Limit number of results (0 = no limit)
	Limit int
}

// Matches reports whether e satisfies the query.
func (q EventQuery) Matches(e traffic.Event) bool {
	if e.Source != q.Source {
		return false
	}
	if !InRange(e.OccurredAt, q.Start, q.End) {
		return false
	}
	return q.CampaignID == "" || e.CampaignID == q.CampaignID
}

// StatsQuery selects hourly rows.
type StatsQuery struct {
	Start      time.Time
	End        time.Time
	CampaignID string
}

// Matches reports whether h satisfies the query.
func (q StatsQuery) Matches(h traffic.HourlyStat) bool {
	if !InRange(h.Hour, q.Start, q.End) {
		return false
	}
	return q.CampaignID == "" || h.CampaignID == q.CampaignID
}

// InRange reports whether t is in [start, end). A zero end is unbounded.
func InRange(t, start, end time.Time) bool {
	if t.Before(start) {
		return false
	}
	return end.IsZero() || t.Before(end)
}

// Stats provides storage health and usage info
type Stats struct {
	// Raw events per source
	Events map[traffic.SourceType]uint64 `json:"events"`

	// Hourly aggregate rows
	HourlyStats uint64 `json:"hourly_stats"`

	// Storage size in bytes (0 when unknown)
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest and newest raw event timestamps
	OldestEvent time.Time `json:"oldest_event"`
	NewestEvent time.Time `json:"newest_event"`
}

// Observe widens the oldest/newest bounds to include t.
func (s *Stats) Observe(t time.Time) {
	if s.OldestEvent.IsZero() || t.Before(s.OldestEvent) {
		s.OldestEvent = t
	}
	if s.NewestEvent.IsZero() || t.After(s.NewestEvent) {
		s.NewestEvent = t
	}
}
