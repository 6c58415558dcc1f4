package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Storage keeps events, cursors and hourly rows in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu      sync.RWMutex
	events  map[traffic.SourceType]map[string]traffic.Event
	cursors map[traffic.SourceType]cursor.Cursor
	hourly  map[int64]map[traffic.Group]traffic.HourlyStat
}

// New creates an in-memory storage backend
func New() *Storage {
	s := &Storage{
		events:  make(map[traffic.SourceType]map[string]traffic.Event),
		cursors: make(map[traffic.SourceType]cursor.Cursor),
		hourly:  make(map[int64]map[traffic.Group]traffic.HourlyStat),
	}
	for _, src := range traffic.AllSources() {
		s.events[src] = make(map[string]traffic.Event)
	}
	return s
}

// GetCursor returns the cursor for src.
func (s *Storage) GetCursor(ctx context.Context, src traffic.SourceType) (cursor.Cursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cursors[src]
	return c, ok, nil
}

// ListCursors returns every stored cursor ordered by source.
func (s *Storage) ListCursors(ctx context.Context) ([]cursor.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]cursor.Cursor, 0, len(s.cursors))
	for _, c := range s.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// CommitPage upserts events and optionally writes the cursor under one lock.
func (s *Storage) CommitPage(ctx context.Context, src traffic.SourceType, events []traffic.Event, next *cursor.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bucket, ok := s.events[src]
	if !ok {
		return fmt.Errorf("unknown source %q", src)
	}
	for _, e := range events {
		if e.Source != src {
			return fmt.Errorf("event %s has source %q, page is %q", e.ClickID, e.Source, src)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		bucket[e.Key()] = e
	}
	if next != nil {
		s.cursors[src] = *next
	}
	return nil
}

// QueryEvents returns matching events ordered by time.
func (s *Storage) QueryEvents(ctx context.Context, q storage.EventQuery) ([]traffic.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []traffic.Event
	for _, e := range s.events[q.Source] {
		if q.Matches(e) {
			results = append(results, e)
		}
	}
	sort.Slice(results, func(i, j int) bool { return traffic.Before(results[i], results[j]) })

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// HasClick reports whether a visit or click with clickID exists.
func (s *Storage) HasClick(ctx context.Context, clickID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.events[traffic.Visits][clickID]; ok {
		return true, nil
	}
	_, ok := s.events[traffic.Clicks][clickID]
	return ok, nil
}

// ReplaceHourlyStats swaps the rows of one hour.
func (s *Storage) ReplaceHourlyStats(ctx context.Context, hour time.Time, rows []traffic.HourlyStat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := hour.UTC().Unix()

	fresh := make(map[traffic.Group]traffic.HourlyStat, len(rows))
	for _, r := range rows {
		if !r.Hour.Equal(hour) {
			return fmt.Errorf("row for %s does not belong to hour %s", r.Hour, hour)
		}
		fresh[r.Group()] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(fresh) == 0 {
		delete(s.hourly, key)
		return nil
	}
	s.hourly[key] = fresh
	return nil
}

// QueryHourlyStats returns rows ordered by hour then group.
func (s *Storage) QueryHourlyStats(ctx context.Context, q storage.StatsQuery) ([]traffic.HourlyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []traffic.HourlyStat
	for _, rows := range s.hourly {
		for _, r := range rows {
			if q.Matches(r) {
				results = append(results, r)
			}
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].Hour.Equal(results[j].Hour) {
			return results[i].Hour.Before(results[j].Hour)
		}
		return results[i].Group().String() < results[j].Group().String()
	})
	return results, nil
}

// DeleteBefore removes at most limit records strictly older than before, oldest first.
func (s *Storage) DeleteBefore(ctx context.Context, entity storage.Entity, before time.Time, limit int) (int, error) {
	if err := entity.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if src, ok := entity.Source(); ok {
		return deleteOldest(s.events[src], before, limit, func(e traffic.Event) time.Time { return e.OccurredAt }), nil
	}

	type ref struct {
		hour  int64
		group traffic.Group
		at    time.Time
	}
	var refs []ref
	for h, rows := range s.hourly {
		for g, r := range rows {
			if r.Hour.Before(before) {
				refs = append(refs, ref{hour: h, group: g, at: r.Hour})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].at.Before(refs[j].at) })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	for _, r := range refs {
		delete(s.hourly[r.hour], r.group)
		if len(s.hourly[r.hour]) == 0 {
			delete(s.hourly, r.hour)
		}
	}
	return len(refs), nil
}

func deleteOldest[K comparable, V any](m map[K]V, before time.Time, limit int, at func(V) time.Time) int {
	type candidate struct {
		key K
		at  time.Time
	}
	var old []candidate
	for k, v := range m {
		if t := at(v); t.Before(before) {
			old = append(old, candidate{key: k, at: t})
		}
	}
	sort.Slice(old, func(i, j int) bool { return old[i].at.Before(old[j].at) })
	if limit > 0 && len(old) > limit {
		old = old[:limit]
	}
	for _, c := range old {
		delete(m, c.key)
	}
	return len(old)
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{Events: make(map[traffic.SourceType]uint64)}
	for src, bucket := range s.events {
		stats.Events[src] = uint64(len(bucket))
		for _, e := range bucket {
			stats.Observe(e.OccurredAt)
		}
	}
	for _, rows := range s.hourly {
		stats.HourlyStats += uint64(len(rows))
	}
	return stats, nil
}
