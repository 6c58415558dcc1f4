package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

var _ storage.Store = (*Storage)(nil)

// GetCursor returns the stored cursor for src.
func (s *Storage) GetCursor(ctx context.Context, src traffic.SourceType) (cursor.Cursor, bool, error) {
	var (
		c     cursor.Cursor
		found bool
	)
	err := s.view(ctx, "get cursor", func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(src))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	return c, found, err
}

// ListCursors returns every stored cursor ordered by source.
func (s *Storage) ListCursors(ctx context.Context) ([]cursor.Cursor, error) {
	var out []cursor.Cursor
	err := s.view(ctx, "list cursors", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = cursorPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c cursor.Cursor
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("failed to decode cursor: %w", err)
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// CommitPage upserts events by natural key and writes next in the same transaction.
func (s *Storage) CommitPage(ctx context.Context, src traffic.SourceType, events []traffic.Event, next *cursor.Cursor) error {
	return s.update(ctx, "commit", func(txn *badger.Txn) error {
		for i, e := range events {
			if err := checkEvery(ctx, i, 100); err != nil {
				return err
			}
			if e.Source != src {
				return fmt.Errorf("event %s has source %q, page is %q", e.ClickID, e.Source, src)
			}
			if err := putEvent(txn, e); err != nil {
				return err
			}
		}

		if next == nil {
			return nil
		}
		value, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode cursor: %w", err)
		}
		return txn.Set(cursorKey(src), value)
	})
}

// putEvent writes e and moves its index entry, dropping a stale copy
// stored under a different timestamp.
func putEvent(txn *badger.Txn, e traffic.Event) error {
	pk := eventKey(e)
	ik := indexKey(e.Source, e.Key())

	item, err := txn.Get(ik)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		old, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(old, pk) {
			if err := txn.Delete(old); err != nil {
				return err
			}
		}
	}

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := txn.Set(pk, value); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return txn.Set(ik, pk)
}

// QueryEvents scans the source prefix from Start and stops at End.
func (s *Storage) QueryEvents(ctx context.Context, q storage.EventQuery) ([]traffic.Event, error) {
	var results []traffic.Event
	err := s.view(ctx, "query", func(txn *badger.Txn) error {
		prefix := eventSourcePrefix(q.Source)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100
		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		var lastTS time.Time
		for it.Seek(seekFrom(prefix, q.Start)); it.Valid(); it.Next() {
			iterCount++
			if err := checkEvery(ctx, iterCount, 1000); err != nil {
				return err
			}

			ts := timeAfter(it.Item().Key(), len(prefix))
			if !q.End.IsZero() && !ts.Before(q.End) {
				break
			}
			// Keep reading ties so ordering by key is stable across the limit.
			if q.Limit > 0 && len(results) >= q.Limit && !ts.Equal(lastTS) {
				break
			}

			var e traffic.Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			if !q.Matches(e) {
				continue
			}
			results = append(results, e)
			lastTS = ts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return traffic.Before(results[i], results[j]) })
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// HasClick looks the click id up in the visit and click indexes.
func (s *Storage) HasClick(ctx context.Context, clickID string) (bool, error) {
	var found bool
	err := s.view(ctx, "has click", func(txn *badger.Txn) error {
		for _, src := range []traffic.SourceType{traffic.Visits, traffic.Clicks} {
			_, err := txn.Get(indexKey(src, clickID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			found = true
			return nil
		}
		return nil
	})
	return found, err
}

// ReplaceHourlyStats deletes every row of hour and writes rows in one transaction.
func (s *Storage) ReplaceHourlyStats(ctx context.Context, hour time.Time, rows []traffic.HourlyStat) error {
	for _, r := range rows {
		if !r.Hour.Equal(hour) {
			return fmt.Errorf("row for %s does not belong to hour %s", r.Hour, hour)
		}
	}

	return s.update(ctx, "replace hourly", func(txn *badger.Txn) error {
		prefix := hourPrefix(hour)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, r := range rows {
			value, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode hourly row: %w", err)
			}
			if err := txn.Set(hourlyKey(r), value); err != nil {
				return fmt.Errorf("failed to write hourly row: %w", err)
			}
		}
		return nil
	})
}

// QueryHourlyStats scans hourly rows in [Start, End).
func (s *Storage) QueryHourlyStats(ctx context.Context, q storage.StatsQuery) ([]traffic.HourlyStat, error) {
	var results []traffic.HourlyStat
	err := s.view(ctx, "query hourly", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = hourlyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Seek(seekFrom(hourlyPrefix, q.Start)); it.Valid(); it.Next() {
			iterCount++
			if err := checkEvery(ctx, iterCount, 1000); err != nil {
				return err
			}
			if hour := timeAfter(it.Item().Key(), len(hourlyPrefix)); !q.End.IsZero() && !hour.Before(q.End) {
				break
			}

			var h traffic.HourlyStat
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &h)
			}); err != nil {
				return fmt.Errorf("failed to decode hourly row: %w", err)
			}
			if q.Matches(h) {
				results = append(results, h)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].Hour.Equal(results[j].Hour) {
			return results[i].Hour.Before(results[j].Hour)
		}
		return results[i].Group().String() < results[j].Group().String()
	})
	return results, nil
}

// DeleteBefore removes up to limit of the oldest records older than before.
func (s *Storage) DeleteBefore(ctx context.Context, entity storage.Entity, before time.Time, limit int) (int, error) {
	if err := entity.Validate(); err != nil {
		return 0, err
	}

	prefix := hourlyPrefix
	src, raw := entity.Source()
	if raw {
		prefix = eventSourcePrefix(src)
	}

	var deleted int
	err := s.update(ctx, "delete", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = raw
		it := txn.NewIterator(opts)

		var keysToDelete [][]byte
		var records, iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if err := checkEvery(ctx, iterCount, 1000); err != nil {
				it.Close()
				return err
			}
			if limit > 0 && records >= limit {
				break
			}

			item := it.Item()
			if !timeAfter(item.Key(), len(prefix)).Before(before) {
				break
			}
			keysToDelete = append(keysToDelete, item.KeyCopy(nil))
			records++

			if raw {
				var e traffic.Event
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &e)
				}); err != nil {
					it.Close()
					return fmt.Errorf("failed to decode event: %w", err)
				}
				keysToDelete = append(keysToDelete, indexKey(src, e.Key()))
			}
		}
		it.Close()

		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		deleted = records
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Stats counts records per prefix. Values are not read.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{Events: make(map[traffic.SourceType]uint64)}

	err := s.view(ctx, "stats", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		for _, src := range traffic.AllSources() {
			prefix := eventSourcePrefix(src)
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			var n uint64
			for it.Rewind(); it.Valid(); it.Next() {
				n++
				if err := checkEvery(ctx, int(n), 1000); err != nil {
					it.Close()
					return err
				}
				stats.Observe(timeAfter(it.Item().Key(), len(prefix)))
			}
			it.Close()
			stats.Events[src] = n
		}

		opts.Prefix = hourlyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			stats.HourlyStats++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}
