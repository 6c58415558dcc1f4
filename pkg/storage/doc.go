/*
Package storage provides the pluggable store abstraction for TinyTraffic.

# Store Interface

Ingestion, rollup, detection and retention all talk to a single Store. Three
backends implement it:
  - memory: maps guarded by a mutex, for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for a single-node daemon
  - sqlite: SQLite through sqlx, when the data should be queryable with SQL

The interface only asks for what the engine needs:

	type Store interface {
	    GetCursor(ctx, source) (cursor.Cursor, bool, error)
	    CommitPage(ctx, source, events, next *cursor.Cursor) error
	    QueryEvents(ctx, EventQuery) ([]traffic.Event, error)
	    ReplaceHourlyStats(ctx, hour, rows) error
	    QueryHourlyStats(ctx, StatsQuery) ([]traffic.HourlyStat, error)
	    DeleteBefore(ctx, entity, before, limit) (int, error)
	    ...
	}

# Commit Semantics

CommitPage upserts a page of events by natural key and, when next is not nil,
writes the source cursor in the same transaction. Either everything in the call
becomes visible or nothing does. Re-committing the same events is a no-op in
effect: the stored record count and field values do not change.

ReplaceHourlyStats swaps every row of one hour for the given set atomically, so
a recomputed hour never mixes old and new rows.

# Ranges

Time ranges are half open: Start is inclusive, End is exclusive. DeleteBefore
removes records strictly older than its cutoff, so a record stamped exactly at
the cutoff survives.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	err = store.CommitPage(ctx, traffic.Visits, events, &next)

	visits, err := store.QueryEvents(ctx, storage.EventQuery{
	    Source: traffic.Visits,
	    Start:  hour,
	    End:    hour.Add(time.Hour),
	})

# See Also

  - memory.New() for in-memory storage
  - badger.New() for persistent BadgerDB storage
  - sqlite.New() for SQLite storage
  - storagetest.Run() for the behaviour every backend must satisfy
*/
package storage
