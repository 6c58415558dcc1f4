// Package sqlite implements storage.Store on SQLite via sqlx.
//
// Events are stored as JSON bodies with their natural key, source and
// timestamp pulled out into indexed columns. Hourly rows are fully columnar so
// they can be inspected with plain SQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    source       TEXT    NOT NULL,
    natural_key  TEXT    NOT NULL,
    click_id     TEXT    NOT NULL,
    campaign_id  TEXT    NOT NULL DEFAULT '',
    occurred_at  INTEGER NOT NULL,
    body         TEXT    NOT NULL,
    PRIMARY KEY (source, natural_key)
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(source, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_click ON events(click_id);

CREATE TABLE IF NOT EXISTS sync_cursors (
    source          TEXT    PRIMARY KEY,
    last_timestamp  INTEGER NOT NULL,
    last_id         TEXT    NOT NULL DEFAULT '',
    records_synced  INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hourly_stats (
    hour           INTEGER NOT NULL,
    campaign_id    TEXT    NOT NULL,
    campaign_name  TEXT    NOT NULL DEFAULT '',
    country_code   TEXT    NOT NULL,
    device_type    TEXT    NOT NULL,
    visits         INTEGER NOT NULL DEFAULT 0,
    clicks         INTEGER NOT NULL DEFAULT 0,
    conversions    INTEGER NOT NULL DEFAULT 0,
    cost           TEXT    NOT NULL DEFAULT '0',
    revenue        TEXT    NOT NULL DEFAULT '0',
    payout         TEXT    NOT NULL DEFAULT '0',
    profit         TEXT    NOT NULL DEFAULT '0',
    ctr            TEXT    NOT NULL DEFAULT '0',
    cr             TEXT    NOT NULL DEFAULT '0',
    epc            TEXT    NOT NULL DEFAULT '0',
    PRIMARY KEY (hour, campaign_id, country_code, device_type)
);
CREATE INDEX IF NOT EXISTS idx_hourly_campaign ON hourly_stats(campaign_id, hour);
`

// Storage implements storage.Store on SQLite.
type Storage struct {
	db *sqlx.DB
}

var _ storage.Store = (*Storage)(nil)

// New opens (or creates) the database at dsn and applies the schema.
// Use ":memory:" for an ephemeral database.
func New(dsn string) (*Storage, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}
	// SQLite serialises writers; one connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

type cursorRow struct {
	Source        string `db:"source"`
	LastTimestamp int64  `db:"last_timestamp"`
	LastID        string `db:"last_id"`
	RecordsSynced int64  `db:"records_synced"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r cursorRow) cursor() cursor.Cursor {
	return cursor.Cursor{
		Source:        traffic.SourceType(r.Source),
		Position:      cursor.Position{Timestamp: fromNanos(r.LastTimestamp), LastID: r.LastID},
		RecordsSynced: r.RecordsSynced,
		UpdatedAt:     fromNanos(r.UpdatedAt),
	}
}

// GetCursor returns the stored cursor for src.
func (s *Storage) GetCursor(ctx context.Context, src traffic.SourceType) (cursor.Cursor, bool, error) {
	var row cursorRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sync_cursors WHERE source = ?`, string(src))
	if errors.Is(err, sql.ErrNoRows) {
		return cursor.Cursor{}, false, nil
	}
	if err != nil {
		return cursor.Cursor{}, false, err
	}
	return row.cursor(), true, nil
}

// ListCursors returns every stored cursor ordered by source.
func (s *Storage) ListCursors(ctx context.Context) ([]cursor.Cursor, error) {
	var rows []cursorRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM sync_cursors ORDER BY source`); err != nil {
		return nil, err
	}
	out := make([]cursor.Cursor, len(rows))
	for i, r := range rows {
		out[i] = r.cursor()
	}
	return out, nil
}

// CommitPage upserts events with ON CONFLICT and writes next in the same transaction.
func (s *Storage) CommitPage(ctx context.Context, src traffic.SourceType, events []traffic.Event, next *cursor.Cursor) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO events (source, natural_key, click_id, campaign_id, occurred_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, natural_key) DO UPDATE SET
			click_id = excluded.click_id,
			campaign_id = excluded.campaign_id,
			occurred_at = excluded.occurred_at,
			body = excluded.body`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		if e.Source != src {
			return fmt.Errorf("event %s has source %q, page is %q", e.ClickID, e.Source, src)
		}
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, string(src), e.Key(), e.ClickID, e.CampaignID, toNanos(e.OccurredAt), string(body)); err != nil {
			return fmt.Errorf("failed to upsert event %s: %w", e.Key(), err)
		}
	}

	if next != nil {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO sync_cursors (source, last_timestamp, last_id, records_synced, updated_at)
			VALUES (:source, :last_timestamp, :last_id, :records_synced, :updated_at)
			ON CONFLICT (source) DO UPDATE SET
				last_timestamp = excluded.last_timestamp,
				last_id = excluded.last_id,
				records_synced = excluded.records_synced,
				updated_at = excluded.updated_at`,
			cursorRow{
				Source:        string(src),
				LastTimestamp: toNanos(next.Position.Timestamp),
				LastID:        next.Position.LastID,
				RecordsSynced: next.RecordsSynced,
				UpdatedAt:     toNanos(next.UpdatedAt),
			})
		if err != nil {
			return fmt.Errorf("failed to write cursor: %w", err)
		}
	}
	return tx.Commit()
}

// QueryEvents returns matching events ordered by time then natural key.
func (s *Storage) QueryEvents(ctx context.Context, q storage.EventQuery) ([]traffic.Event, error) {
	query := `SELECT body FROM events WHERE source = ? AND occurred_at >= ?`
	args := []interface{}{string(q.Source), startNanos(q.Start)}
	if !q.End.IsZero() {
		query += ` AND occurred_at < ?`
		args = append(args, toNanos(q.End))
	}
	if q.CampaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, q.CampaignID)
	}
	query += ` ORDER BY occurred_at, natural_key`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, query, args...); err != nil {
		return nil, err
	}
	out := make([]traffic.Event, 0, len(bodies))
	for _, b := range bodies {
		var e traffic.Event
		if err := json.Unmarshal([]byte(b), &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// HasClick reports whether a visit or click with clickID exists.
func (s *Storage) HasClick(ctx context.Context, clickID string) (bool, error) {
	var found bool
	err := s.db.GetContext(ctx, &found, `
		SELECT EXISTS (
			SELECT 1 FROM events WHERE source IN (?, ?) AND natural_key = ?
		)`, string(traffic.Visits), string(traffic.Clicks), clickID)
	return found, err
}

type statRow struct {
	Hour         int64           `db:"hour"`
	CampaignID   string          `db:"campaign_id"`
	CampaignName string          `db:"campaign_name"`
	CountryCode  string          `db:"country_code"`
	DeviceType   string          `db:"device_type"`
	Visits       int64           `db:"visits"`
	Clicks       int64           `db:"clicks"`
	Conversions  int64           `db:"conversions"`
	Cost         decimal.Decimal `db:"cost"`
	Revenue      decimal.Decimal `db:"revenue"`
	Payout       decimal.Decimal `db:"payout"`
	Profit       decimal.Decimal `db:"profit"`
	CTR          decimal.Decimal `db:"ctr"`
	CR           decimal.Decimal `db:"cr"`
	EPC          decimal.Decimal `db:"epc"`
}

func toStatRow(h traffic.HourlyStat) statRow {
	return statRow{
		Hour:         toNanos(h.Hour),
		CampaignID:   h.CampaignID,
		CampaignName: h.CampaignName,
		CountryCode:  h.CountryCode,
		DeviceType:   h.DeviceType,
		Visits:       h.Visits,
		Clicks:       h.Clicks,
		Conversions:  h.Conversions,
		Cost:         h.Cost,
		Revenue:      h.Revenue,
		Payout:       h.Payout,
		Profit:       h.Profit,
		CTR:          h.CTR,
		CR:           h.CR,
		EPC:          h.EPC,
	}
}

func (r statRow) stat() traffic.HourlyStat {
	return traffic.HourlyStat{
		Hour:         fromNanos(r.Hour),
		CampaignID:   r.CampaignID,
		CampaignName: r.CampaignName,
		CountryCode:  r.CountryCode,
		DeviceType:   r.DeviceType,
		Visits:       r.Visits,
		Clicks:       r.Clicks,
		Conversions:  r.Conversions,
		Cost:         r.Cost,
		Revenue:      r.Revenue,
		Payout:       r.Payout,
		Profit:       r.Profit,
		CTR:          r.CTR,
		CR:           r.CR,
		EPC:          r.EPC,
	}
}

// ReplaceHourlyStats deletes the hour and inserts rows in one transaction.
func (s *Storage) ReplaceHourlyStats(ctx context.Context, hour time.Time, rows []traffic.HourlyStat) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM hourly_stats WHERE hour = ?`, toNanos(hour)); err != nil {
		return fmt.Errorf("failed to clear hour: %w", err)
	}
	for _, r := range rows {
		if !r.Hour.Equal(hour) {
			return fmt.Errorf("row for %s does not belong to hour %s", r.Hour, hour)
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO hourly_stats (hour, campaign_id, campaign_name, country_code, device_type,
				visits, clicks, conversions, cost, revenue, payout, profit, ctr, cr, epc)
			VALUES (:hour, :campaign_id, :campaign_name, :country_code, :device_type,
				:visits, :clicks, :conversions, :cost, :revenue, :payout, :profit, :ctr, :cr, :epc)`,
			toStatRow(r)); err != nil {
			return fmt.Errorf("failed to insert hourly row: %w", err)
		}
	}
	return tx.Commit()
}

// QueryHourlyStats returns rows in [Start, End) ordered by hour and group.
func (s *Storage) QueryHourlyStats(ctx context.Context, q storage.StatsQuery) ([]traffic.HourlyStat, error) {
	query := `SELECT * FROM hourly_stats WHERE hour >= ?`
	args := []interface{}{startNanos(q.Start)}
	if !q.End.IsZero() {
		query += ` AND hour < ?`
		args = append(args, toNanos(q.End))
	}
	if q.CampaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, q.CampaignID)
	}
	query += ` ORDER BY hour, campaign_id, country_code, device_type`

	var rows []statRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]traffic.HourlyStat, len(rows))
	for i, r := range rows {
		out[i] = r.stat()
	}
	return out, nil
}

// DeleteBefore removes a bounded batch of the oldest rows older than before.
func (s *Storage) DeleteBefore(ctx context.Context, entity storage.Entity, before time.Time, limit int) (int, error) {
	if err := entity.Validate(); err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = -1
	}

	var (
		res sql.Result
		err error
	)
	if src, ok := entity.Source(); ok {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM events WHERE rowid IN (
				SELECT rowid FROM events WHERE source = ? AND occurred_at < ?
				ORDER BY occurred_at LIMIT ?
			)`, string(src), toNanos(before), limit)
	} else {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM hourly_stats WHERE rowid IN (
				SELECT rowid FROM hourly_stats WHERE hour < ?
				ORDER BY hour LIMIT ?
			)`, toNanos(before), limit)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats returns row counts and the raw event time span.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{Events: make(map[traffic.SourceType]uint64)}
	for _, src := range traffic.AllSources() {
		stats.Events[src] = 0
	}

	var counts []struct {
		Source string        `db:"source"`
		N      uint64        `db:"n"`
		Oldest sql.NullInt64 `db:"oldest"`
		Newest sql.NullInt64 `db:"newest"`
	}
	if err := s.db.SelectContext(ctx, &counts, `
		SELECT source, COUNT(*) AS n, MIN(occurred_at) AS oldest, MAX(occurred_at) AS newest
		FROM events GROUP BY source`); err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.Events[traffic.SourceType(c.Source)] = c.N
		if c.Oldest.Valid {
			stats.Observe(fromNanos(c.Oldest.Int64))
			stats.Observe(fromNanos(c.Newest.Int64))
		}
	}

	if err := s.db.GetContext(ctx, &stats.HourlyStats, `SELECT COUNT(*) FROM hourly_stats`); err != nil {
		return nil, err
	}

	var pages, pageSize int64
	if err := s.db.GetContext(ctx, &pages, `PRAGMA page_count`); err == nil {
		if err := s.db.GetContext(ctx, &pageSize, `PRAGMA page_size`); err == nil {
			stats.SizeBytes = uint64(pages * pageSize)
		}
	}
	return stats, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func startNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return toNanos(t)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
