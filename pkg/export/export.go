package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Exporter handles exporting hourly rows to various formats
type Exporter struct {
	storage storage.Store
}

// NewExporter creates a new exporter
func NewExporter(store storage.Store) *Exporter {
	return &Exporter{storage: store}
}

// Options configures the export operation
type Options struct {
	// Hour range to export, [Start, End)
	Start time.Time
	End   time.Time

	// Filter by campaign ("" = all campaigns)
	CampaignID string

	// Format: "json" or "csv"
	Format string
}

// Result contains stats about the export
type Result struct {
	RowsExported int       `json:"rows_exported"`
	TimeRange    string    `json:"time_range"`
	Format       string    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Metadata heads a JSON export.
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	CampaignID string    `json:"campaign_id,omitempty"`
	RowCount   int       `json:"row_count"`
	Format     string    `json:"format"`
	Version    string    `json:"version"`
}

// Document is the JSON export layout.
type Document struct {
	Metadata Metadata             `json:"metadata"`
	Rows     []traffic.HourlyStat `json:"rows"`
}

// CSVHeader lists the CSV columns in order.
var CSVHeader = []string{
	"hour", "campaign_id", "campaign_name", "country_code", "device_type",
	"visits", "clicks", "conversions",
	"cost", "revenue", "payout", "profit",
	"ctr", "cr", "epc",
}

func (e *Exporter) query(ctx context.Context, opts Options) ([]traffic.HourlyStat, error) {
	rows, err := e.storage.QueryHourlyStats(ctx, storage.StatsQuery{
		Start:      opts.Start,
		End:        opts.End,
		CampaignID: opts.CampaignID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly stats: %w", err)
	}
	return rows, nil
}

// ExportToJSON exports rows as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	rows, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []traffic.HourlyStat{}
	}

	doc := Document{
		Metadata: Metadata{
			ExportedAt: time.Now().UTC(),
			StartTime:  opts.Start,
			EndTime:    opts.End,
			CampaignID: opts.CampaignID,
			RowCount:   len(rows),
			Format:     "json",
			Version:    "1.0",
		},
		Rows: rows,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &Result{
		RowsExported: len(rows),
		TimeRange:    timeRange(opts),
		Format:       "json",
		ExportedAt:   doc.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV exports rows as CSV to the given writer
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	rows, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.Hour.UTC().Format(time.RFC3339),
			r.CampaignID,
			r.CampaignName,
			r.CountryCode,
			r.DeviceType,
			strconv.FormatInt(r.Visits, 10),
			strconv.FormatInt(r.Clicks, 10),
			strconv.FormatInt(r.Conversions, 10),
			r.Cost.StringFixed(traffic.MoneyPlaces),
			r.Revenue.StringFixed(traffic.MoneyPlaces),
			r.Payout.StringFixed(traffic.MoneyPlaces),
			r.Profit.StringFixed(traffic.MoneyPlaces),
			r.CTR.StringFixed(2),
			r.CR.StringFixed(2),
			r.EPC.StringFixed(4),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &Result{
		RowsExported: len(rows),
		TimeRange:    timeRange(opts),
		Format:       "csv",
		ExportedAt:   time.Now().UTC(),
	}, nil
}

func timeRange(opts Options) string {
	return fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339))
}
