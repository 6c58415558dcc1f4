package export

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/config"
	"github.com/nicktill/tinytraffic/pkg/httpx"
	"github.com/nicktill/tinytraffic/pkg/storage"
)

// Handler serves the export endpoint
type Handler struct {
	exporter *Exporter
	logger   *zap.Logger
}

// NewHandler creates a new export handler
func NewHandler(store storage.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{exporter: NewExporter(store), logger: logger}
}

// HandleExport handles GET /v1/export
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}

	end, err := httpx.ParseTime(query.Get("end"), time.Now().UTC())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	start, err := httpx.ParseTime(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("time range too large, maximum is %v", config.MaxExportWindow))
		return
	}

	opts := Options{
		Start:      start,
		End:        end,
		CampaignID: query.Get("campaign"),
		Format:     format,
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinytraffic-hourly-%s.%s", timestamp, format))

	var result *Result
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		h.logger.Error("export failed", zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	h.logger.Info("exported hourly stats",
		zap.Int("rows", result.RowsExported),
		zap.String("format", format),
		zap.String("range", result.TimeRange))
}
