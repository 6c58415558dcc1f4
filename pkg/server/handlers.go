package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/anomaly"
	"github.com/nicktill/tinytraffic/pkg/config"
	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/errs"
	"github.com/nicktill/tinytraffic/pkg/httpx"
	"github.com/nicktill/tinytraffic/pkg/ingest"
	"github.com/nicktill/tinytraffic/pkg/retention"
	"github.com/nicktill/tinytraffic/pkg/rollup"
	"github.com/nicktill/tinytraffic/pkg/server/monitor"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Version is reported by /v1/health.
var Version = "dev"

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Tasks   []monitor.TaskStatus `json:"tasks"`
}

// StorageResponse combines disk usage with record counts.
type StorageResponse struct {
	monitor.Usage
	Stats *storage.Stats `json:"stats"`
}

// CursorStatus is one source's cursor and how far it trails now.
type CursorStatus struct {
	cursor.Cursor
	LagSeconds float64 `json:"lag_seconds"`
}

// SyncAllResponse reports a sync of every source.
type SyncAllResponse struct {
	Results []ingest.SyncResult `json:"results"`
	OK      bool                `json:"ok"`
}

// BackfillResponse reports a rollup over an hour range.
type BackfillResponse struct {
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
	Rows      int             `json:"rows"`
	Succeeded int             `json:"succeeded"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Results   []rollup.Result `json:"results"`
}

// DetectResponse reports one detection run.
type DetectResponse struct {
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Skipped     bool            `json:"skipped"`
	Reason      string          `json:"reason,omitempty"`
	Count       int             `json:"count"`
	Alerts      []anomaly.Alert `json:"alerts"`
}

// clock returns the now= override or the server clock.
func (s *Server) clock(r *http.Request) (time.Time, error) {
	return httpx.ParseTime(r.URL.Query().Get("now"), s.now().UTC())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !s.tasks.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, code, HealthResponse{
		Status:  status,
		Version: Version,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Tasks:   s.tasks.Status(),
	})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.storage.Usage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		httpx.RespondErr(w, errs.Store("storage stats", err))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, StorageResponse{Usage: usage, Stats: stats})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	src, err := traffic.ParseSource(mux.Vars(r)["source"])
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	now, err := s.clock(r)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	res := s.ingestor.Sync(r.Context(), src, now)
	code := http.StatusOK
	if !res.OK() {
		code = httpx.StatusFor(res.Err)
	}
	httpx.RespondJSON(w, code, res)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	now, err := s.clock(r)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	resp := SyncAllResponse{Results: s.ingestor.SyncAll(r.Context(), now), OK: true}
	code := http.StatusOK
	for _, res := range resp.Results {
		if !res.OK() {
			resp.OK = false
			code = httpx.StatusFor(res.Err)
			break
		}
	}
	httpx.RespondJSON(w, code, resp)
}

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("hour")
	if raw == "" {
		httpx.RespondErr(w, errs.Config("rollup", "hour parameter is required"))
		return
	}
	hour, err := httpx.ParseTime(raw, time.Time{})
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	res := s.aggregator.Rollup(r.Context(), hour)
	code := http.StatusOK
	switch res.Status {
	case rollup.StatusSkipped:
		code = http.StatusConflict
	case rollup.StatusFailed:
		code = httpx.StatusFor(res.Err)
	}
	httpx.RespondJSON(w, code, res)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		httpx.RespondErr(w, errs.Config("backfill", "start and end parameters are required"))
		return
	}
	start, err := httpx.ParseTime(q.Get("start"), time.Time{})
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	end, err := httpx.ParseTime(q.Get("end"), time.Time{})
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	results, err := s.aggregator.Backfill(r.Context(), start, end)
	if err != nil && len(results) == 0 {
		httpx.RespondErr(w, err)
		return
	}
	resp := BackfillResponse{Start: start, End: end, Results: results}
	resp.Rows, resp.Succeeded, resp.Skipped, resp.Failed = rollup.Summarize(results)

	code := http.StatusOK
	for _, res := range results {
		if res.Status == rollup.StatusFailed {
			code = httpx.StatusFor(res.Err)
			break
		}
	}
	httpx.RespondJSON(w, code, resp)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	now, err := s.clock(r)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	curStart, curEnd, _ := s.detector.Windows(now)
	alerts, err := s.detector.Run(r.Context(), now)
	if errors.Is(err, anomaly.ErrWindowOpen) {
		httpx.RespondJSON(w, http.StatusConflict, DetectResponse{
			WindowStart: curStart,
			WindowEnd:   curEnd,
			Skipped:     true,
			Reason:      err.Error(),
			Alerts:      []anomaly.Alert{},
		})
		return
	}
	if err != nil && alerts == nil {
		httpx.RespondErr(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("alerts detected but not delivered", zap.Error(err))
	}
	if alerts == nil {
		alerts = []anomaly.Alert{}
	}
	httpx.RespondJSON(w, http.StatusOK, DetectResponse{
		WindowStart: curStart,
		WindowEnd:   curEnd,
		Count:       len(alerts),
		Alerts:      alerts,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := httpx.ParseInt("days", r.URL.Query().Get("days"), s.cfg.Retention.Days)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	now, err := s.clock(r)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	res, err := s.sweeper.Cleanup(r.Context(), days, now)
	if errs.Is(err, errs.KindConfig) {
		httpx.RespondErr(w, err)
		return
	}
	code := http.StatusOK
	if err != nil {
		code = httpx.StatusFor(err)
		s.logger.Warn("cleanup stopped early", zap.Int("deleted", res.Total()), zap.Error(err))
	}
	httpx.RespondJSON(w, code, NewCleanupResponse(res, err))
}

// Cleanup outcomes.
const (
	CleanupSucceeded = "succeeded"
	CleanupPartial   = "partial"
	CleanupFailed    = "failed"
)

// CleanupResponse reports a sweep with the counts deleted before any failure.
type CleanupResponse struct {
	retention.Result
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewCleanupResponse classifies a sweep outcome. A failed sweep that deleted
// anything is partial.
func NewCleanupResponse(res retention.Result, err error) CleanupResponse {
	resp := CleanupResponse{Result: res, Status: CleanupSucceeded}
	if err != nil {
		resp.Status, resp.Error = CleanupFailed, err.Error()
		if res.Total() > 0 {
			resp.Status = CleanupPartial
		}
	}
	return resp
}

// Cursors lists every stored cursor with its lag behind now.
func (s *Server) Cursors(ctx context.Context, now time.Time) ([]CursorStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, config.QueryTimeout)
	defer cancel()

	cursors, err := s.store.ListCursors(ctx)
	if err != nil {
		return nil, errs.Store("list cursors", err)
	}
	out := make([]CursorStatus, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, CursorStatus{
			Cursor:     c,
			LagSeconds: now.Sub(c.Position.Timestamp).Seconds(),
		})
	}
	return out, nil
}

func (s *Server) handleCursors(w http.ResponseWriter, r *http.Request) {
	now, err := s.clock(r)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	out, err := s.Cursors(r.Context(), now)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHourlyStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now, err := s.clock(r)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	end, err := httpx.ParseTime(q.Get("end"), now)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	start, err := httpx.ParseTime(q.Get("start"), end.Add(-24*time.Hour))
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	if !end.After(start) {
		httpx.RespondErr(w, errs.Config("hourly stats", "end must be after start"))
		return
	}
	if end.Sub(start) > config.MaxStatsWindow {
		httpx.RespondErr(w, errs.Config("hourly stats", "range exceeds %v", config.MaxStatsWindow))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()
	rows, err := s.store.QueryHourlyStats(ctx, storage.StatsQuery{
		Start:      start,
		End:        end,
		CampaignID: q.Get("campaign"),
	})
	if err != nil {
		httpx.RespondErr(w, errs.Store("query hourly stats", err))
		return
	}
	if rows == nil {
		rows = []traffic.HourlyStat{}
	}
	httpx.RespondJSON(w, http.StatusOK, rows)
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware(s.cfg.Server.Port))

	api := router.PathPrefix("/v1").Subrouter()

	// On-demand task runs
	api.HandleFunc("/sync", s.handleSyncAll).Methods("POST")
	api.HandleFunc("/sync/{source}", s.handleSync).Methods("POST")
	api.HandleFunc("/rollup", s.handleRollup).Methods("POST")
	api.HandleFunc("/rollup/backfill", s.handleBackfill).Methods("POST")
	api.HandleFunc("/detect", s.handleDetect).Methods("POST")
	api.HandleFunc("/cleanup", s.handleCleanup).Methods("POST")

	// Reads
	api.HandleFunc("/cursors", s.handleCursors).Methods("GET")
	api.HandleFunc("/stats/hourly", s.handleHourlyStats).Methods("GET")
	api.HandleFunc("/export", s.exporter.HandleExport).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/storage", s.handleStorage).Methods("GET")
	api.Handle("/alerts/ws", s.hub).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	return router
}

// corsMiddleware allows browser access from localhost origins only.
func corsMiddleware(port string) mux.MiddlewareFunc {
	allowed := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
