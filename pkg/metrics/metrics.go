// Package metrics exposes Prometheus instruments for the periodic tasks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tinytraffic"

// Metrics holds every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SyncRecords       *prometheus.CounterVec
	IntegrityWarnings prometheus.Counter
	CursorLag         *prometheus.GaugeVec

	TaskRuns     *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	RollupRows       prometheus.Counter
	Alerts           *prometheus.CounterVec
	RetentionDeleted *prometheus.CounterVec
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SyncRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Events handled by sync, by source and outcome (fetched, written, skipped).",
		}, []string{"source", "outcome"}),
		IntegrityWarnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_warnings_total",
			Help:      "Events stored despite a data integrity warning.",
		}),
		CursorLag: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_lag_seconds",
			Help:      "Distance between the sync time and the source cursor.",
		}, []string{"source"}),
		TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Task invocations by task and final status.",
		}, []string{"task", "status"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"task"}),
		RollupRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_rows_total",
			Help:      "Hourly rows written by rollups.",
		}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Anomaly alerts emitted by type and direction.",
		}, []string{"type", "direction"}),
		RetentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Records removed by the retention sweeper.",
		}, []string{"entity"}),
	}
}

// ObserveTask records one task run.
func (m *Metrics) ObserveTask(task, status string, seconds float64) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(task, status).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(seconds)
}

// AddSync adds n events for source and outcome.
func (m *Metrics) AddSync(source, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SyncRecords.WithLabelValues(source, outcome).Add(float64(n))
}

// AddIntegrityWarnings counts stored events that raised a warning.
func (m *Metrics) AddIntegrityWarnings(n int) {
	if m == nil || n == 0 {
		return
	}
	m.IntegrityWarnings.Add(float64(n))
}

// SetCursorLag sets the cursor lag for source.
func (m *Metrics) SetCursorLag(source string, seconds float64) {
	if m == nil {
		return
	}
	m.CursorLag.WithLabelValues(source).Set(seconds)
}

// AddRollupRows counts hourly rows written.
func (m *Metrics) AddRollupRows(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RollupRows.Add(float64(n))
}

// IncAlert counts one alert.
func (m *Metrics) IncAlert(kind, direction string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(kind, direction).Inc()
}

// AddDeleted counts rows removed for entity.
func (m *Metrics) AddDeleted(entity string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RetentionDeleted.WithLabelValues(entity).Add(float64(n))
}
