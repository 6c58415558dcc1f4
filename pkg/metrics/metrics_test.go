package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AddSync("visits", "written", 12)
	m.AddSync("visits", "written", 3)
	m.ObserveTask("sync_visits", "succeeded", 0.2)
	m.IncAlert("conversion_rate", "HIGH")
	m.AddDeleted("clicks", 500)

	assert.Equal(t, 15.0, testutil.ToFloat64(m.SyncRecords.WithLabelValues("visits", "written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRuns.WithLabelValues("sync_visits", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Alerts.WithLabelValues("conversion_rate", "HIGH")))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.RetentionDeleted.WithLabelValues("clicks")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.AddSync("visits", "written", 1)
	m.ObserveTask("x", "failed", 1)
	m.IncAlert("traffic_drop", "LOW")
	m.AddDeleted("visits", 1)
	m.SetCursorLag("visits", 3)
	m.AddRollupRows(2)
	m.AddIntegrityWarnings(1)
}
