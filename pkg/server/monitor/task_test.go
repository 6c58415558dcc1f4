package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestTaskMonitor_RecordSuccess(t *testing.T) {
	m := NewTaskMonitor()
	m.Register("rollup", time.Hour)
	m.RecordSuccess("rollup", time.Second)

	status := m.Status()
	if len(status) != 1 {
		t.Fatalf("len(Status()) = %d, want 1", len(status))
	}
	if !status[0].Healthy {
		t.Error("task should be healthy after success")
	}
	if status[0].Runs != 1 {
		t.Errorf("Runs = %d, want 1", status[0].Runs)
	}
	if status[0].LastError != "" {
		t.Errorf("LastError = %q, want empty", status[0].LastError)
	}
}

func TestTaskMonitor_RecordFailure(t *testing.T) {
	m := NewTaskMonitor()
	m.RecordFailure("sync:visits", time.Second, errors.New("upstream 502"))

	status := m.Status()
	if status[0].ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status[0].ConsecutiveErrors)
	}
	if status[0].LastError != "upstream 502" {
		t.Errorf("LastError = %q, want %q", status[0].LastError, "upstream 502")
	}
	if m.ConsecutiveErrors("sync:visits") != 1 {
		t.Errorf("ConsecutiveErrors() = %d, want 1", m.ConsecutiveErrors("sync:visits"))
	}
}

func TestTaskMonitor_IsHealthy(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		setup    func(*TaskMonitor, *time.Time)
		expected bool
	}{
		{
			name:     "registered, never run",
			setup:    func(m *TaskMonitor, _ *time.Time) { m.Register("detect", time.Hour) },
			expected: true,
		},
		{
			name: "failed, never succeeded",
			setup: func(m *TaskMonitor, _ *time.Time) {
				m.Register("detect", time.Hour)
				m.RecordFailure("detect", 0, errors.New("boom"))
			},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(m *TaskMonitor, _ *time.Time) {
				m.Register("detect", time.Hour)
				m.RecordSuccess("detect", 0)
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(m *TaskMonitor, now *time.Time) {
				m.Register("detect", time.Hour)
				m.RecordSuccess("detect", 0)
				*now = now.Add(2 * time.Hour)
			},
			expected: false,
		},
		{
			name: "too many consecutive errors",
			setup: func(m *TaskMonitor, _ *time.Time) {
				m.Register("detect", time.Hour)
				m.RecordSuccess("detect", 0)
				for i := 0; i < MaxConsecutiveErrors+1; i++ {
					m.RecordFailure("detect", 0, errors.New("boom"))
				}
			},
			expected: false,
		},
		{
			name: "one unhealthy task degrades all",
			setup: func(m *TaskMonitor, _ *time.Time) {
				m.RecordSuccess("rollup", 0)
				m.RecordFailure("detect", 0, errors.New("boom"))
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := base
			m := NewTaskMonitor()
			m.now = func() time.Time { return now }
			tt.setup(m, &now)
			if got := m.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTaskMonitor_StatusOrderedByName(t *testing.T) {
	m := NewTaskMonitor()
	m.RecordSuccess("sync:visits", 0)
	m.RecordSuccess("detect", 0)
	m.RecordSuccess("rollup", 0)

	status := m.Status()
	want := []string{"detect", "rollup", "sync:visits"}
	for i, name := range want {
		if status[i].Name != name {
			t.Errorf("Status()[%d].Name = %q, want %q", i, status[i].Name, name)
		}
	}
	if status[0].LastSuccess == "" || status[0].TimeSinceSuccess == "" {
		t.Error("LastSuccess and TimeSinceSuccess should be set")
	}
}
