package monitor

import (
	"sort"
	"sync"
	"time"
)

// MaxConsecutiveErrors is how many failures in a row a task may have before
// it is reported unhealthy.
const MaxConsecutiveErrors = 3

// TaskMonitor tracks the health of the periodic tasks.
type TaskMonitor struct {
	mu    sync.RWMutex
	tasks map[string]*taskState
	now   func() time.Time
}

type taskState struct {
	staleAfter        time.Duration
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastDuration      time.Duration
	runs              int64
	consecutiveErrors int
	lastError         string
}

// NewTaskMonitor creates an empty monitor.
func NewTaskMonitor() *TaskMonitor {
	return &TaskMonitor{
		tasks: make(map[string]*taskState),
		now:   time.Now,
	}
}

// Register adds a task. A task that has not succeeded within staleAfter of
// its last success is unhealthy.
func (m *TaskMonitor) Register(name string, staleAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.tasks[name]; ok {
		st.staleAfter = staleAfter
		return
	}
	m.tasks[name] = &taskState{staleAfter: staleAfter}
}

func (m *TaskMonitor) state(name string) *taskState {
	st, ok := m.tasks[name]
	if !ok {
		st = &taskState{}
		m.tasks[name] = st
	}
	return st
}

// RecordSuccess records a successful run of name.
func (m *TaskMonitor) RecordSuccess(name string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.state(name)
	st.lastSuccess = now
	st.lastAttempt = now
	st.lastDuration = took
	st.runs++
	st.consecutiveErrors = 0
	st.lastError = ""
}

// RecordFailure records a failed run of name.
func (m *TaskMonitor) RecordFailure(name string, took time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(name)
	st.lastAttempt = m.now()
	st.lastDuration = took
	st.runs++
	st.consecutiveErrors++
	if err != nil {
		st.lastError = err.Error()
	}
}

// ConsecutiveErrors returns the current failure streak of name.
func (m *TaskMonitor) ConsecutiveErrors(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.tasks[name]; ok {
		return st.consecutiveErrors
	}
	return 0
}

// healthy must be called with mu held.
//
// Unhealthy conditions:
//   - Attempted but never succeeded
//   - No success within staleAfter
//   - More than MaxConsecutiveErrors failures in a row
func (st *taskState) healthy(now time.Time) bool {
	if st.lastAttempt.IsZero() {
		return true
	}
	if st.lastSuccess.IsZero() {
		return false
	}
	if st.staleAfter > 0 && now.Sub(st.lastSuccess) > st.staleAfter {
		return false
	}
	return st.consecutiveErrors <= MaxConsecutiveErrors
}

// IsHealthy reports whether every task is healthy.
func (m *TaskMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	for _, st := range m.tasks {
		if !st.healthy(now) {
			return false
		}
	}
	return true
}

// TaskStatus is the health report of one task.
type TaskStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	Runs              int64  `json:"runs"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastDuration      string `json:"last_duration,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns every task's status ordered by name.
func (m *TaskMonitor) Status() []TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]TaskStatus, 0, len(m.tasks))
	for name, st := range m.tasks {
		s := TaskStatus{
			Name:    name,
			Healthy: st.healthy(now),
			Runs:    st.runs,
		}
		if !st.lastSuccess.IsZero() {
			s.LastSuccess = st.lastSuccess.Format(time.RFC3339)
			s.TimeSinceSuccess = now.Sub(st.lastSuccess).Round(time.Second).String()
		}
		if !st.lastAttempt.IsZero() {
			s.LastAttempt = st.lastAttempt.Format(time.RFC3339)
			s.LastDuration = st.lastDuration.String()
		}
		if st.consecutiveErrors > 0 {
			s.ConsecutiveErrors = st.consecutiveErrors
			s.LastError = st.lastError
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
