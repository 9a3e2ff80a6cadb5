package compaction

import (
	"sync"
	"time"
)

// Monitor tracks compaction health for the compacter's health endpoint.
type Monitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// RecordSuccess records a successful compaction task.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccess = time.Now()
	m.lastAttempt = time.Now()
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed compaction task.
func (m *Monitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = time.Now()
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy returns false once compaction keeps failing or has not
// succeeded for over an hour.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isHealthyLocked()
}

// Status is the health-check view of compaction.
type Status struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current compaction status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{Healthy: m.isHealthyLocked()}
	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(m.lastSuccess).String()
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}
	return status
}

func (m *Monitor) isHealthyLocked() bool {
	if m.lastAttempt.IsZero() {
		return true
	}
	if m.consecutiveErrors > 3 {
		return false
	}
	if !m.lastSuccess.IsZero() && time.Since(m.lastSuccess) > 1*time.Hour {
		return false
	}
	return true
}
