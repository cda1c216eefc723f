package poller

import (
	"sync"
	"time"
)

// CycleMonitor tracks poll cycle health.
type CycleMonitor struct {
	mu                sync.RWMutex
	staleAfter        time.Duration
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastDuration      time.Duration
	consecutiveErrors int
	lastError         string
	now               func() time.Time
}

// NewCycleMonitor reports unhealthy when no cycle succeeded within staleAfter.
func NewCycleMonitor(staleAfter time.Duration) *CycleMonitor {
	return &CycleMonitor{staleAfter: staleAfter, now: time.Now}
}

// RecordSuccess records a successful cycle.
func (cm *CycleMonitor) RecordSuccess(d time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := cm.now()
	cm.lastSuccess = now
	cm.lastAttempt = now
	cm.lastDuration = d
	cm.consecutiveErrors = 0
	cm.lastError = ""
}

// RecordFailure records a failed cycle.
func (cm *CycleMonitor) RecordFailure(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastAttempt = cm.now()
	cm.consecutiveErrors++
	if err != nil {
		cm.lastError = err.Error()
	}
}

// IsHealthy returns true if cycles are completing.
// Unhealthy conditions:
//   - Never succeeded
//   - Haven't succeeded within staleAfter
//   - The last cycle failed
func (cm *CycleMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.healthyLocked()
}

func (cm *CycleMonitor) healthyLocked() bool {
	if cm.lastSuccess.IsZero() {
		return false
	}
	if cm.staleAfter > 0 && cm.now().Sub(cm.lastSuccess) > cm.staleAfter {
		return false
	}
	return cm.consecutiveErrors == 0
}

// CycleStatus is the health view of the poll loop.
type CycleStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastDuration      string `json:"last_duration,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current cycle status for health checks.
func (cm *CycleMonitor) Status() CycleStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := CycleStatus{
		Healthy: cm.healthyLocked(),
	}

	if !cm.lastSuccess.IsZero() {
		status.LastSuccess = cm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = cm.now().Sub(cm.lastSuccess).Round(time.Millisecond).String()
		status.LastDuration = cm.lastDuration.Round(time.Millisecond).String()
	}

	if !cm.lastAttempt.IsZero() {
		status.LastAttempt = cm.lastAttempt.Format(time.RFC3339)
	}

	if cm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = cm.consecutiveErrors
		status.LastError = cm.lastError
	}

	return status
}
