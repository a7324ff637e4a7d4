package agent

import (
	"sync"
	"time"
)

// HealthStatus is the supervisor's view of the server connection.
type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	Connected         bool      `json:"connected"`
	RunID             string    `json:"run_id,omitempty"`
	LastConnected     time.Time `json:"last_connected,omitempty"`
	LastDisconnected  time.Time `json:"last_disconnected,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
	Sessions          int       `json:"sessions"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Uptime            string    `json:"uptime,omitempty"`
}

type HealthChecker struct {
	mu sync.RWMutex

	connected         bool
	runID             string
	lastConnected     time.Time
	lastDisconnected  time.Time
	lastError         string
	lastErrorTime     time.Time
	sessions          int
	reconnectAttempts int
	startTime         time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// SetConnected records a session reaching Active (with its run id) or ending.
func (h *HealthChecker) SetConnected(connected bool, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	wasConnected := h.connected
	h.connected = connected
	if connected && !wasConnected {
		h.runID = runID
		h.lastConnected = time.Now()
		h.reconnectAttempts = 0
		h.sessions++
	} else if !connected && wasConnected {
		h.lastDisconnected = time.Now()
	}
}

func (h *HealthChecker) RecordError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastError = err.Error()
	h.lastErrorTime = time.Now()
}

func (h *HealthChecker) RecordReconnectAttempt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnectAttempts++
}

func (h *HealthChecker) GetStatus() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return HealthStatus{
		Healthy:           h.connected,
		Connected:         h.connected,
		RunID:             h.runID,
		LastConnected:     h.lastConnected,
		LastDisconnected:  h.lastDisconnected,
		LastError:         h.lastError,
		LastErrorTime:     h.lastErrorTime,
		Sessions:          h.sessions,
		ReconnectAttempts: h.reconnectAttempts,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
	}
}

func (h *HealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}
