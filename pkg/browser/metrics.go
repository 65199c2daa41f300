package browser

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/planrunner/pkg/telemetry"
)

// Metrics tracks browser session counters.
type Metrics struct {
	// Session counts
	SessionsStarted atomic.Int64
	SessionsStopped atomic.Int64
	ActiveSessions  atomic.Int64

	// Operation counts
	NavigateCount atomic.Int64
	SnapshotCount atomic.Int64
	ActionCount   atomic.Int64

	// Action outcomes
	ActionSuccessCount atomic.Int64
	ActionFailureCount atomic.Int64

	SnapshotElements atomic.Int64

	// Telemetry integration
	mu        sync.RWMutex
	hub       *telemetry.Hub
	sessionID string
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// EnableTelemetry wires the metrics collector to a telemetry hub.
func (m *Metrics) EnableTelemetry(hub *telemetry.Hub, sessionID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.hub = hub
	m.sessionID = sessionID
	m.mu.Unlock()
}

// RecordSessionStarted increments the session start counter.
func (m *Metrics) RecordSessionStarted(browserSessionID string) {
	if m == nil {
		return
	}
	m.SessionsStarted.Add(1)
	m.ActiveSessions.Add(1)
	m.publishEvent(telemetry.EventBrowserSessionStarted, map[string]any{
		"browser_session_id": browserSessionID,
	})
}

// RecordSessionStopped increments the session stop counter.
func (m *Metrics) RecordSessionStopped(browserSessionID string) {
	if m == nil {
		return
	}
	m.SessionsStopped.Add(1)
	m.ActiveSessions.Add(-1)
	m.publishEvent(telemetry.EventBrowserSessionStopped, map[string]any{
		"browser_session_id": browserSessionID,
	})
}

// RecordNavigate increments the navigation counter.
func (m *Metrics) RecordNavigate(browserSessionID, url string, latency time.Duration) {
	if m == nil {
		return
	}
	m.NavigateCount.Add(1)
	m.publishEvent(telemetry.EventBrowserNavigate, map[string]any{
		"browser_session_id": browserSessionID,
		"url":                url,
		"latency_ms":         latency.Milliseconds(),
	})
}

// RecordSnapshot increments the snapshot counter.
func (m *Metrics) RecordSnapshot(browserSessionID string, elements int, latency time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotCount.Add(1)
	m.SnapshotElements.Add(int64(elements))
	m.publishEvent(telemetry.EventBrowserSnapshot, map[string]any{
		"browser_session_id": browserSessionID,
		"elements":           elements,
		"latency_ms":         latency.Milliseconds(),
	})
}

// RecordAction increments the action counter and tracks success/failure.
func (m *Metrics) RecordAction(browserSessionID string, kind ActionKind, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.ActionCount.Add(1)
	eventType := telemetry.EventBrowserAction
	if success {
		m.ActionSuccessCount.Add(1)
	} else {
		m.ActionFailureCount.Add(1)
		eventType = telemetry.EventBrowserActionFailed
	}
	m.publishEvent(eventType, map[string]any{
		"browser_session_id": browserSessionID,
		"action":             string(kind),
		"success":            success,
		"latency_ms":         latency.Milliseconds(),
	})
}

// Snapshot returns a point-in-time copy of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	successCount := m.ActionSuccessCount.Load()
	failCount := m.ActionFailureCount.Load()
	total := successCount + failCount
	successRate := float64(1.0)
	if total > 0 {
		successRate = float64(successCount) / float64(total)
	}
	snapshots := m.SnapshotCount.Load()
	avgElements := float64(0)
	if snapshots > 0 {
		avgElements = float64(m.SnapshotElements.Load()) / float64(snapshots)
	}
	return MetricsSnapshot{
		SessionsStarted:    m.SessionsStarted.Load(),
		SessionsStopped:    m.SessionsStopped.Load(),
		ActiveSessions:     m.ActiveSessions.Load(),
		NavigateCount:      m.NavigateCount.Load(),
		SnapshotCount:      snapshots,
		ActionCount:        m.ActionCount.Load(),
		ActionSuccessCount: successCount,
		ActionFailureCount: failCount,
		ActionSuccessRate:  successRate,
		AverageElements:    avgElements,
	}
}

func (m *Metrics) publishEvent(eventType telemetry.EventType, data map[string]any) {
	m.mu.RLock()
	hub := m.hub
	sessionID := m.sessionID
	m.mu.RUnlock()
	if hub == nil {
		return
	}
	hub.Publish(telemetry.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      data,
	})
}

// MetricsSnapshot is a point-in-time copy of browser metrics.
type MetricsSnapshot struct {
	SessionsStarted    int64   `json:"sessions_started"`
	SessionsStopped    int64   `json:"sessions_stopped"`
	ActiveSessions     int64   `json:"active_sessions"`
	NavigateCount      int64   `json:"navigate_count"`
	SnapshotCount      int64   `json:"snapshot_count"`
	ActionCount        int64   `json:"action_count"`
	ActionSuccessCount int64   `json:"action_success_count"`
	ActionFailureCount int64   `json:"action_failure_count"`
	ActionSuccessRate  float64 `json:"action_success_rate"`
	AverageElements    float64 `json:"average_elements"`
}
