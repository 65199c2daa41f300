package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/odvcencio/planrunner/pkg/logging"
)

// TransportFactory builds a fresh transport for one session.
type TransportFactory func(ctx context.Context) (Transport, error)

// Manager tracks the active sessions of a process. Each session owns its own
// transport so sessions never share state.
type Manager struct {
	factory  TransportFactory
	metrics  *Metrics
	logger   *logging.Logger
	sessions map[string]*Session
	mu       sync.Mutex
}

// NewManager creates a Manager backed by factory.
func NewManager(factory TransportFactory, metrics *Metrics, logger *logging.Logger) *Manager {
	return &Manager{
		factory:  factory,
		metrics:  metrics,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// CreateSession builds and starts a new session.
func (m *Manager) CreateSession(ctx context.Context, sessionID string) (*Session, error) {
	if m == nil || m.factory == nil {
		return nil, ErrUnavailable
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session already exists: %s", sessionID)
	}
	m.mu.Unlock()

	transport, err := m.factory(ctx)
	if err != nil {
		return nil, WrapTransportError("start", CodeUnavailable, "create transport", err)
	}
	sess := NewSession(sessionID, transport, WithMetrics(m.metrics), WithLogger(m.logger))
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()
	return sess, nil
}

// CloseSession stops and removes a session.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	if m == nil {
		return ErrUnavailable
	}
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok || sess == nil {
		return ErrSessionClosed
	}
	return sess.Stop(ctx)
}

// Close stops all sessions.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var lastErr error
	for _, sess := range sessions {
		if err := sess.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
