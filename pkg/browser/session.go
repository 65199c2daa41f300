package browser

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/planrunner/pkg/logging"
)

//go:generate mockgen -package=browser -destination=mock_transport_test.go github.com/odvcencio/planrunner/pkg/browser Transport

// Transport is the port implemented by control-surface adapters. target is
// the handle returned by the last successful Navigate; it is empty before the
// first navigation.
type Transport interface {
	Open(ctx context.Context) error
	Navigate(ctx context.Context, url string, timeout time.Duration) (target string, err error)
	Snapshot(ctx context.Context, target string, opts SnapshotOptions) (*Snapshot, error)
	Act(ctx context.Context, target string, action Action) (*ActionResult, error)
	Close(ctx context.Context) error
}

// Session drives one Transport. Calls are serialized; the only mutable state
// is the current target handle.
type Session struct {
	id        string
	transport Transport
	metrics   *Metrics
	logger    *logging.Logger

	mu      sync.Mutex
	started bool
	target  string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession wraps a transport. The session must be started before use.
func NewSession(id string, transport Transport, opts ...SessionOption) *Session {
	s := &Session{id: id, transport: transport}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Target returns the current target handle, empty when none.
func (s *Session) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Started reports whether Start succeeded and Stop has not been called.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start opens the transport. Starting a started session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.transport == nil {
		return ErrUnavailable
	}
	if err := s.transport.Open(ctx); err != nil {
		_ = s.logger.Error(logging.CategoryBrowser, "session.start_failed", err.Error(), map[string]any{"session": s.id})
		return WrapTransportError("start", CodeUnavailable, "open transport", err)
	}
	s.started = true
	s.metrics.RecordSessionStarted(s.id)
	_ = s.logger.Info(logging.CategoryBrowser, "session.started", "browser session started", map[string]any{"session": s.id})
	return nil
}

// Navigate loads url and records the resulting target handle.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}

	start := time.Now()
	target, err := s.transport.Navigate(ctx, url, timeout)
	if err != nil {
		return s.wrap("navigate", err)
	}
	s.target = target
	s.metrics.RecordNavigate(s.id, url, time.Since(start))
	_ = s.logger.Debug(logging.CategoryBrowser, "navigate", url, map[string]any{"target": target})
	return nil
}

// Snapshot captures the current page's elements.
func (s *Session) Snapshot(ctx context.Context, opts SnapshotOptions) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrNotStarted
	}

	start := time.Now()
	snap, err := s.transport.Snapshot(ctx, s.target, opts)
	if err != nil {
		return nil, s.wrap("snapshot", err)
	}
	if snap == nil {
		snap = NewSnapshot("", nil)
	}
	s.metrics.RecordSnapshot(s.id, snap.Len(), time.Since(start))
	return snap, nil
}

// PerformAction applies kind to the element ref on the current target.
func (s *Session) PerformAction(ctx context.Context, kind ActionKind, ref string, payload ActionPayload) (*ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrNotStarted
	}

	start := time.Now()
	res, err := s.transport.Act(ctx, s.target, Action{Kind: kind, Ref: ref, Payload: payload})
	s.metrics.RecordAction(s.id, kind, err == nil, time.Since(start))
	if err != nil {
		return nil, s.wrap(string(kind), err)
	}
	if res == nil {
		res = &ActionResult{Kind: kind, Ref: ref}
	}
	return res, nil
}

// Stop closes the transport and clears the target handle. Stopping a
// session that is not started is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.target = ""
	s.metrics.RecordSessionStopped(s.id)
	if err := s.transport.Close(ctx); err != nil {
		return s.wrap("stop", err)
	}
	_ = s.logger.Info(logging.CategoryBrowser, "session.stopped", "browser session stopped", map[string]any{"session": s.id})
	return nil
}

func (s *Session) wrap(op string, err error) error {
	_ = s.logger.Warn(logging.CategoryBrowser, op+".failed", err.Error(), map[string]any{"session": s.id})
	if _, ok := err.(*TransportError); ok {
		return err
	}
	return WrapTransportError(op, "", op+" failed", err)
}
