package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brokerkit/rabbitstore/internal/reliability"
)

// ConnectionSupervisor owns at most one live broker connection. The
// connection is created lazily on the first Get and recreated on demand
// after a failure, retrying with exponential backoff. By default the retry
// never gives up; WithMaxAttempts bounds it for fail-fast callers.
type ConnectionSupervisor struct {
	url         string
	identity    string
	label       string
	dial        Dialer
	policy      reliability.Policy
	maxAttempts int
	logger      *slog.Logger

	mu       sync.Mutex
	conn     Connection
	creating bool
	inflight chan struct{}
	shutdown bool
}

// SupervisorOption configures the ConnectionSupervisor.
type SupervisorOption func(*ConnectionSupervisor)

// WithDialer replaces the production dialer.
func WithDialer(dial Dialer) SupervisorOption {
	return func(s *ConnectionSupervisor) {
		s.dial = dial
	}
}

// WithBackoff sets the reconnection backoff policy.
func WithBackoff(policy reliability.Policy) SupervisorOption {
	return func(s *ConnectionSupervisor) {
		s.policy = policy
	}
}

// WithMaxAttempts bounds connection creation to n attempts. Zero keeps the
// default unbounded retry.
func WithMaxAttempts(n int) SupervisorOption {
	return func(s *ConnectionSupervisor) {
		s.maxAttempts = n
	}
}

// WithConnectionLabel sets the connection_name client property.
func WithConnectionLabel(label string) SupervisorOption {
	return func(s *ConnectionSupervisor) {
		s.label = label
	}
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *ConnectionSupervisor) {
		s.logger = logger
	}
}

// NewConnectionSupervisor creates a supervisor for one endpoint. identity is
// the endpoint's identity key with credentials stripped; it appears in logs
// and errors, url is the full dial string.
func NewConnectionSupervisor(url, identity string, options ...SupervisorOption) *ConnectionSupervisor {
	s := &ConnectionSupervisor{
		url:      url,
		identity: identity,
		dial:     AMQPDial,
		policy:   reliability.DefaultConnectBackoff(),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Identity returns the supervisor's endpoint identity key.
func (s *ConnectionSupervisor) Identity() string {
	return s.identity
}

// IsLive reports whether a live connection is currently held.
func (s *ConnectionSupervisor) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.shutdown && s.conn != nil && !s.conn.IsClosed()
}

// Get returns the current connection if live, otherwise creates one. Under
// concurrent callers at most one creation sequence runs; the others wait on
// its outcome and share the resulting connection.
func (s *ConnectionSupervisor) Get(ctx context.Context) (Connection, error) {
	for {
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			return nil, ErrShutdown
		}
		if s.conn != nil && !s.conn.IsClosed() {
			conn := s.conn
			s.mu.Unlock()
			return conn, nil
		}

		if !s.creating {
			s.creating = true
			s.inflight = make(chan struct{})
			s.mu.Unlock()

			conn, err := s.create(ctx)

			s.mu.Lock()
			s.creating = false
			close(s.inflight)
			if err != nil {
				s.mu.Unlock()
				return nil, err
			}
			if s.shutdown {
				s.mu.Unlock()
				conn.Close()
				return nil, ErrShutdown
			}
			s.conn = conn
			s.mu.Unlock()
			return conn, nil
		}

		inflight := s.inflight
		s.mu.Unlock()

		select {
		case <-inflight:
			// Re-check: either the creator installed a connection this
			// caller can share, or it failed and this caller takes over.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// create dials the broker, retrying with backoff. The attempt counter is
// local to this call, so a later failure starts a fresh schedule.
func (s *ConnectionSupervisor) create(ctx context.Context) (Connection, error) {
	attempts := 0
	for {
		if s.isShutdown() {
			return nil, ErrShutdown
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempts++
		conn, err := s.dial(s.url, s.label)
		if err == nil {
			if attempts > 1 {
				s.logger.Warn("connection succeeded after retries",
					"endpoint", s.identity,
					"attempts", attempts)
			} else {
				s.logger.Info("connected", "endpoint", s.identity)
			}
			return conn, nil
		}

		if s.maxAttempts > 0 && attempts >= s.maxAttempts {
			s.logger.Error("connection attempts exhausted",
				"endpoint", s.identity,
				"attempts", attempts,
				"error", err)
			return nil, &ConnectionError{
				Op:        "connect",
				Endpoint:  s.identity,
				Attempts:  attempts,
				Err:       fmt.Errorf("%w: %w", ErrMaxAttemptsReached, err),
				Timestamp: time.Now(),
			}
		}

		delay := s.policy.Delay(attempts)
		s.logger.Warn("connection failed, retrying",
			"endpoint", s.identity,
			"attempt", attempts,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Invalidate marks the current connection dead and releases it without
// retrying. The next Get triggers fresh creation. Close-time errors are
// swallowed; the connection is already being discarded.
func (s *ConnectionSupervisor) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
}

// Shutdown is the idempotent terminal teardown. Subsequent Get calls fail
// immediately with ErrShutdown.
func (s *ConnectionSupervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	s.dropLocked()
	s.logger.Info("connection supervisor shut down", "endpoint", s.identity)
}

func (s *ConnectionSupervisor) dropLocked() {
	if s.conn == nil {
		return
	}
	if !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("connection close failed",
				"endpoint", s.identity,
				"error", err)
		}
	}
	s.conn = nil
}

func (s *ConnectionSupervisor) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
