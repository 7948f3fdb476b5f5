package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brokerkit/rabbitstore/internal/reliability"
)

// channelCreateAttempts bounds channel creation in the registry. Channel
// creation failure usually means the connection is dead and must be rebuilt
// by the supervisor before the next try.
const channelCreateAttempts = 3

// NamedChannelRegistry maps caller-chosen names to dedicated long-lived
// channels on one supervised connection. Named channels isolate channel-level
// state between logically distinct producers and consumers sharing a
// connection.
type NamedChannelRegistry struct {
	supervisor *ConnectionSupervisor
	policy     reliability.Policy
	logger     *slog.Logger

	mu       sync.Mutex
	channels map[string]Channel
	closed   bool
}

// RegistryOption configures the registry.
type RegistryOption func(*NamedChannelRegistry)

// WithCreateBackoff sets the channel-creation retry policy.
func WithCreateBackoff(policy reliability.Policy) RegistryOption {
	return func(r *NamedChannelRegistry) {
		r.policy = policy
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *NamedChannelRegistry) {
		r.logger = logger
	}
}

// NewNamedChannelRegistry creates a registry over the given supervisor.
func NewNamedChannelRegistry(supervisor *ConnectionSupervisor, options ...RegistryOption) *NamedChannelRegistry {
	r := &NamedChannelRegistry{
		supervisor: supervisor,
		policy:     reliability.NewLinearBackoff(500*time.Millisecond, 2*time.Second, channelCreateAttempts),
		channels:   make(map[string]Channel),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Create returns the existing channel for name if it is still open,
// otherwise creates a new one under that name. confirm puts a newly created
// channel into publisher-confirm mode.
func (r *NamedChannelRegistry) Create(ctx context.Context, name string, confirm bool) (Channel, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	if ch, ok := r.channels[name]; ok && !ch.IsClosed() {
		r.mu.Unlock()
		return ch, nil
	}
	r.mu.Unlock()

	ch, err := r.open(ctx, name, confirm)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		ch.Close()
		return nil, ErrShutdown
	}
	if old, ok := r.channels[name]; ok && !old.IsClosed() {
		// Another caller won the race; keep theirs.
		ch.Close()
		return old, nil
	}
	r.channels[name] = ch
	r.logger.Info("named channel created", "name", name)
	return ch, nil
}

// Get returns the channel registered under name, if any.
func (r *NamedChannelRegistry) Get(name string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Close closes and removes the channel registered under name, reporting
// whether it existed.
func (r *NamedChannelRegistry) Close(name string) bool {
	r.mu.Lock()
	ch, ok := r.channels[name]
	if ok {
		delete(r.channels, name)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			r.logger.Warn("named channel close failed", "name", name, "error", err)
		}
	}
	return true
}

// List returns the registered channel names, sorted.
func (r *NamedChannelRegistry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every registered channel and rejects further creation.
// Idempotent.
func (r *NamedChannelRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for name, ch := range r.channels {
		if !ch.IsClosed() {
			if err := ch.Close(); err != nil {
				r.logger.Warn("named channel close failed", "name", name, "error", err)
			}
		}
	}
	r.channels = make(map[string]Channel)
}

// open creates a channel with bounded retries. Between attempts the
// connection is invalidated so the supervisor rebuilds it. Supervisor
// failures are terminal here: the supervisor runs its own retry schedule.
func (r *NamedChannelRegistry) open(ctx context.Context, name string, confirm bool) (Channel, error) {
	var ch Channel
	attempt := 0
	terminal := false

	err := reliability.Retry(ctx, r.policy, func() error {
		conn, err := r.supervisor.Get(ctx)
		if err != nil {
			terminal = true
			return reliability.Permanent(err)
		}

		c, err := conn.Channel()
		if err == nil && confirm {
			if cerr := c.Confirm(false); cerr != nil {
				c.Close()
				err = cerr
			}
		}
		if err != nil {
			attempt++
			r.logger.Warn("named channel creation failed",
				"name", name,
				"attempt", attempt,
				"error", err)
			r.supervisor.Invalidate()
			return err
		}

		ch = c
		return nil
	})
	if err != nil {
		if terminal || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ChannelError{
			Op:        "create",
			Name:      name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}
