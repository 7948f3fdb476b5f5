package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultMaxChannels is the pool's channel cap when not configured.
const DefaultMaxChannels = 10

// ChannelPool multiplexes up to maxChannels live channels over one
// supervised connection, reusing idle ones. A channel is exclusively held by
// one caller between Acquire and Release.
type ChannelPool struct {
	supervisor  *ConnectionSupervisor
	maxChannels int
	confirm     bool
	logger      *slog.Logger

	mu          sync.Mutex
	idle        []*PooledChannel
	outstanding int
	closed      bool
}

// PooledChannel wraps a channel with its pool identity and, in confirm
// mode, the channel's confirmation stream.
type PooledChannel struct {
	Channel
	id       string
	confirms <-chan amqp.Confirmation
}

// ID returns the channel's pool identifier.
func (pc *PooledChannel) ID() string {
	return pc.id
}

// AwaitConfirm blocks until the broker acknowledges the most recent publish
// on this channel. A nack, a closed channel, or the timeout all fail the
// publish; the caller must treat the channel as unusable afterwards, since a
// late confirmation would otherwise be attributed to the next publish. With
// confirm mode off it returns immediately.
func (pc *PooledChannel) AwaitConfirm(ctx context.Context, timeout time.Duration) error {
	if pc.confirms == nil {
		return nil
	}

	select {
	case confirm, ok := <-pc.confirms:
		if !ok {
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return ErrPublishNacked
		}
		return nil
	case <-time.After(timeout):
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PoolOption configures the channel pool.
type PoolOption func(*ChannelPool)

// WithMaxChannels sets the maximum number of concurrently outstanding
// channels.
func WithMaxChannels(n int) PoolOption {
	return func(cp *ChannelPool) {
		cp.maxChannels = n
	}
}

// WithConfirmMode puts newly created channels into publisher-confirm mode.
func WithConfirmMode(enabled bool) PoolOption {
	return func(cp *ChannelPool) {
		cp.confirm = enabled
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a channel pool over the given supervisor.
func NewChannelPool(supervisor *ConnectionSupervisor, options ...PoolOption) *ChannelPool {
	cp := &ChannelPool{
		supervisor:  supervisor,
		maxChannels: DefaultMaxChannels,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cp)
	}

	return cp
}

// Acquire returns an idle open channel, or creates one if fewer than
// maxChannels are outstanding. Closed idle channels are evicted on the way.
// When the connection is down, creation transparently runs the supervisor's
// reconnect path. At capacity it fails with *CapacityError.
func (cp *ChannelPool) Acquire(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrPoolClosed
	}

	for len(cp.idle) > 0 {
		pc := cp.idle[len(cp.idle)-1]
		cp.idle = cp.idle[:len(cp.idle)-1]
		if pc.IsClosed() {
			cp.outstanding--
			continue
		}
		cp.mu.Unlock()
		return pc, nil
	}

	if cp.outstanding >= cp.maxChannels {
		limit := cp.maxChannels
		cp.mu.Unlock()
		return nil, &CapacityError{Resource: "channel pool", Limit: limit}
	}

	// Reserve the slot before dialing so the cap holds while the
	// bookkeeping mutex is released for the network call.
	cp.outstanding++
	cp.mu.Unlock()

	pc, err := cp.open(ctx)
	if err != nil {
		cp.mu.Lock()
		cp.outstanding--
		cp.mu.Unlock()
		return nil, err
	}
	return pc, nil
}

// Release returns a channel to the idle set. A closed channel is evicted
// silently; dead channels are expected under failure and are not a caller
// error.
func (cp *ChannelPool) Release(pc *PooledChannel) {
	if pc == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		cp.outstanding--
		if !pc.IsClosed() {
			pc.Close()
		}
		return
	}

	if pc.IsClosed() {
		cp.outstanding--
		return
	}

	cp.idle = append(cp.idle, pc)
}

// Execute runs fn with a pooled channel, releasing it on every exit path
// including panics.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) error {
	pc, err := cp.Acquire(ctx)
	if err != nil {
		return err
	}
	defer cp.Release(pc)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(pc)
	}()

	return execErr
}

// Close closes all idle channels and rejects further acquisitions. Borrowed
// channels are closed as they are released. Idempotent.
func (cp *ChannelPool) Close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return
	}
	cp.closed = true

	for _, pc := range cp.idle {
		cp.outstanding--
		if !pc.IsClosed() {
			pc.Close()
		}
	}
	cp.idle = nil
}

// Outstanding returns the number of channels currently created and not
// evicted, borrowed or idle.
func (cp *ChannelPool) Outstanding() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.outstanding
}

func (cp *ChannelPool) open(ctx context.Context) (*PooledChannel, error) {
	conn, err := cp.supervisor.Get(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			Name:      "pool",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	pc := &PooledChannel{Channel: ch, id: uuid.New().String()}
	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{
				Op:        "confirm",
				Name:      "pool",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		// One listener for the channel's lifetime. Exclusivity while
		// borrowed means at most one publish is ever awaiting on it.
		pc.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}
	cp.logger.Debug("channel opened", "channel", pc.id)
	return pc, nil
}
