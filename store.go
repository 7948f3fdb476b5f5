// Package rabbitstore is a resilience layer over RabbitMQ connections and
// channels. A Store lazily opens a single supervised connection, recovers it
// with bounded exponential backoff when the broker goes away, multiplexes
// channels through a pool, and keeps consume loops running across broker
// restarts. A Factory shares supervised connections between stores that
// target the same endpoint.
package rabbitstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/brokerkit/rabbitstore/internal/rabbitmq"
	"github.com/brokerkit/rabbitstore/internal/reliability"
)

// Re-exported so callers never import internal packages directly.
type (
	// Connection is a live broker connection handle.
	Connection = rabbitmq.Connection
	// Channel is a session within a connection.
	Channel = rabbitmq.Channel
	// Dialer opens broker connections; replaceable for tests.
	Dialer = rabbitmq.Dialer
	// Handler processes one delivery and owns its acknowledgement.
	Handler = rabbitmq.Handler
	// ConnectionManager supervises one shared connection.
	ConnectionManager = rabbitmq.ConnectionSupervisor

	// ConnectionError is a transport-level connection failure.
	ConnectionError = rabbitmq.ConnectionError
	// ChannelError is a failure scoped to one channel.
	ChannelError = rabbitmq.ChannelError
	// CapacityError reports a pool or registry at its configured maximum.
	CapacityError = rabbitmq.CapacityError

	// BackoffPolicy decides the delay between retry attempts.
	BackoffPolicy = reliability.Policy
	// ExponentialBackoff doubles the delay up to a ceiling.
	ExponentialBackoff = reliability.ExponentialBackoff
	// LinearBackoff grows the delay by a fixed interval per attempt.
	LinearBackoff = reliability.LinearBackoff
	// FixedDelay waits the same interval between attempts.
	FixedDelay = reliability.FixedDelay
)

// Backoff policy constructors, re-exported for option arguments.
var (
	NewExponentialBackoff = reliability.NewExponentialBackoff
	NewLinearBackoff      = reliability.NewLinearBackoff
	NewFixedDelay         = reliability.NewFixedDelay
)

var (
	// ErrShutdown is returned by operations attempted after Shutdown.
	ErrShutdown = rabbitmq.ErrShutdown
	// ErrStopConsuming stops a consume loop cleanly when returned by a
	// handler.
	ErrStopConsuming = rabbitmq.ErrStopConsuming
	// ErrAlreadyRunning is returned by StartConsuming while a previous loop
	// is still running.
	ErrAlreadyRunning = rabbitmq.ErrAlreadyRunning
	// ErrMaxAttemptsReached marks a connection given up on after a bounded
	// number of attempts.
	ErrMaxAttemptsReached = rabbitmq.ErrMaxAttemptsReached
	// ErrPublishNacked reports a publish the broker refused to take
	// responsibility for.
	ErrPublishNacked = rabbitmq.ErrPublishNacked
	// ErrConfirmTimeout reports a publish whose confirmation never arrived.
	ErrConfirmTimeout = rabbitmq.ErrConfirmTimeout
)

// DefaultSendAttempts bounds Send retries: a producer call must return
// control in finite time, unlike the consume loop.
const DefaultSendAttempts = 6

// DefaultConfirmTimeout bounds the wait for a publisher confirmation.
const DefaultConfirmTimeout = 5 * time.Second

// Store is the application surface of the library: queue operations,
// publishing with bounded retries, a broker-outage-surviving consume loop,
// and named channels, all over one lazily managed connection.
type Store struct {
	endpoint       Endpoint
	label          string
	logger         *slog.Logger
	confirm        bool
	confirmTimeout time.Duration
	sendAttempts   int

	supervisor     *rabbitmq.ConnectionSupervisor
	ownsSupervisor bool
	pool           *rabbitmq.ChannelPool
	registry       *rabbitmq.NamedChannelRegistry

	mu       sync.Mutex
	loop     *rabbitmq.ConsumeLoop
	shutdown bool
}

type storeConfig struct {
	endpoint           Endpoint
	label              string
	logger             *slog.Logger
	confirm            bool
	confirmTimeout     time.Duration
	sendAttempts       int
	maxChannels        int
	maxConnectAttempts int
	backoff            reliability.Policy
	dial               Dialer
	supervisor         *rabbitmq.ConnectionSupervisor
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

// WithEndpoint sets the broker endpoint. Unset fields fall back to the
// RABBITMQ_* environment variables.
func WithEndpoint(e Endpoint) StoreOption {
	return func(c *storeConfig) {
		c.endpoint = e
	}
}

// WithClientLabel names the connection in the broker's management UI.
func WithClientLabel(label string) StoreOption {
	return func(c *storeConfig) {
		c.label = label
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// WithConfirmDelivery toggles publisher-confirm mode on channels used for
// publishing. When enabled (the default), Send blocks until the broker
// acknowledges the publish, and an unconfirmed publish counts as a failed
// attempt.
func WithConfirmDelivery(enabled bool) StoreOption {
	return func(c *storeConfig) {
		c.confirm = enabled
	}
}

// WithConfirmTimeout bounds how long Send waits for a publisher
// confirmation before treating the attempt as failed.
func WithConfirmTimeout(d time.Duration) StoreOption {
	return func(c *storeConfig) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

// WithSendAttempts bounds Send retries.
func WithSendAttempts(n int) StoreOption {
	return func(c *storeConfig) {
		if n > 0 {
			c.sendAttempts = n
		}
	}
}

// WithMaxChannels caps the channel pool.
func WithMaxChannels(n int) StoreOption {
	return func(c *storeConfig) {
		c.maxChannels = n
	}
}

// WithMaxConnectAttempts bounds connection creation for fail-fast callers.
// The default retries without bound.
func WithMaxConnectAttempts(n int) StoreOption {
	return func(c *storeConfig) {
		c.maxConnectAttempts = n
	}
}

// WithConnectBackoff sets the reconnection backoff policy.
func WithConnectBackoff(policy BackoffPolicy) StoreOption {
	return func(c *storeConfig) {
		c.backoff = policy
	}
}

// WithDialer replaces the production dialer.
func WithDialer(dial Dialer) StoreOption {
	return func(c *storeConfig) {
		c.dial = dial
	}
}

// WithConnectionManager attaches the store to a shared, externally owned
// connection manager (typically from a Factory). The store will not shut the
// shared manager down.
func WithConnectionManager(manager *ConnectionManager) StoreOption {
	return func(c *storeConfig) {
		c.supervisor = manager
	}
}

// New creates a Store. No connection is made until the first operation
// needs one.
func New(options ...StoreOption) *Store {
	cfg := &storeConfig{
		logger:         slog.Default(),
		confirm:        true,
		confirmTimeout: DefaultConfirmTimeout,
		sendAttempts:   DefaultSendAttempts,
		maxChannels:    rabbitmq.DefaultMaxChannels,
	}

	for _, opt := range options {
		opt(cfg)
	}
	cfg.endpoint = cfg.endpoint.withDefaults()

	supervisor := cfg.supervisor
	owns := false
	if supervisor == nil {
		supOpts := []rabbitmq.SupervisorOption{
			rabbitmq.WithConnectionLabel(cfg.label),
			rabbitmq.WithSupervisorLogger(cfg.logger),
		}
		if cfg.dial != nil {
			supOpts = append(supOpts, rabbitmq.WithDialer(cfg.dial))
		}
		if cfg.backoff != nil {
			supOpts = append(supOpts, rabbitmq.WithBackoff(cfg.backoff))
		}
		if cfg.maxConnectAttempts > 0 {
			supOpts = append(supOpts, rabbitmq.WithMaxAttempts(cfg.maxConnectAttempts))
		}
		supervisor = rabbitmq.NewConnectionSupervisor(cfg.endpoint.URL(), cfg.endpoint.Key(), supOpts...)
		owns = true
	}

	return &Store{
		endpoint:       cfg.endpoint,
		label:          cfg.label,
		logger:         cfg.logger,
		confirm:        cfg.confirm,
		confirmTimeout: cfg.confirmTimeout,
		sendAttempts:   cfg.sendAttempts,

		supervisor:     supervisor,
		ownsSupervisor: owns,
		pool: rabbitmq.NewChannelPool(supervisor,
			rabbitmq.WithMaxChannels(cfg.maxChannels),
			rabbitmq.WithConfirmMode(cfg.confirm),
			rabbitmq.WithPoolLogger(cfg.logger)),
		registry: rabbitmq.NewNamedChannelRegistry(supervisor,
			rabbitmq.WithRegistryLogger(cfg.logger)),
	}
}

// Endpoint returns the store's broker endpoint.
func (s *Store) Endpoint() Endpoint {
	return s.endpoint
}

// ConnectionManager exposes the store's supervisor, mainly so several stores
// can share it via WithConnectionManager.
func (s *Store) ConnectionManager() *ConnectionManager {
	return s.supervisor
}

// DeclareQueue declares a queue and returns its info. It first declares
// passively to avoid re-declaring an existing queue with different
// properties; only when the broker reports the queue missing does it fall
// back to an active declare. The failed passive declare kills its channel,
// so the fallback runs on a fresh one.
func (s *Store) DeclareQueue(ctx context.Context, name string, durable bool, args amqp.Table) (amqp.Queue, error) {
	if err := s.guard(); err != nil {
		return amqp.Queue{}, err
	}

	var q amqp.Queue
	err := s.pool.Execute(ctx, func(ch Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, durable, false, false, false, args)
		return err
	})
	if err == nil {
		return q, nil
	}
	if !rabbitmq.IsNotFound(err) {
		return amqp.Queue{}, err
	}

	err = s.pool.Execute(ctx, func(ch Channel) error {
		var err error
		q, err = ch.QueueDeclare(name, durable, false, false, false, args)
		return err
	})
	return q, err
}

// Send publishes body to the queue via the default exchange.
func (s *Store) Send(ctx context.Context, queue string, body []byte) ([]byte, error) {
	return s.SendWithProperties(ctx, queue, body, amqp.Publishing{})
}

// SendWithProperties publishes with caller-supplied message properties. On
// failure the connection is invalidated and the publish retried on a fresh
// channel, up to the configured attempt bound; the body is returned on
// success. The active trace context is injected into the message headers.
func (s *Store) SendWithProperties(ctx context.Context, queue string, body []byte, props amqp.Publishing) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	msg := props
	msg.Body = body
	msg.Headers = injectTraceContext(ctx, msg.Headers)
	if msg.MessageId == "" {
		msg.MessageId = uuid.New().String()
	}
	if msg.AppId == "" {
		msg.AppId = s.label
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var lastErr error
	for attempt := 1; attempt <= s.sendAttempts; attempt++ {
		err := s.publishOnce(ctx, queue, msg)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err

		s.logger.Warn("send failed",
			"queue", queue,
			"attempt", attempt,
			"error", err)
		s.supervisor.Invalidate()

		if attempt == s.sendAttempts {
			break
		}
		delay := min(time.Duration(attempt)*500*time.Millisecond, 2*time.Second)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("send to %s failed after %d attempts: %w", queue, s.sendAttempts, lastErr)
}

// publishOnce runs a single publish attempt on a pooled channel. In confirm
// mode it blocks until the broker acknowledges the publish; a channel whose
// publish was not confirmed is closed rather than returned to the pool, so a
// late confirmation cannot be attributed to a later publish.
func (s *Store) publishOnce(ctx context.Context, queue string, msg amqp.Publishing) error {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(pc)

	if err := pc.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return err
	}
	if err := pc.AwaitConfirm(ctx, s.confirmTimeout); err != nil {
		pc.Close()
		return err
	}
	return nil
}

// MessageCount returns the number of messages waiting in the queue. The
// queue must exist.
func (s *Store) MessageCount(ctx context.Context, queue string) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	var count int
	err := s.pool.Execute(ctx, func(ch Channel) error {
		q, err := ch.QueueDeclarePassive(queue, false, false, false, false, nil)
		if err != nil {
			return err
		}
		count = q.Messages
		return nil
	})
	return count, err
}

// Purge removes all messages from the queue.
func (s *Store) Purge(ctx context.Context, queue string) error {
	if err := s.guard(); err != nil {
		return err
	}

	return s.pool.Execute(ctx, func(ch Channel) error {
		_, err := ch.QueuePurge(queue, false)
		return err
	})
}

// StartConsuming blocks delivering messages from queue to handler until
// Stop is called from another goroutine or ctx is cancelled. Transport
// failures never surface here; the loop reconnects with backoff forever.
func (s *Store) StartConsuming(ctx context.Context, queue string, handler Handler, prefetch int) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.loop != nil && s.loop.Running() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	loop := rabbitmq.NewConsumeLoop(s.supervisor, queue, handler,
		rabbitmq.WithPrefetch(prefetch),
		rabbitmq.WithConsumeLogger(s.logger))
	s.loop = loop
	s.mu.Unlock()

	return loop.Run(ctx)
}

// Stop requests the running consume loop to exit at its next safe point.
func (s *Store) Stop() {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

// CreateChannel returns the named channel, creating it if absent or found
// closed. confirm enables publisher confirms on a newly created channel.
func (s *Store) CreateChannel(ctx context.Context, name string, confirm bool) (Channel, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.registry.Create(ctx, name, confirm)
}

// GetChannel returns the named channel if it exists.
func (s *Store) GetChannel(name string) (Channel, bool) {
	return s.registry.Get(name)
}

// CloseChannel closes and removes the named channel, reporting whether it
// existed.
func (s *Store) CloseChannel(name string) bool {
	return s.registry.Close(name)
}

// ListChannels returns the names of all registered channels.
func (s *Store) ListChannels() []string {
	return s.registry.List()
}

// Shutdown releases every owned connection and channel. Idempotent and safe
// to call concurrently with a blocked StartConsuming, which it unblocks.
// Forgetting to call Shutdown leaks the connection; wire it into the host
// application's lifecycle.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	loop := s.loop
	s.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	s.registry.CloseAll()
	s.pool.Close()
	if s.ownsSupervisor {
		s.supervisor.Shutdown()
	}

	s.logger.Info("store shut down", "endpoint", s.endpoint.Key())
	return nil
}

func (s *Store) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	return nil
}
