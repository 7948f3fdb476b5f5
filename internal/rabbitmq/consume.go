package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/brokerkit/rabbitstore/internal/reliability"
)

// Handler processes one delivery. The handler owns acknowledgement: it must
// Ack or Nack the delivery itself. A returned error tears the transport down
// and retries with backoff; returning ErrStopConsuming stops the loop
// cleanly instead.
type Handler func(ctx context.Context, delivery amqp.Delivery) error

// ConsumeLoop delivers messages from one queue to one handler indefinitely,
// surviving channel and connection failures until Stop is called. It holds a
// dedicated channel for its lifetime rather than borrowing from a pool.
type ConsumeLoop struct {
	supervisor *ConnectionSupervisor
	queue      string
	handler    Handler
	prefetch   int
	policy     reliability.Policy
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
}

// ConsumeOption configures the consume loop.
type ConsumeOption func(*ConsumeLoop)

// WithPrefetch sets the per-consumer prefetch count.
func WithPrefetch(n int) ConsumeOption {
	return func(l *ConsumeLoop) {
		if n > 0 {
			l.prefetch = n
		}
	}
}

// WithReconnectBackoff sets the backoff policy used between recovery
// attempts.
func WithReconnectBackoff(policy reliability.Policy) ConsumeOption {
	return func(l *ConsumeLoop) {
		l.policy = policy
	}
}

// WithConsumeLogger sets the logger.
func WithConsumeLogger(logger *slog.Logger) ConsumeOption {
	return func(l *ConsumeLoop) {
		l.logger = logger
	}
}

// NewConsumeLoop creates a consume loop for one queue and handler.
func NewConsumeLoop(supervisor *ConnectionSupervisor, queue string, handler Handler, options ...ConsumeOption) *ConsumeLoop {
	l := &ConsumeLoop{
		supervisor: supervisor,
		queue:      queue,
		handler:    handler,
		prefetch:   1,
		policy:     reliability.DefaultConnectBackoff(),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

// Running reports whether the loop is currently executing.
func (l *ConsumeLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stop requests the loop to exit at its next safe point. Cooperative: an
// in-flight handler invocation is not interrupted.
func (l *ConsumeLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	if l.stopCh != nil {
		close(l.stopCh)
	}
}

// Run blocks delivering messages until Stop is called or ctx is cancelled.
// Transport failures never surface to the caller; the loop logs, backs off,
// and rebuilds. A loop is single-use: once Stop has been called, even before
// Run, Run returns immediately and the loop never consumes.
func (l *ConsumeLoop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.stopCh = make(chan struct{})
	stopCh := l.stopCh
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	// Stop must also unblock waits inside the supervisor's reconnect path.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	attempt := 0
	for {
		if l.stopRequested() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		delivered, err := l.consumeOnce(runCtx, stopCh)
		if delivered {
			attempt = 0
		}

		switch {
		case l.stopRequested():
			return nil
		case errors.Is(err, ErrStopConsuming):
			l.logger.Info("consume handler requested stop", "queue", l.queue)
			return nil
		case errors.Is(err, ErrShutdown):
			return nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		}

		attempt++
		delay := l.policy.Delay(attempt)

		if IsChannelScoped(err) {
			l.logger.Error("consume channel error",
				"queue", l.queue,
				"delay", delay,
				"error", err)
		} else {
			l.logger.Error("consume connection error, reconnecting",
				"queue", l.queue,
				"delay", delay,
				"error", err)
			l.supervisor.Invalidate()
		}

		select {
		case <-time.After(delay):
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consumeOnce acquires a dedicated channel, registers the consumer, and
// blocks dispatching deliveries in order until something fails or stop is
// requested. It reports whether at least one delivery was dispatched.
func (l *ConsumeLoop) consumeOnce(ctx context.Context, stopCh <-chan struct{}) (bool, error) {
	conn, err := l.supervisor.Get(ctx)
	if err != nil {
		return false, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return false, err
	}
	tag := "consume-" + uuid.New().String()
	defer l.releaseChannel(ch, tag)

	if err := ch.Qos(l.prefetch, 0, false); err != nil {
		return false, err
	}

	deliveries, err := ch.Consume(l.queue, tag, false, false, false, false, nil)
	if err != nil {
		return false, err
	}

	l.logger.Info("consuming", "queue", l.queue, "consumerTag", tag, "prefetch", l.prefetch)

	delivered := false
	for {
		select {
		case <-stopCh:
			return delivered, nil
		case <-ctx.Done():
			return delivered, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return delivered, ErrChannelClosed
			}
			delivered = true
			if err := l.invoke(ctx, d); err != nil {
				if errors.Is(err, ErrStopConsuming) {
					return delivered, err
				}
				// The handler left the message unacknowledged; closing the
				// channel hands it back to the broker for redelivery.
				return delivered, &CallbackError{
					Queue:     l.queue,
					Err:       err,
					Timestamp: time.Now(),
				}
			}
		}
	}
}

// invoke runs the handler with panic recovery.
func (l *ConsumeLoop) invoke(ctx context.Context, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in consume handler: %v", r)
		}
	}()
	return l.handler(ctx, d)
}

// releaseChannel sends the stop-consuming signal and closes the dedicated
// channel, swallowing errors on an already-dead channel.
func (l *ConsumeLoop) releaseChannel(ch Channel, tag string) {
	if ch.IsClosed() {
		return
	}
	if err := ch.Cancel(tag, false); err != nil {
		l.logger.Warn("consumer cancel failed", "queue", l.queue, "error", err)
	}
	if err := ch.Close(); err != nil {
		l.logger.Warn("consume channel close failed", "queue", l.queue, "error", err)
	}
}

func (l *ConsumeLoop) stopRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}
