package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrMaxAttemptsReached = errors.New("rabbitmq: maximum connection attempts reached")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")
	ErrPoolClosed    = errors.New("rabbitmq: channel pool is closed")

	// Publisher-confirm errors
	ErrPublishNacked  = errors.New("rabbitmq: publish nacked by broker")
	ErrConfirmTimeout = errors.New("rabbitmq: timed out waiting for publish confirmation")

	// Lifecycle errors
	ErrShutdown       = errors.New("rabbitmq: shut down")
	ErrAlreadyRunning = errors.New("rabbitmq: consume loop already running")

	// ErrStopConsuming may be returned by a consume handler to stop the
	// loop cleanly instead of being treated as a transport failure.
	ErrStopConsuming = errors.New("rabbitmq: stop consuming")
)

// ConnectionError represents a transport-level connection failure.
type ConnectionError struct {
	Op        string    // Operation that failed
	Endpoint  string    // Endpoint identity (credentials stripped)
	Attempts  int       // Number of attempts made
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s to %s failed after %d attempts: %v", e.Op, e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a failure scoped to one channel.
type ChannelError struct {
	Op        string    // Operation that failed
	Name      string    // Channel name or pool identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.Name, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// CapacityError is returned when a pool or registry is at its configured
// maximum. It is reported immediately, never silently queued.
type CapacityError struct {
	Resource string // What ran out (channel pool, connection pool)
	Limit    int    // The configured maximum
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("rabbitmq capacity error: %s limit of %d reached", e.Resource, e.Limit)
}

// CallbackError wraps an error or panic raised by an application-supplied
// consume handler. It never crashes the consume loop.
type CallbackError struct {
	Queue     string
	Err       error
	Timestamp time.Time
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("rabbitmq callback error on queue %s: %v", e.Queue, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is the broker's 404 reply, raised by a
// passive declare when the queue does not exist.
func IsNotFound(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.NotFound
	}
	return false
}

// IsChannelScoped reports whether err indicates a failure confined to one
// channel, leaving the owning connection usable. The broker marks such
// errors as recoverable soft exceptions.
func IsChannelScoped(err error) bool {
	if errors.Is(err, ErrChannelClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover
	}
	var chanErr *ChannelError
	return errors.As(err, &chanErr)
}
