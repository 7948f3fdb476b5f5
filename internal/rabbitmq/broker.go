package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of an AMQP connection the recovery engine relies
// on. The narrow interface keeps the supervisor and pools testable against an
// in-memory broker.
type Connection interface {
	// Channel opens a new channel on the connection.
	Channel() (Channel, error)

	// IsClosed reports whether the connection is closed.
	IsClosed() bool

	// Close closes the connection and all its channels.
	Close() error
}

// Channel is the subset of an AMQP channel used by this library.
// *amqp.Channel satisfies it directly.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueuePurge(name string, noWait bool) (int, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection for the given URL. The label is attached
// as the connection_name client property so the connection is identifiable in
// the broker's management UI.
type Dialer func(url, label string) (Connection, error)

// AMQPDial is the production Dialer backed by amqp091-go.
func AMQPDial(url, label string) (Connection, error) {
	props := amqp.NewConnectionProperties()
	if label != "" {
		props.SetClientConnectionName(label)
	}

	conn, err := amqp.DialConfig(url, amqp.Config{Properties: props})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

// amqpConnection adapts *amqp.Connection to the Connection interface.
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}
