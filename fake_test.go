package rabbitstore

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// memBroker is an in-memory broker for store and factory tests. Queue
// contents survive dropped connections so outages can be simulated.
type memBroker struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	consumers map[string][]*memConsumer
	conns     []*memConnection

	dials        int
	dialErrs     []error
	publishErrs  []error
	confirmNacks int
	confirmDrops int
	acked        int
}

type memQueue struct {
	declared bool
	pending  []amqp.Delivery
}

type memConsumer struct {
	tag        string
	queue      string
	deliveries chan amqp.Delivery
}

func newMemBroker() *memBroker {
	return &memBroker{
		queues:    make(map[string]*memQueue),
		consumers: make(map[string][]*memConsumer),
	}
}

func (b *memBroker) dialer() Dialer {
	return func(url, label string) (Connection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dials++
		if len(b.dialErrs) > 0 {
			err := b.dialErrs[0]
			b.dialErrs = b.dialErrs[1:]
			return nil, err
		}
		conn := &memConnection{broker: b, label: label}
		b.conns = append(b.conns, conn)
		return conn, nil
	}
}

func (b *memBroker) failDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

// failPublishes schedules errors for the next publish attempts.
func (b *memBroker) failPublishes(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErrs = append(b.publishErrs, errs...)
}

// nackPublishes makes the broker refuse the next n publishes: the message is
// not enqueued and the confirmation carries Ack false.
func (b *memBroker) nackPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmNacks += n
}

// dropConfirms enqueues the next n publishes but never confirms them,
// simulating a lost ack.
func (b *memBroker) dropConfirms(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmDrops += n
}

func (b *memBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *memBroker) ackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

func (b *memBroker) dropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, c := range conns {
		c.forceClose()
	}
}

func (b *memBroker) queue(name string) *memQueue {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &memQueue{}
	b.queues[name] = q
	return q
}

// publish enqueues or dispatches a message and reports the confirmation
// outcome alongside any scripted publish error.
func (b *memBroker) publish(queue string, msg amqp.Publishing) (ack, drop bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.publishErrs) > 0 {
		err := b.publishErrs[0]
		b.publishErrs = b.publishErrs[1:]
		return false, false, err
	}
	if b.confirmNacks > 0 {
		b.confirmNacks--
		return false, false, nil
	}
	if b.confirmDrops > 0 {
		b.confirmDrops--
		drop = true
	}

	d := amqp.Delivery{
		Acknowledger: &memAcknowledger{broker: b},
		Body:         msg.Body,
		Headers:      msg.Headers,
		MessageId:    msg.MessageId,
		AppId:        msg.AppId,
		RoutingKey:   queue,
	}
	for _, c := range b.consumers[queue] {
		select {
		case c.deliveries <- d:
			return true, drop, nil
		default:
		}
	}
	q := b.queue(queue)
	q.pending = append(q.pending, d)
	return true, drop, nil
}

func (b *memBroker) attach(c *memConsumer) <-chan amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	c.deliveries = make(chan amqp.Delivery, 64)
	q := b.queue(c.queue)
	for _, d := range q.pending {
		c.deliveries <- d
	}
	q.pending = nil
	b.consumers[c.queue] = append(b.consumers[c.queue], c)
	return c.deliveries
}

func (b *memBroker) detach(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for queue, consumers := range b.consumers {
		for i, c := range consumers {
			if c.tag == tag {
				b.consumers[queue] = append(consumers[:i], consumers[i+1:]...)
				close(c.deliveries)
				return
			}
		}
	}
}

type memAcknowledger struct {
	broker *memBroker
}

func (a *memAcknowledger) Ack(tag uint64, multiple bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.acked++
	return nil
}

func (a *memAcknowledger) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (a *memAcknowledger) Reject(tag uint64, requeue bool) error         { return nil }

type memConnection struct {
	broker *memBroker
	label  string

	mu       sync.Mutex
	channels []*memChannel
	closed   bool
}

func (c *memConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &memChannel{conn: c, broker: c.broker, tags: make(map[string]bool)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *memConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memConnection) Close() error {
	c.forceClose()
	return nil
}

func (c *memConnection) forceClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.forceClose()
	}
}

type memChannel struct {
	conn   *memConnection
	broker *memBroker

	mu          sync.Mutex
	closed      bool
	confirmed   bool
	prefetch    int
	tags        map[string]bool
	listeners   []chan amqp.Confirmation
	deliveryTag uint64
}

func (ch *memChannel) checkOpen() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (ch *memChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.checkOpen(); err != nil {
		return amqp.Queue{}, err
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	q := ch.broker.queue(name)
	q.declared = true
	return amqp.Queue{Name: name, Messages: len(q.pending)}, nil
}

func (ch *memChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.checkOpen(); err != nil {
		return amqp.Queue{}, err
	}
	ch.broker.mu.Lock()
	q, ok := ch.broker.queues[name]
	ch.broker.mu.Unlock()
	if !ok || !q.declared {
		// The real broker kills the channel on a failed passive declare.
		ch.forceClose()
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'", Recover: true}
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return amqp.Queue{Name: name, Messages: len(q.pending)}, nil
}

func (ch *memChannel) QueuePurge(name string, noWait bool) (int, error) {
	if err := ch.checkOpen(); err != nil {
		return 0, err
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	q := ch.broker.queue(name)
	n := len(q.pending)
	q.pending = nil
	return n, nil
}

func (ch *memChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	if ch.conn.IsClosed() {
		return amqp.ErrClosed
	}
	ack, drop, err := ch.broker.publish(key, msg)
	if err != nil {
		return err
	}
	if !drop {
		ch.emitConfirm(ack)
	}
	return nil
}

// emitConfirm fans the publish outcome out to NotifyPublish listeners, the
// way the broker confirms in delivery-tag order.
func (ch *memChannel) emitConfirm(ack bool) {
	ch.mu.Lock()
	if !ch.confirmed || ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.deliveryTag++
	confirmation := amqp.Confirmation{DeliveryTag: ch.deliveryTag, Ack: ack}
	listeners := append([]chan amqp.Confirmation(nil), ch.listeners...)
	ch.mu.Unlock()

	for _, l := range listeners {
		select {
		case l <- confirmation:
		default:
		}
	}
}

func (ch *memChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.listeners = append(ch.listeners, confirm)
	return confirm
}

func (ch *memChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.prefetch = prefetchCount
	ch.mu.Unlock()
	return nil
}

func (ch *memChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.checkOpen(); err != nil {
		return nil, err
	}
	ch.mu.Lock()
	ch.tags[consumer] = true
	ch.mu.Unlock()
	return ch.broker.attach(&memConsumer{tag: consumer, queue: queue}), nil
}

func (ch *memChannel) Cancel(consumer string, noWait bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	ch.mu.Lock()
	delete(ch.tags, consumer)
	ch.mu.Unlock()
	ch.broker.detach(consumer)
	return nil
}

func (ch *memChannel) Confirm(noWait bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.confirmed = true
	ch.mu.Unlock()
	return nil
}

func (ch *memChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *memChannel) Close() error {
	ch.forceClose()
	return nil
}

func (ch *memChannel) forceClose() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	tags := make([]string, 0, len(ch.tags))
	for tag := range ch.tags {
		tags = append(tags, tag)
	}
	ch.tags = make(map[string]bool)
	listeners := ch.listeners
	ch.listeners = nil
	ch.mu.Unlock()

	for _, l := range listeners {
		close(l)
	}
	for _, tag := range tags {
		ch.broker.detach(tag)
	}
}
