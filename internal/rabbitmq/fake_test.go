package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory broker shared by every connection a fake dialer
// hands out. Queues and pending messages survive connection failures, which
// lets tests simulate outages and recovery.
type fakeBroker struct {
	mu        sync.Mutex
	queues    map[string][]amqp.Delivery
	consumers map[string][]*fakeConsumer
	conns     []*fakeConnection

	dials        int
	dialErrs     []error
	channelErrs  []error
	confirmNacks int
	confirmDrops int
	acked        int
}

type fakeConsumer struct {
	tag        string
	queue      string
	ch         *fakeChannel
	deliveries chan amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:    make(map[string][]amqp.Delivery),
		consumers: make(map[string][]*fakeConsumer),
	}
}

// failDials schedules errors for the next dial attempts.
func (b *fakeBroker) failDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

// failChannels schedules errors for the next channel-open attempts.
func (b *fakeBroker) failChannels(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErrs = append(b.channelErrs, errs...)
}

// nackPublishes makes the broker refuse the next n publishes: the message is
// not enqueued and the confirmation carries Ack false.
func (b *fakeBroker) nackPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmNacks += n
}

// dropConfirms enqueues the next n publishes but never confirms them,
// simulating a lost ack.
func (b *fakeBroker) dropConfirms(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmDrops += n
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) dialer() Dialer {
	return func(url, label string) (Connection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dials++
		if len(b.dialErrs) > 0 {
			err := b.dialErrs[0]
			b.dialErrs = b.dialErrs[1:]
			return nil, err
		}
		conn := &fakeConnection{broker: b}
		b.conns = append(b.conns, conn)
		return conn, nil
	}
}

// dropConnections force-closes every live connection, simulating a broker
// outage. Pending queue contents survive.
func (b *fakeBroker) dropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, c := range conns {
		c.forceClose()
	}
}

// publish enqueues or dispatches a message and reports the confirmation
// outcome: whether the broker acks it and whether the confirmation is
// silently dropped.
func (b *fakeBroker) publish(queue string, msg amqp.Publishing) (ack, drop bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.confirmNacks > 0 {
		b.confirmNacks--
		return false, false
	}
	if b.confirmDrops > 0 {
		b.confirmDrops--
		drop = true
	}

	d := amqp.Delivery{
		Acknowledger: &fakeAcknowledger{broker: b},
		Body:         msg.Body,
		Headers:      msg.Headers,
		MessageId:    msg.MessageId,
		AppId:        msg.AppId,
		RoutingKey:   queue,
	}
	for _, c := range b.consumers[queue] {
		select {
		case c.deliveries <- d:
			return true, drop
		default:
		}
	}
	b.queues[queue] = append(b.queues[queue], d)
	return true, drop
}

func (b *fakeBroker) attach(c *fakeConsumer) <-chan amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	c.deliveries = make(chan amqp.Delivery, 64)
	for _, d := range b.queues[c.queue] {
		c.deliveries <- d
	}
	b.queues[c.queue] = nil
	b.consumers[c.queue] = append(b.consumers[c.queue], c)
	return c.deliveries
}

func (b *fakeBroker) detach(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(tag)
}

func (b *fakeBroker) detachLocked(tag string) {
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

type fakeAcknowledger struct {
	broker *fakeBroker
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.acked++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error         { return nil }

type fakeConnection struct {
	broker *fakeBroker

	mu       sync.Mutex
	channels []*fakeChannel
	closed   bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	c.mu.Unlock()

	c.broker.mu.Lock()
	if len(c.broker.channelErrs) > 0 {
		err := c.broker.channelErrs[0]
		c.broker.channelErrs = c.broker.channelErrs[1:]
		c.broker.mu.Unlock()
		return nil, err
	}
	c.broker.mu.Unlock()

	ch := &fakeChannel{conn: c, broker: c.broker, tags: make(map[string]bool)}
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	return ch, nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.forceClose()
	return nil
}

func (c *fakeConnection) forceClose() {
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

type fakeChannel struct {
	conn   *fakeConnection
	broker *fakeBroker

	mu          sync.Mutex
	closed      bool
	confirmed   bool
	prefetch    int
	tags        map[string]bool
	listeners   []chan amqp.Confirmation
	deliveryTag uint64
}

func (ch *fakeChannel) checkOpen() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.checkOpen(); err != nil {
		return amqp.Queue{}, err
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if _, ok := ch.broker.queues[name]; !ok {
		ch.broker.queues[name] = nil
	}
	return amqp.Queue{Name: name, Messages: len(ch.broker.queues[name])}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.checkOpen(); err != nil {
		return amqp.Queue{}, err
	}
	ch.broker.mu.Lock()
	pending, ok := ch.broker.queues[name]
	ch.broker.mu.Unlock()
	if !ok {
		// A failed passive declare kills the channel, as the real broker
		// does.
		ch.forceClose()
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'", Recover: true}
	}
	return amqp.Queue{Name: name, Messages: len(pending)}, nil
}

func (ch *fakeChannel) QueuePurge(name string, noWait bool) (int, error) {
	if err := ch.checkOpen(); err != nil {
		return 0, err
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	n := len(ch.broker.queues[name])
	ch.broker.queues[name] = nil
	return n, nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	if ch.conn.IsClosed() {
		return amqp.ErrClosed
	}
	ack, drop := ch.broker.publish(key, msg)
	if !drop {
		ch.emitConfirm(ack)
	}
	return nil
}

// emitConfirm fans the publish outcome out to NotifyPublish listeners, the
// way the broker confirms in delivery-tag order.
func (ch *fakeChannel) emitConfirm(ack bool) {
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

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.listeners = append(ch.listeners, confirm)
	return confirm
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.prefetch = prefetchCount
	ch.mu.Unlock()
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.checkOpen(); err != nil {
		return nil, err
	}
	ch.mu.Lock()
	ch.tags[consumer] = true
	ch.mu.Unlock()
	return ch.broker.attach(&fakeConsumer{tag: consumer, queue: queue, ch: ch}), nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	ch.mu.Lock()
	delete(ch.tags, consumer)
	ch.mu.Unlock()
	ch.broker.detach(consumer)
	return nil
}

func (ch *fakeChannel) Confirm(noWait bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.confirmed = true
	ch.mu.Unlock()
	return nil
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.forceClose()
	return nil
}

func (ch *fakeChannel) forceClose() {
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
