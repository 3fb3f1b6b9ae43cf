package queuetest

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/octabyte/fulltext-pipeline/connection"
)

var (
	_ connection.Channel = (*Channel)(nil)
	_ amqp.Acknowledger  = (*Channel)(nil)
)

type unacked struct {
	queue   string
	message message
}

type consumer struct {
	ch         *Channel
	queue      string
	tag        string
	deliveries chan amqp.Delivery
}

// Channel is one in-memory channel. Soft errors close it, as RabbitMQ does.
type Channel struct {
	broker *Broker
	conn   *Conn

	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]unacked
	consumers []*consumer
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.failLocked(preconditionFailed(fmt.Sprintf("inequivalent arg 'type' for exchange '%s' in vhost '/'", name)))
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind, durable: durable, bindings: map[string][]string{}}
	return nil
}

func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		return ch.failLocked(notFound("exchange", name))
	}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable || !equalArgs(q.args, args) {
			return amqp.Queue{}, ch.failLocked(preconditionFailed(fmt.Sprintf("inequivalent arg 'x-dead-letter-exchange' for queue '%s' in vhost '/'", name)))
		}
		return ch.queueInfoLocked(q), nil
	}
	q := &queue{name: name, durable: durable, args: maps.Clone(args)}
	b.queues[name] = q
	return ch.queueInfoLocked(q), nil
}

func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, ch.failLocked(notFound("queue", name))
	}
	return ch.queueInfoLocked(q), nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.failLocked(notFound("exchange", exchangeName))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(notFound("queue", name))
	}
	if !slices.Contains(ex.bindings[key], name) {
		ex.bindings[key] = append(ex.bindings[key], name)
	}
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	b.dispatchLocked()
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if b.failPublish > 0 {
		b.failPublish--
		ch.closeLocked()
		return amqp.ErrClosed
	}
	if err := b.routeLocked(exchangeName, key, msg); err != nil {
		return ch.failLocked(err)
	}
	b.dispatchLocked()
	return nil
}

func (ch *Channel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return amqp.Delivery{}, false, ch.failLocked(notFound("queue", queueName))
	}
	if len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}

	m := q.ready[0]
	q.ready = q.ready[1:]
	d := ch.deliverLocked(queueName, m, "")
	d.MessageCount = uint32(len(q.ready))
	if autoAck {
		delete(ch.unacked, d.DeliveryTag)
	}
	return d, true, nil
}

func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if _, ok := b.queues[queueName]; !ok {
		return nil, ch.failLocked(notFound("queue", queueName))
	}

	c := &consumer{
		ch:         ch,
		queue:      queueName,
		tag:        consumerTag,
		deliveries: make(chan amqp.Delivery, consumerBuffer),
	}
	ch.consumers = append(ch.consumers, c)
	b.dispatchLocked()
	return c.deliveries, nil
}

func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.consumers = slices.DeleteFunc(ch.consumers, func(c *consumer) bool {
		if c.tag == consumerTag {
			close(c.deliveries)
			return true
		}
		return false
	})
	return nil
}

func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, err := ch.settleLocked(tag); err != nil {
		return err
	}
	b.dispatchLocked()
	return nil
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.Reject(tag, requeue)
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	u, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	if requeue {
		b.requeueLocked(u)
	} else {
		b.deadLetterLocked(u.queue, u.message)
	}
	b.dispatchLocked()
	return nil
}

func (ch *Channel) settleLocked(tag uint64) (unacked, error) {
	u, ok := ch.unacked[tag]
	if !ok {
		return unacked{}, ch.failLocked(preconditionFailed(fmt.Sprintf("unknown delivery tag %d", tag)))
	}
	delete(ch.unacked, tag)
	return u, nil
}

func (ch *Channel) deliverLocked(queueName string, m message, consumerTag string) amqp.Delivery {
	ch.nextTag++
	ch.unacked[ch.nextTag] = unacked{queue: queueName, message: m}

	p := m.publishing
	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     ch.nextTag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            p.Body,
	}
}

func (ch *Channel) hasCapacity() bool {
	if ch.closed {
		return false
	}
	limit := consumerBuffer
	if ch.prefetch > 0 && ch.prefetch < limit {
		limit = ch.prefetch
	}
	return len(ch.unacked) < limit
}

func (ch *Channel) queueInfoLocked(q *queue) amqp.Queue {
	return amqp.Queue{
		Name:      q.name,
		Messages:  len(q.ready),
		Consumers: len(ch.broker.consumersLocked(q.name)),
	}
}

// failLocked closes the channel with err, as the broker does on soft errors.
func (ch *Channel) failLocked(err *amqp.Error) error {
	ch.closeLocked()
	return err
}

// closeLocked ends consumers and returns unacked messages to the front of
// their queues, flagged as redelivered.
func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true

	for _, c := range ch.consumers {
		close(c.deliveries)
	}
	ch.consumers = nil

	tags := slices.Sorted(maps.Keys(ch.unacked))
	for i := len(tags) - 1; i >= 0; i-- {
		ch.broker.requeueLocked(ch.unacked[tags[i]])
	}
	ch.unacked = map[uint64]unacked{}

	ch.broker.dispatchLocked()
}

func (b *Broker) requeueLocked(u unacked) {
	q, ok := b.queues[u.queue]
	if !ok {
		return
	}
	m := u.message
	m.redelivered = true
	q.ready = append([]message{m}, q.ready...)
}

func equalArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
