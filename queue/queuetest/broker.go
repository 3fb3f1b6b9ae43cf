// Package queuetest provides an in-memory AMQP broker for tests. It models
// the parts of RabbitMQ the queue package relies on: durable direct
// exchanges, queue arguments, dead-lettering on reject, prefetch, push
// consumers and channel closure on soft errors.
package queuetest

import (
	"fmt"
	"maps"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/octabyte/fulltext-pipeline/connection"
)

const consumerBuffer = 1024

type exchange struct {
	kind     string
	durable  bool
	bindings map[string][]string // routing key -> queues
}

type message struct {
	publishing  amqp.Publishing
	exchange    string
	routingKey  string
	redelivered bool
}

type queue struct {
	name     string
	durable  bool
	args     amqp.Table
	ready    []message
	nextCons int
}

// Broker is an in-memory broker shared by every connection dialed from it.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     []*Conn

	dialErr     error
	dials       []string
	failPublish int
}

func New() *Broker {
	return &Broker{
		exchanges: map[string]*exchange{},
		queues:    map[string]*queue{},
	}
}

// Dial satisfies connection.Dialer.
func (b *Broker) Dial(uri string) (connection.Broker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials = append(b.dials, uri)
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// FailDial makes every following dial return err until it is called with nil.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns the URIs of every dial attempt.
func (b *Broker) Dials() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dials...)
}

// FailPublish makes the next n publishes close their channel and fail.
func (b *Broker) FailPublish(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish = n
}

// CloseConnections drops every open connection, as a broker restart would.
func (b *Broker) CloseConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.closeLocked()
	}
}

// CloseChannels closes every open channel and leaves connections open.
func (b *Broker) CloseChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		for _, ch := range c.channels {
			ch.closeLocked()
		}
	}
}

// DeclareQueue creates a queue directly, bypassing any channel.
func (b *Broker) DeclareQueue(name string, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = &queue{name: name, durable: true, args: args}
}

// Enqueue appends a raw body to a queue, bypassing exchanges.
func (b *Broker) Enqueue(name string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("queue %q not found", name)
	}
	q.ready = append(q.ready, message{
		publishing: amqp.Publishing{ContentType: "application/json", Body: body},
		routingKey: name,
	})
	b.dispatchLocked()
	return nil
}

// HasQueue reports whether name has been declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// HasExchange reports whether name has been declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return maps.Clone(q.args)
	}
	return nil
}

// Depth returns the number of ready messages in a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Ready returns copies of the ready messages in a queue, head first.
func (b *Broker) Ready(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.publishing)
	}
	return out
}

// Bodies returns the bodies of the ready messages in a queue, head first.
func (b *Broker) Bodies(name string) []string {
	var out []string
	for _, p := range b.Ready(name) {
		out = append(out, string(p.Body))
	}
	return out
}

// Unacked returns the number of delivered, unsettled messages across every
// open channel.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			n += len(ch.unacked)
		}
	}
	return n
}

// routeLocked delivers a publishing to every queue bound to exchangeName
// under key. The default exchange routes by queue name.
func (b *Broker) routeLocked(exchangeName, key string, p amqp.Publishing) *amqp.Error {
	m := message{publishing: p, exchange: exchangeName, routingKey: key}

	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			q.ready = append(q.ready, m)
		}
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return notFound("exchange", exchangeName)
	}
	for _, name := range ex.bindings[key] {
		if q, ok := b.queues[name]; ok {
			q.ready = append(q.ready, m)
		}
	}
	return nil
}

// deadLetterLocked routes a rejected message according to its queue's
// x-dead-letter-* arguments. Without them the message is dropped.
func (b *Broker) deadLetterLocked(queueName string, m message) {
	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := m.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = k
	}

	p := m.publishing
	headers := amqp.Table{}
	maps.Copy(headers, p.Headers)
	headers["x-first-death-queue"] = queueName
	headers["x-first-death-reason"] = "rejected"
	headers["x-first-death-exchange"] = m.exchange
	p.Headers = headers

	_ = b.routeLocked(dlx, key, p)
}

// dispatchLocked pushes ready messages to consumers with spare prefetch.
func (b *Broker) dispatchLocked() {
	for _, q := range b.queues {
		for len(q.ready) > 0 {
			cons := b.consumersLocked(q.name)
			if len(cons) == 0 {
				break
			}

			delivered := false
			for range cons {
				c := cons[q.nextCons%len(cons)]
				q.nextCons++
				if !c.ch.hasCapacity() {
					continue
				}
				m := q.ready[0]
				q.ready = q.ready[1:]
				d := c.ch.deliverLocked(q.name, m, c.tag)
				c.deliveries <- d
				delivered = true
				break
			}
			if !delivered {
				break
			}
		}
	}
}

func (b *Broker) consumersLocked(queueName string) []*consumer {
	var out []*consumer
	for _, conn := range b.conns {
		if conn.closed {
			continue
		}
		for _, ch := range conn.channels {
			if ch.closed {
				continue
			}
			for _, c := range ch.consumers {
				if c.queue == queueName {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

// Conn is one in-memory connection. It satisfies connection.Broker.
type Conn struct {
	broker   *Broker
	channels []*Channel
	closed   bool
}

func (c *Conn) Channel() (connection.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:  c.broker,
		conn:    c,
		unacked: map[uint64]unacked{},
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked()
	return nil
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
}

func notFound(kind, name string) *amqp.Error {
	return &amqp.Error{
		Code:    amqp.NotFound,
		Reason:  fmt.Sprintf("NOT_FOUND - no %s '%s' in vhost '/'", kind, name),
		Server:  true,
		Recover: true,
	}
}

func preconditionFailed(reason string) *amqp.Error {
	return &amqp.Error{
		Code:    amqp.PreconditionFailed,
		Reason:  "PRECONDITION_FAILED - " + reason,
		Server:  true,
		Recover: true,
	}
}
