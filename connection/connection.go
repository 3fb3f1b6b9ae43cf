// Package connection owns the physical broker connection and the channels
// multiplexed over it.
//
// See https://www.rabbitmq.com/tutorials/amqp-concepts-tutorial.html
package connection

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

// Broker is one open broker session. *amqp.Connection is adapted to it by
// DialAMQP; tests supply an in-memory implementation.
type Broker interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a Broker for an AMQP URI.
type Dialer func(uri string) (Broker, error)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection wraps one broker session. It never reconnects on its own:
// owners detect closure through IsOpen and call Reconnect.
type Connection struct {
	config Config
	dial   Dialer

	mu     sync.Mutex
	broker Broker
	state  State
}

// Option customizes a Connection.
type Option func(*Connection)

// WithDialer replaces the AMQP dialer.
func WithDialer(dial Dialer) Option {
	return func(c *Connection) {
		c.dial = dial
	}
}

// Open validates config and dials the broker. Authentication and network
// failures are returned as ErrConnection and are not retried here.
func Open(config Config, opts ...Option) (*Connection, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Connection{
		config: config,
		dial:   DialAMQP,
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.Reconnect(); err != nil {
		return nil, err
	}

	return c, nil
}

// Reconnect replaces the underlying session with a freshly dialed one. An
// open session is closed first.
func (c *Connection) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broker != nil && !c.broker.IsClosed() {
		_ = c.broker.Close()
	}
	c.broker = nil
	c.state = StateConnecting

	broker, err := c.dial(c.config.URI())
	if err != nil {
		c.state = StateDisconnected
		logger.LogError("Failed to connect to broker",
			zap.String("uri", c.config.Redacted()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	c.broker = broker
	c.state = StateOpen
	logger.LogInfo("Connected to broker", zap.String("uri", c.config.Redacted()))

	return nil
}

// IsOpen reports whether the session is usable right now. The broker can
// close the socket at any moment, so check immediately before use.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broker == nil {
		return false
	}
	if c.broker.IsClosed() {
		c.state = StateClosed
		return false
	}
	return c.state == StateOpen
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOpen && (c.broker == nil || c.broker.IsClosed()) {
		c.state = StateClosed
	}
	return c.state
}

func (c *Connection) Config() Config {
	return c.config
}

// Close is idempotent and never fails on an already closed session.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	broker := c.broker
	c.broker = nil
	c.state = StateClosed

	if broker == nil || broker.IsClosed() {
		return nil
	}
	if err := broker.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logger.LogWarn("Error closing broker connection", zap.Error(err))
	}
	return nil
}

func (c *Connection) session() Broker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broker
}

// DialAMQP dials a real broker.
func DialAMQP(uri string) (Broker, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}
	return &amqpBroker{conn}, nil
}

type amqpBroker struct {
	conn *amqp.Connection
}

func (b *amqpBroker) Channel() (Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (b *amqpBroker) IsClosed() bool {
	return b.conn.IsClosed()
}

func (b *amqpBroker) Close() error {
	return b.conn.Close()
}
