package connection

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

// Channel is the subset of *amqp.Channel the pipeline uses. A Channel is
// owned by one producer or consumer at a time and is not safe for
// concurrent use.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	IsClosed() bool
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// CreateChannel opens a channel on conn.
//
// A nil, closed, or concurrently closing connection yields ErrConnectionClosed,
// which is logged and expected to be handled by reconnecting. Any other
// failure is a protocol-level fault wrapped in ErrBrokerProtocol.
func CreateChannel(conn *Connection) (Channel, error) {
	if conn == nil {
		logger.LogWarn("Cannot create channel: no connection")
		return nil, ErrConnectionClosed
	}

	broker := conn.session()
	if broker == nil || broker.IsClosed() {
		logger.LogWarn("Cannot create channel: connection is closed")
		return nil, ErrConnectionClosed
	}

	ch, err := broker.Channel()
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) || broker.IsClosed() {
			logger.LogWarn("Cannot create channel: connection closed while opening", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		logger.LogError("Failed to create channel", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrBrokerProtocol, err)
	}

	return ch, nil
}
