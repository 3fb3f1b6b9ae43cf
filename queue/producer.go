package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

const contentTypeJSON = "application/json"

// Producer publishes JSON objects durably to one queue through its main
// exchange. Every Publish is a synchronous broker round-trip; nothing is
// buffered locally. A Producer is not safe for concurrent use.
type Producer struct {
	session *session
}

func NewProducer(conn *connection.Connection, params Params) (*Producer, error) {
	s, err := newSession(conn, params, "producer")
	if err != nil {
		return nil, err
	}
	return &Producer{s}, nil
}

func (p *Producer) Params() Params {
	return p.session.params()
}

// Publish serializes message and publishes it as a persistent JSON message.
//
// A payload that is not a JSON object fails with ErrSerialization before any
// network I/O. A stale channel is recreated, with topology re-ensured,
// before publishing. If the channel or connection closes during the publish
// itself, the producer recovers and returns the original error: the caller
// decides whether to publish again.
func (p *Producer) Publish(ctx context.Context, message any) error {
	body, err := Encode(message)
	if err != nil {
		return err
	}

	ch, err := p.session.channel(false)
	if err != nil {
		return err
	}

	params := p.session.params()
	publishing := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	err = ch.PublishWithContext(
		ctx,
		params.MainExchange,
		params.RoutingKey(),
		false, // mandatory
		false, // immediate
		publishing,
	)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		classified := connection.Classify(err)
		logger.LogWarn("Publish failed",
			zap.String("queue", params.QueueName),
			zap.String("id", CorrelationID(body)),
			zap.Error(classified),
		)
		if connection.IsRecoverable(classified) || ch.IsClosed() {
			if _, rerr := p.session.recover(); rerr != nil {
				logger.LogError("Producer recovery failed",
					zap.String("queue", params.QueueName),
					zap.Error(rerr),
				)
			}
		}
		return classified
	}

	return nil
}

// Close releases the producer's channel. The connection is owned by the
// caller and stays open.
func (p *Producer) Close() error {
	return p.session.close()
}
