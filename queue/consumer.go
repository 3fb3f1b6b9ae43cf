package queue

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

// Consumer receives one message at a time with manual acknowledgement.
// Deliveries are pushed by the broker up to the prefetch (BatchSize) and
// handed out by Next. A Consumer is not safe for concurrent use.
type Consumer struct {
	session    *session
	tag        string
	ch         connection.Channel
	deliveries <-chan amqp.Delivery
}

func NewConsumer(conn *connection.Connection, params Params) (*Consumer, error) {
	s, err := newSession(conn, params, "consumer")
	if err != nil {
		return nil, err
	}
	return &Consumer{
		session: s,
		tag:     "consumer-" + params.QueueName + "-" + uuid.NewString(),
	}, nil
}

func (c *Consumer) Params() Params {
	return c.session.params()
}

// Next waits up to inactivityTimeout for a message. It returns (nil, nil) when
// the wait times out, so callers can poll for shutdown without busy-looping.
// A closed channel or missing topology is repaired transparently before
// waiting.
func (c *Consumer) Next(ctx context.Context, inactivityTimeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(inactivityTimeout)
	defer timer.Stop()

	for {
		if err := c.start(); err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case raw, ok := <-c.deliveries:
			if !ok {
				logger.LogWarn("Delivery stream closed, restarting consumer",
					zap.String("queue", c.session.params().QueueName),
				)
				c.deliveries = nil
				c.ch = nil
				continue
			}
			return newDelivery(raw, c.ch), nil
		}
	}
}

// Messages is the lazy, infinite form of Next. It yields (nil, nil) on every
// inactivity timeout and stops after yielding an error, when ctx is done, or
// when the loop body breaks.
func (c *Consumer) Messages(ctx context.Context, inactivityTimeout time.Duration) iter.Seq2[*Delivery, error] {
	return func(yield func(*Delivery, error) bool) {
		for {
			d, err := c.Next(ctx, inactivityTimeout)
			if err != nil {
				if ctx.Err() == nil {
					yield(nil, err)
				}
				return
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

// Ack acknowledges d. Acking twice or on a closed channel is an error.
func (c *Consumer) Ack(d *Delivery) error {
	if d == nil {
		return fmt.Errorf("%w: nil delivery", ErrStaleDelivery)
	}
	return d.Ack()
}

// Reject dead-letters d, or returns it to the main queue when requeue is set.
// Requeued messages are redelivered without limit; callers that requeue are
// responsible for bounding retries.
func (c *Consumer) Reject(d *Delivery, requeue bool) error {
	if d == nil {
		return fmt.Errorf("%w: nil delivery", ErrStaleDelivery)
	}
	return d.Reject(requeue)
}

// Close cancels the subscription and releases the channel. Unacknowledged
// deliveries are returned to the queue by the broker.
func (c *Consumer) Close() error {
	if c.ch != nil && !c.ch.IsClosed() {
		_ = c.ch.Cancel(c.tag, false)
	}
	c.deliveries = nil
	c.ch = nil
	return c.session.close()
}

func (c *Consumer) start() error {
	if c.deliveries != nil && c.ch != nil && !c.ch.IsClosed() {
		return nil
	}

	ch, err := c.session.channel(true)
	if err != nil {
		return err
	}

	params := c.session.params()
	deliveries, err := ch.Consume(
		params.QueueName,
		c.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("start consuming %s: %w", params.QueueName, connection.Classify(err))
	}

	c.ch = ch
	c.deliveries = deliveries
	logger.LogInfo("Started consuming",
		zap.String("queue", params.QueueName),
		zap.String("consumer", c.tag),
	)
	return nil
}
