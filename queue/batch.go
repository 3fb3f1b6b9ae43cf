package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

// DefaultIdleWait is how long StartConsuming sleeps after finding the queue
// empty.
const DefaultIdleWait = time.Second

// BatchHandler processes one decoded batch. batch[i] is the body of
// deliveries[i]. The handler settles every delivery itself, typically with
// AckBatch or RejectBatch. Returning false stops the consume loop.
type BatchHandler interface {
	ProcessBatch(ctx context.Context, batch []Message, deliveries []*Delivery) bool
}

// UndecodableBatchHandler is implemented by handlers that settle a batch
// holding an undecodable body themselves, for example to apply a redelivery
// cap. Without it the batch is rejected per RequeueOnReject.
type UndecodableBatchHandler interface {
	RejectUndecodable(ctx context.Context, deliveries []*Delivery, cause error)
}

// BatchHandlerFunc adapts a function to BatchHandler.
type BatchHandlerFunc func(ctx context.Context, batch []Message, deliveries []*Delivery) bool

func (f BatchHandlerFunc) ProcessBatch(ctx context.Context, batch []Message, deliveries []*Delivery) bool {
	return f(ctx, batch, deliveries)
}

// BatchConsumer pulls up to BatchSize messages at a time and hands them to a
// BatchHandler. Batches are settled all-or-nothing. A BatchConsumer is not
// safe for concurrent use.
type BatchConsumer struct {
	session  *session
	handler  BatchHandler
	idleWait time.Duration
	// stopOnEmpty ends StartConsuming the first time the queue is empty.
	stopOnEmpty bool
}

type BatchOption func(*BatchConsumer)

// WithIdleWait sets the pause between polls of an empty queue.
func WithIdleWait(d time.Duration) BatchOption {
	return func(b *BatchConsumer) {
		b.idleWait = d
	}
}

// WithShutdownOnEmptyQueue makes StartConsuming return once the queue has
// been drained.
func WithShutdownOnEmptyQueue() BatchOption {
	return func(b *BatchConsumer) {
		b.stopOnEmpty = true
	}
}

func NewBatchConsumer(conn *connection.Connection, params Params, handler BatchHandler, opts ...BatchOption) (*BatchConsumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil batch handler", connection.ErrConfiguration)
	}
	s, err := newSession(conn, params, "batch-consumer")
	if err != nil {
		return nil, err
	}

	b := &BatchConsumer{
		session:  s,
		handler:  handler,
		idleWait: DefaultIdleWait,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *BatchConsumer) Params() Params {
	return b.session.params()
}

// StartConsuming runs the fetch, decode and dispatch loop until the handler
// returns false, ctx is done, or the queue is empty with
// WithShutdownOnEmptyQueue set. It returns nil on a handler-requested stop
// and on an empty-queue stop, ctx.Err() on cancellation.
//
// A batch containing an undecodable body is settled in full, by the
// handler's RejectUndecodable when it has one, and the decode error is
// returned.
func (b *BatchConsumer) StartConsuming(ctx context.Context) error {
	params := b.session.params()
	logger.LogInfo("Batch consumer started",
		zap.String("queue", params.QueueName),
		zap.Int("batch_size", params.BatchSize),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, err := b.fetch()
		if err != nil {
			return err
		}

		if len(deliveries) == 0 {
			if b.stopOnEmpty {
				logger.LogInfo("Queue drained, stopping batch consumer", zap.String("queue", params.QueueName))
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.idleWait):
			}
			continue
		}

		batch := make([]Message, 0, len(deliveries))
		for _, d := range deliveries {
			m, err := d.Message()
			if err != nil {
				logger.LogError("Undecodable message in batch, rejecting batch",
					zap.String("queue", params.QueueName),
					zap.Uint64("delivery_tag", d.Tag()),
					zap.Int("batch_size", len(deliveries)),
					zap.Error(err),
				)
				b.rejectUndecodable(ctx, deliveries, err)
				return err
			}
			batch = append(batch, m)
		}

		if !b.handler.ProcessBatch(ctx, batch, deliveries) {
			logger.LogInfo("Batch handler requested stop", zap.String("queue", params.QueueName))
			return nil
		}
	}
}

func (b *BatchConsumer) rejectUndecodable(ctx context.Context, deliveries []*Delivery, cause error) {
	if h, ok := b.handler.(UndecodableBatchHandler); ok {
		h.RejectUndecodable(ctx, deliveries, cause)
		return
	}
	if err := RejectAll(deliveries, b.session.params().RequeueOnReject); err != nil {
		logger.LogWarn("Failed to reject batch", zap.Error(err))
	}
}

// fetch gets up to BatchSize ready messages without waiting.
func (b *BatchConsumer) fetch() ([]*Delivery, error) {
	ch, err := b.session.channel(true)
	if err != nil {
		return nil, err
	}

	params := b.session.params()
	deliveries := make([]*Delivery, 0, params.BatchSize)
	for len(deliveries) < params.BatchSize {
		raw, ok, err := ch.Get(params.QueueName, false)
		if err != nil {
			err = connection.Classify(err)
			if len(deliveries) > 0 {
				// The channel is gone, so the partial batch is returned to
				// the queue by the broker.
				logger.LogWarn("Fetch interrupted, dropping partial batch",
					zap.String("queue", params.QueueName),
					zap.Int("fetched", len(deliveries)),
					zap.Error(err),
				)
			}
			return nil, fmt.Errorf("fetch from %s: %w", params.QueueName, err)
		}
		if !ok {
			break
		}
		deliveries = append(deliveries, newDelivery(raw, ch))
	}
	return deliveries, nil
}

// AckBatch acknowledges every delivery of a processed batch.
func (b *BatchConsumer) AckBatch(deliveries []*Delivery) error {
	return AckAll(deliveries)
}

// RejectBatch rejects every delivery of a batch using the queue's
// RequeueOnReject policy.
func (b *BatchConsumer) RejectBatch(deliveries []*Delivery) error {
	return RejectAll(deliveries, b.session.params().RequeueOnReject)
}

func (b *BatchConsumer) Close() error {
	return b.session.close()
}
