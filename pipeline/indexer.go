package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/connection"
	otellogger "github.com/octabyte/fulltext-pipeline/otel/logger"
	"github.com/octabyte/fulltext-pipeline/otel/metrics"
	"github.com/octabyte/fulltext-pipeline/queue"
)

const IndexerName = "indexer"

// Indexer consumes FullTextDocuments in batches and writes each batch to
// the index in one request. A batch is acked or rejected as a whole.
type Indexer struct {
	consumer *queue.BatchConsumer
	index    Index
	policy   RejectPolicy
	// decodeRetry spaces out consecutive undecodable batches. It resets
	// after every indexed batch.
	decodeRetry *backoff.ExponentialBackOff
}

func NewIndexer(conn *connection.Connection, in queue.Params, index Index, opts Options) (*Indexer, error) {
	if index == nil {
		return nil, fmt.Errorf("%w: indexer needs an index", connection.ErrConfiguration)
	}

	ix := &Indexer{
		index:       index,
		policy:      opts.policy(in),
		decodeRetry: decodeBackOff(opts.inactivityTimeout()),
	}

	batchOpts := []queue.BatchOption{queue.WithIdleWait(opts.inactivityTimeout())}
	if opts.ExitOnIdle {
		batchOpts = append(batchOpts, queue.WithShutdownOnEmptyQueue())
	}

	consumer, err := queue.NewBatchConsumer(conn, in, ix, batchOpts...)
	if err != nil {
		return nil, err
	}
	ix.consumer = consumer
	return ix, nil
}

func decodeBackOff(ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(100*time.Millisecond, ceiling)
	b.MaxInterval = ceiling
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run consumes batches until ctx is done or the broker becomes unreachable.
// A batch holding an undecodable body has already been settled through
// RejectUndecodable, so Run logs it, backs off and carries on.
func (ix *Indexer) Run(ctx context.Context) error {
	for {
		err := ix.consumer.StartConsuming(ctx)
		if !errors.Is(err, queue.ErrDecode) {
			return err
		}

		wait := ix.decodeRetry.NextBackOff()
		otellogger.ErrorCtx(ctx, "Rejected undecodable batch", err,
			zap.String("service", IndexerName),
			zap.Duration("retry_in", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RejectUndecodable settles a batch holding a body that is not a JSON
// object, under the same policy as a failed index call.
func (ix *Indexer) RejectUndecodable(ctx context.Context, deliveries []*queue.Delivery, cause error) {
	ids := make([]string, len(deliveries))
	for i, d := range deliveries {
		ids[i] = d.CorrelationID()
	}
	ix.rejectBatch(ctx, ids, redeliveryKeys(deliveries), deliveries, cause)
}

func redeliveryKeys(deliveries []*queue.Delivery) []string {
	keys := make([]string, len(deliveries))
	for i, d := range deliveries {
		keys[i] = d.RedeliveryKey()
	}
	return keys
}

// ProcessBatch indexes batch and settles deliveries. It returns false only
// when ctx is done.
func (ix *Indexer) ProcessBatch(ctx context.Context, batch []queue.Message, deliveries []*queue.Delivery) bool {
	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, IndexerName+".process_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("batch.size", len(batch))),
	)
	defer span.End()

	start := time.Now()
	metrics.RecordBatch(ctx, IndexerName, len(batch))
	defer func() { metrics.RecordProcessing(ctx, IndexerName, time.Since(start)) }()

	err := ix.indexBatch(ctx, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ix.rejectBatch(ctx, ids, redeliveryKeys(deliveries), deliveries, err)
		return ctx.Err() == nil
	}

	if err := queue.AckAll(deliveries); err != nil {
		otellogger.WarnCtx(ctx, "Batch ack failed, unacked messages will be redelivered",
			zap.String("service", IndexerName),
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		return ctx.Err() == nil
	}

	for _, d := range deliveries {
		if d.Redelivered() {
			ix.policy.Forget(ctx, d.RedeliveryKey())
		}
	}
	ix.decodeRetry.Reset()
	metrics.RecordMessage(ctx, IndexerName, metrics.OutcomeAcked, len(deliveries))
	otellogger.DebugCtx(ctx, "Indexed batch", zap.Int("batch_size", len(batch)))
	return ctx.Err() == nil
}

func (ix *Indexer) indexBatch(ctx context.Context, batch []queue.Message) error {
	docs := make([]map[string]any, len(batch))
	for i, m := range batch {
		doc := FullTextDocument(m)
		if err := doc.Validate(); err != nil {
			return err
		}
		docs[i] = doc
	}

	if err := ix.index.IndexBatch(ctx, docs); err != nil {
		return fmt.Errorf("%w: index batch of %d: %w", ErrProcessing, len(docs), err)
	}
	return nil
}

// rejectBatch logs ids and counts keys: keys[i] is deliveries[i]'s
// RedeliveryKey.
func (ix *Indexer) rejectBatch(ctx context.Context, ids, keys []string, deliveries []*queue.Delivery, cause error) {
	requeue := ix.policy.ShouldRequeueAll(ctx, keys)
	for _, id := range ids {
		otellogger.RejectedCtx(ctx, IndexerName, id, requeue, cause)
	}

	if err := queue.RejectAll(deliveries, requeue); err != nil {
		otellogger.WarnCtx(ctx, "Batch reject failed, unsettled messages will be redelivered",
			zap.String("service", IndexerName),
			zap.Error(err),
		)
		return
	}
	metrics.RecordMessage(ctx, IndexerName, outcome(requeue), len(deliveries))
}

func (ix *Indexer) Close() error {
	return ix.consumer.Close()
}
