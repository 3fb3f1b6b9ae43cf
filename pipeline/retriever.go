package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/queue"
	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

const RetrieverName = "retriever"

// Retriever consumes RetrieveRequests, looks each item up in the catalog
// and forwards its ItemMetadata to the generator queue.
type Retriever struct {
	stage
	conn    *connection.Connection
	in      queue.Params
	catalog Catalog
}

// NewRetriever consumes from in and publishes to out.
func NewRetriever(conn *connection.Connection, in, out queue.Params, catalog Catalog, opts Options) (*Retriever, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: retriever needs a catalog", connection.ErrConfiguration)
	}

	consumer, err := queue.NewConsumer(conn, in)
	if err != nil {
		return nil, err
	}
	producer, err := queue.NewProducer(conn, out)
	if err != nil {
		_ = consumer.Close()
		return nil, err
	}

	r := &Retriever{conn: conn, in: in, catalog: catalog}
	r.stage = stage{
		name:     RetrieverName,
		consumer: consumer,
		producer: producer,
		opts:     opts,
		policy:   opts.policy(in),
		process:  r.process,
	}
	return r, nil
}

// Run processes requests until ctx is done, the queue idles with
// ExitOnIdle set, or the broker becomes unreachable.
func (r *Retriever) Run(ctx context.Context) error {
	return r.run(ctx)
}

func (r *Retriever) process(ctx context.Context, d *queue.Delivery) (any, error) {
	var req RetrieveRequest
	if err := decode(d, &req); err != nil {
		return nil, err
	}

	record, err := r.catalog.FetchRecord(ctx, req.HTID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch record %s: %w", ErrProcessing, req.HTID, err)
	}

	item := NewItemMetadata(req.HTID, record)
	if err := validate.Struct(item); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	return item, nil
}

// Seed publishes a RetrieveRequest to the retriever's own input queue for
// every id the catalog returns for query. It returns how many were queued.
func (r *Retriever) Seed(ctx context.Context, query string, rows int) (int, error) {
	ids, err := r.catalog.Select(ctx, query, rows)
	if err != nil {
		return 0, fmt.Errorf("select %q: %w", query, err)
	}

	producer, err := queue.NewProducer(r.conn, r.in)
	if err != nil {
		return 0, err
	}
	defer producer.Close()

	return seed(ctx, producer, ids)
}

func seed(ctx context.Context, publisher Publisher, ids []string) (int, error) {
	queued := 0
	for _, id := range ids {
		err := publisher.Publish(ctx, RetrieveRequest{HTID: id})
		if err != nil && connection.IsRecoverable(err) {
			// The producer has recovered; publish once more.
			err = publisher.Publish(ctx, RetrieveRequest{HTID: id})
		}
		if err != nil {
			return queued, fmt.Errorf("seed %s: %w", id, err)
		}
		queued++
	}

	logger.LogInfo("Seeded retrieve requests", zap.Int("count", queued))
	return queued, nil
}

// Close releases the retriever's channels. The connection stays open.
func (r *Retriever) Close() error {
	return errors.Join(r.consumer.Close(), r.producer.Close())
}
