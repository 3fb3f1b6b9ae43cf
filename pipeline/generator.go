package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/queue"
)

const GeneratorName = "generator"

// Generator consumes ItemMetadata, reads each item's text from the content
// store, transforms it into a FullTextDocument and forwards that to the
// indexer queue.
type Generator struct {
	stage
	content     ContentStore
	transformer Transformer
}

// NewGenerator consumes from in and publishes to out. A nil transformer
// means DefaultTransformer.
func NewGenerator(conn *connection.Connection, in, out queue.Params, content ContentStore, transformer Transformer, opts Options) (*Generator, error) {
	if content == nil {
		return nil, fmt.Errorf("%w: generator needs a content store", connection.ErrConfiguration)
	}
	if transformer == nil {
		transformer = DefaultTransformer
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

	g := &Generator{content: content, transformer: transformer}
	g.stage = stage{
		name:     GeneratorName,
		consumer: consumer,
		producer: producer,
		opts:     opts,
		policy:   opts.policy(in),
		process:  g.process,
	}
	return g, nil
}

func (g *Generator) Run(ctx context.Context) error {
	return g.run(ctx)
}

func (g *Generator) process(ctx context.Context, d *queue.Delivery) (any, error) {
	var item ItemMetadata
	if err := decode(d, &item); err != nil {
		return nil, err
	}

	text, err := g.content.Fetch(ctx, item.HTID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch content %s: %w", ErrProcessing, item.HTID, err)
	}

	doc, err := g.transformer.Transform(ctx, item, text)
	if err != nil {
		return nil, fmt.Errorf("%w: transform %s: %w", ErrProcessing, item.HTID, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (g *Generator) Close() error {
	return errors.Join(g.consumer.Close(), g.producer.Close())
}
