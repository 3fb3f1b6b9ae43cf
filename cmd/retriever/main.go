// Command retriever looks up catalog records for queued item ids and
// forwards them to the generator queue.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/config"
	"github.com/octabyte/fulltext-pipeline/internal/app"
	"github.com/octabyte/fulltext-pipeline/pipeline"
	"github.com/octabyte/fulltext-pipeline/search"
	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rt, err := app.Start(ctx, config.ServiceRetriever)
	if err != nil {
		return err
	}
	defer rt.Close()

	catalog, err := search.New(rt.Config.Search)
	if err != nil {
		return err
	}

	retriever, err := pipeline.NewRetriever(rt.Conn, rt.Config.Input, rt.Config.Output, catalog, rt.Options())
	if err != nil {
		return err
	}

	if q := rt.Config.SeedQuery; q != "" {
		n, err := retriever.Seed(ctx, q, rt.Config.SeedRows)
		if err != nil {
			_ = retriever.Close()
			return err
		}
		logger.LogInfo("Seeded input queue", zap.String("query", q), zap.Int("count", n))
	}

	return rt.Serve(ctx, retriever)
}
