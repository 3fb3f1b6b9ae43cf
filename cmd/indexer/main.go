// Command indexer writes batches of full-text documents to the index.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/octabyte/fulltext-pipeline/config"
	"github.com/octabyte/fulltext-pipeline/internal/app"
	"github.com/octabyte/fulltext-pipeline/pipeline"
	"github.com/octabyte/fulltext-pipeline/search"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rt, err := app.Start(ctx, config.ServiceIndexer)
	if err != nil {
		return err
	}
	defer rt.Close()

	index, err := search.New(rt.Config.Search)
	if err != nil {
		return err
	}

	indexer, err := pipeline.NewIndexer(rt.Conn, rt.Config.Input, index, rt.Options())
	if err != nil {
		return err
	}
	return rt.Serve(ctx, indexer)
}
