// Command generator turns item metadata into full-text documents using the
// pairtree content store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/octabyte/fulltext-pipeline/config"
	"github.com/octabyte/fulltext-pipeline/internal/app"
	"github.com/octabyte/fulltext-pipeline/pairtree"
	"github.com/octabyte/fulltext-pipeline/pipeline"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rt, err := app.Start(ctx, config.ServiceGenerator)
	if err != nil {
		return err
	}
	defer rt.Close()

	store, err := pairtree.New(rt.Config.PairtreeRoot)
	if err != nil {
		return err
	}

	generator, err := pipeline.NewGenerator(rt.Conn, rt.Config.Input, rt.Config.Output, store, pipeline.DefaultTransformer, rt.Options())
	if err != nil {
		return err
	}
	return rt.Serve(ctx, generator)
}
