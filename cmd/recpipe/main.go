// Command recpipe runs a declarative pipeline definition over line-delimited
// JSON records from stdin, writing transformed documents to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fennic/recpipe/infrastructure/recio"
	"github.com/fennic/recpipe/internal/application"
)

func main() {
	var (
		definition = flag.String("pipeline", "", "path to the YAML pipeline definition (required)")
		batchSize  = flag.Int("batch-size", application.DefaultBatchSize, "capsules per batch read from stdin")
		idField    = flag.String("id-field", "", "input field used as the capsule identifier")
		verbose    = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	if *definition == "" {
		fmt.Fprintln(os.Stderr, "usage: recpipe -pipeline definition.yaml < records.jsonl > documents.jsonl")
		os.Exit(2)
	}

	if err := run(*definition, *batchSize, *idField, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "recpipe: %v\n", err)
		os.Exit(1)
	}
}

func run(definition string, batchSize int, idField string, verbose bool) error {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush on shutdown

	reader, err := recio.NewJSONLReader(os.Stdin, batchSize, idField)
	if err != nil {
		return err
	}
	writer := recio.NewJSONLWriter(os.Stdout)

	loader, err := application.NewPipelineLoader(application.NewDefaultStepRegistry(nil), logger)
	if err != nil {
		return err
	}
	pipeline, err := loader.LoadFromFile(definition, reader, writer)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return pipeline.Run(ctx)
}
