// batchcat inspects a local vigil-detect fs archive: it lists batch and
// model keys and dumps decoded batches, so flushed data can be checked
// without standing up the engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/vigilstack/vigil-detect/internal/storage"
)

func main() {
	var (
		dir    string
		key    string
		models bool
	)
	flag.StringVar(&dir, "dir", "data/vigil", "Path to the fs storage directory")
	flag.StringVar(&key, "key", "", "Dump one archived batch as JSON lines")
	flag.BoolVar(&models, "models", false, "List saved models instead of batches")
	flag.Parse()

	logger := log.New(os.Stderr, "batchcat ", log.LstdFlags)

	backend, err := storage.NewFSBackend(dir)
	if err != nil {
		logger.Fatalf("open %s: %v", dir, err)
	}
	defer backend.Close()

	ctx := context.Background()
	switch {
	case key != "":
		dumpBatch(ctx, logger, backend, key)
	case models:
		listModels(ctx, logger, backend)
	default:
		listBatches(ctx, logger, backend)
	}
}

func listBatches(ctx context.Context, logger *log.Logger, backend storage.Backend) {
	archiver := storage.NewBatchArchiver(backend)
	keys, err := archiver.Keys(ctx)
	if err != nil {
		logger.Fatalf("list batches: %v", err)
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	logger.Printf("%d batches", len(keys))
}

func dumpBatch(ctx context.Context, logger *log.Logger, backend storage.Backend, key string) {
	archiver := storage.NewBatchArchiver(backend)
	points, err := archiver.ReadBatch(ctx, key)
	if err != nil {
		logger.Fatalf("read %s: %v", key, err)
	}
	enc := json.NewEncoder(os.Stdout)
	for i := range points {
		if err := enc.Encode(&points[i]); err != nil {
			logger.Fatalf("encode point: %v", err)
		}
	}
	logger.Printf("%d points in %s", len(points), key)
}

func listModels(ctx context.Context, logger *log.Logger, backend storage.Backend) {
	store := storage.NewModelStore(backend)
	pairs, err := store.List(ctx)
	if err != nil {
		logger.Fatalf("list models: %v", err)
	}
	for _, pair := range pairs {
		blob, err := store.Load(ctx, pair[0], pair[1])
		if err != nil {
			logger.Fatalf("load %s/%s: %v", pair[0], pair[1], err)
		}
		fmt.Printf("%s\t%s\t%d bytes\n", pair[0], pair[1], len(blob))
	}
	logger.Printf("%d models", len(pairs))
}
