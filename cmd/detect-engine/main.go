package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigilstack/vigil-detect/internal/api"
	"github.com/vigilstack/vigil-detect/internal/buffer"
	"github.com/vigilstack/vigil-detect/internal/cache"
	"github.com/vigilstack/vigil-detect/internal/collector"
	"github.com/vigilstack/vigil-detect/internal/config"
	"github.com/vigilstack/vigil-detect/internal/detect"
	"github.com/vigilstack/vigil-detect/internal/engine"
	"github.com/vigilstack/vigil-detect/internal/metrics"
	"github.com/vigilstack/vigil-detect/internal/pipeline"
	"github.com/vigilstack/vigil-detect/internal/storage"
	"github.com/vigilstack/vigil-detect/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting vigil-detect",
		slog.String("address", cfg.Server.MetricsAddress),
		slog.String("algorithm", cfg.Detect.Algorithm),
		slog.String("storage", cfg.Storage.Backend))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	backend, err := newBackend(context.Background(), cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage backend", slog.String("backend", cfg.Storage.Backend), slog.Any("error", err))
		os.Exit(1)
	}
	defer backend.Close()

	archiver := storage.NewBatchArchiver(backend)
	modelStore := storage.NewModelStore(backend)

	algorithm, err := detect.ParseAlgorithm(cfg.Detect.Algorithm)
	if err != nil {
		logger.Error("invalid detect algorithm", slog.Any("error", err))
		os.Exit(1)
	}
	detectCfg := detect.DefaultConfig()
	detectCfg.Algorithm = algorithm
	detectCfg.Threshold = cfg.Detect.Threshold
	detectCfg.Contamination = cfg.Detect.Contamination
	registry := detect.NewRegistry(detectCfg)

	ring := buffer.NewRing(cfg.Pipeline.BufferSize)

	eng := engine.NewEngine(utils.ComponentLogger(logger, "engine"), engine.Config{
		Algorithm:       algorithm,
		RefitInterval:   cfg.Detect.RefitInterval,
		MinRefitSamples: cfg.Detect.MinRefitSamples,
		Workers:         cfg.Detect.Workers,
		ResultBuffer:    cfg.Detect.ResultBuffer,
		ResultTTL:       cfg.Cache.ResultTTL,
	}, registry, ring, modelStore, cacheProvider)

	pipe := pipeline.NewPipeline(utils.ComponentLogger(logger, "pipeline"), pipeline.Config{
		QueueSize:     cfg.Pipeline.QueueSize,
		BatchSize:     cfg.Pipeline.BatchSize,
		FlushInterval: cfg.Pipeline.FlushInterval,
	}, ring, archiver, eng.ObservePoint)
	eng.SetPipeline(pipe)

	server, err := api.NewServer(cfg.Server, utils.ComponentLogger(logger, "api"), eng, ring, registry)
	if err != nil {
		logger.Error("failed to create ops server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	pipe.Start(ctx)

	var synthetic *collector.Synthetic
	if cfg.Collector.Enabled {
		synthetic = collector.NewSynthetic(utils.ComponentLogger(logger, "collector"), collector.Config{
			Interval: cfg.Collector.Interval,
			Hosts:    cfg.Collector.Hosts,
		}, pipe)
		synthetic.Start(ctx)
	}

	go func() {
		logger.Info("ops server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("ops server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if synthetic != nil {
		synthetic.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	eng.Stop(shutdownCtx)
	server.Shutdown(shutdownCtx)

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("vigil-detect stopped")
}

// newBackend opens the configured blob backend. The fs backend is the
// fallback; Validate has already rejected unknown names.
func newBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3Backend(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Prefix:          cfg.S3.Prefix,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	case "sqlite":
		return storage.NewSQLiteBackend(storage.SQLiteConfig{Path: cfg.SQLite.Path})
	default:
		return storage.NewFSBackend(cfg.FS.Dir)
	}
}
