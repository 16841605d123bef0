package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigilstack/vigil-detect/internal/buffer"
	"github.com/vigilstack/vigil-detect/internal/cache"
	"github.com/vigilstack/vigil-detect/internal/detect"
	"github.com/vigilstack/vigil-detect/internal/metrics"
	"github.com/vigilstack/vigil-detect/internal/models"
	"github.com/vigilstack/vigil-detect/internal/utils"
)

const (
	// algorithmZScore labels streaming detections in the Prometheus
	// counters, alongside the batch Algorithm.String() values.
	algorithmZScore = "zscore"

	lastResultKeyPrefix    = "vigil:last_result:"
	anomalyCounterPrefix   = "vigil:anomalies:"
	cachePublishTimeout    = 2 * time.Second
	modelSaveTimeout       = 10 * time.Second
	defaultRecentAnomalies = 100
)

// ModelStore is the persistence surface the engine needs for fitted
// models. storage.ModelStore satisfies it.
type ModelStore interface {
	Save(ctx context.Context, metric, algorithm string, blob []byte) error
	Load(ctx context.Context, metric, algorithm string) ([]byte, error)
	List(ctx context.Context) ([][2]string, error)
}

// Ingestor is the slice of the pipeline the engine orchestrates.
type Ingestor interface {
	Stats() models.PipelineStats
	Stop(ctx context.Context)
}

// Config holds engine tunables.
type Config struct {
	Algorithm       detect.Algorithm
	RefitInterval   time.Duration
	MinRefitSamples int
	Workers         int
	ResultBuffer    int
	ResultTTL       time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinRefitSamples <= 0 {
		c.MinRefitSamples = 64
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = 256
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 5 * time.Minute
	}
}

// Health is the engine state snapshot served by the ops API.
type Health struct {
	Status          string               `json:"status"`
	UptimeSeconds   float64              `json:"uptime_seconds"`
	Algorithm       string               `json:"algorithm"`
	RegistrySize    int                  `json:"registry_detectors"`
	PoolDepth       int                  `json:"pool_depth"`
	ResultsDropped  uint64               `json:"results_dropped"`
	RecentAnomalies int                  `json:"recent_anomalies"`
	ObserveP95Ms    float64              `json:"observe_p95_ms"`
	Pipeline        models.PipelineStats `json:"pipeline"`
}

// Engine ties the registry, ring buffer, worker pool, model store, and
// cache together: it scores every ingested point on the streaming path,
// refits batch detectors on a schedule, and publishes anomalies.
type Engine struct {
	logger   *slog.Logger
	cfg      Config
	registry *detect.Registry
	ring     *buffer.Ring
	pool     *WorkerPool
	store    ModelStore
	cache    cache.Provider
	pipeline Ingestor

	resultCh       chan models.DetectionResult
	resultsDropped atomic.Uint64

	recentMu sync.Mutex
	recent   []models.DetectionResult

	observeLatency *utils.LatencyTracker
	started        time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEngine wires an engine. store may be nil (no model persistence);
// provider may be a NoopProvider.
func NewEngine(logger *slog.Logger, cfg Config, registry *detect.Registry, ring *buffer.Ring, store ModelStore, provider cache.Provider) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if registry == nil {
		registry = detect.NewRegistry(detect.DefaultConfig())
	}
	if ring == nil {
		ring = buffer.NewRing(0)
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}

	return &Engine{
		logger:         logger,
		cfg:            cfg,
		registry:       registry,
		ring:           ring,
		pool:           NewWorkerPool(logger, cfg.Workers),
		store:          store,
		cache:          provider,
		resultCh:       make(chan models.DetectionResult, cfg.ResultBuffer),
		observeLatency: utils.NewLatencyTracker(4096),
	}
}

// SetPipeline binds the ingestion pipeline so the engine can report its
// stats and drain it on Stop. Call before Start.
func (e *Engine) SetPipeline(p Ingestor) {
	e.pipeline = p
}

// Start restores saved models, launches the worker pool, the anomaly
// publisher, and the refit loop (when enabled).
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.started = time.Now()
		e.ctx, e.cancel = context.WithCancel(ctx)
		e.pool.Start()
		e.restoreModels(e.ctx)

		e.wg.Add(1)
		go e.publishLoop()

		if e.cfg.RefitInterval > 0 {
			e.wg.Add(1)
			go e.refitLoop()
		}
		e.logger.Info("engine started",
			slog.String("algorithm", e.cfg.Algorithm.String()),
			slog.Duration("refit_interval", e.cfg.RefitInterval))
	})
}

// Stop drains the pipeline, stops the loops and the pool, and waits.
func (e *Engine) Stop(ctx context.Context) {
	e.stopOnce.Do(func() {
		if e.pipeline != nil {
			e.pipeline.Stop(ctx)
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.pool.Stop()
		e.wg.Wait()
		e.logger.Info("engine stopped")
	})
}

// ObservePoint scores one validated point on the streaming path. It is
// the pipeline's per-point observer and must stay free of I/O.
func (e *Engine) ObservePoint(point models.DataPoint) {
	det := e.registry.Streaming(point.Metric)

	start := time.Now()
	result := det.Observe(point)
	e.observeLatency.Observe(time.Since(start))

	if !result.IsAnomaly {
		return
	}
	metrics.IncDetections(algorithmZScore, string(result.Severity))

	select {
	case e.resultCh <- result:
	default:
		e.resultsDropped.Add(1)
		metrics.IncResultsDropped()
	}
}

// PredictOne scores a single value with the metric's batch detector.
func (e *Engine) PredictOne(metric string, value float64) (detect.Score, error) {
	det, err := e.registry.Batch(metric, e.cfg.Algorithm)
	if err != nil {
		return detect.Score{}, err
	}

	start := time.Now()
	score, err := det.PredictOne(detect.FeatureVector(value))
	metrics.ObservePredict(e.cfg.Algorithm.String(), time.Since(start))
	if err != nil {
		return detect.Score{}, err
	}
	if score.Anomaly {
		metrics.IncDetections(e.cfg.Algorithm.String(), string(detect.SeverityFromScore(score.Value)))
	}
	return score, nil
}

// FitNow fits the metric's batch detector from the current buffer
// contents, through the worker pool, and waits for the outcome.
func (e *Engine) FitNow(ctx context.Context, metric string) error {
	values := e.ring.Values(metric)
	if len(values) == 0 {
		return fmt.Errorf("no buffered samples for %s", metric)
	}
	det, err := e.registry.Batch(metric, e.cfg.Algorithm)
	if err != nil {
		return err
	}

	x := detect.FeatureMatrix(values)
	var fitErr error
	if err := e.pool.SubmitWait(ctx, func() {
		fitErr = e.fit(det, metric, x)
	}); err != nil {
		return err
	}
	return fitErr
}

// RecentAnomalies returns up to limit of the latest anomalous results,
// newest first.
func (e *Engine) RecentAnomalies(limit int) []models.DetectionResult {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	if limit <= 0 || limit > len(e.recent) {
		limit = len(e.recent)
	}
	out := make([]models.DetectionResult, 0, limit)
	for i := len(e.recent) - 1; i >= len(e.recent)-limit; i-- {
		out = append(out, e.recent[i])
	}
	return out
}

// Health reports an engine snapshot for the ops API.
func (e *Engine) Health() Health {
	h := Health{
		Status:         "ok",
		Algorithm:      e.cfg.Algorithm.String(),
		RegistrySize:   e.registry.Size(),
		PoolDepth:      e.pool.Depth(),
		ResultsDropped: e.resultsDropped.Load(),
		ObserveP95Ms:   float64(e.observeLatency.Percentile(95)) / float64(time.Millisecond),
	}
	if !e.started.IsZero() {
		h.UptimeSeconds = time.Since(e.started).Seconds()
	}
	e.recentMu.Lock()
	h.RecentAnomalies = len(e.recent)
	e.recentMu.Unlock()
	if e.pipeline != nil {
		h.Pipeline = e.pipeline.Stats()
	}
	return h
}

func (e *Engine) publishLoop() {
	defer e.wg.Done()
	for {
		select {
		case result := <-e.resultCh:
			e.recordAnomaly(result)
			e.publish(result)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) recordAnomaly(result models.DetectionResult) {
	e.recentMu.Lock()
	e.recent = append(e.recent, result)
	if over := len(e.recent) - defaultRecentAnomalies; over > 0 {
		e.recent = e.recent[over:]
	}
	e.recentMu.Unlock()
	metrics.SetRegistryDetectors(e.registry.Size())
}

// publish pushes the result to the cache provider: the latest anomaly
// per metric plus a running counter per severity. Failures downgrade to
// debug logs; the cache is an optional mirror, not the source of truth.
func (e *Engine) publish(result models.DetectionResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cachePublishTimeout)
	defer cancel()

	if err := e.cache.Set(ctx, lastResultKeyPrefix+result.Metric, payload, e.cfg.ResultTTL); err != nil {
		e.logger.Debug("cache publish failed",
			slog.String("metric", result.Metric),
			slog.Any("error", err))
	}
	if _, err := e.cache.IncrBy(ctx, anomalyCounterPrefix+string(result.Severity), 1); err != nil {
		e.logger.Debug("cache counter failed",
			slog.String("severity", string(result.Severity)),
			slog.Any("error", err))
	}
}

func (e *Engine) refitLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RefitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.refitAll()
		case <-e.ctx.Done():
			return
		}
	}
}

// refitAll dispatches one fit job per metric with enough buffered
// samples. Saturation skips the metric until the next interval.
func (e *Engine) refitAll() {
	for _, metric := range e.ring.Metrics() {
		values := e.ring.Values(metric)
		if len(values) < e.cfg.MinRefitSamples {
			continue
		}
		det, err := e.registry.Batch(metric, e.cfg.Algorithm)
		if err != nil {
			e.logger.Warn("detector construction failed",
				slog.String("metric", metric),
				slog.Any("error", err))
			continue
		}

		metric := metric
		x := detect.FeatureMatrix(values)
		if err := e.pool.Submit(func() {
			if err := e.fit(det, metric, x); err != nil {
				e.logger.Warn("refit failed",
					slog.String("metric", metric),
					slog.Any("error", err))
			}
		}); err != nil {
			if errors.Is(err, ErrPoolSaturated) {
				e.logger.Warn("refit skipped, pool saturated", slog.String("metric", metric))
				continue
			}
			return
		}
	}
	metrics.SetRegistryDetectors(e.registry.Size())
}

// fit runs one fit, records its latency, and persists the fitted model.
func (e *Engine) fit(det *detect.Detector, metric string, x [][]float64) error {
	start := time.Now()
	err := det.Fit(x)
	metrics.ObserveFit(e.cfg.Algorithm.String(), time.Since(start))
	if err != nil {
		return err
	}

	e.logger.Debug("detector fitted",
		slog.String("metric", metric),
		slog.Int("samples", len(x)),
		slog.String("algorithm", e.cfg.Algorithm.String()))

	if e.store == nil {
		return nil
	}
	blob, err := det.Export()
	if err != nil {
		return fmt.Errorf("export model for %s: %w", metric, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), modelSaveTimeout)
	defer cancel()
	if err := e.store.Save(ctx, metric, e.cfg.Algorithm.String(), blob); err != nil {
		return fmt.Errorf("save model for %s: %w", metric, err)
	}
	return nil
}

// restoreModels loads every saved model into its registry slot so
// predictions survive restarts. Failures are logged and skipped.
func (e *Engine) restoreModels(ctx context.Context) {
	if e.store == nil {
		return
	}
	pairs, err := e.store.List(ctx)
	if err != nil {
		e.logger.Warn("model listing failed", slog.Any("error", err))
		return
	}

	restored := 0
	for _, pair := range pairs {
		metric, name := pair[0], pair[1]
		algorithm, err := detect.ParseAlgorithm(name)
		if err != nil {
			e.logger.Warn("skipping saved model with unknown algorithm",
				slog.String("metric", metric),
				slog.String("algorithm", name))
			continue
		}
		blob, err := e.store.Load(ctx, metric, name)
		if err != nil {
			e.logger.Warn("model load failed",
				slog.String("metric", metric),
				slog.Any("error", err))
			continue
		}
		det, err := e.registry.Batch(metric, algorithm)
		if err != nil {
			e.logger.Warn("detector construction failed",
				slog.String("metric", metric),
				slog.Any("error", err))
			continue
		}
		if err := det.Import(blob); err != nil {
			e.logger.Warn("model import failed",
				slog.String("metric", metric),
				slog.Any("error", err))
			continue
		}
		restored++
	}
	if restored > 0 {
		e.logger.Info("models restored", slog.Int("count", restored))
		metrics.SetRegistryDetectors(e.registry.Size())
	}
}
