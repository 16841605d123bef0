package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vigilstack/vigil-detect/internal/buffer"
	"github.com/vigilstack/vigil-detect/internal/cache"
	"github.com/vigilstack/vigil-detect/internal/detect"
	"github.com/vigilstack/vigil-detect/internal/models"
)

type fakeModelStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	saves   int
	listErr error
}

func newFakeModelStore() *fakeModelStore {
	return &fakeModelStore{blobs: map[string][]byte{}}
}

func (f *fakeModelStore) key(metric, algorithm string) string {
	return metric + "|" + algorithm
}

func (f *fakeModelStore) Save(_ context.Context, metric, algorithm string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[f.key(metric, algorithm)] = append([]byte(nil), blob...)
	f.saves++
	return nil
}

func (f *fakeModelStore) Load(_ context.Context, metric, algorithm string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.blobs[f.key(metric, algorithm)]
	if !ok {
		return nil, fmt.Errorf("no model for %s/%s", metric, algorithm)
	}
	return blob, nil
}

func (f *fakeModelStore) List(_ context.Context) ([][2]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([][2]string, 0, len(f.blobs))
	for key := range f.blobs {
		for i := 0; i < len(key); i++ {
			if key[i] == '|' {
				out = append(out, [2]string{key[:i], key[i+1:]})
				break
			}
		}
	}
	return out, nil
}

func (f *fakeModelStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type fakeIngestor struct {
	mu      sync.Mutex
	stats   models.PipelineStats
	stopped bool
}

func (f *fakeIngestor) Stats() models.PipelineStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeIngestor) Stop(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeIngestor) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestObservePointPublishesAnomalies(t *testing.T) {
	provider := cache.NewMemoryProvider()
	eng := NewEngine(discardLogger(), Config{Algorithm: detect.AlgorithmIsolationForest}, nil, nil, nil, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	now := time.Now()
	for i := 0; i < 20; i++ {
		eng.ObservePoint(models.DataPoint{Timestamp: now, Metric: "cpu.usage", Value: 50})
	}
	eng.ObservePoint(models.DataPoint{Timestamp: now, Metric: "cpu.usage", Value: 500})

	waitFor(t, time.Second, func() bool { return len(eng.RecentAnomalies(10)) > 0 })

	anomalies := eng.RecentAnomalies(10)
	if anomalies[0].Metric != "cpu.usage" || anomalies[0].Value != 500 {
		t.Fatalf("unexpected anomaly %+v", anomalies[0])
	}
	if anomalies[0].Severity != models.SeverityCritical {
		t.Fatalf("expected a critical severity for the spike, got %s", anomalies[0].Severity)
	}

	// The latest result and the severity counter land in the cache.
	waitFor(t, time.Second, func() bool {
		_, err := provider.Get(ctx, lastResultKeyPrefix+"cpu.usage")
		return err == nil
	})
	payload, err := provider.Get(ctx, lastResultKeyPrefix+"cpu.usage")
	if err != nil {
		t.Fatalf("cached result: %v", err)
	}
	var cached models.DetectionResult
	if err := json.Unmarshal(payload, &cached); err != nil {
		t.Fatalf("decode cached result: %v", err)
	}
	if !cached.IsAnomaly || cached.Value != 500 {
		t.Fatalf("unexpected cached result %+v", cached)
	}
	if _, err := provider.Get(ctx, anomalyCounterPrefix+string(models.SeverityCritical)); err != nil {
		t.Fatalf("severity counter missing: %v", err)
	}
}

func TestObservePointNormalValuesStayQuiet(t *testing.T) {
	eng := NewEngine(discardLogger(), Config{}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	now := time.Now()
	for i := 0; i < 50; i++ {
		eng.ObservePoint(models.DataPoint{Timestamp: now, Metric: "cpu.usage", Value: 50 + float64(i%3)})
	}
	time.Sleep(20 * time.Millisecond)
	if got := eng.RecentAnomalies(10); len(got) != 0 {
		t.Fatalf("expected no anomalies for a steady series, got %+v", got)
	}
}

func TestPredictOneBeforeFit(t *testing.T) {
	eng := NewEngine(discardLogger(), Config{Algorithm: detect.AlgorithmIsolationForest}, nil, nil, nil, nil)
	if _, err := eng.PredictOne("cpu.usage", 50); !errors.Is(err, detect.ErrNotFitted) {
		t.Fatalf("PredictOne before fit = %v, want ErrNotFitted", err)
	}
}

func TestFitNowThenPredict(t *testing.T) {
	ring := buffer.NewRing(500)
	now := time.Now()
	for i := 0; i < 200; i++ {
		ring.Add(models.DataPoint{Timestamp: now, Metric: "cpu.usage", Value: 40 + float64(i%21)})
	}
	store := newFakeModelStore()
	eng := NewEngine(discardLogger(), Config{Algorithm: detect.AlgorithmIsolationForest, Workers: 2}, nil, ring, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	if err := eng.FitNow(ctx, "cpu.usage"); err != nil {
		t.Fatalf("FitNow: %v", err)
	}
	if store.saveCount() == 0 {
		t.Fatal("expected the fitted model to be persisted")
	}

	inlier, err := eng.PredictOne("cpu.usage", 50)
	if err != nil {
		t.Fatalf("PredictOne inlier: %v", err)
	}
	if inlier.Anomaly {
		t.Fatalf("expected 50 to be normal, got %+v", inlier)
	}

	outlier, err := eng.PredictOne("cpu.usage", 500)
	if err != nil {
		t.Fatalf("PredictOne outlier: %v", err)
	}
	if !outlier.Anomaly {
		t.Fatalf("expected 500 to be anomalous, got %+v", outlier)
	}
}

func TestFitNowWithoutSamples(t *testing.T) {
	eng := NewEngine(discardLogger(), Config{}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	if err := eng.FitNow(ctx, "ghost"); err == nil {
		t.Fatal("expected an error fitting a metric with no buffered samples")
	}
}

func TestStartRestoresSavedModels(t *testing.T) {
	// Fit a detector offline and stash its export, as a previous process
	// would have.
	det, err := detect.NewDetector(detect.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	values := make([]float64, 0, 200)
	for i := 0; i < 200; i++ {
		values = append(values, 40+float64(i%21))
	}
	if err := det.Fit(detect.FeatureMatrix(values)); err != nil {
		t.Fatalf("fit: %v", err)
	}
	blob, err := det.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	store := newFakeModelStore()
	if err := store.Save(context.Background(), "cpu.usage", detect.AlgorithmIsolationForest.String(), blob); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	eng := NewEngine(discardLogger(), Config{Algorithm: detect.AlgorithmIsolationForest}, nil, nil, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	score, err := eng.PredictOne("cpu.usage", 500)
	if err != nil {
		t.Fatalf("PredictOne after restore: %v", err)
	}
	if !score.Anomaly {
		t.Fatalf("expected the restored model to flag 500, got %+v", score)
	}
}

func TestRefitLoopFitsEligibleMetrics(t *testing.T) {
	ring := buffer.NewRing(500)
	now := time.Now()
	for i := 0; i < 100; i++ {
		ring.Add(models.DataPoint{Timestamp: now, Metric: "cpu.usage", Value: 40 + float64(i%21)})
	}
	// Too few samples; must be skipped.
	for i := 0; i < 5; i++ {
		ring.Add(models.DataPoint{Timestamp: now, Metric: "memory.usage", Value: 70})
	}

	store := newFakeModelStore()
	registry := detect.NewRegistry(detect.DefaultConfig())
	eng := NewEngine(discardLogger(), Config{
		Algorithm:       detect.AlgorithmIsolationForest,
		RefitInterval:   20 * time.Millisecond,
		MinRefitSamples: 50,
		Workers:         2,
	}, registry, ring, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return store.saveCount() > 0 })

	fitted := false
	for _, entry := range registry.Entries() {
		switch entry.Metric {
		case "cpu.usage":
			fitted = entry.Fitted
		case "memory.usage":
			t.Fatal("metric below the refit floor must not get a detector")
		}
	}
	if !fitted {
		t.Fatal("expected the refit loop to fit cpu.usage")
	}
}

func TestHealthSnapshot(t *testing.T) {
	ingest := &fakeIngestor{stats: models.PipelineStats{PointsReceived: 5, QueueSize: 1}}
	eng := NewEngine(discardLogger(), Config{Algorithm: detect.AlgorithmIsolationForest}, nil, nil, nil, nil)
	eng.SetPipeline(ingest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	h := eng.Health()
	if h.Status != "ok" || h.Algorithm != "isolation_forest" {
		t.Fatalf("unexpected health %+v", h)
	}
	if h.Pipeline.PointsReceived != 5 {
		t.Fatalf("expected pipeline stats to flow through, got %+v", h.Pipeline)
	}
	if h.UptimeSeconds < 0 {
		t.Fatalf("negative uptime %v", h.UptimeSeconds)
	}
}

func TestStopDrainsPipeline(t *testing.T) {
	ingest := &fakeIngestor{}
	eng := NewEngine(discardLogger(), Config{}, nil, nil, nil, nil)
	eng.SetPipeline(ingest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	eng.Stop(context.Background())

	if !ingest.wasStopped() {
		t.Fatal("expected Stop to drain the pipeline first")
	}
}

func TestRecentAnomaliesNewestFirstAndBounded(t *testing.T) {
	eng := NewEngine(discardLogger(), Config{}, nil, nil, nil, nil)

	for i := 0; i < defaultRecentAnomalies+20; i++ {
		eng.recordAnomaly(models.DetectionResult{Metric: "cpu.usage", Value: float64(i), IsAnomaly: true})
	}

	all := eng.RecentAnomalies(0)
	if len(all) != defaultRecentAnomalies {
		t.Fatalf("expected the recent list to cap at %d, got %d", defaultRecentAnomalies, len(all))
	}
	if all[0].Value != float64(defaultRecentAnomalies+19) {
		t.Fatalf("expected newest first, got %v", all[0].Value)
	}

	limited := eng.RecentAnomalies(5)
	if len(limited) != 5 || limited[0].Value != all[0].Value {
		t.Fatalf("unexpected limited slice %+v", limited)
	}
}
