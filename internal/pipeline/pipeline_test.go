package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/vigilstack/vigil-detect/internal/buffer"
	"github.com/vigilstack/vigil-detect/internal/models"
)

type fakeSink struct {
	mu       sync.Mutex
	batches  [][]models.DataPoint
	failures int
	calls    int
}

func (f *fakeSink) WriteBatch(_ context.Context, points []models.DataPoint) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("sink unavailable")
	}
	batch := make([]models.DataPoint, len(points))
	copy(batch, points)
	f.batches = append(f.batches, batch)
	return fmt.Sprintf("batches/test-%06d", len(f.batches)), nil
}

func (f *fakeSink) flushedPoints() []models.DataPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DataPoint
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func point(metric string, value float64) models.DataPoint {
	return models.DataPoint{
		Timestamp: time.Now().UTC(),
		Metric:    metric,
		Value:     value,
		Host:      "test-host",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestPipelineProcessesValidPoints(t *testing.T) {
	ring := buffer.NewRing(100)
	var mu sync.Mutex
	var observed []string
	observer := func(p models.DataPoint) {
		mu.Lock()
		observed = append(observed, p.Metric)
		mu.Unlock()
	}

	p := NewPipeline(nil, Config{QueueSize: 10, FlushInterval: time.Minute}, ring, nil, observer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	for i := 0; i < 5; i++ {
		if err := p.Submit(point("cpu.usage", float64(40+i))); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return p.Stats().PointsProcessed == 5
	}, "points processed")

	stats := p.Stats()
	if stats.PointsReceived != 5 || stats.PointsDropped != 0 {
		t.Fatalf("stats = %+v, want 5 received, 0 dropped", stats)
	}
	if ring.Len() != 5 {
		t.Fatalf("ring holds %d points, want 5", ring.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 5 {
		t.Fatalf("observer saw %d points, want 5", len(observed))
	}
}

func TestPipelineDropsInvalidPoints(t *testing.T) {
	ring := buffer.NewRing(100)
	p := NewPipeline(nil, Config{QueueSize: 10, FlushInterval: time.Minute}, ring, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	bad := []models.DataPoint{
		point("", 1.0),
		point("cpu.usage", math.NaN()),
		point("cpu.usage", math.Inf(1)),
	}
	for _, dp := range bad {
		if err := p.Submit(dp); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := p.Submit(point("cpu.usage", 42)); err != nil {
		t.Fatalf("Submit valid: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		s := p.Stats()
		return s.PointsDropped == 3 && s.PointsProcessed == 1
	}, "3 dropped, 1 processed")

	if ring.Len() != 1 {
		t.Fatalf("ring holds %d points, want 1 (invalid points must never be buffered)", ring.Len())
	}
}

func TestSubmitBackpressureWithoutBlocking(t *testing.T) {
	// Not started: nothing drains the queue.
	p := NewPipeline(nil, Config{QueueSize: 2, FlushInterval: time.Minute}, buffer.NewRing(10), nil, nil)

	if err := p.Submit(point("m", 1)); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if err := p.Submit(point("m", 2)); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}

	start := time.Now()
	err := p.Submit(point("m", 3))
	elapsed := time.Since(start)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit on full queue returned %v, want ErrQueueFull", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("Submit blocked for %v on a full queue", elapsed)
	}
	if got := p.Stats().Errors; got != 1 {
		t.Fatalf("Errors = %d after rejected submit, want 1", got)
	}
}

func TestPipelineFlushesBatchesToSink(t *testing.T) {
	sink := &fakeSink{}
	p := NewPipeline(nil, Config{QueueSize: 50, BatchSize: 100, FlushInterval: 20 * time.Millisecond},
		buffer.NewRing(100), sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	for i := 0; i < 7; i++ {
		if err := p.Submit(point("memory.usage", float64(i))); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(sink.flushedPoints()) == 7
	}, "all points flushed")

	flushed := sink.flushedPoints()
	for i, dp := range flushed {
		if dp.Value != float64(i) {
			t.Fatalf("flushed point %d has value %v, want %d (order lost)", i, dp.Value, i)
		}
	}
	if p.Stats().BatchesFlushed == 0 {
		t.Fatal("BatchesFlushed not incremented")
	}
}

func TestPipelineRetriesFailedFlushWithoutLosingPoints(t *testing.T) {
	sink := &fakeSink{failures: 2}
	p := NewPipeline(nil, Config{QueueSize: 50, BatchSize: 100, FlushInterval: 20 * time.Millisecond},
		buffer.NewRing(100), sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	for i := 0; i < 4; i++ {
		if err := p.Submit(point("disk.io", float64(10+i))); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool {
		return len(sink.flushedPoints()) == 4
	}, "points flushed after retries")

	if sink.callCount() < 3 {
		t.Fatalf("sink called %d times, want at least 3 (2 failures + success)", sink.callCount())
	}
	flushed := sink.flushedPoints()
	for i, dp := range flushed {
		if dp.Value != float64(10+i) {
			t.Fatalf("flushed point %d has value %v, want %d", i, dp.Value, 10+i)
		}
	}
	stats := p.Stats()
	if stats.Errors < 2 {
		t.Fatalf("Errors = %d, want at least 2 for the failed flushes", stats.Errors)
	}
	if stats.BatchesFlushed != 1 {
		t.Fatalf("BatchesFlushed = %d, want 1 (failures must not count)", stats.BatchesFlushed)
	}
}

func TestStopDrainsQueueAndFlushesPending(t *testing.T) {
	sink := &fakeSink{}
	// Flush interval far beyond the test duration: only the final flush runs.
	p := NewPipeline(nil, Config{QueueSize: 50, BatchSize: 3, FlushInterval: time.Hour},
		buffer.NewRing(100), sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for i := 0; i < 8; i++ {
		if err := p.Submit(point("network.throughput", float64(i))); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	p.Stop(context.Background())

	flushed := sink.flushedPoints()
	if len(flushed) != 8 {
		t.Fatalf("final flush delivered %d points, want 8", len(flushed))
	}
	if p.Stats().PointsProcessed != 8 {
		t.Fatalf("PointsProcessed = %d after stop, want 8", p.Stats().PointsProcessed)
	}

	if err := p.Submit(point("network.throughput", 99)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Stop returned %v, want ErrClosed", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		point models.DataPoint
		ok    bool
	}{
		{"valid", point("cpu.usage", 55.5), true},
		{"empty metric", point("", 1), false},
		{"nan", point("cpu.usage", math.NaN()), false},
		{"negative inf", point("cpu.usage", math.Inf(-1)), false},
		{"zero value", point("cpu.usage", 0), true},
		{"negative value", point("temp.delta", -12.5), true},
	}
	for _, tc := range cases {
		err := Validate(tc.point)
		if tc.ok && err != nil {
			t.Fatalf("%s: Validate returned %v, want nil", tc.name, err)
		}
		if !tc.ok {
			if !errors.Is(err, ErrInvalidPoint) {
				t.Fatalf("%s: Validate returned %v, want ErrInvalidPoint", tc.name, err)
			}
		}
	}
}
