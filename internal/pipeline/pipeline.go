package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigilstack/vigil-detect/internal/buffer"
	"github.com/vigilstack/vigil-detect/internal/metrics"
	"github.com/vigilstack/vigil-detect/internal/models"
)

// ErrQueueFull signals that the submission queue is at capacity and the
// caller should back off.
var ErrQueueFull = errors.New("ingest queue full")

// ErrInvalidPoint signals that a data point failed validation.
var ErrInvalidPoint = errors.New("invalid data point")

// ErrClosed signals a submission after the pipeline stopped accepting.
var ErrClosed = errors.New("pipeline closed")

// pollTimeout bounds how long the consumer waits for work before waking
// to refresh gauges and observe shutdown.
const pollTimeout = time.Second

// Sink receives flushed batches. The returned key identifies where the
// batch landed and is only used for logging.
type Sink interface {
	WriteBatch(ctx context.Context, points []models.DataPoint) (string, error)
}

// Observer is invoked inline for every validated point, on the consumer
// goroutine. It must not block.
type Observer func(models.DataPoint)

// Config holds pipeline tunables.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// Pipeline accepts data points through a bounded queue, validates them on
// a single consumer goroutine, feeds the ring buffer, and periodically
// flushes batches to the sink.
type Pipeline struct {
	logger   *slog.Logger
	cfg      Config
	ring     *buffer.Ring
	sink     Sink
	observer Observer

	queue chan models.DataPoint

	mu      sync.RWMutex
	closed  bool
	pending []models.DataPoint

	received  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	flushed   atomic.Uint64
	errCount  atomic.Uint64

	stopFlush chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPipeline wires a pipeline over the shared ring buffer. sink may be
// nil, which disables the archival path; observer may be nil.
func NewPipeline(logger *slog.Logger, cfg Config, ring *buffer.Ring, sink Sink, observer Observer) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if ring == nil {
		ring = buffer.NewRing(0)
	}

	return &Pipeline{
		logger:    logger,
		cfg:       cfg,
		ring:      ring,
		sink:      sink,
		observer:  observer,
		queue:     make(chan models.DataPoint, cfg.QueueSize),
		stopFlush: make(chan struct{}),
	}
}

// Start launches the consumer and flush goroutines. ctx cancellation is a
// hard stop; use Stop for a graceful drain.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.consume(ctx)

		if p.sink != nil {
			p.wg.Add(1)
			go p.flushLoop(ctx)
		}
		p.logger.Info("pipeline started",
			slog.Int("queue_size", p.cfg.QueueSize),
			slog.Int("batch_size", p.cfg.BatchSize),
			slog.Duration("flush_interval", p.cfg.FlushInterval))
	})
}

// Stop closes the intake, drains whatever is already queued, flushes all
// pending points, and returns. Safe to call more than once.
func (p *Pipeline) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		close(p.stopFlush)
		p.wg.Wait()

		if p.sink != nil {
			p.flushAll(ctx)
		}
		p.logger.Info("pipeline stopped")
	})
}

// Submit enqueues one point without blocking. Returns ErrQueueFull when
// the queue is at capacity and ErrClosed after Stop.
func (p *Pipeline) Submit(point models.DataPoint) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- point:
		p.received.Add(1)
		metrics.IncPointsReceived()
		metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		p.errCount.Add(1)
		metrics.IncPipelineErrors()
		return ErrQueueFull
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() models.PipelineStats {
	return models.PipelineStats{
		PointsReceived:  p.received.Load(),
		PointsProcessed: p.processed.Load(),
		PointsDropped:   p.dropped.Load(),
		BatchesFlushed:  p.flushed.Load(),
		Errors:          p.errCount.Load(),
		BufferSize:      p.ring.Len(),
		QueueSize:       len(p.queue),
	}
}

// Validate reports whether a point is acceptable: non-empty metric name
// and a finite value.
func Validate(point models.DataPoint) error {
	if point.Metric == "" {
		return fmt.Errorf("%w: empty metric name", ErrInvalidPoint)
	}
	if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
		return fmt.Errorf("%w: non-finite value for %s", ErrInvalidPoint, point.Metric)
	}
	return nil
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()

	idle := time.NewTicker(pollTimeout)
	defer idle.Stop()

	for {
		select {
		case point, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(point)
		case <-idle.C:
			metrics.SetQueueDepth(len(p.queue))
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) process(point models.DataPoint) {
	if err := Validate(point); err != nil {
		p.dropped.Add(1)
		metrics.IncPointsDropped()
		p.logger.Warn("dropping invalid point",
			slog.String("metric", point.Metric),
			slog.Any("error", err))
		return
	}

	p.ring.Add(point)
	p.processed.Add(1)
	metrics.IncPointsProcessed()
	metrics.SetBufferSize(p.ring.Len())

	if p.sink != nil {
		p.mu.Lock()
		p.pending = append(p.pending, point)
		// The pending set mirrors the ring; once the ring would have
		// evicted a point there is nothing left to archive it for.
		if over := len(p.pending) - p.ring.Cap(); over > 0 {
			p.pending = p.pending[over:]
		}
		p.mu.Unlock()
	}

	if p.observer != nil {
		p.observer(point)
	}
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Flushes get their own deadline so a canceled run context
			// cannot poison the retry path during shutdown.
			flushCtx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushInterval)
			p.flushOnce(flushCtx)
			cancel()
		case <-p.stopFlush:
			return
		case <-ctx.Done():
			return
		}
	}
}

// flushOnce hands at most one batch to the sink. On failure the batch is
// restored at the head of the pending set so order is preserved and
// nothing is lost; the next tick retries.
func (p *Pipeline) flushOnce(ctx context.Context) bool {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return false
	}
	n := len(p.pending)
	if n > p.cfg.BatchSize {
		n = p.cfg.BatchSize
	}
	batch := make([]models.DataPoint, n)
	copy(batch, p.pending[:n])
	p.pending = p.pending[n:]
	p.mu.Unlock()

	start := time.Now()
	key, err := p.sink.WriteBatch(ctx, batch)
	metrics.ObserveFlush(time.Since(start))
	if err != nil {
		p.errCount.Add(1)
		metrics.IncPipelineErrors()
		p.logger.Warn("batch flush failed, will retry",
			slog.Int("points", len(batch)),
			slog.Any("error", err))
		p.mu.Lock()
		p.pending = append(batch, p.pending...)
		p.mu.Unlock()
		return false
	}

	p.flushed.Add(1)
	metrics.IncBatchesFlushed()
	p.logger.Debug("batch flushed",
		slog.String("key", key),
		slog.Int("points", len(batch)))
	return true
}

// flushAll drains the pending set batch by batch until empty, a flush
// fails, or ctx expires.
func (p *Pipeline) flushAll(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.mu.RLock()
		remaining := len(p.pending)
		p.mu.RUnlock()
		if remaining == 0 {
			return
		}
		if !p.flushOnce(ctx) {
			return
		}
	}
}
