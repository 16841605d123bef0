package collector

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigilstack/vigil-detect/internal/models"
	"github.com/vigilstack/vigil-detect/internal/pipeline"
)

// profile shapes one synthetic metric: values are drawn from a normal
// distribution around mean and clamped to [floor, ceil].
type profile struct {
	metric string
	mean   float64
	stddev float64
	floor  float64
	ceil   float64
}

// defaultProfiles approximate a small host fleet under steady load.
var defaultProfiles = []profile{
	{metric: "cpu.usage", mean: 65, stddev: 8, floor: 0, ceil: 100},
	{metric: "memory.usage", mean: 72, stddev: 6, floor: 0, ceil: 100},
	{metric: "disk.io", mean: 50, stddev: 12, floor: 0, ceil: 100},
	{metric: "network.throughput", mean: 310, stddev: 45, floor: 0, ceil: 1000},
}

// Submitter is the pipeline surface the collector feeds.
type Submitter interface {
	Submit(point models.DataPoint) error
}

// Config holds collector tunables.
type Config struct {
	Interval    time.Duration
	Hosts       []string
	SpikeChance float64
	Seed        int64
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if len(c.Hosts) == 0 {
		c.Hosts = []string{"host-01", "host-02", "host-03"}
	}
	if c.SpikeChance <= 0 {
		c.SpikeChance = 0.02
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

// Synthetic emits simulated host metrics into the pipeline on a fixed
// interval: one point per host and profile per tick, with occasional
// injected spikes so detections have something to find in local runs.
type Synthetic struct {
	logger   *slog.Logger
	cfg      Config
	sink     Submitter
	profiles []profile
	rng      *rand.Rand

	emitted atomic.Uint64
	dropped atomic.Uint64

	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewSynthetic creates a collector over the given submitter.
func NewSynthetic(logger *slog.Logger, cfg Config, sink Submitter) *Synthetic {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Synthetic{
		logger:   logger,
		cfg:      cfg,
		sink:     sink,
		profiles: defaultProfiles,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Start launches the emit loop. It stops when ctx is cancelled.
func (c *Synthetic) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run(ctx)
		c.logger.Info("synthetic collector started",
			slog.Duration("interval", c.cfg.Interval),
			slog.Int("hosts", len(c.cfg.Hosts)))
	})
}

// Wait blocks until the emit loop has exited.
func (c *Synthetic) Wait() {
	c.wg.Wait()
}

// Emitted returns the number of points handed to the pipeline.
func (c *Synthetic) Emitted() uint64 {
	return c.emitted.Load()
}

// Dropped returns the number of points rejected by backpressure.
func (c *Synthetic) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Synthetic) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.emit(time.Now())
		case <-ctx.Done():
			c.logger.Info("synthetic collector stopped",
				slog.Uint64("emitted", c.emitted.Load()),
				slog.Uint64("dropped", c.dropped.Load()))
			return
		}
	}
}

// emit submits one point per host and profile. Queue-full rejections are
// counted and dropped; the collector never blocks the tick.
func (c *Synthetic) emit(now time.Time) {
	for _, host := range c.cfg.Hosts {
		for _, p := range c.profiles {
			point := models.DataPoint{
				Timestamp: now,
				Metric:    p.metric,
				Value:     c.sample(p),
				Host:      host,
				Tags:      map[string]string{"source": "synthetic"},
			}
			err := c.sink.Submit(point)
			switch {
			case err == nil:
				c.emitted.Add(1)
			case errors.Is(err, pipeline.ErrQueueFull):
				c.dropped.Add(1)
			case errors.Is(err, pipeline.ErrClosed):
				return
			default:
				c.dropped.Add(1)
				c.logger.Warn("synthetic submit failed",
					slog.String("metric", p.metric),
					slog.Any("error", err))
			}
		}
	}
}

// sample draws the next value for a profile, occasionally replacing it
// with a spike well outside the normal band.
func (c *Synthetic) sample(p profile) float64 {
	value := p.mean + p.stddev*c.rng.NormFloat64()
	if c.rng.Float64() < c.cfg.SpikeChance {
		value = p.mean + p.stddev*(6+4*c.rng.Float64())
	}
	if value < p.floor {
		value = p.floor
	}
	if value > p.ceil {
		value = p.ceil
	}
	return value
}
