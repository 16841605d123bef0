package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/vigilstack/vigil-detect/internal/models"
)

const defaultCapacity = 10000

// Ring is a fixed-capacity sliding window over incoming data points. When
// full, adding a point evicts the oldest one. Per-metric aggregates are kept
// in step with the window contents, so Min and Max reflect only points still
// inside it.
type Ring struct {
	mu       sync.RWMutex
	points   []models.DataPoint
	head     int
	size     int
	capacity int
	aggs     map[string]*metricAgg
}

// metricAgg tracks one metric's rolling state. The min and max deques hold
// window values in monotonic order so the current extreme is always at the
// front and eviction is O(1) amortised.
type metricAgg struct {
	sum   float64
	count int
	last  time.Time
	minDQ []float64
	maxDQ []float64
}

// NewRing creates a ring buffer with the given capacity. Non-positive
// capacities fall back to a default of 10000 points.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Ring{
		points:   make([]models.DataPoint, capacity),
		capacity: capacity,
		aggs:     make(map[string]*metricAgg),
	}
}

// Add appends a point to the window, evicting the oldest point first when
// the buffer is at capacity.
func (r *Ring) Add(point models.DataPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == r.capacity {
		r.evictOldest()
	}

	r.points[(r.head+r.size)%r.capacity] = point
	r.size++

	agg, ok := r.aggs[point.Metric]
	if !ok {
		agg = &metricAgg{}
		r.aggs[point.Metric] = agg
	}
	agg.add(point)
}

// evictOldest removes the point at the head of the window and unwinds its
// contribution to the owning metric's aggregate. Caller holds the lock.
func (r *Ring) evictOldest() {
	old := r.points[r.head]
	r.points[r.head] = models.DataPoint{}
	r.head = (r.head + 1) % r.capacity
	r.size--

	agg, ok := r.aggs[old.Metric]
	if !ok {
		return
	}
	agg.evict(old.Value)
	if agg.count == 0 {
		delete(r.aggs, old.Metric)
	}
}

// Len returns the number of points currently in the window.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the window capacity.
func (r *Ring) Cap() int {
	return r.capacity
}

// Recent returns the window's points newer than since, oldest first. An
// empty metric selects all metrics; a zero since selects the whole window.
func (r *Ring) Recent(metric string, since time.Time) []models.DataPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DataPoint, 0, r.size)
	for i := 0; i < r.size; i++ {
		p := r.points[(r.head+i)%r.capacity]
		if metric != "" && p.Metric != metric {
			continue
		}
		if !since.IsZero() && !p.Timestamp.After(since) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Values returns the window's values for one metric, oldest first.
func (r *Ring) Values(metric string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg, ok := r.aggs[metric]
	if !ok {
		return nil
	}
	out := make([]float64, 0, agg.count)
	for i := 0; i < r.size; i++ {
		p := r.points[(r.head+i)%r.capacity]
		if p.Metric == metric {
			out = append(out, p.Value)
		}
	}
	return out
}

// Aggregate returns the rolling aggregate for one metric.
func (r *Ring) Aggregate(metric string) (models.MetricAggregate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg, ok := r.aggs[metric]
	if !ok {
		return models.MetricAggregate{}, false
	}
	return agg.snapshot(), true
}

// Aggregates returns a copy of every metric's rolling aggregate.
func (r *Ring) Aggregates() map[string]models.MetricAggregate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]models.MetricAggregate, len(r.aggs))
	for name, agg := range r.aggs {
		out[name] = agg.snapshot()
	}
	return out
}

// Metrics returns the names of metrics with at least one point in the
// window, sorted for stable listings.
func (r *Ring) Metrics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.aggs))
	for name := range r.aggs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (a *metricAgg) add(point models.DataPoint) {
	a.sum += point.Value
	a.count++
	if point.Timestamp.After(a.last) {
		a.last = point.Timestamp
	}

	// Keep the min deque non-decreasing and the max deque non-increasing.
	// Equal values stay so each window entry has its own deque slot.
	for len(a.minDQ) > 0 && a.minDQ[len(a.minDQ)-1] > point.Value {
		a.minDQ = a.minDQ[:len(a.minDQ)-1]
	}
	a.minDQ = append(a.minDQ, point.Value)

	for len(a.maxDQ) > 0 && a.maxDQ[len(a.maxDQ)-1] < point.Value {
		a.maxDQ = a.maxDQ[:len(a.maxDQ)-1]
	}
	a.maxDQ = append(a.maxDQ, point.Value)
}

// evict unwinds one value leaving the window. Points leave in insertion
// order, so a departing extreme is always at the deque front.
func (a *metricAgg) evict(value float64) {
	a.sum -= value
	a.count--
	if len(a.minDQ) > 0 && a.minDQ[0] == value {
		a.minDQ = a.minDQ[1:]
	}
	if len(a.maxDQ) > 0 && a.maxDQ[0] == value {
		a.maxDQ = a.maxDQ[1:]
	}
}

func (a *metricAgg) snapshot() models.MetricAggregate {
	agg := models.MetricAggregate{
		Sum:        a.sum,
		Count:      a.count,
		LastUpdate: a.last,
	}
	if len(a.minDQ) > 0 {
		agg.Min = a.minDQ[0]
	}
	if len(a.maxDQ) > 0 {
		agg.Max = a.maxDQ[0]
	}
	return agg
}
