package detect

import (
	"sort"
	"sync"
)

// registryKey pairs a metric with an algorithm, so one metric can carry
// several batch detectors side by side.
type registryKey struct {
	metric    string
	algorithm Algorithm
}

// RegistryEntry describes one batch detector held by the registry.
type RegistryEntry struct {
	Metric    string  `json:"metric_name"`
	Algorithm string  `json:"algorithm"`
	Fitted    bool    `json:"fitted"`
	Threshold float64 `json:"threshold"`
}

// Registry hands out per-metric detectors, creating them lazily on first
// use. Detectors live for the lifetime of the process. The registry is
// constructed once and passed to its consumers; there is no package-level
// instance.
type Registry struct {
	mu        sync.Mutex
	cfg       Config
	streaming map[string]*StreamingDetector
	batch     map[registryKey]*Detector
}

// NewRegistry creates a registry whose batch detectors share cfg's
// threshold, contamination, and seed. The algorithm comes from each lookup
// key.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:       cfg,
		streaming: make(map[string]*StreamingDetector),
		batch:     make(map[registryKey]*Detector),
	}
}

// Streaming returns the metric's streaming detector, creating it on first
// use.
func (r *Registry) Streaming(metric string) *StreamingDetector {
	r.mu.Lock()
	defer r.mu.Unlock()

	detector, ok := r.streaming[metric]
	if !ok {
		detector = NewStreamingDetector()
		r.streaming[metric] = detector
	}
	return detector
}

// Batch returns the metric's batch detector for the given algorithm,
// creating it on first use.
func (r *Registry) Batch(metric string, algorithm Algorithm) (*Detector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{metric: metric, algorithm: algorithm}
	detector, ok := r.batch[key]
	if !ok {
		cfg := r.cfg
		cfg.Algorithm = algorithm
		var err error
		detector, err = NewDetector(cfg)
		if err != nil {
			return nil, err
		}
		r.batch[key] = detector
	}
	return detector, nil
}

// Size returns the total number of detectors, streaming and batch.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streaming) + len(r.batch)
}

// Entries lists the registry's batch detectors in a stable order.
func (r *Registry) Entries() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RegistryEntry, 0, len(r.batch))
	for key, detector := range r.batch {
		out = append(out, RegistryEntry{
			Metric:    key.metric,
			Algorithm: key.algorithm.String(),
			Fitted:    detector.Fitted(),
			Threshold: detector.Threshold(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return out[i].Algorithm < out[j].Algorithm
	})
	return out
}

// StreamingMetrics lists metrics with a streaming detector, sorted.
func (r *Registry) StreamingMetrics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.streaming))
	for metric := range r.streaming {
		out = append(out, metric)
	}
	sort.Strings(out)
	return out
}
