package detect

import (
	"math"
	"sync"

	"github.com/vigilstack/vigil-detect/internal/models"
)

const (
	// streamWindow is the number of recent observations kept per metric.
	streamWindow = 100
	// streamMinSamples is the baseline floor. Below it every observation is
	// reported normal regardless of value.
	streamMinSamples = 10
	// zThreshold is the z-score above which an observation is anomalous.
	zThreshold = 2.0
	// zScoreCap normalises z-scores onto [0, 1].
	zScoreCap = 4.0
)

// StreamingDetector scores one metric's observations against a rolling
// window of its own recent history. Observations are O(1): the window keeps
// incremental sums rather than rescanning.
type StreamingDetector struct {
	mu     sync.Mutex
	window []float64
	head   int
	size   int
	sum    float64
	sumSq  float64
}

// NewStreamingDetector creates a detector with an empty history window.
func NewStreamingDetector() *StreamingDetector {
	return &StreamingDetector{window: make([]float64, streamWindow)}
}

// Observe records the point and scores it against the window, which
// includes the point itself. Pure computation; never blocks on I/O.
func (s *StreamingDetector) Observe(point models.DataPoint) models.DetectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.push(point.Value)

	mean := s.sum / float64(s.size)
	variance := s.sumSq/float64(s.size) - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)

	result := models.DetectionResult{
		Metric:    point.Metric,
		Value:     point.Value,
		Mean:      mean,
		StdDev:    std,
		Threshold: mean + zThreshold*std,
		Timestamp: point.Timestamp,
	}

	if s.size < streamMinSamples {
		// Still collecting baseline.
		return result
	}

	z := 0.0
	if std > 0 {
		z = math.Abs(point.Value-mean) / std
	}

	result.Score = math.Min(z/zScoreCap, 1.0)
	if z > zThreshold {
		result.IsAnomaly = true
		result.Severity = severityFromZ(z)
	}
	return result
}

// Count returns the number of observations currently in the window.
func (s *StreamingDetector) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *StreamingDetector) push(value float64) {
	if s.size == len(s.window) {
		old := s.window[s.head]
		s.sum -= old
		s.sumSq -= old * old
		s.head = (s.head + 1) % len(s.window)
		s.size--
	}
	s.window[(s.head+s.size)%len(s.window)] = value
	s.size++
	s.sum += value
	s.sumSq += value * value
}

// severityFromZ grades an anomalous z-score.
func severityFromZ(z float64) models.Severity {
	switch {
	case z > 3.5:
		return models.SeverityCritical
	case z > 3.0:
		return models.SeverityHigh
	case z > 2.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// SeverityFromScore grades a normalised anomaly score in [0, 1]. The tiers
// are the z-score boundaries mapped through the same cap the streaming
// detector uses, so batch and streaming results grade consistently.
func SeverityFromScore(score float64) models.Severity {
	return severityFromZ(score * zScoreCap)
}
