package models

import "time"

// DataPoint is a single metric sample flowing through the ingestion pipeline.
type DataPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Metric    string            `json:"metric_name"`
	Value     float64           `json:"value"`
	Host      string            `json:"host,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// MetricAggregate tracks rolling statistics for one metric over the
// buffer's sliding window.
type MetricAggregate struct {
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Sum        float64   `json:"sum"`
	Count      int       `json:"count"`
	LastUpdate time.Time `json:"last_update"`
}

// Mean returns the windowed average, or 0 when the window is empty.
func (a MetricAggregate) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// PipelineStats is a point-in-time snapshot of pipeline counters.
type PipelineStats struct {
	PointsReceived  uint64 `json:"points_received"`
	PointsProcessed uint64 `json:"points_processed"`
	PointsDropped   uint64 `json:"points_dropped"`
	BatchesFlushed  uint64 `json:"batches_flushed"`
	Errors          uint64 `json:"errors"`
	BufferSize      int    `json:"buffer_size"`
	QueueSize       int    `json:"queue_size"`
}
