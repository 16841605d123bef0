package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pointsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil_detect",
			Name:      "points_received_total",
			Help:      "Total number of data points accepted into the ingestion queue.",
		},
	)

	pointsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil_detect",
			Name:      "points_processed_total",
			Help:      "Total number of validated data points added to the window buffer.",
		},
	)

	pointsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil_detect",
			Name:      "points_dropped_total",
			Help:      "Total number of data points rejected by validation.",
		},
	)

	batchesFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil_detect",
			Name:      "batches_flushed_total",
			Help:      "Total number of batches successfully handed to the storage sink.",
		},
	)

	pipelineErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil_detect",
			Name:      "pipeline_errors_total",
			Help:      "Total number of pipeline errors, including failed flushes.",
		},
	)

	detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil_detect",
			Name:      "detections_total",
			Help:      "Total number of anomalies detected, partitioned by algorithm and severity.",
		},
		[]string{"algorithm", "severity"},
	)

	resultsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil_detect",
			Name:      "results_dropped_total",
			Help:      "Total number of detection results dropped because the results channel was full.",
		},
	)

	bufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigil_detect",
			Name:      "buffer_size",
			Help:      "Current number of data points held in the window buffer.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigil_detect",
			Name:      "queue_depth",
			Help:      "Current number of data points waiting in the ingestion queue.",
		},
	)

	registryDetectors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigil_detect",
			Name:      "registry_detectors",
			Help:      "Current number of detectors held by the registry.",
		},
	)

	fitDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vigil_detect",
			Name:      "fit_seconds",
			Help:      "Model fit latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"algorithm"},
	)

	predictDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vigil_detect",
			Name:      "predict_seconds",
			Help:      "Model predict latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"algorithm"},
	)

	flushDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vigil_detect",
			Name:      "flush_seconds",
			Help:      "Batch flush latency in seconds.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

// Register attaches vigil-detect collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pointsReceivedTotal,
		pointsProcessedTotal,
		pointsDroppedTotal,
		batchesFlushedTotal,
		pipelineErrorsTotal,
		detectionsTotal,
		resultsDroppedTotal,
		bufferSize,
		queueDepth,
		registryDetectors,
		fitDurationSeconds,
		predictDurationSeconds,
		flushDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// IncPointsReceived counts a point accepted into the queue.
func IncPointsReceived() { pointsReceivedTotal.Inc() }

// IncPointsProcessed counts a validated point added to the buffer.
func IncPointsProcessed() { pointsProcessedTotal.Inc() }

// IncPointsDropped counts a point rejected by validation.
func IncPointsDropped() { pointsDroppedTotal.Inc() }

// IncBatchesFlushed counts a successful flush to the storage sink.
func IncBatchesFlushed() { batchesFlushedTotal.Inc() }

// IncPipelineErrors counts a pipeline error.
func IncPipelineErrors() { pipelineErrorsTotal.Inc() }

// IncDetections counts an anomaly for the given algorithm and severity labels.
func IncDetections(algorithm, severity string) {
	detectionsTotal.WithLabelValues(algorithm, severity).Inc()
}

// IncResultsDropped counts a detection result dropped on channel overflow.
func IncResultsDropped() { resultsDroppedTotal.Inc() }

// SetBufferSize records the current window buffer occupancy.
func SetBufferSize(n int) { bufferSize.Set(float64(n)) }

// SetQueueDepth records the current ingestion queue occupancy.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// SetRegistryDetectors records the number of detectors in the registry.
func SetRegistryDetectors(n int) { registryDetectors.Set(float64(n)) }

// ObserveFit records a model fit duration for the given algorithm.
func ObserveFit(algorithm string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	fitDurationSeconds.WithLabelValues(algorithm).Observe(duration.Seconds())
}

// ObservePredict records a model predict duration for the given algorithm.
func ObservePredict(algorithm string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	predictDurationSeconds.WithLabelValues(algorithm).Observe(duration.Seconds())
}

// ObserveFlush records a batch flush duration.
func ObserveFlush(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	flushDurationSeconds.Observe(duration.Seconds())
}
