package detect

import (
	"math"
	"testing"
	"time"

	"github.com/vigilstack/vigil-detect/internal/models"
)

func observe(t *testing.T, d *StreamingDetector, values ...float64) models.DetectionResult {
	t.Helper()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var last models.DetectionResult
	for i, v := range values {
		last = d.Observe(models.DataPoint{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Metric:    "cpu.usage",
			Value:     v,
		})
	}
	return last
}

func TestStreamingBaselineFloor(t *testing.T) {
	d := NewStreamingDetector()

	// Even a wild value must not alert while the baseline is collecting.
	values := []float64{50, 51, 49, 50, 52, 48, 50, 51, 1e9}
	result := observe(t, d, values...)

	if result.IsAnomaly {
		t.Fatal("expected no anomaly before the baseline floor is reached")
	}
	if result.Score != 0 {
		t.Fatalf("expected zero score while collecting baseline, got %v", result.Score)
	}
}

func TestStreamingConstantSeriesNeverAnomalous(t *testing.T) {
	d := NewStreamingDetector()

	var result models.DetectionResult
	for i := 0; i < 50; i++ {
		result = observe(t, d, 42)
		if result.IsAnomaly {
			t.Fatalf("constant series flagged anomalous at observation %d", i)
		}
	}
	if result.StdDev != 0 {
		t.Fatalf("expected zero std for constant series, got %v", result.StdDev)
	}
	if result.Score != 0 {
		t.Fatalf("expected zero score for constant series, got %v", result.Score)
	}
}

func TestStreamingDetectsSpikeAgainstBaseline(t *testing.T) {
	d := NewStreamingDetector()

	baseline := []float64{45.2, 52.1, 48.7, 50.3, 54.8, 47.5, 51.9, 49.4, 53.2, 46.9}
	observe(t, d, baseline...)

	result := observe(t, d, 90)
	if !result.IsAnomaly {
		t.Fatalf("expected spike to be anomalous, got %+v", result)
	}
	if result.Score <= 0.5 {
		t.Fatalf("expected a strong score for the spike, got %v", result.Score)
	}
	if result.Severity == "" {
		t.Fatal("expected severity on an anomalous result")
	}

	wantThreshold := result.Mean + 2*result.StdDev
	if math.Abs(result.Threshold-wantThreshold) > 1e-9 {
		t.Fatalf("threshold %v does not match mean+2*std %v", result.Threshold, wantThreshold)
	}
}

func TestStreamingSeverityMonotonicInZ(t *testing.T) {
	zs := []float64{2.1, 2.6, 3.1, 3.6}
	want := []models.Severity{
		models.SeverityLow,
		models.SeverityMedium,
		models.SeverityHigh,
		models.SeverityCritical,
	}
	for i, z := range zs {
		if got := severityFromZ(z); got != want[i] {
			t.Fatalf("z %v: expected %s, got %s", z, want[i], got)
		}
	}

	// Boundary values stay in the lower tier.
	if severityFromZ(2.5) != models.SeverityLow {
		t.Fatal("z exactly 2.5 should remain low")
	}
	if severityFromZ(3.0) != models.SeverityMedium {
		t.Fatal("z exactly 3.0 should remain medium")
	}
	if severityFromZ(3.5) != models.SeverityHigh {
		t.Fatal("z exactly 3.5 should remain high")
	}
}

func TestStreamingScoreClampedToOne(t *testing.T) {
	d := NewStreamingDetector()

	// A single outlier also inflates the window's std, capping the
	// achievable z-score near sqrt(n-1). Thirty baseline points leave
	// enough headroom to saturate the score.
	for i := 0; i < 30; i++ {
		observe(t, d, 50+float64(i%5))
	}

	result := observe(t, d, 1e6)
	if !result.IsAnomaly {
		t.Fatal("expected extreme value to be anomalous")
	}
	if result.Score != 1.0 {
		t.Fatalf("expected score clamped to 1.0, got %v", result.Score)
	}
	if result.Severity != models.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", result.Severity)
	}
}

func TestStreamingWindowBounded(t *testing.T) {
	d := NewStreamingDetector()
	for i := 0; i < 250; i++ {
		d.Observe(models.DataPoint{Metric: "cpu.usage", Value: float64(i % 7)})
	}
	if d.Count() != streamWindow {
		t.Fatalf("expected window capped at %d, got %d", streamWindow, d.Count())
	}
}

func TestStreamingRecoversAfterWindowTurnsOver(t *testing.T) {
	d := NewStreamingDetector()

	// Fill the window with a low regime, then shift to a high one. Once the
	// window has fully turned over, the high regime is the new normal.
	for i := 0; i < streamWindow; i++ {
		observe(t, d, 10+float64(i%3))
	}
	var result models.DetectionResult
	for i := 0; i < streamWindow; i++ {
		result = observe(t, d, 100+float64(i%3))
	}
	if result.IsAnomaly {
		t.Fatalf("expected the new regime to become normal, got %+v", result)
	}
	if result.Mean < 99 {
		t.Fatalf("expected mean to track the new regime, got %v", result.Mean)
	}
}
