package detect

import (
	"math"
	"testing"
)

func TestIQRTooFewSamples(t *testing.T) {
	anomalous, score := DetectIQR([]float64{1, 2, 3}, 100)
	if anomalous || score != 0 {
		t.Fatalf("expected no detection under 4 samples, got %v score %v", anomalous, score)
	}
}

func TestIQRInlierWithinFences(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	anomalous, score := DetectIQR(values, 5)
	if anomalous || score != 0 {
		t.Fatalf("expected inlier, got %v score %v", anomalous, score)
	}
}

func TestIQROutlierAboveUpperFence(t *testing.T) {
	// Q1 = 2.5, Q3 = 6.5, IQR = 4, upper fence = 12.5.
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}

	anomalous, score := DetectIQR(values, 13.5)
	if !anomalous {
		t.Fatal("expected value beyond the upper fence to be anomalous")
	}
	if math.Abs(score-0.25) > 1e-9 {
		t.Fatalf("expected score 0.25 one unit past the fence, got %v", score)
	}

	anomalous, score = DetectIQR(values, 100)
	if !anomalous || score != 1.0 {
		t.Fatalf("expected far outlier clamped to 1.0, got %v score %v", anomalous, score)
	}
}

func TestIQROutlierBelowLowerFence(t *testing.T) {
	// Lower fence = 2.5 - 6 = -3.5.
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	anomalous, score := DetectIQR(values, -7.5)
	if !anomalous {
		t.Fatal("expected value beyond the lower fence to be anomalous")
	}
	if math.Abs(score-1.0) > 1e-9 {
		t.Fatalf("expected score 1.0 four units past the fence, got %v", score)
	}
}

func TestIQRZeroSpread(t *testing.T) {
	values := []float64{5, 5, 5, 5, 5}

	anomalous, score := DetectIQR(values, 5)
	if anomalous {
		t.Fatal("expected the constant value itself to be normal")
	}

	anomalous, score = DetectIQR(values, 6)
	if !anomalous || score != 1.0 {
		t.Fatalf("expected any deviation from constant data to score 1.0, got %v score %v", anomalous, score)
	}
}
