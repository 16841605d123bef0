package detect

import (
	"math"
	"testing"
)

func TestScalerStandardises(t *testing.T) {
	var scaler StandardScaler
	x := [][]float64{{2}, {4}, {6}}
	if err := scaler.Fit(x); err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	scaled, err := scaler.Transform(x)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	var sum, sumSq float64
	for _, row := range scaled {
		sum += row[0]
		sumSq += row[0] * row[0]
	}
	mean := sum / float64(len(scaled))
	std := math.Sqrt(sumSq/float64(len(scaled)) - mean*mean)

	if math.Abs(mean) > 1e-9 {
		t.Fatalf("expected zero mean after scaling, got %v", mean)
	}
	if math.Abs(std-1) > 1e-9 {
		t.Fatalf("expected unit variance after scaling, got std %v", std)
	}
}

func TestScalerZeroVarianceColumnIsNoop(t *testing.T) {
	var scaler StandardScaler
	x := [][]float64{{5, 1}, {5, 2}, {5, 3}}
	if err := scaler.Fit(x); err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	scaled, err := scaler.TransformOne([]float64{5, 2})
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if scaled[0] != 0 {
		t.Fatalf("expected constant column centred to 0 without blowing up, got %v", scaled[0])
	}
	if scaled[1] != 0 {
		t.Fatalf("expected mean value of varying column to scale to 0, got %v", scaled[1])
	}
}

func TestScalerRejectsDimensionMismatch(t *testing.T) {
	var scaler StandardScaler
	if err := scaler.Fit([][]float64{{1, 2}, {3}}); err == nil {
		t.Fatal("expected fit error for ragged rows")
	}

	if err := scaler.Fit([][]float64{{1, 2}, {3, 4}}); err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if _, err := scaler.TransformOne([]float64{1}); err == nil {
		t.Fatal("expected transform error for wrong width")
	}
}

func TestScalerUnfittedTransform(t *testing.T) {
	var scaler StandardScaler
	if _, err := scaler.TransformOne([]float64{1}); err == nil {
		t.Fatal("expected error transforming before fit")
	}
}
