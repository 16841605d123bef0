package detect

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// StandardScaler standardises feature columns to zero mean and unit
// variance. A zero-variance column is passed through unchanged so constant
// features do not blow up the transform.
type StandardScaler struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// Fit learns per-column mean and population standard deviation.
func (s *StandardScaler) Fit(x [][]float64) error {
	if len(x) == 0 || len(x[0]) == 0 {
		return fmt.Errorf("scaler fit: empty input")
	}

	features := len(x[0])
	column := make([]float64, len(x))
	s.Means = make([]float64, features)
	s.Stds = make([]float64, features)

	for j := 0; j < features; j++ {
		for i, row := range x {
			if len(row) != features {
				return fmt.Errorf("scaler fit: row %d has %d features, want %d", i, len(row), features)
			}
			column[i] = row[j]
		}
		s.Means[j], s.Stds[j] = stat.PopMeanStdDev(column, nil)
	}
	return nil
}

// Transform standardises a matrix using the fitted parameters.
func (s *StandardScaler) Transform(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for i, row := range x {
		scaled, err := s.TransformOne(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}

// TransformOne standardises a single feature vector.
func (s *StandardScaler) TransformOne(row []float64) ([]float64, error) {
	if len(s.Means) == 0 {
		return nil, fmt.Errorf("scaler not fitted")
	}
	if len(row) != len(s.Means) {
		return nil, fmt.Errorf("feature vector has %d features, want %d", len(row), len(s.Means))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		div := s.Stds[j]
		if div == 0 {
			div = 1
		}
		out[j] = (v - s.Means[j]) / div
	}
	return out, nil
}

// Features returns the number of columns the scaler was fitted on.
func (s *StandardScaler) Features() int {
	return len(s.Means)
}
