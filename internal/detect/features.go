package detect

// FeatureMatrix lifts a metric's windowed values into single-feature
// vectors for batch fitting.
func FeatureMatrix(values []float64) [][]float64 {
	if len(values) == 0 {
		return nil
	}
	out := make([][]float64, len(values))
	for i, v := range values {
		out[i] = []float64{v}
	}
	return out
}

// FeatureVector wraps one observation for point predictions against a
// single-feature model.
func FeatureVector(value float64) []float64 {
	return []float64{value}
}
