package detect

import (
	"math"

	"github.com/montanaflynn/stats"
)

// iqrFenceFactor is the classic Tukey fence multiplier.
const iqrFenceFactor = 1.5

// DetectIQR reports whether value falls outside the interquartile fences of
// the sample, and a score normalising how far beyond the nearest fence it
// sits. Fewer than 4 samples cannot produce quartiles and always report
// normal. Pure function, no state.
func DetectIQR(values []float64, value float64) (bool, float64) {
	if len(values) < 4 {
		return false, 0
	}

	quartiles, err := stats.Quartile(values)
	if err != nil {
		return false, 0
	}

	iqr := quartiles.Q3 - quartiles.Q1
	lower := quartiles.Q1 - iqrFenceFactor*iqr
	upper := quartiles.Q3 + iqrFenceFactor*iqr

	var distance float64
	switch {
	case value < lower:
		distance = lower - value
	case value > upper:
		distance = value - upper
	default:
		return false, 0
	}

	if iqr == 0 {
		// Degenerate spread: any point beyond the fences is maximally
		// surprising.
		return true, 1.0
	}
	return true, math.Min(distance/iqr, 1.0)
}
