package detect

import (
	"fmt"
	"math"
	"sort"
)

const defaultNeighbors = 20

// reachEpsilon floors reachability sums so duplicate training points cannot
// produce infinite densities.
const reachEpsilon = 1e-12

// LocalOutlierFactor scores points by comparing their local density against
// the density of their nearest training neighbours. Ratios near 1 mean the
// point sits in a region as dense as its neighbourhood; larger ratios mean
// it is isolated.
type LocalOutlierFactor struct {
	K     int         `json:"k"`
	Train [][]float64 `json:"train"`
	KDist []float64   `json:"k_dist"`
	LRD   []float64   `json:"lrd"`
}

// NewLocalOutlierFactor creates an untrained LOF model with standard
// parameters.
func NewLocalOutlierFactor() *LocalOutlierFactor {
	return &LocalOutlierFactor{K: defaultNeighbors}
}

// Fit stores the scaled training matrix and precomputes each training
// point's k-distance and local reachability density.
func (l *LocalOutlierFactor) Fit(x [][]float64) error {
	if len(x) < 2 {
		return fmt.Errorf("lof fit: need at least 2 samples, got %d", len(x))
	}
	if l.K <= 0 {
		l.K = defaultNeighbors
	}

	n := len(x)
	k := l.K
	if k > n-1 {
		k = n - 1
	}

	train := make([][]float64, n)
	for i, row := range x {
		train[i] = append([]float64(nil), row...)
	}

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := euclidean(train[i], train[j])
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	kdist := make([]float64, n)
	neighbors := make([][]int, n)
	for i := 0; i < n; i++ {
		order := nearestIndices(dist[i], i)
		neighbors[i] = order[:k]
		kdist[i] = dist[i][order[k-1]]
	}

	lrd := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for _, p := range neighbors[i] {
			sum += math.Max(kdist[p], dist[i][p])
		}
		if sum < reachEpsilon {
			sum = reachEpsilon
		}
		lrd[i] = float64(k) / sum
	}

	l.Train = train
	l.KDist = kdist
	l.LRD = lrd
	return nil
}

// Trained reports whether the model holds training state.
func (l *LocalOutlierFactor) Trained() bool {
	return len(l.Train) > 0
}

// Score returns the LOF ratio for one feature vector.
func (l *LocalOutlierFactor) Score(row []float64) float64 {
	if !l.Trained() {
		return 1
	}

	n := len(l.Train)
	k := l.K
	if k > n {
		k = n
	}

	dists := make([]float64, n)
	for i, train := range l.Train {
		dists[i] = euclidean(row, train)
	}
	order := nearestIndices(dists, -1)[:k]

	reachSum := 0.0
	lrdSum := 0.0
	for _, p := range order {
		reachSum += math.Max(l.KDist[p], dists[p])
		lrdSum += l.LRD[p]
	}
	if reachSum < reachEpsilon {
		reachSum = reachEpsilon
	}
	queryLRD := float64(k) / reachSum

	return lrdSum / (float64(k) * queryLRD)
}

// nearestIndices orders candidate indices by ascending distance, excluding
// self when it is a valid index.
func nearestIndices(dists []float64, self int) []int {
	order := make([]int, 0, len(dists))
	for i := range dists {
		if i == self {
			continue
		}
		order = append(order, i)
	}
	sort.Slice(order, func(a, b int) bool { return dists[order[a]] < dists[order[b]] })
	return order
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		if i >= len(b) {
			break
		}
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
