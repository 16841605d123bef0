package detect

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	defaultNumTrees   = 100
	defaultSampleSize = 256
)

// forestNode is one node of an isolation tree. Exported fields keep the
// trained forest serialisable.
type forestNode struct {
	Feature int         `json:"feature"`
	Split   float64     `json:"split"`
	Size    int         `json:"size"`
	Leaf    bool        `json:"leaf"`
	Left    *forestNode `json:"left,omitempty"`
	Right   *forestNode `json:"right,omitempty"`
}

// IsolationForest isolates anomalies with randomised binary partition trees.
// Points that isolate in short paths score close to 1, dense inliers close
// to 0.
type IsolationForest struct {
	NumTrees   int           `json:"num_trees"`
	SampleSize int           `json:"sample_size"`
	Trees      []*forestNode `json:"trees"`
}

// NewIsolationForest creates an untrained forest with standard parameters.
func NewIsolationForest() *IsolationForest {
	return &IsolationForest{
		NumTrees:   defaultNumTrees,
		SampleSize: defaultSampleSize,
	}
}

// Fit trains the forest on a scaled feature matrix. The supplied source
// makes training deterministic for a fixed seed.
func (f *IsolationForest) Fit(x [][]float64, rng *rand.Rand) error {
	if len(x) == 0 {
		return fmt.Errorf("isolation forest fit: empty input")
	}
	if f.NumTrees <= 0 {
		f.NumTrees = defaultNumTrees
	}
	if f.SampleSize <= 0 {
		f.SampleSize = defaultSampleSize
	}

	sample := f.SampleSize
	if sample > len(x) {
		sample = len(x)
	}
	// Score normalisation must use the subsample size actually trained on.
	f.SampleSize = sample
	maxDepth := int(math.Ceil(math.Log2(float64(sample)))) + 1

	trees := make([]*forestNode, f.NumTrees)
	for i := range trees {
		trees[i] = buildIsolationTree(sampleRows(x, sample, rng), 0, maxDepth, rng)
	}
	f.Trees = trees
	return nil
}

// Trained reports whether the forest holds trees.
func (f *IsolationForest) Trained() bool {
	return len(f.Trees) > 0
}

// Score returns the anomaly score for one feature vector, in (0, 1).
func (f *IsolationForest) Score(row []float64) float64 {
	if !f.Trained() {
		return 0.5
	}

	total := 0.0
	for _, tree := range f.Trees {
		total += isolationPath(tree, row, 0)
	}
	avgPath := total / float64(len(f.Trees))

	sample := f.SampleSize
	if sample <= 1 {
		sample = 2
	}
	return math.Pow(2, -avgPath/averagePathLength(float64(sample)))
}

func buildIsolationTree(x [][]float64, depth, maxDepth int, rng *rand.Rand) *forestNode {
	if len(x) <= 1 || depth >= maxDepth {
		return &forestNode{Size: len(x), Leaf: true}
	}

	// Only features that still vary in this partition can split it.
	features := len(x[0])
	splittable := make([]int, 0, features)
	for j := 0; j < features; j++ {
		lo, hi := columnRange(x, j)
		if lo < hi {
			splittable = append(splittable, j)
		}
	}
	if len(splittable) == 0 {
		return &forestNode{Size: len(x), Leaf: true}
	}

	feature := splittable[rng.Intn(len(splittable))]
	lo, hi := columnRange(x, feature)
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range x {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &forestNode{
		Feature: feature,
		Split:   split,
		Size:    len(x),
		Left:    buildIsolationTree(left, depth+1, maxDepth, rng),
		Right:   buildIsolationTree(right, depth+1, maxDepth, rng),
	}
}

func isolationPath(node *forestNode, row []float64, depth int) float64 {
	if node == nil {
		return float64(depth)
	}
	if node.Leaf {
		if node.Size > 1 {
			return float64(depth) + averagePathLength(float64(node.Size))
		}
		return float64(depth)
	}
	if node.Feature < len(row) && row[node.Feature] < node.Split {
		return isolationPath(node.Left, row, depth+1)
	}
	return isolationPath(node.Right, row, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n nodes.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

func columnRange(x [][]float64, j int) (float64, float64) {
	lo, hi := x[0][j], x[0][j]
	for _, row := range x[1:] {
		if row[j] < lo {
			lo = row[j]
		}
		if row[j] > hi {
			hi = row[j]
		}
	}
	return lo, hi
}

// sampleRows draws a subsample without replacement, or every row when the
// sample covers the input.
func sampleRows(x [][]float64, size int, rng *rand.Rand) [][]float64 {
	if size >= len(x) {
		return x
	}
	out := make([][]float64, size)
	for i, idx := range rng.Perm(len(x))[:size] {
		out[i] = x[idx]
	}
	return out
}
