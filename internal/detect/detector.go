package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// modelFormatVersion tags exported models so incompatible payloads are
// rejected on import.
const modelFormatVersion = 1

var (
	// ErrNotFitted signals a predict or export on a detector with no
	// successful fit.
	ErrNotFitted = errors.New("detector not fitted")
	// ErrModelMismatch signals an imported model that does not match the
	// detector's algorithm or format version.
	ErrModelMismatch = errors.New("model mismatch")
)

// Algorithm selects the batch detection model. It is fixed at construction.
type Algorithm int

const (
	// AlgorithmIsolationForest isolates anomalies with random partition trees.
	AlgorithmIsolationForest Algorithm = iota
	// AlgorithmLOF compares local densities against nearest neighbours.
	AlgorithmLOF
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmIsolationForest:
		return "isolation_forest"
	case AlgorithmLOF:
		return "lof"
	default:
		return "unknown"
	}
}

// ParseAlgorithm maps a configuration string onto an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "isolation_forest", "":
		return AlgorithmIsolationForest, nil
	case "lof":
		return AlgorithmLOF, nil
	default:
		return 0, fmt.Errorf("unknown algorithm %q", s)
	}
}

// Squash parameters mapping raw model scores onto (0, 1). The isolation
// forest's natural boundary sits at 0.5, LOF's at a density ratio of 1.5.
const (
	forestCenter    = 0.5
	forestSteepness = 12.0
	lofCenter       = 1.5
	lofSteepness    = 2.0
)

// Config controls batch detector construction.
type Config struct {
	Algorithm     Algorithm
	Threshold     float64 // 0 selects the contamination-calibrated threshold
	Contamination float64
	Seed          int64
}

// DefaultConfig returns the standard batch detector settings.
func DefaultConfig() Config {
	return Config{
		Algorithm:     AlgorithmIsolationForest,
		Threshold:     0.7,
		Contamination: 0.1,
		Seed:          42,
	}
}

// Score is the outcome of scoring one feature vector.
type Score struct {
	Value   float64 `json:"score"`
	Anomaly bool    `json:"is_anomaly"`
}

// Detector wraps a scaler and a batch model behind a fit/predict API. All
// methods are safe for concurrent use.
type Detector struct {
	mu         sync.RWMutex
	cfg        Config
	scaler     StandardScaler
	forest     *IsolationForest
	lof        *LocalOutlierFactor
	calibrated float64
	fitted     bool
}

// NewDetector validates the configuration and returns an unfitted detector.
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.Contamination == 0 {
		cfg.Contamination = 0.1
	}
	if cfg.Contamination < 0 || cfg.Contamination > 0.5 {
		return nil, fmt.Errorf("contamination must be in (0, 0.5], got %g", cfg.Contamination)
	}
	if cfg.Threshold < 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("threshold must be in [0, 1), got %g", cfg.Threshold)
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	switch cfg.Algorithm {
	case AlgorithmIsolationForest, AlgorithmLOF:
	default:
		return nil, fmt.Errorf("unknown algorithm %d", cfg.Algorithm)
	}
	return &Detector{cfg: cfg}, nil
}

// Algorithm returns the algorithm fixed at construction.
func (d *Detector) Algorithm() Algorithm {
	return d.cfg.Algorithm
}

// Fitted reports whether the detector holds a trained model.
func (d *Detector) Fitted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fitted
}

// Threshold returns the score threshold currently applied to predictions.
func (d *Detector) Threshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold()
}

// Fit standardises the matrix, trains the model, and calibrates the
// contamination quantile of the training scores. A failed fit leaves the
// detector state untouched.
func (d *Detector) Fit(x [][]float64) error {
	if err := validateMatrix(x); err != nil {
		return fmt.Errorf("fit %s: %w", d.cfg.Algorithm, err)
	}

	var scaler StandardScaler
	if err := scaler.Fit(x); err != nil {
		return fmt.Errorf("fit %s: %w", d.cfg.Algorithm, err)
	}
	scaled, err := scaler.Transform(x)
	if err != nil {
		return fmt.Errorf("fit %s: %w", d.cfg.Algorithm, err)
	}

	var forest *IsolationForest
	var lof *LocalOutlierFactor
	switch d.cfg.Algorithm {
	case AlgorithmIsolationForest:
		forest = NewIsolationForest()
		rng := rand.New(rand.NewSource(d.cfg.Seed))
		if err := forest.Fit(scaled, rng); err != nil {
			return fmt.Errorf("fit %s: %w", d.cfg.Algorithm, err)
		}
	case AlgorithmLOF:
		lof = NewLocalOutlierFactor()
		if err := lof.Fit(scaled); err != nil {
			return fmt.Errorf("fit %s: %w", d.cfg.Algorithm, err)
		}
	}

	scores := make([]float64, len(scaled))
	for i, row := range scaled {
		scores[i] = d.squash(rawScore(forest, lof, row))
	}
	sort.Float64s(scores)
	calibrated := stat.Quantile(1-d.cfg.Contamination, stat.Empirical, scores, nil)

	d.mu.Lock()
	d.scaler = scaler
	d.forest = forest
	d.lof = lof
	d.calibrated = calibrated
	d.fitted = true
	d.mu.Unlock()
	return nil
}

// Predict scores a matrix of feature vectors.
func (d *Detector) Predict(x [][]float64) ([]Score, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.fitted {
		return nil, fmt.Errorf("predict %s: %w", d.cfg.Algorithm, ErrNotFitted)
	}

	out := make([]Score, len(x))
	threshold := d.threshold()
	for i, row := range x {
		scaled, err := d.scaler.TransformOne(row)
		if err != nil {
			return nil, fmt.Errorf("predict %s: %w", d.cfg.Algorithm, err)
		}
		value := d.squash(rawScore(d.forest, d.lof, scaled))
		out[i] = Score{Value: value, Anomaly: value > threshold}
	}
	return out, nil
}

// PredictOne scores a single feature vector.
func (d *Detector) PredictOne(row []float64) (Score, error) {
	scores, err := d.Predict([][]float64{row})
	if err != nil {
		return Score{}, err
	}
	return scores[0], nil
}

// modelFile is the serialised form of a fitted detector.
type modelFile struct {
	Version       int                 `json:"version"`
	Algorithm     string              `json:"algorithm"`
	Threshold     float64             `json:"threshold"`
	Contamination float64             `json:"contamination"`
	Calibrated    float64             `json:"calibrated_threshold"`
	Seed          int64               `json:"seed"`
	Scaler        StandardScaler      `json:"scaler"`
	Forest        *IsolationForest    `json:"forest,omitempty"`
	LOF           *LocalOutlierFactor `json:"lof,omitempty"`
}

// Export serialises the fitted detector, including scaler state, model
// state, and thresholds.
func (d *Detector) Export() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.fitted {
		return nil, fmt.Errorf("export %s: %w", d.cfg.Algorithm, ErrNotFitted)
	}

	file := modelFile{
		Version:       modelFormatVersion,
		Algorithm:     d.cfg.Algorithm.String(),
		Threshold:     d.cfg.Threshold,
		Contamination: d.cfg.Contamination,
		Calibrated:    d.calibrated,
		Seed:          d.cfg.Seed,
		Scaler:        d.scaler,
		Forest:        d.forest,
		LOF:           d.lof,
	}
	return json.Marshal(file)
}

// Import replaces the detector's state with a previously exported model and
// marks it fitted. Payloads with a different format version or algorithm
// are rejected.
func (d *Detector) Import(data []byte) error {
	var file modelFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if file.Version != modelFormatVersion {
		return fmt.Errorf("import: version %d: %w", file.Version, ErrModelMismatch)
	}
	algorithm, err := ParseAlgorithm(file.Algorithm)
	if err != nil {
		return fmt.Errorf("import: %w", ErrModelMismatch)
	}
	if algorithm != d.cfg.Algorithm {
		return fmt.Errorf("import: model is %s, detector is %s: %w", algorithm, d.cfg.Algorithm, ErrModelMismatch)
	}
	switch algorithm {
	case AlgorithmIsolationForest:
		if file.Forest == nil || !file.Forest.Trained() {
			return fmt.Errorf("import: missing forest state: %w", ErrModelMismatch)
		}
	case AlgorithmLOF:
		if file.LOF == nil || !file.LOF.Trained() {
			return fmt.Errorf("import: missing lof state: %w", ErrModelMismatch)
		}
	}
	if file.Scaler.Features() == 0 {
		return fmt.Errorf("import: missing scaler state: %w", ErrModelMismatch)
	}

	d.mu.Lock()
	d.cfg.Threshold = file.Threshold
	d.cfg.Contamination = file.Contamination
	d.cfg.Seed = file.Seed
	d.scaler = file.Scaler
	d.forest = file.Forest
	d.lof = file.LOF
	d.calibrated = file.Calibrated
	d.fitted = true
	d.mu.Unlock()
	return nil
}

// threshold picks the configured threshold, falling back to the calibrated
// one when auto mode is selected. Caller holds at least a read lock.
func (d *Detector) threshold() float64 {
	if d.cfg.Threshold > 0 {
		return d.cfg.Threshold
	}
	return d.calibrated
}

func (d *Detector) squash(raw float64) float64 {
	switch d.cfg.Algorithm {
	case AlgorithmLOF:
		return sigmoid(lofSteepness * (raw - lofCenter))
	default:
		return sigmoid(forestSteepness * (raw - forestCenter))
	}
}

func rawScore(forest *IsolationForest, lof *LocalOutlierFactor, row []float64) float64 {
	if forest != nil {
		return forest.Score(row)
	}
	if lof != nil {
		return lof.Score(row)
	}
	return 0
}

func validateMatrix(x [][]float64) error {
	if len(x) == 0 {
		return fmt.Errorf("empty training matrix")
	}
	if len(x) < 2 {
		return fmt.Errorf("need at least 2 samples, got %d", len(x))
	}
	width := len(x[0])
	if width == 0 {
		return fmt.Errorf("empty feature vectors")
	}
	for i, row := range x {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("row %d feature %d is not finite", i, j)
			}
		}
	}
	return nil
}

func sigmoid(x float64) float64 {
	if x > 500 {
		x = 500
	} else if x < -500 {
		x = -500
	}
	return 1 / (1 + math.Exp(-x))
}
