package heuristic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"querybot/internal/domain"
)

// Predictor scores features. Implementations must honor ctx.
type Predictor interface {
	Predict(ctx context.Context, f Features) (domain.Prediction, error)
}

// Model is a persisted logistic regression model.
type Model struct {
	Weights   []float64 `json:"weights"`
	Bias      float64   `json:"bias"`
	Samples   int       `json:"samples"`
	Accuracy  float64   `json:"accuracy"`
	TrainedAt time.Time `json:"trained_at"`
}

// DefaultModel is used until a model has been trained. An unmatched input
// from a user without history scores just above the suspicion threshold; a
// pattern match pulls it well below.
func DefaultModel() Model {
	return Model{
		Weights: []float64{0.2, 0, 0.3, 0.5, -3.0, -0.5, -0.5, 1.0},
		Bias:    0,
	}
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func (m Model) score(x []float64) float64 {
	z := m.Bias
	for i := range x {
		if i < len(m.Weights) {
			z += m.Weights[i] * x[i]
		}
	}
	return sigmoid(z)
}

// LogisticPredictor scores features with a logistic model that can be
// swapped at runtime by the training job.
type LogisticPredictor struct {
	mu    sync.RWMutex
	model Model
}

func NewLogisticPredictor(m Model) *LogisticPredictor {
	return &LogisticPredictor{model: m}
}

func (p *LogisticPredictor) Predict(ctx context.Context, f Features) (domain.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Prediction{}, err
	}
	p.mu.RLock()
	s := p.model.score(f.Vector())
	p.mu.RUnlock()

	action := domain.ActionProceed
	switch {
	case s > 0.6:
		action = domain.ActionCorrect
	case s > SuspicionThreshold:
		action = domain.ActionConfirm
	}
	return domain.Prediction{
		SuspicionScore:    domain.Clamp01(s),
		ConfidenceScore:   domain.Clamp01(math.Abs(2*s - 1)),
		RecommendedAction: action,
	}, nil
}

func (p *LogisticPredictor) Model() Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *LogisticPredictor) SetModel(m Model) {
	p.mu.Lock()
	p.model = m
	p.mu.Unlock()
}

// LoadModel reads a model file. A missing file yields DefaultModel.
func LoadModel(path string) (Model, error) {
	if path == "" {
		return DefaultModel(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultModel(), nil
	}
	if err != nil {
		return Model{}, err
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return Model{}, fmt.Errorf("parse model %s: %w", path, err)
	}
	if len(m.Weights) != len(FeatureNames) {
		return Model{}, fmt.Errorf("model %s has %d weights, want %d", path, len(m.Weights), len(FeatureNames))
	}
	return m, nil
}

func SaveModel(path string, m Model) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ErrInsufficientData is returned when a training set is too small or has a
// single class.
var ErrInsufficientData = errors.New("insufficient training data")

type TrainOptions struct {
	Epochs       int
	LearningRate float64
	L2           float64
	MinSamples   int
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Epochs: 500, LearningRate: 0.5, L2: 0.001, MinSamples: 50}
}

// Train fits a logistic model by batch gradient descent.
func Train(features [][]float64, labels []float64, opts TrainOptions) (Model, error) {
	n := len(features)
	if n == 0 || n < opts.MinSamples || n != len(labels) {
		return Model{}, fmt.Errorf("%w: %d samples", ErrInsufficientData, n)
	}
	if mean := stat.Mean(labels, nil); mean == 0 || mean == 1 {
		return Model{}, fmt.Errorf("%w: single class", ErrInsufficientData)
	}

	x := toMatrix(features)
	_, d := x.Dims()
	y := mat.NewVecDense(n, labels)
	w := mat.NewVecDense(d, nil)
	bias := 0.0

	z := mat.NewVecDense(n, nil)
	diff := mat.NewVecDense(n, nil)
	grad := mat.NewVecDense(d, nil)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		z.MulVec(x, w)
		for i := 0; i < n; i++ {
			diff.SetVec(i, sigmoid(z.AtVec(i)+bias)-y.AtVec(i))
		}
		grad.MulVec(x.T(), diff)
		grad.ScaleVec(1/float64(n), grad)
		grad.AddScaledVec(grad, opts.L2, w)
		w.AddScaledVec(w, -opts.LearningRate, grad)
		bias -= opts.LearningRate * stat.Mean(diff.RawVector().Data, nil)
	}

	m := Model{
		Weights: append([]float64(nil), w.RawVector().Data...),
		Bias:    bias,
		Samples: n,
	}
	correct := 0
	for i, row := range features {
		if (m.score(row) > 0.5) == (labels[i] == 1) {
			correct++
		}
	}
	m.Accuracy = float64(correct) / float64(n)
	return m, nil
}

func toMatrix(data [][]float64) *mat.Dense {
	rows := len(data)
	cols := len(data[0])
	flat := make([]float64, rows*cols)
	for i, row := range data {
		copy(flat[i*cols:(i+1)*cols], row)
	}
	return mat.NewDense(rows, cols, flat)
}
