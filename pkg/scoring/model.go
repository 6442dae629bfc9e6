// Package scoring turns feature vectors into match probabilities.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Model scores a batch of feature vectors, returning one probability per vector.
// Implementations must be safe for concurrent use and must not retain the input.
type Model interface {
	Score(ctx context.Context, features [][]float64) ([]float64, error)
	Version() string
}

// LogisticModel is a logistic regression over the feature vector.
type LogisticModel struct {
	ModelVersion string    `json:"version"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
}

// LoadLogisticModel reads a JSON encoded LogisticModel and checks it matches the expected
// feature width. A width of 0 skips the check.
func LoadLogisticModel(path string, width int) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", path, err)
	}
	var model LogisticModel
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
	}
	if len(model.Coefficients) == 0 {
		return nil, fmt.Errorf("model %s has no coefficients", path)
	}
	if width > 0 && len(model.Coefficients) != width {
		return nil, fmt.Errorf("model %s expects %d features, schema produces %d", path, len(model.Coefficients), width)
	}
	if model.ModelVersion == "" {
		model.ModelVersion = path
	}
	return &model, nil
}

func (m *LogisticModel) Version() string {
	return m.ModelVersion
}

func (m *LogisticModel) Score(ctx context.Context, features [][]float64) ([]float64, error) {
	scores := make([]float64, len(features))
	for i, row := range features {
		if len(row) != len(m.Coefficients) {
			return nil, fmt.Errorf("feature vector %d has width %d, model expects %d", i, len(row), len(m.Coefficients))
		}
		z := m.Intercept
		for j, x := range row {
			z += m.Coefficients[j] * x
		}
		scores[i] = 1 / (1 + math.Exp(-z))
	}
	return scores, nil
}
