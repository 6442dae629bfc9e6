package scoring

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// flakyModel fails the first `failures` calls and then returns fixed scores.
type flakyModel struct {
	failures int32
	calls    atomic.Int32
	score    float64
}

func (m *flakyModel) Score(_ context.Context, features [][]float64) ([]float64, error) {
	call := m.calls.Add(1)
	if call <= m.failures {
		return nil, errors.New("model server unavailable")
	}
	scores := make([]float64, len(features))
	for i := range scores {
		scores[i] = m.score
	}
	return scores, nil
}

func (m *flakyModel) Version() string { return "flaky" }

func TestScorer_ComputeScore(t *testing.T) {
	batch := [][]float64{{1, 2}, {3, 4}, {5, 6}}

	t.Run("success on first attempt", func(t *testing.T) {
		model := &flakyModel{score: 0.4}
		scorer := NewScorer(NewModelHandle(model), FallbackMatch, testLogger())

		scores := scorer.ComputeScore(context.Background(), batch)
		assert.Equal(t, []float64{0.4, 0.4, 0.4}, scores)
		assert.Equal(t, int32(1), model.calls.Load())
	})

	t.Run("retries once after a transient failure", func(t *testing.T) {
		model := &flakyModel{failures: 1, score: 0.3}
		scorer := NewScorer(NewModelHandle(model), FallbackMatch, testLogger())

		scores := scorer.ComputeScore(context.Background(), batch)
		assert.Equal(t, []float64{0.3, 0.3, 0.3}, scores)
		assert.Equal(t, int32(2), model.calls.Load())
	})

	t.Run("double failure returns all ones of matching length", func(t *testing.T) {
		model := &flakyModel{failures: 2, score: 0.3}
		scorer := NewScorer(NewModelHandle(model), "", testLogger())

		var scores []float64
		require.NotPanics(t, func() {
			scores = scorer.ComputeScore(context.Background(), batch)
		})
		assert.Equal(t, []float64{1, 1, 1}, scores)
		assert.Equal(t, int32(2), model.calls.Load(), "no more than one retry")
	})

	t.Run("reject policy returns zeros", func(t *testing.T) {
		model := &flakyModel{failures: 2}
		scorer := NewScorer(NewModelHandle(model), FallbackReject, testLogger())

		assert.Equal(t, []float64{0, 0, 0}, scorer.ComputeScore(context.Background(), batch))
	})

	t.Run("no model installed falls back", func(t *testing.T) {
		scorer := NewScorer(NewModelHandle(nil), FallbackMatch, testLogger())
		assert.Equal(t, []float64{1, 1, 1}, scorer.ComputeScore(context.Background(), batch))
	})

	t.Run("empty batch never calls the model", func(t *testing.T) {
		model := &flakyModel{score: 0.5}
		scorer := NewScorer(NewModelHandle(model), FallbackMatch, testLogger())

		assert.Empty(t, scorer.ComputeScore(context.Background(), nil))
		assert.Equal(t, int32(0), model.calls.Load())
	})
}

func TestModelHandle_Swap(t *testing.T) {
	first := &flakyModel{score: 0.1}
	second := &flakyModel{score: 0.9}
	handle := NewModelHandle(first)

	prev := handle.Swap(second)
	assert.Same(t, first, prev)
	assert.Same(t, second, handle.Current())
}

func TestLogisticModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"v1","coefficients":[0.05,0.05],"intercept":-5}`), 0o600))

	t.Run("loads and scores", func(t *testing.T) {
		model, err := LoadLogisticModel(path, 2)
		require.NoError(t, err)
		assert.Equal(t, "v1", model.Version())

		scores, err := model.Score(context.Background(), [][]float64{{100, 100}, {0, 0}, {50, 50}})
		require.NoError(t, err)
		assert.InDelta(t, 0.9933, scores[0], 0.0001)
		assert.InDelta(t, 0.0067, scores[1], 0.0001)
		assert.InDelta(t, 0.5, scores[2], 0.0001)
	})

	t.Run("rejects width mismatch", func(t *testing.T) {
		_, err := LoadLogisticModel(path, 3)
		assert.Error(t, err)
	})

	t.Run("rejects bad vectors", func(t *testing.T) {
		model, err := LoadLogisticModel(path, 0)
		require.NoError(t, err)
		_, err = model.Score(context.Background(), [][]float64{{1}})
		assert.Error(t, err)
	})
}
