package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/linker/pkg/metrics"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// FallbackPolicy decides what a batch scores when the model fails twice.
type FallbackPolicy string

const (
	// FallbackMatch scores every pair 1.0. This keeps linking moving during a model outage at the
	// cost of possible false merges.
	FallbackMatch FallbackPolicy = "match"
	// FallbackReject scores every pair 0.0 so nothing is merged on a degraded score.
	FallbackReject FallbackPolicy = "reject"
)

// Scorer runs feature batches through the current model with one retry and a fallback.
type Scorer struct {
	handle   *ModelHandle
	fallback FallbackPolicy
	logger   ectologger.Logger
}

// NewScorer creates a new Scorer. An empty policy means FallbackMatch.
func NewScorer(handle *ModelHandle, fallback FallbackPolicy, logger ectologger.Logger) *Scorer {
	if fallback == "" {
		fallback = FallbackMatch
	}
	return &Scorer{
		handle:   handle,
		fallback: fallback,
		logger:   logger,
	}
}

// Handle exposes the model handle so the model can be replaced at runtime.
func (s *Scorer) Handle() *ModelHandle {
	return s.handle
}

// ComputeScore returns one score per feature vector and never fails. Both attempts use the
// same model snapshot. When both fail the fallback vector is returned and the event is logged at
// error level and counted, so degraded scoring is always visible.
func (s *Scorer) ComputeScore(ctx context.Context, features [][]float64) []float64 {
	ctx, span := tracing.StartSpan(ctx, "scoring.Scorer.ComputeScore")
	defer span.End()

	if len(features) == 0 {
		return []float64{}
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(features),
	})

	model := s.handle.Current()
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if model == nil {
			lastErr = ErrNoModel
			break
		}
		start := time.Now()
		scores, err := model.Score(ctx, features)
		if err == nil && len(scores) != len(features) {
			err = errScoreCount{got: len(scores), want: len(features)}
		}
		if err == nil {
			metrics.RecordScorerCall("success", time.Since(start))
			return scores
		}
		metrics.RecordScorerCall("error", time.Since(start))
		lastErr = err
		log.WithError(err).WithFields(map[string]any{
			"attempt":       attempt,
			"model_version": model.Version(),
		}).Warn("Model failed to score batch")
	}

	metrics.ScorerFallbacks.WithLabelValues(string(s.fallback)).Inc()
	log.WithError(lastErr).WithField("fallback_policy", string(s.fallback)).
		Error("Model failed to score batch twice, returning fallback scores")

	return fallbackScores(len(features), s.fallback)
}

func fallbackScores(n int, policy FallbackPolicy) []float64 {
	value := 1.0
	if policy == FallbackReject {
		value = 0.0
	}
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = value
	}
	return scores
}

type errScoreCount struct {
	got, want int
}

func (e errScoreCount) Error() string {
	return fmt.Sprintf("model returned %d scores for %d feature vectors", e.got, e.want)
}
