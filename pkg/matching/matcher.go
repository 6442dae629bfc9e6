// Package matching scores blocks of records against each other and applies human feedback
// overrides on top of the model.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/linker/pkg/features"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// FeedbackReader returns every feedback entry whose two members are both in keys.
type FeedbackReader interface {
	GetLinkingFeedbacksAmong(ctx context.Context, keys []models.EntityDataKey) (map[models.EntityKeyPair]models.LinkingFeedback, error)
}

// BatchScorer turns feature vectors into probabilities. It never fails; degraded scoring is
// handled (and reported) by the implementation.
type BatchScorer interface {
	ComputeScore(ctx context.Context, features [][]float64) []float64
}

// Config holds matcher thresholds
type Config struct {
	// InitThreshold prunes star edges during Initialize. Edges at or below it are dropped unless
	// forced by positive feedback.
	InitThreshold float64
}

// DefaultConfig returns default matcher configuration
func DefaultConfig() Config {
	return Config{InitThreshold: 0.9}
}

// Matcher computes pairwise scores for blocks of records.
type Matcher struct {
	extractor *features.Extractor
	scorer    BatchScorer
	feedback  FeedbackReader
	config    Config
	logger    ectologger.Logger
}

// NewMatcher creates a new Matcher
func NewMatcher(extractor *features.Extractor, scorer BatchScorer, feedback FeedbackReader, config Config, logger ectologger.Logger) *Matcher {
	if config.InitThreshold == 0 {
		config.InitThreshold = DefaultConfig().InitThreshold
	}
	return &Matcher{
		extractor: extractor,
		scorer:    scorer,
		feedback:  feedback,
		config:    config,
		logger:    logger,
	}
}

// Initialize scores every record in the block against the focal record only and prunes weak
// edges. Negative feedback removes a record before scoring; positive feedback includes it at 1.0
// without calling the model. The focal record keeps a self edge of 1.0 so it is always part of
// the result.
func (m *Matcher) Initialize(ctx context.Context, block models.Block) (models.ScoreMatrix, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Matcher.Initialize")
	defer span.End()

	focal := block.Focal
	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"focal":      focal.String(),
		"block_size": len(block.Entities),
	})

	focalRaw, ok := block.Entities[focal]
	if !ok {
		return nil, fmt.Errorf("block for %s does not contain the focal record", focal)
	}

	keys := block.Keys().Sorted()
	feedbacks, err := m.feedback.GetLinkingFeedbacksAmong(ctx, keys)
	if err != nil {
		log.WithError(err).Error("Failed to load feedback for block")
		return nil, err
	}

	forced := models.NewKeySet(focal)
	var toScore []models.EntityDataKey
	for _, other := range keys {
		if other == focal {
			continue
		}
		fb, ok := feedbacks[models.NewEntityKeyPair(focal, other)]
		switch {
		case ok && fb.Linked:
			forced.Add(other)
		case ok && !fb.Linked:
			// known non-match, drop from the block
		default:
			toScore = append(toScore, other)
		}
	}

	focalProps := m.extractor.ExtractProperties(focalRaw)
	vectors := make([][]float64, len(toScore))
	for i, other := range toScore {
		vectors[i] = m.extractor.ExtractFeatures(focalProps, m.extractor.ExtractProperties(block.Entities[other]))
	}
	scores := m.scorer.ComputeScore(ctx, vectors)

	matrix := make(models.ScoreMatrix)
	for i, other := range toScore {
		matrix.Set(focal, other, scores[i])
	}
	for k := range forced {
		matrix.Set(focal, k, 1.0)
	}

	trimmed := m.Trim(matrix, focal, forced)
	log.WithFields(map[string]any{
		"scored":    len(toScore),
		"forced":    len(forced) - 1,
		"surviving": trimmed.Len(),
	}).Debug("Initialized block")
	return trimmed, nil
}

// Trim keeps only the focal record's edges that are above the init threshold or forced.
func (m *Matcher) Trim(matrix models.ScoreMatrix, focal models.EntityDataKey, forced models.KeySet) models.ScoreMatrix {
	trimmed := make(models.ScoreMatrix)
	for other, score := range matrix[focal] {
		if score > m.config.InitThreshold || forced.Contains(other) {
			trimmed.Set(focal, other, score)
		}
	}
	return trimmed
}

// Match scores every unordered pair of distinct records in the block. Positive feedback pairs
// score 1.0 and negative feedback pairs score 0.0 without calling the model, so a cluster holding
// a known non-match can never clear a complete-link threshold. The focal record gets a self
// score of 1.0.
func (m *Matcher) Match(ctx context.Context, block models.Block) (models.ScoreMatrix, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Matcher.Match")
	defer span.End()

	start := time.Now()
	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"focal":      block.Focal.String(),
		"block_size": len(block.Entities),
	})

	keys := block.Keys().Sorted()
	feedbacks, err := m.feedback.GetLinkingFeedbacksAmong(ctx, keys)
	if err != nil {
		log.WithError(err).Error("Failed to load feedback for block")
		return nil, err
	}

	props := make(map[models.EntityDataKey]features.Properties, len(keys))
	for _, k := range keys {
		props[k] = m.extractor.ExtractProperties(block.Entities[k])
	}

	matrix := make(models.ScoreMatrix)
	var pairs []models.EntityKeyPair
	var vectors [][]float64
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			pair := models.NewEntityKeyPair(keys[i], keys[j])
			if fb, ok := feedbacks[pair]; ok {
				if fb.Linked {
					matrix.Set(pair.First, pair.Second, 1.0)
				} else {
					matrix.Set(pair.First, pair.Second, 0.0)
				}
				continue
			}
			pairs = append(pairs, pair)
			vectors = append(vectors, m.extractor.ExtractFeatures(props[pair.First], props[pair.Second]))
		}
	}
	extraction := time.Since(start)

	scores := m.scorer.ComputeScore(ctx, vectors)
	for i, pair := range pairs {
		matrix.Set(pair.First, pair.Second, scores[i])
	}
	if _, ok := block.Entities[block.Focal]; ok {
		matrix.Set(block.Focal, block.Focal, 1.0)
	}

	log.WithFields(map[string]any{
		"pairs_scored":          len(pairs),
		"feature_extraction_ms": extraction.Milliseconds(),
		"total_ms":              time.Since(start).Milliseconds(),
	}).Debug("Matched block")
	return matrix, nil
}

// CompleteLinkCluster scores a cluster by its weakest internal edge, so accepting a cluster means
// every pair in it clears the bar individually. A matrix without edges scores 0.
func CompleteLinkCluster(matrix models.ScoreMatrix) float64 {
	return matrix.MinScore()
}

// Features computes the feature vector for two raw records.
func (m *Matcher) Features(a, b models.RawProperties) []float64 {
	return m.extractor.ExtractFeatures(m.extractor.ExtractProperties(a), m.extractor.ExtractProperties(b))
}

// ScorePair runs a single pair through the model.
func (m *Matcher) ScorePair(ctx context.Context, a, b models.RawProperties) float64 {
	return m.scorer.ComputeScore(ctx, [][]float64{m.Features(a, b)})[0]
}
