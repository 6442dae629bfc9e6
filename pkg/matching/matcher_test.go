package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/linker/pkg/features"
	"github.com/Ramsey-B/linker/pkg/models"
)

var groupProperty = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// groupScorer scores 0.95 for vectors whose single feature is an exact match and 0.3 otherwise.
type groupScorer struct {
	vectors int
}

func (s *groupScorer) ComputeScore(_ context.Context, vectors [][]float64) []float64 {
	s.vectors += len(vectors)
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		if v[0] == features.Scale {
			scores[i] = 0.95
		} else {
			scores[i] = 0.3
		}
	}
	return scores
}

type fakeFeedback struct {
	entries map[models.EntityKeyPair]models.LinkingFeedback
	err     error
}

func (f *fakeFeedback) GetLinkingFeedbacksAmong(_ context.Context, keys []models.EntityDataKey) (map[models.EntityKeyPair]models.LinkingFeedback, error) {
	if f.err != nil {
		return nil, f.err
	}
	in := models.NewKeySet(keys...)
	out := make(map[models.EntityKeyPair]models.LinkingFeedback)
	for pair, fb := range f.entries {
		if in.Contains(pair.First) && in.Contains(pair.Second) {
			out[pair] = fb
		}
	}
	return out, nil
}

func (f *fakeFeedback) add(a, b models.EntityDataKey, linked bool) {
	if f.entries == nil {
		f.entries = make(map[models.EntityKeyPair]models.LinkingFeedback)
	}
	pair := models.NewEntityKeyPair(a, b)
	f.entries[pair] = models.LinkingFeedback{Pair: pair, Linked: linked}
}

func newMatcher(t *testing.T, feedback *fakeFeedback) (*Matcher, *groupScorer) {
	t.Helper()
	extractor, err := features.NewExtractor(&features.Schema{Features: []features.FeatureSpec{
		{Name: "group", PropertyTypeID: groupProperty, Metric: features.MetricExact},
	}})
	require.NoError(t, err)
	scorer := &groupScorer{}
	return NewMatcher(extractor, scorer, feedback, DefaultConfig(), testLogger()), scorer
}

func record(group string) models.RawProperties {
	return models.RawProperties{groupProperty: {group}}
}

func key() models.EntityDataKey {
	return models.NewEntityDataKey(uuid.New(), uuid.New())
}

func TestMatcher_Initialize(t *testing.T) {
	c, a, b, d := key(), key(), key(), key()
	block := models.NewBlock(c, map[models.EntityDataKey]models.RawProperties{
		c: record("x"),
		a: record("x"),
		b: record("y"),
		d: record("x"),
	})

	t.Run("trims edges at or below the threshold", func(t *testing.T) {
		m, scorer := newMatcher(t, &fakeFeedback{})

		matrix, err := m.Initialize(context.Background(), block)
		require.NoError(t, err)

		assert.Equal(t, 3, scorer.vectors, "the focal record is never scored against itself")
		assert.True(t, matrix.Keys().Contains(c))
		assert.True(t, matrix.Keys().Contains(a))
		assert.True(t, matrix.Keys().Contains(d))
		assert.False(t, matrix.Keys().Contains(b))

		self, ok := matrix.Get(c, c)
		require.True(t, ok)
		assert.Equal(t, 1.0, self)
	})

	t.Run("negative feedback removes the record before scoring", func(t *testing.T) {
		fb := &fakeFeedback{}
		fb.add(c, a, false)
		m, scorer := newMatcher(t, fb)

		matrix, err := m.Initialize(context.Background(), block)
		require.NoError(t, err)

		assert.Equal(t, 2, scorer.vectors)
		assert.False(t, matrix.Keys().Contains(a))
	})

	t.Run("positive feedback forces a low scoring record in", func(t *testing.T) {
		fb := &fakeFeedback{}
		fb.add(c, b, true)
		m, scorer := newMatcher(t, fb)

		matrix, err := m.Initialize(context.Background(), block)
		require.NoError(t, err)

		assert.Equal(t, 2, scorer.vectors, "forced records skip the model")
		score, ok := matrix.Get(c, b)
		require.True(t, ok)
		assert.Equal(t, 1.0, score)
	})

	t.Run("feedback between other records is ignored", func(t *testing.T) {
		fb := &fakeFeedback{}
		fb.add(a, d, false)
		m, _ := newMatcher(t, fb)

		matrix, err := m.Initialize(context.Background(), block)
		require.NoError(t, err)
		assert.True(t, matrix.Keys().Contains(a))
		assert.True(t, matrix.Keys().Contains(d))
	})

	t.Run("missing focal record fails", func(t *testing.T) {
		m, _ := newMatcher(t, &fakeFeedback{})
		_, err := m.Initialize(context.Background(), models.NewBlock(c, map[models.EntityDataKey]models.RawProperties{a: record("x")}))
		assert.Error(t, err)
	})

	t.Run("feedback errors propagate", func(t *testing.T) {
		m, _ := newMatcher(t, &fakeFeedback{err: errors.New("db down")})
		_, err := m.Initialize(context.Background(), block)
		assert.Error(t, err)
	})
}

func TestMatcher_Match(t *testing.T) {
	c, a, b := key(), key(), key()
	block := models.NewBlock(c, map[models.EntityDataKey]models.RawProperties{
		c: record("x"),
		a: record("x"),
		b: record("x"),
	})

	t.Run("scores every unordered pair once", func(t *testing.T) {
		m, scorer := newMatcher(t, &fakeFeedback{})

		matrix, err := m.Match(context.Background(), block)
		require.NoError(t, err)

		assert.Equal(t, 3, scorer.vectors)
		assert.Equal(t, 4, matrix.Len(), "three pairs plus the focal self score")
		assert.InDelta(t, 0.95, CompleteLinkCluster(matrix), 1e-9)
	})

	t.Run("feedback overrides the model", func(t *testing.T) {
		fb := &fakeFeedback{}
		fb.add(a, b, false)
		fb.add(c, a, true)
		m, scorer := newMatcher(t, fb)

		matrix, err := m.Match(context.Background(), block)
		require.NoError(t, err)

		assert.Equal(t, 1, scorer.vectors)
		score, _ := matrix.Get(c, a)
		assert.Equal(t, 1.0, score)
		score, _ = matrix.Get(a, b)
		assert.Equal(t, 0.0, score)
		assert.Equal(t, 0.0, CompleteLinkCluster(matrix), "a known non-match sinks the cluster")
	})

	t.Run("single record block only has the self score", func(t *testing.T) {
		m, scorer := newMatcher(t, &fakeFeedback{})
		single := models.NewBlock(c, map[models.EntityDataKey]models.RawProperties{c: record("x")})

		matrix, err := m.Match(context.Background(), single)
		require.NoError(t, err)

		assert.Zero(t, scorer.vectors)
		assert.Equal(t, 1.0, CompleteLinkCluster(matrix))
	})
}

func TestCompleteLinkCluster(t *testing.T) {
	a, b, c := key(), key(), key()

	t.Run("minimum over all edges", func(t *testing.T) {
		matrix := models.ScoreMatrix{}
		matrix.Set(a, b, 0.95)
		matrix.Set(a, c, 0.91)
		matrix.Set(b, c, 0.5)
		assert.Equal(t, 0.5, CompleteLinkCluster(matrix))
	})

	t.Run("empty matrix scores zero", func(t *testing.T) {
		assert.Equal(t, 0.0, CompleteLinkCluster(models.ScoreMatrix{}))
	})
}

func TestMatcher_ScorePair(t *testing.T) {
	m, _ := newMatcher(t, &fakeFeedback{})

	assert.Equal(t, []float64{features.Scale}, m.Features(record("x"), record("x")))
	assert.Equal(t, 0.3, m.ScorePair(context.Background(), record("x"), record("y")))
}
