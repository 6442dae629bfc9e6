package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKeyPair_Unordered(t *testing.T) {
	a := NewEntityDataKey(uuid.New(), uuid.New())
	b := NewEntityDataKey(uuid.New(), uuid.New())

	assert.Equal(t, NewEntityKeyPair(a, b), NewEntityKeyPair(b, a))
	assert.True(t, NewEntityKeyPair(a, b).Contains(a))
	assert.Equal(t, b, NewEntityKeyPair(a, b).Other(a))
	assert.Equal(t, a, NewEntityKeyPair(a, a).Other(a))
}

func TestParseEntityDataKey(t *testing.T) {
	key := NewEntityDataKey(uuid.New(), uuid.New())

	parsed, err := ParseEntityDataKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = ParseEntityDataKey("no-separator")
	assert.Error(t, err)

	_, err = ParseEntityDataKey("bad:" + uuid.NewString())
	assert.Error(t, err)
}

func TestScoreMatrix(t *testing.T) {
	a := NewEntityDataKey(uuid.New(), uuid.New())
	b := NewEntityDataKey(uuid.New(), uuid.New())
	c := NewEntityDataKey(uuid.New(), uuid.New())

	t.Run("get looks in both directions", func(t *testing.T) {
		m := make(ScoreMatrix)
		m.Set(a, b, 0.8)

		score, ok := m.Get(b, a)
		assert.True(t, ok)
		assert.Equal(t, 0.8, score)

		_, ok = m.Get(a, c)
		assert.False(t, ok)
	})

	t.Run("keys include rows and columns", func(t *testing.T) {
		m := make(ScoreMatrix)
		m.Set(a, b, 0.8)
		m.Set(a, c, 0.9)

		keys := m.Keys()
		assert.Len(t, keys, 3)
		assert.True(t, keys.Contains(c))
	})

	t.Run("min score of empty matrix is zero", func(t *testing.T) {
		assert.Equal(t, 0.0, ScoreMatrix{}.MinScore())
	})

	t.Run("edges round trip", func(t *testing.T) {
		m := make(ScoreMatrix)
		m.Set(a, b, 0.8)
		m.Set(b, c, 0.7)

		rebuilt := ScoreMatrixFromEdges(m.Edges())
		assert.Equal(t, m, rebuilt)
	})
}

func TestClusterSnapshot_Diff(t *testing.T) {
	esid := uuid.New()
	other := uuid.New()
	a := NewEntityDataKey(esid, uuid.New())
	b := NewEntityDataKey(esid, uuid.New())
	c := NewEntityDataKey(other, uuid.New())

	tests := []struct {
		name      string
		current   ClusterSnapshot
		previous  ClusterSnapshot
		additions []EntityDataKey
		removals  []EntityDataKey
	}{
		{
			name:      "new cluster adds everything",
			current:   SnapshotFromKeys(NewKeySet(a, b)),
			previous:  ClusterSnapshot{},
			additions: SortKeys([]EntityDataKey{a, b}),
		},
		{
			name:      "unchanged membership is a no-op",
			current:   SnapshotFromKeys(NewKeySet(a, b, c)),
			previous:  SnapshotFromKeys(NewKeySet(a, b, c)),
			additions: nil,
			removals:  nil,
		},
		{
			name:      "member moved out",
			current:   SnapshotFromKeys(NewKeySet(a, c)),
			previous:  SnapshotFromKeys(NewKeySet(a, b)),
			additions: []EntityDataKey{c},
			removals:  []EntityDataKey{b},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			additions, removals := tt.current.Diff(tt.previous)
			assert.Equal(t, tt.additions, additions)
			assert.Equal(t, tt.removals, removals)
		})
	}
}

func TestClusterSnapshot_MapRoundTrip(t *testing.T) {
	snapshot := SnapshotFromKeys(NewKeySet(
		NewEntityDataKey(uuid.New(), uuid.New()),
		NewEntityDataKey(uuid.New(), uuid.New()),
	))

	parsed, err := SnapshotFromMap(snapshot.ToMap())
	require.NoError(t, err)
	assert.Equal(t, snapshot, parsed)
}

func TestLinkingFeedbackRequest_Feedbacks(t *testing.T) {
	esid := uuid.New()
	a := NewEntityDataKey(esid, uuid.New())
	b := NewEntityDataKey(esid, uuid.New())
	c := NewEntityDataKey(uuid.New(), uuid.New())
	d := NewEntityDataKey(uuid.New(), uuid.New())

	t.Run("positive within, negative across", func(t *testing.T) {
		req := LinkingFeedbackRequest{
			LinkingEntities:    []EntityDataKey{a, b, c, a},
			NonLinkingEntities: []EntityDataKey{d},
		}
		feedbacks, err := req.Feedbacks()
		require.NoError(t, err)
		require.Len(t, feedbacks, 6, "three positive pairs and three negative pairs")

		byPair := make(map[EntityKeyPair]bool)
		for _, fb := range feedbacks {
			byPair[fb.Pair] = fb.Linked
		}
		assert.True(t, byPair[NewEntityKeyPair(b, a)])
		assert.True(t, byPair[NewEntityKeyPair(a, c)])
		assert.False(t, byPair[NewEntityKeyPair(d, c)])
		assert.Len(t, req.EntitySetIDs(), 3)
	})

	t.Run("single linking record yields nothing", func(t *testing.T) {
		feedbacks, err := LinkingFeedbackRequest{LinkingEntities: []EntityDataKey{a}}.Feedbacks()
		require.NoError(t, err)
		assert.Empty(t, feedbacks)
	})

	t.Run("overlap is rejected", func(t *testing.T) {
		_, err := LinkingFeedbackRequest{
			LinkingEntities:    []EntityDataKey{a, b},
			NonLinkingEntities: []EntityDataKey{b},
		}.Feedbacks()
		assert.ErrorIs(t, err, ErrFeedbackOverlap)
	})
}
