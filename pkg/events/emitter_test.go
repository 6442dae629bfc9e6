package events

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/linker/pkg/kafka"
	"github.com/Ramsey-B/linker/pkg/linking"
	"github.com/Ramsey-B/linker/pkg/models"
)

type fakePublisher struct {
	events []kafka.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, events ...kafka.Event) error {
	p.events = append(p.events, events...)
	return p.err
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestEmitter_OnClusterCommitted(t *testing.T) {
	esid := uuid.New()
	a := models.NewEntityDataKey(esid, uuid.New())
	b := models.NewEntityDataKey(esid, uuid.New())
	linkingID := uuid.New()

	t.Run("new cluster emits cluster.created keyed by linking id", func(t *testing.T) {
		pub := &fakePublisher{}
		NewEmitter(pub, testLogger()).OnClusterCommitted(context.Background(), linking.CommitResult{
			Candidate:  a,
			LinkingID:  linkingID,
			NewCluster: true,
			Outcome:    linking.OutcomeCreated,
			Score:      1,
			Additions:  []models.EntityDataKey{a},
			Snapshot:   models.SnapshotFromKeys(models.NewKeySet(a)),
		})

		require.Len(t, pub.events, 1)
		assert.Equal(t, linkingID.String(), pub.events[0].Key)
		assert.Equal(t, string(EventTypeClusterCreated), pub.events[0].EventType)

		event, ok := pub.events[0].Payload.(*ClusterEvent)
		require.True(t, ok)
		assert.Equal(t, []string{a.String()}, event.Additions)
		assert.Empty(t, event.Removals)
		assert.Equal(t, map[string][]string{esid.String(): {a.EntityKeyID.String()}}, event.Members)
		assert.Equal(t, SchemaVersion, event.SchemaVersion)
	})

	t.Run("existing cluster emits cluster.updated with removals", func(t *testing.T) {
		pub := &fakePublisher{}
		NewEmitter(pub, testLogger()).OnClusterCommitted(context.Background(), linking.CommitResult{
			Candidate: a,
			LinkingID: linkingID,
			Outcome:   linking.OutcomeMerged,
			Removals:  []models.EntityDataKey{b},
			Snapshot:  models.SnapshotFromKeys(models.NewKeySet(a)),
		})

		require.Len(t, pub.events, 1)
		event := pub.events[0].Payload.(*ClusterEvent)
		assert.Equal(t, EventTypeClusterUpdated, event.EventType)
		assert.Equal(t, []string{b.String()}, event.Removals)
	})

	t.Run("publish failures are swallowed", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("broker down")}
		assert.NotPanics(t, func() {
			NewEmitter(pub, testLogger()).OnClusterCommitted(context.Background(), linking.CommitResult{LinkingID: linkingID})
		})
	})
}
