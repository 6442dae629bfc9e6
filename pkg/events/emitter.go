// Package events publishes cluster membership changes to Kafka
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/linker/pkg/kafka"
	"github.com/Ramsey-B/linker/pkg/linking"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Publisher writes events to the output topic
type Publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

// Emitter turns committed linking decisions into cluster events
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

// OnClusterCommitted publishes cluster.created or cluster.updated. Failures are logged; the
// commit already happened and stays.
func (e *Emitter) OnClusterCommitted(ctx context.Context, result linking.CommitResult) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.OnClusterCommitted")
	defer span.End()

	event := NewClusterEvent(ctx, result)
	if err := e.publisher.Publish(ctx, kafka.Event{
		Key:       event.LinkingID,
		EventType: string(event.EventType),
		Payload:   event,
	}); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"linking_id": event.LinkingID,
			"event_type": string(event.EventType),
		}).Error("Failed to emit cluster event")
	}
}

// NewClusterEvent builds the event for a commit result.
func NewClusterEvent(ctx context.Context, result linking.CommitResult) *ClusterEvent {
	eventType := EventTypeClusterUpdated
	if result.NewCluster {
		eventType = EventTypeClusterCreated
	}

	base := NewBaseEvent(eventType)
	base.TraceID = tracing.GetTraceID(ctx)

	return &ClusterEvent{
		BaseEvent: base,
		LinkingID: result.LinkingID.String(),
		Candidate: result.Candidate.String(),
		Outcome:   result.Outcome,
		Score:     result.Score,
		Additions: keyStrings(result.Additions),
		Removals:  keyStrings(result.Removals),
		Members:   result.Snapshot.ToMap(),
	}
}

func keyStrings(keys []models.EntityDataKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
