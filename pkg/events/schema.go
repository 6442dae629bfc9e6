package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of event
type EventType string

const (
	EventTypeClusterCreated EventType = "cluster.created"
	EventTypeClusterUpdated EventType = "cluster.updated"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// ClusterEvent is emitted after a linking decision commits. Keys use the
// "<entity_set_id>:<entity_key_id>" form.
type ClusterEvent struct {
	BaseEvent
	LinkingID string              `json:"linking_id"`
	Candidate string              `json:"candidate"`
	Outcome   string              `json:"outcome"`
	Score     float64             `json:"score"`
	Additions []string            `json:"additions"`
	Removals  []string            `json:"removals"`
	Members   map[string][]string `json:"members"`
}

// NewBaseEvent creates a BaseEvent stamped with a fresh id and the current time
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
	}
}
