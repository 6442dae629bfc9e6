package models

import (
	"time"

	"github.com/google/uuid"
)

// EntitySetFlagLinking marks entity sets that are themselves produced by linking. They are never
// linkable sources.
const EntitySetFlagLinking = "LINKING"

// EntitySet is the metadata the linker needs about a source collection.
type EntitySet struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	EntityTypeID uuid.UUID `json:"entity_type_id" db:"entity_type_id"`
	IsLinking    bool      `json:"is_linking" db:"is_linking"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// EntitySetLinkingCount is the number of records in a set still waiting to be linked.
type EntitySetLinkingCount struct {
	EntitySetID uuid.UUID `json:"entity_set_id" db:"entity_set_id"`
	Count       int64     `json:"count" db:"count"`
}
