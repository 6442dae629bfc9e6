package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RawProperties holds a record's property values keyed by property type id.
type RawProperties map[uuid.UUID][]any

// Block is a focal record plus nearby candidates with their raw property values.
// The focal record is expected to be present in Entities.
type Block struct {
	Focal    EntityDataKey
	Entities map[EntityDataKey]RawProperties
}

// NewBlock creates a block around focal.
func NewBlock(focal EntityDataKey, entities map[EntityDataKey]RawProperties) Block {
	if entities == nil {
		entities = make(map[EntityDataKey]RawProperties)
	}
	return Block{Focal: focal, Entities: entities}
}

// Keys returns every record in the block.
func (b Block) Keys() KeySet {
	keys := make(KeySet, len(b.Entities))
	for k := range b.Entities {
		keys.Add(k)
	}
	return keys
}

// FeedbackType selects which feedback entries a lookup considers.
type FeedbackType string

const (
	FeedbackTypePositive FeedbackType = "positive"
	FeedbackTypeNegative FeedbackType = "negative"
	FeedbackTypeAll      FeedbackType = "all"
)

// Matches reports whether a feedback with the given linked flag is of this type.
func (t FeedbackType) Matches(linked bool) bool {
	switch t {
	case FeedbackTypePositive:
		return linked
	case FeedbackTypeNegative:
		return !linked
	default:
		return true
	}
}

// LinkingFeedback is a human judgment on whether two records are the same individual.
type LinkingFeedback struct {
	Pair      EntityKeyPair `json:"entity_pair"`
	Linked    bool          `json:"linked"`
	CreatedAt time.Time     `json:"created_at,omitempty"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
}

// LinkingFeedbackWithFeatures pairs a feedback entry with the feature vector the matcher
// computes for it, used to build training sets.
type LinkingFeedbackWithFeatures struct {
	Feedback LinkingFeedback `json:"feedback"`
	Features []float64       `json:"features"`
}

// LinkingFeedbackRequest says which records belong to one individual and which do not.
type LinkingFeedbackRequest struct {
	LinkingEntities    []EntityDataKey `json:"linking_entities" validate:"required,min=1,dive"`
	NonLinkingEntities []EntityDataKey `json:"non_linking_entities" validate:"dive"`
}

// ErrFeedbackOverlap is returned when a record is listed as both linking and non-linking.
var ErrFeedbackOverlap = errors.New("a record cannot be both linking and non-linking")

// Feedbacks expands the request into positive feedback for every pair of linking records and
// negative feedback for every linking and non-linking pair. Duplicate keys are ignored.
func (r LinkingFeedbackRequest) Feedbacks() ([]LinkingFeedback, error) {
	linking := NewKeySet(r.LinkingEntities...).Sorted()
	nonLinking := NewKeySet(r.NonLinkingEntities...).Sorted()

	linkingSet := NewKeySet(linking...)
	for _, k := range nonLinking {
		if linkingSet.Contains(k) {
			return nil, ErrFeedbackOverlap
		}
	}

	feedbacks := make([]LinkingFeedback, 0, len(linking)*(len(linking)-1)/2+len(linking)*len(nonLinking))
	for i, a := range linking {
		for _, b := range linking[i+1:] {
			feedbacks = append(feedbacks, LinkingFeedback{Pair: NewEntityKeyPair(a, b), Linked: true})
		}
		for _, b := range nonLinking {
			feedbacks = append(feedbacks, LinkingFeedback{Pair: NewEntityKeyPair(a, b), Linked: false})
		}
	}
	return feedbacks, nil
}

// EntitySetIDs returns the distinct entity sets the request touches.
func (r LinkingFeedbackRequest) EntitySetIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, keys := range [][]EntityDataKey{r.LinkingEntities, r.NonLinkingEntities} {
		for _, k := range keys {
			if _, ok := seen[k.EntitySetID]; ok {
				continue
			}
			seen[k.EntitySetID] = struct{}{}
			ids = append(ids, k.EntitySetID)
		}
	}
	return SortUUIDs(ids)
}
