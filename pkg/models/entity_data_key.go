package models

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// EntityDataKey identifies one concrete record: the entity set it lives in and its key within that set.
type EntityDataKey struct {
	EntitySetID uuid.UUID `json:"entity_set_id" db:"entity_set_id" validate:"required"`
	EntityKeyID uuid.UUID `json:"entity_key_id" db:"entity_key_id" validate:"required"`
}

// NewEntityDataKey creates a new EntityDataKey
func NewEntityDataKey(entitySetID, entityKeyID uuid.UUID) EntityDataKey {
	return EntityDataKey{EntitySetID: entitySetID, EntityKeyID: entityKeyID}
}

// ParseEntityDataKey parses the "<entity_set_id>:<entity_key_id>" form produced by String.
func ParseEntityDataKey(s string) (EntityDataKey, error) {
	esid, ekid, ok := strings.Cut(s, ":")
	if !ok {
		return EntityDataKey{}, fmt.Errorf("invalid entity data key %q", s)
	}
	entitySetID, err := uuid.Parse(esid)
	if err != nil {
		return EntityDataKey{}, fmt.Errorf("invalid entity set id in %q: %w", s, err)
	}
	entityKeyID, err := uuid.Parse(ekid)
	if err != nil {
		return EntityDataKey{}, fmt.Errorf("invalid entity key id in %q: %w", s, err)
	}
	return NewEntityDataKey(entitySetID, entityKeyID), nil
}

func (k EntityDataKey) String() string {
	return k.EntitySetID.String() + ":" + k.EntityKeyID.String()
}

// Less orders keys by entity set id, then entity key id.
func (k EntityDataKey) Less(other EntityDataKey) bool {
	if c := bytes.Compare(k.EntitySetID[:], other.EntitySetID[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(k.EntityKeyID[:], other.EntityKeyID[:]) < 0
}

// SortKeys sorts keys in place using Less and returns them.
func SortKeys(keys []EntityDataKey) []EntityDataKey {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// SortUUIDs sorts ids in place by their bytes and returns them.
func SortUUIDs(ids []uuid.UUID) []uuid.UUID {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// EntityKeyPair is an unordered pair of records. NewEntityKeyPair stores the pair in canonical
// order so (a, b) and (b, a) compare equal and can be used as the same map key.
type EntityKeyPair struct {
	First  EntityDataKey `json:"first"`
	Second EntityDataKey `json:"second"`
}

// NewEntityKeyPair creates a canonically ordered pair
func NewEntityKeyPair(a, b EntityDataKey) EntityKeyPair {
	if b.Less(a) {
		a, b = b, a
	}
	return EntityKeyPair{First: a, Second: b}
}

// Contains reports whether key is one of the pair's members.
func (p EntityKeyPair) Contains(key EntityDataKey) bool {
	return p.First == key || p.Second == key
}

// Other returns the member of the pair that is not key. For a self pair it returns key.
func (p EntityKeyPair) Other(key EntityDataKey) EntityDataKey {
	if p.First == key {
		return p.Second
	}
	return p.First
}

func (p EntityKeyPair) String() string {
	return "(" + p.First.String() + ", " + p.Second.String() + ")"
}

// KeySet is a set of record identifiers.
type KeySet map[EntityDataKey]struct{}

// NewKeySet creates a set from keys
func NewKeySet(keys ...EntityDataKey) KeySet {
	set := make(KeySet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func (s KeySet) Add(keys ...EntityDataKey) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

func (s KeySet) Contains(key EntityDataKey) bool {
	_, ok := s[key]
	return ok
}

// Sorted returns the members in canonical order.
func (s KeySet) Sorted() []EntityDataKey {
	keys := make([]EntityDataKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return SortKeys(keys)
}

// SplitKeys returns the entity set ids and entity key ids of keys as two parallel slices.
func SplitKeys(keys []EntityDataKey) (entitySetIDs, entityKeyIDs []uuid.UUID) {
	entitySetIDs = make([]uuid.UUID, len(keys))
	entityKeyIDs = make([]uuid.UUID, len(keys))
	for i, k := range keys {
		entitySetIDs[i] = k.EntitySetID
		entityKeyIDs[i] = k.EntityKeyID
	}
	return entitySetIDs, entityKeyIDs
}
