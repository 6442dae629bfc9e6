package models

import (
	"math"

	"github.com/google/uuid"
)

// ScoreMatrix is a sparse pairwise similarity graph. A missing edge means the pair was not
// evaluated, which is different from a score of 0.
type ScoreMatrix map[EntityDataKey]map[EntityDataKey]float64

// Set records the score for the directed edge a -> b.
func (m ScoreMatrix) Set(a, b EntityDataKey, score float64) {
	row, ok := m[a]
	if !ok {
		row = make(map[EntityDataKey]float64)
		m[a] = row
	}
	row[b] = score
}

// Get looks the edge up in either direction.
func (m ScoreMatrix) Get(a, b EntityDataKey) (float64, bool) {
	if score, ok := m[a][b]; ok {
		return score, true
	}
	score, ok := m[b][a]
	return score, ok
}

// Keys collects every record that appears as a row or a column.
func (m ScoreMatrix) Keys() KeySet {
	keys := make(KeySet, len(m))
	for src, row := range m {
		keys.Add(src)
		for dst := range row {
			keys.Add(dst)
		}
	}
	return keys
}

// Len returns the number of edges.
func (m ScoreMatrix) Len() int {
	n := 0
	for _, row := range m {
		n += len(row)
	}
	return n
}

// MinScore returns the weakest edge, or 0 when the matrix has no edges.
func (m ScoreMatrix) MinScore() float64 {
	lowest := math.Inf(1)
	for _, row := range m {
		for _, score := range row {
			if score < lowest {
				lowest = score
			}
		}
	}
	if math.IsInf(lowest, 1) {
		return 0
	}
	return lowest
}

// MatchScore is one edge of a score matrix, flattened for persistence and transport.
type MatchScore struct {
	Src   EntityDataKey `json:"src"`
	Dst   EntityDataKey `json:"dst"`
	Score float64       `json:"score"`
}

// Edges flattens the matrix in canonical order.
func (m ScoreMatrix) Edges() []MatchScore {
	edges := make([]MatchScore, 0, m.Len())
	for _, src := range m.Keys().Sorted() {
		row := m[src]
		if len(row) == 0 {
			continue
		}
		dsts := make([]EntityDataKey, 0, len(row))
		for dst := range row {
			dsts = append(dsts, dst)
		}
		for _, dst := range SortKeys(dsts) {
			edges = append(edges, MatchScore{Src: src, Dst: dst, Score: row[dst]})
		}
	}
	return edges
}

// ScoreMatrixFromEdges rebuilds a matrix from flattened edges.
func ScoreMatrixFromEdges(edges []MatchScore) ScoreMatrix {
	m := make(ScoreMatrix)
	for _, e := range edges {
		m.Set(e.Src, e.Dst, e.Score)
	}
	return m
}

// ClusterSnapshot is the membership of one linking id grouped by entity set.
type ClusterSnapshot map[uuid.UUID]map[uuid.UUID]struct{}

// SnapshotFromKeys groups keys by entity set.
func SnapshotFromKeys(keys KeySet) ClusterSnapshot {
	snapshot := make(ClusterSnapshot)
	for k := range keys {
		snapshot.Add(k)
	}
	return snapshot
}

func (s ClusterSnapshot) Add(key EntityDataKey) {
	ekids, ok := s[key.EntitySetID]
	if !ok {
		ekids = make(map[uuid.UUID]struct{})
		s[key.EntitySetID] = ekids
	}
	ekids[key.EntityKeyID] = struct{}{}
}

func (s ClusterSnapshot) Contains(key EntityDataKey) bool {
	_, ok := s[key.EntitySetID][key.EntityKeyID]
	return ok
}

// Keys expands the snapshot back into record identifiers.
func (s ClusterSnapshot) Keys() KeySet {
	keys := make(KeySet)
	for esid, ekids := range s {
		for ekid := range ekids {
			keys.Add(NewEntityDataKey(esid, ekid))
		}
	}
	return keys
}

// Size returns the number of members.
func (s ClusterSnapshot) Size() int {
	n := 0
	for _, ekids := range s {
		n += len(ekids)
	}
	return n
}

// Diff compares s (the new membership) against previous. Additions are members of s missing
// from previous, removals are members of previous missing from s. Both are sorted.
func (s ClusterSnapshot) Diff(previous ClusterSnapshot) (additions, removals []EntityDataKey) {
	for k := range s.Keys() {
		if !previous.Contains(k) {
			additions = append(additions, k)
		}
	}
	for k := range previous.Keys() {
		if !s.Contains(k) {
			removals = append(removals, k)
		}
	}
	return SortKeys(additions), SortKeys(removals)
}

// ToMap converts the snapshot to a JSON friendly esid -> sorted ekids form.
func (s ClusterSnapshot) ToMap() map[string][]string {
	out := make(map[string][]string, len(s))
	for _, k := range s.Keys().Sorted() {
		esid := k.EntitySetID.String()
		out[esid] = append(out[esid], k.EntityKeyID.String())
	}
	return out
}

// SnapshotFromMap is the inverse of ToMap.
func SnapshotFromMap(m map[string][]string) (ClusterSnapshot, error) {
	snapshot := make(ClusterSnapshot, len(m))
	for esid, ekids := range m {
		entitySetID, err := uuid.Parse(esid)
		if err != nil {
			return nil, err
		}
		for _, ekid := range ekids {
			entityKeyID, err := uuid.Parse(ekid)
			if err != nil {
				return nil, err
			}
			snapshot.Add(NewEntityDataKey(entitySetID, entityKeyID))
		}
	}
	return snapshot, nil
}

// ScoredCluster is an existing cluster re-evaluated with a candidate included.
type ScoredCluster struct {
	ClusterID uuid.UUID
	Matrix    ScoreMatrix
	Score     float64
}
