package linking

import (
	"context"
	"errors"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/linker/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// tableMatcher scores pairs from a fixed table. Unknown pairs score 0.
type tableMatcher struct {
	scores        map[models.EntityKeyPair]float64
	initThreshold float64
}

func newTableMatcher() *tableMatcher {
	return &tableMatcher{scores: make(map[models.EntityKeyPair]float64), initThreshold: 0.9}
}

func (m *tableMatcher) set(a, b models.EntityDataKey, score float64) {
	m.scores[models.NewEntityKeyPair(a, b)] = score
}

func (m *tableMatcher) Initialize(_ context.Context, block models.Block) (models.ScoreMatrix, error) {
	out := make(models.ScoreMatrix)
	out.Set(block.Focal, block.Focal, 1.0)
	for k := range block.Entities {
		if k == block.Focal {
			continue
		}
		if s := m.scores[models.NewEntityKeyPair(block.Focal, k)]; s > m.initThreshold {
			out.Set(block.Focal, k, s)
		}
	}
	return out, nil
}

func (m *tableMatcher) Match(_ context.Context, block models.Block) (models.ScoreMatrix, error) {
	keys := block.Keys().Sorted()
	out := make(models.ScoreMatrix)
	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			out.Set(keys[i], keys[j], m.scores[models.NewEntityKeyPair(keys[i], keys[j])])
		}
	}
	if _, ok := block.Entities[block.Focal]; ok {
		out.Set(block.Focal, block.Focal, 1.0)
	}
	return out, nil
}

type fakeTx struct {
	store *memoryStore
}

func (t *fakeTx) Commit(_ context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.commits++
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.rollbacks++
	return nil
}

// memoryStore implements every store collaborator of the engine in memory.
type memoryStore struct {
	mu sync.Mutex

	clusters    map[uuid.UUID]models.ScoreMatrix
	assignments map[models.EntityDataKey]uuid.UUID
	links       map[uuid.UUID]models.KeySet
	tombstones  map[uuid.UUID]models.KeySet
	logs        map[uuid.UUID][]models.ClusterSnapshot
	entities    map[models.EntityDataKey]models.RawProperties
	blocks      map[models.EntityDataKey][]models.EntityDataKey
	positives   map[models.EntityDataKey][]models.EntityDataKey
	reserved    []uuid.UUID

	locked      [][]uuid.UUID
	exceptions  [][]models.EntityDataKey
	createCalls int
	tombCalls   int
	upsertCalls int
	commits     int
	rollbacks   int
	blockErr    error

	// beforeLock runs once, outside the store mutex, before the next lock is granted. It stands
	// in for another worker committing while this one waits on the cluster locks.
	beforeLock func()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		clusters:    make(map[uuid.UUID]models.ScoreMatrix),
		assignments: make(map[models.EntityDataKey]uuid.UUID),
		links:       make(map[uuid.UUID]models.KeySet),
		tombstones:  make(map[uuid.UUID]models.KeySet),
		logs:        make(map[uuid.UUID][]models.ClusterSnapshot),
		entities:    make(map[models.EntityDataKey]models.RawProperties),
		blocks:      make(map[models.EntityDataKey][]models.EntityDataKey),
		positives:   make(map[models.EntityDataKey][]models.EntityDataKey),
	}
}

func (s *memoryStore) collaborators(matcher Matcher, listeners ...ClusterListener) Collaborators {
	return Collaborators{
		Blocker:   s,
		Loader:    s,
		Queries:   s,
		LinkLog:   s,
		IDs:       s,
		Feedback:  s,
		Matcher:   matcher,
		Listeners: listeners,
	}
}

// addRecord registers raw properties for a new record in its own entity set.
func (s *memoryStore) addRecord() models.EntityDataKey {
	k := models.NewEntityDataKey(uuid.New(), uuid.New())
	s.entities[k] = models.RawProperties{}
	return k
}

// seedCluster stores an existing cluster with its edges, links and a logged snapshot.
func (s *memoryStore) seedCluster(matrix models.ScoreMatrix) uuid.UUID {
	id := uuid.New()
	s.clusters[id] = matrix
	members := matrix.Keys()
	for k := range members {
		s.assignments[k] = id
	}
	s.links[id] = members
	s.logs[id] = []models.ClusterSnapshot{models.SnapshotFromKeys(members)}
	return id
}

func (s *memoryStore) Block(_ context.Context, key models.EntityDataKey) (models.Block, error) {
	if s.blockErr != nil {
		return models.Block{}, s.blockErr
	}
	entities := map[models.EntityDataKey]models.RawProperties{key: s.entities[key]}
	for _, k := range s.blocks[key] {
		entities[k] = s.entities[k]
	}
	return models.NewBlock(key, entities), nil
}

func (s *memoryStore) GetEntities(_ context.Context, keys []models.EntityDataKey) (map[models.EntityDataKey]models.RawProperties, error) {
	out := make(map[models.EntityDataKey]models.RawProperties, len(keys))
	for _, k := range keys {
		if props, ok := s.entities[k]; ok {
			out[k] = props
		}
	}
	return out, nil
}

func (s *memoryStore) GetClustersForIDs(_ context.Context, keys []models.EntityDataKey) (map[uuid.UUID]models.ScoreMatrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := models.NewKeySet(keys...)
	out := make(map[uuid.UUID]models.ScoreMatrix)
	for id, matrix := range s.clusters {
		for k := range matrix.Keys() {
			if want.Contains(k) {
				out[id] = copyMatrix(matrix)
				break
			}
		}
	}
	return out, nil
}

func copyMatrix(matrix models.ScoreMatrix) models.ScoreMatrix {
	out := make(models.ScoreMatrix)
	for _, e := range matrix.Edges() {
		out.Set(e.Src, e.Dst, e.Score)
	}
	return out
}

func (s *memoryStore) LockClustersForUpdates(ctx context.Context, ids []uuid.UUID) (context.Context, ClusterTx, error) {
	s.mu.Lock()
	hook := s.beforeLock
	s.beforeLock = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = append(s.locked, append([]uuid.UUID(nil), ids...))
	return ctx, &fakeTx{store: s}, nil
}

func (s *memoryStore) DeleteNeighborhood(_ context.Context, key models.EntityDataKey, exceptions []models.EntityDataKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceptions = append(s.exceptions, exceptions)
	excepted := models.NewKeySet(exceptions...)
	var n int64
	for _, matrix := range s.clusters {
		for src, row := range matrix {
			for dst := range row {
				// same predicate as the SQL: touches key, is not the self edge, and neither end
				// is an exception
				touches := src == key || dst == key
				self := src == key && dst == key
				if touches && !self && !excepted.Contains(src) && !excepted.Contains(dst) {
					delete(row, dst)
					n++
				}
			}
			if len(row) == 0 {
				delete(matrix, src)
			}
		}
	}
	return n, nil
}

// InsertMatchScores upserts on the unordered pair like the SQL does, so an edge stored under
// another cluster moves to linkingID.
func (s *memoryStore) InsertMatchScores(_ context.Context, linkingID uuid.UUID, scores models.ScoreMatrix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	matrix, ok := s.clusters[linkingID]
	if !ok {
		matrix = make(models.ScoreMatrix)
		s.clusters[linkingID] = matrix
	}
	for _, e := range scores.Edges() {
		for id, other := range s.clusters {
			if id == linkingID {
				continue
			}
			deleteEdge(other, e.Src, e.Dst)
			deleteEdge(other, e.Dst, e.Src)
			if len(other) == 0 {
				delete(s.clusters, id)
			}
		}
		matrix.Set(e.Src, e.Dst, e.Score)
	}
	return nil
}

func deleteEdge(matrix models.ScoreMatrix, src, dst models.EntityDataKey) {
	row, ok := matrix[src]
	if !ok {
		return
	}
	delete(row, dst)
	if len(row) == 0 {
		delete(matrix, src)
	}
}

func (s *memoryStore) UpdateIDsTable(_ context.Context, linkingID uuid.UUID, key models.EntityDataKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[key] = linkingID
	return nil
}

func (s *memoryStore) GetLinkingID(_ context.Context, key models.EntityDataKey) (*uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.assignments[key]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

func (s *memoryStore) CreateOrUpdateLink(_ context.Context, linkingID uuid.UUID, snapshot models.ClusterSnapshot) error {
	s.upsertCalls++
	s.links[linkingID] = snapshot.Keys()
	return nil
}

func (s *memoryStore) CreateLinks(_ context.Context, linkingID uuid.UUID, keys []models.EntityDataKey) error {
	s.createCalls++
	if s.links[linkingID] == nil {
		s.links[linkingID] = models.NewKeySet()
	}
	s.links[linkingID].Add(keys...)
	return nil
}

func (s *memoryStore) TombstoneLinks(_ context.Context, linkingID uuid.UUID, keys []models.EntityDataKey) error {
	s.tombCalls++
	if s.tombstones[linkingID] == nil {
		s.tombstones[linkingID] = models.NewKeySet()
	}
	for _, k := range keys {
		delete(s.links[linkingID], k)
		s.tombstones[linkingID].Add(k)
		if s.assignments[k] == linkingID {
			delete(s.assignments, k)
		}
	}
	return nil
}

func (s *memoryStore) ReadLatestLinkLog(_ context.Context, linkingID uuid.UUID) (models.ClusterSnapshot, error) {
	logs := s.logs[linkingID]
	if len(logs) == 0 {
		return models.ClusterSnapshot{}, nil
	}
	return logs[len(logs)-1], nil
}

func (s *memoryStore) CreateOrUpdateCluster(_ context.Context, linkingID uuid.UUID, snapshot models.ClusterSnapshot, _ bool) error {
	s.logs[linkingID] = append(s.logs[linkingID], snapshot)
	return nil
}

func (s *memoryStore) ReserveLinkingIDs(_ context.Context, count int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, count)
	for i := range ids {
		ids[i] = uuid.New()
	}
	s.reserved = append(s.reserved, ids...)
	return ids, nil
}

func (s *memoryStore) HasFeedbacks(_ context.Context, kind models.FeedbackType, key models.EntityDataKey) (bool, error) {
	if kind != models.FeedbackTypePositive {
		return false, errors.New("only positive feedback is tracked by the fake")
	}
	return len(s.positives[key]) > 0, nil
}

func (s *memoryStore) GetLinkingFeedbackEntityKeyPairs(_ context.Context, _ models.FeedbackType, key models.EntityDataKey) ([]models.EntityDataKey, error) {
	return s.positives[key], nil
}

type recordingListener struct {
	mu      sync.Mutex
	results []CommitResult
}

func (l *recordingListener) OnClusterCommitted(_ context.Context, result CommitResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, result)
}
