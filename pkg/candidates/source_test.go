package candidates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/linker/pkg/lease"
	"github.com/Ramsey-B/linker/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeStore struct {
	mu        sync.Mutex
	sets      []uuid.UUID
	needing   map[uuid.UUID][]models.EntityDataKey
	setErrs   map[uuid.UUID]error
	failSets  int
	panicOnce bool
	limits    []int
	visited   []uuid.UUID
}

func (f *fakeStore) GetLinkableEntitySets(_ context.Context, _, _ []uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnce {
		f.panicOnce = false
		panic("boom")
	}
	if f.failSets > 0 {
		f.failSets--
		return nil, errors.New("entity sets unavailable")
	}
	return f.sets, nil
}

func (f *fakeStore) GetEntitiesNeedingLinking(_ context.Context, esid uuid.UUID, limit int) ([]models.EntityDataKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	f.visited = append(f.visited, esid)
	if err := f.setErrs[esid]; err != nil {
		return nil, err
	}
	return f.needing[esid], nil
}

// failingLeases admits the first `admit` keys and then fails every acquire.
type failingLeases struct {
	lease.Manager
	admit int
}

func (l *failingLeases) Acquire(ctx context.Context, key string) (lease.Admission, error) {
	if l.admit == 0 {
		return lease.Held, errors.New("lease store unavailable")
	}
	l.admit--
	return l.Manager.Acquire(ctx, key)
}

func drain(t *testing.T, q *ChannelQueue) []models.EntityDataKey {
	t.Helper()
	n, _ := q.Len(context.Background())
	out := make([]models.EntityDataKey, 0, n)
	for i := 0; i < n; i++ {
		k, err := q.Take(context.Background())
		require.NoError(t, err)
		out = append(out, k)
	}
	return out
}

func TestSource_Sweep(t *testing.T) {
	ctx := context.Background()
	setA, setB, setC := uuid.New(), uuid.New(), uuid.New()
	a1 := models.NewEntityDataKey(setA, uuid.New())
	b1 := models.NewEntityDataKey(setB, uuid.New())
	c1 := models.NewEntityDataKey(setC, uuid.New())

	newStore := func() *fakeStore {
		return &fakeStore{
			sets: []uuid.UUID{setA, setB, setC},
			needing: map[uuid.UUID][]models.EntityDataKey{
				setA: {a1},
				setB: {b1},
				setC: {c1},
			},
		}
	}

	t.Run("whitelisted sets are swept first", func(t *testing.T) {
		store := newStore()
		queue := NewChannelQueue(10)
		source := NewSource(store, lease.NewMemoryManager(lease.DefaultTTL, nil), queue,
			Config{Whitelist: []uuid.UUID{setC, uuid.New()}, LoadSize: 25}, testLogger())

		n, err := source.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []uuid.UUID{setC, setA, setB}, store.visited)
		assert.Equal(t, []models.EntityDataKey{c1, a1, b1}, drain(t, queue))
		assert.Equal(t, []int{50, 50, 50}, store.limits, "pages are twice the load size")
	})

	t.Run("leased candidates are skipped until released", func(t *testing.T) {
		store := newStore()
		queue := NewChannelQueue(10)
		leases := lease.NewMemoryManager(lease.DefaultTTL, nil)
		source := NewSource(store, leases, queue, Config{}, testLogger())

		_, err := source.Sweep(ctx)
		require.NoError(t, err)
		drain(t, queue)

		n, err := source.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, leases.Release(ctx, b1.String()))
		n, err = source.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []models.EntityDataKey{b1}, drain(t, queue))
	})

	t.Run("expired leases are re-admitted", func(t *testing.T) {
		store := newStore()
		queue := NewChannelQueue(10)
		now := time.UnixMilli(0)
		leases := lease.NewMemoryManager(time.Minute, func() time.Time { return now })
		source := NewSource(store, leases, queue, Config{}, testLogger())

		_, err := source.Sweep(ctx)
		require.NoError(t, err)
		drain(t, queue)

		now = now.Add(time.Minute)
		n, err := source.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("one failing set does not stop the others", func(t *testing.T) {
		store := newStore()
		store.setErrs = map[uuid.UUID]error{setA: errors.New("timeout")}
		queue := NewChannelQueue(10)
		source := NewSource(store, lease.NewMemoryManager(lease.DefaultTTL, nil), queue, Config{}, testLogger())

		n, err := source.Sweep(ctx)
		assert.Error(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []models.EntityDataKey{b1, c1}, drain(t, queue))
	})

	t.Run("candidates admitted before a lease failure are still queued", func(t *testing.T) {
		a2 := models.NewEntityDataKey(setA, uuid.New())
		a3 := models.NewEntityDataKey(setA, uuid.New())
		store := &fakeStore{
			sets:    []uuid.UUID{setA},
			needing: map[uuid.UUID][]models.EntityDataKey{setA: {a1, a2, a3}},
		}
		queue := NewChannelQueue(10)
		leases := &failingLeases{Manager: lease.NewMemoryManager(lease.DefaultTTL, nil), admit: 2}
		source := NewSource(store, leases, queue, Config{}, testLogger())

		n, err := source.Sweep(ctx)
		assert.Error(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []models.EntityDataKey{a1, a2}, drain(t, queue))
	})
}

func TestSource_Run(t *testing.T) {
	setA := uuid.New()
	a1 := models.NewEntityDataKey(setA, uuid.New())

	t.Run("keeps sweeping after errors and panics", func(t *testing.T) {
		store := &fakeStore{
			sets:      []uuid.UUID{setA},
			needing:   map[uuid.UUID][]models.EntityDataKey{setA: {a1}},
			failSets:  1,
			panicOnce: true,
		}
		queue := NewChannelQueue(10)
		source := NewSource(store, lease.NewMemoryManager(lease.DefaultTTL, nil), queue,
			Config{ErrorBackoff: time.Millisecond, IdleInterval: time.Millisecond}, testLogger())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- source.Run(ctx) }()

		takeCtx, takeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer takeCancel()
		got, err := queue.Take(takeCtx)
		require.NoError(t, err)
		assert.Equal(t, a1, got)

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("discovery loop did not stop")
		}
		assert.True(t, source.Healthy(time.Minute))
	})

	t.Run("no heartbeat before the first sweep", func(t *testing.T) {
		source := NewSource(&fakeStore{}, lease.NewMemoryManager(0, nil), NewChannelQueue(1), Config{}, testLogger())
		assert.True(t, source.Heartbeat().IsZero())
		assert.False(t, source.Healthy(time.Hour))
	})
}

func TestChannelQueue(t *testing.T) {
	ctx := context.Background()
	q := NewChannelQueue(2)
	k1 := models.NewEntityDataKey(uuid.New(), uuid.New())
	k2 := models.NewEntityDataKey(uuid.New(), uuid.New())

	require.NoError(t, q.Put(ctx, k1, k2))
	n, _ := q.Len(ctx)
	assert.Equal(t, 2, n)

	t.Run("put blocks when full until ctx is done", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, q.Put(short, k1), context.DeadlineExceeded)
	})

	t.Run("take is fifo", func(t *testing.T) {
		got, err := q.Take(ctx)
		require.NoError(t, err)
		assert.Equal(t, k1, got)
		got, err = q.Take(ctx)
		require.NoError(t, err)
		assert.Equal(t, k2, got)
	})

	t.Run("take on a closed empty queue", func(t *testing.T) {
		q.Close()
		_, err := q.Take(ctx)
		assert.ErrorIs(t, err, ErrQueueClosed)
	})
}
