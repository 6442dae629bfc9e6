package linking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/linker/pkg/candidates"
	"github.com/Ramsey-B/linker/pkg/lease"
	"github.com/Ramsey-B/linker/pkg/models"
)

// blockingDiscovery only waits for cancellation; tests fill the queue directly.
type blockingDiscovery struct{}

func (blockingDiscovery) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeLinker struct {
	mu       sync.Mutex
	seen     []models.EntityDataKey
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	fail     map[models.EntityDataKey]bool
	panics   map[models.EntityDataKey]bool
	done     chan struct{}
}

func (f *fakeLinker) Link(_ context.Context, candidate models.EntityDataKey) (*CommitResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	defer func() { f.done <- struct{}{} }()

	time.Sleep(f.delay)
	f.mu.Lock()
	f.seen = append(f.seen, candidate)
	f.mu.Unlock()

	if f.panics[candidate] {
		panic("linker exploded")
	}
	if f.fail[candidate] {
		return nil, errors.New("link failed")
	}
	return &CommitResult{Candidate: candidate}, nil
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d candidates", i, n)
		}
	}
}

func TestService(t *testing.T) {
	ctx := context.Background()

	t.Run("links every candidate, bounds parallelism and releases every lease", func(t *testing.T) {
		const total = 12
		keys := make([]models.EntityDataKey, total)
		for i := range keys {
			keys[i] = models.NewEntityDataKey(uuid.New(), uuid.New())
		}

		linker := &fakeLinker{
			delay:  5 * time.Millisecond,
			fail:   map[models.EntityDataKey]bool{keys[1]: true},
			panics: map[models.EntityDataKey]bool{keys[2]: true},
			done:   make(chan struct{}, total),
		}
		leases := lease.NewMemoryManager(lease.DefaultTTL, nil)
		queue := candidates.NewChannelQueue(total)
		for _, k := range keys {
			admission, err := leases.Acquire(ctx, k.String())
			require.NoError(t, err)
			require.True(t, admission.Admitted())
		}
		require.NoError(t, queue.Put(ctx, keys...))

		service := NewService(linker, blockingDiscovery{}, queue, leases,
			ServiceConfig{Enabled: true, Parallelism: 3}, testLogger())
		require.NoError(t, service.Start(ctx))
		waitFor(t, linker.done, total)

		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, service.Stop(stopCtx))

		assert.ElementsMatch(t, keys, linker.seen)
		assert.LessOrEqual(t, linker.maxSeen.Load(), int32(3))
		assert.Zero(t, leases.Len(), "leases are released after success, failure and panic")
	})

	t.Run("disabled service does nothing", func(t *testing.T) {
		linker := &fakeLinker{done: make(chan struct{}, 1)}
		queue := candidates.NewChannelQueue(1)
		require.NoError(t, queue.Put(ctx, models.NewEntityDataKey(uuid.New(), uuid.New())))

		service := NewService(linker, blockingDiscovery{}, queue, lease.NewMemoryManager(0, nil),
			ServiceConfig{Enabled: false}, testLogger())
		require.NoError(t, service.Start(ctx))
		require.NoError(t, service.Stop(ctx))

		n, _ := queue.Len(ctx)
		assert.Equal(t, 1, n)
		assert.Empty(t, linker.seen)
	})
}
