package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryManager keeps leases in process. It is used when a single linker instance runs
// without Redis.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]time.Time
	ttl    time.Duration
	now    Clock
}

// NewMemoryManager creates a new MemoryManager. A nil clock means time.Now.
func NewMemoryManager(ttl time.Duration, clock Clock) *MemoryManager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryManager{
		leases: make(map[string]time.Time),
		ttl:    ttl,
		now:    clock,
	}
}

// Acquire admits key when no lease exists or the existing one has expired.
func (m *MemoryManager) Acquire(_ context.Context, key string) (Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expiration, ok := m.leases[key]
	admission := Held
	switch {
	case !ok:
		admission = Acquired
	case !now.Before(expiration):
		admission = Refreshed
	}
	if admission.Admitted() {
		m.leases[key] = now.Add(m.ttl)
	}
	recordAdmission(admission)
	return admission, nil
}

// Release drops the lease for key. Releasing a missing lease is a no-op.
func (m *MemoryManager) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, key)
	return nil
}

// Len returns the number of leases, live or expired.
func (m *MemoryManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}
