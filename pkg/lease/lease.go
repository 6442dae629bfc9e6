// Package lease keeps a candidate from being enqueued twice while a worker is linking it.
//
// A lease is a key holding its expiration time. Discovery admits a candidate when no lease
// exists or when the existing one has expired, and the worker releases it when linking finishes.
// A worker that dies without releasing leaves an expired lease behind, which the next sweep
// refreshes and re-admits. Two sweeps observing the same expired lease may both refresh it; the
// managers here make the refresh atomic, which narrows that window but delivery stays
// at-least-once.
package lease

import (
	"context"
	"time"

	"github.com/Ramsey-B/linker/pkg/metrics"
)

// DefaultTTL is how long a worker may hold a candidate before it is presumed dead.
const DefaultTTL = 120 * time.Second

// Admission is the outcome of an acquire attempt.
type Admission int

const (
	// Held means a live lease exists and the candidate must be skipped.
	Held Admission = iota
	// Acquired means no lease existed and one was created.
	Acquired
	// Refreshed means an expired lease was taken over.
	Refreshed
)

// Admitted reports whether the caller now owns the lease.
func (a Admission) Admitted() bool {
	return a == Acquired || a == Refreshed
}

func (a Admission) String() string {
	switch a {
	case Acquired:
		return "acquired"
	case Refreshed:
		return "refreshed"
	default:
		return "held"
	}
}

// Manager grants and releases leases keyed by candidate.
type Manager interface {
	Acquire(ctx context.Context, key string) (Admission, error)
	Release(ctx context.Context, key string) error
}

// Clock returns the current time. Tests swap it to move time forward.
type Clock func() time.Time

func recordAdmission(a Admission) {
	metrics.LeaseAdmissions.WithLabelValues(a.String()).Inc()
}
