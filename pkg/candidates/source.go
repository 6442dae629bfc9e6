// Package candidates discovers records that need (re)linking and queues them for the workers.
package candidates

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/linker/pkg/lease"
	"github.com/Ramsey-B/linker/pkg/metrics"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// Store is the slice of the durable store discovery reads from.
type Store interface {
	// GetLinkableEntitySets returns sets of the given entity types that are not linking-derived
	// and not in the blacklist.
	GetLinkableEntitySets(ctx context.Context, entityTypeIDs, blacklist []uuid.UUID) ([]uuid.UUID, error)
	GetEntitiesNeedingLinking(ctx context.Context, entitySetID uuid.UUID, limit int) ([]models.EntityDataKey, error)
}

// Config holds discovery configuration
type Config struct {
	LinkableTypes []uuid.UUID
	// Whitelist sets are swept before all other linkable sets.
	Whitelist []uuid.UUID
	Blacklist []uuid.UUID
	// LoadSize is the nominal batch size; each set is paged at twice this value.
	LoadSize int
	// IdleInterval is the pause after a sweep that queued nothing.
	IdleInterval time.Duration
	// ErrorBackoff is the pause after a failed sweep.
	ErrorBackoff time.Duration
}

// DefaultConfig returns default discovery configuration
func DefaultConfig() Config {
	return Config{
		LoadSize:     100,
		IdleInterval: time.Second,
		ErrorBackoff: 5 * time.Second,
	}
}

// Source runs the discovery loop.
type Source struct {
	store     Store
	leases    lease.Manager
	queue     Queue
	config    Config
	logger    ectologger.Logger
	heartbeat atomic.Int64
}

// NewSource creates a new Source
func NewSource(store Store, leases lease.Manager, queue Queue, config Config, logger ectologger.Logger) *Source {
	defaults := DefaultConfig()
	if config.LoadSize <= 0 {
		config.LoadSize = defaults.LoadSize
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = defaults.IdleInterval
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = defaults.ErrorBackoff
	}
	return &Source{
		store:  store,
		leases: leases,
		queue:  queue,
		config: config,
		logger: logger,
	}
}

// Run sweeps until ctx is done. A failed or panicking sweep is logged and the loop continues
// after ErrorBackoff; only cancellation ends it.
func (s *Source) Run(ctx context.Context) error {
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"linkable_types": len(s.config.LinkableTypes),
		"whitelist":      len(s.config.Whitelist),
		"blacklist":      len(s.config.Blacklist),
		"load_size":      s.config.LoadSize,
	}).Info("Starting candidate discovery")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		queued, err := s.safeSweep(ctx)
		s.beat()

		wait := time.Duration(0)
		switch {
		case err != nil && ctx.Err() == nil:
			metrics.DiscoveryErrors.Inc()
			s.logger.WithContext(ctx).WithError(err).Error("Candidate discovery sweep failed")
			wait = s.config.ErrorBackoff
		case queued == 0:
			wait = s.config.IdleInterval
		}
		if wait == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Source) safeSweep(ctx context.Context) (queued int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("discovery sweep panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return s.Sweep(ctx)
}

// Sweep walks every linkable set once, whitelist first, and queues the admitted candidates.
// A failure on one set is logged and the sweep moves on; the error is still returned so the
// loop can count it.
func (s *Source) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Source.Sweep")
	defer span.End()

	linkable, err := s.store.GetLinkableEntitySets(ctx, s.config.LinkableTypes, s.config.Blacklist)
	if err != nil {
		return 0, fmt.Errorf("failed to load linkable entity sets: %w", err)
	}

	var firstErr error
	total := 0
	for _, esid := range s.ordered(linkable) {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := s.sweepEntitySet(ctx, esid)
		total += n
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("entity_set_id", esid.String()).
				Warn("Failed to queue candidates for entity set")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

// ordered puts whitelisted sets first. Whitelisted ids that are not linkable are ignored.
func (s *Source) ordered(linkable []uuid.UUID) []uuid.UUID {
	priority := ectolinq.Filter(s.config.Whitelist, func(id uuid.UUID) bool {
		return ectolinq.Contains(linkable, id)
	})
	rest := ectolinq.Filter(linkable, func(id uuid.UUID) bool {
		return !ectolinq.Contains(s.config.Whitelist, id)
	})
	return append(priority, rest...)
}

func (s *Source) sweepEntitySet(ctx context.Context, esid uuid.UUID) (int, error) {
	log := s.logger.WithContext(ctx).WithField("entity_set_id", esid.String())

	keys, err := s.store.GetEntitiesNeedingLinking(ctx, esid, 2*s.config.LoadSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load entities needing linking: %w", err)
	}

	// candidates admitted before a lease failure still hold their leases, so they are queued
	// before the failure is reported
	var acquireErr error
	admitted := make([]models.EntityDataKey, 0, len(keys))
	for _, k := range keys {
		admission, err := s.leases.Acquire(ctx, k.String())
		if err != nil {
			acquireErr = fmt.Errorf("failed to acquire lease for %s: %w", k, err)
			break
		}
		if admission.Admitted() {
			admitted = append(admitted, k)
		}
	}
	if len(admitted) == 0 {
		return 0, acquireErr
	}

	if err := s.queue.Put(ctx, admitted...); err != nil {
		// the leases expire on their own and the candidates come back next sweep
		return 0, fmt.Errorf("failed to enqueue candidates: %w", err)
	}
	metrics.CandidatesEnqueued.WithLabelValues(esid.String()).Add(float64(len(admitted)))
	log.WithFields(map[string]any{
		"needing_linking": len(keys),
		"queued":          len(admitted),
	}).Info("Queued linking candidates")
	return len(admitted), acquireErr
}

func (s *Source) beat() {
	now := time.Now()
	s.heartbeat.Store(now.UnixNano())
	metrics.RecordHeartbeat(now)
}

// Heartbeat returns the completion time of the last sweep, successful or not. Zero before the
// first sweep.
func (s *Source) Heartbeat() time.Time {
	n := s.heartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Healthy reports whether a sweep completed within maxAge.
func (s *Source) Healthy(maxAge time.Duration) bool {
	hb := s.Heartbeat()
	return !hb.IsZero() && time.Since(hb) <= maxAge
}
