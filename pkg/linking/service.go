package linking

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/semaphore"

	"github.com/Ramsey-B/linker/pkg/candidates"
	"github.com/Ramsey-B/linker/pkg/lease"
	"github.com/Ramsey-B/linker/pkg/metrics"
	"github.com/Ramsey-B/linker/pkg/models"
)

// Linker links one candidate.
type Linker interface {
	Link(ctx context.Context, candidate models.EntityDataKey) (*CommitResult, error)
}

// Discovery feeds the queue until ctx is done.
type Discovery interface {
	Run(ctx context.Context) error
}

// ServiceConfig holds background linking configuration
type ServiceConfig struct {
	Enabled bool
	// Parallelism bounds the number of candidates linked at once.
	Parallelism int
	// ReleaseTimeout bounds lease release after a candidate finishes.
	ReleaseTimeout time.Duration
}

// DefaultServiceConfig returns default service configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Enabled:        true,
		Parallelism:    4,
		ReleaseTimeout: 5 * time.Second,
	}
}

// Service runs discovery, dispatch and the bounded worker pool.
type Service struct {
	linker    Linker
	discovery Discovery
	queue     candidates.Queue
	leases    lease.Manager
	sem       *semaphore.Weighted
	config    ServiceConfig
	logger    ectologger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	workers sync.WaitGroup
}

// NewService creates a new Service
func NewService(linker Linker, discovery Discovery, queue candidates.Queue, leases lease.Manager, config ServiceConfig, logger ectologger.Logger) *Service {
	if config.Parallelism <= 0 {
		config.Parallelism = DefaultServiceConfig().Parallelism
	}
	if config.ReleaseTimeout <= 0 {
		config.ReleaseTimeout = DefaultServiceConfig().ReleaseTimeout
	}
	return &Service{
		linker:    linker,
		discovery: discovery,
		queue:     queue,
		leases:    leases,
		sem:       semaphore.NewWeighted(int64(config.Parallelism)),
		config:    config,
		logger:    logger,
	}
}

func (s *Service) GetName() string {
	return "linking"
}

func (s *Service) DependsOn() []string {
	return []string{"postgres", "redis"}
}

// Start launches discovery and dispatch in the background. It returns immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.config.Enabled {
		s.logger.WithContext(ctx).Info("Skipping background linking as it is not enabled")
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.running = true

	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		if err := s.discovery.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.WithContext(runCtx).WithError(err).Error("Candidate discovery stopped")
		}
	}()
	go func() {
		defer s.loops.Done()
		s.dispatch(runCtx)
	}()

	s.logger.WithContext(ctx).WithField("parallelism", s.config.Parallelism).Info("Background linking started")
	return nil
}

// Stop cancels the loops and waits for in-flight candidates, or for ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping background linking...")
	cancel()

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.WithContext(ctx).Info("Background linking stopped")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Background linking shutdown timed out")
		return ctx.Err()
	}
}

// dispatch takes candidates and hands each to a worker once a permit is free. Workers run
// asynchronously so a slow candidate never blocks the next take.
func (s *Service) dispatch(ctx context.Context) {
	for {
		candidate, err := s.queue.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithContext(ctx).WithError(err).Warn("Failed to take linking candidate")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.release(ctx, candidate)
			return
		}

		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			defer s.sem.Release(1)
			defer s.release(ctx, candidate)
			s.process(ctx, candidate)
		}()
	}
}

func (s *Service) process(ctx context.Context, candidate models.EntityDataKey) {
	metrics.WorkersInFlight.Inc()
	defer metrics.WorkersInFlight.Dec()

	log := s.logger.WithContext(ctx).WithField("candidate", candidate.String())
	defer func() {
		if r := recover(); r != nil {
			log.WithError(fmt.Errorf("panic: %v", r)).WithField("stack", string(debug.Stack())).
				Error("Linking candidate panicked")
		}
	}()

	log.Debug("Linking candidate")
	if _, err := s.linker.Link(ctx, candidate); err != nil {
		log.WithError(err).Error("Unable to link candidate")
	}
}

// release always runs, including on shutdown, so it uses a context detached from cancellation.
func (s *Service) release(ctx context.Context, candidate models.EntityDataKey) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ReleaseTimeout)
	defer cancel()
	if err := s.leases.Release(releaseCtx, candidate.String()); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("candidate", candidate.String()).
			Warn("Failed to release lease, it will expire on its own")
	}
}
