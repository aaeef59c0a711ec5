package relay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor manages the lifecycle of a collection of workers.
// It is responsible for starting and stopping them gracefully.
type Supervisor struct {
	logger  *zap.Logger
	workers []Worker

	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewSupervisor creates a new supervisor to manage the given workers.
func NewSupervisor(logger *zap.Logger, workers ...Worker) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		logger:   logger,
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

// Start runs all the workers and blocks until the context is cancelled or Stop() is called,
// and every worker has returned.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("Supervisor already started")
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Starting supervisor with workers", zap.Int("worker_count", len(s.workers)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A panicking worker fails the group, which cancels gctx and stops the others.
	g, gctx := errgroup.WithContext(runCtx)
	for _, w := range s.workers {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker %s panicked: %v", w.Name(), r)
				}
			}()
			s.logger.Info("Starting worker", zap.String("worker_name", w.Name()))
			w.Start(gctx)
			s.logger.Info("Worker stopped", zap.String("worker_name", w.Name()))
			return nil
		})
	}

	// Wait for context cancellation, an explicit stop signal or a failed worker.
	select {
	case <-ctx.Done():
		s.logger.Info("Context cancelled, stopping supervisor")
	case <-s.stopChan:
		s.logger.Info("Stop signal received, stopping supervisor")
	case <-gctx.Done():
		s.logger.Warn("Worker failed, stopping supervisor")
	}

	cancel()
	for _, w := range s.workers {
		w.Stop()
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("Supervisor stopped after a worker failure", zap.Error(err))
	}
	s.logger.Info("All workers have been stopped. Supervisor shutdown complete.")

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// Stop signals Start to shut the workers down. It does not wait; Start returns once they are stopped.
// It is safe to call Stop multiple times.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping supervisor...")
		close(s.stopChan)
	})
}

// IsStarted returns true if the supervisor is currently running.
func (s *Supervisor) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
