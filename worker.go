package relay

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// BaseWorker is a generic, ticker-based worker implementation.
// It runs a given function at a specified interval and handles graceful shutdown.
type BaseWorker struct {
	name       string
	interval   time.Duration
	logger     *zap.Logger
	workFunc   func(ctx context.Context) error
	clock      clockwork.Clock
	runOnStart bool

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
	stopped  bool
}

// NewBaseWorker creates a new generic worker.
func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, workFunc func(ctx context.Context) error, opts ...WorkerOption) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		workFunc: workFunc,
		clock:    clockwork.NewRealClock(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the worker's execution loop.
// It blocks until the worker is stopped via the context or a call to Stop().
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started", zap.String("name", w.name))
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("name", w.name))

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	if w.runOnStart && !w.stopping() {
		w.executeWorkFunc(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker stopping", zap.String("name", w.name))
			return
		case <-w.stopChan:
			w.logger.Info("Stop signal received, worker stopping", zap.String("name", w.name))
			return
		case <-ticker.Chan():
			// Stop() may have been called right as the tick fired.
			if w.stopping() {
				return
			}
			w.executeWorkFunc(ctx)
		}
	}
}

func (w *BaseWorker) stopping() bool {
	select {
	case <-w.stopChan:
		return true
	default:
		return false
	}
}

// executeWorkFunc runs the worker's function, ensuring that Stop() will wait for it to complete.
func (w *BaseWorker) executeWorkFunc(ctx context.Context) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	if ctx.Err() != nil {
		return
	}

	if err := w.workFunc(ctx); err != nil {
		w.logger.Error("Worker function failed", zap.String("name", w.name), zap.Error(err))
	}
}

// Stop gracefully shuts down the worker.
// It waits for any in-progress work to complete. A worker stopped before Start never runs.
// It is safe to call Stop multiple times.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		// No execution can start once stopped is set, so Wait never races an Add.
		w.mu.Lock()
		w.stopped = true
		close(w.stopChan)
		w.mu.Unlock()

		// Wait for the last execution of workFunc to complete.
		w.wg.Wait()
	})
}

// Name returns the name of the worker.
func (w *BaseWorker) Name() string {
	return w.name
}
