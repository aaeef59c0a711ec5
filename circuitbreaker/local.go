package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Local is a process-local breaker with the same Call contract as Breaker.
// State lives in memory, one gobreaker.CircuitBreaker per key, and is lost on restart.
type Local struct {
	failureThreshold uint32
	timeout          time.Duration
	logger           *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker

	openMu   sync.Mutex
	openedAt map[string]time.Time
}

func NewLocal(failureThreshold int, timeout time.Duration, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	if failureThreshold < 1 {
		failureThreshold = defaultFailureThreshold
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Local{
		failureThreshold: uint32(failureThreshold),
		timeout:          timeout,
		logger:           logger,
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
		openedAt:         make(map[string]time.Time),
	}
}

func (l *Local) breaker(key string) *gobreaker.CircuitBreaker {
	l.mu.RLock()
	cb, exists := l.breakers[key]
	l.mu.RUnlock()
	if exists {
		return cb
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cb, exists = l.breakers[key]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(l.settings(key))
	l.breakers[key] = cb
	return cb
}

func (l *Local) settings(key string) gobreaker.Settings {
	threshold := l.failureThreshold
	return gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     l.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				l.openMu.Lock()
				l.openedAt[name] = time.Now()
				l.openMu.Unlock()
			}
			l.logger.Info("Circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
}

func (l *Local) Call(ctx context.Context, key string, op func(ctx context.Context) error) error {
	_, err := l.breaker(key).Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		l.logger.Warn("Circuit breaker is OPEN, rejecting call", zap.String("service", key))
		return &OpenError{Key: key, RetryAfter: l.retryAfter(key)}
	}
	return err
}

// retryAfter is the time left before the open circuit for key admits a trial.
// Zero while a HALF_OPEN trial is already running.
func (l *Local) retryAfter(key string) time.Duration {
	l.openMu.Lock()
	openedAt, ok := l.openedAt[key]
	l.openMu.Unlock()
	if !ok {
		return l.timeout
	}
	if remaining := l.timeout - time.Since(openedAt); remaining > 0 {
		return remaining
	}
	return 0
}

func (l *Local) lookup(key string) (*gobreaker.CircuitBreaker, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cb, exists := l.breakers[key]
	return cb, exists
}

// State never fails; the error is there to match Breaker.
func (l *Local) State(_ context.Context, key string) (State, error) {
	cb, exists := l.lookup(key)
	if !exists {
		return StateClosed, nil
	}

	switch cb.State() {
	case gobreaker.StateOpen:
		return StateOpen, nil
	case gobreaker.StateHalfOpen:
		return StateHalfOpen, nil
	default:
		return StateClosed, nil
	}
}

// Failures returns the consecutive failures of the current generation.
func (l *Local) Failures(_ context.Context, key string) (int64, error) {
	cb, exists := l.lookup(key)
	if !exists {
		return 0, nil
	}
	return int64(cb.Counts().ConsecutiveFailures), nil
}

// Reset drops the breaker for key; the next call starts CLOSED.
func (l *Local) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.breakers, key)
	l.mu.Unlock()
	l.openMu.Lock()
	delete(l.openedAt, key)
	l.openMu.Unlock()
	l.logger.Info("Circuit breaker manually reset", zap.String("service", key))
	return nil
}
