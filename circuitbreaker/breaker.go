// Package circuitbreaker guards calls to a downstream dependency identified by a key.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/relay/counter"
)

const (
	keyPrefix = "circuit_breaker_"

	defaultFailureThreshold = 5
	defaultTimeout          = 60 * time.Second
	defaultStateTTL         = time.Hour
)

// Breaker keeps per-key circuit state in a counter.Store so that it survives restarts
// and is shared by every process using the same store.
//
// Concurrent callers on the same key are not serialised: two failures racing
// past the threshold both open the circuit, which is harmless.
type Breaker struct {
	store            counter.Store
	failureThreshold int64
	timeout          time.Duration
	stateTTL         time.Duration
	logger           *zap.Logger
	clock            clockwork.Clock
}

type Option func(*Breaker)

func WithFailureThreshold(threshold int) Option {
	return func(b *Breaker) {
		b.failureThreshold = int64(threshold)
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(b *Breaker) {
		b.timeout = timeout
	}
}

func WithStateTTL(ttl time.Duration) Option {
	return func(b *Breaker) {
		b.stateTTL = ttl
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(b *Breaker) {
		b.clock = clock
	}
}

func New(store counter.Store, opts ...Option) *Breaker {
	b := &Breaker{
		store:            store,
		failureThreshold: defaultFailureThreshold,
		timeout:          defaultTimeout,
		stateTTL:         defaultStateTTL,
		logger:           zap.NewNop(),
		clock:            clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 1
	}
	return b
}

func stateKey(key string) string       { return keyPrefix + key + "_state" }
func failuresKey(key string) string    { return keyPrefix + key + "_failures" }
func lastFailureKey(key string) string { return keyPrefix + key + "_last_failure" }

// Call runs op unless the circuit for key is open.
// An open circuit whose timeout has elapsed since the last failure lets exactly this call through as a trial.
// Errors returned by op are passed back unchanged after the failure is recorded.
func (b *Breaker) Call(ctx context.Context, key string, op func(ctx context.Context) error) error {
	state, err := b.State(ctx, key)
	if err != nil {
		return err
	}

	switch state {
	case StateOpen:
		retryAfter, err := b.remainingTimeout(ctx, key)
		if err != nil {
			return err
		}
		if retryAfter > 0 {
			b.logger.Warn("Circuit breaker is OPEN, rejecting call", zap.String("service", key))
			return &OpenError{Key: key, RetryAfter: retryAfter}
		}
		if err := b.setState(ctx, key, StateHalfOpen); err != nil {
			return err
		}
		state = StateHalfOpen
		b.logger.Info("Circuit breaker transitioning to HALF_OPEN", zap.String("service", key))
	case StateClosed, StateHalfOpen:
	}

	if opErr := op(ctx); opErr != nil {
		if err := b.onFailure(ctx, key, state, opErr); err != nil {
			return errors.Join(opErr, err)
		}
		return opErr
	}
	return b.onSuccess(ctx, key, state)
}

// Reset forces the circuit for key closed and clears its failure count.
func (b *Breaker) Reset(ctx context.Context, key string) error {
	if err := b.setState(ctx, key, StateClosed); err != nil {
		return err
	}
	if err := b.store.Delete(ctx, failuresKey(key), lastFailureKey(key)); err != nil {
		return fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}
	b.logger.Info("Circuit breaker manually reset", zap.String("service", key))
	return nil
}

// IsOpen reports whether the stored state is OPEN. It does not evaluate the timeout.
func (b *Breaker) IsOpen(ctx context.Context, key string) (bool, error) {
	state, err := b.State(ctx, key)
	if err != nil {
		return false, err
	}
	return state.IsOpen(), nil
}

// State returns the stored state; a key without state is CLOSED.
func (b *Breaker) State(ctx context.Context, key string) (State, error) {
	raw, found, err := b.store.Get(ctx, stateKey(key))
	if err != nil {
		return StateClosed, fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}
	if !found {
		return StateClosed, nil
	}
	state, err := parseState(raw)
	if err != nil {
		return StateClosed, fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}
	return state, nil
}

// Failures returns the current failure count for key.
func (b *Breaker) Failures(ctx context.Context, key string) (int64, error) {
	count, _, err := b.store.Get(ctx, failuresKey(key))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}
	return count, nil
}

func (b *Breaker) setState(ctx context.Context, key string, state State) error {
	if err := b.store.Set(ctx, stateKey(key), int64(state), b.stateTTL); err != nil {
		return fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}
	return nil
}

// remainingTimeout returns how long the circuit stays open. Zero means a trial call is allowed.
func (b *Breaker) remainingTimeout(ctx context.Context, key string) (time.Duration, error) {
	lastFailure, found, err := b.store.Get(ctx, lastFailureKey(key))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}
	if !found {
		return 0, nil
	}
	elapsed := b.clock.Now().Sub(time.UnixMilli(lastFailure))
	if elapsed >= b.timeout {
		return 0, nil
	}
	return b.timeout - elapsed, nil
}

func (b *Breaker) onSuccess(ctx context.Context, key string, state State) error {
	switch state {
	case StateHalfOpen:
		if err := b.setState(ctx, key, StateClosed); err != nil {
			return err
		}
		if err := b.store.Delete(ctx, failuresKey(key)); err != nil {
			return fmt.Errorf("%w: %w", ErrStateUnavailable, err)
		}
		b.logger.Info("Circuit breaker closed after successful call", zap.String("service", key))
	case StateClosed, StateOpen:
	}
	return nil
}

// onFailure records a failed call. Every write restarts the TTL of the breaker keys.
// A failed HALF_OPEN trial reopens the circuit whatever the count.
func (b *Breaker) onFailure(ctx context.Context, key string, state State, cause error) error {
	failures, err := b.store.Increment(ctx, failuresKey(key), b.stateTTL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}
	if err := b.store.Set(ctx, failuresKey(key), failures, b.stateTTL); err != nil {
		return fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}
	if err := b.store.Set(ctx, lastFailureKey(key), b.clock.Now().UnixMilli(), b.stateTTL); err != nil {
		return fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}

	if state == StateHalfOpen || failures >= b.failureThreshold {
		if err := b.setState(ctx, key, StateOpen); err != nil {
			return err
		}
		b.logger.Error("Circuit breaker opened due to failures",
			zap.String("service", key),
			zap.Int64("failure_count", failures),
			zap.Int64("threshold", b.failureThreshold),
			zap.Error(cause),
		)
		return nil
	}

	b.logger.Warn("Circuit breaker recorded failure",
		zap.String("service", key),
		zap.Int64("failure_count", failures),
		zap.Int64("threshold", b.failureThreshold),
	)
	return nil
}
