// Package ratelimit implements a fixed-window attempt limiter on top of counter.Store.
package ratelimit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/relay/counter"
)

const (
	keyPrefix = "rate_limit_"

	defaultMaxAttempts = 5
	defaultDecay       = 15 * time.Minute
)

// Limiter allows up to maxAttempts per key inside a window of length decay.
// The window starts with the first attempt and is never extended, so bursts
// at a window boundary are possible.
//
// Store errors are logged and the limiter fails open.
type Limiter struct {
	store       counter.Store
	maxAttempts int64
	decay       time.Duration
	logger      *zap.Logger
	clock       clockwork.Clock
}

type Option func(*Limiter)

func WithMaxAttempts(maxAttempts int) Option {
	return func(l *Limiter) {
		l.maxAttempts = int64(maxAttempts)
	}
}

func WithDecay(decay time.Duration) Option {
	return func(l *Limiter) {
		l.decay = decay
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

func New(store counter.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		decay:       defaultDecay,
		logger:      zap.NewNop(),
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.decay < time.Second {
		l.decay = time.Second
	}
	return l
}

func (l *Limiter) MaxAttempts() int    { return int(l.maxAttempts) }
func (l *Limiter) Decay() time.Duration { return l.decay }

func attemptsKey(key string) string { return keyPrefix + hashKey(key) }
func expiresKey(key string) string  { return attemptsKey(key) + "_expires" }

func hashKey(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Attempt records one attempt for key and reports whether it is allowed.
// A rejected attempt does not change any state.
func (l *Limiter) Attempt(ctx context.Context, key string) bool {
	if l.TooManyAttempts(ctx, key) {
		l.logger.Warn("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("max_attempts", l.maxAttempts),
			zap.Duration("available_in", l.AvailableIn(ctx, key)),
		)
		return false
	}

	windowEnd := func() int64 { return l.clock.Now().Add(l.decay).Unix() }
	if _, err := l.store.GetOrInit(ctx, expiresKey(key), l.decay, windowEnd); err != nil {
		l.logger.Error("Failed to open rate limit window", zap.String("key", key), zap.Error(err))
		return true
	}

	attempts, err := l.store.Increment(ctx, attemptsKey(key), l.decay)
	if err != nil {
		l.logger.Error("Failed to record rate limit attempt", zap.String("key", key), zap.Error(err))
		return true
	}

	l.logger.Debug("Rate limit attempt recorded",
		zap.String("key", key),
		zap.Int64("attempts", attempts),
		zap.Int64("max_attempts", l.maxAttempts),
	)
	return true
}

// TooManyAttempts reports whether key has used up its window.
func (l *Limiter) TooManyAttempts(ctx context.Context, key string) bool {
	attempts, _, err := l.store.Get(ctx, attemptsKey(key))
	if err != nil {
		l.logger.Error("Failed to read rate limit attempts", zap.String("key", key), zap.Error(err))
		return false
	}
	return attempts >= l.maxAttempts
}

// AvailableIn returns the whole seconds left in the current window, or 0 when there is none.
func (l *Limiter) AvailableIn(ctx context.Context, key string) time.Duration {
	expiresAt, found, err := l.store.Get(ctx, expiresKey(key))
	if err != nil {
		l.logger.Error("Failed to read rate limit window", zap.String("key", key), zap.Error(err))
		return 0
	}
	if !found {
		return 0
	}
	remaining := expiresAt - l.clock.Now().Unix()
	if remaining < 0 {
		return 0
	}
	return time.Duration(remaining) * time.Second
}

// Clear removes the window for key, e.g. after a successful login.
func (l *Limiter) Clear(ctx context.Context, key string) {
	if err := l.store.Delete(ctx, attemptsKey(key), expiresKey(key)); err != nil {
		l.logger.Error("Failed to clear rate limit", zap.String("key", key), zap.Error(err))
		return
	}
	l.logger.Debug("Rate limit cleared", zap.String("key", key))
}

// Check is Attempt for callers that propagate errors.
func (l *Limiter) Check(ctx context.Context, key string) error {
	if l.Attempt(ctx, key) {
		return nil
	}
	return &TooManyAttemptsError{Key: key, RetryAfter: l.AvailableIn(ctx, key)}
}
