// Package counter provides integer counters with per-key expiry shared by the
// circuit breaker and the rate limiter.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTTL is returned when a non-positive TTL is given to a write.
var ErrInvalidTTL = errors.New("counter ttl must be positive")

// Store is a key/value store of int64 counters with expiry.
// Expiry bounds how long a key lives; it carries no other meaning.
type Store interface {
	// GetOrInit returns the stored value, or stores init() with ttl and returns it when the key is absent.
	GetOrInit(ctx context.Context, key string, ttl time.Duration, init func() int64) (int64, error)
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (int64, bool, error)
	// Set replaces the value and restarts the key's TTL in one step.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	// Increment adds one to the key, creating it at 1 with ttl when absent.
	// An existing key keeps its expiry.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Delete removes the keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}
