package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOpen is matched by every rejection caused by an open circuit.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrStateUnavailable is returned when the circuit state cannot be read or written.
	ErrStateUnavailable = errors.New("circuit breaker state unavailable")
)

// OpenError is returned by Call when the circuit rejects the call without running it.
type OpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is OPEN for service: %s (retry after %s)", e.Key, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}
