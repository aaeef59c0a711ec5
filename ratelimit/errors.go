package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrTooManyAttempts is matched by every rate-limit rejection.
var ErrTooManyAttempts = errors.New("too many attempts")

// TooManyAttemptsError carries how long the caller has to wait.
type TooManyAttemptsError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *TooManyAttemptsError) Error() string {
	return fmt.Sprintf("too many attempts for %s, retry after %d seconds", e.Key, int64(e.RetryAfter.Seconds()))
}

func (e *TooManyAttemptsError) Is(target error) bool {
	return target == ErrTooManyAttempts
}
