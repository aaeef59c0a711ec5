package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/relay/counter"
)

var errDownstream = errors.New("broker unreachable")

func newTestBreaker(t *testing.T, threshold int, timeout time.Duration) (*Breaker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	store := counter.NewMemoryStore(counter.WithMemoryClock(clock))
	return New(store, WithFailureThreshold(threshold), WithTimeout(timeout), WithClock(clock)), clock
}

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errDownstream
	}
}

func succeeding(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return nil
	}
}

func TestBreaker_Scenario(t *testing.T) {
	ctx := context.Background()
	breaker, clock := newTestBreaker(t, 3, 60*time.Second)
	calls := 0

	// Failures at t=0,1,2.
	for i := 0; i < 3; i++ {
		if i > 0 {
			clock.Advance(time.Second)
		}
		err := breaker.Call(ctx, "broker", failing(&calls))
		assert.ErrorIs(t, err, errDownstream)
	}
	open, err := breaker.IsOpen(ctx, "broker")
	require.NoError(t, err)
	assert.True(t, open, "open at t=2")

	// t=10: rejected without invoking the operation.
	clock.Advance(8 * time.Second)
	err = breaker.Call(ctx, "broker", succeeding(&calls))
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, "broker", openErr.Key)
	assert.Equal(t, 52*time.Second, openErr.RetryAfter)
	assert.Equal(t, 3, calls)

	// t=62: 60s after the last failure, the trial runs.
	clock.Advance(52 * time.Second)
	require.NoError(t, breaker.Call(ctx, "broker", succeeding(&calls)))
	assert.Equal(t, 4, calls)

	state, err := breaker.State(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
	failures, err := breaker.Failures(ctx, "broker")
	require.NoError(t, err)
	assert.Zero(t, failures)
}

func TestBreaker_OpensOnlyAtThreshold(t *testing.T) {
	ctx := context.Background()
	breaker, _ := newTestBreaker(t, 5, time.Minute)
	calls := 0

	for i := 1; i <= 4; i++ {
		_ = breaker.Call(ctx, "broker", failing(&calls))
		state, err := breaker.State(ctx, "broker")
		require.NoError(t, err)
		assert.Equal(t, StateClosed, state, "after %d failures", i)
	}

	_ = breaker.Call(ctx, "broker", failing(&calls))
	state, err := breaker.State(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestBreaker_SuccessWhileClosedKeepsFailureCount(t *testing.T) {
	ctx := context.Background()
	breaker, _ := newTestBreaker(t, 3, time.Minute)
	calls := 0

	_ = breaker.Call(ctx, "broker", failing(&calls))
	_ = breaker.Call(ctx, "broker", failing(&calls))
	require.NoError(t, breaker.Call(ctx, "broker", succeeding(&calls)))

	failures, err := breaker.Failures(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, int64(2), failures)

	_ = breaker.Call(ctx, "broker", failing(&calls))
	open, err := breaker.IsOpen(ctx, "broker")
	require.NoError(t, err)
	assert.True(t, open)
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	ctx := context.Background()
	breaker, clock := newTestBreaker(t, 2, 30*time.Second)
	calls := 0

	_ = breaker.Call(ctx, "broker", failing(&calls))
	_ = breaker.Call(ctx, "broker", failing(&calls))

	clock.Advance(30 * time.Second)
	err := breaker.Call(ctx, "broker", failing(&calls))
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, 3, calls)

	state, err := breaker.State(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
	failures, err := breaker.Failures(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, int64(3), failures)

	// The failed trial restarted the timeout.
	clock.Advance(10 * time.Second)
	err = breaker.Call(ctx, "broker", succeeding(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 3, calls)
}

func TestBreaker_OutageLongerThanStateTTLStaysOpen(t *testing.T) {
	ctx := context.Background()
	breaker, clock := newTestBreaker(t, 3, 60*time.Second)
	calls := 0

	for i := 0; i < 3; i++ {
		_ = breaker.Call(ctx, "broker", failing(&calls))
	}

	// One failed trial a minute for 90 minutes, past the one hour TTL of the first failure.
	for trial := 1; trial <= 90; trial++ {
		clock.Advance(60 * time.Second)
		err := breaker.Call(ctx, "broker", failing(&calls))
		require.ErrorIs(t, err, errDownstream, "trial %d", trial)

		state, err := breaker.State(ctx, "broker")
		require.NoError(t, err)
		require.Equal(t, StateOpen, state, "trial %d", trial)

		before := calls
		err = breaker.Call(ctx, "broker", succeeding(&calls))
		require.ErrorIs(t, err, ErrOpen, "trial %d", trial)
		require.Equal(t, before, calls, "an open circuit must not run the operation")
	}

	failures, err := breaker.Failures(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, int64(93), failures)
}

func TestBreaker_FailedTrialReopensBelowThreshold(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	store := counter.NewMemoryStore(counter.WithMemoryClock(clock))
	breaker := New(store, WithFailureThreshold(3), WithTimeout(time.Minute), WithClock(clock))
	calls := 0

	// OPEN with no failure count left, as after the counters expired.
	require.NoError(t, store.Set(ctx, stateKey("broker"), int64(StateOpen), time.Hour))

	err := breaker.Call(ctx, "broker", failing(&calls))
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, 1, calls)

	state, err := breaker.State(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
	assert.ErrorIs(t, breaker.Call(ctx, "broker", succeeding(&calls)), ErrOpen)
	assert.Equal(t, 1, calls)
}

func TestBreaker_FailureRestartsCountTTL(t *testing.T) {
	ctx := context.Background()
	breaker, clock := newTestBreaker(t, 5, time.Minute)
	calls := 0

	_ = breaker.Call(ctx, "broker", failing(&calls))
	clock.Advance(50 * time.Minute)
	_ = breaker.Call(ctx, "broker", failing(&calls))
	clock.Advance(50 * time.Minute)

	failures, err := breaker.Failures(ctx, "broker")
	require.NoError(t, err)
	assert.Equal(t, int64(2), failures)
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	breaker, _ := newTestBreaker(t, 1, time.Minute)
	calls := 0

	_ = breaker.Call(ctx, "kafka", failing(&calls))
	require.NoError(t, breaker.Call(ctx, "rabbitmq", succeeding(&calls)))

	open, err := breaker.IsOpen(ctx, "rabbitmq")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	breaker, _ := newTestBreaker(t, 1, time.Hour)
	calls := 0

	_ = breaker.Call(ctx, "broker", failing(&calls))
	open, err := breaker.IsOpen(ctx, "broker")
	require.NoError(t, err)
	require.True(t, open)

	require.NoError(t, breaker.Reset(ctx, "broker"))

	open, err = breaker.IsOpen(ctx, "broker")
	require.NoError(t, err)
	assert.False(t, open)
	failures, err := breaker.Failures(ctx, "broker")
	require.NoError(t, err)
	assert.Zero(t, failures)
	require.NoError(t, breaker.Call(ctx, "broker", succeeding(&calls)))
}

func TestBreaker_StateExpiresWithTTL(t *testing.T) {
	ctx := context.Background()
	breaker, clock := newTestBreaker(t, 1, 2*time.Hour)
	calls := 0

	_ = breaker.Call(ctx, "broker", failing(&calls))
	clock.Advance(time.Hour)

	open, err := breaker.IsOpen(ctx, "broker")
	require.NoError(t, err)
	assert.False(t, open)
}

type brokenStore struct {
	counter.Store
	err error
}

func (s brokenStore) Get(context.Context, string) (int64, bool, error) {
	return 0, false, s.err
}

func TestBreaker_StoreUnavailable(t *testing.T) {
	breaker := New(brokenStore{err: errors.New("redis: connection refused")})
	calls := 0

	err := breaker.Call(context.Background(), "broker", succeeding(&calls))
	assert.ErrorIs(t, err, ErrStateUnavailable)
	assert.Zero(t, calls)
}

type failingIncrementStore struct {
	*counter.MemoryStore
}

func (failingIncrementStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis: i/o timeout")
}

func TestBreaker_BookkeepingFailureKeepsCause(t *testing.T) {
	breaker := New(failingIncrementStore{counter.NewMemoryStore()})
	calls := 0

	err := breaker.Call(context.Background(), "broker", failing(&calls))
	assert.ErrorIs(t, err, errDownstream)
	assert.ErrorIs(t, err, ErrStateUnavailable)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())

	_, err := parseState(7)
	assert.Error(t, err)
}
