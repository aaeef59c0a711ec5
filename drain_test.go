package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/overtonx/relay/circuitbreaker"
	"github.com/overtonx/relay/counter"
	"github.com/overtonx/relay/storage"
)

var drainEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func userRecord(id string, retryCount int) storage.Record {
	payload, _ := json.Marshal(map[string]interface{}{
		"userId":     "user-" + id,
		"email":      id + "@example.com",
		"name":       "User " + id,
		"occurredAt": drainEpoch,
	})
	return storage.Record{
		ID:            id,
		AggregateID:   "user-" + id,
		AggregateType: "User",
		EventType:     "UserCreated",
		Payload:       payload,
		Headers:       map[string]string{},
		OccurredAt:    drainEpoch,
		Status:        storage.StatusPending,
		RetryCount:    retryCount,
	}
}

func newDrainCarrier(t *testing.T, opts ...CarrierOption) (*Carrier, *storage.MockStore, *MockPublisher) {
	t.Helper()
	store := new(storage.MockStore)
	publisher := new(MockPublisher)
	base := []CarrierOption{
		WithPublisher(publisher),
		WithClock(clockwork.NewFakeClockAt(drainEpoch)),
	}
	carrier, err := NewCarrier(store, append(base, opts...)...)
	require.NoError(t, err)
	return carrier, store, publisher
}

func TestDrain_EmptyBatch(t *testing.T) {
	carrier, store, publisher := newDrainCarrier(t)
	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record{}, nil)

	result, err := carrier.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, result)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
}

func TestDrain_PublishesAndMarksProcessed(t *testing.T) {
	carrier, store, publisher := newDrainCarrier(t, WithTopicResolver(TopicPerAggregate("outbox.")))
	records := []storage.Record{userRecord("1", 0), userRecord("2", 0)}

	store.On("FetchPending", mock.Anything, 10).Return(records, nil)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(msg Message) bool {
		return msg.Topic == "outbox.User" && msg.ContentType == "application/json"
	})).Return(nil).Twice()
	store.On("MarkProcessed", mock.Anything, mock.AnythingOfType("*storage.Record")).Return(nil).Twice()

	result, err := carrier.Drain(context.Background(), WithDrainBatchSize(10))

	require.NoError(t, err)
	assert.Equal(t, DrainResult{Fetched: 2, Processed: 2}, result)
	store.AssertExpectations(t)
	publisher.AssertExpectations(t)

	msg := publisher.Calls[0].Arguments.Get(1).(Message)
	assert.Equal(t, []byte("user-1"), msg.Key)
	assert.Equal(t, "1", msg.Headers[HeaderEventID])
	assert.Equal(t, "UserCreated", msg.Headers[HeaderEventType])

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "user-1", body["userId"])
}

func TestDrain_FailureIsRecordedAndBatchContinues(t *testing.T) {
	carrier, store, publisher := newDrainCarrier(t)
	first, second := userRecord("1", 0), userRecord("2", 0)

	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record{first, second}, nil)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(msg Message) bool {
		return msg.Headers[HeaderEventID] == "1"
	})).Return(errors.New("broker down")).Once()
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(msg Message) bool {
		return msg.Headers[HeaderEventID] == "2"
	})).Return(nil).Once()
	store.On("MarkFailed", mock.Anything, mock.MatchedBy(func(r *storage.Record) bool { return r.ID == "1" }), "broker down").Return(nil).Once()
	store.On("MarkProcessed", mock.Anything, mock.MatchedBy(func(r *storage.Record) bool { return r.ID == "2" })).Return(nil).Once()

	result, err := carrier.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, DrainResult{Fetched: 2, Processed: 1, Failed: 1}, result)
	store.AssertExpectations(t)
}

func TestDrain_ExhaustedRecordIsLeftUntouched(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	carrier, store, publisher := newDrainCarrier(t, WithLogger(zap.New(core)))
	record := userRecord("1", 3)

	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record{record}, nil)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	result, err := carrier.Drain(context.Background(), WithDrainMaxRetries(3))

	require.NoError(t, err)
	assert.Equal(t, DrainResult{Fetched: 1, Failed: 1, Exhausted: 1}, result)
	store.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)

	critical := logs.FilterMessage("Outbox event exceeded max retries").All()
	require.Len(t, critical, 1)
	assert.Equal(t, zapcore.ErrorLevel, critical[0].Level)
	assert.Equal(t, "critical", critical[0].ContextMap()["severity"])
	assert.Equal(t, "1", critical[0].ContextMap()["record_id"])
}

func TestDrain_LastRetryIsStillRecorded(t *testing.T) {
	carrier, store, publisher := newDrainCarrier(t)
	record := userRecord("1", 2)

	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record{record}, nil)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	store.On("MarkFailed", mock.Anything, mock.Anything, "broker down").Return(nil).Once()

	result, err := carrier.Drain(context.Background(), WithDrainMaxRetries(3))

	require.NoError(t, err)
	assert.Equal(t, 0, result.Exhausted)
	assert.Equal(t, 1, result.Failed)
	store.AssertExpectations(t)
}

func TestDrain_UnknownEventTypeIsAFailedDelivery(t *testing.T) {
	carrier, store, publisher := newDrainCarrier(t)
	record := userRecord("1", 0)
	record.EventType = "OrderShipped"

	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record{record}, nil)
	store.On("MarkFailed", mock.Anything, mock.Anything, mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "unknown event type")
	})).Return(nil).Once()

	result, err := carrier.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestDrain_OpenCircuitRejectsWithoutPublishing(t *testing.T) {
	clock := clockwork.NewFakeClockAt(drainEpoch)
	breaker := circuitbreaker.New(counter.NewMemoryStore(counter.WithMemoryClock(clock)),
		circuitbreaker.WithFailureThreshold(1),
		circuitbreaker.WithTimeout(time.Minute),
		circuitbreaker.WithClock(clock),
	)
	carrier, store, publisher := newDrainCarrier(t, WithGuard(breaker), WithClock(clock))
	records := []storage.Record{userRecord("1", 0), userRecord("2", 0)}

	store.On("FetchPending", mock.Anything, 100).Return(records, nil)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()
	store.On("MarkFailed", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()

	result, err := carrier.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, DrainResult{Fetched: 2, Failed: 2, Rejected: 1}, result)
	publisher.AssertNumberOfCalls(t, "Publish", 1)

	state, err := breaker.State(context.Background(), defaultDownstreamKey)
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, state)
}

type unavailableGuard struct{}

func (unavailableGuard) Call(context.Context, string, func(context.Context) error) error {
	return errors.Join(circuitbreaker.ErrStateUnavailable, errors.New("redis: connection refused"))
}

func TestDrain_StateUnavailableAbortsBatch(t *testing.T) {
	carrier, store, publisher := newDrainCarrier(t, WithGuard(unavailableGuard{}))

	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record{userRecord("1", 0), userRecord("2", 0)}, nil)

	result, err := carrier.Drain(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrStateUnavailable)
	assert.Equal(t, 0, result.Failed)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
}

func TestDrain_MarkProcessedErrorAbortsBatch(t *testing.T) {
	carrier, store, publisher := newDrainCarrier(t)
	dbErr := errors.New("connection reset")

	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record{userRecord("1", 0), userRecord("2", 0)}, nil)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()
	store.On("MarkProcessed", mock.Anything, mock.Anything).Return(dbErr).Once()

	result, err := carrier.Drain(context.Background())

	assert.ErrorIs(t, err, dbErr)
	assert.Equal(t, 0, result.Processed)
	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestDrain_InvalidTransitionIsSkipped(t *testing.T) {
	carrier, store, publisher := newDrainCarrier(t)

	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record{userRecord("1", 0), userRecord("2", 0)}, nil)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	store.On("MarkFailed", mock.Anything, mock.Anything, mock.Anything).Return(storage.ErrInvalidTransition).Twice()

	result, err := carrier.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
	store.AssertExpectations(t)
}

func TestDrain_FetchError(t *testing.T) {
	carrier, store, _ := newDrainCarrier(t)
	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record(nil), errors.New("db down"))

	_, err := carrier.Drain(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch pending records")
}

func TestDrain_CancelledContextLeavesRecordsPending(t *testing.T) {
	carrier, store, publisher := newDrainCarrier(t)
	ctx, cancel := context.WithCancel(context.Background())

	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record{userRecord("1", 0), userRecord("2", 0)}, nil)
	publisher.On("Publish", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil).Once()
	store.On("MarkProcessed", mock.Anything, mock.Anything).Return(nil).Once()

	result, err := carrier.Drain(ctx)

	require.NoError(t, err)
	assert.Equal(t, DrainResult{Fetched: 2, Processed: 1}, result)
	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestDrain_ConcurrentDrainIsRefused(t *testing.T) {
	carrier, store, publisher := newDrainCarrier(t)
	records := []storage.Record{userRecord("1", 0), userRecord("2", 0)}

	started := make(chan struct{})
	release := make(chan struct{})
	store.On("FetchPending", mock.Anything, 100).Return(records, nil).Once()
	publisher.On("Publish", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
	}).Return(nil).Twice()
	store.On("MarkProcessed", mock.Anything, mock.AnythingOfType("*storage.Record")).Return(nil).Twice()

	done := make(chan DrainResult)
	go func() {
		result, err := carrier.Drain(context.Background())
		assert.NoError(t, err)
		done <- result
	}()

	<-started
	result, err := carrier.Drain(context.Background())
	assert.ErrorIs(t, err, ErrDrainInProgress)
	assert.Equal(t, DrainResult{}, result)

	close(release)
	first := <-done
	assert.Equal(t, 2, first.Processed)

	publisher.AssertNumberOfCalls(t, "Publish", 2)
	store.AssertNumberOfCalls(t, "FetchPending", 1)

	// The lock is released once the first drain returns.
	store.On("FetchPending", mock.Anything, 100).Return([]storage.Record{}, nil).Once()
	_, err = carrier.Drain(context.Background())
	assert.NoError(t, err)
}
