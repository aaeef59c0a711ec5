package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DecodeUserCreated(t *testing.T) {
	registry := DefaultRegistry()
	payload := []byte(`{"userId":"u-1","email":"jane@example.com","name":"Jane","roles":["ROLE_USER"],"occurredAt":"2026-01-02T15:04:05+00:00"}`)

	event, err := registry.Decode(UserCreatedType, payload)
	require.NoError(t, err)

	created, ok := event.(UserCreated)
	require.True(t, ok)
	assert.Equal(t, "u-1", created.AggregateID())
	assert.Equal(t, UserAggregateType, created.AggregateType())
	assert.Equal(t, []string{"ROLE_USER"}, created.Roles)
	assert.True(t, created.OccurredAt.Equal(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)))
}

func TestRegistry_UnknownType(t *testing.T) {
	_, err := DefaultRegistry().Decode("OrderPlaced", []byte(`{}`))

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "OrderPlaced", decodeErr.EventType)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestRegistry_InvalidPayload(t *testing.T) {
	registry := DefaultRegistry()

	_, err := registry.Decode(UserCreatedType, []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = registry.Decode(UserCreatedType, []byte(`{"email":"jane@example.com","occurredAt":"2026-01-02T15:04:05Z"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.NotErrorIs(t, err, ErrUnknownEventType)
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()
	assert.Empty(t, registry.Types())

	registry.Register("Custom", func([]byte) (Event, error) {
		return UserCreated{UserID: "x"}, nil
	})
	registry.Register(UserCreatedType, JSONDecoder[UserCreated]())

	assert.Equal(t, []string{"Custom", UserCreatedType}, registry.Types())

	event, err := registry.Decode("Custom", nil)
	require.NoError(t, err)
	assert.Equal(t, "x", event.AggregateID())
}
