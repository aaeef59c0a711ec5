package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Append(ctx context.Context, record *Record) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]Record), args.Error(1)
}

func (m *MockStore) MarkProcessed(ctx context.Context, record *Record) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) MarkFailed(ctx context.Context, record *Record, errorMessage string) error {
	args := m.Called(ctx, record, errorMessage)
	return args.Error(0)
}

func (m *MockStore) ResetForRetry(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) ResetFailed(ctx context.Context, limit int, maxRetries int) (int64, error) {
	args := m.Called(ctx, limit, maxRetries)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FindByID(ctx context.Context, id string) (*Record, error) {
	args := m.Called(ctx, id)
	record, _ := args.Get(0).(*Record)
	return record, args.Error(1)
}

func (m *MockStore) FindByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]Record, error) {
	args := m.Called(ctx, aggregateID, aggregateType)
	return args.Get(0).([]Record), args.Error(1)
}

func (m *MockStore) DeleteProcessed(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
