package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRecordAlreadyExists = errors.New("outbox record already exists")
	ErrRecordNotFound      = errors.New("outbox record not found")
	ErrInvalidTransition   = errors.New("invalid outbox status transition")
)

// Store defines the persistence operations for outbox records.
type Store interface {
	// Append stores a new record. It joins the transaction carried by ctx, if any.
	Append(ctx context.Context, record *Record) error
	// FetchPending returns up to limit PENDING records, oldest first.
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	// MarkProcessed marks the record as delivered.
	MarkProcessed(ctx context.Context, record *Record) error
	// MarkFailed records a failed delivery attempt.
	MarkFailed(ctx context.Context, record *Record, errorMessage string) error
	// ResetForRetry moves a single FAILED record back to PENDING.
	ResetForRetry(ctx context.Context, id string) error
	// ResetFailed moves up to limit FAILED records with retry_count < maxRetries back to PENDING.
	ResetFailed(ctx context.Context, limit int, maxRetries int) (int64, error)
	// FindByID loads one record.
	FindByID(ctx context.Context, id string) (*Record, error)
	// FindByAggregate lists every record emitted by one aggregate, oldest first.
	FindByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]Record, error)
	// DeleteProcessed removes PROCESSED records older than retention.
	DeleteProcessed(ctx context.Context, retention time.Duration) (int64, error)
	// EnsureTables creates the outbox table if it does not exist.
	EnsureTables(ctx context.Context) error
}

// Record is one domain event awaiting delivery.
type Record struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Headers       map[string]string
	OccurredAt    time.Time
	ProcessedAt   *time.Time
	Status        Status
	RetryCount    int
	ErrorMessage  string
}

// MarkProcessed sets the record as delivered. Calling it again keeps the first ProcessedAt.
func (r *Record) MarkProcessed(now time.Time) error {
	if r.Status == StatusProcessed {
		return nil
	}
	if !r.Status.CanTransitionTo(StatusProcessed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusProcessed)
	}
	processedAt := now.UTC()
	r.Status = StatusProcessed
	r.ProcessedAt = &processedAt
	r.ErrorMessage = ""
	return nil
}

// MarkFailed records one failed attempt.
func (r *Record) MarkFailed(errorMessage string) error {
	if !r.Status.CanTransitionTo(StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusFailed)
	}
	r.Status = StatusFailed
	r.RetryCount++
	r.ErrorMessage = errorMessage
	return nil
}

// ResetForRetry makes a FAILED record eligible for pickup again. RetryCount is kept.
func (r *Record) ResetForRetry() error {
	if !r.Status.CanTransitionTo(StatusPending) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusPending)
	}
	r.Status = StatusPending
	r.ErrorMessage = ""
	return nil
}

// CanRetry reports whether another failed attempt may still be recorded.
func (r *Record) CanRetry(maxRetries int) bool {
	return r.RetryCount < maxRetries
}

func (r *Record) IsPending() bool   { return r.Status == StatusPending }
func (r *Record) IsProcessed() bool { return r.Status == StatusProcessed }
func (r *Record) IsFailed() bool    { return r.Status == StatusFailed }
