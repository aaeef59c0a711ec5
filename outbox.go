package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/relay/storage"
)

var (
	// ErrEventAlreadyExists is returned when trying to save an event with a duplicate event_id.
	ErrEventAlreadyExists = storage.ErrRecordAlreadyExists
)

// SaveEvent appends event to the outbox as a PENDING record.
// It runs inside the transaction carried by ctx, so the record commits or rolls back
// together with the business write:
//
//	err := trManager.Do(ctx, func(ctx context.Context) error {
//		if err := users.Save(ctx, user); err != nil {
//			return err
//		}
//		_, err := carrier.SaveEvent(ctx, event)
//		return err
//	})
func (c *Carrier) SaveEvent(ctx context.Context, event Event) (*storage.Record, error) {
	if err := validateEvent(event); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(event.Headers))
	for k, v := range event.Headers {
		headers[k] = v
	}
	// Inject OpenTelemetry trace context into the event headers.
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	eventID := event.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = c.clock.Now()
	}

	record := &storage.Record{
		ID:            eventID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.EventType,
		Payload:       payload,
		Headers:       headers,
		OccurredAt:    occurredAt.UTC(),
		Status:        storage.StatusPending,
	}

	if err := c.store.Append(ctx, record); err != nil {
		if errors.Is(err, storage.ErrRecordAlreadyExists) {
			c.metrics.IncrementCounter("outbox.save.duplicate", map[string]string{"event_type": event.EventType})
		}
		return nil, err
	}

	c.metrics.IncrementCounter("outbox.saved", map[string]string{"event_type": event.EventType})
	c.logger.Debug("Outbox event saved",
		zap.String("record_id", record.ID),
		zap.String("event_type", record.EventType),
		zap.String("aggregate_id", record.AggregateID),
	)
	return record, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("failed to marshal payload: invalid json")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("failed to marshal payload: invalid json")
		}
		return json.RawMessage(p), nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return body, nil
}
