package relay

import (
	"errors"
	"time"

	"github.com/overtonx/relay/events"
)

// Event is the user-facing representation of an outbox event before it is saved.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	Payload       interface{}       `json:"payload"`
	Headers       map[string]string `json:"headers"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// NewEvent creates a new user-facing event to be saved.
// EventID and OccurredAt are filled in by SaveEvent when left empty.
func NewEvent(eventType, aggregateType, aggregateID string, payload interface{}, headers map[string]string) (Event, error) {
	if headers == nil {
		headers = make(map[string]string)
	}
	event := Event{
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       payload,
		Headers:       headers,
	}

	if err := validateEvent(event); err != nil {
		return Event{}, err
	}

	return event, nil
}

// EventFrom builds an Event from a typed domain event; the typed event itself is the payload.
func EventFrom(domainEvent events.Event) (Event, error) {
	if domainEvent == nil {
		return Event{}, errors.New("domain event is required")
	}
	return NewEvent(
		domainEvent.EventType(),
		domainEvent.AggregateType(),
		domainEvent.AggregateID(),
		domainEvent,
		nil,
	)
}

// validateEvent checks for required fields in an Event.
func validateEvent(event Event) error {
	if event.EventType == "" {
		return errors.New("event_type is required")
	}
	if event.AggregateType == "" {
		return errors.New("aggregate_type is required")
	}
	if event.AggregateID == "" {
		return errors.New("aggregate_id is required")
	}
	if event.Payload == nil {
		return errors.New("payload is required")
	}
	return nil
}
