// Package events holds the typed domain events carried through the outbox
// and the registry that rebuilds them from stored payloads.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidPayload   = errors.New("invalid event payload")
)

// Event is a typed domain event.
type Event interface {
	EventType() string
	AggregateType() string
	AggregateID() string
}

// DecodeError is returned when a stored payload cannot be turned back into an Event.
type DecodeError struct {
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s event: %v", e.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder builds an Event from its stored payload.
type Decoder func(payload []byte) (Event, error)

type validator interface {
	Validate() error
}

// JSONDecoder decodes payloads into T with encoding/json and runs T's Validate method when it has one.
func JSONDecoder[T Event]() Decoder {
	return func(payload []byte) (Event, error) {
		var event T
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if v, ok := any(event).(validator); ok {
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
		}
		return event, nil
	}
}

// Registry maps event type names to decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// DefaultRegistry knows every event type emitted by this module.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(UserCreatedType, JSONDecoder[UserCreated]())
	return r
}

// Register adds or replaces the decoder for eventType.
func (r *Registry) Register(eventType string, decoder Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[eventType] = decoder
}

func (r *Registry) Decode(eventType string, payload []byte) (Event, error) {
	r.mu.RLock()
	decoder, ok := r.decoders[eventType]
	r.mu.RUnlock()

	if !ok {
		return nil, &DecodeError{EventType: eventType, Err: ErrUnknownEventType}
	}
	event, err := decoder(payload)
	if err != nil {
		return nil, &DecodeError{EventType: eventType, Err: err}
	}
	return event, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.decoders))
	for eventType := range r.decoders {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}
