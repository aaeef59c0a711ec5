package relay

import (
	"context"

	"github.com/overtonx/relay/storage"
)

// Header keys set on every published message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderContentType   = "content_type"
)

// Message is one event ready for the broker.
type Message struct {
	// Topic may be empty; publishers then use their default topic.
	Topic       string
	Key         []byte
	Value       []byte
	ContentType string
	Headers     map[string]string
}

// TopicResolver picks the destination topic of a record.
type TopicResolver func(record storage.Record) string

// DefaultTopicResolver leaves the topic to the publisher.
func DefaultTopicResolver(storage.Record) string {
	return ""
}

// TopicPerAggregate routes records to "<prefix><aggregate type>".
func TopicPerAggregate(prefix string) TopicResolver {
	return func(record storage.Record) string {
		return prefix + record.AggregateType
	}
}

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

// NewNopPublisher creates a new NopPublisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish implements the Publisher interface.
func (p *NopPublisher) Publish(_ context.Context, _ Message) error {
	return nil
}

// Close implements the Publisher interface.
func (p *NopPublisher) Close() error {
	return nil
}

// buildHeaders merges the record's stored headers (trace context) with the record identity.
func buildHeaders(record storage.Record, contentType string) map[string]string {
	headers := make(map[string]string, len(record.Headers)+5)
	for k, v := range record.Headers {
		headers[k] = v
	}
	headers[HeaderEventID] = record.ID
	headers[HeaderEventType] = record.EventType
	headers[HeaderAggregateType] = record.AggregateType
	headers[HeaderAggregateID] = record.AggregateID
	headers[HeaderContentType] = contentType
	return headers
}
