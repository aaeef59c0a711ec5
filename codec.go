package relay

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/overtonx/relay/events"
)

// Codec turns a typed event into the broker message body.
type Codec interface {
	Encode(event events.Event) ([]byte, error)
	ContentType() string
}

// JSONCodec writes events as JSON.
type JSONCodec struct{}

func (JSONCodec) Encode(event events.Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s as json: %w", event.EventType(), err)
	}
	return body, nil
}

func (JSONCodec) ContentType() string {
	return "application/json"
}

// ProtoStructCodec writes events as a protobuf google.protobuf.Struct built from their JSON form,
// for consumers that decode protobuf without a schema per event type.
type ProtoStructCodec struct{}

func (ProtoStructCodec) Encode(event events.Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s as json: %w", event.EventType(), err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("event %s is not a json object: %w", event.EventType(), err)
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build protobuf struct for %s: %w", event.EventType(), err)
	}

	out, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protobuf for %s: %w", event.EventType(), err)
	}
	return out, nil
}

func (ProtoStructCodec) ContentType() string {
	return "application/x-protobuf"
}
