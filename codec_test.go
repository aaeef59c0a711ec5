package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/overtonx/relay/events"
)

func testUserCreated() events.UserCreated {
	return events.UserCreated{
		UserID:     "user-1",
		Email:      "a@example.com",
		Name:       "Ada",
		Roles:      []string{"admin"},
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestJSONCodec(t *testing.T) {
	codec := JSONCodec{}

	body, err := codec.Encode(testUserCreated())

	require.NoError(t, err)
	assert.Equal(t, "application/json", codec.ContentType())
	assert.JSONEq(t, `{"userId":"user-1","email":"a@example.com","name":"Ada","roles":["admin"],"occurredAt":"2026-03-01T12:00:00Z"}`, string(body))
}

func TestProtoStructCodec(t *testing.T) {
	codec := ProtoStructCodec{}

	body, err := codec.Encode(testUserCreated())
	require.NoError(t, err)
	assert.Equal(t, "application/x-protobuf", codec.ContentType())

	var decoded structpb.Struct
	require.NoError(t, proto.Unmarshal(body, &decoded))

	fields := decoded.AsMap()
	assert.Equal(t, "user-1", fields["userId"])
	assert.Equal(t, []interface{}{"admin"}, fields["roles"])

	// Both codecs carry the same document.
	jsonBody, err := JSONCodec{}.Encode(testUserCreated())
	require.NoError(t, err)
	var fromJSON map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonBody, &fromJSON))
	assert.Equal(t, fromJSON, fields)
}
