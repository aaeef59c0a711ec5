package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/relay"
	"github.com/overtonx/relay/circuitbreaker"
	"github.com/overtonx/relay/counter"
	"github.com/overtonx/relay/internal/config"
	"github.com/overtonx/relay/storage"
)

func TestLookupCommand(t *testing.T) {
	cmd, err := lookupCommand([]string{"drain", "--batch-size", "10"})
	require.NoError(t, err)
	assert.Equal(t, "drain", cmd.name)

	_, err = lookupCommand(nil)
	assert.Error(t, err)

	_, err = lookupCommand([]string{"publish"})
	assert.ErrorContains(t, err, `unknown command "publish"`)
}

func TestRun_UnknownCommandPrintsUsage(t *testing.T) {
	var stderr bytes.Buffer

	err := run([]string{"bogus"}, &stderr)

	require.Error(t, err)
	assert.Contains(t, stderr.String(), "Usage: relay <command>")
	assert.Contains(t, stderr.String(), "reset-circuit")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.Log{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = newLogger(config.Log{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	_, err = newLogger(config.Log{Level: "loud"})
	assert.Error(t, err)
}

func TestNewPublisher(t *testing.T) {
	publisher, err := newPublisher(config.Broker{Type: config.BrokerNop}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &relay.NopPublisher{}, publisher)

	_, err = newPublisher(config.Broker{Type: "sqs"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewCodec(t *testing.T) {
	assert.Equal(t, "application/json", newCodec("json").ContentType())
	assert.IsType(t, relay.ProtoStructCodec{}, newCodec("protobuf"))
}

func TestNewTopicResolver(t *testing.T) {
	record := storage.Record{AggregateType: "User"}

	assert.Equal(t, "", newTopicResolver(config.Broker{})(record))
	assert.Equal(t, "outbox.User", newTopicResolver(config.Broker{TopicPerAggregate: true, TopicPrefix: "outbox."})(record))
}

func TestNewCounterStore(t *testing.T) {
	store, client := newCounterStore(config.Redis{})
	assert.IsType(t, &counter.MemoryStore{}, store)
	assert.Nil(t, client)

	mr := miniredis.RunT(t)
	store, client = newCounterStore(config.Redis{Addr: mr.Addr(), KeyPrefix: "relay:"})
	require.NotNil(t, client)
	defer client.Close()
	assert.IsType(t, &counter.RedisStore{}, store)

	value, err := store.Increment(context.Background(), "hits", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)
	assert.True(t, mr.Exists("relay:hits"))
}

func TestNewBreaker(t *testing.T) {
	store := counter.NewMemoryStore()

	durable := newBreaker(config.Breaker{Mode: config.BreakerDurable, FailureThreshold: 1, Timeout: time.Minute, StateTTL: time.Hour}, store, zap.NewNop())
	assert.IsType(t, &circuitbreaker.Breaker{}, durable)

	local := newBreaker(config.Breaker{Mode: config.BreakerLocal, FailureThreshold: 1, Timeout: time.Minute}, store, zap.NewNop())
	assert.IsType(t, &circuitbreaker.Local{}, local)
}

func TestWorkers(t *testing.T) {
	a := &app{cfg: &config.Config{}, logger: zap.NewNop()}
	a.cfg.Outbox.DrainInterval = time.Second
	a.cfg.Outbox.CleanupInterval = time.Hour

	names := func() []string {
		var out []string
		for _, w := range a.workers() {
			out = append(out, w.Name())
		}
		return out
	}

	assert.Equal(t, []string{"drain", "cleanup"}, names())

	a.cfg.Outbox.RequeueInterval = 10 * time.Minute
	assert.Equal(t, []string{"drain", "cleanup", "requeue"}, names())
}
