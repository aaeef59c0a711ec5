package relay

import (
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/relay/events"
	"github.com/overtonx/relay/storage"
)

// Carrier holds the shared dependencies for the outbox services.
// It acts as a dependency injection container for the write path, the drain and the maintenance jobs.
type Carrier struct {
	store     storage.Store
	publisher Publisher
	guard     Guard
	registry  *events.Registry
	codec     Codec
	topics    TopicResolver
	metrics   MetricsCollector
	logger    *zap.Logger
	clock     clockwork.Clock

	drainMu sync.Mutex
}

// NewCarrier creates a new Carrier with the given options.
// Without options the carrier publishes nowhere, guards nothing and knows the events of the events package.
func NewCarrier(store storage.Store, opts ...CarrierOption) (*Carrier, error) {
	if store == nil {
		return nil, errors.New("outbox store is required")
	}

	c := &Carrier{
		store:   store,
		guard:   passthroughGuard{},
		codec:   JSONCodec{},
		topics:  DefaultTopicResolver,
		logger:  zap.NewNop(),
		metrics: NewNopMetricsCollector(),
		clock:   clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.publisher == nil {
		c.publisher = NewNopPublisher()
	}
	if c.registry == nil {
		c.registry = events.DefaultRegistry()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = NewNopMetricsCollector()
	}

	return c, nil
}

// Close releases the publisher.
func (c *Carrier) Close() error {
	return c.publisher.Close()
}
