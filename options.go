package relay

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/relay/events"
)

const (
	defaultBatchSize          = 100
	defaultMaxRetries         = 3
	defaultDownstreamKey      = "broker"
	defaultProcessedRetention = 24 * time.Hour
)

//
// Carrier Options
//

type CarrierOption func(*Carrier)

func WithLogger(logger *zap.Logger) CarrierOption {
	return func(c *Carrier) {
		c.logger = logger
	}
}

func WithMetrics(metrics MetricsCollector) CarrierOption {
	return func(c *Carrier) {
		c.metrics = metrics
	}
}

func WithPublisher(publisher Publisher) CarrierOption {
	return func(c *Carrier) {
		c.publisher = publisher
	}
}

// WithGuard wraps every publish call, typically in a circuit breaker.
func WithGuard(guard Guard) CarrierOption {
	return func(c *Carrier) {
		if guard != nil {
			c.guard = guard
		}
	}
}

func WithRegistry(registry *events.Registry) CarrierOption {
	return func(c *Carrier) {
		c.registry = registry
	}
}

func WithCodec(codec Codec) CarrierOption {
	return func(c *Carrier) {
		if codec != nil {
			c.codec = codec
		}
	}
}

func WithTopicResolver(resolver TopicResolver) CarrierOption {
	return func(c *Carrier) {
		if resolver != nil {
			c.topics = resolver
		}
	}
}

func WithClock(clock clockwork.Clock) CarrierOption {
	return func(c *Carrier) {
		if clock != nil {
			c.clock = clock
		}
	}
}

//
// Drain Options
//

type DrainOption func(*drainOptions)

type drainOptions struct {
	batchSize     int
	maxRetries    int
	downstreamKey string
}

func WithDrainBatchSize(size int) DrainOption {
	return func(o *drainOptions) {
		o.batchSize = size
	}
}

func WithDrainMaxRetries(retries int) DrainOption {
	return func(o *drainOptions) {
		o.maxRetries = retries
	}
}

// WithDrainDownstreamKey names the circuit the publish calls are counted against.
func WithDrainDownstreamKey(key string) DrainOption {
	return func(o *drainOptions) {
		o.downstreamKey = key
	}
}

//
// Requeue Options
//

type RequeueOption func(*requeueOptions)

type requeueOptions struct {
	batchSize  int
	maxRetries int
}

func WithRequeueBatchSize(size int) RequeueOption {
	return func(o *requeueOptions) {
		o.batchSize = size
	}
}

// WithRequeueMaxRetries must match the drain's max retries so exhausted records stay frozen.
func WithRequeueMaxRetries(retries int) RequeueOption {
	return func(o *requeueOptions) {
		o.maxRetries = retries
	}
}

//
// Cleanup Options
//

type CleanupOption func(*cleanupOptions)

type cleanupOptions struct {
	processedRetention time.Duration
}

func WithCleanupProcessedRetention(retention time.Duration) CleanupOption {
	return func(o *cleanupOptions) {
		o.processedRetention = retention
	}
}

//
// Worker Options
//

type WorkerOption func(*BaseWorker)

// WithWorkerClock drives the worker ticker from clock.
func WithWorkerClock(clock clockwork.Clock) WorkerOption {
	return func(w *BaseWorker) {
		w.clock = clock
	}
}

// WithRunOnStart runs the work function once before the first tick.
func WithRunOnStart() WorkerOption {
	return func(w *BaseWorker) {
		w.runOnStart = true
	}
}
