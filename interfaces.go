package relay

import (
	"context"
	"time"
)

// Publisher delivers one encoded event to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Guard wraps each publish call. circuitbreaker.Breaker and circuitbreaker.Local implement it.
type Guard interface {
	Call(ctx context.Context, key string, op func(ctx context.Context) error) error
}

type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

type passthroughGuard struct{}

func (passthroughGuard) Call(ctx context.Context, _ string, op func(ctx context.Context) error) error {
	return op(ctx)
}
