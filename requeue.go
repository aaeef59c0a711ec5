package relay

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/overtonx/relay/storage"
)

// Requeue moves one FAILED record back to PENDING, whatever its retry count.
// It is the manual way out for a record that exhausted its retries.
func (c *Carrier) Requeue(ctx context.Context, id string) error {
	if err := c.store.ResetForRetry(ctx, id); err != nil {
		c.metrics.IncrementCounter("requeue.failed", nil)
		return fmt.Errorf("failed to requeue record %s: %w", id, err)
	}
	c.metrics.IncrementCounter("requeue.record", nil)
	c.logger.Info("Outbox record requeued", zap.String("record_id", id))
	return nil
}

// RequeueFailed moves FAILED records that still have retries left back to PENDING.
// Records at or above the max retry count are left frozen.
func (c *Carrier) RequeueFailed(ctx context.Context, opts ...RequeueOption) (int64, error) {
	options := &requeueOptions{
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(options)
	}

	start := c.clock.Now()
	defer func() {
		c.metrics.RecordDuration("requeue.duration", c.clock.Since(start), nil)
	}()

	requeued, err := c.store.ResetFailed(ctx, options.batchSize, options.maxRetries)
	if err != nil {
		c.metrics.IncrementCounter("requeue.failed", nil)
		return 0, fmt.Errorf("failed to requeue failed records: %w", err)
	}

	if requeued > 0 {
		c.logger.Info("Failed outbox records requeued",
			zap.Int64("count", requeued),
			zap.Int("max_retries", options.maxRetries),
		)
	}
	c.metrics.RecordGauge("requeue.batch_size", float64(requeued), nil)
	return requeued, nil
}

// Lookup returns one outbox record.
func (c *Carrier) Lookup(ctx context.Context, id string) (*storage.Record, error) {
	return c.store.FindByID(ctx, id)
}

// History returns every record an aggregate emitted, oldest first.
func (c *Carrier) History(ctx context.Context, aggregateType, aggregateID string) ([]storage.Record, error) {
	records, err := c.store.FindByAggregate(ctx, aggregateID, aggregateType)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s %s: %w", aggregateType, aggregateID, err)
	}
	return records, nil
}
