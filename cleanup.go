package relay

import (
	"context"

	"go.uber.org/zap"
)

// Cleanup deletes PROCESSED records older than the retention. FAILED and PENDING records are never removed.
func (c *Carrier) Cleanup(ctx context.Context, opts ...CleanupOption) error {
	options := &cleanupOptions{
		processedRetention: defaultProcessedRetention,
	}
	for _, opt := range opts {
		opt(options)
	}

	start := c.clock.Now()
	defer func() {
		c.metrics.RecordDuration("cleanup.duration", c.clock.Since(start), nil)
	}()

	c.logger.Info("Starting cleanup process")

	deleted, err := c.store.DeleteProcessed(ctx, options.processedRetention)
	if err != nil {
		c.logger.Error("Failed to clean up processed events", zap.Error(err))
		c.metrics.IncrementCounter("cleanup.processed_events.failed", nil)
	} else if deleted > 0 {
		c.logger.Info("Cleaned up processed events", zap.Int64("count", deleted))
		c.metrics.RecordGauge("cleanup.processed_events.deleted", float64(deleted), nil)
	}

	c.logger.Info("Cleanup process finished")
	c.metrics.IncrementCounter("cleanup.executed", nil)

	// The cleanup worker keeps running through failed runs.
	return nil
}
