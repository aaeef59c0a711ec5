package relay

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/relay/circuitbreaker"
	"github.com/overtonx/relay/events"
	"github.com/overtonx/relay/storage"
)

// ErrDrainInProgress is returned by Drain while another Drain on the same carrier is running.
var ErrDrainInProgress = errors.New("outbox drain already in progress")

// DrainResult summarises one drain batch.
type DrainResult struct {
	Fetched   int `json:"fetched"`
	Processed int `json:"processed"`
	// Failed counts every record whose delivery failed, including Rejected ones.
	Failed int `json:"failed"`
	// Exhausted counts failed records that were left untouched because they ran out of retries.
	Exhausted int `json:"exhausted"`
	// Rejected counts failures caused by an open circuit.
	Rejected int `json:"rejected"`
}

// Drain publishes one batch of PENDING records, oldest first, one at a time.
//
// A failed delivery is recorded on the record (MarkFailed) while it has retries left;
// after that the record is left as is and logged as critical. Delivery failures never
// stop the batch. Store errors and an unreachable circuit state do, and are returned.
//
// Only one Drain runs per carrier at a time; a concurrent call returns ErrDrainInProgress
// without touching the store. Drain assumes its carrier is the only drainer of the outbox table.
func (c *Carrier) Drain(ctx context.Context, opts ...DrainOption) (DrainResult, error) {
	if !c.drainMu.TryLock() {
		return DrainResult{}, ErrDrainInProgress
	}
	defer c.drainMu.Unlock()

	options := &drainOptions{
		batchSize:     defaultBatchSize,
		maxRetries:    defaultMaxRetries,
		downstreamKey: defaultDownstreamKey,
	}
	for _, opt := range opts {
		opt(options)
	}

	var result DrainResult
	start := c.clock.Now()
	defer func() {
		c.metrics.RecordDuration("drain.duration", c.clock.Since(start), nil)
	}()

	records, err := c.store.FetchPending(ctx, options.batchSize)
	if err != nil {
		c.metrics.IncrementCounter("drain.fetch_failed", nil)
		return result, fmt.Errorf("failed to fetch pending records: %w", err)
	}
	result.Fetched = len(records)

	if len(records) == 0 {
		c.logger.Debug("No pending outbox events to process")
		return result, nil
	}

	c.logger.Info("Processing outbox events", zap.Int("count", len(records)))
	c.metrics.RecordGauge("drain.batch_size", float64(len(records)), nil)

	for i := range records {
		if ctx.Err() != nil {
			c.logger.Warn("Context cancelled during batch processing, leaving remaining records pending",
				zap.Int("remaining", len(records)-i),
				zap.Error(ctx.Err()),
			)
			break
		}
		if err := c.drainRecord(ctx, &records[i], options, &result); err != nil {
			c.logger.Error("Aborting outbox batch", zap.Error(err))
			return result, err
		}
	}

	c.logger.Info("Batch processing completed",
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed),
		zap.Int("exhausted", result.Exhausted),
	)
	return result, nil
}

func recordFields(record *storage.Record) []zap.Field {
	return []zap.Field{
		zap.String("record_id", record.ID),
		zap.String("event_type", record.EventType),
		zap.String("aggregate_id", record.AggregateID),
	}
}

// drainRecord returns an error only when the batch must stop.
func (c *Carrier) drainRecord(ctx context.Context, record *storage.Record, options *drainOptions, result *DrainResult) error {
	fields := recordFields(record)
	tags := map[string]string{"event_type": record.EventType}

	publishErr := c.deliver(ctx, record, options.downstreamKey)
	if errors.Is(publishErr, circuitbreaker.ErrStateUnavailable) {
		return fmt.Errorf("failed to deliver record %s: %w", record.ID, publishErr)
	}

	if publishErr == nil {
		if err := c.store.MarkProcessed(ctx, record); err != nil {
			c.metrics.IncrementCounter("drain.mark_processed_failed", tags)
			return fmt.Errorf("record %s was published but not marked processed: %w", record.ID, err)
		}
		result.Processed++
		c.metrics.IncrementCounter("drain.published", tags)
		c.logger.Info("Outbox event processed successfully", fields...)
		return nil
	}

	result.Failed++
	if errors.Is(publishErr, circuitbreaker.ErrOpen) {
		result.Rejected++
		c.metrics.IncrementCounter("drain.rejected", tags)
	}
	if errors.Is(publishErr, events.ErrUnknownEventType) {
		c.metrics.IncrementCounter("drain.unknown_event_type", tags)
	}
	c.logger.Error("Failed to process outbox event",
		append(fields, zap.Int("retry_count", record.RetryCount), zap.Error(publishErr))...)

	if !record.CanRetry(options.maxRetries) {
		result.Exhausted++
		c.metrics.IncrementCounter("drain.retries_exhausted", tags)
		c.logger.Error("Outbox event exceeded max retries",
			append(fields,
				zap.String("severity", "critical"),
				zap.Int("retry_count", record.RetryCount),
				zap.Int("max_retries", options.maxRetries),
			)...)
		return nil
	}

	if err := c.store.MarkFailed(ctx, record, publishErr.Error()); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			c.logger.Warn("Outbox record changed during processing, skipping", append(fields, zap.Error(err))...)
			return nil
		}
		c.metrics.IncrementCounter("drain.mark_failed_failed", tags)
		return fmt.Errorf("failed to record delivery failure of %s: %w", record.ID, err)
	}
	c.metrics.IncrementCounter("drain.failed", tags)
	return nil
}

// deliver rebuilds the typed event and publishes it through the guard.
func (c *Carrier) deliver(ctx context.Context, record *storage.Record, downstreamKey string) error {
	event, err := c.registry.Decode(record.EventType, record.Payload)
	if err != nil {
		return err
	}

	body, err := c.codec.Encode(event)
	if err != nil {
		return err
	}

	msg := Message{
		Topic:       c.topics(*record),
		Key:         []byte(record.AggregateID),
		Value:       body,
		ContentType: c.codec.ContentType(),
		Headers:     buildHeaders(*record, c.codec.ContentType()),
	}

	// Continue the trace of the request that wrote the record.
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(record.Headers))

	return c.guard.Call(ctx, downstreamKey, func(ctx context.Context) error {
		return c.publisher.Publish(ctx, msg)
	})
}
