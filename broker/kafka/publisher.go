// Package kafka publishes relay messages to Kafka with confluent-kafka-go.
package kafka

import (
	"context"
	"fmt"
	"sort"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/relay"
)

const defaultFlushTimeoutMs = 15 * 1000

// HeaderBuilder builds Kafka message headers from a relay message.
type HeaderBuilder func(msg relay.Message) []kafka.Header

// producer is the subset of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// Publisher sends messages to a Kafka topic and waits for the broker acknowledgement,
// so a nil error from Publish means the message is stored by Kafka.
type Publisher struct {
	logger        *zap.Logger
	producer      producer
	producerProps kafka.ConfigMap
	defaultTopic  string
	headerBuilder HeaderBuilder
}

type Option func(*Publisher)

func WithProducerProps(props kafka.ConfigMap) Option {
	return func(p *Publisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithDefaultTopic(topic string) Option {
	return func(p *Publisher) {
		p.defaultTopic = topic
	}
}

func WithHeaderBuilder(builder HeaderBuilder) Option {
	return func(p *Publisher) {
		p.headerBuilder = builder
	}
}

func withProducer(pr producer) Option {
	return func(p *Publisher) {
		p.producer = pr
	}
}

// NewPublisher creates a new Publisher with functional options.
func NewPublisher(logger *zap.Logger, opts ...Option) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"bootstrap.servers":  "localhost:9092",
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		defaultTopic:  "outbox-events",
		headerBuilder: buildKafkaHeaders,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.producer == nil {
		pr, err := kafka.NewProducer(&p.producerProps)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		p.producer = pr
	}

	go p.handleEvents()

	return p, nil
}

// Publish sends msg and blocks until Kafka acknowledges it or ctx is done.
// The topic is taken from the message, falling back to the default topic.
func (p *Publisher) Publish(ctx context.Context, msg relay.Message) error {
	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}

	p.logger.Debug("Publishing event to Kafka",
		zap.String("event_id", msg.Headers[relay.HeaderEventID]),
		zap.String("event_type", msg.Headers[relay.HeaderEventType]),
		zap.String("topic", topic),
	)

	deliveryChan := make(chan kafka.Event, 1)
	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
		Headers:        p.headerBuilder(msg),
	}

	if err := p.producer.Produce(message, deliveryChan); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for kafka delivery report: %w", ctx.Err())
	case e := <-deliveryChan:
		report, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected kafka delivery event %v", e)
		}
		if report.TopicPartition.Error != nil {
			return fmt.Errorf("kafka delivery to %s failed: %w", topic, report.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes the producer and closes the Kafka connection.
func (p *Publisher) Close() error {
	p.logger.Info("Closing kafka producer")
	if remaining := p.producer.Flush(defaultFlushTimeoutMs); remaining > 0 {
		p.logger.Warn("Kafka producer closed with undelivered messages", zap.Int("remaining", remaining))
	}
	p.producer.Close()
	return nil
}

// handleEvents logs producer-level errors. Per-message reports go to the delivery channel of Publish.
func (p *Publisher) handleEvents() {
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Error("Delivery failed",
					zap.String("topic", topicName(ev.TopicPartition)),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			p.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

func topicName(tp kafka.TopicPartition) string {
	if tp.Topic == nil {
		return ""
	}
	return *tp.Topic
}

// buildKafkaHeaders is the default HeaderBuilder: every relay header, sorted by key.
func buildKafkaHeaders(msg relay.Message) []kafka.Header {
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(msg.Headers[k])})
	}
	return headers
}
