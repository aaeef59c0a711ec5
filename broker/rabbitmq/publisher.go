// Package rabbitmq publishes relay messages to a RabbitMQ exchange with publisher confirms.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/overtonx/relay"
)

var (
	ErrPublishNacked   = errors.New("message was nacked by broker")
	ErrConfirmTimeout  = errors.New("confirmation timed out")
	ErrPublisherClosed = errors.New("publisher is closed")
)

const (
	DefaultConfirmTimeout = 5 * time.Second
	DefaultExchange       = "outbox"

	confirmChannelBuffer = 16
)

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes to one exchange. Messages are sent one at a time and Publish
// returns only after the broker confirmed the message.
type Publisher struct {
	logger         *zap.Logger
	ch             Channel
	conn           *amqp.Connection
	confirms       chan amqp.Confirmation
	exchange       string
	routingKey     string
	confirmTimeout time.Duration

	mu     sync.Mutex
	tag    uint64
	closed bool
}

type Option func(*Publisher)

func WithExchange(exchange string) Option {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithRoutingKey sets the routing key used when a message has no topic.
func WithRoutingKey(key string) Option {
	return func(p *Publisher) {
		p.routingKey = key
	}
}

func WithConfirmTimeout(timeout time.Duration) Option {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// Dial connects to url and opens a dedicated channel for the publisher.
func Dial(url string, logger *zap.Logger, opts ...Option) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	p, err := NewPublisher(ch, logger, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher puts ch in confirm mode and wraps it.
func NewPublisher(ch Channel, logger *zap.Logger, opts ...Option) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("rabbitmq channel is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		logger:         logger,
		ch:             ch,
		exchange:       DefaultExchange,
		routingKey:     "outbox-events",
		confirmTimeout: DefaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	return p, nil
}

// Publish sends msg to the exchange, routed by the message topic, and waits for the confirm.
func (p *Publisher) Publish(ctx context.Context, msg relay.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	key := msg.Topic
	if key == "" {
		key = p.routingKey
	}

	publishing := amqp.Publishing{
		Headers:      buildTable(msg.Headers),
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Headers[relay.HeaderEventID],
		Type:         msg.Headers[relay.HeaderEventType],
		Body:         msg.Value,
	}

	p.logger.Debug("Publishing event to RabbitMQ",
		zap.String("event_id", publishing.MessageId),
		zap.String("exchange", p.exchange),
		zap.String("routing_key", key),
	)

	if err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", p.exchange, key, err)
	}
	p.tag++

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for rabbitmq confirm: %w", ctx.Err())
		case <-timer.C:
			return ErrConfirmTimeout
		case confirm, ok := <-p.confirms:
			if !ok {
				return ErrPublisherClosed
			}
			// Late confirm of a message that already timed out.
			if confirm.DeliveryTag < p.tag {
				continue
			}
			if !confirm.Ack {
				return fmt.Errorf("%w: delivery tag %d", ErrPublishNacked, confirm.DeliveryTag)
			}
			return nil
		}
	}
}

// Close closes the channel and, when the publisher dialed it, the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.logger.Info("Closing rabbitmq publisher")
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

func buildTable(headers map[string]string) amqp.Table {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}
