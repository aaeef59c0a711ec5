// Package nats publishes relay messages to NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"

	natspkg "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/overtonx/relay"
)

// streamPublisher is the part of nats.JetStreamContext the publisher uses.
type streamPublisher interface {
	PublishMsg(m *natspkg.Msg, opts ...natspkg.PubOpt) (*natspkg.PubAck, error)
}

// Publisher publishes to JetStream subjects. The event id is sent as the
// Nats-Msg-Id header, so the stream drops redeliveries inside its duplicate window.
type Publisher struct {
	logger         *zap.Logger
	nc             *natspkg.Conn
	js             streamPublisher
	defaultSubject string
}

type Option func(*Publisher)

func WithDefaultSubject(subject string) Option {
	return func(p *Publisher) {
		p.defaultSubject = subject
	}
}

func withStream(js streamPublisher) Option {
	return func(p *Publisher) {
		p.js = js
	}
}

// Connect dials url and publishes through its JetStream context.
func Connect(url string, logger *zap.Logger, opts ...Option) (*Publisher, error) {
	nc, err := natspkg.Connect(url, natspkg.Name("relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}
	p := NewPublisher(logger, append([]Option{withStream(js)}, opts...)...)
	p.nc = nc
	return p, nil
}

func NewPublisher(logger *zap.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		logger:         logger,
		defaultSubject: "outbox.events",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends msg to its topic (or the default subject) and waits for the stream ack.
func (p *Publisher) Publish(ctx context.Context, msg relay.Message) error {
	if p.js == nil {
		return errors.New("nats publisher is not connected")
	}

	subject := msg.Topic
	if subject == "" {
		subject = p.defaultSubject
	}

	m := natspkg.NewMsg(subject)
	m.Data = msg.Value
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}

	pubOpts := []natspkg.PubOpt{natspkg.Context(ctx)}
	if id := msg.Headers[relay.HeaderEventID]; id != "" {
		pubOpts = append(pubOpts, natspkg.MsgId(id))
	}

	ack, err := p.js.PublishMsg(m, pubOpts...)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debug("Event published to NATS",
		zap.String("event_id", msg.Headers[relay.HeaderEventID]),
		zap.String("subject", subject),
		zap.String("stream", ack.Stream),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
	)
	return nil
}

// Close drains the connection when the publisher opened it.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	p.logger.Info("Closing nats connection")
	return p.nc.Drain()
}
