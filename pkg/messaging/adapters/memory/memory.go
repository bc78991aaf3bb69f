// Package memory adapts the virtual transport engine's in-process backend
// to the messaging façade, giving callers a zero-dependency Broker for
// tests and local development without standing up any external broker.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fenwick-systems/vtransport/pkg/messaging"
	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual"
	virtualmemory "github.com/fenwick-systems/vtransport/pkg/messaging/virtual/backends/memory"
	"github.com/google/uuid"
)

// Config configures the in-process broker.
type Config struct {
	// BufferSize defaults to 64 but is not read by the broker: consumer
	// delivery channels are created by the virtual engine with a fixed
	// capacity of 16.
	BufferSize int
}

// Broker implements messaging.Broker over a virtual.Transport running the
// in-process memory backend.
type Broker struct {
	transport *virtual.Transport
	channel   *virtual.Channel
	cfg       Config

	mu     sync.Mutex
	closed bool
}

// New creates a ready-to-use in-process broker.
func New(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	backend := virtualmemory.New()
	transport := virtual.New(context.Background(), backend, virtual.DefaultOptions())
	return &Broker{
		transport: transport,
		channel:   transport.Channel(),
		cfg:       cfg,
	}
}

func (b *Broker) declare(topic string) error {
	_, _, _, err := b.channel.QueueDeclare(context.Background(), virtual.Queue{Name: topic}, false)
	return err
}

// Producer returns a producer that publishes onto topic via the default
// (empty-name) direct exchange, matching the virtual engine's convention
// that an empty exchange name routes straight to the queue named by the
// routing key.
func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	if err := b.declare(topic); err != nil {
		return nil, messaging.ErrPublishFailed(err)
	}
	return &producer{broker: b, topic: topic}, nil
}

// Consumer returns a consumer bound to topic. group is accepted for
// interface symmetry but has no effect: the in-process backend has no
// notion of consumer-group fan-out.
func (b *Broker) Consumer(topic string, _ string) (messaging.Consumer, error) {
	if err := b.declare(topic); err != nil {
		return nil, messaging.ErrConsumeFailed(err)
	}
	return &consumer{broker: b, topic: topic}, nil
}

// Close tears down the underlying transport.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.transport.Close(context.Background())
}

// Healthy always reports true once the broker has not been closed; the
// in-process backend has no external dependency to probe.
func (b *Broker) Healthy(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

type producer struct {
	broker *Broker
	topic  string
}

func (p *producer) Publish(ctx context.Context, msg *messaging.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	topic := p.topic
	if msg.Topic != "" {
		topic = msg.Topic
	}
	env := virtual.Envelope{
		Body:        string(msg.Payload),
		ContentType: "application/octet-stream",
		Headers:     headersFrom(msg.Headers),
		Properties: virtual.Properties{
			MessageID: msg.ID,
			Timestamp: msg.Timestamp.Unix(),
		},
	}
	if err := p.broker.channel.BasicPublish(ctx, env, "", topic, false); err != nil {
		return messaging.ErrPublishFailed(err)
	}
	return nil
}

func (p *producer) PublishBatch(ctx context.Context, msgs []*messaging.Message) error {
	for _, m := range msgs {
		if err := p.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	broker *Broker
	topic  string

	mu      sync.Mutex
	cons    *virtual.Consumer
	started bool
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return messaging.ErrConsumeFailed(nil)
	}
	c.started = true
	cons, err := c.broker.channel.BasicConsume(ctx, c.topic, "", false, false)
	if err != nil {
		c.mu.Unlock()
		return messaging.ErrConsumeFailed(err)
	}
	c.cons = cons
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			c.broker.channel.BasicCancel(cons.Tag)
			return ctx.Err()
		case delivery, ok := <-cons.Deliveries:
			if !ok {
				return nil
			}
			msg := &messaging.Message{
				ID:        delivery.Envelope.Properties.MessageID,
				Topic:     c.topic,
				Payload:   []byte(delivery.Envelope.Body),
				Headers:   stringHeaders(delivery.Envelope.Headers),
				Timestamp: time.Unix(delivery.Envelope.Properties.Timestamp, 0),
			}
			if err := handler(ctx, msg); err != nil {
				_ = c.broker.channel.BasicNack(ctx, delivery.Tag, false, true)
				continue
			}
			_ = c.broker.channel.BasicAck(delivery.Tag)
		}
	}
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cons != nil {
		c.broker.channel.BasicCancel(c.cons.Tag)
	}
	return nil
}

func headersFrom(h map[string]string) map[string]any {
	if h == nil {
		return nil
	}
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func stringHeaders(h map[string]any) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
