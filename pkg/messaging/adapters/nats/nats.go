// Package nats adapts NATS (via nats.go) to the messaging façade. Like
// Kafka, NATS is a native-broker adapter: its subject-based pub/sub and
// JetStream durable consumers are used directly rather than through the
// virtual transport engine.
package nats

import (
	"context"
	"sync"
	"time"

	"github.com/fenwick-systems/vtransport/pkg/messaging"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Config holds NATS connection parameters.
type Config struct {
	URL  string `env:"VT_NATS_URL" env-default:"nats://localhost:4222"`
	Name string `env:"VT_NATS_NAME" env-default:"vtransport"`
}

// Broker implements messaging.Broker over a single NATS connection with a
// JetStream context for durable, acknowledged delivery.
type Broker struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	mu     sync.Mutex
	closed bool
}

// New connects to the NATS server and establishes a JetStream context.
func New(cfg Config) (*Broker, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name(cfg.Name))
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &Broker{conn: conn, js: js}, nil
}

// Producer returns a producer that publishes onto the given subject,
// ensuring a backing stream exists so messages survive until consumed.
func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	if _, err := b.js.StreamInfo(topic); err != nil {
		if _, err := b.js.AddStream(&nats.StreamConfig{
			Name:     topic,
			Subjects: []string{topic},
		}); err != nil {
			return nil, messaging.ErrConnectionFailed(err)
		}
	}
	return &producer{broker: b, topic: topic}, nil
}

// Consumer creates a durable pull consumer on topic under group, or an
// ephemeral subscription if group is empty.
func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	opts := []nats.SubOpt{nats.ManualAck()}
	if group != "" {
		opts = append(opts, nats.Durable(group))
	}
	sub, err := b.js.PullSubscribe(topic, group, opts...)
	if err != nil {
		return nil, messaging.ErrConsumeFailed(err)
	}
	return &consumer{broker: b, topic: topic, sub: sub}, nil
}

// Close drains and closes the NATS connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Drain()
}

// Healthy reports the connection's current status.
func (b *Broker) Healthy(_ context.Context) bool {
	return b.conn.Status() == nats.CONNECTED
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
	header := nats.Header{}
	header.Set("message-id", msg.ID)
	for k, v := range msg.Headers {
		header.Set(k, v)
	}
	natsMsg := &nats.Msg{
		Subject: p.topic,
		Data:    msg.Payload,
		Header:  header,
	}
	if _, err := p.broker.js.PublishMsg(natsMsg, nats.Context(ctx)); err != nil {
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
	sub    *nats.Subscription

	mu     sync.Mutex
	closed bool
}

// Consume pulls a small batch at a time, looping until ctx is canceled.
// nats.go's pull subscription has no blocking single-message call with a
// cancelable context, so this polls with a short fetch timeout instead.
func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.sub.Fetch(10, nats.MaxWait(500*time.Millisecond))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			return messaging.ErrConsumeFailed(err)
		}
		for _, m := range msgs {
			msg := &messaging.Message{
				ID:      m.Header.Get("message-id"),
				Topic:   m.Subject,
				Payload: m.Data,
				Headers: headerMap(m.Header),
			}
			if err := handler(ctx, msg); err != nil {
				_ = m.Nak()
				continue
			}
			_ = m.Ack()
		}
	}
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.sub.Unsubscribe()
}

func headerMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
