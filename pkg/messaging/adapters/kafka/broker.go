// Package kafka adapts Kafka (via sarama) to the messaging façade. It is a
// native-broker, non-virtual adapter: Kafka already has partitions,
// consumer groups, and offsets, so it implements messaging.Broker directly
// instead of going through the virtual transport engine.
package kafka

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	"github.com/fenwick-systems/vtransport/pkg/messaging"
	"github.com/google/uuid"
)

// Config holds Kafka client parameters.
type Config struct {
	Brokers []string `env:"VT_KAFKA_BROKERS" env-separator:","`
	// ClientID identifies this client to the Kafka cluster.
	ClientID string `env:"VT_KAFKA_CLIENT_ID" env-default:"vtransport"`
}

// Broker implements messaging.Broker over a shared sarama client.
type Broker struct {
	cfg    Config
	client sarama.Client

	mu        sync.Mutex
	producers map[string]sarama.SyncProducer
	closed    bool
}

// New dials the Kafka cluster.
func New(cfg Config) (*Broker, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &Broker{
		cfg:       cfg,
		client:    client,
		producers: make(map[string]sarama.SyncProducer),
	}, nil
}

// Producer returns a cached sync producer for topic, creating one on first
// use.
func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed(nil)
	}
	sp, ok := b.producers[topic]
	if !ok {
		var err error
		sp, err = sarama.NewSyncProducerFromClient(b.client)
		if err != nil {
			return nil, messaging.ErrConnectionFailed(err)
		}
		b.producers[topic] = sp
	}
	return &producer{broker: b, topic: topic, producer: sp}, nil
}

// Consumer returns a consumer-group consumer for topic. An empty group
// falls back to a freshly generated group for each call, approximating
// broadcast semantics since Kafka has no native fanout-without-groups mode.
func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, messaging.ErrClosed(nil)
	}
	if group == "" {
		group = "vtransport-" + topic + "-" + uuid.New().String()
	}
	group2, err := sarama.NewConsumerGroupFromClient(group, b.client)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &consumer{broker: b, topic: topic, group: group2}, nil
}

// Close shuts down every cached producer and the underlying client.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, p := range b.producers {
		_ = p.Close()
	}
	return b.client.Close()
}

// Healthy reports whether the client still has at least one reachable
// broker.
func (b *Broker) Healthy(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	brokers := b.client.Brokers()
	for _, br := range brokers {
		if connected, _ := br.Connected(); connected {
			return true
		}
	}
	return false
}
