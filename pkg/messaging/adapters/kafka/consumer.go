package kafka

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	"github.com/fenwick-systems/vtransport/pkg/messaging"
)

// consumer is a Kafka consumer-group implementation.
type consumer struct {
	broker *Broker
	topic  string
	group  sarama.ConsumerGroup

	mu     sync.Mutex
	closed bool
}

// Consume joins the consumer group and processes messages until ctx is
// canceled. sarama re-invokes Setup/ConsumeClaim across rebalances, so this
// wraps the call in a loop rather than a single pass.
func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	h := &groupHandler{handler: handler}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return messaging.ErrConsumeFailed(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
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
	return c.group.Close()
}

// groupHandler implements sarama.ConsumerGroupHandler, translating claimed
// records into messaging.Message and honoring the handler's ack contract:
// nil marks the Kafka offset, a non-nil error leaves it unmarked so a
// future rebalance or restart redelivers it.
type groupHandler struct {
	handler messaging.MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case record, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg := &messaging.Message{
				ID:        messageIDFrom(record.Headers),
				Topic:     record.Topic,
				Key:       record.Key,
				Payload:   record.Value,
				Headers:   headersFrom(record.Headers),
				Timestamp: record.Timestamp,
				Metadata: messaging.MessageMetadata{
					Partition: record.Partition,
					Offset:    record.Offset,
					Raw:       record,
				},
			}
			if err := h.handler(session.Context(), msg); err != nil {
				continue
			}
			session.MarkMessage(record, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func messageIDFrom(headers []*sarama.RecordHeader) string {
	for _, rh := range headers {
		if string(rh.Key) == "message-id" {
			return string(rh.Value)
		}
	}
	return ""
}

func headersFrom(headers []*sarama.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, rh := range headers {
		out[string(rh.Key)] = string(rh.Value)
	}
	return out
}
