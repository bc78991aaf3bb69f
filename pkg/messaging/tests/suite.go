// Package tests provides a broker-agnostic conformance suite that exercises
// the messaging.Broker contract against any adapter.
package tests

import (
	"context"
	"testing"
	"time"

	"github.com/fenwick-systems/vtransport/pkg/messaging"
	"github.com/google/uuid"
)

// RunBrokerTests exercises publish/consume round-tripping, health reporting,
// and batch publishing against any messaging.Broker implementation.
func RunBrokerTests(t *testing.T, broker messaging.Broker) {
	t.Helper()

	t.Run("PublishAndConsume", func(t *testing.T) {
		topic := "tests." + uuid.New().String()
		producer, err := broker.Producer(topic)
		if err != nil {
			t.Fatalf("Producer: %v", err)
		}
		defer producer.Close()

		consumer, err := broker.Consumer(topic, "test-group")
		if err != nil {
			t.Fatalf("Consumer: %v", err)
		}
		defer consumer.Close()

		want := &messaging.Message{
			ID:      uuid.New().String(),
			Topic:   topic,
			Payload: []byte(`{"hello":"world"}`),
			Headers: map[string]string{"x-test": "1"},
		}

		if err := producer.Publish(context.Background(), want); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		received := make(chan *messaging.Message, 1)
		go func() {
			_ = consumer.Consume(ctx, func(_ context.Context, msg *messaging.Message) error {
				received <- msg
				cancel()
				return nil
			})
		}()

		select {
		case got := <-received:
			if string(got.Payload) != string(want.Payload) {
				t.Errorf("payload mismatch: got %q want %q", got.Payload, want.Payload)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
	})

	t.Run("Healthy", func(t *testing.T) {
		if !broker.Healthy(context.Background()) {
			t.Error("expected broker to report healthy")
		}
	})

	t.Run("PublishBatch", func(t *testing.T) {
		topic := "tests.batch." + uuid.New().String()
		producer, err := broker.Producer(topic)
		if err != nil {
			t.Fatalf("Producer: %v", err)
		}
		defer producer.Close()

		msgs := []*messaging.Message{
			{ID: uuid.New().String(), Topic: topic, Payload: []byte("1")},
			{ID: uuid.New().String(), Topic: topic, Payload: []byte("2")},
		}
		if err := producer.PublishBatch(context.Background(), msgs); err != nil {
			t.Fatalf("PublishBatch: %v", err)
		}
	})
}
