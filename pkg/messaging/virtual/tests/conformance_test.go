// Package tests runs the virtual transport engine's conformance suite
// against every backend that can run in-process without an external
// service (memory and filesystem). S1-S4 run against both; S5, S6 and the
// declaration test run against memory only. The Redis, SQS, Qpid,
// Beanstalk and CouchDB backends are not exercised here.
package tests

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual"
	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual/backends/filesystem"
	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual/backends/memory"
	"github.com/stretchr/testify/require"
)

type backendFactory struct {
	name string
	new  func(t *testing.T) virtual.Backend
}

func factories(t *testing.T) []backendFactory {
	return []backendFactory{
		{name: "memory", new: func(t *testing.T) virtual.Backend {
			return memory.New()
		}},
		{name: "filesystem", new: func(t *testing.T) virtual.Backend {
			dir := t.TempDir()
			b, err := filesystem.New(filesystem.Config{
				DataFolderIn:  filepath.Join(dir, "in"),
				DataFolderOut: filepath.Join(dir, "in"), // single shared dir: this process is both writer and reader
			})
			require.NoError(t, err)
			return b
		}},
	}
}

func newTransport(t *testing.T, backend virtual.Backend) (*virtual.Transport, *virtual.Channel) {
	ctx := context.Background()
	opts := virtual.DefaultOptions()
	opts.PollingInterval = 10 * time.Millisecond
	transport := virtual.New(ctx, backend, opts)
	t.Cleanup(func() { _ = transport.Close(ctx) })
	return transport, transport.Channel()
}

// sizeOf queries a queue's ready-message count without mutating it, via a
// passive declare.
func sizeOf(ctx context.Context, ch *virtual.Channel, queue string) int {
	_, count, _, err := ch.QueueDeclare(ctx, virtual.Queue{Name: queue}, true)
	if err != nil {
		return -1
	}
	return count
}

func waitDelivery(t *testing.T, cons *virtual.Consumer) virtual.Delivery {
	t.Helper()
	select {
	case d, ok := <-cons.Deliveries:
		require.True(t, ok, "consumer channel closed unexpectedly")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return virtual.Delivery{}
	}
}

func requireNoDelivery(t *testing.T, cons *virtual.Consumer, d time.Duration) {
	t.Helper()
	select {
	case delivery, ok := <-cons.Deliveries:
		if ok {
			t.Fatalf("unexpected delivery while prefetch should be exhausted: %+v", delivery)
		}
	case <-time.After(d):
	}
}

func TestS1DirectRouting(t *testing.T) {
	for _, f := range factories(t) {
		f := f
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			_, ch := newTransport(t, f.new(t))

			require.NoError(t, ch.ExchangeDeclare(virtual.Exchange{Name: "E", Kind: virtual.ExchangeDirect}, false))
			_, _, _, err := ch.QueueDeclare(ctx, virtual.Queue{Name: "Q"}, false)
			require.NoError(t, err)
			require.NoError(t, ch.QueueBind("E", "Q", "k", ""))

			env := virtual.Envelope{Body: `{"n":1}`}
			require.NoError(t, ch.BasicPublish(ctx, env, "E", "k", false))

			got, _, err := ch.BasicGet(ctx, "Q", true)
			require.NoError(t, err)
			require.Equal(t, `{"n":1}`, got.Body)
			require.Equal(t, "E", got.Properties.DeliveryInfo.Exchange)
			require.Equal(t, "k", got.Properties.DeliveryInfo.RoutingKey)
		})
	}
}

func TestS2TopicGlob(t *testing.T) {
	for _, f := range factories(t) {
		f := f
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			_, ch := newTransport(t, f.new(t))

			require.NoError(t, ch.ExchangeDeclare(virtual.Exchange{Name: "E", Kind: virtual.ExchangeTopic}, false))
			for _, q := range []string{"Q1", "Q2", "Q3"} {
				_, _, _, err := ch.QueueDeclare(ctx, virtual.Queue{Name: q}, false)
				require.NoError(t, err)
			}
			require.NoError(t, ch.QueueBind("E", "Q1", "", "a.*"))
			require.NoError(t, ch.QueueBind("E", "Q2", "", "a.#"))
			require.NoError(t, ch.QueueBind("E", "Q3", "", "a.b"))

			publish := func(rk string) {
				require.NoError(t, ch.BasicPublish(ctx, virtual.Envelope{Body: "x"}, "E", rk, false))
			}

			before := map[string]int{"Q1": sizeOf(ctx, ch, "Q1"), "Q2": sizeOf(ctx, ch, "Q2"), "Q3": sizeOf(ctx, ch, "Q3")}
			publish("a.b.c")
			require.Equal(t, before["Q1"]+0, sizeOf(ctx, ch, "Q1"))
			require.Equal(t, before["Q2"]+1, sizeOf(ctx, ch, "Q2"))
			require.Equal(t, before["Q3"]+0, sizeOf(ctx, ch, "Q3"))

			before = map[string]int{"Q1": sizeOf(ctx, ch, "Q1"), "Q2": sizeOf(ctx, ch, "Q2"), "Q3": sizeOf(ctx, ch, "Q3")}
			publish("a.b")
			require.Equal(t, before["Q1"]+1, sizeOf(ctx, ch, "Q1"))
			require.Equal(t, before["Q2"]+1, sizeOf(ctx, ch, "Q2"))
			require.Equal(t, before["Q3"]+1, sizeOf(ctx, ch, "Q3"))
		})
	}
}

func TestS3Fanout(t *testing.T) {
	for _, f := range factories(t) {
		f := f
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			_, ch := newTransport(t, f.new(t))

			require.NoError(t, ch.ExchangeDeclare(virtual.Exchange{Name: "F", Kind: virtual.ExchangeFanout}, false))
			for _, q := range []string{"Q1", "Q2"} {
				_, _, _, err := ch.QueueDeclare(ctx, virtual.Queue{Name: q}, false)
				require.NoError(t, err)
				require.NoError(t, ch.QueueBind("F", q, "", ""))
			}

			require.NoError(t, ch.BasicPublish(ctx, virtual.Envelope{Body: "x"}, "F", "", false))

			require.Equal(t, 1, sizeOf(ctx, ch, "Q1"))
			require.Equal(t, 1, sizeOf(ctx, ch, "Q2"))
		})
	}
}

func TestS4Priority(t *testing.T) {
	for _, f := range factories(t) {
		f := f
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			_, ch := newTransport(t, f.new(t))

			_, _, _, err := ch.QueueDeclare(ctx, virtual.Queue{Name: "P", MaxPriority: 9}, false)
			require.NoError(t, err)

			publish := func(priority int, body string) {
				env := virtual.Envelope{Body: body, Properties: virtual.Properties{Priority: priority}}
				require.NoError(t, ch.BasicPublish(ctx, env, "", "P", false))
			}
			publish(3, "a")
			publish(9, "b")
			publish(3, "c")

			first, _, err := ch.BasicGet(ctx, "P", true)
			require.NoError(t, err)
			second, _, err := ch.BasicGet(ctx, "P", true)
			require.NoError(t, err)
			third, _, err := ch.BasicGet(ctx, "P", true)
			require.NoError(t, err)

			require.Equal(t, "b", first.Body)
			require.Equal(t, "a", second.Body)
			require.Equal(t, "c", third.Body)
		})
	}
}

func TestS5AckAndPrefetch(t *testing.T) {
	ctx := context.Background()
	_, ch := newTransport(t, memory.New())

	_, _, _, err := ch.QueueDeclare(ctx, virtual.Queue{Name: "Q"}, false)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, ch.BasicPublish(ctx, virtual.Envelope{Body: "m"}, "", "Q", false))
	}

	ch.BasicQos(2, 0, false)
	cons, err := ch.BasicConsume(ctx, "Q", "", false, false)
	require.NoError(t, err)

	var tags []string
	for i := 0; i < 2; i++ {
		d := waitDelivery(t, cons)
		tags = append(tags, d.Tag)
	}
	requireNoDelivery(t, cons, 150*time.Millisecond)

	require.NoError(t, ch.BasicAck(tags[0]))
	require.NoError(t, ch.BasicAck(tags[1]))

	for i := 0; i < 2; i++ {
		waitDelivery(t, cons)
	}
}

func TestS6RestoreOnClose(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	_, ch := newTransport(t, backend)

	_, _, _, err := ch.QueueDeclare(ctx, virtual.Queue{Name: "Q"}, false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, ch.BasicPublish(ctx, virtual.Envelope{Body: "m"}, "", "Q", false))
	}

	ch.BasicQos(10, 0, false)
	cons, err := ch.BasicConsume(ctx, "Q", "", false, false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		waitDelivery(t, cons)
	}

	require.NoError(t, ch.Close(ctx))

	sz, err := backend.Size(ctx, "Q")
	require.NoError(t, err)
	require.Equal(t, 3, sz)

	for i := 0; i < 3; i++ {
		payload, err := backend.Get(ctx, "Q")
		require.NoError(t, err)
		var env virtual.Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		require.True(t, env.Properties.DeliveryInfo.Redelivered)
	}
}

func TestIdempotentDeclaration(t *testing.T) {
	_, ch := newTransport(t, memory.New())

	ex := virtual.Exchange{Name: "E", Kind: virtual.ExchangeDirect}
	require.NoError(t, ch.ExchangeDeclare(ex, false))
	require.NoError(t, ch.ExchangeDeclare(ex, false))

	mismatched := virtual.Exchange{Name: "E", Kind: virtual.ExchangeTopic}
	require.Error(t, ch.ExchangeDeclare(mismatched, false))
}
