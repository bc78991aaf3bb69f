package virtual

import "context"

// Backend is the minimal set of operations a concrete transport must
// provide. The core supplies exchange/binding routing, QoS, and scheduling
// on top of these six operations.
type Backend interface {
	// Put enqueues the already-serialized envelope on queue at the given
	// (already-clamped) priority.
	Put(ctx context.Context, queue string, payload []byte, priority int) error

	// Get dequeues one serialized envelope from queue, or returns ErrEmpty.
	Get(ctx context.Context, queue string) ([]byte, error)

	// Size reports the number of ready (not yet delivered) messages.
	Size(ctx context.Context, queue string) (int, error)

	// Purge removes all ready messages from queue and returns the count.
	Purge(ctx context.Context, queue string) (int, error)

	// Delete removes the queue and any backend-side storage for it.
	Delete(ctx context.Context, queue string) error

	// HasQueue reports whether the backend has storage for queue.
	HasQueue(ctx context.Context, queue string) (bool, error)
}

// FanoutPublisher is an optional capability: backends with a native
// broadcast primitive implement this instead of requiring the core to loop
// Put over every bound queue.
type FanoutPublisher interface {
	PutFanout(ctx context.Context, exchange string, payload []byte, routingKey string) error
}

// AsyncReadinessSource is an optional capability: backends that can signal
// "a message may be ready" without polling implement this. The channel may
// be closed or sent to whenever readiness should be reconsidered; the
// scheduler treats a closed channel as one final wake-up and then stops
// watching that queue.
type AsyncReadinessSource interface {
	AsyncReady(queue string) <-chan struct{}
}

// capabilities captures what a backend supports, resolved once at attach
// time via type assertion (capability negotiation, not runtime probing).
type capabilities struct {
	fanout FanoutPublisher
	async  AsyncReadinessSource
}

func negotiate(b Backend) capabilities {
	caps := capabilities{}
	if f, ok := b.(FanoutPublisher); ok {
		caps.fanout = f
	}
	if a, ok := b.(AsyncReadinessSource); ok {
		caps.async = a
	}
	return caps
}
