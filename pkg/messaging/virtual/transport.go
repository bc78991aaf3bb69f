package virtual

import (
	"context"
	"sync"
	"time"

	"github.com/fenwick-systems/vtransport/pkg/errors"
)

// Transport is the connection-level object: it owns the channels, the
// shared BrokerState, and the Scheduler; it translates backend errors into
// the core's error taxonomy and exposes DrainEvents.
type Transport struct {
	backend   Backend
	state     *BrokerState
	opts      Options
	scheduler *Scheduler

	mu       sync.Mutex
	channels []*Channel
	closed   bool
}

// New creates a Transport over backend with the given options, pre-declares
// the default exchange (via BrokerState), and starts the scheduler.
func New(ctx context.Context, backend Backend, opts Options) *Transport {
	if opts.PollingInterval <= 0 {
		opts = mergeDefaults(opts)
	}
	t := &Transport{
		backend:   backend,
		state:     NewBrokerState(),
		opts:      opts,
		scheduler: newScheduler(opts),
	}
	t.scheduler.start(ctx)
	return t
}

func mergeDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = d.PollingInterval
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = d.VisibilityTimeout
	}
	if opts.PrefetchCount == 0 {
		opts.PrefetchCount = d.PrefetchCount
	}
	if opts.BodyEncoding == "" {
		opts.BodyEncoding = d.BodyEncoding
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = d.HealthCheckInterval
	}
	return opts
}

// Channel opens a new channel on this transport.
func (t *Transport) Channel() *Channel {
	c := newChannel(t, t.state, t.backend, t.opts)
	t.mu.Lock()
	t.channels = append(t.channels, c)
	t.mu.Unlock()
	return c
}

// applyGlobalQoS implements basic_qos(global=true): it is applied to every
// channel of this transport, stricter than strict AMQP 0-9-1's
// connection-scoped semantics, per this implementation's resolved Open
// Question.
func (t *Transport) applyGlobalQoS(prefetchCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.channels {
		c.qos.setPrefetch(prefetchCount, true)
	}
}

// DrainEvents blocks until timeout elapses, giving the scheduler's
// background loops time to run. It returns Timeout once the deadline
// passes, whether or not any message was delivered during the wait.
func (t *Transport) DrainEvents(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return errors.New(CodeTimeout, "drain_events timed out", nil)
	}
}

// Close cancels all consumers on every channel, restores unacked messages,
// stops the scheduler, and releases resources. Idempotent.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := t.channels
	t.mu.Unlock()

	for _, c := range channels {
		_ = c.Close(ctx)
	}
	t.scheduler.stop()
	return nil
}
