// Package memory is the reference virtual-transport backend: plain
// in-process FIFO queues guarded by a mutex. It has no network boundary, so
// unlike every other backend in this module it is built on the standard
// library alone rather than a third-party client.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual"
)

// Backend implements virtual.Backend and virtual.AsyncReadinessSource over
// in-process linked-list queues.
type Backend struct {
	mu     sync.Mutex
	queues map[string]*list.List
	ready  map[string]chan struct{}
}

// New creates an empty in-process backend.
func New() *Backend {
	return &Backend{
		queues: make(map[string]*list.List),
		ready:  make(map[string]chan struct{}),
	}
}

func (b *Backend) queueFor(name string) *list.List {
	q, ok := b.queues[name]
	if !ok {
		q = list.New()
		b.queues[name] = q
	}
	return q
}

func (b *Backend) Put(_ context.Context, queue string, payload []byte, _ int) error {
	b.mu.Lock()
	b.queueFor(queue).PushBack(payload)
	ch := b.ready[queue]
	b.mu.Unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Backend) Get(_ context.Context, queue string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok || q.Len() == 0 {
		return nil, virtual.ErrEmpty
	}
	front := q.Front()
	q.Remove(front)
	return front.Value.([]byte), nil
}

func (b *Backend) Size(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0, nil
	}
	return q.Len(), nil
}

func (b *Backend) Purge(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0, nil
	}
	n := q.Len()
	b.queues[queue] = list.New()
	return n, nil
}

func (b *Backend) Delete(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, queue)
	delete(b.ready, queue)
	return nil
}

func (b *Backend) HasQueue(_ context.Context, queue string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[queue]
	return ok, nil
}

// AsyncReady implements virtual.AsyncReadinessSource: Put sends a readiness
// tick so the scheduler doesn't need to wait a full polling interval after a
// publish into an otherwise-idle in-process queue.
func (b *Backend) AsyncReady(queue string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.ready[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.ready[queue] = ch
	}
	return ch
}
