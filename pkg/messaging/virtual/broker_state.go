package virtual

import (
	"github.com/fenwick-systems/vtransport/pkg/concurrency"
)

// BrokerState holds the exchange, binding, and queue registries shared
// across every channel of a process-local transport. Mutating operations
// (declare/bind/delete) take an exclusive lock; routing lookups take a read
// lock so concurrent publishes observe a consistent binding table snapshot.
type BrokerState struct {
	mu *concurrency.SmartRWMutex

	exchanges map[string]Exchange
	bindings  []Binding
	queues    map[string]Queue
}

// NewBrokerState creates an empty registry with the default exchange
// pre-declared, matching the AMQP convention of an always-present
// empty-name direct exchange.
func NewBrokerState() *BrokerState {
	bs := &BrokerState{
		mu:        concurrency.NewSmartRWMutex(concurrency.MutexConfig{Name: "broker-state"}),
		exchanges: make(map[string]Exchange),
		queues:    make(map[string]Queue),
	}
	bs.exchanges[""] = Exchange{Name: "", Kind: ExchangeDirect, Durable: true}
	return bs
}

// DeclareExchange is idempotent when parameters match an existing exchange,
// and fails NotAllowed on mismatch.
func (bs *BrokerState) DeclareExchange(ex Exchange, passive bool) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	existing, ok := bs.exchanges[ex.Name]
	if !ok {
		if passive {
			return errNotFound("exchange not found: " + ex.Name)
		}
		bs.exchanges[ex.Name] = ex
		return nil
	}
	if !existing.equivalent(ex) {
		return errNotAllowed("exchange " + ex.Name + " already declared with different parameters")
	}
	return nil
}

// DeleteExchange removes the exchange and cascades to its bindings. When
// ifUnused is true, it aborts with PreconditionFailed if any binding exists.
func (bs *BrokerState) DeleteExchange(name string, ifUnused bool) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if _, ok := bs.exchanges[name]; !ok {
		return errNotFound("exchange not found: " + name)
	}

	hasBindings := false
	for _, b := range bs.bindings {
		if b.Exchange == name {
			hasBindings = true
			break
		}
	}
	if ifUnused && hasBindings {
		return errPreconditionFailed("exchange " + name + " still has bindings")
	}

	kept := bs.bindings[:0:0]
	for _, b := range bs.bindings {
		if b.Exchange != name {
			kept = append(kept, b)
		}
	}
	bs.bindings = kept
	delete(bs.exchanges, name)
	return nil
}

// DeclareQueue is idempotent by name; re-declaration does not overwrite an
// existing queue's parameters (matching passive-declare-like behavior for
// the common case of repeated declares with identical intent).
func (bs *BrokerState) DeclareQueue(q Queue, passive bool) (Queue, bool, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	existing, ok := bs.queues[q.Name]
	if ok {
		return existing, false, nil
	}
	if passive {
		return Queue{}, false, errNotFound("queue not found: " + q.Name)
	}
	bs.queues[q.Name] = q
	return q, true, nil
}

func (bs *BrokerState) HasQueue(name string) bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	_, ok := bs.queues[name]
	return ok
}

func (bs *BrokerState) Queue(name string) (Queue, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	q, ok := bs.queues[name]
	return q, ok
}

func (bs *BrokerState) DeleteQueue(name string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.queues, name)
	kept := bs.bindings[:0:0]
	for _, b := range bs.bindings {
		if b.Queue != name {
			kept = append(kept, b)
		}
	}
	bs.bindings = kept
}

// Bind inserts a binding if absent; duplicate insertion is a no-op.
func (bs *BrokerState) Bind(b Binding) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if _, ok := bs.exchanges[b.Exchange]; !ok {
		return errNotFound("exchange not found: " + b.Exchange)
	}
	for _, existing := range bs.bindings {
		if existing == b {
			return nil
		}
	}
	bs.bindings = append(bs.bindings, b)
	return nil
}

func (bs *BrokerState) Unbind(b Binding) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	kept := bs.bindings[:0:0]
	for _, existing := range bs.bindings {
		if existing != b {
			kept = append(kept, existing)
		}
	}
	bs.bindings = kept
}

// Route resolves destination queues for a publish under a read lock, so the
// binding table snapshot observed is consistent for the whole lookup even
// if concurrent bind/unbind calls are in flight.
func (bs *BrokerState) Route(exchangeName, routingKey string) ([]string, ExchangeKind, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	ex, ok := bs.exchanges[exchangeName]
	if !ok {
		return nil, "", errNoRoute("exchange not found: " + exchangeName)
	}
	queues := routerFor(ex.Kind).lookup(bs.bindings, exchangeName, routingKey)
	return queues, ex.Kind, nil
}

func (bs *BrokerState) Exchange(name string) (Exchange, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	ex, ok := bs.exchanges[name]
	return ex, ok
}

// BindingsForQueue returns a copy of the current binding table for the given queue.
func (bs *BrokerState) BindingsForQueue(queue string) []Binding {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	var out []Binding
	for _, b := range bs.bindings {
		if b.Queue == queue {
			out = append(out, b)
		}
	}
	return out
}
