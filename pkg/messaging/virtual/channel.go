package virtual

import (
	"context"
	"sync"
	"time"

	"github.com/fenwick-systems/vtransport/pkg/logger"
	"github.com/google/uuid"
)

// Channel is the core per-connection state machine: it declares entities,
// publishes (routing via the exchange type then the backend's Put), consumes
// (pull or subscribe), tracks consumers by tag, and owns a QoS manager.
//
// A Channel is not safe for concurrent calls from multiple goroutines; the
// caller must serialize access to a single Channel, matching the
// single-threaded-cooperative scheduling model of the owning Transport.
type Channel struct {
	transport *Transport // back-reference for dispatch only; never drives lifecycle
	state     *BrokerState
	backend   Backend
	caps      capabilities
	opts      Options

	qos *qosManager

	mu        sync.Mutex
	consumers map[string]*Consumer // tag -> consumer
	active    map[string]bool      // queue name -> has at least one active consumer
	closed    bool

	autoDeleteTimers map[string]*time.Timer
}

func newChannel(t *Transport, state *BrokerState, backend Backend, opts Options) *Channel {
	return &Channel{
		transport:        t,
		state:            state,
		backend:          backend,
		caps:             negotiate(backend),
		opts:             opts,
		qos:              newQoSManager(),
		consumers:        make(map[string]*Consumer),
		active:           make(map[string]bool),
		autoDeleteTimers: make(map[string]*time.Timer),
	}
}

// ExchangeDeclare is idempotent when parameters match; fails NotAllowed on
// mismatch. passive=true asserts existence and fails NotFound otherwise.
func (c *Channel) ExchangeDeclare(ex Exchange, passive bool) error {
	return c.state.DeclareExchange(ex, passive)
}

// ExchangeDelete removes bindings, then the exchange; if ifUnused is true it
// aborts when bindings exist.
func (c *Channel) ExchangeDelete(name string, ifUnused bool) error {
	return c.state.DeleteExchange(name, ifUnused)
}

// QueueDeclare registers a queue, generating a name if none is given, and
// returns (name, message_count, consumer_count).
func (c *Channel) QueueDeclare(ctx context.Context, q Queue, passive bool) (string, int, int, error) {
	if q.Name == "" {
		q.Name = "amq.gen-" + uuid.New().String()
	}
	declared, _, err := c.state.DeclareQueue(q, passive)
	if err != nil {
		return "", 0, 0, err
	}
	count, err := c.backend.Size(ctx, declared.Name)
	if err != nil {
		return "", 0, 0, errChannel("failed to size queue "+declared.Name, err)
	}
	return declared.Name, count, c.consumerCount(declared.Name), nil
}

func (c *Channel) consumerCount(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cons := range c.consumers {
		if cons.Queue == queue {
			n++
		}
	}
	return n
}

// QueueDelete removes a queue, optionally guarded by if_unused/if_empty, and
// returns the number of messages that were discarded.
func (c *Channel) QueueDelete(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	if ifUnused && c.consumerCount(name) > 0 {
		return 0, errPreconditionFailed("queue " + name + " has consumers")
	}
	size, err := c.backend.Size(ctx, name)
	if err != nil {
		return 0, errChannel("failed to size queue "+name, err)
	}
	if ifEmpty && size > 0 {
		return 0, errPreconditionFailed("queue " + name + " is not empty")
	}
	if err := c.backend.Delete(ctx, name); err != nil {
		return 0, errChannel("failed to delete queue "+name, err)
	}
	c.state.DeleteQueue(name)
	return size, nil
}

func (c *Channel) QueueBind(exchange, queue, routingKey string, pattern string) error {
	if err := c.state.Bind(Binding{Exchange: exchange, RoutingKey: routingKey, Pattern: pattern, Queue: queue}); err != nil {
		return err
	}
	if ex, ok := c.state.Exchange(exchange); ok && ex.Kind == ExchangeFanout && c.caps.fanout != nil {
		if r, ok := c.backend.(interface {
			RegisterFanoutQueue(ctx context.Context, exchange, queue string) error
		}); ok {
			if err := r.RegisterFanoutQueue(context.Background(), exchange, queue); err != nil {
				return errChannel("failed to register fanout queue "+queue, err)
			}
		}
	}
	return nil
}

func (c *Channel) QueueUnbind(exchange, queue, routingKey, pattern string) {
	c.state.Unbind(Binding{Exchange: exchange, RoutingKey: routingKey, Pattern: pattern, Queue: queue})
}

func (c *Channel) QueuePurge(ctx context.Context, name string) (int, error) {
	n, err := c.backend.Purge(ctx, name)
	if err != nil {
		return 0, errChannel("failed to purge queue "+name, err)
	}
	return n, nil
}

// BasicPublish assigns a delivery tag, encodes and serializes the envelope,
// resolves destination queues via the exchange type, and puts to each. If
// mandatory is true and there were no routes, it returns NoRoute.
func (c *Channel) BasicPublish(ctx context.Context, env Envelope, exchange, routingKey string, mandatory bool) error {
	tag := uuid.New().String()
	env.Properties.DeliveryTag = tag
	env.Properties.DeliveryInfo = DeliveryInfo{Exchange: exchange, RoutingKey: routingKey}

	if c.opts.BodyEncoding == BodyEncodingBase64 && env.Properties.BodyEncoding == "" {
		body, err := decodeBody(env)
		if err != nil {
			return err
		}
		encoded, enc := encodeBody(body, BodyEncodingBase64)
		env.Body = encoded
		env.Properties.BodyEncoding = enc
	}

	payload, err := serialize(env)
	if err != nil {
		return err
	}

	ex, ok := c.state.Exchange(exchange)
	if !ok {
		if mandatory {
			return errNoRoute("exchange not found: " + exchange)
		}
		return errNotFound("exchange not found: " + exchange)
	}

	if ex.Kind == ExchangeFanout && c.caps.fanout != nil {
		if err := c.caps.fanout.PutFanout(ctx, exchange, payload, routingKey); err != nil {
			return errChannel("fanout publish failed", err)
		}
		return nil
	}

	queues, _, err := c.state.Route(exchange, routingKey)
	if err != nil {
		return err
	}
	if len(queues) == 0 {
		if mandatory {
			return errNoRoute("no queues bound for routing key: " + routingKey)
		}
		return nil
	}

	priority := clampPriority(env.Properties.Priority, c.priorityStepsOrDefault())
	for _, q := range queues {
		if err := c.put(ctx, q, payload, priority); err != nil {
			return errChannel("publish to queue "+q+" failed", err)
		}
	}
	return nil
}

func (c *Channel) priorityStepsOrDefault() []int {
	if len(c.opts.PrioritySteps) > 0 {
		return c.opts.PrioritySteps
	}
	return DefaultPrioritySteps
}

// put routes to a priority sub-queue when the target queue is configured
// with max_priority, otherwise puts directly.
func (c *Channel) put(ctx context.Context, queue string, payload []byte, priority int) error {
	q, ok := c.state.Queue(queue)
	if ok && q.MaxPriority > 0 {
		return c.backend.Put(ctx, bucketName(queue, priority), payload, priority)
	}
	return c.backend.Put(ctx, queue, payload, priority)
}

// get scans priority buckets highest to lowest when queue is a priority
// queue, otherwise gets directly.
func (c *Channel) get(ctx context.Context, queue string) ([]byte, error) {
	q, ok := c.state.Queue(queue)
	if !ok || q.MaxPriority == 0 {
		return c.backend.Get(ctx, queue)
	}
	for _, p := range sortedDesc(c.priorityStepsOrDefault()) {
		payload, err := c.backend.Get(ctx, bucketName(queue, p))
		if err == nil {
			return payload, nil
		}
		if err != ErrEmpty {
			return nil, err
		}
	}
	return nil, ErrEmpty
}

// BasicGet is a non-blocking single dequeue. It returns ErrEmpty if the
// queue has no ready message.
func (c *Channel) BasicGet(ctx context.Context, queue string, noAck bool) (Envelope, string, error) {
	payload, err := c.get(ctx, queue)
	if err != nil {
		return Envelope{}, "", err
	}
	env, err := deserialize(payload)
	if err != nil {
		return Envelope{}, "", err
	}
	tag := uuid.New().String()
	env.Properties.DeliveryTag = tag
	if !noAck {
		c.qos.append(tag, UnackedEntry{
			Tag:      tag,
			Envelope: env,
			Exchange: env.Properties.DeliveryInfo.Exchange,
			Queue:    queue,
			Deadline: time.Now().Add(c.opts.VisibilityTimeout),
		})
	}
	delivered, err := decodeEnvelope(env)
	if err != nil {
		return Envelope{}, "", err
	}
	return delivered, tag, nil
}

// BasicConsume registers a consumer and registers its queue with the
// scheduler, whose dispatch ticks pull from the queue and send envelopes on
// the consumer's bounded Deliveries channel (16 entries).
func (c *Channel) BasicConsume(ctx context.Context, queue, tag string, noAck, exclusive bool) (*Consumer, error) {
	if tag == "" {
		tag = "ctag-" + uuid.New().String()
	}
	cons := &Consumer{
		Tag:              tag,
		Queue:            queue,
		NoAck:            noAck,
		Exclusive:        exclusive,
		PrefetchCapacity: c.opts.PrefetchCount,
		Deliveries:       make(chan Delivery, 16),
	}

	c.mu.Lock()
	c.consumers[tag] = cons
	c.active[queue] = true
	c.mu.Unlock()

	c.transport.scheduler.registerQueue(c, queue)
	return cons, nil
}

// BasicCancel tears down the consumer; idempotent.
func (c *Channel) BasicCancel(tag string) {
	c.mu.Lock()
	cons, ok := c.consumers[tag]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.consumers, tag)
	queue := cons.Queue
	stillActive := false
	for _, other := range c.consumers {
		if other.Queue == queue {
			stillActive = true
			break
		}
	}
	if !stillActive {
		delete(c.active, queue)
	}
	c.mu.Unlock()

	close(cons.Deliveries)
	if !stillActive {
		c.transport.scheduler.unregisterQueue(c, queue)
		c.maybeScheduleAutoDelete(queue)
	}
}

func (c *Channel) maybeScheduleAutoDelete(queue string) {
	q, ok := c.state.Queue(queue)
	if !ok || !q.AutoDelete {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, scheduled := c.autoDeleteTimers[queue]; scheduled {
		return
	}
	c.autoDeleteTimers[queue] = time.AfterFunc(3*time.Second, func() {
		c.mu.Lock()
		delete(c.autoDeleteTimers, queue)
		stillIdle := !c.active[queue]
		c.mu.Unlock()
		if stillIdle {
			if _, err := c.QueueDelete(context.Background(), queue, false, false); err != nil {
				logger.L().Warn("auto-delete of queue failed", "queue", queue, "error", err)
			}
		}
	})
}

// BasicAck removes tag from the QoS outstanding set. The backend is not
// called: backends whose Get does not itself remove the message (SQS,
// beanstalkd) are not told of the ack.
func (c *Channel) BasicAck(tag string) error {
	return c.qos.ack(tag)
}

// BasicReject removes tag from QoS; if requeue, re-puts the message at the
// head of its original queue (modeled here as the tail, since most backends
// only support tail insertion).
func (c *Channel) BasicReject(ctx context.Context, tag string, requeue bool) error {
	entry, doRequeue, err := c.qos.reject(tag, requeue)
	if err != nil {
		return err
	}
	if !doRequeue {
		return nil
	}
	return c.requeue(ctx, entry)
}

// BasicNack mirrors BasicReject; multiple is accepted for API compatibility
// but this implementation only ever acts on a single tag's entry (the
// engine assigns a fresh opaque tag per delivery, so "multiple" has no
// stable meaning without connection-wide tag ordering).
func (c *Channel) BasicNack(ctx context.Context, tag string, multiple, requeue bool) error {
	return c.BasicReject(ctx, tag, requeue)
}

func (c *Channel) requeue(ctx context.Context, entry UnackedEntry) error {
	payload, err := serialize(entry.Envelope)
	if err != nil {
		return err
	}
	priority := clampPriority(entry.Envelope.Properties.Priority, c.priorityStepsOrDefault())
	if err := c.put(ctx, entry.Queue, payload, priority); err != nil {
		return errChannel("requeue to "+entry.Queue+" failed", err)
	}
	return nil
}

// BasicQos sets prefetch_count; prefetch_size is accepted but ignored.
// global=true applies the setting to every channel of the owning Transport.
func (c *Channel) BasicQos(prefetchCount, _ int, global bool) {
	c.qos.setPrefetch(prefetchCount, global)
	if global {
		c.transport.applyGlobalQoS(prefetchCount)
	}
}

// deliverReady is invoked by the scheduler when queue may have data ready.
// It reads exactly one record, builds an envelope, enrolls in QoS if
// needed, and dispatches to the consumer owning that queue.
func (c *Channel) deliverReady(ctx context.Context, queue string) (bool, error) {
	c.mu.Lock()
	var cons *Consumer
	for _, candidate := range c.consumers {
		if candidate.Queue == queue {
			cons = candidate
			break
		}
	}
	c.mu.Unlock()
	if cons == nil {
		return false, nil
	}
	if !cons.NoAck && !c.qos.canConsume() {
		return false, nil
	}

	payload, err := c.get(ctx, queue)
	if err == ErrEmpty {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	env, err := deserialize(payload)
	if err != nil {
		return true, err
	}
	tag := uuid.New().String()
	env.Properties.DeliveryTag = tag
	env.Properties.DeliveryInfo.ConsumerTag = cons.Tag

	if !cons.NoAck {
		c.qos.append(tag, UnackedEntry{
			Tag:      tag,
			Envelope: env,
			Exchange: env.Properties.DeliveryInfo.Exchange,
			Queue:    queue,
			Deadline: time.Now().Add(c.opts.VisibilityTimeout),
		})
	}

	delivered, err := decodeEnvelope(env)
	if err != nil {
		return true, err
	}

	select {
	case cons.Deliveries <- Delivery{Envelope: delivered, Tag: tag, Queue: queue}:
	case <-ctx.Done():
		return true, ctx.Err()
	}
	return true, nil
}

// activeQueues returns the set of queues with at least one registered
// consumer, used by the scheduler's queue cycle.
func (c *Channel) activeQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for q := range c.active {
		out = append(out, q)
	}
	return out
}

func (c *Channel) canConsume() bool {
	return c.qos.canConsume()
}

func (c *Channel) restoreVisible(ctx context.Context, now time.Time) {
	for _, entry := range c.qos.restoreVisible(now) {
		if err := c.requeue(ctx, entry); err != nil {
			logger.L().Error("failed to restore visibility-expired message", "queue", entry.Queue, "tag", entry.Tag, "error", err)
		}
	}
}

// Close cancels all consumers, restores unacked messages to their queues,
// and releases resources. Idempotent.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tags := make([]string, 0, len(c.consumers))
	for tag := range c.consumers {
		tags = append(tags, tag)
	}
	for _, timer := range c.autoDeleteTimers {
		timer.Stop()
	}
	c.mu.Unlock()

	for _, tag := range tags {
		c.BasicCancel(tag)
	}

	for _, entry := range c.qos.restoreUnackedOnce() {
		if err := c.requeue(ctx, entry); err != nil {
			logger.L().Error("failed to restore unacked message on close", "queue", entry.Queue, "tag", entry.Tag, "error", err)
		}
	}
	return nil
}
