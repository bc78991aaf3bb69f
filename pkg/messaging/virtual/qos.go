package virtual

import (
	"container/heap"
	"time"

	"github.com/fenwick-systems/vtransport/pkg/concurrency"
	"github.com/fenwick-systems/vtransport/pkg/logger"
)

// qosManager is the per-channel outstanding-message tracker: prefetch
// gating, delivery-tag bookkeeping, and visibility-timeout restoration.
type qosManager struct {
	mu *concurrency.SmartMutex

	prefetchCount int
	global        bool

	outstanding map[string]UnackedEntry
	deadlines   deadlineHeap
}

func newQoSManager() *qosManager {
	return &qosManager{
		mu:          concurrency.NewSmartMutex(concurrency.MutexConfig{Name: "qos"}),
		outstanding: make(map[string]UnackedEntry),
	}
}

func (q *qosManager) setPrefetch(count int, global bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prefetchCount = count
	q.global = global
}

// canConsume reports whether another message may be dispatched without
// exceeding prefetch_count (0 means unlimited).
func (q *qosManager) canConsume() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.prefetchCount == 0 || len(q.outstanding) < q.prefetchCount
}

func (q *qosManager) outstandingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.outstanding)
}

func (q *qosManager) append(tag string, entry UnackedEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outstanding[tag] = entry
	heap.Push(&q.deadlines, deadlineEntry{tag: tag, deadline: entry.Deadline})
}

// ack removes tag from the outstanding set. Acking an unknown tag is an
// InconsistentState condition, logged but non-fatal.
func (q *qosManager) ack(tag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.outstanding[tag]; !ok {
		logger.L().Warn("ack of unknown delivery tag", "tag", tag)
		return errInconsistentState("unknown delivery tag: " + tag)
	}
	delete(q.outstanding, tag)
	return nil
}

// reject removes tag from the outstanding set and, if requeue is true,
// returns the UnackedEntry so the caller can re-put it into its queue.
func (q *qosManager) reject(tag string, requeue bool) (UnackedEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.outstanding[tag]
	if !ok {
		logger.L().Warn("reject of unknown delivery tag", "tag", tag)
		return UnackedEntry{}, false, errInconsistentState("unknown delivery tag: " + tag)
	}
	delete(q.outstanding, tag)
	return entry, requeue, nil
}

// restoreVisible pops every entry whose deadline has elapsed, marks its
// envelope redelivered, and returns them for the caller to re-put.
func (q *qosManager) restoreVisible(now time.Time) []UnackedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var restored []UnackedEntry
	for q.deadlines.Len() > 0 && q.deadlines[0].deadline.Compare(now) <= 0 {
		de := heap.Pop(&q.deadlines).(deadlineEntry)
		entry, ok := q.outstanding[de.tag]
		if !ok {
			continue // already acked/rejected since being scheduled
		}
		delete(q.outstanding, de.tag)
		entry.Envelope.Properties.DeliveryInfo.Redelivered = true
		if entry.Envelope.Headers == nil {
			entry.Envelope.Headers = make(map[string]any)
		}
		entry.Envelope.Headers["redelivered"] = true
		restored = append(restored, entry)
	}
	return restored
}

// restoreUnackedOnce returns every currently outstanding entry, in
// insertion-order-independent form (channel close does not guarantee
// original publish order across queues), clearing the outstanding set.
func (q *qosManager) restoreUnackedOnce() []UnackedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]UnackedEntry, 0, len(q.outstanding))
	for tag, entry := range q.outstanding {
		entry.Envelope.Properties.DeliveryInfo.Redelivered = true
		if entry.Envelope.Headers == nil {
			entry.Envelope.Headers = make(map[string]any)
		}
		entry.Envelope.Headers["redelivered"] = true
		out = append(out, entry)
		delete(q.outstanding, tag)
	}
	q.deadlines = nil
	return out
}

type deadlineEntry struct {
	tag      string
	deadline time.Time
}

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
