package logger

import (
	"context"
	"log/slog"
	"sync"
)

// AsyncHandler buffers records and hands them to the wrapped handler from a
// single background goroutine, so callers on the hot path never block on I/O.
type AsyncHandler struct {
	next       slog.Handler
	records    chan asyncRecord
	dropOnFull bool
	closeOnce  sync.Once
	done       chan struct{}
}

// asyncRecord carries the handler a WithAttrs/WithGroup derivative was bound
// to alongside the record, so the single background goroutine applies the
// right attrs/group state regardless of which derived handler enqueued it.
type asyncRecord struct {
	ctx  context.Context
	r    slog.Record
	next slog.Handler
}

// NewAsyncHandler wraps next with a buffered channel of the given size. When
// dropOnFull is true, records are dropped rather than blocking the caller
// once the buffer fills; otherwise the caller blocks until space is free.
func NewAsyncHandler(next slog.Handler, bufferSize int, dropOnFull bool) *AsyncHandler {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	h := &AsyncHandler{
		next:       next,
		records:    make(chan asyncRecord, bufferSize),
		dropOnFull: dropOnFull,
		done:       make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *AsyncHandler) loop() {
	for rec := range h.records {
		_ = rec.next.Handle(rec.ctx, rec.r)
	}
	close(h.done)
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := asyncRecord{ctx: ctx, r: r.Clone(), next: h.next}
	if h.dropOnFull {
		select {
		case h.records <- rec:
		default:
			// buffer full: drop rather than stall the caller.
		}
		return nil
	}
	h.records <- rec
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), records: h.records, dropOnFull: h.dropOnFull, done: h.done}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), records: h.records, dropOnFull: h.dropOnFull, done: h.done}
}

// Close stops accepting new records and waits for the buffer to drain.
func (h *AsyncHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.records)
	})
	<-h.done
}
