package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// DropReporter is implemented by loggers that shed records under load.
type DropReporter interface {
	OnDrop(fn func(level slog.Level))
}

// pending is a record together with the handler that must format it, so
// attributes added through With survive the hop to a worker.
type pending struct {
	h   slog.Handler
	rec slog.Record
}

// asyncQueue is shared by an AsyncHandler and every handler derived from it.
type asyncQueue struct {
	mu     sync.RWMutex // guards closed against sends on ch
	closed bool
	ch     chan pending
	wg     sync.WaitGroup

	dropped atomic.Int64
	onDrop  atomic.Pointer[func(slog.Level)]
}

// AsyncHandler moves log I/O off the caller's goroutine. Streamed chat
// deltas can produce bursts of debug and info records on the gateway read
// loop; when the buffer is full those are dropped and reported through the
// OnDrop hook. Warn and above are written synchronously instead of dropped.
type AsyncHandler struct {
	inner slog.Handler
	q     *asyncQueue
}

// NewAsyncHandler creates an AsyncHandler with the given buffer size and
// worker count.
func NewAsyncHandler(inner slog.Handler, bufSize, workers int) *AsyncHandler {
	q := &asyncQueue{ch: make(chan pending, bufSize)}
	for range workers {
		q.wg.Add(1)
		go q.drain()
	}
	return &AsyncHandler{inner: inner, q: q}
}

func (q *asyncQueue) drain() {
	defer q.wg.Done()
	for p := range q.ch {
		_ = p.h.Handle(context.Background(), p.rec)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. After Close, records are written directly.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.q.mu.RLock()
	if h.q.closed {
		h.q.mu.RUnlock()
		return h.inner.Handle(ctx, rec)
	}
	select {
	case h.q.ch <- pending{h: h.inner, rec: rec.Clone()}:
		h.q.mu.RUnlock()
		return nil
	default:
	}
	h.q.mu.RUnlock()

	if rec.Level >= slog.LevelWarn {
		return h.inner.Handle(ctx, rec)
	}
	h.q.dropped.Add(1)
	if fn := h.q.onDrop.Load(); fn != nil {
		(*fn)(rec.Level)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// OnDrop installs fn, called with the level of every dropped record. It
// must not log through this handler.
func (h *AsyncHandler) OnDrop(fn func(level slog.Level)) {
	h.q.onDrop.Store(&fn)
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.q.dropped.Load()
}

// Close flushes buffered records and stops the workers. A summary record is
// written if anything was dropped. Close is idempotent.
func (h *AsyncHandler) Close() {
	h.q.mu.Lock()
	if h.q.closed {
		h.q.mu.Unlock()
		return
	}
	h.q.closed = true
	close(h.q.ch)
	h.q.mu.Unlock()
	h.q.wg.Wait()

	if n := h.q.dropped.Load(); n > 0 {
		rec := slog.NewRecord(time.Now(), slog.LevelWarn, "log records dropped under load", 0)
		rec.AddAttrs(slog.Int64("dropped", n))
		_ = h.inner.Handle(context.Background(), rec)
	}
}
