package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const recordTimeout = 5 * time.Second

// AsyncRecorder decouples the call path from the audit sink. Record never
// blocks: events queue into a bounded buffer and a worker drains them; when
// the buffer is full the event is dropped and counted.
type AsyncRecorder struct {
	inner   Recorder
	events  chan Event
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  sync.Once
	dropped atomic.Int64
}

func NewAsyncRecorder(inner Recorder, buffer int, logger *slog.Logger) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &AsyncRecorder{
		inner:  inner,
		events: make(chan Event, buffer),
		logger: logger,
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *AsyncRecorder) Record(_ context.Context, event Event) error {
	select {
	case r.events <- stamp(event):
	default:
		r.dropped.Add(1)
		r.logger.Warn("audit buffer full, event dropped", "event", event.Event)
	}
	return nil
}

func (r *AsyncRecorder) drain() {
	defer r.wg.Done()
	for event := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := r.inner.Record(ctx, event); err != nil {
			r.logger.Error("audit record failed", "event", event.Event, "error", err)
		}
		cancel()
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits for the buffer to drain.
func (r *AsyncRecorder) Close() {
	r.closed.Do(func() { close(r.events) })
	r.wg.Wait()
}
