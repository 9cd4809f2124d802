// Package audit forwards gateway activity to the platform's audit chain.
// Recording is best-effort: a sink failure must never fail the call it
// describes.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	EventAIRequest         = "ai_request"
	EventAIRequestFailed   = "ai_request_failed"
	EventModelSwitched     = "model_switched"
	EventFallbackExhausted = "fallback_exhausted"
)

const (
	LevelInfo     = "info"
	LevelWarn     = "warn"
	LevelError    = "error"
	LevelCritical = "critical"
)

type Event struct {
	Event     string         `json:"event"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Recorder interface {
	Record(ctx context.Context, event Event) error
}

func stamp(event Event) Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

// LogRecorder writes audit events to the structured log, the default sink
// when no queue is configured.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, event Event) error {
	event = stamp(event)

	level := slog.LevelInfo
	switch event.Level {
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError, LevelCritical:
		level = slog.LevelError
	}

	r.logger.Log(ctx, level, "audit: "+event.Message,
		"event", event.Event,
		"request_id", event.RequestID,
		"metadata", event.Metadata,
	)
	return nil
}

// MemoryRecorder captures events for tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{events: make([]Event, 0)}
}

func (r *MemoryRecorder) Record(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stamp(event))
	return nil
}

func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Event, len(r.events))
	copy(result, r.events)
	return result
}

func (r *MemoryRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
}
