// Package notify delivers operator notifications for gateway events:
// spend thresholds, provider failover, fallback exhaustion.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

type EventType string

const (
	EventSpendWarning      EventType = "spend_warning"
	EventSpendCritical     EventType = "spend_critical"
	EventSpendExceeded     EventType = "spend_exceeded"
	EventProviderFailover  EventType = "provider_failover"
	EventFallbackExhausted EventType = "fallback_exhausted"
)

type Notification struct {
	Type     EventType      `json:"type"`
	Provider string         `json:"provider,omitempty"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// LogNotifier writes notifications to the structured log. It is the default
// backend when no SNS topic is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, notification Notification) error {
	n.logger.Warn("gateway notification",
		"type", notification.Type,
		"provider", notification.Provider,
		"message", notification.Message,
	)
	return nil
}

// InMemoryNotifier records notifications for tests.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{notifications: make([]Notification, 0)}
}

func (n *InMemoryNotifier) Send(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = n.notifications[:0]
}
