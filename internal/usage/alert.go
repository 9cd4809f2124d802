package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/secureyeoman/ai-gateway/internal/notify"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// SpendAlert notifies the operator when daily spend crosses a threshold of
// the configured limit. Each level fires at most once per day.
type SpendAlert struct {
	dailyLimitUSD float64
	thresholds    Thresholds
	notifier      notify.Notifier
	logger        *slog.Logger

	mu        sync.Mutex
	lastDate  string
	lastLevel AlertLevel
}

func NewSpendAlert(dailyLimitUSD float64, thresholds Thresholds, notifier notify.Notifier, logger *slog.Logger) *SpendAlert {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpendAlert{
		dailyLimitUSD: dailyLimitUSD,
		thresholds:    thresholds,
		notifier:      notifier,
		logger:        logger,
	}
}

// Check evaluates today's spend against the limit. Spend only grows within a
// day, so levels escalate; a level already fired today stays silent.
func (a *SpendAlert) Check(ctx context.Context, date string, spendUSD float64) {
	if a.dailyLimitUSD <= 0 {
		return
	}

	percentage := spendUSD / a.dailyLimitUSD

	var level AlertLevel
	switch {
	case percentage >= 1.0:
		level = AlertLevelExceeded
	case percentage >= a.thresholds.Critical:
		level = AlertLevelCritical
	case percentage >= a.thresholds.Warning:
		level = AlertLevelWarning
	default:
		return
	}

	a.mu.Lock()
	if a.lastDate != date {
		a.lastDate = date
		a.lastLevel = ""
	}
	if a.lastLevel == level {
		a.mu.Unlock()
		return
	}
	a.lastLevel = level
	a.mu.Unlock()

	notification := notify.Notification{
		Type:    eventForLevel(level),
		Message: fmt.Sprintf("daily AI spend $%.2f is %.0f%% of the $%.2f limit", spendUSD, percentage*100, a.dailyLimitUSD),
		Data: map[string]any{
			"date":       date,
			"spend_usd":  spendUSD,
			"limit_usd":  a.dailyLimitUSD,
			"percentage": percentage * 100,
		},
	}

	if err := a.notifier.Send(ctx, notification); err != nil {
		a.logger.Error("spend alert delivery failed", "level", level, "error", err)
	}
}

func eventForLevel(level AlertLevel) notify.EventType {
	switch level {
	case AlertLevelExceeded:
		return notify.EventSpendExceeded
	case AlertLevelCritical:
		return notify.EventSpendCritical
	default:
		return notify.EventSpendWarning
	}
}
