// Package ratelimit bounds inbound chat traffic per caller. The in-memory
// backend counts in fixed one-minute windows; the redis backend keeps a
// sliding window shared across gateway instances.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const windowDuration = time.Minute

// RateLimiter reports whether a caller may proceed, along with the remaining
// quota and when the window resets. A non-positive limit disables limiting,
// matching a model config with no requests-per-minute set.
type RateLimiter interface {
	Allow(ctx context.Context, caller string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryRateLimiter keeps per-caller windows in process memory, for
// single-instance deployments.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
	}
}

func (r *InMemoryRateLimiter) Allow(_ context.Context, caller string, limit int) (bool, int, time.Time, error) {
	now := time.Now()
	if limit <= 0 {
		return true, 0, now.Add(windowDuration), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[caller]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(windowDuration)}
		r.windows[caller] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}
