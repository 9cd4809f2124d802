// Package usage accumulates durable token/cost counters per
// (day, provider, model, personality) and serves the aggregate stats the
// dashboard and cost features read.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// Key identifies one accounting row.
type Key struct {
	Date          string `json:"date"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	PersonalityID string `json:"personality_id,omitempty"`
}

// Delta carries one terminal outcome's increments. All fields are additive,
// so concurrent finishers need no coordination beyond the storage write.
type Delta struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
	CostUSD      float64
	LatencyMs    int64
	IsError      bool
}

// Record is one accumulated row.
type Record struct {
	Key
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	CachedTokens   int64   `json:"cached_tokens"`
	TotalTokens    int64   `json:"total_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	Calls          int64   `json:"calls"`
	Errors         int64   `json:"errors"`
	LatencyTotalMs int64   `json:"latency_total_ms"`
}

type Storage interface {
	Add(ctx context.Context, key Key, delta Delta) error
	Query(ctx context.Context, since, until string) ([]Record, error)
	ResetErrors(ctx context.Context) error
	ResetLatency(ctx context.Context) error
	Prune(ctx context.Context, cutoff string) (int64, error)
}

// PeriodStats aggregates rows over a date range.
type PeriodStats struct {
	TotalTokens  int64   `json:"total_tokens"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CachedTokens int64   `json:"cached_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Calls        int64   `json:"calls"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type Stats struct {
	Today       PeriodStats `json:"today"`
	MonthToDate PeriodStats `json:"month_to_date"`
}

type Tracker struct {
	storage       Storage
	logger        *slog.Logger
	retentionDays int
	alert         *SpendAlert
	now           func() time.Time

	mu        sync.Mutex
	spendDate string
	spendUSD  float64
	seeded    bool
}

type TrackerOption func(*Tracker)

func WithRetentionDays(days int) TrackerOption {
	return func(t *Tracker) { t.retentionDays = days }
}

func WithSpendAlert(a *SpendAlert) TrackerOption {
	return func(t *Tracker) { t.alert = a }
}

func withClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(storage Storage, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		storage:       storage,
		logger:        logger,
		retentionDays: 90,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Accumulate records one terminal call outcome. Storage failures are logged
// and swallowed: accounting must never fail the call it accounts for.
func (t *Tracker) Accumulate(ctx context.Context, provider, model, personalityID string, delta Delta) {
	key := Key{
		Date:          t.now().Format(dateLayout),
		Provider:      provider,
		Model:         model,
		PersonalityID: personalityID,
	}

	if err := t.storage.Add(ctx, key, delta); err != nil {
		t.logger.Error("usage write failed", "provider", provider, "model", model, "error", err)
	}

	t.trackSpend(ctx, key.Date, delta.CostUSD)
}

func (t *Tracker) trackSpend(ctx context.Context, date string, costUSD float64) {
	if t.alert == nil {
		return
	}

	t.mu.Lock()
	if t.spendDate != date {
		t.spendDate = date
		t.spendUSD = 0
		t.seeded = false
	}
	if !t.seeded {
		t.seeded = true
		if records, err := t.storage.Query(ctx, date, date); err == nil {
			for _, r := range records {
				t.spendUSD += r.CostUSD
			}
			// The delta was already written above; avoid double counting.
			t.spendUSD -= costUSD
		}
	}
	t.spendUSD += costUSD
	spend := t.spendUSD
	t.mu.Unlock()

	t.alert.Check(ctx, date, spend)
}

// Stats aggregates today and the current month.
func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	now := t.now()
	today := now.Format(dateLayout)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).Format(dateLayout)

	records, err := t.storage.Query(ctx, monthStart, today)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	var todayLatency, monthLatency int64
	for _, r := range records {
		addRecord(&stats.MonthToDate, r)
		monthLatency += r.LatencyTotalMs
		if r.Date == today {
			addRecord(&stats.Today, r)
			todayLatency += r.LatencyTotalMs
		}
	}
	if stats.Today.Calls > 0 {
		stats.Today.AvgLatencyMs = float64(todayLatency) / float64(stats.Today.Calls)
	}
	if stats.MonthToDate.Calls > 0 {
		stats.MonthToDate.AvgLatencyMs = float64(monthLatency) / float64(stats.MonthToDate.Calls)
	}
	return stats, nil
}

func addRecord(p *PeriodStats, r Record) {
	p.TotalTokens += r.TotalTokens
	p.InputTokens += r.InputTokens
	p.OutputTokens += r.OutputTokens
	p.CachedTokens += r.CachedTokens
	p.CostUSD += r.CostUSD
	p.Calls += r.Calls
	p.Errors += r.Errors
}

// Records lists raw rows for a date range, for the usage API.
func (t *Tracker) Records(ctx context.Context, since, until string) ([]Record, error) {
	return t.storage.Query(ctx, since, until)
}

// ResetErrors zeroes error counters, keeping token and cost history.
func (t *Tracker) ResetErrors(ctx context.Context) error {
	return t.storage.ResetErrors(ctx)
}

// ResetLatency zeroes latency accumulators, keeping token and cost history.
func (t *Tracker) ResetLatency(ctx context.Context) error {
	return t.storage.ResetLatency(ctx)
}

// Prune deletes rows older than the retention window.
func (t *Tracker) Prune(ctx context.Context) (int64, error) {
	cutoff := t.now().AddDate(0, 0, -t.retentionDays).Format(dateLayout)
	return t.storage.Prune(ctx, cutoff)
}

// RunPruneLoop prunes once immediately, then daily, until ctx is done.
func (t *Tracker) RunPruneLoop(ctx context.Context) {
	prune := func() {
		deleted, err := t.Prune(ctx)
		if err != nil {
			t.logger.Error("usage prune failed", "error", err)
			return
		}
		if deleted > 0 {
			t.logger.Info("usage records pruned", "deleted", deleted, "retention_days", t.retentionDays)
		}
	}

	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			prune()
		case <-ctx.Done():
			return
		}
	}
}
