// Package gateway dispatches chat calls to the active model. It retries
// transient provider failures, walks the personality's fallback chain in
// order when a hop is exhausted, and accounts every terminal outcome exactly
// once: one usage record and one audit record, success or failure.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/secureyeoman/ai-gateway/internal/audit"
	"github.com/secureyeoman/ai-gateway/internal/cost"
	"github.com/secureyeoman/ai-gateway/internal/domain"
	"github.com/secureyeoman/ai-gateway/internal/metrics"
	"github.com/secureyeoman/ai-gateway/internal/notify"
	"github.com/secureyeoman/ai-gateway/internal/usage"
)

const (
	// maxAttemptsPerCall caps adapter invocations across the whole chain so
	// a pathological retry configuration cannot spin for minutes.
	maxAttemptsPerCall = 10

	maxBackoff        = 30 * time.Second
	defaultRetryDelay = time.Second
	notifyTimeout     = 5 * time.Second
)

// Adapter is the contract every provider backend satisfies. Chat and
// ChatStream return taxonomy errors from the domain package; Models is
// best-effort and reports nothing on failure.
type Adapter interface {
	Provider() string
	Chat(ctx context.Context, req domain.Request) (*domain.Response, error)
	ChatStream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, error)
	Models(ctx context.Context) []domain.ModelInfo
}

// FallbackSource resolves the personality named by a request to its stored
// fallback chain.
type FallbackSource interface {
	Get(ctx context.Context, id string) (*domain.Personality, error)
}

// AdapterFactory builds adapters from model configs and owns the provider
// allow-list. *Factory is the production implementation.
type AdapterFactory interface {
	Providers() []string
	ConfigFor(provider, model string) (domain.ModelConfig, error)
	New(ctx context.Context, cfg domain.ModelConfig) (Adapter, error)
}

// snapshot binds an adapter to the config it was built from. Calls load it
// once at dispatch and keep it for their whole lifetime, so a concurrent
// model switch never changes a call midway.
type snapshot struct {
	adapter Adapter
	config  domain.ModelConfig
}

// Client is the gateway entry point. All methods are safe for concurrent
// use.
type Client struct {
	factory   AdapterFactory
	fallbacks FallbackSource
	tracker   *usage.Tracker
	costs     *cost.Calculator
	auditor   audit.Recorder
	notifier  notify.Notifier
	logger    *slog.Logger

	active atomic.Pointer[snapshot]

	// sleep is swapped by tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Config carries the collaborators a Client is wired with. Factory and Model
// are required; everything else falls back to an in-process default.
type Config struct {
	Model     domain.ModelConfig
	Factory   AdapterFactory
	Fallbacks FallbackSource
	Tracker   *usage.Tracker
	Costs     *cost.Calculator
	Audit     audit.Recorder
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

// New builds a gateway client around cfg.Model. Construction performs no
// network I/O: a bad credential or unreachable backend surfaces on the first
// call, not here.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("gateway: factory is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = usage.NewTracker(usage.NewMemoryStorage(), logger)
	}
	costs := cfg.Costs
	if costs == nil {
		costs = cost.NewCalculator()
	}
	auditor := cfg.Audit
	if auditor == nil {
		auditor = audit.NewLogRecorder(logger)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	adapter, err := cfg.Factory.New(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}

	c := &Client{
		factory:   cfg.Factory,
		fallbacks: cfg.Fallbacks,
		tracker:   tracker,
		costs:     costs,
		auditor:   auditor,
		notifier:  notifier,
		logger:    logger,
		sleep:     sleepCtx,
	}
	c.active.Store(&snapshot{adapter: adapter, config: cfg.Model})
	return c, nil
}

// SwitchModel makes provider/model the active target for new calls. The
// provider must be one the factory was configured with. In-flight calls
// finish on the snapshot they started with, and usage history carries over
// untouched.
func (c *Client) SwitchModel(ctx context.Context, provider, model string) error {
	if provider == "" || model == "" {
		return fmt.Errorf("%w: provider and model are required", domain.ErrInvalidRequest)
	}
	cfg, err := c.factory.ConfigFor(provider, model)
	if err != nil {
		return err
	}
	return c.SwitchToConfig(ctx, cfg)
}

// SwitchToConfig installs a fully specified model config. Used at startup to
// apply a persisted default, which may carry overrides beyond what
// SwitchModel derives from the factory templates.
func (c *Client) SwitchToConfig(ctx context.Context, cfg domain.ModelConfig) error {
	adapter, err := c.factory.New(ctx, cfg)
	if err != nil {
		return err
	}

	prev := c.active.Swap(&snapshot{adapter: adapter, config: cfg})

	metrics.RecordModelSwitch(cfg.Provider, cfg.Model)
	c.logger.Info("model switched",
		"provider", cfg.Provider,
		"model", cfg.Model,
		"previous_provider", prev.config.Provider,
		"previous_model", prev.config.Model,
	)
	c.recordAudit(ctx, audit.Event{
		Event:   audit.EventModelSwitched,
		Level:   audit.LevelInfo,
		Message: "active model switched",
		Metadata: map[string]any{
			"provider":          cfg.Provider,
			"model":             cfg.Model,
			"previous_provider": prev.config.Provider,
			"previous_model":    prev.config.Model,
		},
	})
	return nil
}

// Current returns the config of the active model.
func (c *Client) Current() domain.ModelConfig {
	return c.active.Load().config
}

// Providers returns the provider names the factory can build, sorted.
func (c *Client) Providers() []string {
	return c.factory.Providers()
}

// UsageStats reports today's and the month-to-date usage totals.
func (c *Client) UsageStats(ctx context.Context) (usage.Stats, error) {
	return c.tracker.Stats(ctx)
}

// Tracker exposes the usage tracker for reset and prune operations.
func (c *Client) Tracker() *usage.Tracker {
	return c.tracker
}

// Costs exposes the pricing calculator.
func (c *Client) Costs() *cost.Calculator {
	return c.costs
}

// AvailableModels lists models per configured provider, queried in
// parallel. Providers that are unreachable or list nothing are absent from
// the result.
func (c *Client) AvailableModels(ctx context.Context) map[string][]domain.ModelInfo {
	out := make(map[string][]domain.ModelInfo)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range c.factory.Providers() {
		cfg, err := c.factory.ConfigFor(name, "")
		if err != nil {
			continue
		}
		adapter, err := c.factory.New(ctx, cfg)
		if err != nil {
			c.logger.Warn("skipping provider for model listing", "provider", name, "error", err)
			continue
		}
		wg.Add(1)
		go func(name string, adapter Adapter) {
			defer wg.Done()
			models := adapter.Models(ctx)
			if len(models) == 0 {
				return
			}
			mu.Lock()
			out[name] = models
			mu.Unlock()
		}(name, adapter)
	}
	wg.Wait()
	return out
}

// recordAudit forwards an audit event, detached from the caller's
// cancellation so a terminal record still lands after the caller gave up.
func (c *Client) recordAudit(ctx context.Context, event audit.Event) {
	if err := c.auditor.Record(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Warn("audit record failed", "event", event.Event, "error", err)
	}
}

// notifyAsync fires an operator notification without blocking the call
// path.
func (c *Client) notifyAsync(ctx context.Context, n notify.Notification) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := c.notifier.Send(ctx, n); err != nil {
			c.logger.Warn("notification delivery failed", "type", n.Type, "error", err)
		}
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
