package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/secureyeoman/ai-gateway/internal/audit"
	"github.com/secureyeoman/ai-gateway/internal/domain"
	"github.com/secureyeoman/ai-gateway/internal/metrics"
	"github.com/secureyeoman/ai-gateway/internal/notify"
	"github.com/secureyeoman/ai-gateway/internal/telemetry"
	"github.com/secureyeoman/ai-gateway/internal/usage"
)

// hop is one (adapter, config) stop on the dispatch chain.
type hop struct {
	adapter Adapter
	config  domain.ModelConfig
}

// callState tracks one logical call across retries and fallback hops.
type callState struct {
	requestID     string
	personalityID string
	start         time.Time
	attempts      int
	attempted     []domain.Hop
}

func newCallState(req domain.Request) *callState {
	return &callState{
		requestID:     uuid.NewString(),
		personalityID: req.PersonalityID,
		start:         time.Now(),
	}
}

func validateRequest(req domain.Request) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", domain.ErrInvalidRequest)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem, domain.RoleTool:
		default:
			return fmt.Errorf("%w: unknown role %q", domain.ErrInvalidRequest, m.Role)
		}
	}
	return nil
}

// Chat dispatches a chat completion to the active model, retrying and
// falling back per the request's personality. The returned error is either a
// taxonomy error from the terminal hop or FallbackExhaustedError once every
// hop failed.
func (c *Client) Chat(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartSpan(ctx, "gateway.chat")
	defer span.End()

	st := newCallState(req)
	chain := c.buildChain(ctx, req.PersonalityID)

	var resp *domain.Response
	terminal, err := c.run(ctx, st, chain, func(ctx context.Context, h hop) error {
		r, callErr := h.adapter.Chat(ctx, req)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		c.finishFailure(ctx, span, st, terminal.config, err)
		return nil, err
	}

	c.finishSuccess(ctx, span, st, resp.Provider, resp.Model, resp.Usage)
	return resp, nil
}

// ChatStream dispatches a streaming chat call. Retry and fallback apply only
// until the first chunk arrives; from then on a failure surfaces as the
// stream's terminal error chunk, never as a silent retry.
func (c *Client) ChatStream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartSpan(ctx, "gateway.chat_stream")

	st := newCallState(req)
	chain := c.buildChain(ctx, req.PersonalityID)

	var inner <-chan domain.StreamChunk
	var first domain.StreamChunk
	terminal, err := c.run(ctx, st, chain, func(ctx context.Context, h hop) error {
		ch, callErr := h.adapter.ChatStream(ctx, req)
		if callErr != nil {
			return callErr
		}
		// Hold the stream until its first chunk so that an immediate failure
		// still lands inside the retry window.
		chunk, ok := <-ch
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &domain.ProviderUnavailableError{Provider: h.config.Provider, Message: "stream ended before any chunk"}
		}
		if chunk.Type == domain.ChunkError {
			for range ch {
			}
			if chunk.Err != nil {
				return chunk.Err
			}
			return &domain.ProviderUnavailableError{Provider: h.config.Provider, Message: "stream failed before any chunk"}
		}
		first = chunk
		inner = ch
		return nil
	})
	if err != nil {
		c.finishFailure(ctx, span, st, terminal.config, err)
		span.End()
		return nil, err
	}

	out := make(chan domain.StreamChunk)
	metrics.IncrementActiveStreams()
	go c.forwardStream(ctx, span, st, terminal.config, first, inner, out)
	return out, nil
}

// buildChain resolves the active snapshot plus the personality's fallback
// entries into the hop list. Entries naming a provider the factory cannot
// build are skipped with a warning rather than failing the call.
func (c *Client) buildChain(ctx context.Context, personalityID string) []hop {
	snap := c.active.Load()
	chain := []hop{{adapter: snap.adapter, config: snap.config}}

	if personalityID == "" || c.fallbacks == nil {
		return chain
	}
	p, err := c.fallbacks.Get(ctx, personalityID)
	if err != nil {
		if !errors.Is(err, domain.ErrPersonalityNotFound) {
			c.logger.Warn("fallback lookup failed", "personality_id", personalityID, "error", err)
		}
		return chain
	}

	for _, entry := range p.Fallbacks {
		cfg, err := c.factory.ConfigFor(entry.Provider, entry.Model)
		if err == nil {
			var adapter Adapter
			adapter, err = c.factory.New(ctx, cfg)
			if err == nil {
				chain = append(chain, hop{adapter: adapter, config: cfg})
				continue
			}
		}
		c.logger.Warn("skipping fallback entry",
			"personality_id", personalityID,
			"provider", entry.Provider,
			"model", entry.Model,
			"error", err,
		)
	}
	return chain
}

// run walks the chain in order, handing each hop to runHop, and reports the
// hop that produced the terminal outcome. Errors that are not eligible for
// fallback abort the whole call.
func (c *Client) run(ctx context.Context, st *callState, chain []hop, attempt func(context.Context, hop) error) (hop, error) {
	var last hop
	for i, h := range chain {
		last = h
		st.attempted = append(st.attempted, domain.Hop{Provider: h.config.Provider, Model: h.config.Model})

		if i > 0 {
			prev := chain[i-1].config
			c.logger.Warn("provider failed, trying fallback",
				"request_id", st.requestID,
				"from_provider", prev.Provider,
				"from_model", prev.Model,
				"to_provider", h.config.Provider,
				"to_model", h.config.Model,
			)
			metrics.RecordFailover(prev.Provider, h.config.Provider)
			c.notifyAsync(ctx, notify.Notification{
				Type:     notify.EventProviderFailover,
				Provider: h.config.Provider,
				Message:  fmt.Sprintf("failing over from %s/%s to %s/%s", prev.Provider, prev.Model, h.config.Provider, h.config.Model),
				Data:     map[string]any{"request_id": st.requestID},
			})
		}

		err := c.runHop(ctx, st, h, attempt)
		if err == nil {
			return h, nil
		}
		if !domain.FallbackEligible(err) {
			return h, err
		}
		if st.attempts >= maxAttemptsPerCall {
			break
		}
	}
	return last, &domain.FallbackExhaustedError{Attempted: st.attempted}
}

// runHop tries one hop, retrying transient failures with exponential backoff
// until the hop's retry budget or the per-call invocation ceiling runs out.
// A provider-supplied retry-after hint overrides the computed delay.
func (c *Client) runHop(ctx context.Context, st *callState, h hop, attempt func(context.Context, hop) error) error {
	cfg := h.config
	for try := 0; ; try++ {
		st.attempts++
		err := attempt(ctx, h)
		if err == nil {
			return nil
		}
		metrics.RecordProviderError(cfg.Provider, errorKind(err))
		if !domain.Retryable(err) || try >= cfg.MaxRetries || st.attempts >= maxAttemptsPerCall {
			return err
		}

		delay := backoffDelay(cfg.RetryDelay, try)
		if hint, ok := domain.RetryAfterHint(err); ok {
			delay = hint
			if delay > maxBackoff {
				delay = maxBackoff
			}
		}
		metrics.RecordRetry(cfg.Provider, cfg.Model)
		c.logger.Warn("provider error, retrying",
			"request_id", st.requestID,
			"provider", cfg.Provider,
			"model", cfg.Model,
			"attempt", try+1,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

// backoffDelay returns base * 2^try, capped at maxBackoff.
func backoffDelay(base time.Duration, try int) time.Duration {
	if base <= 0 {
		base = defaultRetryDelay
	}
	d := base << uint(try)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func errorKind(err error) string {
	var unavailable *domain.ProviderUnavailableError
	var invalid *domain.InvalidResponseError
	var auth *domain.AuthenticationError
	var limited *domain.RateLimitedError
	switch {
	case errors.As(err, &limited):
		return "rate_limited"
	case errors.As(err, &auth):
		return "authentication"
	case errors.As(err, &invalid):
		return "invalid_response"
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// forwardStream relays chunks to the caller and accounts the terminal
// outcome exactly once, even when the caller stops reading or the adapter
// closes without a terminal chunk. The output channel is always closed.
func (c *Client) forwardStream(ctx context.Context, span trace.Span, st *callState, cfg domain.ModelConfig, first domain.StreamChunk, inner <-chan domain.StreamChunk, out chan<- domain.StreamChunk) {
	defer close(out)
	defer span.End()
	defer metrics.DecrementActiveStreams()

	accounted := false
	deliver := func(chunk domain.StreamChunk) {
		metrics.RecordStreamChunk(cfg.Provider, string(chunk.Type))
		switch chunk.Type {
		case domain.ChunkDone:
			if !accounted {
				accounted = true
				var u domain.Usage
				if chunk.Usage != nil {
					u = *chunk.Usage
				}
				c.finishSuccess(ctx, span, st, cfg.Provider, cfg.Model, u)
			}
		case domain.ChunkError:
			if !accounted {
				accounted = true
				err := chunk.Err
				if err == nil {
					err = &domain.ProviderUnavailableError{Provider: cfg.Provider, Message: "stream failed"}
				}
				c.finishFailure(ctx, span, st, cfg, err)
			}
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
	}

	deliver(first)
	for chunk := range inner {
		deliver(chunk)
	}

	if !accounted {
		err := ctx.Err()
		if err == nil {
			err = &domain.ProviderUnavailableError{Provider: cfg.Provider, Message: "stream ended without a terminal chunk"}
		}
		c.finishFailure(ctx, span, st, cfg, err)
		select {
		case out <- domain.ErrChunk(err):
		case <-ctx.Done():
		}
	}
}

// finishSuccess performs the single accounting pass for a successful call:
// usage record, metrics, span attributes and the audit event.
func (c *Client) finishSuccess(ctx context.Context, span trace.Span, st *callState, provider, model string, u domain.Usage) {
	latency := time.Since(st.start)
	costUSD := c.costs.Cost(provider, model, u.InputTokens, u.OutputTokens, u.CachedInputTokens)

	ctx = context.WithoutCancel(ctx)
	c.tracker.Accumulate(ctx, provider, model, st.personalityID, usage.Delta{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CachedTokens: u.CachedInputTokens,
		CostUSD:      costUSD,
		LatencyMs:    latency.Milliseconds(),
	})

	metrics.RecordRequest(provider, model, "success", latency.Seconds())
	metrics.RecordTokens(provider, model, u.InputTokens, u.OutputTokens)
	metrics.RecordCost(provider, model, costUSD)

	telemetry.AddDispatchAttributes(span, provider, model, st.requestID, st.personalityID)
	telemetry.AddTokenAttributes(span, u.InputTokens, u.OutputTokens, u.CachedInputTokens)
	telemetry.AddCostAttribute(span, costUSD)
	telemetry.AddAttemptAttributes(span, st.attempts, len(st.attempted))

	meta := map[string]any{
		"provider":      provider,
		"model":         model,
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"cost_usd":      costUSD,
		"latency_ms":    latency.Milliseconds(),
		"attempts":      st.attempts,
	}
	if st.personalityID != "" {
		meta["personality_id"] = st.personalityID
	}
	c.recordAudit(ctx, audit.Event{
		Event:     audit.EventAIRequest,
		Level:     audit.LevelInfo,
		Message:   "chat completed",
		RequestID: st.requestID,
		Metadata:  meta,
	})
}

// finishFailure performs the single accounting pass for a failed call,
// tagged with the hop that produced the terminal outcome.
func (c *Client) finishFailure(ctx context.Context, span trace.Span, st *callState, cfg domain.ModelConfig, callErr error) {
	latency := time.Since(st.start)

	ctx = context.WithoutCancel(ctx)
	c.tracker.Accumulate(ctx, cfg.Provider, cfg.Model, st.personalityID, usage.Delta{
		LatencyMs: latency.Milliseconds(),
		IsError:   true,
	})

	metrics.RecordRequest(cfg.Provider, cfg.Model, "error", latency.Seconds())
	telemetry.AddDispatchAttributes(span, cfg.Provider, cfg.Model, st.requestID, st.personalityID)
	telemetry.AddAttemptAttributes(span, st.attempts, len(st.attempted))
	telemetry.AddErrorAttribute(span, callErr)

	var exhausted *domain.FallbackExhaustedError
	if errors.As(callErr, &exhausted) {
		metrics.RecordFallbackExhausted()
		hops := make([]string, len(exhausted.Attempted))
		for i, h := range exhausted.Attempted {
			hops[i] = h.Provider + "/" + h.Model
		}
		c.notifyAsync(ctx, notify.Notification{
			Type:     notify.EventFallbackExhausted,
			Provider: cfg.Provider,
			Message:  "all providers failed for chat request",
			Data:     map[string]any{"request_id": st.requestID, "attempted": hops},
		})
		c.recordAudit(ctx, audit.Event{
			Event:     audit.EventFallbackExhausted,
			Level:     audit.LevelCritical,
			Message:   "fallback chain exhausted",
			RequestID: st.requestID,
			Metadata:  map[string]any{"attempted": hops, "attempts": st.attempts},
		})
		return
	}

	c.recordAudit(ctx, audit.Event{
		Event:     audit.EventAIRequestFailed,
		Level:     audit.LevelError,
		Message:   "chat failed",
		RequestID: st.requestID,
		Metadata: map[string]any{
			"provider": cfg.Provider,
			"model":    cfg.Model,
			"error":    callErr.Error(),
			"kind":     errorKind(callErr),
			"attempts": st.attempts,
		},
	})
}
