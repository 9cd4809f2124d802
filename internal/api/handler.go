package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/secureyeoman/ai-gateway/internal/auth"
	"github.com/secureyeoman/ai-gateway/internal/cache"
	"github.com/secureyeoman/ai-gateway/internal/cost"
	"github.com/secureyeoman/ai-gateway/internal/domain"
	"github.com/secureyeoman/ai-gateway/internal/gateway"
	"github.com/secureyeoman/ai-gateway/internal/metrics"
	"github.com/secureyeoman/ai-gateway/internal/ratelimit"
	"github.com/secureyeoman/ai-gateway/internal/repository"
)

const version = "1.0.0"

type HandlerConfig struct {
	Gateway       *gateway.Client
	Personalities repository.PersonalityStore
	DefaultModel  repository.DefaultModelStore
	Verifier      *auth.Verifier
	RateLimiter   ratelimit.RateLimiter
	ModelCache    cache.ModelCache
	CacheTTL      time.Duration
	Readiness     []HealthChecker
}

type Handler struct {
	gw            *gateway.Client
	personalities repository.PersonalityStore
	defaults      repository.DefaultModelStore
	verifier      *auth.Verifier
	limiter       ratelimit.RateLimiter
	modelCache    cache.ModelCache
	cacheTTL      time.Duration
	checkers      []HealthChecker
	mux           *http.ServeMux
}

// NewHandler builds the control-plane HTTP surface over a gateway client.
// Gateway is required; every other collaborator has an in-memory default.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Personalities == nil {
		cfg.Personalities = repository.NewInMemoryPersonalityStore()
	}
	if cfg.DefaultModel == nil {
		cfg.DefaultModel = repository.NewInMemoryDefaultModelStore()
	}
	if cfg.Verifier == nil {
		cfg.Verifier = auth.NewVerifier("")
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = ratelimit.NewInMemoryRateLimiter()
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	h := &Handler{
		gw:            cfg.Gateway,
		personalities: cfg.Personalities,
		defaults:      cfg.DefaultModel,
		verifier:      cfg.Verifier,
		limiter:       cfg.RateLimiter,
		modelCache:    cfg.ModelCache,
		cacheTTL:      cfg.CacheTTL,
		checkers:      cfg.Readiness,
		mux:           http.NewServeMux(),
	}

	operator := h.verifier.Require

	h.mux.HandleFunc("POST /v1/chat", h.handleChat)
	h.mux.HandleFunc("GET /v1/models", h.handleModels)
	h.mux.HandleFunc("GET /v1/model/info", h.handleModelInfo)
	h.mux.Handle("POST /v1/model/switch", operator(http.HandlerFunc(h.handleModelSwitch)))
	h.mux.HandleFunc("GET /v1/model/default", h.handleGetDefault)
	h.mux.Handle("POST /v1/model/default", operator(http.HandlerFunc(h.handleSetDefault)))
	h.mux.Handle("DELETE /v1/model/default", operator(http.HandlerFunc(h.handleClearDefault)))
	h.mux.HandleFunc("GET /v1/personalities/{id}/fallbacks", h.handleGetFallbacks)
	h.mux.Handle("PUT /v1/personalities/{id}/fallbacks", operator(http.HandlerFunc(h.handleSetFallbacks)))
	h.mux.HandleFunc("GET /v1/usage", h.handleUsage)
	h.mux.Handle("POST /v1/usage/errors/reset", operator(http.HandlerFunc(h.handleResetErrors)))
	h.mux.Handle("POST /v1/usage/latency/reset", operator(http.HandlerFunc(h.handleResetLatency)))
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	caller := callerKey(r)
	limit := h.gw.Current().MaxRequestsPerMinute
	allowed, remaining, resetAt, err := h.limiter.Allow(ctx, caller, limit)
	if err != nil {
		// A broken limiter must not take chat down with it.
		slog.Warn("rate limiter unavailable, allowing request", "error", err, "request_id", requestID)
		allowed = true
	}

	if limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))
	}

	if !allowed {
		metrics.RecordRateLimitHit(caller)
		slog.Warn("rate limit exceeded", "caller", caller, "request_id", requestID)
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	var req domain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if req.Stream {
		h.streamChat(w, r, req, requestID)
		return
	}

	start := time.Now()
	resp, err := h.gw.Chat(ctx, req)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	slog.Info("chat completed",
		"request_id", requestID,
		"provider", resp.Provider,
		"model", resp.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(resp)
}

// streamEvent is the wire form of a stream chunk. The chunk's error does
// not marshal, so a terminal failure carries its message separately.
type streamEvent struct {
	domain.StreamChunk
	Error string `json:"error,omitempty"`
}

func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, req domain.Request, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	ch, err := h.gw.ChatStream(r.Context(), req)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", requestID)

	for chunk := range ch {
		event := streamEvent{StreamChunk: chunk}
		if chunk.Type == domain.ChunkError && chunk.Err != nil {
			event.Error = chunk.Err.Error()
		}

		data, err := json.Marshal(event)
		if err != nil {
			slog.Error("marshal stream chunk", "error", err, "request_id", requestID)
			continue
		}

		w.Write([]byte("data: " + string(data) + "\n\n"))
		flusher.Flush()
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// listModels serves the provider listing through the TTL cache when one is
// configured. The second return reports whether the cache answered.
func (h *Handler) listModels(ctx context.Context) (cache.Listing, bool) {
	key := cache.ListingKey(h.gw.Providers())

	if h.modelCache != nil {
		if listing, ok := h.modelCache.Get(ctx, key); ok {
			return listing, true
		}
	}

	listing := cache.Listing(h.gw.AvailableModels(ctx))

	if h.modelCache != nil {
		if err := h.modelCache.Set(ctx, key, listing, h.cacheTTL); err != nil {
			slog.Warn("failed to cache model listing", "error", err)
		}
	}

	return listing, false
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	listing, cached := h.listModels(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	json.NewEncoder(w).Encode(map[string]any{"models": listing})
}

type currentModel struct {
	Provider    string             `json:"provider"`
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Pricing     *cost.ModelPricing `json:"pricing,omitempty"`
}

type modelInfoResponse struct {
	Current   currentModel  `json:"current"`
	Providers []string      `json:"providers"`
	Available cache.Listing `json:"available"`
}

func (h *Handler) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	current := h.gw.Current()

	info := modelInfoResponse{
		Current: currentModel{
			Provider:    current.Provider,
			Model:       current.Model,
			MaxTokens:   current.MaxTokens,
			Temperature: current.Temperature,
		},
		Providers: h.gw.Providers(),
	}
	if pricing, ok := h.gw.Costs().Pricing(current.Provider, current.Model); ok {
		info.Current.Pricing = &pricing
	}

	listing, _ := h.listModels(r.Context())
	info.Available = listing

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := h.gw.UsageStats(r.Context())
	if err != nil {
		slog.Error("failed to load usage stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load usage stats")
		return
	}

	stats.Today.CostUSD = cost.Round(stats.Today.CostUSD)
	stats.MonthToDate.CostUSD = cost.Round(stats.MonthToDate.CostUSD)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// writeGatewayError maps a dispatch error onto the HTTP surface. Nothing is
// written when the caller is already gone.
func (h *Handler) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}

	status, kind := errorStatus(err)
	if hint, ok := domain.RetryAfterHint(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(hint/time.Second)))
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "kind", kind, "error", err)
	}
	writeError(w, status, kind, err.Error())
}

// errorStatus maps taxonomy errors to a status code and a machine-readable
// kind for the error envelope.
func errorStatus(err error) (int, string) {
	var exhausted *domain.FallbackExhaustedError
	var limited *domain.RateLimitedError
	var authErr *domain.AuthenticationError
	var invalid *domain.InvalidResponseError
	var unavailable *domain.ProviderUnavailableError

	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrProviderNotFound):
		return http.StatusNotFound, "provider_not_found"
	case errors.As(err, &exhausted):
		return http.StatusBadGateway, "fallback_exhausted"
	case errors.As(err, &limited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &authErr):
		return http.StatusBadGateway, "authentication"
	case errors.As(err, &invalid):
		return http.StatusBadGateway, "invalid_response"
	case errors.As(err, &unavailable):
		return http.StatusBadGateway, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// callerKey identifies the requesting client for rate limiting: the first
// forwarded address when one is present, otherwise the peer address.
func callerKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    status,
		},
	})
}
