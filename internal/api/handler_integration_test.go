//go:build integration

package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/secureyeoman/ai-gateway/internal/api"
	"github.com/secureyeoman/ai-gateway/internal/cache"
	"github.com/secureyeoman/ai-gateway/internal/domain"
	"github.com/secureyeoman/ai-gateway/internal/gateway"
	"github.com/secureyeoman/ai-gateway/internal/secrets"
	"github.com/secureyeoman/ai-gateway/internal/usage"
)

// newOllamaUpstream emulates the ollama wire format: single-object JSON for
// blocking chat, NDJSON for streaming, and /api/tags for the model listing.
func newOllamaUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			var req struct {
				Stream bool `json:"stream"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Stream {
				w.Header().Set("Content-Type", "application/x-ndjson")
				io.WriteString(w, `{"message":{"role":"assistant","content":"po"},"done":false}`+"\n")
				io.WriteString(w, `{"message":{"role":"assistant","content":"ng"},"done":false}`+"\n")
				io.WriteString(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":4}`+"\n")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"model":"llama3.2","message":{"role":"assistant","content":"pong"},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":4}`)
		case "/api/tags":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"models":[{"name":"llama3.2","size":2019393189}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestGatewayEndToEnd(t *testing.T) {
	upstream := newOllamaUpstream(t)
	defer upstream.Close()

	model := domain.ModelConfig{
		Provider:   "ollama",
		Model:      "llama3.2",
		BaseURL:    upstream.URL,
		MaxTokens:  256,
		RetryDelay: time.Millisecond,
	}
	templates := map[string]domain.ModelConfig{"ollama": model}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := gateway.NewFactory(upstream.Client(), secrets.NewMemoryKeyring(), "", templates)
	gw, err := gateway.New(context.Background(), gateway.Config{
		Model:   model,
		Factory: factory,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("gateway.New() error: %v", err)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:    gw,
		ModelCache: cache.NewInMemoryCache(),
		CacheTTL:   time.Minute,
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := srv.Client()

	t.Run("chat", func(t *testing.T) {
		resp, err := client.Post(srv.URL+"/v1/chat", "application/json",
			strings.NewReader(`{"messages":[{"role":"user","content":"ping"}]}`))
		if err != nil {
			t.Fatalf("POST /v1/chat error: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}

		var out domain.Response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if out.Content != "pong" {
			t.Errorf("content = %q, want %q", out.Content, "pong")
		}
		if out.Usage.TotalTokens != 16 {
			t.Errorf("total tokens = %d, want 16", out.Usage.TotalTokens)
		}
		if out.Provider != "ollama" {
			t.Errorf("provider = %q, want %q", out.Provider, "ollama")
		}
	})

	t.Run("chat stream", func(t *testing.T) {
		resp, err := client.Post(srv.URL+"/v1/chat", "application/json",
			strings.NewReader(`{"messages":[{"role":"user","content":"ping"}],"stream":true}`))
		if err != nil {
			t.Fatalf("POST /v1/chat error: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
			t.Errorf("Content-Type = %q, want text/event-stream", got)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		text := string(body)
		for _, want := range []string{`"content":"po"`, `"content":"ng"`, `"type":"done"`, "data: [DONE]"} {
			if !strings.Contains(text, want) {
				t.Errorf("stream missing %q:\n%s", want, text)
			}
		}
	})

	t.Run("models listing", func(t *testing.T) {
		resp, err := client.Get(srv.URL + "/v1/models")
		if err != nil {
			t.Fatalf("GET /v1/models error: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if got := resp.Header.Get("X-Cache"); got != "MISS" {
			t.Errorf("X-Cache = %q, want MISS", got)
		}
		if !strings.Contains(string(body), "llama3.2") {
			t.Errorf("body = %s, want model listing", body)
		}

		resp, err = client.Get(srv.URL + "/v1/models")
		if err != nil {
			t.Fatalf("GET /v1/models error: %v", err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("X-Cache"); got != "HIT" {
			t.Errorf("X-Cache = %q, want HIT", got)
		}
	})

	t.Run("usage accumulates", func(t *testing.T) {
		resp, err := client.Get(srv.URL + "/v1/usage")
		if err != nil {
			t.Fatalf("GET /v1/usage error: %v", err)
		}
		defer resp.Body.Close()

		var stats usage.Stats
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if stats.Today.Calls < 2 {
			t.Errorf("Today.Calls = %d, want at least 2", stats.Today.Calls)
		}
		if stats.Today.TotalTokens < 32 {
			t.Errorf("Today.TotalTokens = %d, want at least 32", stats.Today.TotalTokens)
		}
	})

	t.Run("model info", func(t *testing.T) {
		resp, err := client.Get(srv.URL + "/v1/model/info")
		if err != nil {
			t.Fatalf("GET /v1/model/info error: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		for _, want := range []string{`"provider":"ollama"`, `"model":"llama3.2"`} {
			if !strings.Contains(string(body), want) {
				t.Errorf("body missing %q: %s", want, body)
			}
		}
	})

	t.Run("health", func(t *testing.T) {
		resp, err := client.Get(srv.URL + "/health/ready")
		if err != nil {
			t.Fatalf("GET /health/ready error: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})
}
