package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(domain.ModelConfig{
		Provider: "ollama",
		Model:    "llama3:latest",
		BaseURL:  server.URL,
	}, server.Client())
}

func TestChat(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("expected /api/chat, got %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected stream=false")
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "Hello" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": "Hello from Ollama!"},
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        20,
		})
	})

	resp, err := adapter.Chat(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "Hello from Ollama!" {
		t.Errorf("expected content %q, got %q", "Hello from Ollama!", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 20 || resp.Usage.TotalTokens != 30 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Provider != "ollama" {
		t.Errorf("expected provider ollama, got %q", resp.Provider)
	}
	if resp.StopReason != domain.StopEndTurn {
		t.Errorf("expected stop reason end_turn, got %q", resp.StopReason)
	}
}

func TestChatErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{
			name:   "500 is unavailable",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				var unavailable *domain.ProviderUnavailableError
				if !errors.As(err, &unavailable) {
					t.Fatalf("expected ProviderUnavailableError, got %T: %v", err, err)
				}
			},
		},
		{
			name:   "404 is invalid response",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var invalid *domain.InvalidResponseError
				if !errors.As(err, &invalid) {
					t.Fatalf("expected InvalidResponseError, got %T: %v", err, err)
				}
			},
		},
		{
			name:       "429 is rate limited",
			status:     http.StatusTooManyRequests,
			retryAfter: "7",
			check: func(t *testing.T, err error) {
				var limited *domain.RateLimitedError
				if !errors.As(err, &limited) {
					t.Fatalf("expected RateLimitedError, got %T: %v", err, err)
				}
				if limited.RetryAfter != 7*time.Second {
					t.Errorf("expected 7s retry-after, got %s", limited.RetryAfter)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"model failure"}`)
			})

			_, err := adapter.Chat(context.Background(), domain.Request{
				Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
		})
	}
}

func TestChatConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := server.Client()
	server.Close()

	adapter := New(domain.ModelConfig{Model: "llama3", BaseURL: server.URL}, client)
	_, err := adapter.Chat(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})

	var unavailable *domain.ProviderUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ProviderUnavailableError, got %T: %v", err, err)
	}
}

func TestChatStream(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected stream=true")
		}
		fmt.Fprintln(w, `{"message":{"content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":" world"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true,"prompt_eval_count":5,"eval_count":10}`)
	})

	chunks, err := adapter.ChatStream(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []domain.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}

	if len(got) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(got))
	}
	if got[0].Type != domain.ChunkContentDelta || got[0].Content != "Hello" {
		t.Errorf("unexpected first chunk: %+v", got[0])
	}

	doneCount := 0
	for _, c := range got {
		if c.Type == domain.ChunkDone {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Fatalf("expected exactly one done chunk, got %d", doneCount)
	}

	last := got[len(got)-1]
	if last.Type != domain.ChunkDone {
		t.Fatalf("expected final chunk to be done, got %s", last.Type)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 15 {
		t.Errorf("expected total tokens 15, got %+v", last.Usage)
	}

	var content string
	for _, c := range got {
		content += c.Content
	}
	if content != "Hello world" {
		t.Errorf("expected concatenated content %q, got %q", "Hello world", content)
	}
}

func TestChatStreamPreStreamFailure(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := adapter.ChatStream(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})

	var unavailable *domain.ProviderUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected synchronous ProviderUnavailableError, got %T: %v", err, err)
	}
}

func TestChatStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := adapter.ChatStream(ctx, domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := <-chunks
	if first.Content != "partial" {
		t.Fatalf("expected first chunk, got %+v", first)
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancellation")
		}
	}
}

func TestChatToolCalls(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "get_weather" {
			t.Errorf("unexpected tools: %+v", req.Tools)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"get_weather","arguments":{"city":"Oslo"}}}]},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":8}`)
	})

	resp, err := adapter.Chat(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "weather in Oslo?"}},
		Tools:    []domain.ToolSpec{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "get_weather" {
		t.Errorf("expected tool get_weather, got %q", resp.ToolCalls[0].Name)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(resp.ToolCalls[0].Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["city"] != "Oslo" {
		t.Errorf("unexpected arguments: %v", args)
	}
	if resp.StopReason != domain.StopToolUse {
		t.Errorf("expected stop reason tool_use, got %q", resp.StopReason)
	}
}

func TestToolResultMapping(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(req.Messages))
		}
		if req.Messages[1].Role != "assistant" || len(req.Messages[1].ToolCalls) != 1 {
			t.Errorf("unexpected assistant message: %+v", req.Messages[1])
		}
		if req.Messages[2].Role != "tool" || req.Messages[2].Content != "12 degrees" {
			t.Errorf("unexpected tool message: %+v", req.Messages[2])
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"It is 12 degrees."},"done":true,"prompt_eval_count":20,"eval_count":6}`)
	})

	resp, err := adapter.Chat(context.Background(), domain.Request{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "weather in Oslo?"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "call_0", Name: "get_weather", Arguments: `{"city":"Oslo"}`}}},
			{Role: domain.RoleTool, ToolResult: &domain.ToolResult{ToolCallID: "call_0", Content: "12 degrees"}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "It is 12 degrees." {
		t.Errorf("unexpected content: %q", resp.Content)
	}
}

func TestModels(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/tags" {
				t.Errorf("expected /api/tags, got %s", r.URL.Path)
			}
			fmt.Fprint(w, `{"models":[{"name":"llama3:latest","size":4700000000}]}`)
		})

		models := adapter.Models(context.Background())
		if len(models) != 1 {
			t.Fatalf("expected 1 model, got %d", len(models))
		}
		if models[0].ID != "llama3:latest" || models[0].Size != 4700000000 {
			t.Errorf("unexpected model: %+v", models[0])
		}
	})

	t.Run("server error yields empty list", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		if models := adapter.Models(context.Background()); len(models) != 0 {
			t.Errorf("expected empty list, got %v", models)
		}
	})

	t.Run("connection refused yields empty list", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		client := server.Client()
		server.Close()
		adapter := New(domain.ModelConfig{Model: "llama3", BaseURL: server.URL}, client)
		if models := adapter.Models(context.Background()); len(models) != 0 {
			t.Errorf("expected empty list, got %v", models)
		}
	})
}
