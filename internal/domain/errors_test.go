package domain

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		check      func(t *testing.T, err error)
	}{
		{
			name:   "401 is authentication",
			status: 401,
			check: func(t *testing.T, err error) {
				var authErr *AuthenticationError
				if !errors.As(err, &authErr) {
					t.Fatalf("expected AuthenticationError, got %T", err)
				}
				if authErr.StatusCode != 401 {
					t.Errorf("expected status 401, got %d", authErr.StatusCode)
				}
			},
		},
		{
			name:   "403 is authentication",
			status: 403,
			check: func(t *testing.T, err error) {
				var authErr *AuthenticationError
				if !errors.As(err, &authErr) {
					t.Fatalf("expected AuthenticationError, got %T", err)
				}
			},
		},
		{
			name:       "429 is rate limited with retry-after",
			status:     429,
			retryAfter: "30",
			check: func(t *testing.T, err error) {
				var limited *RateLimitedError
				if !errors.As(err, &limited) {
					t.Fatalf("expected RateLimitedError, got %T", err)
				}
				if limited.RetryAfter != 30*time.Second {
					t.Errorf("expected 30s retry-after, got %s", limited.RetryAfter)
				}
			},
		},
		{
			name:   "429 without retry-after",
			status: 429,
			check: func(t *testing.T, err error) {
				var limited *RateLimitedError
				if !errors.As(err, &limited) {
					t.Fatalf("expected RateLimitedError, got %T", err)
				}
				if limited.RetryAfter != 0 {
					t.Errorf("expected zero retry-after, got %s", limited.RetryAfter)
				}
			},
		},
		{
			name:   "500 is unavailable",
			status: 500,
			body:   `{"error":{"message":"overloaded"}}`,
			check: func(t *testing.T, err error) {
				var unavailable *ProviderUnavailableError
				if !errors.As(err, &unavailable) {
					t.Fatalf("expected ProviderUnavailableError, got %T", err)
				}
			},
		},
		{
			name:   "404 is invalid response",
			status: 404,
			body:   `{"error":{"message":"model not found"}}`,
			check: func(t *testing.T, err error) {
				var invalid *InvalidResponseError
				if !errors.As(err, &invalid) {
					t.Fatalf("expected InvalidResponseError, got %T", err)
				}
				if invalid.Message != "model not found" {
					t.Errorf("expected extracted message, got %q", invalid.Message)
				}
			},
		},
		{
			name:   "400 is invalid response",
			status: 400,
			body:   `{"error":"bad request"}`,
			check: func(t *testing.T, err error) {
				var invalid *InvalidResponseError
				if !errors.As(err, &invalid) {
					t.Fatalf("expected InvalidResponseError, got %T", err)
				}
				if invalid.Message != "bad request" {
					t.Errorf("expected extracted message, got %q", invalid.Message)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStatus("test", tt.status, tt.retryAfter, []byte(tt.body))
			tt.check(t, err)
		})
	}
}

func TestClassifyTransport(t *testing.T) {
	t.Run("network error is unavailable", func(t *testing.T) {
		err := ClassifyTransport(context.Background(), "ollama", &net.OpError{Op: "dial", Err: errors.New("connection refused")})
		var unavailable *ProviderUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("expected ProviderUnavailableError, got %T", err)
		}
		if unavailable.Provider != "ollama" {
			t.Errorf("expected provider ollama, got %q", unavailable.Provider)
		}
	})

	t.Run("caller cancellation passes through", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := ClassifyTransport(ctx, "ollama", errors.New("request canceled"))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if Retryable(err) {
			t.Error("cancellation must not be retryable")
		}
	})
}

func TestRetryableAndFallbackEligible(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		retry    bool
		fallback bool
	}{
		{"unavailable", &ProviderUnavailableError{Provider: "a"}, true, true},
		{"rate limited", &RateLimitedError{Provider: "a"}, true, true},
		{"authentication", &AuthenticationError{Provider: "a", StatusCode: 401}, false, true},
		{"invalid response", &InvalidResponseError{Provider: "a", StatusCode: 400}, false, false},
		{"plain error", errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.retry {
				t.Errorf("Retryable = %v, want %v", got, tt.retry)
			}
			if got := FallbackEligible(tt.err); got != tt.fallback {
				t.Errorf("FallbackEligible = %v, want %v", got, tt.fallback)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	wrapped := &RateLimitedError{Provider: "a", RetryAfter: 5 * time.Second}
	d, ok := RetryAfterHint(wrapped)
	if !ok || d != 5*time.Second {
		t.Errorf("expected 5s hint, got %s ok=%v", d, ok)
	}

	if _, ok := RetryAfterHint(&ProviderUnavailableError{Provider: "a"}); ok {
		t.Error("expected no hint for unavailable error")
	}
}

func TestFallbackExhaustedError(t *testing.T) {
	err := &FallbackExhaustedError{Attempted: []Hop{
		{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		{Provider: "openai", Model: "gpt-4o"},
	}}
	want := "all providers failed, attempted: anthropic/claude-sonnet-4-5, openai/gpt-4o"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
