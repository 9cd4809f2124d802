package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxFallbackEntries bounds a personality's fallback chain.
const MaxFallbackEntries = 5

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrPersonalityNotFound = errors.New("personality not found")
	ErrDefaultModelNotSet  = errors.New("default model not set")
	ErrTooManyFallbacks    = errors.New("fallback chain exceeds maximum length")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrUnauthorized        = errors.New("unauthorized")
)

// ProviderUnavailableError covers network failures, refused connections and
// 5xx responses. Retried with backoff, then eligible for fallback.
type ProviderUnavailableError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *ProviderUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Cause)
	}
	return fmt.Sprintf("provider %s unavailable: %s", e.Provider, e.Message)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Cause }

// InvalidResponseError covers malformed payloads and non-auth 4xx responses.
// Never retried and never falls back: the request itself is at fault.
type InvalidResponseError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *InvalidResponseError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("invalid response from %s (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("invalid response from %s: %s", e.Provider, e.Message)
}

// AuthenticationError covers 401 and 403. Not retried on the same hop, but
// a fallback hop with different credentials may still succeed.
type AuthenticationError struct {
	Provider   string
	StatusCode int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s (status %d)", e.Provider, e.StatusCode)
}

// RateLimitedError covers 429. Retried with backoff; RetryAfter, when the
// provider supplied one, overrides the computed delay.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Provider)
}

// Hop identifies one (provider, model) pair tried during dispatch.
type Hop struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// FallbackExhaustedError is the single terminal error a caller sees after
// the primary and every fallback hop failed. It lists the hops attempted,
// never the per-hop causes.
type FallbackExhaustedError struct {
	Attempted []Hop
}

func (e *FallbackExhaustedError) Error() string {
	hops := make([]string, len(e.Attempted))
	for i, h := range e.Attempted {
		hops[i] = h.Provider + "/" + h.Model
	}
	return "all providers failed, attempted: " + strings.Join(hops, ", ")
}

// Retryable reports whether the same hop should be retried with backoff.
func Retryable(err error) bool {
	var unavailable *ProviderUnavailableError
	var limited *RateLimitedError
	return errors.As(err, &unavailable) || errors.As(err, &limited)
}

// FallbackEligible reports whether the next fallback hop may be consulted.
func FallbackEligible(err error) bool {
	var auth *AuthenticationError
	return Retryable(err) || errors.As(err, &auth)
}

// RetryAfterHint extracts a provider-supplied retry delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var limited *RateLimitedError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		return limited.RetryAfter, true
	}
	return 0, false
}

// ClassifyStatus maps a non-2xx response to its taxonomy kind. retryAfter is
// the raw Retry-After header value, seconds form.
func ClassifyStatus(provider string, status int, retryAfter string, body []byte) error {
	switch {
	case status == 401 || status == 403:
		return &AuthenticationError{Provider: provider, StatusCode: status}
	case status == 429:
		return &RateLimitedError{Provider: provider, RetryAfter: parseRetryAfter(retryAfter)}
	case status >= 500:
		return &ProviderUnavailableError{Provider: provider, Message: fmt.Sprintf("status %d: %s", status, errorMessage(body))}
	default:
		return &InvalidResponseError{Provider: provider, StatusCode: status, Message: errorMessage(body)}
	}
}

// ClassifyTransport maps a request/transport failure to its taxonomy kind.
// Caller cancellation passes through untouched so it is never retried.
func ClassifyTransport(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderUnavailableError{Provider: provider, Cause: err}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// errorMessage pulls a human-readable message out of a provider error body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
		// Ollama and some local servers use a bare message field.
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if len(envelope.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(envelope.Error, &nested); err == nil && nested.Message != "" {
				return nested.Message
			}
			var plain string
			if err := json.Unmarshal(envelope.Error, &plain); err == nil && plain != "" {
				return plain
			}
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "no response body"
	}
	return s
}
