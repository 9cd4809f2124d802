package domain

import (
	"encoding/json"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

const (
	StopEndTurn      = "end_turn"
	StopToolUse      = "tool_use"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
)

type Request struct {
	Messages      []Message  `json:"messages"`
	Stream        bool       `json:"stream,omitempty"`
	StopSequences []string   `json:"stop_sequences,omitempty"`
	Tools         []ToolSpec `json:"tools,omitempty"`
	MaxTokens     int        `json:"max_tokens,omitempty"`
	Temperature   *float64   `json:"temperature,omitempty"`
	PersonalityID string     `json:"personality_id,omitempty"`
}

// A tool message always carries ToolResult; an assistant message with
// ToolCalls may have empty Content.
type Message struct {
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Arguments is the raw JSON-encoded argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
}

type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	TotalTokens       int `json:"total_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
}

type ChunkType string

const (
	ChunkContentDelta  ChunkType = "content_delta"
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	ChunkDone          ChunkType = "done"
	ChunkError         ChunkType = "error"
)

// StreamChunk is a tagged union keyed by Type. A successful stream carries
// zero or more delta chunks followed by exactly one done chunk; a failed
// stream ends with exactly one error chunk instead.
type StreamChunk struct {
	Type       ChunkType      `json:"type"`
	Content    string         `json:"content,omitempty"`
	ToolCall   *ToolCallDelta `json:"tool_call,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Err        error          `json:"-"`
}

// ToolCallDelta is one fragment of a streamed tool call. ID and Name arrive
// on the first fragment for an Index; later fragments append Arguments.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ModelConfig struct {
	Provider             string        `json:"provider"`
	Model                string        `json:"model"`
	APIKeyEnv            string        `json:"api_key_env,omitempty"`
	BaseURL              string        `json:"base_url,omitempty"`
	MaxTokens            int           `json:"max_tokens"`
	Temperature          float64       `json:"temperature"`
	MaxRequestsPerMinute int           `json:"max_requests_per_minute"`
	RequestTimeout       time.Duration `json:"request_timeout"`
	MaxRetries           int           `json:"max_retries"`
	RetryDelay           time.Duration `json:"retry_delay"`
}

type FallbackEntry struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Personality is one assistant persona. Its fallback chain is tried in
// order after the active model fails.
type Personality struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Fallbacks []FallbackEntry `json:"fallbacks"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ValidateFallbacks checks a fallback chain before it is stored.
func ValidateFallbacks(entries []FallbackEntry) error {
	if len(entries) > MaxFallbackEntries {
		return ErrTooManyFallbacks
	}
	for _, e := range entries {
		if e.Provider == "" || e.Model == "" {
			return ErrInvalidRequest
		}
	}
	return nil
}

type ModelInfo struct {
	ID   string `json:"id"`
	Size int64  `json:"size,omitempty"`
}

// ContentDelta builds a content_delta chunk.
func ContentDelta(content string) StreamChunk {
	return StreamChunk{Type: ChunkContentDelta, Content: content}
}

// Done builds the terminal chunk of a successful stream.
func Done(usage Usage, stopReason string) StreamChunk {
	return StreamChunk{Type: ChunkDone, Usage: &usage, StopReason: stopReason}
}

// ErrChunk builds the terminal chunk of a failed stream.
func ErrChunk(err error) StreamChunk {
	return StreamChunk{Type: ChunkError, Err: err}
}
