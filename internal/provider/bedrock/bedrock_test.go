package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

func testAdapter() *Adapter {
	return &Adapter{modelID: "anthropic.claude-sonnet-4-5-20250929-v1:0", maxTokens: defaultMaxTokens}
}

func TestToInvokeRequest(t *testing.T) {
	a := testAdapter()

	req := a.toInvokeRequest(domain.Request{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "Be brief."},
			{Role: domain.RoleUser, Content: "weather?"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "toolu_01", Name: "get_weather", Arguments: `{"city":"Oslo"}`}}},
			{Role: domain.RoleTool, ToolResult: &domain.ToolResult{ToolCallID: "toolu_01", Content: "12 degrees"}},
		},
		Tools:         []domain.ToolSpec{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
		StopSequences: []string{"END"},
	})

	if req.AnthropicVersion != anthropicVersion {
		t.Errorf("unexpected anthropic_version: %q", req.AnthropicVersion)
	}
	if req.System != "Be brief." {
		t.Errorf("system prompt not lifted: %q", req.System)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}
	if req.Messages[1].Content[0].Type != "tool_use" || req.Messages[1].Content[0].ID != "toolu_01" {
		t.Errorf("tool_use block wrong: %+v", req.Messages[1].Content[0])
	}
	if req.Messages[2].Role != "user" || req.Messages[2].Content[0].Type != "tool_result" {
		t.Errorf("tool_result block wrong: %+v", req.Messages[2])
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
		t.Errorf("tools not mapped: %+v", req.Tools)
	}
	if len(req.StopSequences) != 1 || req.StopSequences[0] != "END" {
		t.Errorf("stop sequences not mapped: %+v", req.StopSequences)
	}
}

func TestToResponse(t *testing.T) {
	a := testAdapter()

	resp := a.toResponse(invokeResponse{
		Content: []contentBlock{
			{Type: "text", Text: "Checking."},
			{Type: "tool_use", ID: "toolu_02", Name: "get_weather", Input: json.RawMessage(`{"city":"Oslo"}`)},
		},
		StopReason: "tool_use",
		Usage:      wireUsage{InputTokens: 40, OutputTokens: 12, CacheReadInputTokens: 6},
	})

	if resp.Content != "Checking." {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "toolu_02" {
		t.Errorf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if resp.Usage.InputTokens != 46 || resp.Usage.TotalTokens != 58 || resp.Usage.CachedInputTokens != 6 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.StopReason != domain.StopToolUse {
		t.Errorf("expected tool_use, got %q", resp.StopReason)
	}
	if resp.Provider != "bedrock" {
		t.Errorf("expected provider bedrock, got %q", resp.Provider)
	}
}

func TestMapModelID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"anthropic.claude-sonnet-4-5-20250929-v1:0", "anthropic.claude-sonnet-4-5-20250929-v1:0"},
		{"claude-sonnet-4-5-20250929", "anthropic.claude-sonnet-4-5-20250929-v1:0"},
	}
	for _, tt := range tests {
		if got := mapModelID(tt.in); got != tt.want {
			t.Errorf("mapModelID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "throttling is rate limited",
			err:  &types.ThrottlingException{},
			check: func(t *testing.T, err error) {
				var limited *domain.RateLimitedError
				if !errors.As(err, &limited) {
					t.Fatalf("expected RateLimitedError, got %T", err)
				}
			},
		},
		{
			name: "access denied is authentication",
			err:  &types.AccessDeniedException{},
			check: func(t *testing.T, err error) {
				var authErr *domain.AuthenticationError
				if !errors.As(err, &authErr) {
					t.Fatalf("expected AuthenticationError, got %T", err)
				}
			},
		},
		{
			name: "validation is invalid response",
			err:  &types.ValidationException{},
			check: func(t *testing.T, err error) {
				var invalid *domain.InvalidResponseError
				if !errors.As(err, &invalid) {
					t.Fatalf("expected InvalidResponseError, got %T", err)
				}
			},
		},
		{
			name: "internal error is unavailable",
			err:  &types.InternalServerException{},
			check: func(t *testing.T, err error) {
				var unavailable *domain.ProviderUnavailableError
				if !errors.As(err, &unavailable) {
					t.Fatalf("expected ProviderUnavailableError, got %T", err)
				}
			},
		},
		{
			name: "unknown error is unavailable",
			err:  errors.New("dial tcp: connection refused"),
			check: func(t *testing.T, err error) {
				var unavailable *domain.ProviderUnavailableError
				if !errors.As(err, &unavailable) {
					t.Fatalf("expected ProviderUnavailableError, got %T", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, classifyError(ctx, tt.err))
		})
	}
}

func TestStreamEventDecoding(t *testing.T) {
	raw := `{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":128}}`
	var ev streamEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Delta.StopReason != "max_tokens" || ev.Usage.OutputTokens != 128 {
		t.Errorf("unexpected event: %+v", ev)
	}
	if mapStopReason(ev.Delta.StopReason, false) != domain.StopMaxTokens {
		t.Errorf("stop reason mapping wrong")
	}
}
