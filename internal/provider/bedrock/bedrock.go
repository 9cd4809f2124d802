// Package bedrock adapts Anthropic models served through AWS Bedrock. The
// request/response payloads follow the Anthropic messages shape; transport
// and errors go through the AWS SDK instead of raw HTTP.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

const (
	providerName     = "bedrock"
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

type Adapter struct {
	client      *bedrockruntime.Client
	modelID     string
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

func New(ctx context.Context, cfg domain.ModelConfig, region string) (*Adapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewFromAWSConfig(awsCfg, cfg), nil
}

func NewFromAWSConfig(awsCfg aws.Config, cfg domain.ModelConfig) *Adapter {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Adapter{
		client:      bedrockruntime.NewFromConfig(awsCfg),
		modelID:     mapModelID(cfg.Model),
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.RequestTimeout,
	}
}

func (a *Adapter) Provider() string { return providerName }

func (a *Adapter) Chat(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	body, err := json.Marshal(a.toInvokeRequest(req))
	if err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	var invokeResp invokeResponse
	if err := json.Unmarshal(output.Body, &invokeResp); err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return a.toResponse(invokeResp), nil
}

func (a *Adapter) ChatStream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, error) {
	body, err := json.Marshal(a.toInvokeRequest(req))
	if err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	output, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(a.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		stream := output.GetStream()
		defer stream.Close()
		a.readStream(ctx, stream, out)
	}()
	return out, nil
}

func (a *Adapter) readStream(ctx context.Context, stream *bedrockruntime.InvokeModelWithResponseStreamEventStream, out chan<- domain.StreamChunk) {
	emit := func(c domain.StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage domain.Usage
	stopReason := domain.StopEndTurn
	sawToolCall := false

	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens + ev.Message.Usage.CacheReadInputTokens
				usage.CachedInputTokens = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				sawToolCall = true
				delta := domain.StreamChunk{Type: domain.ChunkToolCallDelta, ToolCall: &domain.ToolCallDelta{
					Index: ev.Index,
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				}}
				if !emit(delta) {
					return
				}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					if !emit(domain.ContentDelta(ev.Delta.Text)) {
						return
					}
				}
			case "input_json_delta":
				delta := domain.StreamChunk{Type: domain.ChunkToolCallDelta, ToolCall: &domain.ToolCallDelta{
					Index:     ev.Index,
					Arguments: ev.Delta.PartialJSON,
				}}
				if !emit(delta) {
					return
				}
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = mapStopReason(ev.Delta.StopReason, sawToolCall)
			}
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			emit(domain.Done(usage, stopReason))
			return
		}
	}

	if err := stream.Err(); err != nil {
		emit(domain.ErrChunk(classifyError(ctx, err)))
		return
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	emit(domain.Done(usage, stopReason))
}

// Models returns the Claude model IDs this adapter can serve. Listing the
// account's enabled models needs the Bedrock control-plane API, so the list
// is static and never fails.
func (a *Adapter) Models(ctx context.Context) []domain.ModelInfo {
	return []domain.ModelInfo{
		{ID: "anthropic.claude-sonnet-4-5-20250929-v1:0"},
		{ID: "anthropic.claude-haiku-4-5-20251001-v1:0"},
		{ID: "anthropic.claude-3-7-sonnet-20250219-v1:0"},
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0"},
		{ID: "anthropic.claude-3-5-haiku-20241022-v1:0"},
	}
}

type invokeRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	Messages         []wireMessage `json:"messages"`
	System           string        `json:"system,omitempty"`
	StopSequences    []string      `json:"stop_sequences,omitempty"`
	Tools            []wireTool    `json:"tools,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type invokeResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      wireUsage      `json:"usage"`
}

type wireUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Message      *eventMessage `json:"message,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *eventDelta   `json:"delta,omitempty"`
	Usage        *wireUsage    `json:"usage,omitempty"`
}

type eventMessage struct {
	Usage wireUsage `json:"usage"`
}

type eventDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func (a *Adapter) toInvokeRequest(req domain.Request) invokeRequest {
	var system []string
	messages := make([]wireMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)

		case domain.RoleTool:
			block := contentBlock{Type: "tool_result"}
			if m.ToolResult != nil {
				block.ToolUseID = m.ToolResult.ToolCallID
				block.Content = m.ToolResult.Content
			}
			messages = append(messages, wireMessage{Role: "user", Content: []contentBlock{block}})

		case domain.RoleAssistant:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			messages = append(messages, wireMessage{Role: "assistant", Content: blocks})

		default:
			messages = append(messages, wireMessage{Role: "user", Content: []contentBlock{{Type: "text", Text: m.Content}}})
		}
	}

	out := invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        a.maxTokens,
		Messages:         messages,
		System:           strings.Join(system, "\n\n"),
		StopSequences:    req.StopSequences,
		Temperature:      req.Temperature,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if out.Temperature == nil && a.temperature > 0 {
		t := a.temperature
		out.Temperature = &t
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	return out
}

func (a *Adapter) toResponse(resp invokeResponse) *domain.Response {
	input := resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens
	out := &domain.Response{
		Provider: providerName,
		Model:    a.modelID,
		Usage: domain.Usage{
			InputTokens:       input,
			OutputTokens:      resp.Usage.OutputTokens,
			TotalTokens:       input + resp.Usage.OutputTokens,
			CachedInputTokens: resp.Usage.CacheReadInputTokens,
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	out.StopReason = mapStopReason(resp.StopReason, len(out.ToolCalls) > 0)
	return out
}

func mapStopReason(reason string, toolCalls bool) string {
	if toolCalls {
		return domain.StopToolUse
	}
	switch reason {
	case "max_tokens":
		return domain.StopMaxTokens
	case "stop_sequence":
		return domain.StopStopSequence
	case "tool_use":
		return domain.StopToolUse
	default:
		return domain.StopEndTurn
	}
}

// mapModelID accepts either a full Bedrock model ID or a bare Anthropic
// model name and produces the Bedrock form.
func mapModelID(model string) string {
	if strings.Contains(model, ".") {
		return model
	}
	return "anthropic." + model + "-v1:0"
}

func classifyError(ctx context.Context, err error) error {
	var (
		throttle   *types.ThrottlingException
		quota      *types.ServiceQuotaExceededException
		denied     *types.AccessDeniedException
		validation *types.ValidationException
		notFound   *types.ResourceNotFoundException
		internal   *types.InternalServerException
		timeout    *types.ModelTimeoutException
		notReady   *types.ModelNotReadyException
	)
	switch {
	case errors.As(err, &throttle) || errors.As(err, &quota):
		return &domain.RateLimitedError{Provider: providerName}
	case errors.As(err, &denied):
		return &domain.AuthenticationError{Provider: providerName, StatusCode: 403}
	case errors.As(err, &validation) || errors.As(err, &notFound):
		return &domain.InvalidResponseError{Provider: providerName, Message: err.Error()}
	case errors.As(err, &internal) || errors.As(err, &timeout) || errors.As(err, &notReady):
		return &domain.ProviderUnavailableError{Provider: providerName, Cause: err}
	default:
		return domain.ClassifyTransport(ctx, providerName, err)
	}
}
