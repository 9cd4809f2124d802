package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/secureyeoman/ai-gateway/internal/domain"
	"github.com/secureyeoman/ai-gateway/internal/provider/framing"
)

const (
	providerName     = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type KeyFunc func(ctx context.Context) (string, error)

type Adapter struct {
	model       string
	baseURL     string
	client      *http.Client
	key         KeyFunc
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

func New(cfg domain.ModelConfig, client *http.Client, key KeyFunc) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Adapter{
		model:       cfg.Model,
		baseURL:     baseURL,
		client:      client,
		key:         key,
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

	resp, err := a.send(ctx, a.toMessagesRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return a.toResponse(msgResp), nil
}

func (a *Adapter) ChatStream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, error) {
	resp, err := a.send(ctx, a.toMessagesRequest(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		a.readStream(ctx, resp.Body, out)
	}()
	return out, nil
}

func (a *Adapter) readStream(ctx context.Context, body io.Reader, out chan<- domain.StreamChunk) {
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

	sc := framing.NewSSEScanner(body)
	for {
		data, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			emit(domain.ErrChunk(domain.ClassifyTransport(ctx, providerName, err)))
			return
		}

		var event streamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				// input_tokens excludes cache reads on the wire; the
				// canonical count includes them.
				usage.InputTokens = event.Message.Usage.InputTokens + event.Message.Usage.CacheReadInputTokens
				usage.CachedInputTokens = event.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				sawToolCall = true
				delta := domain.StreamChunk{Type: domain.ChunkToolCallDelta, ToolCall: &domain.ToolCallDelta{
					Index: event.Index,
					ID:    event.ContentBlock.ID,
					Name:  event.ContentBlock.Name,
				}}
				if !emit(delta) {
					return
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					if !emit(domain.ContentDelta(event.Delta.Text)) {
						return
					}
				}
			case "input_json_delta":
				delta := domain.StreamChunk{Type: domain.ChunkToolCallDelta, ToolCall: &domain.ToolCallDelta{
					Index:     event.Index,
					Arguments: event.Delta.PartialJSON,
				}}
				if !emit(delta) {
					return
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = mapStopReason(event.Delta.StopReason, sawToolCall)
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			emit(domain.Done(usage, stopReason))
			return

		case "error":
			emit(domain.ErrChunk(classifyEventError(event.Error)))
			return
		}
	}

	// Transport closed without message_stop.
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	emit(domain.Done(usage, stopReason))
}

// Models lists available models. Best-effort: any failure yields nil.
func (a *Adapter) Models(ctx context.Context) []domain.ModelInfo {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", http.NoBody)
	if err != nil {
		return nil
	}
	apiKey, err := a.key(ctx)
	if err != nil {
		return nil
	}
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil
	}

	models := make([]domain.ModelInfo, len(list.Data))
	for i, m := range list.Data {
		models[i] = domain.ModelInfo{ID: m.ID}
	}
	return models
}

func (a *Adapter) send(ctx context.Context, body messagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	apiKey, err := a.key(ctx)
	if err != nil {
		return nil, &domain.AuthenticationError{Provider: providerName}
	}
	httpReq.Header.Set("x-api-key", apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, domain.ClassifyTransport(ctx, providerName, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 32*1024))
		resp.Body.Close()
		return nil, domain.ClassifyStatus(providerName, resp.StatusCode, resp.Header.Get("Retry-After"), respBody)
	}
	return resp, nil
}

type messagesRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	System        string        `json:"system,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Tools         []wireTool    `json:"tools,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
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

type messagesResponse struct {
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
	Error        *eventError   `json:"error,omitempty"`
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

type eventError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (a *Adapter) toMessagesRequest(req domain.Request, stream bool) messagesRequest {
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

	out := messagesRequest{
		Model:         a.model,
		Messages:      messages,
		MaxTokens:     a.maxTokens,
		System:        strings.Join(system, "\n\n"),
		Stream:        stream,
		StopSequences: req.StopSequences,
		Temperature:   req.Temperature,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if out.Temperature == nil && a.temperature > 0 {
		t := a.temperature
		out.Temperature = &t
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return out
}

func (a *Adapter) toResponse(resp messagesResponse) *domain.Response {
	input := resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens
	out := &domain.Response{
		Provider: providerName,
		Model:    a.model,
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

func classifyEventError(e *eventError) error {
	if e == nil {
		return &domain.ProviderUnavailableError{Provider: providerName, Message: "stream error"}
	}
	switch e.Type {
	case "overloaded_error", "api_error":
		return &domain.ProviderUnavailableError{Provider: providerName, Message: e.Message}
	case "rate_limit_error":
		return &domain.RateLimitedError{Provider: providerName}
	case "authentication_error", "permission_error":
		return &domain.AuthenticationError{Provider: providerName}
	default:
		return &domain.InvalidResponseError{Provider: providerName, Message: e.Message}
	}
}
