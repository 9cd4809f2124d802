// Package openai implements the OpenAI chat-completions protocol. Several
// backends speak the same protocol, so one adapter serves openai itself plus
// the deepseek, mistral, lmstudio, localai and opencode flavors; they differ
// only in default base URL and whether a key is required.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/secureyeoman/ai-gateway/internal/domain"
	"github.com/secureyeoman/ai-gateway/internal/provider/framing"
)

type KeyFunc func(ctx context.Context) (string, error)

var defaultBaseURLs = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"mistral":  "https://api.mistral.ai/v1",
	"lmstudio": "http://localhost:1234/v1",
	"localai":  "http://localhost:8080/v1",
	"opencode": "http://localhost:4096/v1",
}

// Local reports whether a flavor runs without credentials.
func Local(provider string) bool {
	switch provider {
	case "lmstudio", "localai", "opencode":
		return true
	}
	return false
}

type Adapter struct {
	provider    string
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
		baseURL = defaultBaseURLs[cfg.Provider]
	}
	if baseURL == "" {
		baseURL = defaultBaseURLs["openai"]
	}
	return &Adapter{
		provider:    cfg.Provider,
		model:       cfg.Model,
		baseURL:     baseURL,
		client:      client,
		key:         key,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.RequestTimeout,
	}
}

func (a *Adapter) Provider() string { return a.provider }

func (a *Adapter) Chat(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	resp, err := a.send(ctx, a.toChatRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &domain.InvalidResponseError{Provider: a.provider, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &domain.InvalidResponseError{Provider: a.provider, Message: "no choices in response"}
	}

	return a.toResponse(chatResp), nil
}

func (a *Adapter) ChatStream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, error) {
	resp, err := a.send(ctx, a.toChatRequest(req, true))
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
			emit(domain.ErrChunk(domain.ClassifyTransport(ctx, a.provider, err)))
			return
		}
		if string(data) == framing.DoneSentinel {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}

		// The usage-only record has no choices.
		if chunk.Usage != nil {
			usage = toUsage(*chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta != nil {
			if choice.Delta.Content != "" {
				if !emit(domain.ContentDelta(choice.Delta.Content)) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				sawToolCall = true
				delta := domain.StreamChunk{Type: domain.ChunkToolCallDelta, ToolCall: &domain.ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}}
				if !emit(delta) {
					return
				}
			}
		}
		if choice.FinishReason != "" {
			stopReason = mapFinishReason(choice.FinishReason, sawToolCall)
		}
	}

	emit(domain.Done(usage, stopReason))
}

// Models lists the backend's model catalog. Best-effort: any failure yields nil.
func (a *Adapter) Models(ctx context.Context) []domain.ModelInfo {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", http.NoBody)
	if err != nil {
		return nil
	}
	if a.key != nil {
		apiKey, err := a.key(ctx)
		if err != nil {
			return nil
		}
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var list modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil
	}

	models := make([]domain.ModelInfo, len(list.Data))
	for i, m := range list.Data {
		models[i] = domain.ModelInfo{ID: m.ID}
	}
	return models
}

func (a *Adapter) send(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &domain.InvalidResponseError{Provider: a.provider, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &domain.InvalidResponseError{Provider: a.provider, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if a.key != nil {
		apiKey, err := a.key(ctx)
		if err != nil {
			return nil, &domain.AuthenticationError{Provider: a.provider}
		}
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, domain.ClassifyTransport(ctx, a.provider, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 32*1024))
		resp.Body.Close()
		return nil, domain.ClassifyStatus(a.provider, resp.StatusCode, resp.Header.Get("Retry-After"), respBody)
	}
	return resp, nil
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Tools         []wireTool     `json:"tools,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	Index    int              `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

type wireChoice struct {
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type streamChunk struct {
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (a *Adapter) toChatRequest(req domain.Request, stream bool) chatRequest {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content}
		if m.Role == domain.RoleTool && m.ToolResult != nil {
			wm.ToolCallID = m.ToolResult.ToolCallID
			wm.Content = m.ToolResult.Content
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, wm)
	}

	out := chatRequest{
		Model:       a.model,
		Messages:    messages,
		Stream:      stream,
		Stop:        req.StopSequences,
		Temperature: req.Temperature,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if out.Temperature == nil {
		t := a.temperature
		out.Temperature = &t
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	} else {
		out.MaxTokens = a.maxTokens
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{Type: "function", Function: wireFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}})
	}

	return out
}

func (a *Adapter) toResponse(resp chatResponse) *domain.Response {
	choice := resp.Choices[0]
	out := &domain.Response{
		StopReason: mapFinishReason(choice.FinishReason, false),
		Provider:   a.provider,
		Model:      a.model,
	}
	if resp.Usage != nil {
		out.Usage = toUsage(*resp.Usage)
	}
	if choice.Message != nil {
		out.Content = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = domain.StopToolUse
	}
	return out
}

func toUsage(u wireUsage) domain.Usage {
	out := domain.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.PromptTokens + u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedInputTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

func mapFinishReason(reason string, toolCalls bool) string {
	if toolCalls {
		return domain.StopToolUse
	}
	switch reason {
	case "length":
		return domain.StopMaxTokens
	case "tool_calls", "function_call":
		return domain.StopToolUse
	case "content_filter", "stop":
		return domain.StopEndTurn
	default:
		return domain.StopEndTurn
	}
}
