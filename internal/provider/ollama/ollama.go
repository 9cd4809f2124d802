package ollama

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

const (
	providerName   = "ollama"
	defaultBaseURL = "http://localhost:11434"
)

type Adapter struct {
	model       string
	baseURL     string
	client      *http.Client
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

func New(cfg domain.ModelConfig, client *http.Client) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		model:       cfg.Model,
		baseURL:     baseURL,
		client:      client,
		maxTokens:   cfg.MaxTokens,
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

	resp, err := a.send(ctx, a.toChatRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("decode response: %v", err)}
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

	sc := framing.NewNDJSONScanner(body)
	for {
		record, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			emit(domain.ErrChunk(domain.ClassifyTransport(ctx, providerName, err)))
			return
		}

		var chunk streamRecord
		if err := json.Unmarshal(record, &chunk); err != nil {
			continue
		}

		if chunk.Message.Content != "" {
			if !emit(domain.ContentDelta(chunk.Message.Content)) {
				return
			}
		}
		for i, tc := range chunk.Message.ToolCalls {
			sawToolCall = true
			delta := domain.StreamChunk{Type: domain.ChunkToolCallDelta, ToolCall: &domain.ToolCallDelta{
				Index:     i,
				ID:        fmt.Sprintf("call_%d", i),
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			}}
			if !emit(delta) {
				return
			}
		}

		if chunk.Done {
			usage.InputTokens = chunk.PromptEvalCount
			usage.OutputTokens = chunk.EvalCount
			usage.TotalTokens = chunk.PromptEvalCount + chunk.EvalCount
			stopReason = mapStopReason(chunk.DoneReason, sawToolCall)
			break
		}
	}

	emit(domain.Done(usage, stopReason))
}

// Models lists locally pulled models. Best-effort: any failure yields nil.
func (a *Adapter) Models(ctx context.Context) []domain.ModelInfo {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return nil
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil
	}

	models := make([]domain.ModelInfo, len(tags.Models))
	for i, m := range tags.Models {
		models[i] = domain.ModelInfo{ID: m.Name, Size: m.Size}
	}
	return models
}

func (a *Adapter) send(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Options  *wireOptions  `json:"options,omitempty"`
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
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

type wireOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         wireMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

type streamRecord struct {
	Message         wireMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

type tagsResponse struct {
	Models []tagsModel `json:"models"`
}

type tagsModel struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (a *Adapter) toChatRequest(req domain.Request, stream bool) chatRequest {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content}
		if m.Role == domain.RoleTool && m.ToolResult != nil {
			wm.Content = m.ToolResult.Content
		}
		for _, tc := range m.ToolCalls {
			args := json.RawMessage(tc.Arguments)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{Function: wireFunctionCall{
				Name:      tc.Name,
				Arguments: args,
			}})
		}
		messages = append(messages, wm)
	}

	out := chatRequest{
		Model:    a.model,
		Messages: messages,
		Stream:   stream,
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{Type: "function", Function: wireFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}})
	}

	opts := &wireOptions{Temperature: a.temperature, NumPredict: a.maxTokens, Stop: req.StopSequences}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		opts.NumPredict = req.MaxTokens
	}
	out.Options = opts

	return out
}

func (a *Adapter) toResponse(resp chatResponse) *domain.Response {
	out := &domain.Response{
		Content:    resp.Message.Content,
		StopReason: mapStopReason(resp.DoneReason, len(resp.Message.ToolCalls) > 0),
		Usage: domain.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
			TotalTokens:  resp.PromptEvalCount + resp.EvalCount,
		},
		Provider: providerName,
		Model:    a.model,
	}
	for i, tc := range resp.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: string(tc.Function.Arguments),
		})
	}
	return out
}

func mapStopReason(doneReason string, toolCalls bool) string {
	if toolCalls {
		return domain.StopToolUse
	}
	switch doneReason {
	case "length":
		return domain.StopMaxTokens
	default:
		return domain.StopEndTurn
	}
}
