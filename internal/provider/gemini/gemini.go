package gemini

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
	providerName   = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
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
	return &Adapter{
		model:       cfg.Model,
		baseURL:     baseURL,
		client:      client,
		key:         key,
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

	url := fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, a.model)
	resp, err := a.send(ctx, url, a.toGenerateRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(genResp.Candidates) == 0 {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: "no candidates in response"}
	}

	return a.toResponse(genResp), nil
}

func (a *Adapter) ChatStream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, a.model)
	resp, err := a.send(ctx, url, a.toGenerateRequest(req))
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
	toolIndex := 0

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

		var record generateResponse
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}

		// usageMetadata counts are cumulative; the last record wins.
		if record.UsageMetadata != nil {
			usage = toUsage(*record.UsageMetadata)
		}
		if len(record.Candidates) == 0 {
			continue
		}

		candidate := record.Candidates[0]
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				if !emit(domain.ContentDelta(part.Text)) {
					return
				}
			}
			if part.FunctionCall != nil {
				sawToolCall = true
				delta := domain.StreamChunk{Type: domain.ChunkToolCallDelta, ToolCall: &domain.ToolCallDelta{
					Index:     toolIndex,
					ID:        fmt.Sprintf("call_%d", toolIndex),
					Name:      part.FunctionCall.Name,
					Arguments: string(part.FunctionCall.Args),
				}}
				toolIndex++
				if !emit(delta) {
					return
				}
			}
		}
		if candidate.FinishReason != "" {
			stopReason = mapFinishReason(candidate.FinishReason, sawToolCall)
		}
	}

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
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var list struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil
	}

	models := make([]domain.ModelInfo, len(list.Models))
	for i, m := range list.Models {
		models[i] = domain.ModelInfo{ID: strings.TrimPrefix(m.Name, "models/")}
	}
	return models
}

func (a *Adapter) send(ctx context.Context, url string, body generateRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &domain.InvalidResponseError{Provider: providerName, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	apiKey, err := a.key(ctx)
	if err != nil {
		return nil, &domain.AuthenticationError{Provider: providerName}
	}
	httpReq.Header.Set("x-goog-api-key", apiKey)

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

type generateRequest struct {
	Contents          []wireContent     `json:"contents"`
	SystemInstruction *wireContent      `json:"systemInstruction,omitempty"`
	Tools             []wireToolSet     `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type wireToolSet struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

type candidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

func (a *Adapter) toGenerateRequest(req domain.Request) generateRequest {
	var system []wirePart
	contents := make([]wireContent, 0, len(req.Messages))

	// Gemini addresses tool results by function name, not call ID.
	callNames := make(map[string]string)
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, wirePart{Text: m.Content})

		case domain.RoleAssistant:
			var parts []wirePart
			if m.Content != "" {
				parts = append(parts, wirePart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Arguments)
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				parts = append(parts, wirePart{FunctionCall: &functionCall{Name: tc.Name, Args: args}})
			}
			contents = append(contents, wireContent{Role: "model", Parts: parts})

		case domain.RoleTool:
			if m.ToolResult == nil {
				continue
			}
			name := callNames[m.ToolResult.ToolCallID]
			if name == "" {
				name = m.ToolResult.ToolCallID
			}
			contents = append(contents, wireContent{Role: "user", Parts: []wirePart{{
				FunctionResponse: &functionResponse{Name: name, Response: toResponseObject(m.ToolResult.Content)},
			}}})

		default:
			contents = append(contents, wireContent{Role: "user", Parts: []wirePart{{Text: m.Content}}})
		}
	}

	out := generateRequest{Contents: contents}
	if len(system) > 0 {
		out.SystemInstruction = &wireContent{Parts: system}
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		out.Tools = []wireToolSet{{FunctionDeclarations: decls}}
	}

	cfg := &generationConfig{StopSequences: req.StopSequences, Temperature: req.Temperature}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	} else {
		cfg.MaxOutputTokens = a.maxTokens
	}
	if cfg.Temperature == nil {
		t := a.temperature
		cfg.Temperature = &t
	}
	out.GenerationConfig = cfg

	return out
}

// toResponseObject wraps a tool result as the JSON object Gemini requires.
func toResponseObject(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"result": content})
	return wrapped
}

func (a *Adapter) toResponse(resp generateResponse) *domain.Response {
	out := &domain.Response{
		Provider: providerName,
		Model:    a.model,
	}
	if resp.UsageMetadata != nil {
		out.Usage = toUsage(*resp.UsageMetadata)
	}

	candidate := resp.Candidates[0]
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        fmt.Sprintf("call_%d", len(out.ToolCalls)),
				Name:      part.FunctionCall.Name,
				Arguments: string(part.FunctionCall.Args),
			})
		}
	}

	out.StopReason = mapFinishReason(candidate.FinishReason, len(out.ToolCalls) > 0)
	return out
}

func toUsage(u usageMetadata) domain.Usage {
	return domain.Usage{
		InputTokens:       u.PromptTokenCount,
		OutputTokens:      u.CandidatesTokenCount,
		TotalTokens:       u.PromptTokenCount + u.CandidatesTokenCount,
		CachedInputTokens: u.CachedContentTokenCount,
	}
}

func mapFinishReason(reason string, toolCalls bool) string {
	if toolCalls {
		return domain.StopToolUse
	}
	switch reason {
	case "MAX_TOKENS":
		return domain.StopMaxTokens
	default:
		return domain.StopEndTurn
	}
}
