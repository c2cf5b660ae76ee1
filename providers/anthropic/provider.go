// Package claude adapts Anthropic's Messages API to the gateway's
// neutral llm.Provider contract.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/runestone-gateway/runestone/llm"
	"github.com/runestone-gateway/runestone/llm/middleware"
	"github.com/runestone-gateway/runestone/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL    = "https://api.anthropic.com"
	defaultAPIVersion = "2023-06-01"
	defaultModel      = "claude-opus-4.5-20260105"
	defaultMaxTokens  = 4096

	// statusOverloaded is Anthropic's dedicated overload status code; it
	// sits outside the usual 5xx range so it needs its own case.
	statusOverloaded = 529
)

// Provider drives Anthropic's /v1/messages endpoint. Anthropic differs
// from the OpenAI family on several axes that this file exists to
// paper over: auth goes in x-api-key rather than Authorization, the
// system prompt is a top-level field rather than a message with
// role "system", content is a typed block array rather than a plain
// string, and streaming uses named SSE events instead of a single
// "delta" shape.
type Provider struct {
	cfg      providers.ClaudeConfig
	client   *http.Client
	logger   *zap.Logger
	rewrites *middleware.RewriterChain
}

// NewClaudeProvider builds an Anthropic driver from cfg, filling in the
// base URL and timeout when the caller leaves them zero.
func NewClaudeProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	return &Provider{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		rewrites: middleware.NewRewriterChain(middleware.NewEmptyToolsCleaner()),
	}
}

func (p *Provider) Name() string { return "claude" }

func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := p.endpoint("/v1/models")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &llm.HealthStatus{Healthy: false}, err
	}
	p.setAuthHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("claude health check: status=%d msg=%s", resp.StatusCode, readAnthropicErrMsg(resp.Body))
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return nil, &llm.Error{
		Code:       llm.ErrInvalidRequest,
		Message:    "claude driver does not expose a model listing endpoint",
		HTTPStatus: http.StatusNotImplemented,
		Provider:   p.Name(),
	}
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) setAuthHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", defaultAPIVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func (p *Provider) resolveAPIKey(ctx context.Context) string {
	apiKey := p.cfg.APIKey
	if override, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if key := strings.TrimSpace(override.APIKey); key != "" {
			apiKey = key
		}
	}
	return apiKey
}

// --- Anthropic wire format ---
//
// Anthropic's message content is an array of typed blocks rather than
// a flat string, so the request/response shapes below carry a Type
// discriminator on every content element.

type messageBlock struct {
	Type      string          `json:"type"` // text | tool_use | tool_result
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"` // user | assistant
	Content []messageBlock `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type messagesRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	StopSeq     []string      `json:"stop_sequences,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []messageBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        *wireUsage     `json:"usage,omitempty"`
}

// streamEvent is the envelope for every named SSE event Anthropic emits:
// message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop.
type streamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	Delta        *streamEventDelta `json:"delta,omitempty"`
	ContentBlock *messageBlock     `json:"content_block,omitempty"`
	Message      *messagesResponse `json:"message,omitempty"`
	Usage        *wireUsage        `json:"usage,omitempty"`
}

type streamEventDelta struct {
	Type        string `json:"type"` // text_delta | input_json_delta
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type errorEnvelope struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// liftSystemPrompt splits a neutral message list into Anthropic's two
// parts: the system prompt (pulled out of the list entirely) and the
// remaining user/assistant turns. Tool-result messages get rewrapped
// as a user turn carrying a tool_result block, and assistant tool
// calls become tool_use blocks, since Anthropic has no dedicated
// "tool" role.
func liftSystemPrompt(msgs []llm.Message) (system string, turns []wireMessage) {
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = m.Content
			continue
		case llm.RoleTool:
			turns = append(turns, wireMessage{
				Role: "user",
				Content: []messageBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}

		turn := wireMessage{Role: string(m.Role)}
		if m.Content != "" {
			turn.Content = append(turn.Content, messageBlock{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			turn.Content = append(turn.Content, messageBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		if len(turn.Content) > 0 {
			turns = append(turns, turn)
		}
	}
	return system, turns
}

func encodeTools(tools []llm.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

func (p *Provider) buildRequest(req *llm.ChatRequest, stream bool) messagesRequest {
	system, turns := liftSystemPrompt(req.Messages)
	body := messagesRequest{
		Model:     chooseClaudeModel(req, p.cfg.Model),
		Messages:  turns,
		System:    system,
		MaxTokens: pickMaxTokens(req),
		StopSeq:   req.Stop,
		Stream:    stream,
		Tools:     encodeTools(req.Tools),
	}
	if !stream {
		body.Temperature = req.Temperature
		body.TopP = req.TopP
	}
	return body
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	req, err := p.rewrites.Execute(ctx, req)
	if err != nil {
		return nil, p.invalidRequestErr(err)
	}

	payload, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, p.invalidRequestErr(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/messages"), bytes.NewReader(payload))
	if err != nil {
		return nil, p.invalidRequestErr(err)
	}
	p.setAuthHeaders(httpReq, p.resolveAPIKey(ctx))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.upstreamErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapAnthropicError(resp.StatusCode, readAnthropicErrMsg(resp.Body), p.Name())
	}

	var wire messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, p.upstreamErr(err)
	}
	return toChatResponse(wire, p.Name()), nil
}

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	req, err := p.rewrites.Execute(ctx, req)
	if err != nil {
		return nil, p.invalidRequestErr(err)
	}

	payload, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, p.invalidRequestErr(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/messages"), bytes.NewReader(payload))
	if err != nil {
		return nil, p.invalidRequestErr(err)
	}
	p.setAuthHeaders(httpReq, p.resolveAPIKey(ctx))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapAnthropicError(resp.StatusCode, readAnthropicErrMsg(resp.Body), p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go p.relaySSE(resp.Body, ch)
	return ch, nil
}

// sseCursor tracks the state a chunked SSE body accumulates across
// events: the response ID/model named once in message_start, and any
// tool_use blocks whose arguments arrive as a stream of JSON
// fragments rather than a single value.
type sseCursor struct {
	id, model string
	toolCalls map[int]*llm.ToolCall
}

func (p *Provider) relaySSE(body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	reader := bufio.NewReader(body)
	cursor := sseCursor{toolCalls: make(map[int]*llm.ToolCall)}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				ch <- llm.StreamChunk{Err: p.upstreamErr(err)}
			}
			return
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "", strings.HasPrefix(line, "event:"):
			continue
		case !strings.HasPrefix(line, "data:"):
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			ch <- llm.StreamChunk{Err: p.upstreamErr(err)}
			return
		}

		if done := p.dispatchEvent(event, &cursor, ch); done {
			return
		}
	}
}

// dispatchEvent translates one named Anthropic SSE event into zero or
// more neutral llm.StreamChunk values, returning true once the stream
// is logically finished (message_stop).
func (p *Provider) dispatchEvent(event streamEvent, cursor *sseCursor, ch chan<- llm.StreamChunk) bool {
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			cursor.id = event.Message.ID
			cursor.model = event.Message.Model
		}

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			cursor.toolCalls[event.Index] = &llm.ToolCall{
				ID:        event.ContentBlock.ID,
				Name:      event.ContentBlock.Name,
				Arguments: json.RawMessage("{}"),
			}
		}

	case "content_block_delta":
		if event.Delta == nil {
			break
		}
		switch event.Delta.Type {
		case "text_delta":
			ch <- llm.StreamChunk{
				ID: cursor.id, Provider: p.Name(), Model: cursor.model, Index: event.Index,
				Delta: llm.Message{Role: llm.RoleAssistant, Content: event.Delta.Text},
			}
		case "input_json_delta":
			if tc, ok := cursor.toolCalls[event.Index]; ok {
				tc.Arguments = append(tc.Arguments, []byte(event.Delta.PartialJSON)...)
			}
		}

	case "content_block_stop":
		if tc, ok := cursor.toolCalls[event.Index]; ok {
			ch <- llm.StreamChunk{
				ID: cursor.id, Provider: p.Name(), Model: cursor.model, Index: event.Index,
				Delta: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{*tc}},
			}
			delete(cursor.toolCalls, event.Index)
		}

	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			ch <- llm.StreamChunk{ID: cursor.id, Provider: p.Name(), Model: cursor.model, FinishReason: event.Delta.StopReason}
		}

	case "message_stop":
		if event.Usage != nil {
			ch <- llm.StreamChunk{
				ID: cursor.id, Provider: p.Name(), Model: cursor.model,
				Usage: &llm.ChatUsage{
					PromptTokens:     event.Usage.InputTokens,
					CompletionTokens: event.Usage.OutputTokens,
					TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
				},
			}
		}
		return true
	}
	return false
}

func toChatResponse(wire messagesResponse, provider string) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}

	resp := &llm.ChatResponse{
		ID:       wire.ID,
		Provider: provider,
		Model:    wire.Model,
		Choices:  []llm.ChatChoice{{Index: 0, FinishReason: wire.StopReason, Message: msg}},
	}
	if wire.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}
	return resp
}

func readAnthropicErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", env.Error.Message, env.Error.Type)
	}
	return string(data)
}

// mapAnthropicError classifies an Anthropic error response into the
// gateway's driver-neutral error taxonomy. Anthropic overloads 400 for
// both malformed requests and spend-limit rejections, and reserves
// statusOverloaded for its own capacity signal instead of plain 503.
func mapAnthropicError(status int, msg string, provider string) *llm.Error {
	switch status {
	case http.StatusUnauthorized:
		return &llm.Error{Code: llm.ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusForbidden:
		return &llm.Error{Code: llm.ErrForbidden, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &llm.Error{Code: llm.ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusBadRequest:
		if strings.Contains(msg, "credit") || strings.Contains(msg, "quota") {
			return &llm.Error{Code: llm.ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case statusOverloaded:
		return &llm.Error{Code: llm.ErrModelOverloaded, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}

func (p *Provider) invalidRequestErr(err error) *llm.Error {
	return &llm.Error{Code: llm.ErrInvalidRequest, Message: err.Error(), HTTPStatus: http.StatusBadRequest, Provider: p.Name()}
}

func (p *Provider) upstreamErr(err error) *llm.Error {
	return &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
}

func chooseClaudeModel(req *llm.ChatRequest, configured string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if configured != "" {
		return configured
	}
	return defaultModel
}

func pickMaxTokens(req *llm.ChatRequest) int {
	if req != nil && req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}
