// Package openaicompat is the shared driver base for every upstream that
// speaks the OpenAI chat-completions wire format. Concrete providers
// (the OpenAI driver itself, and any OpenAI-shaped third party) embed
// Provider and only supply what actually differs: the provider name,
// base URL, default model, and auth header.
package openaicompat

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

	"github.com/runestone-gateway/runestone/internal/tlsutil"
	"github.com/runestone-gateway/runestone/llm"
	"github.com/runestone-gateway/runestone/llm/middleware"
	"github.com/runestone-gateway/runestone/llm/providers"
	"go.uber.org/zap"
)

// Config parameterizes one OpenAI-shaped upstream.
type Config struct {
	ProviderName string

	APIKey  string
	BaseURL string

	DefaultModel  string
	FallbackModel string

	Timeout time.Duration

	EndpointPath   string // chat completions path, default "/v1/chat/completions"
	ModelsEndpoint string // model listing path, default "/v1/models"

	// BuildHeaders overrides the default "Authorization: Bearer <key>"
	// header construction, for upstreams with their own auth scheme.
	BuildHeaders func(req *http.Request, apiKey string)

	// RequestHook lets an embedding provider tack on fields the generic
	// wire body doesn't know about before it is marshaled.
	RequestHook func(req *llm.ChatRequest, body *providers.OpenAICompatRequest)

	// SupportsTools defaults to true when left nil.
	SupportsTools *bool
}

// Provider is the embeddable OpenAI-compatible driver base.
type Provider struct {
	Cfg           Config
	Client        *http.Client
	Logger        *zap.Logger
	RewriterChain *middleware.RewriterChain
}

// New builds a Provider, filling in the defaults Config leaves zero.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:           cfg,
		Client:        tlsutil.SecureHTTPClient(cfg.Timeout),
		Logger:        logger,
		RewriterChain: middleware.NewRewriterChain(middleware.NewEmptyToolsCleaner()),
	}
}

func (p *Provider) Name() string { return p.Cfg.ProviderName }

func (p *Provider) SupportsNativeFunctionCalling() bool {
	if p.Cfg.SupportsTools != nil {
		return *p.Cfg.SupportsTools
	}
	return true
}

// SetBuildHeaders lets an embedding provider install its own auth scheme
// after construction, rather than threading it through Config.
func (p *Provider) SetBuildHeaders(fn func(req *http.Request, apiKey string)) {
	p.Cfg.BuildHeaders = fn
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) resolveAPIKey(ctx context.Context) string {
	if override, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if key := strings.TrimSpace(override.APIKey); key != "" {
			return key
		}
	}
	return p.Cfg.APIKey
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.Cfg.BaseURL, "/") + path
}

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("build health check request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	resp, err := p.Client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("%s health check: status=%d msg=%s", p.Cfg.ProviderName, resp.StatusCode, providers.ReadErrorMessage(resp.Body))
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return providers.ListModelsOpenAICompat(ctx, p.Client, p.Cfg.BaseURL, p.Cfg.APIKey, p.Cfg.ProviderName, p.Cfg.ModelsEndpoint, p.buildHeaders)
}

// buildChatBody assembles the wire request shared by Completion and
// Stream; the only difference between the two call sites is the Stream
// flag and whether a RequestHook gets a chance to see the final body.
func (p *Provider) buildChatBody(req *llm.ChatRequest, streaming bool) providers.OpenAICompatRequest {
	body := providers.OpenAICompatRequest{
		Model:       providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel),
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		Tools:       providers.ConvertToolsToOpenAI(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      streaming,
	}
	if req.ToolChoice != "" {
		body.ToolChoice = req.ToolChoice
	}
	if p.Cfg.RequestHook != nil {
		p.Cfg.RequestHook(req, &body)
	}
	return body
}

func (p *Provider) newChatHTTPRequest(ctx context.Context, req *llm.ChatRequest, streaming bool) (*http.Request, error) {
	payload, err := json.Marshal(p.buildChatBody(req, streaming))
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	p.buildHeaders(httpReq, p.resolveAPIKey(ctx))
	return httpReq, nil
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	req, err := p.RewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, p.rewriteErr(err)
	}

	httpReq, err := p.newChatHTTPRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, p.upstreamErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadErrorMessage(resp.Body), p.Name())
	}

	var wire providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, p.upstreamErr(err)
	}

	result := providers.ToLLMChatResponse(wire, p.Name())
	if wire.Created != 0 {
		result.CreatedAt = time.Unix(wire.Created, 0)
	}
	return result, nil
}

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	req, err := p.RewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, p.rewriteErr(err)
	}

	httpReq, err := p.newChatHTTPRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, p.upstreamErr(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadErrorMessage(resp.Body), p.Name())
	}

	return StreamSSE(ctx, resp.Body, p.Name()), nil
}

func (p *Provider) rewriteErr(err error) *llm.Error {
	return &llm.Error{Code: llm.ErrInvalidRequest, Message: fmt.Sprintf("request rewrite: %v", err), HTTPStatus: http.StatusBadRequest, Provider: p.Name()}
}

func (p *Provider) upstreamErr(err error) *llm.Error {
	return &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
}

// StreamSSE decodes an OpenAI-shaped SSE body into the gateway's neutral
// stream events. It owns the response body's lifetime: closing it, and
// the returned channel, once the upstream signals [DONE] or EOF.
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var wire providers.OpenAICompatResponse
			if err := json.Unmarshal([]byte(data), &wire); err != nil {
				sendChunk(ctx, ch, llm.StreamChunk{Err: &llm.Error{
					Code: llm.ErrUpstreamError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerName,
				}})
				return
			}

			for _, choice := range wireChunks(wire, providerName) {
				if !sendChunk(ctx, ch, choice) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			sendChunk(ctx, ch, llm.StreamChunk{Err: &llm.Error{
				Code: llm.ErrUpstreamError, Message: err.Error(),
				HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerName,
			}})
		}
	}()
	return ch
}

func wireChunks(wire providers.OpenAICompatResponse, providerName string) []llm.StreamChunk {
	out := make([]llm.StreamChunk, 0, len(wire.Choices))
	for _, choice := range wire.Choices {
		chunk := llm.StreamChunk{
			ID:           wire.ID,
			Provider:     providerName,
			Model:        wire.Model,
			Index:        choice.Index,
			FinishReason: choice.FinishReason,
			Delta:        llm.Message{Role: llm.RoleAssistant},
		}
		if choice.Delta != nil {
			chunk.Delta.Content = choice.Delta.Content
			for _, tc := range choice.Delta.ToolCalls {
				chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, llm.ToolCall{
					ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
				})
			}
		}
		out = append(out, chunk)
	}
	return out
}

// sendChunk delivers chunk unless ctx has already been canceled,
// reporting whether the send went through.
func sendChunk(ctx context.Context, ch chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}
