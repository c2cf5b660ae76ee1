// Package openai drives OpenAI's chat API. It embeds the generic
// openaicompat.Provider for the Chat Completions path and adds OpenAI's
// newer Responses API as an opt-in alternate path.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/runestone-gateway/runestone/llm"
	compat "github.com/runestone-gateway/runestone/llm/providers"
	"github.com/runestone-gateway/runestone/llm/providers/openaicompat"
	"github.com/runestone-gateway/runestone/providers"
	"go.uber.org/zap"
)

type previousResponseIDKey struct{}

// WithPreviousResponseID attaches a Responses API previous_response_id
// to ctx so a follow-up turn can thread a server-side conversation.
func WithPreviousResponseID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, previousResponseIDKey{}, id)
}

func PreviousResponseIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(previousResponseIDKey{}).(string)
	return v, ok && v != ""
}

// Provider is the OpenAI driver. The Chat Completions path is inherited
// unmodified from openaicompat.Provider; Completion is overridden only
// to route to the Responses API when configured to do so.
type Provider struct {
	*openaicompat.Provider
	openaiCfg providers.OpenAIConfig
}

func NewOpenAIProvider(cfg providers.OpenAIConfig, logger *zap.Logger) *Provider {
	p := &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "openai",
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "gpt-5.2",
			Timeout:       cfg.Timeout,
		}, logger),
		openaiCfg: cfg,
	}

	p.SetBuildHeaders(func(req *http.Request, apiKey string) {
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if cfg.Organization != "" {
			req.Header.Set("OpenAI-Organization", cfg.Organization)
		}
		req.Header.Set("Content-Type", "application/json")
	})

	return p
}

// Completion delegates to the inherited Chat Completions path unless
// UseResponsesAPI is set, in which case it routes to /v1/responses.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if !p.openaiCfg.UseResponsesAPI {
		return p.Provider.Completion(ctx, req)
	}

	req, err := p.RewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: fmt.Sprintf("request rewrite: %v", err),
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}

	apiKey := p.Provider.Cfg.APIKey
	if override, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if key := strings.TrimSpace(override.APIKey); key != "" {
			apiKey = key
		}
	}

	return p.completionWithResponsesAPI(ctx, req, apiKey)
}

// --- Responses API wire format ---

type responsesRequest struct {
	Model              string                       `json:"model"`
	Input              []responsesInput             `json:"input"`
	MaxOutputTokens    int                          `json:"max_output_tokens,omitempty"`
	Temperature        float32                      `json:"temperature,omitempty"`
	TopP               float32                      `json:"top_p,omitempty"`
	Tools              []compat.OpenAICompatTool `json:"tools,omitempty"`
	ToolChoice         any                          `json:"tool_choice,omitempty"`
	PreviousResponseID string                       `json:"previous_response_id,omitempty"`
	Store              bool                         `json:"store,omitempty"`
	Metadata           map[string]string            `json:"metadata,omitempty"`
}

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesResponse struct {
	ID          string                     `json:"id"`
	Object      string                     `json:"object"`
	CreatedAt   int64                      `json:"created_at"`
	Status      string                     `json:"status"`
	CompletedAt int64                      `json:"completed_at,omitempty"`
	Model       string                     `json:"model"`
	Output      []responsesOutput          `json:"output"`
	Usage       *compat.OpenAICompatUsage `json:"usage,omitempty"`
}

type responsesOutput struct {
	Type    string           `json:"type"`
	ID      string           `json:"id"`
	Status  string           `json:"status"`
	Role    string           `json:"role"`
	Content []responsesBlock `json:"content"`
}

type responsesBlock struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	Annotations []any           `json:"annotations,omitempty"`
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

func (p *Provider) completionWithResponsesAPI(ctx context.Context, req *llm.ChatRequest, apiKey string) (*llm.ChatResponse, error) {
	input := make([]responsesInput, 0, len(req.Messages))
	for _, msg := range req.Messages {
		input = append(input, responsesInput{Role: string(msg.Role), Content: msg.Content})
	}

	body := responsesRequest{
		Model:           compat.ChooseModel(req, p.openaiCfg.Model, "gpt-5.2"),
		Input:           input,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Tools:           compat.ConvertToolsToOpenAI(req.Tools),
		Store:           true,
	}
	if req.ToolChoice != "" {
		body.ToolChoice = req.ToolChoice
	}
	if req.PreviousResponseID != "" {
		body.PreviousResponseID = req.PreviousResponseID
	} else if prevID, ok := PreviousResponseIDFromContext(ctx); ok {
		body.PreviousResponseID = prevID
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal responses request: %w", err)
	}

	endpoint := strings.TrimRight(p.openaiCfg.BaseURL, "/") + "/v1/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build responses request: %w", err)
	}
	if p.Provider.Cfg.BuildHeaders != nil {
		p.Provider.Cfg.BuildHeaders(httpReq, apiKey)
	}

	resp, err := p.Provider.Client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, compat.MapHTTPError(resp.StatusCode, compat.ReadErrorMessage(resp.Body), p.Name())
	}

	var wire responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}

	return toResponsesChatResponse(wire, p.Name()), nil
}

func toResponsesChatResponse(resp responsesResponse, provider string) *llm.ChatResponse {
	choices := make([]llm.ChatChoice, 0, len(resp.Output))
	for idx, output := range resp.Output {
		if output.Type != "message" {
			continue
		}
		msg := llm.Message{Role: llm.Role(output.Role)}
		for _, block := range output.Content {
			switch block.Type {
			case "output_text":
				msg.Content += block.Text
			case "tool_call":
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Arguments})
			}
		}
		choices = append(choices, llm.ChatChoice{Index: idx, FinishReason: output.Status, Message: msg})
	}

	chatResp := &llm.ChatResponse{ID: resp.ID, Provider: provider, Model: resp.Model, Choices: choices}
	if resp.Usage != nil {
		chatResp.Usage = llm.ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	if resp.CreatedAt != 0 {
		chatResp.CreatedAt = time.Unix(resp.CreatedAt, 0)
	}
	return chatResp
}
