package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/runestone-gateway/runestone/internal/gateway"
	"github.com/runestone-gateway/runestone/internal/httpapi"
	"github.com/runestone-gateway/runestone/internal/relay"
	"github.com/runestone-gateway/runestone/llm"
	"github.com/runestone-gateway/runestone/types"
	"go.uber.org/zap"
)

// CompletionsHandler serves the OpenAI-compatible /v1/chat/completions and
// /v1/completions surface: it resolves a route through the gateway pipeline
// and either returns a JSON chat-completion object or relays an SSE stream.
type CompletionsHandler struct {
	Pipeline    *gateway.Pipeline
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// NewCompletionsHandler builds a CompletionsHandler with the relay's default
// idle timeout when none is given.
func NewCompletionsHandler(pipeline *gateway.Pipeline, logger *zap.Logger) *CompletionsHandler {
	return &CompletionsHandler{
		Pipeline:    pipeline,
		IdleTimeout: relay.DefaultIdleTimeout,
		Logger:      logger,
	}
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (h *CompletionsHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req httpapi.ChatCompletionRequest
	if !decodeOpenAIBody(w, r, &req, h.Logger) {
		return
	}

	if req.Model == "" {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "messages cannot be empty")
		return
	}

	route, chatReq := buildChatRoute(&req)

	if req.Stream {
		h.stream(w, r, route, chatReq)
		return
	}
	h.complete(w, r, route, chatReq)
}

// HandleCompletions serves the legacy prompt-based POST /v1/completions,
// translated into a single-message chat request and routed identically.
func (h *CompletionsHandler) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	var req httpapi.CompletionRequest
	if !decodeOpenAIBody(w, r, &req, h.Logger) {
		return
	}

	if req.Model == "" {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "model is required")
		return
	}
	if req.Prompt == "" {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "prompt cannot be empty")
		return
	}

	route := llm.RouteRequest{
		Provider:        req.Provider,
		Model:           req.Model,
		ModelFamily:     req.ModelFamily,
		Capabilities:    toCapabilities(req.Capabilities),
		MaxCostPerToken: req.MaxCostPerToken,
		TenantID:        req.TenantID,
	}
	chatReq := &llm.ChatRequest{
		TraceID:     req.RequestID,
		TenantID:    req.TenantID,
		Model:       req.Model,
		Messages:    []types.Message{types.NewUserMessage(req.Prompt)},
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Temperature: floatOr(req.Temperature, 0),
		TopP:        floatOr(req.TopP, 0),
	}

	if req.Stream {
		h.stream(w, r, route, chatReq)
		return
	}
	h.complete(w, r, route, chatReq)
}

func (h *CompletionsHandler) complete(w http.ResponseWriter, r *http.Request, route llm.RouteRequest, req *llm.ChatRequest) {
	resp, err := h.Pipeline.Complete(r.Context(), route, req)
	if err != nil {
		writeUpstreamError(w, h.Logger, err)
		return
	}

	out := httpapi.ChatCompletionResponse{
		ID:       resp.ID,
		Object:   "chat.completion",
		Created:  resp.CreatedAt.Unix(),
		Model:    resp.Model,
		Provider: resp.Provider,
		Usage: httpapi.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, httpapi.ChatCompletionChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      httpapi.ChatMessage{Role: string(c.Message.Role), Content: c.Message.Content},
		})
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + uuid.NewString()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func (h *CompletionsHandler) stream(w http.ResponseWriter, r *http.Request, route llm.RouteRequest, req *llm.ChatRequest) {
	result, err := h.Pipeline.Stream(r.Context(), route, req)
	if err != nil {
		writeUpstreamError(w, h.Logger, err)
		return
	}

	principal, _ := httpapi.PrincipalFromContext(r.Context())
	// Rate-limit headers were already written by the admission middleware.
	frame, err := relay.WriteHeaders(w, nil)
	if err != nil {
		h.Logger.Error("stream headers unsupported", zap.Error(err))
		httpapi.WriteError(w, httpapi.TypeServerError, httpapi.CodeServiceUnavailable, "streaming unsupported by this connection")
		return
	}

	session := relay.NewSession(req.TraceID)
	done := make(chan struct{})
	go pumpProviderStream(r.Context(), session, result.Chunks, done)

	start := time.Now()
	outcome, bytesWritten, runErr := relay.Run(r.Context(), session, frame, h.IdleTimeout)
	<-done
	duration := time.Since(start)

	if principal != nil && principal.Slot != nil {
		// Streaming outlives the admission middleware's own deferred
		// release, so the handler releases once the relay loop exits.
		principal.Slot.Release()
	}

	if h.Pipeline.Metrics != nil {
		h.Pipeline.Metrics.RecordStreamSession(result.Provider, string(outcome), duration, bytesWritten)
	}

	if runErr != nil {
		h.Logger.Warn("stream relay ended with error", zap.Error(runErr), zap.String("outcome", string(outcome)),
			zap.Float64("estimated_cost", result.EstimatedCost))
	}
}

// pumpProviderStream adapts the provider's StreamChunk channel onto the
// relay's neutral Event union, closing done once the source is drained.
func pumpProviderStream(ctx context.Context, session *relay.Session, chunks <-chan llm.StreamChunk, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			_ = session.Send(ctx, relay.Event{Kind: relay.EventError, Err: ctx.Err()})
			return
		case chunk, ok := <-chunks:
			if !ok {
				_ = session.Send(ctx, relay.Event{Kind: relay.EventDone})
				return
			}
			if chunk.Err != nil {
				_ = session.Send(ctx, relay.Event{Kind: relay.EventError, Err: errors.New(chunk.Err.Message)})
				return
			}
			if chunk.Delta.Content != "" {
				if err := session.Send(ctx, relay.Event{Kind: relay.EventDeltaText, Text: chunk.Delta.Content}); err != nil {
					return
				}
			}
			if chunk.FinishReason != "" {
				_ = session.Send(ctx, relay.Event{Kind: relay.EventDone})
				return
			}
		}
	}
}

func buildChatRoute(req *httpapi.ChatCompletionRequest) (llm.RouteRequest, *llm.ChatRequest) {
	route := llm.RouteRequest{
		Provider:        req.Provider,
		Model:           req.Model,
		ModelFamily:     req.ModelFamily,
		Capabilities:    toCapabilities(req.Capabilities),
		MaxCostPerToken: req.MaxCostPerToken,
		TenantID:        req.TenantID,
	}

	messages := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, types.Message{Role: types.Role(m.Role), Content: m.Content, Name: m.Name})
	}

	chatReq := &llm.ChatRequest{
		TraceID:     req.RequestID,
		TenantID:    req.TenantID,
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Temperature: floatOr(req.Temperature, 0),
		TopP:        floatOr(req.TopP, 0),
	}
	return route, chatReq
}

func toCapabilities(names []string) []llm.Capability {
	if len(names) == 0 {
		return nil
	}
	out := make([]llm.Capability, len(names))
	for i, n := range names {
		out[i] = llm.Capability(n)
	}
	return out
}

func floatOr(p *float32, fallback float32) float32 {
	if p == nil {
		return fallback
	}
	return *p
}

// decodeOpenAIBody decodes an OpenAI-compatible JSON body, writing the
// OpenAI error envelope (not the generic api.Response shape) on failure.
func decodeOpenAIBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) bool {
	if r.Body == nil {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "request body is empty")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeUpstreamError classifies a pipeline error (router/breaker/retry) into
// the OpenAI error envelope. Everything the pipeline returns after
// exhausting retries and failover is a server-side condition from the
// client's perspective.
func writeUpstreamError(w http.ResponseWriter, logger *zap.Logger, err error) {
	if errors.Is(err, llm.ErrNoProviderSatisfies) {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, err.Error())
		return
	}
	logger.Error("upstream request failed", zap.Error(err))
	httpapi.WriteError(w, httpapi.TypeServerError, httpapi.CodeServiceUnavailable, "upstream provider unavailable")
}
