package handlers

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runestone-gateway/runestone/internal/gateway"
	"github.com/runestone-gateway/runestone/internal/metrics"
	"github.com/runestone-gateway/runestone/llm"
	"github.com/runestone-gateway/runestone/llm/circuitbreaker"
	"github.com/runestone-gateway/runestone/llm/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNamespaceCounter int64

// nextTestNamespace returns a unique Prometheus namespace per call so
// concurrent/sequential tests in this file don't collide on metric
// registration against the default registry.
func nextTestNamespace() string {
	return fmt.Sprintf("completions_test_%d", atomic.AddInt64(&testNamespaceCounter, 1))
}

type fakeProvider struct {
	name    string
	reply   *llm.ChatResponse
	chunks  []llm.StreamChunk
	failErr error
}

func (p *fakeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.failErr != nil {
		return nil, p.failErr
	}
	return p.reply, nil
}

func (p *fakeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (p *fakeProvider) Name() string                       { return p.name }
func (p *fakeProvider) SupportsNativeFunctionCalling() bool { return false }
func (p *fakeProvider) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }

func newTestHandler(t *testing.T, provider *fakeProvider) *CompletionsHandler {
	t.Helper()
	registry := llm.NewProviderRegistry()
	registry.Register(provider.Name(), provider)
	router := llm.NewRouter(llm.RouterOptions{Policy: llm.PolicyDefault, DefaultProvider: provider.Name()})

	pipeline := &gateway.Pipeline{
		Router:    router,
		Providers: registry,
		Breakers:  map[string]circuitbreaker.CircuitBreaker{},
		Retryer:   retry.NewBackoffRetryer(&retry.RetryPolicy{MaxRetries: 0}, zap.NewNop()),
		Metrics:   metrics.NewCollector(nextTestNamespace(), zap.NewNop()),
		Logger:    zap.NewNop(),
	}
	return NewCompletionsHandler(pipeline, zap.NewNop())
}

func TestHandleChatCompletions_NonStreaming(t *testing.T) {
	provider := &fakeProvider{
		name: "openai",
		reply: &llm.ChatResponse{
			Model:   "gpt-4o-mini",
			Choices: []llm.ChatChoice{{Index: 0, Message: llm.Message{Role: llm.RoleAssistant, Content: "hi there"}}},
			Usage:   llm.ChatUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		},
	}
	h := newTestHandler(t, provider)

	body := strings.NewReader(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	h.HandleChatCompletions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hi there")
	assert.Contains(t, rec.Body.String(), `"object":"chat.completion"`)
}

func TestHandleChatCompletions_MissingModel(t *testing.T) {
	h := newTestHandler(t, &fakeProvider{name: "openai"})
	body := strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	h.HandleChatCompletions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
}

func TestHandleChatCompletions_UpstreamError(t *testing.T) {
	h := newTestHandler(t, &fakeProvider{name: "openai", failErr: assertErr{}})
	body := strings.NewReader(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	h.HandleChatCompletions(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestHandleChatCompletions_Streaming(t *testing.T) {
	provider := &fakeProvider{
		name: "openai",
		chunks: []llm.StreamChunk{
			{Delta: llm.Message{Content: "he"}},
			{Delta: llm.Message{Content: "llo"}},
			{FinishReason: "stop"},
		},
	}
	h := newTestHandler(t, provider)
	h.IdleTimeout = 2 * time.Second

	body := strings.NewReader(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	h.HandleChatCompletions(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	lines := readSSELines(t, rec.Body.String())
	require.NotEmpty(t, lines)
	assert.Contains(t, rec.Body.String(), `"content":"he"`)
	assert.Contains(t, rec.Body.String(), "[DONE]")
}

func readSSELines(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			out = append(out, line)
		}
	}
	return out
}
