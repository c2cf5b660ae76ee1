package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/runestone-gateway/runestone/llm"
	"github.com/stretchr/testify/assert"
)

func sampleRouter() *llm.Router {
	return llm.NewRouter(llm.RouterOptions{
		Policy: llm.PolicyDefault,
		CostTable: []llm.CostTableEntry{
			{
				Provider: "openai", Model: "gpt-4o-mini", ModelFamily: "gpt-4o", CostPer1kTokens: 0.15,
				Capabilities: map[llm.Capability]bool{llm.CapabilityChat: true, llm.CapabilityStreaming: true},
			},
			{
				Provider: "anthropic", Model: "claude-3-haiku", ModelFamily: "claude-3", CostPer1kTokens: 0.25,
				Capabilities: map[llm.Capability]bool{llm.CapabilityChat: true},
			},
		},
	})
}

func TestModelsHandler_List(t *testing.T) {
	h := NewModelsHandler(sampleRouter())
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	h.HandleList(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gpt-4o-mini")
	assert.Contains(t, rec.Body.String(), "claude-3-haiku")
	assert.Contains(t, rec.Body.String(), `"object":"list"`)
}

func TestModelsHandler_GetFound(t *testing.T) {
	h := NewModelsHandler(sampleRouter())
	req := httptest.NewRequest(http.MethodGet, "/v1/models/gpt-4o-mini", nil)
	rec := httptest.NewRecorder()

	h.HandleGet(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gpt-4o-mini")
}

func TestModelsHandler_GetNotFound(t *testing.T) {
	h := NewModelsHandler(sampleRouter())
	req := httptest.NewRequest(http.MethodGet, "/v1/models/does-not-exist", nil)
	rec := httptest.NewRecorder()

	h.HandleGet(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
