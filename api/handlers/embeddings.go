package handlers

import (
	"net/http"

	"github.com/runestone-gateway/runestone/internal/httpapi"
	"github.com/runestone-gateway/runestone/llm"
	"go.uber.org/zap"
)

// EmbeddingsHandler serves POST /v1/embeddings by routing to a provider
// that implements llm.EmbeddingsProvider.
type EmbeddingsHandler struct {
	Router    *llm.Router
	Providers *llm.ProviderRegistry
	Logger    *zap.Logger
}

// NewEmbeddingsHandler builds an EmbeddingsHandler.
func NewEmbeddingsHandler(router *llm.Router, providers *llm.ProviderRegistry, logger *zap.Logger) *EmbeddingsHandler {
	return &EmbeddingsHandler{Router: router, Providers: providers, Logger: logger}
}

// Handle serves POST /v1/embeddings.
func (h *EmbeddingsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req httpapi.EmbeddingsRequest
	if !decodeOpenAIBody(w, r, &req, h.Logger) {
		return
	}
	if req.Model == "" {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "model is required")
		return
	}

	inputs, err := req.DecodedInputs()
	if err != nil || len(inputs) == 0 {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "input must be a string or array of strings")
		return
	}

	route, err := h.Router.Route(llm.RouteRequest{
		Model:        req.Model,
		Capabilities: []llm.Capability{llm.CapabilityEmbeddings},
	})
	if err != nil {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, err.Error())
		return
	}

	provider, ok := h.Providers.Get(route.ProviderName)
	if !ok {
		httpapi.WriteError(w, httpapi.TypeServerError, httpapi.CodeServiceUnavailable, "resolved provider is not registered")
		return
	}
	embedder, ok := provider.(llm.EmbeddingsProvider)
	if !ok {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "provider does not support embeddings: "+route.ProviderName)
		return
	}

	vectors, err := embedder.Embeddings(r.Context(), route.ResolvedModel, inputs)
	if err != nil {
		h.Logger.Error("embeddings request failed", zap.Error(err), zap.String("provider", route.ProviderName))
		httpapi.WriteError(w, httpapi.TypeServerError, httpapi.CodeServiceUnavailable, "upstream provider unavailable")
		return
	}

	resp := httpapi.EmbeddingsResponse{Object: "list", Model: route.ResolvedModel}
	for i, v := range vectors {
		resp.Data = append(resp.Data, httpapi.Embedding{Object: "embedding", Index: i, Embedding: v})
	}
	writeJSONOK(w, resp)
}
