package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/runestone-gateway/runestone/internal/httpapi"
	"github.com/runestone-gateway/runestone/llm"
)

// ModelsHandler serves GET /v1/models and GET /v1/models/{id}, listing the
// provider/model pairings the router's cost table knows about.
type ModelsHandler struct {
	Router *llm.Router
}

// NewModelsHandler builds a ModelsHandler over router's cost table.
func NewModelsHandler(router *llm.Router) *ModelsHandler {
	return &ModelsHandler{Router: router}
}

// HandleList serves GET /v1/models.
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries := h.Router.Entries()
	list := httpapi.ModelList{Object: "list", Data: make([]httpapi.Model, 0, len(entries))}
	for _, e := range entries {
		list.Data = append(list.Data, toWireModel(e))
	}
	writeJSONOK(w, list)
}

// HandleGet serves GET /v1/models/{id}, where id is taken from the final
// path segment.
func (h *ModelsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	id = strings.Trim(id, "/")
	if id == "" {
		httpapi.WriteError(w, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "model id is required")
		return
	}

	for _, e := range h.Router.Entries() {
		if e.Model == id {
			writeJSONOK(w, toWireModel(e))
			return
		}
	}
	httpapi.WriteErrorStatus(w, http.StatusNotFound, httpapi.TypeInvalidRequest, httpapi.CodeBadRequest, "model not found: "+id)
}

func toWireModel(e llm.CostTableEntry) httpapi.Model {
	caps := make([]string, 0, len(e.Capabilities))
	for c, ok := range e.Capabilities {
		if ok {
			caps = append(caps, string(c))
		}
	}
	return httpapi.Model{
		ID:              e.Model,
		Object:          "model",
		OwnedBy:         e.Provider,
		Provider:        e.Provider,
		Capabilities:    caps,
		CostPer1kTokens: e.CostPer1kTokens,
	}
}

func writeJSONOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
