package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/colonycraft/llm-gateway/internal/gateway"
	"github.com/colonycraft/llm-gateway/internal/gateway/apierr"
)

type LLMHandler struct {
	gw            *gateway.Gateway
	limitCapacity float64
	log           zerolog.Logger
}

func NewLLMHandler(gw *gateway.Gateway, limitCapacity float64, log zerolog.Logger) *LLMHandler {
	return &LLMHandler{
		gw:            gw,
		limitCapacity: limitCapacity,
		log:           log.With().Str("component", "http").Logger(),
	}
}

type generateRequest struct {
	Provider string                 `json:"provider"`
	Model    string                 `json:"model"`
	Prompt   string                 `json:"prompt"`
	Options  map[string]interface{} `json:"options,omitempty"`
	Failover []string               `json:"failover,omitempty"`
}

// HandleGenerate handles POST /v1/llm/generate
func (h *LLMHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, apierr.New(apierr.KindKeyNotFound, "unauthenticated"))
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindBadRequest, "invalid request body"))
		return
	}
	if req.Provider == "" || req.Model == "" || req.Prompt == "" {
		writeError(w, apierr.New(apierr.KindBadRequest, "provider, model, and prompt are required"))
		return
	}

	result, err := h.gw.Handle(r.Context(), gateway.HandleRequest{
		Identity: identity,
		Provider: req.Provider,
		Model:    req.Model,
		Prompt:   req.Prompt,
		Options:  req.Options,
		Failover: req.Failover,
	})
	if result != nil {
		setRateLimitHeaders(w, h.limitCapacity, result.Decision)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%v", result.CacheHit))
	w.Header().Set("X-Provider", result.Provider)
	if result.FailoverUsed {
		w.Header().Set("X-Failover", "true")
	}
	json.NewEncoder(w).Encode(result.Response)
}
