// Package handlers implements the HTTP handlers for the Toolgate
// gateway: the SSE tool-execution endpoint and the tool-schema listing
// consumed by the LLM-facing layer.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/toolgate/toolgate/internal/api/middleware"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/gateway"
	"github.com/toolgate/toolgate/internal/stream"
	"github.com/toolgate/toolgate/internal/tracker"
	"github.com/toolgate/toolgate/internal/validate"
	"github.com/toolgate/toolgate/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Gateway *gateway.Gateway
	Budgets config.BudgetsConfig
}

// New creates a Handlers instance.
func New(gw *gateway.Gateway, budgets config.BudgetsConfig) *Handlers {
	return &Handlers{Gateway: gw, Budgets: budgets}
}

// ExecuteTool runs one tool call and streams progress as SSE. The
// response always ends with a terminal complete or error frame; the
// only non-200 path is a request body that cannot be decoded at all.
func (h *Handlers) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	var call models.ToolCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := stream.NewWriter(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	rlctx := middleware.GetIdentity(r.Context())

	// One tracker per request; connection teardown cancels r.Context(),
	// which propagates into any in-flight CDN or build work, and Destroy
	// reclaims whatever timers are still live.
	tr := tracker.New(h.Budgets)
	defer tr.Destroy()

	h.Gateway.Execute(r.Context(), call, rlctx, tr, out)

	if !out.Terminated() {
		// The gateway owes the stream a terminal frame on every path;
		// reaching here means it broke that contract.
		log.Error().Str("tool", call.ToolName).Str("request_id", rlctx.RequestID).
			Msg("stream left open after execution, forcing error frame")
		out.Error(models.ErrorPayload{
			Error:     "internal",
			Details:   "Something went wrong. Please try again.",
			RequestID: rlctx.RequestID,
		})
	}
}

// ListTools returns the declared tool schemas.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"tools": validate.Schemas(),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
