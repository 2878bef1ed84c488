package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/llm/model"
	"github.com/nexusgate/gateway/internal/llm/router"
	"github.com/nexusgate/gateway/internal/telemetry"
)

type llmHandler struct {
	router  *router.Router
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// handleChatCompletions implements POST /llm/v1/chat/completions per spec
// §6: a unary JSON response, or, when the body sets stream:true, an SSE
// stream of canonical chunks terminated either by the upstream's own
// terminal chunk or, on a mid-stream failure, one final error frame per
// spec §7 before the connection closes.
func (h *llmHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req model.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidRequest, err), config.OAuthConfig{})
		return
	}

	ctx := router.WithRequestMeta(r.Context(), router.RequestMeta{
		Inbound:  r.Header,
		Identity: identityFromContext(r.Context()),
	})

	start := time.Now()
	if !req.Stream {
		resp, err := h.router.Complete(ctx, req)
		h.recordCompletion(req.Model, "unary", start, err)
		if err != nil {
			writeError(w, err, config.OAuthConfig{})
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, gwerrors.New(gwerrors.InternalError, "response writer does not support streaming"), config.OAuthConfig{})
		return
	}
	err := h.router.Stream(ctx, req, func(chunk model.Chunk) error {
		return sse.writeJSON(chunk)
	})
	h.recordCompletion(req.Model, "stream", start, err)
	if err != nil {
		h.logger.Warn(ctx, "chat completion stream terminated with error", "error", err)
		_ = sse.writeJSON(model.AsStreamError(err))
	}
	sse.writeDone()
}

// recordCompletion records C7's per-request latency histogram and
// outcome counter for a chat-completions call, tagged by model and mode
// (unary vs stream) per spec §2's component table.
func (h *llmHandler) recordCompletion(modelName, mode string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.metrics.RecordTimer("llm_request_duration", time.Since(start), "model", modelName, "mode", mode)
	h.metrics.IncCounter("llm_requests_total", 1, "model", modelName, "mode", mode, "outcome", outcome)
}

// handleListModels implements GET /llm/v1/models per spec §6.
func (h *llmHandler) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   h.router.ListModels(),
	})
}
