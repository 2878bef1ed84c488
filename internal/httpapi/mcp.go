package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nexusgate/gateway/internal/gwerrors"
	mcprouter "github.com/nexusgate/gateway/internal/mcpgw/router"
	"github.com/nexusgate/gateway/internal/telemetry"
)

// mcpRequest/mcpResponse/mcpError mirror the JSON-RPC 2.0 envelope C10's
// downstream client speaks, symmetric here on the server side: the gateway
// is itself an MCP server to its own callers, per spec §4.9's built-in
// search/execute tools.
type mcpRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id"`
	Params  json.RawMessage `json:"params"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpHandler struct {
	router *mcprouter.Router
	logger telemetry.Logger
}

func newMCPHandler(r *mcprouter.Router, logger telemetry.Logger) *mcpHandler {
	return &mcpHandler{router: r, logger: logger}
}

// handleRPC implements POST <mcp.path>: a JSON-RPC 2.0 endpoint that
// initializes a session, lists the two built-in tools, and dispatches
// tools/call to search/execute. When the caller asks for
// "Accept: text/event-stream", the response frame is followed by a
// long-lived stream of notifications/tools/list_changed events pushed
// whenever the federated catalog changes, until the client disconnects.
func (h *mcpHandler) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req mcpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeResponse(w, r, nil, nil, gwerrors.Wrap(gwerrors.InvalidRequest, err))
		return
	}

	var sessionID string
	result, err := h.dispatch(r.Context(), req, &sessionID)
	if sessionID != "" {
		w.Header().Set("mcp-session-id", sessionID)
	}
	h.writeResponse(w, r, req.ID, result, err)
}

func (h *mcpHandler) dispatch(ctx context.Context, req mcpRequest, sessionID *string) (any, error) {
	switch req.Method {
	case "initialize":
		*sessionID = uuid.NewString()
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "nexusgate-mcp-gateway", "version": "dev"},
			"capabilities":    map[string]any{"tools": map[string]bool{"listChanged": true}},
		}, nil
	case "notifications/initialized":
		return nil, nil
	case "tools/list":
		tools := mcprouter.BuiltinTools()
		out := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			out = append(out, map[string]any{"name": t.Name, "description": t.Description, "inputSchema": t.InputSchema})
		}
		return map[string]any{"tools": out}, nil
	case "tools/call":
		return h.callTool(ctx, req.Params)
	default:
		return nil, gwerrors.Newf(gwerrors.MethodNotFound, "unknown method %q", req.Method)
	}
}

func (h *mcpHandler) callTool(ctx context.Context, rawParams json.RawMessage) (any, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, gwerrors.Wrap(gwerrors.InvalidRequest, err)
	}

	switch params.Name {
	case "search":
		var args struct {
			Keywords []string `json:"keywords"`
			Limit    int      `json:"limit"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return nil, gwerrors.Wrap(gwerrors.InvalidRequest, err)
		}
		results := h.router.Search(args.Keywords, args.Limit)
		return toolResultContent(map[string]any{"results": results}, false), nil
	case "execute":
		var args struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return nil, gwerrors.Wrap(gwerrors.InvalidRequest, err)
		}
		result, err := h.router.Execute(ctx, args.Name, args.Arguments)
		if err != nil {
			return nil, err
		}
		return toolResultContentFromRaw(result.Result, result.IsError), nil
	default:
		return nil, gwerrors.Newf(gwerrors.MethodNotFound, "unknown tool %q", params.Name)
	}
}

func toolResultContent(payload any, isError bool) map[string]any {
	text, _ := json.Marshal(payload)
	return map[string]any{
		"content": []map[string]string{{"type": "text", "text": string(text)}},
		"isError": isError,
	}
}

// toolResultContentFromRaw builds the content block from a downstream's
// CallResult.Result, which is already JSON-encoded: a JSON string payload
// (a downstream returning plain text) unwraps to its literal text so the
// caller sees it verbatim per spec §4.9, rather than a re-quoted JSON
// string; anything else (object, array, number) passes through as its JSON
// text form unchanged.
func toolResultContentFromRaw(raw json.RawMessage, isError bool) map[string]any {
	text := string(raw)
	var s string
	if json.Unmarshal(raw, &s) == nil {
		text = s
	}
	return map[string]any{
		"content": []map[string]string{{"type": "text", "text": text}},
		"isError": isError,
	}
}

func (h *mcpHandler) writeResponse(w http.ResponseWriter, r *http.Request, id json.RawMessage, result any, err error) {
	resp := mcpResponse{JSONRPC: "2.0", ID: id, Result: result}
	if err != nil {
		h.logger.Warn(r.Context(), "mcp request failed", "error", err)
		var gerr *gwerrors.Error
		if gwerrors.As(err, &gerr) {
			resp.Error = &mcpError{Code: gerr.Kind.JSONRPCCode(), Message: gerr.Error()}
		} else {
			resp.Error = &mcpError{Code: gwerrors.InternalError.JSONRPCCode(), Message: err.Error()}
		}
		resp.Result = nil
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	_ = sse.writeJSON(resp)
	h.streamListChanges(r.Context(), sse)
}

// streamListChanges keeps the SSE connection open, pushing a
// notifications/tools/list_changed frame every time the federated catalog
// is rebuilt, until the client disconnects.
func (h *mcpHandler) streamListChanges(ctx context.Context, sse *sseWriter) {
	ch, unsubscribe := h.router.OnChange()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.writeJSON(map[string]any{"jsonrpc": "2.0", "method": "notifications/tools/list_changed"}); err != nil {
				return
			}
		}
	}
}
