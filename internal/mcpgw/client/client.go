// Package client implements C10: the gateway's connection to a single
// downstream MCP server, over either the HTTP-streamable or stdio
// transport. Grounded on the teacher's features/mcp/runtime package (the
// rpcRequest/rpcResponse envelope, tool-call result normalization) and
// runtime/mcp (trace propagation), generalized from a CallTool-only Caller
// to the fuller Client surface spec §4.7 requires: initialize, list_tools,
// list_prompts, list_resources, call_tool, get_prompt, read_resource, and a
// list_changed subscription.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nexusgate/gateway/internal/gwerrors"
)

// DefaultProtocolVersion is the MCP protocol version negotiated on initialize
// when a downstream config doesn't pin one.
const DefaultProtocolVersion = "2024-11-05"

// rpcRequest is the outbound JSON-RPC 2.0 envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is the inbound JSON-RPC 2.0 envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// asGatewayError classifies a downstream JSON-RPC error by its numeric code
// per spec §4.7: -32000 rate_limit_exceeded, -32601 method_not_found,
// -32602 invalid_params (folded into InvalidRequest; the gateway's closed
// Kind taxonomy has no separate invalid_params value, see DESIGN.md),
// -32603 internal_error. Any other code surfaces as UpstreamError, carrying
// the original code/message in the description for diagnostics.
func (e *rpcError) asGatewayError() *gwerrors.Error {
	if e == nil {
		return nil
	}
	kind := gwerrors.UpstreamError
	switch e.Code {
	case -32000:
		kind = gwerrors.RateLimitExceeded
	case -32601:
		kind = gwerrors.MethodNotFound
	case -32602:
		kind = gwerrors.InvalidRequest
	case -32603:
		kind = gwerrors.InternalError
	}
	return gwerrors.Newf(kind, "mcp error %d: %s", e.Code, e.Message)
}

// Tool is a single tool advertised by a downstream's tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Prompt is a single prompt advertised by a downstream's prompts/list.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Resource is a single resource advertised by a downstream's resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// CallResult is a normalized tools/call response: the raw content payload
// plus, when the downstream tagged it as application/json, its structured
// form.
type CallResult struct {
	Result     json.RawMessage
	Structured json.RawMessage
	IsError    bool
}

// Client is the gateway's view of a single downstream MCP server. Both
// transport implementations (http, stdio) satisfy it.
type Client interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	ListResources(ctx context.Context) ([]Resource, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (CallResult, error)
	GetPrompt(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error)
	ReadResource(ctx context.Context, uri string) (json.RawMessage, error)
	// OnListChanged registers fn to be invoked whenever the downstream emits a
	// notifications/tools/list_changed notification. Only one subscriber is
	// needed in practice (C11's index rebuilder); registering again replaces
	// the previous subscriber.
	OnListChanged(fn func())
	Close() error
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*StdioClient)(nil)
)

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type promptsListResult struct {
	Prompts []Prompt `json:"prompts"`
}

type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}

type toolsCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type contentItem struct {
	Type     string  `json:"type"`
	Text     *string `json:"text"`
	MimeType *string `json:"mimeType"`
}

func (c contentItem) text() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

// normalizeToolResult flattens the first content block of a tools/call
// result into a CallResult, tagging the structured field when the block is
// JSON-typed. Mirrors the teacher's normalizeToolResult.
func normalizeToolResult(result toolsCallResult) (CallResult, error) {
	if len(result.Content) == 0 {
		return CallResult{IsError: result.IsError}, errors.New("mcp: empty tool result")
	}
	item := result.Content[0]
	var payload json.RawMessage
	var structured json.RawMessage
	if item.Text != nil {
		textBytes := []byte(*item.Text)
		if json.Valid(textBytes) {
			payload = append(json.RawMessage(nil), textBytes...)
		} else {
			marshaled, err := json.Marshal(*item.Text)
			if err != nil {
				return CallResult{}, err
			}
			payload = marshaled
		}
		if item.MimeType != nil && *item.MimeType == "application/json" && json.Valid(textBytes) {
			structured = append(json.RawMessage(nil), textBytes...)
		}
	}
	if len(payload) == 0 {
		text := item.text()
		if text == "" {
			return CallResult{IsError: result.IsError}, errors.New("mcp: tool returned no content")
		}
		marshaled, err := json.Marshal(text)
		if err != nil {
			return CallResult{}, err
		}
		payload = marshaled
	}
	return CallResult{Result: payload, Structured: structured, IsError: result.IsError}, nil
}

func initializeParams(protocolVersion, clientName, clientVersion string) map[string]any {
	if protocolVersion == "" {
		protocolVersion = DefaultProtocolVersion
	}
	if clientName == "" {
		clientName = "nexusgate"
	}
	if clientVersion == "" {
		clientVersion = "dev"
	}
	return map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
}
