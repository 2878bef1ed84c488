// Package router implements C12: the gateway's own MCP surface. It exposes
// two built-in tools, search and execute, that front the federated tool
// catalog (C11) and the downstream clients (C10) respectively, per spec
// §4.9. The per-downstream session state machine spec §4.9 describes
// (UNINITIALIZED/READY, 404-drops-session, transport-error-drops-session)
// lives inside client.HTTPClient itself (see C10's DESIGN.md entry) — every
// call this router makes through a client.Client transparently
// re-initializes a dropped session, so this package only has to react to
// the one transition it owns: a list_changed notification triggering an
// index rebuild and a broadcast to the gateway's own connected sessions.
package router

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/mcpgw/client"
	"github.com/nexusgate/gateway/internal/mcpgw/index"
	"github.com/nexusgate/gateway/internal/ratelimit"
)

// SearchResult mirrors spec §4.9's search() tool response shape.
type SearchResult struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Score       float64         `json:"score"`
}

// Router federates a set of named downstream MCP clients behind the
// gateway's own search/execute tools.
type Router struct {
	servers map[string]client.Client
	index   *index.Index
	limiter *ratelimit.Limiter
	rlTree  config.RateLimitTree
	changed *changeBroadcaster

	rebuildMu sync.Mutex
}

// New builds a Router over servers (keyed by the configured [mcp.servers.*]
// name) and subscribes to each one's list_changed notifications so the
// federated index stays current. It does not call Initialize on any
// client — that is the caller's responsibility (gateway startup), per spec
// §4.7's startup-failure semantics for a stdio child that never initializes.
func New(servers map[string]client.Client, limiter *ratelimit.Limiter, rlTree config.RateLimitTree) *Router {
	r := &Router{
		servers: servers,
		index:   index.New(),
		limiter: limiter,
		rlTree:  rlTree,
		changed: newChangeBroadcaster(8, true),
	}
	for _, c := range servers {
		c.OnListChanged(func() { r.Rebuild(context.Background()) })
	}
	return r
}

// Rebuild queries every downstream's tool catalog and atomically replaces
// the federated index, then broadcasts the change to connected sessions.
// Safe to call concurrently; calls are serialized so two notifications
// firing back to back don't race the index swap.
func (r *Router) Rebuild(ctx context.Context) error {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	var docs []index.Document
	var firstErr error
	for name, c := range r.servers {
		tools, err := c.ListTools(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, tool := range tools {
			docs = append(docs, index.Document{
				Name:        name + "__" + tool.Name,
				Description: tool.Description,
				ParamKeys:   schemaKeys(tool.InputSchema),
				InputSchema: tool.InputSchema,
			})
		}
	}
	r.index.Rebuild(docs)
	r.changed.publish()
	return firstErr
}

// OnChange registers for the gateway's own list_changed notifications,
// returning a channel that receives one value per change and an
// unsubscribe func the caller must invoke when its session ends.
func (r *Router) OnChange() (<-chan struct{}, func()) {
	return r.changed.subscribe()
}

// Search implements the search built-in tool: ranks the federated catalog
// against keywords via the C11 index.
func (r *Router) Search(keywords []string, limit int) []SearchResult {
	hits := r.index.Search(keywords, limit)
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, SearchResult{Name: h.Name, Description: h.Description, InputSchema: h.InputSchema, Score: h.Score})
	}
	return out
}

// Execute implements the execute built-in tool: parses name at the first
// "__", resolves the prefix to a downstream client, checks the gateway's
// own rate limit for that server/tool, and forwards the call verbatim. Per
// spec §4.9, an unknown prefix, unknown tool, or missing separator all
// surface as method_not_found (the unknown-tool check applies once the
// federated index holds any tools), and a rate-limited call is rejected
// without ever reaching the downstream.
func (r *Router) Execute(ctx context.Context, name string, arguments json.RawMessage) (client.CallResult, error) {
	serverName, toolName, ok := strings.Cut(name, "__")
	if !ok {
		return client.CallResult{}, gwerrors.Newf(gwerrors.MethodNotFound, "tool name %q is missing the \"__\" server separator", name)
	}
	downstream, ok := r.servers[serverName]
	if !ok {
		return client.CallResult{}, gwerrors.Newf(gwerrors.MethodNotFound, "unknown mcp server %q", serverName)
	}
	if r.index.Len() > 0 && !r.index.Has(name) {
		return client.CallResult{}, gwerrors.Newf(gwerrors.MethodNotFound, "unknown tool %q", name)
	}
	if r.limiter != nil {
		if rule, ok := ratelimit.ResolveMCP(r.rlTree, serverName, toolName); ok {
			if err := r.limiter.Charge(ctx, rule, 1); err != nil {
				return client.CallResult{}, err
			}
		}
	}
	return downstream.CallTool(ctx, toolName, arguments)
}

// BuiltinTool describes one of the router's own search/execute tools, for
// the gateway's tools/list response.
type BuiltinTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// BuiltinTools returns the gateway's two built-in tool descriptors, per
// spec §4.9.
func BuiltinTools() []BuiltinTool {
	return []BuiltinTool{
		{
			Name:        "search",
			Description: "Search the federated tool catalog across all configured MCP servers.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"keywords":{"type":"array","items":{"type":"string"}}},"required":["keywords"]}`),
		},
		{
			Name:        "execute",
			Description: "Execute a federated tool by its \"<server>__<tool>\" name.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"arguments":{"type":"object"}},"required":["name","arguments"]}`),
		},
	}
}

func schemaKeys(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var parsed struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	keys := make([]string, 0, len(parsed.Properties))
	for k := range parsed.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
