package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/mcpgw/client"
	mcprouter "github.com/nexusgate/gateway/internal/mcpgw/router"
)

type fakeMCPClient struct {
	tools      []client.Tool
	callResult client.CallResult
	callErr    error
	onChanged  func()
}

func (f *fakeMCPClient) Initialize(ctx context.Context) error { return nil }
func (f *fakeMCPClient) ListTools(ctx context.Context) ([]client.Tool, error) {
	return f.tools, nil
}
func (f *fakeMCPClient) ListPrompts(ctx context.Context) ([]client.Prompt, error)     { return nil, nil }
func (f *fakeMCPClient) ListResources(ctx context.Context) ([]client.Resource, error) { return nil, nil }
func (f *fakeMCPClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (client.CallResult, error) {
	return f.callResult, f.callErr
}
func (f *fakeMCPClient) GetPrompt(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeMCPClient) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeMCPClient) OnListChanged(fn func()) { f.onChanged = fn }
func (f *fakeMCPClient) Close() error            { return nil }

func newTestMCPRouter(t *testing.T) *mcprouter.Router {
	t.Helper()
	fc := &fakeMCPClient{
		tools: []client.Tool{{Name: "lookup", Description: "look things up"}},
	}
	r := mcprouter.New(map[string]client.Client{"docs": fc}, nil, config.RateLimitTree{})
	return r
}

func mcpRPCBody(method string, params any) string {
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	b, _ := json.Marshal(body)
	return string(b)
}

func TestMCPInitialize(t *testing.T) {
	h := New(Deps{MCP: config.MCPConfig{Enabled: true, Path: "/mcp"}, MCPRouter: newTestMCPRouter(t)})

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(mcpRPCBody("initialize", nil)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("mcp-session-id"))

	var resp mcpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
}

func TestMCPToolsList(t *testing.T) {
	h := New(Deps{MCP: config.MCPConfig{Enabled: true, Path: "/mcp"}, MCPRouter: newTestMCPRouter(t)})

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(mcpRPCBody("tools/list", nil)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Result struct {
			Tools []map[string]any `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	names := make([]string, 0, len(resp.Result.Tools))
	for _, tool := range resp.Result.Tools {
		names = append(names, tool["name"].(string))
	}
	assert.Contains(t, names, "search")
	assert.Contains(t, names, "execute")
}

func TestMCPToolsCallSearch(t *testing.T) {
	h := New(Deps{MCP: config.MCPConfig{Enabled: true, Path: "/mcp"}, MCPRouter: newTestMCPRouter(t)})

	params := map[string]any{"name": "search", "arguments": map[string]any{"keywords": []string{"lookup"}, "limit": 5}}
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(mcpRPCBody("tools/call", params)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp mcpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
}

func TestMCPToolsCallExecute(t *testing.T) {
	fc := &fakeMCPClient{
		tools:      []client.Tool{{Name: "lookup"}},
		callResult: client.CallResult{Result: json.RawMessage(`{"ok":true}`)},
	}
	r := mcprouter.New(map[string]client.Client{"docs": fc}, nil, config.RateLimitTree{})
	h := New(Deps{MCP: config.MCPConfig{Enabled: true, Path: "/mcp"}, MCPRouter: r})

	params := map[string]any{"name": "docs__lookup", "arguments": map[string]any{"q": "x"}}
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(mcpRPCBody("tools/call", params)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp mcpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
	assert.Equal(t, `{"ok":true}`, callResultText(t, resp))
}

// TestMCPToolsCallExecutePlainText guards against double-encoding a
// downstream's plain-text result (spec §8 scenario 6's "2 + 3 = 5"
// example): the client-visible text must be the literal string, not a
// JSON-quoted re-encoding of it.
func TestMCPToolsCallExecutePlainText(t *testing.T) {
	fc := &fakeMCPClient{
		tools:      []client.Tool{{Name: "calc"}},
		callResult: client.CallResult{Result: json.RawMessage(`"2 + 3 = 5"`)},
	}
	r := mcprouter.New(map[string]client.Client{"docs": fc}, nil, config.RateLimitTree{})
	h := New(Deps{MCP: config.MCPConfig{Enabled: true, Path: "/mcp"}, MCPRouter: r})

	params := map[string]any{"name": "docs__calc", "arguments": map[string]any{"q": "2 + 3"}}
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(mcpRPCBody("tools/call", params)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp mcpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
	assert.Equal(t, "2 + 3 = 5", callResultText(t, resp))
}

// callResultText extracts content[0].text from a decoded tools/call
// response.
func callResultText(t *testing.T, resp mcpResponse) string {
	t.Helper()
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	content, ok := result["content"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, content)
	block, ok := content[0].(map[string]any)
	require.True(t, ok)
	text, ok := block["text"].(string)
	require.True(t, ok)
	return text
}

func TestMCPUnknownMethod(t *testing.T) {
	h := New(Deps{MCP: config.MCPConfig{Enabled: true, Path: "/mcp"}, MCPRouter: newTestMCPRouter(t)})

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(mcpRPCBody("bogus/method", nil)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp mcpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "bogus/method")
}

func TestMCPAcceptsEventStream(t *testing.T) {
	h := New(Deps{MCP: config.MCPConfig{Enabled: true, Path: "/mcp"}, MCPRouter: newTestMCPRouter(t)})

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(mcpRPCBody("tools/list", nil)))
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)

	h.ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "data: ")
}
