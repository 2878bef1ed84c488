package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/mcpgw/client"
	"github.com/nexusgate/gateway/internal/ratelimit"
	"github.com/nexusgate/gateway/internal/ratelimit/memstore"
)

type fakeDownstream struct {
	tools         []client.Tool
	listChangedFn func()
	calls         []string
	callResult    client.CallResult
	callErr       error
}

func (f *fakeDownstream) Initialize(context.Context) error { return nil }
func (f *fakeDownstream) ListTools(context.Context) ([]client.Tool, error) {
	return f.tools, nil
}
func (f *fakeDownstream) ListPrompts(context.Context) ([]client.Prompt, error)     { return nil, nil }
func (f *fakeDownstream) ListResources(context.Context) ([]client.Resource, error) { return nil, nil }
func (f *fakeDownstream) CallTool(ctx context.Context, name string, args json.RawMessage) (client.CallResult, error) {
	f.calls = append(f.calls, name)
	return f.callResult, f.callErr
}
func (f *fakeDownstream) GetPrompt(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeDownstream) ReadResource(context.Context, string) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeDownstream) OnListChanged(fn func()) { f.listChangedFn = fn }
func (f *fakeDownstream) Close() error             { return nil }

func TestRebuildFederatesToolNamesAcrossServers(t *testing.T) {
	weather := &fakeDownstream{tools: []client.Tool{{Name: "forecast", Description: "get forecast"}}}
	github := &fakeDownstream{tools: []client.Tool{{Name: "search_issues", Description: "search issues"}}}

	r := New(map[string]client.Client{"weather": weather, "github": github}, nil, config.RateLimitTree{})
	require.NoError(t, r.Rebuild(t.Context()))

	results := r.Search([]string{"forecast"}, 0)
	require.Len(t, results, 1)
	assert.Equal(t, "weather__forecast", results[0].Name)
}

func TestExecuteParsesPrefixAndForwards(t *testing.T) {
	weather := &fakeDownstream{
		tools:      []client.Tool{{Name: "forecast", Description: "get forecast"}},
		callResult: client.CallResult{Result: json.RawMessage(`"sunny"`)},
	}
	r := New(map[string]client.Client{"weather": weather}, nil, config.RateLimitTree{})
	require.NoError(t, r.Rebuild(t.Context()))

	result, err := r.Execute(t.Context(), "weather__forecast", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"sunny"`, string(result.Result))
	assert.Equal(t, []string{"forecast"}, weather.calls)
}

func TestExecuteMissingSeparatorIsMethodNotFound(t *testing.T) {
	r := New(map[string]client.Client{}, nil, config.RateLimitTree{})
	_, err := r.Execute(t.Context(), "noseparator", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestExecuteUnknownServerIsMethodNotFound(t *testing.T) {
	r := New(map[string]client.Client{}, nil, config.RateLimitTree{})
	_, err := r.Execute(t.Context(), "ghost__tool", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestExecuteUnknownToolIsMethodNotFound(t *testing.T) {
	weather := &fakeDownstream{tools: []client.Tool{{Name: "forecast"}}}
	r := New(map[string]client.Client{"weather": weather}, nil, config.RateLimitTree{})
	require.NoError(t, r.Rebuild(t.Context()))

	_, err := r.Execute(t.Context(), "weather__nonexistent", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestExecuteRejectsOverBudgetWithoutForwarding(t *testing.T) {
	weather := &fakeDownstream{
		tools:      []client.Tool{{Name: "forecast"}},
		callResult: client.CallResult{Result: json.RawMessage(`"sunny"`)},
	}
	limiter := ratelimit.New(memstore.New())
	tree := config.RateLimitTree{MCPTool: map[string]config.RateLimitRule{
		"weather__forecast": {Limit: 0, Interval: config.Duration{Duration: time.Minute}},
	}}
	r := New(map[string]client.Client{"weather": weather}, limiter, tree)
	require.NoError(t, r.Rebuild(t.Context()))

	_, err := r.Execute(t.Context(), "weather__forecast", json.RawMessage(`{}`))
	assert.Error(t, err)
	assert.Empty(t, weather.calls)
}

func TestListChangedTriggersRebuildAndBroadcast(t *testing.T) {
	weather := &fakeDownstream{tools: []client.Tool{{Name: "forecast"}}}
	r := New(map[string]client.Client{"weather": weather}, nil, config.RateLimitTree{})
	ch, unsubscribe := r.OnChange()
	defer unsubscribe()

	require.NotNil(t, weather.listChangedFn)
	weather.listChangedFn()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
	assert.Equal(t, 1, r.index.Len())
}

func TestBuiltinToolsNamesSearchAndExecute(t *testing.T) {
	tools := BuiltinTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, "execute", tools[1].Name)
}
