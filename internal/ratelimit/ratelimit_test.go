package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/ratelimit/memstore"
)

type fakeMetrics struct {
	counters []string
}

func (f *fakeMetrics) IncCounter(name string, value float64, tags ...string) {
	f.counters = append(f.counters, name+":"+resultTag(tags))
}
func (f *fakeMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {}

func resultTag(tags []string) string {
	for i := 0; i+1 < len(tags); i += 2 {
		if tags[i] == "result" {
			return tags[i+1]
		}
	}
	return ""
}

func TestChargeRecordsAdmittedAndRejectedMetrics(t *testing.T) {
	limiter := New(memstore.New())
	metrics := &fakeMetrics{}
	limiter.Metrics = metrics

	rule := Rule{Key: "test", Limit: 1, Interval: config.Duration{Duration: time.Minute}}
	require.NoError(t, limiter.Charge(t.Context(), rule, 1))
	require.Error(t, limiter.Charge(t.Context(), rule, 1))

	assert.Contains(t, metrics.counters, "ratelimit_charges_total:admitted")
	assert.Contains(t, metrics.counters, "ratelimit_charges_total:rejected")
}

func TestResolveLLMPrefersModelGroupOverEverything(t *testing.T) {
	provider := config.ProviderConfig{RateLimits: map[string]config.RateLimitRule{"": {Limit: 10}}}
	model := config.ModelConfig{RateLimits: map[string]config.RateLimitRule{
		"":     {Limit: 20},
		"acme": {Limit: 30},
	}}
	rule, ok := ResolveLLM(provider, model, "openai", "gpt-4o", "acme")
	assert.True(t, ok)
	assert.EqualValues(t, 30, rule.Limit)
}

func TestResolveLLMFallsBackToModelDefault(t *testing.T) {
	provider := config.ProviderConfig{RateLimits: map[string]config.RateLimitRule{"": {Limit: 10}}}
	model := config.ModelConfig{RateLimits: map[string]config.RateLimitRule{"": {Limit: 20}}}
	rule, ok := ResolveLLM(provider, model, "openai", "gpt-4o", "acme")
	assert.True(t, ok)
	assert.EqualValues(t, 20, rule.Limit)
}

func TestResolveLLMFallsBackToProviderDefault(t *testing.T) {
	provider := config.ProviderConfig{RateLimits: map[string]config.RateLimitRule{"": {Limit: 10}}}
	model := config.ModelConfig{}
	rule, ok := ResolveLLM(provider, model, "openai", "gpt-4o", "")
	assert.True(t, ok)
	assert.EqualValues(t, 10, rule.Limit)
}

func TestResolveLLMNoRuleAtAnyLevel(t *testing.T) {
	_, ok := ResolveLLM(config.ProviderConfig{}, config.ModelConfig{}, "openai", "gpt-4o", "")
	assert.False(t, ok)
}

func TestResolveMCPPrefersToolOverServer(t *testing.T) {
	tree := config.RateLimitTree{
		MCPServer: map[string]config.RateLimitRule{"weather": {Limit: 100}},
		MCPTool:   map[string]config.RateLimitRule{"weather__forecast": {Limit: 5}},
	}
	rule, ok := ResolveMCP(tree, "weather", "forecast")
	assert.True(t, ok)
	assert.EqualValues(t, 5, rule.Limit)
}

func TestResolveMCPFallsBackToServerThenGlobal(t *testing.T) {
	tree := config.RateLimitTree{
		Global:    &config.RateLimitRule{Limit: 1000},
		MCPServer: map[string]config.RateLimitRule{"weather": {Limit: 100}},
	}
	rule, ok := ResolveMCP(tree, "weather", "alerts")
	assert.True(t, ok)
	assert.EqualValues(t, 100, rule.Limit)

	rule, ok = ResolveMCP(tree, "github", "search_issues")
	assert.True(t, ok)
	assert.EqualValues(t, 1000, rule.Limit)
}

func TestResolveMCPNoRuleAnywhere(t *testing.T) {
	_, ok := ResolveMCP(config.RateLimitTree{}, "weather", "forecast")
	assert.False(t, ok)
}
