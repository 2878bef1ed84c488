package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinimalDefaults(t *testing.T) {
	cfg, err := Parse([]byte(``))
	require.NoError(t, err)
	assert.Equal(t, "/llm", cfg.LLM.Path)
	assert.True(t, cfg.LLM.Enabled)
	assert.Equal(t, "/mcp", cfg.MCP.Path)
}

func TestParseOpenAIProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-123")
	cfg, err := Parse([]byte(`
[llm.providers.openai]
type = "openai"
api_key = "${OPENAI_API_KEY}"

[llm.providers.openai.models.gpt-4]
[llm.providers.openai.models."gpt-3-5-turbo"]
`))
	require.NoError(t, err)
	p := cfg.LLM.Providers["openai"]
	assert.Equal(t, ProviderOpenAI, p.Type)
	assert.Equal(t, "sk-test-123", p.APIKey)
	assert.Len(t, p.Models, 2)
}

func TestParseRejectsEmptyModels(t *testing.T) {
	_, err := Parse([]byte(`
[llm.providers.openai]
type = "openai"
`))
	require.Error(t, err)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
[llm]
bogus_key = true
`))
	require.Error(t, err)
}

func TestParseRejectsDoubleUnderscoreServerName(t *testing.T) {
	_, err := Parse([]byte(`
[mcp.servers."alpha__beta"]
transport = "stdio"
cmd = "true"
`))
	require.Error(t, err)
}

func TestModelConfigUpstreamModelID(t *testing.T) {
	m := ModelConfig{}
	assert.Equal(t, "gpt-4", m.UpstreamModelID("gpt-4"))
	m.Rename = "gpt-4-turbo-2024-04-09"
	assert.Equal(t, "gpt-4-turbo-2024-04-09", m.UpstreamModelID("gpt-4"))
}

func TestCurlyBraceEnvInterpolation(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	cfg, err := Parse([]byte(`
[llm.providers.anthropic]
type = "anthropic"
api_key = "{{ env.ANTHROPIC_API_KEY }}"

[llm.providers.anthropic.models.claude-3-opus]
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", cfg.LLM.Providers["anthropic"].APIKey)
}
