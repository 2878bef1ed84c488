package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/gwerrors"
)

func TestProviderAliasAndUpstreamModel(t *testing.T) {
	r := Request{Model: "anthropic/claude-3-5-sonnet-20241022"}
	alias, err := r.ProviderAlias()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", alias)
	upstream, err := r.UpstreamModel()
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-sonnet-20241022", upstream)
}

func TestProviderAliasRejectsMissingSlash(t *testing.T) {
	r := Request{Model: "gpt-4"}
	_, err := r.ProviderAlias()
	require.Error(t, err)
	assert.Equal(t, gwerrors.InvalidRequest, gwerrors.KindOf(err))
}

func TestProviderAliasRejectsMultipleSlashes(t *testing.T) {
	r := Request{Model: "bedrock/us/anthropic.claude"}
	_, err := r.ProviderAlias()
	require.Error(t, err)
}

func TestValidateRejectsEmptyMessages(t *testing.T) {
	r := Request{Model: "openai/gpt-4"}
	err := r.Validate()
	require.Error(t, err)
}

func TestToolChoiceRoundTripsFunctionForm(t *testing.T) {
	var tc ToolChoice
	require.NoError(t, tc.UnmarshalJSON([]byte(`{"type":"function","function":{"name":"get_weather"}}`)))
	assert.Equal(t, "get_weather", tc.FunctionName)
	b, err := tc.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), "get_weather")
}

func TestToolChoiceRoundTripsStringForm(t *testing.T) {
	var tc ToolChoice
	require.NoError(t, tc.UnmarshalJSON([]byte(`"auto"`)))
	assert.Equal(t, "auto", tc.Mode)
}

func TestEstimateTokensCharacterHeuristic(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("12345678"))
}
