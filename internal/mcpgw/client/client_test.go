package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/gwerrors"
)

func TestNormalizeToolResultPlainText(t *testing.T) {
	text := "hello world"
	result, err := normalizeToolResult(toolsCallResult{
		Content: []contentItem{{Type: "text", Text: &text}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"hello world"`, string(result.Result))
	assert.Nil(t, result.Structured)
}

func TestNormalizeToolResultStructuredJSON(t *testing.T) {
	text := `{"count":3}`
	mime := "application/json"
	result, err := normalizeToolResult(toolsCallResult{
		Content: []contentItem{{Type: "text", Text: &text, MimeType: &mime}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, text, string(result.Result))
	require.NotNil(t, result.Structured)
	assert.JSONEq(t, text, string(result.Structured))
}

func TestNormalizeToolResultEmptyContentErrors(t *testing.T) {
	_, err := normalizeToolResult(toolsCallResult{})
	assert.Error(t, err)
}

func TestNormalizeToolResultCarriesIsError(t *testing.T) {
	text := "boom"
	result, err := normalizeToolResult(toolsCallResult{
		Content: []contentItem{{Type: "text", Text: &text}},
		IsError: true,
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRPCErrorClassification(t *testing.T) {
	cases := []struct {
		code int
		kind gwerrors.Kind
	}{
		{-32000, gwerrors.RateLimitExceeded},
		{-32601, gwerrors.MethodNotFound},
		{-32602, gwerrors.InvalidRequest},
		{-32603, gwerrors.InternalError},
		{-32099, gwerrors.UpstreamError},
	}
	for _, tc := range cases {
		e := &rpcError{Code: tc.code, Message: "boom"}
		got := e.asGatewayError()
		require.NotNil(t, got)
		assert.Equal(t, tc.kind, got.Kind)
	}
}
