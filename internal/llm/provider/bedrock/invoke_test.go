package bedrock

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripTrailingUserMarker(t *testing.T) {
	assert.Equal(t, "Here's my answer. 😊", stripTrailingUserMarker("Here's my answer. 😊 User"))
	assert.Equal(t, "Here's my answer. 😊", stripTrailingUserMarker("Here's my answer. 😊 User\n"))
	assert.Equal(t, "The User interface is great", stripTrailingUserMarker("The User interface is great"))
	assert.Equal(t, "no marker here", stripTrailingUserMarker("no marker here"))
}

func TestParseInvokeResponseDeepSeekStripsMarker(t *testing.T) {
	raw, err := json.Marshal(deepseekResponse{Choices: []deepseekChoice{{
		Text: "Here's my answer. 😊 User", StopReason: "stop", TokenCount: 8,
	}}})
	require.NoError(t, err)
	text, stopWire, usage, err := parseInvokeResponse(familyDeepSeek, raw)
	require.NoError(t, err)
	assert.Equal(t, "Here's my answer. 😊 User", text)
	assert.Equal(t, "stop", stopWire)
	assert.Equal(t, 8, usage.CompletionTokens)
}

func TestParseInvokeResponseTitan(t *testing.T) {
	raw, err := json.Marshal(titanResponse{Results: []titanResult{{
		OutputText: "hello", CompletionReason: "FINISH", TokenCount: 3,
	}}})
	require.NoError(t, err)
	text, stopWire, usage, err := parseInvokeResponse(familyTitan, raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "FINISH", stopWire)
	assert.Equal(t, 3, usage.CompletionTokens)
}

func TestTitanRequestNeverSetsStreamFlag(t *testing.T) {
	body := titanRequest{InputText: "hi"}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"stream"`)
}

func TestMistralStreamRequestSetsStreamFlag(t *testing.T) {
	body := mistralRequest{Prompt: "hi", Stream: true}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"stream":true`)
}
