package bedrock

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/llm/model"
)

func TestEncodeConverseMessagesMergesConsecutiveSameRole(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleUser, Content: "part one"},
		{Role: model.RoleTool, ToolCallID: "call_1", Content: "result"},
	}
	conv, _, err := encodeConverseMessages(msgs)
	require.NoError(t, err)
	// RoleUser then RoleTool both map to ConversationRoleUser and must merge
	// into one message, since Bedrock rejects same-role repetition.
	require.Len(t, conv, 1)
	assert.Len(t, conv[0].Content, 2)
}

func TestEncodeConverseMessagesLiftsSystem(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: "be terse"},
		{Role: model.RoleUser, Content: "hi"},
	}
	conv, system, err := encodeConverseMessages(msgs)
	require.NoError(t, err)
	require.Len(t, system, 1)
	assert.Len(t, conv, 1)
}

func TestEncodeToolConfigFallsBackToAutoWhenUnsupported(t *testing.T) {
	tools := []model.Tool{{Function: model.ToolFunction{Name: "get_weather"}}}
	choice := &model.ToolChoice{Mode: "required"}
	cfg := encodeToolConfig(familyMeta, tools, choice)
	assert.Nil(t, cfg.ToolChoice, "meta family does not support force-any, must fall back to auto")
}

func TestEncodeToolConfigHonorsForceSpecificWhenSupported(t *testing.T) {
	tools := []model.Tool{{Function: model.ToolFunction{Name: "get_weather"}}}
	choice := &model.ToolChoice{FunctionName: "get_weather"}
	cfg := encodeToolConfig(familyAnthropic, tools, choice)
	require.NotNil(t, cfg.ToolChoice)
	specific, ok := cfg.ToolChoice.(*brtypes.ToolChoiceMemberTool)
	require.True(t, ok)
	assert.Equal(t, "get_weather", *specific.Value.Name)
}

func TestTranslateConverseOutputStopReasonMapping(t *testing.T) {
	cases := map[brtypes.StopReason]model.FinishReason{
		brtypes.StopReasonEndTurn:             model.FinishStop,
		brtypes.StopReasonMaxTokens:           model.FinishLength,
		brtypes.StopReasonToolUse:             model.FinishToolCalls,
		brtypes.StopReasonContentFiltered:     model.FinishContentFilter,
		brtypes.StopReasonGuardrailIntervened: model.FinishContentFilter,
	}
	for wire, want := range cases {
		out := &bedrockruntime.ConverseOutput{
			StopReason: wire,
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "hi"}},
			}},
		}
		resp, err := translateConverseOutput(out, "bedrock/anthropic.claude-3-5-sonnet")
		require.NoError(t, err)
		assert.Equal(t, want, resp.Choices[0].FinishReason)
	}
}
