package bedrock

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/llm/model"
)

type fakeRuntime struct {
	convOut         *bedrockruntime.ConverseOutput
	invokeOut       *bedrockruntime.InvokeModelOutput
	invokeStreamOut *bedrockruntime.InvokeModelWithResponseStreamOutput
	lastModel       string
}

func (f *fakeRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.lastModel = *params.ModelId
	return f.convOut, nil
}

func (f *fakeRuntime) ConverseStream(context.Context, *bedrockruntime.ConverseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, nil
}

func (f *fakeRuntime) InvokeModel(_ context.Context, params *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.lastModel = *params.ModelId
	return f.invokeOut, nil
}

func (f *fakeRuntime) InvokeModelWithResponseStream(context.Context, *bedrockruntime.InvokeModelWithResponseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error) {
	return f.invokeStreamOut, nil
}

// fakeInvokeStreamReader backs an InvokeModelWithResponseStreamEventStream
// the way the teacher's fakeStreamReader backs a ConverseStreamEventStream
// (features/model/bedrock/client_test.go): a closed, pre-loaded channel of
// events plus a terminal error.
type fakeInvokeStreamReader struct {
	events chan brtypes.ResponseStream
	err    error
}

func (r *fakeInvokeStreamReader) Events() <-chan brtypes.ResponseStream { return r.events }
func (r *fakeInvokeStreamReader) Close() error                         { return nil }
func (r *fakeInvokeStreamReader) Err() error                            { return r.err }

func newFakeInvokeStreamOutput(events []brtypes.ResponseStream, err error) *bedrockruntime.InvokeModelWithResponseStreamOutput {
	ch := make(chan brtypes.ResponseStream, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	reader := &fakeInvokeStreamReader{events: ch, err: err}
	stream := bedrockruntime.NewInvokeModelWithResponseStreamEventStream(func(es *bedrockruntime.InvokeModelWithResponseStreamEventStream) {
		es.Reader = reader
	})
	return &bedrockruntime.InvokeModelWithResponseStreamOutput{Body: stream}
}

func TestCompleteRoutesAnthropicThroughConverse(t *testing.T) {
	rt := &fakeRuntime{convOut: &bedrockruntime.ConverseOutput{
		StopReason: brtypes.StopReasonEndTurn,
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "hi"}},
		}},
	}}
	c := New(rt)
	resp, err := c.Complete(t.Context(), model.Request{
		Model:    "bedrock/anthropic.claude-3-5-sonnet-20241022-v2:0",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, "anthropic.claude-3-5-sonnet-20241022-v2:0", rt.lastModel)
}

func TestCompleteRoutesDeepSeekThroughInvokeAndStripsMarker(t *testing.T) {
	body, err := json.Marshal(deepseekResponse{Choices: []deepseekChoice{{
		Text: "Here's my answer. 😊 User", StopReason: "stop",
	}}})
	require.NoError(t, err)
	rt := &fakeRuntime{invokeOut: &bedrockruntime.InvokeModelOutput{Body: body}}
	c := New(rt)
	resp, err := c.Complete(t.Context(), model.Request{
		Model:    "bedrock/us.deepseek.r1-v1:0",
		Messages: []model.Message{{Role: model.RoleUser, Content: "answer this"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Here's my answer. 😊", resp.Choices[0].Message.Content)
	assert.Equal(t, "us.deepseek.r1-v1:0", rt.lastModel)
}

// TestStreamRoutesDeepSeekThroughInvokeAndStripsMarker mirrors
// TestCompleteRoutesDeepSeekThroughInvokeAndStripsMarker's input delivered as
// a final streaming chunk instead of a unary response: the cleaned content
// must match.
func TestStreamRoutesDeepSeekThroughInvokeAndStripsMarker(t *testing.T) {
	body, err := json.Marshal(deepseekResponse{Choices: []deepseekChoice{{
		Text: "Here's my answer. 😊 User", StopReason: "stop",
	}}})
	require.NoError(t, err)

	events := []brtypes.ResponseStream{
		&brtypes.ResponseStreamMemberChunk{Value: brtypes.PayloadPart{Bytes: body}},
	}
	rt := &fakeRuntime{invokeStreamOut: newFakeInvokeStreamOutput(events, nil)}
	c := New(rt)

	streamer, err := c.Stream(t.Context(), model.Request{
		Model:    "bedrock/us.deepseek.r1-v1:0",
		Messages: []model.Message{{Role: model.RoleUser, Content: "answer this"}},
		Stream:   true,
	})
	require.NoError(t, err)
	defer streamer.Close()

	var content string
	var finishReason *model.FinishReason
	for {
		chunk, err := streamer.Next(t.Context())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if len(chunk.Choices) == 0 {
			continue
		}
		content += chunk.Choices[0].Delta.Content
		if chunk.Choices[0].FinishReason != nil {
			finishReason = chunk.Choices[0].FinishReason
		}
	}

	assert.Equal(t, "Here's my answer. 😊", content)
	require.NotNil(t, finishReason)
	assert.Equal(t, model.FinishStop, *finishReason)
}
