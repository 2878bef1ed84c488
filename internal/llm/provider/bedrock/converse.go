package bedrock

import (
	"context"
	"encoding/json"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/llm/model"
	"github.com/nexusgate/gateway/internal/llm/provider"
)

var converseStopReasons = map[string]model.FinishReason{
	"end_turn":             model.FinishStop,
	"max_tokens":           model.FinishLength,
	"tool_use":             model.FinishToolCalls,
	"content_filtered":     model.FinishContentFilter,
	"guardrail_intervened": model.FinishContentFilter,
}

func (c *Client) completeConverse(ctx context.Context, modelID string, f family, req model.Request) (*model.Response, error) {
	input, err := buildConverseInput(modelID, f, req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "bedrock converse")
	}
	return translateConverseOutput(out, req.Model)
}

func (c *Client) streamConverse(ctx context.Context, modelID string, f family, req model.Request) (provider.Streamer, error) {
	input, err := buildConverseStreamInput(modelID, f, req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "bedrock converse stream")
	}
	return newConverseStreamer(out, req.Model), nil
}

func buildConverseInput(modelID string, f family, req model.Request) (*bedrockruntime.ConverseInput, error) {
	messages, system, err := encodeConverseMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = encodeToolConfig(f, req.Tools, req.ToolChoice)
	}
	input.InferenceConfig = inferenceConfig(req)
	return input, nil
}

func buildConverseStreamInput(modelID string, f family, req model.Request) (*bedrockruntime.ConverseStreamInput, error) {
	messages, system, err := encodeConverseMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = encodeToolConfig(f, req.Tools, req.ToolChoice)
	}
	input.InferenceConfig = inferenceConfig(req)
	return input, nil
}

func inferenceConfig(req model.Request) *brtypes.InferenceConfiguration {
	cfg := &brtypes.InferenceConfiguration{}
	set := false
	if req.MaxTokens != nil {
		v := int32(*req.MaxTokens)
		cfg.MaxTokens = &v
		set = true
	}
	if req.Temperature != nil {
		v := float32(*req.Temperature)
		cfg.Temperature = &v
		set = true
	}
	if req.TopP != nil {
		v := float32(*req.TopP)
		cfg.TopP = &v
		set = true
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
		set = true
	}
	if !set {
		return nil
	}
	return cfg
}

// encodeConverseMessages translates canonical messages into Bedrock's
// Converse schema, lifting system messages and merging consecutive
// same-role messages into one multi-block message, since Bedrock rejects
// role alternation violations per spec §4.5.
func encodeConverseMessages(msgs []model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var system []brtypes.SystemContentBlock
	conversation := make([]brtypes.Message, 0, len(msgs))

	appendBlocks := func(role brtypes.ConversationRole, blocks []brtypes.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(conversation); n > 0 && conversation[n-1].Role == role {
			conversation[n-1].Content = append(conversation[n-1].Content, blocks...)
			return
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleUser:
			appendBlocks(brtypes.ConversationRoleUser, []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}})
		case model.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input any
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						input = map[string]any{}
					}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Function.Name),
					Input:     document.NewLazyDocument(input),
				}})
			}
			appendBlocks(brtypes.ConversationRoleAssistant, blocks)
		case model.RoleTool:
			blocks := []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
				},
			}}}
			appendBlocks(brtypes.ConversationRoleUser, blocks)
		default:
			return nil, nil, gwerrors.Newf(gwerrors.InvalidRequest, "unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, gwerrors.New(gwerrors.InvalidRequest, "messages must not be empty")
	}
	return conversation, system, nil
}

func encodeToolConfig(f family, tools []model.Tool, choice *model.ToolChoice) *brtypes.ToolConfiguration {
	specs := make([]brtypes.Tool, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(t.Function.Name),
			Description: aws.String(t.Function.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.Function.Parameters)},
		}})
	}
	cfg := &brtypes.ToolConfiguration{Tools: specs}
	if choice == nil {
		return cfg
	}
	switch {
	case choice.FunctionName != "":
		if supportsForceSpecificTool(f) {
			cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(choice.FunctionName)}}
		}
	case choice.Mode == "required":
		if supportsForceAnyTool(f) {
			cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
		}
	}
	return cfg
}

func translateConverseOutput(out *bedrockruntime.ConverseOutput, reqModel string) (*model.Response, error) {
	msg := &model.Message{Role: model.RoleAssistant}
	if wrapped, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range wrapped.Value.Content {
			switch b := block.(type) {
			case *brtypes.ContentBlockMemberText:
				msg.Content += b.Value
			case *brtypes.ContentBlockMemberToolUse:
				args, err := json.Marshal(b.Value.Input)
				if err != nil {
					return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "bedrock tool_use input")
				}
				msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
					ID:       aws.ToString(b.Value.ToolUseId),
					Type:     "function",
					Function: model.ToolCallFunc{Name: aws.ToString(b.Value.Name), Arguments: string(args)},
				})
			}
		}
	}
	usage := &model.Usage{}
	if out.Usage != nil {
		usage.PromptTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.CompletionTokens = int(aws.ToInt32(out.Usage.OutputTokens))
		usage.TotalTokens = int(aws.ToInt32(out.Usage.TotalTokens))
	}
	return &model.Response{
		Object: "chat.completion",
		Model:  reqModel,
		Choices: []model.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: provider.StopReasonMap(converseStopReasons, string(out.StopReason)),
		}},
		Usage: usage,
	}, nil
}

// converseStreamer accumulates Bedrock Converse stream events into
// canonical chunks, mirroring the Anthropic adapter's state machine shape
// per spec §9.
type converseStreamer struct {
	out      *bedrockruntime.ConverseStreamOutput
	model    string
	toolName map[int32]string
	stopWire string
	usage    *model.Usage
}

func newConverseStreamer(out *bedrockruntime.ConverseStreamOutput, reqModel string) *converseStreamer {
	return &converseStreamer{out: out, model: reqModel, toolName: make(map[int32]string)}
}

func (s *converseStreamer) Next(ctx context.Context) (*model.Chunk, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-s.out.GetStream().Events():
			if !ok {
				if err := s.out.GetStream().Err(); err != nil {
					return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "bedrock converse stream")
				}
				return nil, io.EOF
			}
			if c := s.handle(event); c != nil {
				return c, nil
			}
		}
	}
}

func (s *converseStreamer) handle(event brtypes.ConverseStreamOutput) *model.Chunk {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if tu, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			s.toolName[ev.Value.ContentBlockIndex] = aws.ToString(tu.Value.Name)
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch d := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if d.Value == "" {
				return nil
			}
			return s.chunk(model.Delta{Content: d.Value}, nil)
		case *brtypes.ContentBlockDeltaMemberToolUse:
			frag := aws.ToString(d.Value.Input)
			if frag == "" {
				return nil
			}
			return s.chunk(model.Delta{ToolCalls: []model.ToolCall{{
				Type:     "function",
				Function: model.ToolCallFunc{Name: s.toolName[ev.Value.ContentBlockIndex], Arguments: frag},
			}}}, nil)
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		s.stopWire = string(ev.Value.StopReason)
		return nil
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage != nil {
			s.usage = &model.Usage{
				PromptTokens:     int(aws.ToInt32(ev.Value.Usage.InputTokens)),
				CompletionTokens: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
				TotalTokens:      int(aws.ToInt32(ev.Value.Usage.TotalTokens)),
			}
		}
		fr := provider.StopReasonMap(converseStopReasons, s.stopWire)
		return &model.Chunk{
			Object:  "chat.completion.chunk",
			Model:   s.model,
			Choices: []model.ChunkChoice{{Index: 0, FinishReason: &fr}},
			Usage:   s.usage,
		}
	default:
		return nil
	}
}

func (s *converseStreamer) chunk(delta model.Delta, finish *model.FinishReason) *model.Chunk {
	return &model.Chunk{
		Object:  "chat.completion.chunk",
		Model:   s.model,
		Choices: []model.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (s *converseStreamer) Close() error { return s.out.GetStream().Close() }
