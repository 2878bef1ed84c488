// Package anthropic implements the Anthropic provider kind (C8): system
// message lift, tool_use/tool_result block rewriting, and the typed
// streaming-event state machine described in spec §4.5. Grounded on the
// teacher's Anthropic Messages adapter, translated from the teacher's rich
// Parts union onto the flat canonical schema of this gateway.
package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/llm/model"
	"github.com/nexusgate/gateway/internal/llm/provider"
)

// defaultMaxTokens is supplied when a request omits max_tokens, which
// Anthropic's Messages API requires per spec §4.5.
const defaultMaxTokens = 4096

// MessagesClient captures the subset of the Anthropic SDK used here.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client implements provider.Client against the Anthropic Messages API.
type Client struct {
	msg MessagesClient
}

// New builds a Client from a raw API key.
func New(apiKey string) *Client {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Client{msg: &ac.Messages}
}

// NewWithClient builds a Client around an injected MessagesClient, used by
// tests.
func NewWithClient(msg MessagesClient) *Client { return &Client{msg: msg} }

func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params, headerOptions(ctx)...)
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "anthropic messages.new")
	}
	return translateResponse(msg, req.Model)
}

func (c *Client) Stream(ctx context.Context, req model.Request) (provider.Streamer, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params, headerOptions(ctx)...)
	if err := stream.Err(); err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "anthropic messages.new stream")
	}
	return newStreamer(stream, req.Model), nil
}

// ListModels is not supported by the Anthropic adapter; models are
// configured statically per spec §6.
func (c *Client) ListModels(context.Context) ([]model.ModelInfo, error) {
	return nil, gwerrors.New(gwerrors.MethodNotFound, "anthropic provider does not support model listing")
}

// headerOptions forwards any outbound headers the header-rule engine
// attached to ctx (see provider.WithHeaders) as per-call request options.
func headerOptions(ctx context.Context) []option.RequestOption {
	h := provider.HeadersFromContext(ctx)
	if len(h) == 0 {
		return nil
	}
	opts := make([]option.RequestOption, 0, len(h))
	for name, vals := range h {
		for _, v := range vals {
			opts = append(opts, option.WithHeader(name, v))
		}
	}
	return opts
}

func buildParams(req model.Request) (*sdk.MessageNewParams, error) {
	_, upstream, err := splitUpstream(req.Model)
	if err != nil {
		return nil, err
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(upstream),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if req.ToolChoice != nil {
		params.ToolChoice = encodeToolChoice(*req.ToolChoice)
	}
	return params, nil
}

func splitUpstream(m string) (alias, upstream string, err error) {
	idx := strings.IndexByte(m, '/')
	if idx <= 0 || idx == len(m)-1 {
		return "", "", gwerrors.Newf(gwerrors.InvalidRequest, "model %q must contain a provider alias", m)
	}
	return m[:idx], m[idx+1:], nil
}

// encodeMessages lifts a system message to the top-level system field and
// rewrites tool messages and assistant tool calls into Anthropic's typed
// content blocks per spec §4.5.
func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, string, error) {
	var system strings.Builder
	conv := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
		case model.RoleUser:
			conv = append(conv, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						input = map[string]any{}
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conv = append(conv, sdk.NewAssistantMessage(blocks...))
		case model.RoleTool:
			conv = append(conv, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, "", gwerrors.Newf(gwerrors.InvalidRequest, "unsupported message role %q", m.Role)
		}
	}
	if len(conv) == 0 {
		return nil, "", gwerrors.New(gwerrors.InvalidRequest, "messages must not be empty")
	}
	return conv, system.String(), nil
}

func encodeTools(defs []model.Tool) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, t := range defs {
		schema := sdk.ToolInputSchemaParam{ExtraFields: t.Function.Parameters}
		u := sdk.ToolUnionParamOfTool(schema, t.Function.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Function.Description)
		}
		out = append(out, u)
	}
	return out
}

func encodeToolChoice(tc model.ToolChoice) sdk.ToolChoiceUnionParam {
	if tc.FunctionName != "" {
		return sdk.ToolChoiceParamOfTool(tc.FunctionName)
	}
	switch tc.Mode {
	case "none":
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}
	case "required":
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	default:
		return sdk.ToolChoiceUnionParam{}
	}
}

var stopReasons = map[string]model.FinishReason{
	"end_turn":      model.FinishStop,
	"max_tokens":    model.FinishLength,
	"stop_sequence": model.FinishStop,
	"tool_use":      model.FinishToolCalls,
	"refusal":       model.FinishContentFilter,
}

func translateResponse(msg *sdk.Message, reqModel string) (*model.Response, error) {
	out := &model.Message{Role: model.RoleAssistant}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "anthropic tool_use input")
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: model.ToolCallFunc{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}
	usage := &model.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return &model.Response{
		ID:     msg.ID,
		Object: "chat.completion",
		Model:  reqModel,
		Choices: []model.Choice{{
			Index:        0,
			Message:      out,
			FinishReason: provider.StopReasonMap(stopReasons, string(msg.StopReason)),
		}},
		Usage: usage,
	}, nil
}

// streamer implements the state machine of spec §4.5: it accumulates
// text-delta and tool-use-delta events into canonical chunks and emits a
// terminal chunk carrying usage when message_delta is observed.
type streamer struct {
	sdk   *ssestream.Stream[sdk.MessageStreamEventUnion]
	model string

	toolNames map[int]string
	toolArgs  map[int]*strings.Builder
	stopWire  string
	usage     *model.Usage
	pending   []model.Chunk
}

func newStreamer(s *ssestream.Stream[sdk.MessageStreamEventUnion], reqModel string) *streamer {
	return &streamer{
		sdk:       s,
		model:     reqModel,
		toolNames: make(map[int]string),
		toolArgs:  make(map[int]*strings.Builder),
	}
}

func (s *streamer) Next(ctx context.Context) (*model.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return &c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !s.sdk.Next() {
			if err := s.sdk.Err(); err != nil {
				return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "anthropic stream")
			}
			return nil, io.EOF
		}
		if c := s.handle(s.sdk.Current()); c != nil {
			return c, nil
		}
	}
}

func (s *streamer) handle(event sdk.MessageStreamEventUnion) *model.Chunk {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.toolNames[int(ev.Index)] = toolUse.Name
			s.toolArgs[int(ev.Index)] = &strings.Builder{}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return s.chunk(model.Delta{Content: delta.Text}, nil)
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			if b, ok := s.toolArgs[idx]; ok {
				b.WriteString(delta.PartialJSON)
			}
			return s.chunk(model.Delta{ToolCalls: []model.ToolCall{{
				Type:     "function",
				Function: model.ToolCallFunc{Name: s.toolNames[idx], Arguments: delta.PartialJSON},
			}}}, nil)
		default:
			return nil
		}
	case sdk.MessageDeltaEvent:
		s.stopWire = string(ev.Delta.StopReason)
		s.usage = &model.Usage{
			PromptTokens:     int(ev.Usage.InputTokens),
			CompletionTokens: int(ev.Usage.OutputTokens),
			TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
		return nil
	case sdk.MessageStopEvent:
		fr := provider.StopReasonMap(stopReasons, s.stopWire)
		return &model.Chunk{
			Object: "chat.completion.chunk",
			Model:  s.model,
			Choices: []model.ChunkChoice{{
				Index:        0,
				Delta:        model.Delta{},
				FinishReason: &fr,
			}},
			Usage: s.usage,
		}
	default:
		return nil
	}
}

func (s *streamer) chunk(delta model.Delta, finish *model.FinishReason) *model.Chunk {
	return &model.Chunk{
		Object:  "chat.completion.chunk",
		Model:   s.model,
		Choices: []model.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (s *streamer) Close() error { return s.sdk.Close() }
