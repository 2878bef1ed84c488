// Package openai implements the OpenAI-compatible provider kind (C8). The
// wire schema matches the canonical schema up to capitalization, so this
// adapter is mostly a thin translation to and from
// github.com/openai/openai-go's typed params, grounded on the teacher's
// openai client adapter but rebuilt against the streaming-capable v1 SDK
// per DESIGN.md.
package openai

import (
	"context"
	"io"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/llm/model"
	"github.com/nexusgate/gateway/internal/llm/provider"
)

// ChatClient captures the subset of the openai-go client used by this
// adapter, so tests can substitute a fake.
type ChatClient interface {
	New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	NewStreaming(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

type modelsClient interface {
	List(ctx context.Context, opts ...option.RequestOption) (*sdk.ModelsPage, error)
}

// Client implements provider.Client against the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	models modelsClient
}

// New builds a Client from a raw API key and optional base URL override
// (used for OpenAI-compatible third-party endpoints configured per spec §6).
func New(apiKey, baseURL string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	sc := sdk.NewClient(opts...)
	return &Client{chat: &sc.Chat.Completions, models: &sc.Models}
}

// NewWithClient builds a Client around an already-configured ChatClient,
// used by tests to inject a fake.
func NewWithClient(chat ChatClient, models modelsClient) *Client {
	return &Client{chat: chat, models: models}
}

func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, params, headerOptions(ctx)...)
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "openai chat completion")
	}
	return translateResponse(resp), nil
}

func (c *Client) Stream(ctx context.Context, req model.Request) (provider.Streamer, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	stream := c.chat.NewStreaming(ctx, params, headerOptions(ctx)...)
	if err := stream.Err(); err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "openai streaming chat completion")
	}
	return &streamer{sdk: stream, model: req.Model}, nil
}

func (c *Client) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	page, err := c.models.List(ctx)
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "openai list models")
	}
	out := make([]model.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, model.ModelInfo{ID: m.ID, Created: m.Created, OwnedBy: m.OwnedBy})
	}
	return out, nil
}

func buildParams(req model.Request) (sdk.ChatCompletionNewParams, error) {
	_, upstream, err := splitUpstream(req.Model)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(upstream),
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = sdk.Int(int64(*req.MaxTokens))
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = sdk.Float(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = sdk.Float(*req.PresencePenalty)
	}
	if len(req.Stop) > 0 {
		params.Stop = sdk.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.ParallelToolCalls != nil {
		params.ParallelToolCalls = sdk.Bool(*req.ParallelToolCalls)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if req.ToolChoice != nil {
		params.ToolChoice = encodeToolChoice(*req.ToolChoice)
	}
	return params, nil
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

func splitUpstream(m string) (alias, upstream string, err error) {
	idx := strings.IndexByte(m, '/')
	if idx <= 0 || idx == len(m)-1 {
		return "", "", gwerrors.Newf(gwerrors.InvalidRequest, "model %q must contain a provider alias", m)
	}
	return m[:idx], m[idx+1:], nil
}

func encodeMessages(msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			calls := make([]sdk.ChatCompletionMessageToolCallUnionParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					},
				})
			}
			asst := sdk.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				asst.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{
					OfString: sdk.String(m.Content),
				}
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case model.RoleTool:
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, gwerrors.Newf(gwerrors.InvalidRequest, "unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, gwerrors.New(gwerrors.InvalidRequest, "messages must not be empty")
	}
	return out, nil
}

func encodeTools(defs []model.Tool) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, t := range defs {
		var params shared.FunctionParameters = t.Function.Parameters
		out = append(out, sdk.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Function.Name,
			Description: sdk.String(t.Function.Description),
			Parameters:  params,
		}))
	}
	return out
}

func encodeToolChoice(tc model.ToolChoice) sdk.ChatCompletionToolChoiceOptionUnionParam {
	if tc.FunctionName != "" {
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: tc.FunctionName},
			},
		}
	}
	switch tc.Mode {
	case "none":
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("none")}
	case "required":
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("required")}
	default:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("auto")}
	}
}

var finishReasons = map[string]model.FinishReason{
	"stop":           model.FinishStop,
	"length":         model.FinishLength,
	"tool_calls":     model.FinishToolCalls,
	"content_filter": model.FinishContentFilter,
}

func translateResponse(resp *sdk.ChatCompletion) *model.Response {
	choices := make([]model.Choice, 0, len(resp.Choices))
	for _, ch := range resp.Choices {
		msg := &model.Message{
			Role:    model.RoleAssistant,
			Content: ch.Message.Content,
		}
		for _, tc := range ch.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: model.ToolCallFunc{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		choices = append(choices, model.Choice{
			Index:        int(ch.Index),
			Message:      msg,
			FinishReason: provider.StopReasonMap(finishReasons, string(ch.FinishReason)),
		})
	}
	var usage *model.Usage
	if resp.Usage.TotalTokens != 0 {
		usage = &model.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
	}
	return &model.Response{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage:   usage,
	}
}

// streamer adapts the openai-go SSE stream to provider.Streamer. The wire
// schema for streaming chunks already matches the canonical shape, so the
// state machine here is trivial compared to Anthropic or Bedrock.
type streamer struct {
	sdk   *ssestream.Stream[sdk.ChatCompletionChunk]
	model string
}

func (s *streamer) Next(ctx context.Context) (*model.Chunk, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if !s.sdk.Next() {
		if err := s.sdk.Err(); err != nil {
			return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "openai stream")
		}
		return nil, io.EOF
	}
	chunk := s.sdk.Current()
	out := &model.Chunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   chunk.Model,
	}
	for _, ch := range chunk.Choices {
		cc := model.ChunkChoice{
			Index: int(ch.Index),
			Delta: model.Delta{Content: ch.Delta.Content},
		}
		if ch.Delta.Role != "" {
			cc.Delta.Role = model.Role(ch.Delta.Role)
		}
		for _, tc := range ch.Delta.ToolCalls {
			cc.Delta.ToolCalls = append(cc.Delta.ToolCalls, model.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: model.ToolCallFunc{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		if ch.FinishReason != "" {
			fr := provider.StopReasonMap(finishReasons, string(ch.FinishReason))
			cc.FinishReason = &fr
		}
		out.Choices = append(out.Choices, cc)
	}
	if chunk.Usage.TotalTokens != 0 {
		out.Usage = &model.Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}
	return out, nil
}

func (s *streamer) Close() error { return s.sdk.Close() }
