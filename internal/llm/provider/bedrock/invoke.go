package bedrock

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/llm/model"
	"github.com/nexusgate/gateway/internal/llm/provider"
)

// titanRequest and titanResponse are the per-vendor Invoke shapes for the
// amazon.titan-text family. Titan's streaming endpoint is selected by the
// InvokeModelWithResponseStream operation itself, not a body flag, per
// spec §4.5 ("Titan streaming MUST NOT include stream:true in the body").
type titanRequest struct {
	InputText            string               `json:"inputText"`
	TextGenerationConfig titanGenerationConfig `json:"textGenerationConfig"`
}

type titanGenerationConfig struct {
	MaxTokenCount int      `json:"maxTokenCount"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type titanResponse struct {
	Results []titanResult `json:"results"`
}

type titanResult struct {
	OutputText       string `json:"outputText"`
	CompletionReason string `json:"completionReason"`
	TokenCount       int    `json:"tokenCount"`
}

// mistralRequest and mistralResponse mirror Mistral's Invoke format, which
// requires stream:true in the body for the streaming endpoint, unlike Titan.
type mistralRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type mistralResponse struct {
	Outputs []mistralOutput `json:"outputs"`
}

type mistralOutput struct {
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

// deepseekRequest and deepseekResponse mirror DeepSeek's Invoke format.
// DeepSeek's prompt template frequently leaks a trailing "User" marker into
// the completion text, which must be detected and stripped per spec §4.5
// scenario 4.
type deepseekRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

type deepseekResponse struct {
	Choices []deepseekChoice `json:"choices"`
}

type deepseekChoice struct {
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
	TokenCount int    `json:"tokens"`
}

// stripTrailingUserMarker removes a trailing "User" prompt-template marker
// DeepSeek occasionally leaks at the end of a completion, per spec §4.5
// scenario 4. It only strips the marker when it is the final token(s) of
// the text, preserving any legitimate occurrence of the word mid-sentence.
func stripTrailingUserMarker(text string) string {
	trimmed := strings.TrimRight(text, " \t\n")
	const marker = "User"
	if !strings.HasSuffix(trimmed, marker) {
		return text
	}
	cut := strings.TrimSuffix(trimmed, marker)
	cut = strings.TrimRight(cut, " \t\n")
	return cut
}

func promptFromMessages(msgs []model.Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			b.WriteString("System: ")
		case model.RoleUser:
			b.WriteString("User: ")
		case model.RoleAssistant:
			b.WriteString("Assistant: ")
		case model.RoleTool:
			b.WriteString("Tool: ")
		default:
			return "", gwerrors.Newf(gwerrors.InvalidRequest, "unsupported message role %q", m.Role)
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("Assistant: ")
	return b.String(), nil
}

func effectiveMaxTokens(req model.Request) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return defaultInvokeMaxTokens
}

const defaultInvokeMaxTokens = 1024

func (c *Client) completeInvoke(ctx context.Context, modelID string, f family, req model.Request) (*model.Response, error) {
	prompt, err := promptFromMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	var body any
	switch f {
	case familyTitan:
		body = titanRequest{InputText: prompt, TextGenerationConfig: titanGenerationConfig{
			MaxTokenCount: effectiveMaxTokens(req), StopSequences: req.Stop,
		}}
	case familyMistral:
		body = mistralRequest{Prompt: prompt, MaxTokens: effectiveMaxTokens(req), Stop: req.Stop}
	case familyDeepSeek:
		body = deepseekRequest{Prompt: prompt, MaxTokens: effectiveMaxTokens(req)}
	default:
		return nil, gwerrors.Newf(gwerrors.InvalidRequest, "model %q has no Invoke adapter", modelID)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.InternalError, err, "marshal bedrock invoke body")
	}
	out, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        raw,
	})
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "bedrock invoke model")
	}
	text, stopWire, usage, err := parseInvokeResponse(f, out.Body)
	if err != nil {
		return nil, err
	}
	if f == familyDeepSeek {
		text = stripTrailingUserMarker(text)
	}
	return &model.Response{
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []model.Choice{{
			Index:        0,
			Message:      &model.Message{Role: model.RoleAssistant, Content: text},
			FinishReason: provider.StopReasonMap(invokeStopReasons, stopWire),
		}},
		Usage: usage,
	}, nil
}

var invokeStopReasons = map[string]model.FinishReason{
	"stop":       model.FinishStop,
	"FINISH":     model.FinishStop,
	"length":     model.FinishLength,
	"LENGTH":     model.FinishLength,
	"max_tokens": model.FinishLength,
}

func parseInvokeResponse(f family, raw []byte) (text, stopWire string, usage *model.Usage, err error) {
	switch f {
	case familyTitan:
		var resp titanResponse
		if e := json.Unmarshal(raw, &resp); e != nil {
			return "", "", nil, gwerrors.Wrapf(gwerrors.UpstreamError, e, "decode titan response")
		}
		if len(resp.Results) == 0 {
			return "", "", nil, gwerrors.New(gwerrors.UpstreamError, "titan response has no results")
		}
		return resp.Results[0].OutputText, resp.Results[0].CompletionReason, &model.Usage{CompletionTokens: resp.Results[0].TokenCount}, nil
	case familyMistral:
		var resp mistralResponse
		if e := json.Unmarshal(raw, &resp); e != nil {
			return "", "", nil, gwerrors.Wrapf(gwerrors.UpstreamError, e, "decode mistral response")
		}
		if len(resp.Outputs) == 0 {
			return "", "", nil, gwerrors.New(gwerrors.UpstreamError, "mistral response has no outputs")
		}
		return resp.Outputs[0].Text, resp.Outputs[0].StopReason, nil, nil
	case familyDeepSeek:
		var resp deepseekResponse
		if e := json.Unmarshal(raw, &resp); e != nil {
			return "", "", nil, gwerrors.Wrapf(gwerrors.UpstreamError, e, "decode deepseek response")
		}
		if len(resp.Choices) == 0 {
			return "", "", nil, gwerrors.New(gwerrors.UpstreamError, "deepseek response has no choices")
		}
		return resp.Choices[0].Text, resp.Choices[0].StopReason, &model.Usage{CompletionTokens: resp.Choices[0].TokenCount}, nil
	default:
		return "", "", nil, gwerrors.Newf(gwerrors.InternalError, "no invoke response parser for family %q", f)
	}
}

func (c *Client) streamInvoke(ctx context.Context, modelID string, f family, req model.Request) (provider.Streamer, error) {
	prompt, err := promptFromMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	var body any
	switch f {
	case familyTitan:
		// Titan selects streaming via the operation, not a body flag.
		body = titanRequest{InputText: prompt, TextGenerationConfig: titanGenerationConfig{
			MaxTokenCount: effectiveMaxTokens(req), StopSequences: req.Stop,
		}}
	case familyMistral:
		body = mistralRequest{Prompt: prompt, MaxTokens: effectiveMaxTokens(req), Stop: req.Stop, Stream: true}
	case familyDeepSeek:
		body = deepseekRequest{Prompt: prompt, MaxTokens: effectiveMaxTokens(req)}
	default:
		return nil, gwerrors.Newf(gwerrors.InvalidRequest, "model %q has no Invoke adapter", modelID)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.InternalError, err, "marshal bedrock invoke body")
	}
	out, err := c.runtime.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        raw,
	})
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "bedrock invoke model with response stream")
	}
	return &invokeStreamer{out: out, family: f, model: req.Model}, nil
}

type invokeStreamer struct {
	out    InvokeStreamOutput
	family family
	model  string
	buf    strings.Builder
}

func (s *invokeStreamer) Next(ctx context.Context) (*model.Chunk, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-s.out.GetStream().Events():
			if !ok {
				if err := s.out.GetStream().Err(); err != nil {
					return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "bedrock invoke stream")
				}
				return nil, io.EOF
			}
			return s.handle(event)
		}
	}
}

func (s *invokeStreamer) handle(event brtypes.ResponseStream) (*model.Chunk, error) {
	chunkBytes, terminal := decodeInvokeStreamEvent(event)
	if chunkBytes == nil {
		return &model.Chunk{Object: "chat.completion.chunk", Model: s.model}, nil
	}
	text, stopWire, _, err := parseInvokeResponse(s.family, chunkBytes)
	if err != nil {
		return nil, err
	}
	before := s.buf.Len()
	s.buf.WriteString(text)
	delta := model.Delta{Content: text}
	var finishPtr *model.FinishReason
	if terminal || stopWire != "" {
		if s.family == familyDeepSeek {
			cleaned := stripTrailingUserMarker(s.buf.String())
			if before <= len(cleaned) {
				delta.Content = cleaned[before:]
			} else {
				delta.Content = ""
			}
		}
		fr := provider.StopReasonMap(invokeStopReasons, stopWire)
		finishPtr = &fr
	}
	return &model.Chunk{
		Object:  "chat.completion.chunk",
		Model:   s.model,
		Choices: []model.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishPtr}},
	}, nil
}

func (s *invokeStreamer) Close() error { return s.out.GetStream().Close() }

// InvokeStreamOutput is the subset of the AWS InvokeModelWithResponseStream
// output required by the streaming adapter, mirroring the teacher's
// StreamOutput seam for ConverseStream so both paths are equally testable.
type InvokeStreamOutput interface {
	GetStream() *bedrockruntime.InvokeModelWithResponseStreamEventStream
}

// decodeInvokeStreamEvent extracts the JSON payload bytes from a raw Bedrock
// Invoke stream event. Only the Chunk member carries a payload; other
// members (e.g. internal server exceptions surfaced as stream events) are
// reported upstream by GetStream().Err() and never reach here.
func decodeInvokeStreamEvent(event brtypes.ResponseStream) (payload []byte, terminal bool) {
	if chunk, ok := event.(*brtypes.ResponseStreamMemberChunk); ok {
		return chunk.Value.Bytes, false
	}
	return nil, false
}
