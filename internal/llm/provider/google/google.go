// Package google implements the Google Gemini provider kind (C8). Per
// DESIGN.md decision 4, this adapter is hand-rolled net/http and
// encoding/json rather than one of the Google SDKs in the retrieval pack:
// the generateContent/streamGenerateContent wire shapes need low-level
// control for the additionalProperties-stripping schema walk and SSE-style
// chunk framing, grounded on the same style the teacher uses for Bedrock
// Invoke (features/model/bedrock/client.go's per-family hand-rolled JSON).
package google

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nexusgate/gateway/internal/gwerrors"
	"github.com/nexusgate/gateway/internal/llm/model"
	"github.com/nexusgate/gateway/internal/llm/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client implements provider.Client against the Gemini generateContent API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New builds a Client targeting the given API key and optional base URL
// override.
func New(httpClient *http.Client, apiKey, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{httpClient: httpClient, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *functionCall   `json:"functionCall,omitempty"`
	FunctionResponse *functionResult `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type functionResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type tool struct {
	FunctionDeclarations []functionDecl `json:"functionDeclarations"`
}

type functionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig struct {
		Mode                 string   `json:"mode"`
		AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
	} `json:"functionCallingConfig"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
	UsageMeta  *usageMeta  `json:"usageMetadata,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

type usageMeta struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	_, upstream, err := splitUpstream(req.Model)
	if err != nil {
		return nil, err
	}
	body, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, upstream, c.apiKey)
	var wire generateResponse
	if err := c.doJSON(ctx, url, body, &wire); err != nil {
		return nil, err
	}
	return translateResponse(wire, req.Model), nil
}

func (c *Client) doJSON(ctx context.Context, url string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return gwerrors.Wrapf(gwerrors.InternalError, err, "marshal google request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return gwerrors.Wrapf(gwerrors.InternalError, err, "build google request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	mergeHeaders(httpReq.Header, provider.HeadersFromContext(ctx))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return gwerrors.Wrapf(gwerrors.UpstreamError, err, "google request")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gwerrors.Wrapf(gwerrors.UpstreamError, err, "read google response")
	}
	if resp.StatusCode >= 400 {
		return gwerrors.Newf(gwerrors.UpstreamError, "google request failed with status %d: %s", resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return gwerrors.Wrapf(gwerrors.UpstreamError, err, "decode google response")
	}
	return nil
}

func (c *Client) Stream(ctx context.Context, req model.Request) (provider.Streamer, error) {
	_, upstream, err := splitUpstream(req.Model)
	if err != nil {
		return nil, err
	}
	body, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.InternalError, err, "marshal google request")
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, upstream, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.InternalError, err, "build google stream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	mergeHeaders(httpReq.Header, provider.HeadersFromContext(ctx))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "google stream request")
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, gwerrors.Newf(gwerrors.UpstreamError, "google stream request failed with status %d: %s", resp.StatusCode, string(data))
	}
	return &streamer{body: resp.Body, scanner: bufio.NewScanner(resp.Body), model: req.Model}, nil
}

// ListModels is not implemented by the Google adapter; Gemini's public
// model catalogue is configured statically per spec §6.
func (c *Client) ListModels(context.Context) ([]model.ModelInfo, error) {
	return nil, gwerrors.New(gwerrors.MethodNotFound, "google provider does not support model listing")
}

// mergeHeaders copies the outbound headers the header-rule engine attached
// to the request context (see provider.WithHeaders) onto an upstream
// http.Request, without disturbing headers doJSON/Stream already set.
func mergeHeaders(dst, src http.Header) {
	for name, vals := range src {
		for _, v := range vals {
			dst.Add(name, v)
		}
	}
}

func splitUpstream(m string) (alias, upstream string, err error) {
	idx := strings.IndexByte(m, '/')
	if idx <= 0 || idx == len(m)-1 {
		return "", "", gwerrors.Newf(gwerrors.InvalidRequest, "model %q must contain a provider alias", m)
	}
	return m[:idx], m[idx+1:], nil
}

func buildRequest(req model.Request) (*generateRequest, error) {
	var system *content
	contents := make([]content, 0, len(req.Messages))
	// The canonical schema (spec §3) only carries tool_call_id on a tool
	// message, not the function name Gemini's functionResponse requires;
	// track it from the preceding assistant message's tool_calls instead.
	callIDToName := make(map[string]string)
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = &content{Role: "user", Parts: []part{{Text: m.Content}}}
		case model.RoleUser:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		case model.RoleAssistant:
			parts := make([]part, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if tc.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				}
				parts = append(parts, part{FunctionCall: &functionCall{Name: tc.Function.Name, Args: args}})
				callIDToName[tc.ID] = tc.Function.Name
			}
			contents = append(contents, content{Role: "model", Parts: parts})
		case model.RoleTool:
			var resp map[string]any
			if err := json.Unmarshal([]byte(m.Content), &resp); err != nil {
				resp = map[string]any{"result": m.Content}
			}
			name := m.Name
			if name == "" {
				name = callIDToName[m.ToolCallID]
			}
			contents = append(contents, content{Role: "user", Parts: []part{{
				FunctionResponse: &functionResult{Name: name, Response: resp},
			}}})
		default:
			return nil, gwerrors.Newf(gwerrors.InvalidRequest, "unsupported message role %q", m.Role)
		}
	}
	if len(contents) == 0 {
		return nil, gwerrors.New(gwerrors.InvalidRequest, "messages must not be empty")
	}
	out := &generateRequest{Contents: contents, SystemInstruction: system}
	if len(req.Tools) > 0 {
		decls := make([]functionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  stripAdditionalProperties(t.Function.Parameters),
			})
		}
		out.Tools = []tool{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice != nil {
		tc := &toolConfig{}
		switch {
		case req.ToolChoice.FunctionName != "":
			tc.FunctionCallingConfig.Mode = "ANY"
			tc.FunctionCallingConfig.AllowedFunctionNames = []string{req.ToolChoice.FunctionName}
		case req.ToolChoice.Mode == "none":
			tc.FunctionCallingConfig.Mode = "NONE"
		case req.ToolChoice.Mode == "required":
			tc.FunctionCallingConfig.Mode = "ANY"
		default:
			tc.FunctionCallingConfig.Mode = "AUTO"
		}
		out.ToolConfig = tc
	}
	gc := &generationConfig{Temperature: req.Temperature, TopP: req.TopP, StopSequences: req.Stop}
	if req.MaxTokens != nil {
		gc.MaxOutputTokens = req.MaxTokens
	}
	out.GenerationConfig = gc
	return out, nil
}

// stripAdditionalProperties recursively removes the additionalProperties key
// at every depth of a JSON-schema-shaped map, since Gemini rejects it, per
// spec §4.5 scenario 3.
func stripAdditionalProperties(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "additionalProperties" {
			continue
		}
		out[k] = stripAdditionalPropertiesAny(v)
	}
	return out
}

func stripAdditionalPropertiesAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return stripAdditionalProperties(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = stripAdditionalPropertiesAny(e)
		}
		return out
	default:
		return v
	}
}

var finishReasons = map[string]model.FinishReason{
	"STOP":       model.FinishStop,
	"MAX_TOKENS": model.FinishLength,
	"SAFETY":     model.FinishContentFilter,
	"RECITATION": model.FinishContentFilter,
	"TOOL_CALL":  model.FinishToolCalls,
}

func translateResponse(wire generateResponse, reqModel string) *model.Response {
	choices := make([]model.Choice, 0, len(wire.Candidates))
	for _, cand := range wire.Candidates {
		msg := &model.Message{Role: model.RoleAssistant}
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				msg.Content += p.Text
			}
			if p.FunctionCall != nil {
				args, _ := json.Marshal(p.FunctionCall.Args)
				msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
					Type:     "function",
					Function: model.ToolCallFunc{Name: p.FunctionCall.Name, Arguments: string(args)},
				})
			}
		}
		fr := provider.StopReasonMap(finishReasons, cand.FinishReason)
		if len(msg.ToolCalls) > 0 && cand.FinishReason == "STOP" {
			fr = model.FinishToolCalls
		}
		choices = append(choices, model.Choice{Index: cand.Index, Message: msg, FinishReason: fr})
	}
	var usage *model.Usage
	if wire.UsageMeta != nil {
		usage = &model.Usage{
			PromptTokens:     wire.UsageMeta.PromptTokenCount,
			CompletionTokens: wire.UsageMeta.CandidatesTokenCount,
			TotalTokens:      wire.UsageMeta.TotalTokenCount,
		}
	}
	return &model.Response{Object: "chat.completion", Model: reqModel, Choices: choices, Usage: usage}
}

// streamer parses the SSE-framed streamGenerateContent response, one
// `data: {json}` line per Gemini chunk.
type streamer struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string
}

func (s *streamer) Next(ctx context.Context) (*model.Chunk, error) {
	for s.scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var wire generateResponse
		if err := json.Unmarshal([]byte(payload), &wire); err != nil {
			return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "decode google stream chunk")
		}
		return chunkFrom(wire, s.model), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, gwerrors.Wrapf(gwerrors.UpstreamError, err, "google stream read")
	}
	return nil, io.EOF
}

func chunkFrom(wire generateResponse, reqModel string) *model.Chunk {
	chunk := &model.Chunk{Object: "chat.completion.chunk", Model: reqModel}
	for _, cand := range wire.Candidates {
		delta := model.Delta{}
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				delta.Content += p.Text
			}
			if p.FunctionCall != nil {
				args, _ := json.Marshal(p.FunctionCall.Args)
				delta.ToolCalls = append(delta.ToolCalls, model.ToolCall{
					Type:     "function",
					Function: model.ToolCallFunc{Name: p.FunctionCall.Name, Arguments: string(args)},
				})
			}
		}
		cc := model.ChunkChoice{Index: cand.Index, Delta: delta}
		if cand.FinishReason != "" {
			fr := provider.StopReasonMap(finishReasons, cand.FinishReason)
			cc.FinishReason = &fr
		}
		chunk.Choices = append(chunk.Choices, cc)
	}
	if wire.UsageMeta != nil {
		chunk.Usage = &model.Usage{
			PromptTokens:     wire.UsageMeta.PromptTokenCount,
			CompletionTokens: wire.UsageMeta.CandidatesTokenCount,
			TotalTokens:      wire.UsageMeta.TotalTokenCount,
		}
	}
	return chunk
}

func (s *streamer) Close() error { return s.body.Close() }
