// Package model defines the canonical chat-completion schema shared by
// every provider adapter (C8) and the router (C9), per spec §3. The shape
// is deliberately the flat OpenAI-compatible schema the spec names field by
// field — see DESIGN.md decision 2 for why this package does not adopt the
// teacher's richer Parts-based union type at this layer.
package model

import (
	"encoding/json"
	"strings"

	"github.com/nexusgate/gateway/internal/gwerrors"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolChoice is either a literal mode or a forced function name.
type ToolChoice struct {
	Mode         string // auto | none | required | function | "" (unset)
	FunctionName string // set only when a specific function is forced
}

// UnmarshalJSON accepts either a bare string ("auto") or
// {"type":"function","function":{"name":"..."}}.
func (c *ToolChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Mode = s
		return nil
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	c.Mode = "function"
	c.FunctionName = obj.Function.Name
	return nil
}

func (c ToolChoice) MarshalJSON() ([]byte, error) {
	if c.FunctionName != "" {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": c.FunctionName},
		})
	}
	return json.Marshal(c.Mode)
}

// ToolCall is a single tool invocation requested by the assistant. Arguments
// is the raw, stringified JSON object exactly as the wire format carries it;
// spec scenario 2 requires it round-trip byte-for-byte where possible.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function ToolCallFunc `json:"function"`
}

type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes a callable function exposed to the model.
type Tool struct {
	Type     string       `json:"type"` // always "function"
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Message is one canonical chat message.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Request is the canonical chat-completion request.
type Request struct {
	Model             string         `json:"model"`
	Messages          []Message      `json:"messages"`
	Temperature       *float64       `json:"temperature,omitempty"`
	MaxTokens         *int           `json:"max_tokens,omitempty"`
	TopP              *float64       `json:"top_p,omitempty"`
	FrequencyPenalty  *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64       `json:"presence_penalty,omitempty"`
	Stop              []string       `json:"stop,omitempty"`
	Stream            bool           `json:"stream,omitempty"`
	Tools             []Tool         `json:"tools,omitempty"`
	ToolChoice        *ToolChoice    `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool          `json:"parallel_tool_calls,omitempty"`
}

// ProviderAlias and UpstreamModel split Request.Model at the first "/".
func (r Request) ProviderAlias() (string, error) {
	alias, _, err := splitModel(r.Model)
	return alias, err
}

func (r Request) UpstreamModel() (string, error) {
	_, upstream, err := splitModel(r.Model)
	return upstream, err
}

func splitModel(model string) (alias, upstream string, err error) {
	idx := strings.IndexByte(model, '/')
	if idx <= 0 || idx == len(model)-1 || strings.IndexByte(model[idx+1:], '/') >= 0 {
		return "", "", gwerrors.Newf(gwerrors.InvalidRequest, "model %q must contain exactly one '/' separating provider alias from model alias", model)
	}
	return model[:idx], model[idx+1:], nil
}

// Validate checks the structural invariants of spec §3.
func (r Request) Validate() error {
	if _, _, err := splitModel(r.Model); err != nil {
		return err
	}
	if len(r.Messages) == 0 {
		return gwerrors.New(gwerrors.InvalidRequest, "messages must not be empty")
	}
	return nil
}

// FinishReason is the canonical completion-stop taxonomy.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// FinishOther produces the other(s) variant for an unrecognized upstream
// stop reason, preserving the original string for diagnostics.
func FinishOther(s string) FinishReason { return FinishReason("other(" + s + ")") }

// Usage is token accounting for a unary response or terminal chunk.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion choice in a unary response.
type Choice struct {
	Index        int          `json:"index"`
	Message      *Message     `json:"message,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
}

// Response is the canonical unary chat-completion response.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Delta is the incremental content of a streaming chunk choice.
type Delta struct {
	Role      Role       `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ChunkChoice is one choice within a streaming chunk.
type ChunkChoice struct {
	Index        int           `json:"index"`
	Delta        Delta         `json:"delta"`
	FinishReason *FinishReason `json:"finish_reason"`
}

// Chunk is a single canonical streaming chunk ("chat.completion.chunk").
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"` // "chat.completion.chunk"
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ModelInfo is one entry in a provider's model listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// EstimateTokens applies the character-length heuristic of spec §4.5: at
// least 1 token per 4 input characters. Used when an upstream omits usage.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateRequestTokens sums the character-heuristic estimate across a
// request's message contents, used to pre-charge the rate limiter before an
// upstream call per spec §4.6.
func EstimateRequestTokens(r Request) int {
	total := 0
	for _, m := range r.Messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// StreamError is the terminal SSE frame emitted when an error is discovered
// mid-stream, per spec §7.
type StreamError struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Kind        gwerrors.Kind `json:"kind"`
	Description string        `json:"description,omitempty"`
}

// AsStreamError converts any error into the wire shape for a terminal SSE
// error frame.
func AsStreamError(err error) StreamError {
	var gerr *gwerrors.Error
	if gwerrors.As(err, &gerr) {
		return StreamError{Error: ErrorBody{Kind: gerr.Kind, Description: gerr.Description}}
	}
	return StreamError{Error: ErrorBody{Kind: gwerrors.InternalError, Description: err.Error()}}
}

func (f FinishReason) String() string { return string(f) }
