package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusgate/gateway/internal/gwerrors"
)

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	Endpoint        string
	HTTPClient      *http.Client
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// sessionState tracks the gateway's view of an HTTP-streamable downstream's
// session lifecycle, per spec §4.9's state table.
type sessionState int

const (
	stateUninitialized sessionState = iota
	stateReady
)

// HTTPClient implements Client over the MCP HTTP-streamable transport: a
// single persistent session identified by the mcp-session-id header, with
// responses that may arrive as a plain JSON body or as an SSE stream.
// Grounded on the teacher's features/mcp/runtime httpTransport/HTTPCaller
// and runtime/mcp/SSECaller, merged into one implementation that parses
// either response shape and adds the session tracking neither teacher
// caller had: a 404 invalidates the session and the next call
// re-initializes, per spec §4.7.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	opts     HTTPOptions

	id uint64

	mu        sync.Mutex
	state     sessionState
	sessionID string

	listenersMu   sync.Mutex
	onListChanged func()
}

// NewHTTPClient constructs an HTTPClient without initializing it; callers
// invoke Initialize explicitly (the gateway does this once at startup for
// every configured downstream, per spec §6's exit-code contract for a
// startup failure).
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{endpoint: opts.Endpoint, http: httpClient, opts: opts}
}

func (c *HTTPClient) nextID() uint64 { return atomic.AddUint64(&c.id, 1) }

// Initialize performs the MCP initialize handshake and stores the session
// id the server allocates, transitioning to READY.
func (c *HTTPClient) Initialize(ctx context.Context) error {
	if c.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.InitTimeout)
		defer cancel()
	}
	params := initializeParams(c.opts.ProtocolVersion, c.opts.ClientName, c.opts.ClientVersion)
	if err := c.call(ctx, "initialize", params, nil); err != nil {
		return fmt.Errorf("mcp initialize: %w", err)
	}
	c.mu.Lock()
	c.state = stateReady
	c.mu.Unlock()
	return nil
}

func (c *HTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
	var result toolsListResult
	if err := c.callReady(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *HTTPClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var result promptsListResult
	if err := c.callReady(ctx, "prompts/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

func (c *HTTPClient) ListResources(ctx context.Context) ([]Resource, error) {
	var result resourcesListResult
	if err := c.callReady(ctx, "resources/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (c *HTTPClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (CallResult, error) {
	params := map[string]any{"name": name, "arguments": arguments}
	var result toolsCallResult
	if err := c.callReady(ctx, "tools/call", params, &result); err != nil {
		return CallResult{}, err
	}
	return normalizeToolResult(result)
}

func (c *HTTPClient) GetPrompt(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": name, "arguments": arguments}
	var raw json.RawMessage
	if err := c.callReady(ctx, "prompts/get", params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *HTTPClient) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	params := map[string]any{"uri": uri}
	var raw json.RawMessage
	if err := c.callReady(ctx, "resources/read", params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *HTTPClient) OnListChanged(fn func()) {
	c.listenersMu.Lock()
	c.onListChanged = fn
	c.listenersMu.Unlock()
}

func (c *HTTPClient) Close() error { return nil }

// callReady requires a READY session, re-initializing once transparently if
// a prior 404 dropped it to UNINITIALIZED (e.g. the downstream restarted).
func (c *HTTPClient) callReady(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	ready := c.state == stateReady
	c.mu.Unlock()
	if !ready {
		if err := c.Initialize(ctx); err != nil {
			return err
		}
	}
	return c.call(ctx, method, params, result)
}

func (c *HTTPClient) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID()
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}
	injectTraceHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		c.dropSession()
		return gwerrors.Wrapf(gwerrors.UpstreamError, err, "mcp http transport: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	if resp.StatusCode == http.StatusNotFound {
		c.dropSession()
		return gwerrors.Newf(gwerrors.UpstreamError, "mcp session expired (404)")
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return gwerrors.Newf(gwerrors.UpstreamError, "mcp http status %d: %s", resp.StatusCode, string(raw))
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	var rpcResp rpcResponse
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		rpcResp, err = c.readSSEResponse(resp.Body, id)
	default:
		err = json.NewDecoder(resp.Body).Decode(&rpcResp)
	}
	if err != nil {
		return gwerrors.Wrapf(gwerrors.UpstreamError, err, "mcp decode response: %v", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.asGatewayError()
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return err
		}
	}
	return nil
}

// readSSEResponse reads SSE frames until it finds the response matching id,
// forwarding any list_changed notification observed along the way to the
// registered subscriber. Grounded on the teacher's runtime/mcp/ssecaller.go
// readSSEEvent loop, extended to dispatch notifications instead of
// discarding them.
func (c *HTTPClient) readSSEResponse(body io.Reader, id uint64) (rpcResponse, error) {
	reader := bufio.NewReader(body)
	for {
		_, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rpcResponse{}, errors.New("mcp: sse stream closed before response")
			}
			return rpcResponse{}, err
		}
		var notif struct {
			Method string `json:"method"`
		}
		if json.Unmarshal(data, &notif) == nil && notif.Method != "" {
			if notif.Method == "notifications/tools/list_changed" {
				c.notifyListChanged()
			}
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.ID == id {
			return resp, nil
		}
	}
}

func (c *HTTPClient) notifyListChanged() {
	c.listenersMu.Lock()
	fn := c.onListChanged
	c.listenersMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *HTTPClient) dropSession() {
	c.mu.Lock()
	c.state = stateUninitialized
	c.sessionID = ""
	c.mu.Unlock()
}

// readSSEEvent parses one "event:"/"data:" frame, terminated by a blank
// line, from reader. Verbatim shape from the teacher's
// runtime/mcp/ssecaller.go.
func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			chunk := after
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			continue
		}
	}
}
