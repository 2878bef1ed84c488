package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nexusgate/gateway/internal/gwerrors"
)

// defaultMaxQueued bounds the number of stdio requests awaiting a reply
// before new calls fail fast, per spec §5's backpressure policy.
const defaultMaxQueued = 256

// StdioOptions configures a StdioClient.
type StdioOptions struct {
	Command         string
	Args            []string
	Env             []string
	Dir             string
	StderrLog       string // optional; stderr is teed here when set
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
	MaxQueued       int
	MaxRestarts     int           // default 5
	RestartBackoff  time.Duration // default 500ms, doubled per attempt
}

type callResult struct {
	resp rpcResponse
	err  error
}

// StdioClient implements Client over newline-delimited JSON-RPC frames on a
// child process's stdin/stdout. Grounded on the teacher's
// features/mcp/runtime/stdiocaller.go actor pattern (pending-map-plus-
// readLoop), with two changes spec §4.7 requires over the teacher: frames
// are newline-delimited JSON rather than Content-Length-prefixed, and a
// process exit after a successful initialize triggers a bounded restart
// with backoff instead of tearing the caller down permanently.
type StdioClient struct {
	opts StdioOptions

	mu      sync.Mutex // guards cmd/stdin across restarts
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool

	pendingMu sync.Mutex
	pending   map[uint64]chan callResult
	nextID    uint64
	writeMu   sync.Mutex

	listenersMu   sync.Mutex
	onListChanged func()

	closed    chan struct{}
	closeOnce sync.Once
}

// NewStdioClient constructs a StdioClient without spawning the child; call
// Initialize to start it.
func NewStdioClient(opts StdioOptions) *StdioClient {
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = defaultMaxQueued
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 5
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = 500 * time.Millisecond
	}
	return &StdioClient{
		opts:    opts,
		pending: make(map[uint64]chan callResult),
		closed:  make(chan struct{}),
	}
}

// Initialize spawns the child process and performs the MCP handshake. An
// early exit (process dies before initialize replies) is returned as a
// fatal error; per spec §4.7 the caller (gateway startup) must treat that
// as a startup failure, not something to retry.
func (c *StdioClient) Initialize(ctx context.Context) error {
	if err := c.spawn(); err != nil {
		return fmt.Errorf("mcp stdio spawn: %w", err)
	}
	initCtx := ctx
	if c.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, c.opts.InitTimeout)
		defer cancel()
	}
	params := initializeParams(c.opts.ProtocolVersion, c.opts.ClientName, c.opts.ClientVersion)
	if err := c.call(initCtx, "initialize", params, nil); err != nil {
		_ = c.killCurrent()
		return fmt.Errorf("mcp stdio initialize: %w", err)
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *StdioClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var result promptsListResult
	if err := c.call(ctx, "prompts/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

func (c *StdioClient) ListResources(ctx context.Context) ([]Resource, error) {
	var result resourcesListResult
	if err := c.call(ctx, "resources/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (c *StdioClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (CallResult, error) {
	params := map[string]any{"name": name, "arguments": arguments}
	var result toolsCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return CallResult{}, err
	}
	return normalizeToolResult(result)
}

func (c *StdioClient) GetPrompt(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": name, "arguments": arguments}
	var raw json.RawMessage
	if err := c.call(ctx, "prompts/get", params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *StdioClient) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	params := map[string]any{"uri": uri}
	var raw json.RawMessage
	if err := c.call(ctx, "resources/read", params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *StdioClient) OnListChanged(fn func()) {
	c.listenersMu.Lock()
	c.onListChanged = fn
	c.listenersMu.Unlock()
}

// Close terminates the child process permanently; no further restarts are
// attempted.
func (c *StdioClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.killCurrent()
}

func (c *StdioClient) spawn() error {
	cmd := exec.Command(c.opts.Command, c.opts.Args...)
	if c.opts.Dir != "" {
		cmd.Dir = c.opts.Dir
	}
	if len(c.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), c.opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.mu.Unlock()

	go c.teeStderr(stderr)
	go c.readLoop(stdout)
	return nil
}

func (c *StdioClient) teeStderr(stderr io.Reader) {
	if c.opts.StderrLog == "" {
		_, _ = io.Copy(io.Discard, stderr)
		return
	}
	f, err := os.OpenFile(c.opts.StderrLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_, _ = io.Copy(io.Discard, stderr)
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = io.Copy(f, stderr)
}

func (c *StdioClient) killCurrent() error {
	c.mu.Lock()
	cmd, stdin := c.cmd, c.stdin
	c.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return nil
}

func (c *StdioClient) call(ctx context.Context, method string, params, result any) error {
	c.pendingMu.Lock()
	if len(c.pending) >= c.opts.MaxQueued {
		c.pendingMu.Unlock()
		return gwerrors.New(gwerrors.InternalError, "mcp stdio request queue saturated")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if m, ok := params.(map[string]any); ok {
		addTraceMeta(ctx, m)
	}
	if err := c.writeMessage(rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}); err != nil {
		c.removePending(id)
		return gwerrors.Wrapf(gwerrors.UpstreamError, err, "mcp stdio write: %v", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return gwerrors.Wrapf(gwerrors.UpstreamError, res.err, "mcp stdio transport: %v", res.err)
		}
		if res.resp.Error != nil {
			return res.resp.Error.asGatewayError()
		}
		if result != nil && res.resp.Result != nil {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return err
			}
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return gwerrors.New(gwerrors.UpstreamError, "mcp stdio client closed")
	}
}

func (c *StdioClient) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return errors.New("mcp stdio: no active child process")
	}
	_, err = stdin.Write(data)
	return err
}

// readLoop scans newline-delimited JSON-RPC frames from the child's stdout,
// dispatching responses to their pending caller by id and notifications
// (list_changed) to the registered subscriber. On EOF/error it fails every
// outstanding call and, unless the client has been permanently closed or a
// prior initialize never completed, attempts a bounded, backed-off restart.
func (c *StdioClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var notif struct {
			Method string `json:"method"`
		}
		if json.Unmarshal(line, &notif) == nil && notif.Method != "" {
			if notif.Method == "notifications/tools/list_changed" {
				c.notifyListChanged()
			}
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		c.dispatch(resp)
	}
	c.onChildExit(scanner.Err())
}

func (c *StdioClient) dispatch(resp rpcResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- callResult{resp: resp}
		close(ch)
	}
}

func (c *StdioClient) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *StdioClient) notifyListChanged() {
	c.listenersMu.Lock()
	fn := c.onListChanged
	c.listenersMu.Unlock()
	if fn != nil {
		fn()
	}
}

// onChildExit fails every pending call and, if the client was already
// initialized and hasn't been closed, restarts the child with exponential
// backoff up to MaxRestarts attempts.
func (c *StdioClient) onChildExit(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	c.pendingMu.Unlock()

	select {
	case <-c.closed:
		return
	default:
	}

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}

	backoff := c.opts.RestartBackoff
	for attempt := 1; attempt <= c.opts.MaxRestarts; attempt++ {
		select {
		case <-c.closed:
			return
		case <-time.After(backoff):
		}
		if spawnErr := c.spawn(); spawnErr == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			initErr := c.call(ctx, "initialize", initializeParams(c.opts.ProtocolVersion, c.opts.ClientName, c.opts.ClientVersion), nil)
			cancel()
			if initErr == nil {
				return
			}
		}
		backoff *= 2
	}
}
