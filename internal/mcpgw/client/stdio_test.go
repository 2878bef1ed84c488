package client

import (
	"bufio"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChild simulates a downstream's stdin/stdout loop without spawning a
// real process: it scans newline-delimited requests off stdinR and writes
// canned newline-delimited responses to stdoutW.
func fakeChild(t *testing.T, stdinR io.Reader, stdoutW io.Writer, handle func(rpcRequest) (json.RawMessage, *rpcError)) {
	t.Helper()
	scanner := bufio.NewScanner(stdinR)
	for scanner.Scan() {
		var req rpcRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		result, rpcErr := handle(req)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
		data, _ := json.Marshal(resp)
		data = append(data, '\n')
		_, _ = stdoutW.Write(data)
	}
}

func newTestStdioClient() (*StdioClient, *io.PipeWriter, *io.PipeReader) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	c := NewStdioClient(StdioOptions{Command: "unused", MaxQueued: 4})
	c.mu.Lock()
	c.stdin = stdinW
	c.started = true
	c.mu.Unlock()
	go c.readLoop(stdoutR)
	return c, stdoutW, stdinR
}

func TestStdioClientCallToolRoundTrip(t *testing.T) {
	c, stdoutW, stdinR := newTestStdioClient()
	go fakeChild(t, stdinR, stdoutW, func(req rpcRequest) (json.RawMessage, *rpcError) {
		switch req.Method {
		case "tools/call":
			return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
		default:
			return json.RawMessage(`{}`), nil
		}
	})

	result, err := c.CallTool(t.Context(), "echo", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(result.Result))
}

func TestStdioClientSurfacesDownstreamError(t *testing.T) {
	c, stdoutW, stdinR := newTestStdioClient()
	go fakeChild(t, stdinR, stdoutW, func(req rpcRequest) (json.RawMessage, *rpcError) {
		return nil, &rpcError{Code: -32601, Message: "no such tool"}
	})

	_, err := c.CallTool(t.Context(), "missing", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestStdioClientDispatchesListChangedNotification(t *testing.T) {
	c, stdoutW, _ := newTestStdioClient()
	var rebuilds int32
	c.OnListChanged(func() { atomic.AddInt32(&rebuilds, 1) })

	notif := []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}` + "\n")
	_, err := stdoutW.Write(notif)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&rebuilds) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStdioClientQueueSaturationFailsFast(t *testing.T) {
	c, _, _ := newTestStdioClient()
	c.pendingMu.Lock()
	for i := uint64(0); i < 4; i++ {
		c.pending[i+1000] = make(chan callResult, 1)
	}
	c.nextID = 1000
	c.pendingMu.Unlock()

	_, err := c.CallTool(t.Context(), "echo", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestStdioClientChildExitFailsPendingCalls(t *testing.T) {
	c, _, _ := newTestStdioClient()
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[42] = ch
	c.pendingMu.Unlock()

	c.mu.Lock()
	c.started = false // prevent the restart loop from racing the assertion below
	c.mu.Unlock()
	c.onChildExit(io.ErrClosedPipe)

	select {
	case res := <-ch:
		assert.Error(t, res.err)
	case <-time.After(time.Second):
		t.Fatal("pending call was not failed on child exit")
	}
}
