package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golovatskygroup/mcp-router/pkg/mcp"
)

const protocolVersion = "2024-11-05"

// StreamTransport holds one long-lived bidirectional HTTP stream to a tool
// server. Requests are written as newline-delimited JSON-RPC frames on the
// request body; responses arrive on the response body and are matched to
// callers through a pending map.
type StreamTransport struct {
	serverID  string
	endpoint  string
	authToken string
	client    *http.Client

	writer *mcp.Framer
	body   io.Closer
	pipe   io.WriteCloser
	cancel context.CancelFunc

	pending   map[int64]chan *mcp.Response
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected   atomic.Bool
	closed      atomic.Bool
	initialized bool
	initMu      sync.Mutex
}

// NewStream creates an unconnected stream transport for the given server.
func NewStream(serverID, endpoint, authToken string, client *http.Client) *StreamTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &StreamTransport{
		serverID:  serverID,
		endpoint:  endpoint,
		authToken: authToken,
		client:    client,
		pending:   make(map[int64]chan *mcp.Response),
	}
}

// Connect opens the stream. The request body stays open for the life of the
// connection; the server must answer with a chunked NDJSON body.
func (t *StreamTransport) Connect(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}
	if t.closed.Load() {
		return ErrClosed
	}

	// The stream must outlive the caller's context: a bounded connect
	// deadline only covers the handshake, not the connection lifetime.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(connCtx, http.MethodPost, t.endpoint, pr)
	if err != nil {
		cancel()
		pw.Close()
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Accept", "application/x-ndjson")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	stop := context.AfterFunc(ctx, cancel)
	resp, err := t.client.Do(req)
	stop()
	if err != nil {
		cancel()
		pw.Close()
		return fmt.Errorf("connecting to %s: %w", t.endpoint, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		cancel()
		resp.Body.Close()
		pw.Close()
		return &RateLimitError{ServerID: t.serverID, ResetAt: resetFromHeader(resp.Header)}
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		resp.Body.Close()
		pw.Close()
		return fmt.Errorf("connecting to %s: unexpected status %d", t.endpoint, resp.StatusCode)
	}

	t.cancel = cancel
	t.pipe = pw
	t.body = resp.Body
	t.writer = mcp.NewFramer(resp.Body, pw)
	t.connected.Store(true)

	go t.readResponses()

	return nil
}

// Close shuts the stream down and unblocks pending callers.
func (t *StreamTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.connected.Store(false)
	if t.pipe != nil {
		t.pipe.Close()
	}
	if t.body != nil {
		t.body.Close()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.failPending()
	return nil
}

// ListTools fetches the server's capability listing.
func (t *StreamTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := t.initialize(ctx); err != nil {
		return nil, err
	}

	resp, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		if resp.Error.Code == mcp.RateLimited {
			return nil, rateLimitFromError(t.serverID, resp.Error)
		}
		return nil, fmt.Errorf("list tools error: %s", resp.Error.Message)
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools: %w", err)
	}
	return result.Tools, nil
}

// Invoke executes a capability with a per-attempt timeout.
func (t *StreamTransport) Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*mcp.CallToolResult, error) {
	if err := t.initialize(ctx); err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := t.call(ctx, "tools/call", mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return resultFromResponse(t.serverID, resp)
}

// initialize performs the handshake once per connection.
func (t *StreamTransport) initialize(ctx context.Context) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	t.initMu.Lock()
	defer t.initMu.Unlock()
	if t.initialized {
		return nil
	}

	params := mcp.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      mcp.ClientInfo{Name: "mcp-router", Version: "1.0.0"},
	}
	resp, err := t.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize error: %s", resp.Error.Message)
	}

	if err := t.writer.WriteNotification("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}

	t.initialized = true
	return nil
}

func (t *StreamTransport) call(ctx context.Context, method string, params any) (*mcp.Response, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)

	var paramsData json.RawMessage
	if params != nil {
		var err error
		paramsData, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
	}

	respCh := make(chan *mcp.Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	req := &mcp.Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsData}
	if err := t.writer.WriteRequest(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *StreamTransport) readResponses() {
	for {
		resp, err := t.writer.ReadResponse()
		if err != nil {
			t.connected.Store(false)
			t.failPending()
			return
		}

		id, ok := mcp.ResponseID(resp)
		if !ok {
			continue
		}

		// Claim the channel under the lock so a concurrent Close cannot
		// close it between lookup and send. The buffered send never blocks.
		t.pendingMu.Lock()
		ch, ok := t.pending[id]
		if ok {
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// failPending unblocks callers waiting on a dead connection.
func (t *StreamTransport) failPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// resetFromHeader derives a rate-limit reset time from a Retry-After header,
// defaulting to 60s when absent or unparseable.
func resetFromHeader(h http.Header) time.Time {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
		if at, err := http.ParseTime(v); err == nil {
			return at
		}
	}
	return time.Now().Add(60 * time.Second)
}
