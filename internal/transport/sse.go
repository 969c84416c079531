package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golovatskygroup/mcp-router/pkg/mcp"
)

// SSETransport talks to push-only servers. The event stream is one-way: the
// client cannot send on it once connected. Requests are framed as HTTP posts
// against the endpoint the server advertises in its first event; responses
// come back as message events on the stream.
type SSETransport struct {
	serverID  string
	endpoint  string
	authToken string
	client    *http.Client

	body    io.Closer
	cancel  context.CancelFunc
	postURL string
	postMu  sync.RWMutex

	pending   map[int64]chan *mcp.Response
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	closed    atomic.Bool
	ready     chan struct{}
}

// NewSSE creates an unconnected push-stream transport.
func NewSSE(serverID, endpoint, authToken string, client *http.Client) *SSETransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &SSETransport{
		serverID:  serverID,
		endpoint:  endpoint,
		authToken: authToken,
		client:    client,
		pending:   make(map[int64]chan *mcp.Response),
		ready:     make(chan struct{}),
	}
}

// Connect opens the event stream and waits for the server to advertise its
// request endpoint.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}
	if t.closed.Load() {
		return ErrClosed
	}

	// The event stream must outlive the caller's context; only the
	// handshake is bounded by it.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-store")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	stop := context.AfterFunc(ctx, cancel)
	resp, err := t.client.Do(req)
	stop()
	if err != nil {
		cancel()
		return fmt.Errorf("connecting to %s: %w", t.endpoint, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		cancel()
		resp.Body.Close()
		return &RateLimitError{ServerID: t.serverID, ResetAt: resetFromHeader(resp.Header)}
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		resp.Body.Close()
		return fmt.Errorf("connecting to %s: unexpected status %d", t.endpoint, resp.StatusCode)
	}

	t.cancel = cancel
	t.body = resp.Body
	t.connected.Store(true)
	go t.readEvents(resp.Body)

	// The endpoint event must arrive before any request can be sent.
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		t.Close()
		return fmt.Errorf("waiting for endpoint event: %w", ctx.Err())
	}
}

// Close tears the stream down and unblocks pending callers.
func (t *SSETransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.connected.Store(false)
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
func (t *SSETransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
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
func (t *SSETransport) Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*mcp.CallToolResult, error) {
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

// call posts one request frame and waits for the correlated event.
func (t *SSETransport) call(ctx context.Context, method string, params any) (*mcp.Response, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	t.postMu.RLock()
	target := t.postURL
	t.postMu.RUnlock()
	if target == "" {
		return nil, fmt.Errorf("server %s advertised no request endpoint", t.serverID)
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

	frame := mcp.Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsData}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	post, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	io.Copy(io.Discard, post.Body)
	post.Body.Close()
	if post.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{ServerID: t.serverID, ResetAt: resetFromHeader(post.Header)}
	}
	if post.StatusCode >= 400 {
		return nil, fmt.Errorf("request rejected with status %d", post.StatusCode)
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

// readEvents parses the event stream and dispatches message events to
// pending callers.
func (t *SSETransport) readEvents(body io.Reader) {
	defer func() {
		t.connected.Store(false)
		t.failPending()
	}()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			t.dispatchEvent(event, data)
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		}
	}
}

func (t *SSETransport) dispatchEvent(event, data string) {
	switch event {
	case "endpoint":
		resolved := data
		if base, err := url.Parse(t.endpoint); err == nil {
			if ref, err := url.Parse(data); err == nil {
				resolved = base.ResolveReference(ref).String()
			}
		}
		t.postMu.Lock()
		first := t.postURL == ""
		t.postURL = resolved
		t.postMu.Unlock()
		if first {
			close(t.ready)
		}
	case "message":
		var resp mcp.Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return
		}
		id, ok := mcp.ResponseID(&resp)
		if !ok {
			return
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
			ch <- &resp
		}
	}
}

func (t *SSETransport) failPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}
