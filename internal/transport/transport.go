// Package transport provides capability-negotiated channels to remote tool
// servers. Two bindings are supported: a persistent bidirectional stream,
// and a push-only SSE stream with requests framed as HTTP posts.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golovatskygroup/mcp-router/pkg/mcp"
)

// Transport is a connection to one remote tool server.
type Transport interface {
	// Connect establishes the channel. A failed connect is surfaced as an
	// error; the caller is expected to mark the server down.
	Connect(ctx context.Context) error

	// Close tears the channel down. Safe to call on a never-connected or
	// already-closed transport.
	Close() error

	// ListTools fetches the server's capability listing.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// Invoke executes a named capability. The timeout bounds this single
	// attempt; exceeding it returns context.DeadlineExceeded.
	Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*mcp.CallToolResult, error)
}

// ErrNotConnected is returned for operations on an unconnected transport.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned once the transport has been shut down.
var ErrClosed = errors.New("transport: closed")

// RateLimitError reports that the server signalled throttling. ResetAt is
// the earliest time another attempt should be made.
type RateLimitError struct {
	ServerID string
	ResetAt  time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("server %s rate-limited until %s", e.ServerID, e.ResetAt.Format(time.RFC3339))
}

// IsRateLimit reports whether err carries a rate-limit signal, returning the
// typed error when it does.
func IsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// rateLimitFromError converts a wire-level RateLimited error into a typed
// RateLimitError using the retry hint when present.
func rateLimitFromError(serverID string, wireErr *mcp.Error) *RateLimitError {
	reset := time.Now().Add(60 * time.Second)
	if len(wireErr.Data) > 0 {
		var data mcp.RateLimitData
		if err := json.Unmarshal(wireErr.Data, &data); err == nil && data.RetryAfterSeconds > 0 {
			reset = time.Now().Add(time.Duration(data.RetryAfterSeconds) * time.Second)
		}
	}
	return &RateLimitError{ServerID: serverID, ResetAt: reset}
}

// resultFromResponse maps a tools/call response to a CallToolResult,
// translating rate-limit errors into typed errors and other wire errors
// into an IsError result, mirroring how upstream failures are reported.
func resultFromResponse(serverID string, resp *mcp.Response) (*mcp.CallToolResult, error) {
	if resp.Error != nil {
		if resp.Error.Code == mcp.RateLimited {
			return nil, rateLimitFromError(serverID, resp.Error)
		}
		return &mcp.CallToolResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: %s", resp.Error.Message)}},
			IsError: true,
		}, nil
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &result, nil
}
