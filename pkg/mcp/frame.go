package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Framer reads and writes newline-delimited JSON-RPC frames over a byte
// stream. Writes are serialized; a single reader goroutine is assumed.
type Framer struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
}

// NewFramer creates a framer over the given stream halves.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader: bufio.NewReader(r),
		writer: w,
	}
}

// ReadResponse reads the next response frame.
func (f *Framer) ReadResponse() (*Response, error) {
	line, err := f.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}

	return &resp, nil
}

// WriteRequest writes a request frame.
func (f *Framer) WriteRequest(req *Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}

// WriteNotification writes a notification frame.
func (f *Framer) WriteNotification(method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var paramsData json.RawMessage
	if params != nil {
		var err error
		paramsData, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}

	notif := Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsData,
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}

// ResponseID normalizes a loosely typed response ID to int64. The second
// return is false when the ID is absent or not numeric.
func ResponseID(resp *Response) (int64, bool) {
	switch v := resp.ID.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
