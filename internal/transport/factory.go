package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golovatskygroup/mcp-router/internal/config"
)

// Transport type names accepted in server descriptors.
const (
	TypeStream = "stream"
	TypeSSE    = "sse"
)

// Factory constructs transports for server descriptors, auto-detecting the
// binding when the descriptor leaves the type unset.
type Factory struct {
	client       *http.Client
	probeTimeout time.Duration
}

// FactoryOption configures the Factory.
type FactoryOption func(*Factory)

// WithHTTPClient sets the HTTP client used by constructed transports.
func WithHTTPClient(client *http.Client) FactoryOption {
	return func(f *Factory) {
		f.client = client
	}
}

// WithProbeTimeout bounds each auto-detection probe.
func WithProbeTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) {
		f.probeTimeout = d
	}
}

// NewFactory creates a transport factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		client:       http.DefaultClient,
		probeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Connect builds and connects a transport for the descriptor. When the
// descriptor declares a type the matching binding is used; otherwise the
// factory probes the server and keeps whichever binding it honors,
// preferring the bidirectional stream.
func (f *Factory) Connect(ctx context.Context, desc config.ServerDescriptor) (Transport, error) {
	switch desc.Transport {
	case TypeStream:
		t := NewStream(desc.ID, desc.Endpoint, desc.AuthToken, f.client)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	case TypeSSE:
		t := NewSSE(desc.ID, desc.Endpoint, desc.AuthToken, f.client)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	case "":
		return f.detect(ctx, desc)
	default:
		return nil, fmt.Errorf("unknown transport type %q for server %s", desc.Transport, desc.ID)
	}
}

// detect probes the server with each binding and keeps the first one that
// answers a capability listing. The stream binding is tried first.
func (f *Factory) detect(ctx context.Context, desc config.ServerDescriptor) (Transport, error) {
	stream := NewStream(desc.ID, desc.Endpoint, desc.AuthToken, f.client)
	if err := f.probe(ctx, stream); err == nil {
		return stream, nil
	} else if rl, ok := IsRateLimit(err); ok {
		// A throttled server is reachable; do not burn a second probe on it.
		return nil, rl
	} else {
		stream.Close()
		log.Printf("transport: server %s rejected stream binding (%v), trying sse", desc.ID, err)
	}

	sse := NewSSE(desc.ID, desc.Endpoint, desc.AuthToken, f.client)
	if err := f.probe(ctx, sse); err != nil {
		sse.Close()
		return nil, fmt.Errorf("server %s honors neither stream nor sse binding: %w", desc.ID, err)
	}
	return sse, nil
}

// probe connects and issues a capability listing within the probe timeout.
func (f *Factory) probe(ctx context.Context, t Transport) error {
	probeCtx, cancel := context.WithTimeout(ctx, f.probeTimeout)
	defer cancel()

	if err := t.Connect(probeCtx); err != nil {
		return err
	}
	if _, err := t.ListTools(probeCtx); err != nil {
		return err
	}
	return nil
}
