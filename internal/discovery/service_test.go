package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golovatskygroup/mcp-router/internal/config"
	"github.com/golovatskygroup/mcp-router/internal/transport"
	"github.com/golovatskygroup/mcp-router/pkg/mcp"
)

type fakeTransport struct {
	tools   []mcp.Tool
	listErr error
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Close() error                      { return nil }

func (f *fakeTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return f.tools, f.listErr
}

func (f *fakeTransport) Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*mcp.CallToolResult, error) {
	return mcp.TextResult("ok"), nil
}

type fakeConnector struct {
	mu       sync.Mutex
	connects map[string]int
	tools    map[string][]mcp.Tool
	errs     map[string]error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		connects: make(map[string]int),
		tools:    make(map[string][]mcp.Tool),
		errs:     make(map[string]error),
	}
}

func (f *fakeConnector) Connect(ctx context.Context, desc config.ServerDescriptor) (transport.Transport, error) {
	f.mu.Lock()
	f.connects[desc.ID]++
	f.mu.Unlock()
	if err := f.errs[desc.ID]; err != nil {
		return nil, err
	}
	return &fakeTransport{tools: f.tools[desc.ID]}, nil
}

func (f *fakeConnector) connectCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[id]
}

type fakeHealth struct {
	mu          sync.Mutex
	successes   []string
	failures    []string
	rateLimited []string
}

func (f *fakeHealth) ReportSuccess(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
}

func (f *fakeHealth) ReportFailure(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, id)
}

func (f *fakeHealth) ReportRateLimited(id string, resetAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateLimited = append(f.rateLimited, id)
}

func descriptors(ids ...string) config.StaticSource {
	src := make(config.StaticSource, 0, len(ids))
	for _, id := range ids {
		src = append(src, config.ServerDescriptor{ID: id, Name: id, Endpoint: "http://" + id, Enabled: true})
	}
	return src
}

func TestDiscoverAllCachesWithinTTL(t *testing.T) {
	conn := newFakeConnector()
	conn.tools["email"] = []mcp.Tool{{Name: "email_search", Description: "search and find emails"}}

	svc := NewService(descriptors("email"), conn, &fakeHealth{}, WithTTL(time.Minute))

	first, err := svc.DiscoverAll(context.Background())
	require.NoError(t, err)
	second, err := svc.DiscoverAll(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second, "fresh snapshot must be served without re-probing")
	assert.Equal(t, 1, conn.connectCount("email"))
}

func TestDiscoverAllReprobesAfterInvalidate(t *testing.T) {
	conn := newFakeConnector()
	conn.tools["email"] = []mcp.Tool{{Name: "email_search"}}

	svc := NewService(descriptors("email"), conn, &fakeHealth{}, WithTTL(time.Minute))

	_, err := svc.DiscoverAll(context.Background())
	require.NoError(t, err)
	svc.Invalidate()
	assert.Nil(t, svc.Cached())

	_, err = svc.DiscoverAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, conn.connectCount("email"))
}

func TestDiscoverAllSharesInflightProbe(t *testing.T) {
	conn := newFakeConnector()
	conn.tools["email"] = []mcp.Tool{{Name: "email_search"}}

	svc := NewService(descriptors("email"), conn, &fakeHealth{}, WithTTL(time.Minute))

	const callers = 16
	var (
		wg      sync.WaitGroup
		results [callers]*Registry
		errs    [callers]error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.DiscoverAll(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, conn.connectCount("email"))
}

func TestDiscoverKeepsFailedServerWithZeroCapabilities(t *testing.T) {
	conn := newFakeConnector()
	conn.tools["up"] = []mcp.Tool{{Name: "email_search"}}
	conn.errs["down"] = errors.New("connection refused")

	hr := &fakeHealth{}
	svc := NewService(descriptors("up", "down"), conn, hr)

	reg, err := svc.DiscoverAll(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"up", "down"}, reg.Servers(),
		"unreachable server stays in the snapshot for the next cycle")
	assert.Empty(t, reg.Capabilities("down"))
	assert.Len(t, reg.Capabilities("up"), 1)
	assert.Contains(t, hr.failures, "down")
	assert.Contains(t, hr.successes, "up")
}

func TestDiscoverReportsRateLimit(t *testing.T) {
	conn := newFakeConnector()
	conn.errs["busy"] = &transport.RateLimitError{ServerID: "busy", ResetAt: time.Now().Add(time.Minute)}

	hr := &fakeHealth{}
	svc := NewService(descriptors("busy"), conn, hr)

	_, err := svc.DiscoverAll(context.Background())
	require.NoError(t, err)
	assert.Contains(t, hr.rateLimited, "busy")
	assert.Empty(t, hr.failures)
}

func TestDiscoverDropsDisabledServer(t *testing.T) {
	conn := newFakeConnector()
	conn.tools["a"] = []mcp.Tool{{Name: "tool_a"}}
	conn.tools["b"] = []mcp.Tool{{Name: "tool_b"}}

	var enabled atomic.Bool
	enabled.Store(true)
	source := config.SourceFunc(func() []config.ServerDescriptor {
		out := []config.ServerDescriptor{{ID: "a", Endpoint: "http://a", Enabled: true}}
		if enabled.Load() {
			out = append(out, config.ServerDescriptor{ID: "b", Endpoint: "http://b", Enabled: true})
		}
		return out
	})

	svc := NewService(source, conn, &fakeHealth{})

	reg, err := svc.DiscoverAll(context.Background())
	require.NoError(t, err)
	_, ok := reg.Lookup("tool_b")
	assert.True(t, ok)

	enabled.Store(false)
	svc.Invalidate()

	reg, err = svc.DiscoverAll(context.Background())
	require.NoError(t, err)
	_, ok = reg.Lookup("tool_b")
	assert.False(t, ok, "capabilities of a removed server must not survive re-discovery")
	assert.NotContains(t, reg.Servers(), "b")
}
