package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golovatskygroup/mcp-router/internal/config"
	"github.com/golovatskygroup/mcp-router/internal/transport"
)

type scriptedProber struct {
	mu     sync.Mutex
	err    map[string]error
	probed map[string]int
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{err: make(map[string]error), probed: make(map[string]int)}
}

func (p *scriptedProber) Probe(ctx context.Context, desc config.ServerDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed[desc.ID]++
	return p.err[desc.ID]
}

func (p *scriptedProber) set(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err[id] = err
}

func (p *scriptedProber) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probed[id]
}

func sourceOf(ids ...string) config.StaticSource {
	src := make(config.StaticSource, 0, len(ids))
	for _, id := range ids {
		src = append(src, config.ServerDescriptor{ID: id, Endpoint: "http://" + id, Enabled: true})
	}
	return src
}

func TestReportFailureDegradesThenDowns(t *testing.T) {
	m := NewMonitor(sourceOf("s"), newScriptedProber(), WithDownThreshold(3))

	m.ReportFailure("s")
	h, ok := m.Get("s")
	require.True(t, ok)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, 70, h.Score)

	m.ReportFailure("s")
	h, _ = m.Get("s")
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, 55, h.Score)

	m.ReportFailure("s")
	h, _ = m.Get("s")
	assert.Equal(t, StatusDown, h.Status)
	assert.Equal(t, 0, h.Score)
	assert.Equal(t, 3, h.ConsecutiveFailures)
}

func TestReportSuccessResetsFailures(t *testing.T) {
	m := NewMonitor(sourceOf("s"), newScriptedProber(), WithDownThreshold(3))

	m.ReportFailure("s")
	m.ReportFailure("s")
	m.ReportSuccess("s")

	h, ok := m.Get("s")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 100, h.Score)
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestDegradedScoreFloor(t *testing.T) {
	m := NewMonitor(sourceOf("s"), newScriptedProber(), WithDownThreshold(10))

	for i := 0; i < 6; i++ {
		m.ReportFailure("s")
	}
	h, _ := m.Get("s")
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, 30, h.Score, "degraded score never drops below the floor")
}

func TestReportRateLimited(t *testing.T) {
	m := NewMonitor(sourceOf("s"), newScriptedProber())
	resetAt := time.Now().Add(time.Minute)

	m.ReportRateLimited("s", resetAt)

	h, ok := m.Get("s")
	require.True(t, ok)
	assert.Equal(t, StatusRateLimited, h.Status)
	assert.Equal(t, 20, h.Score)
	assert.Equal(t, resetAt, h.RateLimitResetAt)
}

func TestAvailabilityScore(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		health ServerHealth
		want   float64
	}{
		{"healthy", ServerHealth{Status: StatusHealthy, Score: 100}, 1.0},
		{"degraded", ServerHealth{Status: StatusDegraded, Score: 70}, 0.7},
		{"down", ServerHealth{Status: StatusDown, Score: 0}, 0},
		{"rate limited before reset", ServerHealth{Status: StatusRateLimited, Score: 20, RateLimitResetAt: now.Add(time.Minute)}, 0},
		{"rate limited after reset", ServerHealth{Status: StatusRateLimited, Score: 20, RateLimitResetAt: now.Add(-time.Minute)}, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.health.AvailabilityScore(now), 1e-9)
		})
	}
}

func TestCheckAllSkipsRateLimitedBeforeReset(t *testing.T) {
	prober := newScriptedProber()
	m := NewMonitor(sourceOf("busy", "ok"), prober)

	m.ReportRateLimited("busy", time.Now().Add(time.Hour))
	m.CheckAll(context.Background())

	assert.Zero(t, prober.count("busy"), "throttled server must not be re-probed before resetAt")
	assert.Equal(t, 1, prober.count("ok"))
}

func TestCheckAllReportsRateLimitFromProbe(t *testing.T) {
	prober := newScriptedProber()
	resetAt := time.Now().Add(30 * time.Second)
	prober.set("busy", &transport.RateLimitError{ServerID: "busy", ResetAt: resetAt})

	m := NewMonitor(sourceOf("busy"), prober)
	m.CheckAll(context.Background())

	h, ok := m.Get("busy")
	require.True(t, ok)
	assert.Equal(t, StatusRateLimited, h.Status)
	assert.Equal(t, resetAt, h.RateLimitResetAt)
}

func TestCheckAllReportsPlainFailure(t *testing.T) {
	prober := newScriptedProber()
	prober.set("flaky", errors.New("connection reset"))

	m := NewMonitor(sourceOf("flaky"), prober)
	m.CheckAll(context.Background())

	h, ok := m.Get("flaky")
	require.True(t, ok)
	assert.Equal(t, StatusDegraded, h.Status)
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewMonitor(sourceOf("s"), newScriptedProber())
	m.ReportSuccess("s")

	snap := m.Snapshot()
	snap["s"] = ServerHealth{ServerID: "s", Status: StatusDown}

	h, _ := m.Get("s")
	assert.Equal(t, StatusHealthy, h.Status)
}
