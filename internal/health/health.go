// Package health tracks reachability of configured tool servers and assigns
// each a 0–100 score consumed by the capability router.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/golovatskygroup/mcp-router/internal/config"
	"github.com/golovatskygroup/mcp-router/internal/transport"
)

// Status is a server's availability state.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusDown        Status = "down"
	StatusRateLimited Status = "rate-limited"
)

// ServerHealth is the tracked health record for one server.
type ServerHealth struct {
	ServerID            string
	Status              Status
	Score               int
	ConsecutiveFailures int
	LastCheck           time.Time
	RateLimitResetAt    time.Time
}

// AvailabilityScore is the multiplicative dampener applied by the router:
// 0 for down servers and for rate-limited servers whose reset has not
// passed, otherwise Score scaled to [0,1].
func (h ServerHealth) AvailabilityScore(now time.Time) float64 {
	switch h.Status {
	case StatusDown:
		return 0
	case StatusRateLimited:
		if now.Before(h.RateLimitResetAt) {
			return 0
		}
		return float64(h.Score) / 100
	default:
		return float64(h.Score) / 100
	}
}

// Prober checks whether a server is currently reachable.
type Prober interface {
	Probe(ctx context.Context, desc config.ServerDescriptor) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context, desc config.ServerDescriptor) error

func (f ProbeFunc) Probe(ctx context.Context, desc config.ServerDescriptor) error {
	return f(ctx, desc)
}

// Monitor re-validates server reachability on a fixed interval, independent
// of discovery requests. Discovery probes and the execution coordinator
// report their outcomes into the same records.
type Monitor struct {
	source        config.ServerSource
	prober        Prober
	interval      time.Duration
	probeTimeout  time.Duration
	downThreshold int

	mu      sync.RWMutex
	servers map[string]*ServerHealth

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MonitorOption configures the Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the check interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithDownThreshold sets how many consecutive failures mark a server down.
func WithDownThreshold(n int) MonitorOption {
	return func(m *Monitor) {
		m.downThreshold = n
	}
}

// WithProbeTimeout bounds each health probe.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.probeTimeout = d
	}
}

// NewMonitor creates a health monitor over the given server source.
func NewMonitor(source config.ServerSource, prober Prober, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source:        source,
		prober:        prober,
		interval:      30 * time.Second,
		probeTimeout:  5 * time.Second,
		downThreshold: 3,
		servers:       make(map[string]*ServerHealth),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the periodic check loop until Stop or context cancellation.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckAll(ctx)
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

// CheckAll probes every known server once. Rate-limited servers are not
// probed before their reset time.
func (m *Monitor) CheckAll(ctx context.Context) {
	now := time.Now()
	for _, desc := range m.source.Servers() {
		h := m.snapshotFor(desc.ID)
		if h.Status == StatusRateLimited && now.Before(h.RateLimitResetAt) {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := m.prober.Probe(probeCtx, desc)
		cancel()

		switch {
		case err == nil:
			m.ReportSuccess(desc.ID)
		default:
			if rl, ok := transport.IsRateLimit(err); ok {
				m.ReportRateLimited(desc.ID, rl.ResetAt)
			} else {
				m.ReportFailure(desc.ID)
			}
		}
	}
}

// ReportSuccess resets failure counters and marks the server healthy.
func (m *Monitor) ReportSuccess(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.ensure(serverID)
	h.Status = StatusHealthy
	h.ConsecutiveFailures = 0
	h.RateLimitResetAt = time.Time{}
	h.LastCheck = time.Now()
	h.Score = scoreFor(h.Status, 0)
}

// ReportFailure increments the failure counter and degrades the status:
// degraded after the first failure, down once the threshold is reached.
func (m *Monitor) ReportFailure(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.ensure(serverID)
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= m.downThreshold {
		h.Status = StatusDown
	} else {
		h.Status = StatusDegraded
	}
	h.LastCheck = time.Now()
	h.Score = scoreFor(h.Status, h.ConsecutiveFailures)
	if h.Status == StatusDown {
		log.Printf("health: server %s marked down after %d consecutive failures", serverID, h.ConsecutiveFailures)
	}
}

// ReportRateLimited marks the server throttled until resetAt.
func (m *Monitor) ReportRateLimited(serverID string, resetAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.ensure(serverID)
	h.Status = StatusRateLimited
	h.RateLimitResetAt = resetAt
	h.LastCheck = time.Now()
	h.Score = scoreFor(h.Status, h.ConsecutiveFailures)
}

// Get returns the record for one server.
func (m *Monitor) Get(serverID string) (ServerHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.servers[serverID]
	if !ok {
		return ServerHealth{}, false
	}
	return *h, true
}

// Snapshot returns a copy of all records, safe to read concurrently with
// ongoing updates.
func (m *Monitor) Snapshot() map[string]ServerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServerHealth, len(m.servers))
	for id, h := range m.servers {
		out[id] = *h
	}
	return out
}

func (m *Monitor) snapshotFor(serverID string) ServerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.servers[serverID]; ok {
		return *h
	}
	return ServerHealth{ServerID: serverID}
}

// ensure returns the record for serverID, creating it on first report so
// that every descriptor has an entry once discovery has run. Callers hold
// the write lock.
func (m *Monitor) ensure(serverID string) *ServerHealth {
	h, ok := m.servers[serverID]
	if !ok {
		h = &ServerHealth{ServerID: serverID, Status: StatusHealthy, Score: 100}
		m.servers[serverID] = h
	}
	return h
}

// scoreFor maps status and recent error count to a 0–100 score. The mapping
// is monotonic: more failures never raise the score.
func scoreFor(status Status, consecutiveFailures int) int {
	switch status {
	case StatusHealthy:
		return 100
	case StatusDegraded:
		score := 70 - 15*(consecutiveFailures-1)
		if score < 30 {
			score = 30
		}
		return score
	case StatusRateLimited:
		return 20
	case StatusDown:
		return 0
	default:
		return 0
	}
}
