package discovery

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/golovatskygroup/mcp-router/internal/config"
	"github.com/golovatskygroup/mcp-router/internal/transport"
)

// Connector opens a transport to a configured server.
type Connector interface {
	Connect(ctx context.Context, desc config.ServerDescriptor) (transport.Transport, error)
}

// HealthRecorder receives the outcome of discovery probes.
type HealthRecorder interface {
	ReportSuccess(serverID string)
	ReportFailure(serverID string)
	ReportRateLimited(serverID string, resetAt time.Time)
}

// Service enumerates configured servers, probes each concurrently, and
// produces registry snapshots. Snapshots are cached with a TTL; concurrent
// callers share one in-flight discovery.
type Service struct {
	source    config.ServerSource
	connector Connector
	health    HealthRecorder

	ttl          time.Duration
	probeTimeout time.Duration
	maxParallel  int

	mu     sync.RWMutex
	cached *Registry

	group singleflight.Group
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithTTL sets the registry cache lifetime.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.ttl = ttl
	}
}

// WithProbeTimeout bounds each per-server probe.
func WithProbeTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.probeTimeout = d
	}
}

// WithMaxParallel caps concurrent server probes.
func WithMaxParallel(n int) ServiceOption {
	return func(s *Service) {
		s.maxParallel = n
	}
}

// NewService creates a discovery service.
func NewService(source config.ServerSource, connector Connector, health HealthRecorder, opts ...ServiceOption) *Service {
	s := &Service{
		source:       source,
		connector:    connector,
		health:       health,
		ttl:          60 * time.Second,
		probeTimeout: 10 * time.Second,
		maxParallel:  8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DiscoverAll returns the current registry snapshot, probing servers only
// when the cached snapshot has aged past the TTL. A second caller arriving
// while a discovery is in flight awaits and shares its result.
func (s *Service) DiscoverAll(ctx context.Context) (*Registry, error) {
	if reg := s.cachedFresh(); reg != nil {
		return reg, nil
	}

	v, err, _ := s.group.Do("discover", func() (any, error) {
		// A caller that queued behind the flight holder may find a fresh
		// snapshot already swapped in.
		if reg := s.cachedFresh(); reg != nil {
			return reg, nil
		}
		reg := s.discover(ctx)
		s.mu.Lock()
		s.cached = reg
		s.mu.Unlock()
		return reg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Registry), nil
}

// Invalidate drops the cached snapshot so the next DiscoverAll probes.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Cached returns the current snapshot regardless of age, or nil when no
// discovery has completed yet. Stale snapshots remain usable.
func (s *Service) Cached() *Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached
}

func (s *Service) cachedFresh() *Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached != nil && time.Since(s.cached.builtAt) < s.ttl {
		return s.cached
	}
	return nil
}

// discover probes every enabled server concurrently. A server that fails
// probing is recorded with zero capabilities and reported down, but stays
// in the snapshot so it is retried on the next cycle.
func (s *Service) discover(ctx context.Context) *Registry {
	servers := s.source.Servers()

	var (
		mu       sync.Mutex
		byServer = make(map[string][]CapabilityRecord, len(servers))
		order    = make([]string, 0, len(servers))
	)
	for _, desc := range servers {
		order = append(order, desc.ID)
		byServer[desc.ID] = nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)

	for _, desc := range servers {
		desc := desc
		g.Go(func() error {
			caps, err := s.probeServer(gctx, desc)
			if err != nil {
				if rl, ok := transport.IsRateLimit(err); ok {
					s.health.ReportRateLimited(desc.ID, rl.ResetAt)
				} else {
					s.health.ReportFailure(desc.ID)
				}
				log.Printf("discovery: probe of server %s failed: %v", desc.ID, err)
				return nil
			}
			s.health.ReportSuccess(desc.ID)
			mu.Lock()
			byServer[desc.ID] = caps
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return NewRegistry(order, byServer)
}

// probeServer connects, lists tools, and wraps them as capability records.
func (s *Service) probeServer(ctx context.Context, desc config.ServerDescriptor) ([]CapabilityRecord, error) {
	timeout := s.probeTimeout
	if desc.Settings.Timeout > 0 {
		timeout = desc.Settings.Timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tr, err := s.connector.Connect(probeCtx, desc)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	tools, err := tr.ListTools(probeCtx)
	if err != nil {
		return nil, err
	}

	caps := make([]CapabilityRecord, 0, len(tools))
	for _, t := range tools {
		caps = append(caps, CapabilityRecord{
			Name:             t.Name,
			Description:      t.Description,
			ServerID:         desc.ID,
			InputSchema:      t.InputSchema,
			RequiresApproval: t.RequiresApproval,
		})
	}
	return caps, nil
}
