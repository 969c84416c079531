// Package session memoizes per-conversation capability selections so repeat
// requests in one conversation skip redundant discovery.
package session

import (
	"sync"
	"time"

	"github.com/golovatskygroup/mcp-router/internal/discovery"
)

// Cache holds TTL-bounded capability sets keyed by session id.
type Cache struct {
	mu       sync.RWMutex
	sessions map[string]*cachedSession
	ttl      time.Duration
	maxSize  int

	stop chan struct{}
	once sync.Once
}

type cachedSession struct {
	capabilities []discovery.CapabilityRecord
	expiresAt    time.Time
}

// NewCache creates a session cache and starts its cleanup loop.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		sessions: make(map[string]*cachedSession),
		ttl:      ttl,
		maxSize:  maxSize,
		stop:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the cached capabilities for a session, if still fresh.
func (c *Cache) Get(sessionID string) ([]discovery.CapabilityRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.sessions[sessionID]
	if !exists {
		return nil, false
	}
	if time.Now().After(cached.expiresAt) {
		return nil, false
	}
	return cached.capabilities, true
}

// Put stores a session's capabilities, evicting the oldest entry at the
// size limit.
func (c *Cache) Put(sessionID string, caps []discovery.CapabilityRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sessions) >= c.maxSize {
		c.evictOldest()
	}
	c.sessions[sessionID] = &cachedSession{
		capabilities: caps,
		expiresAt:    time.Now().Add(c.ttl),
	}
}

// Invalidate drops one session's entry.
func (c *Cache) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Close stops the cleanup loop.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) evictOldest() {
	var oldestID string
	var oldestTime time.Time
	for id, cached := range c.sessions {
		if oldestID == "" || cached.expiresAt.Before(oldestTime) {
			oldestID = id
			oldestTime = cached.expiresAt
		}
	}
	if oldestID != "" {
		delete(c.sessions, oldestID)
	}
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for id, cached := range c.sessions {
				if now.After(cached.expiresAt) {
					delete(c.sessions, id)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}
