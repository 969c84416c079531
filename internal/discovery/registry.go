// Package discovery probes configured tool servers and maintains a cached
// registry of their capabilities.
package discovery

import (
	"encoding/json"
	"log"
	"sort"
	"time"
)

// CapabilityRecord is one remotely invokable capability and the server that
// owns it. Records for a server are invalidated wholesale when its cache
// entry expires or the server is found unreachable.
type CapabilityRecord struct {
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	ServerID         string          `json:"serverId"`
	InputSchema      json.RawMessage `json:"inputSchema,omitempty"`
	RequiresApproval bool            `json:"requiresApproval,omitempty"`
}

// Registry is an immutable snapshot mapping servers to their capabilities,
// with a reverse index from capability name to owning server. Snapshots are
// rebuilt on each discovery cycle and swapped atomically; a previous
// snapshot stays valid until replaced.
type Registry struct {
	byServer map[string][]CapabilityRecord
	byName   map[string]CapabilityRecord
	builtAt  time.Time
}

// NewRegistry builds a snapshot from per-server capability lists. When two
// servers report the same capability name the first writer wins and the
// shadowed entry is logged; server order is the configured order.
func NewRegistry(serverOrder []string, byServer map[string][]CapabilityRecord) *Registry {
	r := &Registry{
		byServer: make(map[string][]CapabilityRecord, len(byServer)),
		byName:   make(map[string]CapabilityRecord),
		builtAt:  time.Now(),
	}

	for _, serverID := range serverOrder {
		caps := byServer[serverID]
		r.byServer[serverID] = caps
		for _, c := range caps {
			if prev, exists := r.byName[c.Name]; exists {
				log.Printf("discovery: capability %q from server %s shadowed by server %s", c.Name, c.ServerID, prev.ServerID)
				continue
			}
			r.byName[c.Name] = c
		}
	}

	return r
}

// RegistryFromRecords builds a snapshot from a flat record list, preserving
// list order for name collisions. Used to rehydrate session-cached
// capabilities.
func RegistryFromRecords(records []CapabilityRecord) *Registry {
	byServer := make(map[string][]CapabilityRecord)
	var order []string
	for _, c := range records {
		if _, seen := byServer[c.ServerID]; !seen {
			order = append(order, c.ServerID)
		}
		byServer[c.ServerID] = append(byServer[c.ServerID], c)
	}
	return NewRegistry(order, byServer)
}

// Capabilities returns the capability list for one server.
func (r *Registry) Capabilities(serverID string) []CapabilityRecord {
	return r.byServer[serverID]
}

// Lookup resolves a capability name through the reverse index.
func (r *Registry) Lookup(name string) (CapabilityRecord, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// All returns every live capability in a stable name order.
func (r *Registry) All() []CapabilityRecord {
	out := make([]CapabilityRecord, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Servers returns the IDs of every server present in the snapshot,
// including those discovered with zero capabilities.
func (r *Registry) Servers() []string {
	out := make([]string, 0, len(r.byServer))
	for id := range r.byServer {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// BuiltAt reports when the snapshot was produced.
func (r *Registry) BuiltAt() time.Time {
	return r.builtAt
}

// Len returns the number of live capabilities.
func (r *Registry) Len() int {
	return len(r.byName)
}
