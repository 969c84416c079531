package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Settings holds per-server tunables.
type Settings struct {
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	RetryAttempts   int           `yaml:"retry_attempts" json:"retry_attempts"`
	EnabledContexts []string      `yaml:"enabled_contexts" json:"enabled_contexts"`
}

// ServerDescriptor describes one configured tool server. Descriptors are
// immutable for the process lifetime and identified by ID.
type ServerDescriptor struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	Endpoint  string   `yaml:"endpoint" json:"endpoint"`
	Transport string   `yaml:"type" json:"type"` // "stream", "sse", or "" for auto-detect
	AuthToken string   `yaml:"auth_token" json:"auth_token"`
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Settings  Settings `yaml:"settings" json:"settings"`
}

// ServerSource yields the current set of configured servers. Discovery
// re-reads it on every cycle so configuration edits take effect within one
// TTL window.
type ServerSource interface {
	Servers() []ServerDescriptor
}

// StaticSource is a fixed server list.
type StaticSource []ServerDescriptor

// Servers returns only the enabled descriptors.
func (s StaticSource) Servers() []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(s))
	for _, d := range s {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// SourceFunc adapts a function to the ServerSource interface.
type SourceFunc func() []ServerDescriptor

func (f SourceFunc) Servers() []ServerDescriptor { return f() }

// Built-in servers are declared by fixed environment keys; a built-in
// participates in discovery only when its endpoint variable is set.
var builtinServers = []struct {
	id     string
	name   string
	envKey string
}{
	{"email", "Email", "MCP_ROUTER_EMAIL_SERVER_URL"},
	{"calendar", "Calendar", "MCP_ROUTER_CALENDAR_SERVER_URL"},
	{"documents", "Documents", "MCP_ROUTER_DOCUMENTS_SERVER_URL"},
	{"web-search", "Web Search", "MCP_ROUTER_WEB_SEARCH_SERVER_URL"},
	{"monitoring", "Monitoring", "MCP_ROUTER_MONITORING_SERVER_URL"},
}

// EnvCustomServers is the environment key holding a JSON array of
// user-defined server descriptors.
const EnvCustomServers = "MCP_ROUTER_CUSTOM_SERVERS"

// ServersFromEnv assembles the server list from built-in environment keys
// plus the custom-server JSON array. Disabled entries are dropped.
func ServersFromEnv() ([]ServerDescriptor, error) {
	var servers []ServerDescriptor

	for _, b := range builtinServers {
		endpoint := strings.TrimSpace(os.Getenv(b.envKey))
		if endpoint == "" {
			continue
		}
		servers = append(servers, ServerDescriptor{
			ID:       b.id,
			Name:     b.name,
			Endpoint: endpoint,
			AuthToken: os.ExpandEnv(strings.TrimSpace(
				os.Getenv(b.envKey + "_TOKEN"))),
			Enabled: true,
		})
	}

	if raw := strings.TrimSpace(os.Getenv(EnvCustomServers)); raw != "" {
		custom, err := ParseCustomServers([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", EnvCustomServers, err)
		}
		servers = append(servers, custom...)
	}

	return servers, nil
}

// ParseCustomServers parses the user-defined server JSON array. Entries with
// enabled=false or missing required fields are rejected or skipped.
func ParseCustomServers(data []byte) ([]ServerDescriptor, error) {
	var raw []ServerDescriptor
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid custom server list: %w", err)
	}

	var servers []ServerDescriptor
	seen := make(map[string]struct{})
	for _, d := range raw {
		if !d.Enabled {
			continue
		}
		if d.ID == "" || d.Endpoint == "" {
			return nil, fmt.Errorf("custom server requires id and endpoint (got id=%q endpoint=%q)", d.ID, d.Endpoint)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate server id: %s", d.ID)
		}
		seen[d.ID] = struct{}{}
		// Credential values may reference other environment variables.
		d.AuthToken = os.ExpandEnv(d.AuthToken)
		servers = append(servers, d)
	}

	return servers, nil
}
