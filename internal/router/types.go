package router

import (
	"time"

	"github.com/golovatskygroup/mcp-router/internal/discovery"
)

// ToolMatch is one scored candidate capability for a request. Ephemeral.
type ToolMatch struct {
	Capability    discovery.CapabilityRecord `json:"capability"`
	Score         float64                    `json:"matchScore"`
	CategoryScore float64                    `json:"categoryMatch"`
	IntentScore   float64                    `json:"intentMatch"`
	Availability  float64                    `json:"availabilityScore"`
	Reasoning     []string                   `json:"reasoningPath,omitempty"`
}

// Attempt is one planned invocation: which capability to call on which
// server, and how long that single attempt may run.
type Attempt struct {
	Capability string        `json:"capability"`
	ServerID   string        `json:"serverId"`
	Timeout    time.Duration `json:"timeout"`
}

// RouteDecision is the ranked choice for one request: a primary capability,
// an ordered fallback chain, and the per-attempt execution plan.
type RouteDecision struct {
	Primary   *ToolMatch  `json:"primary,omitempty"`
	Fallbacks []ToolMatch `json:"fallbacks,omitempty"`
	Plan      []Attempt   `json:"executionPlan,omitempty"`
}

// Empty reports whether the decision selected no capability, the legitimate
// outcome for requests that need none.
func (d RouteDecision) Empty() bool {
	return d.Primary == nil
}
