package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golovatskygroup/mcp-router/internal/discovery"
	"github.com/golovatskygroup/mcp-router/internal/health"
	"github.com/golovatskygroup/mcp-router/internal/intent"
)

func newTestRouter(opts ...Option) *Router {
	return New(intent.DefaultCategories(), opts...)
}

func analyze(text string) intent.QueryIntent {
	return intent.NewKeywordClassifier(nil).Analyze(text)
}

func registryOf(caps ...discovery.CapabilityRecord) *discovery.Registry {
	return discovery.RegistryFromRecords(caps)
}

func healthyServers(ids ...string) map[string]health.ServerHealth {
	out := make(map[string]health.ServerHealth, len(ids))
	for _, id := range ids {
		out[id] = health.ServerHealth{ServerID: id, Status: health.StatusHealthy, Score: 100}
	}
	return out
}

func TestRouteUnknownIntentIsEmpty(t *testing.T) {
	r := newTestRouter()
	reg := registryOf(discovery.CapabilityRecord{Name: "email_search", Description: "search and find emails", ServerID: "email"})

	decision := r.Route(analyze("what is the airspeed velocity of an unladen swallow"), reg, healthyServers("email"))
	assert.True(t, decision.Empty())
	assert.Empty(t, decision.Fallbacks)
	assert.Empty(t, decision.Plan)
}

func TestRouteNoCandidateAboveThreshold(t *testing.T) {
	r := newTestRouter()
	// Text hits the calendar category but no registered capability relates
	// to it; weak guesses must be dropped, not ranked last.
	reg := registryOf(discovery.CapabilityRecord{Name: "container_restart", Description: "restart docker containers", ServerID: "infra"})

	decision := r.Route(analyze("schedule a meeting tomorrow"), reg, healthyServers("infra"))
	assert.True(t, decision.Empty())
}

func TestRouteRanksSearchAboveReply(t *testing.T) {
	r := newTestRouter()
	reg := registryOf(
		discovery.CapabilityRecord{Name: "email_reply", Description: "compose and send email replies", ServerID: "email"},
		discovery.CapabilityRecord{Name: "email_search", Description: "search and find emails", ServerID: "email"},
	)

	decision := r.Route(analyze("find my last invoice email"), reg, healthyServers("email"))
	require.False(t, decision.Empty())
	assert.Equal(t, "email_search", decision.Primary.Capability.Name)
	require.Len(t, decision.Fallbacks, 1)
	assert.Equal(t, "email_reply", decision.Fallbacks[0].Capability.Name)
	assert.Greater(t, decision.Primary.Score, decision.Fallbacks[0].Score)
}

func TestRouteExcludesRateLimitedServer(t *testing.T) {
	r := newTestRouter()
	reg := registryOf(
		discovery.CapabilityRecord{Name: "email_search", Description: "search and find emails", ServerID: "x"},
	)

	servers := map[string]health.ServerHealth{
		"x": {
			ServerID:         "x",
			Status:           health.StatusRateLimited,
			Score:            20,
			RateLimitResetAt: time.Now().Add(30 * time.Second),
		},
	}

	decision := r.Route(analyze("find my last invoice email"), reg, servers)
	assert.True(t, decision.Empty(), "rate-limited server's capabilities must not be selected before resetAt")
}

func TestRouteSuppressesUnhealthyServer(t *testing.T) {
	r := newTestRouter()
	reg := registryOf(
		discovery.CapabilityRecord{Name: "email_search", Description: "search and find emails", ServerID: "sick"},
		discovery.CapabilityRecord{Name: "email_lookup", Description: "find emails in the inbox", ServerID: "well"},
	)

	servers := map[string]health.ServerHealth{
		"sick": {ServerID: "sick", Status: health.StatusDegraded, Score: 30},
		"well": {ServerID: "well", Status: health.StatusHealthy, Score: 100},
	}

	decision := r.Route(analyze("find my last invoice email"), reg, servers)
	require.False(t, decision.Empty())
	assert.Equal(t, "well", decision.Primary.Capability.ServerID,
		"health dampener should outweigh a marginally better textual match")
}

func TestRouteDownServerExcluded(t *testing.T) {
	r := newTestRouter()
	reg := registryOf(
		discovery.CapabilityRecord{Name: "email_search", Description: "search and find emails", ServerID: "dead"},
	)

	servers := map[string]health.ServerHealth{
		"dead": {ServerID: "dead", Status: health.StatusDown, Score: 0},
	}

	decision := r.Route(analyze("find my last invoice email"), reg, servers)
	assert.True(t, decision.Empty())
}

func TestRoutePlanScalesTimeoutForDegradedServers(t *testing.T) {
	r := newTestRouter(WithBaseTimeout(10 * time.Second))
	reg := registryOf(
		discovery.CapabilityRecord{Name: "email_search", Description: "search and find emails", ServerID: "well"},
		discovery.CapabilityRecord{Name: "email_lookup", Description: "find emails in the inbox", ServerID: "slow"},
	)

	servers := map[string]health.ServerHealth{
		"well": {ServerID: "well", Status: health.StatusHealthy, Score: 100},
		"slow": {ServerID: "slow", Status: health.StatusDegraded, Score: 70},
	}

	decision := r.Route(analyze("find my last invoice email"), reg, servers)
	require.False(t, decision.Empty())
	require.Len(t, decision.Plan, 2)

	for _, att := range decision.Plan {
		switch att.ServerID {
		case "well":
			assert.Equal(t, 10*time.Second, att.Timeout)
		case "slow":
			assert.Equal(t, 15*time.Second, att.Timeout)
		}
	}
}

func TestRouteCapsFallbackChain(t *testing.T) {
	r := newTestRouter(WithMaxFallbacks(2))
	reg := registryOf(
		discovery.CapabilityRecord{Name: "email_search", Description: "search and find emails", ServerID: "a"},
		discovery.CapabilityRecord{Name: "email_lookup", Description: "find emails fast", ServerID: "b"},
		discovery.CapabilityRecord{Name: "email_query", Description: "query emails", ServerID: "c"},
		discovery.CapabilityRecord{Name: "email_find", Description: "find emails", ServerID: "d"},
	)

	decision := r.Route(analyze("find my last invoice email"), reg, healthyServers("a", "b", "c", "d"))
	require.False(t, decision.Empty())
	assert.LessOrEqual(t, len(decision.Fallbacks), 2)
	assert.Len(t, decision.Plan, 1+len(decision.Fallbacks))
}

func TestRouteReasoningRecorded(t *testing.T) {
	r := newTestRouter()
	reg := registryOf(
		discovery.CapabilityRecord{Name: "email_search", Description: "search and find emails", ServerID: "email"},
	)

	decision := r.Route(analyze("find my last invoice email"), reg, healthyServers("email"))
	require.False(t, decision.Empty())
	assert.NotEmpty(t, decision.Primary.Reasoning)
}
