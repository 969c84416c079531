// Package router ranks discovered capabilities against an analyzed intent
// and the owning servers' health.
package router

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/golovatskygroup/mcp-router/internal/discovery"
	"github.com/golovatskygroup/mcp-router/internal/health"
	"github.com/golovatskygroup/mcp-router/internal/intent"
)

// Scoring weights. Category fit dominates, token overlap second, action
// affinity a light nudge; server availability multiplies the whole score so
// unhealthy servers are suppressed even on perfect textual matches.
const (
	categoryWeight = 0.5
	intentWeight   = 0.35
	actionWeight   = 0.15

	secondaryCategory = 0.5
)

// actionAffinity maps action types to capability-name verbs.
var actionAffinity = map[intent.ActionType][]string{
	intent.ActionFetch:   {"get", "fetch", "list", "read", "show"},
	intent.ActionCreate:  {"create", "send", "compose", "write", "schedule", "add"},
	intent.ActionAnalyze: {"analyze", "summarize", "report", "review"},
	intent.ActionSearch:  {"search", "find", "query", "lookup"},
	intent.ActionMonitor: {"watch", "monitor", "status", "alert", "track"},
}

// stopwords are excluded from token-overlap scoring.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "the": {}, "my": {}, "me": {}, "of": {},
	"to": {}, "for": {}, "in": {}, "on": {}, "with": {}, "last": {},
	"please": {}, "is": {}, "are": {}, "it": {}, "that": {}, "this": {},
}

// Router produces route decisions. It consumes the same category table as
// the classifier so capability categorization stays consistent.
type Router struct {
	categories   []intent.Category
	minScore     float64
	maxFallbacks int
	baseTimeout  time.Duration
}

// Option configures the Router.
type Option func(*Router)

// WithMinScore sets the participation threshold; candidates below it are
// dropped entirely rather than ranked last.
func WithMinScore(min float64) Option {
	return func(r *Router) {
		r.minScore = min
	}
}

// WithMaxFallbacks caps the fallback chain length.
func WithMaxFallbacks(n int) Option {
	return func(r *Router) {
		r.maxFallbacks = n
	}
}

// WithBaseTimeout sets the per-attempt timeout before health scaling.
func WithBaseTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.baseTimeout = d
	}
}

// New creates a router over the given category table.
func New(categories []intent.Category, opts ...Option) *Router {
	r := &Router{
		categories:   categories,
		minScore:     0.2,
		maxFallbacks: 3,
		baseTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route ranks every registered capability against the intent and produces
// the ordered decision. An unknown intent or a field with no candidate
// above the threshold yields an empty decision.
func (r *Router) Route(qi intent.QueryIntent, reg *discovery.Registry, healthByServer map[string]health.ServerHealth) RouteDecision {
	if qi.Primary == intent.CategoryUnknown {
		return RouteDecision{}
	}

	now := time.Now()
	queryTokens := contentTokens(intent.Tokenize(qi.RawQuery))

	var matches []ToolMatch
	for _, cap := range reg.All() {
		m := r.scoreCandidate(qi, cap, queryTokens, healthByServer, now)
		if m.Score >= r.minScore {
			matches = append(matches, m)
		}
	}

	if len(matches) == 0 {
		return RouteDecision{}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	primary := matches[0]
	fallbacks := matches[1:]
	if len(fallbacks) > r.maxFallbacks {
		fallbacks = fallbacks[:r.maxFallbacks]
	}

	decision := RouteDecision{Primary: &primary, Fallbacks: fallbacks}
	decision.Plan = r.buildPlan(decision, healthByServer)
	return decision
}

func (r *Router) scoreCandidate(qi intent.QueryIntent, cap discovery.CapabilityRecord, queryTokens map[string]struct{}, healthByServer map[string]health.ServerHealth, now time.Time) ToolMatch {
	capTokens := capabilityTokens(cap)
	var reasoning []string

	categoryScore := 0.0
	if r.categoryMatches(qi.Primary, capTokens) {
		categoryScore = 1.0
		reasoning = append(reasoning, fmt.Sprintf("primary category %s matched", qi.Primary))
	} else {
		for _, sec := range qi.Secondary {
			if r.categoryMatches(sec, capTokens) {
				categoryScore = secondaryCategory
				reasoning = append(reasoning, fmt.Sprintf("secondary category %s matched", sec))
				break
			}
		}
	}

	// Exact-token overlap only; substring matches are deliberately excluded
	// to avoid false positives.
	overlap := 0
	for tok := range queryTokens {
		if _, ok := capTokens[tok]; ok {
			overlap++
		}
	}
	intentScore := 0.0
	if len(queryTokens) > 0 {
		intentScore = float64(overlap) / float64(len(queryTokens))
	}
	if overlap > 0 {
		reasoning = append(reasoning, fmt.Sprintf("%d query tokens overlap name/description", overlap))
	}

	actionScore := r.actionAffinityScore(qi.Action, cap.Name)
	if actionScore > 0 {
		reasoning = append(reasoning, fmt.Sprintf("capability name affine to action %s", qi.Action))
	}

	availability := 1.0
	if h, ok := healthByServer[cap.ServerID]; ok {
		availability = h.AvailabilityScore(now)
		reasoning = append(reasoning, fmt.Sprintf("server %s %s (score %d)", cap.ServerID, h.Status, h.Score))
	}

	score := (categoryWeight*categoryScore + intentWeight*intentScore + actionWeight*actionScore) * availability

	return ToolMatch{
		Capability:    cap,
		Score:         score,
		CategoryScore: categoryScore,
		IntentScore:   intentScore,
		Availability:  availability,
		Reasoning:     reasoning,
	}
}

// categoryMatches reports whether a capability's tokens hit any single-token
// trigger of the named category.
func (r *Router) categoryMatches(category string, capTokens map[string]struct{}) bool {
	for _, cat := range r.categories {
		if cat.Name != category {
			continue
		}
		for _, trig := range cat.Triggers {
			phrase := strings.ToLower(trig.Phrase)
			if strings.Contains(phrase, " ") {
				continue
			}
			if _, ok := capTokens[phrase]; ok {
				return true
			}
		}
		return false
	}
	return false
}

// actionAffinityScore checks the action-verb table against the capability
// name: a whole-token hit scores full, a fuzzy hit half.
func (r *Router) actionAffinityScore(action intent.ActionType, capName string) float64 {
	verbs, ok := actionAffinity[action]
	if !ok {
		return 0
	}
	nameTokens := make(map[string]struct{})
	for _, tok := range intent.Tokenize(capName) {
		nameTokens[tok] = struct{}{}
	}
	best := 0.0
	for _, verb := range verbs {
		if _, exact := nameTokens[verb]; exact {
			return 1.0
		}
		if fuzzy.MatchNormalizedFold(verb, capName) && best < 0.5 {
			best = 0.5
		}
	}
	return best
}

// buildPlan lays out the sequential attempts. The base timeout is scaled up
// for servers with degraded health so slow-but-alive servers get more slack.
func (r *Router) buildPlan(decision RouteDecision, healthByServer map[string]health.ServerHealth) []Attempt {
	ordered := append([]ToolMatch{*decision.Primary}, decision.Fallbacks...)
	plan := make([]Attempt, 0, len(ordered))
	for _, m := range ordered {
		timeout := r.baseTimeout
		if h, ok := healthByServer[m.Capability.ServerID]; ok && h.Status == health.StatusDegraded {
			timeout = timeout * 3 / 2
		}
		plan = append(plan, Attempt{
			Capability: m.Capability.Name,
			ServerID:   m.Capability.ServerID,
			Timeout:    timeout,
		})
	}
	return plan
}

func capabilityTokens(cap discovery.CapabilityRecord) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range intent.Tokenize(cap.Name + " " + cap.Description) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

func contentTokens(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}
