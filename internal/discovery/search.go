package discovery

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// SearchResult is one ranked hit from a capability search.
type SearchResult struct {
	Capability CapabilityRecord `json:"capability"`
	Score      int              `json:"score"`
}

// Search ranks the snapshot's capabilities against a keyword query. Exact
// name containment ranks highest, then fuzzy name matches, then description
// hits.
func (r *Registry) Search(query string, limit int) []SearchResult {
	if limit <= 0 {
		limit = 10
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var results []SearchResult
	for _, cap := range r.All() {
		score := 0
		nameLower := strings.ToLower(cap.Name)
		descLower := strings.ToLower(cap.Description)

		if strings.Contains(nameLower, query) {
			score += 100
		}
		if fuzzy.MatchNormalizedFold(query, nameLower) {
			score += 50
		}
		if strings.Contains(descLower, query) {
			score += 30
		}
		for _, word := range strings.Fields(query) {
			if strings.Contains(descLower, word) {
				score += 10
			}
		}

		if score > 0 {
			results = append(results, SearchResult{Capability: cap, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
