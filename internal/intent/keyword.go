package intent

import (
	"regexp"
	"sort"
	"strings"
)

// KeywordClassifier scores categories by weighted trigger-phrase matches and
// extracts entities with pattern matching. It is a pure function of its
// tables: no network, no state.
type KeywordClassifier struct {
	categories []Category
}

// NewKeywordClassifier creates a classifier over the given category table,
// falling back to the built-in table when none is given.
func NewKeywordClassifier(categories []Category) *KeywordClassifier {
	if len(categories) == 0 {
		categories = DefaultCategories()
	}
	return &KeywordClassifier{categories: categories}
}

// Categories exposes the table so the router can reuse it for capability
// category matching.
func (c *KeywordClassifier) Categories() []Category {
	return c.categories
}

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	urlPattern    = regexp.MustCompile(`https?://[^\s]+`)
	quotedPattern = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	idPattern     = regexp.MustCompile(`\b[A-Z]{2,}-\d+\b|\b#\d+\b`)
	tokenPattern  = regexp.MustCompile(`[a-z0-9]+`)
)

// serviceMentions are well-known service names surfaced as entities.
var serviceMentions = []string{
	"gmail", "outlook", "slack", "github", "jira", "confluence",
	"grafana", "notion", "drive", "dropbox", "zoom",
}

// Analyze classifies text into a QueryIntent. The primary category is the
// highest-scoring one with ties broken by declaration order; confidence is
// min(topScore/3, 1). Text matching no trigger yields CategoryUnknown at
// zero confidence.
func (c *KeywordClassifier) Analyze(text string) QueryIntent {
	normalized := strings.ToLower(text)
	tokens := tokenize(normalized)
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		tokenSet[tok] = struct{}{}
	}

	type catScore struct {
		name  string
		score float64
	}
	scores := make([]catScore, 0, len(c.categories))
	for _, cat := range c.categories {
		score := 0.0
		for _, trig := range cat.Triggers {
			phrase := strings.ToLower(trig.Phrase)
			if strings.Contains(phrase, " ") {
				if strings.Contains(normalized, phrase) {
					score += trig.Weight
				}
				continue
			}
			if _, exact := tokenSet[phrase]; exact {
				// Whole-token hit earns an exactness bonus.
				score += trig.Weight + 0.5
			}
		}
		if score > 0 {
			scores = append(scores, catScore{cat.Name, score})
		}
	}

	intent := QueryIntent{
		Primary:  CategoryUnknown,
		Action:   deriveAction(tokens),
		Entities: extractEntities(text, normalized, tokenSet),
		RawQuery: text,
	}

	if len(scores) == 0 {
		return intent
	}

	// Stable sort keeps declaration order on ties.
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	intent.Primary = scores[0].name
	intent.Confidence = scores[0].score / 3
	if intent.Confidence > 1 {
		intent.Confidence = 1
	}
	for _, s := range scores[1:] {
		intent.Secondary = append(intent.Secondary, s.name)
	}

	return intent
}

// deriveAction picks the action type from the first matching verb table
// entry, defaulting to fetch.
func deriveAction(tokens []string) ActionType {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		tokenSet[tok] = struct{}{}
	}
	for _, av := range actionVerbs {
		for _, verb := range av.Verbs {
			if _, ok := tokenSet[verb]; ok {
				return av.Action
			}
		}
	}
	return ActionFetch
}

// extractEntities pulls identifiers, addresses, URLs, quoted phrases, and
// explicit service mentions out of the raw text.
func extractEntities(raw, normalized string, tokenSet map[string]struct{}) map[string][]string {
	entities := make(map[string][]string)

	if m := emailPattern.FindAllString(raw, -1); len(m) > 0 {
		entities["emails"] = m
	}
	if m := urlPattern.FindAllString(raw, -1); len(m) > 0 {
		entities["urls"] = m
	}
	if m := idPattern.FindAllString(raw, -1); len(m) > 0 {
		entities["identifiers"] = m
	}
	for _, match := range quotedPattern.FindAllStringSubmatch(raw, -1) {
		quoted := match[1]
		if quoted == "" {
			quoted = match[2]
		}
		entities["quoted"] = append(entities["quoted"], quoted)
	}
	for _, svc := range serviceMentions {
		if _, ok := tokenSet[svc]; ok {
			entities["services"] = append(entities["services"], svc)
		}
	}

	if len(entities) == 0 {
		return nil
	}
	return entities
}

// Tokenize splits normalized text into lowercase alphanumeric tokens.
func Tokenize(text string) []string {
	return tokenize(strings.ToLower(text))
}

func tokenize(normalized string) []string {
	return tokenPattern.FindAllString(normalized, -1)
}
