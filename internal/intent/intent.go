// Package intent classifies free-text requests into capability categories.
package intent

// ActionType is the kind of operation a request calls for.
type ActionType string

const (
	ActionFetch   ActionType = "fetch"
	ActionCreate  ActionType = "create"
	ActionAnalyze ActionType = "analyze"
	ActionSearch  ActionType = "search"
	ActionMonitor ActionType = "monitor"
)

// CategoryUnknown is assigned when no trigger phrase matches; the router
// treats it as "no capability required".
const CategoryUnknown = "unknown"

// QueryIntent is the analyzed form of one request. Immutable once produced.
type QueryIntent struct {
	Primary    string              `json:"primaryCategory"`
	Secondary  []string            `json:"secondaryCategories,omitempty"`
	Entities   map[string][]string `json:"entities,omitempty"`
	Action     ActionType          `json:"actionType"`
	Confidence float64             `json:"confidence"`
	RawQuery   string              `json:"rawQuery"`
}

// Classifier analyzes a request. The keyword classifier is the default;
// the interface leaves room for a model-based implementation without
// touching the router contract.
type Classifier interface {
	Analyze(text string) QueryIntent
}

// Trigger is one weighted phrase owned by a category.
type Trigger struct {
	Phrase string
	Weight float64
}

// Category groups trigger phrases under a name. Declaration order breaks
// score ties.
type Category struct {
	Name     string
	Triggers []Trigger
}

// DefaultCategories is the built-in category table. Multi-word phrases
// match by containment; single tokens must match a whole token and earn an
// exactness bonus.
func DefaultCategories() []Category {
	return []Category{
		{
			Name: "email",
			Triggers: []Trigger{
				{Phrase: "email", Weight: 1.0},
				{Phrase: "emails", Weight: 1.0},
				{Phrase: "inbox", Weight: 1.0},
				{Phrase: "mail", Weight: 0.8},
				{Phrase: "reply to", Weight: 0.8},
				{Phrase: "unread messages", Weight: 0.8},
				{Phrase: "compose", Weight: 0.6},
			},
		},
		{
			Name: "calendar",
			Triggers: []Trigger{
				{Phrase: "calendar", Weight: 1.0},
				{Phrase: "meeting", Weight: 1.0},
				{Phrase: "schedule", Weight: 0.8},
				{Phrase: "appointment", Weight: 1.0},
				{Phrase: "event", Weight: 0.6},
				{Phrase: "free slot", Weight: 0.8},
				{Phrase: "availability", Weight: 0.6},
			},
		},
		{
			Name: "documents",
			Triggers: []Trigger{
				{Phrase: "document", Weight: 1.0},
				{Phrase: "file", Weight: 0.8},
				{Phrase: "pdf", Weight: 0.8},
				{Phrase: "spreadsheet", Weight: 1.0},
				{Phrase: "report", Weight: 0.6},
				{Phrase: "notes", Weight: 0.6},
			},
		},
		{
			Name: "web",
			Triggers: []Trigger{
				{Phrase: "web", Weight: 0.8},
				{Phrase: "website", Weight: 1.0},
				{Phrase: "browse", Weight: 0.8},
				{Phrase: "url", Weight: 0.8},
				{Phrase: "news", Weight: 0.6},
				{Phrase: "look up online", Weight: 1.0},
			},
		},
		{
			Name: "monitoring",
			Triggers: []Trigger{
				{Phrase: "status", Weight: 0.8},
				{Phrase: "uptime", Weight: 1.0},
				{Phrase: "alert", Weight: 0.8},
				{Phrase: "dashboard", Weight: 0.8},
				{Phrase: "metrics", Weight: 1.0},
				{Phrase: "logs", Weight: 0.8},
			},
		},
		{
			Name: "messaging",
			Triggers: []Trigger{
				{Phrase: "message", Weight: 0.8},
				{Phrase: "chat", Weight: 0.8},
				{Phrase: "slack", Weight: 1.0},
				{Phrase: "channel", Weight: 0.6},
				{Phrase: "dm", Weight: 0.8},
			},
		},
	}
}

// actionVerbs maps action types to their trigger verbs, checked in
// declaration order with fetch as the fallback for question-like requests.
var actionVerbs = []struct {
	Action ActionType
	Verbs  []string
}{
	{ActionCreate, []string{"create", "send", "compose", "write", "schedule", "add", "make", "draft"}},
	{ActionAnalyze, []string{"analyze", "summarize", "summarise", "compare", "review", "explain"}},
	{ActionMonitor, []string{"monitor", "watch", "track", "alert", "notify"}},
	{ActionSearch, []string{"search", "find", "look", "lookup", "locate", "query"}},
	{ActionFetch, []string{"get", "show", "fetch", "list", "read", "open", "check"}},
}
