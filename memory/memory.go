// Package memory implements the post-conversation memory extraction
// pipeline: a secondary model call that proposes durable facts about the
// user, deduplicated against what is already stored.
package memory

import (
	"strings"
)

// Category classifies a memory. The set is closed; extraction output with
// an unknown category is coerced to Other.
type Category string

const (
	Personal     Category = "personal"
	Professional Category = "professional"
	Preferences  Category = "preferences"
	Knowledge    Category = "knowledge"
	Other        Category = "other"
)

// ParseCategory maps free-form model output onto the closed set.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case Personal:
		return Personal
	case Professional:
		return Professional
	case Preferences:
		return Preferences
	case Knowledge:
		return Knowledge
	default:
		return Other
	}
}

// Memory is one durable, user-scoped fact inferred from a conversation.
// Deletion is logical and owned by the store; the pipeline only ever sees
// non-deleted records.
type Memory struct {
	Content    string   `json:"content" jsonschema:"minLength=1,description=The fact worth remembering, phrased as a standalone statement"`
	Category   Category `json:"category" jsonschema:"enum=personal,enum=professional,enum=preferences,enum=knowledge,enum=other"`
	Importance int      `json:"importance" jsonschema:"minimum=1,maximum=10"`
	Reasoning  string   `json:"reasoning" jsonschema:"minLength=1,description=Why this is worth remembering"`
}

// Normalize returns the dedup key for a memory's content: trimmed and
// case-folded. Dedup is exact-normalized-string matching only.
func Normalize(content string) string {
	return strings.ToLower(strings.TrimSpace(content))
}
