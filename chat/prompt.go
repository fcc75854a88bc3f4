package chat

import (
	"fmt"
	"strings"

	"github.com/meridianhq/relay/catalog"
	"github.com/meridianhq/relay/memory"
)

// Preamble opens every system prompt.
const Preamble = "You are a helpful AI assistant. Be accurate and concise, and format answers in markdown when it improves readability."

const webSearchClause = "You have access to current web search results for this conversation. When your answer draws on them, say so and cite what you used."

// ProfileField is one non-empty field of the user's profile.
type ProfileField struct {
	Key   string
	Value string
}

// RankedMemory is one stored memory, already ranked by the context source
// (importance descending, then recency descending).
type RankedMemory struct {
	Category   memory.Category
	Content    string
	Importance int
}

// UserContext is the personalization data folded into the system prompt.
// It is built fresh per request and read-only to the controller.
type UserContext struct {
	Name          string
	ProfileFields []ProfileField
	Memories      []RankedMemory
}

// SystemPrompt renders the fixed-order system message: preamble, user name,
// profile fields, ranked memories, and the web-search disclosure when search
// was requested and the model supports it. Empty sections are omitted.
func SystemPrompt(uc UserContext, model catalog.Descriptor, webSearch bool) string {
	sections := []string{Preamble}

	if uc.Name != "" {
		sections = append(sections, "You are talking to "+uc.Name+".")
	}

	if len(uc.ProfileFields) > 0 {
		var b strings.Builder
		b.WriteString("About the user:")
		for _, f := range uc.ProfileFields {
			b.WriteString("\n")
			b.WriteString(f.Key)
			b.WriteString(": ")
			b.WriteString(f.Value)
		}
		sections = append(sections, b.String())
	}

	if len(uc.Memories) > 0 {
		var b strings.Builder
		b.WriteString("Things you remember about the user:")
		for _, m := range uc.Memories {
			fmt.Fprintf(&b, "\n[%s] %s (Importance: %d/10)", strings.ToUpper(string(m.Category)), m.Content, m.Importance)
		}
		sections = append(sections, b.String())
	}

	if webSearch && model.Capabilities.WebSearch {
		sections = append(sections, webSearchClause)
	}

	return strings.Join(sections, "\n\n")
}
