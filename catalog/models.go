package catalog

// Default returns the built-in model table. The order here is user-visible:
// Available lists models in this order and reasoning substitution picks the
// first capable sibling.
func Default() *Catalog {
	return New(
		Descriptor{
			PublicID:     "gpt-4o",
			InternalID:   "gpt-4o",
			Provider:     OpenAI,
			Capabilities: Capabilities{Image: true, PDF: true, WebSearch: true},
		},
		Descriptor{
			PublicID:     "gpt-4o-mini",
			InternalID:   "gpt-4o-mini",
			Provider:     OpenAI,
			Capabilities: Capabilities{Image: true},
		},
		Descriptor{
			PublicID:     "o3-mini",
			InternalID:   "o3-mini",
			Provider:     OpenAI,
			Capabilities: Capabilities{Reasoning: true},
		},
		Descriptor{
			PublicID:     "o1",
			InternalID:   "o1",
			Provider:     OpenAI,
			Capabilities: Capabilities{Image: true, Reasoning: true},
		},
		Descriptor{
			PublicID:     "claude-sonnet",
			InternalID:   "claude-3-7-sonnet-latest",
			Provider:     Anthropic,
			Capabilities: Capabilities{Image: true, PDF: true, Reasoning: true},
		},
		Descriptor{
			PublicID:     "claude-haiku",
			InternalID:   "claude-3-5-haiku-latest",
			Provider:     Anthropic,
			Capabilities: Capabilities{Image: true},
		},
		Descriptor{
			PublicID:     "gemini-flash",
			InternalID:   "gemini-2.0-flash",
			Provider:     Google,
			Capabilities: Capabilities{Image: true, PDF: true, WebSearch: true},
		},
		Descriptor{
			PublicID:     "gemini-pro",
			InternalID:   "gemini-2.5-pro",
			Provider:     Google,
			Capabilities: Capabilities{Image: true, PDF: true, WebSearch: true, Reasoning: true},
		},
	)
}
