// Package reasoning turns a requested reasoning level and a model's
// capability flags into the provider-specific request parameters. It is the
// single place that knows each vendor's parameter shape.
package reasoning

import (
	"github.com/meridianhq/relay/catalog"
)

// Level is the normalized reasoning request.
type Level int

const (
	Off Level = iota
	Low
	Medium
	High
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "off"
	}
}

// ParseLevel normalizes the raw client value. Clients send either a boolean
// or a level string; a bare true and any unrecognized non-empty string both
// mean medium.
func ParseLevel(raw any) Level {
	switch v := raw.(type) {
	case nil:
		return Off
	case bool:
		if v {
			return Medium
		}
		return Off
	case string:
		switch v {
		case "":
			return Off
		case "low":
			return Low
		case "medium":
			return Medium
		case "high":
			return High
		default:
			return Medium
		}
	case Level:
		return v
	default:
		return Off
	}
}

// Config is the provider-ready reasoning configuration. Params is opaque to
// everything except the resolver, which merges it into the outgoing request.
type Config struct {
	Enabled bool
	Params  map[string]any
}

// Anthropic thinking budgets and Google thinking budgets, in tokens.
var (
	anthropicBudgets = map[Level]int{Low: 4096, Medium: 8192, High: 16384}
	googleBudgets    = map[Level]int{Low: 2048, Medium: 8192, High: 24576}
)

// Configure produces the per-provider parameter shape for the given level.
// A disabled level or a model without the reasoning capability yields a
// disabled config regardless of what was asked for.
//
// When aggregator routing is in effect the gateway's own parameter shape is
// used instead of the vendor's, since the gateway normalizes reasoning across
// the models it fronts.
func Configure(level Level, model catalog.Descriptor, aggregator bool) Config {
	if level == Off || !model.Reasoning {
		return Config{}
	}

	if aggregator {
		return Config{
			Enabled: true,
			Params: map[string]any{
				"reasoning": map[string]any{"effort": level.String()},
			},
		}
	}

	switch model.Provider {
	case catalog.OpenAI:
		return Config{
			Enabled: true,
			Params:  map[string]any{"reasoning_effort": level.String()},
		}
	case catalog.Anthropic:
		return Config{
			Enabled: true,
			Params: map[string]any{
				"thinking": map[string]any{
					"type":          "enabled",
					"budget_tokens": anthropicBudgets[level],
				},
			},
		}
	case catalog.Google:
		return Config{
			Enabled: true,
			Params: map[string]any{
				"thinkingConfig": map[string]any{
					"thinkingBudget": googleBudgets[level],
				},
			},
		}
	default:
		return Config{}
	}
}

// EnsureCapable substitutes a reasoning-capable sibling when reasoning was
// requested on a model that lacks it. When no sibling of the same provider
// qualifies, the original model is kept and reasoning is implicitly disabled
// by Configure. Substituting twice yields the same model.
func EnsureCapable(cat *catalog.Catalog, model catalog.Descriptor, level Level) catalog.Descriptor {
	if level == Off || model.Reasoning {
		return model
	}
	for _, sibling := range cat.Siblings(model) {
		if sibling.Reasoning {
			return sibling
		}
	}
	return model
}
