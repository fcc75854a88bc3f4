package provider

import (
	"context"

	"github.com/google/uuid"
)

// Message roles used on the wire. Vendors that use different role names
// translate inside their own handle.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionParams carries everything a handle needs for one generation.
type CompletionParams struct {
	// RunID uniquely identifies this completion request for tracking.
	RunID uuid.UUID

	// Instructions is the system prompt prepended to the conversation.
	Instructions string

	// Messages is the caller-supplied conversation history, oldest first.
	Messages []Message

	// Temperature and MaxTokens are fixed generation parameters. Zero
	// values mean "use the relay defaults" (0.7 and 4000).
	Temperature float64
	MaxTokens   int64

	// Prevents unkeyed literals
	_ struct{}
}

// DefaultTemperature and DefaultMaxTokens are applied by handles when the
// corresponding CompletionParams fields are zero.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4000
)

// Norm returns params with relay defaults filled in.
func (p CompletionParams) Norm() CompletionParams {
	if p.Temperature == 0 {
		p.Temperature = DefaultTemperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	return p
}

// Handle is a callable binding to one vendor endpoint. The returned channel
// is closed when the generation finishes, normally or not; a failed stream
// ends with an Error event after whatever deltas were already delivered.
type Handle interface {
	ChatCompletion(ctx context.Context, params CompletionParams) (<-chan StreamEvent, error)
}
