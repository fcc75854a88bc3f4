package chat

import (
	"fmt"

	"github.com/meridianhq/relay/provider"
)

// Request is the inbound generation request, decoded from the client before
// any stream starts.
type Request struct {
	Messages      []provider.Message `json:"messages"`
	ModelPublicID string             `json:"model"`
	// Provider optionally names the vendor so a vendor-side internal model
	// id can stand in for the public id, which internal ids cannot do on
	// their own since they only disambiguate per provider.
	Provider      string             `json:"provider,omitempty"`
	APIKey        string             `json:"apiKey"`
	WebSearch     bool               `json:"webSearch,omitempty"`
	ChatID        string             `json:"chatId,omitempty"`
	Reasoning     any                `json:"reasoning,omitempty"`
	UseAggregator bool               `json:"useAggregator,omitempty"`
}

// ValidationError reports a missing or malformed request field. It is always
// raised before any stream starts.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: missing or malformed field %q", e.Field)
}

// Validate enforces the hard preconditions on the request.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages"}
	}
	for _, m := range r.Messages {
		if m.Role == "" || m.Content == "" {
			return &ValidationError{Field: "messages"}
		}
	}
	if r.ModelPublicID == "" {
		return &ValidationError{Field: "model"}
	}
	if r.APIKey == "" {
		return &ValidationError{Field: "apiKey"}
	}
	return nil
}

// lastUserMessage returns the content of the most recent user turn, used as
// the user half of the memory-analysis exchange.
func (r *Request) lastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == provider.RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}
