// Package resolver builds per-request provider handles. It is the only
// place in the relay that branches on provider identity; everything
// downstream works against the opaque provider.Handle.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meridianhq/relay/catalog"
	"github.com/meridianhq/relay/provider"
	"github.com/meridianhq/relay/provider/anthropic"
	"github.com/meridianhq/relay/provider/google"
	"github.com/meridianhq/relay/provider/openai"
	"github.com/meridianhq/relay/reasoning"
)

// AggregatorBaseURL is the gateway endpoint used when a request asks for
// aggregator routing instead of the vendor's own endpoint.
const AggregatorBaseURL = "https://openrouter.ai/api/v1"

// ErrUnsupportedProvider is returned when the model's provider tag has no
// construction path.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// InitError wraps a construction-time provider failure. These are always
// network-independent: bad credentials format, unusable configuration.
type InitError struct {
	Provider catalog.Provider
	Cause    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("provider %s initialization failed: %v", e.Provider, e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

// Request names everything needed to construct a handle.
type Request struct {
	APIKey        string
	Model         catalog.Descriptor
	Reasoning     reasoning.Config
	UseAggregator bool
}

// UsesAggregator reports whether a request for the given provider actually
// routes through the gateway. Only the OpenAI and Google tags do; Anthropic
// always talks to its own endpoint, whatever the flag says. Reasoning
// configuration must consult this predicate, not the raw flag, so the
// parameter shape matches the endpoint the request ends up on.
func UsesAggregator(p catalog.Provider, flag bool) bool {
	return flag && (p == catalog.OpenAI || p == catalog.Google)
}

// Resolve constructs a handle bound to one provider, one concrete model id
// and one reasoning configuration. A fresh handle is built for every
// request, even for the same model, because the credential and reasoning
// configuration vary per request.
//
// Aggregator routing is decided before the per-provider switch: the OpenAI
// and Google tags share the gateway construction path when the flag is set.
func Resolve(req Request) (provider.Handle, error) {
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		return nil, &InitError{Provider: req.Model.Provider, Cause: errors.New("empty api key")}
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return nil, &InitError{Provider: req.Model.Provider, Cause: errors.New("malformed api key")}
	}

	if UsesAggregator(req.Model.Provider, req.UseAggregator) {
		// The gateway namespaces model ids by vendor tag.
		model := fmt.Sprintf("%s/%s", req.Model.Provider, req.Model.InternalID)
		return openai.New(key, model, req.Reasoning.Params, openai.WithBaseURL(AggregatorBaseURL)), nil
	}

	switch req.Model.Provider {
	case catalog.OpenAI:
		return openai.New(key, req.Model.InternalID, req.Reasoning.Params), nil
	case catalog.Anthropic:
		return anthropic.New(key, req.Model.InternalID, req.Reasoning.Params), nil
	case catalog.Google:
		return google.New(key, req.Model.InternalID, req.Reasoning.Params), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, req.Model.Provider)
	}
}
