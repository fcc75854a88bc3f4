// Package catalog holds the static model catalog: which models exist, which
// vendor serves them, and what each one is capable of. It is pure data with
// O(1) lookups and performs no I/O.
package catalog

import (
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrModelNotFound is returned by lookups for unknown model identifiers.
var ErrModelNotFound = errors.New("model not found")

// Provider identifies the vendor that serves a model. It is a closed enum;
// the resolver is the only place allowed to switch on it.
type Provider int

const (
	OpenAI Provider = iota
	Anthropic
	Google
)

func (p Provider) String() string {
	switch p {
	case OpenAI:
		return "openai"
	case Anthropic:
		return "anthropic"
	case Google:
		return "google"
	default:
		return fmt.Sprintf("provider(%d)", int(p))
	}
}

// ParseProvider maps a wire-level provider name onto the enum.
func ParseProvider(s string) (Provider, bool) {
	switch s {
	case "openai":
		return OpenAI, true
	case "anthropic":
		return Anthropic, true
	case "google":
		return Google, true
	default:
		return 0, false
	}
}

// Capabilities records the optional features a model supports.
type Capabilities struct {
	Image     bool
	PDF       bool
	WebSearch bool
	Reasoning bool
}

// Descriptor describes one model in the catalog. Descriptors are immutable
// after the catalog is built.
type Descriptor struct {
	// PublicID is the identifier clients use. Globally unique.
	PublicID string
	// InternalID is the vendor-side model name. Unique per provider.
	InternalID string
	Provider   Provider
	Capabilities
}

type internalKey struct {
	provider Provider
	id       string
}

// Catalog indexes descriptors by public id and by (provider, internal id).
// Iteration order is the declaration order of the model table, which makes
// Available and Siblings deterministic.
type Catalog struct {
	ordered    *orderedmap.OrderedMap[string, Descriptor]
	byInternal map[internalKey]Descriptor
}

// New builds a catalog from the given descriptors. It panics on duplicate
// identifiers because the model table is static, compiled-in data.
func New(descriptors ...Descriptor) *Catalog {
	c := &Catalog{
		ordered:    orderedmap.New[string, Descriptor](),
		byInternal: make(map[internalKey]Descriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		if _, exists := c.ordered.Get(d.PublicID); exists {
			panic(fmt.Sprintf("catalog: duplicate public id %q", d.PublicID))
		}
		key := internalKey{provider: d.Provider, id: d.InternalID}
		if _, exists := c.byInternal[key]; exists {
			panic(fmt.Sprintf("catalog: duplicate internal id %q for %s", d.InternalID, d.Provider))
		}
		c.ordered.Set(d.PublicID, d)
		c.byInternal[key] = d
	}
	return c
}

// Find looks up a descriptor by its public identifier.
func (c *Catalog) Find(publicID string) (Descriptor, error) {
	d, ok := c.ordered.Get(publicID)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrModelNotFound, publicID)
	}
	return d, nil
}

// FindInternal looks up a descriptor by provider and vendor-side model name.
func (c *Catalog) FindInternal(provider Provider, internalID string) (Descriptor, error) {
	d, ok := c.byInternal[internalKey{provider: provider, id: internalID}]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s/%s", ErrModelNotFound, provider, internalID)
	}
	return d, nil
}

// Available returns the models whose provider has a non-empty credential in
// creds, in catalog order.
func (c *Catalog) Available(creds map[Provider]string) []Descriptor {
	var out []Descriptor
	for pair := c.ordered.Oldest(); pair != nil; pair = pair.Next() {
		if creds[pair.Value.Provider] != "" {
			out = append(out, pair.Value)
		}
	}
	return out
}

// Siblings returns every other model served by the same provider as d,
// in catalog order.
func (c *Catalog) Siblings(d Descriptor) []Descriptor {
	var out []Descriptor
	for pair := c.ordered.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Provider == d.Provider && pair.Value.PublicID != d.PublicID {
			out = append(out, pair.Value)
		}
	}
	return out
}

// Len reports the number of models in the catalog.
func (c *Catalog) Len() int {
	return c.ordered.Len()
}
