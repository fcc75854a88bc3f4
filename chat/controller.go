// Package chat implements the streaming completion controller: it owns the
// lifecycle of one in-flight generation, from request validation through
// token forwarding to the post-stream side effects.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fogfish/opts"

	"github.com/meridianhq/relay/catalog"
	"github.com/meridianhq/relay/memory"
	"github.com/meridianhq/relay/pkg/slogx"
	"github.com/meridianhq/relay/pkg/uuidx"
	"github.com/meridianhq/relay/provider"
	"github.com/meridianhq/relay/reasoning"
	"github.com/meridianhq/relay/resolver"
)

// ContextSource supplies the personalization data for the system prompt.
type ContextSource interface {
	GetUserContext(ctx context.Context, userID string) (UserContext, error)
}

// MessageStore persists finished assistant messages.
type MessageStore interface {
	SaveAssistantMessage(ctx context.Context, chatID, content, modelPublicID string) error
}

// Analyzer runs the memory extraction pipeline after a persisted message.
type Analyzer interface {
	Analyze(ctx context.Context, req memory.Request) (memory.Result, error)
}

// ResolveFunc builds the per-request provider handle.
type ResolveFunc func(req resolver.Request) (provider.Handle, error)

// Controller orchestrates one generation per call. It is safe for
// concurrent use; concurrent requests for the same chat are deliberately
// uncoordinated and resolve last-write-wins at the store.
type Controller struct {
	catalog  *catalog.Catalog
	resolve  ResolveFunc
	contexts ContextSource
	store    MessageStore
	analyzer Analyzer
	log      *slog.Logger

	finalizers sync.WaitGroup
}

var (
	// WithCatalog sets the model catalog.
	WithCatalog = opts.ForName[Controller, *catalog.Catalog]("catalog")
	// WithResolver sets the handle resolver.
	WithResolver = opts.ForName[Controller, ResolveFunc]("resolve")
	// WithContextSource sets the personalization collaborator.
	WithContextSource = opts.ForName[Controller, ContextSource]("contexts")
	// WithMessageStore sets the persistence collaborator.
	WithMessageStore = opts.ForName[Controller, MessageStore]("store")
	// WithAnalyzer sets the memory analysis collaborator.
	WithAnalyzer = opts.ForName[Controller, Analyzer]("analyzer")
	// WithLogger sets the logging sink for background failures.
	WithLogger = opts.ForName[Controller, *slog.Logger]("log")
)

// New builds a controller. It panics on misconfiguration because the wiring
// is static, compiled-in code.
func New(options ...opts.Option[Controller]) *Controller {
	c := &Controller{
		catalog: catalog.Default(),
		resolve: resolver.Resolve,
		log:     slog.Default(),
	}
	if err := opts.Apply(c, options); err != nil {
		panic(err)
	}
	return c
}

// Stream runs one generation. Preconditions (validation, model existence,
// provider construction) fail before any stream starts with a typed error.
// After that the caller only ever sees the event channel: generation
// failures arrive as a terminal Error event, and the post-stream side
// effects are invisible.
func (c *Controller) Stream(ctx context.Context, userID string, req Request) (<-chan provider.StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	model, err := c.lookupModel(req)
	if err != nil {
		return nil, err
	}

	level := reasoning.ParseLevel(req.Reasoning)
	model = reasoning.EnsureCapable(c.catalog, model, level)
	// The gateway shape only applies when the request actually routes
	// through the gateway; providers it never fronts keep their own shape.
	cfg := reasoning.Configure(level, model, resolver.UsesAggregator(model.Provider, req.UseAggregator))

	handle, err := c.resolve(resolver.Request{
		APIKey:        req.APIKey,
		Model:         model,
		Reasoning:     cfg,
		UseAggregator: req.UseAggregator,
	})
	if err != nil {
		return nil, err
	}

	// Personalization is best-effort: a failed context lookup degrades to
	// an impersonal prompt instead of failing the chat.
	var uctx UserContext
	if c.contexts != nil {
		uctx, err = c.contexts.GetUserContext(ctx, userID)
		if err != nil {
			c.log.Warn("user context lookup failed", slogx.Error(err), slog.String("user_id", userID))
			uctx = UserContext{}
		}
	}

	events, err := handle.ChatCompletion(ctx, provider.CompletionParams{
		RunID:        uuidx.New(),
		Instructions: SystemPrompt(uctx, model, req.WebSearch),
		Messages:     req.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("completion call failed: %w", err)
	}

	out := make(chan provider.StreamEvent, 10)
	go c.forward(ctx, userID, req, model, events, out)
	return out, nil
}

// lookupModel resolves the requested model. Clients normally send the
// public id; a request that names a provider may use the vendor's internal
// id instead, since those only disambiguate per provider.
func (c *Controller) lookupModel(req Request) (catalog.Descriptor, error) {
	model, err := c.catalog.Find(req.ModelPublicID)
	if err == nil || req.Provider == "" {
		return model, err
	}
	p, ok := catalog.ParseProvider(req.Provider)
	if !ok {
		return catalog.Descriptor{}, err
	}
	return c.catalog.FindInternal(p, req.ModelPublicID)
}

// forward relays provider events to the caller. If the caller goes away the
// relay stops delivering but keeps draining the upstream so the final text
// still reaches the finalizer.
func (c *Controller) forward(ctx context.Context, userID string, req Request, model catalog.Descriptor, events <-chan provider.StreamEvent, out chan<- provider.StreamEvent) {
	defer close(out)

	delivering := true
	for ev := range events {
		if delivering {
			select {
			case out <- ev:
			case <-ctx.Done():
				delivering = false
			}
		}

		if done, ok := ev.(provider.Done); ok {
			c.finalize(userID, req, model, done.Content)
		}
	}
}

// finalize runs the two post-stream side effects in the background:
// persist the assistant message, then analyze it for memories. The task
// produces no value anyone can await; both failures are routed to the log
// and nowhere else, and neither is retried.
func (c *Controller) finalize(userID string, req Request, model catalog.Descriptor, text string) {
	if strings.TrimSpace(text) == "" || req.ChatID == "" {
		return
	}

	c.finalizers.Add(1)
	go func() {
		defer c.finalizers.Done()

		// The caller's connection may already be closed; the side effects
		// run against their own lifetime.
		ctx := context.Background()

		if c.store != nil {
			if err := c.store.SaveAssistantMessage(ctx, req.ChatID, text, model.PublicID); err != nil {
				c.log.Error("failed to persist assistant message",
					slogx.Error(err), slog.String("chat_id", req.ChatID))
				return
			}
		}

		if c.analyzer == nil {
			return
		}
		if _, err := c.analyzer.Analyze(ctx, memory.Request{
			APIKey:            req.APIKey,
			Model:             model,
			UserID:            userID,
			UserMessage:       req.lastUserMessage(),
			AssistantResponse: text,
		}); err != nil {
			c.log.Error("memory analysis failed",
				slogx.Error(err), slog.String("chat_id", req.ChatID))
		}
	}()
}

// Drain blocks until all in-flight finalizers have finished. Used for
// graceful shutdown.
func (c *Controller) Drain() {
	c.finalizers.Wait()
}
