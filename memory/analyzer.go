package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	"github.com/tidwall/gjson"

	"github.com/meridianhq/relay/catalog"
	"github.com/meridianhq/relay/pkg/uuidx"
	"github.com/meridianhq/relay/provider"
)

// Tagged failure modes. None of them escape Analyze as a panic; the caller
// decides how fatal they are (the completion controller treats all of them
// as non-fatal).
var (
	ErrResolve = errors.New("memory analysis: model resolution failed")
	ErrExtract = errors.New("memory analysis: extraction call failed")
	ErrStore   = errors.New("memory analysis: store failed")
)

// Store is the persistence collaborator for memories.
type Store interface {
	// ListMemories returns the user's non-deleted memories.
	ListMemories(ctx context.Context, userID string) ([]Memory, error)
	// InsertMemories bulk-inserts new memories for the user.
	InsertMemories(ctx context.Context, userID string, memories []Memory) (int, error)
}

// ResolveFunc builds a handle for the extraction call. The analyzer uses
// the same model that held the conversation, not a separate fixed one.
type ResolveFunc func(apiKey string, model catalog.Descriptor) (provider.Handle, error)

// Request carries one finished exchange to analyze.
type Request struct {
	APIKey            string
	Model             catalog.Descriptor
	UserID            string
	UserMessage       string
	AssistantResponse string
}

// Result reports what the pipeline stored. Zero candidates and all-duplicate
// candidates are both successes with MemoriesStored == 0.
type Result struct {
	MemoriesStored int
	Stored         []Memory
}

// Analyzer runs the extraction pipeline. Identical inputs against an
// already-populated store are idempotent: the second run stores nothing.
type Analyzer struct {
	resolve ResolveFunc
	store   Store
	log     *slog.Logger
}

// NewAnalyzer builds an analyzer around the given resolver and store.
func NewAnalyzer(resolve ResolveFunc, store Store, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{resolve: resolve, store: store, log: log}
}

type extraction struct {
	Memories []Memory `json:"memories"`
}

var (
	schemaOnce sync.Once
	schemaJSON string
)

// extractionSchema renders the JSON schema the model output must satisfy.
// The schema is static, so it is reflected once.
func extractionSchema() string {
	schemaOnce.Do(func() {
		reflector := jsonschema.Reflector{DoNotReference: true}
		schema := reflector.Reflect(&extraction{})
		data, err := json.Marshal(schema)
		if err != nil {
			panic(fmt.Sprintf("memory: reflect extraction schema: %v", err))
		}
		schemaJSON = string(data)
	})
	return schemaJSON
}

const extractionInstructions = `You extract long-term memories about the user from a single conversation exchange.
A memory is a durable fact worth recalling in future conversations: who the user is, what they do, what they prefer, what they know.
Do not store transient details, restatements of the question, or facts about the assistant.
Respond with a single JSON object and nothing else, matching this schema:

%s

If the exchange contains nothing worth remembering, respond with {"memories": []}.`

func (a *Analyzer) extractionPrompt() string {
	return fmt.Sprintf(extractionInstructions, extractionSchema())
}

// Analyze runs the full pipeline for one exchange.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	handle, err := a.resolve(req.APIKey, req.Model)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}

	text, err := a.complete(ctx, handle, req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrExtract, err)
	}

	candidates := parseCandidates(text)
	if len(candidates) == 0 {
		return Result{}, nil
	}

	existing, err := a.store.ListMemories(ctx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[Normalize(m.Content)] = struct{}{}
	}

	fresh := candidates[:0]
	for _, c := range candidates {
		key := Normalize(c.Content)
		if _, dup := seen[key]; dup {
			continue
		}
		// Guards against the model proposing the same fact twice in one batch.
		seen[key] = struct{}{}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return Result{}, nil
	}

	n, err := a.store.InsertMemories(ctx, req.UserID, fresh)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStore, err)
	}

	a.log.Debug("stored memories", slog.Int("count", n), slog.String("user_id", req.UserID))
	return Result{MemoriesStored: n, Stored: fresh}, nil
}

// complete runs the extraction call and returns the final text.
func (a *Analyzer) complete(ctx context.Context, handle provider.Handle, req Request) (string, error) {
	conversation := fmt.Sprintf("User message:\n%s\n\nAssistant response:\n%s", req.UserMessage, req.AssistantResponse)

	events, err := handle.ChatCompletion(ctx, provider.CompletionParams{
		RunID:        uuidx.New(),
		Instructions: a.extractionPrompt(),
		Messages:     []provider.Message{{Role: provider.RoleUser, Content: conversation}},
	})
	if err != nil {
		return "", err
	}

	var final string
	for ev := range events {
		switch ev := ev.(type) {
		case provider.Done:
			final = ev.Content
		case provider.Error:
			return "", ev.Err
		}
	}
	return final, nil
}

// parseCandidates pulls valid memories out of the model's reply. The reply
// is expected to be a JSON object but models occasionally wrap it in a code
// fence; candidates that violate the schema are dropped rather than failing
// the batch.
func parseCandidates(text string) []Memory {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	if !gjson.Valid(trimmed) {
		return nil
	}

	var out []Memory
	gjson.Get(trimmed, "memories").ForEach(func(_, value gjson.Result) bool {
		content := strings.TrimSpace(value.Get("content").String())
		reasoning := strings.TrimSpace(value.Get("reasoning").String())
		if content == "" || reasoning == "" {
			return true
		}
		importance := int(value.Get("importance").Int())
		if importance < 1 {
			importance = 1
		}
		if importance > 10 {
			importance = 10
		}
		out = append(out, Memory{
			Content:    content,
			Category:   ParseCategory(value.Get("category").String()),
			Importance: importance,
			Reasoning:  reasoning,
		})
		return true
	})
	return out
}
