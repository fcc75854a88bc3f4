// Package openai implements the provider handle for OpenAI-protocol
// endpoints, including aggregator gateways that speak the same wire format.
package openai

import (
	"context"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/meridianhq/relay/provider"
)

// Handle talks to one OpenAI-compatible endpoint with one model.
type Handle struct {
	client *openai.Client
	model  string
}

// New builds a handle for the given vendor-side model name. Reasoning and
// other request-shape overrides arrive as raw JSON patches applied to every
// outgoing completion call.
func New(apiKey, model string, extraBody map[string]any, options ...option.RequestOption) *Handle {
	opts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, options...)
	for key, value := range extraBody {
		opts = append(opts, option.WithJSONSet(key, value))
	}
	return &Handle{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// WithBaseURL routes the handle through an alternative endpoint, used for
// aggregator gateways.
func WithBaseURL(url string) option.RequestOption {
	return option.WithBaseURL(url)
}

func (h *Handle) buildRequest(params provider.CompletionParams) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(params.Messages)+1)
	if params.Instructions != "" {
		msgs = append(msgs, openai.SystemMessage(params.Instructions))
	}
	for _, m := range params.Messages {
		switch m.Role {
		case provider.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case provider.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	return openai.ChatCompletionNewParams{
		Messages:    openai.F(msgs),
		Model:       openai.F(h.model),
		N:           openai.Int(1),
		Temperature: openai.Float(params.Temperature),
		MaxTokens:   openai.Int(params.MaxTokens),
	}
}

// ChatCompletion streams one generation. The returned channel is closed when
// the stream ends; a stream that fails mid-flight ends with an Error event
// after the deltas that already arrived.
func (h *Handle) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	params = params.Norm()
	chatParams := h.buildRequest(params)

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		h.runStream(ctx, chatParams, params, events)
	}()
	return events, nil
}

func (h *Handle) runStream(ctx context.Context, chatParams openai.ChatCompletionNewParams, params provider.CompletionParams, events chan<- provider.StreamEvent) {
	strm := h.client.Chat.Completions.NewStreaming(ctx, chatParams)
	defer strm.Close()

	if strm.Err() != nil {
		events <- provider.Error{
			RunID:     params.RunID,
			Err:       strm.Err(),
			Timestamp: strfmt.DateTime(time.Now()),
		}
		return
	}

	var acc openai.ChatCompletionAccumulator
	for strm.Next() {
		if err := ctx.Err(); err != nil {
			events <- provider.Error{
				RunID:     params.RunID,
				Err:       err,
				Timestamp: strfmt.DateTime(time.Now()),
			}
			return
		}

		chunk := strm.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			events <- provider.Delta{
				RunID:     params.RunID,
				Content:   content,
				Timestamp: strfmt.DateTime(time.Now()),
			}
		}
	}

	if strm.Err() != nil {
		events <- provider.Error{
			RunID:     params.RunID,
			Err:       strm.Err(),
			Timestamp: strfmt.DateTime(time.Now()),
		}
		return
	}

	done := provider.Done{
		RunID:     params.RunID,
		Timestamp: strfmt.DateTime(time.Now()),
	}
	if compl := acc.ChatCompletion; len(compl.Choices) > 0 {
		done.Content = compl.Choices[0].Message.Content
		done.FinishReason = string(compl.Choices[0].FinishReason)
	}
	events <- done
}
