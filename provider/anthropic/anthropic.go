// Package anthropic implements the provider handle for the Anthropic
// Messages API over server-sent events.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"

	"github.com/meridianhq/relay/provider"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Handle talks to one Anthropic model.
type Handle struct {
	apiKey    string
	model     string
	baseURL   string
	extraBody map[string]any
	client    *http.Client
}

// New builds a handle for the given vendor-side model name. extraBody
// entries (the thinking configuration, for one) are merged into every
// request body.
func New(apiKey, model string, extraBody map[string]any) *Handle {
	return &Handle{
		apiKey:    apiKey,
		model:     model,
		baseURL:   defaultBaseURL,
		extraBody: extraBody,
		client:    &http.Client{},
	}
}

func (h *Handle) buildBody(params provider.CompletionParams) ([]byte, error) {
	body := map[string]any{
		"model":       h.model,
		"max_tokens":  params.MaxTokens,
		"temperature": params.Temperature,
		"stream":      true,
	}
	if params.Instructions != "" {
		body["system"] = params.Instructions
	}

	msgs := make([]map[string]string, 0, len(params.Messages))
	for _, m := range params.Messages {
		role := m.Role
		if role != provider.RoleAssistant {
			role = provider.RoleUser
		}
		msgs = append(msgs, map[string]string{"role": role, "content": m.Content})
	}
	body["messages"] = msgs

	for key, value := range h.extraBody {
		body[key] = value
	}
	return json.Marshal(body)
}

// ChatCompletion streams one generation from the Messages API.
func (h *Handle) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	params = params.Norm()
	body, err := h.buildBody(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", h.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic returned %d: %s", resp.StatusCode, bytes.TrimSpace(errBody))
	}

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		h.consume(ctx, resp.Body, params, events)
	}()
	return events, nil
}

// streamEvent mirrors the subset of Anthropic's SSE payloads the relay
// cares about.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *Handle) consume(ctx context.Context, body io.Reader, params provider.CompletionParams, events chan<- provider.StreamEvent) {
	var content strings.Builder
	var finishReason string

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			events <- provider.Error{RunID: params.RunID, Err: err, Timestamp: strfmt.DateTime(time.Now())}
			return
		}

		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			// Thinking deltas are not forwarded, only the answer text.
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				content.WriteString(ev.Delta.Text)
				events <- provider.Delta{
					RunID:     params.RunID,
					Content:   ev.Delta.Text,
					Timestamp: strfmt.DateTime(time.Now()),
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				finishReason = ev.Delta.StopReason
			}
		case "error":
			events <- provider.Error{
				RunID:     params.RunID,
				Err:       fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message),
				Timestamp: strfmt.DateTime(time.Now()),
			}
			return
		case "message_stop":
			events <- provider.Done{
				RunID:        params.RunID,
				Content:      content.String(),
				FinishReason: finishReason,
				Timestamp:    strfmt.DateTime(time.Now()),
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		events <- provider.Error{RunID: params.RunID, Err: err, Timestamp: strfmt.DateTime(time.Now())}
		return
	}

	// Body ended without a message_stop; treat whatever arrived as the
	// final text so partial completions still finalize.
	events <- provider.Done{
		RunID:        params.RunID,
		Content:      content.String(),
		FinishReason: finishReason,
		Timestamp:    strfmt.DateTime(time.Now()),
	}
}
