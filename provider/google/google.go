// Package google implements the provider handle for the Gemini
// streamGenerateContent API over server-sent events.
package google

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
	"github.com/tidwall/gjson"

	"github.com/meridianhq/relay/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Handle talks to one Gemini model.
type Handle struct {
	apiKey           string
	model            string
	baseURL          string
	generationExtras map[string]any
	client           *http.Client
}

// New builds a handle for the given vendor-side model name. generationExtras
// entries (the thinkingConfig, for one) are merged into generationConfig on
// every request.
func New(apiKey, model string, generationExtras map[string]any) *Handle {
	return &Handle{
		apiKey:           apiKey,
		model:            model,
		baseURL:          defaultBaseURL,
		generationExtras: generationExtras,
		client:           &http.Client{},
	}
}

func (h *Handle) buildBody(params provider.CompletionParams) ([]byte, error) {
	generation := map[string]any{
		"temperature":     params.Temperature,
		"maxOutputTokens": params.MaxTokens,
	}
	for key, value := range h.generationExtras {
		generation[key] = value
	}

	contents := make([]map[string]any, 0, len(params.Messages))
	for _, m := range params.Messages {
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
	}

	body := map[string]any{
		"contents":         contents,
		"generationConfig": generation,
	}
	if params.Instructions != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": params.Instructions}},
		}
	}
	return json.Marshal(body)
}

// ChatCompletion streams one generation from Gemini.
func (h *Handle) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	params = params.Norm()
	body, err := h.buildBody(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", h.baseURL, h.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("google returned %d: %s", resp.StatusCode, bytes.TrimSpace(errBody))
	}

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		h.consume(ctx, resp.Body, params, events)
	}()
	return events, nil
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
		if !gjson.Valid(data) {
			continue
		}

		if errMsg := gjson.Get(data, "error.message"); errMsg.Exists() {
			events <- provider.Error{
				RunID:     params.RunID,
				Err:       fmt.Errorf("google stream error: %s", errMsg.String()),
				Timestamp: strfmt.DateTime(time.Now()),
			}
			return
		}

		candidate := gjson.Get(data, "candidates.0")
		if !candidate.Exists() {
			continue
		}
		if text := candidate.Get("content.parts.0.text"); text.Exists() && text.String() != "" {
			content.WriteString(text.String())
			events <- provider.Delta{
				RunID:     params.RunID,
				Content:   text.String(),
				Timestamp: strfmt.DateTime(time.Now()),
			}
		}
		if fr := candidate.Get("finishReason"); fr.Exists() {
			finishReason = fr.String()
		}
	}

	if err := scanner.Err(); err != nil {
		events <- provider.Error{RunID: params.RunID, Err: err, Timestamp: strfmt.DateTime(time.Now())}
		return
	}

	events <- provider.Done{
		RunID:        params.RunID,
		Content:      content.String(),
		FinishReason: finishReason,
		Timestamp:    strfmt.DateTime(time.Now()),
	}
}
