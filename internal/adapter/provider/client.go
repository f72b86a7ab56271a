package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// protectedInputKeys are request fields a caller may not override through
// the free-form input bag. The broker owns these.
var protectedInputKeys = map[string]struct{}{
	"model":             {},
	"messages":          {},
	"input":             {},
	"stream":            {},
	"system":            {},
	"max_tokens":        {},
	"max_output_tokens": {},
}

// mergeInput copies the input bag into body, dropping protected keys.
func mergeInput(body, input map[string]any) {
	for k, v := range input {
		if _, protected := protectedInputKeys[k]; protected {
			continue
		}
		body[k] = v
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		// Per-call deadlines come from the provider row; this caps runaways.
		Timeout:   5 * time.Minute,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// doJSON sends one JSON request and returns the status with the full body.
// Callers classify non-2xx responses via NormalizeHTTP.
func doJSON(ctx context.Context, hc *http.Client, method, url string, headers map[string]string, payload []byte) (int, []byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// chatMessages flattens a request into OpenAI-style chat messages with the
// system prompt leading.
func chatMessages(req domain.LLMRequest) []map[string]string {
	msgs := make([]map[string]string, 0, len(req.Messages)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			msgs = append(msgs, map[string]string{"role": m.Role, "content": m.Content})
		}
	} else {
		msgs = append(msgs, map[string]string{"role": "user", "content": req.Prompt})
	}
	return msgs
}

// decodeChatCompletion extracts the first choice of an OpenAI-compatible
// chat completion response.
func decodeChatCompletion(provider string, body []byte) (domain.LLMResult, error) {
	var out struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.LLMResult{}, Normalize(provider, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return domain.LLMResult{}, domain.NewLLMError(provider, domain.CodeUnknown, "empty choices in response", 0, nil)
	}
	res := domain.LLMResult{Output: out.Choices[0].Message.Content, Model: out.Model, ResponseID: out.ID}
	if out.Usage != nil {
		res.Usage = &domain.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		}
	}
	return res, nil
}
