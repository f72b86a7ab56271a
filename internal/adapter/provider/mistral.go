package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

const mistralDefaultBaseURL = "https://api.mistral.ai/v1"

// Mistral serves the chat completions API, which is OpenAI-compatible on the
// wire. Synchronous only.
type Mistral struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

// NewMistral constructs the client. An empty baseURL selects the public API.
func NewMistral(apiKey, baseURL string) *Mistral {
	if baseURL == "" {
		baseURL = mistralDefaultBaseURL
	}
	return &Mistral{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), hc: newHTTPClient()}
}

func (c *Mistral) Slug() string              { return "mistral" }
func (c *Mistral) Kind() domain.ProviderKind { return domain.ProviderSync }

func (c *Mistral) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Complete runs one chat completion call.
func (c *Mistral) Complete(ctx domain.Context, req domain.LLMRequest, cfg domain.ProviderConfig) (domain.LLMResult, error) {
	model := req.Model
	if model == "" {
		model = cfg.DefaultModel()
	}
	body := map[string]any{"model": model, "messages": chatMessages(req)}
	if mot := cfg.MaxOutputTokens(); mot > 0 {
		body["max_tokens"] = mot
	}
	mergeInput(body, req.Input)

	payload, err := json.Marshal(body)
	if err != nil {
		return domain.LLMResult{}, Normalize(c.Slug(), err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	status, respBody, err := doJSON(ctx, c.hc, http.MethodPost, c.baseURL+"/chat/completions", c.headers(), payload)
	if err != nil {
		return domain.LLMResult{}, Normalize(c.Slug(), err)
	}
	if status < 200 || status >= 300 {
		slog.Warn("provider non-2xx", slog.String("provider", c.Slug()), slog.String("op", "chat"),
			slog.Int("status", status), slog.String("body", snippet(respBody, 512)))
		return domain.LLMResult{}, NormalizeHTTP(c.Slug(), status, respBody)
	}
	return decodeChatCompletion(c.Slug(), respBody)
}

// SubmitBackground always refuses; there is no background mode.
func (c *Mistral) SubmitBackground(_ domain.Context, _ domain.LLMRequest, _ domain.ProviderConfig, _ string) (string, error) {
	return "", domain.NewLLMError(c.Slug(), domain.CodeBackgroundNotSupported, "mistral does not support background execution", 0, nil)
}

// FetchResponse always refuses; there are no stored responses to fetch.
func (c *Mistral) FetchResponse(_ domain.Context, _ domain.ProviderConfig, _ string) (domain.LLMResult, error) {
	return domain.LLMResult{}, domain.NewLLMError(c.Slug(), domain.CodeBackgroundNotSupported, "mistral does not support background execution", 0, nil)
}

// VerifyWebhook checks the standard-webhooks signature on a callback.
func (c *Mistral) VerifyWebhook(secret string, headers map[string][]string, body []byte) error {
	return verifyStandardWebhook(c.Slug(), secret, headers, body)
}

// ParseWebhook decodes a thin callback event.
func (c *Mistral) ParseWebhook(body []byte) (domain.WebhookEvent, error) {
	evt, err := thinWebhookEvent(body)
	if err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("op=mistral.parse_webhook: %w", err)
	}
	return evt, nil
}
