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

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"

	// The Messages API requires max_tokens; used when the catalog row does
	// not set one.
	anthropicDefaultMaxTokens = 4096
)

// Anthropic serves the Messages API. It is a synchronous provider: results
// come back on the submitting call and background dispatch is refused.
type Anthropic struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

// NewAnthropic constructs the client. An empty baseURL selects the public API.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &Anthropic{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), hc: newHTTPClient()}
}

func (c *Anthropic) Slug() string              { return "anthropic" }
func (c *Anthropic) Kind() domain.ProviderKind { return domain.ProviderSync }

func (c *Anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

// Complete runs one Messages API call.
func (c *Anthropic) Complete(ctx domain.Context, req domain.LLMRequest, cfg domain.ProviderConfig) (domain.LLMResult, error) {
	model := req.Model
	if model == "" {
		model = cfg.DefaultModel()
	}
	maxTokens := cfg.MaxOutputTokens()
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
		}
	} else {
		messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if req.SystemPrompt != "" {
		body["system"] = req.SystemPrompt
	}
	mergeInput(body, req.Input)

	payload, err := json.Marshal(body)
	if err != nil {
		return domain.LLMResult{}, Normalize(c.Slug(), err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	status, respBody, err := doJSON(ctx, c.hc, http.MethodPost, c.baseURL+"/messages", c.headers(), payload)
	if err != nil {
		return domain.LLMResult{}, Normalize(c.Slug(), err)
	}
	if status < 200 || status >= 300 {
		slog.Warn("provider non-2xx", slog.String("provider", c.Slug()), slog.String("op", "messages"),
			slog.Int("status", status), slog.String("body", snippet(respBody, 512)))
		return domain.LLMResult{}, NormalizeHTTP(c.Slug(), status, respBody)
	}

	var out struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.LLMResult{}, Normalize(c.Slug(), fmt.Errorf("decode response: %w", err))
	}
	if out.StopReason == "refusal" {
		return domain.LLMResult{}, domain.NewLLMError(c.Slug(), domain.CodeContentFiltered, "model refused the request", status, nil)
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	res := domain.LLMResult{Output: sb.String(), Model: out.Model, ResponseID: out.ID}
	if out.Usage != nil {
		res.Usage = &domain.TokenUsage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		}
	}
	return res, nil
}

// SubmitBackground always refuses; the Messages API has no background mode.
func (c *Anthropic) SubmitBackground(_ domain.Context, _ domain.LLMRequest, _ domain.ProviderConfig, _ string) (string, error) {
	return "", domain.NewLLMError(c.Slug(), domain.CodeBackgroundNotSupported, "anthropic does not support background execution", 0, nil)
}

// FetchResponse always refuses; there are no stored responses to fetch.
func (c *Anthropic) FetchResponse(_ domain.Context, _ domain.ProviderConfig, _ string) (domain.LLMResult, error) {
	return domain.LLMResult{}, domain.NewLLMError(c.Slug(), domain.CodeBackgroundNotSupported, "anthropic does not support background execution", 0, nil)
}

// VerifyWebhook checks the standard-webhooks signature on a callback.
func (c *Anthropic) VerifyWebhook(secret string, headers map[string][]string, body []byte) error {
	return verifyStandardWebhook(c.Slug(), secret, headers, body)
}

// ParseWebhook decodes a thin callback event.
func (c *Anthropic) ParseWebhook(body []byte) (domain.WebhookEvent, error) {
	evt, err := thinWebhookEvent(body)
	if err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("op=anthropic.parse_webhook: %w", err)
	}
	return evt, nil
}
