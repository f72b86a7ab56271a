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

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// OpenAI serves the Responses API, including background submissions whose
// results arrive over the webhook receiver. The legacy chat completions
// surface stays available through the payload's api_method.
type OpenAI struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

// NewOpenAI constructs the client. An empty baseURL selects the public API.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return &OpenAI{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), hc: newHTTPClient()}
}

func (c *OpenAI) Slug() string              { return "openai" }
func (c *OpenAI) Kind() domain.ProviderKind { return domain.ProviderAsync }

func (c *OpenAI) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

type openaiResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Model  string `json:"model"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (r openaiResponse) text() string {
	var sb strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				sb.WriteString(part.Text)
			}
		}
	}
	return sb.String()
}

func (c *OpenAI) responsesBody(req domain.LLMRequest, cfg domain.ProviderConfig, background bool, jobID string) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = cfg.DefaultModel()
	}
	body := map[string]any{"model": model}
	if len(req.Messages) > 0 {
		items := make([]map[string]any, 0, len(req.Messages))
		for _, m := range req.Messages {
			items = append(items, map[string]any{"role": m.Role, "content": m.Content})
		}
		body["input"] = items
	} else {
		body["input"] = req.Prompt
	}
	if req.SystemPrompt != "" {
		body["instructions"] = req.SystemPrompt
	}
	if mot := cfg.MaxOutputTokens(); mot > 0 {
		body["max_output_tokens"] = mot
	}
	if background {
		body["background"] = true
		body["metadata"] = map[string]string{"job_id": jobID}
	}
	mergeInput(body, req.Input)
	return json.Marshal(body)
}

// resultFromResponse turns a decoded Responses API payload into an LLMResult,
// classifying terminal non-success statuses into the taxonomy.
func (c *OpenAI) resultFromResponse(out openaiResponse) (domain.LLMResult, error) {
	switch out.Status {
	case "completed":
	case "failed":
		code := domain.CodeUnknown
		msg := "response failed"
		if out.Error != nil {
			msg = out.Error.Message
			if mapped, ok := tagCodes[out.Error.Code]; ok {
				code = mapped
			}
		}
		return domain.LLMResult{}, domain.NewLLMError(c.Slug(), code, msg, 0, nil)
	case "incomplete":
		reason := ""
		if out.IncompleteDetails != nil {
			reason = out.IncompleteDetails.Reason
		}
		code := domain.CodeUnknown
		switch reason {
		case "max_output_tokens":
			code = domain.CodeContextLengthExceeded
		case "content_filter":
			code = domain.CodeContentFiltered
		}
		return domain.LLMResult{}, domain.NewLLMError(c.Slug(), code, "response incomplete: "+reason, 0, nil)
	case "queued", "in_progress":
		// Not settled yet; retryable so the job comes back around.
		return domain.LLMResult{}, domain.NewLLMError(c.Slug(), domain.CodeProviderUnavailable, "response not ready: "+out.Status, 0, nil)
	default:
		return domain.LLMResult{}, domain.NewLLMError(c.Slug(), domain.CodeUnknown, "unexpected response status "+out.Status, 0, nil)
	}

	res := domain.LLMResult{Output: out.text(), Model: out.Model, ResponseID: out.ID}
	if out.Usage != nil {
		res.Usage = &domain.TokenUsage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.TotalTokens,
		}
	}
	return res, nil
}

// Complete runs one foreground call. api_method selects between the
// Responses API and chat completions.
func (c *OpenAI) Complete(ctx domain.Context, req domain.LLMRequest, cfg domain.ProviderConfig) (domain.LLMResult, error) {
	switch req.APIMethod {
	case "", "responses":
		return c.completeResponses(ctx, req, cfg)
	case "chat":
		return c.completeChat(ctx, req, cfg)
	default:
		return domain.LLMResult{}, domain.NewLLMError(c.Slug(), domain.CodeInvalidRequest, "unsupported api_method "+req.APIMethod, 0, nil)
	}
}

func (c *OpenAI) completeResponses(ctx domain.Context, req domain.LLMRequest, cfg domain.ProviderConfig) (domain.LLMResult, error) {
	payload, err := c.responsesBody(req, cfg, false, "")
	if err != nil {
		return domain.LLMResult{}, Normalize(c.Slug(), err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	status, body, err := doJSON(ctx, c.hc, http.MethodPost, c.baseURL+"/responses", c.headers(), payload)
	if err != nil {
		return domain.LLMResult{}, Normalize(c.Slug(), err)
	}
	if status < 200 || status >= 300 {
		slog.Warn("provider non-2xx", slog.String("provider", c.Slug()), slog.String("op", "responses"),
			slog.Int("status", status), slog.String("body", snippet(body, 512)))
		return domain.LLMResult{}, NormalizeHTTP(c.Slug(), status, body)
	}
	var out openaiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.LLMResult{}, Normalize(c.Slug(), fmt.Errorf("decode response: %w", err))
	}
	return c.resultFromResponse(out)
}

func (c *OpenAI) completeChat(ctx domain.Context, req domain.LLMRequest, cfg domain.ProviderConfig) (domain.LLMResult, error) {
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

// SubmitBackground starts a background response and returns the provider
// response id without waiting for completion.
func (c *OpenAI) SubmitBackground(ctx domain.Context, req domain.LLMRequest, cfg domain.ProviderConfig, jobID string) (string, error) {
	if req.APIMethod == "chat" {
		return "", domain.NewLLMError(c.Slug(), domain.CodeBackgroundNotSupported, "chat completions cannot run in background", 0, nil)
	}
	payload, err := c.responsesBody(req, cfg, true, jobID)
	if err != nil {
		return "", Normalize(c.Slug(), err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	status, body, err := doJSON(ctx, c.hc, http.MethodPost, c.baseURL+"/responses", c.headers(), payload)
	if err != nil {
		return "", Normalize(c.Slug(), err)
	}
	if status < 200 || status >= 300 {
		slog.Warn("provider non-2xx", slog.String("provider", c.Slug()), slog.String("op", "submit_background"),
			slog.Int("status", status), slog.String("body", snippet(body, 512)))
		return "", NormalizeHTTP(c.Slug(), status, body)
	}
	var out openaiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", Normalize(c.Slug(), fmt.Errorf("decode response: %w", err))
	}
	if out.ID == "" {
		return "", domain.NewLLMError(c.Slug(), domain.CodeUnknown, "submission returned no response id", 0, nil)
	}
	return out.ID, nil
}

// FetchResponse retrieves a settled background response by id.
func (c *OpenAI) FetchResponse(ctx domain.Context, cfg domain.ProviderConfig, responseID string) (domain.LLMResult, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	status, body, err := doJSON(ctx, c.hc, http.MethodGet, c.baseURL+"/responses/"+responseID, c.headers(), nil)
	if err != nil {
		return domain.LLMResult{}, Normalize(c.Slug(), err)
	}
	if status < 200 || status >= 300 {
		slog.Warn("provider non-2xx", slog.String("provider", c.Slug()), slog.String("op", "fetch_response"),
			slog.Int("status", status), slog.String("body", snippet(body, 512)))
		return domain.LLMResult{}, NormalizeHTTP(c.Slug(), status, body)
	}
	var out openaiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.LLMResult{}, Normalize(c.Slug(), fmt.Errorf("decode response: %w", err))
	}
	return c.resultFromResponse(out)
}

// VerifyWebhook checks the standard-webhooks signature on a callback.
func (c *OpenAI) VerifyWebhook(secret string, headers map[string][]string, body []byte) error {
	return verifyStandardWebhook(c.Slug(), secret, headers, body)
}

// ParseWebhook decodes a callback. OpenAI events are thin: they identify the
// response but never carry its output, so OutputPresent stays false and the
// receiver fetches the result separately.
func (c *OpenAI) ParseWebhook(body []byte) (domain.WebhookEvent, error) {
	var evt struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &evt); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("op=openai.parse_webhook: %w", err)
	}
	out := domain.WebhookEvent{
		WebhookID:  evt.ID,
		EventType:  evt.Type,
		ResponseID: evt.Data.ID,
		Raw:        body,
	}
	switch evt.Type {
	case "response.completed":
		out.Kind = domain.WebhookCompleted
	case "response.failed":
		out.Kind = domain.WebhookFailed
		out.ErrorMessage = "provider reported failure"
	case "response.incomplete":
		out.Kind = domain.WebhookIncomplete
		out.ErrorMessage = "provider reported incomplete response"
	case "response.cancelled":
		out.Kind = domain.WebhookFailed
		out.ErrorMessage = "response cancelled at provider"
	default:
		out.Kind = domain.WebhookUnknown
	}
	return out, nil
}
