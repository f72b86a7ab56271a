package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// webhookTolerance bounds how far a callback timestamp may drift from the
// broker clock before the delivery is rejected as a possible replay.
const webhookTolerance = 5 * time.Minute

// verifyStandardWebhook checks the standard-webhooks signature scheme:
// base64(hmac-sha256(secret, "{id}.{timestamp}.{body}")) carried in the
// webhook-signature header as space-separated "v1,<sig>" entries. Comparison
// is constant time via hmac.Equal.
func verifyStandardWebhook(provider, secret string, headers map[string][]string, body []byte) error {
	if secret == "" {
		return domain.NewLLMError(provider, domain.CodeWebhookVerificationFailed, "webhook secret not configured", 0, nil)
	}
	h := http.Header(headers)
	id := h.Get("webhook-id")
	ts := h.Get("webhook-timestamp")
	sigHeader := h.Get("webhook-signature")
	if id == "" || ts == "" || sigHeader == "" {
		return domain.NewLLMError(provider, domain.CodeWebhookVerificationFailed, "missing signature headers", 0, nil)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.NewLLMError(provider, domain.CodeWebhookVerificationFailed, "malformed timestamp", 0, err)
	}
	if drift := time.Since(time.Unix(unix, 0)); drift > webhookTolerance || drift < -webhookTolerance {
		return domain.NewLLMError(provider, domain.CodeWebhookVerificationFailed, "timestamp outside tolerance", 0, nil)
	}

	key := []byte(secret)
	if rest, found := strings.CutPrefix(secret, "whsec_"); found {
		if decoded, err := base64.StdEncoding.DecodeString(rest); err == nil {
			key = decoded
		}
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, part := range strings.Fields(sigHeader) {
		version, sig, ok := strings.Cut(part, ",")
		if ok && version == "v1" && hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return domain.NewLLMError(provider, domain.CodeWebhookVerificationFailed, "signature mismatch", 0, nil)
}

// thinWebhookEvent decodes the vendor-neutral callback shape: an event id, a
// dotted event type, and the response under data. The suffix of the event
// type picks the normalized kind. Payloads that embed the full result carry
// data.output_text and data.metadata.job_id; thin payloads carry only the id
// and the receiver fetches the body separately.
func thinWebhookEvent(body []byte) (domain.WebhookEvent, error) {
	var evt struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			ID         string `json:"id"`
			Model      string `json:"model"`
			OutputText string `json:"output_text"`
			Metadata   struct {
				JobID string `json:"job_id"`
			} `json:"metadata"`
			Usage *struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
				TotalTokens  int `json:"total_tokens"`
			} `json:"usage"`
		} `json:"data"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &evt); err != nil {
		return domain.WebhookEvent{}, err
	}
	out := domain.WebhookEvent{
		WebhookID:  evt.ID,
		EventType:  evt.Type,
		ResponseID: evt.Data.ID,
		JobID:      evt.Data.Metadata.JobID,
		Model:      evt.Data.Model,
		Raw:        body,
	}
	if evt.Data.OutputText != "" {
		out.Output = evt.Data.OutputText
		out.OutputPresent = true
	}
	if evt.Data.Usage != nil {
		out.Usage = &domain.TokenUsage{
			PromptTokens:     evt.Data.Usage.InputTokens,
			CompletionTokens: evt.Data.Usage.OutputTokens,
			TotalTokens:      evt.Data.Usage.TotalTokens,
		}
	}
	switch {
	case strings.HasSuffix(evt.Type, ".completed"):
		out.Kind = domain.WebhookCompleted
	case strings.HasSuffix(evt.Type, ".failed"), strings.HasSuffix(evt.Type, ".cancelled"):
		out.Kind = domain.WebhookFailed
		out.ErrorMessage = "provider reported failure"
	case strings.HasSuffix(evt.Type, ".incomplete"):
		out.Kind = domain.WebhookIncomplete
		out.ErrorMessage = "provider reported incomplete response"
	default:
		out.Kind = domain.WebhookUnknown
	}
	if evt.Error != nil {
		out.ErrorCode = evt.Error.Code
		if evt.Error.Message != "" {
			out.ErrorMessage = evt.Error.Message
		}
	}
	return out, nil
}

// ParseGenericWebhook decodes a callback without a vendor client; the DLQ
// replay driver uses it for payloads whose provider slug is no longer wired.
func ParseGenericWebhook(body []byte) (domain.WebhookEvent, error) {
	evt, err := thinWebhookEvent(body)
	if err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("op=provider.parse_webhook: %w", err)
	}
	return evt, nil
}

// FailureFromEvent normalizes a failed or incomplete callback into the
// taxonomy so the receiver can make its retry decision. Events without an
// embedded error code classify as UNKNOWN; the receiver fetches the full
// response for detail when one is available.
func FailureFromEvent(provider string, evt domain.WebhookEvent) *domain.LLMError {
	msg := evt.ErrorMessage
	if msg == "" {
		msg = "provider reported " + string(evt.Kind)
	}
	if evt.Kind == domain.WebhookIncomplete {
		code := domain.CodeUnknown
		switch evt.ErrorCode {
		case "max_output_tokens":
			code = domain.CodeContextLengthExceeded
		case "content_filter":
			code = domain.CodeContentFiltered
		}
		return domain.NewLLMError(provider, code, msg, 0, nil)
	}
	if code, ok := tagCodes[evt.ErrorCode]; ok {
		return domain.NewLLMError(provider, code, msg, 0, nil)
	}
	return domain.NewLLMError(provider, domain.CodeUnknown, msg, 0, nil)
}
