// Package provider implements the gateway clients for the configured LLM
// backends. Every failure leaving this package is a domain.LLMError carrying
// a normalized code; callers never branch on raw provider errors.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// tagCodes maps error tags reported in provider bodies onto the taxonomy.
// A recognized tag wins over the HTTP status mapping.
var tagCodes = map[string]domain.ErrorCode{
	"authentication_error":     domain.CodeAuthenticationFailed,
	"invalid_api_key":          domain.CodeAuthenticationFailed,
	"permission_error":         domain.CodeAuthenticationFailed,
	"rate_limit_error":         domain.CodeRateLimited,
	"rate_limit_exceeded":      domain.CodeRateLimited,
	"insufficient_quota":       domain.CodeRateLimited,
	"context_length_exceeded":  domain.CodeContextLengthExceeded,
	"request_too_large":        domain.CodeContextLengthExceeded,
	"max_tokens_exceeded":      domain.CodeContextLengthExceeded,
	"content_filter":           domain.CodeContentFiltered,
	"content_policy_violation": domain.CodeContentFiltered,
	"invalid_request_error":    domain.CodeInvalidRequest,
	"model_not_found":          domain.CodeModelNotFound,
	"not_found_error":          domain.CodeModelNotFound,
	"overloaded_error":         domain.CodeProviderUnavailable,
	"api_error":                domain.CodeProviderUnavailable,
	"service_unavailable":      domain.CodeProviderUnavailable,
	"timeout":                  domain.CodeTimeout,
}

func codeFromStatus(status int) domain.ErrorCode {
	switch status {
	case 400:
		return domain.CodeInvalidRequest
	case 401, 403:
		return domain.CodeAuthenticationFailed
	case 404:
		return domain.CodeModelNotFound
	case 408:
		return domain.CodeTimeout
	case 413:
		return domain.CodeContextLengthExceeded
	case 422:
		return domain.CodeInvalidRequest
	case 429:
		return domain.CodeRateLimited
	case 451:
		return domain.CodeContentFiltered
	case 503:
		return domain.CodeProviderUnavailable
	}
	if status >= 500 {
		return domain.CodeProviderUnavailable
	}
	return domain.CodeUnknown
}

// errorEnvelope covers the error body shapes of all wired providers: the
// OpenAI style nested object, the Anthropic top-level type, and the Mistral
// flat message.
type errorEnvelope struct {
	Error *struct {
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

func rawTag(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func parseErrorBody(body []byte) (tag, message string) {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", ""
	}
	if env.Error != nil {
		message = env.Error.Message
		if tag = rawTag(env.Error.Code); tag == "" {
			tag = env.Error.Type
		}
		return tag, message
	}
	message = env.Message
	if message == "" && len(env.Detail) > 0 {
		message = snippet(env.Detail, 256)
	}
	if tag = rawTag(env.Code); tag == "" {
		tag = env.Type
	}
	return tag, message
}

func snippet(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		s = s[:n]
	}
	return s
}

// NormalizeHTTP classifies a non-2xx provider response: error-body tags
// first, then the HTTP status.
func NormalizeHTTP(provider string, status int, body []byte) *domain.LLMError {
	tag, message := parseErrorBody(body)
	if message == "" {
		if message = snippet(body, 256); message == "" {
			message = fmt.Sprintf("http status %d", status)
		}
	}
	if code, ok := tagCodes[tag]; ok {
		return domain.NewLLMError(provider, code, message, status, nil)
	}
	return domain.NewLLMError(provider, codeFromStatus(status), message, status, nil)
}

// Normalize classifies a transport-level failure: already-normalized errors
// pass through, then the timeout heuristic, then the network heuristic,
// then UNKNOWN.
func Normalize(provider string, err error) *domain.LLMError {
	if le, ok := domain.AsLLMError(err); ok {
		return le
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewLLMError(provider, domain.CodeTimeout, msg, 0, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.NewLLMError(provider, domain.CodeTimeout, msg, 0, err)
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") {
		return domain.NewLLMError(provider, domain.CodeTimeout, msg, 0, err)
	}

	var oe *net.OpError
	if errors.As(err, &oe) {
		return domain.NewLLMError(provider, domain.CodeProviderUnavailable, msg, 0, err)
	}
	for _, hint := range []string{"connection refused", "connection reset", "no such host", "broken pipe", "eof"} {
		if strings.Contains(lower, hint) {
			return domain.NewLLMError(provider, domain.CodeProviderUnavailable, msg, 0, err)
		}
	}

	return domain.NewLLMError(provider, domain.CodeUnknown, msg, 0, err)
}
