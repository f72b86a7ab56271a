// Package domain defines the job, provider and error model shared by the
// broker's adapters and usecases.
package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the normalized classification of a provider failure.
// Retryability is a fixed attribute of the code, never of the instance.
type ErrorCode string

const (
	CodeAuthenticationFailed       ErrorCode = "AUTHENTICATION_FAILED"
	CodeRateLimited                ErrorCode = "RATE_LIMITED"
	CodeContextLengthExceeded      ErrorCode = "CONTEXT_LENGTH_EXCEEDED"
	CodeContentFiltered            ErrorCode = "CONTENT_FILTERED"
	CodeInvalidRequest             ErrorCode = "INVALID_REQUEST"
	CodeModelNotFound              ErrorCode = "MODEL_NOT_FOUND"
	CodeProviderUnavailable        ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeTimeout                    ErrorCode = "TIMEOUT"
	CodeWebhookVerificationFailed  ErrorCode = "WEBHOOK_VERIFICATION_FAILED"
	CodeBackgroundNotSupported     ErrorCode = "BACKGROUND_NOT_SUPPORTED"
	CodeUnknown                    ErrorCode = "UNKNOWN"
)

// Retryable reports whether a failure with this code may be re-attempted.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeProviderUnavailable, CodeTimeout:
		return true
	}
	return false
}

// LLMError is a provider failure normalized into the broker taxonomy.
// The cause is kept for diagnostics only and is never serialized to
// clients.
type LLMError struct {
	Code       ErrorCode
	Provider   string
	Message    string
	StatusCode int
	Retryable  bool
	cause      error
}

func NewLLMError(provider string, code ErrorCode, message string, statusCode int, cause error) *LLMError {
	return &LLMError{
		Code:       code,
		Provider:   provider,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  code.Retryable(),
		cause:      cause,
	}
}

// Error renders the stored error_message form: "[CODE] detail".
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LLMError) Unwrap() error { return e.cause }

// AsLLMError unwraps err to the taxonomy, if it carries one.
func AsLLMError(err error) (*LLMError, bool) {
	var le *LLMError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// ErrorCodeOf returns the normalized code, CodeUnknown when untagged.
func ErrorCodeOf(err error) ErrorCode {
	if le, ok := AsLLMError(err); ok {
		return le.Code
	}
	return CodeUnknown
}

// IsRetryable reports the retry policy decision for a provider failure.
// Untagged errors are not retryable.
func IsRetryable(err error) bool {
	if le, ok := AsLLMError(err); ok {
		return le.Retryable
	}
	return false
}

// LLMRequest is the provider-agnostic call shape built from a job payload
// with the model already resolved.
type LLMRequest struct {
	Prompt       string
	SystemPrompt string
	Messages     []ChatMessage
	Input        map[string]any
	Model        string
	APIMethod    string
}

// LLMRequest builds the gateway request for the job; Model is left as the
// payload's choice and resolved against the catalog by the caller.
func (j Job) LLMRequest() LLMRequest {
	return LLMRequest{
		Prompt:       j.Payload.Prompt,
		SystemPrompt: j.Payload.SystemPrompt,
		Messages:     j.Payload.Messages,
		Input:        j.Payload.Input,
		Model:        j.Payload.Model,
		APIMethod:    j.Payload.APIMethod,
	}
}

// LLMResult is a normalized provider response.
type LLMResult struct {
	Output     string
	Model      string
	ResponseID string
	Usage      *TokenUsage
}

func (r LLMResult) JobResult() JobResult {
	return JobResult{Output: r.Output, Model: r.Model, Usage: r.Usage}
}

// WebhookEventKind is the normalized callback discriminator.
type WebhookEventKind string

const (
	WebhookCompleted  WebhookEventKind = "completed"
	WebhookFailed     WebhookEventKind = "failed"
	WebhookIncomplete WebhookEventKind = "incomplete"
	WebhookUnknown    WebhookEventKind = "unknown"
)

// WebhookEvent is a parsed provider callback. Raw keeps the verbatim body
// for DLQ filing; Output is populated only when the payload carried the
// full response.
type WebhookEvent struct {
	WebhookID     string
	EventType     string
	Kind          WebhookEventKind
	ResponseID    string
	JobID         string
	Output        string
	OutputPresent bool
	Model         string
	Usage         *TokenUsage
	ErrorCode     string
	ErrorMessage  string
	Raw           []byte
}

// ProviderClient (port)
// One per backend. Complete is the synchronous path; SubmitBackground and
// FetchResponse serve the async provider; webhook helpers verify and parse
// callbacks without touching broker state.
type ProviderClient interface {
	Slug() string
	Kind() ProviderKind
	Complete(ctx Context, req LLMRequest, cfg ProviderConfig) (LLMResult, error)
	SubmitBackground(ctx Context, req LLMRequest, cfg ProviderConfig, jobID string) (string, error)
	FetchResponse(ctx Context, cfg ProviderConfig, responseID string) (LLMResult, error)
	VerifyWebhook(secret string, headers map[string][]string, body []byte) error
	ParseWebhook(body []byte) (WebhookEvent, error)
}

// ProviderRegistry resolves a catalog slug to its client.
type ProviderRegistry interface {
	Client(slug string) (ProviderClient, bool)
}
