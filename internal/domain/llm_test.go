package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeRetryable(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		retryable bool
	}{
		{CodeAuthenticationFailed, false},
		{CodeRateLimited, true},
		{CodeContextLengthExceeded, false},
		{CodeContentFiltered, false},
		{CodeInvalidRequest, false},
		{CodeModelNotFound, false},
		{CodeProviderUnavailable, true},
		{CodeTimeout, true},
		{CodeWebhookVerificationFailed, false},
		{CodeBackgroundNotSupported, false},
		{CodeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.Retryable(); got != tt.retryable {
				t.Errorf("Retryable(%s) = %v, want %v", tt.code, got, tt.retryable)
			}
		})
	}
}

func TestLLMErrorMessage(t *testing.T) {
	err := NewLLMError("openai", CodeRateLimited, "quota exceeded for model", 429, nil)
	if got := err.Error(); got != "[RATE_LIMITED] quota exceeded for model" {
		t.Errorf("Error() = %q", got)
	}
	if !err.Retryable {
		t.Error("RATE_LIMITED must be retryable")
	}
	if err.StatusCode != 429 {
		t.Errorf("StatusCode = %d", err.StatusCode)
	}
}

func TestLLMErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := NewLLMError("mistral", CodeProviderUnavailable, "upstream unreachable", 0, cause)
	if !errors.Is(err, cause) {
		t.Error("cause should survive wrapping")
	}

	wrapped := fmt.Errorf("op=worker.process: %w", err)
	le, ok := AsLLMError(wrapped)
	if !ok {
		t.Fatal("AsLLMError should find the taxonomy through wrapping")
	}
	if le.Code != CodeProviderUnavailable {
		t.Errorf("Code = %s", le.Code)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewLLMError("openai", CodeTimeout, "deadline exceeded", 0, nil)) {
		t.Error("TIMEOUT should be retryable")
	}
	if IsRetryable(NewLLMError("openai", CodeContentFiltered, "blocked", 451, nil)) {
		t.Error("CONTENT_FILTERED should not be retryable")
	}
	if IsRetryable(errors.New("plain error")) {
		t.Error("untagged errors are not retryable")
	}
}

func TestErrorCodeOf(t *testing.T) {
	if got := ErrorCodeOf(NewLLMError("anthropic", CodeModelNotFound, "no such model", 404, nil)); got != CodeModelNotFound {
		t.Errorf("ErrorCodeOf = %s", got)
	}
	if got := ErrorCodeOf(errors.New("boom")); got != CodeUnknown {
		t.Errorf("ErrorCodeOf(plain) = %s", got)
	}
}

func TestJobLLMRequest(t *testing.T) {
	j := Job{
		Payload: JobPayload{
			Prompt:       "hello",
			SystemPrompt: "be brief",
			Messages:     []ChatMessage{{Role: "user", Content: "hi"}},
			Input:        map[string]any{"temperature": 0.2},
			Model:        "small-1",
			APIMethod:    "responses",
		},
	}

	req := j.LLMRequest()
	if req.Prompt != "hello" || req.SystemPrompt != "be brief" {
		t.Error("prompt fields should carry over")
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Error("messages should carry over")
	}
	if req.Model != "small-1" || req.APIMethod != "responses" {
		t.Error("model selection should carry over")
	}
}

func TestLLMResultJobResult(t *testing.T) {
	res := LLMResult{
		Output:     "Hi",
		Model:      "small-1",
		ResponseID: "resp_1",
		Usage:      &TokenUsage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3},
	}

	jr := res.JobResult()
	if jr.Output != "Hi" || jr.Model != "small-1" {
		t.Error("output fields should carry over")
	}
	if jr.Usage == nil || jr.Usage.TotalTokens != 3 {
		t.Error("usage should carry over")
	}
}
