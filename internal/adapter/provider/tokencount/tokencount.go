// Package tokencount estimates token counts for LLM requests.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library. The
// broker uses the estimate as a preflight against a provider's context
// window, so a request that cannot fit fails before any tokens are bought.
package tokencount

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// Counter provides thread-safe token counting for LLM models.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

// getEncodingForModel returns the appropriate tiktoken encoding for a model.
// It caches encodings for performance.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalizedModel := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalizedModel)
	if err != nil {
		// cl100k_base covers GPT-4-era and most modern models closely enough
		// for a preflight estimate.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalizedModel] = enc
	return enc, nil
}

// normalizeModelName converts model IDs to tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)

	// Strip vendor prefixes like "mistralai/mistral-small-latest"
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(model, "claude"):
		// Claude tokenizes differently but cl100k_base is a close estimate
		return "gpt-4"
	case strings.Contains(model, "mistral"):
		return "gpt-4"
	default:
		return "gpt-4"
	}
}

// CountTokens counts the number of tokens in a text string for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}

	tokens := enc.Encode(text, nil, nil)
	return len(tokens), nil
}

// CountRequestTokens estimates the prompt-side token count of a request,
// including per-message structure overhead used by chat-shaped APIs.
func (c *Counter) CountRequestTokens(req domain.LLMRequest, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}

	// 3 tokens per message plus 1 for the role, plus 3 priming tokens for
	// the reply, per the OpenAI token counting cookbook.
	const tokensPerMessage = 3
	const tokensPerRole = 1

	count := func(role, content string) int {
		n := tokensPerMessage + tokensPerRole
		n += len(enc.Encode(role, nil, nil))
		n += len(enc.Encode(content, nil, nil))
		return n
	}

	numTokens := 0
	if req.SystemPrompt != "" {
		numTokens += count("system", req.SystemPrompt)
	}
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			numTokens += count(m.Role, m.Content)
		}
	} else {
		numTokens += count("user", req.Prompt)
	}
	numTokens += 3

	return numTokens, nil
}

// EstimateRequestTokens estimates with the default counter, falling back to
// a rough 4-chars-per-token heuristic when no encoding is available.
func EstimateRequestTokens(req domain.LLMRequest, model string) int {
	n, err := DefaultCounter.CountRequestTokens(req, model)
	if err == nil {
		return n
	}
	chars := len(req.SystemPrompt) + len(req.Prompt)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return chars / 4
}
