package provider

import (
	"time"

	"github.com/fairyhunter13/llm-job-broker/internal/config"
	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/observability"
)

// Registry resolves catalog slugs to their wired clients. Every client is
// wrapped in a per-provider circuit breaker and request metrics.
type Registry struct {
	clients map[string]domain.ProviderClient
}

// NewRegistry builds the registry from the app config.
func NewRegistry(cfg config.Config) *Registry {
	return newRegistry(
		NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL),
		NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL),
		NewMistral(cfg.MistralAPIKey, cfg.MistralBaseURL),
	)
}

func newRegistry(clients ...domain.ProviderClient) *Registry {
	m := make(map[string]domain.ProviderClient, len(clients))
	for _, c := range clients {
		m[c.Slug()] = &guardedClient{ProviderClient: c, cb: NewCircuitBreaker(c.Slug())}
	}
	return &Registry{clients: m}
}

// Client returns the client registered for a slug.
func (r *Registry) Client(slug string) (domain.ProviderClient, bool) {
	c, ok := r.clients[slug]
	return c, ok
}

// guardedClient wraps a client with the circuit breaker and metrics. Webhook
// verification and parsing bypass the breaker; they are local operations.
type guardedClient struct {
	domain.ProviderClient
	cb *CircuitBreaker
}

func (g *guardedClient) open() error {
	return domain.NewLLMError(g.Slug(), domain.CodeProviderUnavailable, "circuit breaker open", 0, nil)
}

// record feeds the breaker. A non-retryable failure still proves the
// provider answered, so only infrastructure-class failures count against it.
func (g *guardedClient) record(op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(domain.ErrorCodeOf(err))
	}
	observability.ObserveLLMRequest(g.Slug(), op, outcome, time.Since(start))

	if err != nil && domain.IsRetryable(err) {
		g.cb.RecordFailure()
		return
	}
	g.cb.RecordSuccess()
}

func (g *guardedClient) Complete(ctx domain.Context, req domain.LLMRequest, cfg domain.ProviderConfig) (domain.LLMResult, error) {
	if !g.cb.ShouldAttempt() {
		return domain.LLMResult{}, g.open()
	}
	start := time.Now()
	res, err := g.ProviderClient.Complete(ctx, req, cfg)
	g.record("complete", start, err)
	return res, err
}

func (g *guardedClient) SubmitBackground(ctx domain.Context, req domain.LLMRequest, cfg domain.ProviderConfig, jobID string) (string, error) {
	if !g.cb.ShouldAttempt() {
		return "", g.open()
	}
	start := time.Now()
	id, err := g.ProviderClient.SubmitBackground(ctx, req, cfg, jobID)
	g.record("submit_background", start, err)
	return id, err
}

func (g *guardedClient) FetchResponse(ctx domain.Context, cfg domain.ProviderConfig, responseID string) (domain.LLMResult, error) {
	if !g.cb.ShouldAttempt() {
		return domain.LLMResult{}, g.open()
	}
	start := time.Now()
	res, err := g.ProviderClient.FetchResponse(ctx, cfg, responseID)
	g.record("fetch_response", start, err)
	return res, err
}
