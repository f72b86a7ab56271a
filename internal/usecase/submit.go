// Package usecase contains the application services behind the HTTP and
// worker surfaces: job submission, dispatch processing, callback handling
// and status reads.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"unicode/utf8"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/observability"
)

const (
	// maxPromptChars bounds the submitted prompt (or the combined message
	// contents) in runes.
	maxPromptChars = 100_000
	maxFeatureLen  = 100
)

var featurePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SubmitRequest is the validated ingress body plus the authenticated
// principal resolved by the HTTP layer.
type SubmitRequest struct {
	Prompt       string
	SystemPrompt string
	Messages     []domain.ChatMessage
	Input        map[string]any
	Model        string
	APIMethod    string
	ProviderSlug string
	Feature      string
	Background   bool
	Context      map[string]any
}

// SubmitResponse is the accepted-job envelope returned with 202.
type SubmitResponse struct {
	JobID     string
	Status    domain.JobStatus
	RateLimit domain.RateLimitResult
}

// SubmitService accepts jobs: validate, charge quota, persist, enqueue.
// The job row is created before the queue message so a worker can never
// read a message whose job is missing.
type SubmitService struct {
	Jobs      domain.JobStore
	Queue     domain.DispatchQueue
	Providers domain.ProviderCatalog
	Limiter   domain.RateLimiter
	// EstimateTokens sizes the prompt for the context-window preflight;
	// nil skips the check.
	EstimateTokens func(req domain.LLMRequest, model string) int
	// DefaultProvider serves submissions without an explicit provider_slug.
	DefaultProvider string
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(j domain.JobStore, q domain.DispatchQueue, p domain.ProviderCatalog, l domain.RateLimiter) SubmitService {
	return SubmitService{Jobs: j, Queue: q, Providers: p, Limiter: l, DefaultProvider: "openai"}
}

// Submit runs the ingress pipeline for one authenticated request. Validation
// failures wrap domain.ErrInvalidArgument; quota exhaustion wraps
// domain.ErrRateLimited and carries the counter state in the response.
func (s SubmitService) Submit(ctx domain.Context, id domain.Identity, req SubmitRequest) (SubmitResponse, error) {
	if id.TenantID == "" {
		return SubmitResponse{}, fmt.Errorf("%w: missing tenant", domain.ErrForbidden)
	}
	if err := validateSubmit(req); err != nil {
		return SubmitResponse{}, err
	}

	slug := req.ProviderSlug
	if slug == "" {
		slug = s.DefaultProvider
	}
	cfg, err := s.Providers.Get(ctx, slug)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return SubmitResponse{}, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidArgument, slug)
		}
		return SubmitResponse{}, err
	}
	if !cfg.Active {
		return SubmitResponse{}, fmt.Errorf("%w: provider %q is inactive", domain.ErrInvalidArgument, slug)
	}
	if req.Background && cfg.Kind != domain.ProviderAsync {
		return SubmitResponse{}, fmt.Errorf("%w by provider %q", domain.ErrBackgroundNotSupported, slug)
	}

	model := req.Model
	if model == "" {
		model = cfg.DefaultModel()
	}
	if model == "" {
		return SubmitResponse{}, fmt.Errorf("%w: no model for provider %q", domain.ErrInvalidArgument, slug)
	}
	if window := cfg.ContextWindow(); window > 0 && s.EstimateTokens != nil {
		est := s.EstimateTokens(llmRequestFor(req), model)
		if est > window {
			return SubmitResponse{}, fmt.Errorf("%w: prompt is about %d tokens, over the %d token window of %q",
				domain.ErrInvalidArgument, est, window, model)
		}
	}

	rl, err := s.Limiter.Increment(ctx, id.TenantID)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			// Counter state rides along so the handler can render the
			// rate_limit block on the 429.
			return SubmitResponse{RateLimit: rl}, err
		}
		return SubmitResponse{}, err
	}

	job := domain.Job{
		TenantID:     id.TenantID,
		UserID:       id.UserID,
		ProviderSlug: slug,
		Feature:      req.Feature,
		Status:       domain.JobQueued,
		Payload: domain.JobPayload{
			Prompt:       req.Prompt,
			SystemPrompt: req.SystemPrompt,
			Messages:     req.Messages,
			Input:        req.Input,
			Model:        req.Model,
			APIMethod:    req.APIMethod,
			Background:   req.Background,
		},
		Context: req.Context,
	}
	jobID, err := s.Jobs.Create(ctx, job)
	if err != nil {
		return SubmitResponse{}, err
	}

	if _, err := s.Queue.Enqueue(ctx, jobID); err != nil {
		// The row exists but nothing will ever dispatch it; close it out
		// so the tenant is not left with a forever-queued job.
		if _, markErr := s.Jobs.MarkExhausted(ctx, jobID, domain.JobQueued, "enqueue failed"); markErr != nil {
			slog.Error("failed to close out job after enqueue failure",
				slog.String("job_id", jobID), slog.Any("error", markErr))
		}
		return SubmitResponse{}, err
	}

	observability.JobSubmitted(slug)
	slog.Info("job accepted",
		slog.String("job_id", jobID),
		slog.String("tenant_id", id.TenantID),
		slog.String("provider", slug),
		slog.Bool("background", req.Background))
	return SubmitResponse{JobID: jobID, Status: domain.JobQueued, RateLimit: rl}, nil
}

func validateSubmit(req SubmitRequest) error {
	length := utf8.RuneCountInString(req.Prompt)
	if len(req.Messages) > 0 {
		if req.Prompt != "" {
			return fmt.Errorf("%w: prompt and messages are mutually exclusive", domain.ErrInvalidArgument)
		}
		length = 0
		for _, m := range req.Messages {
			if m.Role == "" || m.Content == "" {
				return fmt.Errorf("%w: messages need role and content", domain.ErrInvalidArgument)
			}
			length += utf8.RuneCountInString(m.Content)
		}
	}
	if length < 1 {
		return fmt.Errorf("%w: prompt is required", domain.ErrInvalidArgument)
	}
	if length > maxPromptChars {
		return fmt.Errorf("%w: prompt exceeds %d characters", domain.ErrInvalidArgument, maxPromptChars)
	}
	if req.Feature != "" {
		if len(req.Feature) > maxFeatureLen || !featurePattern.MatchString(req.Feature) {
			return fmt.Errorf("%w: invalid feature tag", domain.ErrInvalidArgument)
		}
	}
	return nil
}

func llmRequestFor(req SubmitRequest) domain.LLMRequest {
	return domain.LLMRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Messages:     req.Messages,
		Input:        req.Input,
		Model:        req.Model,
		APIMethod:    req.APIMethod,
	}
}
