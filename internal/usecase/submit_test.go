package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

func syncProvider(slug string) domain.ProviderConfig {
	return domain.ProviderConfig{
		Slug:       slug,
		Kind:       domain.ProviderSync,
		Active:     true,
		MaxRetries: 2,
		Config:     map[string]any{"default_model": "small-1"},
	}
}

func asyncProvider(slug string) domain.ProviderConfig {
	cfg := syncProvider(slug)
	cfg.Kind = domain.ProviderAsync
	return cfg
}

func TestSubmit_AcceptsJob(t *testing.T) {
	jobs := &fakeJobs{createID: "job-42"}
	queue := &fakeQueue{}
	limiter := &fakeLimiter{res: domain.RateLimitResult{Used: 3, Quota: 1000}}
	catalog := fakeCatalog{cfgs: map[string]domain.ProviderConfig{"sync-a": syncProvider("sync-a")}}
	svc := NewSubmitService(jobs, queue, catalog, limiter)

	resp, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1", UserID: "u1"}, SubmitRequest{
		Prompt:       "Hello",
		ProviderSlug: "sync-a",
		Feature:      "scoring",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-42", resp.JobID)
	assert.Equal(t, domain.JobQueued, resp.Status)
	assert.Equal(t, 3, resp.RateLimit.Used)
	assert.Equal(t, 997, resp.RateLimit.Remaining())

	require.Len(t, jobs.created, 1)
	created := jobs.created[0]
	assert.Equal(t, "t1", created.TenantID)
	assert.Equal(t, "u1", created.UserID)
	assert.Equal(t, "sync-a", created.ProviderSlug)
	assert.Equal(t, "scoring", created.Feature)
	assert.Equal(t, domain.JobQueued, created.Status)
	assert.Equal(t, "Hello", created.Payload.Prompt)

	require.Equal(t, []string{"enqueue"}, queue.calls)
	assert.Equal(t, []string{"job-42"}, queue.enqueued)
	assert.Equal(t, []string{"t1"}, limiter.tenants)
}

func TestSubmit_DefaultsProviderSlug(t *testing.T) {
	jobs := &fakeJobs{}
	queue := &fakeQueue{}
	catalog := fakeCatalog{cfgs: map[string]domain.ProviderConfig{"openai": asyncProvider("openai")}}
	svc := NewSubmitService(jobs, queue, catalog, &fakeLimiter{})

	_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{Prompt: "hi"})
	require.NoError(t, err)
	require.Len(t, jobs.created, 1)
	assert.Equal(t, "openai", jobs.created[0].ProviderSlug)
}

func TestSubmit_Validation(t *testing.T) {
	cases := []struct {
		name string
		req  SubmitRequest
		want string
	}{
		{"empty prompt", SubmitRequest{}, "prompt is required"},
		{"prompt too long", SubmitRequest{Prompt: strings.Repeat("a", maxPromptChars+1)}, "exceeds"},
		{"feature with spaces", SubmitRequest{Prompt: "hi", Feature: "bad feature"}, "feature"},
		{"feature too long", SubmitRequest{Prompt: "hi", Feature: strings.Repeat("f", 101)}, "feature"},
		{"prompt and messages", SubmitRequest{
			Prompt:   "hi",
			Messages: []domain.ChatMessage{{Role: "user", Content: "also"}},
		}, "mutually exclusive"},
		{"message missing role", SubmitRequest{
			Messages: []domain.ChatMessage{{Content: "no role"}},
		}, "role and content"},
		{"messages too long combined", SubmitRequest{
			Messages: []domain.ChatMessage{
				{Role: "user", Content: strings.Repeat("a", maxPromptChars)},
				{Role: "user", Content: "x"},
			},
		}, "exceeds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewSubmitService(&fakeJobs{}, &fakeQueue{}, fakeCatalog{}, &fakeLimiter{})
			_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, tc.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSubmit_MultibytePromptCountsRunes(t *testing.T) {
	// 100 000 multibyte runes are within the limit even though the byte
	// count is triple that.
	prompt := strings.Repeat("あ", maxPromptChars)
	catalog := fakeCatalog{cfgs: map[string]domain.ProviderConfig{"openai": syncProvider("openai")}}
	svc := NewSubmitService(&fakeJobs{}, &fakeQueue{}, catalog, &fakeLimiter{})

	_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{Prompt: prompt})
	require.NoError(t, err)
}

func TestSubmit_UnknownProvider(t *testing.T) {
	svc := NewSubmitService(&fakeJobs{}, &fakeQueue{}, fakeCatalog{cfgs: map[string]domain.ProviderConfig{}}, &fakeLimiter{})

	_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{Prompt: "hi", ProviderSlug: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestSubmit_InactiveProvider(t *testing.T) {
	cfg := syncProvider("sync-a")
	cfg.Active = false
	svc := NewSubmitService(&fakeJobs{}, &fakeQueue{}, fakeCatalog{cfgs: map[string]domain.ProviderConfig{"sync-a": cfg}}, &fakeLimiter{})

	_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{Prompt: "hi", ProviderSlug: "sync-a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "inactive")
}

func TestSubmit_BackgroundRequiresAsyncProvider(t *testing.T) {
	limiter := &fakeLimiter{}
	catalog := fakeCatalog{cfgs: map[string]domain.ProviderConfig{"sync-a": syncProvider("sync-a")}}
	svc := NewSubmitService(&fakeJobs{}, &fakeQueue{}, catalog, limiter)

	_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{
		Prompt:       "hi",
		ProviderSlug: "sync-a",
		Background:   true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.ErrorIs(t, err, domain.ErrBackgroundNotSupported)
	assert.Contains(t, err.Error(), "background")
	// Rejected before the quota is charged.
	assert.Empty(t, limiter.tenants)
}

func TestSubmit_BackgroundOnAsyncProvider(t *testing.T) {
	jobs := &fakeJobs{}
	catalog := fakeCatalog{cfgs: map[string]domain.ProviderConfig{"openai": asyncProvider("openai")}}
	svc := NewSubmitService(jobs, &fakeQueue{}, catalog, &fakeLimiter{})

	_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{
		Prompt:     "hi",
		Background: true,
	})
	require.NoError(t, err)
	require.Len(t, jobs.created, 1)
	assert.True(t, jobs.created[0].Payload.Background)
}

func TestSubmit_QuotaExhausted(t *testing.T) {
	jobs := &fakeJobs{}
	limiter := &fakeLimiter{
		res: domain.RateLimitResult{Used: 1000, Quota: 1000},
		err: domain.ErrRateLimited,
	}
	catalog := fakeCatalog{cfgs: map[string]domain.ProviderConfig{"sync-a": syncProvider("sync-a")}}
	svc := NewSubmitService(jobs, &fakeQueue{}, catalog, limiter)

	resp, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{Prompt: "hi", ProviderSlug: "sync-a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	// Counter state rides along for the 429 body.
	assert.Equal(t, 1000, resp.RateLimit.Used)
	assert.Equal(t, 0, resp.RateLimit.Remaining())
	assert.Empty(t, jobs.created)
}

func TestSubmit_ContextWindowPreflight(t *testing.T) {
	cfg := syncProvider("sync-a")
	cfg.Config["context_window"] = 100
	limiter := &fakeLimiter{}
	svc := NewSubmitService(&fakeJobs{}, &fakeQueue{}, fakeCatalog{cfgs: map[string]domain.ProviderConfig{"sync-a": cfg}}, limiter)
	svc.EstimateTokens = func(req domain.LLMRequest, model string) int { return 101 }

	_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{Prompt: "hi", ProviderSlug: "sync-a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "token window")
	// Oversized prompts are rejected before the quota is charged.
	assert.Empty(t, limiter.tenants)
}

func TestSubmit_NoModelAnywhere(t *testing.T) {
	cfg := syncProvider("sync-a")
	delete(cfg.Config, "default_model")
	svc := NewSubmitService(&fakeJobs{}, &fakeQueue{}, fakeCatalog{cfgs: map[string]domain.ProviderConfig{"sync-a": cfg}}, &fakeLimiter{})

	_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{Prompt: "hi", ProviderSlug: "sync-a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "no model")
}

func TestSubmit_EnqueueFailureClosesJob(t *testing.T) {
	jobs := &fakeJobs{createID: "job-9"}
	queue := &fakeQueue{enqErr: errors.New("queue down")}
	catalog := fakeCatalog{cfgs: map[string]domain.ProviderConfig{"sync-a": syncProvider("sync-a")}}
	svc := NewSubmitService(jobs, queue, catalog, &fakeLimiter{})

	_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{Prompt: "hi", ProviderSlug: "sync-a"})
	require.Error(t, err)
	// The orphaned row is closed out so it does not sit queued forever.
	assert.Contains(t, jobs.calls, "mark_exhausted")
	assert.Contains(t, jobs.msgs["mark_exhausted"], "enqueue failed")
}

func TestSubmit_CreatesRowBeforeEnqueue(t *testing.T) {
	jobs := &fakeJobs{}
	queue := &fakeQueue{}
	catalog := fakeCatalog{cfgs: map[string]domain.ProviderConfig{"sync-a": syncProvider("sync-a")}}
	svc := NewSubmitService(jobs, queue, catalog, &fakeLimiter{})

	_, err := svc.Submit(context.Background(), domain.Identity{TenantID: "t1"}, SubmitRequest{Prompt: "hi", ProviderSlug: "sync-a"})
	require.NoError(t, err)
	// A worker can never read a message whose job row is missing.
	require.NotEmpty(t, jobs.calls)
	assert.Equal(t, "create", jobs.calls[0])
	require.Equal(t, []string{"enqueue"}, queue.calls)
}

func TestSubmit_MissingTenant(t *testing.T) {
	svc := NewSubmitService(&fakeJobs{}, &fakeQueue{}, fakeCatalog{}, &fakeLimiter{})

	_, err := svc.Submit(context.Background(), domain.Identity{}, SubmitRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
