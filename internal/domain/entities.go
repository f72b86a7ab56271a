package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrInternal        = errors.New("internal error")

	// ErrBackgroundNotSupported narrows ErrInvalidArgument so the ingress
	// surface can return its own error code while callers matching on
	// ErrInvalidArgument keep working.
	ErrBackgroundNotSupported = fmt.Errorf("%w: background not supported", ErrInvalidArgument)
)

type JobStatus string

const (
	JobQueued               JobStatus = "queued"
	JobRunning              JobStatus = "running"
	JobWaitingLLM           JobStatus = "waiting_llm"
	JobRetrying             JobStatus = "retrying"
	JobCompleted            JobStatus = "completed"
	JobExhausted            JobStatus = "exhausted"
	JobPostProcessingFailed JobStatus = "post_processing_failed"
	JobCancelled            JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
// Every terminal job carries a non-null CompletedAt.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobExhausted, JobPostProcessingFailed, JobCancelled:
		return true
	}
	return false
}

// ChatMessage is one turn of a structured conversation payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JobPayload is the immutable request captured at submission.
// Input is the caller's free-form bag; protected keys are stripped
// before it is spread onto a provider call.
type JobPayload struct {
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Messages     []ChatMessage  `json:"messages,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Model        string         `json:"model,omitempty"`
	APIMethod    string         `json:"api_method,omitempty"`
	Background   bool           `json:"background,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// JobResult holds the model output preserved on the job row.
// Output keeps the raw model text even when a post-processor fails.
type JobResult struct {
	Output string      `json:"output"`
	Model  string      `json:"model,omitempty"`
	Usage  *TokenUsage `json:"usage,omitempty"`
}

// Job is one submission. Payload and Context are immutable after create;
// execution state moves only along the guarded transitions of the
// lifecycle: queued→running, running→{completed,waiting_llm,retrying,
// exhausted,post_processing_failed}, waiting_llm→{completed,retrying,
// exhausted,post_processing_failed}, retrying→running, any
// non-terminal→cancelled.
type Job struct {
	ID            string
	TenantID      string
	UserID        string
	ProviderSlug  string
	Feature       string
	Status        JobStatus
	Payload       JobPayload
	Context       map[string]any
	RetryCount    int
	LLMResponseID string
	Result        *JobResult
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

type ProviderKind string

const (
	ProviderSync  ProviderKind = "sync"
	ProviderAsync ProviderKind = "async"
)

// ProviderConfig is a static catalog row.
type ProviderConfig struct {
	Slug              string
	Kind              ProviderKind
	Active            bool
	TimeoutSeconds    int
	MaxRetries        int
	RetryDelaySeconds int
	Config            map[string]any
}

func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// DefaultModel returns config.default_model or "".
func (p ProviderConfig) DefaultModel() string {
	return p.configString("default_model")
}

// BaseURL returns config.base_url or "".
func (p ProviderConfig) BaseURL() string {
	return p.configString("base_url")
}

// MaxOutputTokens returns config.max_output_tokens or 0.
func (p ProviderConfig) MaxOutputTokens() int {
	return p.configInt("max_output_tokens")
}

// ContextWindow returns config.context_window or 0 (no pre-flight check).
func (p ProviderConfig) ContextWindow() int {
	return p.configInt("context_window")
}

func (p ProviderConfig) configString(key string) string {
	if v, ok := p.Config[key].(string); ok {
		return v
	}
	return ""
}

func (p ProviderConfig) configInt(key string) int {
	switch v := p.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// QueueMessage is a leased dispatch-queue entry. The lease belongs to the
// single reader until VT elapses; Payload is the raw enqueued body.
type QueueMessage struct {
	MsgID      int64
	ReadCount  int
	EnqueuedAt time.Time
	VT         time.Time
	Payload    json.RawMessage
}

// JobID extracts the job_id field of the payload, "" when absent or malformed.
func (m QueueMessage) JobID() string {
	var body struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return ""
	}
	return body.JobID
}

type DLQState string

const (
	DLQPending  DLQState = "pending"
	DLQResolved DLQState = "resolved"
)

// DLQEntry stores a failed callback verbatim so it can be replayed.
type DLQEntry struct {
	ID           int64
	JobID        string
	ProviderSlug string
	ErrorCode    string
	ErrorMessage string
	Payload      json.RawMessage
	State        DLQState
	CreatedAt    time.Time
}

// Diagnostic event types (append-only log)
const (
	DiagSignatureInvalid     = "signature_invalid"
	DiagUnknownJob           = "unknown_job"
	DiagCancelledJobResponse = "cancelled_job_response"
	DiagLateSuccessIgnored   = "late_success_ignored"
	DiagLateFailureResponse  = "late_failure_response"
	DiagNotInFlight          = "not_in_flight_response"
	DiagStaleResponse        = "stale_response"
	DiagDuplicateWebhook     = "duplicate_webhook"
	DiagProcessingError      = "processing_error"
)

// DiagnosticEntry is one structured record of a guard trip or processing
// error. Payload must be sanitized before logging; model output text never
// lands here.
type DiagnosticEntry struct {
	EventType          string
	JobID              string
	ProviderSlug       string
	TenantID           string
	ErrorCode          string
	ErrorMessage       string
	JobStatusAtReceipt JobStatus
	ExpectedResponseID string
	ReceivedResponseID string
	Payload            json.RawMessage
}

// RateLimitResult is the counter state after a successful increment.
type RateLimitResult struct {
	Used  int
	Quota int
}

func (r RateLimitResult) Remaining() int {
	if r.Quota <= r.Used {
		return 0
	}
	return r.Quota - r.Used
}

// QuotaPeriod formats t's month as the rate-counter period key (UTC).
func QuotaPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodReset returns the first instant of the month after t (UTC).
func PeriodReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// Identity is the authenticated principal attached to a submission.
type Identity struct {
	TenantID string
	UserID   string
}

// APIKey is a stored credential row; Secret is kept only as an argon2id hash.
type APIKey struct {
	KeyID      string
	TenantID   string
	UserID     string
	SecretHash string
	Active     bool
	CreatedAt  time.Time
}

// Notification events (fire-and-forget side channel)
const (
	NotifyJobStarted              = "job_started"
	NotifyJobCompleted            = "job_completed"
	NotifyJobFailed               = "job_failed"
	NotifyJobPostProcessingFailed = "job_post_processing_failed"
)

type Notification struct {
	Event        string `json:"event"`
	JobID        string `json:"job_id"`
	TenantID     string `json:"tenant_id"`
	UserID       string `json:"user_id,omitempty"`
	ProviderSlug string `json:"provider_slug,omitempty"`
	Feature      string `json:"feature,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Repositories (ports)

type JobStore interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// Status is a cheap re-read used by the pre-processor check.
	Status(ctx Context, id string) (JobStatus, error)
	FindByResponseID(ctx Context, providerSlug, responseID string) (Job, error)
	// Claim atomically sets running+started_at iff status is queued or
	// retrying; nil means the job was not claimable.
	Claim(ctx Context, id string) (*Job, error)
	// Guarded transitions; false means the precondition status no longer
	// held (raced or cancelled) and nothing was written.
	MarkWaiting(ctx Context, id string, responseID string) (bool, error)
	Complete(ctx Context, id string, from JobStatus, res JobResult) (bool, error)
	MarkRetrying(ctx Context, id string, from JobStatus, errMsg string) (bool, error)
	MarkExhausted(ctx Context, id string, from JobStatus, errMsg string) (bool, error)
	MarkPostProcessingFailed(ctx Context, id string, from JobStatus, res JobResult, errMsg string) (bool, error)
	Cancel(ctx Context, id string) (bool, error)
	// RequeueForRetry sets retrying and enqueues a fresh dispatch message in
	// one transaction; used by the callback path where the original message
	// is already gone.
	RequeueForRetry(ctx Context, id string, from JobStatus, errMsg string) (bool, error)
	// StalledRunning pages jobs stuck in running longer than olderThan.
	StalledRunning(ctx Context, olderThan time.Duration, limit int) ([]Job, error)
}

type DispatchQueue interface {
	Enqueue(ctx Context, jobID string) (int64, error)
	Read(ctx Context, vt time.Duration, max int) ([]QueueMessage, error)
	Delete(ctx Context, msgID int64) error
	Archive(ctx Context, msgID int64) error
}

type ProviderCatalog interface {
	Get(ctx Context, slug string) (ProviderConfig, error)
	List(ctx Context) ([]ProviderConfig, error)
}

// RateLimiter consumes one unit of the tenant's monthly quota.
// ErrRateLimited signals exhaustion; the row is created on first use.
type RateLimiter interface {
	Increment(ctx Context, tenantID string) (RateLimitResult, error)
}

type WebhookStore interface {
	// RecordWebhook inserts under the (provider_slug, webhook_id) uniqueness
	// constraint; false means duplicate delivery.
	RecordWebhook(ctx Context, providerSlug, webhookID, jobID, eventType string) (bool, error)
}

type DLQStore interface {
	Add(ctx Context, e DLQEntry) (int64, error)
	// Resolve flips pending→resolved; false means the entry was already
	// resolved or unknown.
	Resolve(ctx Context, id int64) (bool, error)
	ListPending(ctx Context, olderThan time.Duration, limit int) ([]DLQEntry, error)
}

// DiagnosticLog appends structured records. Implementations swallow their
// own failures; a lost diagnostic must never fail the outer operation.
type DiagnosticLog interface {
	Log(ctx Context, e DiagnosticEntry)
}

// Notifier publishes user-visible events. Fire-and-forget; delivery
// failure never affects job state.
type Notifier interface {
	Notify(ctx Context, n Notification)
}

type APIKeyStore interface {
	FindByKeyID(ctx Context, keyID string) (APIKey, error)
}

// PostProcessors is the feature-keyed side-effect registry seen by the
// processing services. Has reports whether a feature slug resolves; Run
// invokes the processor with writes scoped to the job row's tenant, never
// the submission context.
type PostProcessors interface {
	Has(feature string) bool
	Run(ctx Context, job Job, output string) error
}

// Context is an alias so the domain layer stays decoupled from transport
// packages; adapters and usecases pass context.Context straight through.
type Context = context.Context
