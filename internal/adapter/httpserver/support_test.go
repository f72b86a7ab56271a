package httpserver_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/llm-job-broker/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-job-broker/internal/adapter/queue/dispatch"
	"github.com/fairyhunter13/llm-job-broker/internal/config"
	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/usecase"
)

// In-memory JobStore mirroring the repo's guarded-transition semantics.
type memJobs struct {
	mu   sync.Mutex
	seq  int
	rows map[string]domain.Job
}

func newMemJobs() *memJobs { return &memJobs{rows: map[string]domain.Job{}} }

func (m *memJobs) put(j domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	m.rows[j.ID] = j
}

func (m *memJobs) snapshot(id string) (domain.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	return j, ok
}

func (m *memJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	j.ID = fmt.Sprintf("job-%d", m.seq)
	j.CreatedAt = time.Now()
	m.rows[j.ID] = j
	return j.ID, nil
}

func (m *memJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return j, nil
}

func (m *memJobs) Status(_ domain.Context, id string) (domain.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return "", fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return j.Status, nil
}

func (m *memJobs) FindByResponseID(_ domain.Context, slug, responseID string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.rows {
		if j.ProviderSlug == slug && j.LLMResponseID == responseID {
			return j, nil
		}
	}
	return domain.Job{}, fmt.Errorf("%w: response %s", domain.ErrNotFound, responseID)
}

func (m *memJobs) Claim(_ domain.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if j.Status != domain.JobQueued && j.Status != domain.JobRetrying {
		return nil, nil
	}
	now := time.Now()
	j.Status = domain.JobRunning
	j.StartedAt = &now
	m.rows[id] = j
	return &j, nil
}

func (m *memJobs) transition(id string, from, to domain.JobStatus, mut func(*domain.Job)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return false, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if j.Status != from {
		return false, nil
	}
	j.Status = to
	if mut != nil {
		mut(&j)
	}
	m.rows[id] = j
	return true, nil
}

func (m *memJobs) MarkWaiting(_ domain.Context, id, responseID string) (bool, error) {
	return m.transition(id, domain.JobRunning, domain.JobWaitingLLM, func(j *domain.Job) {
		j.LLMResponseID = responseID
	})
}

func (m *memJobs) Complete(_ domain.Context, id string, from domain.JobStatus, res domain.JobResult) (bool, error) {
	return m.transition(id, from, domain.JobCompleted, func(j *domain.Job) {
		now := time.Now()
		j.Result = &res
		j.CompletedAt = &now
	})
}

func (m *memJobs) MarkRetrying(_ domain.Context, id string, from domain.JobStatus, errMsg string) (bool, error) {
	return m.transition(id, from, domain.JobRetrying, func(j *domain.Job) {
		j.RetryCount++
		j.ErrorMessage = errMsg
	})
}

func (m *memJobs) MarkExhausted(_ domain.Context, id string, from domain.JobStatus, errMsg string) (bool, error) {
	return m.transition(id, from, domain.JobExhausted, func(j *domain.Job) {
		now := time.Now()
		j.ErrorMessage = errMsg
		j.CompletedAt = &now
	})
}

func (m *memJobs) MarkPostProcessingFailed(_ domain.Context, id string, from domain.JobStatus, res domain.JobResult, errMsg string) (bool, error) {
	return m.transition(id, from, domain.JobPostProcessingFailed, func(j *domain.Job) {
		now := time.Now()
		j.Result = &res
		j.ErrorMessage = errMsg
		j.CompletedAt = &now
	})
}

func (m *memJobs) Cancel(_ domain.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return false, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if j.Status.Terminal() {
		return false, nil
	}
	now := time.Now()
	j.Status = domain.JobCancelled
	j.CompletedAt = &now
	m.rows[id] = j
	return true, nil
}

func (m *memJobs) RequeueForRetry(_ domain.Context, id string, from domain.JobStatus, errMsg string) (bool, error) {
	return m.transition(id, from, domain.JobRetrying, func(j *domain.Job) {
		j.RetryCount++
		j.ErrorMessage = errMsg
	})
}

func (m *memJobs) StalledRunning(_ domain.Context, olderThan time.Duration, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []domain.Job
	for _, j := range m.rows {
		if j.Status == domain.JobRunning && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			out = append(out, j)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type memQueue struct {
	mu       sync.Mutex
	seq      int64
	msgs     []domain.QueueMessage
	deleted  []int64
	archived []int64
}

func (q *memQueue) Enqueue(_ domain.Context, jobID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	payload, _ := json.Marshal(map[string]string{"job_id": jobID})
	q.msgs = append(q.msgs, domain.QueueMessage{MsgID: q.seq, EnqueuedAt: time.Now(), Payload: payload})
	return q.seq, nil
}

func (q *memQueue) Read(_ domain.Context, _ time.Duration, max int) ([]domain.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) > max {
		return append([]domain.QueueMessage(nil), q.msgs[:max]...), nil
	}
	return append([]domain.QueueMessage(nil), q.msgs...), nil
}

func (q *memQueue) remove(msgID int64) {
	for i, m := range q.msgs {
		if m.MsgID == msgID {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return
		}
	}
}

func (q *memQueue) Delete(_ domain.Context, msgID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(msgID)
	q.deleted = append(q.deleted, msgID)
	return nil
}

func (q *memQueue) Archive(_ domain.Context, msgID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(msgID)
	q.archived = append(q.archived, msgID)
	return nil
}

type catalogStub struct{ rows map[string]domain.ProviderConfig }

func (c catalogStub) Get(_ domain.Context, slug string) (domain.ProviderConfig, error) {
	p, ok := c.rows[slug]
	if !ok {
		return domain.ProviderConfig{}, fmt.Errorf("%w: provider %s", domain.ErrNotFound, slug)
	}
	return p, nil
}

func (c catalogStub) List(_ domain.Context) ([]domain.ProviderConfig, error) {
	out := make([]domain.ProviderConfig, 0, len(c.rows))
	for _, p := range c.rows {
		out = append(out, p)
	}
	return out, nil
}

type limiterStub struct {
	mu    sync.Mutex
	used  int
	quota int
}

func (l *limiterStub) Increment(_ domain.Context, _ string) (domain.RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used >= l.quota {
		return domain.RateLimitResult{Used: l.used, Quota: l.quota},
			fmt.Errorf("%w: monthly quota exhausted", domain.ErrRateLimited)
	}
	l.used++
	return domain.RateLimitResult{Used: l.used, Quota: l.quota}, nil
}

type keysStub struct {
	mu    sync.Mutex
	rows  map[string]domain.APIKey
	finds int
}

func (k *keysStub) FindByKeyID(_ domain.Context, keyID string) (domain.APIKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.finds++
	row, ok := k.rows[keyID]
	if !ok {
		return domain.APIKey{}, fmt.Errorf("%w: api key %s", domain.ErrNotFound, keyID)
	}
	return row, nil
}

type memDLQ struct {
	mu       sync.Mutex
	seq      int64
	pending  []domain.DLQEntry
	resolved []int64
}

func (d *memDLQ) Add(_ domain.Context, e domain.DLQEntry) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	e.ID = d.seq
	e.State = domain.DLQPending
	e.CreatedAt = time.Now()
	d.pending = append(d.pending, e)
	return e.ID, nil
}

func (d *memDLQ) Resolve(_ domain.Context, id int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.pending {
		if e.ID == id {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			d.resolved = append(d.resolved, id)
			return true, nil
		}
	}
	return false, nil
}

func (d *memDLQ) ListPending(_ domain.Context, _ time.Duration, limit int) ([]domain.DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) > limit {
		return append([]domain.DLQEntry(nil), d.pending[:limit]...), nil
	}
	return append([]domain.DLQEntry(nil), d.pending...), nil
}

// noRegistry has no wired clients; every callback fails the first guard and
// every dispatch fails hard.
type noRegistry struct{}

func (noRegistry) Client(string) (domain.ProviderClient, bool) { return nil, false }

const (
	testQueueSecret = "wk-secret"
	testAPIKey      = "ljb_k1_sekret123"
)

// cheapParams keeps argon2 fast in tests; KeyLen must stay 32 to match
// verification.
var cheapParams = httpserver.Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

type fixture struct {
	jobs    *memJobs
	queue   *memQueue
	limiter *limiterStub
	keys    *keysStub
	dlq     *memDLQ
	auth    *httpserver.Authenticator
	srv     *httpserver.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := httpserver.HashSecret("sekret123", cheapParams)
	require.NoError(t, err)

	jobs := newMemJobs()
	q := &memQueue{}
	dlq := &memDLQ{}
	limiter := &limiterStub{quota: 1000, used: 3}
	keys := &keysStub{rows: map[string]domain.APIKey{
		"k1":   {KeyID: "k1", TenantID: "tenant-a", UserID: "user-1", SecretHash: hash, Active: true},
		"k2":   {KeyID: "k2", TenantID: "tenant-b", UserID: "user-2", SecretHash: hash, Active: true},
		"dead": {KeyID: "dead", TenantID: "tenant-a", UserID: "user-1", SecretHash: hash, Active: false},
		"lost": {KeyID: "lost", TenantID: "", UserID: "user-3", SecretHash: hash, Active: true},
	}}
	catalog := catalogStub{rows: map[string]domain.ProviderConfig{
		"openai":    {Slug: "openai", Kind: domain.ProviderAsync, Active: true, MaxRetries: 3, Config: map[string]any{"default_model": "gpt-4o-mini"}},
		"anthropic": {Slug: "anthropic", Kind: domain.ProviderSync, Active: true, MaxRetries: 3, Config: map[string]any{"default_model": "claude-3-5-haiku"}},
		"mistral":   {Slug: "mistral", Kind: domain.ProviderSync, Active: false, MaxRetries: 3, Config: map[string]any{"default_model": "mistral-small"}},
	}}

	submit := usecase.NewSubmitService(jobs, q, catalog, limiter)
	status := usecase.NewStatusService(jobs)
	proc := usecase.NewProcessService(jobs, q, catalog, noRegistry{}, nil, nil)
	webhooks := usecase.NewWebhookService(proc, nil, dlq, nil, func(string) string { return "" })
	webhooks.ParseGeneric = func(body []byte) (domain.WebhookEvent, error) {
		var evt domain.WebhookEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			return domain.WebhookEvent{}, err
		}
		evt.Raw = body
		return evt, nil
	}

	cfg := config.Config{MaxBodyBytes: 1 << 20, QueueSecret: testQueueSecret}
	auth := httpserver.NewAuthenticator(keys, "test-pepper")
	worker := dispatch.Runner{Proc: proc, Queue: q, VisibilityTimeout: 30 * time.Second, BatchSize: 10}
	srv := httpserver.NewServer(cfg, auth, submit, status, webhooks, worker, nil, nil, nil)

	return &fixture{jobs: jobs, queue: q, limiter: limiter, keys: keys, dlq: dlq, auth: auth, srv: srv}
}
