package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// fakeJobs scripts the job store. Guarded transitions succeed unless their
// operation name is in guardFail; errs forces an error per operation.
type fakeJobs struct {
	createID  string
	job       domain.Job
	claimNil  bool
	statusNow domain.JobStatus
	guardFail map[string]bool
	errs      map[string]error

	calls   []string
	created []domain.Job
	msgs    map[string]string
	results map[string]domain.JobResult
}

func (f *fakeJobs) record(op string) {
	f.calls = append(f.calls, op)
}

func (f *fakeJobs) guard(op, msg string) (bool, error) {
	f.record(op)
	if f.msgs == nil {
		f.msgs = map[string]string{}
	}
	f.msgs[op] = msg
	if err := f.errs[op]; err != nil {
		return false, err
	}
	return !f.guardFail[op], nil
}

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	f.record("create")
	f.created = append(f.created, j)
	if err := f.errs["create"]; err != nil {
		return "", err
	}
	if f.createID == "" {
		return "job-1", nil
	}
	return f.createID, nil
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	f.record("get")
	if err := f.errs["get"]; err != nil {
		return domain.Job{}, err
	}
	return f.job, nil
}

func (f *fakeJobs) Status(_ domain.Context, id string) (domain.JobStatus, error) {
	f.record("status")
	if err := f.errs["status"]; err != nil {
		return "", err
	}
	if f.statusNow != "" {
		return f.statusNow, nil
	}
	return f.job.Status, nil
}

func (f *fakeJobs) FindByResponseID(_ domain.Context, providerSlug, responseID string) (domain.Job, error) {
	f.record("find_by_response")
	if err := f.errs["find_by_response"]; err != nil {
		return domain.Job{}, err
	}
	return f.job, nil
}

func (f *fakeJobs) Claim(_ domain.Context, id string) (*domain.Job, error) {
	f.record("claim")
	if err := f.errs["claim"]; err != nil {
		return nil, err
	}
	if f.claimNil {
		return nil, nil
	}
	j := f.job
	j.ID = id
	j.Status = domain.JobRunning
	return &j, nil
}

func (f *fakeJobs) MarkWaiting(_ domain.Context, id, responseID string) (bool, error) {
	return f.guard("mark_waiting", responseID)
}

func (f *fakeJobs) Complete(_ domain.Context, id string, from domain.JobStatus, res domain.JobResult) (bool, error) {
	if f.results == nil {
		f.results = map[string]domain.JobResult{}
	}
	f.results["complete"] = res
	return f.guard("complete", string(from))
}

func (f *fakeJobs) MarkRetrying(_ domain.Context, id string, from domain.JobStatus, errMsg string) (bool, error) {
	return f.guard("mark_retrying", errMsg)
}

func (f *fakeJobs) MarkExhausted(_ domain.Context, id string, from domain.JobStatus, errMsg string) (bool, error) {
	return f.guard("mark_exhausted", errMsg)
}

func (f *fakeJobs) MarkPostProcessingFailed(_ domain.Context, id string, from domain.JobStatus, res domain.JobResult, errMsg string) (bool, error) {
	if f.results == nil {
		f.results = map[string]domain.JobResult{}
	}
	f.results["post_processing_failed"] = res
	return f.guard("mark_post_processing_failed", errMsg)
}

func (f *fakeJobs) Cancel(_ domain.Context, id string) (bool, error) {
	return f.guard("cancel", "")
}

func (f *fakeJobs) RequeueForRetry(_ domain.Context, id string, from domain.JobStatus, errMsg string) (bool, error) {
	return f.guard("requeue", errMsg)
}

func (f *fakeJobs) StalledRunning(_ domain.Context, olderThan time.Duration, limit int) ([]domain.Job, error) {
	f.record("stalled_running")
	return nil, nil
}

// fakeQueue records queue-message lifecycle calls.
type fakeQueue struct {
	calls    []string
	enqueued []string
	enqErr   error
	readMsgs []domain.QueueMessage
	readErr  error
}

func (f *fakeQueue) Enqueue(_ domain.Context, jobID string) (int64, error) {
	f.calls = append(f.calls, "enqueue")
	f.enqueued = append(f.enqueued, jobID)
	if f.enqErr != nil {
		return 0, f.enqErr
	}
	return int64(len(f.enqueued)), nil
}

func (f *fakeQueue) Read(_ domain.Context, _ time.Duration, max int) ([]domain.QueueMessage, error) {
	f.calls = append(f.calls, "read")
	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.readMsgs) > max {
		return f.readMsgs[:max], nil
	}
	return f.readMsgs, nil
}

func (f *fakeQueue) Delete(_ domain.Context, msgID int64) error {
	f.calls = append(f.calls, "delete")
	return nil
}

func (f *fakeQueue) Archive(_ domain.Context, msgID int64) error {
	f.calls = append(f.calls, "archive")
	return nil
}

type fakeCatalog struct {
	cfgs map[string]domain.ProviderConfig
	err  error
}

func (f fakeCatalog) Get(_ domain.Context, slug string) (domain.ProviderConfig, error) {
	if f.err != nil {
		return domain.ProviderConfig{}, f.err
	}
	cfg, ok := f.cfgs[slug]
	if !ok {
		return domain.ProviderConfig{}, fmt.Errorf("%w: provider %s", domain.ErrNotFound, slug)
	}
	return cfg, nil
}

func (f fakeCatalog) List(_ domain.Context) ([]domain.ProviderConfig, error) {
	out := make([]domain.ProviderConfig, 0, len(f.cfgs))
	for _, cfg := range f.cfgs {
		out = append(out, cfg)
	}
	return out, nil
}

type fakeLimiter struct {
	res     domain.RateLimitResult
	err     error
	tenants []string
}

func (f *fakeLimiter) Increment(_ domain.Context, tenantID string) (domain.RateLimitResult, error) {
	f.tenants = append(f.tenants, tenantID)
	return f.res, f.err
}

// fakeClient scripts one provider backend.
type fakeClient struct {
	slug        string
	kind        domain.ProviderKind
	completeRes domain.LLMResult
	completeErr error
	submitID    string
	submitErr   error
	fetchRes    domain.LLMResult
	fetchErr    error
	verifyErr   error
	parseEvt    domain.WebhookEvent
	parseErr    error

	calls []string
}

func (f *fakeClient) Slug() string              { return f.slug }
func (f *fakeClient) Kind() domain.ProviderKind { return f.kind }

func (f *fakeClient) Complete(_ domain.Context, req domain.LLMRequest, cfg domain.ProviderConfig) (domain.LLMResult, error) {
	f.calls = append(f.calls, "complete")
	return f.completeRes, f.completeErr
}

func (f *fakeClient) SubmitBackground(_ domain.Context, req domain.LLMRequest, cfg domain.ProviderConfig, jobID string) (string, error) {
	f.calls = append(f.calls, "submit_background")
	return f.submitID, f.submitErr
}

func (f *fakeClient) FetchResponse(_ domain.Context, cfg domain.ProviderConfig, responseID string) (domain.LLMResult, error) {
	f.calls = append(f.calls, "fetch_response")
	return f.fetchRes, f.fetchErr
}

func (f *fakeClient) VerifyWebhook(secret string, headers map[string][]string, body []byte) error {
	f.calls = append(f.calls, "verify_webhook")
	return f.verifyErr
}

func (f *fakeClient) ParseWebhook(body []byte) (domain.WebhookEvent, error) {
	f.calls = append(f.calls, "parse_webhook")
	if f.parseErr != nil {
		return domain.WebhookEvent{}, f.parseErr
	}
	evt := f.parseEvt
	if evt.Raw == nil {
		evt.Raw = body
	}
	return evt, nil
}

type fakeRegistry struct {
	clients map[string]domain.ProviderClient
}

func (f fakeRegistry) Client(slug string) (domain.ProviderClient, bool) {
	c, ok := f.clients[slug]
	return c, ok
}

type fakePostProc struct {
	has     bool
	err     error
	ran     []domain.Job
	outputs []string
}

func (f *fakePostProc) Has(feature string) bool { return f.has }

func (f *fakePostProc) Run(_ domain.Context, job domain.Job, output string) error {
	f.ran = append(f.ran, job)
	f.outputs = append(f.outputs, output)
	return f.err
}

type fakeNotifier struct {
	events []domain.Notification
}

func (f *fakeNotifier) Notify(_ domain.Context, n domain.Notification) {
	f.events = append(f.events, n)
}

type recordedWebhook struct {
	ProviderSlug string
	WebhookID    string
	JobID        string
	EventType    string
}

type fakeWebhooks struct {
	dup      bool
	err      error
	recorded []recordedWebhook
}

func (f *fakeWebhooks) RecordWebhook(_ domain.Context, providerSlug, webhookID, jobID, eventType string) (bool, error) {
	f.recorded = append(f.recorded, recordedWebhook{providerSlug, webhookID, jobID, eventType})
	if f.err != nil {
		return false, f.err
	}
	return !f.dup, nil
}

type fakeDLQ struct {
	added      []domain.DLQEntry
	addErr     error
	resolved   []int64
	resolveErr error
	pending    []domain.DLQEntry
}

func (f *fakeDLQ) Add(_ domain.Context, e domain.DLQEntry) (int64, error) {
	f.added = append(f.added, e)
	if f.addErr != nil {
		return 0, f.addErr
	}
	return int64(len(f.added)), nil
}

func (f *fakeDLQ) Resolve(_ domain.Context, id int64) (bool, error) {
	f.resolved = append(f.resolved, id)
	if f.resolveErr != nil {
		return false, f.resolveErr
	}
	return true, nil
}

func (f *fakeDLQ) ListPending(_ domain.Context, olderThan time.Duration, limit int) ([]domain.DLQEntry, error) {
	if limit < len(f.pending) {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

type fakeDiag struct {
	entries []domain.DiagnosticEntry
}

func (f *fakeDiag) Log(_ domain.Context, e domain.DiagnosticEntry) {
	f.entries = append(f.entries, e)
}

func (f *fakeDiag) last() domain.DiagnosticEntry {
	if len(f.entries) == 0 {
		return domain.DiagnosticEntry{}
	}
	return f.entries[len(f.entries)-1]
}
