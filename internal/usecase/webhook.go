package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/observability"
	"github.com/fairyhunter13/llm-job-broker/pkg/textx"
)

// webhookProcessed marks a delivery that passed every guard and settled the
// job. The remaining dispositions reuse the diagnostic event names.
const webhookProcessed = "processed"

// WebhookService is the callback receiver. The HTTP layer always answers
// 200 "OK" no matter what happens here; dispositions surface only through
// the diagnostic log and metrics, never to the caller.
//
// Guards run in order before any state mutation: signature, job existence,
// cancellation, terminal state, in-flight status, stale response id. After them a
// uniqueness-constrained webhook record suppresses vendor redeliveries.
// Anything that breaks past the guards files the verbatim payload into the
// DLQ for later replay.
//
// The embedded ProcessService supplies the completion handshake shared with
// the worker, so a callback and a sync call settle jobs identically.
type WebhookService struct {
	ProcessService
	Webhooks domain.WebhookStore
	DLQ      domain.DLQStore
	Diag     domain.DiagnosticLog
	// Secrets resolves the signing secret for a provider slug.
	Secrets func(slug string) string
	// Failure normalizes a failed or incomplete event into the error
	// taxonomy; nil falls back to an UNKNOWN classification.
	Failure func(providerSlug string, evt domain.WebhookEvent) *domain.LLMError
	// ParseGeneric decodes replayed payloads whose provider has no wired
	// client.
	ParseGeneric func(body []byte) (domain.WebhookEvent, error)
}

// NewWebhookService constructs a WebhookService around the worker's
// processing core.
func NewWebhookService(proc ProcessService, wh domain.WebhookStore, dlq domain.DLQStore, diag domain.DiagnosticLog, secrets func(string) string) WebhookService {
	return WebhookService{ProcessService: proc, Webhooks: wh, DLQ: dlq, Diag: diag, Secrets: secrets}
}

// Handle processes one provider callback and returns its disposition.
func (w WebhookService) Handle(ctx domain.Context, providerSlug string, headers map[string][]string, body []byte) string {
	disp := w.handle(ctx, providerSlug, headers, body)
	observability.WebhookResult(providerSlug, disp)
	slog.Info("webhook handled",
		slog.String("provider", providerSlug),
		slog.String("disposition", disp))
	return disp
}

func (w WebhookService) handle(ctx domain.Context, providerSlug string, headers map[string][]string, body []byte) string {
	client, ok := w.Registry.Client(providerSlug)
	if !ok {
		// No client means no verifier; the delivery cannot be authenticated.
		w.diagnose(ctx, domain.DiagnosticEntry{
			EventType:    domain.DiagSignatureInvalid,
			ProviderSlug: providerSlug,
			ErrorMessage: "no client wired for provider",
			Payload:      sanitizePayload(body),
		})
		return domain.DiagSignatureInvalid
	}

	secret := ""
	if w.Secrets != nil {
		secret = w.Secrets(providerSlug)
	}
	if err := client.VerifyWebhook(secret, headers, body); err != nil {
		w.diagnose(ctx, domain.DiagnosticEntry{
			EventType:    domain.DiagSignatureInvalid,
			ProviderSlug: providerSlug,
			ErrorMessage: err.Error(),
			Payload:      sanitizePayload(body),
		})
		return domain.DiagSignatureInvalid
	}

	evt, err := client.ParseWebhook(body)
	if err != nil {
		return w.processingError(ctx, providerSlug, domain.WebhookEvent{Raw: body}, err, false)
	}
	return w.dispatchEvent(ctx, providerSlug, client, evt, false)
}

// HandleReplay re-runs a DLQ'd payload. The signature guard is skipped on
// purpose; the payload was filed by us and the replay endpoint carries its
// own authentication. Every disposition except processing_error resolves the
// entry, including the guards: a replay that finds its job terminal or
// cancelled has nothing left to do.
func (w WebhookService) HandleReplay(ctx domain.Context, dlqID int64, providerSlug string, payload []byte) string {
	var (
		evt    domain.WebhookEvent
		err    error
		client domain.ProviderClient
	)
	if c, ok := w.Registry.Client(providerSlug); ok {
		client = c
		evt, err = c.ParseWebhook(payload)
	} else if w.ParseGeneric != nil {
		evt, err = w.ParseGeneric(payload)
	} else {
		err = fmt.Errorf("op=webhook.replay dlq=%d: no parser for provider %q", dlqID, providerSlug)
	}

	disp := domain.DiagProcessingError
	if err != nil {
		// Entry stays pending; the next sweep tries again.
		w.processingError(ctx, providerSlug, domain.WebhookEvent{Raw: payload}, err, true)
	} else {
		disp = w.dispatchEvent(ctx, providerSlug, client, evt, true)
	}

	if disp != domain.DiagProcessingError {
		if _, rerr := w.DLQ.Resolve(ctx, dlqID); rerr != nil {
			slog.Error("dlq resolve failed",
				slog.Int64("dlq_id", dlqID), slog.Any("error", rerr))
		}
	}
	slog.Info("dlq entry replayed",
		slog.Int64("dlq_id", dlqID),
		slog.String("provider", providerSlug),
		slog.String("disposition", disp))
	return disp
}

// dispatchEvent runs guards two through five, records the webhook, and
// settles the job. Replay deliveries ignore the duplicate-webhook signal;
// the original delivery may have recorded itself before failing.
func (w WebhookService) dispatchEvent(ctx domain.Context, slug string, client domain.ProviderClient, evt domain.WebhookEvent, replay bool) string {
	job, err := w.findJob(ctx, slug, evt)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			w.diagnose(ctx, domain.DiagnosticEntry{
				EventType:          domain.DiagUnknownJob,
				JobID:              evt.JobID,
				ProviderSlug:       slug,
				ErrorMessage:       err.Error(),
				ReceivedResponseID: evt.ResponseID,
				Payload:            sanitizePayload(evt.Raw),
			})
			return domain.DiagUnknownJob
		}
		return w.processingError(ctx, slug, evt, err, replay)
	}

	entry := domain.DiagnosticEntry{
		JobID:              job.ID,
		ProviderSlug:       slug,
		TenantID:           job.TenantID,
		JobStatusAtReceipt: job.Status,
		ReceivedResponseID: evt.ResponseID,
		Payload:            sanitizePayload(evt.Raw),
	}

	if job.Status == domain.JobCancelled {
		entry.EventType = domain.DiagCancelledJobResponse
		w.diagnose(ctx, entry)
		return domain.DiagCancelledJobResponse
	}
	if job.Status.Terminal() {
		entry.EventType = domain.DiagLateFailureResponse
		if evt.Kind == domain.WebhookCompleted {
			entry.EventType = domain.DiagLateSuccessIgnored
		}
		w.diagnose(ctx, entry)
		return entry.EventType
	}
	if job.Status != domain.JobRunning && job.Status != domain.JobWaitingLLM {
		// Queued or retrying: the job is not in flight, so no callback may
		// settle it. A retrying job leaves that status only through a worker
		// claim or the sweeper.
		entry.EventType = domain.DiagNotInFlight
		w.diagnose(ctx, entry)
		return domain.DiagNotInFlight
	}
	// Once a job expects a response id, an event without one is as stale as
	// one carrying the wrong id.
	if job.LLMResponseID != "" && job.LLMResponseID != evt.ResponseID {
		entry.EventType = domain.DiagStaleResponse
		entry.ExpectedResponseID = job.LLMResponseID
		w.diagnose(ctx, entry)
		return domain.DiagStaleResponse
	}

	fresh, err := w.Webhooks.RecordWebhook(ctx, slug, evt.WebhookID, job.ID, evt.EventType)
	if err != nil {
		return w.processingError(ctx, slug, evt, err, replay)
	}
	if !fresh && !replay {
		entry.EventType = domain.DiagDuplicateWebhook
		w.diagnose(ctx, entry)
		return domain.DiagDuplicateWebhook
	}

	var disp string
	switch evt.Kind {
	case domain.WebhookCompleted:
		disp, err = w.succeed(ctx, slug, client, job, evt)
	case domain.WebhookFailed, domain.WebhookIncomplete:
		disp, err = w.fail(ctx, slug, client, job, evt)
	default:
		err = fmt.Errorf("op=webhook.dispatch job=%s: unrecognized event type %q", job.ID, evt.EventType)
	}
	if err != nil {
		return w.processingError(ctx, slug, evt, err, replay)
	}
	return disp
}

// findJob resolves the callback to its job row, preferring the embedded
// metadata job id and falling back to the provider response id.
func (w WebhookService) findJob(ctx domain.Context, slug string, evt domain.WebhookEvent) (domain.Job, error) {
	if evt.JobID != "" {
		job, err := w.Jobs.Get(ctx, evt.JobID)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, err
		}
	}
	if evt.ResponseID != "" {
		return w.Jobs.FindByResponseID(ctx, slug, evt.ResponseID)
	}
	return domain.Job{}, fmt.Errorf("%w: callback carries no job reference", domain.ErrNotFound)
}

// succeed settles a completed callback. Thin payloads need the stored
// response fetched first; a fetch that fails, including the response still
// being in progress at the provider, lands in the DLQ and replays after the
// cooldown.
func (w WebhookService) succeed(ctx domain.Context, slug string, client domain.ProviderClient, job domain.Job, evt domain.WebhookEvent) (string, error) {
	res := domain.LLMResult{
		Output:     evt.Output,
		Model:      evt.Model,
		ResponseID: evt.ResponseID,
		Usage:      evt.Usage,
	}
	if !evt.OutputPresent {
		if client == nil {
			return "", fmt.Errorf("op=webhook.success job=%s: payload has no output and no client to fetch it", job.ID)
		}
		cfg, err := w.Providers.Get(ctx, slug)
		if err != nil {
			return "", fmt.Errorf("op=webhook.success job=%s: %w", job.ID, err)
		}
		fetched, err := client.FetchResponse(ctx, cfg, evt.ResponseID)
		if err != nil {
			return "", fmt.Errorf("op=webhook.success job=%s: %w", job.ID, err)
		}
		res = fetched
	}

	outcome, err := w.completeJob(ctx, job, job.Status, res)
	if err != nil {
		return "", err
	}
	if outcome == outcomeSkipped {
		return outcomeSkipped, nil
	}
	return webhookProcessed, nil
}

// fail settles a failed or incomplete callback with the same retry policy as
// the worker, except requeueing re-enqueues a fresh message since the worker
// deleted the original after submission.
func (w WebhookService) fail(ctx domain.Context, slug string, client domain.ProviderClient, job domain.Job, evt domain.WebhookEvent) (string, error) {
	cfg, err := w.Providers.Get(ctx, slug)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("op=webhook.failure job=%s: %w", job.ID, err)
		}
		// Provider gone from the catalog; no retry budget survives that.
		cfg = domain.ProviderConfig{}
	}

	le := w.classify(slug, evt)
	if evt.ErrorCode == "" && evt.ResponseID != "" && client != nil {
		// Thin failure callback; the stored response carries the detail.
		if _, ferr := client.FetchResponse(ctx, cfg, evt.ResponseID); ferr != nil {
			if fle, ok := domain.AsLLMError(ferr); ok {
				le = fle
			}
		}
	}
	errMsg := le.Error()

	if le.Retryable && job.RetryCount < cfg.MaxRetries {
		ok, rerr := w.Jobs.RequeueForRetry(ctx, job.ID, job.Status, errMsg)
		if rerr != nil {
			return "", fmt.Errorf("op=webhook.failure job=%s: %w", job.ID, rerr)
		}
		if !ok {
			return outcomeSkipped, nil
		}
		slog.Warn("job requeued after provider failure",
			slog.String("job_id", job.ID),
			slog.Int("retry_count", job.RetryCount+1),
			slog.String("error", errMsg))
		return webhookProcessed, nil
	}

	ok, rerr := w.Jobs.MarkExhausted(ctx, job.ID, job.Status, errMsg)
	if rerr != nil {
		return "", fmt.Errorf("op=webhook.failure job=%s: %w", job.ID, rerr)
	}
	if !ok {
		return outcomeSkipped, nil
	}
	w.notify(ctx, job, domain.NotifyJobFailed, errMsg)
	return webhookProcessed, nil
}

func (w WebhookService) classify(slug string, evt domain.WebhookEvent) *domain.LLMError {
	if w.Failure != nil {
		return w.Failure(slug, evt)
	}
	msg := evt.ErrorMessage
	if msg == "" {
		msg = "provider reported " + string(evt.Kind)
	}
	return domain.NewLLMError(slug, domain.CodeUnknown, msg, 0, nil)
}

// processingError is the catch-all for non-guard failures: diagnostic-log,
// file the verbatim payload into the DLQ, and answer OK. Replays never file
// a second entry; the original stays pending for the next sweep.
func (w WebhookService) processingError(ctx domain.Context, slug string, evt domain.WebhookEvent, cause error, replay bool) string {
	slog.Error("webhook processing error",
		slog.String("provider", slug),
		slog.String("job_id", evt.JobID),
		slog.Bool("replay", replay),
		slog.Any("error", cause))
	w.diagnose(ctx, domain.DiagnosticEntry{
		EventType:          domain.DiagProcessingError,
		JobID:              evt.JobID,
		ProviderSlug:       slug,
		ErrorCode:          string(domain.ErrorCodeOf(cause)),
		ErrorMessage:       cause.Error(),
		ReceivedResponseID: evt.ResponseID,
		Payload:            sanitizePayload(evt.Raw),
	})
	if replay {
		return domain.DiagProcessingError
	}

	if _, err := w.DLQ.Add(ctx, domain.DLQEntry{
		JobID:        evt.JobID,
		ProviderSlug: slug,
		ErrorCode:    string(domain.ErrorCodeOf(cause)),
		ErrorMessage: cause.Error(),
		Payload:      evt.Raw,
	}); err != nil {
		slog.Error("dlq add failed", slog.String("provider", slug), slog.Any("error", err))
	}
	return domain.DiagProcessingError
}

func (w WebhookService) diagnose(ctx domain.Context, e domain.DiagnosticEntry) {
	if w.Diag != nil {
		// Provider-derived text can carry control bytes; scrub and bound
		// it before it reaches the log.
		e.ErrorMessage = textx.Clip(textx.SanitizeText(e.ErrorMessage), 2000)
		w.Diag.Log(ctx, e)
	}
}

// sanitizePayload strips model output from a callback body before it enters
// the diagnostic log. DLQ entries keep the verbatim payload; diagnostics
// must not hold tenant content.
func sanitizePayload(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	stripOutput(m)
	out, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return out
}

func stripOutput(m map[string]any) {
	for _, k := range []string{"output", "output_text", "content", "text"} {
		delete(m, k)
	}
	for _, k := range []string{"data", "response"} {
		if nested, ok := m[k].(map[string]any); ok {
			stripOutput(nested)
		}
	}
}
