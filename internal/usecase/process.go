package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/observability"
)

// Per-message outcomes that are not job statuses. A skipped message is one
// the worker deliberately stepped away from (cancellation, lost guard,
// duplicate delivery); failed means the job could never have run.
const (
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

// MessageResult is the per-message entry in the worker response body.
type MessageResult struct {
	JobID   string `json:"job_id,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ProcessService executes one leased queue message end to end: claim the
// job, call the provider, and settle both the job row and the message.
//
// Queue discipline: delete on success, archive on non-retryable failure,
// and do nothing on retryable failure so the visibility timeout redelivers.
// Every job write is a guarded transition; a guard that reports zero rows
// means some other actor (usually cancellation) won the race, and the
// worker walks away with a skipped outcome.
type ProcessService struct {
	Jobs      domain.JobStore
	Queue     domain.DispatchQueue
	Providers domain.ProviderCatalog
	Registry  domain.ProviderRegistry
	PostProc  domain.PostProcessors
	Notifier  domain.Notifier
}

// NewProcessService constructs a ProcessService.
func NewProcessService(j domain.JobStore, q domain.DispatchQueue, p domain.ProviderCatalog, r domain.ProviderRegistry, pp domain.PostProcessors, n domain.Notifier) ProcessService {
	return ProcessService{Jobs: j, Queue: q, Providers: p, Registry: r, PostProc: pp, Notifier: n}
}

// ProcessMessage handles a single message. It never returns an error: every
// path resolves to a MessageResult, and infrastructure failures leave the
// message leased so the visibility timeout redelivers it.
func (s ProcessService) ProcessMessage(ctx domain.Context, msg domain.QueueMessage) MessageResult {
	jobID := msg.JobID()
	if jobID == "" {
		s.archive(ctx, msg.MsgID)
		return MessageResult{Status: outcomeSkipped, Message: "malformed payload"}
	}

	job, err := s.Jobs.Claim(ctx, jobID)
	if err != nil {
		slog.Error("claim failed, leaving message for redelivery",
			slog.String("job_id", jobID), slog.Any("error", err))
		return MessageResult{JobID: jobID, Status: outcomeSkipped, Message: "claim failed"}
	}
	if job == nil {
		// Cancelled, already terminal, or leased by a prior delivery that
		// finished after our read.
		s.deleteMsg(ctx, msg.MsgID)
		return MessageResult{JobID: jobID, Status: outcomeSkipped, Message: "not claimable"}
	}

	observability.JobClaimed()
	res := s.run(ctx, msg, *job)
	observability.JobReleased(res.Status)
	slog.Info("message processed",
		slog.String("job_id", job.ID),
		slog.String("provider", job.ProviderSlug),
		slog.String("outcome", res.Status))
	return res
}

func (s ProcessService) run(ctx domain.Context, msg domain.QueueMessage, job domain.Job) MessageResult {
	s.notify(ctx, job, domain.NotifyJobStarted, "")

	cfg, err := s.Providers.Get(ctx, job.ProviderSlug)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return s.failHard(ctx, msg.MsgID, job, "unknown provider "+job.ProviderSlug)
		}
		slog.Error("provider lookup failed, leaving message for redelivery",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return MessageResult{JobID: job.ID, Status: outcomeSkipped, Message: "provider lookup failed"}
	}
	if !cfg.Active {
		return s.failHard(ctx, msg.MsgID, job, "provider "+job.ProviderSlug+" is inactive")
	}
	client, ok := s.Registry.Client(job.ProviderSlug)
	if !ok {
		return s.failHard(ctx, msg.MsgID, job, "no client wired for provider "+job.ProviderSlug)
	}

	req := job.LLMRequest()
	if req.Model == "" {
		req.Model = cfg.DefaultModel()
	}
	if req.Model == "" {
		return s.failHard(ctx, msg.MsgID, job, "no model configured for provider "+job.ProviderSlug)
	}

	if cfg.Kind == domain.ProviderAsync && job.Payload.Background {
		return s.runAsync(ctx, msg, job, cfg, client, req)
	}
	return s.runSync(ctx, msg, job, cfg, client, req)
}

// runSync calls the provider inline and settles the job in this invocation.
func (s ProcessService) runSync(ctx domain.Context, msg domain.QueueMessage, job domain.Job, cfg domain.ProviderConfig, client domain.ProviderClient, req domain.LLMRequest) MessageResult {
	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	res, err := client.Complete(callCtx, req, cfg)
	cancel()
	if err != nil {
		return s.failJob(ctx, msg.MsgID, job, cfg.MaxRetries, err)
	}

	outcome, cerr := s.completeJob(ctx, job, domain.JobRunning, res)
	if cerr != nil {
		slog.Error("completion failed, leaving message for redelivery",
			slog.String("job_id", job.ID), slog.Any("error", cerr))
		return MessageResult{JobID: job.ID, Status: outcomeSkipped, Message: "completion failed"}
	}
	s.deleteMsg(ctx, msg.MsgID)
	return MessageResult{JobID: job.ID, Status: outcome}
}

// runAsync hands the job to the provider and parks it; the callback receiver
// finishes it. The queue message is deleted on successful submission since
// no further worker action is owed.
func (s ProcessService) runAsync(ctx domain.Context, msg domain.QueueMessage, job domain.Job, cfg domain.ProviderConfig, client domain.ProviderClient, req domain.LLMRequest) MessageResult {
	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	responseID, err := client.SubmitBackground(callCtx, req, cfg, job.ID)
	cancel()
	if err != nil {
		return s.failJob(ctx, msg.MsgID, job, cfg.MaxRetries, err)
	}

	ok, err := s.Jobs.MarkWaiting(ctx, job.ID, responseID)
	if err != nil {
		slog.Error("waiting transition failed, leaving message for redelivery",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return MessageResult{JobID: job.ID, Status: outcomeSkipped, Message: "waiting transition failed"}
	}
	if !ok {
		s.deleteMsg(ctx, msg.MsgID)
		return MessageResult{JobID: job.ID, Status: outcomeSkipped, Message: "job no longer running"}
	}
	s.deleteMsg(ctx, msg.MsgID)
	return MessageResult{JobID: job.ID, Status: string(domain.JobWaitingLLM)}
}

// completeJob settles a successful LLM result: run the feature post-processor
// when one is registered, then move the job to its terminal status. Shared
// with the callback receiver, which passes from=waiting_llm.
//
// When a post-processor will run, the job status is re-read first; a job
// cancelled while the provider call was in flight must not receive domain
// writes, and its result is discarded.
func (s ProcessService) completeJob(ctx domain.Context, job domain.Job, from domain.JobStatus, res domain.LLMResult) (string, error) {
	result := res.JobResult()

	if s.PostProc != nil && job.Feature != "" && s.PostProc.Has(job.Feature) {
		st, err := s.Jobs.Status(ctx, job.ID)
		if err != nil {
			return "", fmt.Errorf("op=process.complete job=%s: %w", job.ID, err)
		}
		if st != from {
			slog.Info("job moved before post-processing, result discarded",
				slog.String("job_id", job.ID), slog.String("status", string(st)))
			return outcomeSkipped, nil
		}
		if perr := s.PostProc.Run(ctx, job, res.Output); perr != nil {
			// Tokens are already spent; keep the raw output and do not retry.
			ok, err := s.Jobs.MarkPostProcessingFailed(ctx, job.ID, from, result, perr.Error())
			if err != nil {
				return "", fmt.Errorf("op=process.complete job=%s: %w", job.ID, err)
			}
			if !ok {
				return outcomeSkipped, nil
			}
			s.notify(ctx, job, domain.NotifyJobPostProcessingFailed, perr.Error())
			return string(domain.JobPostProcessingFailed), nil
		}
	}

	ok, err := s.Jobs.Complete(ctx, job.ID, from, result)
	if err != nil {
		return "", fmt.Errorf("op=process.complete job=%s: %w", job.ID, err)
	}
	if !ok {
		return outcomeSkipped, nil
	}
	s.notify(ctx, job, domain.NotifyJobCompleted, "")
	return string(domain.JobCompleted), nil
}

// failJob applies the retry policy after a provider failure. On a retryable
// failure under the retry budget the job moves to retrying and the message is
// deliberately left leased; redelivery happens when the visibility timeout
// expires. Anything else exhausts the job and archives the message.
func (s ProcessService) failJob(ctx domain.Context, msgID int64, job domain.Job, maxRetries int, callErr error) MessageResult {
	errMsg := errorMessage(callErr)

	if domain.IsRetryable(callErr) && job.RetryCount < maxRetries {
		ok, err := s.Jobs.MarkRetrying(ctx, job.ID, domain.JobRunning, errMsg)
		if err != nil {
			slog.Error("retry transition failed, leaving message for redelivery",
				slog.String("job_id", job.ID), slog.Any("error", err))
			return MessageResult{JobID: job.ID, Status: outcomeSkipped, Message: "retry transition failed"}
		}
		if !ok {
			s.deleteMsg(ctx, msgID)
			return MessageResult{JobID: job.ID, Status: outcomeSkipped, Message: "job no longer running"}
		}
		slog.Warn("job retrying",
			slog.String("job_id", job.ID),
			slog.Int("retry_count", job.RetryCount+1),
			slog.String("error", errMsg))
		return MessageResult{JobID: job.ID, Status: string(domain.JobRetrying), Message: errMsg}
	}

	ok, err := s.Jobs.MarkExhausted(ctx, job.ID, domain.JobRunning, errMsg)
	if err != nil {
		slog.Error("exhaust transition failed, leaving message for redelivery",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return MessageResult{JobID: job.ID, Status: outcomeSkipped, Message: "exhaust transition failed"}
	}
	if !ok {
		s.deleteMsg(ctx, msgID)
		return MessageResult{JobID: job.ID, Status: outcomeSkipped, Message: "job no longer running"}
	}
	s.archive(ctx, msgID)
	s.notify(ctx, job, domain.NotifyJobFailed, errMsg)
	return MessageResult{JobID: job.ID, Status: string(domain.JobExhausted), Message: errMsg}
}

// failHard exhausts a job that could never have been dispatched, such as an
// unknown provider or a missing model. The message is deleted, not archived;
// there is nothing a replay could fix.
func (s ProcessService) failHard(ctx domain.Context, msgID int64, job domain.Job, reason string) MessageResult {
	ok, err := s.Jobs.MarkExhausted(ctx, job.ID, domain.JobRunning, reason)
	if err != nil {
		slog.Error("exhaust transition failed, leaving message for redelivery",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return MessageResult{JobID: job.ID, Status: outcomeSkipped, Message: "exhaust transition failed"}
	}
	s.deleteMsg(ctx, msgID)
	if !ok {
		return MessageResult{JobID: job.ID, Status: outcomeSkipped, Message: "job no longer running"}
	}
	s.notify(ctx, job, domain.NotifyJobFailed, reason)
	return MessageResult{JobID: job.ID, Status: outcomeFailed, Message: reason}
}

func (s ProcessService) notify(ctx domain.Context, job domain.Job, event, errMsg string) {
	if s.Notifier == nil {
		return
	}
	s.Notifier.Notify(ctx, domain.Notification{
		Event:        event,
		JobID:        job.ID,
		TenantID:     job.TenantID,
		UserID:       job.UserID,
		ProviderSlug: job.ProviderSlug,
		Feature:      job.Feature,
		ErrorMessage: errMsg,
	})
}

func (s ProcessService) deleteMsg(ctx domain.Context, msgID int64) {
	if err := s.Queue.Delete(ctx, msgID); err != nil {
		slog.Error("queue delete failed", slog.Int64("msg_id", msgID), slog.Any("error", err))
	}
}

func (s ProcessService) archive(ctx domain.Context, msgID int64) {
	if err := s.Queue.Archive(ctx, msgID); err != nil {
		slog.Error("queue archive failed", slog.Int64("msg_id", msgID), slog.Any("error", err))
	}
}

// errorMessage prefers the normalized provider error so the stored message
// keeps its "[CODE] detail" shape regardless of wrapping.
func errorMessage(err error) string {
	if le, ok := domain.AsLLMError(err); ok {
		return le.Error()
	}
	return err.Error()
}
