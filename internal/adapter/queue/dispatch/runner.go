// Package dispatch drains the job queue and re-drives cooled dead-letter
// entries. The same RunOnce pass powers the on-demand HTTP trigger and the
// worker's poll loop.
package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/llm-job-broker/internal/config"
	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/usecase"
)

// RunResult summarizes one drain pass over the queue.
type RunResult struct {
	Processed bool                    `json:"processed"`
	Count     int                     `json:"count,omitempty"`
	Results   []usecase.MessageResult `json:"results,omitempty"`
}

// Runner leases a batch of messages and hands them to the processor one at
// a time, in the queue's read order.
type Runner struct {
	Proc              usecase.ProcessService
	Queue             domain.DispatchQueue
	VisibilityTimeout time.Duration
	BatchSize         int
	PollInterval      time.Duration
	PollMaxInterval   time.Duration
}

// NewRunner builds a Runner from the app config.
func NewRunner(proc usecase.ProcessService, q domain.DispatchQueue, cfg config.Config) Runner {
	return Runner{
		Proc:              proc,
		Queue:             q,
		VisibilityTimeout: cfg.VisibilityTimeout,
		BatchSize:         cfg.QueueBatchSize,
		PollInterval:      cfg.WorkerPollInterval,
		PollMaxInterval:   cfg.WorkerPollMaxInterval,
	}
}

// RunOnce drains at most one batch. An empty read reports Processed false.
// Read failures surface to the caller; per-message failures never do, each
// message settles its own fate through the processor.
func (r Runner) RunOnce(ctx domain.Context) (RunResult, error) {
	msgs, err := r.Queue.Read(ctx, r.VisibilityTimeout, r.BatchSize)
	if err != nil {
		return RunResult{}, fmt.Errorf("op=dispatch.RunOnce: %w", err)
	}
	if len(msgs) == 0 {
		return RunResult{}, nil
	}

	results := make([]usecase.MessageResult, 0, len(msgs))
	for _, msg := range msgs {
		results = append(results, r.Proc.ProcessMessage(ctx, msg))
	}
	return RunResult{Processed: true, Count: len(results), Results: results}, nil
}

// Run polls until ctx is canceled. The sleep between empty reads grows
// exponentially up to PollMaxInterval and snaps back to PollInterval as
// soon as a read returns work.
func (r Runner) Run(ctx domain.Context) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.PollInterval
	expo.MaxInterval = r.PollMaxInterval
	expo.MaxElapsedTime = 0
	expo.Reset()

	slog.Info("dispatch loop started",
		slog.Duration("poll_interval", r.PollInterval),
		slog.Duration("poll_max_interval", r.PollMaxInterval),
		slog.Int("batch_size", r.BatchSize))

	for {
		res, err := r.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			slog.Info("dispatch loop stopped")
			return
		case err != nil:
			slog.Error("queue read failed", slog.Any("error", err))
		case res.Processed:
			// More work may be waiting; drain before sleeping again.
			expo.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("dispatch loop stopped")
			return
		case <-time.After(expo.NextBackOff()):
		}
	}
}
