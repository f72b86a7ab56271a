package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// StaleJobSweeper recovers jobs stuck in running. A worker that died after
// claiming leaves the job row running with its queue message leased; once the
// visibility timeout has long passed, the sweeper requeues the job while
// retry budget remains and exhausts it otherwise.
type StaleJobSweeper struct {
	jobs          domain.JobStore
	providers     domain.ProviderCatalog
	maxRunningAge time.Duration
	interval      time.Duration
}

func NewStaleJobSweeper(jobs domain.JobStore, providers domain.ProviderCatalog, maxRunningAge, interval time.Duration) *StaleJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxRunningAge <= 0 {
		maxRunningAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleJobSweeper{
		jobs:          jobs,
		providers:     providers,
		maxRunningAge: maxRunningAge,
		interval:      interval,
	}
}

func (s *StaleJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce processes one page of stalled jobs; the next tick picks up any
// remainder, including jobs whose transition failed this round.
func (s *StaleJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StaleJobSweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	span.SetAttributes(
		attribute.Int("jobs.page_size", pageSize),
		attribute.Float64("jobs.max_running_age_seconds", s.maxRunningAge.Seconds()),
	)

	jobs, err := s.jobs.StalledRunning(ctx, s.maxRunningAge, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale job sweep failed to list jobs", slog.Any("error", err))
		return
	}

	requeued, exhausted := 0, 0
	for _, j := range jobs {
		if s.recover(ctx, j) {
			requeued++
		} else {
			exhausted++
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", len(jobs)),
		attribute.Int("jobs.requeued", requeued),
		attribute.Int("jobs.exhausted", exhausted),
	)
	if len(jobs) > 0 {
		slog.Info("stale job sweep finished",
			slog.Int("checked", len(jobs)),
			slog.Int("requeued", requeued),
			slog.Int("exhausted", exhausted))
	}
}

// recover settles one stalled job and reports whether it was requeued.
func (s *StaleJobSweeper) recover(ctx context.Context, j domain.Job) bool {
	maxRetries := 0
	if s.providers != nil {
		if pc, err := s.providers.Get(ctx, j.ProviderSlug); err == nil {
			maxRetries = pc.MaxRetries
		}
	}

	if j.RetryCount < maxRetries {
		msg := fmt.Sprintf("worker lost after %v; requeued by sweeper", s.maxRunningAge)
		ok, err := s.jobs.RequeueForRetry(ctx, j.ID, domain.JobRunning, msg)
		if err != nil {
			slog.Error("stale job requeue failed",
				slog.String("job_id", j.ID),
				slog.Any("error", err))
			return false
		}
		if !ok {
			// The job moved on between the list and the update. Leave it be.
			slog.Debug("stale job already transitioned", slog.String("job_id", j.ID))
			return false
		}
		slog.Warn("stale running job requeued",
			slog.String("job_id", j.ID),
			slog.Int("retry_count", j.RetryCount))
		return true
	}

	msg := fmt.Sprintf("worker lost after %v and no retry budget left", s.maxRunningAge)
	ok, err := s.jobs.MarkExhausted(ctx, j.ID, domain.JobRunning, msg)
	if err != nil {
		slog.Error("stale job exhaust failed",
			slog.String("job_id", j.ID),
			slog.Any("error", err))
		return false
	}
	if ok {
		slog.Warn("stale running job exhausted",
			slog.String("job_id", j.ID),
			slog.Int("retry_count", j.RetryCount))
	}
	return false
}
