package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/llm-job-broker/internal/config"
	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/observability"
	"github.com/fairyhunter13/llm-job-broker/internal/usecase"
)

// Replayer re-drives pending dead-letter entries through the callback path
// once they have cooled off. Entries that fail again stay pending for the
// next sweep; there is no retry cap, a poisoned entry surfaces through the
// dlq_replays_total deferred count instead.
type Replayer struct {
	Webhooks usecase.WebhookService
	DLQ      domain.DLQStore
	Cooldown time.Duration
	Batch    int
	Interval time.Duration
}

// NewReplayer builds a Replayer from the app config.
func NewReplayer(wh usecase.WebhookService, dlq domain.DLQStore, cfg config.Config) Replayer {
	return Replayer{
		Webhooks: wh,
		DLQ:      dlq,
		Cooldown: cfg.DLQReplayCooldown,
		Batch:    cfg.DLQReplayBatch,
		Interval: cfg.DLQReplayInterval,
	}
}

// ReplayOnce replays one batch of entries older than the cooldown and
// reports how many it attempted.
func (r Replayer) ReplayOnce(ctx domain.Context) (int, error) {
	entries, err := r.DLQ.ListPending(ctx, r.Cooldown, r.Batch)
	if err != nil {
		return 0, fmt.Errorf("op=dispatch.ReplayOnce: %w", err)
	}
	for _, e := range entries {
		disp := r.Webhooks.HandleReplay(ctx, e.ID, e.ProviderSlug, e.Payload)
		outcome := "resolved"
		if disp == domain.DiagProcessingError {
			outcome = "deferred"
		}
		observability.DLQReplayed(outcome)
	}
	return len(entries), nil
}

// Run sweeps on a fixed interval until ctx is canceled.
func (r Replayer) Run(ctx domain.Context) {
	slog.Info("dlq replay loop started",
		slog.Duration("interval", r.Interval),
		slog.Duration("cooldown", r.Cooldown),
		slog.Int("batch", r.Batch))

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("dlq replay loop stopped")
			return
		case <-ticker.C:
			n, err := r.ReplayOnce(ctx)
			if err != nil {
				slog.Error("dlq replay sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("dlq replay sweep finished", slog.Int("attempted", n))
			}
		}
	}
}
