package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// CleanupService handles data retention. It prunes finished jobs,
// diagnostics, webhook dedup records, resolved DLQ entries, and archived
// queue messages past the retention window. Pending DLQ entries are kept
// regardless of age.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than retention period
func (s *CleanupService) CleanupOldData(ctx domain.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	// Start transaction for consistency
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	deletes := []struct {
		name string
		sql  string
	}{
		{"jobs", `DELETE FROM jobs WHERE completed_at IS NOT NULL AND completed_at < $1`},
		{"diagnostic_log", `DELETE FROM diagnostic_log WHERE created_at < $1`},
		{"webhook_records", `DELETE FROM webhook_records WHERE created_at < $1`},
		{"dlq", `DELETE FROM dlq WHERE state = 'resolved' AND created_at < $1`},
		{"queue_archive", `DELETE FROM dispatch_queue_archive WHERE archived_at < $1`},
	}

	attrs := make([]any, 0, len(deletes)+1)
	for _, d := range deletes {
		tag, err := tx.Exec(ctx, d.sql, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup %s: %w", d.name, err)
		}
		attrs = append(attrs, slog.Int64("deleted_"+d.name, tag.RowsAffected()))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	attrs = append(attrs, slog.Time("cutoff", cutoff))
	slog.Info("data cleanup completed", attrs...)

	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx domain.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
