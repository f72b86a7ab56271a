package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// DLQRepo stores webhooks that could not be processed, verbatim, for replay.
type DLQRepo struct{ Pool PgxPool }

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p PgxPool) *DLQRepo { return &DLQRepo{Pool: p} }

// Add stores a failed webhook payload and returns the entry id.
func (r *DLQRepo) Add(ctx domain.Context, e domain.DLQEntry) (int64, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Add")
	defer span.End()
	var id int64
	q := `SELECT add_to_dlq(NULLIF($1,'')::uuid, $2, $3, $4, NULLIF($5,'')::jsonb)`
	err := r.Pool.QueryRow(ctx, q, e.JobID, e.ProviderSlug, e.ErrorCode, e.ErrorMessage, string(e.Payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=dlq.add: %w", err)
	}
	return id, nil
}

// Resolve marks a pending entry resolved. It returns false when the entry is
// missing or already resolved.
func (r *DLQRepo) Resolve(ctx domain.Context, id int64) (bool, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Resolve")
	defer span.End()
	var ok bool
	if err := r.Pool.QueryRow(ctx, `SELECT resolve_dlq($1)`, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("op=dlq.resolve: %w", err)
	}
	return ok, nil
}

// ListPending returns pending entries older than the cooldown, oldest first.
// The cooldown keeps the replayer from hammering a payload that just failed.
func (r *DLQRepo) ListPending(ctx domain.Context, olderThan time.Duration, limit int) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.ListPending")
	defer span.End()
	cutoff := time.Now().UTC().Add(-olderThan)
	q := `SELECT id, COALESCE(job_id::text,''), provider_slug, COALESCE(error_code,''), COALESCE(error_message,''),
	             COALESCE(webhook_payload,'{}'::jsonb), state, created_at
	        FROM dlq
	       WHERE state='pending' AND created_at < $1
	       ORDER BY created_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list_pending: %w", err)
	}
	defer rows.Close()
	var out []domain.DLQEntry
	for rows.Next() {
		var e domain.DLQEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.ProviderSlug, &e.ErrorCode, &e.ErrorMessage, &payload, &e.State, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=dlq.list_pending: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.list_pending: %w", err)
	}
	return out, nil
}
