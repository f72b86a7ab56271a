package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// Claims go through the claim_job SQL function; every other transition is a
// conditional UPDATE guarded on the expected prior status.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, tenant_id, COALESCE(user_id,''), provider_slug, COALESCE(feature,''), status,
	payload, context, retry_count, COALESCE(llm_response_id,''), result, COALESCE(error_message,''),
	created_at, started_at, completed_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j       domain.Job
		payload []byte
		jobCtx  []byte
		result  []byte
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.UserID, &j.ProviderSlug, &j.Feature, &j.Status,
		&payload, &jobCtx, &j.RetryCount, &j.LLMResponseID, &result, &j.ErrorMessage,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return domain.Job{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(jobCtx) > 0 {
		if err := json.Unmarshal(jobCtx, &j.Context); err != nil {
			return domain.Job{}, fmt.Errorf("decode context: %w", err)
		}
	}
	if len(result) > 0 {
		j.Result = &domain.JobResult{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return domain.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	return j, nil
}

// Create inserts a new job in state queued and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	jobCtx := j.Context
	if jobCtx == nil {
		jobCtx = map[string]any{}
	}
	ctxJSON, err := json.Marshal(jobCtx)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	q := `INSERT INTO jobs (id, tenant_id, user_id, provider_slug, feature, status, payload, context)
	      VALUES ($1, $2, NULLIF($3,''), $4, NULLIF($5,''), 'queued', $6::jsonb, $7::jsonb)`
	_, err = r.Pool.Exec(ctx, q, id, j.TenantID, j.UserID, j.ProviderSlug, j.Feature, string(payload), string(ctxJSON))
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Status re-reads just the current status; the worker uses it right before
// post-processor writes to notice mid-flight cancellation.
func (r *JobRepo) Status(ctx domain.Context, id string) (domain.JobStatus, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Status")
	defer span.End()
	var status domain.JobStatus
	if err := r.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=job.status: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=job.status: %w", err)
	}
	return status, nil
}

// FindByResponseID loads the newest job carrying the given provider response id.
func (r *JobRepo) FindByResponseID(ctx domain.Context, providerSlug, responseID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByResponseID")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE provider_slug=$1 AND llm_response_id=$2 ORDER BY created_at DESC LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, providerSlug, responseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.find_response: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_response: %w", err)
	}
	return j, nil
}

// Claim atomically moves queued|retrying to running and returns the row.
// nil means the precondition failed (already claimed, cancelled, terminal).
func (r *JobRepo) Claim(ctx domain.Context, id string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM claim_job($1)`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=job.claim: %w", err)
	}
	return &j, nil
}

// MarkWaiting records the async submission: running -> waiting_llm.
func (r *JobRepo) MarkWaiting(ctx domain.Context, id string, responseID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkWaiting")
	defer span.End()
	q := `UPDATE jobs SET status='waiting_llm', llm_response_id=$2, updated_at=now() WHERE id=$1 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, id, responseID)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_waiting: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete finishes a job from running or waiting_llm.
func (r *JobRepo) Complete(ctx domain.Context, id string, from domain.JobStatus, res domain.JobResult) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	resJSON, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("op=job.complete: %w", err)
	}
	q := `UPDATE jobs SET status='completed', result=$3::jsonb, error_message=NULL, completed_at=now(), updated_at=now()
	      WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, string(resJSON))
	if err != nil {
		return false, fmt.Errorf("op=job.complete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRetrying schedules another attempt and bumps retry_count.
func (r *JobRepo) MarkRetrying(ctx domain.Context, id string, from domain.JobStatus, errMsg string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRetrying")
	defer span.End()
	q := `UPDATE jobs SET status='retrying', retry_count=retry_count+1, error_message=$3, updated_at=now()
	      WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, errMsg)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_retrying: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkExhausted ends the job after its final failed attempt.
func (r *JobRepo) MarkExhausted(ctx domain.Context, id string, from domain.JobStatus, errMsg string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkExhausted")
	defer span.End()
	q := `UPDATE jobs SET status='exhausted', error_message=$3, completed_at=now(), updated_at=now()
	      WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, errMsg)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_exhausted: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPostProcessingFailed ends the job keeping the raw model output; the
// tokens were spent, so the result survives even though the domain write
// failed.
func (r *JobRepo) MarkPostProcessingFailed(ctx domain.Context, id string, from domain.JobStatus, res domain.JobResult, errMsg string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkPostProcessingFailed")
	defer span.End()
	resJSON, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_postproc_failed: %w", err)
	}
	q := `UPDATE jobs SET status='post_processing_failed', result=$3::jsonb, error_message=$4, completed_at=now(), updated_at=now()
	      WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, string(resJSON), errMsg)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_postproc_failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel moves any non-terminal job to cancelled.
func (r *JobRepo) Cancel(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	q := `UPDATE jobs SET status='cancelled', completed_at=now(), updated_at=now()
	      WHERE id=$1 AND status IN ('queued','running','waiting_llm','retrying')`
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("op=job.cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RequeueForRetry is the callback-path retry helper: the worker already
// deleted the original queue message after submission, so the guarded
// status update and the fresh enqueue happen in one transaction.
func (r *JobRepo) RequeueForRetry(ctx domain.Context, id string, from domain.JobStatus, errMsg string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueForRetry")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("op=job.requeue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE jobs SET status='retrying', retry_count=retry_count+1, error_message=$3, updated_at=now()
	      WHERE id=$1 AND status=$2`
	tag, err := tx.Exec(ctx, q, id, from, errMsg)
	if err != nil {
		return false, fmt.Errorf("op=job.requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	var msgID int64
	if err := tx.QueryRow(ctx, `SELECT enqueue_job($1)`, id).Scan(&msgID); err != nil {
		return false, fmt.Errorf("op=job.requeue: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=job.requeue: %w", err)
	}
	return true, nil
}

// StalledRunning pages jobs stuck in running since before the cutoff.
func (r *JobRepo) StalledRunning(ctx domain.Context, olderThan time.Duration, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.StalledRunning")
	defer span.End()
	cutoff := time.Now().UTC().Add(-olderThan)
	q := `SELECT ` + jobColumns + ` FROM jobs
	      WHERE status='running' AND started_at < $1
	      ORDER BY started_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.stalled: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.stalled: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.stalled: %w", err)
	}
	return out, nil
}
