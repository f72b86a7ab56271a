package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// QueueRepo is the Postgres-backed dispatch queue. Reads take a visibility
// timeout via read_dispatch_queue, so an unacknowledged message reappears
// after the timeout instead of being lost with its worker.
type QueueRepo struct{ Pool PgxPool }

// NewQueueRepo constructs a QueueRepo with the given pool.
func NewQueueRepo(p PgxPool) *QueueRepo { return &QueueRepo{Pool: p} }

// Enqueue appends a dispatch message for the job and returns the message id.
func (r *QueueRepo) Enqueue(ctx domain.Context, jobID string) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	var msgID int64
	if err := r.Pool.QueryRow(ctx, `SELECT enqueue_job($1)`, jobID).Scan(&msgID); err != nil {
		return 0, fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return msgID, nil
}

// Read claims up to max visible messages and hides them for vt. Messages come
// back oldest first; concurrent readers skip rows another reader holds.
func (r *QueueRepo) Read(ctx domain.Context, vt time.Duration, max int) ([]domain.QueueMessage, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Read")
	defer span.End()
	secs := int(vt.Seconds())
	rows, err := r.Pool.Query(ctx, `SELECT msg_id, read_ct, enqueued_at, vt, message FROM read_dispatch_queue($1, $2)`, secs, max)
	if err != nil {
		return nil, fmt.Errorf("op=queue.read: %w", err)
	}
	defer rows.Close()
	var out []domain.QueueMessage
	for rows.Next() {
		var m domain.QueueMessage
		var payload []byte
		if err := rows.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &m.VT, &payload); err != nil {
			return nil, fmt.Errorf("op=queue.read: %w", err)
		}
		m.Payload = payload
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.read: %w", err)
	}
	return out, nil
}

// Delete acknowledges a message. Deleting a message that is already gone is
// not an error.
func (r *QueueRepo) Delete(ctx domain.Context, msgID int64) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Delete")
	defer span.End()
	var ok bool
	if err := r.Pool.QueryRow(ctx, `SELECT delete_dispatch_message($1)`, msgID).Scan(&ok); err != nil {
		return fmt.Errorf("op=queue.delete: %w", err)
	}
	return nil
}

// Archive moves a message to the archive table for later replay or audit.
func (r *QueueRepo) Archive(ctx domain.Context, msgID int64) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Archive")
	defer span.End()
	var ok bool
	if err := r.Pool.QueryRow(ctx, `SELECT archive_dispatch_message($1)`, msgID).Scan(&ok); err != nil {
		return fmt.Errorf("op=queue.archive: %w", err)
	}
	return nil
}
