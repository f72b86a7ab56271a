package postgres

import (
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// DiagRepo appends rejected-webhook diagnostics. Logging a diagnostic must
// never fail the request that produced it, so write errors are logged and
// swallowed here.
type DiagRepo struct{ Pool PgxPool }

// NewDiagRepo constructs a DiagRepo with the given pool.
func NewDiagRepo(p PgxPool) *DiagRepo { return &DiagRepo{Pool: p} }

// Log appends one diagnostic entry.
func (r *DiagRepo) Log(ctx domain.Context, e domain.DiagnosticEntry) {
	tracer := otel.Tracer("repo.diag")
	ctx, span := tracer.Start(ctx, "diag.Log")
	defer span.End()
	q := `SELECT log_diagnostic($1, NULLIF($2,'')::uuid, NULLIF($3,''), NULLIF($4,''), NULLIF($5,''), NULLIF($6,''),
	                            NULLIF($7,''), NULLIF($8,''), NULLIF($9,''), NULLIF($10,'')::jsonb)`
	var id int64
	err := r.Pool.QueryRow(ctx, q,
		e.EventType, e.JobID, e.ProviderSlug, e.TenantID, e.ErrorCode, e.ErrorMessage,
		string(e.JobStatusAtReceipt), e.ExpectedResponseID, e.ReceivedResponseID, string(e.Payload)).Scan(&id)
	if err != nil {
		slog.Warn("diagnostic log write failed",
			slog.String("event_type", e.EventType),
			slog.String("job_id", e.JobID),
			slog.Any("error", err))
	}
}
