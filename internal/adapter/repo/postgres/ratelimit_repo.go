package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// RateLimitRepo enforces the per-tenant monthly quota. The increment and the
// limit check happen in one SQL function call, so concurrent submissions
// cannot both consume the last slot.
type RateLimitRepo struct {
	Pool         PgxPool
	DefaultQuota int
}

// NewRateLimitRepo constructs a RateLimitRepo with the given pool and the
// quota applied to tenants without an explicit row.
func NewRateLimitRepo(p PgxPool, defaultQuota int) *RateLimitRepo {
	return &RateLimitRepo{Pool: p, DefaultQuota: defaultQuota}
}

// Increment consumes one quota slot for the tenant's current month. When the
// quota is exhausted the counter is left untouched and ErrRateLimited is
// returned together with the current counter state.
func (r *RateLimitRepo) Increment(ctx domain.Context, tenantID string) (domain.RateLimitResult, error) {
	tracer := otel.Tracer("repo.ratelimit")
	ctx, span := tracer.Start(ctx, "ratelimit.Increment")
	defer span.End()
	period := domain.QuotaPeriod(time.Now())
	var (
		res     domain.RateLimitResult
		allowed bool
	)
	q := `SELECT used, quota, allowed FROM increment_rate_limit($1, $2, $3)`
	if err := r.Pool.QueryRow(ctx, q, tenantID, period, r.DefaultQuota).Scan(&res.Used, &res.Quota, &allowed); err != nil {
		return domain.RateLimitResult{}, fmt.Errorf("op=ratelimit.increment: %w", err)
	}
	if !allowed {
		return res, fmt.Errorf("op=ratelimit.increment tenant=%s: %w", tenantID, domain.ErrRateLimited)
	}
	return res, nil
}
