// Package quota fronts the authoritative monthly rate counter with a Redis
// negative cache. Postgres decides; Redis only remembers exhaustion so a
// tenant hammering the ingress after a 429 stops costing a DB round-trip.
package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/observability"
)

// CachedLimiter implements domain.RateLimiter over an authoritative store.
// A nil Redis client disables the cache entirely; every Redis failure falls
// open to the store path.
type CachedLimiter struct {
	store domain.RateLimiter
	rdb   *redis.Client
}

// NewCachedLimiter wraps store. rdb may be nil.
func NewCachedLimiter(store domain.RateLimiter, rdb *redis.Client) *CachedLimiter {
	return &CachedLimiter{store: store, rdb: rdb}
}

func exhaustedKey(tenantID, period string) string {
	return "quota:exhausted:" + tenantID + ":" + period
}

// Increment consumes one quota unit. Cached exhaustion short-circuits with
// ErrRateLimited and the counter numbers captured at exhaustion time.
func (l *CachedLimiter) Increment(ctx domain.Context, tenantID string) (domain.RateLimitResult, error) {
	now := time.Now()
	period := domain.QuotaPeriod(now)

	if l.rdb != nil {
		val, err := l.rdb.Get(ctx, exhaustedKey(tenantID, period)).Result()
		switch {
		case err == nil:
			if res, ok := parseCached(val); ok {
				observability.QuotaDecision("cache_exhausted")
				return res, fmt.Errorf("op=quota.increment tenant=%s: %w", tenantID, domain.ErrRateLimited)
			}
			// Unreadable entry; the store stays authoritative.
		case !errors.Is(err, redis.Nil):
			slog.Warn("quota cache read failed",
				slog.String("tenant_id", tenantID),
				slog.Any("error", err))
		}
	}

	res, err := l.store.Increment(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			observability.QuotaDecision("exhausted")
			l.markExhausted(ctx, tenantID, period, now, res)
		}
		return res, err
	}
	observability.QuotaDecision("allowed")
	return res, nil
}

// markExhausted caches the denial until the period resets.
func (l *CachedLimiter) markExhausted(ctx domain.Context, tenantID, period string, now time.Time, res domain.RateLimitResult) {
	if l.rdb == nil {
		return
	}
	ttl := time.Until(domain.PeriodReset(now))
	if ttl <= 0 {
		return
	}
	val := fmt.Sprintf("%d/%d", res.Used, res.Quota)
	if err := l.rdb.Set(ctx, exhaustedKey(tenantID, period), val, ttl).Err(); err != nil {
		slog.Warn("quota cache write failed",
			slog.String("tenant_id", tenantID),
			slog.Any("error", err))
	}
}

// parseCached decodes the "used/quota" value stored at exhaustion time.
func parseCached(val string) (domain.RateLimitResult, bool) {
	usedStr, quotaStr, ok := strings.Cut(val, "/")
	if !ok {
		return domain.RateLimitResult{}, false
	}
	used, err := strconv.Atoi(usedStr)
	if err != nil {
		return domain.RateLimitResult{}, false
	}
	quota, err := strconv.Atoi(quotaStr)
	if err != nil {
		return domain.RateLimitResult{}, false
	}
	return domain.RateLimitResult{Used: used, Quota: quota}, true
}
