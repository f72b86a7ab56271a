package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// WebhookRepo records processed webhook deliveries. The (provider, webhook id)
// pair is unique, which makes redelivered callbacks detectable.
type WebhookRepo struct{ Pool PgxPool }

// NewWebhookRepo constructs a WebhookRepo with the given pool.
func NewWebhookRepo(p PgxPool) *WebhookRepo { return &WebhookRepo{Pool: p} }

// RecordWebhook inserts the delivery record. It returns false when the same
// delivery was already recorded, so callers can skip duplicate processing.
func (r *WebhookRepo) RecordWebhook(ctx domain.Context, providerSlug, webhookID, jobID, eventType string) (bool, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.Record")
	defer span.End()
	var inserted bool
	q := `SELECT record_webhook($1, $2, NULLIF($3,'')::uuid, $4)`
	if err := r.Pool.QueryRow(ctx, q, providerSlug, webhookID, jobID, eventType).Scan(&inserted); err != nil {
		return false, fmt.Errorf("op=webhook.record: %w", err)
	}
	return inserted, nil
}
