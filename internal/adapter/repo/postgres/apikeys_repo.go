package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// APIKeyRepo looks up API keys for ingress authentication. Only the argon2id
// hash of the secret is stored.
type APIKeyRepo struct{ Pool PgxPool }

// NewAPIKeyRepo constructs an APIKeyRepo with the given pool.
func NewAPIKeyRepo(p PgxPool) *APIKeyRepo { return &APIKeyRepo{Pool: p} }

// Insert stores a new key row. The caller hashes the secret; plaintext
// never reaches this layer.
func (r *APIKeyRepo) Insert(ctx domain.Context, k domain.APIKey) error {
	tracer := otel.Tracer("repo.apikeys")
	ctx, span := tracer.Start(ctx, "apikeys.Insert")
	defer span.End()
	q := `INSERT INTO api_keys (key_id, tenant_id, user_id, secret_hash, active) VALUES ($1, $2, NULLIF($3,''), $4, $5)`
	if _, err := r.Pool.Exec(ctx, q, k.KeyID, k.TenantID, k.UserID, k.SecretHash, k.Active); err != nil {
		return fmt.Errorf("op=apikey.insert: %w", err)
	}
	return nil
}

// FindByKeyID loads one key by its public id.
func (r *APIKeyRepo) FindByKeyID(ctx domain.Context, keyID string) (domain.APIKey, error) {
	tracer := otel.Tracer("repo.apikeys")
	ctx, span := tracer.Start(ctx, "apikeys.FindByKeyID")
	defer span.End()
	q := `SELECT key_id, tenant_id, COALESCE(user_id,''), secret_hash, active, created_at FROM api_keys WHERE key_id=$1`
	var k domain.APIKey
	err := r.Pool.QueryRow(ctx, q, keyID).Scan(&k.KeyID, &k.TenantID, &k.UserID, &k.SecretHash, &k.Active, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.APIKey{}, fmt.Errorf("op=apikey.find: %w", domain.ErrNotFound)
		}
		return domain.APIKey{}, fmt.Errorf("op=apikey.find: %w", err)
	}
	return k, nil
}
