package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// ProviderRepo serves provider rows. Rows hold the retry policy and the
// provider-specific config bag; code holds the calling conventions.
type ProviderRepo struct{ Pool PgxPool }

// NewProviderRepo constructs a ProviderRepo with the given pool.
func NewProviderRepo(p PgxPool) *ProviderRepo { return &ProviderRepo{Pool: p} }

const providerColumns = `slug, kind, active, timeout_seconds, max_retries, retry_delay_seconds, config`

func scanProvider(row rowScanner) (domain.ProviderConfig, error) {
	var p domain.ProviderConfig
	var cfg []byte
	if err := row.Scan(&p.Slug, &p.Kind, &p.Active, &p.TimeoutSeconds, &p.MaxRetries, &p.RetryDelaySeconds, &cfg); err != nil {
		return domain.ProviderConfig{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &p.Config); err != nil {
			return domain.ProviderConfig{}, fmt.Errorf("decode config: %w", err)
		}
	}
	return p, nil
}

// Get loads one provider by slug.
func (r *ProviderRepo) Get(ctx domain.Context, slug string) (domain.ProviderConfig, error) {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE slug=$1`, slug)
	p, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProviderConfig{}, fmt.Errorf("op=provider.get slug=%s: %w", slug, domain.ErrNotFound)
		}
		return domain.ProviderConfig{}, fmt.Errorf("op=provider.get: %w", err)
	}
	return p, nil
}

// List returns all providers ordered by slug.
func (r *ProviderRepo) List(ctx domain.Context) ([]domain.ProviderConfig, error) {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("op=provider.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ProviderConfig
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("op=provider.list: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=provider.list: %w", err)
	}
	return out, nil
}

// Upsert writes a provider row, replacing policy and config for an existing
// slug. Startup uses it to apply the catalog file on top of the seed rows.
func (r *ProviderRepo) Upsert(ctx domain.Context, p domain.ProviderConfig) error {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.Upsert")
	defer span.End()
	cfg := p.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("op=provider.upsert: %w", err)
	}
	q := `INSERT INTO providers (slug, kind, active, timeout_seconds, max_retries, retry_delay_seconds, config)
	      VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	      ON CONFLICT (slug) DO UPDATE SET
	          kind = EXCLUDED.kind,
	          active = EXCLUDED.active,
	          timeout_seconds = EXCLUDED.timeout_seconds,
	          max_retries = EXCLUDED.max_retries,
	          retry_delay_seconds = EXCLUDED.retry_delay_seconds,
	          config = EXCLUDED.config`
	_, err = r.Pool.Exec(ctx, q, p.Slug, p.Kind, p.Active, p.TimeoutSeconds, p.MaxRetries, p.RetryDelaySeconds, string(cfgJSON))
	if err != nil {
		return fmt.Errorf("op=provider.upsert: %w", err)
	}
	return nil
}
