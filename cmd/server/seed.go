package main

import (
	"errors"
	"log/slog"

	"github.com/fairyhunter13/llm-job-broker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llm-job-broker/internal/config"
	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// seedProviderCatalog loads the YAML catalog seed and inserts any provider
// the database does not know yet. Existing rows are left untouched so
// operator edits survive restarts.
func seedProviderCatalog(ctx domain.Context, repo *postgres.ProviderRepo, path string) error {
	entries, err := config.LoadProviderCatalog(path)
	if err != nil {
		return err
	}

	seeded := 0
	for _, e := range entries {
		if _, err := repo.Get(ctx, e.Slug); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		pc := domain.ProviderConfig{
			Slug:              e.Slug,
			Kind:              domain.ProviderKind(e.Kind),
			Active:            e.IsActive(),
			TimeoutSeconds:    e.TimeoutSeconds,
			MaxRetries:        e.MaxRetries,
			RetryDelaySeconds: e.RetryDelaySeconds,
			Config:            e.Config,
		}
		if err := repo.Upsert(ctx, pc); err != nil {
			return err
		}
		seeded++
	}

	slog.Info("provider catalog seeded",
		slog.String("path", path),
		slog.Int("entries", len(entries)),
		slog.Int("inserted", seeded))
	return nil
}
