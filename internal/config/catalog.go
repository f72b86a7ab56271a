// Package config provides configuration loading utilities for the provider
// catalog seed.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CatalogEntry is one provider row in the YAML seed file. Entries are
// upserted into the catalog at startup; rows edited in the database win on
// subsequent boots.
type CatalogEntry struct {
	Slug              string         `yaml:"slug"`
	Kind              string         `yaml:"kind"`
	Active            *bool          `yaml:"active"`
	TimeoutSeconds    int            `yaml:"timeout_seconds"`
	MaxRetries        int            `yaml:"max_retries"`
	RetryDelaySeconds int            `yaml:"retry_delay_seconds"`
	Config            map[string]any `yaml:"config"`
}

// IsActive treats a missing active field as enabled.
func (e CatalogEntry) IsActive() bool {
	return e.Active == nil || *e.Active
}

type catalogYAML struct {
	Providers []CatalogEntry `yaml:"providers"`
}

// LoadProviderCatalog reads and validates the catalog seed file.
func LoadProviderCatalog(path string) ([]CatalogEntry, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("catalog file not found: %s", absPath)
	}

	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var doc catalogYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(doc.Providers) == 0 {
		return nil, fmt.Errorf("no providers found in catalog file: %s", path)
	}

	seen := make(map[string]bool, len(doc.Providers))
	for i, p := range doc.Providers {
		if p.Slug == "" {
			return nil, fmt.Errorf("catalog entry %d: missing slug", i)
		}
		if seen[p.Slug] {
			return nil, fmt.Errorf("catalog entry %d: duplicate slug %q", i, p.Slug)
		}
		seen[p.Slug] = true
		if p.Kind != "sync" && p.Kind != "async" {
			return nil, fmt.Errorf("catalog entry %q: kind must be sync or async, got %q", p.Slug, p.Kind)
		}
	}

	return doc.Providers, nil
}
