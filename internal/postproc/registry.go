// Package postproc routes completed LLM output to feature-specific handlers.
//
// Handlers are registered once at startup against a feature slug, the same
// way database/sql drivers register. A job whose feature has no handler
// completes as a plain passthrough.
package postproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// DB is the slice of the Postgres pool a processor may touch.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Processor persists or forwards a completed job's output. procCtx is the
// job's submission context with tenant_id forced to the job row's tenant;
// a processor must scope every write by it.
type Processor func(ctx context.Context, db DB, output string, procCtx map[string]any) error

var (
	mu         sync.RWMutex
	processors = make(map[string]Processor)
)

// Register binds a processor to a feature slug. It panics on a nil processor
// or a duplicate slug; registration happens once during startup.
func Register(feature string, p Processor) {
	mu.Lock()
	defer mu.Unlock()
	if p == nil {
		panic("postproc: Register processor is nil")
	}
	if _, dup := processors[feature]; dup {
		panic("postproc: Register called twice for feature " + feature)
	}
	processors[feature] = p
}

// Resolve returns the processor for a feature slug, or nil when none is
// registered.
func Resolve(feature string) Processor {
	mu.RLock()
	defer mu.RUnlock()
	return processors[feature]
}

// Run invokes the job's processor with a tenant-scoped context. A missing
// processor is a no-op; the caller completes the job either way.
func Run(ctx context.Context, db DB, job domain.Job, output string) error {
	p := Resolve(job.Feature)
	if p == nil {
		return nil
	}

	// The submission context is caller-supplied and untrusted; the tenant
	// always comes from the job row.
	procCtx := make(map[string]any, len(job.Context)+1)
	for k, v := range job.Context {
		procCtx[k] = v
	}
	procCtx["tenant_id"] = job.TenantID

	if err := p(ctx, db, output, procCtx); err != nil {
		return fmt.Errorf("op=postproc.run feature=%s: %w", job.Feature, err)
	}
	return nil
}

// Adapter exposes the registry as domain.PostProcessors, binding the
// database handle processors write through.
type Adapter struct {
	DB DB
}

// Has reports whether the feature slug resolves to a processor.
func (a Adapter) Has(feature string) bool { return Resolve(feature) != nil }

// Run invokes the feature's processor against a.DB.
func (a Adapter) Run(ctx context.Context, job domain.Job, output string) error {
	return Run(ctx, a.DB, job, output)
}
