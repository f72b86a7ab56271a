package usecase

import (
	"errors"
	"fmt"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

// StatusService serves tenant-scoped job reads.
type StatusService struct {
	Jobs domain.JobStore
}

// NewStatusService constructs a StatusService.
func NewStatusService(j domain.JobStore) StatusService {
	return StatusService{Jobs: j}
}

// Get returns the job when it belongs to the tenant. A foreign job reads the
// same as a missing one; ownership is never disclosed across tenants.
func (s StatusService) Get(ctx domain.Context, tenantID, jobID string) (domain.Job, error) {
	if jobID == "" {
		return domain.Job{}, fmt.Errorf("%w: job id is required", domain.ErrInvalidArgument)
	}
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.TenantID != tenantID {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return job, nil
}

// Cancel marks a non-terminal job cancelled on behalf of its tenant. Running
// work is not interrupted; the next guarded update discovers the change and
// discards its result.
func (s StatusService) Cancel(ctx domain.Context, tenantID, jobID string) (domain.Job, error) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	ok, err := s.Jobs.Cancel(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s is already terminal", domain.ErrConflict, jobID)
	}
	job, err = s.Jobs.Get(ctx, jobID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Job{}, err
	}
	return job, nil
}
