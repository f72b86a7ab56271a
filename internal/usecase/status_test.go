package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-job-broker/internal/domain"
)

func TestStatusGet_OwnJob(t *testing.T) {
	jobs := &fakeJobs{job: domain.Job{ID: "job-1", TenantID: "t1", Status: domain.JobCompleted}}
	svc := NewStatusService(jobs)

	job, err := svc.Get(context.Background(), "t1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
}

func TestStatusGet_ForeignJobReadsAsMissing(t *testing.T) {
	jobs := &fakeJobs{job: domain.Job{ID: "job-1", TenantID: "t1"}}
	svc := NewStatusService(jobs)

	_, err := svc.Get(context.Background(), "t2", "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusGet_RequiresJobID(t *testing.T) {
	svc := NewStatusService(&fakeJobs{})

	_, err := svc.Get(context.Background(), "t1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStatusCancel_NonTerminal(t *testing.T) {
	jobs := &fakeJobs{job: domain.Job{ID: "job-1", TenantID: "t1", Status: domain.JobRunning}}
	svc := NewStatusService(jobs)

	_, err := svc.Cancel(context.Background(), "t1", "job-1")
	require.NoError(t, err)
	assert.Contains(t, jobs.calls, "cancel")
}

func TestStatusCancel_TerminalConflicts(t *testing.T) {
	jobs := &fakeJobs{
		job:       domain.Job{ID: "job-1", TenantID: "t1", Status: domain.JobCompleted},
		guardFail: map[string]bool{"cancel": true},
	}
	svc := NewStatusService(jobs)

	_, err := svc.Cancel(context.Background(), "t1", "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestStatusCancel_ForeignJob(t *testing.T) {
	jobs := &fakeJobs{job: domain.Job{ID: "job-1", TenantID: "t1", Status: domain.JobRunning}}
	svc := NewStatusService(jobs)

	_, err := svc.Cancel(context.Background(), "t2", "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotContains(t, jobs.calls, "cancel")
}
