// Package usecase contains the application services behind the orchestrator
// HTTP API.
package usecase

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fiberops/conductor/internal/adapter/observability"
	"github.com/fiberops/conductor/internal/domain"
)

// JobService handles job submission, lookup and operator cancellation.
type JobService struct {
	jobs       domain.JobRepository
	evidence   domain.EvidenceRepository
	maxRetries int
}

// NewJobService constructs a JobService. maxRetries is the default retry
// budget applied to submissions that do not carry their own.
func NewJobService(jobs domain.JobRepository, evidence domain.EvidenceRepository, maxRetries int) *JobService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &JobService{jobs: jobs, evidence: evidence, maxRetries: maxRetries}
}

// Submit creates a job, idempotent on (provider, external_id). The returned
// bool is true when this call created the job and false when an existing job
// was returned unchanged.
func (s *JobService) Submit(ctx domain.Context, req domain.CreateJobRequest) (domain.Job, bool, error) {
	tracer := otel.Tracer("usecase.jobs")
	ctx, span := tracer.Start(ctx, "JobService.Submit")
	defer span.End()

	if req.MaxRetries <= 0 {
		req.MaxRetries = s.maxRetries
	}
	job, created, err := s.jobs.Create(ctx, req)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.Submit: %w", err)
	}
	if created {
		observability.JobsSubmittedTotal.WithLabelValues(req.Provider, string(req.Action)).Inc()
	}
	return job, created, nil
}

// Detail returns one job by id.
func (s *JobService) Detail(ctx domain.Context, id int64) (domain.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.Detail: %w", err)
	}
	return job, nil
}

// List pages jobs, optionally filtered by status.
func (s *JobService) List(ctx domain.Context, status domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.jobs.List(ctx, status, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.List: %w", err)
	}
	return jobs, nil
}

// Cancel moves a non-terminal job to dead with cancelled_by_operator. A
// worker-side run that later reports back is discarded by the CAS on status.
// Cancelling a terminal job returns ErrConflict.
func (s *JobService) Cancel(ctx domain.Context, id int64) (domain.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.Cancel: %w", err)
	}
	if job.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("op=jobs.Cancel: job %d already %s: %w", id, job.Status, domain.ErrConflict)
	}
	now := time.Now().UTC()
	jobErr := domain.JobError{Kind: domain.ErrKindCancelled, Message: "cancelled by operator"}
	err = s.jobs.TransitionStatus(ctx, id, job.Status, domain.JobDead, domain.TransitionPatch{
		CompletedAt: &now,
		Error:       &jobErr,
	})
	if errors.Is(err, domain.ErrConflict) {
		// The job transitioned underneath us; reread and retry once before
		// giving up.
		job, gerr := s.jobs.Get(ctx, id)
		if gerr != nil {
			return domain.Job{}, fmt.Errorf("op=jobs.Cancel: %w", gerr)
		}
		if job.Status.Terminal() {
			return domain.Job{}, fmt.Errorf("op=jobs.Cancel: job %d already %s: %w", id, job.Status, domain.ErrConflict)
		}
		err = s.jobs.TransitionStatus(ctx, id, job.Status, domain.JobDead, domain.TransitionPatch{
			CompletedAt: &now,
			Error:       &jobErr,
		})
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.Cancel: %w", err)
	}
	observability.JobsDeadTotal.Inc()
	return s.jobs.Get(ctx, id)
}

// Evidence lists the stored artifacts for a job. The job must exist.
func (s *JobService) Evidence(ctx domain.Context, jobID int64) ([]domain.Evidence, error) {
	if _, err := s.jobs.Get(ctx, jobID); err != nil {
		return nil, fmt.Errorf("op=jobs.Evidence: %w", err)
	}
	items, err := s.evidence.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.Evidence: %w", err)
	}
	return items, nil
}
