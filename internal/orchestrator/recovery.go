package orchestrator

import (
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fiberops/conductor/internal/adapter/observability"
	"github.com/fiberops/conductor/internal/domain"
)

// CallbackSink receives terminal jobs for upstream delivery.
type CallbackSink interface {
	Enqueue(job domain.Job)
}

// RetryEngine resolves worker-reported outcomes into final job state:
// completions are recorded exactly once, failures are rescheduled with
// backoff or moved to dead, and stale running jobs are reclaimed.
type RetryEngine struct {
	jobs     domain.JobRepository
	evidence domain.EvidenceRepository
	client   domain.WorkerClient
	registry *Registry
	sink     CallbackSink

	backoff        domain.BackoffPolicy
	staleThreshold time.Duration
}

// NewRetryEngine constructs the retry/recovery engine.
func NewRetryEngine(jobs domain.JobRepository, evidence domain.EvidenceRepository, client domain.WorkerClient, registry *Registry, sink CallbackSink, backoff domain.BackoffPolicy, staleThreshold time.Duration) *RetryEngine {
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	return &RetryEngine{
		jobs:           jobs,
		evidence:       evidence,
		client:         client,
		registry:       registry,
		sink:           sink,
		backoff:        backoff,
		staleThreshold: staleThreshold,
	}
}

// Complete records a successful outcome. A CAS conflict means the completion
// was already applied or the job was cancelled meanwhile; either way the
// late result is discarded.
func (e *RetryEngine) Complete(ctx domain.Context, job domain.Job, st domain.WorkerStatus) {
	if err := e.jobs.RecordResult(ctx, job.ID, domain.JobCompleted, st.Result, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.Debug("duplicate or cancelled completion discarded", slog.Int64("job_id", job.ID))
			return
		}
		slog.Error("failed to record completion", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}
	e.storeEvidence(ctx, job.ID, st.Evidence)
	observability.JobsCompletedTotal.WithLabelValues(job.Provider).Inc()
	if e.registry != nil && job.AssignedWorker != "" {
		e.registry.RecordRelease(job.AssignedWorker)
	}
	if fresh, err := e.jobs.Get(ctx, job.ID); err == nil && e.sink != nil {
		e.sink.Enqueue(fresh)
	}
}

// Fail resolves a failure per the retry policy: retryable kinds under the
// retry budget go back to pending with backoff, everything else goes to
// dead and is reported upstream.
func (e *RetryEngine) Fail(ctx domain.Context, job domain.Job, jobErr domain.JobError, ev []domain.Evidence) {
	// running -> failed first; a conflict means the job already left
	// running (duplicate report or operator cancel) and there is nothing to
	// resolve.
	if err := e.jobs.TransitionStatus(ctx, job.ID, domain.JobRunning, domain.JobFailed, domain.TransitionPatch{Error: &jobErr}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.Debug("duplicate failure report discarded", slog.Int64("job_id", job.ID))
			return
		}
		slog.Error("failed to mark job failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}
	e.storeEvidence(ctx, job.ID, ev)
	observability.JobsFailedTotal.WithLabelValues(string(jobErr.Kind)).Inc()
	if e.registry != nil && job.AssignedWorker != "" {
		e.registry.RecordRelease(job.AssignedWorker)
	}
	e.resolveFailed(ctx, job, jobErr)
}

// resolveFailed turns the transient failed state into pending or dead before
// the next dispatcher pass.
func (e *RetryEngine) resolveFailed(ctx domain.Context, job domain.Job, jobErr domain.JobError) {
	maxRetries := jobErr.Kind.MaxRetriesFor(job.MaxRetries)
	if jobErr.Kind.Retryable() && job.RetryCount < maxRetries {
		rc := job.RetryCount + 1
		next := time.Now().UTC().Add(e.backoff.Delay(rc))
		if err := e.jobs.TransitionStatus(ctx, job.ID, domain.JobFailed, domain.JobPending, domain.TransitionPatch{
			RetryCount: &rc,
			NextRunAt:  &next,
		}); err != nil {
			slog.Error("failed to reschedule job", slog.Int64("job_id", job.ID), slog.Any("error", err))
			return
		}
		observability.JobsRetriedTotal.Inc()
		slog.Info("job rescheduled",
			slog.Int64("job_id", job.ID),
			slog.String("kind", string(jobErr.Kind)),
			slog.Int("retry_count", rc),
			slog.Time("next_run_at", next))
		return
	}

	now := time.Now().UTC()
	if err := e.jobs.TransitionStatus(ctx, job.ID, domain.JobFailed, domain.JobDead, domain.TransitionPatch{
		CompletedAt: &now,
		Error:       &jobErr,
	}); err != nil {
		slog.Error("failed to mark job dead", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsDeadTotal.Inc()
	slog.Warn("job moved to dead",
		slog.Int64("job_id", job.ID),
		slog.String("kind", string(jobErr.Kind)),
		slog.Int("retry_count", job.RetryCount))
	if fresh, err := e.jobs.Get(ctx, job.ID); err == nil && e.sink != nil {
		e.sink.Enqueue(fresh)
	}
}

// RecoverStale reclaims running jobs past the stale threshold. Each stale
// job gets one status probe; only if the worker cannot confirm it does the
// job fail with lost_heartbeat and re-enter the retry policy.
func (e *RetryEngine) RecoverStale(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("orchestrator.recovery")
	ctx, span := tracer.Start(ctx, "RetryEngine.RecoverStale")
	defer span.End()

	stale, err := e.jobs.ListStale(ctx, e.staleThreshold, time.Now())
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range stale {
		if job.AssignedWorker != "" {
			st, perr := e.client.Status(ctx, job.AssignedWorker, job.ID)
			if perr == nil {
				switch st.Status {
				case "running":
					// The worker still has it; not lost, just slow.
					continue
				case "completed":
					e.Complete(ctx, job, st)
					continue
				case "failed":
					jobErr := domain.JobError{Kind: domain.ErrKindSystem, Message: "worker reported failure"}
					if st.Error != nil {
						jobErr = *st.Error
					}
					e.Fail(ctx, job, jobErr, st.Evidence)
					continue
				}
			}
		}
		e.Fail(ctx, job, domain.JobError{
			Kind:    domain.ErrKindLostHeartbeat,
			Message: "worker could not confirm job past stale threshold",
		}, nil)
		observability.StaleJobsRecoveredTotal.Inc()
		recovered++
	}
	if recovered > 0 {
		slog.Info("stale jobs recovered", slog.Int("count", recovered))
	}
	return recovered, nil
}

func (e *RetryEngine) storeEvidence(ctx domain.Context, jobID int64, items []domain.Evidence) {
	if e.evidence == nil {
		return
	}
	for _, ev := range items {
		ev.JobID = jobID
		if _, err := e.evidence.Append(ctx, ev); err != nil {
			slog.Error("failed to store evidence", slog.Int64("job_id", jobID), slog.String("name", ev.Name), slog.Any("error", err))
		}
	}
}
