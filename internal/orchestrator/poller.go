package orchestrator

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fiberops/conductor/internal/domain"
)

// Poller drives job completion: it periodically asks each assigned worker
// for the status of every running job and hands the outcome to the retry
// engine.
type Poller struct {
	jobs     domain.JobRepository
	client   domain.WorkerClient
	registry *Registry
	engine   *RetryEngine

	// lostThreshold bounds how long a not_found answer is tolerated before
	// the job is treated as lost.
	lostThreshold time.Duration
}

// NewPoller constructs a Poller.
func NewPoller(jobs domain.JobRepository, client domain.WorkerClient, registry *Registry, engine *RetryEngine, lostThreshold time.Duration) *Poller {
	if lostThreshold <= 0 {
		lostThreshold = 30 * time.Minute
	}
	return &Poller{jobs: jobs, client: client, registry: registry, engine: engine, lostThreshold: lostThreshold}
}

// RunOnce polls every running job once.
func (p *Poller) RunOnce(ctx domain.Context) error {
	tracer := otel.Tracer("orchestrator.poller")
	ctx, span := tracer.Start(ctx, "Poller.RunOnce")
	defer span.End()

	running, err := p.jobs.ListByStatus(ctx, domain.JobRunning)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("jobs.running", len(running)))

	for _, job := range running {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.pollOne(ctx, job)
	}
	return nil
}

func (p *Poller) pollOne(ctx domain.Context, job domain.Job) {
	if job.AssignedWorker == "" {
		// Running without a worker violates the state invariant; recover it
		// through the stale path rather than guessing here.
		slog.Error("running job has no assigned worker", slog.Int64("job_id", job.ID))
		return
	}
	st, err := p.client.Status(ctx, job.AssignedWorker, job.ID)
	if err != nil {
		// A single transport error never mutates job state.
		p.registry.RecordFailure(job.AssignedWorker)
		slog.Warn("status poll failed",
			slog.Int64("job_id", job.ID),
			slog.String("worker", job.AssignedWorker),
			slog.Any("error", err))
		return
	}
	p.registry.RecordSuccess(job.AssignedWorker)

	switch st.Status {
	case "running":
		// no change
	case "completed":
		p.engine.Complete(ctx, job, st)
	case "failed":
		jobErr := domain.JobError{Kind: domain.ErrKindSystem, Message: "worker reported failure"}
		if st.Error != nil {
			jobErr = *st.Error
		}
		p.engine.Fail(ctx, job, jobErr, st.Evidence)
	case "not_found":
		// The worker has no record: suspected lost. Only after the lost
		// threshold does it fail; a fresh dispatch may simply not have
		// registered yet on a slow worker.
		if job.StartedAt != nil && time.Since(*job.StartedAt) > p.lostThreshold {
			p.engine.Fail(ctx, job, domain.JobError{
				Kind:    domain.ErrKindLostHeartbeat,
				Message: "worker no longer knows the job",
			}, nil)
		}
	default:
		slog.Warn("unknown worker status",
			slog.Int64("job_id", job.ID),
			slog.String("status", st.Status))
	}
}
