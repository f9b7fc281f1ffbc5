package orchestrator

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fiberops/conductor/internal/adapter/observability"
	"github.com/fiberops/conductor/internal/domain"
)

// Dispatcher converts eligible pending jobs into running jobs on healthy
// workers. One RunOnce is a full pass: it claims and dispatches until no
// eligible job or no spare capacity remains.
type Dispatcher struct {
	jobs     domain.JobRepository
	registry *Registry
	client   domain.WorkerClient

	dispatchBackoff    time.Duration
	refusalCountsRetry bool

	mu       sync.Mutex
	refusals map[int64]int
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(jobs domain.JobRepository, registry *Registry, client domain.WorkerClient, dispatchBackoff time.Duration, refusalCountsRetry bool) *Dispatcher {
	if dispatchBackoff <= 0 {
		dispatchBackoff = 15 * time.Second
	}
	return &Dispatcher{
		jobs:               jobs,
		registry:           registry,
		client:             client,
		dispatchBackoff:    dispatchBackoff,
		refusalCountsRetry: refusalCountsRetry,
		refusals:           make(map[int64]int),
	}
}

// RunOnce performs one dispatch pass and returns the number of jobs started.
func (d *Dispatcher) RunOnce(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("orchestrator.dispatcher")
	ctx, span := tracer.Start(ctx, "Dispatcher.RunOnce")
	defer span.End()

	dispatched := 0
	for {
		workers := d.registry.Available()
		if len(workers) == 0 {
			break
		}
		progress := false
		for _, w := range workers {
			if ctx.Err() != nil {
				return dispatched, ctx.Err()
			}
			job, err := d.jobs.ClaimNextReady(ctx, time.Now(), w.Providers)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return dispatched, err
			}
			if d.dispatch(ctx, w, job) {
				dispatched++
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	span.SetAttributes(attribute.Int("jobs.dispatched", dispatched))
	return dispatched, nil
}

// dispatch delivers one claimed job to one worker. Refusals and transport
// failures are infrastructure, not job failures: the job goes back to
// pending with a short backoff and retry_count is untouched.
func (d *Dispatcher) dispatch(ctx domain.Context, w domain.Worker, job domain.Job) bool {
	err := d.client.Dispatch(ctx, w.Endpoint, job)
	if err != nil {
		reason := "error"
		if errors.Is(err, domain.ErrUnavailable) {
			reason = "refused"
		}
		observability.DispatchFailuresTotal.WithLabelValues(w.Endpoint, reason).Inc()
		d.registry.RecordFailure(w.Endpoint)
		d.requeue(ctx, job)
		slog.Warn("dispatch failed",
			slog.Int64("job_id", job.ID),
			slog.String("worker", w.Endpoint),
			slog.String("reason", reason),
			slog.Any("error", err))
		return false
	}

	now := time.Now().UTC()
	endpoint := w.Endpoint
	terr := d.jobs.TransitionStatus(ctx, job.ID, domain.JobDispatching, domain.JobRunning, domain.TransitionPatch{
		AssignedWorker: &endpoint,
		StartedAt:      &now,
	})
	if terr != nil {
		// The job left dispatching underneath us (operator cancel). The
		// worker-side run will be discarded when it reports back.
		slog.Warn("dispatched job no longer dispatching", slog.Int64("job_id", job.ID), slog.Any("error", terr))
		return false
	}
	d.clearRefusals(job.ID)
	d.registry.RecordDispatch(endpoint)
	observability.JobsDispatchedTotal.WithLabelValues(endpoint).Inc()
	slog.Info("job dispatched",
		slog.Int64("job_id", job.ID),
		slog.String("provider", job.Provider),
		slog.String("action", string(job.Action)),
		slog.String("worker", endpoint))
	return true
}

func (d *Dispatcher) requeue(ctx domain.Context, job domain.Job) {
	next := time.Now().UTC().Add(d.dispatchBackoff)
	patch := domain.TransitionPatch{NextRunAt: &next}
	// Tunable starvation guard: once every known worker has refused the
	// job, optionally charge one retry so a permanently refused job cannot
	// cycle forever.
	if d.refusalCountsRetry && d.bumpRefusals(job.ID) >= d.registry.Count() {
		rc := job.RetryCount + 1
		patch.RetryCount = &rc
		d.clearRefusals(job.ID)
	}
	if err := d.jobs.TransitionStatus(ctx, job.ID, domain.JobDispatching, domain.JobPending, patch); err != nil {
		slog.Error("failed to requeue refused job", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
}

func (d *Dispatcher) bumpRefusals(jobID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refusals[jobID]++
	return d.refusals[jobID]
}

func (d *Dispatcher) clearRefusals(jobID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.refusals, jobID)
}
