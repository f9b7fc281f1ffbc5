// Package worker implements the execution runtime: concurrent job
// acceptance with a capacity cap, per-job status tracking and result
// retention for the orchestrator's poller.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiberops/conductor/internal/adapter/observability"
	"github.com/fiberops/conductor/internal/domain"
	"github.com/fiberops/conductor/internal/worker/automation"
)

// ExecuteRequest is the dispatch payload accepted on /execute.
type ExecuteRequest struct {
	JobID      int64          `json:"job_id"`
	Provider   string         `json:"provider"`
	Action     domain.Action  `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// Runtime runs automations up to a concurrency cap. The status map and load
// counter are the only cross-job shared state; the map is mutex-guarded and
// the counter atomic.
type Runtime struct {
	registry      *automation.Registry
	maxConcurrent int64
	jobTimeout    time.Duration
	resultTTL     time.Duration

	active atomic.Int64

	mu       sync.Mutex
	statuses map[int64]*entry
}

type entry struct {
	status  domain.WorkerStatus
	evictAt time.Time
}

// NewRuntime constructs a Runtime.
func NewRuntime(reg *automation.Registry, maxConcurrent int, jobTimeout, resultTTL time.Duration) *Runtime {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = 15 * time.Minute
	}
	if resultTTL <= 0 {
		resultTTL = 10 * time.Minute
	}
	return &Runtime{
		registry:      reg,
		maxConcurrent: int64(maxConcurrent),
		jobTimeout:    jobTimeout,
		resultTTL:     resultTTL,
		statuses:      make(map[int64]*entry),
	}
}

// Accept admits a job and launches its execution asynchronously. It returns
// ErrUnavailable at capacity and ErrInvalidArgument for unknown
// (provider, action) pairs. Re-dispatch of a known job id is a no-op accept.
//
// The load counter is incremented before the job becomes visible and
// decremented after execution terminates for any outcome, including panics,
// so capacity never leaks.
func (r *Runtime) Accept(req ExecuteRequest) error {
	auto, ok := r.registry.Lookup(req.Provider, req.Action)
	if !ok {
		return fmt.Errorf("op=worker.accept: no automation for %s/%s: %w", req.Provider, req.Action, domain.ErrInvalidArgument)
	}

	for {
		cur := r.active.Load()
		if cur >= r.maxConcurrent {
			return fmt.Errorf("op=worker.accept: at capacity (%d): %w", r.maxConcurrent, domain.ErrUnavailable)
		}
		if r.active.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	now := time.Now().UTC()
	r.mu.Lock()
	if _, exists := r.statuses[req.JobID]; exists {
		r.mu.Unlock()
		r.active.Add(-1)
		return nil
	}
	r.statuses[req.JobID] = &entry{status: domain.WorkerStatus{
		JobID:     req.JobID,
		Status:    "running",
		StartTime: now,
	}}
	r.mu.Unlock()

	observability.WorkerActiveJobs.Set(float64(r.active.Load()))
	go r.execute(req, auto)
	return nil
}

func (r *Runtime) execute(req ExecuteRequest, auto automation.Automation) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("automation panicked", slog.Int64("job_id", req.JobID), slog.Any("recover", rec))
			r.finish(req.JobID, automation.Outcome{Err: &domain.JobError{
				Kind:    domain.ErrKindSystem,
				Message: fmt.Sprintf("automation panic: %v", rec),
			}})
		}
		r.active.Add(-1)
		observability.WorkerActiveJobs.Set(float64(r.active.Load()))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.jobTimeout)
	defer cancel()

	start := time.Now()
	out := auto(ctx, req.Parameters)
	observability.AutomationDuration.WithLabelValues(req.Provider, string(req.Action)).Observe(time.Since(start).Seconds())

	if ctx.Err() == context.DeadlineExceeded && out.Err == nil {
		out = automation.Outcome{Err: &domain.JobError{
			Kind:    domain.ErrKindTimeout,
			Message: fmt.Sprintf("automation exceeded %s budget", r.jobTimeout),
		}}
	}
	r.finish(req.JobID, out)
}

func (r *Runtime) finish(jobID int64, out automation.Outcome) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.statuses[jobID]
	if !ok || e.status.Status != "running" {
		return
	}
	e.status.EndTime = &now
	e.status.Evidence = out.Evidence
	if out.Err != nil {
		e.status.Status = "failed"
		e.status.Error = out.Err
	} else {
		e.status.Status = "completed"
		e.status.Result = out.Result
	}
	// Completed statuses are retained for the result TTL so a delayed poll
	// can still read them.
	e.evictAt = now.Add(r.resultTTL)
	slog.Info("automation finished",
		slog.Int64("job_id", jobID),
		slog.String("status", e.status.Status))
}

// Status returns the tracked status for a job id; ok is false after
// eviction or for jobs this worker never saw.
func (r *Runtime) Status(jobID int64) (domain.WorkerStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.statuses[jobID]
	if !ok {
		return domain.WorkerStatus{}, false
	}
	return e.status, true
}

// ActiveJobs returns the number of automations currently executing.
func (r *Runtime) ActiveJobs() int { return int(r.active.Load()) }

// Capacity returns the configured concurrency cap.
func (r *Runtime) Capacity() int { return int(r.maxConcurrent) }

// Capabilities exposes the automation registry contents.
func (r *Runtime) Capabilities() map[string][]string { return r.registry.Capabilities() }

// Run evicts expired terminal statuses until ctx is done.
func (r *Runtime) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker runtime stopping")
			return
		case <-ticker.C:
			r.evictExpired(time.Now())
		}
	}
}

func (r *Runtime) evictExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.statuses {
		if e.status.Status != "running" && !e.evictAt.IsZero() && e.evictAt.Before(now) {
			delete(r.statuses, id)
		}
	}
}
