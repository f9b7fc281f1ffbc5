// Package domain defines the core entities, the job state machine and the
// ports (repository and transport interfaces) of the RPA control plane.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyExists   = errors.New("already exists")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
)

// JobStatus enumerates the job state machine states.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDispatching JobStatus = "dispatching"
	JobRunning     JobStatus = "running"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobDead        JobStatus = "dead"
)

// Terminal reports whether s is a terminal state. JobFailed is transient:
// the retry engine resolves it into pending or dead before the next
// dispatcher pass.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobDead }

// Action enumerates the automation actions a job can request.
type Action string

const (
	ActionValidation   Action = "validation"
	ActionCancellation Action = "cancellation"
)

// Known FNO providers. The core never switches on these; they key the
// automation registry and the callback FNO field.
const (
	ProviderMFN     = "mfn"
	ProviderOSN     = "osn"
	ProviderOctotel = "octotel"
	ProviderEvotel  = "evotel"
)

// CallbackStatus tracks upstream delivery of a terminal outcome.
type CallbackStatus string

const (
	CallbackPending   CallbackStatus = "pending"
	CallbackDelivered CallbackStatus = "delivered"
	CallbackFailed    CallbackStatus = "failed"
)

// Result is the structured outcome of an automation run.
type Result struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// JobError is the structured failure recorded on a job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is the primary entity.
//
// Invariants:
//   - Running implies AssignedWorker and StartedAt set.
//   - Terminal implies CompletedAt set and Result or Error set.
//   - RetryCount <= MaxRetries.
//   - (Provider, ExternalID) is unique; submission is idempotent on it.
type Job struct {
	ID             int64
	ExternalID     string
	Provider       string
	Action         Action
	Parameters     map[string]any
	Priority       int
	Status         JobStatus
	AssignedWorker string
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	NextRunAt      *time.Time
	Result         *Result
	Error          *JobError

	CallbackStatus    CallbackStatus
	CallbackAttempts  int
	CallbackLastAt    *time.Time
}

// Eligible reports whether the job may be claimed by the dispatcher at now.
func (j Job) Eligible(now time.Time) bool {
	if j.Status != JobPending {
		return false
	}
	return j.NextRunAt == nil || !j.NextRunAt.After(now)
}

// WorkerHealth enumerates observed worker health.
type WorkerHealth string

const (
	WorkerOnline   WorkerHealth = "online"
	WorkerDegraded WorkerHealth = "degraded"
	WorkerOffline  WorkerHealth = "offline"
)

// Worker describes a configured remote worker endpoint and its observed state.
type Worker struct {
	Endpoint    string
	Capacity    int
	CurrentLoad int
	Health      WorkerHealth
	Providers   []string
	LastProbeAt time.Time
}

// Supports reports whether the worker advertises the given provider.
// An empty provider list means the worker accepts any provider.
func (w Worker) Supports(provider string) bool {
	if len(w.Providers) == 0 {
		return true
	}
	for _, p := range w.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// Evidence is a stored artifact (typically a PNG screenshot) keyed by job
// id. Payload bytes render as base64 at the HTTP boundary only.
type Evidence struct {
	ID        int64     `json:"id,omitempty"`
	JobID     int64     `json:"job_id,omitempty"`
	Name      string    `json:"name"`
	MIME      string    `json:"mime_type,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// MetricsSample is one snapshot in the rolling metrics window.
type MetricsSample struct {
	Timestamp      time.Time               `json:"timestamp"`
	Pending        int                     `json:"pending"`
	Running        int                     `json:"running"`
	Completed      int                     `json:"completed"`
	Failed         int                     `json:"failed"`
	Dead           int                     `json:"dead"`
	WorkerHealth   map[string]WorkerHealth `json:"worker_health,omitempty"`
}

// StatusCounts is the point-in-time count of jobs per state.
type StatusCounts struct {
	Pending     int
	Dispatching int
	Running     int
	Completed   int
	Failed      int
	Dead        int
}

// TransitionPatch carries the optional column updates applied together with a
// compare-and-set status transition.
type TransitionPatch struct {
	AssignedWorker *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	NextRunAt      *time.Time
	RetryCount     *int
	Error          *JobError
	Result         *Result
}

// CreateJobRequest is the validated submission payload.
type CreateJobRequest struct {
	ExternalID string
	Provider   string
	Action     Action
	Parameters map[string]any
	Priority   int
	MaxRetries int
}

// Repositories (ports)

// JobRepository is the durable job store. All transitions are
// compare-and-set on status so concurrent dispatcher/poller invocations
// cannot double-apply.
type JobRepository interface {
	Create(ctx Context, req CreateJobRequest) (Job, bool, error)
	Get(ctx Context, id int64) (Job, error)
	// ClaimNextReady atomically selects the highest-priority eligible pending
	// job matching the provider filter and moves it to dispatching.
	// Returns ErrNotFound when no job is eligible.
	ClaimNextReady(ctx Context, now time.Time, providers []string) (Job, error)
	// TransitionStatus applies a CAS on status; ErrConflict when the stored
	// status differs from expected from.
	TransitionStatus(ctx Context, id int64, from, to JobStatus, patch TransitionPatch) error
	RecordResult(ctx Context, id int64, final JobStatus, result *Result, jobErr *JobError) error
	ListStale(ctx Context, threshold time.Duration, now time.Time) ([]Job, error)
	List(ctx Context, status JobStatus, offset, limit int) ([]Job, error)
	ListByStatus(ctx Context, status JobStatus) ([]Job, error)
	SnapshotCounts(ctx Context) (StatusCounts, error)
	MarkCallback(ctx Context, id int64, status CallbackStatus, attempts int, at time.Time) error
	ListPendingCallbacks(ctx Context, limit int) ([]Job, error)
}

// EvidenceRepository stores screenshot/file artifacts per job.
type EvidenceRepository interface {
	Append(ctx Context, ev Evidence) (int64, error)
	ListByJob(ctx Context, jobID int64) ([]Evidence, error)
	PurgeOlderThan(ctx Context, cutoff time.Time) (int64, error)
}

// MetricsRepository persists periodic snapshots for dashboard history.
type MetricsRepository interface {
	Insert(ctx Context, s MetricsSample) error
	Recent(ctx Context, limit int) ([]MetricsSample, error)
}

// WorkerRepository persists observed worker snapshots from health probes.
type WorkerRepository interface {
	UpsertSnapshot(ctx Context, w Worker) error
}

// WorkerStatus is a worker's view of one dispatched job. Evidence payloads
// cross the wire base64-encoded (encoding/json []byte behavior).
type WorkerStatus struct {
	JobID     int64      `json:"job_id"`
	Status    string     `json:"status"` // running|completed|failed|not_found
	Result    *Result    `json:"result,omitempty"`
	Error     *JobError  `json:"error,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Evidence  []Evidence `json:"evidence,omitempty"`
}

// WorkerClient is the orchestrator's HTTP view of a worker (port).
type WorkerClient interface {
	// Dispatch returns ErrUnavailable on refusal (503/allowlist) and other
	// errors on transport failure.
	Dispatch(ctx Context, endpoint string, job Job) error
	Status(ctx Context, endpoint string, jobID int64) (WorkerStatus, error)
	Health(ctx Context, endpoint string) (WorkerHealthInfo, error)
}

// WorkerHealthInfo is the worker /health response.
type WorkerHealthInfo struct {
	Status     string `json:"status"`
	ActiveJobs int    `json:"active_jobs"`
	Capacity   int    `json:"capacity"`
}

// CallbackReporter delivers terminal outcomes upstream (port).
type CallbackReporter interface {
	Report(ctx Context, job Job) error
}

// Context aliases context.Context so adapters and usecases share one name.
type Context = context.Context
