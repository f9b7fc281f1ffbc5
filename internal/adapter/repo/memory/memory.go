// Package memory provides in-memory implementations of the repository ports.
// They back unit tests and the dev single-process mode; semantics (CAS on
// status, claim ordering, idempotent create) mirror the postgres adapters.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fiberops/conductor/internal/domain"
)

// JobStore is a mutex-guarded JobRepository.
type JobStore struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*domain.Job
	history []HistoryEntry
}

// HistoryEntry mirrors a job_history row.
type HistoryEntry struct {
	JobID int64
	From  domain.JobStatus
	To    domain.JobStatus
	At    time.Time
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{nextID: 1, jobs: make(map[int64]*domain.Job)}
}

// Create inserts a pending job or returns the existing one for the same
// (provider, external_id).
func (s *JobStore) Create(_ domain.Context, req domain.CreateJobRequest) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Provider == req.Provider && j.ExternalID == req.ExternalID {
			return *j, false, nil
		}
	}
	now := time.Now().UTC()
	j := &domain.Job{
		ID:             s.nextID,
		ExternalID:     req.ExternalID,
		Provider:       req.Provider,
		Action:         req.Action,
		Parameters:     req.Parameters,
		Priority:       req.Priority,
		Status:         domain.JobPending,
		MaxRetries:     req.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
		CallbackStatus: domain.CallbackPending,
	}
	s.nextID++
	s.jobs[j.ID] = j
	return *j, true, nil
}

// Get loads a job by id.
func (s *JobStore) Get(_ domain.Context, id int64) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return *j, nil
}

// ClaimNextReady picks the highest-priority eligible pending job (FIFO
// within a priority) and moves it to dispatching.
func (s *JobStore) ClaimNextReady(_ domain.Context, now time.Time, providers []string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.Job
	for _, j := range s.jobs {
		if !j.Eligible(now) {
			continue
		}
		if len(providers) > 0 && !containsStr(providers, j.Provider) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
	}
	s.transitionLocked(best, domain.JobDispatching)
	return *best, nil
}

// TransitionStatus applies a CAS on status plus the patch.
func (s *JobStore) TransitionStatus(_ domain.Context, id int64, from, to domain.JobStatus, patch domain.TransitionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.transition: %w", domain.ErrNotFound)
	}
	if j.Status != from {
		return fmt.Errorf("op=job.transition: %w", domain.ErrConflict)
	}
	if patch.AssignedWorker != nil {
		j.AssignedWorker = *patch.AssignedWorker
	}
	if patch.StartedAt != nil {
		t := patch.StartedAt.UTC()
		j.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := patch.CompletedAt.UTC()
		j.CompletedAt = &t
	}
	if patch.NextRunAt != nil {
		t := patch.NextRunAt.UTC()
		j.NextRunAt = &t
	}
	if patch.RetryCount != nil {
		j.RetryCount = *patch.RetryCount
	}
	if patch.Error != nil {
		e := *patch.Error
		j.Error = &e
	}
	if patch.Result != nil {
		res := *patch.Result
		j.Result = &res
	}
	s.transitionLocked(j, to)
	return nil
}

func (s *JobStore) transitionLocked(j *domain.Job, to domain.JobStatus) {
	s.history = append(s.history, HistoryEntry{JobID: j.ID, From: j.Status, To: to, At: time.Now().UTC()})
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
}

// RecordResult finalizes a running job; duplicate completions conflict.
func (s *JobStore) RecordResult(ctx domain.Context, id int64, final domain.JobStatus, result *domain.Result, jobErr *domain.JobError) error {
	now := time.Now().UTC()
	return s.TransitionStatus(ctx, id, domain.JobRunning, final, domain.TransitionPatch{
		CompletedAt: &now,
		Result:      result,
		Error:       jobErr,
	})
}

// ListStale returns running jobs started strictly before now-threshold.
func (s *JobStore) ListStale(_ domain.Context, threshold time.Duration, now time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.UTC().Add(-threshold)
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobRunning && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	sortByCreated(out)
	return out, nil
}

// List pages jobs, optionally filtered by status.
func (s *JobStore) List(_ domain.Context, status domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByStatus returns all jobs in the given status, oldest first.
func (s *JobStore) ListByStatus(_ domain.Context, status domain.JobStatus) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	sortByCreated(out)
	return out, nil
}

// SnapshotCounts counts jobs per state.
func (s *JobStore) SnapshotCounts(_ domain.Context) (domain.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c domain.StatusCounts
	for _, j := range s.jobs {
		switch j.Status {
		case domain.JobPending:
			c.Pending++
		case domain.JobDispatching:
			c.Dispatching++
		case domain.JobRunning:
			c.Running++
		case domain.JobCompleted:
			c.Completed++
		case domain.JobFailed:
			c.Failed++
		case domain.JobDead:
			c.Dead++
		}
	}
	return c, nil
}

// MarkCallback records delivery state; a delivered callback never regresses.
func (s *JobStore) MarkCallback(_ domain.Context, id int64, status domain.CallbackStatus, attempts int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.mark_callback: %w", domain.ErrNotFound)
	}
	if j.CallbackStatus == domain.CallbackDelivered {
		return fmt.Errorf("op=job.mark_callback: %w", domain.ErrConflict)
	}
	j.CallbackStatus = status
	j.CallbackAttempts = attempts
	t := at.UTC()
	j.CallbackLastAt = &t
	return nil
}

// ListPendingCallbacks returns terminal jobs with undelivered callbacks.
func (s *JobStore) ListPendingCallbacks(_ domain.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status.Terminal() && j.CallbackStatus == domain.CallbackPending {
			out = append(out, *j)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns the recorded transitions, oldest first.
func (s *JobStore) History(jobID int64) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryEntry
	for _, h := range s.history {
		if h.JobID == jobID {
			out = append(out, h)
		}
	}
	return out
}

func sortByCreated(jobs []domain.Job) {
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// EvidenceStore is a mutex-guarded EvidenceRepository.
type EvidenceStore struct {
	mu     sync.Mutex
	nextID int64
	items  []domain.Evidence
}

// NewEvidenceStore constructs an empty EvidenceStore.
func NewEvidenceStore() *EvidenceStore { return &EvidenceStore{nextID: 1} }

// Append stores one evidence record.
func (s *EvidenceStore) Append(_ domain.Context, ev domain.Evidence) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = s.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.nextID++
	s.items = append(s.items, ev)
	return ev.ID, nil
}

// ListByJob returns evidence for one job, oldest first.
func (s *EvidenceStore) ListByJob(_ domain.Context, jobID int64) ([]domain.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Evidence
	for _, ev := range s.items {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// PurgeOlderThan drops evidence created before the cutoff.
func (s *EvidenceStore) PurgeOlderThan(_ domain.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []domain.Evidence
	var purged int64
	for _, ev := range s.items {
		if ev.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	s.items = kept
	return purged, nil
}

// MetricsStore is a mutex-guarded MetricsRepository.
type MetricsStore struct {
	mu      sync.Mutex
	samples []domain.MetricsSample
}

// NewMetricsStore constructs an empty MetricsStore.
func NewMetricsStore() *MetricsStore { return &MetricsStore{} }

// Insert stores one snapshot.
func (s *MetricsStore) Insert(_ domain.Context, sample domain.MetricsSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

// Recent returns the latest samples, newest first.
func (s *MetricsStore) Recent(_ domain.Context, limit int) ([]domain.MetricsSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.samples)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.MetricsSample, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.samples[i])
	}
	return out, nil
}
