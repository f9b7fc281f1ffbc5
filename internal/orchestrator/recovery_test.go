package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberops/conductor/internal/adapter/repo/memory"
	"github.com/fiberops/conductor/internal/domain"
)

func newTestEngine(store *memory.JobStore, evidence *memory.EvidenceStore, client *fakeClient, reg *Registry, sink CallbackSink) *RetryEngine {
	backoff := domain.BackoffPolicy{Base: time.Second, Factor: 2, Cap: time.Minute}
	return NewRetryEngine(store, evidence, client, reg, sink, backoff, 30*time.Minute)
}

// runJob puts a freshly submitted job into running on the given endpoint.
func runJob(t *testing.T, store *memory.JobStore, externalID, endpoint string, startedAgo time.Duration) domain.Job {
	t.Helper()
	job := submitJob(t, store, externalID, domain.ProviderOSN, 0)
	ctx := context.Background()
	require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobPending, domain.JobDispatching, domain.TransitionPatch{}))
	started := time.Now().UTC().Add(-startedAgo)
	require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobDispatching, domain.JobRunning, domain.TransitionPatch{
		AssignedWorker: &endpoint,
		StartedAt:      &started,
	}))
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	return got
}

func TestCompleteRecordsResultOnce(t *testing.T) {
	store := memory.NewJobStore()
	evidence := memory.NewEvidenceStore()
	sink := &callbackRecorder{}
	e := newTestEngine(store, evidence, newFakeClient(), nil, sink)

	job := runJob(t, store, "DONE", "http://worker-1:8081", time.Minute)
	st := domain.WorkerStatus{
		JobID:  job.ID,
		Status: "completed",
		Result: &domain.Result{Status: "validated", Details: map[string]any{"evidence_found": true}},
		Evidence: []domain.Evidence{
			{Name: "validation_result.png", MIME: "image/png", Payload: []byte{1}},
		},
	}
	ctx := context.Background()
	e.Complete(ctx, job, st)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Result)
	assert.Equal(t, 1, sink.count())

	items, err := evidence.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// A late duplicate poll is discarded without a second callback.
	e.Complete(ctx, job, st)
	assert.Equal(t, 1, sink.count())
	again, _ := store.Get(ctx, job.ID)
	assert.Equal(t, domain.JobCompleted, again.Status)
}

func TestFailRetryableReschedulesWithBackoff(t *testing.T) {
	store := memory.NewJobStore()
	sink := &callbackRecorder{}
	e := newTestEngine(store, memory.NewEvidenceStore(), newFakeClient(), nil, sink)

	job := runJob(t, store, "FLAKY", "http://worker-1:8081", time.Minute)
	ctx := context.Background()
	e.Fail(ctx, job, domain.JobError{Kind: domain.ErrKindNetwork, Message: "reset"}, nil)

	got, _ := store.Get(ctx, job.ID)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now()))
	assert.Zero(t, sink.count())
}

func TestFailNonRetryableGoesDead(t *testing.T) {
	store := memory.NewJobStore()
	sink := &callbackRecorder{}
	e := newTestEngine(store, memory.NewEvidenceStore(), newFakeClient(), nil, sink)

	job := runJob(t, store, "NOAUTH", "http://worker-1:8081", time.Minute)
	ctx := context.Background()
	e.Fail(ctx, job, domain.JobError{Kind: domain.ErrKindAuth, Message: "login rejected"}, nil)

	got, _ := store.Get(ctx, job.ID)
	assert.Equal(t, domain.JobDead, got.Status)
	assert.Zero(t, got.RetryCount)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrKindAuth, got.Error.Kind)
	assert.Equal(t, 1, sink.count())
}

func TestFailRetryBudgetExhaustedGoesDead(t *testing.T) {
	store := memory.NewJobStore()
	sink := &callbackRecorder{}
	e := newTestEngine(store, memory.NewEvidenceStore(), newFakeClient(), nil, sink)

	ctx := context.Background()
	endpoint := "http://worker-1:8081"
	job := runJob(t, store, "DOOMED", endpoint, time.Minute)
	jobErr := domain.JobError{Kind: domain.ErrKindNetwork, Message: "reset"}

	// max_retries=3: three reschedules succeed, the fourth failure is final.
	for i := 1; i <= 3; i++ {
		e.Fail(ctx, job, jobErr, nil)
		got, _ := store.Get(ctx, job.ID)
		require.Equal(t, domain.JobPending, got.Status)
		require.Equal(t, i, got.RetryCount)

		require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobPending, domain.JobDispatching, domain.TransitionPatch{}))
		started := time.Now().UTC()
		require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobDispatching, domain.JobRunning, domain.TransitionPatch{
			AssignedWorker: &endpoint,
			StartedAt:      &started,
		}))
		job, _ = store.Get(ctx, job.ID)
	}

	e.Fail(ctx, job, jobErr, nil)
	got, _ := store.Get(ctx, job.ID)
	assert.Equal(t, domain.JobDead, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 1, sink.count())
}

func TestFailTimeoutCapTightensRetries(t *testing.T) {
	store := memory.NewJobStore()
	e := newTestEngine(store, memory.NewEvidenceStore(), newFakeClient(), nil, &callbackRecorder{})

	ctx := context.Background()
	job := runJob(t, store, "SLOWPOKE", "http://worker-1:8081", time.Minute)
	rc := 2
	require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobRunning, domain.JobRunning, domain.TransitionPatch{RetryCount: &rc}))
	job, _ = store.Get(ctx, job.ID)

	// retry_count=2 is still under max_retries=3, but timeouts cap at 2.
	e.Fail(ctx, job, domain.JobError{Kind: domain.ErrKindTimeout, Message: "budget exceeded"}, nil)
	got, _ := store.Get(ctx, job.ID)
	assert.Equal(t, domain.JobDead, got.Status)
}

func TestFailDuplicateReportDiscarded(t *testing.T) {
	store := memory.NewJobStore()
	sink := &callbackRecorder{}
	e := newTestEngine(store, memory.NewEvidenceStore(), newFakeClient(), nil, sink)

	ctx := context.Background()
	job := runJob(t, store, "ONCE", "http://worker-1:8081", time.Minute)
	e.Fail(ctx, job, domain.JobError{Kind: domain.ErrKindAuth, Message: "x"}, nil)
	// The stale snapshot still says running; the CAS rejects the replay.
	e.Fail(ctx, job, domain.JobError{Kind: domain.ErrKindAuth, Message: "x"}, nil)

	got, _ := store.Get(ctx, job.ID)
	assert.Equal(t, domain.JobDead, got.Status)
	assert.Equal(t, 1, sink.count())
}

func TestRecoverStaleProbesBeforeFailing(t *testing.T) {
	store := memory.NewJobStore()
	client := newFakeClient()
	e := newTestEngine(store, memory.NewEvidenceStore(), client, nil, &callbackRecorder{})

	ctx := context.Background()
	// Still running on the worker: left alone.
	alive := runJob(t, store, "ALIVE", "http://worker-1:8081", time.Hour)
	client.setStatus(alive.ID, domain.WorkerStatus{JobID: alive.ID, Status: "running"})

	// Finished on the worker but the poll was missed: completion applied.
	done := runJob(t, store, "LATE_DONE", "http://worker-1:8081", time.Hour)
	client.setStatus(done.ID, domain.WorkerStatus{
		JobID:  done.ID,
		Status: "completed",
		Result: &domain.Result{Status: "validated"},
	})

	// Unknown to the worker: lost, rescheduled with backoff.
	lost := runJob(t, store, "LOST", "http://worker-1:8081", time.Hour)

	// Fresh enough to stay out of the sweep entirely.
	fresh := runJob(t, store, "FRESH", "http://worker-1:8081", time.Minute)

	n, err := e.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotAlive, _ := store.Get(ctx, alive.ID)
	assert.Equal(t, domain.JobRunning, gotAlive.Status)

	gotDone, _ := store.Get(ctx, done.ID)
	assert.Equal(t, domain.JobCompleted, gotDone.Status)

	gotLost, _ := store.Get(ctx, lost.ID)
	assert.Equal(t, domain.JobPending, gotLost.Status)
	assert.Equal(t, 1, gotLost.RetryCount)
	require.NotNil(t, gotLost.Error)
	assert.Equal(t, domain.ErrKindLostHeartbeat, gotLost.Error.Kind)

	gotFresh, _ := store.Get(ctx, fresh.ID)
	assert.Equal(t, domain.JobRunning, gotFresh.Status)
}

func TestStaleThresholdBoundary(t *testing.T) {
	store := memory.NewJobStore()
	ctx := context.Background()
	threshold := 30 * time.Minute
	now := time.Now().UTC()
	endpoint := "http://worker-1:8081"

	start := func(externalID string, startedAt time.Time) domain.Job {
		job := submitJob(t, store, externalID, domain.ProviderOSN, 0)
		require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobPending, domain.JobDispatching, domain.TransitionPatch{}))
		require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobDispatching, domain.JobRunning, domain.TransitionPatch{
			AssignedWorker: &endpoint,
			StartedAt:      &startedAt,
		}))
		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		return got
	}

	start("AT_THRESHOLD", now.Add(-threshold))
	past := start("PAST_THRESHOLD", now.Add(-threshold-time.Millisecond))

	// ListStale is strict: started_at == now-threshold is not yet stale.
	stale, err := store.ListStale(ctx, threshold, now)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, past.ID, stale[0].ID)
}
