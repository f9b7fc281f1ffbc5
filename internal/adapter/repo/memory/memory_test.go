package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberops/conductor/internal/domain"
)

func createJob(t *testing.T, store *JobStore, externalID string, priority int) domain.Job {
	t.Helper()
	job, created, err := store.Create(context.Background(), domain.CreateJobRequest{
		ExternalID: externalID,
		Provider:   domain.ProviderOSN,
		Action:     domain.ActionValidation,
		Parameters: map[string]any{"circuit_number": "FTTX1"},
		Priority:   priority,
		MaxRetries: 3,
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func TestCreateIsIdempotent(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()

	first := createJob(t, store, "OSN_VAL_001", 0)
	again, created, err := store.Create(ctx, domain.CreateJobRequest{
		ExternalID: "OSN_VAL_001",
		Provider:   domain.ProviderOSN,
		Action:     domain.ActionValidation,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	// Same external id under a different provider is a distinct job.
	other, created, err := store.Create(ctx, domain.CreateJobRequest{
		ExternalID: "OSN_VAL_001",
		Provider:   domain.ProviderMFN,
		Action:     domain.ActionValidation,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestTransitionStatusCAS(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()
	job := createJob(t, store, "OSN_VAL_001", 0)

	require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobPending, domain.JobDispatching, domain.TransitionPatch{}))

	// The expected-from no longer matches.
	err := store.TransitionStatus(ctx, job.ID, domain.JobPending, domain.JobDispatching, domain.TransitionPatch{})
	assert.ErrorIs(t, err, domain.ErrConflict)

	err = store.TransitionStatus(ctx, 999, domain.JobPending, domain.JobDispatching, domain.TransitionPatch{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimOrdering(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()

	low := createJob(t, store, "LOW", 0)
	time.Sleep(2 * time.Millisecond)
	lowLater := createJob(t, store, "LOW_LATER", 0)
	time.Sleep(2 * time.Millisecond)
	high := createJob(t, store, "HIGH", 5)

	now := time.Now().UTC()
	got, err := store.ClaimNextReady(ctx, now, nil)
	require.NoError(t, err)
	assert.Equal(t, high.ID, got.ID)

	// FIFO within the same priority.
	got, err = store.ClaimNextReady(ctx, now, nil)
	require.NoError(t, err)
	assert.Equal(t, low.ID, got.ID)

	got, err = store.ClaimNextReady(ctx, now, nil)
	require.NoError(t, err)
	assert.Equal(t, lowLater.ID, got.ID)
	assert.Equal(t, domain.JobDispatching, got.Status)

	_, err = store.ClaimNextReady(ctx, now, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimProviderFilter(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()
	createJob(t, store, "OSN_ONLY", 0)

	_, err := store.ClaimNextReady(ctx, time.Now().UTC(), []string{domain.ProviderMFN})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := store.ClaimNextReady(ctx, time.Now().UTC(), []string{domain.ProviderMFN, domain.ProviderOSN})
	require.NoError(t, err)
	assert.Equal(t, "OSN_ONLY", got.ExternalID)
}

func TestEligibilityBoundary(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()
	job := createJob(t, store, "BACKOFF", 0)

	now := time.Now().UTC()
	next := now.Add(time.Minute)
	rc := 1
	require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobPending, domain.JobPending, domain.TransitionPatch{
		NextRunAt:  &next,
		RetryCount: &rc,
	}))

	// Not eligible one tick before next_run_at.
	_, err := store.ClaimNextReady(ctx, next.Add(-time.Millisecond), nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Eligible exactly at next_run_at.
	got, err := store.ClaimNextReady(ctx, next, nil)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 1, got.RetryCount)
}

func TestListStaleUsesStrictCutoff(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()
	job := createJob(t, store, "RUNNING", 0)

	require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobPending, domain.JobDispatching, domain.TransitionPatch{}))
	endpoint := "http://worker-1:8081"
	now := time.Now().UTC()
	started := now.Add(-30 * time.Minute)
	require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobDispatching, domain.JobRunning, domain.TransitionPatch{
		AssignedWorker: &endpoint,
		StartedAt:      &started,
	}))

	stale, err := store.ListStale(ctx, 30*time.Minute, now)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = store.ListStale(ctx, 30*time.Minute, now.Add(time.Millisecond))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, job.ID, stale[0].ID)
}

func TestMarkCallbackNeverRegressesDelivered(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()
	job := createJob(t, store, "CB", 0)

	now := time.Now().UTC()
	require.NoError(t, store.MarkCallback(ctx, job.ID, domain.CallbackDelivered, 1, now))

	err := store.MarkCallback(ctx, job.ID, domain.CallbackFailed, 2, now)
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackDelivered, got.CallbackStatus)
	assert.Equal(t, 1, got.CallbackAttempts)
}

func TestListPendingCallbacksOnlyTerminal(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()

	pending := createJob(t, store, "STILL_PENDING", 0)
	done := createJob(t, store, "DONE", 0)
	require.NoError(t, store.TransitionStatus(ctx, done.ID, domain.JobPending, domain.JobDispatching, domain.TransitionPatch{}))
	endpoint := "http://worker-1:8081"
	started := time.Now().UTC()
	require.NoError(t, store.TransitionStatus(ctx, done.ID, domain.JobDispatching, domain.JobRunning, domain.TransitionPatch{
		AssignedWorker: &endpoint,
		StartedAt:      &started,
	}))
	require.NoError(t, store.RecordResult(ctx, done.ID, domain.JobCompleted, &domain.Result{Status: "validated"}, nil))

	out, err := store.ListPendingCallbacks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, done.ID, out[0].ID)
	assert.NotEqual(t, pending.ID, out[0].ID)

	require.NoError(t, store.MarkCallback(ctx, done.ID, domain.CallbackDelivered, 1, time.Now().UTC()))
	out, err = store.ListPendingCallbacks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHistoryRecordsTransitions(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()
	job := createJob(t, store, "HIST", 0)

	require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobPending, domain.JobDispatching, domain.TransitionPatch{}))
	endpoint := "http://worker-1:8081"
	started := time.Now().UTC()
	require.NoError(t, store.TransitionStatus(ctx, job.ID, domain.JobDispatching, domain.JobRunning, domain.TransitionPatch{
		AssignedWorker: &endpoint,
		StartedAt:      &started,
	}))
	require.NoError(t, store.RecordResult(ctx, job.ID, domain.JobCompleted, &domain.Result{Status: "validated"}, nil))

	hist := store.History(job.ID)
	require.Len(t, hist, 3)
	assert.Equal(t, domain.JobPending, hist[0].From)
	assert.Equal(t, domain.JobDispatching, hist[0].To)
	assert.Equal(t, domain.JobCompleted, hist[2].To)
}

func TestEvidencePurge(t *testing.T) {
	store := NewEvidenceStore()
	ctx := context.Background()

	old := domain.Evidence{JobID: 1, Name: "old.png", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := domain.Evidence{JobID: 1, Name: "fresh.png"}
	_, err := store.Append(ctx, old)
	require.NoError(t, err)
	_, err = store.Append(ctx, fresh)
	require.NoError(t, err)

	purged, err := store.PurgeOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	items, err := store.ListByJob(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "fresh.png", items[0].Name)
}

func TestMetricsRecentNewestFirst(t *testing.T) {
	store := NewMetricsStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Insert(ctx, domain.MetricsSample{
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
			Pending:   i,
		}))
	}

	got, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].Pending)
	assert.Equal(t, 3, got[1].Pending)
}
