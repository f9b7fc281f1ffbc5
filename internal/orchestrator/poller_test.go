package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberops/conductor/internal/adapter/repo/memory"
	"github.com/fiberops/conductor/internal/domain"
)

func newTestPoller(store *memory.JobStore, client *fakeClient, reg *Registry, sink CallbackSink) *Poller {
	engine := newTestEngine(store, memory.NewEvidenceStore(), client, reg, sink)
	return NewPoller(store, client, reg, engine, 30*time.Minute)
}

func TestPollerAppliesCompletion(t *testing.T) {
	store := memory.NewJobStore()
	client := newFakeClient()
	reg := onlineRegistry(workerDef(1, 2))
	sink := &callbackRecorder{}
	p := newTestPoller(store, client, reg, sink)

	job := runJob(t, store, "POLL_DONE", "http://worker-1:8081", time.Minute)
	client.setStatus(job.ID, domain.WorkerStatus{
		JobID:  job.ID,
		Status: "completed",
		Result: &domain.Result{Status: "validated", Details: map[string]any{"evidence_found": true}},
	})

	require.NoError(t, p.RunOnce(context.Background()))

	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, domain.JobCompleted, sink.last().Status)
}

func TestPollerHandsFailureToRetryEngine(t *testing.T) {
	store := memory.NewJobStore()
	client := newFakeClient()
	p := newTestPoller(store, client, onlineRegistry(workerDef(1, 2)), &callbackRecorder{})

	job := runJob(t, store, "POLL_FAIL", "http://worker-1:8081", time.Minute)
	client.setStatus(job.ID, domain.WorkerStatus{
		JobID:  job.ID,
		Status: "failed",
		Error:  &domain.JobError{Kind: domain.ErrKindNetwork, Message: "reset"},
	})

	require.NoError(t, p.RunOnce(context.Background()))

	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestPollerRunningLeavesJobAlone(t *testing.T) {
	store := memory.NewJobStore()
	client := newFakeClient()
	p := newTestPoller(store, client, onlineRegistry(workerDef(1, 2)), &callbackRecorder{})

	job := runJob(t, store, "STILL_RUNNING", "http://worker-1:8081", time.Minute)
	client.setStatus(job.ID, domain.WorkerStatus{JobID: job.ID, Status: "running"})

	require.NoError(t, p.RunOnce(context.Background()))

	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobRunning, got.Status)
}

func TestPollerNotFoundToleratedBeforeLostThreshold(t *testing.T) {
	store := memory.NewJobStore()
	client := newFakeClient()
	p := newTestPoller(store, client, onlineRegistry(workerDef(1, 2)), &callbackRecorder{})

	// Started a minute ago: a slow worker may not have registered it yet.
	job := runJob(t, store, "YOUNG_LOST", "http://worker-1:8081", time.Minute)

	require.NoError(t, p.RunOnce(context.Background()))

	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobRunning, got.Status)
}

func TestPollerNotFoundPastLostThresholdFails(t *testing.T) {
	store := memory.NewJobStore()
	client := newFakeClient()
	p := newTestPoller(store, client, onlineRegistry(workerDef(1, 2)), &callbackRecorder{})

	job := runJob(t, store, "OLD_LOST", "http://worker-1:8081", time.Hour)

	require.NoError(t, p.RunOnce(context.Background()))

	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobPending, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrKindLostHeartbeat, got.Error.Kind)
}

func TestPollerTransportErrorNeverMutatesJob(t *testing.T) {
	store := memory.NewJobStore()
	client := newFakeClient()
	reg := onlineRegistry(workerDef(1, 2))
	p := newTestPoller(store, client, reg, &callbackRecorder{})

	client.statusErr["http://worker-1:8081"] = errors.New("connection refused")
	job := runJob(t, store, "UNREACHABLE", "http://worker-1:8081", time.Hour)

	require.NoError(t, p.RunOnce(context.Background()))

	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobRunning, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestPollerRepeatedTransportErrorsDegradeWorker(t *testing.T) {
	store := memory.NewJobStore()
	client := newFakeClient()
	reg := onlineRegistry(workerDef(1, 2))
	p := newTestPoller(store, client, reg, &callbackRecorder{})

	client.statusErr["http://worker-1:8081"] = errors.New("connection refused")
	runJob(t, store, "DEGRADING", "http://worker-1:8081", time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.RunOnce(context.Background()))
	}

	workers := reg.Snapshot()
	require.Len(t, workers, 1)
	assert.Equal(t, domain.WorkerDegraded, workers[0].Health)
}
