package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberops/conductor/internal/config"
	"github.com/fiberops/conductor/internal/domain"
)

func TestRegistryWorkersStartOffline(t *testing.T) {
	r := NewRegistry([]config.WorkerDef{workerDef(1, 2)}, 3)
	assert.Empty(t, r.Available())
	ws := r.Snapshot()
	require.Len(t, ws, 1)
	assert.Equal(t, domain.WorkerOffline, ws[0].Health)
}

func TestRegistryAvailableFiltersLoadAndHealth(t *testing.T) {
	r := onlineRegistry(workerDef(1, 1), workerDef(2, 1))

	r.RecordDispatch("http://worker-1:8081")
	avail := r.Available()
	require.Len(t, avail, 1)
	assert.Equal(t, "http://worker-2:8081", avail[0].Endpoint)

	r.RecordRelease("http://worker-1:8081")
	assert.Len(t, r.Available(), 2)
}

func TestRegistryRoundRobinRotates(t *testing.T) {
	r := onlineRegistry(workerDef(1, 2), workerDef(2, 2))
	first := r.Available()[0].Endpoint
	second := r.Available()[0].Endpoint
	assert.NotEqual(t, first, second)
}

func TestRegistryFailureStreakDegrades(t *testing.T) {
	r := onlineRegistry(workerDef(1, 2))
	for i := 0; i < 3; i++ {
		r.RecordFailure("http://worker-1:8081")
	}
	ws := r.Snapshot()
	assert.Equal(t, domain.WorkerDegraded, ws[0].Health)

	// A success restores the worker.
	r.RecordSuccess("http://worker-1:8081")
	ws = r.Snapshot()
	assert.Equal(t, domain.WorkerOnline, ws[0].Health)
}

func TestRegistryProbeFailuresTakeWorkerOffline(t *testing.T) {
	r := onlineRegistry(workerDef(1, 2))
	err := errors.New("dial tcp: connection refused")
	for i := 0; i < 3; i++ {
		r.ApplyProbe("http://worker-1:8081", domain.WorkerHealthInfo{}, err)
	}
	ws := r.Snapshot()
	assert.Equal(t, domain.WorkerOffline, ws[0].Health)

	// A successful probe brings it back with the observed load.
	r.ApplyProbe("http://worker-1:8081", domain.WorkerHealthInfo{Status: "ok", ActiveJobs: 1, Capacity: 4}, nil)
	ws = r.Snapshot()
	assert.Equal(t, domain.WorkerOnline, ws[0].Health)
	assert.Equal(t, 1, ws[0].CurrentLoad)
	assert.Equal(t, 4, ws[0].Capacity)
}

func TestProberFoldsProbesIntoRegistry(t *testing.T) {
	client := newFakeClient()
	r := NewRegistry([]config.WorkerDef{workerDef(1, 2)}, 3)
	p := NewProber(r, client, nil)

	require.NoError(t, p.RunOnce(context.Background()))

	ws := r.Snapshot()
	require.Len(t, ws, 1)
	assert.Equal(t, domain.WorkerOnline, ws[0].Health)
	assert.False(t, ws[0].LastProbeAt.IsZero())
}
