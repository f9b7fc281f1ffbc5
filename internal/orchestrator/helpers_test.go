package orchestrator

import (
	"fmt"
	"sync"

	"github.com/fiberops/conductor/internal/config"
	"github.com/fiberops/conductor/internal/domain"
)

// fakeClient is a scriptable domain.WorkerClient.
type fakeClient struct {
	mu sync.Mutex
	// dispatchErr per endpoint; nil means accept.
	dispatchErr map[string]error
	// statuses per job id; missing ids answer not_found.
	statuses map[int64]domain.WorkerStatus
	// statusErr per endpoint forces transport failures.
	statusErr map[string]error

	dispatched []dispatchCall
}

type dispatchCall struct {
	endpoint string
	jobID    int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		dispatchErr: make(map[string]error),
		statuses:    make(map[int64]domain.WorkerStatus),
		statusErr:   make(map[string]error),
	}
}

func (c *fakeClient) Dispatch(_ domain.Context, endpoint string, job domain.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dispatchErr[endpoint]; err != nil {
		return err
	}
	c.dispatched = append(c.dispatched, dispatchCall{endpoint: endpoint, jobID: job.ID})
	return nil
}

func (c *fakeClient) Status(_ domain.Context, endpoint string, jobID int64) (domain.WorkerStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.statusErr[endpoint]; err != nil {
		return domain.WorkerStatus{}, err
	}
	st, ok := c.statuses[jobID]
	if !ok {
		return domain.WorkerStatus{JobID: jobID, Status: "not_found"}, nil
	}
	return st, nil
}

func (c *fakeClient) Health(_ domain.Context, endpoint string) (domain.WorkerHealthInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.statusErr[endpoint]; err != nil {
		return domain.WorkerHealthInfo{}, err
	}
	return domain.WorkerHealthInfo{Status: "ok", Capacity: 2}, nil
}

func (c *fakeClient) setStatus(jobID int64, st domain.WorkerStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = st
}

func (c *fakeClient) dispatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dispatched)
}

func (c *fakeClient) dispatchesFor(jobID int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, d := range c.dispatched {
		if d.jobID == jobID {
			out = append(out, d.endpoint)
		}
	}
	return out
}

// callbackRecorder captures jobs handed to the callback sink.
type callbackRecorder struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (r *callbackRecorder) Enqueue(job domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

func (r *callbackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *callbackRecorder) last() domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[len(r.jobs)-1]
}

// onlineRegistry builds a registry with every worker probed online.
func onlineRegistry(defs ...config.WorkerDef) *Registry {
	r := NewRegistry(defs, 3)
	for _, d := range defs {
		r.ApplyProbe(d.Endpoint, domain.WorkerHealthInfo{Status: "ok", Capacity: d.Capacity}, nil)
	}
	return r
}

func workerDef(i, capacity int, providers ...string) config.WorkerDef {
	return config.WorkerDef{
		Endpoint:  fmt.Sprintf("http://worker-%d:8081", i),
		Capacity:  capacity,
		Providers: providers,
	}
}

var _ domain.WorkerClient = (*fakeClient)(nil)
