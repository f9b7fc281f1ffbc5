// Package orchestrator contains the scheduling engine: worker registry,
// queue dispatcher, status poller, retry/recovery and the periodic task
// driver.
package orchestrator

import (
	"sync"
	"time"

	"github.com/fiberops/conductor/internal/config"
	"github.com/fiberops/conductor/internal/domain"
)

// Registry tracks the configured worker endpoints, their observed health and
// load. Ordering is stable so the dispatcher's round-robin is fair across
// invocations.
type Registry struct {
	mu            sync.Mutex
	workers       []*workerState
	rr            int
	failThreshold int
}

type workerState struct {
	domain.Worker
	failStreak int
}

// NewRegistry builds a registry from the worker pool definitions. Workers
// start offline until the first health probe confirms them.
func NewRegistry(defs []config.WorkerDef, failThreshold int) *Registry {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	r := &Registry{failThreshold: failThreshold}
	for _, d := range defs {
		r.workers = append(r.workers, &workerState{Worker: domain.Worker{
			Endpoint:  d.Endpoint,
			Capacity:  d.Capacity,
			Providers: d.Providers,
			Health:    domain.WorkerOffline,
		}})
	}
	return r
}

// Snapshot returns a copy of all workers in configured order.
func (r *Registry) Snapshot() []domain.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Worker)
	}
	return out
}

// Available returns online workers with spare capacity, rotated by the
// round-robin cursor so successive dispatch passes start at different
// workers.
func (r *Registry) Available() []domain.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.workers)
	var out []domain.Worker
	for i := 0; i < n; i++ {
		w := r.workers[(r.rr+i)%n]
		if w.Health == domain.WorkerOnline && w.CurrentLoad < w.Capacity {
			out = append(out, w.Worker)
		}
	}
	if n > 0 {
		r.rr = (r.rr + 1) % n
	}
	return out
}

// Count returns the number of configured workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// RecordDispatch bumps the tracked load after a successful dispatch and
// clears the failure streak.
func (r *Registry) RecordDispatch(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.find(endpoint); w != nil {
		w.CurrentLoad++
		w.failStreak = 0
	}
}

// RecordRelease drops the tracked load after a job left the worker.
func (r *Registry) RecordRelease(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.find(endpoint); w != nil && w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
}

// RecordFailure notes a dispatch/poll failure; after the configured number
// of consecutive failures the worker is marked degraded.
func (r *Registry) RecordFailure(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.find(endpoint); w != nil {
		w.failStreak++
		if w.failStreak >= r.failThreshold && w.Health == domain.WorkerOnline {
			w.Health = domain.WorkerDegraded
		}
	}
}

// RecordSuccess clears the failure streak; a degraded worker that answers
// again is restored to online.
func (r *Registry) RecordSuccess(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.find(endpoint); w != nil {
		w.failStreak = 0
		if w.Health == domain.WorkerDegraded {
			w.Health = domain.WorkerOnline
		}
	}
}

// ApplyProbe folds a health probe result into the registry. The observed
// load replaces the tracked one; workers that stop answering go offline
// after the failure threshold.
func (r *Registry) ApplyProbe(endpoint string, info domain.WorkerHealthInfo, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.find(endpoint)
	if w == nil {
		return
	}
	w.LastProbeAt = time.Now().UTC()
	if err != nil {
		w.failStreak++
		if w.failStreak >= r.failThreshold {
			w.Health = domain.WorkerOffline
		} else if w.Health == domain.WorkerOnline {
			w.Health = domain.WorkerDegraded
		}
		return
	}
	w.failStreak = 0
	w.Health = domain.WorkerOnline
	w.CurrentLoad = info.ActiveJobs
	if info.Capacity > 0 {
		w.Capacity = info.Capacity
	}
}

// HealthMap returns endpoint -> health for metrics snapshots.
func (r *Registry) HealthMap() map[string]domain.WorkerHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.WorkerHealth, len(r.workers))
	for _, w := range r.workers {
		out[w.Endpoint] = w.Health
	}
	return out
}

func (r *Registry) find(endpoint string) *workerState {
	for _, w := range r.workers {
		if w.Endpoint == endpoint {
			return w
		}
	}
	return nil
}
