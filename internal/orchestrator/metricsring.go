package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fiberops/conductor/internal/adapter/observability"
	"github.com/fiberops/conductor/internal/domain"
)

// Collector keeps a bounded ring of metrics snapshots plus a current view.
// Snapshots are produced by the scheduler only; HTTP handlers read a copy
// and never mutate.
type Collector struct {
	jobs     domain.JobRepository
	registry *Registry
	repo     domain.MetricsRepository

	mu      sync.Mutex
	ring    []domain.MetricsSample
	size    int
	current domain.MetricsSample
}

// NewCollector constructs a Collector. 288 samples at the default 5 minute
// interval cover 24 hours.
func NewCollector(jobs domain.JobRepository, registry *Registry, repo domain.MetricsRepository, size int) *Collector {
	if size <= 0 {
		size = 288
	}
	return &Collector{jobs: jobs, registry: registry, repo: repo, size: size}
}

// Sample takes one snapshot: counts from the job store, health from the
// registry. The snapshot lands in the ring and, when a repository is
// configured, in metrics_samples.
func (c *Collector) Sample(ctx domain.Context) error {
	counts, err := c.jobs.SnapshotCounts(ctx)
	if err != nil {
		return err
	}
	s := domain.MetricsSample{
		Timestamp:    time.Now().UTC(),
		Pending:      counts.Pending,
		Running:      counts.Running,
		Completed:    counts.Completed,
		Failed:       counts.Failed,
		Dead:         counts.Dead,
		WorkerHealth: c.registry.HealthMap(),
	}
	observability.JobsRunning.Set(float64(counts.Running))

	c.mu.Lock()
	c.current = s
	c.ring = append(c.ring, s)
	if len(c.ring) > c.size {
		c.ring = c.ring[len(c.ring)-c.size:]
	}
	c.mu.Unlock()

	if c.repo != nil {
		if err := c.repo.Insert(ctx, s); err != nil {
			slog.Error("failed to persist metrics sample", slog.Any("error", err))
		}
	}
	return nil
}

// Current returns the latest snapshot.
func (c *Collector) Current() domain.MetricsSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// History returns a copy of the ring, oldest first.
func (c *Collector) History() []domain.MetricsSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.MetricsSample, len(c.ring))
	copy(out, c.ring)
	return out
}

// Averages computes mean counts across the ring window.
type Averages struct {
	Pending float64 `json:"pending"`
	Running float64 `json:"running"`
	Failed  float64 `json:"failed"`
	Samples int     `json:"samples"`
}

// WindowAverages returns the averages over the retained window.
func (c *Collector) WindowAverages() Averages {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.ring)
	if n == 0 {
		return Averages{}
	}
	var a Averages
	for _, s := range c.ring {
		a.Pending += float64(s.Pending)
		a.Running += float64(s.Running)
		a.Failed += float64(s.Failed)
	}
	a.Pending /= float64(n)
	a.Running /= float64(n)
	a.Failed /= float64(n)
	a.Samples = n
	return a
}
