package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fiberops/conductor/internal/domain"
)

// WorkerRepo persists the latest observed snapshot per worker endpoint so
// health history is inspectable alongside jobs.
type WorkerRepo struct{ Pool PgxPool }

// NewWorkerRepo constructs a WorkerRepo with the given pool.
func NewWorkerRepo(p PgxPool) *WorkerRepo { return &WorkerRepo{Pool: p} }

// UpsertSnapshot records the current health/load of a worker endpoint.
func (r *WorkerRepo) UpsertSnapshot(ctx domain.Context, w domain.Worker) error {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.UpsertSnapshot")
	defer span.End()
	at := w.LastProbeAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	q := `INSERT INTO workers (endpoint, capacity, current_load, health, providers, last_probe_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (endpoint) DO UPDATE SET
			capacity=EXCLUDED.capacity,
			current_load=EXCLUDED.current_load,
			health=EXCLUDED.health,
			providers=EXCLUDED.providers,
			last_probe_at=EXCLUDED.last_probe_at`
	if _, err := r.Pool.Exec(ctx, q, w.Endpoint, w.Capacity, w.CurrentLoad, string(w.Health), w.Providers, at.UTC()); err != nil {
		return fmt.Errorf("op=workers.upsert: %w", err)
	}
	return nil
}
