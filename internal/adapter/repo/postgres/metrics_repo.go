package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fiberops/conductor/internal/domain"
)

// MetricsRepo persists periodic snapshots so the dashboard history survives
// orchestrator restarts; the live window stays in the in-memory ring.
type MetricsRepo struct{ Pool PgxPool }

// NewMetricsRepo constructs a MetricsRepo with the given pool.
func NewMetricsRepo(p PgxPool) *MetricsRepo { return &MetricsRepo{Pool: p} }

// Insert stores one snapshot.
func (r *MetricsRepo) Insert(ctx domain.Context, s domain.MetricsSample) error {
	tracer := otel.Tracer("repo.metrics")
	ctx, span := tracer.Start(ctx, "metrics.Insert")
	defer span.End()
	health, err := json.Marshal(s.WorkerHealth)
	if err != nil {
		return fmt.Errorf("op=metrics.insert: %w", err)
	}
	q := `INSERT INTO metrics_samples (ts, pending_count, running_count, completed_count, failed_count, dead_count, worker_health) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := r.Pool.Exec(ctx, q, s.Timestamp.UTC(), s.Pending, s.Running, s.Completed, s.Failed, s.Dead, health); err != nil {
		return fmt.Errorf("op=metrics.insert: %w", err)
	}
	return nil
}

// Recent returns the latest samples, newest first.
func (r *MetricsRepo) Recent(ctx domain.Context, limit int) ([]domain.MetricsSample, error) {
	tracer := otel.Tracer("repo.metrics")
	ctx, span := tracer.Start(ctx, "metrics.Recent")
	defer span.End()
	if limit <= 0 {
		limit = 288
	}
	rows, err := r.Pool.Query(ctx, `SELECT ts, pending_count, running_count, completed_count, failed_count, dead_count, worker_health FROM metrics_samples ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=metrics.recent: %w", err)
	}
	defer rows.Close()
	var out []domain.MetricsSample
	for rows.Next() {
		var s domain.MetricsSample
		var health []byte
		if err := rows.Scan(&s.Timestamp, &s.Pending, &s.Running, &s.Completed, &s.Failed, &s.Dead, &health); err != nil {
			return nil, fmt.Errorf("op=metrics.recent: %w", err)
		}
		if len(health) > 0 {
			if err := json.Unmarshal(health, &s.WorkerHealth); err != nil {
				return nil, fmt.Errorf("op=metrics.recent: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
