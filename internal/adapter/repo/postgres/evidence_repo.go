package postgres

import (
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"

	"github.com/fiberops/conductor/internal/domain"
)

// EvidenceRepo stores screenshot/file artifacts per job. Payloads are raw
// bytes; base64 only appears at the HTTP boundary.
type EvidenceRepo struct{ Pool PgxPool }

// NewEvidenceRepo constructs an EvidenceRepo with the given pool.
func NewEvidenceRepo(p PgxPool) *EvidenceRepo { return &EvidenceRepo{Pool: p} }

// Append stores one evidence record. The MIME type is sniffed from the
// payload when the caller did not set one.
func (r *EvidenceRepo) Append(ctx domain.Context, ev domain.Evidence) (int64, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.Append")
	defer span.End()
	if ev.MIME == "" && len(ev.Payload) > 0 {
		ev.MIME = mimetype.Detect(ev.Payload).String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var id int64
	q := `INSERT INTO evidence (job_id, name, mime_type, payload, path, created_at) VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`
	if err := r.Pool.QueryRow(ctx, q, ev.JobID, ev.Name, ev.MIME, ev.Payload, ev.Path, ev.CreatedAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=evidence.append: %w", err)
	}
	return id, nil
}

// ListByJob returns all evidence for a job, oldest first.
func (r *EvidenceRepo) ListByJob(ctx domain.Context, jobID int64) ([]domain.Evidence, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.ListByJob")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT id, job_id, name, mime_type, payload, COALESCE(path,''), created_at FROM evidence WHERE job_id=$1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=evidence.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Evidence
	for rows.Next() {
		var ev domain.Evidence
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Name, &ev.MIME, &ev.Payload, &ev.Path, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=evidence.list: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes evidence created before the cutoff, returning the
// number of rows removed. Job rows themselves are never deleted.
func (r *EvidenceRepo) PurgeOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.PurgeOlderThan")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM evidence WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=evidence.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
