package postgres

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fiberops/conductor/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL. Every status transition
// is a compare-and-set on the status column and appends a job_history row in
// the same transaction.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, external_id, provider, action, parameters, priority, status,
	COALESCE(assigned_worker,''), retry_count, max_retries,
	created_at, updated_at, started_at, completed_at, next_run_at,
	result, error, callback_status, callback_attempts, callback_last_at`

// Create inserts a new job in pending, or returns the existing job when the
// (provider, external_id) pair was already submitted. The bool reports
// whether a new row was created.
func (r *JobRepo) Create(ctx domain.Context, req domain.CreateJobRequest) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()

	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (external_id, provider, action, parameters, priority, status, retry_count, max_retries, created_at, updated_at, callback_status, callback_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$8,$9,0)
		ON CONFLICT (provider, external_id) DO NOTHING
		RETURNING id`
	var id int64
	err = r.Pool.QueryRow(ctx, q, req.ExternalID, req.Provider, string(req.Action), params, req.Priority, string(domain.JobPending), req.MaxRetries, now, string(domain.CallbackPending)).Scan(&id)
	if err == nil {
		j, gerr := r.Get(ctx, id)
		return j, true, gerr
	}
	if err != pgx.ErrNoRows {
		return domain.Job{}, false, fmt.Errorf("op=job.create: %w", err)
	}
	// Conflict: idempotent submission returns the existing job unchanged,
	// terminal or not.
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE provider=$1 AND external_id=$2`, req.Provider, req.ExternalID)
	j, err := scanJob(row)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.create: %w", err)
	}
	return j, false, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ClaimNextReady atomically moves the highest-priority eligible pending job
// into dispatching and returns it. Ties within a priority go to the oldest
// created_at. SKIP LOCKED keeps concurrent dispatcher passes from claiming
// the same row.
func (r *JobRepo) ClaimNextReady(ctx domain.Context, now time.Time, providers []string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNextReady")
	defer span.End()

	filter := ""
	args := []any{string(domain.JobPending), now.UTC()}
	if len(providers) > 0 {
		filter = " AND provider = ANY($3)"
		args = append(args, providers)
	}
	q := `UPDATE jobs SET status='` + string(domain.JobDispatching) + `', updated_at=now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status=$1 AND (next_run_at IS NULL OR next_run_at <= $2)` + filter + `
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	row := r.Pool.QueryRow(ctx, q, args...)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	return j, nil
}

// TransitionStatus applies a CAS on status together with the patch columns,
// recording the transition in job_history. Returns ErrConflict when the
// stored status no longer matches from.
func (r *JobRepo) TransitionStatus(ctx domain.Context, id int64, from, to domain.JobStatus, patch domain.TransitionPatch) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.TransitionStatus")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sets := []string{"status=$3", "updated_at=now()"}
	args := []any{id, string(from), string(to)}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, expr+"=$"+strconv.Itoa(len(args)))
	}
	if patch.AssignedWorker != nil {
		add("assigned_worker", *patch.AssignedWorker)
	}
	if patch.StartedAt != nil {
		add("started_at", patch.StartedAt.UTC())
	}
	if patch.CompletedAt != nil {
		add("completed_at", patch.CompletedAt.UTC())
	}
	if patch.NextRunAt != nil {
		add("next_run_at", patch.NextRunAt.UTC())
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.Error != nil {
		b, merr := json.Marshal(patch.Error)
		if merr != nil {
			return fmt.Errorf("op=job.transition: %w", merr)
		}
		add("error", b)
	}
	if patch.Result != nil {
		b, merr := json.Marshal(patch.Result)
		if merr != nil {
			return fmt.Errorf("op=job.transition: %w", merr)
		}
		add("result", b)
	}

	q := "UPDATE jobs SET "
	for i, s := range sets {
		if i > 0 {
			q += ", "
		}
		q += s
	}
	q += " WHERE id=$1 AND status=$2"
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.transition: %w", domain.ErrConflict)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO job_history (job_id, from_status, to_status, at) VALUES ($1,$2,$3,now())`, id, string(from), string(to)); err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	return nil
}

// RecordResult finalizes a running job. The CAS from running means a late
// duplicate completion surfaces as ErrConflict, which callers treat as a
// no-op.
func (r *JobRepo) RecordResult(ctx domain.Context, id int64, final domain.JobStatus, result *domain.Result, jobErr *domain.JobError) error {
	now := time.Now().UTC()
	return r.TransitionStatus(ctx, id, domain.JobRunning, final, domain.TransitionPatch{
		CompletedAt: &now,
		Result:      result,
		Error:       jobErr,
	})
}

// ListStale returns running jobs whose started_at is strictly older than
// now - threshold.
func (r *JobRepo) ListStale(ctx domain.Context, threshold time.Duration, now time.Time) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStale")
	defer span.End()
	cutoff := now.UTC().Add(-threshold)
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 AND started_at < $2 ORDER BY started_at ASC`, string(domain.JobRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// List pages jobs, optionally filtered by status, newest first.
func (r *JobRepo) List(ctx domain.Context, status domain.JobStatus, offset, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC OFFSET $1 LIMIT $2`, offset, limit)
	} else {
		rows, err = r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY created_at DESC OFFSET $2 LIMIT $3`, string(status), offset, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListByStatus returns all jobs in the given status, oldest first. Used by
// the status poller for the running set.
func (r *JobRepo) ListByStatus(ctx domain.Context, status domain.JobStatus) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_status: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// SnapshotCounts returns the current count of jobs per state.
func (r *JobRepo) SnapshotCounts(ctx domain.Context) (domain.StatusCounts, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SnapshotCounts")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return domain.StatusCounts{}, fmt.Errorf("op=job.counts: %w", err)
	}
	defer rows.Close()
	var c domain.StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.StatusCounts{}, fmt.Errorf("op=job.counts: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobPending:
			c.Pending = n
		case domain.JobDispatching:
			c.Dispatching = n
		case domain.JobRunning:
			c.Running = n
		case domain.JobCompleted:
			c.Completed = n
		case domain.JobFailed:
			c.Failed = n
		case domain.JobDead:
			c.Dead = n
		}
	}
	return c, rows.Err()
}

// MarkCallback records the delivery state of the upstream callback.
func (r *JobRepo) MarkCallback(ctx domain.Context, id int64, status domain.CallbackStatus, attempts int, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCallback")
	defer span.End()
	// A delivered callback is never retried; the guard keeps a racing
	// reporter from double-marking.
	q := `UPDATE jobs SET callback_status=$2, callback_attempts=$3, callback_last_at=$4, updated_at=now()
		WHERE id=$1 AND callback_status <> $5`
	tag, err := r.Pool.Exec(ctx, q, id, string(status), attempts, at.UTC(), string(domain.CallbackDelivered))
	if err != nil {
		return fmt.Errorf("op=job.mark_callback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_callback: %w", domain.ErrConflict)
	}
	return nil
}

// ListPendingCallbacks returns terminal jobs whose outcome has not been
// delivered upstream yet.
func (r *JobRepo) ListPendingCallbacks(ctx domain.Context, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListPendingCallbacks")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ANY($1) AND callback_status=$2
		ORDER BY completed_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, []string{string(domain.JobCompleted), string(domain.JobDead)}, string(domain.CallbackPending), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_pending_callbacks: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j          domain.Job
		action     string
		status     string
		cbStatus   string
		params     []byte
		result     []byte
		jobErr     []byte
	)
	if err := row.Scan(&j.ID, &j.ExternalID, &j.Provider, &action, &params, &j.Priority, &status,
		&j.AssignedWorker, &j.RetryCount, &j.MaxRetries,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.NextRunAt,
		&result, &jobErr, &cbStatus, &j.CallbackAttempts, &j.CallbackLastAt); err != nil {
		return domain.Job{}, err
	}
	j.Action = domain.Action(action)
	j.Status = domain.JobStatus(status)
	j.CallbackStatus = domain.CallbackStatus(cbStatus)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Parameters); err != nil {
			return domain.Job{}, err
		}
	}
	if len(result) > 0 {
		j.Result = &domain.Result{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return domain.Job{}, err
		}
	}
	if len(jobErr) > 0 {
		j.Error = &domain.JobError{}
		if err := json.Unmarshal(jobErr, j.Error); err != nil {
			return domain.Job{}, err
		}
	}
	return j, nil
}

func scanJobs(rows pgx.Rows) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
