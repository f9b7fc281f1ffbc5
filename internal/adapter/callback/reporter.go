package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fiberops/conductor/internal/adapter/observability"
	"github.com/fiberops/conductor/internal/config"
	"github.com/fiberops/conductor/internal/domain"
	"github.com/fiberops/conductor/pkg/evijson"
)

// Payload is the upstream wire format. JOB_EVI is a string containing JSON,
// not a nested object; the consumer unwraps it.
type Payload struct {
	JobID    string `json:"JOB_ID"`
	FNO      string `json:"FNO"`
	Status   string `json:"STATUS"`
	StatusDT string `json:"STATUS_DT"`
	JobEvi   string `json:"JOB_EVI"`
}

// Reporter delivers terminal outcomes upstream with bounded retry. Delivery
// retry is independent of the job retry policy: after MaxAttempts the
// callback is marked failed and the job stays terminal.
type Reporter struct {
	cfg    config.Config
	jobs   domain.JobRepository
	client *http.Client
	loc    *time.Location

	queue chan domain.Job
	wg    sync.WaitGroup
}

// NewReporter constructs a Reporter. Timestamps are rendered in South
// African local time per the upstream contract.
func NewReporter(cfg config.Config, jobs domain.JobRepository) *Reporter {
	loc, err := time.LoadLocation("Africa/Johannesburg")
	if err != nil {
		slog.Error("failed to load callback timezone, falling back to UTC", slog.Any("error", err))
		loc = time.UTC
	}
	return &Reporter{
		cfg:  cfg,
		jobs: jobs,
		client: &http.Client{
			Timeout:   cfg.CallbackTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		loc:   loc,
		queue: make(chan domain.Job, 256),
	}
}

// Enqueue hands a terminal job to the delivery loop. A full queue is not an
// error: the job's callback stays pending and the next sweep re-enqueues it.
func (r *Reporter) Enqueue(job domain.Job) {
	select {
	case r.queue <- job:
	default:
		slog.Warn("callback queue full, leaving callback pending", slog.Int64("job_id", job.ID))
	}
}

// Run consumes the delivery queue until ctx is done, then drains what is
// already queued so shutdown flushes in-flight callbacks.
func (r *Reporter) Run(ctx domain.Context) {
	r.wg.Add(1)
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case job := <-r.queue:
					r.deliver(job)
				default:
					slog.Info("callback reporter stopping")
					return
				}
			}
		case job := <-r.queue:
			r.deliver(job)
		}
	}
}

// Wait blocks until the delivery loop has exited.
func (r *Reporter) Wait() { r.wg.Wait() }

// SweepPending enqueues terminal jobs whose callbacks were never delivered,
// e.g. after a restart.
func (r *Reporter) SweepPending(ctx domain.Context) error {
	jobs, err := r.jobs.ListPendingCallbacks(ctx, 100)
	if err != nil {
		return fmt.Errorf("op=callback.sweep: %w", err)
	}
	for _, j := range jobs {
		r.Enqueue(j)
	}
	return nil
}

// Report delivers one job synchronously (port implementation).
func (r *Reporter) Report(ctx domain.Context, job domain.Job) error {
	return r.deliverCtx(ctx, job)
}

func (r *Reporter) deliver(job domain.Job) {
	ctx, cancel := contextWithTimeout(r.cfg.CallbackTimeout * time.Duration(r.cfg.CallbackMaxAttempts+1))
	defer cancel()
	if err := r.deliverCtx(ctx, job); err != nil {
		slog.Error("callback delivery exhausted", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
}

func (r *Reporter) deliverCtx(ctx domain.Context, job domain.Job) error {
	if job.CallbackStatus == domain.CallbackDelivered {
		return nil
	}
	payload, err := r.BuildPayload(job)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=callback.deliver: %w", err)
	}

	attempts := 0
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.cfg.CallbackMaxAttempts-1)), ctx)
	err = backoff.Retry(func() error {
		attempts++
		return r.post(ctx, body)
	}, bo)

	now := time.Now().UTC()
	if err != nil {
		observability.CallbacksDeliveredTotal.WithLabelValues("failed").Inc()
		if merr := r.jobs.MarkCallback(ctx, job.ID, domain.CallbackFailed, job.CallbackAttempts+attempts, now); merr != nil {
			slog.Error("failed to mark callback failed", slog.Int64("job_id", job.ID), slog.Any("error", merr))
		}
		return fmt.Errorf("op=callback.deliver: %w", err)
	}
	observability.CallbacksDeliveredTotal.WithLabelValues("delivered").Inc()
	if merr := r.jobs.MarkCallback(ctx, job.ID, domain.CallbackDelivered, job.CallbackAttempts+attempts, now); merr != nil {
		slog.Error("failed to mark callback delivered", slog.Int64("job_id", job.ID), slog.Any("error", merr))
	}
	slog.Info("callback delivered",
		slog.Int64("job_id", job.ID),
		slog.String("external_id", job.ExternalID),
		slog.String("status", payload.Status),
		slog.Int("attempts", attempts))
	return nil
}

func (r *Reporter) post(ctx domain.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(fmt.Errorf("upstream rejected callback: %s", resp.Status))
	}
	return fmt.Errorf("upstream callback failed: %s", resp.Status)
}

func contextWithTimeout(d time.Duration) (domain.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// BuildPayload maps a terminal job into the upstream wire format.
func (r *Reporter) BuildPayload(job domain.Job) (Payload, error) {
	details := map[string]any{}
	if job.Result != nil {
		for k, v := range job.Result.Details {
			details[k] = v
		}
	}
	if job.Error != nil {
		details["error_kind"] = string(job.Error.Kind)
		details["error_message"] = job.Error.Message
	}
	evi, err := evijson.Encode(details, r.cfg.CallbackMaxBodyBytes)
	if err != nil {
		return Payload{}, err
	}

	at := time.Now()
	if job.CompletedAt != nil {
		at = *job.CompletedAt
	}
	return Payload{
		JobID:    job.ExternalID,
		FNO:      strings.ToUpper(job.Provider),
		Status:   MapStatus(job.Action, Classify(job)),
		StatusDT: at.In(r.loc).Format("2006/01/02 15:04:05"),
		JobEvi:   evi,
	}, nil
}
