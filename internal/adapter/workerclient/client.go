// Package workerclient is the orchestrator's HTTP client for remote workers.
package workerclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fiberops/conductor/internal/domain"
)

// Client implements domain.WorkerClient over HTTP.
type Client struct {
	httpClient *http.Client
}

// New constructs a Client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

type executePayload struct {
	JobID      int64          `json:"job_id"`
	Provider   string         `json:"provider"`
	Action     domain.Action  `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// Dispatch hands a job to the worker. A 503 (or 403 from the allowlist) maps
// to ErrUnavailable so the dispatcher requeues without burning a retry.
func (c *Client) Dispatch(ctx domain.Context, endpoint string, job domain.Job) error {
	body, err := json.Marshal(executePayload{
		JobID:      job.ID,
		Provider:   job.Provider,
		Action:     job.Action,
		Parameters: job.Parameters,
	})
	if err != nil {
		return fmt.Errorf("op=workerclient.Dispatch: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=workerclient.Dispatch: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=workerclient.Dispatch: %w", err)
	}
	defer drainClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("op=workerclient.Dispatch: worker refused (%d): %w", resp.StatusCode, domain.ErrUnavailable)
	default:
		return fmt.Errorf("op=workerclient.Dispatch: unexpected status %d: %w", resp.StatusCode, domain.ErrInternal)
	}
}

// Status fetches the worker's view of one job. A 404 parses into the
// not_found status rather than an error so the poller can apply its
// lost-heartbeat policy.
func (c *Client) Status(ctx domain.Context, endpoint string, jobID int64) (domain.WorkerStatus, error) {
	url := fmt.Sprintf("%s/status/%d", endpoint, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.WorkerStatus{}, fmt.Errorf("op=workerclient.Status: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WorkerStatus{}, fmt.Errorf("op=workerclient.Status: %w", err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return domain.WorkerStatus{}, fmt.Errorf("op=workerclient.Status: unexpected status %d: %w", resp.StatusCode, domain.ErrInternal)
	}
	var st domain.WorkerStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return domain.WorkerStatus{}, fmt.Errorf("op=workerclient.Status: decode: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		st.Status = "not_found"
		st.JobID = jobID
	}
	return st, nil
}

// Health probes the worker health endpoint.
func (c *Client) Health(ctx domain.Context, endpoint string) (domain.WorkerHealthInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return domain.WorkerHealthInfo{}, fmt.Errorf("op=workerclient.Health: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WorkerHealthInfo{}, fmt.Errorf("op=workerclient.Health: %w", err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return domain.WorkerHealthInfo{}, fmt.Errorf("op=workerclient.Health: unexpected status %d: %w", resp.StatusCode, domain.ErrUnavailable)
	}
	var info domain.WorkerHealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return domain.WorkerHealthInfo{}, fmt.Errorf("op=workerclient.Health: decode: %w", err)
	}
	return info, nil
}

func drainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1<<20))
	_ = rc.Close()
}

var _ domain.WorkerClient = (*Client)(nil)
