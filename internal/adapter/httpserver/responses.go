package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fiberops/conductor/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.Any("error", err))
	}
}

// writeError maps domain sentinels to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.Any("error", err))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// jobView is the API projection of a job.
type jobView struct {
	ID             int64            `json:"id"`
	ExternalID     string           `json:"external_id"`
	Provider       string           `json:"provider"`
	Action         domain.Action    `json:"action"`
	Priority       int              `json:"priority"`
	Status         domain.JobStatus `json:"status"`
	AssignedWorker string           `json:"assigned_worker,omitempty"`
	RetryCount     int              `json:"retry_count"`
	MaxRetries     int              `json:"max_retries"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	NextRunAt      *time.Time       `json:"next_run_at,omitempty"`
	Result         *domain.Result   `json:"result,omitempty"`
	Error          *domain.JobError `json:"error,omitempty"`

	CallbackStatus   domain.CallbackStatus `json:"callback_status,omitempty"`
	CallbackAttempts int                   `json:"callback_attempts,omitempty"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID:               j.ID,
		ExternalID:       j.ExternalID,
		Provider:         j.Provider,
		Action:           j.Action,
		Priority:         j.Priority,
		Status:           j.Status,
		AssignedWorker:   j.AssignedWorker,
		RetryCount:       j.RetryCount,
		MaxRetries:       j.MaxRetries,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
		NextRunAt:        j.NextRunAt,
		Result:           j.Result,
		Error:            j.Error,
		CallbackStatus:   j.CallbackStatus,
		CallbackAttempts: j.CallbackAttempts,
	}
}
