package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fiberops/conductor/internal/domain"
)

type createJobRequest struct {
	ExternalID string         `json:"external_id" validate:"required,max=128"`
	Provider   string         `json:"provider" validate:"required,oneof=mfn osn octotel evotel"`
	Action     string         `json:"action" validate:"required,oneof=validation cancellation"`
	Parameters map[string]any `json:"parameters" validate:"required"`
	Priority   int            `json:"priority" validate:"gte=0,lte=100"`
	MaxRetries int            `json:"max_retries" validate:"gte=0,lte=10"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", domain.ErrInvalidArgument))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, fmt.Errorf("%s: %w", err.Error(), domain.ErrInvalidArgument))
		return
	}
	job, created, err := s.jobs.Submit(r.Context(), domain.CreateJobRequest{
		ExternalID: req.ExternalID,
		Provider:   req.Provider,
		Action:     domain.Action(req.Action),
		Parameters: req.Parameters,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		// Duplicate submission returns the existing job unchanged.
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"id": job.ID, "status": job.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Detail(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	jobs, err := s.jobs.List(r.Context(), domain.JobStatus(q.Get("status")), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, toJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.reporter != nil {
		s.reporter.Enqueue(job)
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) handleScreenshots(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.jobs.Evidence(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "screenshots": items})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	n, err := s.dispatch.RunOnce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatched": n})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RecoverStale(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered": n})
}

func (s *Server) handleSchedulerReset(w http.ResponseWriter, _ *http.Request) {
	// Restart on the base context: the scheduler must outlive this request.
	s.scheduler.Reset(s.baseCtx)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "tasks": s.scheduler.Tasks()})
}

func (s *Server) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.scheduler.Running(),
		"tasks":   s.scheduler.Tasks(),
		"workers": s.registry.Snapshot(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"current":  s.collector.Current(),
		"history":  s.collector.History(),
		"averages": s.collector.WindowAverages(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, fmt.Errorf("auth not configured: %w", domain.ErrUnavailable))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, fmt.Errorf("invalid form: %w", domain.ErrInvalidArgument))
		return
	}
	token, expiry, err := s.tokens.Issue(r.Context(), r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		// Bad credentials are a 401, not a 400.
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   expiry.UTC().Format(time.RFC3339),
	})
}

func jobID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id: %w", domain.ErrInvalidArgument)
	}
	return id, nil
}
