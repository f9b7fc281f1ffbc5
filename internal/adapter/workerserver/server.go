// Package workerserver exposes the worker runtime over HTTP for the
// orchestrator: dispatch, per-job status, capability discovery and health.
package workerserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fiberops/conductor/internal/adapter/observability"
	"github.com/fiberops/conductor/internal/domain"
	"github.com/fiberops/conductor/internal/worker"
)

// Server wraps the runtime with the worker-side HTTP surface.
type Server struct {
	runtime *worker.Runtime
	allowed []*net.IPNet
}

// New constructs a Server. cidrs is the orchestrator allowlist; an empty list
// disables the check.
func New(rt *worker.Runtime, cidrs []string) (*Server, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, errors.New("op=workerserver.New: invalid CIDR " + c)
		}
		nets = append(nets, ipnet)
	}
	return &Server{runtime: rt, allowed: nets}, nil
}

// Router builds the worker HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(s.allowlist)

	r.Post("/execute", s.handleExecute)
	r.Get("/status", s.handleCapabilities)
	r.Get("/status/{jobID}", s.handleStatus)
	r.Get("/health", s.handleHealth)
	return r
}

// allowlist rejects requests from outside the configured CIDRs with 403.
func (s *Server) allowlist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowed) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !s.allowedIP(ip) {
			slog.Warn("request from outside allowlist", slog.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedIP(ip net.IP) bool {
	for _, n := range s.allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req worker.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.JobID <= 0 || req.Provider == "" || req.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job_id, provider and action are required"})
		return
	}

	err := s.runtime.Accept(req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id": req.JobID,
			"status": "running",
		})
	case errors.Is(err, domain.ErrUnavailable):
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "at capacity"})
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		slog.Error("execute failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}
	st, ok := s.runtime.Status(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, domain.WorkerStatus{JobID: id, Status: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": s.runtime.Capabilities(),
		"active_jobs":  s.runtime.ActiveJobs(),
		"capacity":     s.runtime.Capacity(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, domain.WorkerHealthInfo{
		Status:     "ok",
		ActiveJobs: s.runtime.ActiveJobs(),
		Capacity:   s.runtime.Capacity(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.Any("error", err))
	}
}
