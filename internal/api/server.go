package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/pipeline"
	"workforce-pipeline/internal/ratelimit"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
)

const dlqPageSize = 100

// TaskQueue is the part of the work queue the API writes to.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID, priority string) error
	Cancel(ctx context.Context, taskID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the task API.
type Server struct {
	pipeline *pipeline.Pipeline
	store    store.Store
	queue    TaskQueue
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(p *pipeline.Pipeline, st store.Store, q TaskQueue, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Server{
		pipeline: p,
		store:    st,
		queue:    q,
		limiter:  limiter,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDelete)
		r.Get("/{id}/artifacts", s.handleArtifacts)
		r.Post("/{id}/review", s.handleReview)
		r.Post("/{id}/requeue", s.handleRequeue)
	})
	r.Get("/artifacts/*", s.handleArtifact)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	decision, err := s.limiter.Allow(r.Context(), tenant)
	if err != nil {
		s.logger.Error("rate limiter unavailable", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return
	}
	if !decision.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	var req pipeline.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	task, err := s.pipeline.Create(r.Context(), req)
	if errors.Is(err, pipeline.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("create task failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	if err := s.queue.Enqueue(r.Context(), task.ID, task.Priority); err != nil {
		s.logger.Error("enqueue failed", "task_id", task.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.logger.Info("task accepted", "task_id", task.ID, "tenant", tenant, "priority", task.Priority)
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleDelete removes a task and its artifacts. It is an administrative
// operation; the pipeline never deletes tasks itself.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel queue item")
		return
	}
	deleted, err := s.store.DeleteTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Info("task deleted", "task_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	items, err := s.store.ListArtifacts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if items == nil {
		items = []models.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleArtifact serves one artifact. Artifact ids contain slashes, so the
// id is the remainder of the path.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.store.GetArtifact(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	task, err := s.pipeline.Review(r.Context(), chi.URLParam(r, "id"), req)
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeStoreError(w, err)
	default:
		writeJSON(w, http.StatusOK, task)
	}
}

// handleRequeue puts a task back on the queue, typically after it was
// dead-lettered. Closed tasks are refused.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if task.Status.Closed() {
		writeError(w, http.StatusConflict, "task is "+string(task.Status))
		return
	}
	if err := s.queue.Enqueue(r.Context(), task.ID, task.Priority); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "task_id": task.ID})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), dlqPageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("store request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
