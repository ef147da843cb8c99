package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"content-pipeline/internal/heartbeat"
	"content-pipeline/internal/lock"
	"content-pipeline/internal/models"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/store"
	"content-pipeline/internal/telemetry"
)

// Server exposes queue and heartbeat state over HTTP for the serve command.
type Server struct {
	queue    *queue.Store
	registry *heartbeat.Registry
	repo     store.Repository
	logger   *slog.Logger
}

// New constructs the API server.
func New(q *queue.Store, reg *heartbeat.Registry, repo store.Repository, logger *slog.Logger) *Server {
	return &Server{
		queue:    q,
		registry: reg,
		repo:     repo,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/status", s.handleStatus)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	return r
}

// Status is the operator view shared by GET /status and `pipelinectl status`.
type Status struct {
	GeneratedAt   time.Time                  `json:"generated_at"`
	Counts        map[models.Status]int      `json:"counts"`
	Heartbeats    []models.Heartbeat         `json:"heartbeats"`
	Discrepancies []models.DiscrepancyRecord `json:"discrepancies"`
}

// Collect reads a status snapshot without taking any lease.
func Collect(ctx context.Context, q *queue.Store, reg *heartbeat.Registry, repo store.Repository) (Status, error) {
	counts, err := q.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	hbs, err := reg.List(ctx)
	if err != nil {
		return Status{}, err
	}
	disc, err := repo.ListDiscrepancies(ctx, 10)
	if err != nil {
		return Status{}, err
	}
	return Status{GeneratedAt: q.Now().UTC(), Counts: counts, Heartbeats: hbs, Discrepancies: disc}, nil
}

// JobDetail is a job with its audit trail.
type JobDetail struct {
	Job   models.Job        `json:"job"`
	Audit []models.AuditLog `json:"audit"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := Collect(r.Context(), s.queue, s.registry, s.repo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	audit, err := s.queue.Audit(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobDetail{Job: job, Audit: audit})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var job models.Job
	err := s.queue.Do(r.Context(), func(sess *queue.Session) error {
		var err error
		job, err = sess.Retry(r.Context(), id)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("manual retry via api", "job_id", id)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrNotRetryable):
		code = http.StatusConflict
	case errors.Is(err, lock.ErrBusy):
		code = http.StatusServiceUnavailable
	default:
		s.logger.Error("api request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
