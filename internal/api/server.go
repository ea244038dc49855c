// Package api exposes the producer/admin HTTP surface over queue
// façades. Provider errors pass through to the response mapper, which
// translates the error taxonomy to HTTP status codes.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"queue-abstraction/internal/jobs"
	"queue-abstraction/internal/queue"
	"queue-abstraction/internal/telemetry"
)

// EnqueueLimiter grants or refuses enqueue slots for a queue. A nil
// limiter means unlimited.
type EnqueueLimiter interface {
	Allow(ctx context.Context, queueName string) error
}

// Server wires HTTP handlers for a set of named queues.
type Server struct {
	queues  map[string]*queue.Queue
	limiter EnqueueLimiter
}

// New constructs the API server over the given façades, keyed by
// logical queue name.
func New(queues map[string]*queue.Queue) *Server {
	return &Server{queues: queues}
}

// WithEnqueueLimiter throttles POST /jobs through the given limiter.
func (s *Server) WithEnqueueLimiter(l EnqueueLimiter) *Server {
	s.limiter = l
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/stats", s.handleStats)
		r.Get("/health", s.handleHealth)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Get("/dlq", s.handleDLQ)
		r.Post("/dlq/{id}/retry", s.handleRetry)
	})
	return r
}

func (s *Server) queueFor(w http.ResponseWriter, r *http.Request) *queue.Queue {
	name := chi.URLParam(r, "queue")
	q, ok := s.queues[name]
	if !ok {
		writeError(w, jobs.NewConfigError(jobs.CodeQueueNotFound, "unknown queue").WithQueue(name))
		return nil
	}
	return q
}

type enqueueRequest struct {
	Name            string            `json:"name"`
	Data            any               `json:"data"`
	JobID           string            `json:"job_id"`
	MaxAttempts     int               `json:"max_attempts"`
	Priority        int               `json:"priority"`
	DelaySeconds    int               `json:"delay_seconds"`
	Metadata        map[string]any    `json:"metadata"`
	ProviderOptions map[string]string `json:"provider_options"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	q := s.queueFor(w, r)
	if q == nil {
		return
	}
	if s.limiter != nil {
		if err := s.limiter.Allow(r.Context(), q.Name()); err != nil {
			writeError(w, err)
			return
		}
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, jobs.NewDataError(jobs.CodeValidation, "invalid json body"))
		return
	}

	job, err := q.Add(r.Context(), req.Name, req.Data, jobs.JobOptions{
		JobID:           req.JobID,
		MaxAttempts:     req.MaxAttempts,
		Priority:        req.Priority,
		Delay:           time.Duration(req.DelaySeconds) * time.Second,
		Metadata:        req.Metadata,
		ProviderOptions: req.ProviderOptions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	q := s.queueFor(w, r)
	if q == nil {
		return
	}
	id := chi.URLParam(r, "id")
	job, err := q.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeError(w, jobs.NewNotFoundError("job", id, "job not found or backend has no lookup"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := s.queueFor(w, r)
	if q == nil {
		return
	}
	stats, err := q.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	q := s.queueFor(w, r)
	if q == nil {
		return
	}
	health, err := q.Health(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	q := s.queueFor(w, r)
	if q == nil {
		return
	}
	if err := q.Pause(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	q := s.queueFor(w, r)
	if q == nil {
		return
	}
	if err := q.Resume(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	q := s.queueFor(w, r)
	if q == nil {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := q.GetDLQJobs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	q := s.queueFor(w, r)
	if q == nil {
		return
	}
	id := chi.URLParam(r, "id")
	if err := q.RetryJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// writeError maps the queue error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}
	if qe, ok := jobs.AsQueueError(err); ok {
		body["code"] = qe.Code
		body["retryable"] = qe.Retryable
		switch qe.Category {
		case jobs.CategoryData:
			code = http.StatusBadRequest
		case jobs.CategoryNotFound:
			code = http.StatusNotFound
		case jobs.CategoryConfiguration:
			if qe.Code == jobs.CodeQueueNotFound {
				code = http.StatusNotFound
			} else {
				code = http.StatusNotImplemented
			}
		case jobs.CategoryRuntime:
			switch {
			case qe.Code == jobs.CodeThrottled:
				code = http.StatusTooManyRequests
			case qe.Retryable:
				code = http.StatusServiceUnavailable
			}
		}
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
