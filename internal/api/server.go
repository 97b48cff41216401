// Package api implements the HTTP submission and inspection surface of
// SPEC_FULL.md §6.6, adapted from the teacher's internal/api/server.go —
// same go-chi router and tenant/rate-limit shape, new job model and
// endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"jobengine/internal/engine"
	"jobengine/internal/job"
	"jobengine/internal/ratelimit"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
	"jobengine/internal/uniqueness"
)

// Server wires HTTP handlers for the job submission/inspection API.
type Server struct {
	engine  *engine.Engine
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(eng *engine.Engine, limiter *ratelimit.TokenBucket) *Server {
	return &Server{engine: eng, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.rateLimited(s.handleInsert))
	r.Post("/jobs/batch", s.rateLimited(s.handleInsertBatch))
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/queues/{queue}/discarded", s.handleDiscarded)
	return r
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			key := fmt.Sprintf("rl:%s", tenantFromRequest(r))
			allowed, _, err := s.limiter.Allow(r.Context(), key)
			if err != nil {
				http.Error(w, "rate limit error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				telemetry.RateLimitDeny.Inc()
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		next(w, r)
	}
}

type uniqueRequest struct {
	Fields []string `json:"fields"`
	Keys   []string `json:"keys"`
	Period string   `json:"period"`
	States []string `json:"states"`
}

type insertRequest struct {
	Worker      string           `json:"worker"`
	Queue       string           `json:"queue"`
	Args        map[string]any   `json:"args"`
	Meta        map[string]any   `json:"meta"`
	Tags        []string         `json:"tags"`
	Priority    int              `json:"priority"`
	MaxAttempts int              `json:"max_attempts"`
	ScheduledAt *time.Time       `json:"scheduled_at"`
	Unique      *uniqueRequest   `json:"unique"`
}

type insertResponse struct {
	Job        job.Job `json:"job"`
	Conflicted bool    `json:"conflicted"`
}

func (req insertRequest) toSpec() (store.InsertSpec, error) {
	spec := store.InsertSpec{
		Worker:      req.Worker,
		Queue:       req.Queue,
		Args:        req.Args,
		Meta:        req.Meta,
		Tags:        req.Tags,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		ScheduledAt: req.ScheduledAt,
	}
	if req.Worker == "" {
		return spec, fmt.Errorf("worker is required")
	}
	if req.Unique != nil {
		period := time.Duration(0)
		if req.Unique.Period != "" {
			d, err := time.ParseDuration(req.Unique.Period)
			if err != nil {
				return spec, fmt.Errorf("invalid unique.period: %w", err)
			}
			period = d
		}
		var states []job.State
		for _, s := range req.Unique.States {
			states = append(states, job.State(s))
		}
		spec.Unique = &uniqueness.Spec{
			Fields: req.Unique.Fields,
			Keys:   req.Unique.Keys,
			Period: period,
			Group:  states,
		}
	}
	return spec, nil
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	spec, err := req.toSpec()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	j, conflicted, err := s.engine.Store().InsertJob(r.Context(), spec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.JobsInserted.WithLabelValues(j.Queue, boolLabel(conflicted)).Inc()

	writeJSON(w, http.StatusAccepted, insertResponse{Job: j, Conflicted: conflicted})
}

func (s *Server) handleInsertBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []insertRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	specs := make([]store.InsertSpec, 0, len(reqs))
	for i, req := range reqs {
		spec, err := req.toSpec()
		if err != nil {
			http.Error(w, fmt.Sprintf("item %d: %v", i, err), http.StatusBadRequest)
			return
		}
		specs = append(specs, spec)
	}

	jobs, conflicts, err := s.engine.Store().InsertJobs(r.Context(), specs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := make([]insertResponse, len(jobs))
	for i, j := range jobs {
		telemetry.JobsInserted.WithLabelValues(j.Queue, boolLabel(conflicts[i])).Inc()
		resp[i] = insertResponse{Job: j, Conflicted: conflicts[i]}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	j, err := s.engine.Store().JobByID(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	existing, err := s.engine.Store().JobByID(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if existing.State.Terminal() {
		writeJSON(w, http.StatusConflict, existing)
		return
	}
	j, err := s.engine.Store().CancelJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.JobsCancelled.WithLabelValues(j.Queue, j.Worker).Inc()
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDiscarded(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.engine.Store().DiscardedJobs(r.Context(), queue, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
