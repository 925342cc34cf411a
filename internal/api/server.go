// Package api exposes job submission and inspection over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/payload"
	"distributed-job-scheduler/internal/ratelimit"
	"distributed-job-scheduler/internal/recurrence"
	"distributed-job-scheduler/internal/scheduler"
	"distributed-job-scheduler/internal/telemetry"
)

const maxOccurrencesShown = 100

// Server wires HTTP handlers for the producer API.
type Server struct {
	executor *scheduler.Executor
	registry *payload.Registry
	limiter  *ratelimit.TokenBucket
	logger   *zap.SugaredLogger
}

// New constructs the API server. limiter may be nil.
func New(executor *scheduler.Executor, registry *payload.Registry, limiter *ratelimit.TokenBucket, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		executor: executor,
		registry: registry,
		limiter:  limiter,
		logger:   logger.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleDelete)
	r.Get("/jobs/{id}/occurrences", s.handleOccurrences)
	r.Post("/batches", s.handleBatch)
	return r
}

type recurrenceRequest struct {
	Every           int        `json:"every"`
	Unit            string     `json:"unit"`
	For             int        `json:"for"`
	ForUnit         string     `json:"for_unit"`
	Start           *time.Time `json:"start"`
	ExcludeWeekends bool       `json:"exclude_weekends"`
}

func (rr *recurrenceRequest) rule() (*recurrence.Rule, error) {
	unit, err := recurrence.ParseFrequency(rr.Unit)
	if err != nil {
		return nil, err
	}
	rule := &recurrence.Rule{
		Period:          recurrence.Period{Frequency: unit, Quantity: rr.Every},
		ExcludeWeekends: rr.ExcludeWeekends,
	}
	if rr.For > 0 || rr.ForUnit != "" {
		forUnit, err := recurrence.ParseFrequency(rr.ForUnit)
		if err != nil {
			return nil, errors.Wrap(err, "for_unit")
		}
		rule.End = &recurrence.Period{Frequency: forUnit, Quantity: rr.For}
	}
	if rr.Start != nil {
		rule.Start = *rr.Start
	}
	return rule, rule.Validate()
}

type jobRequest struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args"`
}

type enqueueRequest struct {
	jobRequest
	Priority     *int               `json:"priority"`
	RunAt        *time.Time         `json:"run_at"`
	DelaySeconds int                `json:"delay_seconds"`
	Recurrence   *recurrenceRequest `json:"recurrence"`
}

type batchRequest struct {
	Name     string       `json:"name"`
	Priority int          `json:"priority"`
	Jobs     []jobRequest `json:"jobs"`
}

// jobView renders the stored handler envelope as JSON rather than base64.
type jobView struct {
	*models.Job
	Handler json.RawMessage `json:"handler,omitempty"`
}

func viewOf(job *models.Job) jobView {
	v := jobView{Job: job}
	if json.Valid(job.Handler) {
		v.Handler = job.Handler
	}
	return v
}

func (s *Server) decodePayload(req jobRequest) (any, error) {
	if req.Kind == "" {
		return nil, errors.New("kind is required")
	}
	data, err := s.registry.EncodeRaw(req.Kind, req.Args)
	if err != nil {
		return nil, err
	}
	return s.registry.Decode(data)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r) {
		return
	}
	p, err := s.decodePayload(req.jobRequest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var opts []scheduler.JobOption
	if req.Priority != nil {
		opts = append(opts, scheduler.WithPriority(*req.Priority))
	}
	if req.RunAt != nil {
		opts = append(opts, scheduler.RunAt(*req.RunAt))
	}
	if req.DelaySeconds > 0 {
		opts = append(opts, scheduler.After(time.Duration(req.DelaySeconds)*time.Second))
	}
	if req.Recurrence != nil {
		rule, err := req.Recurrence.rule()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts = append(opts, scheduler.Recurring(rule))
	}

	job, err := s.executor.Enqueue(r.Context(), p, opts...)
	if err != nil {
		if errors.Is(err, recurrence.ErrInvalidPeriod) || errors.Is(err, scheduler.ErrMissingHandler) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Errorw("enqueue failed", "kind", req.Kind, "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	code := http.StatusAccepted
	if s.executor.Settings().Immediate {
		code = http.StatusOK
	}
	s.logger.Infow("job submitted", "job_id", job.ID, "kind", req.Kind, "tenant", tenantFromRequest(r))
	writeJSON(w, code, viewOf(job))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" || len(req.Jobs) == 0 {
		http.Error(w, "name and jobs are required", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r) {
		return
	}
	payloads := make([]any, 0, len(req.Jobs))
	for i, jr := range req.Jobs {
		p, err := s.decodePayload(jr)
		if err != nil {
			http.Error(w, "jobs["+strconv.Itoa(i)+"]: "+err.Error(), http.StatusBadRequest)
			return
		}
		payloads = append(payloads, p)
	}
	batch, err := s.executor.EnqueueBatch(r.Context(), req.Name, req.Priority, payloads...)
	if err != nil {
		s.logger.Errorw("batch failed", "name", req.Name, "error", err)
		http.Error(w, "batch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repository(w)
	if !ok {
		return
	}
	jobs, err := repo.ListAll(r.Context())
	if err != nil {
		s.logger.Errorw("list jobs failed", "error", err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if err := s.executor.Repository().Delete(r.Context(), job); err != nil && !errors.Is(err, models.ErrJobNotFound) {
		s.logger.Errorw("delete job failed", "job_id", job.ID, "error", err)
		http.Error(w, "failed to delete job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type occurrencesResponse struct {
	Next  *time.Time  `json:"next,omitempty"`
	Last  *time.Time  `json:"last,omitempty"`
	All   []time.Time `json:"all,omitempty"`
	Total int         `json:"total"`
}

func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Recurrence == nil {
		http.Error(w, "job is not recurring", http.StatusNotFound)
		return
	}
	var resp occurrencesResponse
	if next, err := job.Recurrence.NextOccurrence(); err == nil {
		resp.Next = &next
	} else if !errors.Is(err, recurrence.ErrSeriesExhausted) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	all, err := job.Recurrence.AllOccurrences()
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	resp.Total = len(all)
	if len(all) > 0 {
		last := all[len(all)-1]
		resp.Last = &last
	}
	if len(all) > maxOccurrencesShown {
		all = all[:maxOccurrencesShown]
	}
	resp.All = all
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) repository(w http.ResponseWriter) (scheduler.Repository, bool) {
	repo := s.executor.Repository()
	if repo == nil {
		http.Error(w, "no repository configured", http.StatusServiceUnavailable)
		return nil, false
	}
	return repo, true
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	repo, ok := s.repository(w)
	if !ok {
		return nil, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return nil, false
	}
	job, err := repo.Load(r.Context(), id)
	if errors.Is(err, models.ErrJobNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.logger.Errorw("load job failed", "job_id", id, "error", err)
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return nil, false
	}
	return job, true
}

// allow applies the per-tenant rate limit and writes the rejection.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
	if err != nil {
		s.logger.Errorw("rate limit check failed", "error", err)
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.999)))
		}
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
