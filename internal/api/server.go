// Package api provides the HTTP API and middleware for postpull.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/postpull/postpull/internal/config"
	"github.com/postpull/postpull/internal/export"
	"github.com/postpull/postpull/internal/ledger"
	"github.com/postpull/postpull/internal/orchestrator"
	"github.com/postpull/postpull/internal/rates"
	"github.com/postpull/postpull/internal/runner"
	"github.com/postpull/postpull/internal/scheduler"
	"github.com/postpull/postpull/internal/store"
)

// WebhookPath is where the runner delivers completion callbacks. The full
// URL (with secret) is registered when each run starts.
const WebhookPath = "/hooks/runner"

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	ledger       *ledger.Ledger
	orch         *orchestrator.Orchestrator
	sched        *scheduler.Scheduler
	runner       runner.Client
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	schedulerCfg config.SchedulerConfig
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, l *ledger.Ledger, o *orchestrator.Orchestrator, sc *scheduler.Scheduler, rc runner.Client, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		ledger:       l,
		orch:         o,
		sched:        sc,
		runner:       rc,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		schedulerCfg: cfg.Scheduler,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Runner completion callback and scheduler trigger carry their own
	// shared secrets; they bypass the public rate limiter.
	mux.With(sharedSecretMiddleware(cfg.Runner.WebhookSecret)).
		Post(WebhookPath, srv.handleRunnerWebhook)
	mux.With(sharedSecretMiddleware(cfg.Scheduler.TickSecret)).
		Post("/internal/scheduler/tick", srv.handleSchedulerTick)

	// Public API routes, rate-limited by IP.
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))

		r.Post("/api/extractions", srv.handleSubmitExtraction)
		r.Get("/api/extractions", srv.handleListExtractions)
		r.Get("/api/extractions/{jobID}", srv.handleGetExtraction)
		r.Get("/api/extractions/{jobID}/export", srv.handleExportExtraction)

		r.Post("/api/schedules", srv.handleCreateSchedule)
		r.Get("/api/schedules", srv.handleListSchedules)
		r.Get("/api/schedules/{scheduleID}", srv.handleGetSchedule)
		r.Post("/api/schedules/{scheduleID}/pause", srv.handlePauseSchedule)
		r.Post("/api/schedules/{scheduleID}/resume", srv.handleResumeSchedule)
		r.Delete("/api/schedules/{scheduleID}", srv.handleDeleteSchedule)

		r.Post("/api/users", srv.handleCreateUser)
		r.Get("/api/users/{userID}", srv.handleGetUser)
		r.Post("/api/users/{userID}/credit", srv.handleCreditUser)

		r.Get("/api/admin/unsettled", srv.handleListUnsettled)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup for the rate limiter.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Extraction handlers ---

func (s *Server) handleSubmitExtraction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Source         string `json:"source"`
		Target         string `json:"target"`
		ItemCount      int    `json:"item_count"`
		UserID         string `json:"user_id"`
		IdempotencyKey string `json:"idempotency_key"`
		Notify         bool   `json:"notify"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		UserID:         req.UserID,
		Source:         req.Source,
		Target:         req.Target,
		ItemCount:      req.ItemCount,
		IdempotencyKey: req.IdempotencyKey,
		Notify:         req.Notify,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// writeSubmitError maps the orchestrator's typed rejections onto statuses.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var (
		invalid *orchestrator.InvalidError
		funds   *orchestrator.InsufficientFundsError
		dup     *orchestrator.DuplicateError
		limited *orchestrator.RateLimitedError
	)
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Reason)
	case errors.As(err, &funds):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     funds.Error(),
			"estimate":  funds.Estimate,
			"shortfall": funds.Shortfall,
		})
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": dup.Error(),
			"job":   dup.Job,
		})
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.Window.Seconds())))
		writeError(w, http.StatusTooManyRequests, limited.Error())
	default:
		s.logger.Error("submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "submission failed")
	}
}

func (s *Server) handleListExtractions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.store.ListJobsByUser(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list extractions")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetExtraction(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.logger.Error("failed to get job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get extraction")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "extraction not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleExportExtraction(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.logger.Error("failed to get job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get extraction")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "extraction not found")
		return
	}
	if job.Status != store.JobSuccess {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("extraction is %s; only successful extractions can be exported", job.Status))
		return
	}

	items, err := s.runner.ListItems(r.Context(), job.ArtifactRef)
	if err != nil {
		s.logger.Error("result refetch failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusBadGateway, "result fetch from runner failed")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.Filename(job.Source, job.ID)))
	if err := export.Render(w, job.Source, items); err != nil {
		// Headers are gone at this point; log and give up on the response.
		s.logger.Error("csv render failed", "job_id", job.ID, "error", err)
	}
}

// --- Webhook and tick handlers ---

func (s *Server) handleRunnerWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var payload struct {
		EventType string `json:"eventType"`
		Resource  struct {
			ID string `json:"id"`
		} `json:"resource"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	event := runner.NormalizeEvent(payload.EventType)
	if event == "" {
		// Not a completion event; ack so the runner stops redelivering.
		s.logger.Info("ignoring webhook event", "event", payload.EventType)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if payload.Resource.ID == "" {
		writeError(w, http.StatusBadRequest, "missing resource.id")
		return
	}

	if err := s.orch.Complete(r.Context(), payload.Resource.ID, event); err != nil {
		// The runner retries on non-2xx; completion is idempotent.
		s.logger.Error("completion processing failed", "run_id", payload.Resource.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "completion processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (s *Server) handleSchedulerTick(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.sched.RunDue(r.Context(), time.Now().UTC())
	if err != nil {
		s.logger.Error("tick failed", "error", err)
		writeError(w, http.StatusInternalServerError, "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed": len(outcomes),
		"outcomes":  outcomes,
	})
}

// --- Schedule handlers ---

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		UserID    string `json:"user_id"`
		Source    string `json:"source"`
		Target    string `json:"target"`
		Frequency string `json:"frequency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Source = strings.ToLower(strings.TrimSpace(req.Source))
	req.Target = strings.TrimSpace(req.Target)
	freq := store.ScheduleFrequency(req.Frequency)
	if freq != store.FrequencyDaily && freq != store.FrequencyWeekly {
		writeError(w, http.StatusBadRequest, "frequency must be daily or weekly")
		return
	}
	if !rates.Valid(rates.Source(req.Source)) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.Source))
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	user, err := s.store.GetUser(r.Context(), req.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusBadRequest, "unknown user")
		return
	}

	sched := &store.Schedule{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Source:    req.Source,
		Target:    req.Target,
		Frequency: freq,
		Status:    store.ScheduleActive,
		NextRunAt: s.firstRun(time.Now().UTC()),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateSchedule(r.Context(), sched); err != nil {
		s.logger.Error("failed to create schedule", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// firstRun picks the next occurrence of the configured run hour.
func (s *Server) firstRun(now time.Time) time.Time {
	first := time.Date(now.Year(), now.Month(), now.Day(), s.schedulerCfg.RunHourUTC, 0, 0, 0, time.UTC)
	if !first.After(now) {
		first = first.Add(24 * time.Hour)
	}
	return first
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	schedules, err := s.store.ListSchedulesByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("failed to list schedules", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.logger.Error("failed to get schedule", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}
	if sched == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleStatus(w, r, store.SchedulePaused)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleStatus(w, r, store.ScheduleActive)
}

func (s *Server) setScheduleStatus(w http.ResponseWriter, r *http.Request, status string) {
	id := chi.URLParam(r, "scheduleID")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get schedule", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}
	if sched == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err := s.store.SetScheduleStatus(r.Context(), id, status); err != nil {
		s.logger.Error("failed to update schedule", "schedule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}
	sched.Status = status
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get schedule", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}
	if sched == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		s.logger.Error("failed to delete schedule", "schedule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- User handlers ---

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email          string `json:"email"`
		NotifyPref     *bool  `json:"notify_pref"`
		InitialBalance int64  `json:"initial_balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "valid email is required")
		return
	}
	if req.InitialBalance < 0 {
		writeError(w, http.StatusBadRequest, "initial_balance must not be negative")
		return
	}

	notifyPref := true
	if req.NotifyPref != nil {
		notifyPref = *req.NotifyPref
	}
	user := &store.User{
		ID:         uuid.New().String(),
		Email:      req.Email,
		Balance:    req.InitialBalance,
		NotifyPref: notifyPref,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.logger.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.logger.Error("failed to get user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleCreditUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	userID := chi.URLParam(r, "userID")
	var req struct {
		Amount int64 `json:"amount"` // credit cents
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if err := s.ledger.Credit(r.Context(), userID, req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, "failed to load user after credit")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Admin handlers ---

func (s *Server) handleListUnsettled(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	jobs, err := s.store.ListUnsettledJobs(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list unsettled jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list unsettled jobs")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
