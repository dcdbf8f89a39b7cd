package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"commerce-sync/internal/cleanup"
	"commerce-sync/internal/config"
	"commerce-sync/internal/models"
	"commerce-sync/internal/queue"
	"commerce-sync/internal/ratelimit"
	"commerce-sync/internal/syncer"
	"commerce-sync/internal/telemetry"
)

// enqueueableTypes are the job types operators may enqueue directly.
var enqueueableTypes = map[string]struct{}{
	models.TypeSyncOrders:        {},
	models.TypeProcessOrder:      {},
	models.TypeSendOrderEmail:    {},
	models.TypeUpdateOrderStatus: {},
	models.TypeCleanupOldOrders:  {},
}

// Server wires the operator HTTP surface: queue and worker controls, sync and
// cleanup triggers, and the health snapshot.
type Server struct {
	cfg         config.Config
	registry    *queue.Registry
	coordinator *syncer.Coordinator
	sweeper     *cleanup.Sweeper
	limiter     *ratelimit.TokenBucket
	log         *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, reg *queue.Registry, coord *syncer.Coordinator, sweeper *cleanup.Sweeper, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{
		cfg:         cfg,
		registry:    reg,
		coordinator: coord,
		sweeper:     sweeper,
		limiter:     limiter,
		log:         log,
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

	r.Route("/queues", func(r chi.Router) {
		r.Get("/stats", s.handleAllStats)
		r.Get("/stats/{queueName}", s.handleStats)
		r.Post("/pause/{queueName}", s.handlePauseQueue)
		r.Post("/resume/{queueName}", s.handleResumeQueue)
		r.Post("/workers/pause/{queueName}", s.handlePauseWorker)
		r.Post("/workers/resume/{queueName}", s.handleResumeWorker)
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/failed/{queueName}", s.handleFailed)
		r.Post("/failed/{queueName}/{jobID}/retry", s.handleRetryFailed)
		r.Get("/health", s.handleHealth)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Post("/orders", s.handleTriggerSync)
		r.Post("/cleanup", s.handleRunCleanup)
		r.Get("/cleanup/preview", s.handleCleanupPreview)
		r.Get("/cleanup/stats", s.handleCleanupStats)
	})

	return r
}

func (s *Server) queueParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "queueName")
	if !s.registry.Known(name) {
		writeError(w, http.StatusBadRequest, "invalid queue name")
		return "", false
	}
	return name, true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	stats, err := s.registry.Stats(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get queue statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "stats": stats})
}

func (s *Server) handleAllStats(w http.ResponseWriter, r *http.Request) {
	all := make(map[string]models.QueueStats)
	for _, name := range s.registry.Names() {
		stats, err := s.registry.Stats(r.Context(), name)
		if err != nil {
			s.log.Error("queue stats", zap.String("queue", name), zap.Error(err))
			continue
		}
		all[name] = stats
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": all})
}

type enqueueRequest struct {
	JobType string         `json:"jobType"`
	Data    map[string]any `json:"data"`
	Options struct {
		Priority     int    `json:"priority"`
		DelaySeconds int    `json:"delaySeconds"`
		MaxAttempts  int    `json:"maxAttempts"`
		Backoff      string `json:"backoff"`
	} `json:"options"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if _, ok := enqueueableTypes[req.JobType]; !ok {
		writeError(w, http.StatusBadRequest, "invalid job type")
		return
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), operatorFromRequest(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	opts := queue.Options{
		Priority: req.Options.Priority,
		Delay:    time.Duration(req.Options.DelaySeconds) * time.Second,
	}
	if req.Options.MaxAttempts > 0 || req.Options.Backoff != "" {
		policy := models.DefaultRetryPolicy()
		if req.Options.MaxAttempts > 0 {
			policy.MaxAttempts = req.Options.MaxAttempts
		}
		if req.Options.Backoff != "" {
			policy.Kind = req.Options.Backoff
		}
		opts.Retry = &policy
	}

	job, err := s.registry.Enqueue(r.Context(), models.QueueOrders, req.JobType, req.Data, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add job")
		return
	}
	telemetry.JobsEnqueued.WithLabelValues(job.Queue, job.Type).Inc()
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "job added successfully",
		"job":     job,
	})
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	if err := s.registry.Pause(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to pause queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "queue " + name + " paused"})
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	if err := s.registry.Resume(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resume queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "queue " + name + " resumed"})
}

func (s *Server) handlePauseWorker(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	if err := s.registry.PauseWorker(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to pause worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "worker for queue " + name + " paused"})
}

func (s *Server) handleResumeWorker(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	if err := s.registry.ResumeWorker(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resume worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "worker for queue " + name + " resumed"})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	jobs, err := s.registry.FailedJobs(r.Context(), name, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read failed jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	job, err := s.registry.RetryFailed(r.Context(), name, jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "job re-enqueued", "job": job})
}

type queueHealth struct {
	Exists   bool `json:"exists"`
	IsPaused bool `json:"isPaused"`
}

type workerHealth struct {
	Exists    bool `json:"exists"`
	IsRunning bool `json:"isRunning"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	queues := make(map[string]queueHealth)
	workers := make(map[string]workerHealth)
	for _, name := range s.registry.Names() {
		paused, err := s.registry.IsPaused(ctx, name)
		if err != nil {
			health["status"] = "degraded"
			continue
		}
		queues[name] = queueHealth{Exists: true, IsPaused: paused}

		alive, _ := s.registry.WorkerAlive(ctx, name)
		workerPaused, _ := s.registry.WorkerPaused(ctx, name)
		workers[name] = workerHealth{Exists: alive, IsRunning: alive && !workerPaused}
	}
	health["queues"] = queues
	health["workers"] = workers
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	s.log.Info("manual order sync triggered via API")
	if err := s.coordinator.TriggerSync(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "order sync trigger failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message": "order sync job accepted"})
}

// handleRunCleanup runs the sweeper inline and returns the deletion counts.
func (s *Server) handleRunCleanup(w http.ResponseWriter, r *http.Request) {
	s.log.Info("manual cleanup triggered via API")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	result, err := s.sweeper.Run(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "cleanup completed", "data": result})
}

func (s *Server) handleCleanupPreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.sweeper.PreviewCleanup(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup preview failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": preview})
}

func (s *Server) handleCleanupStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sweeper.GetCleanupStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get cleanup statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

func operatorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Operator-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
