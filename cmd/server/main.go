package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowflex/stagecondition/condition"
	"github.com/flowflex/stagecondition/internal/config"
	"github.com/flowflex/stagecondition/internal/logger"
	"github.com/flowflex/stagecondition/multitenantengine"
	"github.com/flowflex/stagecondition/rules"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	manager        *multitenantengine.Manager
	executor       *rules.Executor
	health         Pinger
	router         *chi.Mux
	requestTimeout time.Duration
	slowRequest    time.Duration
}

// ServerOptions carries what the HTTP layer needs.
type ServerOptions struct {
	Manager        *multitenantengine.Manager
	Executor       *rules.Executor
	Health         Pinger
	RequestTimeout time.Duration
	SlowRequest    time.Duration
}

func NewServer(opts ServerOptions) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		manager:        opts.Manager,
		executor:       opts.Executor,
		health:         opts.Health,
		requestTimeout: opts.RequestTimeout,
		slowRequest:    opts.SlowRequest,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)

	r.Post("/api/v1/conditions/validate", s.handleValidate)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Post("/instances/{instanceId}/stages/{stageId}/evaluate", s.handleEvaluate)
			r.Get("/instances/{instanceId}/stages/{stageId}/evaluation", s.handlePreview)
			r.Get("/cases/{caseCode}/stages/{stageId}/evaluation", s.handlePreviewByCaseCode)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs every request and feeds the HTTP counters.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx(status)
		}
		if s.slowRequest > 0 && elapsed > s.slowRequest {
			logger.WarnSlowRequest()
		}

		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.manager.ListTenants()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, MetricsResponse{Counters: logger.Snapshot()})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, TenantsListResponse{Tenants: s.manager.ListTenants()})
}

// Locked evaluation, the entry point for stage completion triggers
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ev, instanceID, stageID, ok := s.evaluationTarget(w, r)
	if !ok {
		return
	}

	start := time.Now()
	result, err := ev.EvaluateConditionWithLock(r.Context(), instanceID, stageID)
	s.respondEvaluation(w, result, err, true, time.Since(start))
}

// Unlocked preview
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	ev, instanceID, stageID, ok := s.evaluationTarget(w, r)
	if !ok {
		return
	}

	start := time.Now()
	result, err := ev.EvaluateCondition(r.Context(), instanceID, stageID)
	s.respondEvaluation(w, result, err, false, time.Since(start))
}

func (s *Server) handlePreviewByCaseCode(w http.ResponseWriter, r *http.Request) {
	caseCode := chi.URLParam(r, "caseCode")
	stageID := chi.URLParam(r, "stageId")

	if err := multitenantengine.ValidateCaseCode(caseCode); err != nil {
		respondError(w, http.StatusBadRequest, "invalid case code", err)
		return
	}
	if err := multitenantengine.ValidateResourceID("stage", stageID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid stage id", err)
		return
	}
	ev, ok := s.tenantEvaluator(w, r)
	if !ok {
		return
	}

	start := time.Now()
	result, err := ev.EvaluateConditionByCaseCode(r.Context(), caseCode, stageID)
	s.respondEvaluation(w, result, err, false, time.Since(start))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateConditionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	respondJSON(w, http.StatusOK, s.executor.Validate(req.RulesJSON))
}

func (s *Server) evaluationTarget(w http.ResponseWriter, r *http.Request) (*condition.Evaluator, string, string, bool) {
	instanceID := chi.URLParam(r, "instanceId")
	stageID := chi.URLParam(r, "stageId")

	if err := multitenantengine.ValidateResourceID("instance", instanceID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid instance id", err)
		return nil, "", "", false
	}
	if err := multitenantengine.ValidateResourceID("stage", stageID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid stage id", err)
		return nil, "", "", false
	}
	ev, ok := s.tenantEvaluator(w, r)
	return ev, instanceID, stageID, ok
}

func (s *Server) tenantEvaluator(w http.ResponseWriter, r *http.Request) (*condition.Evaluator, bool) {
	ev, err := s.manager.GetOrCreate(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tenant", err)
		return nil, false
	}
	return ev, true
}

func (s *Server) respondEvaluation(w http.ResponseWriter, result *condition.ConditionEvaluationResult, err error, locked bool, elapsed time.Duration) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			respondError(w, http.StatusGatewayTimeout, "evaluation timed out", err)
			return
		}
		respondError(w, http.StatusServiceUnavailable, "evaluation cancelled", err)
		return
	}

	respondJSON(w, http.StatusOK, EvaluationResponse{
		ConditionEvaluationResult: result,
		Locked:                    locked,
		EvaluationTime:            elapsed.String(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	ctx := context.Background()
	if err := logger.Setup(ctx, logger.Options{
		Level:       cfg.Log.Level,
		SampleRate:  cfg.Log.SampleRate,
		OTELEnabled: cfg.Log.OTELEnabled,
		ServiceName: cfg.Log.ServiceName,
	}); err != nil {
		logger.Warn("logger setup degraded", "error", err)
	}
	defer logger.Shutdown(context.Background())

	srv, err := buildApp(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise server", "error", err)
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.server,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port, "driver", cfg.Database.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
