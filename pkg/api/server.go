package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thetenthbox/gpuq/pkg/auth"
	"github.com/thetenthbox/gpuq/pkg/config"
	"github.com/thetenthbox/gpuq/pkg/limiter"
	"github.com/thetenthbox/gpuq/pkg/log"
	"github.com/thetenthbox/gpuq/pkg/metrics"
	"github.com/thetenthbox/gpuq/pkg/queue"
	"github.com/thetenthbox/gpuq/pkg/storage"
	"github.com/thetenthbox/gpuq/pkg/vetter"
	"github.com/thetenthbox/gpuq/pkg/worker"
)

// Server is the HTTP JSON surface of the dispatch engine
type Server struct {
	cfg     *config.Config
	store   storage.Store
	auth    *auth.Manager
	scanner *vetter.Scanner
	queue   *queue.Manager

	// executors builds a throwaway session for the cancel handler's
	// best-effort kill; workers own their own executors.
	executors worker.ExecutorFactory

	userSubmitLimit *limiter.Window
	addrSubmitLimit *limiter.Window
	addrReadLimit   *limiter.Window

	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer wires the HTTP surface to the engine's components
func NewServer(cfg *config.Config, store storage.Store, authMgr *auth.Manager, scanner *vetter.Scanner, qm *queue.Manager, executors worker.ExecutorFactory) *Server {
	window := time.Duration(cfg.Limits.WindowSeconds) * time.Second
	return &Server{
		cfg:             cfg,
		store:           store,
		auth:            authMgr,
		scanner:         scanner,
		queue:           qm,
		executors:       executors,
		userSubmitLimit: limiter.NewWindow(cfg.Limits.SubmitPerUser, window),
		addrSubmitLimit: limiter.NewWindow(cfg.Limits.SubmitPerAddress, window),
		addrReadLimit:   limiter.NewWindow(cfg.Limits.ReadPerAddress, window),
		logger:          log.WithComponent("api"),
	}
}

// Routes returns the configured handler tree
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("POST /api/submit", s.instrument("submit", s.handleSubmit))
	mux.HandleFunc("GET /api/status/{id}", s.instrument("status", s.handleStatus))
	mux.HandleFunc("GET /api/results/{id}", s.instrument("results", s.handleResults))
	mux.HandleFunc("POST /api/cancel/{id}", s.instrument("cancel", s.handleCancel))
	mux.HandleFunc("GET /api/jobs", s.instrument("jobs", s.handleListJobs))
	mux.HandleFunc("GET /api/nodes", s.instrument("nodes", s.handleNodes))
	mux.HandleFunc("GET /api/dashboard", s.instrument("dashboard", s.handleDashboard))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Start begins serving on the configured address
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Routes(),
	}
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// instrument wraps a handler with request metrics
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, endpoint)
		metrics.APIRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "GPU Job Queue Server",
		"version": "1.0",
		"endpoints": map[string]string{
			"submit":    "POST /api/submit",
			"status":    "GET /api/status/{job_id}",
			"results":   "GET /api/results/{job_id}",
			"cancel":    "POST /api/cancel/{job_id}",
			"nodes":     "GET /api/nodes",
			"jobs":      "GET /api/jobs",
			"dashboard": "GET /api/dashboard",
		},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// remoteAddr extracts the client host for per-address limiting
func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
