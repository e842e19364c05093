package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/FairForge/taskbridge/internal/config"
	"github.com/FairForge/taskbridge/internal/health"
	"github.com/FairForge/taskbridge/internal/metrics"
)

// Server is the HTTP front for the coordinator: operational endpoints
// plus the admin API mounted under /api/v1
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	monitor    *health.Monitor
	metrics    *metrics.Metrics

	requestCount int64
	errorCount   int64
	startTime    time.Time
}

// NewServer creates the server and wires its routes. The admin handler
// is any router that serves /api/v1 paths, typically a chi mux.
func NewServer(cfg *config.Config, logger *zap.Logger, monitor *health.Monitor,
	m *metrics.Metrics, admin http.Handler) *Server {
	s := &Server{
		config:    cfg,
		logger:    logger,
		monitor:   monitor,
		metrics:   m,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}

	s.setupRoutes(admin)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes(admin http.Handler) {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	s.router.Use(s.loggingMiddleware)

	if admin != nil {
		s.router.PathPrefix("/api/v1/").Handler(admin)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.monitor.Status()
	mem := s.monitor.MemoryUsage(r.Context())

	status := "healthy"
	if !st.Healthy {
		status = "degraded"
	}

	resp := map[string]interface{}{
		"status":               status,
		"queue_healthy":        st.Healthy,
		"consecutive_failures": st.ConsecutiveFailures,
		"queue_memory_mb":      mem.UsedMB,
		"queue_memory_warning": mem.Warning,
		"uptime":               time.Since(s.startTime).Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := map[string]interface{}{
		"ready":     true,
		"memory_mb": getMemoryUsageMB(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ready)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	version := map[string]string{
		"version": "0.1.0",
		"go":      runtime.Version(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(version)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.requestCount, 1)
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.Int("port", s.config.Server.Port))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func getMemoryUsageMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc / 1024 / 1024
}
