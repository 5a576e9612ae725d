// Package ops provides the daemon's small health and status HTTP listener.
// It is an operational surface only, not a product API.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/claim-pipeline/internal/config"
	"github.com/claim-pipeline/internal/logging"
	"github.com/claim-pipeline/internal/worker"
)

// Pinger checks reachability of a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource reports pipeline counters.
type StatusSource interface {
	StatusCounts(ctx context.Context) (map[string]int64, error)
}

// Server is the ops HTTP listener.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	postgres   Pinger
	redis      Pinger
	status     StatusSource
	worker     *worker.PipelineWorker
	logger     *logging.Logger
}

// NewServer creates the ops listener.
func NewServer(cfg *config.OpsConfig, postgres, redis Pinger, status StatusSource, w *worker.PipelineWorker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:   mux.NewRouter(),
		postgres: postgres,
		redis:    redis,
		status:   status,
		worker:   w,
		logger:   logger.WithField("component", "ops"),
	}

	s.router.Use(s.loggingMiddleware)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("Handled ops request")
	})
}

// handleHealth reports dependency reachability. Any failing dependency makes
// the whole check unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	for name, p := range map[string]Pinger{"postgres": s.postgres, "redis": s.redis} {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	code := http.StatusOK
	status := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "unhealthy"
	}
	respondJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// handleStatus reports pipeline counters and the worker loop state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.status.StatusCounts(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to collect status counts")
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to collect status counts",
		})
		return
	}

	body := map[string]interface{}{"counts": counts}
	if s.worker != nil {
		body["worker"] = s.worker.GetStatus()
	}
	respondJSON(w, http.StatusOK, body)
}

// Start starts the listener.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting ops server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
