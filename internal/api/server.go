// Package api provides the HTTP server exposing the task surfaces.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/internal/models"
	"github.com/atlas-desktop/forecast-backend/internal/orchestrator"
	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// Server is the HTTP API server.
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server

	ingestion *orchestrator.IngestionTask
	forecast  *orchestrator.ForecastTask
	models    *models.Store
	registry  *prometheus.Registry
}

// NewServer creates the API server and wires its routes.
func NewServer(
	logger *zap.Logger,
	config *types.ServerConfig,
	ingestion *orchestrator.IngestionTask,
	forecast *orchestrator.ForecastTask,
	modelStore *models.Store,
	registry *prometheus.Registry,
) *Server {
	server := &Server{
		logger:    logger,
		config:    config,
		router:    mux.NewRouter(),
		ingestion: ingestion,
		forecast:  forecast,
		models:    modelStore,
		registry:  registry,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/tasks/ingestion", s.handleIngestionTask).Methods("POST")
	s.router.HandleFunc("/api/v1/tasks/forecast", s.handleForecastTask).Methods("POST")

	s.router.HandleFunc("/api/v1/models/stats", s.handleModelStats).Methods("GET")
	s.router.HandleFunc("/api/v1/models/reload", s.handleModelReload).Methods("POST")

	if s.config.EnableMetrics && s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

// Handler returns the route tree without the listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleIngestionTask(w http.ResponseWriter, r *http.Request) {
	s.runTask(w, r, s.ingestion.Execute)
}

func (s *Server) handleForecastTask(w http.ResponseWriter, r *http.Request) {
	s.runTask(w, r, s.forecast.Execute)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request, execute func(context.Context, map[string]any) (map[string]any, error)) {
	var vars map[string]any
	if err := json.NewDecoder(r.Body).Decode(&vars); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid request body")
		return
	}

	out, err := execute(r.Context(), vars)
	if err != nil {
		var invalid *orchestrator.InvalidRequestError
		if errors.As(err, &invalid) {
			s.writeError(w, http.StatusBadRequest, invalid.Code, invalid.Message)
			return
		}
		if errors.Is(err, context.Canceled) {
			s.writeError(w, http.StatusRequestTimeout, "CANCELLED", "request cancelled")
			return
		}
		s.logger.Error("task execution failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "task execution failed")
		return
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModelStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.models.Stats())
}

func (s *Server) handleModelReload(w http.ResponseWriter, r *http.Request) {
	if err := s.models.Reload(); err != nil {
		s.logger.Error("model reload failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "RELOAD_FAILED", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.models.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
