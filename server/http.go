// Package server exposes the package inventory and operations over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/pkgdash"
	"github.com/wolfeidau/pkgdash/scan"
	"github.com/wolfeidau/pkgdash/store"
	"github.com/wolfeidau/pkgdash/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	Store        *store.Store
	Orchestrator *scan.Orchestrator

	// Metrics is optional; when nil the /metrics endpoint is absent.
	Metrics *telemetry.Metrics

	Logger *slog.Logger
}

// Server serves the inventory API.
type Server struct {
	config       Config
	httpServer   *http.Server
	logger       *slog.Logger
	store        *store.Store
	orchestrator *scan.Orchestrator
}

// New creates a new server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:       cfg,
		logger:       cfg.Logger,
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux, cfg.Metrics)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux, metrics *telemetry.Metrics) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	mux.HandleFunc("GET /api/packages", s.handlePackages)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/operations", s.handleRequestOperation)
	mux.HandleFunc("GET /api/operations", s.handleOperationStatus)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// packageView augments a stored package with fields derived at read
// time.
type packageView struct {
	pkgdash.Package
	IsOutdated bool `json:"is_outdated"`
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	snapshot := s.store.Snapshot()

	views := make([]packageView, 0, len(snapshot))
	for _, p := range snapshot {
		views = append(views, packageView{Package: p, IsOutdated: p.Outdated()})
	}

	writeJSON(w, http.StatusOK, map[string]any{"packages": views})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"scanning":  s.orchestrator.IsScanning(),
		"packages":  s.store.Len(),
		"in_flight": s.orchestrator.InFlight(),
	}
	if msg, ok := s.orchestrator.StatusMessage(); ok {
		status["message"] = msg
	}
	writeJSON(w, http.StatusOK, status)
}

type operationRequest struct {
	Name   string                `json:"name"`
	Source pkgdash.Source        `json:"source"`
	Kind   pkgdash.OperationKind `json:"kind"`
}

func (s *Server) handleRequestOperation(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id, err := s.orchestrator.RequestOperation(r.Context(), req.Name, req.Source, req.Kind)
	switch {
	case errors.Is(err, scan.ErrOperationInFlight):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, scan.ErrUnknownPackage):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, scan.ErrUnknownSource), errors.Is(err, scan.ErrOperationUnsupported):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleOperationStatus(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	src := pkgdash.Source(r.URL.Query().Get("source"))
	if name == "" || src == "" {
		writeError(w, http.StatusBadRequest, "name and source are required")
		return
	}

	kind, inFlight := s.orchestrator.OperationStatus(name, src)
	resp := map[string]any{"in_flight": inFlight}
	if inFlight {
		resp["kind"] = kind
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.Refresh(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan started"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code
// and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
