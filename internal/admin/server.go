// Package admin serves the local status HTTP API: health, metrics, worker
// listing, runtime stats, and archived results.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/unmeshed/go-sdk/internal/archive"
	"github.com/unmeshed/go-sdk/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Status is a snapshot of the running client, provided by the client on
// each request.
type Status struct {
	Running    bool `json:"running"`
	QueueDepth int  `json:"queue_depth"`
}

// StatusFn returns the current client status.
type StatusFn func() Status

// Server wraps the chi router and its dependencies. The archive may be nil.
type Server struct {
	router  *chi.Mux
	table   *worker.Table
	status  StatusFn
	archive *archive.Archive
	logger  *slog.Logger
	addr    string

	httpServer *http.Server
}

// NewServer creates and configures the admin HTTP server.
func NewServer(addr string, table *worker.Table, status StatusFn, arch *archive.Archive, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		table:   table,
		status:  status,
		archive: arch,
		logger:  logger,
		addr:    addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/workers", s.handleListWorkers)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/results", s.handleListResults)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	go func() {
		s.logger.Info("admin server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("admin server shutdown", "error", err)
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// workerInfo is one row of GET /v1/workers.
type workerInfo struct {
	Namespace     string `json:"namespace"`
	Name          string `json:"name"`
	Domain        string `json:"domain"`
	MaxInProgress int    `json:"max_in_progress"`
	PermitsInUse  int64  `json:"permits_in_use"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	entries := s.table.Entries()
	workers := make([]workerInfo, 0, len(entries))
	for _, e := range entries {
		workers = append(workers, workerInfo{
			Namespace:     e.Worker.Namespace,
			Name:          e.Worker.Name,
			Domain:        e.Worker.Domain,
			MaxInProgress: e.Worker.MaxInProgress,
			PermitsInUse:  e.Pool.InUse(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Status  Status         `json:"status"`
	Archive *archive.Stats `json:"archive,omitempty"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Status: s.status()}
	if s.archive != nil {
		stats, err := s.archive.GetStats(r.Context())
		if err != nil {
			s.logger.Error("get archive stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.Archive = stats
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.writeError(w, http.StatusNotFound, "archive not enabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	results, err := s.archive.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list archived results", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
