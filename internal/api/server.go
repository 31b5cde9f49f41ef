// Package api implements clipvault's operator HTTP surface using the chi
// router: health checks, Prometheus metrics, per-channel scan status, and
// job stream backlog inspection. Grounded on the original AmityVox
// server's chi-router construction and deep-health-check pattern, scoped
// down to the handful of routes an ingestion worker's operators need.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipvault/clipvault/internal/database"
	"github.com/clipvault/clipvault/internal/jobqueue"
	"github.com/clipvault/clipvault/internal/metrics"
)

// Server is clipvault's operator HTTP surface.
type Server struct {
	Router *chi.Mux

	db         *database.DB
	scanStatus *database.ScanStatusRepository
	queue      *jobqueue.Queue
	metrics    *metrics.Metrics
	registry   *prometheus.Registry

	version string
	logger  *slog.Logger
	server  *http.Server
}

// NewServer constructs a Server with all routes and middleware registered.
// registry may be nil, in which case /metrics is not mounted. m may be
// nil, in which case /streams does not update the stream-pending gauge.
func NewServer(db *database.DB, scanStatus *database.ScanStatusRepository, queue *jobqueue.Queue, m *metrics.Metrics, registry *prometheus.Registry, version string, logger *slog.Logger) *Server {
	s := &Server{
		Router:     chi.NewRouter(),
		db:         db,
		scanStatus: scanStatus,
		queue:      queue,
		metrics:    m,
		registry:   registry,
		version:    version,
		logger:     logger,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

func (s *Server) registerMiddleware() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RealIP)
	s.Router.Use(slogMiddleware(s.logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Timeout(30 * time.Second))
}

func (s *Server) registerRoutes() {
	s.Router.Get("/healthz", s.handleHealthz)

	if s.registry != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.Router.Get("/scans/{guildId}/{channelId}", s.handleGetScanStatus)
	s.Router.Get("/streams", s.handleListStreams)
	s.Router.Get("/streams/guild/{guildId}", s.handleGuildStreams)
}

// Start begins listening for HTTP requests on addr.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("operator HTTP server starting", slog.String("listen", addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("operator HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("operator HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status   string                   `json:"status"`
	Version  string                   `json:"version"`
	Services map[string]ServiceHealth `json:"services"`
	System   SystemInfo               `json:"system"`
}

// ServiceHealth reports one dependency's reachability.
type ServiceHealth struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo carries basic Go runtime stats, useful for spotting goroutine
// leaks or memory pressure at a glance.
type SystemInfo struct {
	GoVersion    string  `json:"go_version"`
	NumGoroutine int     `json:"num_goroutine"`
	NumCPU       int     `json:"num_cpu"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
}

// handleHealthz checks the database and Redis stream queue and reports
// 200 if both are reachable, 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]ServiceHealth)
	overall := "ok"

	checkTimeout := 5 * time.Second

	dbHealth := s.checkServiceHealth(r.Context(), checkTimeout, s.db.HealthCheck)
	services["database"] = dbHealth
	if dbHealth.Status == "unhealthy" {
		overall = "unhealthy"
	}

	queueHealth := s.checkServiceHealth(r.Context(), checkTimeout, s.queue.Ping)
	services["queue"] = queueHealth
	if queueHealth.Status == "unhealthy" {
		overall = "unhealthy"
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := HealthResponse{
		Status:   overall,
		Version:  s.version,
		Services: services,
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemAllocMB:   float64(memStats.Alloc) / 1024 / 1024,
		},
	}

	status := http.StatusOK
	if overall != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) checkServiceHealth(ctx context.Context, timeout time.Duration, check func(context.Context) error) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)

	if err != nil {
		return ServiceHealth{Status: "unhealthy", Latency: latency.String(), Error: err.Error()}
	}
	return ServiceHealth{Status: "healthy", Latency: latency.String()}
}

// handleGetScanStatus responds with the current scan FSM state for one
// channel.
//
// GET /scans/{guildId}/{channelId}
func (s *Server) handleGetScanStatus(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")

	status, err := s.scanStatus.Get(r.Context(), channelID)
	if err != nil {
		writeError(w, http.StatusNotFound, "scan status not found for channel")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// StreamsResponse is the response body for GET /streams.
type StreamsResponse struct {
	Streams []jobqueue.StreamInfo `json:"streams"`
}

// handleListStreams lists every job stream's backlog and pending-entry
// count across all guilds, refreshing the pending-entries gauge as it
// polls.
//
// GET /streams
func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	names, err := s.queue.ListStreams(r.Context())
	if err != nil {
		s.logger.Error("listing job streams failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list job streams")
		return
	}

	infos := make([]jobqueue.StreamInfo, 0, len(names))
	for _, name := range names {
		info, err := s.queue.StreamInfoFor(r.Context(), name)
		if err != nil {
			s.logger.Error("reading stream info failed", slog.String("stream", name), slog.String("error", err.Error()))
			continue
		}
		s.metrics.SetStreamPending(info.GuildID, info.JobType, info.PendingCount)
		infos = append(infos, *info)
	}

	writeJSON(w, http.StatusOK, StreamsResponse{Streams: infos})
}

// handleGuildStreams aggregates stream backlog across all job types for
// one guild.
//
// GET /streams/guild/{guildId}
func (s *Server) handleGuildStreams(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")

	stats, err := s.queue.GuildJobStatsFor(r.Context(), guildID)
	if err != nil {
		s.logger.Error("aggregating guild stream stats failed", slog.String("guild_id", guildID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to aggregate guild stream stats")
		return
	}

	for jobType, info := range stats.ByJobType {
		s.metrics.SetStreamPending(guildID, jobType, info.PendingCount)
	}

	writeJSON(w, http.StatusOK, stats)
}

// ErrorResponse is the standard error envelope returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// slogMiddleware logs each request using slog, in the style of the
// original server's structured request logging.
func slogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
