// ============================================================================
// Deployer HTTP API
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose submissions, device queries, log ingest and job listings
// over HTTP, plus /healthz and /metrics.
//
// Routes:
//   POST /api/schedule-job        multipart upload, books a job
//   GET  /api/deviceList          known device ids
//   POST /api/check-availability  {deviceId?} -> one or all watermarks
//   POST /api/devices             [{id}] self-registration from request IP
//   POST /api/get-log             multipart jobId + log files -> Completed
//   GET  /api/download-log        ?jobId=&file= file, or the file list
//   GET  /api/scheduled           Scheduled + Running, ?userId=
//   GET  /api/completed           Completed, ?userId=
//   GET  /api/failed              Failed, ?userId=
//   GET  /api/jobs/{jobId}        one job
//   GET  /api/status              controller summary
//
// Every error is rendered as {"error":{"code","message"}}.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/iot-deployer/internal/availability"
	"github.com/ChuLiYu/iot-deployer/internal/completion"
	"github.com/ChuLiYu/iot-deployer/internal/controller"
	apperrors "github.com/ChuLiYu/iot-deployer/internal/errors"
	"github.com/ChuLiYu/iot-deployer/internal/metrics"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var log = slog.Default()

// Deployer is what the API drives. *controller.Controller implements it.
type Deployer interface {
	Schedule(ctx context.Context, sub controller.Submission, fileName string, file io.Reader) (types.Job, error)
	Complete(ctx context.Context, id types.JobID) (bool, error)
	SaveLog(ctx context.Context, id types.JobID, name string, r io.Reader) (completion.LogFile, error)
	Logs() *completion.LogStore
	RegisterDevices(ctx context.Context, ids []string, ip string) ([]types.Device, error)
	Devices(ctx context.Context) ([]types.Device, error)
	Availability(ctx context.Context, deviceID string) (availability.Slot, error)
	AllAvailability(ctx context.Context) ([]availability.Slot, error)
	Job(ctx context.Context, id types.JobID) (types.Job, error)
	Jobs(ctx context.Context, userID string, statuses ...types.JobStatus) ([]types.Job, error)
	Status(ctx context.Context) (controller.Status, error)
	Ready() bool
}

// Config controls the HTTP listener.
type Config struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig listens on :3000 like the device agents expect.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              3000,
		MaxUploadBytes:    64 << 20,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer mounts /metrics for g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// Server is the HTTP front end.
type Server struct {
	config   Config
	deployer Deployer
	gatherer prometheus.Gatherer
	router   chi.Router

	mu      sync.Mutex
	httpSrv *http.Server
	addr    net.Addr
}

// New builds the router. Nothing listens until Start.
func New(cfg Config, d Deployer, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{config: cfg, deployer: d}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apperrors.NotFound("route", "no route for %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, apperrors.HTTPErrorResponse{Error: apperrors.HTTPErrorBody{
			Code:    "METHOD_NOT_ALLOWED",
			Message: fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path),
		}})
	})

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/schedule-job", s.handleScheduleJob)
		r.Get("/deviceList", s.handleDeviceList)
		r.Post("/check-availability", s.handleCheckAvailability)
		r.Post("/devices", s.handleRegisterDevices)
		r.Post("/get-log", s.handleGetLog)
		r.Get("/download-log", s.handleDownloadLog)
		r.Get("/scheduled", s.handleListJobs(types.StatusScheduled, types.StatusRunning))
		r.Get("/completed", s.handleListJobs(types.StatusCompleted))
		r.Get("/failed", s.handleListJobs(types.StatusFailed))
		r.Get("/jobs/{jobId}", s.handleGetJob)
		r.Get("/status", s.handleStatus)
	})
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.config.Port
}

// Addr returns the bound address after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.addr = lis.Addr()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
		}
	}()
	log.Info("HTTP server listening", "address", lis.Addr().String())
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info("HTTP server stopped")
	return nil
}

// ============================================================================
// Middleware and helpers
// ============================================================================

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

// recovery turns a handler panic into a JSON 500.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, apperrors.New(apperrors.KindInternal, r.URL.Path, "panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	}
	writeJSON(w, status, apperrors.Response(err))
}

// clientIP is the request's source address without the port. RealIP has
// already applied X-Forwarded-For / X-Real-IP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
