// Package server provides the HTTP server for the document conversion
// cache.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/doccache/convert"
	"github.com/wolfeidau/doccache/janitor"
	"github.com/wolfeidau/doccache/resolver"
	"github.com/wolfeidau/doccache/stats"
	"github.com/wolfeidau/doccache/store"
	"github.com/wolfeidau/doccache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for cached artifacts and indexes
	StoragePath string

	// Retention is how long published artifacts stay cached.
	// Zero uses the store default (24 hours).
	Retention time.Duration

	// ConversionTimeout bounds a single converter invocation. Waiters on
	// an in-flight conversion give up after the same duration.
	// Zero uses the converter default (90 seconds).
	ConversionTimeout time.Duration

	// Concurrency is the maximum number of simultaneous converter
	// processes. Zero uses the coordinator default.
	Concurrency int64

	// MaxDownloadBytes caps the size of a fetched source document.
	// Zero uses the resolver default (256 MiB).
	MaxDownloadBytes int64

	// SweepInterval is how often the janitor sweeps expired entries.
	// Zero uses the janitor default (5 minutes).
	SweepInterval time.Duration

	// SofficeBinary overrides the LibreOffice binary path. Empty means
	// search PATH for soffice/libreoffice.
	SofficeBinary string

	// Converter overrides the document converter. If nil, the
	// LibreOffice adapter is used.
	Converter convert.Converter

	// AuthToken enables Bearer token authentication when non-empty.
	// /health and /metrics stay unauthenticated.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the document conversion cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store       *store.Store
	converter   convert.Converter
	coordinator *convert.Coordinator
	janitor     *janitor.Manager
	stats       *stats.DB
	scheduler   *stats.Scheduler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}

	storeOpts := []store.Option{
		store.WithLogger(cfg.Logger.With("component", "store")),
	}
	if cfg.Retention > 0 {
		storeOpts = append(storeOpts, store.WithRetention(cfg.Retention))
	}
	artifacts, err := store.Open(cfg.StoragePath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening artifact store: %w", err)
	}

	statsDB := stats.New(stats.WithLogger(cfg.Logger.With("component", "stats")))
	if err := statsDB.Open(filepath.Join(cfg.StoragePath, "stats.db")); err != nil {
		_ = artifacts.Close()
		return nil, fmt.Errorf("opening stats store: %w", err)
	}

	schedCfg := stats.DefaultSchedulerConfig()
	schedCfg.Logger = cfg.Logger.With("component", "scheduler")
	scheduler := stats.NewScheduler(statsDB, schedCfg)

	// Source fetches go through the instrumented transport so fetch
	// counts, durations and byte totals show up in metrics.
	fetchClient := &http.Client{
		Transport: telemetry.NewInstrumentedTransport(nil, "url"),
		Timeout:   resolver.DefaultFetchTimeout,
	}
	resolverOpts := []resolver.Option{
		resolver.WithLogger(cfg.Logger.With("component", "resolver")),
		resolver.WithHTTPClient(fetchClient),
	}
	if cfg.MaxDownloadBytes > 0 {
		resolverOpts = append(resolverOpts, resolver.WithMaxBytes(cfg.MaxDownloadBytes))
	}
	res := resolver.New(artifacts, resolverOpts...)

	converter := cfg.Converter
	if converter == nil {
		loOpts := []convert.LibreOfficeOption{
			convert.WithLibreOfficeLogger(cfg.Logger.With("component", "libreoffice")),
		}
		if cfg.SofficeBinary != "" {
			loOpts = append(loOpts, convert.WithBinary(cfg.SofficeBinary))
		}
		if cfg.ConversionTimeout > 0 {
			loOpts = append(loOpts, convert.WithTimeout(cfg.ConversionTimeout))
		}
		converter, err = convert.NewLibreOffice(loOpts...)
		if err != nil {
			_ = statsDB.Close()
			_ = artifacts.Close()
			return nil, fmt.Errorf("locating converter: %w", err)
		}
	}
	converter = &instrumentedConverter{next: converter}

	coordOpts := []convert.CoordinatorOption{
		convert.WithLogger(cfg.Logger.With("component", "coordinator")),
		convert.WithRecorder(statsDB),
	}
	if cfg.Concurrency > 0 {
		coordOpts = append(coordOpts, convert.WithConcurrency(cfg.Concurrency))
	}
	if cfg.ConversionTimeout > 0 {
		coordOpts = append(coordOpts, convert.WithWaitTimeout(cfg.ConversionTimeout))
	}
	coordinator := convert.NewCoordinator(artifacts, res, converter, coordOpts...)

	janitorCfg := janitor.DefaultConfig()
	janitorCfg.Logger = cfg.Logger.With("component", "janitor")
	if cfg.SweepInterval > 0 {
		janitorCfg.SweepInterval = cfg.SweepInterval
	}
	if cfg.ConversionTimeout > 0 {
		janitorCfg.PendingGrace = 2 * cfg.ConversionTimeout
	}
	janitorCfg.OnSweep = func(result *janitor.SweepResult) {
		ctx := context.Background()
		telemetry.RecordSweep(ctx, result.Duration)
		if result.Expired > 0 {
			telemetry.RecordEvictions(ctx, "expired", result.Expired, result.BytesFreed)
		}
		if result.PendingReclaimed > 0 {
			telemetry.RecordEvictions(ctx, "stale_pending", result.PendingReclaimed, 0)
		}
	}
	janitorMgr := janitor.NewManager(artifacts, janitorCfg)

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		store:       artifacts,
		converter:   converter,
		coordinator: coordinator,
		janitor:     janitorMgr,
		stats:       statsDB,
		scheduler:   scheduler,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Conversions can run for a while
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Conversion API
	mux.HandleFunc("GET /convert", s.handleConvert)
	mux.HandleFunc("POST /convert", s.handleConvert)

	// Browser-facing view page
	mux.HandleFunc("GET /view", s.handleView)

	// Artifact serving; names are fingerprint-derived only
	mux.HandleFunc("GET /files/pdf/{name}", s.handleFiles)
	mux.HandleFunc("GET /files/html/{name}", s.handleFiles)

	// Cache administration
	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /cache/clear-all", s.handleClearAll)

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, format, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Format != "" {
			attrs = append(attrs, "format", tags.Format)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and its background workers.
func (s *Server) Start() error {
	if err := s.janitor.Start(context.Background()); err != nil {
		return fmt.Errorf("starting janitor: %w", err)
	}
	if err := s.scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("starting stats scheduler: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.janitor.Stop()
	s.scheduler.Stop()

	err := s.httpServer.Shutdown(ctx)

	if cerr := s.stats.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher and http.Hijacker for streaming.
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

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
