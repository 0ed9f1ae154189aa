// Package api serves scraped metrics, liveness, target health and the
// exporter's own metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/srcds-exporter/srcds-exporter/internal/health"
	"github.com/srcds-exporter/srcds-exporter/internal/scrape"
	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
)

// StaleHeader is set to "true" on responses served from stale data.
const StaleHeader = "X-Srcds-Exporter-Stale"

// Scraper returns the current exposition text of one target.
type Scraper interface {
	Get(ctx context.Context) (scrape.Result, error)
}

// Resolver returns the scraper for a target named in the request. It is
// used in multi-target mode.
type Resolver func(target, password string) (Scraper, error)

// Server serves the exporter endpoints
type Server struct {
	httpServer *http.Server
	config     ServerConfig
	opts       Options
	logger     *zap.Logger
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Address to bind the server to (e.g., "127.0.0.1:9591")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response. It must
	// exceed the coordinator's MaxWait.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9591",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Options selects what the server exposes. Exactly one of Single and
// Resolve must be set.
type Options struct {
	Single  Scraper
	Resolve Resolver

	Health          *health.Tracker
	SelfMetrics     http.Handler
	SelfMetricsPath string

	Logger *zap.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, opts Options) (*Server, error) {
	if (opts.Single == nil) == (opts.Resolve == nil) {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			"exactly one of a single scraper or a target resolver is required").WithComponent("api")
	}
	if opts.SelfMetricsPath == "" {
		opts.SelfMetricsPath = "/exporter/metrics"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: config,
		opts:   opts,
		logger: logger,
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.loggingMiddleware(http.HandlerFunc(s.route)),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		ErrorLog:     zap.NewStdLog(logger),
	}

	return s, nil
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Starting HTTP server", zap.String("address", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch r.URL.Path {
	case "/metrics":
		s.handleMetrics(w, r)
	case "/", "/healthz":
		s.handleLiveness(w, r)
	case "/health/targets":
		s.handleTargets(w, r)
	case s.opts.SelfMetricsPath:
		if s.opts.SelfMetrics == nil {
			http.Error(w, "invalid path", http.StatusNotFound)
			return
		}
		s.opts.SelfMetrics.ServeHTTP(w, r)
	default:
		http.Error(w, "invalid path", http.StatusNotFound)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	scraper, err := s.scraper(r)
	if err != nil {
		s.logger.Info("Received invalid target specification", zap.Error(err))
		http.Error(w, "target specification is invalid: "+err.Error(), http.StatusNotFound)
		return
	}

	res, err := scraper.Get(r.Context())
	if err != nil {
		status := errors.HTTPStatusOf(err)
		if status == http.StatusServiceUnavailable {
			s.logger.Debug("No metrics to serve", zap.Error(err))
		} else {
			s.logger.Error("Scrape failed", zap.Error(err))
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if res.Stale {
		w.Header().Set(StaleHeader, "true")
	}
	if !res.CapturedAt.IsZero() {
		w.Header().Set("Last-Modified", res.CapturedAt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, res.Text); err != nil {
		s.logger.Debug("Failed to write metrics response", zap.Error(err))
	}
}

// scraper picks the scraper for r. In single-server mode the request must
// not name a target; in multi-target mode it must name one with a password.
func (s *Server) scraper(r *http.Request) (Scraper, error) {
	query := r.URL.Query()

	if s.opts.Single != nil {
		if query.Has("target") || query.Has("password") {
			return nil, fmt.Errorf("'target' and 'password' not allowed in single server mode")
		}
		return s.opts.Single, nil
	}

	target := query.Get("target")
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if !query.Has("password") {
		return nil, fmt.Errorf("no password given")
	}
	return s.opts.Resolve(target, query.Get("password"))
}

func validateTarget(target string) error {
	host, port, err := net.SplitHostPort(target)
	if err != nil || host == "" {
		return fmt.Errorf("target %q is not a valid target specification", target)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("target %q has an invalid port", target)
	}
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// handleTargets serves the health report, or a single target's entry when
// the request names one.
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}
	if target := r.URL.Query().Get("target"); target != "" {
		th, ok := s.opts.Health.GetTargetHealth(target)
		if !ok {
			s.respondError(w, http.StatusNotFound, "unknown target")
			return
		}
		s.respondJSON(w, http.StatusOK, th)
		return
	}
	s.respondJSON(w, http.StatusOK, s.opts.Health.Report())
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)))
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
