package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check statuses. Anything other than StatusHealthy fails the probes.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	Port        int // 0 picks a free port
	MetricsPath string
	HealthPath  string
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Check is the result of one health check.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker runs one check. It is called on every probe.
type HealthChecker func() Check

// ConnectedCheck is healthy while connected reports true.
func ConnectedCheck(connected func() bool) HealthChecker {
	return func() Check {
		if connected() {
			return Check{Status: StatusHealthy}
		}
		return Check{Status: StatusUnhealthy, Message: "execution stream disconnected"}
	}
}

// FreshnessCheck is unhealthy once last is older than maxAge. A zero last
// time means nothing arrived yet and counts as healthy.
func FreshnessCheck(last func() time.Time, maxAge time.Duration) HealthChecker {
	return func() Check {
		t := last()
		if t.IsZero() {
			return Check{Status: StatusHealthy, Message: "waiting for first candle"}
		}
		if age := time.Since(t); age > maxAge {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("last candle %s ago", age.Truncate(time.Second))}
		}
		return Check{Status: StatusHealthy}
	}
}

// Server exposes Prometheus metrics and health probes over HTTP.
type Server struct {
	cfg     ServerConfig
	http    *http.Server
	started time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	addr     net.Addr
}

// NewServer builds the routes. Nothing listens until Start.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		started:  time.Now(),
		logger:   logger,
		checkers: make(map[string]HealthChecker),
	}

	cfg.MetricsPath = rooted(cfg.MetricsPath, "/metrics")
	cfg.HealthPath = rooted(cfg.HealthPath, "/health")
	s.cfg = cfg

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc("GET "+cfg.HealthPath, s.health)
	mux.HandleFunc("GET /ready", s.ready)
	mux.HandleFunc("GET /live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("alive"))
	})

	s.http = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func rooted(path, fallback string) string {
	switch {
	case path == "":
		return fallback
	case !strings.HasPrefix(path, "/"):
		return "/" + path
	}
	return path
}

// RegisterHealthCheck adds or replaces the check called name.
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// Start binds the port and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("metrics server listening",
		"addr", ln.Addr().String(),
		"metrics_path", s.cfg.MetricsPath,
		"health_path", s.cfg.HealthPath,
	)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Shutdown stops the server, waiting for in-flight probes until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("metrics server stopping")
	return s.http.Shutdown(ctx)
}

// Handler returns the server's routes, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Uptime returns the time since NewServer.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}

// evaluate runs every check. ok is false if any check is not healthy.
func (s *Server) evaluate() (checks map[string]Check, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	checks = make(map[string]Check, len(s.checkers))
	ok = true
	for name, run := range s.checkers {
		c := run()
		checks[name] = c
		ok = ok && c.Status == StatusHealthy
	}
	return checks, ok
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	checks, ok := s.evaluate()
	body := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    s.Uptime().Truncate(time.Second).String(),
		Checks:    checks,
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		body.Status = StatusUnhealthy
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	if _, ok := s.evaluate(); !ok {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}
