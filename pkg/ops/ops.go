// Package ops exposes the cache's operational surface over HTTP: a liveness
// probe, a cache status snapshot, and the Prometheus metrics endpoint.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stillhaven/go-voicecache/pkg/cache"
)

// CacheStatus is the slice of the cache manager the status endpoint uses.
type CacheStatus interface {
	Info() cache.CacheInfo
	BackendInfos(ctx context.Context) []cache.BackendInfo
}

// Config holds configuration for the ops server.
type Config struct {
	HTTPPort string `env:"VOICECACHE_OPS_PORT" envDefault:":8081"`
}

// LoadConfig parses the ops server configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ops configuration: %w", err)
	}
	return &cfg, nil
}

// Server serves the operational endpoints for one cache process.
type Server struct {
	logger     zerolog.Logger
	httpPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	status     CacheStatus
	actualAddr string
	mu         sync.RWMutex
}

// NewServer creates and initializes a new ops server. Additional routes may
// be registered on Mux before Start.
func NewServer(cfg *Config, status CacheStatus, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		logger:   logger.With().Str("component", "OpsServer").Logger(),
		httpPort: cfg.HTTPPort,
		mux:      mux,
		status:   status,
		httpServer: &http.Server{
			Addr:    cfg.HTTPPort,
			Handler: mux,
		},
	}
	mux.HandleFunc("/healthz", HealthzHandler)
	mux.HandleFunc("/statusz", s.statuszHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Start initiates the HTTP server in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.httpPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided
// context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the actual HTTP port the server is listening on.
func (s *Server) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.httpPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type backendStatus struct {
	Label   string            `json:"label"`
	Healthy bool              `json:"healthy"`
	Entries int64             `json:"entries"`
	Details map[string]string `json:"details,omitempty"`
}

type statusResponse struct {
	ConfiguredBackend string          `json:"configured_backend"`
	ActiveBackend     string          `json:"active_backend"`
	Status            string          `json:"status"`
	FallbackEntries   int             `json:"fallback_entries"`
	Backends          []backendStatus `json:"backends,omitempty"`
}

// statuszHandler reports which tier is serving and what each durable backend
// knows about itself.
func (s *Server) statuszHandler(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "cache status unavailable", http.StatusServiceUnavailable)
		return
	}

	info := s.status.Info()
	resp := statusResponse{
		ConfiguredBackend: info.ConfiguredBackend,
		ActiveBackend:     info.ActiveBackend,
		Status:            info.Status,
		FallbackEntries:   info.FallbackEntries,
	}
	for _, b := range s.status.BackendInfos(r.Context()) {
		resp.Backends = append(resp.Backends, backendStatus{
			Label:   b.Label,
			Healthy: b.Healthy,
			Entries: b.Entries,
			Details: b.Details,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode status response.")
	}
}
