// Package api assembles the HTTP surface of the dispatch service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medifleet/dispatch/api/airspace"
	"github.com/medifleet/dispatch/api/deliveries"
	"github.com/medifleet/dispatch/api/vehicles"
	"github.com/medifleet/dispatch/core/dispatch"
	"github.com/medifleet/dispatch/core/fleet"
	infairspace "github.com/medifleet/dispatch/infra/airspace"
	"github.com/medifleet/dispatch/infra/logger"
)

// Config controls the HTTP listener.
type Config struct {
	Addr           string `json:"addr"`
	Token          string `json:"token"`
	MetricsPath    string `json:"metrics_path"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SetDefaults fills zero values with sane defaults.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
}

// NewMux builds the full route table: delivery intake and tracking, vehicle
// status, emergency airspace management, health and Prometheus metrics.
func NewMux(cfg Config, mgr *dispatch.Manager, reg fleet.Registry, store *infairspace.Store) *http.ServeMux {
	cfg.SetDefaults()
	mux := http.NewServeMux()
	deliveries.Register(mux, mgr, cfg.Token)
	airspace.Register(mux, store)
	mux.Handle("GET /api/vehicles/status", vehicles.NewStatusHandler(reg))
	mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Server wraps http.Server with a graceful shutdown.
type Server struct {
	srv *http.Server
	log logger.Logger
}

// NewServer builds a Server serving mux on cfg.Addr.
func NewServer(cfg Config, mux *http.ServeMux) *Server {
	cfg.SetDefaults()
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      mux,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		log: logger.New("api"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("http listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
