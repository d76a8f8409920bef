package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/stats"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	Stats             *stats.Aggregator
	Ready             func() bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Stats == nil {
		return errors.New("stats aggregator is required")
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Server is the health-reporting HTTP surface. It only reads from the stats
// aggregator; nothing here ever blocks the submission pipeline.
type Server struct {
	log     *slog.Logger
	cfg     Config
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{log: cfg.Logger, cfg: cfg}

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

// Handler builds the route tree. Exposed separately so tests can exercise the
// routes without binding a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("server: failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", s.readyzHandler)
	r.Get("/stats", s.statsHandler)
	r.Get("/version", s.versionHandler)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully so
// the health surface stops accepting requests before the process exits.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.cfg.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("pipeline not ready\n")); err != nil {
			s.log.Error("server: failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write readyz response", "error", err)
	}
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.cfg.Stats.Snapshot()); err != nil {
		s.log.Error("server: failed to write stats response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.cfg.VersionInfo); err != nil {
		s.log.Error("server: failed to write version response", "error", err)
	}
}
