package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/upstreamd/upstreamd/internal/engine"
	"github.com/upstreamd/upstreamd/internal/observability"
)

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Server runs the proxy listener and the admin listener (metrics, health,
// backend status) and ties their lifecycles together.
type Server struct {
	engine          *engine.Engine
	proxy           http.Handler
	listen          string
	adminListen     string
	logger          observability.Logger
	shutdownTimeout time.Duration
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithShutdownTimeout sets the graceful shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// New creates a server fronting the engine. The proxy handler is wrapped
// with the request-ID and access-log middleware.
func New(eng *engine.Engine, proxy http.Handler, listen, adminListen string, opts ...ServerOption) *Server {
	s := &Server{
		engine:          eng,
		listen:          listen,
		adminListen:     adminListen,
		logger:          observability.NopLogger(),
		shutdownTimeout: DefaultShutdownTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.proxy = RequestID(AccessLog(s.logger, proxy))
	return s
}

// Run starts both listeners and blocks until the context is canceled or a
// listener fails. Shutdown is graceful within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	proxySrv := &http.Server{
		Addr:              s.listen,
		Handler:           s.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              s.adminListen,
		Handler:           s.adminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("proxy listening", observability.String("addr", s.listen))
		if err := proxySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info("admin listening", observability.String("addr", s.adminListen))
		if err := adminSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		err := proxySrv.Shutdown(shutdownCtx)
		if adminErr := adminSrv.Shutdown(shutdownCtx); err == nil {
			err = adminErr
		}
		return err
	})

	return g.Wait()
}

// adminHandler builds the admin mux: Prometheus metrics, liveness, and a
// JSON view of the backend set.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/backends", s.handleBackends)
	return mux
}

// backendStatus is the JSON shape of one backend on the status endpoint.
type backendStatus struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Weight      int    `json:"weight"`
	Enabled     bool   `json:"enabled"`
	Health      string `json:"health"`
	Breaker     string `json:"breaker"`
	Connections int64  `json:"connections"`
	Routable    bool   `json:"routable"`
}

// handleBackends reports the live state of every registered backend.
func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	backends := s.engine.Registry().All()

	statuses := make([]backendStatus, 0, len(backends))
	for _, b := range backends {
		statuses = append(statuses, backendStatus{
			ID:          b.ID(),
			Address:     b.Target().Addr(),
			Weight:      b.Weight(),
			Enabled:     b.Enabled(),
			Health:      b.Health().String(),
			Breaker:     b.Breaker().State().String(),
			Connections: b.Connections(),
			Routable:    b.Routable(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.logger.Error("failed to encode backend status", observability.Error(err))
	}
}
