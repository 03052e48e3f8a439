// Package api serves the results store, batch runs, indicator cache, and
// scanner over HTTP JSON, WebSocket progress, and gRPC.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"backtestlab/internal/batch"
	"backtestlab/internal/config"
	"backtestlab/internal/indicator"
	"backtestlab/internal/results"
	"backtestlab/internal/scan"
	"backtestlab/internal/schedule"
	"backtestlab/internal/strategy"
)

// Deps are the components the server exposes. Schedule may be nil.
type Deps struct {
	Results  *results.Store
	Cache    *indicator.Cache
	Registry *strategy.Registry
	Batches  *batch.Orchestrator
	Scanner  *scan.Scanner
	Schedule *schedule.Runner
	Hub      *Hub
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	deps     Deps
	httpAddr string
	grpcAddr string
	log      *slog.Logger

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates a Server listening on the addresses in cfg. A zero gRPC
// port disables the gRPC listener. A nil Hub is created.
func NewServer(cfg config.Server, deps Deps, log *slog.Logger) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub(log)
	}
	s := &Server{
		deps:     deps,
		httpAddr: net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		log:      log.With("component", "api"),
	}
	if cfg.GRPCPort > 0 {
		s.grpcAddr = net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.GRPCPort))
	}
	s.http = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpc = grpc.NewServer()
	s.health = health.NewServer()
	RegisterResultsServer(s.grpc, NewResultsService(deps.Results))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ResultsServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Handler returns the HTTP handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ListenAndServe starts the HTTP and gRPC listeners and the WebSocket hub,
// and blocks until ctx is cancelled or a listener fails. On return both
// servers have been shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.deps.Hub.Run(hubCtx)

	errc := make(chan error, 2)
	go func() {
		s.log.Info("http listening", "addr", s.httpAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			s.shutdownHTTP()
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			s.log.Info("grpc listening", "addr", s.grpcAddr)
			if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	err := s.http.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	s.log.Info("server stopped")
	return err
}

func (s *Server) shutdownHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.http.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
