package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/health"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/profiling"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/target"
)

// TargetLister reports the running targets
type TargetLister interface {
	Statuses() []target.Status
}

// PositionLister reports the committed read offsets
type PositionLister interface {
	Snapshot() map[string]int64
}

// Server serves the control endpoints over HTTP and, optionally, the
// grpc-health-v1 service
type Server struct {
	config     Config
	logger     *logging.Logger
	httpServer *http.Server
	handler    http.Handler

	grpcServer *grpc.Server
	grpcHealth *grpchealth.Server

	mu           sync.Mutex
	httpListener net.Listener
	grpcListener net.Listener
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	HTTPAddress string
	// GRPCAddress is empty when gRPC is disabled
	GRPCAddress string

	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Targets         TargetLister
	Positions       PositionLister
	// Profiler is mounted under /debug when set
	Profiler *profiling.Profiler

	Logger *logging.Logger
}

// New creates a new server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	if cfg.HealthChecker == nil {
		cfg.HealthChecker = health.NewChecker(0, nil)
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.WithComponent("server"),
	}

	mux := http.NewServeMux()
	if cfg.MetricsRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))
	}
	mux.HandleFunc("/ready", cfg.HealthChecker.ReadinessHandler())
	mux.HandleFunc("/live", cfg.HealthChecker.LivenessHandler())
	mux.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())
	mux.HandleFunc("/targets", s.targetsHandler)
	mux.HandleFunc("/positions", s.positionsHandler)
	if cfg.Profiler != nil {
		cfg.Profiler.Register(mux)
	}
	s.handler = mux

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// pprof profile and trace hold the connection for their duration
		WriteTimeout: 60 * time.Second,
	}

	if cfg.GRPCAddress != "" {
		s.grpcHealth = grpchealth.NewServer()
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.grpcHealth)
	}

	return s
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listeners and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	httpLn, err := net.Listen("tcp", s.config.HTTPAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddress, err)
	}
	s.httpListener = httpLn

	var grpcLn net.Listener
	if s.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", s.config.GRPCAddress)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCAddress, err)
		}
		s.grpcListener = grpcLn
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("address", httpLn.Addr().String()).Msg("Starting HTTP server")
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if grpcLn != nil {
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.logger.Info().Str("address", grpcLn.Addr().String()).Msg("Starting gRPC server")
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error().Err(err).Msg("gRPC server error")
			}
		}()
		go func() {
			defer s.wg.Done()
			s.config.HealthChecker.WatchGRPC(ctx, s.grpcHealth, 5*time.Second)
		}()
	}

	return nil
}

// HTTPAddr returns the bound HTTP address
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, empty when gRPC is disabled
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Stop gracefully shuts down both servers
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	s.logger.Info().Msg("Shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	if s.grpcServer != nil {
		s.logger.Info().Msg("Shutting down gRPC server")
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
			if err == nil {
				err = ctx.Err()
			}
		}
	}

	s.wg.Wait()
	return err
}

// targetsResponse groups targets by job for /targets
type targetsResponse struct {
	Jobs map[string][]target.Status `json:"jobs"`
}

func (s *Server) targetsHandler(w http.ResponseWriter, r *http.Request) {
	resp := targetsResponse{Jobs: map[string][]target.Status{}}
	if s.config.Targets != nil {
		for _, st := range s.config.Targets.Statuses() {
			resp.Jobs[st.Job] = append(resp.Jobs[st.Job], st)
		}
	}
	writeJSON(w, resp)
}

type positionEntry struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

// positionsHandler lists committed offsets sorted by path
func (s *Server) positionsHandler(w http.ResponseWriter, r *http.Request) {
	entries := []positionEntry{}
	if s.config.Positions != nil {
		for path, offset := range s.config.Positions.Snapshot() {
			entries = append(entries, positionEntry{Path: path, Offset: offset})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	writeJSON(w, map[string][]positionEntry{"positions": entries})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
