package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/client"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/dlq"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/health"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/positions"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/profiling"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/reliability"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/server"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/target"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/tracing"
)

type runOptions struct {
	logLevel     string
	cpuProfile   string
	memProfile   string
	blockProfile bool
	mutexProfile bool
}

func newRunCmd(flags *configFlags) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}

			logger := logging.New(logging.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			logging.SetGlobal(logger)
			logger.Info().Str("version", version).Str("config", flags.file).Msg("Starting logshipper")

			a, err := newAgent(cmd.Context(), cfg, opts, logger)
			if err != nil {
				return err
			}
			if err := a.start(); err != nil {
				a.shutdown.Shutdown()
				return err
			}
			return a.shutdown.WaitForSignal(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&opts.logLevel, "log.level", "", "override logging.level from the config file")
	cmd.Flags().StringVar(&opts.cpuProfile, "profile.cpu", "", "write a CPU profile to this file until shutdown")
	cmd.Flags().StringVar(&opts.memProfile, "profile.mem", "", "write a heap profile to this file on shutdown")
	cmd.Flags().BoolVar(&opts.blockProfile, "profile.block", false, "enable block profiling (needs server.profiling)")
	cmd.Flags().BoolVar(&opts.mutexProfile, "profile.mutex", false, "enable mutex profiling (needs server.profiling)")
	return cmd
}

// agent owns every long-running component of a run
type agent struct {
	cfg    *config.Config
	logger *logging.Logger

	collector *metrics.Collector
	tracing   *tracing.Provider
	dlq       *dlq.DeadLetterQueue
	clients   *client.Manager
	positions *positions.Positions
	targets   *target.Manager
	profiler  *profiling.Profiler
	server    *server.Server
	shutdown  *shutdown.Manager

	positionsUp atomic.Bool
}

// newAgent builds the components from the bottom up: tracing, the DLQ,
// clients, positions, then the targets feeding them. On error everything
// built so far is released.
func newAgent(ctx context.Context, cfg *config.Config, opts runOptions, logger *logging.Logger) (*agent, error) {
	a := &agent{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector(),
	}

	var cleanup []func()
	fail := func(err error) (*agent, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return nil, err
	}

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create tracing provider: %w", err))
	}
	a.tracing = tp
	cleanup = append(cleanup, func() { tp.Shutdown(context.Background()) })

	if cfg.DeadLetter.Enabled {
		q, err := dlq.NewDeadLetterQueue(dlq.DLQConfig{
			Dir:     cfg.DeadLetter.Dir,
			MaxSize: int64(cfg.DeadLetter.MaxSize),
			MaxAge:  cfg.DeadLetter.MaxAge,
		}, a.collector, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create dead letter queue: %w", err))
		}
		a.dlq = q
		cleanup = append(cleanup, func() { q.Close() })
	}

	clientOpts := client.Options{
		Collector: a.collector,
		Logger:    logger,
		Tracer:    tp.Tracer(),
		DLQ:       a.dlq,
	}
	if cfg.WAL.Enabled {
		clientOpts.WALDir = cfg.WAL.Dir
		clientOpts.WALSegmentSize = cfg.WAL.SegmentSize
	}
	clients, err := client.NewManager(cfg.Clients, clientOpts)
	if err != nil {
		return fail(fmt.Errorf("failed to create clients: %w", err))
	}
	a.clients = clients
	cleanup = append(cleanup, func() { clients.Stop(context.Background()) })

	pos, err := positions.New(positions.Config{
		Filename:          cfg.Positions.Filename,
		SyncPeriod:        cfg.Positions.SyncPeriod,
		IgnoreInvalidYAML: cfg.Positions.IgnoreInvalidYAML,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to load positions: %w", err))
	}
	a.positions = pos

	targets, err := target.NewManager(cfg, pos, clients, a.collector, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create targets: %w", err))
	}
	a.targets = targets

	if cfg.Server.Profiling {
		a.profiler = profiling.New(profiling.Config{
			CPUProfilePath: opts.cpuProfile,
			MemProfilePath: opts.memProfile,
			BlockProfile:   opts.blockProfile,
			MutexProfile:   opts.mutexProfile,
		}, logger)
	}

	grpcAddress := ""
	if cfg.Server.GRPCListenPort != 0 {
		grpcAddress = cfg.Server.GRPCAddress()
	}
	a.server = server.New(server.Config{
		HTTPAddress:     cfg.Server.HTTPAddress(),
		GRPCAddress:     grpcAddress,
		MetricsRegistry: a.collector.Registry(),
		HealthChecker:   a.healthChecker(),
		Targets:         targets,
		Positions:       pos,
		Profiler:        a.profiler,
		Logger:          logger,
	})

	a.shutdown = a.shutdownSteps()
	return a, nil
}

func (a *agent) healthChecker() *health.Checker {
	checker := health.NewChecker(0, a.collector)

	checker.Register("targets", health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
		statuses := a.targets.Statuses()
		if !a.targets.Ready() {
			return health.StatusUnhealthy, "targets not ready", map[string]interface{}{"targets": len(statuses)}
		}
		return health.StatusHealthy, "", map[string]interface{}{"targets": len(statuses)}
	}))

	checker.Register("positions", health.CheckFunc(func() (bool, string) {
		if !a.positionsUp.Load() {
			return false, "positions store not started"
		}
		return true, a.cfg.Positions.Filename
	}))

	// An open breaker degrades the agent but keeps it ready
	checker.Register("clients", health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
		status := health.StatusHealthy
		meta := make(map[string]interface{})
		for _, c := range a.clients.Clients() {
			state := c.CircuitState()
			meta[c.Name()] = map[string]interface{}{
				"type":    c.Type(),
				"circuit": state.String(),
				"queued":  c.QueueLength(),
			}
			if state == reliability.StateOpen {
				status = health.StatusDegraded
			}
		}
		return status, "", meta
	}))

	return checker
}

// start brings the agent up from the bottom: positions, profiling, the
// HTTP/gRPC servers, then the targets. The positions sync loop always runs
// once start is called so that the shutdown steps can stop it.
func (a *agent) start() error {
	a.positions.Start()
	a.positionsUp.Store(true)

	if a.profiler != nil {
		if err := a.profiler.Start(); err != nil {
			return err
		}
	}

	if err := a.server.Start(); err != nil {
		return err
	}
	if err := a.targets.Start(); err != nil {
		return err
	}

	a.logger.Info().
		Str("http", a.server.HTTPAddr()).
		Str("grpc", a.server.GRPCAddr()).
		Int("clients", len(a.cfg.Clients)).
		Int("jobs", len(a.cfg.ScrapeConfigs)).
		Msg("logshipper started")
	return nil
}

// shutdownSteps registers the stop order: nothing is read once the targets
// stop, the pipelines drain into the clients, the clients drain to their
// destinations and ack, and only then are the offsets saved.
func (a *agent) shutdownSteps() *shutdown.Manager {
	sd := shutdown.New(shutdown.Config{
		Timeout: a.cfg.Server.GracefulShutdownTimeout,
		Logger:  a.logger,
	})

	sd.RegisterFunc("targets", func(ctx context.Context) error {
		return a.targets.StopTargets()
	})
	sd.RegisterFunc("pipeline", a.targets.StopPipelines)
	sd.RegisterFunc("clients", a.clients.Stop)
	if a.dlq != nil {
		sd.RegisterFunc("dlq", func(ctx context.Context) error {
			return a.dlq.Close()
		})
	}
	sd.RegisterFunc("positions", func(ctx context.Context) error {
		a.positionsUp.Store(false)
		a.positions.Stop()
		return nil
	})
	sd.RegisterFunc("servers", a.server.Stop)
	if a.profiler != nil {
		sd.RegisterFunc("profiling", func(ctx context.Context) error {
			return a.profiler.Stop()
		})
	}
	sd.RegisterFunc("tracing", a.tracing.Shutdown)
	return sd
}
