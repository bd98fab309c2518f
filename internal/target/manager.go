package target

import (
	"context"
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/tailer"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/worker"
)

// Manager owns the targets and worker pools of every scrape job
type Manager struct {
	jobs   []*job
	logger *logging.Logger
}

// job is one scrape config: its pipeline, the pool running it and the
// targets feeding the pool
type job struct {
	name     string
	pipeline *pipeline.Pipeline
	pool     *worker.Pool
	targets  []Target
}

// NewManager builds a pipeline, a worker pool and the targets of every scrape
// config. Processed entries are handed to next.
func NewManager(cfg *config.Config, positions tailer.PositionStore, next worker.Handler, collector *metrics.Collector, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Manager{logger: logger.WithComponent("target-manager")}

	for _, sc := range cfg.ScrapeConfigs {
		j, err := m.newJob(cfg, sc, positions, next, collector, logger)
		if err != nil {
			// Release listeners and connections opened by earlier jobs
			m.Stop()
			return nil, err
		}
		m.jobs = append(m.jobs, j)
	}
	return m, nil
}

func (m *Manager) newJob(cfg *config.Config, sc config.ScrapeConfig, positions tailer.PositionStore, next worker.Handler, collector *metrics.Collector, logger *logging.Logger) (*job, error) {
	pipe, err := pipeline.New(sc.JobName, sc.PipelineStages, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", sc.JobName, err)
	}

	pool, err := worker.NewPool(worker.PoolConfig{
		Name:       sc.JobName,
		NumWorkers: cfg.WorkerPool.NumWorkers,
		QueueSize:  cfg.WorkerPool.QueueSize,
	}, pipe, next, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", sc.JobName, err)
	}

	j := &job{name: sc.JobName, pipeline: pipe, pool: pool}
	fail := func(err error) (*job, error) {
		for _, t := range j.targets {
			t.Stop()
		}
		pool.Stop()
		return nil, err
	}

	for _, static := range sc.StaticConfigs {
		t, err := NewFileTarget(sc.JobName, FileTargetConfig{
			Labels:      static.Labels,
			SyncPeriod:  cfg.TargetConfig.SyncPeriod,
			TailFromEnd: cfg.TargetConfig.TailFromEnd,
		}, positions, pool, collector, logger)
		if err != nil {
			return fail(err)
		}
		j.targets = append(j.targets, t)
	}

	if sc.Syslog != nil {
		t, err := NewSyslogTarget(sc.JobName, *sc.Syslog, pool, collector, logger)
		if err != nil {
			return fail(err)
		}
		j.targets = append(j.targets, t)
	}
	if sc.PushAPI != nil {
		t, err := NewPushTarget(sc.JobName, *sc.PushAPI, pool, collector, logger)
		if err != nil {
			return fail(err)
		}
		j.targets = append(j.targets, t)
	}
	if sc.Kafka != nil {
		t, err := NewKafkaTarget(sc.JobName, *sc.Kafka, pool, collector, logger)
		if err != nil {
			return fail(err)
		}
		j.targets = append(j.targets, t)
	}
	if sc.Kubernetes != nil {
		t, err := NewKubernetesTarget(sc.JobName, *sc.Kubernetes, pool, collector, logger)
		if err != nil {
			return fail(err)
		}
		j.targets = append(j.targets, t)
	}

	if len(j.targets) == 0 {
		return fail(fmt.Errorf("job %s: no targets configured", sc.JobName))
	}
	return j, nil
}

// Start starts every pool, then every target. If a target fails to start,
// everything started so far is stopped again.
func (m *Manager) Start() error {
	for _, j := range m.jobs {
		j.pool.Start()
	}

	var started []Target
	for _, j := range m.jobs {
		for _, t := range j.targets {
			if err := t.Start(); err != nil {
				for _, s := range started {
					s.Stop()
				}
				return fmt.Errorf("failed to start %s target of job %s: %w", t.Type(), t.Job(), err)
			}
			started = append(started, t)
		}
	}

	m.logger.Info().Int("jobs", len(m.jobs)).Int("targets", len(started)).Msg("Targets started")
	return nil
}

// Stop stops the targets, then drains the pools so that every entry a
// target handed off reaches the clients
func (m *Manager) Stop() error {
	return errors.Join(m.StopTargets(), m.StopPipelines(context.Background()))
}

// StopTargets stops reading. Entries already handed off stay queued in the
// pools.
func (m *Manager) StopTargets() error {
	var errs []error
	for _, j := range m.jobs {
		for _, t := range j.targets {
			if err := t.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("job %s: %w", j.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// StopPipelines drains every job's worker pool into the clients. Once ctx
// ends, entries still in a pool are left unacknowledged.
func (m *Manager) StopPipelines(ctx context.Context) error {
	var errs []error
	for _, j := range m.jobs {
		if err := j.pool.Shutdown(ctx); err != nil && !errors.Is(err, worker.ErrPoolClosed) {
			errs = append(errs, fmt.Errorf("job %s: %w", j.name, err))
		}
	}
	return errors.Join(errs...)
}

// Ready reports whether every target is ready
func (m *Manager) Ready() bool {
	n := 0
	for _, j := range m.jobs {
		for _, t := range j.targets {
			if !t.Ready() {
				return false
			}
			n++
		}
	}
	return n > 0
}

// Statuses describes every target, in configuration order
func (m *Manager) Statuses() []Status {
	var out []Status
	for _, j := range m.jobs {
		for _, t := range j.targets {
			out = append(out, t.Status())
		}
	}
	return out
}

// Targets returns every target, in configuration order
func (m *Manager) Targets() []Target {
	var out []Target
	for _, j := range m.jobs {
		out = append(out, j.targets...)
	}
	return out
}

// PoolMetrics returns the worker pool statistics of each job
func (m *Manager) PoolMetrics() map[string]worker.PoolMetrics {
	out := make(map[string]worker.PoolMetrics, len(m.jobs))
	for _, j := range m.jobs {
		out[j.name] = j.pool.Metrics()
	}
	return out
}
