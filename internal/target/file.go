package target

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/labels"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/tailer"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/worker"
)

// PathLabel holds the glob of files a static config tails
const PathLabel = "__path__"

// FileTargetConfig configures a file target
type FileTargetConfig struct {
	Labels       map[string]string // must contain __path__
	SyncPeriod   time.Duration
	PollInterval time.Duration
	TailFromEnd  bool
}

// FileTarget tails the files matching its __path__ label
type FileTarget struct {
	base
	tailer *tailer.Tailer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewFileTarget creates a file target
func NewFileTarget(job string, cfg FileTargetConfig, positions tailer.PositionStore, next worker.Handler, collector *metrics.Collector, logger *logging.Logger) (*FileTarget, error) {
	path := cfg.Labels[PathLabel]
	if path == "" {
		return nil, fmt.Errorf("static config of job %s has no %s label", job, PathLabel)
	}
	for name, value := range cfg.Labels {
		if labels.IsReserved(name) {
			continue
		}
		if err := labels.Validate(name, value); err != nil {
			return nil, fmt.Errorf("job %s: %w", job, err)
		}
	}

	b := newBase(job, TypeFile, cfg.Labels, next, collector, logger)

	t, err := tailer.New(tailer.Config{
		Patterns:     []string{path},
		Labels:       b.labels,
		SyncPeriod:   cfg.SyncPeriod,
		PollInterval: cfg.PollInterval,
		TailFromEnd:  cfg.TailFromEnd,
	}, positions, collector, b.logger)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &FileTarget{
		base:   b,
		tailer: t,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start starts tailing and forwarding
func (f *FileTarget) Start() error {
	if err := f.tailer.Start(); err != nil {
		return err
	}

	f.wg.Add(1)
	go f.forward()

	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	f.active(1)
	f.logger.Info().Str("path", f.labels[PathLabel]).Msg("File target started")
	return nil
}

// forward hands tailed lines to the pipeline in read order
func (f *FileTarget) forward() {
	defer f.wg.Done()

	for e := range f.tailer.Entries() {
		if err := f.next.Handle(f.ctx, e); err != nil {
			// Unacknowledged lines are read again after a restart
			f.logger.Debug().Err(err).Str("path", e.Source).Msg("Stopped forwarding")
			return
		}
		f.received(1)
	}
}

// Stop stops the tailer. Lines not yet handed off stay unacknowledged.
func (f *FileTarget) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	started := f.started
	f.mu.Unlock()

	f.cancel()
	f.tailer.Stop()
	f.wg.Wait()
	if started {
		f.active(-1)
	}
	return nil
}

// Ready reports whether the tailer is running
func (f *FileTarget) Ready() bool {
	return f.tailer.Ready()
}

// Status lists the tailed files
func (f *FileTarget) Status() Status {
	files := f.tailer.Files()
	return Status{
		Job:    f.job,
		Type:   f.typ,
		Ready:  f.Ready(),
		Labels: f.labels,
		Details: map[string]any{
			"path":  f.labels[PathLabel],
			"files": files,
		},
	}
}
