package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
)

// Manager runs registered shutdown steps one after another, in registration
// order, under a single deadline. The shipper registers targets, then
// pipelines, then clients, then positions, then servers, then tracing, so
// every entry read is handed on (or its offset left unsaved) before the
// stage below it stops.
type Manager struct {
	logger       *logging.Logger
	timeout      time.Duration
	steps        []step
	mu           sync.Mutex
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	gracefulDone chan struct{}
	err          error
}

type step struct {
	name string
	fn   ShutdownFunc
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}

	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		shutdownCh:   make(chan struct{}),
		gracefulDone: make(chan struct{}),
	}
}

// RegisterFunc appends a step. Steps registered after shutdown has begun
// are ignored.
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.shutdownCh:
		m.logger.Warn().Str("step", name).Msg("Shutdown in progress, step not registered")
		return
	default:
	}

	m.logger.Debug().Str("step", name).Msg("Registered shutdown step")
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// WaitForSignal blocks until a shutdown signal is received or ctx is done,
// then runs the shutdown and returns its error
func (m *Manager) WaitForSignal(ctx context.Context, signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
	case <-ctx.Done():
		m.logger.Info().Msg("Context cancelled, shutting down")
	case <-m.shutdownCh:
		// Already shutting down
		<-m.gracefulDone
		return m.Err()
	}
	return m.Shutdown()
}

// Shutdown runs every step once. Later calls wait for the first to finish
// and return its result.
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		close(m.shutdownCh)
		steps := m.steps
		m.mu.Unlock()

		err := m.performShutdown(steps)

		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.gracefulDone)
	})
	<-m.gracefulDone
	return m.Err()
}

// performShutdown keeps going after a failed or late step: a client that
// could not drain still leaves the positions file to be saved.
func (m *Manager) performShutdown(steps []step) error {
	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("steps", len(steps)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, s := range steps {
		start := time.Now()
		if err := s.fn(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("step", s.name).
				Msg("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		m.logger.Debug().
			Str("step", s.name).
			Dur("took", time.Since(start)).
			Msg("Shutdown step completed")
	}

	if ctx.Err() != nil {
		m.logger.Warn().
			Dur("timeout", m.timeout).
			Msg("Graceful shutdown exceeded its deadline")
		errs = append(errs, fmt.Errorf("shutdown exceeded %v: %w", m.timeout, ctx.Err()))
	}

	if len(errs) > 0 {
		m.logger.Warn().Int("errors", len(errs)).Msg("Graceful shutdown completed with errors")
		return errors.Join(errs...)
	}
	m.logger.Info().Msg("Graceful shutdown completed successfully")
	return nil
}

// Err returns the result of a completed shutdown
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done returns a channel that is closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.gracefulDone
}

// ShutdownChannel returns a channel that is closed when shutdown is initiated
func (m *Manager) ShutdownChannel() <-chan struct{} {
	return m.shutdownCh
}

// Component represents a component that can be gracefully shut down
type Component interface {
	Stop(context.Context) error
	Name() string
}

// RegisterComponent registers a component for graceful shutdown
func (m *Manager) RegisterComponent(component Component) {
	m.RegisterFunc(component.Name(), component.Stop)
}

// HandlePanic recovers from panics, shuts down and re-panics. Use it with
// defer in goroutines that own pipeline state.
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().
			Interface("panic", r).
			Msg("Panic recovered, initiating shutdown")
		m.Shutdown()
		panic(r)
	}
}

// WaitWithTimeout waits for shutdown to complete with a timeout
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.Done():
		return m.Err()
	case <-timer.C:
		return fmt.Errorf("shutdown did not complete within %v", timeout)
	}
}
