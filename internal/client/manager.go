package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// Manager fans entries out to every configured client. An entry is
// acknowledged once all clients have acknowledged their copy.
type Manager struct {
	clients []*Client
}

// NewManager creates one client per config. Clients already started are
// stopped if a later one fails.
func NewManager(cfgs []config.ClientConfig, opts Options) (*Manager, error) {
	m := &Manager{}
	for _, cfg := range cfgs {
		c, err := New(cfg, opts)
		if err != nil {
			_ = m.Stop(context.Background())
			return nil, err
		}
		m.clients = append(m.clients, c)
	}
	if len(m.clients) == 0 {
		return nil, fmt.Errorf("no clients configured")
	}
	return m, nil
}

// NewManagerFromClients wraps already created clients
func NewManagerFromClients(clients ...*Client) *Manager {
	return &Manager{clients: clients}
}

// Handle hands e to every client
func (m *Manager) Handle(ctx context.Context, e *types.Entry) error {
	if len(m.clients) == 1 {
		return m.clients[0].Handle(ctx, e)
	}

	remaining := atomic.Int32{}
	remaining.Store(int32(len(m.clients)))
	release := func() {
		if remaining.Add(-1) == 0 {
			e.Ack()
		}
	}

	var errs []error
	for _, c := range m.clients {
		copied := e.Clone()
		copied.Done = release
		if err := c.Handle(ctx, copied); err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Clients returns the managed clients
func (m *Manager) Clients() []*Client {
	return m.clients
}

// Stop stops all clients in parallel
func (m *Manager) Stop(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range m.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("client %s: %w", c.Name(), err))
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return errors.Join(errs...)
}
