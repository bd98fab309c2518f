package target

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/positions"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// sink records every entry handed to it
type sink struct {
	mu      sync.Mutex
	entries []*types.Entry
	err     error
}

func (s *sink) Handle(ctx context.Context, e *types.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *sink) get(i int) *types.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[i]
}

func (s *sink) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Line
	}
	return out
}

func newTestPositions(t *testing.T) *positions.Positions {
	t.Helper()
	pos, err := positions.New(positions.Config{
		Filename:   filepath.Join(t.TempDir(), "positions.yaml"),
		SyncPeriod: time.Hour,
	}, logging.Nop())
	if err != nil {
		t.Fatalf("Failed to create positions: %v", err)
	}
	return pos
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}
