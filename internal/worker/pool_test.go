package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
	"gopkg.in/yaml.v3"
)

// passthrough forwards entries unchanged
type passthrough struct{}

func (passthrough) Process(e *types.Entry) []*types.Entry { return []*types.Entry{e} }
func (passthrough) FlushSource(string, time.Time, bool) []*types.Entry {
	return nil
}

// collector records handled entries per source
type collector struct {
	mu       sync.Mutex
	bySource map[string][]string
	total    atomic.Int64
}

func newCollector() *collector {
	return &collector{bySource: make(map[string][]string)}
}

func (c *collector) Handle(ctx context.Context, e *types.Entry) error {
	c.mu.Lock()
	c.bySource[e.Source] = append(c.bySource[e.Source], e.Line)
	c.mu.Unlock()
	c.total.Add(1)
	return nil
}

func TestNewPool(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		workers int
	}{
		{"default config", PoolConfig{}, 4},
		{"custom config", PoolConfig{NumWorkers: 8, QueueSize: 500}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := NewPool(tt.config, passthrough{}, newCollector(), nil, nil)
			if err != nil {
				t.Fatalf("NewPool() error = %v", err)
			}
			defer pool.Stop()

			if len(pool.workers) != tt.workers {
				t.Errorf("expected %d workers, got %d", tt.workers, len(pool.workers))
			}
		})
	}

	if _, err := NewPool(PoolConfig{}, nil, newCollector(), nil, nil); err == nil {
		t.Error("expected error without pipeline")
	}
}

func TestPool_PreservesOrderPerSource(t *testing.T) {
	out := newCollector()
	pool, err := NewPool(PoolConfig{NumWorkers: 4, QueueSize: 8}, passthrough{}, out, nil, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	pool.Start()

	sources := []string{"/var/log/a.log", "/var/log/b.log", "/var/log/c.log"}
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				e := types.NewEntry(src, fmt.Sprintf("%04d", i), time.Now(), nil)
				if err := pool.Handle(context.Background(), e); err != nil {
					t.Errorf("Handle() error = %v", err)
					return
				}
			}
		}(src)
	}
	wg.Wait()

	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	for _, src := range sources {
		lines := out.bySource[src]
		if len(lines) != 200 {
			t.Fatalf("%s: expected 200 lines, got %d", src, len(lines))
		}
		for i, l := range lines {
			if l != fmt.Sprintf("%04d", i) {
				t.Fatalf("%s: line %d out of order: %s", src, i, l)
			}
		}
	}
}

func TestPool_SameSourceSameShard(t *testing.T) {
	pool, err := NewPool(PoolConfig{NumWorkers: 16}, passthrough{}, newCollector(), nil, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Stop()

	for _, src := range []string{"a", "/usr/backend/app.log", "syslog:udp"} {
		first := pool.shard(src)
		for i := 0; i < 10; i++ {
			if got := pool.shard(src); got != first {
				t.Errorf("source %s moved from shard %d to %d", src, first, got)
			}
		}
	}
}

func TestPool_RunsPipeline(t *testing.T) {
	var stages []config.StageConfig
	raw := `
- regex:
    expression: '^\s*(?P<time>[^|]*?)\s*\|\s*(?P<level>[^|]*?)\s*\|\s*(?P<message>.*)$'
- labels:
    level:
- drop:
    source: level
    value: DEBUG
`
	if err := yaml.Unmarshal([]byte(raw), &stages); err != nil {
		t.Fatalf("Failed to parse stages: %v", err)
	}
	pipe, err := pipeline.New("backend", stages, nil, nil)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	out := newCollector()
	var got []*types.Entry
	var mu sync.Mutex
	handler := HandlerFunc(func(ctx context.Context, e *types.Entry) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return out.Handle(ctx, e)
	})

	collector := metrics.NewCollector()
	pool, err := NewPool(PoolConfig{Name: "backend", NumWorkers: 2}, pipe, handler, collector, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	pool.Start()

	var acked atomic.Int64
	lines := []string{
		"2024-01-01T00:00:00Z | INFO | started",
		"2024-01-01T00:00:01Z | DEBUG | noisy",
		"2024-01-01T00:00:02Z | ERROR | failed",
	}
	for _, l := range lines {
		e := types.NewEntry("/usr/backend/app.log", l, time.Now(), types.LabelSet{"job": "backend-app-logs"})
		e.Done = func() { acked.Add(1) }
		if err := pool.Handle(context.Background(), e); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 entries after drop, got %d", len(got))
	}
	for i, want := range []string{"INFO", "ERROR"} {
		if got[i].Labels["level"] != want {
			t.Errorf("entry %d: expected level %s, got %s", i, want, got[i].Labels["level"])
		}
	}
	if acked.Load() != 1 {
		t.Errorf("expected the dropped entry to be acknowledged, got %d", acked.Load())
	}

	m := pool.Metrics()
	if m.JobsProcessed != 3 || m.EntriesOut != 2 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestPool_FlushesMultilineOnStop(t *testing.T) {
	var stages []config.StageConfig
	raw := `
- multiline:
    firstline: '^\d{4}-'
    max_wait_time: 1h
`
	if err := yaml.Unmarshal([]byte(raw), &stages); err != nil {
		t.Fatalf("Failed to parse stages: %v", err)
	}
	pipe, err := pipeline.New("java", stages, nil, nil)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	out := newCollector()
	pool, err := NewPool(PoolConfig{NumWorkers: 2}, pipe, out, nil, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	pool.Start()

	for _, l := range []string{"2024-01-01 boom", "\tat Foo.bar", "\tat Baz.qux"} {
		e := types.NewEntry("/var/log/java.log", l, time.Now(), types.LabelSet{"job": "java"})
		if err := pool.Handle(context.Background(), e); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	lines := out.bySource["/var/log/java.log"]
	if len(lines) != 1 || !strings.Contains(lines[0], "Baz.qux") {
		t.Errorf("expected one joined block, got %q", lines)
	}
}

func TestPool_HandlerErrorsCounted(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, e *types.Entry) error {
		return errors.New("client stopped")
	})
	pool, err := NewPool(PoolConfig{NumWorkers: 1}, passthrough{}, handler, nil, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	pool.Start()

	if err := pool.Handle(context.Background(), types.NewEntry("s", "x", time.Now(), nil)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	pool.Stop()

	m := pool.Metrics()
	if m.JobsFailed != 1 {
		t.Errorf("expected 1 failed handoff, got %d", m.JobsFailed)
	}
	if m.SuccessRate() != 0 {
		t.Errorf("expected 0%% success rate, got %.1f", m.SuccessRate())
	}
}

func TestPool_HandleAfterStop(t *testing.T) {
	pool, err := NewPool(PoolConfig{}, passthrough{}, newCollector(), nil, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	pool.Start()
	pool.Stop()

	if err := pool.Handle(context.Background(), types.NewEntry("s", "x", time.Now(), nil)); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
	if err := pool.Stop(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed on second Stop, got %v", err)
	}
}

func TestPool_HandleRespectsContext(t *testing.T) {
	block := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, e *types.Entry) error {
		<-block
		return nil
	})
	pool, err := NewPool(PoolConfig{NumWorkers: 1, QueueSize: 1}, passthrough{}, handler, nil, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	pool.Start()
	defer func() {
		close(block)
		pool.Stop()
	}()

	// One entry in the handler, one in the queue, the third must wait
	for i := 0; i < 2; i++ {
		if err := pool.Handle(context.Background(), types.NewEntry("s", "x", time.Now(), nil)); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = pool.Handle(ctx, types.NewEntry("s", "x", time.Now(), nil))
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestPool_ShutdownDeadlineAbortsHandoff(t *testing.T) {
	var calls atomic.Int64
	// Never returns on its own, like a client whose queue is full
	handler := HandlerFunc(func(ctx context.Context, e *types.Entry) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})
	pool, err := NewPool(PoolConfig{NumWorkers: 1, QueueSize: 16}, passthrough{}, handler, nil, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	pool.Start()

	for i := 0; i < 10; i++ {
		if err := pool.Handle(context.Background(), types.NewEntry("s", fmt.Sprintf("line %d", i), time.Now(), nil)); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = pool.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took %v after its deadline", elapsed)
	}

	m := pool.Metrics()
	if m.JobsFailed != 10 || m.EntriesOut != 0 {
		t.Errorf("expected all 10 handoffs to fail, got %d failed and %d out", m.JobsFailed, m.EntriesOut)
	}
	if calls.Load() != 10 {
		t.Errorf("expected every queued entry to reach the handler, got %d", calls.Load())
	}
}

func BenchmarkPool_Handle(b *testing.B) {
	pool, err := NewPool(PoolConfig{NumWorkers: 4, QueueSize: 10000}, passthrough{}, HandlerFunc(func(context.Context, *types.Entry) error { return nil }), nil, nil)
	if err != nil {
		b.Fatalf("NewPool() error = %v", err)
	}
	pool.Start()
	defer pool.Stop()

	e := types.NewEntry("bench", "2024-01-01T00:00:00Z | INFO | hello", time.Now(), nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := pool.Handle(context.Background(), e); err != nil {
			b.Fatal(err)
		}
	}
}
