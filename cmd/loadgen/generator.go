package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var messages = []string{
	"user %d logged in",
	"payment gateway timeout after %d retries",
	"cache miss for key user:%d",
	"request to /api/orders completed in %dms",
	"connection pool exhausted, %d waiters",
}

// GeneratorConfig configures a Generator
type GeneratorConfig struct {
	Output      string
	Rate        int
	Workers     int
	Levels      []string
	RotateBytes int64
}

// Generator appends "time | level | message" lines to a file at a fixed rate
type Generator struct {
	cfg   GeneratorConfig
	stats *Stats

	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	size int64
}

// NewGenerator opens the output file for appending
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Output == "" {
		return nil, fmt.Errorf("output file is required")
	}
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %d", cfg.Rate)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Workers > cfg.Rate {
		cfg.Workers = cfg.Rate
	}
	if len(cfg.Levels) == 0 {
		cfg.Levels = []string{"INFO"}
	}

	g := &Generator{cfg: cfg, stats: &Stats{startTime: time.Now()}}
	if err := g.open(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Generator) open() error {
	f, err := os.OpenFile(g.cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat output: %w", err)
	}
	g.file = f
	g.w = bufio.NewWriter(f)
	g.size = stat.Size()
	return nil
}

// Stats returns the live counters
func (g *Generator) Stats() *Stats {
	return g.stats
}

// Run writes lines until ctx is done
func (g *Generator) Run(ctx context.Context) error {
	interval := time.Second * time.Duration(g.cfg.Workers) / time.Duration(g.cfg.Rate)

	var wg sync.WaitGroup
	for i := 0; i < g.cfg.Workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			g.runWorker(ctx, rand.New(rand.NewSource(seed)), interval)
		}(time.Now().UnixNano() + int64(i))
	}

	// Flush often enough that a tailer sees steady growth
	flushTicker := time.NewTicker(100 * time.Millisecond)
	defer flushTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return g.Flush()
		case <-flushTicker.C:
			if err := g.Flush(); err != nil {
				atomic.AddUint64(&g.stats.writeErrors, 1)
			}
		}
	}
}

func (g *Generator) runWorker(ctx context.Context, rng *rand.Rand, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := g.WriteLine(g.line(rng, now)); err != nil {
				atomic.AddUint64(&g.stats.writeErrors, 1)
			}
		}
	}
}

func (g *Generator) line(rng *rand.Rand, now time.Time) string {
	level := g.cfg.Levels[rng.Intn(len(g.cfg.Levels))]
	msg := fmt.Sprintf(messages[rng.Intn(len(messages))], rng.Intn(10000))
	return fmt.Sprintf("%s | %s | %s\n", now.UTC().Format(time.RFC3339Nano), level, msg)
}

// WriteLine appends one line, rotating the file first when it is full
func (g *Generator) WriteLine(line string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.RotateBytes > 0 && g.size+int64(len(line)) > g.cfg.RotateBytes && g.size > 0 {
		if err := g.rotate(); err != nil {
			return err
		}
	}

	n, err := g.w.WriteString(line)
	g.size += int64(n)
	if err != nil {
		return err
	}
	atomic.AddUint64(&g.stats.linesWritten, 1)
	atomic.AddUint64(&g.stats.bytesWritten, uint64(n))
	return nil
}

// rotate renames the current file aside and starts a new one, the same
// way logrotate's default create mode does. Caller holds g.mu.
func (g *Generator) rotate() error {
	if err := g.w.Flush(); err != nil {
		return err
	}
	if err := g.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(g.cfg.Output, g.cfg.Output+".1"); err != nil {
		return fmt.Errorf("failed to rotate output: %w", err)
	}
	atomic.AddUint64(&g.stats.rotations, 1)
	return g.open()
}

// Flush writes buffered lines to the file
func (g *Generator) Flush() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.w.Flush()
}

// Close flushes and closes the output
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.w.Flush(); err != nil {
		g.file.Close()
		return err
	}
	return g.file.Close()
}
