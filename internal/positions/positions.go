package positions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
)

// ErrOffsetDecrease is returned when a position update would move a file backwards
var ErrOffsetDecrease = errors.New("position offset would decrease")

// Config configures the positions store
type Config struct {
	Filename          string
	SyncPeriod        time.Duration
	IgnoreInvalidYAML bool
}

// File is the on-disk layout of the positions file
type File struct {
	Positions map[string]string `yaml:"positions"`
}

// Positions tracks the committed read offset of every tailed file
type Positions struct {
	mu        sync.RWMutex
	cfg       Config
	logger    *logging.Logger
	positions map[string]int64
	dirty     bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a positions store and loads any existing positions file
func New(cfg Config, logger *logging.Logger) (*Positions, error) {
	if cfg.SyncPeriod <= 0 {
		cfg.SyncPeriod = 10 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create positions directory: %w", err)
	}

	existing, err := ReadFile(cfg.Filename)
	if err != nil {
		if !cfg.IgnoreInvalidYAML {
			return nil, err
		}
		logger.Warn().Err(err).Str("file", cfg.Filename).Msg("Ignoring invalid positions file")
		existing = make(map[string]int64)
	}

	return &Positions{
		cfg:       cfg,
		logger:    logger.WithComponent("positions"),
		positions: existing,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start starts the periodic sync to disk
func (p *Positions) Start() {
	go p.syncLoop()
}

// Stop stops the sync loop and writes the final positions
func (p *Positions) Stop() {
	p.once.Do(func() {
		close(p.stopCh)
		<-p.doneCh
	})
	if err := p.Save(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to save positions on shutdown")
	}
}

// Get returns the committed offset for a file
func (p *Positions) Get(path string) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	offset, ok := p.positions[path]
	return offset, ok
}

// Put records a new offset for a file. Offsets only move forward; use Remove
// when a file has been truncated or replaced.
func (p *Positions) Put(path string, offset int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.positions[path]; ok && offset < current {
		return fmt.Errorf("%w: %s %d -> %d", ErrOffsetDecrease, path, current, offset)
	}
	if p.positions[path] != offset {
		p.dirty = true
	}
	p.positions[path] = offset
	return nil
}

// Remove forgets a file
func (p *Positions) Remove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.positions[path]; ok {
		delete(p.positions, path)
		p.dirty = true
	}
}

// Snapshot returns a copy of all positions
func (p *Positions) Snapshot() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]int64, len(p.positions))
	for k, v := range p.positions {
		out[k] = v
	}
	return out
}

// Save writes the positions file if anything changed since the last save
func (p *Positions) Save() error {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]int64, len(p.positions))
	for k, v := range p.positions {
		snapshot[k] = v
	}
	p.dirty = false
	p.mu.Unlock()

	if err := WriteFile(p.cfg.Filename, snapshot); err != nil {
		p.mu.Lock()
		p.dirty = true
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Positions) syncLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.SyncPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.Save(); err != nil {
				p.logger.Error().Err(err).Msg("Failed to save positions")
			}
		case <-p.stopCh:
			return
		}
	}
}

// ReadFile reads a positions file. A missing file yields an empty map.
func ReadFile(filename string) (map[string]int64, error) {
	data, err := os.ReadFile(filepath.Clean(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]int64), nil
		}
		return nil, fmt.Errorf("failed to read positions file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid yaml positions file %s: %w", filename, err)
	}

	out := make(map[string]int64, len(f.Positions))
	for path, raw := range f.Positions {
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q for %s: %w", raw, path, err)
		}
		out[path] = offset
	}
	return out, nil
}

// WriteFile atomically replaces the positions file
func WriteFile(filename string, positions map[string]int64) error {
	f := File{Positions: make(map[string]string, len(positions))}
	for path, offset := range positions {
		f.Positions[path] = strconv.FormatInt(offset, 10)
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to marshal positions: %w", err)
	}

	tmpFile := filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write positions file: %w", err)
	}

	if err := os.Rename(tmpFile, filename); err != nil {
		return fmt.Errorf("failed to rename positions file: %w", err)
	}

	return nil
}
