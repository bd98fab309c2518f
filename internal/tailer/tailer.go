package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// PositionStore persists committed read offsets
type PositionStore interface {
	Get(path string) (int64, bool)
	Put(path string, offset int64) error
	Remove(path string)
}

// Config configures a Tailer
type Config struct {
	Patterns     []string       // glob patterns of files to tail
	Labels       types.LabelSet // labels stamped on every entry
	SyncPeriod   time.Duration  // how often globs are re-expanded
	PollInterval time.Duration  // how long a reader waits at EOF
	TailFromEnd  bool           // start files without a position at their end
	BufferSize   int
}

// FileStatus reports the state of one tailed file
type FileStatus struct {
	Path      string `json:"path"`
	ReadAt    int64  `json:"read_offset"`
	Committed int64  `json:"committed_offset"`
	Size      int64  `json:"size"`
}

// Tailer tails log files and handles rotation
type Tailer struct {
	cfg       Config
	positions PositionStore
	logger    *logging.Logger
	metrics   *metrics.Collector
	watcher   *fsnotify.Watcher
	files     map[string]*tailedFile
	mu        sync.RWMutex
	entryCh   chan *types.Entry
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

type tailedFile struct {
	path    string
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	inode   uint64
	partial []byte
	acks    *ackTracker
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a new Tailer instance
func New(cfg Config, positions PositionStore, collector *metrics.Collector, logger *logging.Logger) (*Tailer, error) {
	if len(cfg.Patterns) == 0 {
		return nil, fmt.Errorf("no paths to tail")
	}
	for _, p := range cfg.Patterns {
		if !doublestar.ValidatePathPattern(p) {
			return nil, fmt.Errorf("invalid path pattern %q: %w", p, doublestar.ErrBadPattern)
		}
	}
	if cfg.SyncPeriod <= 0 {
		cfg.SyncPeriod = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Tailer{
		cfg:       cfg,
		positions: positions,
		logger:    logger.WithComponent("tailer"),
		metrics:   collector,
		watcher:   watcher,
		files:     make(map[string]*tailedFile),
		entryCh:   make(chan *types.Entry, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	return t, nil
}

// Start starts tailing files
func (t *Tailer) Start() error {
	// Watch the directories so files created later are noticed. Files deeper
	// under a ** are picked up by the periodic sync.
	dirs := make(map[string]bool)
	for _, pattern := range t.cfg.Patterns {
		base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
		dirs[filepath.FromSlash(base)] = true
	}
	for dir := range dirs {
		if err := t.watcher.Add(dir); err != nil {
			t.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
		}
	}

	t.sync()

	t.wg.Add(1)
	go t.watchLoop()

	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	return nil
}

// Stop stops the tailer and closes the entries channel
func (t *Tailer) Stop() {
	t.cancel()
	t.watcher.Close()
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()

	for path, tf := range t.files {
		tf.file.Close()
		delete(t.files, path)
		if t.metrics != nil {
			t.metrics.FilesActive.Dec()
		}
	}
	t.started = false

	close(t.entryCh)
}

// Entries returns the channel entries are delivered on
func (t *Tailer) Entries() <-chan *types.Entry {
	return t.entryCh
}

// Ready reports whether the tailer is running
func (t *Tailer) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

// Files returns the state of every tailed file
func (t *Tailer) Files() []FileStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]FileStatus, 0, len(t.files))
	for path, tf := range t.files {
		st := FileStatus{Path: path, ReadAt: tf.acks.readOffset(), Committed: tf.acks.committed()}
		if fi, err := os.Stat(path); err == nil {
			st.Size = fi.Size()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// sync expands the patterns and starts readers for files not yet tailed
func (t *Tailer) sync() {
	for _, pattern := range t.cfg.Patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			t.logger.Error().Err(err).Str("pattern", pattern).Msg("Failed to expand pattern")
			continue
		}
		for _, path := range matches {
			t.mu.RLock()
			_, ok := t.files[path]
			t.mu.RUnlock()
			if ok {
				continue
			}
			if err := t.openFile(path, nil); err != nil {
				t.logger.Error().Err(err).Str("path", path).Msg("Failed to open file")
			}
		}
	}
}

func (t *Tailer) matches(path string) bool {
	for _, pattern := range t.cfg.Patterns {
		if ok, _ := doublestar.PathMatch(pattern, path); ok {
			return true
		}
	}
	return false
}

// openFile opens a file and starts reading from its committed position.
// replacing is the reader of a rotated file the new one takes over from; such
// files are always read from the start.
func (t *Tailer) openFile(path string, replacing *tailedFile) error {
	fresh := replacing != nil

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat file: %w", err)
	}

	var offset int64
	if pos, ok := t.positions.Get(path); ok && !fresh {
		offset = pos
		if offset > stat.Size() {
			t.logger.Info().Str("path", path).Int64("offset", offset).Int64("size", stat.Size()).
				Msg("File is smaller than its position, assuming truncation")
			t.positions.Remove(path)
			offset = 0
		} else {
			t.logger.Info().Str("path", path).Int64("offset", offset).Msg("Resuming from position")
		}
	} else if t.cfg.TailFromEnd && !fresh {
		offset = stat.Size()
		t.logger.Info().Str("path", path).Msg("Starting from end of file")
	} else {
		t.logger.Info().Str("path", path).Msg("Starting from beginning of file")
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("failed to seek to offset: %w", err)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	tf := &tailedFile{
		path:   path,
		file:   file,
		reader: bufio.NewReader(file),
		offset: offset,
		inode:  getInode(stat),
		acks:   newAckTracker(offset),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	if existing, ok := t.files[path]; ok && existing != replacing {
		t.mu.Unlock()
		cancel()
		file.Close()
		return nil
	}
	t.files[path] = tf
	t.mu.Unlock()

	if err := t.positions.Put(path, offset); err != nil {
		t.logger.Debug().Err(err).Str("path", path).Msg("Position ahead of start offset")
	}

	if t.metrics != nil {
		t.metrics.FilesActive.Inc()
	}

	t.wg.Add(1)
	go t.readLoop(ctx, tf)

	return nil
}

// readLoop reads lines from a file until it is cancelled or replaced
func (t *Tailer) readLoop(ctx context.Context, tf *tailedFile) {
	defer t.wg.Done()
	defer close(tf.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chunk, err := tf.reader.ReadBytes('\n')
		if len(chunk) > 0 {
			tf.partial = append(tf.partial, chunk...)
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Error().Err(err).Str("path", tf.path).Msg("Error reading file")
				return
			}

			if t.checkRotation(tf) {
				return
			}

			select {
			case <-time.After(t.cfg.PollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		raw := tf.partial
		tf.partial = nil
		tf.offset += int64(len(raw))

		line := string(trimNewline(raw))

		entry := types.NewEntry(tf.path, line, time.Now(), t.cfg.Labels)
		entry.Labels["filename"] = tf.path
		pending := tf.acks.track(tf.offset)
		acks := tf.acks
		path := tf.path
		entry.Done = func() {
			acks.ackCommit(pending, func(committed int64) {
				if err := t.positions.Put(path, committed); err != nil {
					t.logger.Debug().Err(err).Str("path", path).Msg("Skipped position update")
				}
			})
		}

		if t.metrics != nil {
			t.metrics.ReadBytesTotal.WithLabelValues(tf.path).Add(float64(len(raw)))
			t.metrics.ReadLinesTotal.WithLabelValues(tf.path).Inc()
		}

		select {
		case t.entryCh <- entry:
		case <-ctx.Done():
			return
		}
	}
}

// checkRotation is called at EOF. It handles truncation in place and reports
// true when the file at the path was replaced and this reader must exit.
func (t *Tailer) checkRotation(tf *tailedFile) bool {
	fi, err := os.Stat(tf.path)
	if err != nil {
		// Removed; keep the descriptor open until a new file shows up
		return false
	}

	if t.metrics != nil {
		t.metrics.FileBytes.WithLabelValues(tf.path).Set(float64(fi.Size()))
	}

	if inode := getInode(fi); inode != 0 && inode != tf.inode {
		t.logger.Info().Str("path", tf.path).Msg("File rotation detected")
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.replaceFile(tf)
		}()
		return true
	}

	if fi.Size() < tf.offset {
		t.logger.Info().Str("path", tf.path).Int64("offset", tf.offset).Int64("size", fi.Size()).
			Msg("File truncated, reading from start")
		if _, err := tf.file.Seek(0, io.SeekStart); err != nil {
			t.logger.Error().Err(err).Str("path", tf.path).Msg("Failed to seek truncated file")
			return false
		}
		tf.acks.retire()
		t.positions.Remove(tf.path)
		if err := t.positions.Put(tf.path, 0); err != nil {
			t.logger.Debug().Err(err).Str("path", tf.path).Msg("Failed to reset position")
		}
		tf.reader.Reset(tf.file)
		tf.offset = 0
		tf.partial = nil
		t.mu.Lock()
		tf.acks = newAckTracker(0)
		t.mu.Unlock()
	}

	return false
}

// replaceFile swaps the reader of a rotated file for one on the new file. The
// old entry stays in the file map until the new one takes its place.
func (t *Tailer) replaceFile(old *tailedFile) {
	<-old.done
	old.cancel()
	old.acks.retire()
	old.file.Close()
	t.positions.Remove(old.path)

	if t.metrics != nil {
		t.metrics.FilesActive.Dec()
	}

	select {
	case <-t.ctx.Done():
		t.mu.Lock()
		if t.files[old.path] == old {
			delete(t.files, old.path)
		}
		t.mu.Unlock()
		return
	default:
	}

	if err := t.openFile(old.path, old); err != nil {
		t.logger.Error().Err(err).Str("path", old.path).Msg("Failed to reopen rotated file")
		t.mu.Lock()
		if t.files[old.path] == old {
			delete(t.files, old.path)
		}
		t.mu.Unlock()
	}
}

// watchLoop watches for file events
func (t *Tailer) watchLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SyncPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error().Err(err).Msg("File watcher error")

		case <-ticker.C:
			t.sync()

		case <-t.ctx.Done():
			return
		}
	}
}

// handleEvent handles file system events
func (t *Tailer) handleEvent(event fsnotify.Event) {
	path := event.Name
	if !t.matches(path) {
		return
	}

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		t.mu.RLock()
		_, tailed := t.files[path]
		t.mu.RUnlock()
		if tailed {
			// Recreated under the same name; the reader notices the new inode at EOF
			return
		}
		t.logger.Info().Str("path", path).Msg("File created")
		if err := t.openFile(path, nil); err != nil {
			t.logger.Error().Err(err).Str("path", path).Msg("Failed to open file")
		}

	case event.Op&fsnotify.Write == fsnotify.Write:
		t.logger.Debug().Str("path", path).Msg("File write event")
	}
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

// getInode extracts inode from FileInfo
func getInode(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
