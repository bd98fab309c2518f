package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

const fileName = "dlq.json"

// Metadata keys set by clients
const (
	MetaClient = "client"
	MetaReason = "reason"
)

// DLQConfig holds configuration for the Dead Letter Queue
type DLQConfig struct {
	Dir           string
	MaxSize       int64 // maximum number of batches
	MaxAge        time.Duration
	FlushInterval time.Duration
}

// DeadLetterQueue stores batches that could not be delivered
type DeadLetterQueue struct {
	config    DLQConfig
	collector *metrics.Collector
	logger    *logging.Logger

	mu      sync.RWMutex
	entries []*DLQEntry
	dirty   bool
	closed  bool
	closeCh chan struct{}

	// Metrics
	enqueued uint64
	dequeued uint64
	dropped  uint64
}

// Line is one log line of a dead-lettered stream
type Line struct {
	Timestamp time.Time `json:"ts"`
	Line      string    `json:"line"`
}

// Stream is a dead-lettered batch: a single label set and its lines in order
type Stream struct {
	Tenant  string            `json:"tenant,omitempty"`
	Labels  map[string]string `json:"labels"`
	Entries []Line            `json:"entries"`
}

// NewStream copies entries into a Stream
func NewStream(tenant string, ls types.LabelSet, entries []*types.Entry) Stream {
	s := Stream{
		Tenant:  tenant,
		Labels:  ls.Clone(),
		Entries: make([]Line, 0, len(entries)),
	}
	for _, e := range entries {
		s.Entries = append(s.Entries, Line{Timestamp: e.Timestamp, Line: e.Line})
	}
	return s
}

// DLQEntry represents an entry in the dead letter queue
type DLQEntry struct {
	Stream    Stream            `json:"stream"`
	Error     string            `json:"error"`
	Timestamp time.Time         `json:"timestamp"`
	Retries   int               `json:"retries"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewDeadLetterQueue creates a new dead letter queue, loading entries kept by
// a previous run. collector and logger may be nil.
func NewDeadLetterQueue(config DLQConfig, collector *metrics.Collector, logger *logging.Logger) (*DeadLetterQueue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}

	if config.MaxSize == 0 {
		config.MaxSize = 10000
	}

	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}

	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}

	if logger == nil {
		logger = logging.Nop()
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	dlq := &DeadLetterQueue{
		config:    config,
		collector: collector,
		logger:    logger.WithComponent("dlq"),
		entries:   make([]*DLQEntry, 0),
		closeCh:   make(chan struct{}),
	}

	if err := dlq.load(); err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}
	dlq.updateSize()

	go dlq.flushLoop()
	go dlq.cleanupLoop()

	return dlq, nil
}

// Enqueue adds a failed batch to the DLQ
func (dlq *DeadLetterQueue) Enqueue(stream Stream, cause error, metadata map[string]string) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	if int64(len(dlq.entries)) >= dlq.config.MaxSize {
		atomic.AddUint64(&dlq.dropped, 1)
		return ErrDLQFull
	}

	entry := &DLQEntry{
		Stream:    stream,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	dlq.entries = append(dlq.entries, entry)
	dlq.dirty = true
	atomic.AddUint64(&dlq.enqueued, 1)

	if dlq.collector != nil {
		dlq.collector.DLQBatchesTotal.WithLabelValues(metadata[MetaClient], metadata[MetaReason]).Inc()
		dlq.collector.DLQSize.Set(float64(len(dlq.entries)))
	}

	dlq.logger.Warn().
		Str("client", metadata[MetaClient]).
		Str("reason", metadata[MetaReason]).
		Str("labels", types.LabelSet(stream.Labels).String()).
		Int("entries", len(stream.Entries)).
		Str("error", entry.Error).
		Msg("Batch moved to dead letter queue")

	return nil
}

// Dequeue removes and returns the oldest entry from the DLQ
func (dlq *DeadLetterQueue) Dequeue() (*DLQEntry, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}

	if len(dlq.entries) == 0 {
		return nil, nil
	}

	entry := dlq.entries[0]
	dlq.entries = dlq.entries[1:]
	dlq.dirty = true
	atomic.AddUint64(&dlq.dequeued, 1)
	dlq.updateSize()

	return entry, nil
}

// Requeue puts back an entry whose redelivery failed
func (dlq *DeadLetterQueue) Requeue(entry *DLQEntry, cause error) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	entry.Retries++
	entry.Timestamp = time.Now()
	if cause != nil {
		entry.Error = cause.Error()
	}

	dlq.entries = append(dlq.entries, entry)
	dlq.dirty = true
	dlq.updateSize()
	return nil
}

// GetAll returns all entries in the DLQ
func (dlq *DeadLetterQueue) GetAll() ([]*DLQEntry, error) {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}

	entries := make([]*DLQEntry, len(dlq.entries))
	copy(entries, dlq.entries)

	return entries, nil
}

// Size returns the number of entries in the DLQ
func (dlq *DeadLetterQueue) Size() int {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	return len(dlq.entries)
}

// Clear removes all entries from the DLQ
func (dlq *DeadLetterQueue) Clear() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	dlq.entries = make([]*DLQEntry, 0)
	dlq.updateSize()
	return dlq.flush()
}

// Flush persists all entries to disk
func (dlq *DeadLetterQueue) Flush() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	return dlq.flush()
}

// Close closes the DLQ and flushes remaining entries
func (dlq *DeadLetterQueue) Close() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	dlq.closed = true
	close(dlq.closeCh)

	return dlq.flush()
}

// Metrics returns DLQ statistics
func (dlq *DeadLetterQueue) Metrics() DLQMetrics {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	return DLQMetrics{
		Enqueued:    atomic.LoadUint64(&dlq.enqueued),
		Dequeued:    atomic.LoadUint64(&dlq.dequeued),
		Dropped:     atomic.LoadUint64(&dlq.dropped),
		CurrentSize: len(dlq.entries),
		MaxSize:     dlq.config.MaxSize,
	}
}

func (dlq *DeadLetterQueue) updateSize() {
	if dlq.collector != nil {
		dlq.collector.DLQSize.Set(float64(len(dlq.entries)))
	}
}

// flush persists entries to disk (must be called with lock held)
func (dlq *DeadLetterQueue) flush() error {
	filename := filepath.Join(dlq.config.Dir, fileName)

	tempFile := filename + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, entry := range dlq.entries {
		if err := encoder.Encode(entry); err != nil {
			file.Close()
			os.Remove(tempFile)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	file.Close()

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	dlq.dirty = false
	return nil
}

// load loads entries from disk
func (dlq *DeadLetterQueue) load() error {
	filename := filepath.Join(dlq.config.Dir, fileName)

	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var entry DLQEntry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		dlq.entries = append(dlq.entries, &entry)
	}

	return nil
}

// flushLoop periodically flushes entries to disk
func (dlq *DeadLetterQueue) flushLoop() {
	ticker := time.NewTicker(dlq.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dlq.mu.Lock()
			if dlq.dirty && !dlq.closed {
				if err := dlq.flush(); err != nil {
					dlq.logger.Error().Err(err).Msg("Failed to flush dead letter queue")
				}
			}
			dlq.mu.Unlock()
		case <-dlq.closeCh:
			return
		}
	}
}

// cleanupLoop periodically removes old entries
func (dlq *DeadLetterQueue) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dlq.cleanup(time.Now())
		case <-dlq.closeCh:
			return
		}
	}
}

// cleanup removes entries older than MaxAge
func (dlq *DeadLetterQueue) cleanup(now time.Time) int {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return 0
	}

	cutoff := now.Add(-dlq.config.MaxAge)
	remaining := make([]*DLQEntry, 0, len(dlq.entries))

	for _, entry := range dlq.entries {
		if entry.Timestamp.After(cutoff) {
			remaining = append(remaining, entry)
		}
	}

	removed := len(dlq.entries) - len(remaining)
	if removed > 0 {
		dlq.entries = remaining
		dlq.dirty = true
		dlq.updateSize()
		dlq.logger.Info().Int("removed", removed).Msg("Expired dead letter entries")
	}
	return removed
}

// DLQMetrics holds DLQ statistics
type DLQMetrics struct {
	Enqueued    uint64
	Dequeued    uint64
	Dropped     uint64
	CurrentSize int
	MaxSize     int64
}

// Utilization returns the DLQ utilization percentage (0-100)
func (m DLQMetrics) Utilization() float64 {
	if m.MaxSize == 0 {
		return 0
	}
	return (float64(m.CurrentSize) / float64(m.MaxSize)) * 100.0
}
