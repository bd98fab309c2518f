package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
)

var (
	ErrWALClosed    = errors.New("WAL is closed")
	ErrInvalidEntry = errors.New("invalid WAL entry")
)

const (
	defaultSegmentSize  = 16 * 1024 * 1024
	defaultSyncInterval = time.Second
	segmentPrefix       = "wal-"
	segmentSuffix       = ".log"
)

// WALConfig holds configuration for the Write-Ahead Log
type WALConfig struct {
	Dir          string
	SegmentSize  int64
	SyncInterval time.Duration
}

// WAL persists batches before they are sent and forgets them once they are
// marked done. Segments are removed oldest first once every batch in them is done.
type WAL struct {
	config WALConfig
	logger *logging.Logger

	mu        sync.Mutex
	current   *segment
	segments  []*segment
	lastSegID uint64
	nextID    uint64

	// record ID -> segment holding the batch, for every batch not yet done
	owner    map[uint64]*segment
	replayed map[uint64]*Record

	closeCh chan struct{}
	closed  bool

	// Metrics
	bytesWritten    uint64
	recordsWritten  uint64
	segmentsCreated uint64
	segmentsRemoved uint64
	tornSegments    uint64
}

// NewWAL opens the log in config.Dir, recovering batches that were never marked done
func NewWAL(config WALConfig, logger *logging.Logger) (*WAL, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("WAL directory is required")
	}
	if config.SegmentSize <= 0 {
		config.SegmentSize = defaultSegmentSize
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaultSyncInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		config:   config,
		logger:   logger.WithComponent("wal").WithField("dir", config.Dir),
		owner:    make(map[uint64]*segment),
		replayed: make(map[uint64]*Record),
		closeCh:  make(chan struct{}),
		nextID:   1,
	}

	if err := w.loadSegments(); err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	w.collect()

	// Never append behind a possibly torn tail
	if err := w.rotate(); err != nil {
		return nil, fmt.Errorf("failed to create initial segment: %w", err)
	}

	if len(w.replayed) > 0 {
		w.logger.Info().Int("records", len(w.replayed)).Msg("Recovered pending batches")
	}

	go w.syncLoop()

	return w, nil
}

// Append writes rec to the log, assigning and returning its ID
func (w *WAL) Append(rec *Record) (uint64, error) {
	if rec == nil {
		return 0, ErrInvalidEntry
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	if w.current.size >= w.config.SegmentSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to create new segment: %w", err)
		}
	}

	rec.ID = w.nextID
	payload, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}

	n, err := w.current.writeFrame(typeBatch, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	w.nextID++

	w.current.live[rec.ID] = struct{}{}
	w.owner[rec.ID] = w.current
	w.bytesWritten += uint64(n)
	w.recordsWritten++

	return rec.ID, nil
}

// MarkDone records that the batch with the given ID no longer needs replay.
// Unknown IDs are ignored.
func (w *WAL) MarkDone(id uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	seg, ok := w.owner[id]
	if !ok {
		return nil
	}

	n, err := w.current.writeFrame(typeDone, encodeDone(id))
	if err != nil {
		return fmt.Errorf("failed to write done marker: %w", err)
	}
	w.bytesWritten += uint64(n)

	delete(w.owner, id)
	delete(seg.live, id)
	delete(w.replayed, id)

	w.collect()
	return nil
}

// Pending returns the batches recovered on open that have not been marked
// done since, oldest first.
func (w *WAL) Pending() []*Record {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*Record, 0, len(w.replayed))
	for _, rec := range w.replayed {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sync flushes all pending writes to disk
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	return w.current.sync()
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.closed = true
	close(w.closeCh)

	return w.current.seal()
}

// Metrics returns WAL statistics
func (w *WAL) Metrics() WALMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()

	return WALMetrics{
		BytesWritten:    w.bytesWritten,
		RecordsWritten:  w.recordsWritten,
		RecordsPending:  uint64(len(w.owner)),
		SegmentsCreated: w.segmentsCreated,
		SegmentsCurrent: uint64(len(w.segments)),
		SegmentsRemoved: w.segmentsRemoved,
		TornSegments:    w.tornSegments,
	}
}

// rotate seals the current segment and starts a new one. Callers hold mu.
func (w *WAL) rotate() error {
	if w.current != nil {
		if err := w.current.seal(); err != nil {
			return err
		}
	}

	w.lastSegID++
	filename := fmt.Sprintf("%s%08d%s", segmentPrefix, w.lastSegID, segmentSuffix)
	seg, err := createSegment(w.lastSegID, filepath.Join(w.config.Dir, filename))
	if err != nil {
		return err
	}

	w.current = seg
	w.segments = append(w.segments, seg)
	w.segmentsCreated++

	w.collect()
	return nil
}

// collect removes leading segments whose batches are all done. Done markers
// only ever point backwards, so dropping a prefix never resurrects a batch.
func (w *WAL) collect() {
	for len(w.segments) > 0 {
		seg := w.segments[0]
		if seg == w.current || len(seg.live) > 0 {
			return
		}
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn().Err(err).Str("segment", seg.path).Msg("Failed to remove segment")
			return
		}
		w.segments = w.segments[1:]
		w.segmentsRemoved++
	}
}

// loadSegments replays existing WAL segments from disk
func (w *WAL) loadSegments() error {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return err
	}

	type found struct {
		id   uint64
		name string
	}
	var files []found
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, found{id: id, name: name})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })

	for _, f := range files {
		path := filepath.Join(w.config.Dir, f.name)
		frames, torn, err := readFrames(path)
		if err != nil {
			return fmt.Errorf("failed to read segment %d: %w", f.id, err)
		}
		if torn {
			w.tornSegments++
			w.logger.Warn().Str("segment", path).Int("frames", len(frames)).Msg("Segment has a torn tail, keeping complete records")
		}

		seg := &segment{id: f.id, path: path, live: make(map[uint64]struct{})}
		for _, fr := range frames {
			switch fr.typ {
			case typeBatch:
				rec, err := decodeRecord(fr.payload)
				if err != nil {
					w.logger.Warn().Err(err).Str("segment", path).Msg("Skipping undecodable record")
					continue
				}
				seg.live[rec.ID] = struct{}{}
				w.owner[rec.ID] = seg
				w.replayed[rec.ID] = rec
				if rec.ID >= w.nextID {
					w.nextID = rec.ID + 1
				}
			case typeDone:
				id, err := decodeDone(fr.payload)
				if err != nil {
					continue
				}
				if owner, ok := w.owner[id]; ok {
					delete(owner.live, id)
					delete(w.owner, id)
					delete(w.replayed, id)
				}
			}
		}

		w.segments = append(w.segments, seg)
		if f.id > w.lastSegID {
			w.lastSegID = f.id
		}
	}

	return nil
}

// syncLoop periodically syncs the WAL to disk
func (w *WAL) syncLoop() {
	ticker := time.NewTicker(w.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Sync(); err != nil && !errors.Is(err, ErrWALClosed) {
				w.logger.Error().Err(err).Msg("Failed to sync WAL")
			}
		case <-w.closeCh:
			return
		}
	}
}

// WALMetrics holds WAL statistics
type WALMetrics struct {
	BytesWritten    uint64
	RecordsWritten  uint64
	RecordsPending  uint64
	SegmentsCreated uint64
	SegmentsCurrent uint64
	SegmentsRemoved uint64
	TornSegments    uint64
}
