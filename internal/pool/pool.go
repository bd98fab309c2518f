package pool

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
)

// maxPooledBuffer bounds the buffers kept for reuse. A single huge batch
// should not pin its memory for the life of the process.
const maxPooledBuffer = 4 * 1024 * 1024

var byteBuffers = sync.Pool{
	New: func() interface{} {
		stats.bufferNew.Add(1)
		return new(bytes.Buffer)
	},
}

// GetByteBuffer retrieves an empty byte buffer from the pool
func GetByteBuffer() *bytes.Buffer {
	stats.bufferGets.Add(1)
	buf := byteBuffers.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutByteBuffer returns a byte buffer to the pool. The caller must not use
// buf or any slice obtained from it afterwards.
func PutByteBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > maxPooledBuffer {
		stats.bufferDiscards.Add(1)
		return
	}
	buf.Reset()
	byteBuffers.Put(buf)
}

var gzipWriters = sync.Pool{
	New: func() interface{} {
		stats.gzipNew.Add(1)
		return gzip.NewWriter(io.Discard)
	},
}

// GetGzipWriter returns a gzip writer reset to write to w
func GetGzipWriter(w io.Writer) *gzip.Writer {
	stats.gzipGets.Add(1)
	zw := gzipWriters.Get().(*gzip.Writer)
	zw.Reset(w)
	return zw
}

// PutGzipWriter returns zw to the pool. It must have been closed.
func PutGzipWriter(zw *gzip.Writer) {
	if zw != nil {
		gzipWriters.Put(zw)
	}
}

// Stats holds pool usage counters
type Stats struct {
	BufferGets     uint64
	BufferNew      uint64
	BufferDiscards uint64
	GzipGets       uint64
	GzipNew        uint64
}

// HitRate returns the share of buffer gets served from the pool (0-100)
func (s Stats) HitRate() float64 {
	if s.BufferGets == 0 {
		return 0
	}
	hits := s.BufferGets - min(s.BufferNew, s.BufferGets)
	return float64(hits) / float64(s.BufferGets) * 100
}

var stats struct {
	bufferGets     atomic.Uint64
	bufferNew      atomic.Uint64
	bufferDiscards atomic.Uint64
	gzipGets       atomic.Uint64
	gzipNew        atomic.Uint64
}

// GetStats returns current pool statistics
func GetStats() Stats {
	return Stats{
		BufferGets:     stats.bufferGets.Load(),
		BufferNew:      stats.bufferNew.Load(),
		BufferDiscards: stats.bufferDiscards.Load(),
		GzipGets:       stats.gzipGets.Load(),
		GzipNew:        stats.gzipNew.Load(),
	}
}
