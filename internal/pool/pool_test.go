package pool

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestByteBufferPool(t *testing.T) {
	buf := GetByteBuffer()
	if buf == nil {
		t.Fatal("Expected non-nil buffer")
	}
	if buf.Len() != 0 {
		t.Errorf("Expected empty buffer, got %d bytes", buf.Len())
	}

	buf.WriteString("test data")
	PutByteBuffer(buf)

	buf2 := GetByteBuffer()
	if buf2.Len() != 0 {
		t.Errorf("Expected empty buffer, got %d bytes", buf2.Len())
	}
	PutByteBuffer(buf2)

	// Nil is ignored
	PutByteBuffer(nil)
}

func TestByteBufferPoolDiscardsLargeBuffers(t *testing.T) {
	before := GetStats().BufferDiscards

	buf := GetByteBuffer()
	buf.Grow(maxPooledBuffer + 1)
	PutByteBuffer(buf)

	if got := GetStats().BufferDiscards; got != before+1 {
		t.Errorf("Expected %d discards, got %d", before+1, got)
	}
}

func TestGzipWriterPool(t *testing.T) {
	for i := 0; i < 3; i++ {
		var out bytes.Buffer
		zw := GetGzipWriter(&out)
		if _, err := zw.Write([]byte(strings.Repeat("line\n", 100))); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("Failed to close: %v", err)
		}
		PutGzipWriter(zw)

		zr, err := gzip.NewReader(&out)
		if err != nil {
			t.Fatalf("Failed to open gzip stream %d: %v", i, err)
		}
		data, err := io.ReadAll(zr)
		if err != nil {
			t.Fatalf("Failed to read gzip stream %d: %v", i, err)
		}
		if len(data) != 500 {
			t.Errorf("Round %d: expected 500 bytes, got %d", i, len(data))
		}
	}
}

func TestStatsHitRate(t *testing.T) {
	tests := []struct {
		stats Stats
		want  float64
	}{
		{Stats{}, 0},
		{Stats{BufferGets: 10, BufferNew: 10}, 0},
		{Stats{BufferGets: 10, BufferNew: 1}, 90},
		{Stats{BufferGets: 4, BufferNew: 8}, 0},
	}
	for _, tt := range tests {
		if got := tt.stats.HitRate(); got != tt.want {
			t.Errorf("HitRate(%+v) = %v, want %v", tt.stats, got, tt.want)
		}
	}
}

func BenchmarkByteBufferPool(b *testing.B) {
	data := []byte(strings.Repeat("x", 1024))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := GetByteBuffer()
		buf.Write(data)
		PutByteBuffer(buf)
	}
}

func BenchmarkByteBufferAlloc(b *testing.B) {
	data := []byte(strings.Repeat("x", 1024))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		buf.Write(data)
		_ = buf.Len()
	}
}
