package client

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressorRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("2024-01-01T00:00:00Z | INFO | The quick brown fox jumps over the lazy dog\n", 20))

	tests := []struct {
		compressionType CompressionType
		extension       string
		encoding        string
	}{
		{CompressionNone, "", ""},
		{CompressionGzip, ".gz", "gzip"},
		{CompressionZstd, ".zst", "zstd"},
		{CompressionLZ4, ".lz4", "lz4"},
		{CompressionSnappy, ".snappy", "snappy"},
	}

	for _, tt := range tests {
		t.Run(string(tt.compressionType), func(t *testing.T) {
			compressor, err := GetCompressor(tt.compressionType)
			if err != nil {
				t.Fatalf("failed to get compressor: %v", err)
			}

			compressed, err := compressor.Compress(data)
			if err != nil {
				t.Fatalf("compression failed: %v", err)
			}
			if tt.compressionType != CompressionNone && len(compressed) >= len(data) {
				t.Errorf("compressed size %d not smaller than %d", len(compressed), len(data))
			}

			decompressed, err := compressor.Decompress(compressed)
			if err != nil {
				t.Fatalf("decompression failed: %v", err)
			}
			if !bytes.Equal(decompressed, data) {
				t.Errorf("round trip failed: data mismatch")
			}

			if compressor.Extension() != tt.extension {
				t.Errorf("Extension() = %q, want %q", compressor.Extension(), tt.extension)
			}
			if compressor.Encoding() != tt.encoding {
				t.Errorf("Encoding() = %q, want %q", compressor.Encoding(), tt.encoding)
			}
		})
	}
}

func TestGetCompressor_Unknown(t *testing.T) {
	if _, err := GetCompressor("brotli"); err == nil {
		t.Error("expected error for unknown compression")
	}
}
