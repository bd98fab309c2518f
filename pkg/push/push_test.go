package push

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Unix(1700000000, 123)
	entries := []*types.Entry{
		types.NewEntry("a", "first", ts, nil),
		types.NewEntry("a", "second", ts.Add(time.Nanosecond), nil),
	}
	req := &Request{Streams: []Stream{NewStream(types.LabelSet{"job": "app", "level": "INFO"}, entries)}}

	for _, compress := range []bool{false, true} {
		body, err := Encode(req, compress)
		if err != nil {
			t.Fatalf("Encode(compress=%v) error = %v", compress, err)
		}

		encoding := ""
		if compress {
			encoding = "gzip"
		}
		got, err := Decode(bytes.NewReader(body), encoding)
		if err != nil {
			t.Fatalf("Decode(compress=%v) error = %v", compress, err)
		}

		if len(got.Streams) != 1 || len(got.Streams[0].Values) != 2 {
			t.Fatalf("unexpected decoded request: %+v", got)
		}
		s := got.Streams[0]
		if s.Stream["level"] != "INFO" {
			t.Errorf("labels = %v", s.Stream)
		}
		if s.Values[1].Line() != "second" {
			t.Errorf("line = %q", s.Values[1].Line())
		}
		gotTS, err := s.Values[0].Time()
		if err != nil || !gotTS.Equal(ts) {
			t.Errorf("timestamp = %v, %v", gotTS, err)
		}
	}
}

func TestEncode_WireFormat(t *testing.T) {
	req := &Request{Streams: []Stream{{
		Stream: map[string]string{"job": "backend-app-logs"},
		Values: []Value{NewValue(time.Unix(0, 42), "hello")},
	}}}

	body, err := Encode(req, false)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	want := `{"streams":[{"stream":{"job":"backend-app-logs"},"values":[["42","hello"]]}]}`
	if string(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestDecode_IgnoresStructuredMetadata(t *testing.T) {
	body := `{"streams":[{"stream":{"a":"b"},"values":[["1","line",{"trace_id":"abc"}]]}]}`
	req, err := Decode(strings.NewReader(body), "")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if req.Streams[0].Values[0].Line() != "line" {
		t.Errorf("line = %q", req.Streams[0].Values[0].Line())
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		encoding string
	}{
		{"invalid json", `{"streams":`, ""},
		{"not gzip", `{"streams":[]}`, "gzip"},
		{"unknown encoding", `{"streams":[]}`, "br"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.body), tt.encoding); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDecodeLimit(t *testing.T) {
	big := &Request{Streams: []Stream{{
		Stream: map[string]string{"job": "x"},
		Values: []Value{{"1", strings.Repeat("a", 1<<20)}},
	}}}
	plain, err := Encode(big, false)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	zipped, err := Encode(big, true)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(zipped) > 64*1024 {
		t.Fatalf("expected the repeated line to compress well, got %d bytes", len(zipped))
	}

	tests := []struct {
		name     string
		body     []byte
		encoding string
		max      int64
		wantErr  error
	}{
		{"gzip inflates past limit", zipped, "gzip", 64 * 1024, ErrBodyTooLarge},
		{"identity past limit", plain, "", 64 * 1024, ErrBodyTooLarge},
		{"exactly at limit", plain, "", int64(len(plain)), nil},
		{"gzip under limit", zipped, "gzip", 2 << 20, nil},
		{"no limit", zipped, "gzip", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeLimit(bytes.NewReader(tt.body), tt.encoding, tt.max)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeLimit() error = %v", err)
			}
			if got := len(req.Streams[0].Values[0].Line()); got != 1<<20 {
				t.Errorf("line length = %d, want %d", got, 1<<20)
			}
		})
	}
}

func TestValue_InvalidTime(t *testing.T) {
	if _, err := (Value{"abc", "x"}).Time(); err == nil {
		t.Error("expected error for non-numeric timestamp")
	}
}
