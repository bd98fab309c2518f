// Package push holds the Loki push API JSON wire format.
package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/pool"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// Path is the Loki push endpoint
const Path = "/loki/api/v1/push"

// ErrBodyTooLarge is returned by DecodeLimit when the decompressed body
// exceeds its limit
var ErrBodyTooLarge = errors.New("push body too large")

// Request is the body of a push: {"streams":[...]}
type Request struct {
	Streams []Stream `json:"streams"`
}

// Stream is one label set and its lines
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values []Value           `json:"values"`
}

// Value is a ["<unix nanoseconds>", "<line>"] pair. Extra elements such as
// structured metadata are ignored when decoding.
type Value [2]string

// NewValue formats an entry as a push value
func NewValue(ts time.Time, line string) Value {
	return Value{strconv.FormatInt(ts.UnixNano(), 10), line}
}

// Time parses the timestamp element
func (v Value) Time() (time.Time, error) {
	ns, err := strconv.ParseInt(v[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v[0], err)
	}
	return time.Unix(0, ns), nil
}

// Line returns the log line element
func (v Value) Line() string {
	return v[1]
}

// NewStream builds a stream from entries sharing ls
func NewStream(ls types.LabelSet, entries []*types.Entry) Stream {
	s := Stream{
		Stream: ls.Clone(),
		Values: make([]Value, 0, len(entries)),
	}
	for _, e := range entries {
		s.Values = append(s.Values, NewValue(e.Timestamp, e.Line))
	}
	return s
}

// Encode marshals req, gzip-compressing it when compress is set
func Encode(req *Request, compress bool) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}
	if !compress {
		return body, nil
	}

	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)

	zw := pool.GetGzipWriter(buf)
	defer pool.PutGzipWriter(zw)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Decode reads a push body. contentEncoding is the request's
// Content-Encoding header; only "gzip" and identity are understood.
func Decode(r io.Reader, contentEncoding string) (*Request, error) {
	return DecodeLimit(r, contentEncoding, 0)
}

// DecodeLimit is Decode with at most max decompressed bytes read. A body
// that inflates past max fails with ErrBodyTooLarge. max <= 0 means no limit.
func DecodeLimit(r io.Reader, contentEncoding string, max int64) (*Request, error) {
	switch contentEncoding {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}

	if max > 0 {
		r = &limitedReader{r: r, n: max}
	}

	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode push request: %w", err)
	}
	return &req, nil
}

// limitedReader passes through n bytes, then fails if any more are left
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		var one [1]byte
		n, err := l.r.Read(one[:])
		if n > 0 {
			return 0, ErrBodyTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}
