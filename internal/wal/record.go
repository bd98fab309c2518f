package wal

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"

	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// recordType is the first byte of every frame
type recordType byte

const (
	typeBatch recordType = 1
	typeDone  recordType = 2
)

// Record is one batch persisted before it is sent
type Record struct {
	ID      uint64            `cbor:"1,keyasint"`
	Tenant  string            `cbor:"2,keyasint,omitempty"`
	Labels  map[string]string `cbor:"3,keyasint"`
	Entries []RecordEntry     `cbor:"4,keyasint"`
}

// RecordEntry is a single line of a Record
type RecordEntry struct {
	Timestamp int64  `cbor:"1,keyasint"` // unix nanoseconds
	Line      string `cbor:"2,keyasint"`
}

// NewRecord copies a stream's entries into a Record. The ID is assigned on Append.
func NewRecord(tenant string, ls types.LabelSet, entries []*types.Entry) *Record {
	rec := &Record{
		Tenant:  tenant,
		Labels:  ls.Clone(),
		Entries: make([]RecordEntry, 0, len(entries)),
	}
	for _, e := range entries {
		rec.Entries = append(rec.Entries, RecordEntry{
			Timestamp: e.Timestamp.UnixNano(),
			Line:      e.Line,
		})
	}
	return rec
}

// ToEntries rebuilds pipeline entries from a replayed record
func (r *Record) ToEntries(source string) []*types.Entry {
	out := make([]*types.Entry, 0, len(r.Entries))
	for _, re := range r.Entries {
		e := types.NewEntry(source, re.Line, time.Unix(0, re.Timestamp), r.Labels)
		e.Tenant = r.Tenant
		out = append(out, e)
	}
	return out
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wal: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wal: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(r *Record) ([]byte, error) {
	raw, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func decodeRecord(payload []byte) (*Record, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress record: %w", err)
	}
	var r Record
	if err := decMode.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &r, nil
}

func encodeDone(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func decodeDone(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, ErrInvalidEntry
	}
	return binary.BigEndian.Uint64(payload), nil
}
