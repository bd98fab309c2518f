package types

import (
	"encoding/binary"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Entry is a single log line travelling from a target to a client
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Line      string            `json:"line"`
	Labels    LabelSet          `json:"labels"`
	Extracted map[string]string `json:"extracted,omitempty"`
	Source    string            `json:"source,omitempty"` // file path or target id
	Tenant    string            `json:"tenant,omitempty"`

	// Done is invoked once the entry has been delivered or deliberately dropped.
	Done func() `json:"-"`
}

// NewEntry creates an entry read at the given time
func NewEntry(source, line string, ts time.Time, labels LabelSet) *Entry {
	return &Entry{
		Timestamp: ts,
		Line:      line,
		Labels:    labels.Clone(),
		Extracted: make(map[string]string, 4),
		Source:    source,
	}
}

// Ack releases the entry. Only the first call has an effect.
func (e *Entry) Ack() {
	if e == nil || e.Done == nil {
		return
	}
	done := e.Done
	e.Done = nil
	done()
}

// Size returns the number of bytes the entry contributes to a batch
func (e *Entry) Size() int {
	return len(e.Line)
}

// Clone returns a deep copy without the acknowledgement hook
func (e *Entry) Clone() *Entry {
	c := &Entry{
		Timestamp: e.Timestamp,
		Line:      e.Line,
		Labels:    e.Labels.Clone(),
		Source:    e.Source,
		Tenant:    e.Tenant,
	}
	if e.Extracted != nil {
		c.Extracted = make(map[string]string, len(e.Extracted))
		for k, v := range e.Extracted {
			c.Extracted[k] = v
		}
	}
	return c
}

// LabelSet identifies a log stream
type LabelSet map[string]string

// Clone returns a copy of the label set
func (ls LabelSet) Clone() LabelSet {
	out := make(LabelSet, len(ls))
	for k, v := range ls {
		out[k] = v
	}
	return out
}

// Merge returns a new label set with other applied on top of ls
func (ls LabelSet) Merge(other LabelSet) LabelSet {
	out := make(LabelSet, len(ls)+len(other))
	for k, v := range ls {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Names returns the sorted label names
func (ls LabelSet) Names() []string {
	names := make([]string, 0, len(ls))
	for k := range ls {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String renders the label set as {a="1", b="2"} with sorted names
func (ls LabelSet) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range ls.Names() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(strconv.Quote(ls[name]))
	}
	sb.WriteByte('}')
	return sb.String()
}

// Equal reports whether both label sets hold the same pairs
func (ls LabelSet) Equal(other LabelSet) bool {
	if len(ls) != len(other) {
		return false
	}
	for k, v := range ls {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Fingerprint hashes the canonical form of the label set
func (ls LabelSet) Fingerprint() uint64 {
	sum := blake3.Sum256([]byte(ls.String()))
	return binary.LittleEndian.Uint64(sum[:8])
}
