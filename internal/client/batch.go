package client

import (
	"errors"
	"sort"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// ErrBatchTooLarge is returned when a destination rejects a batch or message for its size
var ErrBatchTooLarge = errors.New("batch too large")

// Flush reasons reported in logshipper_client_batches_flushed_total
const (
	FlushSize    = "size"
	FlushEntries = "entries"
	FlushAge     = "age"
	FlushStop    = "stop"
	FlushReplay  = "wal_replay"
)

// streamKey identifies one stream: a label set within a tenant
type streamKey struct {
	tenant      string
	fingerprint uint64
}

// Batch holds entries of a single stream in arrival order
type Batch struct {
	Labels  types.LabelSet
	Tenant  string
	Entries []*types.Entry

	bytes     int
	createdAt time.Time
	walID     uint64
}

func newBatch(labels types.LabelSet, tenant string, now time.Time) *Batch {
	return &Batch{
		Labels:    labels.Clone(),
		Tenant:    tenant,
		createdAt: now,
	}
}

func (b *Batch) add(e *types.Entry) {
	b.Entries = append(b.Entries, e)
	b.bytes += len(e.Line)
}

// Len returns the number of entries
func (b *Batch) Len() int {
	return len(b.Entries)
}

// Bytes returns the summed line length of the batch
func (b *Batch) Bytes() int {
	return b.bytes
}

// Age returns how long the batch has been open
func (b *Batch) Age(now time.Time) time.Duration {
	return now.Sub(b.createdAt)
}

// Ack releases every entry of the batch
func (b *Batch) Ack() {
	for _, e := range b.Entries {
		e.Ack()
	}
}

// batcher keeps one open batch per stream. It is not safe for concurrent use.
type batcher struct {
	maxBytes   int
	maxEntries int
	maxWait    time.Duration
	streams    map[streamKey]*Batch
}

func newBatcher(maxBytes, maxEntries int, maxWait time.Duration) *batcher {
	return &batcher{
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		maxWait:    maxWait,
		streams:    make(map[streamKey]*Batch),
	}
}

// add appends e to its stream's batch. If e does not fit, the open batch is
// returned for flushing along with the reason and e starts a new batch. An
// entry bigger than maxBytes is batched alone.
func (b *batcher) add(e *types.Entry, now time.Time) (*Batch, string) {
	key := streamKey{tenant: e.Tenant, fingerprint: e.Labels.Fingerprint()}

	open, ok := b.streams[key]
	if !ok {
		open = newBatch(e.Labels, e.Tenant, now)
		open.add(e)
		b.streams[key] = open
		return nil, ""
	}

	var reason string
	switch {
	case b.maxBytes > 0 && open.bytes+len(e.Line) > b.maxBytes:
		reason = FlushSize
	case b.maxEntries > 0 && len(open.Entries) >= b.maxEntries:
		reason = FlushEntries
	default:
		open.add(e)
		return nil, ""
	}

	next := newBatch(e.Labels, e.Tenant, now)
	next.add(e)
	b.streams[key] = next
	return open, reason
}

// expired removes and returns batches older than maxWait, oldest first
func (b *batcher) expired(now time.Time) []*Batch {
	var out []*Batch
	for key, batch := range b.streams {
		if batch.Age(now) >= b.maxWait {
			out = append(out, batch)
			delete(b.streams, key)
		}
	}
	sortByAge(out)
	return out
}

// drain removes and returns every open batch, oldest first
func (b *batcher) drain() []*Batch {
	out := make([]*Batch, 0, len(b.streams))
	for key, batch := range b.streams {
		out = append(out, batch)
		delete(b.streams, key)
	}
	sortByAge(out)
	return out
}

// streamCount returns the number of open batches
func (b *batcher) streamCount() int {
	return len(b.streams)
}

func sortByAge(batches []*Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].createdAt.Before(batches[j].createdAt)
	})
}
