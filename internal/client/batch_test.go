package client

import (
	"strings"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

func testEntry(line string, ls types.LabelSet) *types.Entry {
	return types.NewEntry("test", line, time.Unix(0, 0), ls)
}

func TestBatcher_SeparatesStreams(t *testing.T) {
	b := newBatcher(1024, 0, time.Second)
	now := time.Now()

	info := types.LabelSet{"level": "INFO"}
	errs := types.LabelSet{"level": "ERROR"}

	b.add(testEntry("a", info), now)
	b.add(testEntry("b", errs), now)
	b.add(testEntry("c", info), now)

	if got := b.streamCount(); got != 2 {
		t.Fatalf("expected 2 open streams, got %d", got)
	}

	for _, batch := range b.drain() {
		for _, e := range batch.Entries {
			if !e.Labels.Equal(batch.Labels) {
				t.Errorf("entry %q with labels %s in batch %s", e.Line, e.Labels, batch.Labels)
			}
		}
	}
}

func TestBatcher_TenantsAreSeparateStreams(t *testing.T) {
	b := newBatcher(1024, 0, time.Second)
	now := time.Now()

	ls := types.LabelSet{"job": "app"}
	e1 := testEntry("a", ls)
	e1.Tenant = "team-a"
	e2 := testEntry("b", ls)
	e2.Tenant = "team-b"

	b.add(e1, now)
	b.add(e2, now)

	if got := b.streamCount(); got != 2 {
		t.Errorf("expected 2 open streams, got %d", got)
	}
}

func TestBatcher_FlushOnSize(t *testing.T) {
	b := newBatcher(10, 0, time.Minute)
	now := time.Now()
	ls := types.LabelSet{"job": "app"}

	if full, _ := b.add(testEntry("12345", ls), now); full != nil {
		t.Fatal("unexpected flush on first entry")
	}
	if full, _ := b.add(testEntry("12345", ls), now); full != nil {
		t.Fatal("unexpected flush at exactly max bytes")
	}

	full, reason := b.add(testEntry("x", ls), now)
	if full == nil {
		t.Fatal("expected flush when batch would exceed max bytes")
	}
	if reason != FlushSize {
		t.Errorf("expected reason %q, got %q", FlushSize, reason)
	}
	if full.Len() != 2 || full.Bytes() != 10 {
		t.Errorf("expected 2 entries / 10 bytes, got %d / %d", full.Len(), full.Bytes())
	}

	rest := b.drain()
	if len(rest) != 1 || rest[0].Entries[0].Line != "x" {
		t.Errorf("expected the overflowing entry to start a new batch, got %+v", rest)
	}
}

func TestBatcher_FlushOnEntries(t *testing.T) {
	b := newBatcher(0, 2, time.Minute)
	now := time.Now()
	ls := types.LabelSet{"job": "app"}

	b.add(testEntry("1", ls), now)
	b.add(testEntry("2", ls), now)
	full, reason := b.add(testEntry("3", ls), now)
	if full == nil || reason != FlushEntries {
		t.Fatalf("expected entries flush, got %v %q", full, reason)
	}
}

func TestBatcher_OversizedEntryAlone(t *testing.T) {
	b := newBatcher(4, 0, time.Minute)
	now := time.Now()
	ls := types.LabelSet{"job": "app"}

	big := strings.Repeat("x", 100)
	if full, _ := b.add(testEntry(big, ls), now); full != nil {
		t.Fatal("oversized first entry must open a batch, not flush")
	}
	full, _ := b.add(testEntry("y", ls), now)
	if full == nil || full.Len() != 1 || full.Entries[0].Line != big {
		t.Fatalf("expected the oversized entry to be flushed alone, got %+v", full)
	}
}

func TestBatcher_Expired(t *testing.T) {
	b := newBatcher(1024, 0, time.Second)
	start := time.Now()

	b.add(testEntry("old", types.LabelSet{"s": "1"}), start)
	b.add(testEntry("new", types.LabelSet{"s": "2"}), start.Add(800*time.Millisecond))

	expired := b.expired(start.Add(time.Second))
	if len(expired) != 1 || expired[0].Entries[0].Line != "old" {
		t.Fatalf("expected only the old batch to expire, got %d", len(expired))
	}
	if b.streamCount() != 1 {
		t.Errorf("expected 1 open stream, got %d", b.streamCount())
	}
}

func TestBatcher_DrainOldestFirst(t *testing.T) {
	b := newBatcher(1024, 0, time.Second)
	start := time.Now()

	for i, name := range []string{"c", "a", "b"} {
		b.add(testEntry(name, types.LabelSet{"s": name}), start.Add(time.Duration(i)*time.Millisecond))
	}

	drained := b.drain()
	var order []string
	for _, batch := range drained {
		order = append(order, batch.Entries[0].Line)
	}
	if strings.Join(order, "") != "cab" {
		t.Errorf("expected creation order cab, got %v", order)
	}
	if b.streamCount() != 0 {
		t.Error("expected batcher to be empty after drain")
	}
}

func TestBatch_Ack(t *testing.T) {
	acked := 0
	batch := newBatch(types.LabelSet{"job": "app"}, "", time.Now())
	for i := 0; i < 3; i++ {
		e := testEntry("line", batch.Labels)
		e.Done = func() { acked++ }
		batch.add(e)
	}

	batch.Ack()
	batch.Ack()

	if acked != 3 {
		t.Errorf("expected 3 acks, got %d", acked)
	}
}
