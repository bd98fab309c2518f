package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

func newEntry(line string) *types.Entry {
	return types.NewEntry("test", line, time.Now(), types.LabelSet{"job": "test"})
}

func TestNewRingBuffer(t *testing.T) {
	tests := []struct {
		name     string
		config   RingBufferConfig[*types.Entry]
		wantSize uint64
	}{
		{
			name:     "default size",
			config:   RingBufferConfig[*types.Entry]{},
			wantSize: 1024,
		},
		{
			name:     "custom size rounded up to power of 2",
			config:   RingBufferConfig[*types.Entry]{Size: 1000},
			wantSize: 1024,
		},
		{
			name:     "power of 2 size",
			config:   RingBufferConfig[*types.Entry]{Size: 2048},
			wantSize: 2048,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb, err := NewRingBuffer(tt.config)
			if err != nil {
				t.Fatalf("NewRingBuffer() error = %v", err)
			}
			if rb.size != tt.wantSize {
				t.Errorf("size = %d, want %d", rb.size, tt.wantSize)
			}
		})
	}
}

func TestNewRingBuffer_UnknownStrategy(t *testing.T) {
	_, err := NewRingBuffer(RingBufferConfig[int]{BackpressureStrategy: "spill"})
	if err == nil {
		t.Fatal("Expected error for unknown strategy")
	}
}

func TestRingBuffer_EnqueueDequeue(t *testing.T) {
	rb, err := NewRingBuffer(RingBufferConfig[*types.Entry]{Size: 10})
	if err != nil {
		t.Fatalf("NewRingBuffer() error = %v", err)
	}
	defer rb.Close()

	ctx := context.Background()

	entry := newEntry("test message")
	if err := rb.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	dequeued, err := rb.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}

	if dequeued.Line != entry.Line {
		t.Errorf("Dequeued line = %s, want %s", dequeued.Line, entry.Line)
	}

	if !rb.Empty() {
		t.Errorf("Buffer should be empty")
	}
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb, err := NewRingBuffer(RingBufferConfig[int]{Size: 8})
	if err != nil {
		t.Fatalf("NewRingBuffer() error = %v", err)
	}
	ctx := context.Background()

	// wrap around the backing slice several times
	next := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 6; i++ {
			if err := rb.Enqueue(ctx, round*6+i); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
		}
		for i := 0; i < 6; i++ {
			v, err := rb.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue() error = %v", err)
			}
			if v != next {
				t.Fatalf("Dequeued %d, want %d", v, next)
			}
			next++
		}
	}
}

func TestRingBuffer_BlockingBackpressure(t *testing.T) {
	rb, err := NewRingBuffer(RingBufferConfig[*types.Entry]{
		Size:                 4,
		BackpressureStrategy: BackpressureBlock,
		BlockTimeout:         100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRingBuffer() error = %v", err)
	}
	defer rb.Close()

	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := rb.Enqueue(ctx, newEntry("test")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if !rb.Full() {
		t.Errorf("Buffer should be full")
	}

	// Try to enqueue one more - should timeout
	err = rb.Enqueue(ctx, newEntry("test"))
	if err != ErrBufferFull {
		t.Errorf("Expected ErrBufferFull, got %v", err)
	}
}

func TestRingBuffer_BlockUnblocksOnDequeue(t *testing.T) {
	rb, err := NewRingBuffer(RingBufferConfig[int]{Size: 1})
	if err != nil {
		t.Fatalf("NewRingBuffer() error = %v", err)
	}
	ctx := context.Background()

	if err := rb.Enqueue(ctx, 1); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- rb.Enqueue(ctx, 2)
	}()

	select {
	case err := <-done:
		t.Fatalf("Enqueue should block on a full buffer, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if v, _ := rb.Dequeue(ctx); v != 1 {
		t.Fatalf("Dequeued %d, want 1", v)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Blocked producer was not released")
	}
}

func TestRingBuffer_BlockHonoursContext(t *testing.T) {
	rb, err := NewRingBuffer(RingBufferConfig[int]{Size: 1})
	if err != nil {
		t.Fatalf("NewRingBuffer() error = %v", err)
	}
	_ = rb.Enqueue(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rb.Enqueue(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestRingBuffer_DropBackpressure(t *testing.T) {
	var dropped []string
	rb, err := NewRingBuffer(RingBufferConfig[*types.Entry]{
		Size:                 4,
		BackpressureStrategy: BackpressureDrop,
		OnDrop:               func(e *types.Entry) { dropped = append(dropped, e.Line) },
	})
	if err != nil {
		t.Fatalf("NewRingBuffer() error = %v", err)
	}
	defer rb.Close()

	ctx := context.Background()

	for _, l := range []string{"a", "b", "c", "d"} {
		if err := rb.Enqueue(ctx, newEntry(l)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	// Enqueue a new entry - should drop oldest
	if err := rb.Enqueue(ctx, newEntry("new")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if m := rb.Metrics(); m.Dropped != 1 {
		t.Errorf("Expected 1 dropped entry, got %d", m.Dropped)
	}
	if len(dropped) != 1 || dropped[0] != "a" {
		t.Errorf("Expected the oldest entry to be handed to OnDrop, got %v", dropped)
	}

	first, _ := rb.TryDequeue()
	if first.Line != "b" {
		t.Errorf("Expected b at the head, got %s", first.Line)
	}
}

func TestRingBuffer_SampleBackpressure(t *testing.T) {
	drops := 0
	rb, err := NewRingBuffer(RingBufferConfig[*types.Entry]{
		Size:                 4,
		BackpressureStrategy: BackpressureSample,
		SampleRate:           2,
		OnDrop:               func(*types.Entry) { drops++ },
	})
	if err != nil {
		t.Fatalf("NewRingBuffer() error = %v", err)
	}
	defer rb.Close()

	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := rb.Enqueue(ctx, newEntry("test")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	// Try to enqueue more - should sample
	for i := 0; i < 10; i++ {
		if err := rb.Enqueue(ctx, newEntry("sampled")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	m := rb.Metrics()
	if m.Dropped != 10 {
		t.Errorf("Expected 10 dropped entries, got %d", m.Dropped)
	}
	if drops != 10 {
		t.Errorf("Expected OnDrop to see 10 entries, got %d", drops)
	}
	if m.CurrentSize != 4 {
		t.Errorf("Expected buffer to stay full, got %d", m.CurrentSize)
	}
}

func TestRingBuffer_ConcurrentAccess(t *testing.T) {
	rb, err := NewRingBuffer(RingBufferConfig[*types.Entry]{Size: 64})
	if err != nil {
		t.Fatalf("NewRingBuffer() error = %v", err)
	}

	ctx := context.Background()
	numProducers := 10
	numConsumers := 10
	entriesPerProducer := 100

	var producers sync.WaitGroup
	for i := 0; i < numProducers; i++ {
		producers.Add(1)
		go func(id int) {
			defer producers.Done()
			for j := 0; j < entriesPerProducer; j++ {
				if err := rb.Enqueue(ctx, newEntry("test")); err != nil {
					t.Errorf("Producer %d: Enqueue() error = %v", id, err)
					return
				}
			}
		}(i)
	}

	var consumers sync.WaitGroup
	consumed := make(chan int, numConsumers)
	for i := 0; i < numConsumers; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			count := 0
			for {
				if _, err := rb.Dequeue(ctx); err != nil {
					break
				}
				count++
			}
			consumed <- count
		}()
	}

	producers.Wait()
	rb.Close()
	consumers.Wait()
	close(consumed)

	total := 0
	for count := range consumed {
		total += count
	}

	if want := numProducers * entriesPerProducer; total != want {
		t.Errorf("Consumed %d entries, expected %d", total, want)
	}
}

func TestRingBuffer_Metrics(t *testing.T) {
	rb, err := NewRingBuffer(RingBufferConfig[*types.Entry]{Size: 10})
	if err != nil {
		t.Fatalf("NewRingBuffer() error = %v", err)
	}
	defer rb.Close()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := rb.Enqueue(ctx, newEntry("test")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	metrics := rb.Metrics()

	if metrics.Enqueued != 5 {
		t.Errorf("Enqueued = %d, want 5", metrics.Enqueued)
	}

	if metrics.CurrentSize != 5 {
		t.Errorf("CurrentSize = %d, want 5", metrics.CurrentSize)
	}

	if metrics.Utilization != 31.25 { // 5/16 * 100 (size is rounded to 16)
		t.Errorf("Utilization = %f, want 31.25", metrics.Utilization)
	}

	for i := 0; i < 2; i++ {
		if _, err := rb.Dequeue(ctx); err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
	}

	metrics = rb.Metrics()

	if metrics.Dequeued != 2 {
		t.Errorf("Dequeued = %d, want 2", metrics.Dequeued)
	}

	if metrics.CurrentSize != 3 {
		t.Errorf("CurrentSize = %d, want 3", metrics.CurrentSize)
	}
}

func TestRingBuffer_Close(t *testing.T) {
	rb, err := NewRingBuffer(RingBufferConfig[*types.Entry]{Size: 10})
	if err != nil {
		t.Fatalf("NewRingBuffer() error = %v", err)
	}

	ctx := context.Background()
	if err := rb.Enqueue(ctx, newEntry("pending")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := rb.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err = rb.Enqueue(ctx, newEntry("test"))
	if err != ErrBufferClosed {
		t.Errorf("Expected ErrBufferClosed, got %v", err)
	}

	// buffered entries drain after close
	e, err := rb.Dequeue(ctx)
	if err != nil || e.Line != "pending" {
		t.Fatalf("Expected pending entry after close, got %v, %v", e, err)
	}
	if _, err := rb.Dequeue(ctx); err != ErrBufferClosed {
		t.Errorf("Expected ErrBufferClosed once drained, got %v", err)
	}

	err = rb.Close()
	if err != ErrBufferClosed {
		t.Errorf("Expected ErrBufferClosed on second close, got %v", err)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		input uint64
		want  uint64
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{4, 4},
		{5, 8},
		{1000, 1024},
		{1024, 1024},
		{1025, 2048},
	}

	for _, tt := range tests {
		got := nextPowerOfTwo(tt.input)
		if got != tt.want {
			t.Errorf("nextPowerOfTwo(%d) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func BenchmarkRingBuffer_Enqueue(b *testing.B) {
	rb, _ := NewRingBuffer(RingBufferConfig[*types.Entry]{Size: 10000, BackpressureStrategy: BackpressureDrop})
	defer rb.Close()

	ctx := context.Background()
	entry := newEntry("test")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = rb.Enqueue(ctx, entry)
	}
}

func BenchmarkRingBuffer_Dequeue(b *testing.B) {
	rb, _ := NewRingBuffer(RingBufferConfig[*types.Entry]{Size: b.N + 1})
	defer rb.Close()

	ctx := context.Background()

	for i := 0; i < b.N; i++ {
		_ = rb.Enqueue(ctx, newEntry("test"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = rb.Dequeue(ctx)
	}
}
