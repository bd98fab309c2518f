package buffer

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrBufferFull   = errors.New("buffer is full")
	ErrBufferClosed = errors.New("buffer is closed")
)

// BackpressureStrategy defines how to handle backpressure
type BackpressureStrategy string

const (
	// Block blocks the producer when buffer is full
	BackpressureBlock BackpressureStrategy = "block"
	// Drop drops the oldest item when buffer is full
	BackpressureDrop BackpressureStrategy = "drop"
	// Sample samples items when buffer is full (keep every Nth item)
	BackpressureSample BackpressureStrategy = "sample"
)

// RingBufferConfig holds configuration for the ring buffer
type RingBufferConfig[T any] struct {
	Size                 int
	BackpressureStrategy BackpressureStrategy
	SampleRate           int           // For sample strategy: keep 1 out of N items
	BlockTimeout         time.Duration // Zero blocks until the context is done

	// OnDrop receives every item the buffer discards
	OnDrop func(T)
}

// RingBuffer is a bounded circular FIFO
type RingBuffer[T any] struct {
	buffer []T
	size   uint64
	mask   uint64
	head   uint64 // next read
	tail   uint64 // next write

	config RingBufferConfig[T]

	// Metrics
	enqueued uint64
	dequeued uint64
	dropped  uint64
	sampled  uint64

	mu       sync.Mutex
	closed   bool
	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// NewRingBuffer creates a new ring buffer with the given configuration
func NewRingBuffer[T any](config RingBufferConfig[T]) (*RingBuffer[T], error) {
	if config.Size <= 0 {
		config.Size = 1024 // Default size
	}

	// Ensure size is power of 2 for efficient masking
	size := nextPowerOfTwo(uint64(config.Size))

	switch config.BackpressureStrategy {
	case "":
		config.BackpressureStrategy = BackpressureBlock
	case BackpressureBlock, BackpressureDrop, BackpressureSample:
	default:
		return nil, errors.New("unknown backpressure strategy: " + string(config.BackpressureStrategy))
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 10
	}

	return &RingBuffer[T]{
		buffer:   make([]T, size),
		size:     size,
		mask:     size - 1,
		config:   config,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Enqueue adds an item to the buffer
func (rb *RingBuffer[T]) Enqueue(ctx context.Context, item T) error {
	switch rb.config.BackpressureStrategy {
	case BackpressureDrop:
		return rb.enqueueDrop(item)
	case BackpressureSample:
		return rb.enqueueSample(item)
	default:
		return rb.enqueueBlocking(ctx, item)
	}
}

// enqueueBlocking blocks when buffer is full
func (rb *RingBuffer[T]) enqueueBlocking(ctx context.Context, item T) error {
	var timeout <-chan time.Time
	if rb.config.BlockTimeout > 0 {
		timer := time.NewTimer(rb.config.BlockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		rb.mu.Lock()
		if rb.closed {
			rb.mu.Unlock()
			return ErrBufferClosed
		}
		if rb.tail-rb.head < rb.size {
			rb.push(item)
			if rb.tail-rb.head < rb.size {
				signal(rb.notFull)
			}
			rb.mu.Unlock()
			return nil
		}
		rb.mu.Unlock()

		select {
		case <-rb.notFull:
		case <-rb.done:
			return ErrBufferClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return ErrBufferFull
		}
	}
}

// enqueueDrop drops the oldest item when buffer is full
func (rb *RingBuffer[T]) enqueueDrop(item T) error {
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return ErrBufferClosed
	}

	var (
		evicted T
		dropped bool
	)
	if rb.tail-rb.head >= rb.size {
		evicted, dropped = rb.pop(), true
		rb.dropped++
	}
	rb.push(item)
	rb.mu.Unlock()

	if dropped && rb.config.OnDrop != nil {
		rb.config.OnDrop(evicted)
	}
	return nil
}

// enqueueSample keeps one of every SampleRate items while the buffer is full
func (rb *RingBuffer[T]) enqueueSample(item T) error {
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return ErrBufferClosed
	}

	if rb.tail-rb.head >= rb.size {
		rb.sampled++
		if rb.sampled%uint64(rb.config.SampleRate) != 0 {
			rb.dropped++
			rb.mu.Unlock()
			if rb.config.OnDrop != nil {
				rb.config.OnDrop(item)
			}
			return nil
		}

		// the sampled item replaces the oldest one
		evicted := rb.pop()
		rb.dropped++
		rb.push(item)
		rb.mu.Unlock()
		if rb.config.OnDrop != nil {
			rb.config.OnDrop(evicted)
		}
		return nil
	}

	rb.push(item)
	rb.mu.Unlock()
	return nil
}

// push and pop are called with mu held
func (rb *RingBuffer[T]) push(item T) {
	rb.buffer[rb.tail&rb.mask] = item
	rb.tail++
	rb.enqueued++
	signal(rb.notEmpty)
}

func (rb *RingBuffer[T]) pop() T {
	var zero T
	item := rb.buffer[rb.head&rb.mask]
	rb.buffer[rb.head&rb.mask] = zero // Clear reference for GC
	rb.head++
	return item
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the oldest item, waiting while the buffer is
// empty. After Close it drains the remaining items, then returns ErrBufferClosed.
func (rb *RingBuffer[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		item, ok, closed := rb.tryDequeue()
		if ok {
			return item, nil
		}
		if closed {
			var zero T
			return zero, ErrBufferClosed
		}

		select {
		case <-rb.notEmpty:
		case <-rb.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryDequeue attempts to dequeue without blocking
func (rb *RingBuffer[T]) TryDequeue() (T, bool) {
	item, ok, _ := rb.tryDequeue()
	return item, ok
}

func (rb *RingBuffer[T]) tryDequeue() (item T, ok bool, closed bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.head == rb.tail {
		return item, false, rb.closed
	}
	item = rb.pop()
	rb.dequeued++
	signal(rb.notFull)
	if rb.head != rb.tail {
		signal(rb.notEmpty)
	}
	return item, true, rb.closed
}

// Empty checks if buffer is empty
func (rb *RingBuffer[T]) Empty() bool {
	return rb.Size() == 0
}

// Full checks if buffer is full
func (rb *RingBuffer[T]) Full() bool {
	return uint64(rb.Size()) >= rb.size
}

// Size returns the current number of items in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.tail - rb.head)
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return int(rb.size)
}

// Utilization returns the buffer utilization percentage (0-100)
func (rb *RingBuffer[T]) Utilization() float64 {
	size := float64(rb.Size())
	capacity := float64(rb.Capacity())
	if capacity == 0 {
		return 0
	}
	return (size / capacity) * 100.0
}

// Metrics returns buffer metrics
func (rb *RingBuffer[T]) Metrics() BufferMetrics {
	rb.mu.Lock()
	m := BufferMetrics{
		Enqueued:    rb.enqueued,
		Dequeued:    rb.dequeued,
		Dropped:     rb.dropped,
		CurrentSize: int(rb.tail - rb.head),
		Capacity:    int(rb.size),
	}
	rb.mu.Unlock()
	m.Utilization = float64(m.CurrentSize) / float64(m.Capacity) * 100.0
	return m
}

// Close stops accepting items. Items already buffered can still be dequeued.
func (rb *RingBuffer[T]) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrBufferClosed
	}
	rb.closed = true
	close(rb.done)
	return nil
}

// BufferMetrics holds buffer statistics
type BufferMetrics struct {
	Enqueued    uint64
	Dequeued    uint64
	Dropped     uint64
	CurrentSize int
	Capacity    int
	Utilization float64
}

// nextPowerOfTwo returns the next power of 2 greater than or equal to n
func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
