package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Handler receives processed entries
type Handler interface {
	Handle(ctx context.Context, e *types.Entry) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, e *types.Entry) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, e *types.Entry) error {
	return f(ctx, e)
}

// Processor is the pipeline an entry runs through before it is handed on
type Processor interface {
	Process(e *types.Entry) []*types.Entry
	FlushSource(source string, now time.Time, force bool) []*types.Entry
}

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	Name          string
	NumWorkers    int
	QueueSize     int           // per worker
	FlushInterval time.Duration // how often held multiline blocks are checked
}

// Pool runs entries through a pipeline on N workers. All entries of one
// source land on the same worker, so their order is kept.
type Pool struct {
	config    PoolConfig
	pipeline  Processor
	next      Handler
	workers   []*worker
	collector *metrics.Collector
	logger    *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	handoff context.Context // passed to next; canceled when Shutdown gives up
	abort   context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started bool

	// Metrics
	jobsProcessed atomic.Uint64
	jobsFailed    atomic.Uint64
	entriesOut    atomic.Uint64
}

// worker owns one queue and the sources hashed to it
type worker struct {
	id      int
	label   string
	pool    *Pool
	queue   chan *types.Entry
	sources map[string]struct{}

	jobsProcessed atomic.Uint64
	lastActive    atomic.Int64
}

// NewPool creates a pool that feeds pipeline output to next. collector and
// logger may be nil.
func NewPool(config PoolConfig, pipeline Processor, next Handler, collector *metrics.Collector, logger *logging.Logger) (*Pool, error) {
	if pipeline == nil || next == nil {
		return nil, fmt.Errorf("worker pool requires a pipeline and a handler")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4 // Default
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000 // Default
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	handoff, abort := context.WithCancel(context.Background())

	p := &Pool{
		config:    config,
		pipeline:  pipeline,
		next:      next,
		workers:   make([]*worker, config.NumWorkers),
		collector: collector,
		logger:    logger.WithComponent("worker").WithField("pool", config.Name),
		ctx:       ctx,
		cancel:    cancel,
		handoff:   handoff,
		abort:     abort,
	}

	for i := range p.workers {
		p.workers[i] = &worker{
			id:      i,
			label:   fmt.Sprintf("%s-%d", config.Name, i),
			pool:    p,
			queue:   make(chan *types.Entry, config.QueueSize),
			sources: make(map[string]struct{}),
		}
	}

	return p, nil
}

// Start starts all workers in the pool
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

// Handle queues e on the worker owning its source. It blocks while that
// worker's queue is full.
func (p *Pool) Handle(ctx context.Context, e *types.Entry) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	w := p.workers[p.shard(e.Source)]
	select {
	case w.queue <- e:
		if p.collector != nil {
			p.collector.WorkerQueueDepth.WithLabelValues(w.label).Set(float64(len(w.queue)))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

func (p *Pool) shard(source string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	return int(h.Sum32() % uint32(len(p.workers)))
}

// Stop drains the pool with no deadline
func (p *Pool) Stop() error {
	return p.Shutdown(context.Background())
}

// Shutdown closes the queues, lets the workers drain them and releases every
// held multiline block. The handler is not stopped. When ctx ends first, the
// handoffs still running are canceled and the rest of the queued entries are
// dropped unacknowledged; Shutdown then returns ctx's error once the workers
// have exited.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.queue)
	}
	started := p.started
	p.mu.Unlock()

	defer p.abort()
	defer p.cancel()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn().Int("queued", p.Metrics().QueueSize).Msg("Shutdown deadline reached, abandoning queued entries")
		p.abort()
		<-done
		return ctx.Err()
	}
}

// Metrics returns worker pool statistics
func (p *Pool) Metrics() PoolMetrics {
	workerMetrics := make([]WorkerMetrics, len(p.workers))
	queued := 0
	for i, w := range p.workers {
		workerMetrics[i] = w.metrics()
		queued += len(w.queue)
	}

	return PoolMetrics{
		NumWorkers:    len(p.workers),
		JobsProcessed: p.jobsProcessed.Load(),
		JobsFailed:    p.jobsFailed.Load(),
		EntriesOut:    p.entriesOut.Load(),
		QueueSize:     queued,
		QueueCapacity: len(p.workers) * p.config.QueueSize,
		WorkerMetrics: workerMetrics,
	}
}

// run is the main worker loop
func (w *worker) run() {
	defer w.pool.wg.Done()

	ticker := time.NewTicker(w.pool.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-w.queue:
			if !ok {
				w.flush(time.Now(), true)
				return
			}
			w.process(e)
		case now := <-ticker.C:
			w.flush(now, false)
		}
	}
}

// process runs one entry through the pipeline
func (w *worker) process(e *types.Entry) {
	w.lastActive.Store(time.Now().UnixNano())
	w.sources[e.Source] = struct{}{}

	out := w.pool.pipeline.Process(e)

	w.jobsProcessed.Add(1)
	w.pool.jobsProcessed.Add(1)
	if c := w.pool.collector; c != nil {
		c.WorkerJobsTotal.WithLabelValues(w.label).Inc()
		c.WorkerQueueDepth.WithLabelValues(w.label).Set(float64(len(w.queue)))
	}

	w.forward(out)
}

// flush releases multiline blocks held for this worker's sources
func (w *worker) flush(now time.Time, force bool) {
	for source := range w.sources {
		w.forward(w.pool.pipeline.FlushSource(source, now, force))
	}
}

func (w *worker) forward(entries []*types.Entry) {
	for _, e := range entries {
		// Entries queued before Stop are still delivered unless Shutdown times out
		if err := w.pool.next.Handle(w.pool.handoff, e); err != nil {
			w.pool.jobsFailed.Add(1)
			if w.pool.handoff.Err() == nil {
				w.pool.logger.Warn().Err(err).Str("source", e.Source).Msg("Failed to hand off entry")
			}
			continue
		}
		w.pool.entriesOut.Add(1)
	}
}

// metrics returns worker metrics
func (w *worker) metrics() WorkerMetrics {
	var last time.Time
	if ns := w.lastActive.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return WorkerMetrics{
		ID:            w.id,
		JobsProcessed: w.jobsProcessed.Load(),
		QueueSize:     len(w.queue),
		LastActive:    last,
	}
}

// PoolMetrics holds worker pool statistics
type PoolMetrics struct {
	NumWorkers    int
	JobsProcessed uint64
	JobsFailed    uint64
	EntriesOut    uint64
	QueueSize     int
	QueueCapacity int
	WorkerMetrics []WorkerMetrics
}

// WorkerMetrics holds individual worker statistics
type WorkerMetrics struct {
	ID            int
	JobsProcessed uint64
	QueueSize     int
	LastActive    time.Time
}

// Utilization returns the queue utilization percentage (0-100)
func (m PoolMetrics) Utilization() float64 {
	if m.QueueCapacity == 0 {
		return 0
	}
	return (float64(m.QueueSize) / float64(m.QueueCapacity)) * 100.0
}

// SuccessRate returns the handoff success rate percentage (0-100)
func (m PoolMetrics) SuccessRate() float64 {
	total := m.EntriesOut + m.JobsFailed
	if total == 0 {
		return 100.0
	}
	return (float64(m.EntriesOut) / float64(total)) * 100.0
}
