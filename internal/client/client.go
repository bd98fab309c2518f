package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/buffer"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/dlq"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/reliability"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/wal"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// ErrClientStopped is returned by Handle once Stop has begun
var ErrClientStopped = errors.New("client is stopped")

// Drop reasons reported in logshipper_client_dropped_*_total
const (
	ReasonQueueFull   = "queue_full"
	ReasonMaxRetries  = "max_retries"
	ReasonRejected    = "rejected"
	ReasonTooLarge    = "too_large"
	ReasonCircuitOpen = "circuit_open"
)

// replaySource is the Source of entries rebuilt from the WAL
const replaySource = "wal"

// minTickInterval bounds how often batch ages are checked
const minTickInterval = 10 * time.Millisecond

// Options carries the shared dependencies of a client
type Options struct {
	Collector *metrics.Collector
	Logger    *logging.Logger
	Tracer    trace.Tracer
	// DLQ receives batches that could not be delivered; nil drops them
	DLQ *dlq.DeadLetterQueue
	// WALDir enables the write-ahead log; each client uses a subdirectory named after it
	WALDir         string
	WALSegmentSize int64
	// Sink replaces the sink built from the config
	Sink Sink
}

// Client batches entries per stream and delivers the batches to one destination.
// A single sender drains the queue, so batches leave in the order they were flushed.
type Client struct {
	name string
	cfg  config.ClientConfig
	sink Sink

	lock     chan struct{} // guards batcher and stopped, taken with acquire
	batcher  *batcher
	stopped  bool
	stopping atomic.Bool

	queue   *buffer.RingBuffer[*Batch]
	limiter *rate.Limiter
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryConfig
	wal     *wal.WAL
	dlq     *dlq.DeadLetterQueue

	collector *metrics.Collector
	logger    *logging.Logger
	tracer    trace.Tracer

	ctx       context.Context
	cancel    context.CancelFunc
	tickCtx   context.Context // ends when Stop begins
	stopTicks context.CancelFunc
	tickerWG  sync.WaitGroup
	senderWG  sync.WaitGroup
}

// NewSink builds the sink for a client config
func NewSink(cfg config.ClientConfig) (Sink, error) {
	switch cfg.Type {
	case "loki", "":
		return NewLokiSink(cfg)
	case "kafka":
		return NewKafkaSink(cfg)
	case "elasticsearch":
		return NewElasticsearchSink(cfg)
	case "s3":
		return NewS3Sink(cfg)
	default:
		return nil, fmt.Errorf("unknown client type %q", cfg.Type)
	}
}

// New creates a client and starts its sender. Batches left in the WAL by a
// previous run are sent before anything else.
func New(cfg config.ClientConfig, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Collector == nil {
		opts.Collector = metrics.NewCollector()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Tracer()
	}

	sink := opts.Sink
	if sink == nil {
		var err error
		sink, err = NewSink(cfg)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", cfg.Name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		name:      cfg.Name,
		cfg:       cfg,
		sink:      sink,
		batcher:   newBatcher(cfg.BatchSize, cfg.BatchEntries, cfg.BatchWait),
		dlq:       opts.DLQ,
		collector: opts.Collector,
		logger:    opts.Logger.WithComponent("client").WithField("client", cfg.Name),
		tracer:    opts.Tracer,
		ctx:       ctx,
		cancel:    cancel,
		lock:      make(chan struct{}, 1),
	}
	c.tickCtx, c.stopTicks = context.WithCancel(ctx)

	queue, err := buffer.NewRingBuffer(buffer.RingBufferConfig[*Batch]{
		Size:                 cfg.Queue.Size,
		BackpressureStrategy: buffer.BackpressureStrategy(cfg.Queue.BackpressureStrategy),
		SampleRate:           cfg.Queue.SampleRate,
		BlockTimeout:         cfg.Queue.BlockTimeout,
		OnDrop: func(b *Batch) {
			c.drop(b, ReasonQueueFull)
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("client %s: %w", cfg.Name, err)
	}
	c.queue = queue

	if rl := cfg.RateLimit; rl.BytesPerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = max(int(rl.BytesPerSecond), cfg.BatchSize)
		}
		c.limiter = rate.NewLimiter(rate.Limit(rl.BytesPerSecond), burst)
	}

	if cb := cfg.CircuitBreaker; cb != nil {
		c.breaker = reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			Name:        cfg.Name,
			MaxRequests: cb.MaxRequests,
			Interval:    cb.Interval,
			Timeout:     cb.Timeout,
			ReadyToTrip: reliability.ConsecutiveFailures(cb.FailureThreshold),
			OnStateChange: func(name string, from, to reliability.State) {
				c.collector.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			},
		})
		c.collector.CircuitBreakerState.WithLabelValues(cfg.Name).Set(float64(reliability.StateClosed))
	}

	c.retry = reliability.RetryConfig{
		MaxRetries:     cfg.BackoffConfig.MaxRetries,
		InitialBackoff: cfg.BackoffConfig.MinPeriod,
		MaxBackoff:     cfg.BackoffConfig.MaxPeriod,
		Multiplier:     2,
		Jitter:         true,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			c.collector.RetriesTotal.WithLabelValues(c.name).Inc()
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("Push failed, retrying")
		},
	}

	if opts.WALDir != "" {
		w, err := wal.NewWAL(wal.WALConfig{
			Dir:         filepath.Join(opts.WALDir, cfg.Name),
			SegmentSize: opts.WALSegmentSize,
		}, opts.Logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("client %s: %w", cfg.Name, err)
		}
		c.wal = w
	}

	c.tickerWG.Add(1)
	go c.tickLoop()

	c.senderWG.Add(1)
	go c.sendLoop()

	c.logger.Info().Str("type", sink.Type()).Str("url", cfg.URL).Msg("Client started")

	return c, nil
}

// Name returns the configured client name
func (c *Client) Name() string {
	return c.name
}

// Type returns the destination type
func (c *Client) Type() string {
	return c.sink.Type()
}

// CircuitState returns the breaker state; closed when no breaker is configured
func (c *Client) CircuitState() reliability.State {
	if c.breaker == nil {
		return reliability.StateClosed
	}
	return c.breaker.State()
}

// QueueLength returns the number of batches waiting to be sent
func (c *Client) QueueLength() int {
	return c.queue.Size()
}

// Handle adds an entry to its stream's batch, flushing the batch first if
// the entry does not fit. With the block strategy this waits for queue space.
func (c *Client) Handle(ctx context.Context, e *types.Entry) error {
	if c.stopping.Load() {
		return ErrClientStopped
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if c.stopped {
		return ErrClientStopped
	}

	full, reason := c.batcher.add(e, time.Now())
	if full == nil {
		return nil
	}
	return c.enqueue(ctx, full, reason)
}

// acquire takes the batch lock unless ctx ends first. A caller stuck behind
// a full queue must still give up when it is told to.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.lock
}

// enqueue persists a flushed batch and hands it to the sender. Callers hold
// the batch lock so batches of a stream are queued in the order they were flushed.
func (c *Client) enqueue(ctx context.Context, b *Batch, reason string) error {
	c.collector.BatchesFlushed.WithLabelValues(c.name, reason).Inc()
	c.collector.BatchEntries.WithLabelValues(c.name).Observe(float64(b.Len()))

	if c.wal != nil && b.walID == 0 {
		id, err := c.wal.Append(wal.NewRecord(b.Tenant, b.Labels, b.Entries))
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to write batch to WAL")
		} else {
			b.walID = id
			c.collector.WALRecordsTotal.WithLabelValues(c.name).Inc()
		}
	}

	if err := c.queue.Enqueue(ctx, b); err != nil {
		if errors.Is(err, buffer.ErrBufferFull) {
			c.drop(b, ReasonQueueFull)
			return nil
		}
		// Not acknowledged: the entries are read again after a restart
		return fmt.Errorf("failed to queue batch: %w", err)
	}

	c.collector.QueueLength.WithLabelValues(c.name).Set(float64(c.queue.Size()))
	return nil
}

// tickLoop flushes batches that reached batch_wait
func (c *Client) tickLoop() {
	defer c.tickerWG.Done()

	interval := c.cfg.BatchWait / 10
	if interval < minTickInterval {
		interval = minTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flushExpired(time.Now())
		case <-c.tickCtx.Done():
			return
		}
	}
}

func (c *Client) flushExpired(now time.Time) {
	if err := c.acquire(c.tickCtx); err != nil {
		return
	}
	defer c.release()

	for _, b := range c.batcher.expired(now) {
		// Gives up once Stop begins
		if err := c.enqueue(c.tickCtx, b, FlushAge); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to queue aged batch")
		}
	}
}

// sendLoop replays the WAL, then sends queued batches until the queue is
// closed and drained or the client is aborted.
func (c *Client) sendLoop() {
	defer c.senderWG.Done()

	c.replay()

	for {
		b, err := c.queue.Dequeue(c.ctx)
		if err != nil {
			return
		}
		c.collector.QueueLength.WithLabelValues(c.name).Set(float64(c.queue.Size()))
		c.send(c.ctx, b)
	}
}

// replay sends batches a previous run wrote to the WAL but never finished
func (c *Client) replay() {
	if c.wal == nil {
		return
	}

	pending := c.wal.Pending()
	if len(pending) == 0 {
		return
	}
	c.logger.Info().Int("batches", len(pending)).Msg("Replaying batches from WAL")

	for _, rec := range pending {
		if c.ctx.Err() != nil {
			return
		}
		b := newBatch(rec.Labels, rec.Tenant, time.Now())
		for _, e := range rec.ToEntries(replaySource) {
			b.add(e)
		}
		b.walID = rec.ID
		c.collector.WALReplayedTotal.WithLabelValues(c.name).Inc()
		c.collector.BatchesFlushed.WithLabelValues(c.name, FlushReplay).Inc()
		c.send(c.ctx, b)
	}
}

// send delivers one batch with retries. A batch that cannot be delivered is
// dead-lettered and acknowledged; a batch interrupted by shutdown is not.
func (c *Client) send(ctx context.Context, b *Batch) {
	ctx, span := tracing.TracePush(ctx, c.tracer, c.name, c.sink.Type(), b.Len(), b.Bytes())
	defer span.End()

	attempts := 0
	err := reliability.Retry(ctx, c.retry, func(ctx context.Context) error {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.WaitN(ctx, min(max(b.Bytes(), 1), c.limiter.Burst())); err != nil {
				return err
			}
		}

		start := time.Now()
		err := c.execute(ctx, b)
		c.collector.RequestDuration.WithLabelValues(c.name, statusLabel(err)).Observe(time.Since(start).Seconds())
		return err
	})
	span.SetAttributes(attribute.Int("push.attempts", attempts))

	if err == nil {
		c.collector.SentEntriesTotal.WithLabelValues(c.name).Add(float64(b.Len()))
		c.collector.SentBytesTotal.WithLabelValues(c.name).Add(float64(b.Bytes()))
		c.finish(b)
		return
	}

	tracing.RecordError(ctx, err)
	span.SetStatus(codes.Error, err.Error())

	if c.ctx.Err() != nil {
		c.logger.Warn().Err(err).Str("labels", b.Labels.String()).Int("entries", b.Len()).
			Msg("Push interrupted by shutdown, batch left unacknowledged")
		return
	}

	reason := dropReason(err)
	c.logger.Error().Err(err).Str("labels", b.Labels.String()).Int("entries", b.Len()).
		Str("reason", reason).Msg("Failed to push batch")

	if c.dlq != nil {
		meta := map[string]string{dlq.MetaClient: c.name, dlq.MetaReason: reason}
		if dlqErr := c.dlq.Enqueue(dlq.NewStream(b.Tenant, b.Labels, b.Entries), err, meta); dlqErr != nil {
			c.logger.Error().Err(dlqErr).Msg("Failed to dead-letter batch")
			c.drop(b, reason)
			return
		}
		c.finish(b)
		return
	}

	c.drop(b, reason)
}

func (c *Client) execute(ctx context.Context, b *Batch) error {
	if c.breaker == nil {
		return c.sink.Send(ctx, b)
	}
	return c.breaker.Execute(ctx, func() error {
		return c.sink.Send(ctx, b)
	})
}

// drop counts a discarded batch and releases it
func (c *Client) drop(b *Batch, reason string) {
	c.collector.DroppedEntriesTotal.WithLabelValues(c.name, reason).Add(float64(b.Len()))
	c.collector.DroppedBytesTotal.WithLabelValues(c.name, reason).Add(float64(b.Bytes()))
	c.finish(b)
}

// finish marks the batch done in the WAL and acknowledges its entries
func (c *Client) finish(b *Batch) {
	if c.wal != nil && b.walID != 0 {
		if err := c.wal.MarkDone(b.walID); err != nil {
			c.logger.Debug().Err(err).Uint64("id", b.walID).Msg("Failed to mark WAL record done")
		}
	}
	b.Ack()
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrBatchTooLarge):
		return ReasonTooLarge
	case reliability.IsPermanent(err):
		return ReasonRejected
	case errors.Is(err, reliability.ErrCircuitOpen):
		return ReasonCircuitOpen
	default:
		return ReasonMaxRetries
	}
}

// Stop flushes open batches and waits for the queue to drain. If ctx ends
// first, in-flight pushes are aborted and undelivered batches stay
// unacknowledged, so they are read again (or replayed from the WAL) on restart.
func (c *Client) Stop(ctx context.Context) error {
	if !c.stopping.CompareAndSwap(false, true) {
		return nil
	}

	c.stopTicks()
	c.tickerWG.Wait()

	var flushErr error
	if err := c.acquire(ctx); err != nil {
		// Open batches stay unacknowledged
		flushErr = fmt.Errorf("failed to flush open batches: %w", err)
	} else {
		c.stopped = true
		for _, b := range c.batcher.drain() {
			if err := c.enqueue(ctx, b, FlushStop); err != nil && flushErr == nil {
				flushErr = err
			}
		}
		c.release()
	}

	_ = c.queue.Close()

	done := make(chan struct{})
	go func() {
		c.senderWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn().Int("queued", c.queue.Size()).Msg("Shutdown deadline reached, aborting pushes")
		c.cancel()
		<-done
	}
	c.cancel()

	var errs []error
	if flushErr != nil {
		errs = append(errs, flushErr)
	}
	if err := c.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sink: %w", err))
	}
	if c.wal != nil {
		if err := c.wal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close WAL: %w", err))
		}
	}

	c.logger.Info().Msg("Client stopped")
	return errors.Join(errs...)
}
