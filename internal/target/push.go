package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/worker"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/push"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

const (
	defaultMaxBodySize = 10 * 1024 * 1024 // 10MB
	limiterIdleTTL     = 5 * time.Minute
	tenantHeader       = "X-Scope-OrgID"
)

// PushTarget accepts Loki push requests from other agents
type PushTarget struct {
	base
	cfg    config.PushTargetConfig
	server *http.Server
	ln     net.Listener

	limitersMu sync.Mutex
	limiters   map[string]*clientLimiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPushTarget creates a push API target
func NewPushTarget(job string, cfg config.PushTargetConfig, next worker.Handler, collector *metrics.Collector, logger *logging.Logger) (*PushTarget, error) {
	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("job %s: loki_push_api listen_address must be set", job)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RateLimit * 2)
		if cfg.RateBurst < 1 {
			cfg.RateBurst = 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PushTarget{
		base:     newBase(job, TypePush, cfg.Labels, next, collector, logger),
		cfg:      cfg,
		limiters: make(map[string]*clientLimiter),
		ctx:      ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(push.Path, p.handlePush)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	p.server = &http.Server{
		Handler:      p.rateLimitMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return p, nil
}

// Handler exposes the HTTP handler, mainly for tests
func (p *PushTarget) Handler() http.Handler {
	return p.server.Handler
}

// Start binds the listener and serves in the background
func (p *PushTarget) Start() error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.ListenAddress, err)
	}
	p.ln = ln

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Push API server error")
		}
	}()

	if p.cfg.RateLimit > 0 {
		p.wg.Add(1)
		go p.pruneLimiters()
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	p.active(1)

	p.logger.Info().Str("address", ln.Addr().String()).Msg("Push API receiver started")
	return nil
}

// Addr returns the bound address
func (p *PushTarget) Addr() string {
	if p.ln != nil {
		return p.ln.Addr().String()
	}
	return p.cfg.ListenAddress
}

// Stop shuts the server down, waiting for in-flight requests
func (p *PushTarget) Stop() error {
	p.logger.Info().Msg("Stopping push API receiver")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := p.server.Shutdown(ctx)
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	p.mu.Unlock()
	if wasRunning {
		p.active(-1)
	}

	if err != nil {
		return fmt.Errorf("failed to shut down push API server: %w", err)
	}
	return nil
}

// Ready reports whether the server is serving
func (p *PushTarget) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Status returns listener details
func (p *PushTarget) Status() Status {
	p.limitersMu.Lock()
	clients := len(p.limiters)
	p.limitersMu.Unlock()

	return Status{
		Job:    p.job,
		Type:   p.typ,
		Ready:  p.Ready(),
		Labels: p.labels,
		Details: map[string]any{
			"address":       p.Addr(),
			"rate_limit":    p.cfg.RateLimit,
			"known_clients": clients,
		},
	}
}

func (p *PushTarget) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := tracing.TraceReceive(r.Context(), tracing.Tracer(), p.job, p.typ)
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, p.cfg.MaxBodySize)
	// The same limit applies after decompression
	req, err := push.DecodeLimit(r.Body, r.Header.Get("Content-Encoding"), p.cfg.MaxBodySize)
	if err != nil {
		tracing.RecordError(ctx, err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, push.ErrBodyTooLarge) {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		p.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Invalid push request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tenant := r.Header.Get(tenantHeader)
	now := time.Now()
	accepted := 0

	for _, stream := range req.Streams {
		ls := types.LabelSet(stream.Stream).Merge(p.labels)
		source := types.LabelSet(stream.Stream).String()

		for _, v := range stream.Values {
			ts := now
			if p.cfg.KeepTimestamp {
				parsed, err := v.Time()
				if err != nil {
					tracing.RecordError(ctx, err)
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				ts = parsed
			}

			e := types.NewEntry(source, v.Line(), ts, ls)
			e.Tenant = tenant
			if err := p.next.Handle(ctx, e); err != nil {
				tracing.RecordError(ctx, err)
				p.received(accepted)
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
			accepted++
		}
	}

	p.received(accepted)
	span.SetAttributes(
		attribute.Int("push.streams", len(req.Streams)),
		attribute.Int("push.entries", accepted),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (p *PushTarget) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.cfg.RateLimit > 0 && r.URL.Path == push.Path {
			if !p.limiterFor(clientIP(r.RemoteAddr)).Allow() {
				if p.collector != nil {
					p.collector.TargetRateLimited.WithLabelValues(p.job).Inc()
				}
				p.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rate limit exceeded")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (p *PushTarget) limiterFor(ip string) *rate.Limiter {
	p.limitersMu.Lock()
	defer p.limitersMu.Unlock()

	cl, ok := p.limiters[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(p.cfg.RateLimit), p.cfg.RateBurst)}
		p.limiters[ip] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// pruneLimiters forgets clients idle for longer than limiterIdleTTL
func (p *PushTarget) pruneLimiters() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.limitersMu.Lock()
			for ip, cl := range p.limiters {
				if now.Sub(cl.lastSeen) > limiterIdleTTL {
					delete(p.limiters, ip)
				}
			}
			p.limitersMu.Unlock()
		}
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
