package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/security"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/push"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

const (
	// maxErrorBody caps how much of an error response is kept for logs
	maxErrorBody = 1024
	tenantHeader = "X-Scope-OrgID"
)

// UserAgent is sent with every push
var UserAgent = "logshipper/dev"

// LokiSink pushes batches to the Loki HTTP push API
type LokiSink struct {
	url            string
	tenantID       string
	gzip           bool
	externalLabels types.LabelSet
	client         *http.Client
}

// NewLokiSink creates a sink from a loki client config
func NewLokiSink(cfg config.ClientConfig) (*LokiSink, error) {
	tlsConfig, err := security.LoadTLSConfig(&security.TLSConfig{
		Enabled:            cfg.TLSConfig.Enabled(),
		CAFile:             cfg.TLSConfig.CAFile,
		ServerName:         cfg.TLSConfig.ServerName,
		InsecureSkipVerify: cfg.TLSConfig.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS config: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	return &LokiSink{
		url:            cfg.URL,
		tenantID:       cfg.TenantID,
		gzip:           cfg.Compression == string(CompressionGzip),
		externalLabels: types.LabelSet(cfg.ExternalLabels),
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// Send posts the batch as a single-stream push request
func (l *LokiSink) Send(ctx context.Context, batch *Batch) error {
	labels := batch.Labels
	if len(l.externalLabels) > 0 {
		labels = l.externalLabels.Merge(batch.Labels)
	}

	body, err := push.Encode(&push.Request{
		Streams: []push.Stream{push.NewStream(labels, batch.Entries)},
	}, l.gzip)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	if l.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if tenant := l.tenant(batch); tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return classify(&StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))})
}

// tenant prefers the tenant resolved by the pipeline over the configured default
func (l *LokiSink) tenant(batch *Batch) string {
	if batch.Tenant != "" {
		return batch.Tenant
	}
	return l.tenantID
}

// Type returns the sink type
func (l *LokiSink) Type() string {
	return "loki"
}

// Close releases idle connections
func (l *LokiSink) Close() error {
	l.client.CloseIdleConnections()
	return nil
}
