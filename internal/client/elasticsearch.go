package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/pool"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/reliability"
)

// ElasticsearchSink indexes entries with the bulk API, one document per entry
type ElasticsearchSink struct {
	index         string
	indexRotation string
	pipeline      string
	client        *elasticsearch.Client
}

// esDocument is the indexed form of an entry
type esDocument struct {
	Timestamp string            `json:"@timestamp"`
	Message   string            `json:"message"`
	Labels    map[string]string `json:"labels"`
	Tenant    string            `json:"tenant,omitempty"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// NewElasticsearchSink creates a sink from an elasticsearch client config
func NewElasticsearchSink(cfg config.ClientConfig) (*ElasticsearchSink, error) {
	ec := cfg.Elasticsearch
	if ec == nil || len(ec.Addresses) == 0 {
		return nil, fmt.Errorf("no addresses specified")
	}
	if ec.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: ec.Addresses,
		// Retries are handled by the client around the whole batch
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	return &ElasticsearchSink{
		index:         ec.Index,
		indexRotation: ec.IndexRotation,
		pipeline:      ec.Pipeline,
		client:        client,
	}, nil
}

// Send indexes the batch with a single bulk request
func (e *ElasticsearchSink) Send(ctx context.Context, batch *Batch) error {
	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)
	for _, entry := range batch.Entries {
		meta := map[string]map[string]string{
			"index": {"_index": e.indexName(entry.Timestamp)},
		}
		if e.pipeline != "" {
			meta["index"]["pipeline"] = e.pipeline
		}

		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal bulk action: %w", err)
		}
		docJSON, err := json.Marshal(esDocument{
			Timestamp: entry.Timestamp.UTC().Format(time.RFC3339Nano),
			Message:   entry.Line,
			Labels:    batch.Labels,
			Tenant:    batch.Tenant,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}

		buf.Write(metaJSON)
		buf.WriteByte('\n')
		buf.Write(docJSON)
		buf.WriteByte('\n')
	}

	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return classify(&StatusError{StatusCode: res.StatusCode, Body: string(bytes.TrimSpace(msg))})
	}

	var bulkResp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}
	if !bulkResp.Errors {
		return nil
	}

	return bulkItemsError(bulkResp, len(batch.Entries))
}

// bulkItemsError turns per-document failures into one error. Any retryable
// item makes the whole batch retryable.
func bulkItemsError(resp bulkResponse, total int) error {
	var failed int
	retryable := false
	var first string
	for _, item := range resp.Items {
		for _, doc := range item {
			if doc.Status < 300 {
				continue
			}
			failed++
			if doc.Status == http.StatusTooManyRequests || doc.Status >= 500 {
				retryable = true
			}
			if first == "" {
				first = fmt.Sprintf("%d %s: %s", doc.Status, doc.Error.Type, doc.Error.Reason)
			}
		}
	}

	if failed == 0 {
		return nil
	}

	err := fmt.Errorf("%d out of %d documents failed to index, first: %s", failed, total, first)
	if retryable {
		return err
	}
	return reliability.Permanent(err)
}

// indexName returns the index for a timestamp, with optional time-based rotation
func (e *ElasticsearchSink) indexName(ts time.Time) string {
	index := e.index
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	if strings.Contains(index, "%{") {
		index = strings.ReplaceAll(index, "%{+YYYY.MM.dd}", ts.Format("2006.01.02"))
		index = strings.ReplaceAll(index, "%{+YYYY.MM}", ts.Format("2006.01"))
		index = strings.ReplaceAll(index, "%{+YYYY}", ts.Format("2006"))
		return index
	}

	switch e.indexRotation {
	case "daily":
		return fmt.Sprintf("%s-%s", index, ts.Format("2006.01.02"))
	case "weekly":
		year, week := ts.ISOWeek()
		return fmt.Sprintf("%s-%d.%02d", index, year, week)
	case "monthly":
		return fmt.Sprintf("%s-%s", index, ts.Format("2006.01"))
	default:
		return index
	}
}

// Type returns the sink type
func (e *ElasticsearchSink) Type() string {
	return "elasticsearch"
}

// Close is a no-op; the client holds no resources beyond idle connections
func (e *ElasticsearchSink) Close() error {
	return nil
}
