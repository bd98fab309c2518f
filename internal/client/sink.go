package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/reliability"
)

// Sink delivers one batch to a destination. Errors wrapped with
// reliability.Permanent are not retried.
type Sink interface {
	Send(ctx context.Context, batch *Batch) error
	Type() string
	Close() error
}

// StatusError is a non-2xx answer from an HTTP destination
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned HTTP status %d (%s)", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned HTTP status %d (%s): %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Retryable reports whether the status is worth another attempt: 429 and 5xx
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// classify wraps non-retryable status errors as permanent
func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && !se.Retryable() {
		if se.StatusCode == http.StatusRequestEntityTooLarge {
			return reliability.Permanent(fmt.Errorf("%w: %w", ErrBatchTooLarge, err))
		}
		return reliability.Permanent(err)
	}
	return err
}

// statusLabel is the status_code label of request_duration_seconds
func statusLabel(err error) string {
	if err == nil {
		return "2xx"
	}
	var se *StatusError
	if errors.As(err, &se) {
		return strconv.Itoa(se.StatusCode)
	}
	return "error"
}
