package target

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/worker"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}
}

func TestFileTargetForwardsAndCommits(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, logFile, "2024-01-01T00:00:00Z | INFO | one\n2024-01-01T00:00:01Z | ERROR | two\n")

	pos := newTestPositions(t)
	out := &sink{}
	collector := metrics.NewCollector()

	ft, err := NewFileTarget("backend", FileTargetConfig{
		Labels:       map[string]string{"job": "backend-app-logs", PathLabel: logFile},
		SyncPeriod:   50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, pos, out, collector, nil)
	if err != nil {
		t.Fatalf("Failed to create file target: %v", err)
	}
	if err := ft.Start(); err != nil {
		t.Fatalf("Failed to start file target: %v", err)
	}
	defer ft.Stop()

	waitFor(t, func() bool { return out.len() == 2 })

	e := out.get(0)
	if e.Labels["job"] != "backend-app-logs" || e.Labels["filename"] != logFile {
		t.Errorf("unexpected labels %v", e.Labels)
	}
	if e.Source != logFile {
		t.Errorf("expected source %s, got %s", logFile, e.Source)
	}
	if !ft.Ready() {
		t.Error("expected target to be ready")
	}

	out.get(0).Ack()
	out.get(1).Ack()
	if off, _ := pos.Get(logFile); off != 69 {
		t.Errorf("expected committed offset 69, got %d", off)
	}

	if got := testutil.ToFloat64(collector.TargetEntriesTotal.WithLabelValues("backend", TypeFile)); got != 2 {
		t.Errorf("expected 2 entries counted, got %v", got)
	}
	if got := testutil.ToFloat64(collector.TargetsActive.WithLabelValues(TypeFile)); got != 1 {
		t.Errorf("expected 1 active file target, got %v", got)
	}

	st := ft.Status()
	if st.Type != TypeFile || st.Details["path"] != logFile {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestFileTargetUnackedLinesAreReread(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, logFile, "first\nsecond\n")
	pos := newTestPositions(t)

	start := func(out worker.Handler) *FileTarget {
		ft, err := NewFileTarget("backend", FileTargetConfig{
			Labels:       map[string]string{"job": "backend-app-logs", PathLabel: logFile},
			SyncPeriod:   50 * time.Millisecond,
			PollInterval: 10 * time.Millisecond,
		}, pos, out, nil, nil)
		if err != nil {
			t.Fatalf("Failed to create file target: %v", err)
		}
		if err := ft.Start(); err != nil {
			t.Fatalf("Failed to start file target: %v", err)
		}
		return ft
	}

	first := &sink{}
	ft := start(first)
	waitFor(t, func() bool { return first.len() == 2 })
	first.get(0).Ack()
	ft.Stop()

	second := &sink{}
	ft = start(second)
	defer ft.Stop()
	waitFor(t, func() bool { return second.len() == 1 })

	if got := second.lines(); got[0] != "second" {
		t.Errorf("expected only the unacknowledged line again, got %q", got)
	}
}

func TestFileTargetStopsForwardingOnHandlerError(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, logFile, "a\nb\nc\n")

	out := &sink{err: errors.New("pool closed")}
	ft, err := NewFileTarget("backend", FileTargetConfig{
		Labels:       map[string]string{"job": "j", PathLabel: logFile},
		PollInterval: 10 * time.Millisecond,
	}, newTestPositions(t), out, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create file target: %v", err)
	}
	if err := ft.Start(); err != nil {
		t.Fatalf("Failed to start file target: %v", err)
	}

	done := make(chan struct{})
	go func() {
		ft.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	// A second stop is a no-op
	if err := ft.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestNewFileTargetValidation(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
	}{
		{"missing path", map[string]string{"job": "x"}},
		{"invalid label name", map[string]string{"job": "x", PathLabel: "/tmp/*.log", "bad-name": "v"}},
		{"empty label value", map[string]string{"job": "", PathLabel: "/tmp/*.log"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := worker.HandlerFunc(func(context.Context, *types.Entry) error { return nil })
			if _, err := NewFileTarget("job", FileTargetConfig{Labels: tt.labels}, newTestPositions(t), h, nil, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}
