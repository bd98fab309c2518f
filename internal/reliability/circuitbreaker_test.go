package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errPush = errors.New("loki: 503 service unavailable")

// outcome is one call through the breaker
type outcome struct {
	err      error         // what the push returns
	wait     time.Duration // sleep before the call
	rejected bool          // the breaker must refuse without calling
	state    State         // state after the call
}

func TestCircuitBreakerTransitions(t *testing.T) {
	const timeout = 100 * time.Millisecond
	fail := outcome{err: errPush}
	ok := outcome{}

	tests := []struct {
		name  string
		steps []outcome
	}{
		{
			name: "trips on consecutive push failures",
			steps: []outcome{
				{err: errPush, state: StateClosed},
				{err: errPush, state: StateClosed},
				{err: errPush, state: StateOpen},
				{rejected: true, state: StateOpen},
			},
		},
		{
			name: "a success resets the run",
			steps: []outcome{
				fail, fail, ok, fail,
				{err: errPush, state: StateClosed},
			},
		},
		{
			name: "rejected batches are not endpoint failures",
			steps: []outcome{
				{err: Permanent(errors.New("400 bad request"))},
				{err: Permanent(errors.New("400 bad request"))},
				{err: Permanent(errors.New("400 bad request"))},
				{err: Permanent(errors.New("400 bad request")), state: StateClosed},
			},
		},
		{
			name: "closes after enough trial successes",
			steps: []outcome{
				fail, fail,
				{err: errPush, state: StateOpen},
				{wait: timeout + 50*time.Millisecond, state: StateHalfOpen},
				{state: StateClosed},
			},
		},
		{
			name: "failed trial reopens",
			steps: []outcome{
				fail, fail,
				{err: errPush, state: StateOpen},
				{wait: timeout + 50*time.Millisecond, err: errPush, state: StateOpen},
				{rejected: true, state: StateOpen},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:        "loki",
				MaxRequests: 2,
				Timeout:     timeout,
				ReadyToTrip: ConsecutiveFailures(3),
			})

			for i, st := range tt.steps {
				if st.wait > 0 {
					time.Sleep(st.wait)
				}

				called := false
				err := cb.Execute(context.Background(), func() error {
					called = true
					return st.err
				})

				if st.rejected {
					if !errors.Is(err, ErrCircuitOpen) || called {
						t.Fatalf("step %d: expected a rejection without a call, got %v (called=%v)", i, err, called)
					}
				} else if err != st.err {
					t.Fatalf("step %d: expected the push error %v to pass through, got %v", i, st.err, err)
				}

				if got := cb.State(); got != st.state {
					t.Fatalf("step %d: state = %s, want %s", i, got, st.state)
				}
			}
		})
	}
}

func TestCircuitBreakerHalfOpenLimitsTrials(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxRequests: 1,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: ConsecutiveFailures(1),
	})
	_ = cb.Execute(context.Background(), func() error { return errPush })
	time.Sleep(70 * time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := cb.Execute(context.Background(), func() error { return nil }); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("expected ErrTooManyRequests while a trial is running, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Trial push failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed after the trial, got %s", cb.State())
	}
}

func TestCircuitBreakerIgnoresResultsFromEarlierGeneration(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Timeout:     time.Minute,
		ReadyToTrip: ConsecutiveFailures(1),
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(context.Background(), func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	_ = cb.Execute(context.Background(), func() error { return errPush })
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	close(release)
	wg.Wait()

	if cb.State() != StateOpen {
		t.Errorf("a success started before the trip must not close the breaker, got %s", cb.State())
	}
	if c := cb.Counts(); c.TotalSuccesses != 0 {
		t.Errorf("expected the late success to be discarded, got %+v", c)
	}
}

func TestCircuitBreakerPanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{ReadyToTrip: ConsecutiveFailures(1)})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		_ = cb.Execute(context.Background(), func() error { panic("encoder bug") })
	}()

	if cb.State() != StateOpen {
		t.Errorf("expected a panicking push to trip the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerIntervalResetsCounts(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Interval:    50 * time.Millisecond,
		ReadyToTrip: ConsecutiveFailures(3),
	})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errPush })
	}
	time.Sleep(70 * time.Millisecond)
	_ = cb.Execute(context.Background(), func() error { return errPush })

	if cb.State() != StateClosed {
		t.Errorf("failures from an old window must not trip the breaker, got %s", cb.State())
	}
	if c := cb.Counts(); c.ConsecutiveFailures != 1 {
		t.Errorf("expected one failure in the new window, got %d", c.ConsecutiveFailures)
	}
}

func TestCircuitBreakerCanceledContext(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("expected context.Canceled without a call, got %v (called=%v)", err, called)
	}
	if c := cb.Counts(); c.Requests != 0 {
		t.Errorf("a canceled call must not be counted, got %d requests", c.Requests)
	}
}

func TestCircuitBreakerMetricsAndStateChanges(t *testing.T) {
	var mu sync.Mutex
	var changes []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "loki",
		Timeout:     time.Minute,
		ReadyToTrip: ConsecutiveFailures(2),
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			changes = append(changes, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	_ = cb.Execute(context.Background(), func() error { return nil })
	_ = cb.Execute(context.Background(), func() error { return errPush })

	m := cb.Metrics()
	if m.Requests != 2 || m.TotalFailures != 1 || m.ErrorRate != 50 {
		t.Errorf("unexpected metrics %+v", m)
	}

	_ = cb.Execute(context.Background(), func() error { return errPush })
	cb.Reset()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"loki:closed->open"}
	if len(changes) != len(want) || changes[0] != want[0] {
		t.Errorf("state changes = %v, want %v", changes, want)
	}
	if cb.State() != StateClosed || cb.Metrics().Requests != 0 {
		t.Errorf("expected Reset to close the breaker and clear counts, got %+v", cb.Metrics())
	}
}

func TestConsecutiveFailures(t *testing.T) {
	tests := []struct {
		n        uint32
		failures uint32
		want     bool
	}{
		{n: 3, failures: 2, want: false},
		{n: 3, failures: 3, want: true},
		{n: 0, failures: 4, want: false},
		{n: 0, failures: 5, want: true},
	}

	for _, tt := range tests {
		if got := ConsecutiveFailures(tt.n)(Counts{ConsecutiveFailures: tt.failures}); got != tt.want {
			t.Errorf("ConsecutiveFailures(%d) with %d failures = %v, want %v", tt.n, tt.failures, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(7):      "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func BenchmarkCircuitBreakerClosed(b *testing.B) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "bench"})
	ctx := context.Background()
	push := func() error { return nil }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(ctx, push)
	}
}
