package datasource

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// sleepRecorder records requested waits without sleeping
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func TestRetryPolicyExhaustsBudget(t *testing.T) {
	rec := &sleepRecorder{}
	p := RetryPolicy{MaxRetries: 3, RetryDelay: 10 * time.Second, Sleep: rec.sleep}

	calls := 0
	r, attempts := p.Do(context.Background(), nil, "test", func(ctx context.Context) Response {
		calls++
		return Response{Outcome: OutcomeRetryable, Throttled: true, Message: "slow down"}
	})

	if calls != 3 || attempts != 3 {
		t.Fatalf("calls=%d attempts=%d, want 3", calls, attempts)
	}
	if r.Outcome != OutcomeRetryable || !r.Throttled {
		t.Errorf("last response = %+v", r)
	}
	want := []time.Duration{10 * time.Second, 20 * time.Second}
	if got := rec.recorded(); !reflect.DeepEqual(got, want) {
		t.Errorf("waits = %v, want %v", got, want)
	}
}

func TestRetryPolicyRequestDelayBeforeEachAttempt(t *testing.T) {
	rec := &sleepRecorder{}
	p := RetryPolicy{RequestDelay: time.Second, MaxRetries: 5, RetryDelay: 5 * time.Second, Sleep: rec.sleep}

	calls := 0
	r, attempts := p.Do(context.Background(), nil, "test", func(ctx context.Context) Response {
		calls++
		if calls == 1 {
			return Response{Outcome: OutcomeRetryable, Message: "503"}
		}
		return Response{Outcome: OutcomeSuccess, Body: []byte("{}")}
	})

	if r.Outcome != OutcomeSuccess || attempts != 2 {
		t.Fatalf("outcome=%v attempts=%d", r.Outcome, attempts)
	}
	want := []time.Duration{time.Second, 5 * time.Second, time.Second}
	if got := rec.recorded(); !reflect.DeepEqual(got, want) {
		t.Errorf("waits = %v, want %v", got, want)
	}
}

func TestRetryPolicyPermanentStopsImmediately(t *testing.T) {
	rec := &sleepRecorder{}
	p := RetryPolicy{MaxRetries: 5, RetryDelay: time.Second, Sleep: rec.sleep}

	calls := 0
	r, attempts := p.Do(context.Background(), nil, "test", func(ctx context.Context) Response {
		calls++
		return Response{Outcome: OutcomePermanent, StatusCode: 404, Message: "not found"}
	})

	if calls != 1 || attempts != 1 || r.Outcome != OutcomePermanent {
		t.Fatalf("calls=%d attempts=%d outcome=%v", calls, attempts, r.Outcome)
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("unexpected waits %v", rec.recorded())
	}
}

func TestRetryPolicyStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{
		MaxRetries: 5,
		RetryDelay: time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	calls := 0
	r, attempts := p.Do(ctx, nil, "test", func(ctx context.Context) Response {
		calls++
		return Response{Outcome: OutcomeRetryable}
	})

	if calls != 1 || attempts != 1 {
		t.Fatalf("calls=%d attempts=%d, want 1", calls, attempts)
	}
	if r.Outcome != OutcomeRetryable || r.Message != context.Canceled.Error() {
		t.Errorf("response = %+v", r)
	}
}

func TestResolveWindow(t *testing.T) {
	now := time.Date(2024, 3, 15, 18, 30, 0, 0, time.UTC)

	start, end, err := resolveWindow(now, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if !end.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) || !start.Equal(end.AddDate(0, 0, -30)) {
		t.Errorf("default window = %v..%v", start, end)
	}

	_, _, err = resolveWindow(now, now, now.AddDate(0, 0, -1))
	if err == nil {
		t.Error("expected error for start after end")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	var err error = &ProviderError{Source: "yfinance", Symbol: "ZZZZ", Outcome: OutcomePermanent, StatusCode: 404, Attempts: 1, Message: "not found"}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 404 {
		t.Fatalf("errors.As failed for %v", err)
	}
	want := "yfinance ZZZZ: not found (status 404, permanent after 1 attempt(s))"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRetryPolicyWaitsEndOnStop(t *testing.T) {
	rec := &sleepRecorder{}
	p := RetryPolicy{MaxRetries: 5, RetryDelay: 10 * time.Second, Sleep: rec.sleep}

	stop, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx := WithWaitCancel(context.Background(), stop)

	calls := 0
	r, attempts := p.Do(ctx, nil, "test", func(ctx context.Context) Response {
		calls++
		cancel()
		if ctx.Err() != nil {
			t.Error("request context was cancelled by stop")
		}
		return Response{Outcome: OutcomeRetryable, Throttled: true, Message: "slow down"}
	})

	if calls != 1 || attempts != 1 {
		t.Errorf("calls=%d attempts=%d, want 1", calls, attempts)
	}
	if r.Outcome != OutcomeRetryable || !errors.Is(stop.Err(), context.Canceled) {
		t.Errorf("response = %+v", r)
	}
	if got := rec.recorded(); len(got) != 0 {
		t.Errorf("waited %v after stop", got)
	}
}
