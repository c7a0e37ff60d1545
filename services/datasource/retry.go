package datasource

import (
	"context"
	"fmt"
	"time"

	"stock_crawler/logger"
)

// Outcome classifies a single provider call
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Response is the result of one provider call
type Response struct {
	Outcome    Outcome
	StatusCode int
	Body       []byte
	Throttled  bool   // rate limited, via HTTP 429 or an in-body notice
	Message    string // provider or transport error message
}

// ProviderError describes a failed provider call
type ProviderError struct {
	Source     string
	Symbol     string
	Outcome    Outcome
	StatusCode int
	Attempts   int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s (status %d, %s after %d attempt(s))",
			e.Source, e.Symbol, e.Message, e.StatusCode, e.Outcome, e.Attempts)
	}
	return fmt.Sprintf("%s %s: %s (%s after %d attempt(s))",
		e.Source, e.Symbol, e.Message, e.Outcome, e.Attempts)
}

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy bounds how a provider is called. Every attempt is preceded by
// RequestDelay; a retryable attempt n (1-based) is followed by a wait of
// RetryDelay*n unless it was the last of MaxRetries attempts.
type RetryPolicy struct {
	RequestDelay time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	Sleep        SleepFunc
}

type waitCancelKey struct{}

// WithWaitCancel returns a copy of ctx whose retry and request-delay waits
// also end once stop is done. Requests made under ctx ignore stop.
func WithWaitCancel(ctx, stop context.Context) context.Context {
	return context.WithValue(ctx, waitCancelKey{}, stop)
}

func (p RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if stop, ok := ctx.Value(waitCancelKey{}).(context.Context); ok {
		if err := stop.Err(); err != nil {
			return err
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(stop, cancel)()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return sleep(ctx, d)
}

// Do runs call until it returns a non-retryable outcome or the attempt budget
// is spent. It returns the last response and the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, log *logger.Entry, label string, call func(ctx context.Context) Response) (Response, int) {
	log = logger.OrDiscard(log, "retry")
	maxAttempts := p.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last Response
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.wait(ctx, p.RequestDelay); err != nil {
			return Response{Outcome: OutcomeRetryable, Message: err.Error()}, attempt - 1
		}

		last = call(ctx)
		if last.Outcome != OutcomeRetryable {
			return last, attempt
		}

		if attempt == maxAttempts {
			break
		}

		backoff := p.RetryDelay * time.Duration(attempt)
		log.WithFields(logger.Fields{
			"request":   label,
			"attempt":   attempt,
			"throttled": last.Throttled,
			"backoff":   backoff.String(),
		}).Warnf("retryable failure: %s", last.Message)

		if err := p.wait(ctx, backoff); err != nil {
			return Response{Outcome: OutcomeRetryable, Message: err.Error()}, attempt
		}
	}

	log.WithFields(logger.Fields{
		"request":  label,
		"attempts": maxAttempts,
	}).Errorf("retries exhausted: %s", last.Message)
	return last, maxAttempts
}
