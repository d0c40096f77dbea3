package llm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how a provider call is retried on transient failures.
type RetryPolicy struct {
	MaxAttempts    int           // Total attempts including the first one
	InitialDelay   time.Duration // Delay before the second attempt
	MaxDelay       time.Duration // Cap for exponential growth and Retry-After
	JitterFraction float64       // Random extra delay as a fraction of the backoff
	AttemptTimeout time.Duration // Per-attempt timeout (0 = inherit ctx)

	// Sleep waits between attempts; nil uses a timer. Tests swap it for a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
}

// IngestRetryPolicy is the lenient budget for batch embedding during ingestion.
func IngestRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    6,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       8 * time.Second,
		JitterFraction: 0.25,
		AttemptTimeout: 2 * time.Minute,
	}
}

// QueryRetryPolicy is the low-latency budget for embedding a chat question.
func QueryRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		JitterFraction: 0.25,
		AttemptTimeout: 30 * time.Second,
	}
}

// CompletionRetryPolicy is the budget for chat completions.
func CompletionRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       4 * time.Second,
		JitterFraction: 0.25,
		AttemptTimeout: 2 * time.Minute,
	}
}

// NoWaitPolicy retries up to attempts times without sleeping.
func NoWaitPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

// Backoff returns the delay before the given retry (1-based): InitialDelay *
// 2^(retry-1), capped at MaxDelay, plus up to JitterFraction of that.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFraction > 0 && delay > 0 {
		if span := int64(float64(delay) * p.JitterFraction); span > 0 {
			delay += time.Duration(rand.Int64N(span + 1))
		}
	}
	return delay
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs fn under the policy. Non-retryable errors return immediately;
// an exhausted budget returns an error wrapping ErrProviderUnavailable and
// the last failure.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := p.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.Backoff(attempt - 1)
			if ra := retryAfter(lastErr); ra > delay {
				delay = ra
				if p.MaxDelay > 0 && delay > p.MaxDelay {
					delay = p.MaxDelay
				}
			}
			if err := p.sleep(ctx, delay); err != nil {
				return zero, err
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		out, err := fn(attemptCtx)
		cancel()

		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !IsRetryable(err) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}
	}

	return zero, fmt.Errorf("%w: %d attempts failed: %w", ErrProviderUnavailable, attempts, lastErr)
}

// RetryProvider wraps a Provider so completions run under a RetryPolicy.
// Embed passes straight through: embedding.Embedder owns those retries so
// ingestion and queries can use different budgets.
type RetryProvider struct {
	inner  Provider
	policy RetryPolicy
}

// NewRetryProvider wraps an existing provider with retry logic.
func NewRetryProvider(inner Provider, policy RetryPolicy) *RetryProvider {
	return &RetryProvider{inner: inner, policy: policy}
}

// Name returns the underlying provider name.
func (r *RetryProvider) Name() string {
	return r.inner.Name()
}

// Complete sends a prompt under the completion retry policy.
func (r *RetryProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	return Retry(ctx, r.policy, func(ctx context.Context) (*Response, error) {
		return r.inner.Complete(ctx, prompt, opts)
	})
}

// Embed delegates to the wrapped provider without retrying.
func (r *RetryProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return r.inner.Embed(ctx, texts)
}

// Ping delegates when the wrapped provider supports it.
func (r *RetryProvider) Ping(ctx context.Context) error {
	if p, ok := r.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
