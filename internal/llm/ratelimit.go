package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures client-side throttling for a provider.
type RateLimitConfig struct {
	// RequestsPerMinute limits the number of API calls per minute (0 = unlimited)
	RequestsPerMinute int
	// BurstSize allows temporary burst above the rate limit
	BurstSize int
}

// DefaultRateLimitConfig returns conservative defaults for hosted APIs.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 500,
		BurstSize:         10,
	}
}

// RateLimitProvider wraps a provider with a token-bucket limiter shared by
// completions and embeddings.
type RateLimitProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimitProvider creates a rate-limited provider wrapper.
func NewRateLimitProvider(inner Provider, config RateLimitConfig) *RateLimitProvider {
	limit := rate.Inf
	if config.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(config.RequestsPerMinute))
	}
	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitProvider{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Name returns the underlying provider name.
func (r *RateLimitProvider) Name() string {
	return r.inner.Name()
}

// Complete waits for capacity and delegates to the inner provider.
func (r *RateLimitProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.inner.Complete(ctx, prompt, opts)
}

// Embed waits for capacity and delegates to the inner provider.
func (r *RateLimitProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.inner.Embed(ctx, texts)
}

// Ping bypasses the limiter.
func (r *RateLimitProvider) Ping(ctx context.Context) error {
	if p, ok := r.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Tokens reports how many requests could be issued right now.
func (r *RateLimitProvider) Tokens() float64 {
	return r.limiter.Tokens()
}

// WithRateLimit wraps a provider with rate limiting when a limit is configured.
func WithRateLimit(p Provider, config RateLimitConfig) Provider {
	if p == nil || config.RequestsPerMinute <= 0 {
		return p
	}
	return NewRateLimitProvider(p, config)
}
