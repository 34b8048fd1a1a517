// ABOUTME: Generator middleware that bounds the rate of model calls
// ABOUTME: Uses a token bucket from golang.org/x/time/rate; waiting honours the caller's context

package model

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited delays Stream calls so that at most rps calls start per second,
// with bursts up to burst.
type RateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

// NewRateLimited wraps next. rps <= 0 disables limiting and returns next as is.
func NewRateLimited(next Generator, rps float64, burst int) Generator {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Stream implements Generator.
func (r *RateLimited) Stream(ctx context.Context, req *Request) (Streamer, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Stream(ctx, req)
}
