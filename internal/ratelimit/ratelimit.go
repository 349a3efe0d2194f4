// Package ratelimit provides a small wrapper around golang.org/x/time/rate
// shared by anything in this module that needs to throttle a recurring
// external call -- currently Slurm's sacct polling. Submission retries do
// not use it; they back off with jitter in cluster/retry.go.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter wraps a token-bucket limiter behind a mutex so its limit can
// be adjusted at runtime without racing callers of Wait/Allow.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// NewRateLimiter creates a rate limiter allowing up to ratePerSecond
// operations per second, with the given burst size. ratePerSecond <= 0
// means unlimited.
func NewRateLimiter(ratePerSecond float64, burstSize int) *RateLimiter {
	if ratePerSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burstSize <= 0 {
		burstSize = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burstSize)}
}

// Wait blocks until the rate limiter allows the operation or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	limiter := rl.limiter
	rl.mu.RUnlock()

	return limiter.Wait(ctx)
}

// Allow returns true if the operation is allowed immediately.
func (rl *RateLimiter) Allow() bool {
	rl.mu.RLock()
	limiter := rl.limiter
	rl.mu.RUnlock()

	return limiter.Allow()
}

// SetRate updates the rate limiting configuration.
func (rl *RateLimiter) SetRate(ratePerSecond float64, burstSize int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if ratePerSecond <= 0 {
		rl.limiter.SetLimit(rate.Inf)
		rl.limiter.SetBurst(0)
		return
	}
	if burstSize <= 0 {
		burstSize = 1
	}
	rl.limiter.SetLimit(rate.Limit(ratePerSecond))
	rl.limiter.SetBurst(burstSize)
}

// GetCurrentRate returns the current rate limit settings.
func (rl *RateLimiter) GetCurrentRate() (limit float64, burst int) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return float64(rl.limiter.Limit()), rl.limiter.Burst()
}
