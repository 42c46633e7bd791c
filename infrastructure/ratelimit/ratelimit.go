// Package ratelimit provides a thin wrapper over golang.org/x/time/rate used
// as the minimum-spacing primitive inside the throttled request executor.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
	}
}

// RateLimiter wraps golang.org/x/time/rate with a resettable configuration,
// used by the throttled executor to enforce minimum spacing between
// dispatches.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	config  RateLimitConfig
}

// New creates a RateLimiter.
func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Allow reports whether a request may proceed right now, consuming a token
// if so.
func (r *RateLimiter) Allow() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.Allow()
}

// AllowN reports whether n requests may proceed at the given time.
func (r *RateLimiter) AllowN(now time.Time, n int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.AllowN(now, n)
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.RLock()
	limiter := r.limiter
	r.mu.RUnlock()
	return limiter.Wait(ctx)
}

// SetLimit adjusts the steady-state rate without resetting burst tokens —
// used by the executor's adaptive back-off to slow dispatch after errors.
func (r *RateLimiter) SetLimit(requestsPerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimit(rate.Limit(requestsPerSecond))
}

// Reset restores the limiter to its originally configured rate and burst.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
}
