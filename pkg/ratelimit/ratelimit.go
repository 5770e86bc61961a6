package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a blocking request limiter.
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
	GetResetTime() time.Time
}

// TokenBucket holds up to capacity tokens and refills refillRate tokens per
// second. Each request takes one token.
type TokenBucket struct {
	capacity   int
	tokens     float64
	refillRate int
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed.Seconds() * float64(tb.refillRate)
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
	tb.lastRefill = now
}

// Allow takes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is taken or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}

		tb.mu.Lock()
		wait := time.Second
		if tb.refillRate > 0 {
			missing := 1 - tb.tokens
			wait = time.Duration(missing / float64(tb.refillRate) * float64(time.Second))
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		tb.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetRemaining returns the whole tokens left.
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// GetResetTime is when the bucket will be full again.
func (tb *TokenBucket) GetResetTime() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	now := tb.now()
	if tb.refillRate <= 0 {
		return now
	}
	missing := float64(tb.capacity) - tb.tokens
	return now.Add(time.Duration(missing / float64(tb.refillRate) * float64(time.Second)))
}

// matchingMethods go through the exchange matching engine and are limited
// separately from everything else.
var matchingMethods = map[string]bool{
	"private/buy":                      true,
	"private/sell":                     true,
	"private/edit":                     true,
	"private/cancel":                   true,
	"private/cancel_all":               true,
	"private/cancel_all_by_instrument": true,
	"private/cancel_by_label":          true,
	"private/close_position":           true,
}

// IsMatchingMethod reports whether method counts against the matching bucket.
func IsMatchingMethod(method string) bool {
	return matchingMethods[method]
}

// RateLimitManager picks a limiter by JSON-RPC method.
type RateLimitManager struct {
	matching    RateLimiter
	nonMatching RateLimiter
}

func NewRateLimitManager(matching, nonMatching RateLimiter) *RateLimitManager {
	return &RateLimitManager{matching: matching, nonMatching: nonMatching}
}

// GetLimiter returns the limiter for method.
func (rlm *RateLimitManager) GetLimiter(method string) RateLimiter {
	if IsMatchingMethod(method) {
		return rlm.matching
	}
	return rlm.nonMatching
}

// Wait blocks until method may be sent.
func (rlm *RateLimitManager) Wait(ctx context.Context, method string) error {
	return rlm.GetLimiter(method).Wait(ctx)
}

func (rlm *RateLimitManager) Allow(method string) bool {
	return rlm.GetLimiter(method).Allow()
}

func (rlm *RateLimitManager) GetRemaining(method string) int {
	return rlm.GetLimiter(method).GetRemaining()
}
