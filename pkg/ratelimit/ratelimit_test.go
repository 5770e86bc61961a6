package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeNow(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(2, 4)
	clock, advance := fakeNow(time.Unix(0, 0))
	tb.now = clock
	tb.lastRefill = clock()

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	// 4 tokens per second: one token after 250ms
	advance(250 * time.Millisecond)
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	advance(10 * time.Second)
	assert.Equal(t, 2, tb.GetRemaining())
	assert.Equal(t, clock(), tb.GetResetTime())
}

func TestTokenBucketWaitHonoursContext(t *testing.T) {
	tb := NewTokenBucket(1, 0)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tb.Wait(ctx), context.DeadlineExceeded)
}

func TestTokenBucketWaitBlocksUntilRefill(t *testing.T) {
	tb := NewTokenBucket(1, 50)
	require.True(t, tb.Allow())

	start := time.Now()
	require.NoError(t, tb.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestManagerRoutesByMethod(t *testing.T) {
	matching := NewTokenBucket(1, 0)
	other := NewTokenBucket(5, 0)
	m := NewRateLimitManager(matching, other)

	assert.True(t, IsMatchingMethod("private/buy"))
	assert.False(t, IsMatchingMethod("public/get_order_book"))

	require.NoError(t, m.Wait(context.Background(), "private/buy"))
	assert.False(t, m.Allow("private/cancel"))
	assert.True(t, m.Allow("public/get_order_book"))
	assert.Equal(t, 4, m.GetRemaining("private/get_positions"))
}
