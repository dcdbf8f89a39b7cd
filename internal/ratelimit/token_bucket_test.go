package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, capacity int, refillPerSecond float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refillPerSecond, time.Minute)
}

func TestAllowDrainsCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 3, 0)

	for i := 0; i < 3; i++ {
		allowed, _, err := bucket.Allow(ctx, "op-1")
		require.NoError(t, err)
		require.True(t, allowed, "request %d within capacity", i+1)
	}

	allowed, remaining, err := bucket.Allow(ctx, "op-1")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Zero(t, remaining)
}

func TestAllowIsolatesKeys(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1, 0)

	allowed, _, err := bucket.Allow(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "op-1")
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "op-2")
	require.NoError(t, err)
	require.True(t, allowed, "a drained bucket must not affect other callers")
}

func TestAllowRefillsOverTime(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1, 50) // one token every 20ms

	allowed, _, err := bucket.Allow(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "op-1")
	require.NoError(t, err)
	require.False(t, allowed)

	time.Sleep(50 * time.Millisecond)
	allowed, _, err = bucket.Allow(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, allowed)
}
