package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)
	now := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return now }

	d, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1.0, d.Remaining)

	d, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "third token rejected")
	assert.Equal(t, time.Second, d.RetryAfter)
	assert.True(t, mr.Exists(keyPrefix+"tenant"))

	// The script takes time from the caller, so refill is driven by the clock.
	now = now.Add(1500 * time.Millisecond)
	d, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 1e-9)
}

func TestTokenBucketTenantsAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 0)

	d, err := bucket.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = bucket.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.RetryAfter, "no refill, no retry hint")

	d, err = bucket.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
