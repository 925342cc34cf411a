package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockIsExclusive(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.Lock(context.Background())
	require.NoError(t, err)
	unlock2()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLockSerializesHolders(t *testing.T) {
	_, client := newTestRedis(t)
	a := NewRedisWithClient(client, "claim", time.Minute)
	b := NewRedisWithClient(client, "claim", time.Minute)
	ctx := context.Background()

	unlockA, err := a.Lock(ctx)
	require.NoError(t, err)
	holder, err := a.Holder(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, holder)

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = b.Lock(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlockA()
	holder, err = a.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	unlockB, err := b.Lock(ctx)
	require.NoError(t, err)
	unlockB()
}

func TestRedisLockReleaseKeepsForeignToken(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisWithClient(client, "claim", time.Second)
	ctx := context.Background()

	unlock, err := l.Lock(ctx)
	require.NoError(t, err)

	// Our lease expires and another process takes the key.
	mr.FastForward(2 * time.Second)
	require.NoError(t, client.Set(ctx, "claim", "someone-else", time.Minute).Err())

	unlock()
	holder, err := l.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", holder)
}
