package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedis(rdb), mr
}

func TestRedis_GetSet(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	_, ok, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ok)

	v := uuid.New()
	require.NoError(t, c.Set(ctx, "alice", v, time.Minute))
	require.True(t, mr.Exists(redisKeyPrefix+"alice"))

	got, ok, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v, got)

	require.NoError(t, c.Delete(ctx, "alice"))
	_, ok, err = c.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedis_Expiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	require.NoError(t, c.Set(ctx, "alice", uuid.New(), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedis_GarbageIsMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	require.NoError(t, mr.Set(redisKeyPrefix+"alice", "not-a-uuid"))

	_, ok, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedis_Unavailable(t *testing.T) {
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	c := NewRedis(rdb)

	mr.Close()

	_, _, err = c.Get(ctx, "alice")
	require.Error(t, err)
}

func TestDialRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c, err := DialRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = DialRedis(context.Background(), RedisConfig{})
	require.Error(t, err)
}
