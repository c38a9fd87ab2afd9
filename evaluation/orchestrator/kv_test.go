package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisKVStore(t *testing.T) *RedisKVStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisKVStore(client)
}

func TestRedisKVStore_SetGetDelete(t *testing.T) {
	store := newTestRedisKVStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))

	val, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", val)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisKVStore_TTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisKVStore(client)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryKVStore_SetGetDelete(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	val, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", val)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryKVStore_LazyTTLExpiry(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}
