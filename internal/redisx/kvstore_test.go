package redisx

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type sample struct {
	A string `json:"a"`
	B int    `json:"b"`
}

func TestKVStore_SetGetDelete(t *testing.T) {
	_, client := setupMiniredis(t)
	store := NewKVStore(client, "test-")
	ctx := context.Background()

	ok, err := store.Get(ctx, "missing", &sample{})
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k1", sample{A: "x", B: 1}))

	var out sample
	ok, err = store.Get(ctx, "k1", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sample{A: "x", B: 1}, out)

	require.NoError(t, store.Delete(ctx, "k1"))
	ok, err = store.Get(ctx, "k1", &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKVStore_PrefixIsolation(t *testing.T) {
	_, client := setupMiniredis(t)
	a := NewKVStore(client, "envA-")
	b := NewKVStore(client, "envB-")
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "incomer", sample{A: "a"}))

	var out sample
	ok, err := b.Get(ctx, "incomer", &out)
	require.NoError(t, err)
	require.False(t, ok, "prefix must isolate keys between environments")
}
