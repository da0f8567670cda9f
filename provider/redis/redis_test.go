package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestProvider(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	p, err := New(Config{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), CloseClient: true})
	require.NoError(t, err)

	_, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := p.Set(ctx, "k", []byte("v"), time.Minute)
	require.NoError(t, err)
	require.True(t, stored)
	require.Equal(t, time.Minute, mr.TTL("k"))

	v, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	mr.FastForward(2 * time.Minute)
	_, ok, err = p.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = p.Set(ctx, "forever", []byte("v"), -1)
	require.NoError(t, err)
	require.Zero(t, mr.TTL("forever"))
	require.NoError(t, p.Del(ctx, "forever"))
	require.False(t, mr.Exists("forever"))

	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))
}

func TestNilClient(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilClient)
}

func TestMaxValueBytesRejects(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p, err := New(Config{Client: rdb, MaxValueBytes: 4})
	require.NoError(t, err)

	ok, err := p.Set(ctx, "big", []byte("12345"), 0)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, mr.Exists("big"))

	ok, err = p.Set(ctx, "small", []byte("1234"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	// not owned: the shared client keeps working
	require.NoError(t, p.Close(ctx))
	require.NoError(t, rdb.Ping(ctx).Err())
}
