package redis

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/isrcache/adapter"
	"github.com/unkn0wn-root/isrcache/adapter/adaptertest"
	"github.com/unkn0wn-root/isrcache/codec"
	"github.com/unkn0wn-root/isrcache/entry"
)

func newRedis(t *testing.T, codecName string) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s, err := New(Config{Client: rdb, Namespace: "isr", Codec: codecName, CloseClient: true})
	require.NoError(t, err)
	return s, mr
}

func TestConformance(t *testing.T) {
	for _, name := range []string{"msgpack", "json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			adaptertest.Run(t, func(t *testing.T) adapter.Adapter {
				s, _ := newRedis(t, name)
				return s
			})
		})
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilClient)

	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	_, err = New(Config{Client: rdb, Codec: "xml"})
	require.Error(t, err)
}

func TestLayoutOnServer(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedis(t, "")
	defer s.Close(ctx)

	require.NoError(t, s.Set(ctx, "/a", entry.New("/a", "x", 60, []string{"blog"}, time.Now())))

	require.True(t, mr.Exists("isr:e:/a"))
	require.True(t, mr.Exists("isr:m:/a"))
	members, err := mr.Members("isr:t:blog")
	require.NoError(t, err)
	require.Equal(t, []string{"/a"}, members)
	members, err = mr.Members("isr:keys")
	require.NoError(t, err)
	require.Equal(t, []string{"/a"}, members)

	_, err = s.Delete(ctx, "/a")
	require.NoError(t, err)
	require.False(t, mr.Exists("isr:e:/a"))
	require.False(t, mr.Exists("isr:t:blog")) // redis drops empty sets
}

func TestForeignValueIsAMiss(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedis(t, "")
	defer s.Close(ctx)

	require.NoError(t, mr.Set("isr:m:/a", "garbage"))
	require.NoError(t, mr.Set("isr:e:/a", "garbage"))

	_, ok, err := s.Get(ctx, "/a")
	require.NoError(t, err)
	require.False(t, ok)

	// a fresh write replaces the foreign value
	require.NoError(t, s.Set(ctx, "/a", entry.New("/a", "ok", 0, nil, time.Now())))
	got, ok, err := s.Get(ctx, "/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ok", got.Body)
}

func TestMaxBodyBytes(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	open := func(limit int) *Redis {
		s, err := New(Config{Client: rdb, Namespace: "isr", MaxBodyBytes: limit})
		require.NoError(t, err)
		return s
	}
	big := entry.New("/big", strings.Repeat("x", 512), 0, []string{"t"}, time.Now())

	capped := open(128)
	err := capped.Set(ctx, "/big", big)
	require.ErrorIs(t, err, codec.ErrEncode)
	require.True(t, adapter.IsAdapterError(err))
	require.False(t, mr.Exists("isr:e:/big"))

	// a deployment without the cap wrote it; the capped reader sees a miss
	require.NoError(t, open(0).Set(ctx, "/big", big))
	_, ok, err := capped.Get(ctx, "/big")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, capped.Set(ctx, "/small", entry.New("/small", "x", 0, nil, time.Now())))
	got, ok, err := capped.Get(ctx, "/small")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", got.Body)
}

func TestServerDownIsAdapterError(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedis(t, "")
	defer s.Close(ctx)
	mr.Close()

	_, _, err := s.Get(ctx, "/a")
	require.True(t, adapter.IsAdapterError(err))

	err = s.Set(ctx, "/a", entry.New("/a", "x", 0, nil, time.Now()))
	require.True(t, adapter.IsAdapterError(err))
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a, err := New(Config{Client: rdb, Namespace: "a"})
	require.NoError(t, err)
	b, err := New(Config{Client: rdb, Namespace: "b"})
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "/x", entry.New("/x", "a", 0, []string{"t"}, time.Now())))
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	keys, err = a.GetByTag(ctx, "t")
	require.NoError(t, err)
	require.True(t, slices.Equal([]string{"/x"}, keys))
}
