package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/isrcache/adapter"
	"github.com/unkn0wn-root/isrcache/adapter/adaptertest"
	"github.com/unkn0wn-root/isrcache/entry"
	"github.com/unkn0wn-root/isrcache/provider"
	bcp "github.com/unkn0wn-root/isrcache/provider/bigcache"
)

// memProvider is a map-backed provider.Provider with manual eviction.
type memProvider struct {
	mu     sync.Mutex
	m      map[string][]byte
	reject bool
}

func newMemProvider() *memProvider { return &memProvider{m: map[string][]byte{}} }

func (p *memProvider) Get(_ context.Context, k string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.m[k]
	return b, ok, nil
}

func (p *memProvider) Set(_ context.Context, k string, v []byte, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false, nil
	}
	p.m[k] = append([]byte(nil), v...)
	return true, nil
}

func (p *memProvider) Del(_ context.Context, k string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, k)
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

func (p *memProvider) evict(k string) { _ = p.Del(context.Background(), k) }

var _ provider.Provider = (*memProvider)(nil)

func TestConformanceMemProvider(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) adapter.Adapter {
		s, err := New(Config{Provider: newMemProvider(), Namespace: "isr"})
		require.NoError(t, err)
		return s
	})
}

func TestConformanceBigCache(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) adapter.Adapter {
		p, err := bcp.New(bcp.Config{Shards: 16, HardMaxCacheSizeMB: 8})
		require.NoError(t, err)
		s, err := New(Config{Provider: p, CloseProvider: true})
		require.NoError(t, err)
		return s
	})
}

func TestNilProvider(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilProvider)
}

func TestEvictionHealsDirectory(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider()
	s, err := New(Config{Provider: p, Namespace: "isr"})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "/a", entry.New("/a", "x", 60, []string{"blog"}, time.Now())))
	tagged, err := s.GetByTag(ctx, "blog")
	require.NoError(t, err)
	require.Equal(t, []string{"/a"}, tagged)

	p.evict("isr:e:/a")

	_, ok, err := s.Get(ctx, "/a")
	require.NoError(t, err)
	require.False(t, ok)

	tagged, err = s.GetByTag(ctx, "blog")
	require.NoError(t, err)
	require.Empty(t, tagged)
	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestCorruptRecordIsAMiss(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider()
	s, err := New(Config{Provider: p})
	require.NoError(t, err)

	_, _ = p.Set(ctx, "e:/a", []byte("not a frame"), 0)
	_, ok, err := s.Get(ctx, "/a")
	require.NoError(t, err)
	require.False(t, ok)

	_, still, _ := p.Get(ctx, "e:/a")
	require.False(t, still)
}

func TestAdoptsForeignRecords(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider()
	writer, err := New(Config{Provider: p})
	require.NoError(t, err)
	reader, err := New(Config{Provider: p})
	require.NoError(t, err)

	require.NoError(t, writer.Set(ctx, "/a", entry.New("/a", "x", 0, []string{"t"}, time.Now())))

	_, ok, err := reader.Get(ctx, "/a")
	require.NoError(t, err)
	require.True(t, ok)
	tagged, err := reader.GetByTag(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, []string{"/a"}, tagged)
}

func TestRejectedWriteFails(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider()
	p.reject = true
	s, err := New(Config{Provider: p})
	require.NoError(t, err)

	err = s.Set(ctx, "/a", entry.New("/a", "x", 0, nil, time.Now()))
	require.ErrorIs(t, err, ErrRejected)
	require.True(t, adapter.IsAdapterError(err))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

// pausingProvider blocks the first Get of key after the value was read, until
// resume is closed.
type pausingProvider struct {
	*memProvider
	key    string
	hit    atomic.Bool
	paused chan struct{}
	resume chan struct{}
}

func newPausingProvider(key string) *pausingProvider {
	return &pausingProvider{
		memProvider: newMemProvider(),
		key:         key,
		paused:      make(chan struct{}),
		resume:      make(chan struct{}),
	}
}

func (p *pausingProvider) Get(ctx context.Context, k string) ([]byte, bool, error) {
	b, ok, err := p.memProvider.Get(ctx, k)
	if k == p.key && p.hit.CompareAndSwap(false, true) {
		close(p.paused)
		<-p.resume
	}
	return b, ok, err
}

func TestReadRacingDeleteDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	p := newPausingProvider("e:/a")
	s, err := New(Config{Provider: p})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "/a", entry.New("/a", "x", 60, []string{"t"}, time.Now())))

	got := make(chan bool, 1)
	go func() {
		_, ok, _ := s.Get(ctx, "/a")
		got <- ok
	}()
	<-p.paused // the read holds the old record

	removed, err := s.Delete(ctx, "/a")
	require.NoError(t, err)
	require.True(t, removed)

	close(p.resume)
	require.True(t, <-got)

	tagged, err := s.GetByTag(ctx, "t")
	require.NoError(t, err)
	require.Empty(t, tagged)
	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.EntryCount)
}

func TestMissRacingSetKeepsLiveKey(t *testing.T) {
	ctx := context.Background()
	p := newPausingProvider("e:/a")
	s, err := New(Config{Provider: p})
	require.NoError(t, err)

	got := make(chan bool, 1)
	go func() {
		_, ok, _ := s.Get(ctx, "/a")
		got <- ok
	}()
	<-p.paused // the read saw no record

	require.NoError(t, s.Set(ctx, "/a", entry.New("/a", "x", 60, []string{"t"}, time.Now())))

	close(p.resume)
	require.False(t, <-got)

	tagged, err := s.GetByTag(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, []string{"/a"}, tagged)
}
