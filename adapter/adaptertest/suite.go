// Package adaptertest provides a conformance suite for adapter.Adapter
// implementations.
//
// Example usage:
//
//	func TestMyBackend(t *testing.T) {
//	    adaptertest.Run(t, func(t *testing.T) adapter.Adapter {
//	        return mybackend.New(...)
//	    })
//	}
package adaptertest

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/isrcache/adapter"
	"github.com/unkn0wn-root/isrcache/entry"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) adapter.Adapter

// Run executes every contract test against backends produced by newAdapter.
func Run(t *testing.T, newAdapter Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, a adapter.Adapter)
	}{
		{"GetMiss", testGetMiss},
		{"SetGetRoundTrip", testRoundTrip},
		{"SetOverwrites", testOverwrite},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"Has", testHas},
		{"Keys", testKeys},
		{"TagMembershipFollowsSet", testTagsFollowSet},
		{"TagMembershipFollowsDelete", testTagsFollowDelete},
		{"UpdateMetaMerges", testUpdateMeta},
		{"UpdateMetaNeverCreates", testUpdateMetaAbsent},
		{"UpdateMetaMovesTags", testUpdateMetaTags},
		{"ReturnedEntriesAreCopies", testCopies},
		{"Stats", testStats},
		{"SetIfAbsent", testSetIfAbsent},
		{"ConcurrentAccess", testConcurrent},
		{"CloseTwice", testCloseTwice},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := newAdapter(t)
			if tc.name != "CloseTwice" {
				t.Cleanup(func() { _ = a.Close(context.Background()) })
			}
			tc.fn(t, a)
		})
	}
}

func sample(key string, tags ...string) *entry.Entry {
	e := entry.New(key, "<html>"+key+"</html>", 60, tags, time.UnixMilli(1_700_000_000_000))
	e.Headers = map[string]string{"Content-Type": "text/html"}
	e.ExtraProps = map[string]any{"title": "page " + key}
	return e
}

func testGetMiss(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	got, ok, err := a.Get(ctx, "/missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)

	m, ok, err := a.GetMeta(ctx, "/missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, m)
}

func testRoundTrip(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	in := sample("/a", "blog", "home")
	require.NoError(t, a.Set(ctx, "/a", in))

	got, ok, err := a.Get(ctx, "/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in.Body, got.Body)
	require.Equal(t, in.Meta, got.Meta)
	require.Equal(t, in.Headers, got.Headers)
	require.Equal(t, "page /a", got.ExtraProps["title"])

	m, ok, err := a.GetMeta(ctx, "/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in.Meta, *m)
}

func testOverwrite(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "/a", sample("/a")))
	next := sample("/a")
	next.Body = "v2"
	require.NoError(t, a.Set(ctx, "/a", next))

	got, ok, err := a.Get(ctx, "/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", got.Body)

	keys, err := a.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"/a"}, keys)
}

func testDeleteIdempotent(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "/a", sample("/a")))

	removed, err := a.Delete(ctx, "/a")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = a.Delete(ctx, "/a")
	require.NoError(t, err)
	require.False(t, removed)
}

func testHas(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	ok, err := a.Has(ctx, "/a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Set(ctx, "/a", sample("/a")))
	ok, err = a.Has(ctx, "/a")
	require.NoError(t, err)
	require.True(t, ok)
}

func testKeys(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	for _, k := range []string{"/c", "/a", "/b"} {
		require.NoError(t, a.Set(ctx, k, sample(k)))
	}
	keys, err := a.Keys(ctx)
	require.NoError(t, err)
	slices.Sort(keys)
	require.Equal(t, []string{"/a", "/b", "/c"}, keys)
}

func sortedByTag(t *testing.T, a adapter.Adapter, tag string) []string {
	t.Helper()
	keys, err := a.GetByTag(context.Background(), tag)
	require.NoError(t, err)
	slices.Sort(keys)
	return keys
}

func testTagsFollowSet(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "/a", sample("/a", "blog", "home")))
	require.NoError(t, a.Set(ctx, "/b", sample("/b", "blog")))

	require.Equal(t, []string{"/a", "/b"}, sortedByTag(t, a, "blog"))
	require.Equal(t, []string{"/a"}, sortedByTag(t, a, "home"))
	require.Empty(t, sortedByTag(t, a, "nope"))

	// re-tagging moves the key out of tags it no longer carries
	require.NoError(t, a.Set(ctx, "/a", sample("/a", "news")))
	require.Equal(t, []string{"/b"}, sortedByTag(t, a, "blog"))
	require.Empty(t, sortedByTag(t, a, "home"))
	require.Equal(t, []string{"/a"}, sortedByTag(t, a, "news"))
}

func testTagsFollowDelete(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "/a", sample("/a", "blog")))
	_, err := a.Delete(ctx, "/a")
	require.NoError(t, err)
	require.Empty(t, sortedByTag(t, a, "blog"))
}

func testUpdateMeta(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	in := sample("/a")
	require.NoError(t, a.Set(ctx, "/a", in))

	ok, err := a.UpdateMeta(ctx, "/a", entry.MetaPatch{
		Status:           entry.Ptr(entry.StatusError),
		LastError:        entry.Ptr("render failed"),
		BumpRegeneration: true,
	})
	require.NoError(t, err)
	require.True(t, ok)

	m, ok, err := a.GetMeta(ctx, "/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.StatusError, m.Status)
	require.Equal(t, "render failed", m.LastError)
	require.Equal(t, uint64(1), m.RegenerationCount)
	require.Equal(t, in.Meta.CreatedAt, m.CreatedAt)

	// body is untouched by meta updates
	got, ok, err := a.Get(ctx, "/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in.Body, got.Body)
	require.Equal(t, entry.StatusError, got.Meta.Status)
}

func testUpdateMetaAbsent(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	ok, err := a.UpdateMeta(ctx, "/ghost", entry.MetaPatch{Status: entry.Ptr(entry.StatusFresh)})
	require.NoError(t, err)
	require.False(t, ok)

	has, err := a.Has(ctx, "/ghost")
	require.NoError(t, err)
	require.False(t, has)
}

func testUpdateMetaTags(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "/a", sample("/a", "old")))

	ok, err := a.UpdateMeta(ctx, "/a", entry.MetaPatch{Tags: &[]string{"new"}})
	require.NoError(t, err)
	require.True(t, ok)

	require.Empty(t, sortedByTag(t, a, "old"))
	require.Equal(t, []string{"/a"}, sortedByTag(t, a, "new"))
}

func testCopies(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	in := sample("/a", "blog")
	require.NoError(t, a.Set(ctx, "/a", in))
	in.Body = "mutated after set"
	in.Meta.Tags[0] = "mutated"

	got, _, err := a.Get(ctx, "/a")
	require.NoError(t, err)
	got.Body = "mutated after get"
	got.Headers["Content-Type"] = "text/plain"

	again, _, err := a.Get(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, "<html>/a</html>", again.Body)
	require.Equal(t, []string{"blog"}, again.Meta.Tags)
	require.Equal(t, "text/html", again.Headers["Content-Type"])
}

func testStats(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	empty, err := a.GetStats(ctx)
	require.NoError(t, err)
	require.Zero(t, empty.EntryCount)

	require.NoError(t, a.Set(ctx, "/a", sample("/a")))
	errored := sample("/b")
	errored.Meta.Status = entry.StatusError
	require.NoError(t, a.Set(ctx, "/b", errored))

	s, err := a.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, s.EntryCount)
	require.Positive(t, s.ApproxSizeBytes)
	require.Equal(t, 1, s.ByStatus[entry.StatusFresh])
	require.Equal(t, 1, s.ByStatus[entry.StatusError])
	require.False(t, s.OldestEntry.IsZero())
	require.False(t, s.NewestEntry.IsZero())
}

func testSetIfAbsent(t *testing.T, a adapter.Adapter) {
	cs, ok := a.(adapter.ConditionalSetter)
	if !ok {
		t.Skip("backend has no conditional write")
	}
	ctx := context.Background()
	created, err := cs.SetIfAbsent(ctx, "/a", sample("/a", "t"))
	require.NoError(t, err)
	require.True(t, created)

	second := sample("/a")
	second.Body = "second"
	created, err = cs.SetIfAbsent(ctx, "/a", second)
	require.NoError(t, err)
	require.False(t, created)

	got, _, err := a.Get(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, "<html>/a</html>", got.Body)
	require.Equal(t, []string{"/a"}, sortedByTag(t, a, "t"))
}

func testConcurrent(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	keys := []string{"/a", "/b", "/c", "/d"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := keys[i%len(keys)]
			for j := 0; j < 20; j++ {
				_ = a.Set(ctx, k, sample(k, "shared"))
				_, _, _ = a.Get(ctx, k)
				_, _ = a.UpdateMeta(ctx, k, entry.MetaPatch{BumpRegeneration: true})
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, keys, sortedByTag(t, a, "shared"))
}

func testCloseTwice(t *testing.T, a adapter.Adapter) {
	ctx := context.Background()
	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))
}
