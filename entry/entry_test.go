package entry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func metaAt(revalidatedAt time.Time, interval int) Meta {
	ms := revalidatedAt.UnixMilli()
	return Meta{Key: "/p", CreatedAt: ms, RevalidatedAt: ms, RevalidateSeconds: interval}
}

func TestIsStaleZeroIntervalNeverStale(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	m := metaAt(base, 0)
	for _, d := range []time.Duration{0, time.Second, 24 * time.Hour, 10 * 365 * 24 * time.Hour} {
		require.False(t, IsStale(m, base.Add(d)), "elapsed=%s", d)
		require.True(t, IsWithinSWR(m, base.Add(d), 0))
	}
}

func TestIsStaleBoundaryIsExact(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	m := metaAt(base, 60)

	require.False(t, IsStale(m, base.Add(60*time.Second)))
	require.True(t, IsStale(m, base.Add(60*time.Second+time.Millisecond)))
	require.False(t, IsStale(m, base.Add(59*time.Second)))
}

func TestSWRWindow(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	m := metaAt(base, 60)

	at70 := base.Add(70 * time.Second)
	require.True(t, IsStale(m, at70))
	require.True(t, IsWithinSWR(m, at70, 30))

	at100 := base.Add(100 * time.Second)
	require.True(t, IsStale(m, at100))
	require.False(t, IsWithinSWR(m, at100, 30))

	// no grace window: stale means outside
	require.False(t, IsWithinSWR(m, at70, 0))
}

func TestStaleAt(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	at, ok := StaleAt(metaAt(base, 10))
	require.True(t, ok)
	require.Equal(t, base.Add(10*time.Second).UnixMilli(), at.UnixMilli())

	_, ok = StaleAt(metaAt(base, 0))
	require.False(t, ok)
}

func TestNormalizeTags(t *testing.T) {
	require.Nil(t, NormalizeTags(nil))
	require.Nil(t, NormalizeTags([]string{" ", ""}))
	require.Equal(t, []string{"a", "b"}, NormalizeTags([]string{"b", " a", "b", ""}))
	require.Equal(t, []string{"ab"}, NormalizeTags([]string{"a\x00b", "\x00"}))
}

func TestNormalizeClampsTimestamps(t *testing.T) {
	m := Meta{CreatedAt: 2000, RevalidatedAt: 1000, RevalidateSeconds: -5, Status: "bogus", ContentHash: "abc"}
	m.Normalize("/k")

	require.Equal(t, "/k", m.Key)
	require.Equal(t, int64(2000), m.RevalidatedAt)
	require.Zero(t, m.RevalidateSeconds)
	require.Equal(t, StatusFresh, m.Status)
	require.Equal(t, ComputeETag("abc", 2000), m.ETag)
}

func TestETagChangesWithRevalidation(t *testing.T) {
	a := ComputeETag("h", 1)
	b := ComputeETag("h", 2)
	c := ComputeETag("h2", 1)
	require.Len(t, a, 16)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.Equal(t, a, ComputeETag("h", 1))
}

func TestHashContentDetectsChange(t *testing.T) {
	require.Equal(t, HashContent("<p>x</p>"), HashContent("<p>x</p>"))
	require.NotEqual(t, HashContent("<p>x</p>"), HashContent("<p>y</p>"))
}

func TestApplyPatch(t *testing.T) {
	e := New("/k", "body", 60, []string{"t1"}, time.UnixMilli(1000))
	m := e.Meta

	old := ApplyPatch(&m, MetaPatch{
		Status:           Ptr(StatusError),
		LastError:        Ptr("boom"),
		Tags:             &[]string{"t2", "t1", "t2"},
		BumpRegeneration: true,
	})
	require.Equal(t, []string{"t1"}, old)
	require.Equal(t, StatusError, m.Status)
	require.Equal(t, "boom", m.LastError)
	require.Equal(t, []string{"t1", "t2"}, m.Tags)
	require.Equal(t, uint64(1), m.RegenerationCount)
	require.Equal(t, int64(1000), m.CreatedAt)

	ApplyPatch(&m, MetaPatch{LastError: Ptr(""), RevalidatedAt: Ptr(int64(5000))})
	require.Empty(t, m.LastError)
	require.Equal(t, ComputeETag(m.ContentHash, 5000), m.ETag)
}

func TestCloneIsDeep(t *testing.T) {
	e := New("/k", "b", 0, []string{"x"}, time.Now())
	e.Headers = map[string]string{"X-A": "1"}
	e.ExtraProps = map[string]any{"n": 1}

	c := e.Clone()
	c.Meta.Tags[0] = "y"
	c.Headers["X-A"] = "2"
	c.ExtraProps["n"] = 2

	require.Equal(t, "x", e.Meta.Tags[0])
	require.Equal(t, "1", e.Headers["X-A"])
	require.Equal(t, 1, e.ExtraProps["n"])
}

func TestStatsBuilder(t *testing.T) {
	now := time.UnixMilli(100_000)
	b := NewStatsBuilder(now)
	b.Add(Meta{CreatedAt: 1000, RevalidatedAt: 1000, RevalidateSeconds: 10, Status: StatusFresh}, 10)
	b.Add(Meta{CreatedAt: 50_000, RevalidatedAt: 99_000, RevalidateSeconds: 10, Status: StatusError}, 5)
	b.Add(Meta{CreatedAt: 20_000, RevalidatedAt: 20_000, Status: StatusFresh}, 1)

	s := b.Stats()
	require.Equal(t, 3, s.EntryCount)
	require.Equal(t, int64(16), s.ApproxSizeBytes)
	require.Equal(t, 1, s.StaleCount)
	require.Equal(t, 2, s.ByStatus[StatusFresh])
	require.Equal(t, 1, s.ByStatus[StatusError])
	require.Equal(t, int64(1000), s.OldestEntry.UnixMilli())
	require.Equal(t, int64(50_000), s.NewestEntry.UnixMilli())
}
