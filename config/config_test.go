package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/isrcache"
)

const sample = `
server:
  listen: ":9000"
  origin: "http://origin.local/"
cache:
  backend: bigcache
  namespace: site
  codec: cbor
  bigcache:
    max: 64mb
    maxEntrySize: 32kb
revalidation:
  default: 5m
  swr: 30
  maxConcurrent: 8
  fallback: loading
  sweepEvery: 1m
admin:
  prefix: /admin/
  secret: hunter2
rules:
  - match: PathPrefix(/api)
    priority: 1
    bypass: true
  - match: PathPrefix(/blog) | PathPrefix(/news)
    priority: 0
    revalidate: 10s
    tags: [blog]
  - match: PathPrefix(/static)
    priority: 2
    revalidate: 0s
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.Server.Listen)
	require.Equal(t, "http://origin.local", cfg.Server.Origin)
	require.Equal(t, 30*time.Second, cfg.Server.OriginTimeout.Std())
	require.Equal(t, BackendBigCache, cfg.Cache.Backend)
	require.Equal(t, 64, cfg.Cache.BigCache.Max.MB())
	require.Equal(t, ByteSize(32<<10), cfg.Cache.BigCache.MaxEntrySize)
	require.Equal(t, 300, cfg.DefaultRevalidateSeconds())
	require.Equal(t, 30, cfg.Revalidation.SWR.Seconds())
	require.Equal(t, isrcache.FallbackLoading, cfg.FallbackMode())
	require.Equal(t, "/admin", cfg.Admin.Prefix)

	// sorted by priority
	require.Equal(t, "PathPrefix(/blog) | PathPrefix(/news)", cfg.Rules[0].Match)
	require.Equal(t, 10, cfg.RevalidateSeconds("/news/1"))
	require.Equal(t, 0, cfg.RevalidateSeconds("/static/app.js"))
	require.Equal(t, 300, cfg.RevalidateSeconds("/about"))
	require.True(t, cfg.RuleFor("/api/users").Bypass)
	require.Nil(t, cfg.RuleFor("/about"))
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`server: {origin: "http://o"}`))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Listen)
	require.Equal(t, BackendMemory, cfg.Cache.Backend)
	require.Equal(t, "isr", cfg.Cache.Namespace)
	require.Equal(t, 60, cfg.DefaultRevalidateSeconds())
	require.Equal(t, isrcache.FallbackBlocking, cfg.FallbackMode())
	require.Equal(t, "/_isr", cfg.Admin.Prefix)
}

func TestParseZeroDefaultMeansNeverStale(t *testing.T) {
	cfg, err := Parse([]byte(`revalidation: {default: 0s}`))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.DefaultRevalidateSeconds())
	require.Equal(t, 0, cfg.RevalidateSeconds("/any"))

	cfg, err = Parse([]byte(`revalidation: {default: 0}`))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.DefaultRevalidateSeconds())
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"backend":          `cache: {backend: etcd}`,
		"codec":            `cache: {codec: gob}`,
		"redis addr":       `cache: {backend: redis}`,
		"leveldb path":     `cache: {backend: leveldb}`,
		"fallback":         `revalidation: {fallback: sometimes}`,
		"duration":         `revalidation: {default: soon}`,
		"negative swr":     `revalidation: {swr: -5s}`,
		"negative default": `revalidation: {default: -5s}`,
		"byte size":        `cache: {bigcache: {max: lots}}`,
		"rule match":       `rules: [{match: "Regex(.*)"}]`,
		"rule prefix":      `rules: [{match: "PathPrefix(blog)"}]`,
		"admin prefix":     `admin: {prefix: "_isr"}`,
		"admin root":       `admin: {prefix: "/"}`,
		"malformed yaml":   `server: [`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "site", cfg.Cache.Namespace)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":    512,
		"64kb":   64 << 10,
		"1.5m":   3 << 19,
		"2GB":    2 << 30,
		" 10 k ": 10 << 10,
	}
	for in, want := range cases {
		got, err := ParseBytes(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "b", "-1k", "ten"} {
		_, err := ParseBytes(bad)
		require.Error(t, err, bad)
	}
}
