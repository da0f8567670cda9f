package sloghooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/isrcache"
)

func newBuffered(opts Options) (*Hooks, *bytes.Buffer) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(l, opts), &buf
}

func lines(buf *bytes.Buffer) []map[string]any {
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(ln), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestRedactsKeysByDefault(t *testing.T) {
	h, buf := newBuffered(Options{})
	h.RenderFailed("/secret/page", errors.New("boom"))

	recs := lines(buf)
	require.Len(t, recs, 1)
	require.Equal(t, "isrcache.render_failed", recs[0]["msg"])
	require.Equal(t, "ERROR", recs[0]["level"])
	require.NotEqual(t, "/secret/page", recs[0]["key"])
	require.Len(t, recs[0]["key"], 16)
}

func TestPlainRedactor(t *testing.T) {
	h, buf := newBuffered(Options{Redact: Plain})
	h.AdapterError("get", "/a", errors.New("down"))

	recs := lines(buf)
	require.Len(t, recs, 1)
	require.Equal(t, "/a", recs[0]["key"])
	require.Equal(t, "get", recs[0]["op"])
	require.Equal(t, "down", recs[0]["err"])
}

func TestSampling(t *testing.T) {
	h, buf := newBuffered(Options{TagIndexMissEvery: 3})
	for i := 0; i < 9; i++ {
		h.TagIndexMiss("blog")
	}
	require.Len(t, lines(buf), 3)
}

func TestRevalidationsAreOptIn(t *testing.T) {
	h, buf := newBuffered(Options{Redact: Plain})
	h.RevalidationFinished(isrcache.Result{Key: "/a", Success: true})
	require.Empty(t, lines(buf))

	h, buf = newBuffered(Options{Redact: Plain, LogRevalidations: true})
	h.RevalidationFinished(isrcache.Result{Key: "/a", Success: true, ContentChanged: true})
	recs := lines(buf)
	require.Len(t, recs, 1)
	require.Equal(t, true, recs[0]["changed"])
}

func TestNilLogger(t *testing.T) {
	h := New(nil, Options{})
	h.AdapterError("get", "/a", errors.New("x"))
	h.TagIndexMiss("t")
	h.RenderFailed("/a", errors.New("x"))
	h.RevalidationFinished(isrcache.Result{})
	h.QueueDropped("/a", 1, "closed")
}
