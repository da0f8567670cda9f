package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/isrcache"
)

const secret = "s3cret"

func (f *fixture) admin(sweeper *isrcache.Sweeper) http.Handler {
	return NewAdmin(AdminOptions{
		Manager:   f.mgr,
		Scheduler: f.sched,
		Sweeper:   sweeper,
		Secret:    secret,
	})
}

func call(t *testing.T, h http.Handler, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(SecretHeader, secret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func TestAdminRequiresSecret(t *testing.T) {
	f := newFixture(t)
	h := f.admin(nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set(SecretHeader, "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	open := NewAdmin(AdminOptions{Manager: f.mgr, Scheduler: f.sched})
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRevalidate(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/a", "old", 60, "blog")
	f.put(t, "/b", "old", 60, "blog")
	h := f.admin(nil)

	var resp isrcache.TriggerResponse
	rec := call(t, h, http.MethodPost, "/revalidate", `{"key":"/c","tag":"blog"}`, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, resp.Revalidated)
	require.Equal(t, 3, resp.Successful)
	require.Equal(t, 1, f.origin.count("/a"))
	require.Equal(t, 1, f.origin.count("/c"))

	rec = call(t, h, http.MethodPost, "/revalidate", `{"bogus":1}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminWebhook(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/a", "old", 60, "blog")
	f.put(t, "/b", "old", 60, "news")
	h := f.admin(nil)

	var resp isrcache.WebhookResponse
	rec := call(t, h, http.MethodPost, "/webhook", `{}`, &resp)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, resp.Success)

	resp = isrcache.WebhookResponse{}
	rec = call(t, h, http.MethodPost, "/webhook", `{"tags":["blog"]}`, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	require.Equal(t, []string{"/a"}, resp.RevalidatedKeys)

	resp = isrcache.WebhookResponse{}
	rec = call(t, h, http.MethodPost, "/webhook", `{"keys":["/b"],"purge":true}`, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"/b"}, resp.RevalidatedKeys)
	_, ok := f.mgr.Get(context.Background(), "/b", true)
	require.False(t, ok)
}

func TestAdminStatsAndRebuild(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/a", "hello", 60, "blog")
	f.put(t, "/b", "hello", 60)
	h := f.admin(nil)

	var stats StatsResponse
	rec := call(t, h, http.MethodGet, "/stats", "", &stats)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, stats.EntryCount)
	require.Zero(t, stats.QueueSize)

	var rebuilt map[string]int
	rec = call(t, h, http.MethodPost, "/tags/rebuild", "", &rebuilt)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, rebuilt["indexed"])
}

func TestAdminSweep(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/a", "old", 60)
	f.put(t, "/b", "old", 0)
	sw := isrcache.NewSweeper(f.mgr, f.sched, isrcache.SweeperOptions{Clock: f.clk})
	h := f.admin(sw)
	f.clk.Add(2 * time.Minute)

	var out map[string]int
	rec := call(t, h, http.MethodPost, "/sweep", "", &out)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, out["queued"])

	rec = call(t, f.admin(nil), http.MethodPost, "/sweep", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminDeleteEntry(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/blog/post-1", "hello", 60)
	h := f.admin(nil)

	rec := call(t, h, http.MethodDelete, "/entries/blog/post-1", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, h, http.MethodDelete, "/entries/blog/post-1", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
